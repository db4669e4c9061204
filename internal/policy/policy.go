// Package policy holds the quota decision engine. It is pure: a decision is
// a function of the subscriber snapshot, the agent snapshot and the clock,
// with no I/O, so repeated evaluation with unchanged inputs is a no-op.
package policy

import (
	"time"

	"panelbridge/internal/models"
)

type Action int

const (
	KeepEnabled Action = iota
	Disable
	KeepDisabled
	Reenable
)

func (a Action) String() string {
	switch a {
	case KeepEnabled:
		return "keep_enabled"
	case Disable:
		return "disable"
	case KeepDisabled:
		return "keep_disabled"
	case Reenable:
		return "reenable"
	default:
		return "unknown"
	}
}

// Decision is the outcome of one evaluation. Reason is set for Disable and
// names the first matching rule; for KeepDisabled it echoes the reason the
// subscriber is already disabled for.
type Decision struct {
	Action Action
	Reason string
}

// Subscriber is the snapshot of the fields the engine reads.
type Subscriber struct {
	UsedBytes     int64
	LimitBytes    int64 // 0 = unlimited
	ExpireAt      *time.Time
	DisableReason string // "" = currently enabled
}

// Agent is the snapshot of the owning agent, if any.
type Agent struct {
	Present      bool
	UsedBytes    int64
	LimitBytes   int64 // 0 = unlimited
	MaxUserBytes int64 // per-subscriber cap, 0 = uncapped
	ExpireAt     *time.Time
	Active       bool
}

// autoReasons are the disable reasons the engine itself sets and is
// therefore allowed to clear. Anything else (manual operator disables in
// particular) is never auto-reenabled.
var autoReasons = map[string]bool{
	models.ReasonQuotaExceeded:      true,
	models.ReasonExpired:            true,
	models.ReasonAgentInactive:      true,
	models.ReasonAgentQuotaExceeded: true,
}

// Evaluate applies the decision table, first match wins.
func Evaluate(sub Subscriber, agent Agent, now time.Time) Decision {
	// A manual (or otherwise operator-set) disable outranks everything:
	// it is never overwritten by a quota reason and never auto-reenabled.
	if sub.DisableReason != "" && !autoReasons[sub.DisableReason] {
		return Decision{Action: KeepDisabled, Reason: sub.DisableReason}
	}

	// Violations always yield Disable, even when the subscriber is already
	// disabled for the same reason: the worker re-issues the remote action
	// each cycle, which is how failed disables converge without a retry
	// queue.
	if reason := firstViolation(sub, agent, now); reason != "" {
		return Decision{Action: Disable, Reason: reason}
	}

	if sub.DisableReason != "" {
		if autoReasons[sub.DisableReason] {
			return Decision{Action: Reenable}
		}
		return Decision{Action: KeepDisabled, Reason: sub.DisableReason}
	}
	return Decision{Action: KeepEnabled}
}

func firstViolation(sub Subscriber, agent Agent, now time.Time) string {
	limit := sub.LimitBytes
	if agent.Present && agent.MaxUserBytes > 0 && (limit == 0 || limit > agent.MaxUserBytes) {
		limit = agent.MaxUserBytes
	}
	if limit > 0 && sub.UsedBytes >= limit {
		return models.ReasonQuotaExceeded
	}
	if sub.ExpireAt != nil && !sub.ExpireAt.After(now) {
		return models.ReasonExpired
	}
	if agent.Present {
		if !agent.Active || (agent.ExpireAt != nil && !agent.ExpireAt.After(now)) {
			return models.ReasonAgentInactive
		}
		if agent.LimitBytes > 0 && agent.UsedBytes >= agent.LimitBytes {
			return models.ReasonAgentQuotaExceeded
		}
	}
	return ""
}

// SubscriberSnapshot builds the engine's view of a subscriber record.
func SubscriberSnapshot(s *models.Subscriber) Subscriber {
	return Subscriber{
		UsedBytes:     s.UsedBytes,
		LimitBytes:    s.PlanLimitBytes,
		ExpireAt:      s.ExpireAt,
		DisableReason: s.DisableReason,
	}
}

// AgentSnapshot builds the engine's view of an agent record; a nil agent
// yields an absent snapshot and the agent rules do not apply.
func AgentSnapshot(a *models.Agent) Agent {
	if a == nil {
		return Agent{}
	}
	return Agent{
		Present:      true,
		UsedBytes:    a.TotalUsedBytes,
		LimitBytes:   a.PlanLimitBytes,
		MaxUserBytes: a.MaxUserBytes,
		ExpireAt:     a.ExpireAt,
		Active:       a.Active,
	}
}
