package models

import (
	"time"
)

// Disable reasons recorded on a subscriber. The policy engine only ever
// clears the reasons it set itself; ReasonManual sticks until an operator
// removes it.
const (
	ReasonQuotaExceeded      = "quota_exceeded"
	ReasonExpired            = "expired"
	ReasonAgentInactive      = "agent_inactive"
	ReasonAgentQuotaExceeded = "agent_quota_exceeded"
	ReasonManual             = "manual"
)

// Subscriber is a local account aggregating one remote account per enrolled
// panel. UsedBytes and DisableReason are written only by the reconciliation
// worker.
type Subscriber struct {
	ID             uint   `gorm:"primaryKey"`
	Username       string `gorm:"size:64;uniqueIndex;not null"`
	AgentID        *uint  `gorm:"index"`
	Agent          *Agent `gorm:"constraint:OnUpdate:CASCADE,OnDelete:SET NULL;"`
	PlanLimitBytes int64  `gorm:"default:0"` // 0 = unlimited
	UsedBytes      int64  `gorm:"default:0"`
	ExpireAt       *time.Time
	DisableReason  string `gorm:"size:32"` // empty = enabled
	DisabledAt     *time.Time
	Enrollments    []Enrollment
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Disabled reports whether the subscriber is currently disabled locally.
func (s *Subscriber) Disabled() bool {
	return s.DisableReason != ""
}

// Expired reports whether the subscriber's expiry has passed at now.
func (s *Subscriber) Expired(now time.Time) bool {
	return s.ExpireAt != nil && !s.ExpireAt.After(now)
}
