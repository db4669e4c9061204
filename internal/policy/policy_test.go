package policy

import (
	"testing"
	"time"

	"panelbridge/internal/models"
)

func timePtr(t time.Time) *time.Time { return &t }

func TestEvaluate_DecisionTable(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := timePtr(now.Add(-time.Hour))
	future := timePtr(now.Add(24 * time.Hour))

	tests := []struct {
		name       string
		sub        Subscriber
		agent      Agent
		wantAction Action
		wantReason string
	}{
		{
			name:       "subscriber over limit",
			sub:        Subscriber{UsedBytes: 1_000_001, LimitBytes: 1_000_000},
			wantAction: Disable,
			wantReason: models.ReasonQuotaExceeded,
		},
		{
			name:       "subscriber exactly at limit",
			sub:        Subscriber{UsedBytes: 1_000_000, LimitBytes: 1_000_000},
			wantAction: Disable,
			wantReason: models.ReasonQuotaExceeded,
		},
		{
			name:       "unlimited subscriber with huge usage stays enabled",
			sub:        Subscriber{UsedBytes: 1 << 50, LimitBytes: 0},
			agent:      Agent{Present: true, Active: true, LimitBytes: 0},
			wantAction: KeepEnabled,
		},
		{
			name:       "subscriber expired",
			sub:        Subscriber{ExpireAt: past},
			wantAction: Disable,
			wantReason: models.ReasonExpired,
		},
		{
			name:       "subscriber expiring in the future stays enabled",
			sub:        Subscriber{ExpireAt: future},
			wantAction: KeepEnabled,
		},
		{
			name:       "quota rule outranks expiry rule",
			sub:        Subscriber{UsedBytes: 10, LimitBytes: 5, ExpireAt: past},
			wantAction: Disable,
			wantReason: models.ReasonQuotaExceeded,
		},
		{
			name:       "agent inactive",
			sub:        Subscriber{},
			agent:      Agent{Present: true, Active: false},
			wantAction: Disable,
			wantReason: models.ReasonAgentInactive,
		},
		{
			name:       "agent expired",
			sub:        Subscriber{},
			agent:      Agent{Present: true, Active: true, ExpireAt: past},
			wantAction: Disable,
			wantReason: models.ReasonAgentInactive,
		},
		{
			name:       "agent over aggregate limit",
			sub:        Subscriber{},
			agent:      Agent{Present: true, Active: true, LimitBytes: 100, UsedBytes: 100},
			wantAction: Disable,
			wantReason: models.ReasonAgentQuotaExceeded,
		},
		{
			name:       "agent per-user cap clamps unlimited subscriber",
			sub:        Subscriber{UsedBytes: 600, LimitBytes: 0},
			agent:      Agent{Present: true, Active: true, MaxUserBytes: 500},
			wantAction: Disable,
			wantReason: models.ReasonQuotaExceeded,
		},
		{
			name:       "agent per-user cap tighter than subscriber limit",
			sub:        Subscriber{UsedBytes: 600, LimitBytes: 10_000},
			agent:      Agent{Present: true, Active: true, MaxUserBytes: 500},
			wantAction: Disable,
			wantReason: models.ReasonQuotaExceeded,
		},
		{
			name:       "no agent means agent rules do not apply",
			sub:        Subscriber{},
			agent:      Agent{},
			wantAction: KeepEnabled,
		},
		{
			name:       "auto-disabled subscriber back under limit reenables",
			sub:        Subscriber{UsedBytes: 10, LimitBytes: 100, DisableReason: models.ReasonQuotaExceeded},
			wantAction: Reenable,
		},
		{
			name:       "agent-disabled subscriber reenables when agent recovers",
			sub:        Subscriber{DisableReason: models.ReasonAgentQuotaExceeded},
			agent:      Agent{Present: true, Active: true, LimitBytes: 100, UsedBytes: 10},
			wantAction: Reenable,
		},
		{
			name:       "manually disabled subscriber is never reenabled",
			sub:        Subscriber{UsedBytes: 10, LimitBytes: 100, DisableReason: models.ReasonManual},
			wantAction: KeepDisabled,
			wantReason: models.ReasonManual,
		},
		{
			name:       "manual disable outranks a quota violation",
			sub:        Subscriber{UsedBytes: 200, LimitBytes: 100, DisableReason: models.ReasonManual},
			wantAction: KeepDisabled,
			wantReason: models.ReasonManual,
		},
		{
			name:       "standing violation on a disabled subscriber re-derives disable",
			sub:        Subscriber{UsedBytes: 200, LimitBytes: 100, DisableReason: models.ReasonQuotaExceeded},
			wantAction: Disable,
			wantReason: models.ReasonQuotaExceeded,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			got := Evaluate(test.sub, test.agent, now)
			if got.Action != test.wantAction {
				t.Errorf("action = %s, want %s", got.Action, test.wantAction)
			}
			if got.Reason != test.wantReason {
				t.Errorf("reason = %q, want %q", got.Reason, test.wantReason)
			}
		})
	}
}

func TestEvaluate_Idempotent(t *testing.T) {
	t.Parallel()

	now := time.Now()
	sub := Subscriber{UsedBytes: 1_000_001, LimitBytes: 1_000_000}
	agent := Agent{Present: true, Active: true}

	first := Evaluate(sub, agent, now)
	second := Evaluate(sub, agent, now)
	if first != second {
		t.Errorf("repeated evaluation diverged: %+v then %+v", first, second)
	}
}

func TestSnapshots(t *testing.T) {
	t.Parallel()

	if got := AgentSnapshot(nil); got.Present {
		t.Error("nil agent snapshot should be absent")
	}

	exp := time.Now().Add(time.Hour)
	agent := &models.Agent{TotalUsedBytes: 42, PlanLimitBytes: 100, MaxUserBytes: 10, ExpireAt: &exp, Active: true}
	snap := AgentSnapshot(agent)
	if !snap.Present || snap.UsedBytes != 42 || snap.LimitBytes != 100 || snap.MaxUserBytes != 10 || !snap.Active {
		t.Errorf("agent snapshot mismatch: %+v", snap)
	}

	sub := &models.Subscriber{UsedBytes: 7, PlanLimitBytes: 9, DisableReason: models.ReasonManual}
	ssnap := SubscriberSnapshot(sub)
	if ssnap.UsedBytes != 7 || ssnap.LimitBytes != 9 || ssnap.DisableReason != models.ReasonManual {
		t.Errorf("subscriber snapshot mismatch: %+v", ssnap)
	}
}
