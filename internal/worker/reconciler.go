// Package worker runs the usage reconciliation loop: poll every enrollment's
// remote usage, fold deltas into local counters, evaluate quota policy and
// push enable/disable actions back to the panels. Cycles never overlap and
// the worker is the single writer of usage and disabled-state.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"panelbridge/internal/fetchcache"
	"panelbridge/internal/models"
	"panelbridge/internal/panel"
	"panelbridge/internal/policy"
	"panelbridge/internal/store"
)

// Options configures one reconciler instance.
type Options struct {
	Interval            time.Duration
	CycleDeadline       time.Duration
	CallTimeout         time.Duration
	FailStreakThreshold int
}

// CycleStats summarizes one reconciliation cycle for the observability
// layer.
type CycleStats struct {
	Started             time.Time
	Finished            time.Time
	Subscribers         int
	EnrollmentsFetched  int
	FetchFailures       int
	DegradedEnrollments int
	Disables            int
	Reenables           int
	CommitFailures      int
}

// Reconciler is the cycle state machine.
type Reconciler struct {
	store    store.Store
	adapters panel.Factory
	cache    *fetchcache.Cache
	sem      *semaphore.Weighted
	leader   LeaderLock    // nil means single-process ownership
	redis    *redis.Client // optional, dedupes degraded alerts
	logger   *zap.SugaredLogger
	opts     Options

	cycleMu sync.Mutex // non-blocking cycle-in-progress guard

	// OnCycleEnd, when set, receives every completed cycle's stats.
	OnCycleEnd func(CycleStats)
}

// NewReconciler wires a reconciler. sem is the global adapter-call budget
// shared with the aggregator so background cycles and read traffic compete
// fairly for the same remote capacity.
func NewReconciler(st store.Store, adapters panel.Factory, cache *fetchcache.Cache, sem *semaphore.Weighted, leader LeaderLock, rdb *redis.Client, logger *zap.SugaredLogger, opts Options) *Reconciler {
	if opts.FailStreakThreshold <= 0 {
		opts.FailStreakThreshold = 5
	}
	return &Reconciler{
		store:    st,
		adapters: adapters,
		cache:    cache,
		sem:      sem,
		leader:   leader,
		redis:    rdb,
		logger:   logger,
		opts:     opts,
	}
}

// Run executes cycles on the configured interval until ctx is cancelled.
// A tick that arrives while a cycle is still running is skipped.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	r.logger.Infow("reconciliation worker started", "interval", r.opts.Interval)

	// Run once at start.
	r.runGuarded(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciliation worker stopped")
			return
		case <-ticker.C:
			r.runGuarded(ctx)
		}
	}
}

func (r *Reconciler) runGuarded(ctx context.Context) {
	if !r.cycleMu.TryLock() {
		r.logger.Warn("previous cycle still running, skipping tick")
		return
	}
	defer r.cycleMu.Unlock()

	stats, err := r.runCycle(ctx)
	if err != nil {
		r.logger.Errorw("cycle failed", "error", err)
		return
	}
	if r.OnCycleEnd != nil {
		r.OnCycleEnd(stats)
	}
}

// RunCycleNow executes one cycle immediately, respecting the same
// in-progress guard. Used by operator tooling to force a resync.
func (r *Reconciler) RunCycleNow(ctx context.Context) (CycleStats, error) {
	if !r.cycleMu.TryLock() {
		return CycleStats{}, errors.New("cycle already in progress")
	}
	defer r.cycleMu.Unlock()
	return r.runCycle(ctx)
}

func (r *Reconciler) runCycle(ctx context.Context) (CycleStats, error) {
	stats := CycleStats{Started: time.Now()}

	if r.leader != nil {
		ok, err := r.leader.Acquire(ctx)
		if err != nil {
			return stats, fmt.Errorf("leader lock: %w", err)
		}
		if !ok {
			r.logger.Info("another instance holds the leader lock, skipping cycle")
			return stats, nil
		}
		defer func() {
			if err := r.leader.Release(context.WithoutCancel(ctx)); err != nil {
				r.logger.Warnw("failed to release leader lock", "error", err)
			}
		}()
	}

	cycleCtx := ctx
	if r.opts.CycleDeadline > 0 {
		var cancel context.CancelFunc
		cycleCtx, cancel = context.WithTimeout(ctx, r.opts.CycleDeadline)
		defer cancel()
	}

	subs, err := r.store.ListSubscribers(cycleCtx)
	if err != nil {
		return stats, fmt.Errorf("listing subscribers: %w", err)
	}
	stats.Subscribers = len(subs)
	r.logger.Infow("cycle started", "subscribers", len(subs))

	// Subscribers reconcile concurrently; the semaphore bounds the actual
	// remote calls, so goroutine count per subscriber is harmless.
	var wg sync.WaitGroup
	var mu sync.Mutex
	for i := range subs {
		wg.Add(1)
		go func(sub *models.Subscriber) {
			defer wg.Done()
			res := r.reconcileSubscriber(cycleCtx, sub)
			mu.Lock()
			stats.EnrollmentsFetched += res.fetched
			stats.FetchFailures += res.fetchFailures
			stats.DegradedEnrollments += res.degraded
			stats.Disables += res.disables
			stats.Reenables += res.reenables
			stats.CommitFailures += res.commitFailures
			mu.Unlock()
		}(&subs[i])
	}
	wg.Wait()

	stats.Finished = time.Now()
	r.logger.Infow("cycle finished",
		"duration", stats.Finished.Sub(stats.Started),
		"enrollments_fetched", stats.EnrollmentsFetched,
		"fetch_failures", stats.FetchFailures,
		"degraded", stats.DegradedEnrollments,
		"disables", stats.Disables,
		"reenables", stats.Reenables,
		"commit_failures", stats.CommitFailures,
	)
	return stats, nil
}

type subscriberResult struct {
	fetched        int
	fetchFailures  int
	degraded       int
	disables       int
	reenables      int
	commitFailures int
}

// reconcileSubscriber runs the full per-subscriber ordering: usage read,
// policy evaluation, remote actions, then one atomic commit.
func (r *Reconciler) reconcileSubscriber(ctx context.Context, sub *models.Subscriber) subscriberResult {
	var res subscriberResult

	// A deactivated panel cascades to its enrollments: no polling, no
	// actions, state untouched until the panel is reactivated.
	sub.Enrollments = models.ActiveEnrollments(sub.Enrollments)

	var delta int64
	updates := make([]store.EnrollmentUpdate, 0, len(sub.Enrollments))

	for i := range sub.Enrollments {
		e := &sub.Enrollments[i]
		upd := store.EnrollmentUpdate{
			ID:              e.ID,
			LastUsedTraffic: e.LastUsedTraffic,
			FailStreak:      e.FailStreak,
			Degraded:        e.Degraded,
		}

		used, err := r.fetchUsage(ctx, e)
		switch {
		case err == nil:
			res.fetched++
			if used < e.LastUsedTraffic {
				// Remote counters only decrease when the panel reset its
				// statistics; adopt the new baseline, no negative delta.
				r.logger.Infow("remote usage dropped, resetting baseline",
					"enrollment_id", e.ID, "panel_id", e.PanelID,
					"last", e.LastUsedTraffic, "now", used)
			} else {
				delta += used - e.LastUsedTraffic
			}
			upd.LastUsedTraffic = used
			upd.FailStreak = 0
			if e.Degraded {
				upd.Degraded = false
				r.clearDegradedAlert(ctx, e)
			}

		case errors.Is(err, panel.ErrRemoteAuthFailed) || errors.Is(err, panel.ErrCredentialUnavailable):
			// Configuration error: surfaced, usage unchanged, no
			// disablement is ever inferred from it.
			res.fetchFailures++
			r.logger.Errorw("panel credentials rejected",
				"enrollment_id", e.ID, "panel_id", e.PanelID, "error", err)

		case errors.Is(err, panel.ErrRemoteNotFound):
			// The remote side lost the account. Data-integrity warning;
			// the local enrollment is never auto-removed, but any cached
			// links for it are dropped so the read path stops serving them.
			res.fetchFailures++
			r.cache.Invalidate(fetchcache.Key{PanelID: e.PanelID, RemoteUsername: e.RemoteUsername, Op: fetchcache.OpLinks})
			r.logger.Warnw("remote account missing upstream",
				"enrollment_id", e.ID, "panel_id", e.PanelID,
				"remote_username", e.RemoteUsername, "error", err)

		default:
			// Unavailable, timeout or cycle deadline: unchanged for this
			// cycle, counted toward the degraded threshold.
			res.fetchFailures++
			upd.FailStreak++
			if upd.FailStreak >= r.opts.FailStreakThreshold && !upd.Degraded {
				upd.Degraded = true
				r.raiseDegradedAlert(ctx, e, upd.FailStreak)
			}
			r.logger.Warnw("usage fetch failed, keeping last value",
				"enrollment_id", e.ID, "panel_id", e.PanelID,
				"fail_streak", upd.FailStreak, "error", err)
		}

		if upd.Degraded {
			res.degraded++
		}
		updates = append(updates, upd)
	}

	newUsed := sub.UsedBytes + delta

	agentSnap := policy.AgentSnapshot(sub.Agent)
	if sub.AgentID != nil {
		// Re-read the agent so totals committed by sibling subscribers
		// earlier in this cycle are visible; fall back to the preloaded
		// copy when the read fails.
		if agent, err := r.store.GetAgent(ctx, *sub.AgentID); err == nil {
			agentSnap = policy.AgentSnapshot(agent)
		} else if !errors.Is(err, store.ErrNotFound) {
			r.logger.Warnw("failed to refresh agent", "agent_id", *sub.AgentID, "error", err)
		}
		// This subscriber's own delta is not committed yet.
		agentSnap.UsedBytes += delta
	}

	subSnap := policy.SubscriberSnapshot(sub)
	subSnap.UsedBytes = newUsed
	decision := policy.Evaluate(subSnap, agentSnap, time.Now())

	var reasonPtr *string
	switch decision.Action {
	case policy.Disable:
		res.disables += r.pushAction(ctx, sub, actionDisable, decision.Reason)
		reason := decision.Reason
		reasonPtr = &reason
	case policy.Reenable:
		res.reenables += r.pushAction(ctx, sub, actionEnable, "")
		cleared := ""
		reasonPtr = &cleared
	}

	upd := store.ReconcileUpdate{
		SubscriberID:  sub.ID,
		UsedBytes:     newUsed,
		AgentID:       sub.AgentID,
		AgentDelta:    delta,
		DisableReason: reasonPtr,
		Enrollments:   updates,
	}
	// Commit with a context that survives the cycle deadline: the fetches
	// already happened; losing their result to a deadline race would
	// discard observed usage.
	if err := r.store.CommitReconciliation(context.WithoutCancel(ctx), upd); err != nil {
		res.commitFailures++
		r.logger.Errorw("commit failed, subscriber carried to next cycle",
			"subscriber_id", sub.ID, "error", err)
	}
	return res
}

// fetchUsage reads one enrollment's remote counter through the shared
// cache (maxAge 0: always refetch, still single-flighted) under the global
// concurrency budget.
func (r *Reconciler) fetchUsage(ctx context.Context, e *models.Enrollment) (int64, error) {
	key := fetchcache.Key{PanelID: e.PanelID, RemoteUsername: e.RemoteUsername, Op: fetchcache.OpUsage}
	v, err := r.cache.Do(ctx, key, 0, func(ctx context.Context) (interface{}, error) {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("%w: %v", panel.ErrRemoteUnavailable, err)
		}
		defer r.sem.Release(1)

		ad, err := r.adapters(&e.Panel)
		if err != nil {
			return nil, err
		}
		callCtx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
		defer cancel()
		return ad.FetchUsage(callCtx, e.RemoteUsername)
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

type remoteAction int

const (
	actionDisable remoteAction = iota
	actionEnable
)

// pushAction applies the decision to every enrollment. Per-panel failures
// are independent: one panel failing neither blocks the others nor reverts
// the local flag; the next cycle re-derives the same decision and retries.
func (r *Reconciler) pushAction(ctx context.Context, sub *models.Subscriber, action remoteAction, reason string) int {
	applied := 0
	for i := range sub.Enrollments {
		e := &sub.Enrollments[i]
		err := func() error {
			if err := r.sem.Acquire(ctx, 1); err != nil {
				return fmt.Errorf("%w: %v", panel.ErrRemoteUnavailable, err)
			}
			defer r.sem.Release(1)

			ad, err := r.adapters(&e.Panel)
			if err != nil {
				return err
			}
			callCtx, cancel := context.WithTimeout(ctx, r.opts.CallTimeout)
			defer cancel()
			if action == actionDisable {
				return ad.DisableAccount(callCtx, e.RemoteUsername)
			}
			return ad.EnableAccount(callCtx, e.RemoteUsername)
		}()
		if err != nil {
			r.logger.Warnw("remote action failed, will retry next cycle",
				"subscriber", sub.Username, "panel_id", e.PanelID,
				"action", actionName(action), "reason", reason, "error", err)
			continue
		}
		applied++
		r.logger.Infow("remote action applied",
			"subscriber", sub.Username, "panel_id", e.PanelID,
			"action", actionName(action), "reason", reason)
	}
	return applied
}

func actionName(a remoteAction) string {
	if a == actionDisable {
		return "disable"
	}
	return "enable"
}

// raiseDegradedAlert surfaces a degraded enrollment once per day, deduped
// through redis when available.
func (r *Reconciler) raiseDegradedAlert(ctx context.Context, e *models.Enrollment, streak int) {
	if r.redis != nil {
		key := fmt.Sprintf("degraded_alert_%d", e.ID)
		set, err := r.redis.SetNX(ctx, key, "1", 24*time.Hour).Result()
		if err == nil && !set {
			return
		}
	}
	r.logger.Errorw("enrollment degraded",
		"enrollment_id", e.ID, "panel_id", e.PanelID,
		"remote_username", e.RemoteUsername, "consecutive_failures", streak)
}

func (r *Reconciler) clearDegradedAlert(ctx context.Context, e *models.Enrollment) {
	if r.redis != nil {
		r.redis.Del(ctx, fmt.Sprintf("degraded_alert_%d", e.ID))
	}
	r.logger.Infow("enrollment recovered", "enrollment_id", e.ID, "panel_id", e.PanelID)
}
