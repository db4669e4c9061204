// Package aggregator is the read path: it merges per-panel connection-config
// fragments into one subscription view. It never writes quota state; the
// policy engine is evaluated read-only so a disabled subscriber gets a
// blocked result instead of stale links.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"panelbridge/internal/fetchcache"
	"panelbridge/internal/models"
	"panelbridge/internal/panel"
	"panelbridge/internal/policy"
	"panelbridge/internal/store"
)

// ErrTemporarilyUnavailable is returned when every panel fetch failed and
// nothing usable is cached. Callers must surface this instead of serving a
// silently stale list.
var ErrTemporarilyUnavailable = errors.New("subscription temporarily unavailable")

// Subscription is the merged read-path result for one subscriber.
type Subscription struct {
	Username string
	Links    []string

	// Blocked is set when the subscriber (or its agent) is disabled,
	// expired or over quota; Links is empty in that case.
	Blocked bool
	Reason  string

	// Emergency is set when all panels failed and the links consist only
	// of the agent's emergency fallback config.
	Emergency bool

	// Errors carries per-panel fetch failures for partial results.
	Errors []string
}

type Aggregator struct {
	store       store.Store
	adapters    panel.Factory
	cache       *fetchcache.Cache
	sem         *semaphore.Weighted
	logger      *zap.SugaredLogger
	callTimeout time.Duration
}

// New wires an aggregator. sem is the same global adapter-call budget the
// reconciliation worker uses.
func New(st store.Store, adapters panel.Factory, cache *fetchcache.Cache, sem *semaphore.Weighted, logger *zap.SugaredLogger, callTimeout time.Duration) *Aggregator {
	return &Aggregator{
		store:       st,
		adapters:    adapters,
		cache:       cache,
		sem:         sem,
		logger:      logger,
		callTimeout: callTimeout,
	}
}

// GetSubscription resolves a subscriber and merges its panel links in
// enrollment-creation order. Returns store.ErrNotFound for unknown
// usernames and ErrTemporarilyUnavailable when nothing can be served.
func (a *Aggregator) GetSubscription(ctx context.Context, username string) (*Subscription, error) {
	sub, err := a.store.GetSubscriberByUsername(ctx, username)
	if err != nil {
		return nil, err
	}

	// Read-only policy check against the most recently committed state.
	decision := policy.Evaluate(policy.SubscriberSnapshot(sub), policy.AgentSnapshot(sub.Agent), time.Now())
	if decision.Action == policy.Disable || decision.Action == policy.KeepDisabled {
		return &Subscription{Username: username, Blocked: true, Reason: decision.Reason}, nil
	}

	// Enrollments on deactivated panels are not served.
	enrollments := models.ActiveEnrollments(sub.Enrollments)
	if len(enrollments) == 0 {
		return &Subscription{Username: username}, nil
	}

	// Fetch concurrently, but keep results indexed by enrollment so the
	// final order is enrollment-creation order, not completion order.
	results := make([][]string, len(enrollments))
	fetchErrs := make([]error, len(enrollments))
	var wg sync.WaitGroup
	for i := range enrollments {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], fetchErrs[i] = a.fetchLinks(ctx, &enrollments[i])
		}(i)
	}
	wg.Wait()

	out := &Subscription{Username: username}
	failed := 0
	for i, err := range fetchErrs {
		if err != nil {
			failed++
			e := &enrollments[i]
			out.Errors = append(out.Errors, fmt.Sprintf("%s@panel %d: %v", e.RemoteUsername, e.PanelID, err))
			a.logger.Warnw("link fetch failed",
				"subscriber", username, "panel_id", e.PanelID, "error", err)
			continue
		}
		out.Links = append(out.Links, results[i]...)
	}

	if failed == len(enrollments) {
		// Nothing fetched and nothing cached within TTL. Serve the
		// agent's emergency config when one exists, otherwise fail
		// explicitly rather than pretending freshness.
		if sub.Agent != nil && sub.Agent.EmergencyConfig != "" {
			out.Links = []string{sub.Agent.EmergencyConfig}
			out.Emergency = true
			return out, nil
		}
		return nil, fmt.Errorf("%w: %s", ErrTemporarilyUnavailable, username)
	}

	out.Links = filterDedupe(out.Links)
	return out, nil
}

// fetchLinks serves one enrollment's links through the shared cache; a
// miss triggers exactly one adapter call under the global budget.
func (a *Aggregator) fetchLinks(ctx context.Context, e *models.Enrollment) ([]string, error) {
	key := fetchcache.Key{PanelID: e.PanelID, RemoteUsername: e.RemoteUsername, Op: fetchcache.OpLinks}
	v, err := a.cache.Do(ctx, key, a.cache.TTL(), func(ctx context.Context) (interface{}, error) {
		if err := a.sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("%w: %v", panel.ErrRemoteUnavailable, err)
		}
		defer a.sem.Release(1)

		ad, err := a.adapters(&e.Panel)
		if err != nil {
			return nil, err
		}
		callCtx, cancel := context.WithTimeout(ctx, a.callTimeout)
		defer cancel()
		return ad.FetchLinks(callCtx, e.RemoteUsername)
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// filterDedupe drops duplicate links, keeping the first occurrence so the
// merged order stays stable.
func filterDedupe(links []string) []string {
	seen := make(map[string]struct{}, len(links))
	out := links[:0]
	for _, link := range links {
		if _, ok := seen[link]; ok {
			continue
		}
		seen[link] = struct{}{}
		out = append(out, link)
	}
	return out
}
