package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"panelbridge/internal/aggregator"
	"panelbridge/internal/fetchcache"
	"panelbridge/internal/models"
	"panelbridge/internal/panel"
	"panelbridge/internal/store"
)

type fakeStore struct {
	subs map[string]*models.Subscriber
}

func (f *fakeStore) ListSubscribers(context.Context) ([]models.Subscriber, error) {
	return nil, nil
}

func (f *fakeStore) GetSubscriberByUsername(ctx context.Context, username string) (*models.Subscriber, error) {
	sub, ok := f.subs[username]
	if !ok {
		return nil, fmt.Errorf("subscriber %q: %w", username, store.ErrNotFound)
	}
	return sub, nil
}

func (f *fakeStore) GetAgent(context.Context, uint) (*models.Agent, error) {
	return nil, store.ErrNotFound
}

func (f *fakeStore) CommitReconciliation(context.Context, store.ReconcileUpdate) error {
	return errors.New("read path must not commit")
}

func (f *fakeStore) SavePanelToken(context.Context, uint, string, time.Time) error {
	return nil
}

type fakeAdapter struct {
	links map[string][]string
	errs  map[string]error
}

func (f *fakeAdapter) FetchUsage(ctx context.Context, remote string) (int64, error) {
	return 0, panel.ErrRemoteUnavailable
}

func (f *fakeAdapter) FetchLinks(ctx context.Context, remote string) ([]string, error) {
	if err := f.errs[remote]; err != nil {
		return nil, err
	}
	return f.links[remote], nil
}

func (f *fakeAdapter) DisableAccount(ctx context.Context, remote string) error { return nil }
func (f *fakeAdapter) EnableAccount(ctx context.Context, remote string) error  { return nil }

func (f *fakeAdapter) ProvisionAccount(ctx context.Context, req panel.ProvisionRequest) (string, error) {
	return req.Username, nil
}

func newTestServer(st store.Store, fa *fakeAdapter) *Server {
	logger := zap.NewNop().Sugar()
	agg := aggregator.New(st,
		func(p *models.Panel) (panel.Adapter, error) { return fa, nil },
		fetchcache.New(time.Minute), semaphore.NewWeighted(4), logger, time.Second)
	return NewServer(agg, logger)
}

func enrolled(username, remote string) *models.Subscriber {
	return &models.Subscriber{
		ID: 1, Username: username,
		Enrollments: []models.Enrollment{{
			ID: 1, PanelID: 1,
			Panel:          models.Panel{ID: 1, Type: models.PanelMarzban, Active: true},
			RemoteUsername: remote,
		}},
	}
}

func TestHandleLinks_Plain(t *testing.T) {
	t.Parallel()

	st := &fakeStore{subs: map[string]*models.Subscriber{"alice": enrolled("alice", "alice-a")}}
	fa := &fakeAdapter{links: map[string][]string{"alice-a": {"vless://one", "vmess://two"}}}

	rr := httptest.NewRecorder()
	newTestServer(st, fa).Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/sub/alice/links", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q", ct)
	}
	if got := rr.Body.String(); got != "vless://one\nvmess://two\n" {
		t.Errorf("body = %q", got)
	}
}

func TestHandleLinks_HTMLNegotiation(t *testing.T) {
	t.Parallel()

	st := &fakeStore{subs: map[string]*models.Subscriber{"alice": enrolled("alice", "alice-a")}}
	fa := &fakeAdapter{links: map[string][]string{"alice-a": {"vless://one"}}}

	req := httptest.NewRequest(http.MethodGet, "/sub/alice/links", nil)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	rr := httptest.NewRecorder()
	newTestServer(st, fa).Router().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Content-Type = %q", ct)
	}
	if !strings.Contains(rr.Body.String(), "vless://one") {
		t.Errorf("html body missing link: %q", rr.Body.String())
	}
}

func TestHandleLinks_UnknownUser(t *testing.T) {
	t.Parallel()

	st := &fakeStore{subs: map[string]*models.Subscriber{}}
	rr := httptest.NewRecorder()
	newTestServer(st, &fakeAdapter{}).Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/sub/ghost/links", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rr.Code)
	}
}

func TestHandleLinks_TemporarilyUnavailable(t *testing.T) {
	t.Parallel()

	st := &fakeStore{subs: map[string]*models.Subscriber{"alice": enrolled("alice", "alice-a")}}
	fa := &fakeAdapter{errs: map[string]error{"alice-a": panel.ErrRemoteUnavailable}}

	rr := httptest.NewRecorder()
	newTestServer(st, fa).Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/sub/alice/links", nil))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("missing Retry-After header")
	}
}

func TestHandleLinks_EmergencyHeader(t *testing.T) {
	t.Parallel()

	sub := enrolled("alice", "alice-a")
	sub.Agent = &models.Agent{ID: 1, Active: true, EmergencyConfig: "vless://emergency"}
	st := &fakeStore{subs: map[string]*models.Subscriber{"alice": sub}}
	fa := &fakeAdapter{errs: map[string]error{"alice-a": panel.ErrRemoteUnavailable}}

	rr := httptest.NewRecorder()
	newTestServer(st, fa).Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/sub/alice/links", nil))

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if rr.Header().Get("X-Subscription-Degraded") != "emergency-config" {
		t.Error("missing degraded header on emergency response")
	}
	if !strings.Contains(rr.Body.String(), "vless://emergency") {
		t.Errorf("body = %q", rr.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	t.Parallel()

	st := &fakeStore{}
	rr := httptest.NewRecorder()
	newTestServer(st, &fakeAdapter{}).Router().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}
