package panel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"panelbridge/internal/models"
)

// forceRefreshInterval bounds how long a stored credential is trusted even
// when it carries no parseable expiry (session cookies, opaque tokens).
const forceRefreshInterval = 24 * time.Hour

// jwtExpiryLeeway refreshes tokens slightly before their actual expiry so
// in-flight requests don't race the cutoff.
const jwtExpiryLeeway = 60 * time.Second

// TokenWriter persists a refreshed panel credential.
type TokenWriter interface {
	SavePanelToken(ctx context.Context, panelID uint, token string, refreshedAt time.Time) error
}

// StoreCredentials resolves panel credentials from the panel record itself,
// re-authenticating with the panel's admin login when the stored token is
// expired or stale, and persisting the replacement.
type StoreCredentials struct {
	writer     TokenWriter
	httpClient *http.Client
	logger     *zap.SugaredLogger

	mu sync.Mutex // serializes refreshes so one panel refreshes once
}

func NewStoreCredentials(writer TokenWriter, timeout time.Duration, logger *zap.SugaredLogger) *StoreCredentials {
	return &StoreCredentials{
		writer: writer,
		httpClient: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger,
	}
}

func (s *StoreCredentials) Resolve(ctx context.Context, p *models.Panel) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p.AccessToken != "" && !s.needsRefresh(p) {
		return p.AccessToken, nil
	}

	if p.AdminUsername == "" || p.AdminPassword == "" {
		if p.AccessToken != "" {
			// Nothing to refresh with; hand back what we have.
			return p.AccessToken, nil
		}
		return "", fmt.Errorf("%w: panel %d has no token and no admin login", ErrCredentialUnavailable, p.ID)
	}

	token, err := s.login(ctx, p)
	if err != nil {
		return "", fmt.Errorf("%w: refresh for panel %d: %v", ErrCredentialUnavailable, p.ID, err)
	}

	now := time.Now().UTC()
	if err := s.writer.SavePanelToken(ctx, p.ID, token, now); err != nil {
		// The fresh token is still valid for this process even if the
		// write failed; the next refresh will retry persisting.
		s.logger.Warnw("failed to persist refreshed panel token", "panel_id", p.ID, "error", err)
	}
	p.AccessToken = token
	p.TokenRefreshedAt = &now
	return token, nil
}

func (s *StoreCredentials) needsRefresh(p *models.Panel) bool {
	if tokenExpired(p.AccessToken) {
		return true
	}
	if p.TokenRefreshedAt == nil {
		return true
	}
	return time.Since(*p.TokenRefreshedAt) >= forceRefreshInterval
}

func (s *StoreCredentials) login(ctx context.Context, p *models.Panel) (string, error) {
	switch p.Type {
	case models.PanelMarzban, models.PanelRebecca, models.PanelPasarguard:
		return s.oauthLogin(ctx, p, "/api/admin/token")
	case models.PanelMarzneshin:
		return s.oauthLogin(ctx, p, "/api/admins/token")
	case models.PanelSanaei:
		return s.cookieLogin(ctx, p)
	default:
		return "", fmt.Errorf("no authenticator for panel type %q", p.Type)
	}
}

// oauthLogin performs the password-grant token exchange used by the
// Marzban family.
func (s *StoreCredentials) oauthLogin(ctx context.Context, p *models.Panel, endpoint string) (string, error) {
	form := url.Values{}
	form.Set("username", p.AdminUsername)
	form.Set("password", p.AdminPassword)
	form.Set("grant_type", "password")

	reqURL := strings.TrimRight(p.BaseURL, "/") + endpoint
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read login response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login rejected: %s (status: %d)", truncate(body, 200), resp.StatusCode)
	}

	var result struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to unmarshal login response: %w", err)
	}
	if result.AccessToken == "" {
		return "", fmt.Errorf("no access_token in login response")
	}
	return result.AccessToken, nil
}

// cookieLogin authenticates against a 3x-ui panel and returns the session
// cookie as "name=value", the form adapters send back in the Cookie header.
func (s *StoreCredentials) cookieLogin(ctx context.Context, p *models.Panel) (string, error) {
	form := url.Values{}
	form.Set("username", p.AdminUsername)
	form.Set("password", p.AdminPassword)

	reqURL := strings.TrimRight(p.BaseURL, "/") + "/login"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("login rejected (status: %d)", resp.StatusCode)
	}

	cookies := resp.Cookies()
	// Prefer the known session cookie names, fall back to any cookie set.
	for _, name := range []string{"3x-ui", "session"} {
		for _, c := range cookies {
			if c.Name == name {
				return fmt.Sprintf("%s=%s", c.Name, c.Value), nil
			}
		}
	}
	if len(cookies) > 0 {
		c := cookies[0]
		return fmt.Sprintf("%s=%s", c.Name, c.Value), nil
	}
	return "", fmt.Errorf("no session cookie in login response")
}

// tokenExpired reports whether a JWT credential is past (or within leeway
// of) its exp claim. Opaque tokens without a decodable payload never
// report expired here; the force-refresh interval covers them.
func tokenExpired(token string) bool {
	parts := strings.Split(token, ".")
	if len(parts) < 2 {
		return false
	}
	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(parts[1], "="))
	if err != nil {
		return false
	}
	var claims struct {
		Exp int64 `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil || claims.Exp == 0 {
		return false
	}
	return time.Unix(claims.Exp, 0).Add(-jwtExpiryLeeway).Before(time.Now())
}
