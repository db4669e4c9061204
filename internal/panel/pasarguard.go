package panel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"panelbridge/internal/models"
)

// pasarguardClient speaks the Pasarguard fork of Marzban. The user API is
// wire-compatible, so usage and status calls come from the embedded client.
// Proxies live under proxy_settings instead of proxies, and the subscription
// paths differ per deployment, so links are resolved by probing.
type pasarguardClient struct {
	*marzbanClient
}

func newPasarguard(p *models.Panel, creds CredentialSource, timeout time.Duration) *pasarguardClient {
	return &pasarguardClient{marzbanClient: newMarzban(p, creds, timeout)}
}

type pasarguardCreateUser struct {
	Username               string         `json:"username"`
	Status                 string         `json:"status"`
	DataLimit              int64          `json:"data_limit"`
	DataLimitResetStrategy string         `json:"data_limit_reset_strategy"`
	Expire                 int64          `json:"expire,omitempty"`
	ProxySettings          map[string]any `json:"proxy_settings,omitempty"`
}

// pasarguardSubPaths are tried in order; which one serves links depends on
// the deployment's subscription page settings.
var pasarguardSubPaths = []string{"sub/%s/links", "sub/%s/links_base64", "sub/%s/"}

func (c *pasarguardClient) FetchLinks(ctx context.Context, remoteUsername string) ([]string, error) {
	user, err := c.getUser(ctx, remoteUsername)
	if err != nil {
		return nil, err
	}
	key := subscriptionKey(user.SubscriptionURL)
	if key == "" {
		return nil, fmt.Errorf("%w: no subscription key for %s", ErrRemoteNotFound, remoteUsername)
	}

	var lastErr error
	for _, p := range pasarguardSubPaths {
		links, err := c.fetchSubPage(ctx, fmt.Sprintf(p, key))
		if err != nil {
			lastErr = err
			continue
		}
		if len(links) > 0 {
			return links, nil
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}
	return nil, fmt.Errorf("%w: no links served for %s", ErrRemoteUnavailable, remoteUsername)
}

// fetchSubPage downloads one subscription path and extracts links. Pasarguard
// may answer with a JSON document wrapping the links, a base64 blob or plain
// newline-separated text.
func (c *pasarguardClient) fetchSubPage(ctx context.Context, path string) ([]string, error) {
	reqURL := fmt.Sprintf("%s/%s", strings.TrimRight(c.panel.BaseURL, "/"), path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrRemoteUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(resp.StatusCode, body)
	}

	var decoded any
	if err := json.Unmarshal(body, &decoded); err == nil {
		if links := collectJSONLinks(decoded); len(links) > 0 {
			return links, nil
		}
	}
	return parseLinkBlob(string(body)), nil
}

// collectJSONLinks walks an unmarshalled JSON value and gathers every string
// that looks like a connection link, wherever it is nested.
func collectJSONLinks(v any) []string {
	var links []string
	switch val := v.(type) {
	case string:
		links = append(links, parseLinkBlob(val)...)
	case []any:
		for _, item := range val {
			links = append(links, collectJSONLinks(item)...)
		}
	case map[string]any:
		for _, item := range val {
			links = append(links, collectJSONLinks(item)...)
		}
	}
	return links
}

func (c *pasarguardClient) ProvisionAccount(ctx context.Context, r ProvisionRequest) (string, error) {
	payload := pasarguardCreateUser{
		Username:               r.Username,
		Status:                 "active",
		DataLimit:              r.LimitBytes,
		DataLimitResetStrategy: "no_reset",
	}
	if r.ExpireAt != nil {
		payload.Expire = r.ExpireAt.Unix()
	}
	if r.Template != "" {
		if tmpl, err := c.getUser(ctx, r.Template); err == nil && len(tmpl.ProxySettings) > 0 {
			payload.ProxySettings = tmpl.ProxySettings
		}
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/api/user", payload)
	if err != nil {
		return "", err
	}
	var created marzbanUser
	if err := json.Unmarshal(resp, &created); err != nil {
		return "", fmt.Errorf("failed to unmarshal create response: %w", err)
	}
	if created.Username == "" {
		return "", errors.New("panel returned no username for created account")
	}
	return created.Username, nil
}
