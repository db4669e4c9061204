package panel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"panelbridge/internal/models"
)

// marzbanClient talks to Marzban-family panels (Marzban itself and the
// Rebecca fork, which share the wire protocol).
type marzbanClient struct {
	panel      *models.Panel
	creds      CredentialSource
	httpClient *http.Client
}

func newMarzban(p *models.Panel, creds CredentialSource, timeout time.Duration) *marzbanClient {
	return &marzbanClient{
		panel: p,
		creds: creds,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type marzbanUser struct {
	Username        string         `json:"username"`
	Status          string         `json:"status"`
	UsedTraffic     int64          `json:"used_traffic"`
	DataLimit       int64          `json:"data_limit"`
	Expire          int64          `json:"expire"`
	SubscriptionURL string         `json:"subscription_url"`
	Proxies         map[string]any `json:"proxies"`
	ProxySettings   map[string]any `json:"proxy_settings"` // Pasarguard's name for proxies
}

type marzbanCreateUser struct {
	Username               string         `json:"username"`
	Status                 string         `json:"status"`
	DataLimit              int64          `json:"data_limit"`
	DataLimitResetStrategy string         `json:"data_limit_reset_strategy"`
	Expire                 int64          `json:"expire,omitempty"`
	Proxies                map[string]any `json:"proxies,omitempty"`
}

func (c *marzbanClient) doRequest(ctx context.Context, method, endpoint string, body interface{}) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewBuffer(jsonBody)
	}

	token, err := c.creds.Resolve(ctx, c.panel)
	if err != nil {
		return nil, err
	}

	reqURL := fmt.Sprintf("%s%s", strings.TrimRight(c.panel.BaseURL, "/"), endpoint)
	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrRemoteUnavailable, err)
	}

	if resp.StatusCode >= 400 {
		return nil, classifyStatus(resp.StatusCode, respBody)
	}

	return respBody, nil
}

func (c *marzbanClient) getUser(ctx context.Context, username string) (*marzbanUser, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/api/user/%s", url.PathEscape(username)), nil)
	if err != nil {
		return nil, err
	}
	var user marzbanUser
	if err := json.Unmarshal(resp, &user); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user response: %w", err)
	}
	return &user, nil
}

func (c *marzbanClient) FetchUsage(ctx context.Context, remoteUsername string) (int64, error) {
	user, err := c.getUser(ctx, remoteUsername)
	if err != nil {
		return 0, err
	}
	return user.UsedTraffic, nil
}

// FetchLinks resolves the user's subscription key and downloads the config
// blob. Newer Marzban versions serve a base64 blob at sub/<key>/v2ray; older
// ones serve plain text at sub/<key>/. Try the new endpoint first.
func (c *marzbanClient) FetchLinks(ctx context.Context, remoteUsername string) ([]string, error) {
	user, err := c.getUser(ctx, remoteUsername)
	if err != nil {
		return nil, err
	}
	key := subscriptionKey(user.SubscriptionURL)
	if key == "" {
		return nil, fmt.Errorf("%w: no subscription key for %s", ErrRemoteNotFound, remoteUsername)
	}

	links, err := c.fetchSubBlob(ctx, fmt.Sprintf("sub/%s/v2ray", key))
	if err == nil && len(links) > 0 {
		return links, nil
	}
	// Legacy plain-text endpoint.
	links, err = c.fetchSubBlob(ctx, fmt.Sprintf("sub/%s/", key))
	if err != nil {
		return nil, err
	}
	return links, nil
}

func (c *marzbanClient) fetchSubBlob(ctx context.Context, path string) ([]string, error) {
	reqURL := fmt.Sprintf("%s/%s", strings.TrimRight(c.panel.BaseURL, "/"), path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/plain")

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
	return parseLinkBlob(string(body)), nil
}

func (c *marzbanClient) setStatus(ctx context.Context, remoteUsername, status string) error {
	_, err := c.doRequest(ctx, http.MethodPut,
		fmt.Sprintf("/api/user/%s", url.PathEscape(remoteUsername)),
		map[string]string{"status": status})
	return err
}

func (c *marzbanClient) DisableAccount(ctx context.Context, remoteUsername string) error {
	return c.setStatus(ctx, remoteUsername, "disabled")
}

func (c *marzbanClient) EnableAccount(ctx context.Context, remoteUsername string) error {
	return c.setStatus(ctx, remoteUsername, "active")
}

func (c *marzbanClient) ProvisionAccount(ctx context.Context, r ProvisionRequest) (string, error) {
	payload := marzbanCreateUser{
		Username:               r.Username,
		Status:                 "active",
		DataLimit:              r.LimitBytes,
		DataLimitResetStrategy: "no_reset",
	}
	if r.ExpireAt != nil {
		payload.Expire = r.ExpireAt.Unix()
	}
	if r.Template != "" {
		// Seed proxies from the panel's template account when one exists;
		// without them the panel falls back to its own defaults.
		if tmpl, err := c.getUser(ctx, r.Template); err == nil && len(tmpl.Proxies) > 0 {
			payload.Proxies = tmpl.Proxies
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

// subscriptionKey extracts the trailing token from a subscription URL.
func subscriptionKey(subURL string) string {
	trimmed := strings.TrimRight(subURL, "/")
	if trimmed == "" {
		return ""
	}
	parts := strings.Split(trimmed, "/")
	return parts[len(parts)-1]
}
