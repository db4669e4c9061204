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

// marzneshinClient targets the Marzneshin fork, which moved the user API
// under /api/users and exposes explicit enable/disable endpoints.
type marzneshinClient struct {
	panel      *models.Panel
	creds      CredentialSource
	httpClient *http.Client
}

func newMarzneshin(p *models.Panel, creds CredentialSource, timeout time.Duration) *marzneshinClient {
	return &marzneshinClient{
		panel: p,
		creds: creds,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type marzneshinUser struct {
	Username        string `json:"username"`
	Enabled         bool   `json:"enabled"`
	UsedTraffic     int64  `json:"used_traffic"`
	DataLimit       int64  `json:"data_limit"`
	SubscriptionURL string `json:"subscription_url"`
	Key             string `json:"key"`
}

func (c *marzneshinClient) doRequest(ctx context.Context, method, endpoint string, body interface{}) ([]byte, error) {
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

func (c *marzneshinClient) getUser(ctx context.Context, username string) (*marzneshinUser, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, fmt.Sprintf("/api/users/%s", url.PathEscape(username)), nil)
	if err != nil {
		return nil, err
	}
	var user marzneshinUser
	if err := json.Unmarshal(resp, &user); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user response: %w", err)
	}
	if user.Key == "" {
		user.Key = subscriptionKey(user.SubscriptionURL)
	}
	return &user, nil
}

func (c *marzneshinClient) FetchUsage(ctx context.Context, remoteUsername string) (int64, error) {
	user, err := c.getUser(ctx, remoteUsername)
	if err != nil {
		return 0, err
	}
	return user.UsedTraffic, nil
}

func (c *marzneshinClient) FetchLinks(ctx context.Context, remoteUsername string) ([]string, error) {
	user, err := c.getUser(ctx, remoteUsername)
	if err != nil {
		return nil, err
	}
	if user.Key == "" {
		return nil, fmt.Errorf("%w: no subscription key for %s", ErrRemoteNotFound, remoteUsername)
	}

	reqURL := fmt.Sprintf("%s/sub/%s/%s/links", strings.TrimRight(c.panel.BaseURL, "/"),
		url.PathEscape(remoteUsername), url.PathEscape(user.Key))
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

func (c *marzneshinClient) DisableAccount(ctx context.Context, remoteUsername string) error {
	_, err := c.doRequest(ctx, http.MethodPost,
		fmt.Sprintf("/api/users/%s/disable", url.PathEscape(remoteUsername)), nil)
	return err
}

func (c *marzneshinClient) EnableAccount(ctx context.Context, remoteUsername string) error {
	_, err := c.doRequest(ctx, http.MethodPost,
		fmt.Sprintf("/api/users/%s/enable", url.PathEscape(remoteUsername)), nil)
	return err
}

func (c *marzneshinClient) ProvisionAccount(ctx context.Context, r ProvisionRequest) (string, error) {
	payload := map[string]interface{}{
		"username":   r.Username,
		"data_limit": r.LimitBytes,
	}
	if r.ExpireAt != nil {
		payload["expire_date"] = r.ExpireAt.UTC().Format(time.RFC3339)
	}
	if r.Template != "" {
		// Copy service assignments from the template account.
		if services, err := c.fetchServices(ctx, r.Template); err == nil && len(services) > 0 {
			payload["service_ids"] = services
		}
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/api/users", payload)
	if err != nil {
		return "", err
	}
	var created marzneshinUser
	if err := json.Unmarshal(resp, &created); err != nil {
		return "", fmt.Errorf("failed to unmarshal create response: %w", err)
	}
	if created.Username == "" {
		return "", errors.New("panel returned no username for created account")
	}
	return created.Username, nil
}

func (c *marzneshinClient) fetchServices(ctx context.Context, username string) ([]int, error) {
	resp, err := c.doRequest(ctx, http.MethodGet,
		fmt.Sprintf("/api/users/%s/services", url.PathEscape(username)), nil)
	if err != nil {
		return nil, err
	}
	var services []int
	if err := json.Unmarshal(resp, &services); err != nil {
		return nil, fmt.Errorf("failed to unmarshal services response: %w", err)
	}
	return services, nil
}
