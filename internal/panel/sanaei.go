package panel

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"panelbridge/internal/models"
)

// sanaeiClient targets MHSanaei/3x-ui panels. These differ from the
// Marzban family in three ways: authentication is a session cookie, there
// is no subscription endpoint (links are assembled from inbound data and
// the client's UUID), and one enrollment may map to several comma-separated
// remote client names whose usage is summed.
type sanaeiClient struct {
	panel      *models.Panel
	creds      CredentialSource
	httpClient *http.Client
}

func newSanaei(p *models.Panel, creds CredentialSource, timeout time.Duration) *sanaeiClient {
	return &sanaeiClient{
		panel: p,
		creds: creds,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type sanaeiInbound struct {
	ID       int    `json:"id"`
	Remark   string `json:"remark"`
	Protocol string `json:"protocol"`
	Port     int    `json:"port"`
	Listen   string `json:"listen"`
	Settings string `json:"settings"`
}

type sanaeiClientEntry struct {
	ID     string `json:"id"` // client UUID
	Email  string `json:"email"`
	Enable bool   `json:"enable"`
}

type sanaeiTraffic struct {
	Up    int64 `json:"up"`
	Down  int64 `json:"down"`
	Total int64 `json:"total"`
}

func (c *sanaeiClient) doRequest(ctx context.Context, method, endpoint string, body interface{}) ([]byte, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = strings.NewReader(string(jsonBody))
	}

	cookie, err := c.creds.Resolve(ctx, c.panel)
	if err != nil {
		return nil, err
	}

	reqURL := fmt.Sprintf("%s%s", strings.TrimRight(c.panel.BaseURL, "/"), endpoint)
	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cookie", cookie)

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

// splitRemotes expands a comma-separated remote identity into individual
// client names.
func splitRemotes(remoteUsername string) []string {
	var out []string
	for _, part := range strings.Split(remoteUsername, ",") {
		if name := strings.TrimSpace(part); name != "" {
			out = append(out, name)
		}
	}
	return out
}

func (c *sanaeiClient) FetchUsage(ctx context.Context, remoteUsername string) (int64, error) {
	var total int64
	for _, name := range splitRemotes(remoteUsername) {
		used, err := c.fetchClientUsage(ctx, name)
		if err != nil {
			return 0, err
		}
		total += used
	}
	return total, nil
}

func (c *sanaeiClient) fetchClientUsage(ctx context.Context, email string) (int64, error) {
	resp, err := c.doRequest(ctx, http.MethodGet,
		fmt.Sprintf("/panel/api/inbounds/getClientTraffics/%s", url.PathEscape(email)), nil)
	if err != nil {
		return 0, err
	}
	var wrapper struct {
		Obj *sanaeiTraffic `json:"obj"`
	}
	if err := json.Unmarshal(resp, &wrapper); err != nil || wrapper.Obj == nil {
		var direct sanaeiTraffic
		if err := json.Unmarshal(resp, &direct); err != nil {
			return 0, fmt.Errorf("failed to unmarshal traffic response: %w", err)
		}
		return direct.Up + direct.Down, nil
	}
	return wrapper.Obj.Up + wrapper.Obj.Down, nil
}

func (c *sanaeiClient) listInbounds(ctx context.Context) ([]sanaeiInbound, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/panel/api/inbounds/list", nil)
	if err != nil {
		return nil, err
	}
	var wrapper struct {
		Obj []sanaeiInbound `json:"obj"`
	}
	if err := json.Unmarshal(resp, &wrapper); err != nil {
		return nil, fmt.Errorf("failed to unmarshal inbounds response: %w", err)
	}
	return wrapper.Obj, nil
}

// findClient locates the inbound carrying a client with the given email.
func findClient(inbounds []sanaeiInbound, email string) (*sanaeiInbound, *sanaeiClientEntry) {
	for i := range inbounds {
		var settings struct {
			Clients []sanaeiClientEntry `json:"clients"`
		}
		if err := json.Unmarshal([]byte(inbounds[i].Settings), &settings); err != nil {
			continue
		}
		for j := range settings.Clients {
			if settings.Clients[j].Email == email {
				return &inbounds[i], &settings.Clients[j]
			}
		}
	}
	return nil, nil
}

// FetchLinks assembles one config link per client from inbound information;
// 3x-ui has no subscription endpoint to download from.
func (c *sanaeiClient) FetchLinks(ctx context.Context, remoteUsername string) ([]string, error) {
	inbounds, err := c.listInbounds(ctx)
	if err != nil {
		return nil, err
	}

	var links []string
	for _, name := range splitRemotes(remoteUsername) {
		inbound, client := findClient(inbounds, name)
		if inbound == nil || client == nil {
			return nil, fmt.Errorf("%w: client %s", ErrRemoteNotFound, name)
		}
		host := inbound.Listen
		if host == "" || host == "0.0.0.0" {
			if u, err := url.Parse(c.panel.BaseURL); err == nil {
				host = u.Hostname()
			}
		}
		if host == "" || inbound.Port == 0 || client.ID == "" {
			return nil, fmt.Errorf("incomplete config for client %s", name)
		}
		protocol := inbound.Protocol
		if protocol == "" {
			protocol = "vless"
		}
		remark := inbound.Remark
		if remark == "" {
			remark = name
		}
		link := fmt.Sprintf("%s://%s@%s:%d?security=none#%s", protocol, client.ID, host, inbound.Port, remark)
		if !hasAllowedScheme(link) {
			link = fmt.Sprintf("vless://%s@%s:%d?security=none#%s", client.ID, host, inbound.Port, remark)
		}
		links = append(links, link)
	}
	return links, nil
}

func (c *sanaeiClient) setEnabled(ctx context.Context, remoteUsername string, enabled bool) error {
	inbounds, err := c.listInbounds(ctx)
	if err != nil {
		return err
	}

	// Parse each inbound's client list once and apply every name's toggle
	// to that shared copy. Posting per client from the listing snapshot
	// would revert earlier toggles when clients share an inbound.
	type parsedInbound struct {
		inbound *sanaeiInbound
		clients []sanaeiClientEntry
		touched bool
	}
	var parsed []*parsedInbound
	for i := range inbounds {
		var settings struct {
			Clients []sanaeiClientEntry `json:"clients"`
		}
		if err := json.Unmarshal([]byte(inbounds[i].Settings), &settings); err != nil {
			continue
		}
		parsed = append(parsed, &parsedInbound{inbound: &inbounds[i], clients: settings.Clients})
	}

	for _, name := range splitRemotes(remoteUsername) {
		found := false
		for _, p := range parsed {
			for j := range p.clients {
				if p.clients[j].Email == name {
					p.clients[j].Enable = enabled
					p.touched = true
					found = true
				}
			}
		}
		if !found {
			return fmt.Errorf("%w: client %s", ErrRemoteNotFound, name)
		}
	}

	for _, p := range parsed {
		if !p.touched {
			continue
		}
		settings, err := json.Marshal(map[string]interface{}{"clients": p.clients})
		if err != nil {
			return fmt.Errorf("failed to marshal inbound settings: %w", err)
		}
		payload := map[string]interface{}{
			"id":       p.inbound.ID,
			"remark":   p.inbound.Remark,
			"protocol": p.inbound.Protocol,
			"port":     p.inbound.Port,
			"listen":   p.inbound.Listen,
			"settings": string(settings),
		}
		if _, err := c.doRequest(ctx, http.MethodPost,
			fmt.Sprintf("/panel/api/inbound/update/%d", p.inbound.ID), payload); err != nil {
			return err
		}
	}
	return nil
}

func (c *sanaeiClient) DisableAccount(ctx context.Context, remoteUsername string) error {
	return c.setEnabled(ctx, remoteUsername, false)
}

func (c *sanaeiClient) EnableAccount(ctx context.Context, remoteUsername string) error {
	return c.setEnabled(ctx, remoteUsername, true)
}

// ProvisionAccount adds one client to the panel's first inbound (or the
// inbound named by the template). The client UUID doubles as the config
// credential, so it is generated locally.
func (c *sanaeiClient) ProvisionAccount(ctx context.Context, r ProvisionRequest) (string, error) {
	inbounds, err := c.listInbounds(ctx)
	if err != nil {
		return "", err
	}
	if len(inbounds) == 0 {
		return "", fmt.Errorf("%w: panel has no inbounds", ErrRemoteNotFound)
	}
	target := inbounds[0]
	if r.Template != "" {
		for _, ib := range inbounds {
			if ib.Remark == r.Template {
				target = ib
				break
			}
		}
	}

	client := map[string]interface{}{
		"id":      uuid.New().String(),
		"email":   r.Username,
		"enable":  true,
		"totalGB": r.LimitBytes,
	}
	if r.ExpireAt != nil {
		client["expiryTime"] = r.ExpireAt.UnixMilli()
	}
	settings, err := json.Marshal(map[string]interface{}{"clients": []interface{}{client}})
	if err != nil {
		return "", fmt.Errorf("failed to marshal client settings: %w", err)
	}
	payload := map[string]interface{}{
		"id":       target.ID,
		"settings": string(settings),
	}
	if _, err := c.doRequest(ctx, http.MethodPost, "/panel/api/inbounds/addClient", payload); err != nil {
		return "", err
	}
	return r.Username, nil
}
