package panel

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"panelbridge/internal/models"
)

func pasarguardPanel(baseURL string) *models.Panel {
	return &models.Panel{ID: 1, Type: models.PanelPasarguard, BaseURL: baseURL}
}

func TestPasarguardFetchUsage(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/user/alice" {
			t.Errorf("path = %s, want /api/user/alice", r.URL.Path)
		}
		json.NewEncoder(w).Encode(marzbanUser{Username: "alice", UsedTraffic: 777})
	}))
	defer srv.Close()

	c := newPasarguard(pasarguardPanel(srv.URL), staticCreds{token: "tok"}, time.Second)
	used, err := c.FetchUsage(context.Background(), "alice")
	if err != nil {
		t.Fatalf("FetchUsage: %v", err)
	}
	if used != 777 {
		t.Errorf("used = %d, want 777", used)
	}
}

func TestPasarguardFetchLinksJSONResponse(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/user/alice":
			json.NewEncoder(w).Encode(marzbanUser{
				Username:        "alice",
				SubscriptionURL: "https://example.com/sub/KEY123",
			})
		case "/sub/KEY123/links":
			json.NewEncoder(w).Encode(map[string]any{
				"links": []any{"vless://one", "vmess://two"},
				"meta":  map[string]any{"note": "not a link"},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := newPasarguard(pasarguardPanel(srv.URL), staticCreds{token: "tok"}, time.Second)
	links, err := c.FetchLinks(context.Background(), "alice")
	if err != nil {
		t.Fatalf("FetchLinks: %v", err)
	}
	want := []string{"vless://one", "vmess://two"}
	if len(links) != len(want) {
		t.Fatalf("links = %v, want %v", links, want)
	}
	for i := range want {
		if links[i] != want[i] {
			t.Errorf("links[%d] = %q, want %q", i, links[i], want[i])
		}
	}
}

func TestPasarguardFetchLinksProbesFallbackPaths(t *testing.T) {
	t.Parallel()

	blob := base64.StdEncoding.EncodeToString([]byte("trojan://three\n"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/user/alice":
			json.NewEncoder(w).Encode(marzbanUser{
				Username:        "alice",
				SubscriptionURL: "/sub/KEY123/",
			})
		case "/sub/KEY123/links":
			http.NotFound(w, r)
		case "/sub/KEY123/links_base64":
			w.Write([]byte(blob))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := newPasarguard(pasarguardPanel(srv.URL), staticCreds{token: "tok"}, time.Second)
	links, err := c.FetchLinks(context.Background(), "alice")
	if err != nil {
		t.Fatalf("FetchLinks: %v", err)
	}
	if len(links) != 1 || links[0] != "trojan://three" {
		t.Errorf("links = %v, want the base64 endpoint's link", links)
	}
}

func TestPasarguardProvisionUsesProxySettings(t *testing.T) {
	t.Parallel()

	var got pasarguardCreateUser
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/user/template":
			json.NewEncoder(w).Encode(marzbanUser{
				Username:      "template",
				ProxySettings: map[string]any{"vless": map[string]any{"flow": "xtls-rprx-vision"}},
			})
		case r.Method == http.MethodPost && r.URL.Path == "/api/user":
			json.NewDecoder(r.Body).Decode(&got)
			json.NewEncoder(w).Encode(marzbanUser{Username: got.Username})
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := newPasarguard(pasarguardPanel(srv.URL), staticCreds{token: "tok"}, time.Second)
	name, err := c.ProvisionAccount(context.Background(), ProvisionRequest{
		Username: "newbie", LimitBytes: 1_000_000, Template: "template",
	})
	if err != nil {
		t.Fatalf("ProvisionAccount: %v", err)
	}
	if name != "newbie" {
		t.Errorf("name = %q, want newbie", name)
	}
	vless, ok := got.ProxySettings["vless"].(map[string]any)
	if !ok {
		t.Fatalf("proxy_settings not seeded from template: %+v", got.ProxySettings)
	}
	if vless["flow"] != "xtls-rprx-vision" {
		t.Errorf("flow = %v, want the template's value", vless["flow"])
	}
}

func TestCollectJSONLinks(t *testing.T) {
	t.Parallel()

	doc := map[string]any{
		"links": []any{"vless://one", 42, "plain text"},
		"nested": map[string]any{
			"more": []any{"ss://two"},
		},
	}
	links := collectJSONLinks(doc)
	if len(links) != 2 {
		t.Fatalf("links = %v, want two entries", links)
	}
}
