package panel

import (
	"encoding/base64"
	"strings"
)

// allowedSchemes are the connection-config URI schemes a subscription may
// contain; anything else in a panel response is noise and gets dropped.
var allowedSchemes = []string{"vless://", "vmess://", "trojan://", "ss://"}

func hasAllowedScheme(link string) bool {
	lower := strings.ToLower(link)
	for _, s := range allowedSchemes {
		if strings.HasPrefix(lower, s) {
			return true
		}
	}
	return false
}

// parseLinkBlob extracts config links from a subscription payload. Panels
// return either plain newline-separated links or the same blob base64
// encoded; try decoding first and fall back to the raw text.
func parseLinkBlob(raw string) []string {
	text := strings.TrimSpace(raw)
	if text == "" {
		return nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(padBase64(text)); err == nil {
		candidate := string(decoded)
		if containsAllowedScheme(candidate) {
			text = candidate
		}
	}
	var links []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && hasAllowedScheme(line) {
			links = append(links, line)
		}
	}
	return links
}

func containsAllowedScheme(text string) bool {
	lower := strings.ToLower(text)
	for _, s := range allowedSchemes {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}

func padBase64(s string) string {
	if m := len(s) % 4; m != 0 {
		return s + strings.Repeat("=", 4-m)
	}
	return s
}
