package aggregator

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
)

// Format selects the subscription render path. Both formats derive from the
// same ordered link slice; only the envelope differs.
type Format string

const (
	FormatPlain Format = "plain"
	FormatHTML  Format = "html"
)

var portalTemplate = template.Must(template.New("portal").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Subscription for {{.Username}}</title>
<style>
body { font-family: sans-serif; margin: 2rem auto; max-width: 48rem; padding: 0 1rem; }
h1 { font-size: 1.3rem; }
ol { padding-left: 1.5rem; }
li { margin: .4rem 0; word-break: break-all; font-family: monospace; font-size: .85rem; }
.notice { padding: .7rem 1rem; border-radius: .4rem; background: #fff3cd; }
.blocked { background: #f8d7da; }
</style>
</head>
<body>
<h1>Subscription for {{.Username}}</h1>
{{if .Blocked}}
<p class="notice blocked">Access is blocked{{if .Reason}} ({{.Reason}}){{end}}. Contact your provider.</p>
{{else if not .Links}}
<p class="notice">No configurations are available yet.</p>
{{else}}
{{if .Emergency}}<p class="notice">Panels are unreachable; this is the emergency fallback configuration.</p>{{end}}
<ol>
{{range .Links}}<li>{{.}}</li>
{{end}}</ol>
{{end}}
</body>
</html>
`))

// Render serializes a subscription for the requested format and returns
// the body with its content type.
func Render(sub *Subscription, format Format) (contentType string, body []byte, err error) {
	switch format {
	case FormatHTML:
		var buf bytes.Buffer
		if err := portalTemplate.Execute(&buf, sub); err != nil {
			return "", nil, fmt.Errorf("failed to render portal: %w", err)
		}
		return "text/html; charset=utf-8", buf.Bytes(), nil
	case FormatPlain:
		if sub.Blocked || len(sub.Links) == 0 {
			return "text/plain; charset=utf-8", nil, nil
		}
		return "text/plain; charset=utf-8", []byte(strings.Join(sub.Links, "\n") + "\n"), nil
	default:
		return "", nil, fmt.Errorf("unknown render format %q", format)
	}
}
