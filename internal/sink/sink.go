package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"text/template"
	"time"

	"github.com/devblac/lag-watch/internal/config"
	"github.com/devblac/lag-watch/internal/fault"
	"github.com/devblac/lag-watch/internal/height"
	"github.com/go-resty/resty/v2"
)

const (
	opSend = "send alert"

	// DefaultTemplate mirrors the alert operators are used to reading in the channel.
	DefaultTemplate = "⚠️ Cursor is {{.Lag}} blocks behind!\nTimestamp: {{.Timestamp}}\nNetwork Block: {{.Network}}\nCursor Block: {{.Indexed}}"

	timestampLayout = "2006-01-02 15:04:05 MST"
)

// Incident is the data passed to sinks for one stale tick.
type Incident struct {
	Network   height.Height
	Indexed   height.Height
	Lag       height.Height
	Threshold height.Height
	At        time.Time
	Location  *time.Location
}

// Timestamp renders At in the configured time zone.
func (i Incident) Timestamp() string {
	loc := i.Location
	if loc == nil {
		loc = time.UTC
	}
	return i.At.In(loc).Format(timestampLayout)
}

type Sender interface {
	Send(ctx context.Context, incident Incident) error
}

type httpSender struct {
	url     string
	method  string
	render  *template.Template
	client  *resty.Client
	headers map[string]string
}

// FromConfig builds the sender described by a validated sink entry.
func FromConfig(s config.Sink) (Sender, error) {
	switch strings.ToLower(s.Type) {
	case "slack_api":
		return NewSlackAPISender(s.APIURL, s.Channel, s.TokenEnv, s.Template)
	case "slack":
		return NewSlackSender(s.WebhookURL, s.Template)
	case "teams":
		return NewTeamsSender(s.WebhookURL, s.Template)
	case "webhook":
		return NewWebhookSender(s.URL, s.Method, s.Template, s.Headers)
	default:
		return nil, fmt.Errorf("unsupported sink type: %s", s.Type)
	}
}

// NewWebhookSender builds a generic HTTP sink.
func NewWebhookSender(url, method, tmpl string, headers map[string]string) (Sender, error) {
	if url == "" {
		return nil, fmt.Errorf("webhook url required")
	}
	if method == "" {
		method = http.MethodPost
	}
	t, err := parseTemplate(tmpl)
	if err != nil {
		return nil, err
	}
	return &httpSender{
		url:     url,
		method:  strings.ToUpper(method),
		render:  t,
		client:  defaultClient(),
		headers: headers,
	}, nil
}

// NewSlackSender builds a Slack-compatible webhook sink.
func NewSlackSender(url, tmpl string) (Sender, error) {
	return NewWebhookSender(url, http.MethodPost, tmpl, map[string]string{
		"Content-Type": "application/json",
	})
}

// NewTeamsSender builds a Teams-compatible webhook sink.
func NewTeamsSender(url, tmpl string) (Sender, error) {
	// Teams accepts simple {text: "..."} payloads.
	return NewWebhookSender(url, http.MethodPost, tmpl, map[string]string{
		"Content-Type": "application/json",
	})
}

func (s *httpSender) Send(ctx context.Context, incident Incident) error {
	bodyStr, err := executeTemplate(s.render, incident)
	if err != nil {
		return fault.New(fault.Dispatch, opSend, err)
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetHeaders(s.headers).
		SetBody(map[string]string{"text": bodyStr}).
		Execute(s.method, s.url)
	if err != nil {
		return fault.New(fault.Dispatch, opSend, fmt.Errorf("send request: %w", err))
	}
	if resp.StatusCode() >= 300 {
		return fault.Newf(fault.Dispatch, opSend, "sink http status %d", resp.StatusCode())
	}
	return nil
}

// Render formats an incident with the given template, or DefaultTemplate when empty.
func Render(tmpl string, incident Incident) (string, error) {
	t, err := parseTemplate(tmpl)
	if err != nil {
		return "", err
	}
	return executeTemplate(t, incident)
}

func parseTemplate(tmpl string) (*template.Template, error) {
	if tmpl == "" {
		tmpl = DefaultTemplate
	}
	funcs := template.FuncMap{
		"pretty_json": func(v any) string {
			out, _ := json.MarshalIndent(v, "", "  ")
			return string(out)
		},
		"hex": func(h height.Height) string {
			return h.Hex()
		},
	}
	return template.New("msg").Funcs(funcs).Parse(tmpl)
}

func executeTemplate(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return buf.String(), nil
}

func defaultClient() *resty.Client {
	return resty.New().SetTimeout(8 * time.Second)
}
