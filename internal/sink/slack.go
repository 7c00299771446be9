package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/template"

	"github.com/devblac/lag-watch/internal/config"
	"github.com/devblac/lag-watch/internal/fault"
	"github.com/go-resty/resty/v2"
)

const defaultSlackAPIURL = "https://slack.com/api/chat.postMessage"

type slackAPIResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// slackAPISender posts through the Slack Web API as a bot user.
// The OAuth token is read when an alert is actually sent.
type slackAPISender struct {
	apiURL   string
	channel  string
	tokenEnv string
	render   *template.Template
	client   *resty.Client
	getenv   func(string) string
}

// NewSlackAPISender builds a chat.postMessage sink.
func NewSlackAPISender(apiURL, channel, tokenEnv, tmpl string) (Sender, error) {
	if apiURL == "" {
		apiURL = defaultSlackAPIURL
	}
	if channel == "" {
		channel = config.DefaultSlackChannel
	}
	if tokenEnv == "" {
		tokenEnv = config.DefaultSlackTokenEnv
	}
	t, err := parseTemplate(tmpl)
	if err != nil {
		return nil, err
	}
	return &slackAPISender{
		apiURL:   apiURL,
		channel:  channel,
		tokenEnv: tokenEnv,
		render:   t,
		client:   defaultClient(),
		getenv:   os.Getenv,
	}, nil
}

func (s *slackAPISender) Send(ctx context.Context, incident Incident) error {
	token := s.getenv(s.tokenEnv)
	if token == "" {
		return fault.Newf(fault.Configuration, opSend, "%s environment variable must be set", s.tokenEnv)
	}

	text, err := executeTemplate(s.render, incident)
	if err != nil {
		return fault.New(fault.Dispatch, opSend, err)
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetAuthToken(token).
		SetHeader("Content-Type", "application/json; charset=utf-8").
		SetBody(map[string]string{"channel": s.channel, "text": text}).
		Post(s.apiURL)
	if err != nil {
		return fault.New(fault.Dispatch, opSend, fmt.Errorf("slack request: %w", err))
	}
	if resp.StatusCode() >= 300 {
		return fault.Newf(fault.Dispatch, opSend, "slack http status %d", resp.StatusCode())
	}

	var body slackAPIResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return fault.New(fault.Dispatch, opSend, fmt.Errorf("decode slack response: %w", err))
	}
	if !body.OK {
		return fault.Newf(fault.Dispatch, opSend, "slack api error: %s", body.Error)
	}
	return nil
}
