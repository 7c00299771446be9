// Package cursor reads the indexed head from a GraphQL indexing-status endpoint.
package cursor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/devblac/lag-watch/internal/config"
	"github.com/devblac/lag-watch/internal/fault"
	"github.com/devblac/lag-watch/internal/height"
	"github.com/go-resty/resty/v2"
)

const opCursors = "fetch cursors"

type graphQLRequest struct {
	Query string `json:"query"`
}

type graphQLResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// Fetcher issues one GraphQL query per FetchIndexed and reduces the cursor rows.
type Fetcher struct {
	cfg    config.IndexerConfig
	policy Policy
	client *resty.Client
	log    *slog.Logger
}

// NewFetcher builds a cursor fetcher with a bounded per-request timeout.
func NewFetcher(cfg config.IndexerConfig, timeout time.Duration, log *slog.Logger) (*Fetcher, error) {
	policy, err := ParsePolicy(cfg.Policy)
	if err != nil {
		return nil, err
	}
	if cfg.Collection == "" {
		cfg.Collection = config.DefaultCollection
	}
	if cfg.Field == "" {
		cfg.Field = config.DefaultField
	}
	if cfg.Query == "" {
		cfg.Query = config.DefaultCursorQuery
	}
	if log == nil {
		log = slog.Default()
	}
	return &Fetcher{
		cfg:    cfg,
		policy: policy,
		client: resty.New().SetTimeout(timeout),
		log:    log,
	}, nil
}

// Policy reports the reduction policy in use.
func (f *Fetcher) Policy() Policy { return f.policy }

// FetchIndexed returns the reduced cursor height. Every error is a *fault.Error.
func (f *Fetcher) FetchIndexed(ctx context.Context) (height.Height, error) {
	resp, err := f.client.R().
		SetContext(ctx).
		SetHeaders(f.cfg.Headers).
		SetHeader("Content-Type", "application/json").
		SetBody(graphQLRequest{Query: f.cfg.Query}).
		Post(f.cfg.GraphQLURL)
	if err != nil {
		return height.Height{}, fault.New(fault.Transport, opCursors, err)
	}
	if resp.StatusCode() >= 300 {
		return height.Height{}, fault.Newf(fault.Response, opCursors, "graphql status %d", resp.StatusCode())
	}

	heights, skipped, err := ParseRows(resp.Body(), f.cfg.Collection, f.cfg.Field)
	if skipped > 0 {
		f.log.Debug("skipped cursor rows", "skipped", skipped, "parsed", len(heights))
	}
	if err != nil {
		return height.Height{}, err
	}
	h, _ := Reduce(heights, f.policy)
	return h, nil
}

// ParseRows extracts every parseable block number from data.<collection>[*].<field>.
// Rows whose field is absent, null, or not a non-negative integer are skipped and counted.
// It fails when no row yields a height.
func ParseRows(body []byte, collection, field string) (heights []height.Height, skipped int, err error) {
	var envelope graphQLResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, 0, fault.New(fault.Response, opCursors, fmt.Errorf("decode graphql response: %w", err))
	}
	if len(envelope.Errors) > 0 {
		msgs := make([]string, 0, len(envelope.Errors))
		for _, e := range envelope.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, 0, fault.Newf(fault.Response, opCursors, "graphql errors: %s", strings.Join(msgs, "; "))
	}
	if len(envelope.Data) == 0 || string(envelope.Data) == "null" {
		return nil, 0, fault.New(fault.DataShape, opCursors, errors.New("missing data"))
	}
	var data map[string]json.RawMessage
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		return nil, 0, fault.Newf(fault.DataShape, opCursors, "data is not an object: %v", err)
	}
	rawRows, ok := data[collection]
	if !ok || string(rawRows) == "null" {
		return nil, 0, fault.Newf(fault.DataShape, opCursors, "missing data.%s", collection)
	}
	var rows []map[string]json.RawMessage
	if err := json.Unmarshal(rawRows, &rows); err != nil {
		return nil, 0, fault.Newf(fault.DataShape, opCursors, "data.%s is not a list of rows: %v", collection, err)
	}
	if len(rows) == 0 {
		return nil, 0, fault.Newf(fault.DataShape, opCursors, "data.%s is empty", collection)
	}

	var lastErr error
	for _, row := range rows {
		raw, ok := row[field]
		if !ok || string(raw) == "null" {
			skipped++
			continue
		}
		h, err := ParseValue(raw)
		if err != nil {
			skipped++
			lastErr = err
			continue
		}
		heights = append(heights, h)
	}

	if len(heights) == 0 {
		if lastErr != nil {
			return nil, skipped, fault.New(fault.ValueParse, opCursors, fmt.Errorf("no parseable %s: %w", field, lastErr))
		}
		return nil, skipped, fault.Newf(fault.DataShape, opCursors, "no row has %s", field)
	}
	return heights, skipped, nil
}

// ParseValue accepts a JSON integer or a JSON string of decimal digits.
func ParseValue(raw json.RawMessage) (height.Height, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" {
		return height.Height{}, height.ErrEmpty
	}
	if s[0] == '"' {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return height.Height{}, fmt.Errorf("decode string value: %w", err)
		}
		return height.ParseDecimal(str)
	}
	return height.ParseDecimal(s)
}
