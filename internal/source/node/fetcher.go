// Package node reads the network head from an EVM JSON-RPC node provider.
package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/devblac/lag-watch/internal/config"
	"github.com/devblac/lag-watch/internal/fault"
	"github.com/devblac/lag-watch/internal/height"
	"github.com/go-resty/resty/v2"
)

const opBlockNumber = "eth_blockNumber"

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
	ID      int    `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// Fetcher issues one eth_blockNumber call per FetchHead.
type Fetcher struct {
	cfg    config.NetworkConfig
	client *resty.Client
	getenv func(string) string
}

// NewFetcher builds a head fetcher with a bounded per-request timeout.
func NewFetcher(cfg config.NetworkConfig, timeout time.Duration) *Fetcher {
	return &Fetcher{
		cfg:    cfg,
		client: resty.New().SetTimeout(timeout),
		getenv: os.Getenv,
	}
}

// Endpoint resolves the RPC URL, reading the API key from the environment on every call.
func (f *Fetcher) Endpoint() (url string, secret string, err error) {
	url = f.cfg.RPCURL
	if f.cfg.APIKeyEnv == "" {
		return url, "", nil
	}
	key := f.getenv(f.cfg.APIKeyEnv)
	if key == "" {
		return "", "", fault.Newf(fault.Configuration, opBlockNumber, "%s environment variable not set", f.cfg.APIKeyEnv)
	}
	if strings.Contains(url, "{api_key}") {
		url = strings.ReplaceAll(url, "{api_key}", key)
	} else {
		url = strings.TrimRight(url, "/") + "/" + key
	}
	return url, key, nil
}

// FetchHead returns the latest block number. Every error is a *fault.Error.
func (f *Fetcher) FetchHead(ctx context.Context) (height.Height, error) {
	url, secret, err := f.Endpoint()
	if err != nil {
		return height.Height{}, err
	}

	resp, err := f.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(rpcRequest{JSONRPC: "2.0", Method: opBlockNumber, Params: []any{}, ID: 1}).
		Post(url)
	if err != nil {
		return height.Height{}, fault.New(fault.Transport, opBlockNumber, scrub(err, secret))
	}
	if resp.StatusCode() >= 300 {
		return height.Height{}, fault.Newf(fault.Response, opBlockNumber, "rpc status %d", resp.StatusCode())
	}

	var body rpcResponse
	if err := json.Unmarshal(resp.Body(), &body); err != nil {
		return height.Height{}, fault.New(fault.Response, opBlockNumber, fmt.Errorf("decode rpc response: %w", err))
	}
	if body.Error != nil {
		return height.Height{}, fault.Newf(fault.Response, opBlockNumber, "rpc error %d: %s", body.Error.Code, body.Error.Message)
	}
	if len(body.Result) == 0 || string(body.Result) == "null" {
		return height.Height{}, fault.New(fault.DataShape, opBlockNumber, errors.New("missing result field"))
	}

	var hex string
	if err := json.Unmarshal(body.Result, &hex); err != nil {
		return height.Height{}, fault.Newf(fault.DataShape, opBlockNumber, "result is not a string: %s", body.Result)
	}
	h, err := height.ParseHex(hex)
	if err != nil {
		return height.Height{}, fault.New(fault.ValueParse, opBlockNumber, err)
	}
	return h, nil
}

// scrub keeps API keys embedded in the URL out of error messages.
func scrub(err error, secret string) error {
	if secret == "" || !strings.Contains(err.Error(), secret) {
		return err
	}
	return errors.New(strings.ReplaceAll(err.Error(), secret, "[redacted]"))
}
