package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultInterval         = 10 * time.Minute
	DefaultThreshold        = 10
	DefaultRequestTimeout   = 5 * time.Second
	DefaultTimezone         = "America/New_York"
	DefaultJournalRetention = 7 * 24 * time.Hour
	DefaultCursorQuery      = "query MyQuery { cursors { block_id block_num cursor id } }"
	DefaultCollection       = "cursors"
	DefaultField            = "block_num"
	DefaultSlackChannel     = "#webserver-alerts"
	DefaultSlackTokenEnv    = "SLACK_OAUTH_TOKEN"
)

// Config holds the YAML configuration. It is built once at startup and never mutated afterwards.
type Config struct {
	Version int           `yaml:"version"`
	Global  GlobalConfig  `yaml:"global"`
	Network NetworkConfig `yaml:"network"`
	Indexer IndexerConfig `yaml:"indexer"`
	Sinks   []Sink        `yaml:"sinks"`
	Log     LogConfig     `yaml:"log"`
}

type GlobalConfig struct {
	Interval         time.Duration `yaml:"interval"`
	Threshold        *uint64       `yaml:"threshold"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	FetchRetries     uint64        `yaml:"fetch_retries"`
	Timezone         string        `yaml:"timezone"`
	DBPath           string        `yaml:"db_path"`
	JournalRetention time.Duration `yaml:"journal_retention"`
}

// NetworkConfig points at the node provider. RPCURL may contain {api_key},
// which is filled from the APIKeyEnv variable on every request.
type NetworkConfig struct {
	RPCURL    string `yaml:"rpc_url"`
	APIKeyEnv string `yaml:"api_key_env"`
}

type IndexerConfig struct {
	GraphQLURL string            `yaml:"graphql_url"`
	Query      string            `yaml:"query"`
	Collection string            `yaml:"collection"`
	Field      string            `yaml:"field"`
	Policy     string            `yaml:"policy"`
	Headers    map[string]string `yaml:"headers"`
}

type Sink struct {
	ID         string            `yaml:"id"`
	Type       string            `yaml:"type"`
	WebhookURL string            `yaml:"webhook_url"`
	Template   string            `yaml:"template"`
	URL        string            `yaml:"url"`
	Method     string            `yaml:"method"`
	Channel    string            `yaml:"channel"`
	TokenEnv   string            `yaml:"token_env"`
	APIURL     string            `yaml:"api_url"`
	Headers    map[string]string `yaml:"headers"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

var envPattern = regexp.MustCompile(`\${([A-Za-z_][A-Za-z0-9_]*)}`)

// Load reads, interpolates env vars, parses YAML, and validates.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}

	if err := loadDotEnv(path); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	return Parse(raw)
}

// Parse interpolates and validates an in-memory YAML document.
func Parse(raw []byte) (*Config, error) {
	interpolated, err := interpolateEnv(string(raw))
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv(configPath string) error {
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	return nil
}

func interpolateEnv(input string) (string, error) {
	missing := []string{}
	out := envPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		missing = append(missing, name)
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("missing environment variables: %s", strings.Join(dedup(missing), ", "))
	}
	return out, nil
}

// Validate performs small, direct schema checks and fills defaults.
func (c *Config) Validate() error {
	if c.Version == 0 {
		return errors.New("version is required")
	}
	if err := c.Global.Validate(); err != nil {
		return fmt.Errorf("global: %w", err)
	}
	if err := c.Network.Validate(); err != nil {
		return fmt.Errorf("network: %w", err)
	}
	if err := c.Indexer.Validate(); err != nil {
		return fmt.Errorf("indexer: %w", err)
	}
	if len(c.Sinks) == 0 {
		return errors.New("at least one sink is required")
	}

	sinkIDs := map[string]struct{}{}
	for i := range c.Sinks {
		s := &c.Sinks[i]
		if _, exists := sinkIDs[s.ID]; exists {
			return fmt.Errorf("duplicate sink id: %s", s.ID)
		}
		sinkIDs[s.ID] = struct{}{}
		if err := s.Validate(); err != nil {
			return fmt.Errorf("sink %s: %w", s.ID, err)
		}
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	switch strings.ToLower(c.Log.Format) {
	case "":
		c.Log.Format = "text"
	case "text", "json", "pretty":
	default:
		return fmt.Errorf("log: unsupported format: %s", c.Log.Format)
	}
	return nil
}

func (g *GlobalConfig) Validate() error {
	if g.Interval == 0 {
		g.Interval = DefaultInterval
	}
	if g.Interval < 0 {
		return errors.New("interval must be positive")
	}
	if g.Threshold == nil {
		t := uint64(DefaultThreshold)
		g.Threshold = &t
	}
	if g.RequestTimeout == 0 {
		g.RequestTimeout = DefaultRequestTimeout
	}
	if g.RequestTimeout < 0 {
		return errors.New("request_timeout must be positive")
	}
	if g.Timezone == "" {
		g.Timezone = DefaultTimezone
	}
	if _, err := time.LoadLocation(g.Timezone); err != nil {
		return fmt.Errorf("timezone %q: %w", g.Timezone, err)
	}
	if g.JournalRetention == 0 {
		g.JournalRetention = DefaultJournalRetention
	}
	return nil
}

// ThresholdBlocks is the allowed lag. An explicit 0 means any lag is stale.
func (g GlobalConfig) ThresholdBlocks() uint64 {
	if g.Threshold == nil {
		return DefaultThreshold
	}
	return *g.Threshold
}

// Location resolves the alert time zone. Validate has already checked it.
func (g GlobalConfig) Location() *time.Location {
	loc, err := time.LoadLocation(g.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (n *NetworkConfig) Validate() error {
	if n.RPCURL == "" {
		return errors.New("rpc_url is required")
	}
	if strings.Contains(n.RPCURL, "{api_key}") && n.APIKeyEnv == "" {
		return errors.New("api_key_env is required when rpc_url contains {api_key}")
	}
	return nil
}

func (ix *IndexerConfig) Validate() error {
	if ix.GraphQLURL == "" {
		return errors.New("graphql_url is required")
	}
	if ix.Query == "" {
		ix.Query = DefaultCursorQuery
	}
	if ix.Collection == "" {
		ix.Collection = DefaultCollection
	}
	if ix.Field == "" {
		ix.Field = DefaultField
	}
	switch strings.ToLower(ix.Policy) {
	case "":
		ix.Policy = "max"
	case "max", "min":
		ix.Policy = strings.ToLower(ix.Policy)
	default:
		return fmt.Errorf("unsupported policy: %s", ix.Policy)
	}
	return nil
}

func (s *Sink) Validate() error {
	if s.ID == "" {
		return errors.New("id is required")
	}
	if s.Type == "" {
		return errors.New("type is required")
	}

	switch strings.ToLower(s.Type) {
	case "slack_api":
		if s.Channel == "" {
			s.Channel = DefaultSlackChannel
		}
		if s.TokenEnv == "" {
			s.TokenEnv = DefaultSlackTokenEnv
		}
	case "slack", "teams":
		if s.WebhookURL == "" {
			return errors.New("webhook_url is required for slack/teams sinks")
		}
	case "webhook":
		if s.URL == "" {
			return errors.New("url is required for webhook sink")
		}
		if s.Method == "" {
			s.Method = "POST"
		}
	default:
		return fmt.Errorf("unsupported sink type: %s", s.Type)
	}
	return nil
}

func dedup(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
