// Package config loads the indexer configuration from the environment, with
// an optional YAML file for the RPC endpoint pools. Validation failures that
// would leave the service unable to ingest abort startup.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// EndpointConfig is one RPC URL within a chain's pool.
type EndpointConfig struct {
	ID                     string `json:"id" yaml:"id"`
	URL                    string `json:"url" yaml:"url"`
	Priority               int    `json:"priority" yaml:"priority"`
	Enabled                *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	MaxConsecutiveFailures int    `json:"maxConsecutiveFailures,omitempty" yaml:"max_consecutive_failures,omitempty"`
	CooldownMs             int64  `json:"cooldownMs,omitempty" yaml:"cooldown_ms,omitempty"`
}

// IsEnabled defaults to true when the field is omitted.
func (e EndpointConfig) IsEnabled() bool {
	return e.Enabled == nil || *e.Enabled
}

// ChainRPCConfig is the endpoint pool for one chain.
type ChainRPCConfig struct {
	ChainID   uint64           `json:"chainId" yaml:"chain_id"`
	Label     string           `json:"label,omitempty" yaml:"label,omitempty"`
	Endpoints []EndpointConfig `json:"endpoints" yaml:"endpoints"`
}

// Config is the full service configuration.
type Config struct {
	DatabaseURL string
	QueueURL    string // defaults to DatabaseURL

	Chains []ChainRPCConfig

	Port                 int
	PollInterval         time.Duration
	MaxBatchSize         int
	RPCFailureThreshold  int
	RPCCooldown          time.Duration
	RegistryRefresh      time.Duration
	StreamFailThreshold  int
	MilestoneConcurrency int
	ReconcileConcurrency int

	ControlToken   string
	ControlRateMin int
	ValidationURL  string
	WebhookURL     string
	WebhookSecret  string
	RedisAddr      string
	RedisChannel   string
	PubSubProject  string
	PubSubTopic    string
}

// Load reads the environment and returns a validated configuration.
// Missing DATABASE_URL, malformed INDEXER_EVENT_RPCS or a chain with zero
// usable endpoints are fatal.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		QueueURL:             os.Getenv("PG_BOSS_URL"),
		Port:                 envInt("INDEXER_EVENT_PORT", 4005),
		MaxBatchSize:         envInt("INDEXER_EVENT_MAX_BATCH", 200),
		RPCFailureThreshold:  envInt("INDEXER_EVENT_RPC_FAILURE_THRESHOLD", 3),
		StreamFailThreshold:  envInt("INDEXER_STREAM_FAILURE_THRESHOLD", 10),
		MilestoneConcurrency: envInt("INDEXER_QUEUE_WORKERS_MILESTONE", 4),
		ReconcileConcurrency: envInt("INDEXER_QUEUE_WORKERS_RECONCILE", 2),
		ControlToken:         os.Getenv("INDEXER_CONTROL_TOKEN"),
		ControlRateMin:       envInt("INDEXER_CONTROL_RATE_PER_MINUTE", 120),
		ValidationURL:        os.Getenv("INDEXER_VALIDATION_URL"),
		WebhookURL:           os.Getenv("INDEXER_NOTIFY_WEBHOOK_URL"),
		WebhookSecret:        os.Getenv("INDEXER_NOTIFY_WEBHOOK_SECRET"),
		RedisAddr:            os.Getenv("REDIS_ADDR"),
		RedisChannel:         os.Getenv("INDEXER_NOTIFY_REDIS_CHANNEL"),
		PubSubProject:        os.Getenv("PUBSUB_PROJECT_ID"),
		PubSubTopic:          os.Getenv("INDEXER_NOTIFY_PUBSUB_TOPIC"),
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.QueueURL == "" {
		cfg.QueueURL = cfg.DatabaseURL
	}

	pollMs := envInt("INDEXER_EVENT_POLL_INTERVAL_MS", 6000)
	if pollMs < 500 {
		return nil, fmt.Errorf("INDEXER_EVENT_POLL_INTERVAL_MS must be >= 500, got %d", pollMs)
	}
	cfg.PollInterval = time.Duration(pollMs) * time.Millisecond

	cooldownMs := envInt("INDEXER_EVENT_RPC_COOLDOWN_MS", 60000)
	if cooldownMs < 1000 {
		return nil, fmt.Errorf("INDEXER_EVENT_RPC_COOLDOWN_MS must be >= 1000, got %d", cooldownMs)
	}
	cfg.RPCCooldown = time.Duration(cooldownMs) * time.Millisecond

	cfg.RegistryRefresh = time.Duration(envInt("INDEXER_EVENT_REGISTRY_REFRESH_MS", 60000)) * time.Millisecond

	chains, err := loadChains()
	if err != nil {
		return nil, err
	}
	cfg.Chains = chains

	for _, chain := range cfg.Chains {
		usable := 0
		for _, ep := range chain.Endpoints {
			if ep.URL != "" {
				usable++
			}
		}
		if usable == 0 {
			return nil, fmt.Errorf("chain %d has zero endpoints", chain.ChainID)
		}
	}

	return cfg, nil
}

// loadChains prefers the INDEXER_EVENT_RPCS JSON; when unset it falls back to
// the YAML pool file named by INDEXER_EVENT_RPC_FILE.
func loadChains() ([]ChainRPCConfig, error) {
	if raw := os.Getenv("INDEXER_EVENT_RPCS"); raw != "" {
		var chains []ChainRPCConfig
		if err := json.Unmarshal([]byte(raw), &chains); err != nil {
			return nil, fmt.Errorf("invalid INDEXER_EVENT_RPCS: %w", err)
		}
		return chains, nil
	}

	if path := os.Getenv("INDEXER_EVENT_RPC_FILE"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open rpc pool file: %w", err)
		}
		defer f.Close()

		var doc struct {
			Chains []ChainRPCConfig `yaml:"chains"`
		}
		if err := yaml.NewDecoder(f).Decode(&doc); err != nil {
			return nil, fmt.Errorf("parse rpc pool file %s: %w", path, err)
		}
		return doc.Chains, nil
	}

	return nil, fmt.Errorf("no RPC endpoints configured: set INDEXER_EVENT_RPCS or INDEXER_EVENT_RPC_FILE")
}

func envInt(key string, def int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
