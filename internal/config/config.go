package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full pipeline configuration loaded from YAML. Secrets (API
// keys, DSNs) are referenced by environment variable name and resolved at
// startup, never stored in the file.
type Config struct {
	Thresholds ThresholdsConfig         `yaml:"thresholds"`
	Store      StoreConfig              `yaml:"store"`
	Sentiment  SentimentConfig          `yaml:"sentiment"`
	HTTP       HTTPConfig               `yaml:"http"`
	Adapters   map[string]AdapterConfig `yaml:"adapters"`
	Watchlists WatchlistConfig          `yaml:"watchlists"`
	Engine     EngineConfig             `yaml:"engine"`
	Price      PriceConfig              `yaml:"price"`
	Enrichment EnrichmentConfig         `yaml:"enrichment"`
	Postgres   PostgresConfig           `yaml:"postgres"`
	Redis      RedisConfig              `yaml:"redis"`
	Supervisor SupervisorConfig         `yaml:"supervisor"`
}

// ThresholdsConfig groups the USD and confidence thresholds shared across
// adapters and the intelligence engine.
type ThresholdsConfig struct {
	GlobalUSDThreshold float64              `yaml:"global_usd_threshold"`
	Whale              WhaleThresholds      `yaml:"whale"`
	Classification     ClassificationLevels `yaml:"classification"`
}

// WhaleThresholds are the USD size bands used by the whale scorer and the
// expensive-phase gates.
type WhaleThresholds struct {
	MegaWhaleUSD    float64 `yaml:"mega_whale_usd"`
	WhaleUSD        float64 `yaml:"whale_usd"`
	LargeTraderUSD  float64 `yaml:"large_trader_usd"`
	MediumTraderUSD float64 `yaml:"medium_trader_usd"`
}

// ClassificationLevels are the engine confidence cut points.
type ClassificationLevels struct {
	HighConfidence       float64 `yaml:"high_confidence"`
	ModerateSignal       float64 `yaml:"moderate_signal"`
	MediumConfidence     float64 `yaml:"medium_confidence"`
	AggregationThreshold float64 `yaml:"aggregation_threshold"`
}

// StoreConfig controls the classified event store window.
type StoreConfig struct {
	RetentionSeconds int `yaml:"retention_seconds"`
	MaxEntries       int `yaml:"max_entries"`
	SweepSeconds     int `yaml:"sweep_seconds"`
}

// SentimentConfig controls the rolling sentiment aggregator.
type SentimentConfig struct {
	WindowHours     int `yaml:"window_hours"`
	TickSeconds     int `yaml:"tick_seconds"`
	MinTransactions int `yaml:"min_transactions"`
}

// HTTPConfig configures the read API server.
type HTTPConfig struct {
	Addr            string `yaml:"addr"`
	ReadTimeoutSec  int    `yaml:"read_timeout_sec"`
	WriteTimeoutSec int    `yaml:"write_timeout_sec"`
	IdleTimeoutSec  int    `yaml:"idle_timeout_sec"`
}

// AdapterConfig is the per-adapter block. WSURLs carries one or more
// websocket endpoints; pollers use Endpoint.
type AdapterConfig struct {
	Enabled          bool     `yaml:"enabled"`
	Endpoint         string   `yaml:"endpoint"`
	WSURLs           []string `yaml:"ws_urls"`
	APIKeyEnv        string   `yaml:"api_key_env"`
	PollIntervalSec  int      `yaml:"poll_interval_sec"`
	RequestTimeout   int      `yaml:"request_timeout_sec"`
	RPS              float64  `yaml:"rps"`
	Burst            int      `yaml:"burst"`
	MinValueUSD      float64  `yaml:"min_value_usd"`
	Blockchains      []string `yaml:"blockchains"`
	StablecoinSkip   []string `yaml:"stablecoin_skip"`
	MaxConsecutiveWS int      `yaml:"max_consecutive_ws_retries"`
}

// APIKey resolves the adapter secret from the environment.
func (a AdapterConfig) APIKey() string {
	if a.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(a.APIKeyEnv)
}

// PollInterval returns the poll cadence as a duration.
func (a AdapterConfig) PollInterval() time.Duration {
	if a.PollIntervalSec <= 0 {
		return 60 * time.Second
	}
	return time.Duration(a.PollIntervalSec) * time.Second
}

// Timeout returns the per-request timeout as a duration.
func (a AdapterConfig) Timeout() time.Duration {
	if a.RequestTimeout <= 0 {
		return 20 * time.Second
	}
	return time.Duration(a.RequestTimeout) * time.Second
}

// TokenInfo describes one watched EVM token contract.
type TokenInfo struct {
	Contract        string  `yaml:"contract"`
	Decimals        int     `yaml:"decimals"`
	MinThresholdUSD float64 `yaml:"min_threshold_usd"`
}

// MintInfo describes one watched Solana mint.
type MintInfo struct {
	Mint            string  `yaml:"mint"`
	MinThresholdUSD float64 `yaml:"min_threshold_usd"`
}

// WatchlistConfig holds per-chain token watchlists.
type WatchlistConfig struct {
	Ethereum map[string]TokenInfo `yaml:"ethereum"`
	Polygon  map[string]TokenInfo `yaml:"polygon"`
	Solana   map[string]MintInfo  `yaml:"solana"`
}

// EngineConfig carries the tunable phase weights and stablecoin set.
type EngineConfig struct {
	PhaseWeights map[string]float64 `yaml:"phase_weights"`
	Stablecoins  []string           `yaml:"stablecoins"`
}

// PriceConfig locates the market-data endpoint for USD conversion.
type PriceConfig struct {
	Endpoint   string `yaml:"endpoint"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

// TTL returns the price cache lifetime as a duration.
func (p PriceConfig) TTL() time.Duration {
	if p.TTLSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(p.TTLSeconds) * time.Second
}

// EnrichmentConfig locates the external address-labelling vendor. An empty
// endpoint disables the enrichment phase.
type EnrichmentConfig struct {
	Endpoint          string `yaml:"endpoint"`
	APIKeyEnv         string `yaml:"api_key_env"`
	RequestTimeoutSec int    `yaml:"request_timeout_sec"`
}

// APIKey resolves the vendor secret from the environment.
func (e EnrichmentConfig) APIKey() string {
	if e.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(e.APIKeyEnv)
}

// Timeout returns the vendor request timeout as a duration.
func (e EnrichmentConfig) Timeout() time.Duration {
	if e.RequestTimeoutSec <= 0 {
		return 10 * time.Second
	}
	return time.Duration(e.RequestTimeoutSec) * time.Second
}

// PostgresConfig locates the address-intelligence warehouse. The DSN comes
// from the environment; an empty variable disables the warehouse-backed
// phases and the AIS snapshot loader falls back to the seeded table.
type PostgresConfig struct {
	DSNEnv       string `yaml:"dsn_env"`
	QueryTimeout int    `yaml:"query_timeout_sec"`
}

// DSN resolves the warehouse connection string.
func (p PostgresConfig) DSN() string {
	if p.DSNEnv == "" {
		return ""
	}
	return os.Getenv(p.DSNEnv)
}

// RedisConfig locates the enrichment cache. Empty Addr disables Redis and
// the engine uses its in-process cache instead.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	DB       int    `yaml:"db"`
	TTLHours int    `yaml:"ttl_hours"`
}

// SupervisorConfig controls task restart behavior.
type SupervisorConfig struct {
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`
	BackoffBaseSec         int `yaml:"backoff_base_sec"`
	BackoffCapSec          int `yaml:"backoff_cap_sec"`
	DrainTimeoutSec        int `yaml:"drain_timeout_sec"`
}

// Load reads and validates a YAML config file, applying defaults for
// omitted fields.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in configuration. All values match the
// documented defaults so a minimal YAML file only needs adapter endpoints.
func Default() *Config {
	return &Config{
		Thresholds: ThresholdsConfig{
			GlobalUSDThreshold: 2500,
			Whale: WhaleThresholds{
				MegaWhaleUSD:    10_000_000,
				WhaleUSD:        1_000_000,
				LargeTraderUSD:  100_000,
				MediumTraderUSD: 10_000,
			},
			Classification: ClassificationLevels{
				HighConfidence:       0.80,
				ModerateSignal:       0.60,
				MediumConfidence:     0.50,
				AggregationThreshold: 0.30,
			},
		},
		Store: StoreConfig{
			RetentionSeconds: 7200,
			MaxEntries:       10000,
			SweepSeconds:     60,
		},
		Sentiment: SentimentConfig{
			WindowHours:     2,
			TickSeconds:     60,
			MinTransactions: 3,
		},
		HTTP: HTTPConfig{
			Addr:            "127.0.0.1:8080",
			ReadTimeoutSec:  10,
			WriteTimeoutSec: 10,
			IdleTimeoutSec:  60,
		},
		Engine: EngineConfig{
			PhaseWeights: map[string]float64{
				"cex":        0.45,
				"dex":        0.40,
				"stablecoin": 0.25,
				"market":     0.20,
				"heuristic":  0.10,
				"behavior":   0.15,
				"enrichment": 0.15,
				"warehouse":  0.20,
			},
			Stablecoins: []string{"USDT", "USDC", "DAI", "BUSD", "TUSD", "USDP"},
		},
		Price: PriceConfig{
			Endpoint:   "https://api.coingecko.com/api/v3",
			TTLSeconds: 60,
		},
		Postgres: PostgresConfig{QueryTimeout: 30},
		Redis:    RedisConfig{TTLHours: 24},
		Supervisor: SupervisorConfig{
			MaxConsecutiveFailures: 5,
			BackoffBaseSec:         2,
			BackoffCapSec:          60,
			DrainTimeoutSec:        15,
		},
		Adapters: map[string]AdapterConfig{},
	}
}

// Validate ensures the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Thresholds.GlobalUSDThreshold < 0 {
		return fmt.Errorf("global_usd_threshold cannot be negative, got %f", c.Thresholds.GlobalUSDThreshold)
	}
	w := c.Thresholds.Whale
	if !(w.MegaWhaleUSD >= w.WhaleUSD && w.WhaleUSD >= w.LargeTraderUSD && w.LargeTraderUSD >= w.MediumTraderUSD) {
		return fmt.Errorf("whale thresholds must be descending: mega=%f whale=%f large=%f medium=%f",
			w.MegaWhaleUSD, w.WhaleUSD, w.LargeTraderUSD, w.MediumTraderUSD)
	}
	cl := c.Thresholds.Classification
	for name, v := range map[string]float64{
		"high_confidence":       cl.HighConfidence,
		"moderate_signal":       cl.ModerateSignal,
		"medium_confidence":     cl.MediumConfidence,
		"aggregation_threshold": cl.AggregationThreshold,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("classification threshold %s must be in [0,1], got %f", name, v)
		}
	}
	if c.Store.RetentionSeconds <= 0 {
		return fmt.Errorf("store retention_seconds must be positive, got %d", c.Store.RetentionSeconds)
	}
	if c.Store.MaxEntries <= 0 {
		return fmt.Errorf("store max_entries must be positive, got %d", c.Store.MaxEntries)
	}
	if c.Sentiment.WindowHours <= 0 {
		return fmt.Errorf("sentiment window_hours must be positive, got %d", c.Sentiment.WindowHours)
	}
	if c.Sentiment.TickSeconds <= 0 {
		return fmt.Errorf("sentiment tick_seconds must be positive, got %d", c.Sentiment.TickSeconds)
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http addr cannot be empty")
	}
	for name, a := range c.Adapters {
		if !a.Enabled {
			continue
		}
		switch name {
		case "ethereum", "polygon":
			if a.Endpoint == "" {
				return fmt.Errorf("adapter %s: endpoint cannot be empty", name)
			}
		case "solana_ws", "xrp_ws", "whale_alert":
			if len(a.WSURLs) == 0 {
				return fmt.Errorf("adapter %s: ws_urls cannot be empty", name)
			}
		}
	}
	for _, weight := range c.Engine.PhaseWeights {
		if weight < 0 || weight > 1 {
			return fmt.Errorf("phase weights must be in [0,1]")
		}
	}
	return nil
}

// Retention returns the CES retention window as a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Store.RetentionSeconds) * time.Second
}

// SentimentWindow returns the sentiment lookback as a duration.
func (c *Config) SentimentWindow() time.Duration {
	return time.Duration(c.Sentiment.WindowHours) * time.Hour
}

// StablecoinSet returns the configured stablecoin symbols as a set keyed by
// uppercase symbol.
func (c *Config) StablecoinSet() map[string]bool {
	set := make(map[string]bool, len(c.Engine.Stablecoins))
	for _, s := range c.Engine.Stablecoins {
		set[s] = true
	}
	return set
}
