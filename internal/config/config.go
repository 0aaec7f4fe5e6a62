package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Format is a configuration file encoding
type Format string

// Supported formats
const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatOf picks the format from a file extension; unknown extensions are JSON
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".toml":
		return FormatTOML
	default:
		return FormatJSON
	}
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseFormat(data, FormatOf(path))
}

// Parse parses configuration from JSON bytes
func Parse(data []byte) (*Config, error) {
	return ParseFormat(data, FormatJSON)
}

// ParseFormat parses configuration encoded as format
func ParseFormat(data []byte, format Format) (*Config, error) {
	cfg := &Config{}

	var err error
	switch format {
	case FormatYAML:
		err = yaml.Unmarshal(data, cfg)
	case FormatTOML:
		err = toml.Unmarshal(data, cfg)
	case FormatJSON:
		err = json.Unmarshal(data, cfg)
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyDefaults sets default values for unset fields
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
	}

	if cfg.Store == nil {
		cfg.Store = &StoreConfig{}
	}
	if cfg.Store.PageSize == 0 {
		cfg.Store.PageSize = DefaultPageSize
	}
	if cfg.Store.RequestTimeout == 0 {
		cfg.Store.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.Store.MaxRetries == 0 {
		cfg.Store.MaxRetries = DefaultMaxRetries
	}
	if cfg.Store.RateLimit == 0 {
		cfg.Store.RateLimit = DefaultRateLimit
	}
	if cfg.Store.RateBurst == 0 {
		cfg.Store.RateBurst = DefaultRateBurst
	}

	if cb := cfg.Store.CircuitBreaker; cb != nil {
		if cb.FailureThreshold == 0 {
			cb.FailureThreshold = DefaultFailureThreshold
		}
		if cb.RecoveryTimeout == 0 {
			cb.RecoveryTimeout = DefaultRecoveryTimeout
		}
		if cb.HalfOpenRequests == 0 {
			cb.HalfOpenRequests = DefaultHalfOpenRequests
		}
	}

	if cfg.Batching == nil {
		cfg.Batching = &BatchingConfig{}
	}
	if cfg.Batching.MaxWait == 0 {
		cfg.Batching.MaxWait = DefaultBatchMaxWait
	}
	if cfg.Batching.MaxSize == 0 {
		cfg.Batching.MaxSize = DefaultBatchMaxSize
	}

	if cfg.Cache != nil {
		if cfg.Cache.Size == 0 {
			cfg.Cache.Size = DefaultCacheSize
		}
		if cfg.Cache.TTL == 0 {
			cfg.Cache.TTL = DefaultCacheTTL
		}
	}

	if cfg.Feed != nil {
		if cfg.Feed.ReconnectInterval == 0 {
			cfg.Feed.ReconnectInterval = DefaultReconnectInterval
		}
		if cfg.Feed.MessageTimeout == 0 {
			cfg.Feed.MessageTimeout = DefaultMessageTimeout
		}
		if cfg.Feed.PingInterval == 0 {
			cfg.Feed.PingInterval = DefaultPingInterval
		}
		if cfg.Feed.DedupSize == 0 {
			cfg.Feed.DedupSize = DefaultDedupSize
		}
	}
}

// validate checks the configuration for errors
func validate(cfg *Config) error {
	if len(cfg.Tables) == 0 {
		return errors.New("at least one table is required")
	}

	tableNames := make(map[string]bool)
	for i, table := range cfg.Tables {
		if table.Name == "" {
			return fmt.Errorf("table[%d]: name is required", i)
		}
		if tableNames[table.Name] {
			return fmt.Errorf("table[%d]: duplicate table name '%s'", i, table.Name)
		}
		tableNames[table.Name] = true

		if table.TTL != nil && *table.TTL < 0 {
			return fmt.Errorf("table '%s': ttl must be non-negative", table.Name)
		}
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Store.BaseURL == "" {
		return errors.New("store.baseUrl is required")
	}
	if cfg.Store.BaseID == "" {
		return errors.New("store.baseId is required")
	}
	if cfg.Store.PageSize < 0 || cfg.Store.PageSize > 100 {
		return fmt.Errorf("store.pageSize must be between 1 and 100")
	}
	if cfg.Store.RequestTimeout < 0 {
		return fmt.Errorf("store.requestTimeout must be non-negative")
	}
	if cfg.Store.MaxRetries < 0 {
		return fmt.Errorf("store.maxRetries must be non-negative")
	}
	if cfg.Store.RateLimit < 0 || cfg.Store.RateBurst < 0 {
		return fmt.Errorf("store.rateLimit and store.rateBurst must be non-negative")
	}

	if cb := cfg.Store.CircuitBreaker; cb != nil && cb.Enabled {
		if cb.FailureThreshold < 0 || cb.RecoveryTimeout < 0 || cb.HalfOpenRequests < 0 {
			return fmt.Errorf("store.circuitBreaker values must be non-negative")
		}
	}

	if cfg.Batching.MaxWait < 0 {
		return fmt.Errorf("batching.maxWait must be non-negative")
	}
	if cfg.Batching.MaxSize < 0 {
		return fmt.Errorf("batching.maxSize must be positive")
	}

	if cfg.Cache != nil && cfg.Cache.Enabled {
		if cfg.Cache.TTL <= 0 {
			return fmt.Errorf("cache.ttl must be positive when cache is enabled")
		}
		if cfg.Cache.Size <= 0 {
			return fmt.Errorf("cache.size must be positive when cache is enabled")
		}
	}

	if cfg.Feed != nil && cfg.Feed.Enabled {
		if cfg.Feed.WSURL == "" {
			return fmt.Errorf("feed.wsUrl is required when feed is enabled")
		}
		if cfg.Feed.DedupSize < 0 {
			return fmt.Errorf("feed.dedupSize must be non-negative")
		}
	}

	return nil
}
