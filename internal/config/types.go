package config

import "time"

// Config represents the main configuration structure
type Config struct {
	LogLevel string          `json:"logLevel" yaml:"logLevel" toml:"logLevel"`
	Store    *StoreConfig    `json:"store" yaml:"store" toml:"store"`
	Batching *BatchingConfig `json:"batching,omitempty" yaml:"batching" toml:"batching"`
	Cache    *CacheConfig    `json:"cache,omitempty" yaml:"cache" toml:"cache"`
	Feed     *FeedConfig     `json:"feed,omitempty" yaml:"feed" toml:"feed"`
	Tables   []TableConfig   `json:"tables" yaml:"tables" toml:"tables"`
}

// StoreConfig represents the remote store connection
type StoreConfig struct {
	BaseURL        string  `json:"baseUrl" yaml:"baseUrl" toml:"baseUrl"`
	BaseID         string  `json:"baseId" yaml:"baseId" toml:"baseId"`
	APIKey         string  `json:"apiKey" yaml:"apiKey" toml:"apiKey"`
	PageSize       int     `json:"pageSize" yaml:"pageSize" toml:"pageSize"`
	RequestTimeout int     `json:"requestTimeout" yaml:"requestTimeout" toml:"requestTimeout"` // ms
	MaxRetries     int     `json:"maxRetries" yaml:"maxRetries" toml:"maxRetries"`
	RateLimit      float64 `json:"rateLimit" yaml:"rateLimit" toml:"rateLimit"` // requests per second
	RateBurst      int     `json:"rateBurst" yaml:"rateBurst" toml:"rateBurst"`

	CircuitBreaker *CircuitBreakerConfig `json:"circuitBreaker,omitempty" yaml:"circuitBreaker" toml:"circuitBreaker"`
}

// CircuitBreakerConfig stops querying a failing store for a while
type CircuitBreakerConfig struct {
	Enabled          bool `json:"enabled" yaml:"enabled" toml:"enabled"`
	FailureThreshold int  `json:"failureThreshold" yaml:"failureThreshold" toml:"failureThreshold"` // consecutive failed pages
	RecoveryTimeout  int  `json:"recoveryTimeout" yaml:"recoveryTimeout" toml:"recoveryTimeout"`    // ms before probing again
	HalfOpenRequests int  `json:"halfOpenRequests" yaml:"halfOpenRequests" toml:"halfOpenRequests"` // trials that must succeed
}

// BatchingConfig shapes the loader's dispatch windows
type BatchingConfig struct {
	MaxWait int `json:"maxWait" yaml:"maxWait" toml:"maxWait"` // ms a window stays open after its first key
	MaxSize int `json:"maxSize" yaml:"maxSize" toml:"maxSize"` // distinct keys that force an early dispatch
}

// CacheConfig represents shared cache configuration
type CacheConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled" toml:"enabled"`
	Size    int  `json:"size" yaml:"size" toml:"size"` // number of entries
	TTL     int  `json:"ttl" yaml:"ttl" toml:"ttl"`    // seconds, default for tables without their own ttl
}

// FeedConfig represents the record change feed
type FeedConfig struct {
	Enabled           bool   `json:"enabled" yaml:"enabled" toml:"enabled"`
	WSURL             string `json:"wsUrl" yaml:"wsUrl" toml:"wsUrl"`
	ReconnectInterval int    `json:"reconnectInterval" yaml:"reconnectInterval" toml:"reconnectInterval"` // ms
	MessageTimeout    int    `json:"messageTimeout" yaml:"messageTimeout" toml:"messageTimeout"`          // ms
	PingInterval      int    `json:"pingInterval" yaml:"pingInterval" toml:"pingInterval"`                // ms
	DedupSize         int    `json:"dedupSize" yaml:"dedupSize" toml:"dedupSize"`
}

// TableConfig represents one backing table
type TableConfig struct {
	Name string `json:"name" yaml:"name" toml:"name"`
	View string `json:"view" yaml:"view" toml:"view"`
	TTL  *int   `json:"ttl,omitempty" yaml:"ttl" toml:"ttl"` // seconds; 0 disables caching for the table
}

// Default values
const (
	DefaultLogLevel          = "info"
	DefaultPageSize          = 100
	DefaultRequestTimeout    = 10000 // ms
	DefaultMaxRetries        = 3
	DefaultRateLimit         = 5.0 // requests per second
	DefaultRateBurst         = 1
	DefaultBatchMaxWait      = 2 // ms
	DefaultBatchMaxSize      = 100
	DefaultCacheSize         = 10000
	DefaultCacheTTL          = 60    // seconds
	DefaultReconnectInterval = 5000  // ms
	DefaultMessageTimeout    = 60000 // ms
	DefaultPingInterval      = 30000 // ms
	DefaultDedupSize         = 10000

	DefaultFailureThreshold = 5
	DefaultRecoveryTimeout  = 30000 // ms
	DefaultHalfOpenRequests = 1
)

// GetRequestTimeoutDuration returns request timeout as time.Duration
func (c *StoreConfig) GetRequestTimeoutDuration() time.Duration {
	return time.Duration(c.RequestTimeout) * time.Millisecond
}

// GetRecoveryTimeoutDuration returns recovery timeout as time.Duration
func (c *CircuitBreakerConfig) GetRecoveryTimeoutDuration() time.Duration {
	return time.Duration(c.RecoveryTimeout) * time.Millisecond
}

// GetMaxWaitDuration returns max wait as time.Duration
func (c *BatchingConfig) GetMaxWaitDuration() time.Duration {
	return time.Duration(c.MaxWait) * time.Millisecond
}

// GetTTLDuration returns cache TTL as time.Duration
func (c *CacheConfig) GetTTLDuration() time.Duration {
	return time.Duration(c.TTL) * time.Second
}

// GetReconnectIntervalDuration returns reconnect interval as time.Duration
func (c *FeedConfig) GetReconnectIntervalDuration() time.Duration {
	return time.Duration(c.ReconnectInterval) * time.Millisecond
}

// GetMessageTimeoutDuration returns message timeout as time.Duration
func (c *FeedConfig) GetMessageTimeoutDuration() time.Duration {
	return time.Duration(c.MessageTimeout) * time.Millisecond
}

// GetPingIntervalDuration returns ping interval as time.Duration
func (c *FeedConfig) GetPingIntervalDuration() time.Duration {
	return time.Duration(c.PingInterval) * time.Millisecond
}

// IsCacheEnabled returns true if cache is configured and enabled
func (c *Config) IsCacheEnabled() bool {
	return c.Cache != nil && c.Cache.Enabled
}

// IsFeedEnabled returns true if the change feed is configured and enabled
func (c *Config) IsFeedEnabled() bool {
	return c.Feed != nil && c.Feed.Enabled
}

// TableNames returns the configured table names in file order
func (c *Config) TableNames() []string {
	names := make([]string, 0, len(c.Tables))
	for _, t := range c.Tables {
		names = append(names, t.Name)
	}
	return names
}

// GetTable returns the table config by name, or nil if not configured
func (c *Config) GetTable(name string) *TableConfig {
	for i := range c.Tables {
		if c.Tables[i].Name == name {
			return &c.Tables[i]
		}
	}
	return nil
}

// GetTableTTLDuration returns the table's cache TTL. Tables without their own
// ttl inherit the cache default; with caching disabled the TTL is zero.
func (c *Config) GetTableTTLDuration(name string) time.Duration {
	if !c.IsCacheEnabled() {
		return 0
	}
	if t := c.GetTable(name); t != nil && t.TTL != nil {
		return time.Duration(*t.TTL) * time.Second
	}
	return c.Cache.GetTTLDuration()
}
