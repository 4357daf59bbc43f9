package config

import (
	"fmt"
	"os"
	"time"

	"go.yaml.in/yaml/v2"
)

const (
	// DefaultUserAgent identifies the crawler to remote servers.
	DefaultUserAgent = "YHTBot/1.0 (+https://yht.search/bot)"
)

// Config is the top-level configuration for the crawler.
type Config struct {
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Politeness PolitenessConfig `yaml:"politeness"`
	Fetch      FetchConfig      `yaml:"fetch"`
	Discovery  DiscoveryConfig  `yaml:"discovery"`
	Batching   BatchingConfig   `yaml:"batching"`
	Memory     MemoryConfig     `yaml:"memory"`
	Ops        OpsConfig        `yaml:"ops"`
	Storage    StorageConfig    `yaml:"storage"`
	Seeds      []Seed           `yaml:"seeds"`
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			MaxConcurrentFetches: 50,
			PerDomainConcurrency: 3,
			QueueCheckInterval:   5 * time.Second,
			PriorityThreshold:    20,
		},
		Politeness: PolitenessConfig{
			DefaultDelay:     time.Second,
			UserAgent:        DefaultUserAgent,
			RespectRobotsTxt: true,
			MaxRetries:       3,
			RetryBackoffBase: 2,
		},
		Fetch: FetchConfig{
			RequestTimeout: 30 * time.Second,
			MaxPageSize:    10 << 20,
			AllowedContentTypes: []string{
				"text/html",
				"application/xhtml+xml",
				"text/xml",
				"application/xml",
			},
			MaxRedirects: 5,
		},
		Discovery: DiscoveryConfig{
			MaxLinksPerPage: 500,
			RespectNofollow: true,
			MinPriority:     20,
			MaxDepth:        10,
		},
		Batching: BatchingConfig{
			BatchSize:          50,
			FlushInterval:      5 * time.Second,
			ConnectionPoolSize: 50,
			Pipelining:         10,
		},
		Memory: MemoryConfig{
			ThresholdMB:         2048,
			StatsReportInterval: time.Minute,
		},
		Ops: OpsConfig{
			Addr: ":9090",
		},
	}
}

// SchedulerConfig controls dispatch concurrency and queue polling.
type SchedulerConfig struct {
	MaxConcurrentFetches int           `yaml:"max_concurrent_fetches"`
	PerDomainConcurrency int           `yaml:"per_domain_concurrency"`
	QueueCheckInterval   time.Duration `yaml:"queue_check_interval"`
	PriorityThreshold    int           `yaml:"priority_threshold"`
}

// PolitenessConfig controls crawl rate and robots.txt compliance.
type PolitenessConfig struct {
	DefaultDelay     time.Duration `yaml:"default_delay"`
	UserAgent        string        `yaml:"user_agent"`
	RespectRobotsTxt bool          `yaml:"respect_robots_txt"`
	MaxRetries       int           `yaml:"max_retries"`
	RetryBackoffBase float64       `yaml:"retry_backoff_base"`
}

// GetUserAgent returns the configured user agent or the default.
func (p *PolitenessConfig) GetUserAgent() string {
	if p.UserAgent != "" {
		return p.UserAgent
	}
	return DefaultUserAgent
}

// FetchConfig controls the HTTP fetcher.
type FetchConfig struct {
	RequestTimeout      time.Duration `yaml:"request_timeout"`
	MaxPageSize         int64         `yaml:"max_page_size"`
	AllowedContentTypes []string      `yaml:"allowed_content_types"`
	MaxRedirects        int           `yaml:"max_redirects"`
}

// DiscoveryConfig controls link discovery filtering.
type DiscoveryConfig struct {
	MaxLinksPerPage  int  `yaml:"max_links_per_page"`
	RespectNofollow  bool `yaml:"respect_nofollow"`
	ExtractResources bool `yaml:"extract_resources"`
	MinPriority      int  `yaml:"min_priority"`
	MaxDepth         int  `yaml:"max_depth"`
}

// BatchingConfig controls the persistence batcher and connection pooling.
type BatchingConfig struct {
	BatchSize          int           `yaml:"batch_size"`
	FlushInterval      time.Duration `yaml:"flush_interval"`
	ConnectionPoolSize int           `yaml:"connection_pool_size"`
	Pipelining         int           `yaml:"pipelining"`
}

// MemoryConfig controls the memory monitor and stats reporting.
type MemoryConfig struct {
	ThresholdMB         int           `yaml:"threshold_mb"`
	StatsReportInterval time.Duration `yaml:"stats_report_interval"`
}

// OpsConfig controls the operator HTTP surface.
type OpsConfig struct {
	Addr string `yaml:"addr"`
}

// StorageConfig carries connection strings; environment variables override.
type StorageConfig struct {
	PostgresURL string `yaml:"postgres_url"`
	RedisURL    string `yaml:"redis_url"`
}

// Seed is one row of the static seed table.
type Seed struct {
	Host     string `yaml:"host"`
	Category string `yaml:"category"`
	Priority int    `yaml:"priority"`
}

// Load reads a YAML config file, applies it on top of defaults, and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg := New()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Scheduler.MaxConcurrentFetches <= 0 {
		return fmt.Errorf("scheduler: 'max_concurrent_fetches' must be > 0")
	}
	if c.Scheduler.PerDomainConcurrency <= 0 {
		return fmt.Errorf("scheduler: 'per_domain_concurrency' must be > 0")
	}
	if c.Scheduler.PerDomainConcurrency > c.Scheduler.MaxConcurrentFetches {
		return fmt.Errorf("scheduler: 'per_domain_concurrency' (%d) cannot exceed 'max_concurrent_fetches' (%d)",
			c.Scheduler.PerDomainConcurrency, c.Scheduler.MaxConcurrentFetches)
	}
	if c.Scheduler.QueueCheckInterval <= 0 {
		return fmt.Errorf("scheduler: 'queue_check_interval' must be > 0")
	}
	if c.Scheduler.PriorityThreshold < 0 || c.Scheduler.PriorityThreshold > 100 {
		return fmt.Errorf("scheduler: 'priority_threshold' must be in [0,100]")
	}
	if c.Politeness.DefaultDelay <= 0 {
		return fmt.Errorf("politeness: 'default_delay' must be > 0")
	}
	if c.Politeness.MaxRetries < 0 {
		return fmt.Errorf("politeness: 'max_retries' must be >= 0")
	}
	if c.Politeness.RetryBackoffBase < 1 {
		return fmt.Errorf("politeness: 'retry_backoff_base' must be >= 1.0 (got %.2f)", c.Politeness.RetryBackoffBase)
	}
	if c.Fetch.RequestTimeout <= 0 {
		return fmt.Errorf("fetch: 'request_timeout' must be > 0")
	}
	if c.Fetch.MaxPageSize <= 0 {
		return fmt.Errorf("fetch: 'max_page_size' must be > 0")
	}
	if c.Fetch.MaxRedirects < 0 {
		return fmt.Errorf("fetch: 'max_redirects' must be >= 0")
	}
	if len(c.Fetch.AllowedContentTypes) == 0 {
		return fmt.Errorf("fetch: 'allowed_content_types' cannot be empty")
	}
	if c.Discovery.MaxLinksPerPage <= 0 {
		return fmt.Errorf("discovery: 'max_links_per_page' must be > 0")
	}
	if c.Discovery.MinPriority < 0 || c.Discovery.MinPriority > 100 {
		return fmt.Errorf("discovery: 'min_priority' must be in [0,100]")
	}
	if c.Discovery.MaxDepth <= 0 {
		return fmt.Errorf("discovery: 'max_depth' must be > 0")
	}
	if c.Batching.BatchSize <= 0 {
		return fmt.Errorf("batching: 'batch_size' must be > 0")
	}
	if c.Batching.FlushInterval <= 0 {
		return fmt.Errorf("batching: 'flush_interval' must be > 0")
	}
	if c.Memory.ThresholdMB <= 0 {
		return fmt.Errorf("memory: 'threshold_mb' must be > 0")
	}
	for i, seed := range c.Seeds {
		if seed.Host == "" {
			return fmt.Errorf("seeds[%d]: host cannot be empty", i)
		}
		if seed.Priority < 0 || seed.Priority > 100 {
			return fmt.Errorf("seeds[%d](%s): priority must be in [0,100]", i, seed.Host)
		}
	}
	return nil
}
