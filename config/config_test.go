package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	cfg := New()

	assert.Equal(t, 50, cfg.Scheduler.MaxConcurrentFetches)
	assert.Equal(t, 3, cfg.Scheduler.PerDomainConcurrency)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.QueueCheckInterval)
	assert.Equal(t, 20, cfg.Scheduler.PriorityThreshold)

	assert.Equal(t, time.Second, cfg.Politeness.DefaultDelay)
	assert.True(t, cfg.Politeness.RespectRobotsTxt)
	assert.Equal(t, 3, cfg.Politeness.MaxRetries)
	assert.Equal(t, 2.0, cfg.Politeness.RetryBackoffBase)

	assert.Equal(t, 30*time.Second, cfg.Fetch.RequestTimeout)
	assert.Equal(t, int64(10<<20), cfg.Fetch.MaxPageSize)
	assert.Equal(t, 5, cfg.Fetch.MaxRedirects)
	assert.Contains(t, cfg.Fetch.AllowedContentTypes, "text/html")

	assert.Equal(t, 500, cfg.Discovery.MaxLinksPerPage)
	assert.True(t, cfg.Discovery.RespectNofollow)
	assert.Equal(t, 20, cfg.Discovery.MinPriority)

	assert.Equal(t, 50, cfg.Batching.BatchSize)
	assert.Equal(t, 5*time.Second, cfg.Batching.FlushInterval)

	assert.Equal(t, 2048, cfg.Memory.ThresholdMB)

	require.NoError(t, cfg.Validate())
}

func TestGetUserAgent(t *testing.T) {
	p := PolitenessConfig{}
	assert.Equal(t, DefaultUserAgent, p.GetUserAgent())

	p.UserAgent = "custom/1.0"
	assert.Equal(t, "custom/1.0", p.GetUserAgent())
}

func TestLoad(t *testing.T) {
	content := `
scheduler:
  max_concurrent_fetches: 10
  per_domain_concurrency: 2
politeness:
  default_delay: 2s
  user_agent: "testbot/1.0"
fetch:
  request_timeout: 15s
seeds:
  - host: example.com
    category: general
    priority: 50
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Scheduler.MaxConcurrentFetches)
	assert.Equal(t, 2, cfg.Scheduler.PerDomainConcurrency)
	assert.Equal(t, 2*time.Second, cfg.Politeness.DefaultDelay)
	assert.Equal(t, "testbot/1.0", cfg.Politeness.UserAgent)
	assert.Equal(t, 15*time.Second, cfg.Fetch.RequestTimeout)

	// Untouched sections keep defaults.
	assert.Equal(t, 50, cfg.Batching.BatchSize)

	require.Len(t, cfg.Seeds, 1)
	assert.Equal(t, "example.com", cfg.Seeds[0].Host)
	assert.Equal(t, 50, cfg.Seeds[0].Priority)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "zero max concurrent",
			mutate:  func(c *Config) { c.Scheduler.MaxConcurrentFetches = 0 },
			wantErr: "max_concurrent_fetches",
		},
		{
			name:    "per domain exceeds global",
			mutate:  func(c *Config) { c.Scheduler.PerDomainConcurrency = 100 },
			wantErr: "per_domain_concurrency",
		},
		{
			name:    "priority threshold out of range",
			mutate:  func(c *Config) { c.Scheduler.PriorityThreshold = 101 },
			wantErr: "priority_threshold",
		},
		{
			name:    "backoff base below one",
			mutate:  func(c *Config) { c.Politeness.RetryBackoffBase = 0.5 },
			wantErr: "retry_backoff_base",
		},
		{
			name:    "negative redirects",
			mutate:  func(c *Config) { c.Fetch.MaxRedirects = -1 },
			wantErr: "max_redirects",
		},
		{
			name:    "empty content types",
			mutate:  func(c *Config) { c.Fetch.AllowedContentTypes = nil },
			wantErr: "allowed_content_types",
		},
		{
			name:    "empty seed host",
			mutate:  func(c *Config) { c.Seeds = []Seed{{Host: ""}} },
			wantErr: "seeds[0]",
		},
		{
			name:    "seed priority out of range",
			mutate:  func(c *Config) { c.Seeds = []Seed{{Host: "example.com", Priority: 200}} },
			wantErr: "priority",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := New()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
