package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/polyinsider/tradewatch/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_Defaults(t *testing.T) {
	cfg := FromEnv()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "wss://ws-live-data.polymarket.com", cfg.FeedURL)
	assert.Equal(t, 120*time.Second, cfg.DataTimeout)
	assert.Equal(t, time.Hour, cfg.MaxConnectionAge)
	assert.Equal(t, 3, cfg.FailoverRetries)
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, 25, cfg.TopTraderCount)
	assert.InDelta(t, 5000, cfg.BondFloor, 1e-9)
	assert.False(t, cfg.TrackedIncludeSells)
	assert.Equal(t, 1000, cfg.QueueSize)
	assert.Equal(t, "sqlite", cfg.StoreDriver)
	assert.Equal(t, "db", cfg.DedupBackend)
	assert.Zero(t, cfg.DedupRedisTTL)
	assert.Empty(t, cfg.KafkaBrokers)
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("DATA_TIMEOUT", "90s")
	t.Setenv("RECONNECT_MAX", "45")
	t.Setenv("WORKER_COUNT", "8")
	t.Setenv("BOND_FLOOR", "7500.5")
	t.Setenv("TRACKED_INCLUDE_SELLS", "true")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("QUEUE_SIZE", "not-a-number")
	t.Setenv("POLL_INTERVAL", "soon")

	cfg := FromEnv()
	assert.Equal(t, 90*time.Second, cfg.DataTimeout)
	assert.Equal(t, 45*time.Second, cfg.ReconnectMax)
	assert.Equal(t, 8, cfg.WorkerCount)
	assert.InDelta(t, 7500.5, cfg.BondFloor, 1e-9)
	assert.True(t, cfg.TrackedIncludeSells)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 1000, cfg.QueueSize, "invalid values fall back to defaults")
	assert.Equal(t, 30*time.Second, cfg.PollInterval)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"feed url scheme", func(c *Config) { c.FeedURL = "https://example.com" }, "FEED_URL"},
		{"data timeout vs health", func(c *Config) { c.DataTimeout = c.HealthInterval }, "DATA_TIMEOUT"},
		{"reconnect bounds", func(c *Config) { c.ReconnectMax = time.Second }, "RECONNECT_MAX"},
		{"workers", func(c *Config) { c.WorkerCount = 0 }, "WORKER_COUNT"},
		{"queue", func(c *Config) { c.QueueSize = 0 }, "QUEUE_SIZE"},
		{"postgres url", func(c *Config) { c.StoreDriver = "postgres" }, "DATABASE_URL"},
		{"unknown driver", func(c *Config) { c.StoreDriver = "mongo" }, "STORE_DRIVER"},
		{"dedup backend", func(c *Config) { c.DedupBackend = "memcached" }, "DEDUP_BACKEND"},
		{"kafka topic", func(c *Config) { c.KafkaBrokers = []string{"k:9092"}; c.KafkaTopic = "" }, "KAFKA_TOPIC"},
		{"port", func(c *Config) { c.PrometheusPort = 70000 }, "PROMETHEUS_PORT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := FromEnv()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "(not set)", maskSecret(""))
	assert.Equal(t, "****", maskSecret("short"))
	assert.Equal(t, "http****c123", maskSecret("https://hooks.example.com/abc123"))

	cfg := &Config{WebhookURL: "https://hooks.example.com/abc123"}
	assert.NotContains(t, cfg.MaskedWebhook(), "example")
}

const seedYAML = `
destinations:
  - id: desk
    name: Trading desk
    routes:
      default: desk-alerts
      bonds: desk-bonds
      volatility: ${TEST_VOL_ROUTE}
    whale_threshold: 25000
    tracked:
      - wallet: 0xABCDEF
        label: fund
  - id: quiet
    paused: true
`

func TestParseSeed(t *testing.T) {
	t.Setenv("TEST_VOL_ROUTE", "desk-vol")

	seed, err := ParseSeed([]byte(seedYAML))
	require.NoError(t, err)
	require.Len(t, seed.Destinations, 2)

	desk := seed.Destinations[0].Destination()
	assert.Equal(t, "Trading desk", desk.Name)
	assert.Equal(t, "desk-vol", desk.Routes.Volatility)
	assert.Equal(t, "desk-bonds", desk.Routes.Bonds)
	assert.InDelta(t, 25000, desk.WhaleThreshold, 1e-9)
	assert.InDelta(t, store.DefaultFreshThreshold, desk.FreshThreshold, 1e-9)

	tracked := seed.Destinations[0].TrackedWallets()
	require.Len(t, tracked, 1)
	assert.Equal(t, "0xabcdef", tracked[0].Wallet)

	quiet := seed.Destinations[1].Destination()
	assert.Equal(t, "quiet", quiet.Name)
	assert.True(t, quiet.Paused)
}

func TestParseSeed_Invalid(t *testing.T) {
	_, err := ParseSeed([]byte("destinations: [{id: a}, {id: a}]"))
	assert.ErrorContains(t, err, "duplicate")

	_, err = ParseSeed([]byte("destinations: [{id: a, whale_threshold: 5}]"))
	assert.Error(t, err)

	_, err = ParseSeed([]byte("destinations: [{id: a, tracked: [{label: x}]}]"))
	assert.ErrorContains(t, err, "wallet")

	_, err = ParseSeed([]byte("destinations: {"))
	assert.Error(t, err)
}

func TestLoadSeedAndApply(t *testing.T) {
	t.Setenv("TEST_VOL_ROUTE", "")
	path := filepath.Join(t.TempDir(), "destinations.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o600))

	seed, err := LoadSeed(path)
	require.NoError(t, err)

	db := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, seed.Apply(ctx, db))
	require.NoError(t, seed.Apply(ctx, db), "apply is idempotent")

	all, err := db.ListDestinations(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	active, err := db.ActiveDestinations(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Empty(t, active[0].Routes.Volatility)

	tracked, err := db.TrackedWallets(ctx)
	require.NoError(t, err)
	require.Len(t, tracked, 1)
	assert.Equal(t, "fund", tracked[0].Label)

	_, err = LoadSeed(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSeedReapplyKeepsTrackingStart(t *testing.T) {
	t.Setenv("TEST_VOL_ROUTE", "")
	ctx := context.Background()
	db := store.NewMemory()

	seed, err := ParseSeed([]byte(seedYAML))
	require.NoError(t, err)
	require.NoError(t, seed.Apply(ctx, db))
	before, err := db.TrackedWallets(ctx)
	require.NoError(t, err)
	require.Len(t, before, 1)

	time.Sleep(5 * time.Millisecond)
	seed.Destinations[0].Tracked[0].Label = "renamed fund"
	seed.Destinations[0].WhaleThreshold = 30000
	require.NoError(t, seed.Apply(ctx, db))

	after, err := db.TrackedWallets(ctx)
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, "renamed fund", after[0].Label)
	assert.True(t, after[0].AddedAt.Equal(before[0].AddedAt))
}
