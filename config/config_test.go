package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/loyalty"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "loyalty.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	table, err := cfg.TierTable()
	require.NoError(t, err)
	assert.Len(t, table.Tiers(), 11)
	assert.Equal(t, ":8080", cfg.Server.Addr())
}

func TestLoad_FileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  host: 127.0.0.1
database:
  path: /var/lib/loyalty/ledger.db
scheduler:
  recompute_interval: 15m
tiers:
  - level: 0
    min_spend: "0"
  - level: 1
    min_spend: "1000"
    discount_percent: "5"
  - level: 2
    min_spend: "5000.50"
    discount_percent: "12.5"
feed:
  kafka:
    brokers: [kafka-1:9092]
    topic: loyalty.events
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Addr())
	assert.Equal(t, "/var/lib/loyalty/ledger.db", cfg.Database.Path)
	assert.Equal(t, 15*time.Minute, cfg.Scheduler.RecomputeInterval)
	assert.True(t, cfg.Feed.Kafka.Enabled())
	assert.Equal(t, "loyalty-engine", cfg.Feed.Kafka.GroupID, "defaults survive a partial file")
	assert.Equal(t, 5, cfg.Engine.MaxAttempts)

	table, err := cfg.TierTable()
	require.NoError(t, err)
	tier := table.TierFor(loyalty.Money(6000))
	assert.Equal(t, 2, tier.Level)
	assert.Equal(t, "12.5", tier.DiscountPercent.String())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9090\n")
	t.Setenv("LOYALTY_PORT", "7000")
	t.Setenv("LOYALTY_ZK_SERVERS", "zk-1:2181, zk-2:2181,")
	t.Setenv("LOYALTY_LOCK_BACKEND", LockZooKeeper)
	t.Setenv("LOYALTY_LOG_PRETTY", "true")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Server.Port)
	assert.Equal(t, []string{"zk-1:2181", "zk-2:2181"}, cfg.Lock.Servers)
	assert.True(t, cfg.Log.Pretty)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "failed to load config file")

	_, err = Load(writeConfig(t, "server: [unclosed"))
	assert.ErrorContains(t, err, "failed to parse config file")

	t.Setenv("LOYALTY_PORT", "eighty")
	t.Setenv("LOYALTY_RECOMPUTE_INTERVAL", "soon")
	_, err = Load("")
	assert.ErrorContains(t, err, "LOYALTY_PORT")
	assert.ErrorContains(t, err, "LOYALTY_RECOMPUTE_INTERVAL")
}

func TestValidate_JoinsErrors(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 0
	cfg.Database.Path = ""
	cfg.Lock.Backend = LockZooKeeper
	cfg.Feed.Kafka.CommandsTopic = "loyalty.commands"

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorContains(t, err, "server port 0 out of range")
	assert.ErrorContains(t, err, "database path is required")
	assert.ErrorContains(t, err, "zookeeper lock requires servers")
	assert.ErrorContains(t, err, "commands_topic requires brokers")

	cfg = Default()
	cfg.Lock.Backend = "etcd"
	assert.ErrorContains(t, cfg.Validate(), `unknown lock backend "etcd"`)
}

func TestTierTable_Rejects(t *testing.T) {
	tests := []struct {
		name  string
		tiers []TierConfig
	}{
		{"bad min spend", []TierConfig{{Level: 0, MinSpend: "zero"}}},
		{"bad discount", []TierConfig{{Level: 0, MinSpend: "0", Discount: "ten"}}},
		{"no zero floor", []TierConfig{{Level: 1, MinSpend: "100"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Tiers = tt.tiers
			_, err := cfg.TierTable()
			assert.ErrorIs(t, err, loyalty.ErrConfiguration)
			assert.ErrorIs(t, cfg.Validate(), loyalty.ErrConfiguration)
		})
	}
}
