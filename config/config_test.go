package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rez/wallet-ledger/config"
)

// isolate points .env lookups at an empty temp dir.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("LEDGER_ENV_FILE", filepath.Join(dir, "missing.env"))
	t.Setenv("LEDGER_CONFIG", "")
	t.Setenv("LEDGER_SCENARIOS", "")
	return dir
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	isolate(t)

	cfg, err := config.Load(nil)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, config.DriverSQLite, cfg.Store.Driver)
	assert.Equal(t, 5*time.Second, cfg.Store.Timeout)
	assert.Equal(t, int64(220), cfg.Cashback.ReviewFlat)
	assert.Equal(t, int64(50), cfg.Cashback.ReferralFlat)
	assert.Zero(t, cfg.Audit.Interval)
	assert.False(t, cfg.Server.EnableScenarios)

	rules, err := cfg.Rules()
	require.NoError(t, err)
	assert.Equal(t, "0.1", rules.CoinValue.String())
}

func TestLoad_Precedence(t *testing.T) {
	// GIVEN: A TOML file, an env override and a flag override
	// THEN: flag > env > file > default
	dir := isolate(t)
	path := writeFile(t, dir, "ledger.toml", `
[server]
port = 9000

[store]
driver = "memory"
timeout = "2s"

[cashback]
review_flat = 300

[audit]
interval = "1h"
`)
	t.Setenv("LEDGER_REVIEW_CASHBACK", "250")
	t.Setenv("LEDGER_PORT", "9100")

	cfg, err := config.Load([]string{"-config", path, "-port", "9200"})
	require.NoError(t, err)

	assert.Equal(t, 9200, cfg.Server.Port)
	assert.Equal(t, int64(250), cfg.Cashback.ReviewFlat)
	assert.Equal(t, config.DriverMemory, cfg.Store.Driver)
	assert.Equal(t, 2*time.Second, cfg.Store.Timeout)
	assert.Equal(t, time.Hour, cfg.Audit.Interval)
}

func TestLoad_ScenariosOptIn(t *testing.T) {
	dir := isolate(t)
	path := writeFile(t, dir, "dev.toml", "[server]\nenable_scenarios = true\n")

	cfg, err := config.Load([]string{"-config", path})
	require.NoError(t, err)
	assert.True(t, cfg.Server.EnableScenarios)

	t.Setenv("LEDGER_SCENARIOS", "false")
	cfg, err = config.Load([]string{"-config", path})
	require.NoError(t, err)
	assert.False(t, cfg.Server.EnableScenarios)
}

func TestLoad_DotEnvDoesNotOverrideEnvironment(t *testing.T) {
	dir := isolate(t)
	env := writeFile(t, dir, "test.env", "LEDGER_LOG_LEVEL=debug\nLEDGER_REFERRAL_BONUS=75\n")
	t.Setenv("LEDGER_ENV_FILE", env)
	t.Setenv("LEDGER_LOG_LEVEL", "warn")
	// godotenv sets variables for the whole process; drop it after the test.
	t.Cleanup(func() { os.Unsetenv("LEDGER_REFERRAL_BONUS") })

	cfg, err := config.LoadFile("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, int64(75), cfg.Cashback.ReferralFlat)
}

func TestLoad_UnknownKeysRejected(t *testing.T) {
	dir := isolate(t)
	path := writeFile(t, dir, "bad.toml", "[store]\ndriverr = \"sqlite\"\n")

	_, err := config.Load([]string{"-config", path})
	assert.ErrorContains(t, err, "unknown keys")
}

func TestLoad_BadEnvValue(t *testing.T) {
	isolate(t)
	t.Setenv("LEDGER_STORE_TIMEOUT", "soon")
	t.Setenv("LEDGER_PORT", "eighty")

	_, err := config.Load(nil)
	require.Error(t, err)
	assert.ErrorContains(t, err, "LEDGER_STORE_TIMEOUT")
	assert.ErrorContains(t, err, "LEDGER_PORT")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"bad driver", func(c *config.Config) { c.Store.Driver = "mongo" }, "store.driver"},
		{"postgres without dsn", func(c *config.Config) { c.Store.Driver = config.DriverPostgres }, "postgres_dsn"},
		{"lock ttl too short", func(c *config.Config) {
			c.Lock.RedisAddr = "localhost:6379"
			c.Lock.TTL = time.Second
		}, "lock.ttl"},
		{"bad coin value", func(c *config.Config) { c.Cashback.CoinValue = "ten cents" }, "coin_value"},
		{"negative review", func(c *config.Config) { c.Cashback.ReviewFlat = -1 }, "flat cashback"},
		{"page size", func(c *config.Config) { c.Ledger.PageSize = 1000 }, "page_size"},
		{"port", func(c *config.Config) { c.Server.Port = 0 }, "server.port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Default()
			tt.mutate(&cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}

	assert.NoError(t, config.Default().Validate())
}
