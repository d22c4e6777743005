package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults_AreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	rate, err := cfg.Rate()
	require.NoError(t, err)
	assert.True(t, rate.Equal(decimal.NewFromInt(1000)))
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
}

func TestLoad_YAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.yaml")
	yaml := `
server:
  port: 9090
store:
  backend: sqlite
  sqlite_path: /tmp/points.db
ledger:
  points_rate: "500"
  ticket_scope: member
  lock_timeout: 2s
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout, "unset keys keep defaults")
	assert.Equal(t, BackendSQLite, cfg.Store.Backend)
	assert.Equal(t, "/tmp/points.db", cfg.Store.SQLitePath)
	assert.Equal(t, "member", cfg.Ledger.TicketScope)
	assert.Equal(t, 2*time.Second, cfg.Ledger.LockTimeout)
	assert.True(t, cfg.Store.SeedDemo)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"LEDGER_BACKEND":      "postgres",
		"LEDGER_POSTGRES_DSN": "postgres://ledger@db/ledger",
		"LEDGER_PORT":         "7070",
		"LEDGER_SEED_DEMO":    "false",
		"LEDGER_LOCK_TIMEOUT": "750ms",
		"LEDGER_LOG_FORMAT":   "console",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Defaults()
	require.NoError(t, cfg.applyEnv(lookup))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, BackendPostgres, cfg.Store.Backend)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.False(t, cfg.Store.SeedDemo)
	assert.Equal(t, 750*time.Millisecond, cfg.Ledger.LockTimeout)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestApplyEnv_BadValues(t *testing.T) {
	for _, key := range []string{"LEDGER_PORT", "LEDGER_SEED_DEMO", "LEDGER_LOCK_TIMEOUT"} {
		t.Run(key, func(t *testing.T) {
			cfg := Defaults()
			err := cfg.applyEnv(func(k string) (string, bool) {
				if k == key {
					return "not-a-value", true
				}
				return "", false
			})
			assert.ErrorContains(t, err, key)
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Server.Port = 0
	cfg.Store.Backend = "postgres"
	cfg.Ledger.PointsRate = "-3"
	cfg.Ledger.TicketScope = "store"
	cfg.Ledger.LockTimeout = 0

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"server.port", "postgres_dsn", "points_rate", "ticket_scope", "lock_timeout"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestRate_Invalid(t *testing.T) {
	cfg := Defaults()
	cfg.Ledger.PointsRate = "abc"
	_, err := cfg.Rate()
	assert.Error(t, err)
}
