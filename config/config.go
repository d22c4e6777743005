/*
Package config loads server configuration.

PRECEDENCE (lowest to highest):
  1. Defaults()
  2. YAML file (-config path)
  3. Environment (LEDGER_*)
  4. Command-line flags (applied by cmd/server)

EXAMPLE FILE:
  server:
    port: 8080
  store:
    backend: sqlite
    sqlite_path: ./points.db
    seed_demo: true
  ledger:
    points_rate: "1000"
    ticket_scope: global
    lock_timeout: 5s
    reconcile_interval: 1h
  log:
    level: info
    format: json

ENVIRONMENT:
  LEDGER_PORT, LEDGER_BACKEND, LEDGER_SQLITE_PATH, LEDGER_POSTGRES_DSN,
  LEDGER_SEED_DEMO, LEDGER_POINTS_RATE, LEDGER_TICKET_SCOPE,
  LEDGER_LOCK_TIMEOUT, LEDGER_RECONCILE_INTERVAL, LEDGER_LOG_LEVEL,
  LEDGER_LOG_FORMAT
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

type ServerConfig struct {
	Port           int           `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	AllowedOrigins []string      `yaml:"allowed_origins"`
}

type StoreConfig struct {
	Backend     string `yaml:"backend"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
	SeedDemo    bool   `yaml:"seed_demo"`
}

type LedgerConfig struct {
	PointsRate  string        `yaml:"points_rate"`
	TicketScope string        `yaml:"ticket_scope"`
	LockTimeout time.Duration `yaml:"lock_timeout"`

	// ReconcileInterval is the period of the background balance check.
	// Zero disables it.
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	Server ServerConfig `yaml:"server"`
	Store  StoreConfig  `yaml:"store"`
	Ledger LedgerConfig `yaml:"ledger"`
	Log    LogConfig    `yaml:"log"`
}

// Defaults runs the in-memory demo backend on :8080.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:           8080,
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   15 * time.Second,
			IdleTimeout:    60 * time.Second,
			AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		},
		Store: StoreConfig{
			Backend:    BackendMemory,
			SQLitePath: "points.db",
			SeedDemo:   true,
		},
		Ledger: LedgerConfig{
			PointsRate:  "1000",
			TicketScope: "global",
			LockTimeout: 5 * time.Second,

			ReconcileInterval: time.Hour,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads path over Defaults and applies environment overrides.
// An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	str("LEDGER_BACKEND", &c.Store.Backend)
	str("LEDGER_SQLITE_PATH", &c.Store.SQLitePath)
	str("LEDGER_POSTGRES_DSN", &c.Store.PostgresDSN)
	str("LEDGER_POINTS_RATE", &c.Ledger.PointsRate)
	str("LEDGER_TICKET_SCOPE", &c.Ledger.TicketScope)
	str("LEDGER_LOG_LEVEL", &c.Log.Level)
	str("LEDGER_LOG_FORMAT", &c.Log.Format)

	if v, ok := lookup("LEDGER_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LEDGER_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v, ok := lookup("LEDGER_SEED_DEMO"); ok {
		seed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LEDGER_SEED_DEMO: %w", err)
		}
		c.Store.SeedDemo = seed
	}
	if v, ok := lookup("LEDGER_LOCK_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("LEDGER_LOCK_TIMEOUT: %w", err)
		}
		c.Ledger.LockTimeout = d
	}
	if v, ok := lookup("LEDGER_RECONCILE_INTERVAL"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("LEDGER_RECONCILE_INTERVAL: %w", err)
		}
		c.Ledger.ReconcileInterval = d
	}
	return nil
}

// Rate parses the configured points rate.
func (c Config) Rate() (decimal.Decimal, error) {
	rate, err := decimal.NewFromString(c.Ledger.PointsRate)
	if err != nil {
		return decimal.Zero, fmt.Errorf("points_rate %q: %w", c.Ledger.PointsRate, err)
	}
	if !rate.IsPositive() {
		return decimal.Zero, fmt.Errorf("points_rate must be positive, got %s", rate)
	}
	return rate, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port out of range: %d", c.Server.Port))
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path required for sqlite backend"))
		}
	case BackendPostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn required for postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.backend %q", c.Store.Backend))
	}
	if _, err := c.Rate(); err != nil {
		errs = append(errs, err)
	}
	switch c.Ledger.TicketScope {
	case "global", "member":
	default:
		errs = append(errs, fmt.Errorf("unknown ledger.ticket_scope %q", c.Ledger.TicketScope))
	}
	if c.Ledger.ReconcileInterval < 0 {
		errs = append(errs, fmt.Errorf("ledger.reconcile_interval must not be negative, got %s", c.Ledger.ReconcileInterval))
	}
	if c.Ledger.LockTimeout <= 0 {
		errs = append(errs, fmt.Errorf("ledger.lock_timeout must be positive, got %s", c.Ledger.LockTimeout))
	}
	return errors.Join(errs...)
}
