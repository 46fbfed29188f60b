/*
Package config loads server and CLI settings.

PRECEDENCE (later wins):
  1. Default()
  2. TOML file: -config flag or LEDGER_CONFIG
  3. Environment: LEDGER_* variables, plus a .env file (LEDGER_ENV_FILE,
     default ".env") loaded without overriding the real environment
  4. Command-line flags that were set explicitly

EXAMPLE FILE:
  [server]
  port = 8080
  cors_origins = ["http://localhost:5173"]

  [store]
  driver = "sqlite"
  sqlite_path = "./data/wallet.db"
  timeout = "5s"

  [lock]
  redis_addr = "localhost:6379"
  ttl = "10s"

  [cashback]
  review_flat = 220
  referral_flat = 50
  coin_value = "0.1"

  [audit]
  interval = "1h"

  [log]
  level = "info"
  format = "json"
*/
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/rez/wallet-ledger/cashback"
	"github.com/rez/wallet-ledger/ledger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Store    StoreConfig    `toml:"store"`
	Lock     LockConfig     `toml:"lock"`
	Cashback CashbackConfig `toml:"cashback"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Audit    AuditConfig    `toml:"audit"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`
}

type ServerConfig struct {
	Port            int           `toml:"port"`
	CORSOrigins     []string      `toml:"cors_origins"`
	ShutdownTimeout time.Duration `toml:"shutdown_timeout"`
	EnableScenarios bool          `toml:"enable_scenarios"`
}

type StoreConfig struct {
	Driver      string        `toml:"driver"`
	SQLitePath  string        `toml:"sqlite_path"`
	PostgresDSN string        `toml:"postgres_dsn"`
	Timeout     time.Duration `toml:"timeout"`
}

// LockConfig selects the account lock. An empty RedisAddr keeps the lock
// in-process, which is only correct for a single server instance.
type LockConfig struct {
	RedisAddr     string        `toml:"redis_addr"`
	RedisPassword string        `toml:"redis_password"`
	RedisDB       int           `toml:"redis_db"`
	TTL           time.Duration `toml:"ttl"`
}

type CashbackConfig struct {
	ReviewFlat   int64  `toml:"review_flat"`
	ReferralFlat int64  `toml:"referral_flat"`
	CoinValue    string `toml:"coin_value"`
}

type LedgerConfig struct {
	PageSize    int `toml:"page_size"`
	RecentCount int `toml:"recent_count"`
}

// AuditConfig schedules the background audit. Zero disables it.
type AuditConfig struct {
	Interval time.Duration `toml:"interval"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

func Default() Config {
	rules := cashback.DefaultRules()
	return Config{
		Server: ServerConfig{
			Port:            8080,
			CORSOrigins:     []string{"http://localhost:5173", "http://localhost:8080"},
			ShutdownTimeout: 30 * time.Second,
			EnableScenarios: false, // reset drops the ledger; development only
		},
		Store: StoreConfig{
			Driver:     DriverSQLite,
			SQLitePath: "wallet.db",
			Timeout:    ledger.DefaultStoreTimeout,
		},
		Lock: LockConfig{TTL: 10 * time.Second},
		Cashback: CashbackConfig{
			ReviewFlat:   rules.ReviewFlat,
			ReferralFlat: rules.ReferralFlat,
			CoinValue:    rules.CoinValue.String(),
		},
		Ledger: LedgerConfig{
			PageSize:    ledger.DefaultPageSize,
			RecentCount: ledger.DefaultRecentLimit,
		},
		Log:     LogConfig{Level: "info", Format: "json"},
		Metrics: MetricsConfig{Enabled: true},
	}
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads every source including command-line flags. The flag set is
// the server's; the CLI uses LoadFile and its own cobra flags.
func Load(args []string) (Config, error) {
	flags := flag.NewFlagSet("wallet-ledger", flag.ContinueOnError)
	var (
		configPath = flags.String("config", "", "TOML config file")
		port       = flags.Int("port", 0, "HTTP server port")
		dbPath     = flags.String("db", "", "SQLite database path (\":memory:\" for in-memory)")
		driver     = flags.String("store", "", "store driver: sqlite, postgres or memory")
		logLevel   = flags.String("log-level", "", "log level")
	)
	if err := flags.Parse(args); err != nil {
		return Config{}, err
	}

	cfg, err := LoadFile(*configPath)
	if err != nil {
		return Config{}, err
	}

	flags.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Server.Port = *port
		case "db":
			cfg.Store.SQLitePath = *dbPath
		case "store":
			cfg.Store.Driver = *driver
		case "log-level":
			cfg.Log.Level = *logLevel
		}
	})
	return cfg, cfg.Validate()
}

// LoadFile applies defaults, the TOML file at path (or LEDGER_CONFIG when
// path is empty) and the environment. It does not validate.
func LoadFile(path string) (Config, error) {
	envFile := os.Getenv("LEDGER_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg := Default()
	if path == "" {
		path = os.Getenv("LEDGER_CONFIG")
	}
	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("read config %s: unknown keys %v", path, undecoded)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	e := envReader{}
	e.int("LEDGER_PORT", &cfg.Server.Port)
	e.list("LEDGER_CORS_ORIGINS", &cfg.Server.CORSOrigins)
	e.bool("LEDGER_SCENARIOS", &cfg.Server.EnableScenarios)
	e.str("LEDGER_STORE_DRIVER", &cfg.Store.Driver)
	e.str("LEDGER_SQLITE_PATH", &cfg.Store.SQLitePath)
	e.str("LEDGER_POSTGRES_DSN", &cfg.Store.PostgresDSN)
	e.duration("LEDGER_STORE_TIMEOUT", &cfg.Store.Timeout)
	e.str("LEDGER_REDIS_ADDR", &cfg.Lock.RedisAddr)
	e.str("LEDGER_REDIS_PASSWORD", &cfg.Lock.RedisPassword)
	e.int("LEDGER_REDIS_DB", &cfg.Lock.RedisDB)
	e.duration("LEDGER_LOCK_TTL", &cfg.Lock.TTL)
	e.int64("LEDGER_REVIEW_CASHBACK", &cfg.Cashback.ReviewFlat)
	e.int64("LEDGER_REFERRAL_BONUS", &cfg.Cashback.ReferralFlat)
	e.str("LEDGER_COIN_VALUE", &cfg.Cashback.CoinValue)
	e.int("LEDGER_PAGE_SIZE", &cfg.Ledger.PageSize)
	e.int("LEDGER_RECENT_COUNT", &cfg.Ledger.RecentCount)
	e.duration("LEDGER_AUDIT_INTERVAL", &cfg.Audit.Interval)
	e.str("LEDGER_LOG_LEVEL", &cfg.Log.Level)
	e.str("LEDGER_LOG_FORMAT", &cfg.Log.Format)
	e.bool("LEDGER_METRICS", &cfg.Metrics.Enabled)
	return errors.Join(e.errs...)
}

// envReader collects parse errors so one bad variable does not hide others.
type envReader struct {
	errs []error
}

func (e *envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.lookup(key); ok {
		*dst = v
	}
}

func (e *envReader) list(key string, dst *[]string) {
	v, ok := e.lookup(key)
	if !ok {
		return
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}

func (e *envReader) int(key string, dst *int) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (e *envReader) int64(key string, dst *int64) {
	if v, ok := e.lookup(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (e *envReader) bool(key string, dst *bool) {
	if v, ok := e.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
}

// =============================================================================
// VALIDATION
// =============================================================================

func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path is required for the sqlite driver"))
		}
	case DriverPostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required for the postgres driver"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not one of sqlite, postgres, memory", c.Store.Driver))
	}
	if c.Store.Timeout <= 0 {
		errs = append(errs, errors.New("store.timeout must be positive"))
	}
	if c.Lock.RedisAddr != "" && c.Lock.TTL <= c.Store.Timeout {
		errs = append(errs, fmt.Errorf("lock.ttl %s must exceed store.timeout %s", c.Lock.TTL, c.Store.Timeout))
	}
	if _, err := c.Rules(); err != nil {
		errs = append(errs, err)
	}
	if c.Ledger.PageSize <= 0 || c.Ledger.PageSize > ledger.MaxPageSize {
		errs = append(errs, fmt.Errorf("ledger.page_size must be in [1, %d]", ledger.MaxPageSize))
	}
	if c.Ledger.RecentCount < 0 {
		errs = append(errs, errors.New("ledger.recent_count must not be negative"))
	}
	if c.Audit.Interval < 0 {
		errs = append(errs, errors.New("audit.interval must not be negative"))
	}
	return errors.Join(errs...)
}

// Rules converts the cashback section into evaluator rules.
func (c Config) Rules() (cashback.Rules, error) {
	coinValue, err := decimal.NewFromString(c.Cashback.CoinValue)
	if err != nil {
		return cashback.Rules{}, fmt.Errorf("cashback.coin_value: %w", err)
	}
	rules := cashback.Rules{
		ReviewFlat:   c.Cashback.ReviewFlat,
		ReferralFlat: c.Cashback.ReferralFlat,
		CoinValue:    coinValue,
	}
	if err := rules.Validate(); err != nil {
		return cashback.Rules{}, fmt.Errorf("cashback: %w", err)
	}
	return rules, nil
}
