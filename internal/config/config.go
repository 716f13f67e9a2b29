package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/tonfarm/farming_layer/internal/app/domain/farming"
	"github.com/tonfarm/farming_layer/internal/app/domain/ledger"
)

// Config is the full runtime configuration. Connection settings come from the
// environment; the economic tables (rates, packages, referral levels) come
// from a YAML file so they can change without a rebuild.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Logging   LoggingConfig
	Auth      AuthConfig
	Scheduler SchedulerConfig
	Economics EconomicsConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	RateLimitPerSec float64
	RateLimitBurst  int
}

type DatabaseConfig struct {
	Driver          string
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type LoggingConfig struct {
	Level      string
	Format     string
	Output     string
	FilePrefix string
}

type AuthConfig struct {
	// JWTSecret signs API tokens. Empty disables auth (development only).
	JWTSecret string
	// WatcherToken authenticates the chain watcher's deposit callbacks.
	WatcherToken string
}

type SchedulerConfig struct {
	Schedule       string
	TickBudget     time.Duration
	LeaseTTL       time.Duration
	PendingTimeout time.Duration
}

// EconomicsConfig is the YAML-file portion of the configuration. Amounts and
// rates are decimal strings so the file never goes through binary floating
// point.
type EconomicsConfig struct {
	BaseRates  map[string]string `yaml:"base_rates"` // currency -> rate per day
	MinCredit  string            `yaml:"min_credit"`
	DailyBonus string            `yaml:"daily_bonus"`
	Referral   ReferralConfig    `yaml:"referral"`
	Packages   []PackageConfig   `yaml:"packages"`
}

type ReferralConfig struct {
	MaxDepth   int      `yaml:"max_depth"`
	LevelRates []string `yaml:"level_rates"`
}

type PackageConfig struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Currency  string `yaml:"currency"`
	Rate      string `yaml:"rate"`
	Duration  string `yaml:"duration"` // Go duration, e.g. "720h"
	MinAmount string `yaml:"min_amount"`
	MaxAmount string `yaml:"max_amount"`
	Policy    string `yaml:"policy"`
}

// Load assembles the configuration from the environment, reading the
// economics file named by ECONOMICS_CONFIG (default config/economics.yaml;
// built-in defaults when the file is absent).
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            envString("SERVER_HOST", "0.0.0.0"),
			Port:            envInt("SERVER_PORT", 8080),
			ReadTimeout:     envDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    envDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			ShutdownTimeout: envDuration("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			RateLimitPerSec: envFloat("SERVER_RATE_LIMIT", 50),
			RateLimitBurst:  envInt("SERVER_RATE_BURST", 100),
		},
		Database: DatabaseConfig{
			Driver:          envString("DATABASE_DRIVER", ""),
			DSN:             envString("DATABASE_DSN", ""),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 10),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 30*time.Minute),
		},
		Redis: RedisConfig{
			Addr:     envString("REDIS_ADDR", ""),
			Password: envString("REDIS_PASSWORD", ""),
			DB:       envInt("REDIS_DB", 0),
		},
		Logging: LoggingConfig{
			Level:      envString("LOG_LEVEL", "info"),
			Format:     envString("LOG_FORMAT", "text"),
			Output:     envString("LOG_OUTPUT", "stdout"),
			FilePrefix: envString("LOG_FILE_PREFIX", "farming"),
		},
		Auth: AuthConfig{
			JWTSecret:    envString("JWT_SECRET", ""),
			WatcherToken: envString("WATCHER_TOKEN", ""),
		},
		Scheduler: SchedulerConfig{
			Schedule:       envString("SCHEDULER_INTERVAL", "@every 5m"),
			TickBudget:     envDuration("SCHEDULER_TICK_BUDGET", 4*time.Minute),
			LeaseTTL:       envDuration("SCHEDULER_LEASE_TTL", 10*time.Minute),
			PendingTimeout: envDuration("SCHEDULER_PENDING_TIMEOUT", 15*time.Minute),
		},
	}

	economics, err := LoadEconomics(envString("ECONOMICS_CONFIG", "config/economics.yaml"))
	if err != nil {
		return nil, err
	}
	cfg.Economics = economics
	return cfg, nil
}

// LoadEconomics reads the economic tables, falling back to defaults when the
// file does not exist. A present-but-broken file is an error, not a silent
// fallback.
func LoadEconomics(path string) (EconomicsConfig, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultEconomics(), nil
	}
	if err != nil {
		return EconomicsConfig{}, fmt.Errorf("read economics config: %w", err)
	}
	var economics EconomicsConfig
	if err := yaml.Unmarshal(data, &economics); err != nil {
		return EconomicsConfig{}, fmt.Errorf("parse economics config: %w", err)
	}
	return economics, nil
}

// DefaultEconomics returns the built-in economic tables.
func DefaultEconomics() EconomicsConfig {
	return EconomicsConfig{
		BaseRates: map[string]string{
			string(ledger.CurrencyUNI): "0.01",
			string(ledger.CurrencyTON): "0.005",
		},
		MinCredit:  "0",
		DailyBonus: "1",
		Referral: ReferralConfig{
			MaxDepth:   20,
			LevelRates: []string{"0.10", "0.05", "0.025"},
		},
		Packages: []PackageConfig{
			{
				ID:        "uni-boost-30d",
				Name:      "UNI Boost 30d",
				Currency:  string(ledger.CurrencyUNI),
				Rate:      "0.02",
				Duration:  "720h",
				MinAmount: "10",
				MaxAmount: "100000",
				Policy:    string(farming.PolicyAdditive),
			},
			{
				ID:        "ton-boost-30d",
				Name:      "TON Boost 30d",
				Currency:  string(ledger.CurrencyTON),
				Rate:      "0.015",
				Duration:  "720h",
				MinAmount: "1",
				MaxAmount: "10000",
				Policy:    string(farming.PolicyReplacing),
			},
		},
	}
}

// BaseRates materializes the per-currency base rates.
func (e EconomicsConfig) BaseRateTable() (map[ledger.Currency]decimal.Decimal, error) {
	rates := make(map[ledger.Currency]decimal.Decimal, len(e.BaseRates))
	for currency, raw := range e.BaseRates {
		c := ledger.Currency(currency)
		if !c.Valid() {
			return nil, fmt.Errorf("base rate for unknown currency %q", currency)
		}
		rate, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("base rate for %s: %w", currency, err)
		}
		rates[c] = rate
	}
	return rates, nil
}

// PackageTable materializes the boost catalog keyed by package id.
func (e EconomicsConfig) PackageTable() (map[string]farming.Package, error) {
	packages := make(map[string]farming.Package, len(e.Packages))
	for _, pc := range e.Packages {
		if pc.ID == "" {
			return nil, fmt.Errorf("package without id")
		}
		currency := ledger.Currency(pc.Currency)
		if !currency.Valid() {
			return nil, fmt.Errorf("package %s: unknown currency %q", pc.ID, pc.Currency)
		}
		policy := farming.AccumulationPolicy(pc.Policy)
		if !policy.Valid() {
			return nil, fmt.Errorf("package %s: unknown policy %q", pc.ID, pc.Policy)
		}
		rate, err := decimal.NewFromString(pc.Rate)
		if err != nil {
			return nil, fmt.Errorf("package %s: rate: %w", pc.ID, err)
		}
		duration, err := time.ParseDuration(pc.Duration)
		if err != nil {
			return nil, fmt.Errorf("package %s: duration: %w", pc.ID, err)
		}
		minAmount, err := decimal.NewFromString(pc.MinAmount)
		if err != nil {
			return nil, fmt.Errorf("package %s: min_amount: %w", pc.ID, err)
		}
		maxAmount := decimal.Zero
		if pc.MaxAmount != "" {
			if maxAmount, err = decimal.NewFromString(pc.MaxAmount); err != nil {
				return nil, fmt.Errorf("package %s: max_amount: %w", pc.ID, err)
			}
		}
		packages[pc.ID] = farming.Package{
			ID:        pc.ID,
			Name:      pc.Name,
			Currency:  currency,
			Rate:      rate,
			Duration:  duration,
			MinAmount: minAmount,
			MaxAmount: maxAmount,
			Policy:    policy,
		}
	}
	return packages, nil
}

// ReferralRates materializes the level rate table.
func (e EconomicsConfig) ReferralRates() ([]decimal.Decimal, error) {
	rates := make([]decimal.Decimal, 0, len(e.Referral.LevelRates))
	prev := decimal.Decimal{}
	for i, raw := range e.Referral.LevelRates {
		rate, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, fmt.Errorf("referral level %d rate: %w", i+1, err)
		}
		if i > 0 && rate.GreaterThan(prev) {
			return nil, fmt.Errorf("referral level %d rate increases over level %d", i+1, i)
		}
		rates = append(rates, rate)
		prev = rate
	}
	return rates, nil
}

// Amount parses a decimal amount field.
func Amount(raw string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(raw)
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
