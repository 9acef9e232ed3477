package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultAppName           = "StayKeep Payouts"
	defaultAppEnv            = "development"
	defaultPort              = "8080"
	defaultLogLevel          = "info"
	defaultShutdownDelay     = 10 * time.Second
	defaultIdempotencyTTL    = 24 * time.Hour
	defaultCurrency          = "XAF"
	defaultMinWithdrawal     = 500
	defaultGatewayTimeout    = 10 * time.Second
	defaultReconcileSchedule = "0 */5 * * * *"
	defaultReconcileAfter    = 2 * time.Minute
	defaultWithdrawalsPerMin = 5
	defaultStatementTimeout  = 15 * time.Second
	idemTTLSecondsEnvVar     = "IDEMPOTENCY_TTL_SECONDS"
	idemTTLDurEnvVar         = "IDEMPOTENCY_TTL"
	shutdownSecondsEnvVar    = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar   = "SHUTDOWN_TIMEOUT"
)

// Provider describes one payout provider from the providers file.
type Provider struct {
	Name              string        `yaml:"name"`
	Kind              string        `yaml:"kind"`
	BaseURL           string        `yaml:"base_url"`
	APIUser           string        `yaml:"api_user"`
	APIKey            string        `yaml:"api_key"`
	SubscriptionKey   string        `yaml:"subscription_key"`
	TargetEnvironment string        `yaml:"target_environment"`
	Country           string        `yaml:"country"`
	Currency          string        `yaml:"currency"`
	Timeout           time.Duration `yaml:"timeout"`
	RatePerSecond     float64       `yaml:"rate_per_second"`
	Burst             int           `yaml:"burst"`
}

type providersFile struct {
	Providers []Provider `yaml:"providers"`
}

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName              string
	AppEnv               string
	Port                 string
	LogLevel             string
	DatabaseURL          string
	RedisURL             string
	DBMaxConns           int32
	DBStatementTimeout   time.Duration
	ShutdownPeriod       time.Duration
	IdempotencyTTL       time.Duration
	JWTSecret            string
	AdminKeyHash         string
	Currency             string
	MinWithdrawal        int64
	GatewayTimeout       time.Duration
	ReconcileSchedule    string
	ReconcileAfter       time.Duration
	WithdrawalsPerMinute int
	ProvidersFile        string
	Providers            []Provider
}

// Load reads configuration values from the environment and populates a Config instance.
func Load() (Config, error) {
	cfg := Config{
		AppName:              getEnv("APP_NAME", defaultAppName),
		AppEnv:               getEnv("APP_ENV", defaultAppEnv),
		Port:                 getEnv("PORT", defaultPort),
		LogLevel:             strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisURL:             os.Getenv("REDIS_URL"),
		DBStatementTimeout:   defaultStatementTimeout,
		ShutdownPeriod:       defaultShutdownDelay,
		IdempotencyTTL:       defaultIdempotencyTTL,
		JWTSecret:            os.Getenv("JWT_SECRET"),
		AdminKeyHash:         os.Getenv("ADMIN_KEY_HASH"),
		Currency:             strings.ToUpper(getEnv("CURRENCY", defaultCurrency)),
		MinWithdrawal:        defaultMinWithdrawal,
		GatewayTimeout:       defaultGatewayTimeout,
		ReconcileSchedule:    getEnv("RECONCILE_SCHEDULE", defaultReconcileSchedule),
		ReconcileAfter:       defaultReconcileAfter,
		WithdrawalsPerMinute: defaultWithdrawalsPerMin,
		ProvidersFile:        os.Getenv("PROVIDERS_FILE"),
	}

	var err error
	if cfg.ShutdownPeriod, err = durationFromEnv(shutdownSecondsEnvVar, shutdownDurationEnvVar, cfg.ShutdownPeriod); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = durationFromEnv(idemTTLSecondsEnvVar, idemTTLDurEnvVar, cfg.IdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.GatewayTimeout, err = durationFromEnv("", "GATEWAY_TIMEOUT", cfg.GatewayTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ReconcileAfter, err = durationFromEnv("", "RECONCILE_AFTER", cfg.ReconcileAfter); err != nil {
		return Config{}, err
	}
	if cfg.DBStatementTimeout, err = durationFromEnv("", "DB_STATEMENT_TIMEOUT", cfg.DBStatementTimeout); err != nil {
		return Config{}, err
	}
	if v := os.Getenv("DB_MAX_CONNS"); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid DB_MAX_CONNS: %q", v)
		}
		cfg.DBMaxConns = int32(n)
	}

	if v := os.Getenv("MIN_WITHDRAWAL"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid MIN_WITHDRAWAL: %q", v)
		}
		cfg.MinWithdrawal = n
	}
	if v := os.Getenv("WITHDRAWALS_PER_MINUTE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return Config{}, fmt.Errorf("invalid WITHDRAWALS_PER_MINUTE: %q", v)
		}
		cfg.WithdrawalsPerMinute = n
	}

	if cfg.ProvidersFile != "" {
		providers, err := LoadProviders(cfg.ProvidersFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Providers = providers
	}

	if !cfg.IsDevelopment() {
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("DATABASE_URL must be set")
		}
		if cfg.RedisURL == "" {
			return Config{}, fmt.Errorf("REDIS_URL must be set")
		}
		if cfg.JWTSecret == "" {
			return Config{}, fmt.Errorf("JWT_SECRET must be set")
		}
	}

	return cfg, nil
}

// LoadProviders parses a providers YAML file.
func LoadProviders(path string) ([]Provider, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read providers file: %w", err)
	}
	return ParseProviders(data)
}

// ParseProviders decodes and validates a providers document.
func ParseProviders(data []byte) ([]Provider, error) {
	var doc providersFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse providers file: %w", err)
	}
	seen := make(map[string]struct{}, len(doc.Providers))
	for i, p := range doc.Providers {
		if p.Name == "" {
			return nil, fmt.Errorf("provider %d: name is required", i)
		}
		if _, dup := seen[p.Name]; dup {
			return nil, fmt.Errorf("provider %s: declared twice", p.Name)
		}
		seen[p.Name] = struct{}{}
		switch p.Kind {
		case "sandbox":
		case "mtn", "airtel":
			if p.BaseURL == "" {
				return nil, fmt.Errorf("provider %s: base_url is required", p.Name)
			}
		default:
			return nil, fmt.Errorf("provider %s: unknown kind %q", p.Name, p.Kind)
		}
	}
	return doc.Providers, nil
}

// IsDevelopment reports whether in-memory fallbacks are allowed.
func (c Config) IsDevelopment() bool {
	return c.AppEnv == "development" || c.AppEnv == "dev" || c.AppEnv == "test"
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func durationFromEnv(secondsKey, durationKey string, fallback time.Duration) (time.Duration, error) {
	if secondsKey != "" {
		if v := os.Getenv(secondsKey); v != "" {
			seconds, err := strconv.Atoi(v)
			if err != nil {
				return 0, fmt.Errorf("invalid %s: %w", secondsKey, err)
			}
			return time.Duration(seconds) * time.Second, nil
		}
	}
	if v := os.Getenv(durationKey); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", durationKey, err)
		}
		return d, nil
	}
	return fallback, nil
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
