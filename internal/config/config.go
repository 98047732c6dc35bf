package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application. Values come from the
// defaults below, then the optional YAML file named by CONFIG_FILE, then
// environment variables.
type Config struct {
	Port        string `yaml:"port"`
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`

	NumWorkers     int           `yaml:"num_workers"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	JobRetryBase   time.Duration `yaml:"job_retry_base"`
	JobLease       time.Duration `yaml:"job_lease"`
	HandlerTimeout time.Duration `yaml:"handler_timeout"`

	FeePercentage string        `yaml:"fee_percentage"`
	DisputeFee    string        `yaml:"dispute_fee"`
	ReleaseDelay  time.Duration `yaml:"release_delay"`
	ReviewPeriod  time.Duration `yaml:"review_period"`

	Provider ProviderConfig `yaml:"provider"`

	// Parsed from FeePercentage and DisputeFee by Load.
	Fee        decimal.Decimal `yaml:"-"`
	DisputeAmt decimal.Decimal `yaml:"-"`
}

type ProviderConfig struct {
	Name             string        `yaml:"name"`
	URL              string        `yaml:"url"`
	Secret           string        `yaml:"secret"`
	Timeout          time.Duration `yaml:"timeout"`
	RateLimit        int           `yaml:"rate_limit"`
	RateWindow       time.Duration `yaml:"rate_window"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
}

func defaults() Config {
	return Config{
		Port:           "8080",
		NumWorkers:     10,
		PollInterval:   time.Second,
		JobRetryBase:   30 * time.Second,
		JobLease:       5 * time.Minute,
		HandlerTimeout: 30 * time.Second,
		FeePercentage:  "15",
		DisputeFee:     "300",
		ReleaseDelay:   4 * 24 * time.Hour,
		ReviewPeriod:   7 * 24 * time.Hour,
		Provider: ProviderConfig{
			Name:             "stripe",
			Timeout:          10 * time.Second,
			RateLimit:        100,
			RateWindow:       time.Second,
			BreakerThreshold: 5,
			BreakerCooldown:  time.Minute,
		},
	}
}

// Load reads configuration from CONFIG_FILE (if set) and environment variables.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.Port = getEnv("PORT", cfg.Port)
	cfg.DatabaseURL = getEnv("DATABASE_URL", cfg.DatabaseURL)
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)
	cfg.NumWorkers = getEnvInt("NUM_WORKERS", cfg.NumWorkers)
	cfg.PollInterval = getEnvDuration("POLL_INTERVAL", cfg.PollInterval)
	cfg.JobRetryBase = getEnvDuration("JOB_RETRY_BASE", cfg.JobRetryBase)
	cfg.JobLease = getEnvDuration("JOB_LEASE", cfg.JobLease)
	cfg.HandlerTimeout = getEnvDuration("HANDLER_TIMEOUT", cfg.HandlerTimeout)
	cfg.FeePercentage = getEnv("FEE_PERCENTAGE", cfg.FeePercentage)
	cfg.DisputeFee = getEnv("DISPUTE_FEE", cfg.DisputeFee)
	cfg.ReleaseDelay = getEnvDuration("RELEASE_DELAY", cfg.ReleaseDelay)
	cfg.ReviewPeriod = getEnvDuration("REVIEW_PERIOD", cfg.ReviewPeriod)
	cfg.Provider.Name = getEnv("PROVIDER_NAME", cfg.Provider.Name)
	cfg.Provider.URL = getEnv("PROVIDER_URL", cfg.Provider.URL)
	cfg.Provider.Secret = getEnv("PROVIDER_SECRET", cfg.Provider.Secret)
	cfg.Provider.Timeout = getEnvDuration("PROVIDER_TIMEOUT", cfg.Provider.Timeout)
	cfg.Provider.RateLimit = getEnvInt("PROVIDER_RATE_LIMIT", cfg.Provider.RateLimit)
	cfg.Provider.RateWindow = getEnvDuration("PROVIDER_RATE_WINDOW", cfg.Provider.RateWindow)
	cfg.Provider.BreakerThreshold = getEnvInt("PROVIDER_BREAKER_THRESHOLD", cfg.Provider.BreakerThreshold)
	cfg.Provider.BreakerCooldown = getEnvDuration("PROVIDER_BREAKER_COOLDOWN", cfg.Provider.BreakerCooldown)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: decode %s: %w", path, err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	fee, err := decimal.NewFromString(c.FeePercentage)
	if err != nil || fee.IsNegative() || fee.GreaterThan(decimal.NewFromInt(100)) {
		return fmt.Errorf("FEE_PERCENTAGE must be a number between 0 and 100, got %q", c.FeePercentage)
	}
	disputeFee, err := decimal.NewFromString(c.DisputeFee)
	if err != nil || disputeFee.IsNegative() {
		return fmt.Errorf("DISPUTE_FEE must be a non-negative amount, got %q", c.DisputeFee)
	}
	c.Fee = fee
	c.DisputeAmt = disputeFee

	if c.NumWorkers < 1 {
		return fmt.Errorf("NUM_WORKERS must be positive, got %d", c.NumWorkers)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %s", c.PollInterval)
	}
	if c.JobLease <= c.HandlerTimeout {
		return fmt.Errorf("JOB_LEASE must exceed HANDLER_TIMEOUT (%s), got %s", c.HandlerTimeout, c.JobLease)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err == nil {
			return d
		}
	}
	return fallback
}
