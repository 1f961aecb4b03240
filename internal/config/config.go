package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultAppName            = "WalletQueue"
	defaultAppEnv             = "development"
	defaultPort               = "8080"
	defaultLogLevel           = "info"
	defaultShutdownDelay      = 10 * time.Second
	defaultIdempotencyTTL     = 24 * time.Hour
	defaultRetryTTL           = 5 * time.Second
	defaultMaxRetries         = 3
	defaultRetryBackoffBase   = 500 * time.Millisecond
	defaultRetryBackoffMax    = 5 * time.Second
	defaultProcessingDelayMin = 2 * time.Second
	defaultProcessingDelayMax = 7 * time.Second
	defaultSuccessRate        = 0.8
	defaultWorkerConcurrency  = 4
	defaultReconcileSchedule  = "@every 5m"
	defaultAdmissionTTL       = 2 * time.Minute
	defaultStaleAttemptAfter  = 10 * time.Minute
	defaultWalletBalance      = 200
	defaultSubmitRateLimit    = 60

	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	DatabaseURL    string
	RedisURL       string
	RabbitMQURL    string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	// OperatorTokenHash is a bcrypt hash guarding wallet provisioning. Empty disables the check.
	OperatorTokenHash string
	// SubmitRateLimit caps transaction submissions per wallet and minute. Zero disables it.
	SubmitRateLimit int

	WorkerEnabled     bool
	WorkerConcurrency int
	MaxRetries        int
	RetryTTL          time.Duration
	RetryBackoffBase  time.Duration
	RetryBackoffMax   time.Duration
	ReconcileSchedule string
	StaleAttemptAfter time.Duration

	ProcessingDelayMin time.Duration
	ProcessingDelayMax time.Duration
	SuccessRate        float64

	AdmissionBackend string
	AdmissionTTL     time.Duration
	DeferralBackend  string

	DefaultWalletBalance int64
}

// Load reads configuration values from the environment and populates a Config instance.
// A .env file in the working directory is loaded first when present.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		AppName:              getEnv("APP_NAME", defaultAppName),
		AppEnv:               strings.ToLower(getEnv("APP_ENV", defaultAppEnv)),
		Port:                 getEnv("PORT", defaultPort),
		LogLevel:             strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		RedisURL:             os.Getenv("REDIS_URL"),
		RabbitMQURL:          os.Getenv("RABBITMQ_URL"),
		OperatorTokenHash:    os.Getenv("OPERATOR_TOKEN_HASH"),
		ReconcileSchedule:    getEnv("RECONCILE_SCHEDULE", defaultReconcileSchedule),
		AdmissionBackend:     strings.ToLower(getEnv("ADMISSION_BACKEND", BackendMemory)),
		DeferralBackend:      strings.ToLower(getEnv("DEFERRAL_BACKEND", BackendPostgres)),
		ShutdownPeriod:       defaultShutdownDelay,
		IdempotencyTTL:       defaultIdempotencyTTL,
		WorkerEnabled:        getEnv("WORKER_ENABLED", "true") != "false",
		WorkerConcurrency:    defaultWorkerConcurrency,
		MaxRetries:           defaultMaxRetries,
		RetryTTL:             defaultRetryTTL,
		RetryBackoffBase:     defaultRetryBackoffBase,
		RetryBackoffMax:      defaultRetryBackoffMax,
		ProcessingDelayMin:   defaultProcessingDelayMin,
		ProcessingDelayMax:   defaultProcessingDelayMax,
		SuccessRate:          defaultSuccessRate,
		AdmissionTTL:         defaultAdmissionTTL,
		StaleAttemptAfter:    defaultStaleAttemptAfter,
		DefaultWalletBalance: defaultWalletBalance,
		SubmitRateLimit:      defaultSubmitRateLimit,
	}

	durations := []struct {
		key  string
		dest *time.Duration
	}{
		{"SHUTDOWN_TIMEOUT", &cfg.ShutdownPeriod},
		{"IDEMPOTENCY_TTL", &cfg.IdempotencyTTL},
		{"RETRY_TTL", &cfg.RetryTTL},
		{"RETRY_BACKOFF_BASE", &cfg.RetryBackoffBase},
		{"RETRY_BACKOFF_MAX", &cfg.RetryBackoffMax},
		{"PROCESSING_DELAY_MIN", &cfg.ProcessingDelayMin},
		{"PROCESSING_DELAY_MAX", &cfg.ProcessingDelayMax},
		{"ADMISSION_TTL", &cfg.AdmissionTTL},
		{"STALE_ATTEMPT_AFTER", &cfg.StaleAttemptAfter},
	}
	for _, d := range durations {
		if err := parseDuration(d.key, d.dest); err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		key  string
		dest *int
	}{
		{"WORKER_CONCURRENCY", &cfg.WorkerConcurrency},
		{"MAX_RETRIES", &cfg.MaxRetries},
		{"SUBMIT_RATE_LIMIT_PER_MINUTE", &cfg.SubmitRateLimit},
	}
	for _, i := range ints {
		if v := os.Getenv(i.key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return Config{}, fmt.Errorf("invalid %s: %w", i.key, err)
			}
			*i.dest = n
		}
	}

	if v := os.Getenv("DEFAULT_WALLET_BALANCE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid DEFAULT_WALLET_BALANCE: %w", err)
		}
		cfg.DefaultWalletBalance = n
	}

	if v := os.Getenv("SETTLEMENT_SUCCESS_RATE"); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid SETTLEMENT_SUCCESS_RATE: %w", err)
		}
		cfg.SuccessRate = rate
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks cross-field constraints and the backends required outside development.
func (c Config) Validate() error {
	if c.WorkerConcurrency < 1 {
		return fmt.Errorf("WORKER_CONCURRENCY must be at least 1")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must not be negative")
	}
	if c.ProcessingDelayMax < c.ProcessingDelayMin {
		return fmt.Errorf("PROCESSING_DELAY_MAX must not be lower than PROCESSING_DELAY_MIN")
	}
	if c.SuccessRate < 0 || c.SuccessRate > 1 {
		return fmt.Errorf("SETTLEMENT_SUCCESS_RATE must be within [0, 1]")
	}
	switch c.AdmissionBackend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("unknown ADMISSION_BACKEND %q", c.AdmissionBackend)
	}
	switch c.DeferralBackend {
	case BackendPostgres, BackendRedis:
	default:
		return fmt.Errorf("unknown DEFERRAL_BACKEND %q", c.DeferralBackend)
	}

	if c.IsDev() {
		return nil
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL must be set")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL must be set")
	}
	if c.RabbitMQURL == "" {
		return fmt.Errorf("RABBITMQ_URL must be set")
	}
	return nil
}

// IsDev reports whether in-memory fallbacks are allowed for missing backends.
func (c Config) IsDev() bool {
	switch c.AppEnv {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// parseDuration accepts either KEY_SECONDS as an integer or KEY as a Go duration string.
func parseDuration(key string, dest *time.Duration) error {
	if v := os.Getenv(key + "_SECONDS"); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s_SECONDS: %w", key, err)
		}
		*dest = time.Duration(seconds) * time.Second
		return nil
	}
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
		*dest = d
	}
	return nil
}
