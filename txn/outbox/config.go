package outbox

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultProcessingInterval = 2 * time.Second
	defaultMaxRetryCount      = 10
	defaultRetentionPeriod    = 72 * time.Hour
	defaultBatchSize          = 50
	defaultRetryBaseDelay     = 5 * time.Second
	defaultMaxRetryDelay      = 15 * time.Minute
	defaultLeaseDuration      = 30 * time.Second
	defaultCleanupInterval    = 10 * time.Minute
)

// Config controls processor polling, retry, lease, and retention behavior.
type Config struct {
	// ProcessingInterval is the periodic interval between processing ticks.
	ProcessingInterval time.Duration `env:"TXN_OUTBOX_PROCESSING_INTERVAL"`
	// MaxRetryCount is the retry budget before a message is terminally failed.
	MaxRetryCount int `env:"TXN_OUTBOX_MAX_RETRY_COUNT"`
	// RetentionPeriod is how long processed messages are kept before cleanup.
	RetentionPeriod time.Duration `env:"TXN_OUTBOX_RETENTION_PERIOD"`
	// BatchSize bounds both the lease batch and the cleanup delete batch.
	BatchSize int `env:"TXN_OUTBOX_BATCH_SIZE"`
	// RetryBaseDelay seeds the exponential backoff: base * 2^retryCount.
	RetryBaseDelay time.Duration `env:"TXN_OUTBOX_RETRY_BASE_DELAY"`
	// MaxRetryDelay caps the computed backoff delay.
	MaxRetryDelay time.Duration `env:"TXN_OUTBOX_MAX_RETRY_DELAY"`
	// LeaseDuration is how long one worker's claim on a message lasts.
	LeaseDuration time.Duration `env:"TXN_OUTBOX_LEASE_DURATION"`
	// CleanupInterval is the periodic interval between retention passes.
	CleanupInterval time.Duration `env:"TXN_OUTBOX_CLEANUP_INTERVAL"`
}

// DefaultConfig returns the baseline processor configuration.
func DefaultConfig() Config {
	return Config{
		ProcessingInterval: defaultProcessingInterval,
		MaxRetryCount:      defaultMaxRetryCount,
		RetentionPeriod:    defaultRetentionPeriod,
		BatchSize:          defaultBatchSize,
		RetryBaseDelay:     defaultRetryBaseDelay,
		MaxRetryDelay:      defaultMaxRetryDelay,
		LeaseDuration:      defaultLeaseDuration,
		CleanupInterval:    defaultCleanupInterval,
	}
}

// ConfigFromEnv loads the configuration from TXN_OUTBOX_* environment
// variables, falling back to defaults for unset or non-positive values.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse outbox config: %w", err)
	}

	cfg.normalize()

	return cfg, nil
}

func (cfg *Config) normalize() {
	defaults := DefaultConfig()

	if cfg.ProcessingInterval <= 0 {
		cfg.ProcessingInterval = defaults.ProcessingInterval
	}

	if cfg.MaxRetryCount <= 0 {
		cfg.MaxRetryCount = defaults.MaxRetryCount
	}

	if cfg.RetentionPeriod <= 0 {
		cfg.RetentionPeriod = defaults.RetentionPeriod
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = defaults.RetryBaseDelay
	}

	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = defaults.MaxRetryDelay
	}

	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = defaults.LeaseDuration
	}

	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaults.CleanupInterval
	}
}
