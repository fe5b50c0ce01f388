package inbox

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultProcessingInterval  = 2 * time.Second
	defaultProcessingBatchSize = 50
	defaultClaimDuration       = 30 * time.Second
	defaultMaxRetryCount       = 10
	defaultRetryBaseDelay      = 5 * time.Second
	defaultMaxRetryDelay       = 15 * time.Minute
	defaultRetentionPeriod     = 72 * time.Hour
	defaultCleanupInterval     = 10 * time.Minute
	defaultCleanupBatchSize    = 500
	defaultLockName            = "inbox:cleanup"
	defaultLockExpiry          = 1 * time.Minute
)

// Config controls processor polling, retry, retention, and cleanup
// coordination behavior.
type Config struct {
	// ProcessingInterval is the periodic interval between deferred
	// processing ticks.
	ProcessingInterval time.Duration `env:"TXN_INBOX_PROCESSING_INTERVAL"`
	// ProcessingBatchSize bounds how many due messages one tick picks up.
	ProcessingBatchSize int `env:"TXN_INBOX_PROCESSING_BATCH_SIZE"`
	// ClaimDuration is how long one replica's claim on a message lasts.
	ClaimDuration time.Duration `env:"TXN_INBOX_CLAIM_DURATION"`
	// MaxRetryCount is the retry budget before a message is discarded.
	MaxRetryCount int `env:"TXN_INBOX_MAX_RETRY_COUNT"`
	// RetryBaseDelay seeds the exponential backoff: base * 2^retryCount.
	RetryBaseDelay time.Duration `env:"TXN_INBOX_RETRY_BASE_DELAY"`
	// MaxRetryDelay caps the computed backoff delay.
	MaxRetryDelay time.Duration `env:"TXN_INBOX_MAX_RETRY_DELAY"`
	// RetentionPeriod is how long terminal rows are kept before cleanup.
	// It must comfortably exceed the broker's redelivery window, or
	// duplicates of a purged event would be handled again.
	RetentionPeriod time.Duration `env:"TXN_INBOX_RETENTION_PERIOD"`
	// CleanupInterval is the periodic interval between retention passes.
	CleanupInterval time.Duration `env:"TXN_INBOX_CLEANUP_INTERVAL"`
	// CleanupBatchSize bounds each cleanup delete batch.
	CleanupBatchSize int `env:"TXN_INBOX_CLEANUP_BATCH_SIZE"`
	// DistributedLockName is the lock key the cleanup loop acquires so
	// only one replica runs retention at a time.
	DistributedLockName string `env:"TXN_INBOX_LOCK_NAME"`
	// LockExpiry is the cleanup lock's time to live.
	LockExpiry time.Duration `env:"TXN_INBOX_LOCK_EXPIRY"`
}

// DefaultConfig returns the baseline processor configuration.
func DefaultConfig() Config {
	return Config{
		ProcessingInterval:  defaultProcessingInterval,
		ProcessingBatchSize: defaultProcessingBatchSize,
		ClaimDuration:       defaultClaimDuration,
		MaxRetryCount:       defaultMaxRetryCount,
		RetryBaseDelay:      defaultRetryBaseDelay,
		MaxRetryDelay:       defaultMaxRetryDelay,
		RetentionPeriod:     defaultRetentionPeriod,
		CleanupInterval:     defaultCleanupInterval,
		CleanupBatchSize:    defaultCleanupBatchSize,
		DistributedLockName: defaultLockName,
		LockExpiry:          defaultLockExpiry,
	}
}

// ConfigFromEnv loads the configuration from TXN_INBOX_* environment
// variables, falling back to defaults for unset or non-positive values.
func ConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse inbox config: %w", err)
	}

	cfg.normalize()

	return cfg, nil
}

func (cfg *Config) normalize() {
	defaults := DefaultConfig()

	if cfg.ProcessingInterval <= 0 {
		cfg.ProcessingInterval = defaults.ProcessingInterval
	}

	if cfg.ProcessingBatchSize <= 0 {
		cfg.ProcessingBatchSize = defaults.ProcessingBatchSize
	}

	if cfg.ClaimDuration <= 0 {
		cfg.ClaimDuration = defaults.ClaimDuration
	}

	if cfg.MaxRetryCount <= 0 {
		cfg.MaxRetryCount = defaults.MaxRetryCount
	}

	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = defaults.RetryBaseDelay
	}

	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = defaults.MaxRetryDelay
	}

	if cfg.RetentionPeriod <= 0 {
		cfg.RetentionPeriod = defaults.RetentionPeriod
	}

	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaults.CleanupInterval
	}

	if cfg.CleanupBatchSize <= 0 {
		cfg.CleanupBatchSize = defaults.CleanupBatchSize
	}

	if cfg.DistributedLockName == "" {
		cfg.DistributedLockName = defaults.DistributedLockName
	}

	if cfg.LockExpiry <= 0 {
		cfg.LockExpiry = defaults.LockExpiry
	}
}
