//go:build unit

package inbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConfigFromEnv_Defaults(t *testing.T) {
	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	require.Equal(t, DefaultConfig(), cfg)
}

func TestConfigFromEnv_Overrides(t *testing.T) {
	t.Setenv("TXN_INBOX_PROCESSING_INTERVAL", "1s")
	t.Setenv("TXN_INBOX_PROCESSING_BATCH_SIZE", "10")
	t.Setenv("TXN_INBOX_CLAIM_DURATION", "45s")
	t.Setenv("TXN_INBOX_LOCK_NAME", "orders:inbox:cleanup")
	t.Setenv("TXN_INBOX_LOCK_EXPIRY", "30s")

	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	require.Equal(t, time.Second, cfg.ProcessingInterval)
	require.Equal(t, 10, cfg.ProcessingBatchSize)
	require.Equal(t, 45*time.Second, cfg.ClaimDuration)
	require.Equal(t, "orders:inbox:cleanup", cfg.DistributedLockName)
	require.Equal(t, 30*time.Second, cfg.LockExpiry)

	require.Equal(t, DefaultConfig().RetentionPeriod, cfg.RetentionPeriod)
}

func TestConfigFromEnv_NonPositiveFallsBack(t *testing.T) {
	t.Setenv("TXN_INBOX_MAX_RETRY_COUNT", "0")
	t.Setenv("TXN_INBOX_CLEANUP_BATCH_SIZE", "-1")

	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	require.Equal(t, DefaultConfig().MaxRetryCount, cfg.MaxRetryCount)
	require.Equal(t, DefaultConfig().CleanupBatchSize, cfg.CleanupBatchSize)
}
