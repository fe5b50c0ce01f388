//go:build unit

package outbox

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
	t.Setenv("TXN_OUTBOX_PROCESSING_INTERVAL", "500ms")
	t.Setenv("TXN_OUTBOX_MAX_RETRY_COUNT", "3")
	t.Setenv("TXN_OUTBOX_BATCH_SIZE", "25")
	t.Setenv("TXN_OUTBOX_LEASE_DURATION", "1m")

	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	require.Equal(t, 500*time.Millisecond, cfg.ProcessingInterval)
	require.Equal(t, 3, cfg.MaxRetryCount)
	require.Equal(t, 25, cfg.BatchSize)
	require.Equal(t, time.Minute, cfg.LeaseDuration)

	// Untouched knobs keep their defaults.
	require.Equal(t, DefaultConfig().RetryBaseDelay, cfg.RetryBaseDelay)
	require.Equal(t, DefaultConfig().RetentionPeriod, cfg.RetentionPeriod)
}

func TestConfigFromEnv_NonPositiveFallsBack(t *testing.T) {
	t.Setenv("TXN_OUTBOX_BATCH_SIZE", "-5")
	t.Setenv("TXN_OUTBOX_PROCESSING_INTERVAL", "0s")

	cfg, err := ConfigFromEnv()
	require.NoError(t, err)
	require.Equal(t, DefaultConfig().BatchSize, cfg.BatchSize)
	require.Equal(t, DefaultConfig().ProcessingInterval, cfg.ProcessingInterval)
}

func TestConfigFromEnv_InvalidValue(t *testing.T) {
	t.Setenv("TXN_OUTBOX_PROCESSING_INTERVAL", "soon")

	_, err := ConfigFromEnv()
	require.Error(t, err)
}
