package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("KAFKA_BROKERS", "")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPAddr)
	require.Equal(t, ":50051", cfg.GRPCAddr)
	require.Equal(t, 2*time.Second, cfg.LockWaitTimeout)
	require.Equal(t, 600, cfg.RateLimit)
	require.Equal(t, 30*time.Second, cfg.RequestTimeout)
	require.False(t, cfg.KafkaEnabled())
}

func TestLoadOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LOCK_WAIT_TIMEOUT", "250ms")
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, cfg.LockWaitTimeout)
	require.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	require.True(t, cfg.KafkaEnabled())
}

func TestLoadRejectsNonPositiveLockWait(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("LOCK_WAIT_TIMEOUT", "0s")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsNegativeRateLimit(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HTTP_RATE_LIMIT", "-1")

	_, err := Load()
	require.Error(t, err)
}
