package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	chdir(t, t.TempDir())
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, 60*time.Second, cfg.Dispatch.OfferTimeout)
	assert.Equal(t, 12, cfg.Dispatch.SearchRingK)
	assert.Equal(t, 10, cfg.Dispatch.MatcherTopN)
	assert.Equal(t, int64(-100000), cfg.Dispatch.CashBalanceFloor)
	assert.Equal(t, 5*time.Minute, cfg.FeedbackDelay)
}

func TestLoadServerConfigOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("OFFER_TIMEOUT", "30s")
	t.Setenv("KAFKA_BROKERS", " a:9092, ,b:9092 ")
	t.Setenv("CASH_BALANCE_FLOOR", "-50000")
	t.Setenv("MIGRATE", "TRUE")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, cfg.Dispatch.OfferTimeout)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, int64(-50000), cfg.Dispatch.CashBalanceFloor)
	assert.True(t, cfg.RunMigrations)
}

func TestLoadServerConfigCollectsErrors(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("OFFER_TIMEOUT", "soon")
	t.Setenv("MATCHER_TOP_N", "0")

	_, err := LoadServerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid OFFER_TIMEOUT")
	assert.Contains(t, err.Error(), "MATCHER_TOP_N must be > 0")
}

func TestLoadConsumerConfigRequiresDSN(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("PG_DSN", "")
	_, err := LoadConsumerConfig()
	assert.ErrorContains(t, err, "PG_DSN is required")
}

// chdir stands in for testing.T.Chdir, which needs Go 1.24.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
