package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, 5*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 10.0, cfg.MatchMaxDistanceKm)
	assert.True(t, cfg.FareBase.Equal(decimal.NewFromInt(100)))
	assert.True(t, cfg.FarePerKm.Equal(decimal.NewFromInt(50)))
	assert.Equal(t, 5, cfg.LockAttempts)
	assert.Equal(t, 10*time.Millisecond, cfg.LockBackoff)
	assert.Equal(t, 200*time.Millisecond, cfg.LockMaxBackoff)
	assert.Equal(t, "ride-assignments", cfg.KafkaAssignmentTopic)
	assert.Equal(t, []string{"*"}, cfg.CORSOrigins)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.False(t, cfg.RunMigrations)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("HTTP_READ_TIMEOUT", "2s")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092 ,")
	t.Setenv("MATCH_MAX_DISTANCE_KM", "3.5")
	t.Setenv("FARE_PER_KM", "42.25")
	t.Setenv("LOCK_ATTEMPTS", "8")
	t.Setenv("MIGRATE", "true")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.HTTPAddr)
	assert.Equal(t, 2*time.Second, cfg.ReadTimeout)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 3.5, cfg.MatchMaxDistanceKm)
	assert.True(t, cfg.FarePerKm.Equal(decimal.RequireFromString("42.25")))
	assert.Equal(t, 8, cfg.LockAttempts)
	assert.True(t, cfg.RunMigrations)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadServerConfigJoinsErrors(t *testing.T) {
	t.Setenv("HTTP_READ_TIMEOUT", "soon")
	t.Setenv("LOCK_ATTEMPTS", "many")
	t.Setenv("FARE_BASE", "cheap")
	t.Setenv("MATCH_MAX_DISTANCE_KM", "-1")

	_, err := LoadServerConfig()
	require.Error(t, err)
	for _, key := range []string{"HTTP_READ_TIMEOUT", "LOCK_ATTEMPTS", "FARE_BASE", "MATCH_MAX_DISTANCE_KM"} {
		assert.ErrorContains(t, err, key)
	}
}

func TestLoadConsumerConfig(t *testing.T) {
	cfg, err := LoadConsumerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"localhost:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, "driver-routes", cfg.RouteTopic)
	assert.Equal(t, "route-consumer", cfg.Group)
	assert.Equal(t, 3, cfg.RetryAttempts)
	assert.Equal(t, 200*time.Millisecond, cfg.RetryDelay)

	t.Setenv("CONSUMER_RETRY_ATTEMPTS", "0")
	_, err = LoadConsumerConfig()
	assert.ErrorContains(t, err, "CONSUMER_RETRY_ATTEMPTS")
}
