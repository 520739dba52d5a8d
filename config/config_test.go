package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "0123456789abcdef0123")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "mongo", cfg.Store)
	assert.Equal(t, 8084, cfg.Server.Port)
	assert.Equal(t, "auto", cfg.Mongo.Transactions)
	assert.Equal(t, 5*time.Minute, cfg.ReconcileInterval)
	assert.Equal(t, 24*time.Hour, cfg.JWT.TTL)
	assert.Empty(t, cfg.Kafka.BootstrapServers)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "0123456789abcdef0123")
	t.Setenv("SERVICE_PORT", "9090")
	t.Setenv("MONGO_TRANSACTIONS", "off")
	t.Setenv("RECONCILE_INTERVAL", "30s")
	t.Setenv("STORE", "memory")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "off", cfg.Mongo.Transactions)
	assert.Equal(t, 30*time.Second, cfg.ReconcileInterval)
	assert.Equal(t, "memory", cfg.Store)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Run("missing secret", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "")
		_, err := Load()
		assert.Error(t, err)
	})
	t.Run("bad port", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "0123456789abcdef0123")
		t.Setenv("SERVICE_PORT", "eighty")
		_, err := Load()
		assert.ErrorContains(t, err, "SERVICE_PORT")
	})
	t.Run("bad transactions mode", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "0123456789abcdef0123")
		t.Setenv("MONGO_TRANSACTIONS", "sometimes")
		_, err := Load()
		assert.Error(t, err)
	})
}
