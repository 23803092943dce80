package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8083", cfg.Port)
	assert.Equal(t, "postgres", cfg.StoreDriver)
	assert.True(t, cfg.EncryptionEnabled)
	assert.Equal(t, 48*time.Hour, cfg.DeleteForEveryoneWindow)
	assert.Equal(t, 5, cfg.MaxGraceRetries)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.AllowedOrigins)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("GRACE_PERIOD", "90s")
	t.Setenv("SWEEP_BATCH", "7")
	t.Setenv("ENCRYPTION_ENABLED", "false")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example ,")

	cfg := Load()

	assert.Equal(t, "memory", cfg.StoreDriver)
	assert.Equal(t, 90*time.Second, cfg.GracePeriod)
	assert.Equal(t, 7, cfg.SweepBatch)
	assert.False(t, cfg.EncryptionEnabled)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("SWEEP_INTERVAL", "soon")
	t.Setenv("MAX_GRACE_RETRIES", "many")

	cfg := Load()

	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, 5, cfg.MaxGraceRetries)
}
