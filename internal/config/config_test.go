package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.AppEnv)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 8081, cfg.WSPort)
	assert.Equal(t, 5*time.Minute, cfg.VisibilityTimeout)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, "one", cfg.CatchUpPolicy)
	assert.Equal(t, "UTC", cfg.DefaultTimezone)
	assert.True(t, cfg.APIKeyRequired)
	assert.False(t, cfg.AdminEnabled())
	assert.True(t, cfg.IsDev())
	assert.False(t, cfg.IsProd())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	t.Setenv("QUEUE_MAX_RETRIES", "5")
	t.Setenv("SCHEDULER_CATCH_UP_POLICY", "all")
	t.Setenv("ADMIN_USERNAME", "ops")
	t.Setenv("ADMIN_PASSWORD", "secret")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProd())
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, "all", cfg.CatchUpPolicy)
	assert.True(t, cfg.AdminEnabled())
}

func TestLoadRejectsBadCatchUpPolicy(t *testing.T) {
	t.Setenv("SCHEDULER_CATCH_UP_POLICY", "rewind")
	_, err := Load()
	assert.Error(t, err)
}
