package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	accessSecret  = "access-secret-access-secret-access-secret"
	preAuthSecret = "preauth-secret-preauth-secret-preauth-secret"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TESSERA_ACCESS_SECRET", accessSecret)
	t.Setenv("TESSERA_PREAUTH_SECRET", preAuthSecret)

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPAddr)
	require.Equal(t, ":9090", cfg.GRPCAddr)
	require.Equal(t, 5*time.Minute, cfg.PreAuthTTL)
	require.Equal(t, 15*time.Minute, cfg.AccessTTL)
	require.Equal(t, 14*24*time.Hour, cfg.RefreshTTL)
	require.Empty(t, cfg.PGDSN)
	require.False(t, cfg.ScopeToActiveRole)
	require.False(t, cfg.IsProduction())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TESSERA_ACCESS_SECRET", accessSecret)
	t.Setenv("TESSERA_PREAUTH_SECRET", preAuthSecret)
	t.Setenv("TESSERA_ENV", "production")
	t.Setenv("TESSERA_REDIS_ADDR", "127.0.0.1:6379")
	t.Setenv("TESSERA_ACCESS_TTL", "10m")
	t.Setenv("TESSERA_SCOPE_TO_ACTIVE_ROLE", "true")

	cfg, err := Load()
	require.NoError(t, err)
	require.True(t, cfg.IsProduction())
	require.Equal(t, "127.0.0.1:6379", cfg.RedisAddr)
	require.Equal(t, 10*time.Minute, cfg.AccessTTL)
	require.True(t, cfg.ScopeToActiveRole)
}

func TestLoadRequiresSecrets(t *testing.T) {
	t.Setenv("TESSERA_ACCESS_SECRET", "")
	t.Setenv("TESSERA_PREAUTH_SECRET", "")
	_, err := Load()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := Config{
		AccessSecret:   accessSecret,
		PreAuthSecret:  preAuthSecret,
		PreAuthTTL:     5 * time.Minute,
		AccessTTL:      15 * time.Minute,
		RefreshTTL:     time.Hour,
		RateBurst:      1,
		LoginRateBurst: 1,
	}
	require.NoError(t, base.Validate())

	shared := base
	shared.PreAuthSecret = accessSecret
	require.Error(t, shared.Validate())

	inverted := base
	inverted.AccessTTL = 2 * time.Hour
	require.Error(t, inverted.Validate())
}
