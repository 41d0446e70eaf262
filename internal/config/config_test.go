package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TASKVAULT_AUTH_SECRET", "test-secret")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.HTTPAddr)
	require.Equal(t, 15*time.Minute, cfg.AccessTTL)
	require.Equal(t, 336*time.Hour, cfg.RefreshTTL)
	require.Equal(t, 12, cfg.BcryptCost)
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("TASKVAULT_AUTH_SECRET", "")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadIgnoresUnprefixedEnv(t *testing.T) {
	t.Setenv("AUTH_SECRET", "test-secret")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadReadsPrefixedOverrides(t *testing.T) {
	t.Setenv("TASKVAULT_AUTH_SECRET", "test-secret")
	t.Setenv("TASKVAULT_DATABASE_URL", "postgres://localhost/taskvault")
	t.Setenv("TASKVAULT_HTTP_ADDR", ":9090")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "postgres://localhost/taskvault", cfg.DatabaseURL)
	require.Equal(t, ":9090", cfg.HTTPAddr)
}

func TestLoadRejectsAccessLongerThanRefresh(t *testing.T) {
	t.Setenv("TASKVAULT_AUTH_SECRET", "test-secret")
	t.Setenv("TASKVAULT_ACCESS_TTL", "400h")

	_, err := Load()
	require.Error(t, err)
}

func TestLoadRejectsBadBcryptCost(t *testing.T) {
	t.Setenv("TASKVAULT_AUTH_SECRET", "test-secret")
	t.Setenv("TASKVAULT_BCRYPT_COST", "99")

	_, err := Load()
	require.Error(t, err)
}
