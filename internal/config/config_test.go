package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "warroom.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `{"auth": {"jwt_secret": "0123456789abcdef0123456789abcdef"}}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.Server.Addr)
	require.Equal(t, "sqlite", cfg.Storage.Driver)
	require.Equal(t, "warroom.db", cfg.Storage.DSN)
	require.Equal(t, 7*24*time.Hour, cfg.Auth.JWTExpiry.Duration)
	require.Equal(t, 300*time.Second, cfg.Realtime.PresenceTTL.Duration)
	require.Equal(t, 60*time.Second, cfg.Realtime.HeartbeatInterval.Duration)
	require.Equal(t, 100*time.Millisecond, cfg.Realtime.FocusThrottle.Duration)
	require.Equal(t, 64, cfg.Realtime.SendQueueSize)
	require.Equal(t, "json", cfg.Logging.Format)
	require.Equal(t, float64(10), cfg.RateLimit.RequestsPerSecond)
}

func TestLoadMissingFileUsesEnv(t *testing.T) {
	t.Setenv("WARROOM_JWT_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("WARROOM_ADDR", ":9999")
	t.Setenv("WARROOM_PRESENCE_TTL", "2m")

	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	require.NoError(t, err)
	require.Equal(t, ":9999", cfg.Server.Addr)
	require.Equal(t, 2*time.Minute, cfg.Realtime.PresenceTTL.Duration)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `{
		"auth": {"jwt_secret": "0123456789abcdef0123456789abcdef"},
		"server": {"addr": ":8080"},
		"storage": {"driver": "sqlite", "dsn": "file.db"}
	}`)
	t.Setenv("WARROOM_DB_DRIVER", "postgres")
	t.Setenv("WARROOM_DB_URL", "postgres://localhost/warroom")
	t.Setenv("WARROOM_ALLOWED_ORIGIN", "https://ops.example.com")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "postgres", cfg.Storage.Driver)
	require.Equal(t, "postgres://localhost/warroom", cfg.Storage.DSN)
	require.Equal(t, []string{"https://ops.example.com"}, cfg.Server.AllowedOrigins)
}

func TestValidateSecret(t *testing.T) {
	_, err := Load(writeConfig(t, `{}`))
	require.ErrorContains(t, err, "jwt_secret is required")

	_, err = Load(writeConfig(t, `{"auth": {"jwt_secret": "short"}}`))
	require.ErrorContains(t, err, "at least 32 characters")

	_, err = Load(writeConfig(t, `{"auth": {"jwt_secret": "local-dev-secret-for-testing-only-32chars!"}}`))
	require.ErrorContains(t, err, "weak secret")
}

func TestValidateOIDC(t *testing.T) {
	_, err := Load(writeConfig(t, `{"auth": {"provider": "oidc"}}`))
	require.ErrorContains(t, err, "oidc_issuer is required")

	cfg, err := Load(writeConfig(t, `{"auth": {"provider": "oidc", "oidc_issuer": "https://id.example.com"}}`))
	require.NoError(t, err)
	require.Equal(t, "oidc", cfg.Auth.Provider)
}

func TestDurationJSON(t *testing.T) {
	path := writeConfig(t, `{
		"auth": {"jwt_secret": "0123456789abcdef0123456789abcdef", "jwt_expiry": "24h"},
		"realtime": {"presence_ttl": 120, "focus_throttle": "250ms"}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 24*time.Hour, cfg.Auth.JWTExpiry.Duration)
	// Bare numbers are seconds.
	require.Equal(t, 2*time.Minute, cfg.Realtime.PresenceTTL.Duration)
	require.Equal(t, 250*time.Millisecond, cfg.Realtime.FocusThrottle.Duration)
}

func TestGenerateRandomSecret(t *testing.T) {
	s1, err := GenerateRandomSecret()
	require.NoError(t, err)
	require.Len(t, s1, 64)

	s2, err := GenerateRandomSecret()
	require.NoError(t, err)
	require.NotEqual(t, s1, s2)
}
