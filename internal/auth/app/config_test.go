package app

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	require.Equal(t, "authcore", cfg.Issuer)
	require.Equal(t, "EdDSA", cfg.Algorithm)
	require.Equal(t, 1, cfg.GracePeriods)
	require.Equal(t, 15*time.Minute, cfg.AccessTTL)
	require.Equal(t, 720*time.Hour, cfg.RefreshTTL)
	require.Equal(t, 5*time.Second, cfg.StorageTimeout)
	require.Equal(t, time.Hour, cfg.KeyCacheTTL)
	require.Equal(t, 24*time.Hour, cfg.RotationInterval)
	require.Equal(t, DriverSQLite, cfg.DatabaseDriver)
	require.Equal(t, RefreshStoreSQL, cfg.RefreshStore)
	require.Equal(t, 8080, cfg.Port)
	require.Zero(t, cfg.AuditRetention)
	require.NotEmpty(t, cfg.MQTTClientID)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("AUTH_ISSUER", "https://auth.example.test")
	t.Setenv("AUTH_AUDIENCE", "api, admin ,")
	t.Setenv("AUTH_ALGORITHM", "RS256")
	t.Setenv("AUTH_RSA_BITS", "2048")
	t.Setenv("AUTH_GRACE_PERIODS", "2")
	t.Setenv("AUTH_ACCESS_TTL", "5")
	t.Setenv("AUTH_REFRESH_TTL", "48h")
	t.Setenv("AUTH_REFRESH_STORE", "redis")
	t.Setenv("AUTH_REDIS_ADDR", "localhost:6379")
	t.Setenv("PORT", "9090")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	require.Equal(t, "https://auth.example.test", cfg.Issuer)
	require.Equal(t, []string{"api", "admin"}, cfg.Audience)
	require.Equal(t, "RS256", cfg.Algorithm)
	require.Equal(t, 2048, cfg.RSABits)
	require.Equal(t, 2, cfg.GracePeriods)
	require.Equal(t, 5*time.Minute, cfg.AccessTTL, "bare integers are minutes")
	require.Equal(t, 48*time.Hour, cfg.RefreshTTL)
	require.Equal(t, RefreshStoreRedis, cfg.RefreshStore)
	require.Equal(t, 9090, cfg.Port)
}

func TestLoadConfigFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "authcore.yaml")
	require.NoError(t, os.WriteFile(file, []byte("AUTH_ISSUER: from-file\nAUTH_GRACE_PERIODS: 3\n"), 0o600))

	t.Setenv("AUTH_CONFIG_FILE", file)
	t.Setenv("AUTH_GRACE_PERIODS", "0")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, "from-file", cfg.Issuer)
	require.Equal(t, 0, cfg.GracePeriods, "env wins over file")
}

func TestLoadConfigRejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown algorithm", map[string]string{"AUTH_ALGORITHM": "HS256"}},
		{"small rsa", map[string]string{"AUTH_ALGORITHM": "RS256", "AUTH_RSA_BITS": "1024"}},
		{"negative grace", map[string]string{"AUTH_GRACE_PERIODS": "-1"}},
		{"zero access ttl", map[string]string{"AUTH_ACCESS_TTL": "0s"}},
		{"bad duration", map[string]string{"AUTH_REFRESH_TTL": "soon"}},
		{"postgres without url", map[string]string{"AUTH_DATABASE_DRIVER": "postgres"}},
		{"redis without addr", map[string]string{"AUTH_REFRESH_STORE": "redis"}},
		{"unknown refresh store", map[string]string{"AUTH_REFRESH_STORE": "memcached"}},
		{"missing config file", map[string]string{"AUTH_CONFIG_FILE": "/nonexistent/authcore.yaml"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			require.Error(t, err)
		})
	}
}

func TestParseDuration(t *testing.T) {
	d, err := parseDuration("90s")
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, d)

	d, err = parseDuration("30")
	require.NoError(t, err)
	require.Equal(t, 30*time.Minute, d)

	d, err = parseDuration("")
	require.NoError(t, err)
	require.Zero(t, d)

	_, err = parseDuration("later")
	require.Error(t, err)
}
