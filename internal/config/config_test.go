package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "threads.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	t.Setenv("APP_ENV", "production") // skip .env lookup
	t.Setenv("REDIS_URL", "")
	t.Setenv("DATABASE_CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	t.Run("defaults", func(t *testing.T) {
		t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
		t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/threads")
		t.Setenv("CORS_ALLOWED_ORIGINS", "https://app.example")

		cfg := Load()
		assert.Equal(t, ":8080", cfg.ServerAddr)
		assert.Equal(t, 15*time.Second, cfg.ReadTimeout)
		assert.Equal(t, "postgres://u:p@db:5432/threads", cfg.DatabaseURL())
		assert.Equal(t, 20, cfg.DBMaxConnections())
		assert.Equal(t, "", cfg.Redis.URL)
		assert.Equal(t, 24, cfg.Threads.DefaultTTLHours)
		assert.Equal(t, 20, cfg.Threads.DefaultMaxMembers)
		assert.Equal(t, []string{"everyone", "here"}, cfg.Threads.WildcardTokens)
		assert.Equal(t, time.Minute, cfg.Threads.MemberCacheTTL())
		assert.Equal(t, 5*time.Minute, cfg.Threads.ReconcileInterval())
		assert.Equal(t, 50, cfg.Threads.StreamLimit)
	})

	t.Run("yaml then env", func(t *testing.T) {
		t.Setenv("CONFIG_PATH", writeConfig(t, `
server_addr: ":9090"
redis_url: "redis://cache:6379"
threads:
  default_ttl_hours: 48
  default_max_members: 10
  wildcard_tokens: ["all"]
  reconcile_interval_seconds: 0
`))
		t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/threads")
		t.Setenv("CORS_ALLOWED_ORIGINS", "https://app.example")
		t.Setenv("THREADS_DEFAULT_MAX_MEMBERS", "5")
		t.Setenv("THREADS_WILDCARD_TOKENS", "everyone, channel")

		cfg := Load()
		assert.Equal(t, ":9090", cfg.ServerAddr)
		assert.Equal(t, "redis://cache:6379", cfg.Redis.URL)
		assert.Equal(t, 48, cfg.Threads.DefaultTTLHours)
		assert.Equal(t, 5, cfg.Threads.DefaultMaxMembers)
		assert.Equal(t, []string{"everyone", "channel"}, cfg.Threads.WildcardTokens)
		assert.Equal(t, time.Duration(0), cfg.Threads.ReconcileInterval())
		assert.Equal(t, 60, cfg.Threads.MemberCacheTTLSeconds)
	})

	t.Run("out of range values are clamped", func(t *testing.T) {
		t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
		t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/threads")
		t.Setenv("CORS_ALLOWED_ORIGINS", "https://app.example")
		t.Setenv("THREADS_DEFAULT_TTL_HOURS", "1000")
		t.Setenv("THREADS_DEFAULT_MAX_MEMBERS", "1")

		cfg := Load()
		assert.Equal(t, 168, cfg.Threads.DefaultTTLHours)
		assert.Equal(t, 2, cfg.Threads.DefaultMaxMembers)
	})

	t.Run("auth and limits", func(t *testing.T) {
		t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))
		t.Setenv("DATABASE_URL", "postgres://u:p@db:5432/threads")
		t.Setenv("CORS_ALLOWED_ORIGINS", "https://app.example")
		t.Setenv("AUTH_SERVICE_URL", "http://auth:8081/")
		t.Setenv("RATE_LIMIT_PER_USER", "30")
		t.Setenv("METRICS_SECRET", "s3cret")

		cfg := Load()
		assert.Equal(t, "http://auth:8081", cfg.AuthServiceURL)
		assert.Equal(t, 200, cfg.RateLimitPerIP)
		assert.Equal(t, 30, cfg.RateLimitPerUser)
		assert.Equal(t, "s3cret", cfg.MetricsSecret)
	})
}
