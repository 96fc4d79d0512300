package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 100, cfg.XP.PerLevel)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 3, cfg.Database.ConnectAttempts)
	assert.Equal(t, 2*time.Second, cfg.Database.ConnectRetryDelay)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.False(t, cfg.Redis.Enabled)
	assert.True(t, cfg.IsDevelopment())
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
xp:
  per_level: 250
database:
  host: db.internal
  connect_attempts: 5
http:
  port: 9000
  allowed_origins: ["https://admin.example.com"]
`), 0o600))

	t.Setenv("XP_PER_LEVEL", "150")
	t.Setenv("DATABASE_URL", "postgres://app@db/xp")
	t.Setenv("REDIS_ENABLED", "true")
	t.Setenv("ADMIN_API_KEY_HASH", "$2a$10$hash")
	t.Setenv("OTEL_SAMPLER_RATIO", "0.5")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 150, cfg.XP.PerLevel)
	assert.Equal(t, "postgres://app@db/xp", cfg.Database.URL)
	assert.Equal(t, "db.internal", cfg.Database.Host)
	assert.Equal(t, 5, cfg.Database.ConnectAttempts)
	assert.Equal(t, 9000, cfg.HTTP.Port)
	assert.Equal(t, []string{"https://admin.example.com"}, cfg.HTTP.AllowedOrigins)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "$2a$10$hash", cfg.Admin.APIKeyHash)
	assert.Equal(t, 0.5, cfg.Observability.TracingSampleRatio)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	chdir(t, t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.XP.PerLevel = 0
	cfg.HTTP.Port = 0
	cfg.App.Environment = EnvProduction

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "xp.per_level must be positive")
	assert.Contains(t, err.Error(), "http.port must be 1-65535")
	assert.Contains(t, err.Error(), "ADMIN_API_KEY_HASH is required in production")
}

// chdir changes the working directory for the duration of the test
// (equivalent of testing.T.Chdir, which requires Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
