package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, "./parley.db", cfg.Database.Path)
	assert.Empty(t, cfg.NATS.URL)
	assert.Equal(t, 100, cfg.Sessions.CacheSize)
	assert.Equal(t, 64, cfg.Sessions.QueueLimit)
	assert.Equal(t, "anthropic", cfg.LLM.DefaultProvider)
	assert.Equal(t, 120, cfg.Interaction.TimeoutSeconds)
	assert.True(t, cfg.History.Watch)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte(`
server:
  port: 9191
database:
  driver: sqlite3
  path: /tmp/test-parley.db
sessions:
  cacheSize: 10
history:
  claudeDir: /srv/claude
  piDir: /srv/pi
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o644))

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, "/tmp/test-parley.db", cfg.Database.Path)
	assert.Equal(t, 10, cfg.Sessions.CacheSize)
	assert.Equal(t, "/srv/claude", cfg.History.ClaudeDir)
	assert.Equal(t, "/srv/pi", cfg.History.PiDir)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PARLEY_SERVER_PORT", "7070")
	t.Setenv("PARLEY_SESSIONS_CACHE_SIZE", "42")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, 42, cfg.Sessions.CacheSize)
	assert.Equal(t, "sk-ant-test", cfg.LLM.Anthropic.APIKey)
}

func TestValidation(t *testing.T) {
	t.Run("rejects unknown database driver", func(t *testing.T) {
		dir := t.TempDir()
		content := []byte("database:\n  driver: mysql\n")
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o644))

		_, err := LoadWithPath(dir)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database.driver")
	})

	t.Run("requires dsn for pgx driver", func(t *testing.T) {
		dir := t.TempDir()
		content := []byte("database:\n  driver: pgx\n")
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o644))

		_, err := LoadWithPath(dir)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database.dsn")
	})

	t.Run("rejects mcp server without command", func(t *testing.T) {
		dir := t.TempDir()
		content := []byte("tools:\n  mcp:\n    files:\n      transport: stdio\n")
		require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o644))

		_, err := LoadWithPath(dir)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "tools.mcp.files.command")
	})
}
