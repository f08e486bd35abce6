package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, DefaultServerPort, cfg.Server.Port)
	assert.Equal(t, DefaultServerLogLevel, cfg.Server.LogLevel)
	assert.Equal(t, DefaultModelDefault, cfg.Models.Default)
	assert.Equal(t, DefaultSearchMaxResults, cfg.Search.MaxResults)
	assert.Equal(t, DefaultWallClockBudget, cfg.Research.WallClockBudget)
	assert.Equal(t, DefaultLLMTurnsHard, cfg.Research.LLMTurnsHard)
	assert.Equal(t, DefaultSessionGracePeriod, cfg.Daemon.SessionGracePeriod)
	assert.Equal(t, DefaultSweepSchedule, cfg.Daemon.SweepSchedule)
	assert.NotEmpty(t, cfg.Store.RootPath)
	assert.Len(t, cfg.Models.Registry, 3)
}

func TestLoad_ConfigFileOverridesDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := []byte(`
server:
  port: 9191
research:
  llm_turns_hard: 7
`)
	require.NoError(t, os.WriteFile(path, content, 0644))

	cmd := &cobra.Command{}
	cmd.Flags().String("config", "", "")
	require.NoError(t, cmd.Flags().Set("config", path))

	cfg, err := Load(cmd)
	require.NoError(t, err)

	assert.Equal(t, 9191, cfg.Server.Port)
	assert.Equal(t, 7, cfg.Research.LLMTurnsHard)
	// Untouched keys keep their defaults.
	assert.Equal(t, DefaultServerLogLevel, cfg.Server.LogLevel)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("DEEPRESEARCH_SERVER_PORT", "7777")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9191\n"), 0644))

	cmd := &cobra.Command{}
	cmd.Flags().String("config", "", "")
	require.NoError(t, cmd.Flags().Set("config", path))

	cfg, err := Load(cmd)
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.Server.Port)
}

func TestLoad_APIKeyInjection(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("OPENAI_API_KEY", "sk-test-123")

	cfg, err := Load(nil)
	require.NoError(t, err)

	var found bool
	for _, m := range cfg.Models.Registry {
		if m.Provider == "openai" {
			found = true
			assert.Equal(t, "sk-test-123", m.APIKey)
		}
	}
	assert.True(t, found, "registry should contain an openai model")
}

func TestLoad_SearxURLInjection(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("SEARXNG_API_URL", "http://searx.example:8888")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "http://searx.example:8888", cfg.Search.BaseURL)
}

func TestDurationOrDefault(t *testing.T) {
	d, err := DurationOrDefault("30s", "1m")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)

	d, err = DurationOrDefault("", "1m")
	require.NoError(t, err)
	assert.Equal(t, time.Minute, d)

	d, err = DurationOrDefault("  ", "250ms")
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)

	_, err = DurationOrDefault("not-a-duration", "1m")
	assert.Error(t, err)

	_, err = DurationOrDefault("", "")
	assert.Error(t, err)
}
