package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(cfg.DataDir))
	assert.Equal(t, "any", cfg.Worker.Role)
	assert.Equal(t, 60, cfg.Worker.LeaseSeconds)
	assert.Equal(t, 20, cfg.Retention.KeepLast)
	assert.False(t, cfg.Debug)
	assert.Equal(t, filepath.Join(cfg.DataDir, "deeprun.db"), cfg.DatabasePath())
	assert.Equal(t, filepath.Join(cfg.DataDir, "workspaces"), cfg.WorkspacesDir())
}

func TestLoadParsesFile(t *testing.T) {
	path := writeConfig(t, `{
		"data_dir": "/var/lib/deeprun",
		"debug": true,
		"planner": {
			"cmd": ["node", "planner.js"],
			"timeout": "90s",
			"env": ["PLANNER_MODE=strict"]
		},
		"worker": {
			"node_id": "node-7",
			"role": "heavy",
			"capabilities": ["docker"],
			"lease_seconds": 120,
			"poll": "500ms",
			"heartbeat": "10s"
		},
		"retention": {"keep_last": 5, "keep_days": 14}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/deeprun", cfg.DataDir)
	assert.True(t, cfg.Debug)
	assert.Equal(t, []string{"node", "planner.js"}, cfg.Planner.Cmd)
	assert.Equal(t, 90*time.Second, cfg.Planner.Timeout)
	assert.Equal(t, "node-7", cfg.Worker.NodeID)
	assert.Equal(t, "heavy", cfg.Worker.Role)
	assert.Equal(t, 120, cfg.Worker.LeaseSeconds)
	assert.Equal(t, 500*time.Millisecond, cfg.Worker.Poll)
	assert.Equal(t, 10*time.Second, cfg.Worker.Heartbeat)
	assert.Equal(t, 5, cfg.Retention.KeepLast)
	assert.Equal(t, 14, cfg.Retention.KeepDays)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `{"bogus": true}`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema")
}

func TestLoadRejectsBadTypes(t *testing.T) {
	path := writeConfig(t, `{"retention": {"keep_last": "many"}}`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema")
}

func TestLoadExplicitMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	require.Error(t, err)
}

func TestEnvOverridesDataDir(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("DEEPRUN_DATA_DIR", "/srv/deeprun")
	t.Setenv("DEEPRUN_DEBUG", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/srv/deeprun", cfg.DataDir)
	assert.True(t, cfg.Debug)
}

func TestValidateSettingsMessageNamesTheField(t *testing.T) {
	err := ValidateSettings(map[string]any{
		"worker": map[string]any{"lease_seconds": 0},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lease_seconds")
}
