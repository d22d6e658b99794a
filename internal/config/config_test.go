package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, ":8787", cfg.Addr)
	assert.Equal(t, 2, cfg.RequiredApprovals)
	assert.True(t, cfg.EarlyRejection)
	assert.Equal(t, 8, cfg.RequiredWeeklyReports)
	assert.Equal(t, 5, cfg.DispatchMaxAttempt)
	assert.Equal(t, time.Second, cfg.DispatchPoll)
	assert.Equal(t, 5*time.Minute, cfg.StartSweepInterval)
	assert.Equal(t, time.Hour, cfg.AccessTTL)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("REQUIRED_APPROVALS", "3")
	t.Setenv("QUORUM_EARLY_REJECTION", "false")
	t.Setenv("DISPATCH_POLL_INTERVAL", "250ms")
	t.Setenv("PUBLIC_BASE_URL", "https://placements.example.edu/")

	cfg, err := load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.RequiredApprovals)
	assert.False(t, cfg.EarlyRejection)
	assert.Equal(t, 250*time.Millisecond, cfg.DispatchPoll)
	assert.Equal(t, "https://placements.example.edu", cfg.PublicBaseURL)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "internflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("REQUIRED_WEEKLY_REPORTS: 12\nMINIO_BUCKET: letters\n"), 0o600))

	cfg, err := load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.RequiredWeeklyReports)
	assert.Equal(t, "letters", cfg.MinioBucket)
}

func TestLoadRejectsInvalidPolicy(t *testing.T) {
	t.Setenv("REQUIRED_APPROVALS", "0")
	t.Setenv("DISPATCH_WORKERS", "0")

	_, err := load(viper.New(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "REQUIRED_APPROVALS")
	assert.Contains(t, err.Error(), "DISPATCH_WORKERS")
}
