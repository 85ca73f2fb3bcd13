package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolink/eventfn/config"
	"github.com/toolink/eventfn/docstore"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), config.FileName)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadExampleFile(t *testing.T) {
	t.Parallel()
	cfg, used, err := config.Load("../eventfn.example.toml")
	require.NoError(t, err)
	assert.Equal(t, "../eventfn.example.toml", used)

	assert.Equal(t, docstore.DriverRedis, cfg.Store.Driver)
	assert.Equal(t, 60*time.Second, cfg.RateLimit.Window)
	assert.EqualValues(t, 20, cfg.RateLimit.MaxPerWindow)
	assert.Equal(t, time.Hour, cfg.Trending.Interval)
	assert.InDelta(t, 10.0, cfg.Trending.Weight, 0)
	assert.Equal(t, "notify.push", cfg.Notify.Topic)
	assert.Equal(t, 10*time.Minute, cfg.Queue.SchedulerLockTTL)
	assert.Equal(t, 5*time.Second, cfg.Queue.PublishTimeout)
}

func TestMissingKeysKeepDefaults(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, `
version = 1

[store]
driver = "memory"

[rate_limit]
max_per_window = 5
`)
	cfg, _, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, docstore.DriverMemory, cfg.Store.Driver)
	assert.EqualValues(t, 5, cfg.RateLimit.MaxPerWindow)
	assert.Equal(t, 60*time.Second, cfg.RateLimit.Window)
	assert.Equal(t, "rateLimits", cfg.RateLimit.Collection)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, docstore.DefaultMaxBatchSize, cfg.Store.MaxBatchSize)
	assert.Len(t, cfg.StoreOptions(), 3)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"version":     "version = 2",
		"driver":      "version = 1\n[store]\ndriver = \"postgres\"",
		"window":      "version = 1\n[rate_limit]\nwindow = \"0s\"",
		"weight":      "version = 1\n[trending]\nweight = -1",
		"syntax":      "version = ",
		"notify rate": "version = 1\n[notify]\nrate_per_second = -5",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, _, err := config.Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}

	_, _, err := config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}

func TestDefaultIsValid(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
}
