package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3*time.Second, cfg.GracePeriod())
	assert.Equal(t, 30*time.Minute, cfg.CheckInterval())
	assert.Equal(t, []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}, cfg.Backoff())
	assert.Equal(t, filepath.Join("data", "subscriptions"), cfg.SubscriptionsDir())
	assert.Equal(t, filepath.Join("data", "trash"), cfg.TrashDir())
	assert.Equal(t, filepath.Join("data", "paused_downloads.json"), cfg.PausedPath())
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[downloads]
max_concurrent = 5
ytdlp_bin = "/opt/yt-dlp"

[subscriptions]
check_interval = "10m"
backoff = ["30s", "2m"]
`), 0o644))
	t.Setenv("YTDL_HUB_MAX_CONCURRENT", "7")
	t.Setenv("YTDL_HUB_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 7, cfg.Downloads.MaxConcurrent)
	assert.Equal(t, "/opt/yt-dlp", cfg.Downloads.YtDlpBin)
	assert.Equal(t, 10*time.Minute, cfg.CheckInterval())
	assert.Equal(t, []time.Duration{30 * time.Second, 2 * time.Minute}, cfg.Backoff())
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "127.0.0.1:8765", cfg.Server.Listen, "unset keys keep defaults")
}

func TestLoad_ExplicitMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"YTDL_HUB_BACKOFF":         "1s, 2s,,3s",
		"YTDL_HUB_DATA_DIR":        " /srv/hub ",
		"YTDL_HUB_MAX_RETRIES":     "5",
		"YTDL_HUB_JS_RUNTIME":      "deno",
		"YTDL_HUB_RATE_LIMIT_MBPS": "2.5",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	cfg := Default()
	require.NoError(t, applyEnv(cfg, lookup))
	assert.Equal(t, []string{"1s", "2s", "3s"}, cfg.Subscriptions.Backoff)
	assert.Equal(t, "/srv/hub", cfg.Storage.DataDir)
	assert.Equal(t, 5, cfg.Subscriptions.MaxRetries)
	assert.Equal(t, "deno", cfg.Downloads.JSRuntime)
	assert.InDelta(t, 2.5, cfg.Downloads.RateLimitMBps, 1e-9)

	env["YTDL_HUB_RATE_LIMIT_MBPS"] = "fast"
	assert.Error(t, applyEnv(Default(), lookup))
	env["YTDL_HUB_RATE_LIMIT_MBPS"] = "2.5"

	env["YTDL_HUB_MAX_RETRIES"] = "many"
	assert.Error(t, applyEnv(Default(), lookup))
}

func TestValidate_RejectsBadValues(t *testing.T) {
	cases := map[string]func(*Config){
		"zero ceiling":    func(c *Config) { c.Downloads.MaxConcurrent = 0 },
		"bad grace":       func(c *Config) { c.Downloads.GracePeriod = "soon" },
		"negative skew":   func(c *Config) { c.Subscriptions.ClockSkew = "-1h" },
		"bad backoff":     func(c *Config) { c.Subscriptions.Backoff = []string{"1m", "x"} },
		"empty backoff":   func(c *Config) { c.Subscriptions.Backoff = nil },
		"zero retries":    func(c *Config) { c.Subscriptions.MaxRetries = 0 },
		"unknown format":  func(c *Config) { c.Logging.Format = "xml" },
		"missing binary":  func(c *Config) { c.Downloads.YtDlpBin = " " },
		"zero query pool": func(c *Config) { c.Subscriptions.MaxInFlightQueries = 0 },
		"negative rate":   func(c *Config) { c.Downloads.RateLimitMBps = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "ytdl-hub.toml")
	require.NoError(t, WriteDefault(path, false))
	assert.Error(t, WriteDefault(path, false))
	require.NoError(t, WriteDefault(path, true))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}
