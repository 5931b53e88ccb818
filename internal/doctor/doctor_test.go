package doctor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ytdl-hub/internal/config"
	"ytdl-hub/internal/docstore"
)

func checkByName(res Result, name string) (Check, bool) {
	for _, c := range res.Checks {
		if c.Name == name {
			return c, true
		}
	}
	return Check{}, false
}

func TestRun_ReportsBinaryAndDirectories(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "yt-dlp")
	require.NoError(t, os.WriteFile(bin, []byte("#!/usr/bin/env bash\nexit 0\n"), 0o755))

	cfg := config.Default()
	cfg.Downloads.YtDlpBin = bin
	cfg.Storage.DataDir = filepath.Join(dir, "data")

	res := Run(cfg)
	c, ok := checkByName(res, "dependency:yt-dlp")
	require.True(t, ok)
	assert.True(t, c.OK, c.Message)
	for _, name := range []string{"directory:data", "directory:subscriptions", "directory:trash", "config"} {
		c, ok := checkByName(res, name)
		require.True(t, ok, name)
		assert.True(t, c.OK, "%s: %s", name, c.Message)
	}
	assert.DirExists(t, filepath.Join(dir, "data", "subscriptions"))
}

func TestRun_MissingBinaryFails(t *testing.T) {
	cfg := config.Default()
	cfg.Downloads.YtDlpBin = filepath.Join(t.TempDir(), "no-such-yt-dlp")
	cfg.Storage.DataDir = t.TempDir()

	res := Run(cfg)
	assert.False(t, res.OK)
	c, _ := checkByName(res, "dependency:yt-dlp")
	assert.False(t, c.OK)
	assert.Contains(t, c.Message, "not found")
}

func TestInit_WritesConfigOnce(t *testing.T) {
	t.Chdir(t.TempDir())

	res, err := Init("")
	require.NoError(t, err)
	assert.True(t, res.CreatedConfig)
	assert.True(t, res.CreatedData)
	assert.FileExists(t, config.DefaultPath)
	assert.DirExists(t, "data")

	res, err = Init("")
	require.NoError(t, err)
	assert.False(t, res.CreatedConfig)
	assert.False(t, res.CreatedData)
}

func TestRun_FlagsBadDownloaderOptions(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Downloads.JSRuntime = "rhino"
	cfg.Downloads.CookiesFile = filepath.Join(t.TempDir(), "missing-cookies.txt")

	res := Run(cfg)
	assert.False(t, res.OK)
	c, ok := checkByName(res, "dependency:js-runtime")
	require.True(t, ok)
	assert.False(t, c.OK)
	c, ok = checkByName(res, "downloader-options")
	require.True(t, ok)
	assert.False(t, c.OK)
}

func TestRun_ReportsRunningService(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.DataDir = filepath.Join(t.TempDir(), "data")

	c, ok := checkByName(Run(cfg), "service")
	require.True(t, ok)
	assert.Equal(t, "not running", c.Message)

	lock, err := docstore.AcquireLock(cfg.Storage.DataDir, "127.0.0.1:8765")
	require.NoError(t, err)
	defer func() { _ = lock.Release() }()

	c, ok = checkByName(Run(cfg), "service")
	require.True(t, ok)
	assert.True(t, c.OK)
	assert.Contains(t, c.Message, "listening on 127.0.0.1:8765")
}
