package ytdlp

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ytdl-hub/internal/config"
	"ytdl-hub/internal/model"
)

func TestFormatRateLimitMBps(t *testing.T) {
	if got := formatRateLimitMBps(10); got != "10M" {
		t.Fatalf("unexpected rate format: got %q want %q", got, "10M")
	}
	if got := formatRateLimitMBps(2.5); got != "2.5M" {
		t.Fatalf("unexpected rate format: got %q want %q", got, "2.5M")
	}
}

func TestFormatFilter(t *testing.T) {
	cases := map[string]string{
		"":      "bestvideo+bestaudio/best",
		"best":  "bestvideo+bestaudio/best",
		"1080p": "bestvideo[height<=1080]+bestaudio/best[height<=1080]",
		"4K":    "bestvideo[height<=2160]+bestaudio/best[height<=2160]",
		"144p":  "bestvideo[height<=144]+bestaudio/best[height<=144]",
	}
	for quality, want := range cases {
		assert.Equal(t, want, FormatFilter(quality), "quality %q", quality)
	}
}

func TestDownloadArgs(t *testing.T) {
	c := Client{Binary: "yt-dlp", ProxyURL: "socks5://127.0.0.1:1080"}
	args, err := c.DownloadArgs(DownloadOptions{URL: "https://example.com/watch?v=a1", OutputDir: "/out", Quality: "720p"})
	require.NoError(t, err)

	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "--merge-output-format mp4")
	assert.Contains(t, joined, "--progress-template "+ProgressTemplate)
	assert.Contains(t, joined, "-P /out")
	assert.Contains(t, joined, "--proxy socks5://127.0.0.1:1080")
	assert.Equal(t, "https://example.com/watch?v=a1", args[len(args)-1])

	_, err = c.DownloadArgs(DownloadOptions{URL: "https://example.com", OutputDir: "/out", Quality: "999p"})
	assert.True(t, errors.Is(err, model.ErrInvalidSpec))
	_, err = c.DownloadArgs(DownloadOptions{OutputDir: "/out"})
	assert.True(t, errors.Is(err, model.ErrInvalidSpec))
}

func TestNewClient_AppliesDownloadSettings(t *testing.T) {
	cookies := filepath.Join(t.TempDir(), "cookies.txt")
	require.NoError(t, os.WriteFile(cookies, []byte("# Netscape HTTP Cookie File\n"), 0o600))

	c := NewClient(config.DownloadsConfig{
		YtDlpBin:      " /opt/yt-dlp ",
		JSRuntime:     "node",
		CookiesFile:   cookies,
		Proxy:         "http://proxy:3128",
		RateLimitMBps: 4,
	})
	assert.Equal(t, "/opt/yt-dlp", c.Path())

	args, err := c.DownloadArgs(DownloadOptions{URL: "https://example.com/v", OutputDir: "/out", Quality: "best"})
	require.NoError(t, err)
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "--cookies "+cookies)
	assert.Contains(t, joined, "--limit-rate 4M")
	assert.Contains(t, joined, "--proxy http://proxy:3128")
	assert.Contains(t, joined, "--js-runtimes node")

	c.CookiesPath = filepath.Join(t.TempDir(), "missing.txt")
	_, err = c.DownloadArgs(DownloadOptions{URL: "https://example.com/v", OutputDir: "/out"})
	assert.Error(t, err)

	c.CookiesPath = ""
	c.JSRuntime = "rhino"
	_, err = c.DownloadArgs(DownloadOptions{URL: "https://example.com/v", OutputDir: "/out"})
	assert.Error(t, err)
}

func TestQueryArgs_DateAfter(t *testing.T) {
	args, err := Client{}.QueryArgs(QueryOptions{
		SourceURL: "https://example/ch1",
		DateAfter: time.Date(2024, 1, 2, 23, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "--flat-playlist")
	assert.Contains(t, joined, "--dateafter 20240102")
}

func TestParseEntries(t *testing.T) {
	out := strings.Join([]string{
		"a1|First|20240101|1704100000|https://img/a1.jpg",
		"a2|Title | with pipe|NA|NA|NA",
		"",
		"a1|Duplicate|20240101|NA|NA",
		"broken line",
	}, "\n")

	entries := ParseEntries(out)
	require.Len(t, entries, 2)
	assert.Equal(t, Entry{ID: "a1", Title: "First", UploadDate: "20240101", Timestamp: 1704100000, Thumbnail: "https://img/a1.jpg"}, entries[0])
	assert.Equal(t, "Title | with pipe", entries[1].Title)
	assert.Empty(t, entries[1].UploadDate)
	assert.Zero(t, entries[1].Timestamp)
}

func TestQuery_FakeBinary(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "yt-dlp")
	body := `#!/usr/bin/env bash
set -euo pipefail
printf '%s ' "$@" > "$0.args"
echo "v1|Video 1|20240105|NA|NA"
echo "WARNING: something harmless" >&2
`
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))

	entries, err := Client{Binary: script}.Query(context.Background(), QueryOptions{SourceURL: "https://example/ch1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "v1", entries[0].ID)

	args, err := os.ReadFile(script + ".args")
	require.NoError(t, err)
	assert.NotContains(t, string(args), "--dateafter")
}

func TestQuery_FailureIsSourceQueryFailure(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "yt-dlp")
	body := `#!/usr/bin/env bash
echo "WARNING: noise" >&2
echo "ERROR: Unable to download webpage: HTTP Error 503" >&2
exit 1
`
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))

	_, err := Client{Binary: script}.Query(context.Background(), QueryOptions{SourceURL: "https://example/ch1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrSourceQueryFailure))
	assert.Contains(t, err.Error(), "HTTP Error 503")
	assert.NotContains(t, err.Error(), "WARNING")
	assert.True(t, IsRetryable(err.Error()))
}
