// Package ytdlp builds yt-dlp invocations and parses what yt-dlp prints.
package ytdlp

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"ytdl-hub/internal/model"
)

const DefaultBinary = "yt-dlp"

// OutputTemplate names files by title inside the destination directory.
const OutputTemplate = "%(title).200B.%(ext)s"

type OutputStream string

const (
	StreamStdout OutputStream = "stdout"
	StreamStderr OutputStream = "stderr"
)

type Client struct {
	Binary      string
	JSRuntime   string
	CookiesPath string
	ProxyURL    string
	RateLimit   float64 // MB/s, 0 disables
}

type DownloadOptions struct {
	URL       string
	OutputDir string
	Quality   string
}

type DependencyReport struct {
	YTDLPFound  bool   `json:"yt_dlp_found"`
	YTDLPPath   string `json:"yt_dlp_path,omitempty"`
	FFmpegFound bool   `json:"ffmpeg_found"`
	FFmpegPath  string `json:"ffmpeg_path,omitempty"`
}

func (c Client) binary() string {
	if strings.TrimSpace(c.Binary) == "" {
		return DefaultBinary
	}
	return c.Binary
}

// Path is the executable the client invokes.
func (c Client) Path() string {
	return c.binary()
}

func CheckJSRuntime(raw string) (string, error) {
	runtime, ok := normalizeJSRuntime(raw)
	if !ok {
		return "", fmt.Errorf("invalid js runtime %q (expected auto, deno, node, quickjs, or bun)", strings.TrimSpace(raw))
	}
	if runtime == "auto" {
		return runtime, nil
	}
	candidates := jsRuntimeBinaryCandidates(runtime)
	for _, bin := range candidates {
		if _, err := exec.LookPath(bin); err == nil {
			return runtime, nil
		}
	}
	return "", fmt.Errorf("missing dependency for js runtime %q: install one of [%s] or set js runtime to auto", runtime, strings.Join(candidates, ", "))
}

func (c Client) DependencyStatus() DependencyReport {
	report := DependencyReport{}
	if path, err := exec.LookPath(c.binary()); err == nil {
		report.YTDLPFound = true
		report.YTDLPPath = path
	}
	if path, err := exec.LookPath("ffmpeg"); err == nil {
		report.FFmpegFound = true
		report.FFmpegPath = path
	}
	return report
}

// DownloadArgs returns the argument list for one resumable download.
func (c Client) DownloadArgs(opts DownloadOptions) ([]string, error) {
	if strings.TrimSpace(opts.URL) == "" {
		return nil, fmt.Errorf("%w: source URL is required", model.ErrInvalidSpec)
	}
	if strings.TrimSpace(opts.OutputDir) == "" {
		return nil, fmt.Errorf("%w: destination directory is required", model.ErrInvalidSpec)
	}
	if !model.IsKnownQuality(opts.Quality) {
		return nil, fmt.Errorf("%w: unknown quality %q", model.ErrInvalidSpec, opts.Quality)
	}

	args := []string{
		"--newline",
		"--no-playlist",
		"--no-mtime",
		"--continue",
		"--merge-output-format", "mp4",
		"--progress-template", ProgressTemplate,
		"-f", FormatFilter(opts.Quality),
		"-P", opts.OutputDir,
		"-o", OutputTemplate,
	}
	args, err := c.appendCommonArgs(args)
	if err != nil {
		return nil, err
	}
	return append(args, opts.URL), nil
}

func (c Client) appendCommonArgs(args []string) ([]string, error) {
	if strings.TrimSpace(c.CookiesPath) != "" {
		cookiesPath, err := resolveCookiesPath(c.CookiesPath)
		if err != nil {
			return nil, err
		}
		args = append(args, "--cookies", cookiesPath)
	}
	if c.RateLimit > 0 {
		args = append(args, "--limit-rate", formatRateLimitMBps(c.RateLimit))
	}
	if strings.TrimSpace(c.ProxyURL) != "" {
		args = append(args, "--proxy", strings.TrimSpace(c.ProxyURL))
	}
	return appendJSRuntimeArgs(args, c.JSRuntime)
}

// FormatFilter maps a quality preset to a yt-dlp format selector.
func FormatFilter(quality string) string {
	height, ok := model.QualityHeight(quality)
	if !ok || height == 0 {
		return "bestvideo+bestaudio/best"
	}
	return fmt.Sprintf("bestvideo[height<=%d]+bestaudio/best[height<=%d]", height, height)
}

func appendJSRuntimeArgs(args []string, rawRuntime string) ([]string, error) {
	runtime, ok := normalizeJSRuntime(rawRuntime)
	if !ok {
		return nil, fmt.Errorf("invalid js runtime %q (expected auto, deno, node, quickjs, or bun)", strings.TrimSpace(rawRuntime))
	}
	if runtime == "auto" {
		return args, nil
	}
	return append(args, "--no-js-runtimes", "--js-runtimes", runtime), nil
}

func normalizeJSRuntime(raw string) (string, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "", "auto":
		return "auto", true
	case "deno", "node", "quickjs", "bun":
		return strings.ToLower(strings.TrimSpace(raw)), true
	default:
		return "", false
	}
}

func jsRuntimeBinaryCandidates(runtime string) []string {
	switch runtime {
	case "quickjs":
		return []string{"quickjs", "qjs"}
	default:
		return []string{runtime}
	}
}

func formatRateLimitMBps(v float64) string {
	return fmt.Sprintf("%gM", v)
}

func resolveCookiesPath(path string) (string, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return "", nil
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve cookies path %s: %w", p, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("cookies file %s: %w", abs, err)
	}
	return abs, nil
}
