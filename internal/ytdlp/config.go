package ytdlp

import (
	"strings"

	"ytdl-hub/internal/config"
)

// NewClient builds a client from the downloads section of the service config.
func NewClient(cfg config.DownloadsConfig) Client {
	return Client{
		Binary:      strings.TrimSpace(cfg.YtDlpBin),
		JSRuntime:   strings.TrimSpace(cfg.JSRuntime),
		CookiesPath: strings.TrimSpace(cfg.CookiesFile),
		ProxyURL:    strings.TrimSpace(cfg.Proxy),
		RateLimit:   cfg.RateLimitMBps,
	}
}
