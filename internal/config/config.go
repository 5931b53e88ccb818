// Package config loads service settings. Priority, lowest first: built-in
// defaults, the TOML file, YTDL_HUB_* environment variables, command-line
// flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

const (
	DefaultPath = "ytdl-hub.toml"
	EnvPrefix   = "YTDL_HUB_"
)

type Config struct {
	Server        ServerConfig        `toml:"server"`
	Storage       StorageConfig       `toml:"storage"`
	Downloads     DownloadsConfig     `toml:"downloads"`
	Subscriptions SubscriptionsConfig `toml:"subscriptions"`
	Logging       LoggingConfig       `toml:"logging"`
}

type ServerConfig struct {
	Listen string `toml:"listen"`
}

type StorageConfig struct {
	DataDir          string `toml:"data_dir"`
	SubscriptionsDir string `toml:"subscriptions_dir,omitempty"`
	TrashDir         string `toml:"trash_dir,omitempty"`
}

type DownloadsConfig struct {
	MaxConcurrent  int    `toml:"max_concurrent"`
	GracePeriod    string `toml:"grace_period"`
	YtDlpBin       string `toml:"ytdlp_bin"`
	DefaultQuality string `toml:"default_quality"`
	JSRuntime      string `toml:"js_runtime"`
	CookiesFile    string `toml:"cookies_file"`
	Proxy          string `toml:"proxy"`

	// RateLimitMBps caps each download; 0 disables the cap.
	RateLimitMBps float64 `toml:"rate_limit_mbps"`
}

type SubscriptionsConfig struct {
	CheckInterval      string   `toml:"check_interval"`
	MinSpacing         string   `toml:"min_spacing"`
	MaxRetries         int      `toml:"max_retries"`
	Backoff            []string `toml:"backoff"`
	ClockSkew          string   `toml:"clock_skew"`
	MaxInFlightQueries int      `toml:"max_inflight_queries"`
}

type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	// Output is "stderr" or a file path.
	Output string `toml:"output"`
}

func Default() *Config {
	return &Config{
		Server:  ServerConfig{Listen: "127.0.0.1:8765"},
		Storage: StorageConfig{DataDir: "data"},
		Downloads: DownloadsConfig{
			MaxConcurrent:  3,
			GracePeriod:    "3s",
			YtDlpBin:       "yt-dlp",
			DefaultQuality: "1080p",
			JSRuntime:      "auto",
		},
		Subscriptions: SubscriptionsConfig{
			CheckInterval:      "30m",
			MinSpacing:         "1m",
			MaxRetries:         3,
			Backoff:            []string{"1m", "5m", "15m"},
			ClockSkew:          "24h",
			MaxInFlightQueries: 2,
		},
		Logging: LoggingConfig{Level: "info", Format: "text", Output: "stderr"},
	}
}

// Load reads path over the defaults and applies environment overrides. A
// missing file is fine when path is the default one. A .env file next to the
// working directory is loaded first when present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if err := applyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) error {
		v, ok := lookup(EnvPrefix + key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
		return nil
	}

	str("LISTEN", &cfg.Server.Listen)
	str("DATA_DIR", &cfg.Storage.DataDir)
	str("SUBSCRIPTIONS_DIR", &cfg.Storage.SubscriptionsDir)
	str("TRASH_DIR", &cfg.Storage.TrashDir)
	str("GRACE_PERIOD", &cfg.Downloads.GracePeriod)
	str("YTDLP_BIN", &cfg.Downloads.YtDlpBin)
	str("DEFAULT_QUALITY", &cfg.Downloads.DefaultQuality)
	str("JS_RUNTIME", &cfg.Downloads.JSRuntime)
	str("COOKIES_FILE", &cfg.Downloads.CookiesFile)
	str("PROXY", &cfg.Downloads.Proxy)
	str("CHECK_INTERVAL", &cfg.Subscriptions.CheckInterval)
	str("MIN_SPACING", &cfg.Subscriptions.MinSpacing)
	str("CLOCK_SKEW", &cfg.Subscriptions.ClockSkew)
	str("LOG_LEVEL", &cfg.Logging.Level)
	str("LOG_FORMAT", &cfg.Logging.Format)
	str("LOG_OUTPUT", &cfg.Logging.Output)

	var backoff string
	str("BACKOFF", &backoff)
	if backoff != "" {
		cfg.Subscriptions.Backoff = splitList(backoff)
	}

	var rateErr error
	if v, ok := lookup(EnvPrefix + "RATE_LIMIT_MBPS"); ok && strings.TrimSpace(v) != "" {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			rateErr = fmt.Errorf("%sRATE_LIMIT_MBPS: %w", EnvPrefix, err)
		} else {
			cfg.Downloads.RateLimitMBps = f
		}
	}

	return errors.Join(
		rateErr,
		num("MAX_CONCURRENT", &cfg.Downloads.MaxConcurrent),
		num("MAX_RETRIES", &cfg.Subscriptions.MaxRetries),
		num("MAX_INFLIGHT_QUERIES", &cfg.Subscriptions.MaxInFlightQueries),
	)
}

func splitList(raw string) []string {
	out := []string{}
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Listen) == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if strings.TrimSpace(c.Storage.DataDir) == "" {
		errs = append(errs, errors.New("storage.data_dir is required"))
	}
	if c.Downloads.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("downloads.max_concurrent must be > 0, got %d", c.Downloads.MaxConcurrent))
	}
	if strings.TrimSpace(c.Downloads.YtDlpBin) == "" {
		errs = append(errs, errors.New("downloads.ytdlp_bin is required"))
	}
	if c.Downloads.RateLimitMBps < 0 {
		errs = append(errs, fmt.Errorf("downloads.rate_limit_mbps must be >= 0, got %g", c.Downloads.RateLimitMBps))
	}
	if c.Subscriptions.MaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("subscriptions.max_retries must be > 0, got %d", c.Subscriptions.MaxRetries))
	}
	if c.Subscriptions.MaxInFlightQueries <= 0 {
		errs = append(errs, fmt.Errorf("subscriptions.max_inflight_queries must be > 0, got %d", c.Subscriptions.MaxInFlightQueries))
	}
	if len(c.Subscriptions.Backoff) == 0 {
		errs = append(errs, errors.New("subscriptions.backoff needs at least one delay"))
	}
	for name, raw := range map[string]string{
		"downloads.grace_period":       c.Downloads.GracePeriod,
		"subscriptions.check_interval": c.Subscriptions.CheckInterval,
		"subscriptions.min_spacing":    c.Subscriptions.MinSpacing,
		"subscriptions.clock_skew":     c.Subscriptions.ClockSkew,
	} {
		if _, err := parsePositive(raw); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	for i, raw := range c.Subscriptions.Backoff {
		if _, err := parsePositive(raw); err != nil {
			errs = append(errs, fmt.Errorf("subscriptions.backoff[%d]: %w", i, err))
		}
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}

func parsePositive(raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration must be > 0, got %s", raw)
	}
	return d, nil
}

// duration returns the parsed value or 0; call Validate first.
func duration(raw string) time.Duration {
	d, _ := parsePositive(raw)
	return d
}

func (c *Config) GracePeriod() time.Duration   { return duration(c.Downloads.GracePeriod) }
func (c *Config) CheckInterval() time.Duration { return duration(c.Subscriptions.CheckInterval) }
func (c *Config) MinSpacing() time.Duration    { return duration(c.Subscriptions.MinSpacing) }
func (c *Config) ClockSkew() time.Duration     { return duration(c.Subscriptions.ClockSkew) }

func (c *Config) Backoff() []time.Duration {
	out := make([]time.Duration, 0, len(c.Subscriptions.Backoff))
	for _, raw := range c.Subscriptions.Backoff {
		if d := duration(raw); d > 0 {
			out = append(out, d)
		}
	}
	return out
}

func (c *Config) SubscriptionsDir() string {
	if c.Storage.SubscriptionsDir != "" {
		return c.Storage.SubscriptionsDir
	}
	return filepath.Join(c.Storage.DataDir, "subscriptions")
}

func (c *Config) TrashDir() string {
	if c.Storage.TrashDir != "" {
		return c.Storage.TrashDir
	}
	return filepath.Join(c.Storage.DataDir, "trash")
}

func (c *Config) PausedPath() string {
	return filepath.Join(c.Storage.DataDir, "paused_downloads.json")
}

func (c *Config) HistoryDir() string {
	return filepath.Join(c.Storage.DataDir, "history")
}

// WriteDefault writes a starter config to path. It refuses to overwrite an
// existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config %s already exists", path)
		}
	}
	data, err := toml.Marshal(Default())
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}
