// Package doctor runs preflight checks for the service host.
package doctor

import (
	"os"
	"path/filepath"
	"strings"

	"ytdl-hub/internal/config"
	"ytdl-hub/internal/docstore"
	"ytdl-hub/internal/ytdlp"
)

type Result struct {
	OK     bool    `json:"ok"`
	Checks []Check `json:"checks"`
}

type Check struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

type InitResult struct {
	ConfigPath    string `json:"config_path"`
	DataDir       string `json:"data_dir"`
	CreatedConfig bool   `json:"created_config"`
	CreatedData   bool   `json:"created_data_dir"`
	Doctor        Result `json:"doctor"`
}

// Run checks the downloader binaries and every directory the service writes.
func Run(cfg *config.Config) Result {
	client := ytdlp.NewClient(cfg.Downloads)
	dep := client.DependencyStatus()

	checks := []Check{
		{Name: "dependency:yt-dlp", OK: dep.YTDLPFound, Message: dependencyMessage(dep.YTDLPFound, dep.YTDLPPath, client.Path())},
		{Name: "dependency:ffmpeg", OK: dep.FFmpegFound, Message: dependencyMessage(dep.FFmpegFound, dep.FFmpegPath, "ffmpeg")},
	}
	if runtime, err := ytdlp.CheckJSRuntime(cfg.Downloads.JSRuntime); err != nil {
		checks = append(checks, Check{Name: "dependency:js-runtime", OK: false, Message: err.Error()})
	} else {
		checks = append(checks, Check{Name: "dependency:js-runtime", OK: true, Message: runtime})
	}
	if _, err := client.DownloadArgs(ytdlp.DownloadOptions{URL: "https://example.com", OutputDir: ".", Quality: cfg.Downloads.DefaultQuality}); err != nil {
		checks = append(checks, Check{Name: "downloader-options", OK: false, Message: err.Error()})
	} else {
		checks = append(checks, Check{Name: "downloader-options", OK: true, Message: "valid"})
	}
	for _, dir := range []struct{ name, path string }{
		{"directory:data", cfg.Storage.DataDir},
		{"directory:subscriptions", cfg.SubscriptionsDir()},
		{"directory:trash", cfg.TrashDir()},
	} {
		ok, msg := ensureWritableDir(dir.path)
		checks = append(checks, Check{Name: dir.name, OK: ok, Message: msg})
	}
	// A running service is not a failure; the check says where to reach it.
	if owner, held := docstore.ReadLockOwner(cfg.Storage.DataDir); held {
		checks = append(checks, Check{Name: "service", OK: true, Message: "running: " + owner.String()})
	} else {
		checks = append(checks, Check{Name: "service", OK: true, Message: "not running"})
	}
	if err := cfg.Validate(); err != nil {
		checks = append(checks, Check{Name: "config", OK: false, Message: err.Error()})
	} else {
		checks = append(checks, Check{Name: "config", OK: true, Message: "valid"})
	}

	ok := true
	for _, c := range checks {
		if !c.OK {
			ok = false
			break
		}
	}
	return Result{OK: ok, Checks: checks}
}

// Init writes a default config when none exists, creates the data directory
// and runs the checks against the resulting config.
func Init(configPath string) (InitResult, error) {
	if strings.TrimSpace(configPath) == "" {
		configPath = config.DefaultPath
	}
	res := InitResult{ConfigPath: configPath}
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := config.WriteDefault(configPath, false); err != nil {
			return InitResult{}, err
		}
		res.CreatedConfig = true
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return InitResult{}, err
	}
	res.DataDir = cfg.Storage.DataDir
	if _, err := os.Stat(cfg.Storage.DataDir); os.IsNotExist(err) {
		res.CreatedData = true
	}
	if err := docstore.Mkdir(cfg.Storage.DataDir); err != nil {
		return InitResult{}, err
	}
	res.Doctor = Run(cfg)
	return res, nil
}

func dependencyMessage(ok bool, path, name string) string {
	if ok {
		return name + " found at " + path
	}
	return name + " not found on PATH"
}

func ensureWritableDir(path string) (bool, string) {
	if strings.TrimSpace(path) == "" {
		return false, "empty path"
	}
	if err := docstore.Mkdir(path); err != nil {
		return false, err.Error()
	}
	f, err := os.CreateTemp(path, ".ytdl-hub-check-*.tmp")
	if err != nil {
		return false, err.Error()
	}
	_ = f.Close()
	_ = os.Remove(f.Name())
	return true, filepath.Clean(path) + " is writable"
}
