package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ytdl-hub/internal/config"
	"ytdl-hub/internal/doctor"
)

func installFakeTools(t *testing.T) {
	t.Helper()
	fakeBin := filepath.Join(t.TempDir(), "bin")
	if err := os.MkdirAll(fakeBin, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"yt-dlp", "ffmpeg"} {
		if err := os.WriteFile(filepath.Join(fakeBin, name), []byte("#!/usr/bin/env bash\nexit 0\n"), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	t.Setenv("PATH", fakeBin+":"+os.Getenv("PATH"))
}

func TestHarnessInitThenDoctor(t *testing.T) {
	installFakeTools(t)
	t.Chdir(t.TempDir())

	out, err := captureStdout(t, func() error { return Run([]string{"init", "--json"}) })
	if err != nil {
		t.Fatalf("init: %v\n%s", err, out)
	}
	var res doctor.InitResult
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode init output: %v\n%s", err, out)
	}
	if !res.CreatedConfig || !res.CreatedData || !res.Doctor.OK {
		t.Fatalf("unexpected init result: %+v", res)
	}
	if _, err := os.Stat(config.DefaultPath); err != nil {
		t.Fatalf("config not written: %v", err)
	}

	out, err = captureStdout(t, func() error { return Run([]string{"init"}) })
	if err != nil {
		t.Fatalf("second init: %v\n%s", err, out)
	}
	if !strings.Contains(out, "created_config: false") {
		t.Fatalf("second init should keep the existing config, got:\n%s", out)
	}

	out, err = captureStdout(t, func() error { return Run([]string{"doctor"}) })
	if err != nil {
		t.Fatalf("doctor: %v\n%s", err, out)
	}
	if !strings.Contains(out, "doctor: all checks passed") {
		t.Fatalf("unexpected doctor output:\n%s", out)
	}
}

func TestDoctorFailsWithoutDownloader(t *testing.T) {
	installFakeTools(t)
	t.Chdir(t.TempDir())
	t.Setenv(config.EnvPrefix+"YTDLP_BIN", filepath.Join(t.TempDir(), "missing-yt-dlp"))

	out, err := captureStdout(t, func() error { return Run([]string{"doctor"}) })
	if err == nil || !strings.Contains(err.Error(), "doctor checks failed") {
		t.Fatalf("expected doctor failure, got %v", err)
	}
	if !strings.Contains(out, "dependency:yt-dlp: fail") {
		t.Fatalf("expected yt-dlp failure line, got:\n%s", out)
	}
}
