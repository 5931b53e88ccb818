// Package docstore keeps durable JSON documents on the local filesystem.
package docstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrCorrupt marks a document that exists but does not parse.
var ErrCorrupt = errors.New("corrupt document")

func Mkdir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", path, err)
	}
	return nil
}

// WriteBytes replaces path atomically through a temp file in the same directory.
func WriteBytes(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create parent for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, ".ytdl-hub-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("chmod temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("atomic rename for %s: %w", path, err)
	}
	return nil
}

func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON for %s: %w", path, err)
	}
	data = append(data, '\n')
	return WriteBytes(path, data)
}

// ReadJSON decodes path into v. A missing file yields an error matching
// fs.ErrNotExist, an unparsable one an error matching ErrCorrupt.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file %s: %w", path, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return fmt.Errorf("%w: %s is empty", ErrCorrupt, path)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: parse JSON %s: %v", ErrCorrupt, path, err)
	}
	return nil
}

func IsNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

// Quarantine moves a corrupt document to backupDir as <name>_<unix-ms>.json
// and returns the new location.
func Quarantine(path, backupDir, name string) (string, error) {
	if err := Mkdir(backupDir); err != nil {
		return "", err
	}
	stamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	target := filepath.Join(backupDir, sanitizeBackupName(name)+"_"+stamp+".json")
	if err := os.Rename(path, target); err != nil {
		// Cross-device trash directories cannot be renamed into.
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return "", fmt.Errorf("quarantine %s: %w", path, err)
		}
		if writeErr := WriteBytes(target, data); writeErr != nil {
			return "", fmt.Errorf("quarantine %s: %w", path, writeErr)
		}
		if rmErr := os.Remove(path); rmErr != nil {
			return "", fmt.Errorf("quarantine %s: remove original: %w", path, rmErr)
		}
	}
	return target, nil
}

func sanitizeBackupName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "document"
	}
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ':' {
			return '_'
		}
		return r
	}, name)
}
