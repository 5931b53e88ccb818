package supervisor

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	reFormatSegment = regexp.MustCompile(`\.f\d+`)
	reFragment      = regexp.MustCompile(`\.part-Frag\d+$`)
	sidecarSuffixes = []string{".part", ".temp", ".tmp", ".ytdl"}
)

// CleanupArtifacts removes partial-download sidecars of path from its
// directory and returns what it deleted. Delete failures are logged and the
// sweep continues.
func (s *Supervisor) CleanupArtifacts(path string) []string {
	path = strings.TrimSpace(path)
	if path == "" || strings.Contains(path, "%(") {
		return nil
	}
	dir := filepath.Dir(path)
	base := artifactBaseName(filepath.Base(path))
	if base == "" {
		return nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.WithError(err).WithField("dir", dir).Warn("artifact sweep could not read directory")
		}
		return nil
	}

	removed := []string{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !sharesBase(name, base) || !isPartialArtifact(name) {
			continue
		}
		target := filepath.Join(dir, name)
		if err := os.Remove(target); err != nil {
			s.log.WithError(err).WithField("file", target).Warn("failed to remove partial artifact")
			continue
		}
		removed = append(removed, target)
	}
	if len(removed) > 0 {
		s.log.WithField("count", len(removed)).WithField("base", base).Info("removed partial artifacts")
	}
	return removed
}

// artifactBaseName strips sidecar, format-segment and container suffixes so
// "Title.f137.mp4.part" and "Title.mp4" share the base "Title".
func artifactBaseName(name string) string {
	for {
		trimmed := reFragment.ReplaceAllString(name, "")
		for _, suf := range sidecarSuffixes {
			trimmed = strings.TrimSuffix(trimmed, suf)
		}
		if trimmed == name {
			break
		}
		name = trimmed
	}
	name = strings.TrimSuffix(name, filepath.Ext(name))
	if loc := reFormatSegment.FindStringIndex(name); loc != nil && loc[1] == len(name) {
		name = name[:loc[0]]
	}
	return name
}

// sharesBase reports whether name belongs to the download named base rather
// than to a sibling whose title merely starts with or contains it.
func sharesBase(name, base string) bool {
	return name == base || strings.HasPrefix(name, base+".")
}

func isPartialArtifact(name string) bool {
	for _, suf := range sidecarSuffixes {
		if strings.HasSuffix(name, suf) {
			return true
		}
	}
	return reFragment.MatchString(name) || reFormatSegment.MatchString(name)
}
