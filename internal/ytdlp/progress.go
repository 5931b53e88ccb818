package ytdlp

import (
	"regexp"
	"strconv"
	"strings"
)

const progressMarker = "ytdl-hub:"

// ProgressTemplate makes yt-dlp print one machine-readable line per progress tick.
const ProgressTemplate = "download:" + progressMarker +
	"%(progress.status)s|%(progress._percent_str)s|%(progress._speed_str)s|%(progress._eta_str)s"

var (
	rePct   = regexp.MustCompile(`([0-9]+(?:\.[0-9]+)?)%`)
	reSpeed = regexp.MustCompile(`\bat\s+([^\s]+)`)
	reETA   = regexp.MustCompile(`\bETA\s+([0-9:]+)`)

	reDestination = regexp.MustCompile(`^\[download\] Destination:\s+(.+)$`)
	reMerger      = regexp.MustCompile(`^\[Merger\] Merging formats into "(.+)"$`)
	reAlready     = regexp.MustCompile(`^\[download\]\s+(.+) has already been downloaded`)
)

type Progress struct {
	Percent    float64
	HasPercent bool
	Speed      string
	ETA        string
}

// ParseProgress reads either a templated progress line or a classic
// "[download]  45.3% of ... at ... ETA ..." line.
func ParseProgress(line string) (Progress, bool) {
	l := strings.TrimSpace(line)
	if l == "" {
		return Progress{}, false
	}
	if rest, ok := strings.CutPrefix(l, progressMarker); ok {
		return parseTemplated(rest)
	}
	if !strings.HasPrefix(l, "[download]") {
		return Progress{}, false
	}
	var p Progress
	m := rePct.FindStringSubmatch(l)
	if len(m) < 2 {
		return Progress{}, false
	}
	if v, err := strconv.ParseFloat(m[1], 64); err == nil {
		p.Percent = clampPercent(v)
		p.HasPercent = true
	}
	if m := reSpeed.FindStringSubmatch(l); len(m) > 1 {
		p.Speed = cleanField(m[1])
	}
	if m := reETA.FindStringSubmatch(l); len(m) > 1 {
		p.ETA = cleanField(m[1])
	}
	return p, p.HasPercent
}

func parseTemplated(rest string) (Progress, bool) {
	parts := strings.Split(rest, "|")
	if len(parts) < 4 {
		return Progress{}, false
	}
	var p Progress
	if m := rePct.FindStringSubmatch(parts[1]); len(m) > 1 {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			p.Percent = clampPercent(v)
			p.HasPercent = true
		}
	}
	if strings.TrimSpace(parts[0]) == "finished" && !p.HasPercent {
		p.Percent = 100
		p.HasPercent = true
	}
	p.Speed = cleanField(parts[2])
	p.ETA = cleanField(parts[3])
	return p, true
}

// ParseDestination extracts the file yt-dlp is writing or has produced.
func ParseDestination(line string) (string, bool) {
	l := strings.TrimSpace(line)
	for _, re := range []*regexp.Regexp{reDestination, reMerger, reAlready} {
		if m := re.FindStringSubmatch(l); len(m) > 1 {
			return strings.TrimSpace(m[1]), true
		}
	}
	return "", false
}

// FailureDetail drops warning-only lines from captured stderr.
func FailureDetail(stderr string) string {
	lines := strings.Split(stderr, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		l := strings.TrimSpace(line)
		if l == "" || strings.HasPrefix(l, "WARNING:") {
			continue
		}
		kept = append(kept, l)
	}
	return strings.Join(kept, "\n")
}

func IsRetryable(detail string) bool {
	return containsAny(detail,
		"429",
		"too many requests",
		"rate limit",
		"timed out",
		"timeout",
		"temporarily unavailable",
		"connection reset",
		"service unavailable",
		"network is unreachable",
		"http error 5",
	)
}

func IsDependencyError(detail string) bool {
	return containsAny(detail,
		"ffmpeg could not be found",
		"ffprobe could not be found",
	)
}

func containsAny(s string, hints ...string) bool {
	text := strings.ToLower(s)
	for _, h := range hints {
		if strings.Contains(text, h) {
			return true
		}
	}
	return false
}

func cleanField(v string) string {
	v = strings.TrimSpace(v)
	switch strings.ToLower(v) {
	case "", "na", "n/a", "unknown", "unknown b/s", "none":
		return ""
	}
	return v
}

func clampPercent(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
