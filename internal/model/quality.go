package model

import "strings"

// Quality presets accepted by downloads and subscriptions, highest first.
var QualityPresets = []string{"8K", "4K", "1440p", "1080p", "720p", "480p", "360p", "240p", "144p", "best"}

var qualityHeights = map[string]int{
	"8k":    4320,
	"4k":    2160,
	"1440p": 1440,
	"1080p": 1080,
	"720p":  720,
	"480p":  480,
	"360p":  360,
	"240p":  240,
	"144p":  144,
}

// QualityHeight returns the maximum frame height for a preset, or 0 for "best".
func QualityHeight(quality string) (int, bool) {
	q := strings.ToLower(strings.TrimSpace(quality))
	if q == "" || q == "best" {
		return 0, true
	}
	h, ok := qualityHeights[q]
	return h, ok
}

func IsKnownQuality(quality string) bool {
	_, ok := QualityHeight(quality)
	return ok
}
