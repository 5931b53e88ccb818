package ytdlp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseProgress_Templated(t *testing.T) {
	p, ok := ParseProgress("ytdl-hub:downloading|  45.3%|1.20MiB/s|00:12")
	assert.True(t, ok)
	assert.True(t, p.HasPercent)
	assert.InDelta(t, 45.3, p.Percent, 0.001)
	assert.Equal(t, "1.20MiB/s", p.Speed)
	assert.Equal(t, "00:12", p.ETA)

	p, ok = ParseProgress("ytdl-hub:finished|N/A|N/A|N/A")
	assert.True(t, ok)
	assert.Equal(t, 100.0, p.Percent)
	assert.Empty(t, p.Speed)
}

func TestParseProgress_ClassicLine(t *testing.T) {
	p, ok := ParseProgress("[download]  12.5% of  10.00MiB at  2.00MiB/s ETA 00:04")
	assert.True(t, ok)
	assert.InDelta(t, 12.5, p.Percent, 0.001)
	assert.Equal(t, "2.00MiB/s", p.Speed)
	assert.Equal(t, "00:04", p.ETA)

	_, ok = ParseProgress("[youtube] a1: Downloading webpage")
	assert.False(t, ok)
	_, ok = ParseProgress("[download] Destination: /out/x.mp4")
	assert.False(t, ok)
}

func TestParseDestination(t *testing.T) {
	cases := [][2]string{
		{"[download] Destination: /out/My Video.f137.mp4", "/out/My Video.f137.mp4"},
		{`[Merger] Merging formats into "/out/My Video.mp4"`, "/out/My Video.mp4"},
		{"[download] /out/My Video.mp4 has already been downloaded", "/out/My Video.mp4"},
	}
	for _, tc := range cases {
		got, ok := ParseDestination(tc[0])
		assert.True(t, ok, tc[0])
		assert.Equal(t, tc[1], got)
	}
	_, ok := ParseDestination("[download]  1.0% of 3MiB")
	assert.False(t, ok)
}

func TestFailureDetail_DropsWarnings(t *testing.T) {
	assert.Empty(t, FailureDetail("WARNING: a\n  WARNING: b\n"))
	assert.Equal(t, "ERROR: boom", FailureDetail("WARNING: a\nERROR: boom\n"))
}
