package model

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_DownloadSpec(t *testing.T) {
	require.NoError(t, Validate(DownloadSpec{Source: "https://example.com/watch?v=a1", DestinationDir: "/out", Quality: "1080p"}))
	require.NoError(t, Validate(DownloadSpec{Source: "https://example.com/watch?v=a1", DestinationDir: "/out"}))

	cases := []DownloadSpec{
		{DestinationDir: "/out"},
		{Source: "not a url", DestinationDir: "/out"},
		{Source: "https://example.com/a"},
		{Source: "https://example.com/a", DestinationDir: "/out", Quality: "999p"},
	}
	for _, spec := range cases {
		err := Validate(spec)
		require.Error(t, err, "%+v", spec)
		assert.True(t, errors.Is(err, ErrInvalidSpec))
	}
}

func TestIsValidSourceName(t *testing.T) {
	for _, ok := range []string{"Ch1", "My Channel", "chan-2_x"} {
		assert.True(t, IsValidSourceName(ok), ok)
	}
	for _, bad := range []string{"", " Ch1", "..", ".hidden", "a/b", `a\b`, "a:b"} {
		assert.False(t, IsValidSourceName(bad), bad)
	}
}
