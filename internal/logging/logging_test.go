package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ytdl-hub/internal/config"
)

func TestNew_JSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "hub.log")
	log, closer, err := New(config.LoggingConfig{Level: "debug", Format: "json", Output: path})
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())

	log.WithField("job", "j1").Debug("hello")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"job":"j1"`)
	assert.Contains(t, string(data), `"msg":"hello"`)
}

func TestNew_RejectsUnknownSettings(t *testing.T) {
	_, _, err := New(config.LoggingConfig{Level: "loud"})
	assert.Error(t, err)
	_, _, err = New(config.LoggingConfig{Format: "xml"})
	assert.Error(t, err)
}

func TestNew_Defaults(t *testing.T) {
	log, closer, err := New(config.LoggingConfig{})
	require.NoError(t, err)
	defer closer.Close()
	assert.Equal(t, logrus.InfoLevel, log.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, log.Formatter)
}
