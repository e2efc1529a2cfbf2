package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildLoggerDefaults(t *testing.T) {
	logger, err := BuildLogger(LogConfig{})
	require.NoError(t, err)
	require.NotNil(t, logger)
	logger.Info("json logger works")
}

func TestBuildLoggerConsole(t *testing.T) {
	logger, err := BuildLogger(LogConfig{
		Level:            "debug",
		Format:           "console",
		EnableCaller:     true,
		EnableStacktrace: true,
	})
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.True(t, logger.Core().Enabled(-1)) // debug enabled
}

func TestBuildLoggerRejectsUnknownLevel(t *testing.T) {
	_, err := BuildLogger(LogConfig{Level: "loud"})
	assert.ErrorContains(t, err, "unknown log level")
}
