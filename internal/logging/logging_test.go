package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/agentd/internal/config"
)

func TestNew(t *testing.T) {
	t.Run("defaults to info json", func(t *testing.T) {
		logger, err := New(config.LoggingConfig{})
		require.NoError(t, err)
		assert.True(t, logger.Core().Enabled(zapcore.InfoLevel))
		assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))
	})

	t.Run("honors the configured level", func(t *testing.T) {
		logger, err := New(config.LoggingConfig{Level: "debug"})
		require.NoError(t, err)
		assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
	})

	t.Run("console format builds", func(t *testing.T) {
		_, err := New(config.LoggingConfig{Format: "console"})
		require.NoError(t, err)
	})

	t.Run("rejects an unknown level", func(t *testing.T) {
		_, err := New(config.LoggingConfig{Level: "chatty"})
		require.Error(t, err)
	})

	t.Run("rejects an unknown format", func(t *testing.T) {
		_, err := New(config.LoggingConfig{Format: "xml"})
		require.Error(t, err)
	})
}
