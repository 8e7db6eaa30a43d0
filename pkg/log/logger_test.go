package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestLogger_Level(t *testing.T) {
	t.Run("unsupported level", func(t *testing.T) {
		_, err := NewLogger("verbose", nil)
		assert.Error(t, err)
	})

	t.Run("filter by level", func(t *testing.T) {
		l := &logger{
			zap:      zap.NewNop(),
			minLevel: zapcore.WarnLevel,
		}
		assert.False(t, l.enabled(zapcore.DebugLevel))
		assert.False(t, l.enabled(zapcore.InfoLevel))
		assert.True(t, l.enabled(zapcore.WarnLevel))
		assert.True(t, l.enabled(zapcore.ErrorLevel))
	})
}

func TestLogger_Subsystem(t *testing.T) {
	l, err := NewLogger("error", []string{"gossip"})
	require.NoError(t, err)

	assert.Equal(t, "main", l.Subsystem())

	// An enabled subsystem overrides the minimum level.
	gossipLogger := l.WithSubsystem("gossip").(*logger)
	assert.Equal(t, "gossip", gossipLogger.Subsystem())
	assert.True(t, gossipLogger.enabled(zapcore.DebugLevel))

	adminLogger := l.WithSubsystem("admin").(*logger)
	assert.False(t, adminLogger.enabled(zapcore.InfoLevel))
	assert.True(t, adminLogger.enabled(zapcore.ErrorLevel))
}

func TestConfig_Validate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		conf := Config{Level: "info"}
		assert.NoError(t, conf.Validate())
	})

	t.Run("missing level", func(t *testing.T) {
		conf := Config{}
		assert.Error(t, conf.Validate())
	})

	t.Run("unsupported level", func(t *testing.T) {
		conf := Config{Level: "verbose"}
		assert.Error(t, conf.Validate())
	})
}
