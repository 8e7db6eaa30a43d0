package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfig_Validate(t *testing.T) {
	t.Run("default", func(t *testing.T) {
		assert.NoError(t, Default().Validate())
	})

	t.Run("missing admin bind addr", func(t *testing.T) {
		conf := Default()
		conf.Admin.BindAddr = ""
		assert.Error(t, conf.Validate())
	})

	t.Run("missing log level", func(t *testing.T) {
		conf := Default()
		conf.Log.Level = ""
		assert.Error(t, conf.Validate())
	})

	t.Run("missing graceful shutdown timeout", func(t *testing.T) {
		conf := Default()
		conf.GracefulShutdownTimeout = 0
		assert.Error(t, conf.Validate())
	})
}
