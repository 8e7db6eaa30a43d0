package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConfig struct {
	Foo string `yaml:"foo"`
	Bar int    `yaml:"bar"`
}

func TestLoad(t *testing.T) {
	t.Run("ok", func(t *testing.T) {
		path := writeConfigFile(t, `foo: abc
bar: 10
`)

		var conf fakeConfig
		require.NoError(t, Load(path, &conf))
		assert.Equal(t, fakeConfig{Foo: "abc", Bar: 10}, conf)
	})

	t.Run("unknown field", func(t *testing.T) {
		path := writeConfigFile(t, `foo: abc
unknown: field
`)

		var conf fakeConfig
		assert.Error(t, Load(path, &conf))
	})

	t.Run("invalid yaml", func(t *testing.T) {
		path := writeConfigFile(t, `foo: [`)

		var conf fakeConfig
		assert.Error(t, Load(path, &conf))
	})

	t.Run("not found", func(t *testing.T) {
		var conf fakeConfig
		assert.Error(t, Load("/a/b/c/notfound.yaml", &conf))
	})
}

func writeConfigFile(t *testing.T, s string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(s), 0o600))
	return path
}
