package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateDefaults(t *testing.T) {
	cfg := &Config{Path: filepath.Join(t.TempDir(), "config.json")}
	require.NoError(t, cfg.Validate())

	assert.NotEmpty(t, cfg.HomePath)
	assert.Equal(t, DefaultTransportPort, cfg.TransportPort)
	assert.Equal(t, DefaultDiscoveryPort, cfg.DiscoveryPort)
	assert.Equal(t, DefaultAdminPort, cfg.AdminPort)
}

func TestValidateRejectsBadDirNames(t *testing.T) {
	for _, name := range []string{"", "a/b", "..", ".hidden"} {
		cfg := &Config{
			Path:        filepath.Join(t.TempDir(), "config.json"),
			Directories: []string{name},
		}
		assert.Error(t, cfg.Validate(), "name %q", name)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	cfg := &Config{
		Path:        path,
		HomePath:    t.TempDir(),
		Directories: []string{"proj"},
	}
	require.NoError(t, cfg.Validate())
	require.NoError(t, cfg.Save())

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.HomePath, loaded.HomePath)
	assert.Equal(t, []string{"proj"}, loaded.Directories)
}

func TestAddRemoveDirectory(t *testing.T) {
	cfg := &Config{}

	assert.True(t, cfg.AddDirectory("proj"))
	assert.False(t, cfg.AddDirectory("proj"))
	assert.Equal(t, []string{"proj"}, cfg.DirectoryNames())

	assert.True(t, cfg.RemoveDirectory("proj"))
	assert.False(t, cfg.RemoveDirectory("proj"))
	assert.Empty(t, cfg.DirectoryNames())
}
