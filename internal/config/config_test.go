package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
discord:
  botToken: "abc"
  channelId: 123
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "Z", cfg.FileSystem.DriveLetter)
	require.Equal(t, 256, cfg.FileSystem.CacheSizeMB)
	require.True(t, cfg.Security.EnableEncryption)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
discord:
  botToken: "abc"
  channelId: 123
fileSystem:
  driveLetter: "Y"
  cacheSizeMB: 512
security:
  enableEncryption: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "Y", cfg.FileSystem.DriveLetter)
	require.Equal(t, 512, cfg.FileSystem.CacheSizeMB)
	require.False(t, cfg.Security.EnableEncryption)
}

func TestLoadMissingTokenFails(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
discord:
  channelId: 123
`)
	_, err := Load(path)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestLoadMissingChannelFails(t *testing.T) {
	path := writeConfig(t, t.TempDir(), `
discord:
  botToken: "abc"
`)
	_, err := Load(path)
	require.ErrorIs(t, err, ErrInvalid)
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, `
discord:
  botToken: "abc"
  channelId: 123
fileSystem:
  cacheSizeMB: 100
`)

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	require.Equal(t, 100, w.Current().FileSystem.CacheSizeMB)

	ch := make(chan Config, 1)
	w.Subscribe(ch)

	require.NoError(t, os.WriteFile(path, []byte(`
discord:
  botToken: "abc"
  channelId: 123
fileSystem:
  cacheSizeMB: 200
`), 0o600))

	select {
	case cfg := <-ch:
		require.Equal(t, 200, cfg.FileSystem.CacheSizeMB)
	case <-time.After(2 * time.Second):
		t.Fatal("reload notification never arrived")
	}
	require.Equal(t, 200, w.Current().FileSystem.CacheSizeMB)
}
