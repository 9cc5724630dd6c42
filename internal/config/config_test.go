package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	tmp := t.TempDir()
	prev := defaultDataDir
	defaultDataDir = tmp
	t.Cleanup(func() { defaultDataDir = prev })

	os.Unsetenv("ISORUN_DATA_DIR")
	os.Unsetenv("ISORUN_PORT")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, tmp, cfg.DataDir)
	assert.Equal(t, 100_000, cfg.MaxSize)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("ISORUN_PORT", "9090")
	t.Setenv("ISORUN_MAX_SIZE", "5000")
	t.Setenv("ISORUN_DEFAULT_TIMEOUT", "500ms")
	t.Setenv("ISORUN_ENV_WHITELIST", "PUBLIC_*,FOO_*")
	t.Setenv("ISORUN_STRICT_PERMISSIONS", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 5000, cfg.MaxSize)
	assert.Equal(t, 500*time.Millisecond, cfg.DefaultTimeout)
	assert.Equal(t, []string{"PUBLIC_*", "FOO_*"}, cfg.EnvWhitelist)
	assert.True(t, cfg.StrictPerms)
}

func TestLoad_DotEnvFile(t *testing.T) {
	tmp := t.TempDir()
	envPath := filepath.Join(tmp, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte(`ISORUN_PORT=7777`), 0644))

	t.Setenv("ISORUN_DATA_DIR", tmp)
	os.Unsetenv("ISORUN_PORT")
	t.Cleanup(func() { os.Unsetenv("ISORUN_PORT") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.Port)
}

func TestLoad_InvalidIntFallsBackToDefault(t *testing.T) {
	t.Setenv("ISORUN_PORT", "not-a-number")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default().Port, cfg.Port)
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	tmp := t.TempDir()
	envPath := filepath.Join(tmp, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte(`ISORUN_PORT=1111`), 0644))
	t.Setenv("ISORUN_DATA_DIR", tmp)
	os.Unsetenv("ISORUN_PORT")

	origDebounce := debounceWrite
	debounceWrite = 10 * time.Millisecond
	t.Cleanup(func() { debounceWrite = origDebounce })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 1111, cfg.Port)

	w, err := NewWatcher(cfg)
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, os.WriteFile(envPath, []byte(`ISORUN_PORT=2222`), 0644))

	require.Eventually(t, func() bool {
		return w.Current().Port == 2222
	}, 2*time.Second, 20*time.Millisecond)
}
