package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/andewx/vkhot/frame"
	"github.com/andewx/vkhot/watcher"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultNeedsModulePath(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 1080, cfg.Width)
	assert.Equal(t, 2, cfg.FramesInFlight)
	assert.Equal(t, watcher.DefaultDebounce, cfg.HotReload.Debounce)

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hot_reload.path")

	cfg.HotReload.Path = "app.wasm"
	assert.NoError(t, cfg.Validate())
}

func TestModulePathRequiredWithoutHotReload(t *testing.T) {
	for _, loader := range []string{LoaderWasm, LoaderNative} {
		t.Run(loader, func(t *testing.T) {
			cfg := Default()
			cfg.HotReload.Enabled = false
			cfg.HotReload.Loader = loader
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), "hot_reload.path is required by the "+loader+" loader")
		})
	}

	cfg := Default()
	cfg.HotReload.Enabled = false
	cfg.HotReload.Loader = LoaderStatic
	assert.NoError(t, cfg.Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
name: demo
width: 640
frames_in_flight: 3
vsync: false
vulkan:
  validation: true
  device_extensions:
    wanted: [VK_EXT_memory_budget]
hot_reload:
  path: build/app.wasm
  debounce: 250ms
  memory_limit: 16MiB
stats:
  display: full
log:
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "demo", cfg.Name)
	assert.Equal(t, 640, cfg.Width)
	assert.Equal(t, 720, cfg.Height)
	assert.Equal(t, 3, cfg.FramesInFlight)
	assert.False(t, cfg.VSync)
	assert.True(t, cfg.Vulkan.Validation)
	assert.Equal(t, []string{"VK_KHR_swapchain"}, cfg.Vulkan.DeviceExtensions.Required)
	assert.Equal(t, []string{"VK_EXT_memory_budget"}, cfg.Vulkan.DeviceExtensions.Wanted)
	assert.Equal(t, 250*time.Millisecond, cfg.HotReload.Debounce)
	assert.Equal(t, LoaderWasm, cfg.HotReload.Loader)
	assert.Equal(t, frame.DisplayFull, cfg.Stats.DisplayMode())

	pages, err := cfg.HotReload.MemoryLimitPages()
	require.NoError(t, err)
	assert.Equal(t, uint32(256), pages)
}

func TestLoadClampsDebounce(t *testing.T) {
	cfg, err := Load(writeConfig(t, "hot_reload: {path: a.wasm, debounce: 1ms}\n"))
	require.NoError(t, err)
	assert.Equal(t, watcher.MinDebounce, cfg.HotReload.Debounce)
}

func TestLoadReportsEveryProblem(t *testing.T) {
	_, err := Load(writeConfig(t, `
width: 0
frames_in_flight: 0
hot_reload:
  loader: jit
  path: x
  memory_limit: lots
stats:
  display: loud
log:
  level: chatty
`))
	require.Error(t, err)
	assert.Len(t, multierr.Errors(errorsCause(err)), 6)
}

// errorsCause strips the "config <path>:" wrapper.
func errorsCause(err error) error {
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		return u.Unwrap()
	}
	return err
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load(writeConfig(t, "width: [1, 2]\n"))
	assert.Error(t, err)
}

func TestMemoryLimitPages(t *testing.T) {
	for _, tc := range []struct {
		limit string
		pages uint32
		err   bool
	}{
		{"", 0, false},
		{"64KiB", 1, false},
		{"64MiB", 1024, false},
		{"4GiB", 65536, false},
		{"1KiB", 0, true},
		{"8GiB", 0, true},
		{"many", 0, true},
	} {
		pages, err := HotReload{MemoryLimit: tc.limit}.MemoryLimitPages()
		if tc.err {
			assert.Error(t, err, tc.limit)
			continue
		}
		require.NoError(t, err, tc.limit)
		assert.Equal(t, tc.pages, pages, tc.limit)
	}
}

func TestLogBuild(t *testing.T) {
	file := filepath.Join(t.TempDir(), "vkhot.log")
	log, err := Log{Level: "warn", File: file}.Build()
	require.NoError(t, err)
	log.Info("dropped")
	log.Warn("kept")
	_ = log.Sync()

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "dropped")
	assert.Contains(t, string(data), `"msg":"kept"`)

	_, err = Log{Level: "loud"}.Build()
	assert.Error(t, err)
}

func TestLogBuildFileOnly(t *testing.T) {
	file := filepath.Join(t.TempDir(), "hotwatch.log")
	log, err := Log{Level: "debug", Development: true, File: file, FileOnly: true}.Build()
	require.NoError(t, err)
	log.Debug("candidate checked")
	_ = log.Sync()

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(data), "candidate checked")
	assert.NotContains(t, string(data), `"msg"`, "development logs are console encoded")
}

func TestReadSkipsValidation(t *testing.T) {
	cfg, err := Read("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	_, err = Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "default config")

	cfg, err = Read(writeConfig(t, "hot_reload: {loader: static}\n"))
	require.NoError(t, err)
	assert.Equal(t, LoaderStatic, cfg.HotReload.Loader)
	cfg.HotReload.Path = "demo"
	assert.NoError(t, cfg.Validate())
}
