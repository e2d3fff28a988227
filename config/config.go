// Package config holds the engine configuration read from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/docker/go-units"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/andewx/vkhot/frame"
	"github.com/andewx/vkhot/module"
	"github.com/andewx/vkhot/watcher"
)

// WasmPageSize is the size of one WebAssembly memory page.
const WasmPageSize = 64 * 1024

// Loader kinds accepted by hot_reload.loader.
const (
	LoaderWasm   = "wasm"
	LoaderNative = "native"
	LoaderStatic = "static"
)

type Engine struct {
	Name      string `yaml:"name"`
	Width     int    `yaml:"width"`
	Height    int    `yaml:"height"`
	Resizable bool   `yaml:"resizable"`

	Vulkan Vulkan `yaml:"vulkan"`

	FramesInFlight  int  `yaml:"frames_in_flight"`
	SwapchainImages int  `yaml:"swapchain_images"`
	VSync           bool `yaml:"vsync"`
	TargetFPS       int  `yaml:"target_fps"`

	HotReload HotReload `yaml:"hot_reload"`
	Stats     Stats     `yaml:"stats"`
	Log       Log       `yaml:"log"`
}

type Vulkan struct {
	Validation bool `yaml:"validation"`
	// Layers are enabled when validation is on.
	Layers             []string   `yaml:"layers"`
	InstanceExtensions Extensions `yaml:"instance_extensions"`
	DeviceExtensions   Extensions `yaml:"device_extensions"`
}

// Extensions splits extension names into those the engine cannot run
// without and those it merely prefers.
type Extensions struct {
	Required []string `yaml:"required"`
	Wanted   []string `yaml:"wanted"`
}

type HotReload struct {
	Enabled  bool          `yaml:"enabled"`
	Path     string        `yaml:"path"`
	Loader   string        `yaml:"loader"`
	Debounce time.Duration `yaml:"debounce"`
	// MemoryLimit caps the linear memory of wasm modules, e.g. "64MiB".
	MemoryLimit     string `yaml:"memory_limit"`
	HotCopyTemplate string `yaml:"hot_copy_template"`
}

type Stats struct {
	LogSize int    `yaml:"log_size"`
	Display string `yaml:"display"`
}

// Default returns the configuration used for every field a file leaves out.
func Default() *Engine {
	return &Engine{
		Name:      "vkhot",
		Width:     1080,
		Height:    720,
		Resizable: true,
		Vulkan: Vulkan{
			Layers: []string{"VK_LAYER_KHRONOS_validation"},
			DeviceExtensions: Extensions{
				Required: []string{"VK_KHR_swapchain"},
			},
		},
		FramesInFlight:  2,
		SwapchainImages: 3,
		VSync:           true,
		TargetFPS:       60,
		HotReload: HotReload{
			Enabled:         true,
			Loader:          LoaderWasm,
			Debounce:        watcher.DefaultDebounce,
			MemoryLimit:     "64MiB",
			HotCopyTemplate: module.DefaultHotCopyTemplate,
		},
		Stats: Stats{
			LogSize: frame.DefaultLogSize,
			Display: "none",
		},
		Log: Log{
			Level: "info",
		},
	}
}

// Load reads the YAML file at path over the defaults and validates it.
// An empty path validates the defaults.
func Load(path string) (*Engine, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		if path == "" {
			return nil, fmt.Errorf("default config: %w", err)
		}
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Read is Load without validation, for callers that override fields
// before validating.
func Read(path string) (*Engine, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid field. It also clamps the debounce window
// into the range the watcher accepts.
func (c *Engine) Validate() error {
	var err error
	if c.Width <= 0 || c.Height <= 0 {
		err = multierr.Append(err, fmt.Errorf("window size %dx%d must be positive", c.Width, c.Height))
	}
	if c.FramesInFlight < 1 {
		err = multierr.Append(err, fmt.Errorf("frames_in_flight %d must be at least 1", c.FramesInFlight))
	}
	if c.SwapchainImages < 2 {
		err = multierr.Append(err, fmt.Errorf("swapchain_images %d must be at least 2", c.SwapchainImages))
	}
	if c.TargetFPS < 0 {
		err = multierr.Append(err, fmt.Errorf("target_fps %d must not be negative", c.TargetFPS))
	}
	if c.Stats.LogSize < 1 {
		err = multierr.Append(err, fmt.Errorf("stats.log_size %d must be at least 1", c.Stats.LogSize))
	}
	if _, perr := frame.ParseDisplayMode(c.Stats.Display); perr != nil {
		err = multierr.Append(err, perr)
	}
	if _, perr := c.Log.level(); perr != nil {
		err = multierr.Append(err, perr)
	}

	hr := &c.HotReload
	switch hr.Loader {
	case LoaderWasm, LoaderNative, LoaderStatic:
	default:
		err = multierr.Append(err, fmt.Errorf("hot_reload.loader %q must be one of wasm, native, static", hr.Loader))
	}
	if hr.Path == "" {
		switch {
		case hr.Enabled:
			err = multierr.Append(err, errors.New("hot_reload.path is required when hot reload is enabled"))
		case hr.Loader != LoaderStatic:
			err = multierr.Append(err, fmt.Errorf("hot_reload.path is required by the %s loader", hr.Loader))
		}
	}
	if _, perr := hr.MemoryLimitPages(); perr != nil {
		err = multierr.Append(err, perr)
	}
	hr.Debounce = watcher.ClampDebounce(hr.Debounce)
	return err
}

// MemoryLimitPages converts MemoryLimit to wasm pages; 0 means the runtime
// default.
func (h HotReload) MemoryLimitPages() (uint32, error) {
	if h.MemoryLimit == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(h.MemoryLimit)
	if err != nil {
		return 0, fmt.Errorf("hot_reload.memory_limit: %w", err)
	}
	if n < WasmPageSize {
		return 0, fmt.Errorf("hot_reload.memory_limit %s is below one wasm page", h.MemoryLimit)
	}
	pages := n / WasmPageSize
	if pages > 65536 {
		return 0, fmt.Errorf("hot_reload.memory_limit %s exceeds 4GiB", h.MemoryLimit)
	}
	return uint32(pages), nil
}

// DisplayMode returns the parsed stats display mode.
func (s Stats) DisplayMode() frame.DisplayMode {
	m, _ := frame.ParseDisplayMode(s.Display)
	return m
}
