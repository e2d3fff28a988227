package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/go-gl/glfw/v3.3/glfw"
	vk "github.com/vulkan-go/vulkan"
	"go.uber.org/zap"

	"github.com/andewx/vkhot"
	"github.com/andewx/vkhot/config"
	"github.com/andewx/vkhot/frame"
	"github.com/andewx/vkhot/module"
	"github.com/andewx/vkhot/reload"
	"github.com/andewx/vkhot/swapchain"
	"github.com/andewx/vkhot/watcher"
)

func init() {
	runtime.LockOSThread()
}

func main() {
	var (
		configPath = flag.String("config", "", "Path to the engine YAML config")
		modulePath = flag.String("module", "", "Module artifact to load and watch (overrides hot_reload.path)")
		loaderKind = flag.String("loader", "", "Module loader: wasm, native or static (overrides hot_reload.loader)")
		stats      = flag.String("stats", "", "Frame statistics display: none, basic or full")
		verbose    = flag.Bool("v", false, "Debug logging")
	)
	flag.Parse()

	cfg, err := config.Read(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if *modulePath != "" {
		cfg.HotReload.Path = *modulePath
	}
	if *loaderKind != "" {
		cfg.HotReload.Loader = *loaderKind
	}
	if *stats != "" {
		cfg.Stats.Display = *stats
	}
	if *verbose {
		cfg.Log.Level = "debug"
	}
	if cfg.HotReload.Loader == config.LoaderStatic {
		if cfg.HotReload.Path == "" {
			cfg.HotReload.Path = demoName
		}
		// nothing on disk to watch
		cfg.HotReload.Enabled = false
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger, err := cfg.Log.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	setLoggers(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		vkhot.Fatal(err, stop)
	}
}

func setLoggers(l *zap.Logger) {
	vkhot.SetLogger(l)
	swapchain.SetLogger(l.Named("swapchain"))
	watcher.SetLogger(l.Named("watcher"))
	module.SetLogger(l.Named("module"))
	reload.SetLogger(l.Named("reload"))
	frame.SetLogger(l.Named("frame"))
}

func run(ctx context.Context, cfg *config.Engine, logger *zap.Logger) error {
	if err := glfw.Init(); err != nil {
		return fmt.Errorf("glfw init: %w", err)
	}
	defer glfw.Terminate()
	vk.SetGetInstanceProcAddr(glfw.GetVulkanGetInstanceProcAddress())
	if err := vk.Init(); err != nil {
		return fmt.Errorf("vulkan init: %w", err)
	}

	window, err := vkhot.NewWindow(cfg)
	if err != nil {
		return err
	}
	defer window.Destroy()
	window.OnKey(func(key glfw.Key, action glfw.Action, _ glfw.ModifierKey) {
		if key == glfw.KeyEscape && action == glfw.Press {
			window.Close()
		}
	})

	var opts []vkhot.EngineOption
	var engine *vkhot.Engine
	if cfg.HotReload.Loader == config.LoaderStatic {
		loader := module.NewStaticLoader()
		loader.Register(demoName, demoModule(logger.Named("demo"), func(c [4]float32) {
			engine.Frames().ClearColor = c
		}))
		opts = append(opts, vkhot.WithLoader(loader))
	}

	engine, err = vkhot.NewEngine(ctx, cfg, window, opts...)
	if err != nil {
		return err
	}
	runErr := engine.Run(ctx)
	logger.Info("engine stopped",
		zap.Uint64("frames", engine.Loop().Frame()),
		zap.Int("reloads", engine.ReloadStats().Reloads),
		zap.String("stats", engine.FrameStats().Summary(frame.DisplayFull)))
	if err := engine.Close(); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
