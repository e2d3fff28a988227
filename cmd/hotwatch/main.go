// Command hotwatch watches a module artifact and checks every new build by
// loading it the way the engine would, without a window or a GPU.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/andewx/vkhot/config"
	"github.com/andewx/vkhot/module"
	"github.com/andewx/vkhot/watcher"
)

func main() {
	var (
		modulePath  = flag.String("module", "", "Module artifact to watch")
		loaderKind  = flag.String("loader", config.LoaderWasm, "Loader used to check builds: wasm, native or none")
		debounce    = flag.Duration("debounce", watcher.DefaultDebounce, "Quiet period after the last file event")
		memoryLimit = flag.String("memory-limit", "64MiB", "Memory limit of wasm modules")
		logFile     = flag.String("log", "", "Log file; required for debug output in the terminal UI")
		plain       = flag.Bool("plain", false, "Log lines instead of the terminal UI")
		verbose     = flag.Bool("v", false, "Debug logging")
	)
	flag.Parse()

	if *modulePath == "" {
		fmt.Fprintln(os.Stderr, "Usage: hotwatch -module <file> [-loader wasm|native|none] [-debounce 500ms] [-plain]")
		os.Exit(1)
	}

	interactive := !*plain && term.IsTerminal(int(os.Stdout.Fd()))
	logCfg := config.Log{Level: "info", Development: true, File: *logFile, FileOnly: interactive}
	if *verbose {
		logCfg.Level = "debug"
	}
	logger := zap.NewNop()
	if !interactive || *logFile != "" {
		var err error
		if logger, err = logCfg.Build(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
	defer logger.Sync()
	watcher.SetLogger(logger.Named("watcher"))
	module.SetLogger(logger.Named("module"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hr := config.HotReload{
		Path:            *modulePath,
		Loader:          *loaderKind,
		Debounce:        watcher.ClampDebounce(*debounce),
		MemoryLimit:     *memoryLimit,
		HotCopyTemplate: module.DefaultHotCopyTemplate,
	}
	if err := run(ctx, hr, logger, interactive); err != nil {
		logger.Error("hotwatch", zap.Error(err))
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLoader(ctx context.Context, hr config.HotReload) (module.Loader, func(context.Context) error, error) {
	nop := func(context.Context) error { return nil }
	switch hr.Loader {
	case config.LoaderWasm:
		pages, err := hr.MemoryLimitPages()
		if err != nil {
			return nil, nil, err
		}
		l, err := module.NewWasmLoader(ctx, &module.WasmConfig{MemoryLimitPages: pages})
		if err != nil {
			return nil, nil, err
		}
		return l, l.Close, nil
	case config.LoaderNative:
		return module.NewNativeLoader(hr.HotCopyTemplate), nop, nil
	case "none":
		return nil, nop, nil
	}
	return nil, nil, fmt.Errorf("unknown loader %q", hr.Loader)
}

func run(ctx context.Context, hr config.HotReload, logger *zap.Logger, interactive bool) error {
	loader, closeLoader, err := newLoader(ctx, hr)
	if err != nil {
		return err
	}
	defer closeLoader(context.Background())

	w, err := watcher.New(hr.Path, watcher.WithDebounce(hr.Debounce))
	if err != nil {
		return err
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var prog *tea.Program
	if interactive {
		prog = tea.NewProgram(newModel(w.Path(), hr.Debounce, cancel), tea.WithContext(ctx))
	}
	report := func(msg tea.Msg) {
		if prog != nil {
			prog.Send(msg)
		}
	}

	c := &checker{loader: loader}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.Run(gctx)
	})
	g.Go(func() error {
		tick := time.NewTicker(250 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-tick.C:
				report(statsMsg(w.Stats()))
			case req := <-w.Mailbox().C():
				res := c.check(gctx, req)
				if res.err == nil {
					// later builds with the same content are not checked again
					w.SetActiveChecksum(res.req.Checksum)
					logger.Info("build ok", zap.String("path", req.CandidatePath),
						zap.String("checksum", fmt.Sprintf("%08x", res.req.Checksum)),
						zap.Duration("took", res.took))
				} else {
					logger.Warn("build rejected", zap.String("path", req.CandidatePath), zap.Error(res.err))
				}
				report(res)
			}
		}
	})
	if prog != nil {
		g.Go(func() error {
			defer cancel()
			_, err := prog.Run()
			if errors.Is(err, tea.ErrProgramKilled) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}
