package vkhot

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-gl/glfw/v3.3/glfw"
	vk "github.com/vulkan-go/vulkan"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/andewx/vkhot/config"
	"github.com/andewx/vkhot/frame"
	"github.com/andewx/vkhot/module"
	"github.com/andewx/vkhot/reload"
	"github.com/andewx/vkhot/swapchain"
	"github.com/andewx/vkhot/watcher"
)

type EngineOption func(*Engine)

// WithLoader replaces the loader built from the hot_reload section.
func WithLoader(l module.Loader) EngineOption {
	return func(e *Engine) { e.loader = l }
}

// WithGUIPass records pass into every frame after the module update.
func WithGUIPass(pass frame.GUIPass) EngineOption {
	return func(e *Engine) { e.gui = pass }
}

// Engine ties the window, the Vulkan device, the swapchain, the module
// watcher and the reload coordinator to one frame loop.
type Engine struct {
	cfg    *config.Engine
	window *Window

	platform    Platform
	resources   *Resources
	frames      *InFlightFrames
	backend     *VulkanSwapchain
	swapchain   *swapchain.Manager
	renderPass  vk.RenderPass
	depthFormat vk.Format

	loader      module.Loader
	closeLoader func(context.Context) error
	watcher     *watcher.Watcher
	mailbox     *watcher.Mailbox
	coordinator *reload.Coordinator
	gui         frame.GUIPass
	loop        *frame.Loop
}

// NewEngine creates the device for window and loads the module at
// cfg.HotReload.Path. On error everything created so far is released.
func NewEngine(ctx context.Context, cfg *config.Engine, window *Window, opts ...EngineOption) (_ *Engine, err error) {
	e := &Engine{cfg: cfg, window: window}
	for _, opt := range opts {
		opt(e)
	}
	defer func() {
		if err != nil {
			if cerr := e.Close(); cerr != nil {
				Logger().Warn("engine cleanup", zap.Error(cerr))
			}
		}
	}()

	if e.platform, err = NewPlatform(window); err != nil {
		return nil, fmt.Errorf("create platform: %w", err)
	}
	if e.depthFormat, err = findDepthFormat(e.platform.PhysicalDevice()); err != nil {
		return nil, err
	}
	e.resources = NewResources(e.platform)
	if e.frames, err = NewInFlightFrames(e.platform, cfg.FramesInFlight); err != nil {
		return nil, fmt.Errorf("create frames in flight: %w", err)
	}

	dims := window.VulkanSwapchainDimensions()
	e.backend = NewVulkanSwapchain(e.platform, dims, e.frames)
	e.swapchain, err = swapchain.New(e.backend,
		swapchain.Extent{Width: dims.Width, Height: dims.Height},
		swapchain.WithIdle(func() error { return e.frames.WaitIdle(context.Background()) }))
	if err != nil {
		return nil, err
	}
	if err = e.swapchain.OnRebuild(e.rebuildTargets); err != nil {
		return nil, err
	}
	window.OnResize(e.swapchain.Resize)
	window.OnKey(e.handleKey)

	if err = e.startModule(ctx); err != nil {
		return nil, err
	}

	loopOpts := []frame.Option{
		frame.WithInput(window),
		frame.WithTargetFPS(cfg.TargetFPS),
		frame.WithStats(cfg.Stats.LogSize, cfg.Stats.DisplayMode()),
	}
	if e.mailbox != nil {
		loopOpts = append(loopOpts, frame.WithMailbox(e.mailbox))
	}
	if e.gui != nil {
		loopOpts = append(loopOpts, frame.WithGUI(e.gui))
	}
	e.loop = frame.New(e.swapchain, e.frames, e.coordinator, loopOpts...)
	return e, nil
}

// rebuildTargets recreates the render targets of a new swapchain generation.
func (e *Engine) rebuildTargets(m *swapchain.Manager, extent swapchain.Extent) error {
	if e.renderPass == vk.NullRenderPass {
		rp, err := NewRenderPass(e.platform.Device(), e.backend.Format(), e.depthFormat)
		if err != nil {
			return fmt.Errorf("create render pass: %w", err)
		}
		e.renderPass = rp
	}
	targets, err := newRenderTargets(e.resources, e.backend, e.renderPass, e.depthFormat, extent)
	if err != nil {
		return err
	}
	if _, err := m.Track(targets); err != nil {
		targets.Destroy()
		return err
	}
	e.frames.SetTargets(e.renderPass, targets)
	return nil
}

func (e *Engine) buildLoader(ctx context.Context) (module.Loader, error) {
	hr := e.cfg.HotReload
	switch hr.Loader {
	case config.LoaderWasm:
		pages, err := hr.MemoryLimitPages()
		if err != nil {
			return nil, err
		}
		l, err := module.NewWasmLoader(ctx, &module.WasmConfig{
			MemoryLimitPages: pages,
			Host:             e.resources,
		})
		if err != nil {
			return nil, err
		}
		e.closeLoader = l.Close
		return l, nil
	case config.LoaderNative:
		return module.NewNativeLoader(hr.HotCopyTemplate), nil
	case config.LoaderStatic:
		return module.NewStaticLoader(), nil
	}
	return nil, fmt.Errorf("unknown module loader %q", hr.Loader)
}

func (e *Engine) startModule(ctx context.Context) (err error) {
	hr := e.cfg.HotReload
	if e.loader == nil {
		if e.loader, err = e.buildLoader(ctx); err != nil {
			return fmt.Errorf("module loader: %w", err)
		}
	}

	var activate []reload.Option
	if hr.Enabled {
		e.mailbox = watcher.NewMailbox()
		e.watcher, err = watcher.New(hr.Path,
			watcher.WithDebounce(hr.Debounce),
			watcher.WithMailbox(e.mailbox))
		if err != nil {
			return err
		}
		activate = append(activate, reload.OnActivate(func(img *module.Image) {
			e.watcher.SetActiveChecksum(img.Checksum)
		}))
	}
	activate = append(activate, reload.WithQuiesce(e.frames.WaitIdle))
	e.coordinator = reload.New(e.loader, activate...)

	img, err := e.coordinator.Start(ctx, hr.Path)
	if err != nil {
		return fmt.Errorf("start module: %w", err)
	}
	Logger().Info("module started", zap.Stringer("module", img))
	return nil
}

func (e *Engine) handleKey(key glfw.Key, action glfw.Action, _ glfw.ModifierKey) {
	if action != glfw.Press {
		return
	}
	switch key {
	case glfw.KeyF3:
		mode := e.loop.Display().Next()
		e.loop.SetDisplay(mode)
		Logger().Info("stats display", zap.Int("mode", int(mode)))
	case glfw.KeyF5:
		if e.watcher != nil {
			e.mailbox.Post(watcher.ReloadRequest{CandidatePath: e.watcher.Path()})
		}
	}
}

func (e *Engine) Config() *config.Engine                 { return e.cfg }
func (e *Engine) Resources() *Resources                  { return e.resources }
func (e *Engine) Swapchain() *swapchain.Manager          { return e.swapchain }
func (e *Engine) Coordinator() *reload.Coordinator       { return e.coordinator }
func (e *Engine) Loop() *frame.Loop                      { return e.loop }
func (e *Engine) Platform() Platform                     { return e.platform }
func (e *Engine) Frames() *InFlightFrames                { return e.frames }
func (e *Engine) Mailbox() *watcher.Mailbox              { return e.mailbox }
func (e *Engine) ActiveModule() *module.Image            { return e.coordinator.Active() }
func (e *Engine) ReloadStats() reload.Stats              { return e.coordinator.Stats() }
func (e *Engine) FrameStats() *frame.Stats               { return e.loop.Stats() }
func (e *Engine) SetStatsDisplay(mode frame.DisplayMode) { e.loop.SetDisplay(mode) }

// Run drives the frame loop on the calling goroutine, which must be the
// main thread, and the watcher on its own. It returns when ctx is done, the
// window closes or the module exits.
func (e *Engine) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	if e.watcher != nil {
		g.Go(func() error {
			return e.watcher.Run(gctx)
		})
	}
	loopErr := e.loop.Run(gctx)
	cancel()
	err := multierr.Combine(loopErr, g.Wait())
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close shuts the module down and releases everything in reverse order of
// creation. It is safe to call on a partially built Engine.
func (e *Engine) Close() error {
	ctx := context.Background()
	var err error
	if e.frames != nil {
		err = multierr.Append(err, e.frames.WaitIdle(ctx))
	}
	if e.coordinator != nil {
		err = multierr.Append(err, e.coordinator.Shutdown(ctx))
	}
	if e.watcher != nil {
		err = multierr.Append(err, e.watcher.Close())
	}
	if e.closeLoader != nil {
		err = multierr.Append(err, e.closeLoader(ctx))
	}
	if e.swapchain != nil {
		e.swapchain.Destroy()
	} else if e.backend != nil {
		e.backend.Destroy()
	}
	if e.renderPass != vk.NullRenderPass {
		vk.DestroyRenderPass(e.platform.Device(), e.renderPass, nil)
		e.renderPass = vk.NullRenderPass
	}
	if e.frames != nil {
		e.frames.Destroy()
	}
	if e.resources != nil {
		e.resources.Destroy()
	}
	if e.platform != nil {
		e.platform.Destroy()
	}
	e.coordinator, e.watcher, e.closeLoader = nil, nil, nil
	e.swapchain, e.backend, e.frames, e.resources, e.platform = nil, nil, nil, nil, nil
	return err
}
