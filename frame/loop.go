// Package frame drives the per-frame sequence of the runtime.
//
// One Step is: apply a pending reload (top of frame only), acquire a
// swapchain image, update the active module, record the frame including
// the GUI pass, submit and present. A reload can therefore never land in
// the middle of a frame.
package frame

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/andewx/vkhot/module"
	"github.com/andewx/vkhot/reload"
	"github.com/andewx/vkhot/swapchain"
	"github.com/andewx/vkhot/watcher"
)

// ErrModuleUpdate wraps errors returned by the active module's update.
var ErrModuleUpdate = errors.New("frame: module update failed")

// Swapchain is the part of the swapchain manager the loop drives.
type Swapchain interface {
	Acquire() (swapchain.Image, error)
	Present(img swapchain.Image) error
	Rebuild() error
}

// Target is the frame being recorded.
type Target struct {
	Image swapchain.Image
	// Slot is the in-flight frame index.
	Slot int
	// Commands is the renderer's command buffer; the Vulkan renderer
	// stores a vk.CommandBuffer.
	Commands any
}

// Renderer records and submits the GPU work of a frame.
type Renderer interface {
	// BeginFrame waits until the next in-flight slot may be reused. It runs
	// before the swapchain image is acquired.
	BeginFrame(ctx context.Context) error
	// Record starts the command buffer for img.
	Record(ctx context.Context, img swapchain.Image) (*Target, error)
	// Submit finishes and queues the recorded commands.
	Submit(ctx context.Context, t *Target) error
	// WaitIdle blocks until the GPU has finished all submitted work.
	WaitIdle(ctx context.Context) error
}

// Reloader is the reload coordinator as seen by the loop.
type Reloader interface {
	Poll(ctx context.Context, mb *watcher.Mailbox) (reload.Result, bool, error)
	Active() *module.Image
}

// Input is the windowing layer.
type Input interface {
	PollEvents() []module.InputEvent
	ShouldClose() bool
}

// GUIPass records an externally owned GUI render pass into the frame's
// command buffer before submission.
type GUIPass func(ctx context.Context, fc module.FrameContext, t *Target) error

type Option func(*Loop)

func WithMailbox(mb *watcher.Mailbox) Option {
	return func(l *Loop) { l.mailbox = mb }
}

func WithInput(in Input) Option {
	return func(l *Loop) { l.input = in }
}

func WithGUI(pass GUIPass) Option {
	return func(l *Loop) { l.gui = pass }
}

// WithTargetFPS paces Run to fps frames per second; 0 disables pacing.
func WithTargetFPS(fps int) Option {
	return func(l *Loop) {
		if fps > 0 {
			l.period = time.Second / time.Duration(fps)
		} else {
			l.period = 0
		}
	}
}

func WithStats(logSize int, mode DisplayMode) Option {
	return func(l *Loop) {
		l.stats = NewStats(logSize)
		l.display = mode
	}
}

func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

type Loop struct {
	swapchain Swapchain
	renderer  Renderer
	reloader  Reloader
	mailbox   *watcher.Mailbox
	input     Input
	gui       GUIPass

	period  time.Duration
	stats   *Stats
	display DisplayMode
	now     func() time.Time

	frame uint64
	start time.Time
	last  time.Time
}

func New(sc Swapchain, r Renderer, rl Reloader, opts ...Option) *Loop {
	l := &Loop{
		swapchain: sc,
		renderer:  r,
		reloader:  rl,
		now:       time.Now,
		period:    time.Second / 60,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.stats == nil {
		l.stats = NewStats(DefaultLogSize)
	}
	return l
}

func (l *Loop) Stats() *Stats {
	return l.stats
}

// Display is the current statistics display mode.
func (l *Loop) Display() DisplayMode {
	return l.display
}

// SetDisplay changes how frame statistics are reported. Like Step, it must
// be called from the loop goroutine.
func (l *Loop) SetDisplay(mode DisplayMode) {
	l.display = mode
}

// Frame is the number of frames that reached the update stage.
func (l *Loop) Frame() uint64 {
	return l.frame
}

// Step runs one frame.
func (l *Loop) Step(ctx context.Context) (module.Control, error) {
	begin := l.now()
	if l.start.IsZero() {
		l.start, l.last = begin, begin
	}

	if l.mailbox != nil {
		res, ok, err := l.reloader.Poll(ctx, l.mailbox)
		switch {
		case errors.Is(err, reload.ErrRestoreFailed):
			return module.Exit, err
		case ok && err == nil && !res.Skipped:
			l.stats.Reloads++
		}
	}

	var events []module.InputEvent
	if l.input != nil {
		events = l.input.PollEvents()
	}

	if err := l.renderer.BeginFrame(ctx); err != nil {
		return module.Exit, fmt.Errorf("begin frame: %w", err)
	}
	img, ok, err := l.acquire()
	if err != nil || !ok {
		return module.Continue, err
	}

	active := l.reloader.Active()
	if active == nil {
		return module.Exit, reload.ErrNoActiveModule
	}
	fc := module.FrameContext{
		Frame:   l.frame,
		Elapsed: begin.Sub(l.start),
		Delta:   begin.Sub(l.last),
		Extent:  module.Extent{Width: img.Extent.Width, Height: img.Extent.Height},
		Input:   events,
	}
	l.last = begin
	l.frame++

	control, uerr := active.Module.Update(ctx, fc)
	if uerr != nil {
		uerr = fmt.Errorf("%w: %s: %w", ErrModuleUpdate, active, uerr)
		control = module.Continue
	}

	target, err := l.renderer.Record(ctx, img)
	if err != nil {
		return module.Exit, fmt.Errorf("record frame: %w", err)
	}
	if l.gui != nil {
		if err := l.gui(ctx, fc, target); err != nil {
			return module.Exit, fmt.Errorf("gui pass: %w", err)
		}
	}
	if err := l.renderer.Submit(ctx, target); err != nil {
		return module.Exit, fmt.Errorf("submit: %w", err)
	}
	if err := l.swapchain.Present(img); err != nil && !errors.Is(err, swapchain.ErrStale) {
		return module.Exit, fmt.Errorf("present: %w", err)
	}

	end := l.now()
	if l.stats.Tick(fc.Delta, end.Sub(begin)) && l.display != DisplayNone {
		Logger().Info("frame stats", zap.String("stats", l.stats.Summary(l.display)))
	}
	return control, uerr
}

// acquire gets an image, rebuilding a stale swapchain once. ok is false
// when the frame has to be skipped.
func (l *Loop) acquire() (img swapchain.Image, ok bool, err error) {
	for attempt := 0; attempt < 2; attempt++ {
		img, err = l.swapchain.Acquire()
		if err == nil {
			return img, true, nil
		}
		if !errors.Is(err, swapchain.ErrStale) {
			return img, false, fmt.Errorf("acquire: %w", err)
		}
		if err := l.swapchain.Rebuild(); err != nil {
			if errors.Is(err, swapchain.ErrMinimized) {
				return img, false, nil
			}
			return img, false, fmt.Errorf("rebuild: %w", err)
		}
	}
	return img, false, nil
}

// Run steps frames until ctx is done, the input source closes or the
// module returns Exit. Module update errors are logged and the loop keeps
// going so a fixed build can be reloaded over a broken one.
func (l *Loop) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if l.input != nil && l.input.ShouldClose() {
			return nil
		}
		frameStart := l.now()
		control, err := l.Step(ctx)
		switch {
		case errors.Is(err, ErrModuleUpdate):
			Logger().Error("module update", zap.Uint64("frame", l.frame), zap.Error(err))
		case err != nil:
			return err
		}
		if control == module.Exit {
			Logger().Info("module requested exit", zap.Uint64("frame", l.frame))
			return nil
		}
		if err := l.pace(ctx, frameStart); err != nil {
			return nil
		}
	}
}

func (l *Loop) pace(ctx context.Context, frameStart time.Time) error {
	if l.period == 0 {
		return nil
	}
	wait := l.period - l.now().Sub(frameStart)
	if wait <= 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
