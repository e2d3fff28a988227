// Package reload swaps the active application module while the frame loop
// is live.
//
// The Coordinator holds the process-wide active module. It is initialised
// by Start, replaced only by Apply and released by Shutdown. Apply runs on
// the frame loop goroutine between frames and follows a fixed order:
//
//  1. wait for the GPU to go idle
//  2. export the active module's state
//  3. tear the active module down
//  4. load the candidate and resolve its entry points
//  5. init the candidate and import the state into it
//  6. publish the candidate and unload the old module
//
// When a step after the export fails, the old module, which is still
// loaded, is re-initialised and given its own state back. The artifact is
// never loaded a second time.
package reload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/andewx/vkhot/module"
	"github.com/andewx/vkhot/watcher"
)

var (
	ErrNoActiveModule = errors.New("reload: no active module")
	ErrRestoreFailed  = errors.New("reload: restoring previous module failed")
	ErrStarted        = errors.New("reload: coordinator already started")
)

// Result describes one reload attempt.
type Result struct {
	Previous *module.Image
	Active   *module.Image
	Duration time.Duration
	// Skipped is set when the candidate has the active module's checksum.
	Skipped bool
	// RolledBack is set when the old module was restored after a failure.
	RolledBack bool
}

type Stats struct {
	Reloads      int
	Failures     int
	Rollbacks    int
	Skipped      int
	LastError    error
	LastDuration time.Duration
	LastReload   time.Time
}

type Option func(*Coordinator)

// WithQuiesce sets the function that blocks until no GPU work is in flight.
func WithQuiesce(fn func(ctx context.Context) error) Option {
	return func(c *Coordinator) {
		c.quiesce = fn
	}
}

// OnActivate registers fn to be called with every module that becomes active.
func OnActivate(fn func(img *module.Image)) Option {
	return func(c *Coordinator) {
		c.onActivate = append(c.onActivate, fn)
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithChecksum replaces the checksum used for modules whose loader does not
// report one.
func WithChecksum(fn watcher.ChecksumFunc) Option {
	return func(c *Coordinator) {
		c.checksum = fn
	}
}

type Coordinator struct {
	loader     module.Loader
	quiesce    func(ctx context.Context) error
	onActivate []func(*module.Image)
	now        func() time.Time
	checksum   watcher.ChecksumFunc

	active  atomic.Pointer[module.Image]
	version int

	statsMu sync.Mutex
	stats   Stats
}

func New(loader module.Loader, opts ...Option) *Coordinator {
	c := &Coordinator{
		loader:   loader,
		now:      time.Now,
		checksum: watcher.Checksum,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start loads and initialises the first module.
func (c *Coordinator) Start(ctx context.Context, path string) (*module.Image, error) {
	if c.active.Load() != nil {
		return nil, ErrStarted
	}
	m, err := c.loader.Load(ctx, path)
	if err != nil {
		return nil, err
	}
	if err := m.Init(ctx); err != nil {
		return nil, multierr.Append(fmt.Errorf("init %s: %w", path, err), m.Close(ctx))
	}
	img := c.publish(path, c.loadedChecksum(path, m), m)
	Logger().Info("module active", zap.Stringer("module", img))
	return img, nil
}

// Active returns the active module image; nil before Start and after Shutdown.
// Safe to call from any goroutine.
func (c *Coordinator) Active() *module.Image {
	return c.active.Load()
}

// loadedChecksum is the checksum of the code m was loaded from. Loaders
// that read an artifact report it themselves; for the others the file at
// path is hashed after the load.
func (c *Coordinator) loadedChecksum(path string, m module.Module) uint32 {
	if a, ok := m.(module.Artifact); ok {
		return a.Checksum()
	}
	sum, err := c.checksum(path)
	if err != nil {
		// static modules have no artifact to hash
		Logger().Debug("module has no checksum", zap.String("path", path), zap.Error(err))
		return 0
	}
	return sum
}

func (c *Coordinator) publish(path string, sum uint32, m module.Module) *module.Image {
	c.version++
	img := &module.Image{
		Path:     path,
		Checksum: sum,
		Version:  c.version,
		LoadedAt: c.now(),
		Module:   m,
	}
	c.active.Store(img)
	for _, fn := range c.onActivate {
		fn(img)
	}
	return img
}

// Poll applies the request pending in mb, if any. It is called at the top
// of a frame.
func (c *Coordinator) Poll(ctx context.Context, mb *watcher.Mailbox) (Result, bool, error) {
	req, ok := mb.TryTake()
	if !ok {
		return Result{}, false, nil
	}
	res, err := c.Apply(ctx, req)
	return res, true, err
}

// Apply swaps in the module requested by req. On failure the previous
// module stays active; a *module.LoadError is returned when the candidate
// could not be loaded.
func (c *Coordinator) Apply(ctx context.Context, req watcher.ReloadRequest) (Result, error) {
	start := c.now()
	old := c.active.Load()
	if old == nil {
		return Result{}, ErrNoActiveModule
	}
	res := Result{Previous: old, Active: old}

	// a zero checksum is a forced reload
	if req.Checksum != 0 && req.Checksum == old.Checksum {
		c.record(func(s *Stats) { s.Skipped++ })
		Logger().Debug("reload skipped", zap.Stringer("module", old), zap.Error(watcher.ErrChecksumUnchanged))
		res.Skipped = true
		return res, nil
	}

	log := Logger().With(zap.String("candidate", req.CandidatePath), zap.Stringer("active", old))
	log.Info("reloading module", zap.Duration("latency", start.Sub(req.DetectedAt)))

	if c.quiesce != nil {
		if err := c.quiesce(ctx); err != nil {
			return res, c.fail(log, fmt.Errorf("quiesce: %w", err))
		}
	}

	state, err := old.Module.ExportState(ctx)
	if err != nil {
		// nothing has changed yet, the old module keeps running
		return res, c.fail(log, fmt.Errorf("export state: %w", err))
	}

	next, err := c.swap(ctx, old, req, state)
	if err != nil {
		res.RolledBack = true
		if rerr := c.restore(ctx, old, state); rerr != nil {
			err = multierr.Append(err, rerr)
		}
		c.record(func(s *Stats) { s.Rollbacks++ })
		return res, c.fail(log, err)
	}

	if err := old.Module.Close(ctx); err != nil {
		log.Warn("unloading previous module", zap.Error(err))
	}
	res.Active = next
	res.Duration = c.now().Sub(start)
	c.record(func(s *Stats) {
		s.Reloads++
		s.LastDuration = res.Duration
		s.LastReload = c.now()
	})
	log.Info("module reloaded",
		zap.Stringer("module", next),
		zap.Int("state_bytes", len(state)),
		zap.Duration("took", res.Duration))
	return res, nil
}

// swap runs steps 3 to 6. The old module has been torn down when it
// returns an error.
func (c *Coordinator) swap(ctx context.Context, old *module.Image, req watcher.ReloadRequest, state []byte) (*module.Image, error) {
	if err := old.Module.Teardown(ctx); err != nil {
		return nil, fmt.Errorf("teardown %s: %w", old, err)
	}
	m, err := c.loader.Load(ctx, req.CandidatePath)
	if err != nil {
		return nil, err
	}
	if err := m.Init(ctx); err != nil {
		return nil, multierr.Append(fmt.Errorf("init candidate: %w", err), m.Close(ctx))
	}
	if err := m.ImportState(ctx, state); err != nil {
		err = fmt.Errorf("import state into candidate: %w", err)
		return nil, multierr.Combine(err, m.Teardown(ctx), m.Close(ctx))
	}
	sum := c.loadedChecksum(req.CandidatePath, m)
	if req.Checksum != 0 && sum != req.Checksum {
		Logger().Debug("candidate changed after detection",
			zap.String("requested", fmt.Sprintf("%08x", req.Checksum)),
			zap.String("loaded", fmt.Sprintf("%08x", sum)))
	}
	return c.publish(req.CandidatePath, sum, m), nil
}

// restore brings the old module back from its still loaded handle.
func (c *Coordinator) restore(ctx context.Context, old *module.Image, state []byte) error {
	if err := old.Module.Init(ctx); err != nil {
		return fmt.Errorf("%w: init: %v", ErrRestoreFailed, err)
	}
	if err := old.Module.ImportState(ctx, state); err != nil {
		return fmt.Errorf("%w: import state: %v", ErrRestoreFailed, err)
	}
	Logger().Info("previous module restored", zap.Stringer("module", old))
	return nil
}

func (c *Coordinator) fail(log *zap.Logger, err error) error {
	c.record(func(s *Stats) {
		s.Failures++
		s.LastError = err
	})
	var le *module.LoadError
	if errors.As(err, &le) {
		log.Warn("reload aborted, keeping previous module", zap.Error(err))
	} else {
		log.Error("reload failed", zap.Error(err))
	}
	return err
}

func (c *Coordinator) record(fn func(*Stats)) {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	fn(&c.stats)
}

func (c *Coordinator) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

// Shutdown tears down and unloads the active module.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	img := c.active.Swap(nil)
	if img == nil {
		return nil
	}
	Logger().Info("shutting down module", zap.Stringer("module", img))
	return multierr.Combine(img.Module.Teardown(ctx), img.Module.Close(ctx))
}
