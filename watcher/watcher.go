// Package watcher detects new builds of a hot reloadable module.
//
// The Watcher observes the module file and its directory, coalesces bursts
// of filesystem events with a debounce timer, and posts a ReloadRequest to a
// single-slot Mailbox once the file content differs from the active module.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	DefaultDebounce = 500 * time.Millisecond
	MinDebounce     = 50 * time.Millisecond
	MaxDebounce     = 5 * time.Second
)

// Stats counts what the watcher has seen since it started.
type Stats struct {
	Events     uint64
	Requests   uint64
	Replaced   uint64
	Suppressed uint64
	Retries    uint64
}

type Option func(*Watcher)

// WithDebounce sets the quiet period that must follow the last event before
// the file is evaluated. Values are clamped to [MinDebounce, MaxDebounce].
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		w.debounce = ClampDebounce(d)
	}
}

func WithChecksum(fn ChecksumFunc) Option {
	return func(w *Watcher) {
		w.checksum = fn
	}
}

// WithMailbox makes the watcher post into mb instead of its own mailbox.
func WithMailbox(mb *Mailbox) Option {
	return func(w *Watcher) {
		w.mailbox = mb
	}
}

// ClampDebounce bounds d to the supported debounce range; zero means default.
func ClampDebounce(d time.Duration) time.Duration {
	switch {
	case d == 0:
		return DefaultDebounce
	case d < MinDebounce:
		return MinDebounce
	case d > MaxDebounce:
		return MaxDebounce
	}
	return d
}

type Watcher struct {
	path     string
	base     string
	debounce time.Duration
	checksum ChecksumFunc
	mailbox  *Mailbox
	fs       *fsnotify.Watcher

	hasActive  atomic.Bool
	active     atomic.Uint32
	lastPosted uint32
	posted     bool

	events     atomic.Uint64
	requests   atomic.Uint64
	replaced   atomic.Uint64
	suppressed atomic.Uint64
	retries    atomic.Uint64
}

// New starts watching path and its parent directory. The directory watch
// catches deployments that rename a finished build over the old file.
func New(path string, opts ...Option) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	w := &Watcher{
		path:     abs,
		base:     filepath.Base(abs),
		debounce: DefaultDebounce,
		checksum: Checksum,
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.mailbox == nil {
		w.mailbox = NewMailbox()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fs watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}
	// the file itself may not exist yet; the directory watch covers creation
	if err := fsw.Add(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		Logger().Debug("file watch not added", zap.String("path", abs), zap.Error(err))
	}
	w.fs = fsw

	Logger().Info("watching module",
		zap.String("path", abs),
		zap.Duration("debounce", w.debounce))
	return w, nil
}

func (w *Watcher) Path() string {
	return w.path
}

func (w *Watcher) Mailbox() *Mailbox {
	return w.mailbox
}

// SetActiveChecksum records the checksum of the module currently running.
// Candidates with the same checksum are suppressed.
func (w *Watcher) SetActiveChecksum(sum uint32) {
	w.active.Store(sum)
	w.hasActive.Store(true)
}

func (w *Watcher) Stats() Stats {
	return Stats{
		Events:     w.events.Load(),
		Requests:   w.requests.Load(),
		Replaced:   w.replaced.Load(),
		Suppressed: w.suppressed.Load(),
		Retries:    w.retries.Load(),
	}
}

// Run processes filesystem events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	return w.loop(ctx, w.fs.Events, w.fs.Errors)
}

func (w *Watcher) loop(ctx context.Context, events <-chan fsnotify.Event, errs <-chan error) error {
	// idle until the first event
	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if !w.relevant(ev) {
				continue
			}
			w.events.Add(1)
			timer.Reset(w.debounce)
		case err, ok := <-errs:
			if !ok {
				return nil
			}
			Logger().Warn("fs watcher error", zap.Error(err))
		case <-timer.C:
			if err := w.evaluate(time.Now()); err != nil {
				w.retries.Add(1)
				Logger().Debug("candidate not ready, retrying", zap.Error(err))
				timer.Reset(w.debounce)
			}
		}
	}
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if filepath.Base(ev.Name) != w.base {
		return false
	}
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) ||
		ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Chmod)
}

// evaluate runs once per debounce cycle. A returned error means the file
// could not be read and the cycle should be retried.
func (w *Watcher) evaluate(now time.Time) error {
	sum, err := w.checksum(w.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// removed or renamed away; a create event will follow a redeploy
		return nil
	case err != nil:
		return err
	}

	if err := w.changed(sum); err != nil {
		w.suppressed.Add(1)
		Logger().Debug("reload suppressed", zap.Uint32("checksum", sum), zap.Error(err))
		return nil
	}

	req := ReloadRequest{CandidatePath: w.path, DetectedAt: now, Checksum: sum}
	if w.mailbox.Post(req) {
		w.replaced.Add(1)
	}
	w.lastPosted, w.posted = sum, true
	w.requests.Add(1)
	Logger().Info("reload requested",
		zap.String("path", w.path),
		zap.String("checksum", fmt.Sprintf("%08x", sum)))
	return nil
}

func (w *Watcher) changed(sum uint32) error {
	if w.hasActive.Load() && w.active.Load() == sum {
		return ErrChecksumUnchanged
	}
	if w.posted && w.lastPosted == sum {
		return ErrChecksumUnchanged
	}
	return nil
}

func (w *Watcher) Close() error {
	return w.fs.Close()
}
