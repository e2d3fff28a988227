// Package swapchain drives the lifecycle of a presentable swapchain.
//
// The Manager is a small state machine:
//
//	Valid -> (resize or out-of-date) -> Invalid -> Rebuilding -> Valid
//
// Every successful rebuild issues a new generation id. Size-dependent
// resources tracked by the Manager carry the id they were created under
// and are released on the next rebuild, so a handle from an older
// generation is always rejected.
package swapchain

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/andewx/vkhot/slot"
)

var (
	// ErrStale reports that the swapchain (or an image or handle tied to it)
	// belongs to an invalidated generation. Rebuild before retrying.
	ErrStale = errors.New("swapchain: stale")
	// ErrMinimized is returned by Rebuild when the target extent is zero.
	ErrMinimized = errors.New("swapchain: surface has zero extent")

	// ErrOutOfDate is returned by a Backend when the surface no longer
	// matches the swapchain.
	ErrOutOfDate = errors.New("swapchain: out of date")
	// ErrSuboptimal is returned by a Backend when the swapchain still works
	// but should be recreated.
	ErrSuboptimal = errors.New("swapchain: suboptimal")
)

type State int

const (
	Valid State = iota
	Invalid
	Rebuilding
)

func (s State) String() string {
	switch s {
	case Valid:
		return "valid"
	case Invalid:
		return "invalid"
	case Rebuilding:
		return "rebuilding"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Extent is a surface size in pixels.
type Extent struct {
	Width  uint32
	Height uint32
}

func (e Extent) IsZero() bool {
	return e.Width == 0 || e.Height == 0
}

func (e Extent) String() string {
	return fmt.Sprintf("%dx%d", e.Width, e.Height)
}

// Backend creates and drives the driver-level swapchain.
type Backend interface {
	// Create builds the swapchain for the requested extent, replacing any
	// previous one, and returns the extent actually chosen by the surface.
	Create(extent Extent) (Extent, error)
	// ImageCount is the number of images of the current swapchain.
	ImageCount() int
	// Acquire returns the index of the next presentable image.
	// ErrOutOfDate and ErrSuboptimal are recognised by the Manager.
	Acquire() (uint32, error)
	// Present queues the image for display.
	Present(index uint32) error
	// Destroy releases the swapchain.
	Destroy()
}

// Sized is a resource whose lifetime is bound to one swapchain generation,
// such as a depth buffer or a framebuffer.
type Sized interface {
	Destroy()
}

// SizedHandle references a Sized resource of a given swapchain generation.
type SizedHandle struct {
	Handle       slot.Handle
	GenerationID uint64
}

// Image is an acquired swapchain image.
type Image struct {
	Index        uint32
	GenerationID uint64
	Extent       Extent
}

// Rebuilder recreates size-dependent resources after a rebuild.
type Rebuilder func(m *Manager, extent Extent) error

type Option func(*Manager)

// WithIdle sets the function the Manager calls before tearing down the old
// swapchain. It must block until no submitted work references it.
func WithIdle(fn func() error) Option {
	return func(m *Manager) {
		m.idle = fn
	}
}

// Manager owns the swapchain state. Like the frame loop that drives it, it
// is used from a single goroutine.
type Manager struct {
	backend    Backend
	idle       func() error
	state      State
	generation uint64
	extent     Extent
	pending    Extent
	sized      *slot.Table[Sized]
	rebuilders []Rebuilder
}

// New creates the first swapchain for extent.
func New(backend Backend, extent Extent, opts ...Option) (*Manager, error) {
	m := &Manager{
		backend: backend,
		state:   Invalid,
		pending: extent,
		sized:   slot.New[Sized](),
	}
	for _, opt := range opts {
		opt(m)
	}
	if err := m.Rebuild(); err != nil && !errors.Is(err, ErrMinimized) {
		return nil, err
	}
	return m, nil
}

func (m *Manager) State() State {
	return m.state
}

// GenerationID is the id of the current swapchain; 0 before the first build.
func (m *Manager) GenerationID() uint64 {
	return m.generation
}

func (m *Manager) Extent() Extent {
	return m.extent
}

func (m *Manager) ImageCount() int {
	return m.backend.ImageCount()
}

// Invalidate marks the swapchain out of date.
func (m *Manager) Invalidate() {
	if m.state == Valid {
		Logger().Debug("swapchain invalidated", zap.Uint64("generation", m.generation))
		m.state = Invalid
	}
}

// Resize records the new surface extent and invalidates the swapchain if it
// differs from the current one.
func (m *Manager) Resize(extent Extent) {
	m.pending = extent
	if extent != m.extent {
		m.Invalidate()
	}
}

// Acquire returns the next image. It fails with ErrStale while the
// swapchain is invalid.
func (m *Manager) Acquire() (Image, error) {
	if m.state != Valid {
		return Image{}, fmt.Errorf("acquire: %w (state %s)", ErrStale, m.state)
	}
	idx, err := m.backend.Acquire()
	switch {
	case errors.Is(err, ErrOutOfDate):
		m.Invalidate()
		return Image{}, fmt.Errorf("acquire: %w", ErrStale)
	case errors.Is(err, ErrSuboptimal):
		// the image is still usable; rebuild after this frame
		m.Invalidate()
	case err != nil:
		return Image{}, err
	}
	return Image{Index: idx, GenerationID: m.generation, Extent: m.extent}, nil
}

// Present queues img. Images from an older generation are rejected.
func (m *Manager) Present(img Image) error {
	if img.GenerationID != m.generation {
		return fmt.Errorf("present image of generation %d: %w", img.GenerationID, ErrStale)
	}
	err := m.backend.Present(img.Index)
	switch {
	case errors.Is(err, ErrOutOfDate):
		m.Invalidate()
		return fmt.Errorf("present: %w", ErrStale)
	case errors.Is(err, ErrSuboptimal):
		m.Invalidate()
		return nil
	}
	return err
}

// Rebuild recreates an invalid swapchain. All size-dependent resources are
// released and a new generation id is issued. A zero pending extent leaves
// the swapchain invalid and returns ErrMinimized.
func (m *Manager) Rebuild() error {
	if m.state == Valid {
		return nil
	}
	if m.pending.IsZero() {
		return ErrMinimized
	}
	if m.idle != nil {
		if err := m.idle(); err != nil {
			return fmt.Errorf("wait idle before rebuild: %w", err)
		}
	}
	m.state = Rebuilding
	released := m.releaseSized()

	extent, err := m.backend.Create(m.pending)
	if err != nil {
		m.state = Invalid
		return fmt.Errorf("create swapchain %s: %w", m.pending, err)
	}
	m.generation++
	m.extent = extent
	m.pending = extent

	for _, rb := range m.rebuilders {
		if err := rb(m, extent); err != nil {
			m.state = Invalid
			return fmt.Errorf("rebuild size-dependent resources: %w", err)
		}
	}
	m.state = Valid
	Logger().Info("swapchain rebuilt",
		zap.Uint64("generation", m.generation),
		zap.Stringer("extent", extent),
		zap.Int("images", m.backend.ImageCount()),
		zap.Int("released", released))
	return nil
}

// OnRebuild registers fn to run after every successful rebuild. It is also
// run immediately when the swapchain is valid.
func (m *Manager) OnRebuild(fn Rebuilder) error {
	m.rebuilders = append(m.rebuilders, fn)
	if m.state == Valid {
		return fn(m, m.extent)
	}
	return nil
}

// Track takes ownership of a size-dependent resource for the current generation.
func (m *Manager) Track(res Sized) (SizedHandle, error) {
	if m.state == Invalid {
		return SizedHandle{}, fmt.Errorf("track: %w", ErrStale)
	}
	return SizedHandle{Handle: m.sized.Allocate(res), GenerationID: m.generation}, nil
}

// Lookup returns the resource behind h if it belongs to the current generation.
func (m *Manager) Lookup(h SizedHandle) (Sized, error) {
	if h.GenerationID != m.generation {
		return nil, fmt.Errorf("lookup %s of generation %d: %w", h.Handle, h.GenerationID, ErrStale)
	}
	return m.sized.Get(h.Handle)
}

// Release destroys a size-dependent resource before the next rebuild.
func (m *Manager) Release(h SizedHandle) error {
	if h.GenerationID != m.generation {
		return fmt.Errorf("release %s of generation %d: %w", h.Handle, h.GenerationID, ErrStale)
	}
	res, err := m.sized.Release(h.Handle)
	if err != nil {
		return err
	}
	res.Destroy()
	return nil
}

func (m *Manager) releaseSized() int {
	n := 0
	m.sized.Drain(func(_ slot.Handle, res Sized) {
		res.Destroy()
		n++
	})
	return n
}

// Destroy releases every tracked resource and the swapchain itself.
func (m *Manager) Destroy() {
	m.releaseSized()
	m.backend.Destroy()
	m.state = Invalid
}
