package swapchain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBackend struct {
	creates    []Extent
	images     int
	next       uint32
	acquireErr error
	presentErr error
	presented  []uint32
	createErr  error
	destroyed  bool
}

func (f *fakeBackend) Create(extent Extent) (Extent, error) {
	if f.createErr != nil {
		return Extent{}, f.createErr
	}
	f.creates = append(f.creates, extent)
	f.images = 3
	return extent, nil
}

func (f *fakeBackend) ImageCount() int { return f.images }

func (f *fakeBackend) Acquire() (uint32, error) {
	if f.acquireErr != nil {
		err := f.acquireErr
		f.acquireErr = nil
		return 0, err
	}
	idx := f.next
	f.next = (f.next + 1) % uint32(f.images)
	return idx, nil
}

func (f *fakeBackend) Present(index uint32) error {
	if f.presentErr != nil {
		err := f.presentErr
		f.presentErr = nil
		return err
	}
	f.presented = append(f.presented, index)
	return nil
}

func (f *fakeBackend) Destroy() { f.destroyed = true }

type depthBuffer struct {
	destroyed *int
}

func (d depthBuffer) Destroy() { *d.destroyed++ }

func newManager(t *testing.T) (*Manager, *fakeBackend) {
	t.Helper()
	b := &fakeBackend{}
	m, err := New(b, Extent{Width: 800, Height: 600})
	require.NoError(t, err)
	return m, b
}

func TestNewBuildsFirstGeneration(t *testing.T) {
	m, b := newManager(t)
	assert.Equal(t, Valid, m.State())
	assert.Equal(t, uint64(1), m.GenerationID())
	assert.Equal(t, []Extent{{800, 600}}, b.creates)
	assert.Equal(t, 3, m.ImageCount())
}

func TestAcquirePresent(t *testing.T) {
	m, b := newManager(t)
	img, err := m.Acquire()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), img.GenerationID)
	require.NoError(t, m.Present(img))
	assert.Equal(t, []uint32{0}, b.presented)
}

func TestAcquireFailsWhileInvalid(t *testing.T) {
	m, _ := newManager(t)
	m.Resize(Extent{Width: 1024, Height: 768})
	assert.Equal(t, Invalid, m.State())

	_, err := m.Acquire()
	assert.ErrorIs(t, err, ErrStale)

	require.NoError(t, m.Rebuild())
	assert.Equal(t, Valid, m.State())
	assert.Equal(t, Extent{Width: 1024, Height: 768}, m.Extent())
	_, err = m.Acquire()
	assert.NoError(t, err)
}

func TestResizeToSameExtentKeepsSwapchain(t *testing.T) {
	m, _ := newManager(t)
	m.Resize(Extent{Width: 800, Height: 600})
	assert.Equal(t, Valid, m.State())
}

func TestOutOfDateOnAcquireInvalidates(t *testing.T) {
	m, b := newManager(t)
	b.acquireErr = ErrOutOfDate
	_, err := m.Acquire()
	assert.ErrorIs(t, err, ErrStale)
	assert.Equal(t, Invalid, m.State())
}

func TestSuboptimalAcquireStillReturnsImage(t *testing.T) {
	m, b := newManager(t)
	b.acquireErr = ErrSuboptimal
	img, err := m.Acquire()
	require.NoError(t, err)
	assert.Equal(t, Invalid, m.State())
	require.NoError(t, m.Present(img))
}

func TestPresentOutOfDate(t *testing.T) {
	m, b := newManager(t)
	img, err := m.Acquire()
	require.NoError(t, err)
	b.presentErr = ErrOutOfDate
	assert.ErrorIs(t, m.Present(img), ErrStale)
	assert.Equal(t, Invalid, m.State())
}

func TestPresentRejectsOldGenerationImage(t *testing.T) {
	m, _ := newManager(t)
	img, err := m.Acquire()
	require.NoError(t, err)

	m.Invalidate()
	require.NoError(t, m.Rebuild())
	assert.ErrorIs(t, m.Present(img), ErrStale)
}

func TestRebuildIncrementsGenerationAndReleasesSized(t *testing.T) {
	m, _ := newManager(t)
	destroyed := 0
	h, err := m.Track(depthBuffer{destroyed: &destroyed})
	require.NoError(t, err)
	_, err = m.Lookup(h)
	require.NoError(t, err)

	prev := m.GenerationID()
	for i := 0; i < 5; i++ {
		m.Invalidate()
		require.NoError(t, m.Rebuild())
		assert.Greater(t, m.GenerationID(), prev)
		prev = m.GenerationID()
	}

	assert.Equal(t, 1, destroyed)
	_, err = m.Lookup(h)
	assert.ErrorIs(t, err, ErrStale)
	assert.ErrorIs(t, m.Release(h), ErrStale)
}

func TestRebuildersRecreateResources(t *testing.T) {
	m, _ := newManager(t)
	destroyed := 0
	var current SizedHandle
	var extents []Extent
	require.NoError(t, m.OnRebuild(func(m *Manager, e Extent) error {
		extents = append(extents, e)
		h, err := m.Track(depthBuffer{destroyed: &destroyed})
		current = h
		return err
	}))

	first := current
	m.Resize(Extent{Width: 640, Height: 480})
	require.NoError(t, m.Rebuild())

	assert.Equal(t, []Extent{{800, 600}, {640, 480}}, extents)
	assert.Equal(t, 1, destroyed)
	_, err := m.Lookup(first)
	assert.ErrorIs(t, err, ErrStale)
	_, err = m.Lookup(current)
	assert.NoError(t, err)
}

func TestRebuildMinimized(t *testing.T) {
	m, b := newManager(t)
	m.Resize(Extent{Width: 0, Height: 600})
	assert.ErrorIs(t, m.Rebuild(), ErrMinimized)
	assert.Equal(t, Invalid, m.State())
	assert.Len(t, b.creates, 1)

	m.Resize(Extent{Width: 300, Height: 200})
	require.NoError(t, m.Rebuild())
	assert.Equal(t, uint64(2), m.GenerationID())
}

func TestRebuildWaitsForIdle(t *testing.T) {
	var calls int
	b := &fakeBackend{}
	m, err := New(b, Extent{Width: 10, Height: 10}, WithIdle(func() error {
		calls++
		return nil
	}))
	require.NoError(t, err)
	m.Invalidate()
	require.NoError(t, m.Rebuild())
	assert.Equal(t, 2, calls)
}

func TestRebuildCreateFailureStaysInvalid(t *testing.T) {
	m, b := newManager(t)
	b.createErr = errors.New("device lost")
	m.Invalidate()
	err := m.Rebuild()
	require.Error(t, err)
	assert.Equal(t, Invalid, m.State())
	assert.Equal(t, uint64(1), m.GenerationID())
}

func TestReleaseSized(t *testing.T) {
	m, _ := newManager(t)
	destroyed := 0
	h, err := m.Track(depthBuffer{destroyed: &destroyed})
	require.NoError(t, err)
	require.NoError(t, m.Release(h))
	assert.Equal(t, 1, destroyed)
	_, err = m.Lookup(h)
	assert.Error(t, err)
}

func TestDestroy(t *testing.T) {
	m, b := newManager(t)
	destroyed := 0
	_, err := m.Track(depthBuffer{destroyed: &destroyed})
	require.NoError(t, err)
	m.Destroy()
	assert.True(t, b.destroyed)
	assert.Equal(t, 1, destroyed)
}
