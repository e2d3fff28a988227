package frame

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andewx/vkhot/module"
	"github.com/andewx/vkhot/reload"
	"github.com/andewx/vkhot/swapchain"
	"github.com/andewx/vkhot/watcher"
)

type journal struct {
	events  []string
	updates []string
}

func (j *journal) add(format string, args ...any) {
	j.events = append(j.events, fmt.Sprintf(format, args...))
}

type fakeBackend struct {
	j          *journal
	acquireErr []error
}

func (b *fakeBackend) Create(e swapchain.Extent) (swapchain.Extent, error) {
	b.j.add("create %s", e)
	return e, nil
}
func (b *fakeBackend) ImageCount() int { return 2 }
func (b *fakeBackend) Acquire() (uint32, error) {
	if len(b.acquireErr) > 0 {
		err := b.acquireErr[0]
		b.acquireErr = b.acquireErr[1:]
		if err != nil {
			return 0, err
		}
	}
	b.j.add("acquire")
	return 0, nil
}
func (b *fakeBackend) Present(uint32) error { b.j.add("present"); return nil }
func (b *fakeBackend) Destroy()             {}

type fakeRenderer struct {
	j *journal
}

func (r *fakeRenderer) BeginFrame(context.Context) error { return nil }
func (r *fakeRenderer) Record(_ context.Context, img swapchain.Image) (*Target, error) {
	r.j.add("record")
	return &Target{Image: img}, nil
}
func (r *fakeRenderer) Submit(context.Context, *Target) error { r.j.add("submit"); return nil }
func (r *fakeRenderer) WaitIdle(context.Context) error {
	r.j.add("idle")
	return nil
}

type fakeInput struct {
	polls, closeAfter int
	events            []module.InputEvent
}

func (in *fakeInput) PollEvents() []module.InputEvent {
	in.polls++
	return in.events
}
func (in *fakeInput) ShouldClose() bool { return in.closeAfter > 0 && in.polls >= in.closeAfter }

// counterModule records which module version ran update on which frame.
func counterModule(j *journal, name string, step int, exitAt uint64, updateErr error) module.Factory {
	return func() (*module.Funcs, error) {
		counter := 0
		return &module.Funcs{
			InitFunc: func(context.Context) error { j.add("%s.init", name); return nil },
			UpdateFunc: func(_ context.Context, fc module.FrameContext) (module.Control, error) {
				j.add("%s.update", name)
				j.updates = append(j.updates, fmt.Sprintf("%d:%s", fc.Frame, name))
				counter += step
				if updateErr != nil {
					return module.Continue, updateErr
				}
				if exitAt > 0 && fc.Frame >= exitAt {
					return module.Exit, nil
				}
				return module.Continue, nil
			},
			ExportStateFunc: func(context.Context) ([]byte, error) {
				j.add("%s.export", name)
				return []byte{byte(counter)}, nil
			},
			ImportStateFunc: func(_ context.Context, b []byte) error {
				j.add("%s.import", name)
				counter = int(b[0])
				return nil
			},
			TeardownFunc: func(context.Context) error { j.add("%s.teardown", name); return nil },
		}, nil
	}
}

type rig struct {
	j       *journal
	backend *fakeBackend
	sc      *swapchain.Manager
	coord   *reload.Coordinator
	mailbox *watcher.Mailbox
	loop    *Loop
	loader  *module.StaticLoader
}

func newRig(t *testing.T, opts ...Option) *rig {
	t.Helper()
	j := &journal{}
	r := &rig{j: j, backend: &fakeBackend{j: j}, mailbox: watcher.NewMailbox(), loader: module.NewStaticLoader()}
	r.loader.Register("a", counterModule(j, "a", 1, 0, nil))
	r.loader.Register("b", counterModule(j, "b", 10, 0, nil))

	sc, err := swapchain.New(r.backend, swapchain.Extent{Width: 320, Height: 200})
	require.NoError(t, err)
	r.sc = sc
	renderer := &fakeRenderer{j: j}
	r.coord = reload.New(r.loader,
		reload.WithChecksum(func(string) (uint32, error) { return 1, nil }),
		reload.WithQuiesce(renderer.WaitIdle))
	_, err = r.coord.Start(context.Background(), "a")
	require.NoError(t, err)

	opts = append([]Option{WithMailbox(r.mailbox), WithTargetFPS(0)}, opts...)
	r.loop = New(sc, renderer, r.coord, opts...)
	j.events = nil
	return r
}

func (r *rig) steps(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := r.loop.Step(context.Background())
		require.NoError(t, err)
	}
}

func TestStepOrder(t *testing.T) {
	r := newRig(t)
	r.steps(t, 1)
	assert.Equal(t, []string{"acquire", "a.update", "record", "submit", "present"}, r.j.events)
	assert.Equal(t, uint64(1), r.loop.Frame())
}

func TestReloadHappensBetweenFrames(t *testing.T) {
	r := newRig(t)
	r.steps(t, 3)
	r.mailbox.Post(watcher.ReloadRequest{CandidatePath: "b", Checksum: 2, DetectedAt: time.Now()})
	r.j.events = nil
	r.steps(t, 3)

	assert.Equal(t, []string{"0:a", "1:a", "2:a", "3:b", "4:b", "5:b"}, r.j.updates)
	assert.Equal(t, []string{
		"idle", "a.export", "a.teardown", "b.init", "b.import",
		"acquire", "b.update", "record", "submit", "present",
	}, r.j.events[:10])
	assert.Equal(t, 1, r.loop.Stats().Reloads)

	state, err := r.coord.Active().Module.ExportState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, byte(3+3*10), state[0])
}

func TestFailedReloadKeepsUpdating(t *testing.T) {
	r := newRig(t)
	r.steps(t, 2)
	r.mailbox.Post(watcher.ReloadRequest{CandidatePath: "missing", Checksum: 9})
	r.steps(t, 2)

	assert.Equal(t, []string{"0:a", "1:a", "2:a", "3:a"}, r.j.updates)
	assert.Equal(t, 0, r.loop.Stats().Reloads)
	assert.Equal(t, 1, r.coord.Stats().Failures)
}

func TestStaleAcquireRebuildsWithinFrame(t *testing.T) {
	r := newRig(t)
	r.backend.acquireErr = []error{swapchain.ErrOutOfDate}
	r.steps(t, 1)

	assert.Equal(t, []string{"create 320x200", "acquire", "a.update", "record", "submit", "present"}, r.j.events)
	assert.Equal(t, uint64(2), r.sc.GenerationID())
}

func TestMinimizedSkipsFrame(t *testing.T) {
	r := newRig(t)
	r.sc.Resize(swapchain.Extent{})
	r.steps(t, 2)
	assert.Empty(t, r.j.updates)

	r.sc.Resize(swapchain.Extent{Width: 100, Height: 100})
	r.steps(t, 1)
	assert.Equal(t, []string{"0:a"}, r.j.updates)
}

func TestGUIPassRunsBeforeSubmit(t *testing.T) {
	var r *rig
	r = newRig(t, WithGUI(func(_ context.Context, fc module.FrameContext, tgt *Target) error {
		r.j.add("gui %d %dx%d", fc.Frame, fc.Extent.Width, fc.Extent.Height)
		return nil
	}))
	r.steps(t, 1)
	assert.Equal(t, []string{"acquire", "a.update", "record", "gui 0 320x200", "submit", "present"}, r.j.events)
}

func TestInputReachesModule(t *testing.T) {
	in := &fakeInput{events: []module.InputEvent{{Kind: module.InputKey, Code: 32}}}
	var got []module.InputEvent
	r := newRig(t, WithInput(in))
	r.loader.Register("c", func() (*module.Funcs, error) {
		f, _ := counterModule(r.j, "c", 1, 0, nil)()
		f.UpdateFunc = func(_ context.Context, fc module.FrameContext) (module.Control, error) {
			got = fc.Input
			return module.Continue, nil
		}
		return f, nil
	})
	r.mailbox.Post(watcher.ReloadRequest{CandidatePath: "c", Checksum: 5})
	r.steps(t, 1)
	assert.Equal(t, in.events, got)
}

func TestUpdateErrorIsReported(t *testing.T) {
	boom := errors.New("trap")
	r := newRig(t)
	r.loader.Register("bad", counterModule(r.j, "bad", 1, 0, boom))
	r.mailbox.Post(watcher.ReloadRequest{CandidatePath: "bad", Checksum: 5})

	control, err := r.loop.Step(context.Background())
	assert.ErrorIs(t, err, ErrModuleUpdate)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, module.Continue, control)
	assert.Contains(t, r.j.events, "present")
}

func TestRunStopsOnExit(t *testing.T) {
	r := newRig(t)
	r.loader.Register("quit", counterModule(r.j, "quit", 1, 4, nil))
	r.mailbox.Post(watcher.ReloadRequest{CandidatePath: "quit", Checksum: 5})

	require.NoError(t, r.loop.Run(context.Background()))
	assert.Equal(t, uint64(5), r.loop.Frame())
}

func TestRunStopsWhenInputCloses(t *testing.T) {
	in := &fakeInput{closeAfter: 3}
	r := newRig(t, WithInput(in))
	require.NoError(t, r.loop.Run(context.Background()))
	assert.Len(t, r.j.updates, 3)
}

func TestRunContinuesAfterUpdateError(t *testing.T) {
	in := &fakeInput{closeAfter: 4}
	r := newRig(t, WithInput(in))
	r.loader.Register("bad", counterModule(r.j, "bad", 1, 0, errors.New("trap")))
	r.mailbox.Post(watcher.ReloadRequest{CandidatePath: "bad", Checksum: 5})

	require.NoError(t, r.loop.Run(context.Background()))
	assert.Len(t, r.j.updates, 4)
}

func TestRunStopsOnCancel(t *testing.T) {
	r := newRig(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, r.loop.Run(ctx))
	assert.Empty(t, r.j.updates)
}

func TestFrameContextTiming(t *testing.T) {
	base := time.Unix(100, 0)
	tick := 0
	clock := func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * 10 * time.Millisecond)
	}
	var deltas, elapsed []time.Duration
	r := newRig(t, WithClock(clock))
	r.loader.Register("t", func() (*module.Funcs, error) {
		f, _ := counterModule(r.j, "t", 1, 0, nil)()
		f.UpdateFunc = func(_ context.Context, fc module.FrameContext) (module.Control, error) {
			deltas = append(deltas, fc.Delta)
			elapsed = append(elapsed, fc.Elapsed)
			return module.Continue, nil
		}
		return f, nil
	})
	r.mailbox.Post(watcher.ReloadRequest{CandidatePath: "t", Checksum: 5})
	r.steps(t, 3)

	// two clock reads per step
	assert.Equal(t, []time.Duration{0, 20 * time.Millisecond, 20 * time.Millisecond}, deltas)
	assert.Equal(t, []time.Duration{0, 20 * time.Millisecond, 40 * time.Millisecond}, elapsed)
}
