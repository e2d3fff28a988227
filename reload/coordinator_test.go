package reload

import (
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andewx/vkhot/module"
	"github.com/andewx/vkhot/watcher"
)

// fakeModule is a counter module that records every entry point call.
type fakeModule struct {
	name    string
	step    int64
	counter int64
	calls   *[]string

	failInit, failImport, failExport, failTeardown error
}

func (m *fakeModule) rec(call string) { *m.calls = append(*m.calls, m.name+"."+call) }

func (m *fakeModule) funcs() *module.Funcs {
	return &module.Funcs{
		InitFunc: func(context.Context) error {
			m.rec("init")
			m.counter = 0
			return m.failInit
		},
		UpdateFunc: func(context.Context, module.FrameContext) (module.Control, error) {
			m.rec("update")
			m.counter += m.step
			return module.Continue, nil
		},
		ExportStateFunc: func(context.Context) ([]byte, error) {
			m.rec("export")
			if m.failExport != nil {
				return nil, m.failExport
			}
			return binary.LittleEndian.AppendUint64(nil, uint64(m.counter)), nil
		},
		ImportStateFunc: func(_ context.Context, b []byte) error {
			m.rec("import")
			if m.failImport != nil {
				return m.failImport
			}
			m.counter = int64(binary.LittleEndian.Uint64(b))
			return nil
		},
		TeardownFunc: func(context.Context) error {
			m.rec("teardown")
			return m.failTeardown
		},
		CloseFunc: func(context.Context) error {
			m.rec("close")
			return nil
		},
	}
}

type fixture struct {
	calls  []string
	loads  map[string]int
	loader *module.StaticLoader
	mods   map[string]*fakeModule
}

func newFixture() *fixture {
	f := &fixture{loads: map[string]int{}, loader: module.NewStaticLoader(), mods: map[string]*fakeModule{}}
	return f
}

func (f *fixture) add(name string, step int64) *fakeModule {
	m := &fakeModule{name: name, step: step, calls: &f.calls}
	f.mods[name] = m
	f.loader.Register(name, func() (*module.Funcs, error) {
		f.loads[name]++
		return m.funcs(), nil
	})
	return m
}

func noChecksum(string) (uint32, error) { return 0, errors.New("no file") }

// fileSums serves checksums by path; unknown paths have no artifact.
type fileSums map[string]uint32

func (s fileSums) checksum(path string) (uint32, error) {
	if sum, ok := s[path]; ok {
		return sum, nil
	}
	return noChecksum(path)
}

func started(t *testing.T, f *fixture, opts ...Option) *Coordinator {
	t.Helper()
	opts = append([]Option{WithChecksum(noChecksum)}, opts...)
	c := New(f.loader, opts...)
	_, err := c.Start(context.Background(), "a")
	require.NoError(t, err)
	f.calls = nil
	return c
}

func request(path string, sum uint32) watcher.ReloadRequest {
	return watcher.ReloadRequest{CandidatePath: path, Checksum: sum, DetectedAt: time.Now()}
}

func update(t *testing.T, c *Coordinator, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := c.Active().Module.Update(context.Background(), module.FrameContext{Frame: uint64(i)})
		require.NoError(t, err)
	}
}

func TestStart(t *testing.T) {
	f := newFixture()
	f.add("a", 1)
	var activated []*module.Image
	c := New(f.loader, WithChecksum(func(string) (uint32, error) { return 0xabc, nil }),
		OnActivate(func(img *module.Image) { activated = append(activated, img) }))

	img, err := c.Start(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 1, img.Version)
	assert.Equal(t, uint32(0xabc), img.Checksum)
	assert.Same(t, img, c.Active())
	assert.Equal(t, []string{"a.init"}, f.calls)
	assert.Len(t, activated, 1)

	_, err = c.Start(context.Background(), "a")
	assert.ErrorIs(t, err, ErrStarted)
}

func TestStartLoadFailure(t *testing.T) {
	c := New(module.NewStaticLoader(), WithChecksum(noChecksum))
	_, err := c.Start(context.Background(), "missing")
	var le *module.LoadError
	assert.ErrorAs(t, err, &le)
	assert.Nil(t, c.Active())
}

func TestApplySwapsAndMigratesState(t *testing.T) {
	f := newFixture()
	f.add("a", 1)
	b := f.add("b", 2)
	var quiesced int
	c := started(t, f, WithChecksum(fileSums{"b": 7}.checksum), WithQuiesce(func(context.Context) error {
		f.calls = append(f.calls, "quiesce")
		quiesced++
		return nil
	}))
	update(t, c, 5)
	f.calls = nil

	res, err := c.Apply(context.Background(), request("b", 7))
	require.NoError(t, err)
	assert.False(t, res.RolledBack)
	assert.Equal(t, "a", res.Previous.Path)
	assert.Equal(t, "b", res.Active.Path)
	assert.Equal(t, 2, res.Active.Version)
	assert.Equal(t, uint32(7), res.Active.Checksum)
	assert.Same(t, res.Active, c.Active())

	assert.Equal(t, []string{
		"quiesce", "a.export", "a.teardown", "b.init", "b.import", "a.close",
	}, f.calls)
	assert.Equal(t, int64(5), b.counter)

	update(t, c, 1)
	assert.Equal(t, int64(7), b.counter)
	assert.Equal(t, 1, c.Stats().Reloads)
	assert.Equal(t, 1, quiesced)
}

func TestApplyLoadFailureKeepsActiveModule(t *testing.T) {
	f := newFixture()
	a := f.add("a", 1)
	c := started(t, f)
	update(t, c, 3)
	f.calls = nil
	before := c.Active()

	res, err := c.Apply(context.Background(), request("broken", 9))
	var le *module.LoadError
	require.ErrorAs(t, err, &le)
	assert.True(t, res.RolledBack)
	assert.Same(t, before, c.Active())

	// restored from the loaded handle, never loaded again
	assert.Equal(t, []string{"a.export", "a.teardown", "a.init", "a.import"}, f.calls)
	assert.Equal(t, 1, f.loads["a"])
	assert.Equal(t, int64(3), a.counter)

	update(t, c, 1)
	assert.Equal(t, int64(4), a.counter)
	st := c.Stats()
	assert.Equal(t, 1, st.Failures)
	assert.Equal(t, 1, st.Rollbacks)
	assert.Error(t, st.LastError)
}

func TestApplyCandidateInitFailure(t *testing.T) {
	f := newFixture()
	f.add("a", 1)
	b := f.add("b", 1)
	b.failInit = errors.New("bad init")
	c := started(t, f)

	_, err := c.Apply(context.Background(), request("b", 1))
	require.Error(t, err)
	assert.Equal(t, "a", c.Active().Path)
	assert.Equal(t, []string{
		"a.export", "a.teardown", "b.init", "b.close", "a.init", "a.import",
	}, f.calls)
}

func TestApplyCandidateImportFailure(t *testing.T) {
	f := newFixture()
	f.add("a", 1)
	b := f.add("b", 1)
	b.failImport = errors.New("schema changed")
	c := started(t, f)

	_, err := c.Apply(context.Background(), request("b", 1))
	require.ErrorIs(t, err, b.failImport)
	assert.Equal(t, "a", c.Active().Path)
	assert.Equal(t, []string{
		"a.export", "a.teardown", "b.init", "b.import", "b.teardown", "b.close", "a.init", "a.import",
	}, f.calls)
}

func TestApplyExportFailureChangesNothing(t *testing.T) {
	f := newFixture()
	a := f.add("a", 1)
	f.add("b", 1)
	a.failExport = errors.New("export")
	c := started(t, f)

	res, err := c.Apply(context.Background(), request("b", 1))
	require.Error(t, err)
	assert.False(t, res.RolledBack)
	assert.Equal(t, []string{"a.export"}, f.calls)
	assert.Zero(t, f.loads["b"])
}

func TestApplyRestoreFailure(t *testing.T) {
	f := newFixture()
	a := f.add("a", 1)
	c := started(t, f)
	a.failInit = errors.New("gone")

	_, err := c.Apply(context.Background(), request("missing", 1))
	assert.ErrorIs(t, err, ErrRestoreFailed)
	assert.Equal(t, "a", c.Active().Path)
}

func TestApplySkipsUnchangedChecksum(t *testing.T) {
	f := newFixture()
	f.add("a", 1)
	c := New(f.loader, WithChecksum(func(string) (uint32, error) { return 42, nil }))
	_, err := c.Start(context.Background(), "a")
	require.NoError(t, err)
	f.calls = nil

	res, err := c.Apply(context.Background(), request("a", 42))
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, f.calls)
	assert.Equal(t, 1, c.Stats().Skipped)
}

func TestApplyWithoutActiveModule(t *testing.T) {
	c := New(module.NewStaticLoader())
	_, err := c.Apply(context.Background(), request("a", 1))
	assert.ErrorIs(t, err, ErrNoActiveModule)
}

func TestQuiesceFailureAbortsBeforeExport(t *testing.T) {
	f := newFixture()
	f.add("a", 1)
	f.add("b", 1)
	c := started(t, f, WithQuiesce(func(context.Context) error { return errors.New("device lost") }))

	_, err := c.Apply(context.Background(), request("b", 1))
	require.Error(t, err)
	assert.Empty(t, f.calls)
	assert.Equal(t, "a", c.Active().Path)
}

func TestPoll(t *testing.T) {
	f := newFixture()
	f.add("a", 1)
	f.add("b", 1)
	c := started(t, f)
	mb := watcher.NewMailbox()

	_, ok, err := c.Poll(context.Background(), mb)
	require.NoError(t, err)
	assert.False(t, ok)

	mb.Post(request("b", 3))
	res, ok, err := c.Poll(context.Background(), mb)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "b", res.Active.Path)
}

func TestOnActivateSeesEveryModule(t *testing.T) {
	f := newFixture()
	f.add("a", 1)
	f.add("b", 1)
	var sums []uint32
	c := started(t, f, WithChecksum(fileSums{"b": 11}.checksum),
		OnActivate(func(img *module.Image) { sums = append(sums, img.Checksum) }))

	_, err := c.Apply(context.Background(), request("b", 11))
	require.NoError(t, err)
	assert.Equal(t, []uint32{0, 11}, sums)
}

func TestShutdown(t *testing.T) {
	f := newFixture()
	f.add("a", 1)
	c := started(t, f)

	require.NoError(t, c.Shutdown(context.Background()))
	assert.Equal(t, []string{"a.teardown", "a.close"}, f.calls)
	assert.Nil(t, c.Active())
	assert.NoError(t, c.Shutdown(context.Background()))
}

func TestApplyRecordsChecksumOfLoadedArtifact(t *testing.T) {
	f := newFixture()
	f.add("a", 1)
	f.add("b", 1)
	c := started(t, f, WithChecksum(fileSums{"b": 9}.checksum))

	// b was rewritten between detection and load
	res, err := c.Apply(context.Background(), request("b", 5))
	require.NoError(t, err)
	assert.Equal(t, uint32(9), res.Active.Checksum)

	res, err = c.Apply(context.Background(), request("b", 9))
	require.NoError(t, err)
	assert.True(t, res.Skipped)
}

func TestForcedReloadKeepsUnchangedContentSuppressed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.wasm")
	content := []byte("app v1")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	f := newFixture()
	f.add("app", 1)
	mb := watcher.NewMailbox()
	w, err := watcher.New(path, watcher.WithDebounce(watcher.MinDebounce), watcher.WithMailbox(mb))
	require.NoError(t, err)
	defer w.Close()

	c := New(f.loader, OnActivate(func(img *module.Image) { w.SetActiveChecksum(img.Checksum) }))
	_, err = c.Start(context.Background(), path)
	require.NoError(t, err)
	want := crc32.ChecksumIEEE(content)
	require.Equal(t, want, c.Active().Checksum)

	// a manual reload carries no checksum
	res, err := c.Apply(context.Background(), watcher.ReloadRequest{CandidatePath: path})
	require.NoError(t, err)
	require.False(t, res.Skipped)
	assert.Equal(t, want, c.Active().Checksum)
	assert.Equal(t, 2, c.Active().Version)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, os.WriteFile(path, content, 0o644))
	select {
	case req := <-mb.C():
		t.Fatalf("unchanged content posted %08x", req.Checksum)
	case <-time.After(20 * watcher.MinDebounce):
	}

	res, err = c.Apply(context.Background(), request(path, want))
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, 1, c.Stats().Reloads)
}
