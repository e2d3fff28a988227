//go:build darwin || freebsd || linux

package module

import (
	"context"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"go.uber.org/zap"
)

// NativeLoader loads shared libraries exporting the module contract with
// the C ABI:
//
//	void     init(void);
//	int32_t  update(uint64_t frame, int64_t elapsed_ns, int64_t delta_ns,
//	                uint32_t width, uint32_t height, const uint8_t *input, uint64_t input_len);
//	uint64_t export_state(uint8_t *buf, uint64_t cap);   // returns the needed length
//	void     import_state(const uint8_t *buf, uint64_t len);
//	void     teardown(void);
//
// The library is copied to a per-load file before dlopen so the build can
// replace the watched file while the copy is mapped. Symbol presence is
// checked, signatures cannot be.
type NativeLoader struct {
	template string

	mu      sync.Mutex
	counter int
}

// NewNativeLoader creates a loader; template names the per-load copy, see HotCopyPath.
func NewNativeLoader(template string) *NativeLoader {
	return &NativeLoader{template: template}
}

func (l *NativeLoader) Load(ctx context.Context, path string) (Module, error) {
	l.mu.Lock()
	l.counter++
	hot := HotCopyPath(l.template, path, l.counter)
	l.mu.Unlock()

	sum, err := copyFile(path, hot)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	lib, err := purego.Dlopen(hot, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		os.Remove(hot)
		return nil, &LoadError{Path: path, Err: fmt.Errorf("dlopen %s: %w", hot, err)}
	}

	m := &nativeModule{path: path, hot: hot, lib: lib, sum: sum}
	targets := map[string]any{
		EntryInit:        &m.init,
		EntryUpdate:      &m.update,
		EntryExportState: &m.exportState,
		EntryImportState: &m.importState,
		EntryTeardown:    &m.teardown,
	}
	for _, name := range EntryPoints {
		sym, err := purego.Dlsym(lib, name)
		if err != nil {
			m.unload()
			return nil, &LoadError{Path: path, Symbol: name, Err: fmt.Errorf("%w: %v", ErrMissingEntryPoint, err)}
		}
		purego.RegisterFunc(targets[name], sym)
	}
	Logger().Debug("native module loaded", zap.String("path", path), zap.String("copy", hot))
	return m, nil
}

// copyFile copies src to dst and returns the checksum of what was written.
func copyFile(src, dst string) (uint32, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o755)
	if err != nil {
		return 0, err
	}
	h := crc32.NewIEEE()
	if _, err := io.Copy(io.MultiWriter(out, h), in); err != nil {
		out.Close()
		os.Remove(dst)
		return 0, err
	}
	return h.Sum32(), out.Close()
}

type nativeModule struct {
	path string
	hot  string
	lib  uintptr
	sum  uint32

	init        func()
	update      func(frame uint64, elapsedNs, deltaNs int64, width, height uint32, input *byte, inputLen uint64) int32
	exportState func(buf *byte, capacity uint64) uint64
	importState func(buf *byte, n uint64)
	teardown    func()

	closed bool
}

func (m *nativeModule) Checksum() uint32 { return m.sum }

func (m *nativeModule) Init(ctx context.Context) error {
	if m.closed {
		return ErrClosed
	}
	m.init()
	return nil
}

func (m *nativeModule) Update(ctx context.Context, fc FrameContext) (Control, error) {
	if m.closed {
		return Continue, ErrClosed
	}
	var ptr *byte
	buf := EncodeInput(fc.Input)
	if len(buf) > 0 {
		ptr = unsafe.SliceData(buf)
	}
	c := m.update(fc.Frame, fc.Elapsed.Nanoseconds(), fc.Delta.Nanoseconds(),
		fc.Extent.Width, fc.Extent.Height, ptr, uint64(len(buf)))
	return Control(c), nil
}

func (m *nativeModule) ExportState(ctx context.Context) ([]byte, error) {
	if m.closed {
		return nil, ErrClosed
	}
	n := m.exportState(nil, 0)
	if n == 0 {
		return nil, nil
	}
	buf := make([]byte, n)
	if got := m.exportState(unsafe.SliceData(buf), n); got != n {
		return nil, fmt.Errorf("%s: state size changed from %d to %d between calls", EntryExportState, n, got)
	}
	return buf, nil
}

func (m *nativeModule) ImportState(ctx context.Context, state []byte) error {
	if m.closed {
		return ErrClosed
	}
	var ptr *byte
	if len(state) > 0 {
		ptr = unsafe.SliceData(state)
	}
	m.importState(ptr, uint64(len(state)))
	return nil
}

func (m *nativeModule) Teardown(ctx context.Context) error {
	if m.closed {
		return ErrClosed
	}
	m.teardown()
	return nil
}

func (m *nativeModule) unload() error {
	err := purego.Dlclose(m.lib)
	if rerr := os.Remove(m.hot); err == nil && rerr != nil && !os.IsNotExist(rerr) {
		err = rerr
	}
	return err
}

func (m *nativeModule) Close(ctx context.Context) error {
	if m.closed {
		return nil
	}
	m.closed = true
	return m.unload()
}
