package module

import (
	"context"
	"fmt"
	"hash/crc32"
	"os"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
)

// Additional exports required from a wasm module.
const (
	ExportMemory = "memory"
	ExportAlloc  = "alloc"
)

// HostModuleName is the import namespace of the host functions.
const HostModuleName = "env"

type signature struct {
	params  []api.ValueType
	results []api.ValueType
}

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

// wasmSignatures is the core-wasm ABI of the module contract.
//
//	init()
//	update(frame i64, elapsed_ns i64, delta_ns i64, width i32, height i32, input_ptr i32, input_len i32) -> control i32
//	export_state() -> (ptr << 32 | len) i64
//	import_state(ptr i32, len i32)
//	teardown()
//	alloc(size i32) -> ptr i32
var wasmSignatures = map[string]signature{
	EntryInit:        {},
	EntryUpdate:      {params: []api.ValueType{i64, i64, i64, i32, i32, i32, i32}, results: []api.ValueType{i32}},
	EntryExportState: {results: []api.ValueType{i64}},
	EntryImportState: {params: []api.ValueType{i32, i32}},
	EntryTeardown:    {},
	ExportAlloc:      {params: []api.ValueType{i32}, results: []api.ValueType{i32}},
}

// WasmConfig configures a WasmLoader.
type WasmConfig struct {
	// MemoryLimitPages caps guest memory in 64KiB pages; 0 keeps the wazero default.
	MemoryLimitPages uint32
	// Host backs the env imports; nil logs guest output and refuses resources.
	Host Host
}

// WasmLoader loads modules compiled to WebAssembly. All modules share one
// wazero runtime and one instance of the host module.
type WasmLoader struct {
	runtime wazero.Runtime
	host    Host
	loads   atomic.Uint64
}

// NewWasmLoader creates the runtime and instantiates the host functions.
func NewWasmLoader(ctx context.Context, cfg *WasmConfig) (*WasmLoader, error) {
	runtimeCfg := wazero.NewRuntimeConfig()
	l := &WasmLoader{host: nopHost{}}
	if cfg != nil {
		if cfg.MemoryLimitPages > 0 {
			runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
		}
		if cfg.Host != nil {
			l.host = cfg.Host
		}
	}
	l.runtime = wazero.NewRuntimeWithConfig(ctx, runtimeCfg)

	if err := l.instantiateHost(ctx); err != nil {
		l.runtime.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	return l, nil
}

func (l *WasmLoader) instantiateHost(ctx context.Context) error {
	_, err := l.runtime.NewHostModuleBuilder(HostModuleName).
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, m api.Module, ptr, size uint32) {
			buf, ok := m.Memory().Read(ptr, size)
			if !ok {
				Logger().Warn("guest log out of bounds", zap.Uint32("ptr", ptr), zap.Uint32("len", size))
				return
			}
			l.host.Log(string(buf))
		}).
		Export("log").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, size uint64, usage uint32) uint64 {
			h, err := l.host.CreateBuffer(size, usage)
			if err != nil {
				Logger().Warn("guest buffer_create failed", zap.Uint64("size", size), zap.Error(err))
				return 0
			}
			return h
		}).
		Export("buffer_create").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, handle uint64) int32 {
			return StatusOf(l.host.ReleaseResource(handle))
		}).
		Export("resource_release").
		NewFunctionBuilder().
		WithFunc(func(ctx context.Context, handle uint64) uint32 {
			if l.host.ResourceValid(handle) {
				return 1
			}
			return 0
		}).
		Export("resource_valid").
		Instantiate(ctx)
	return err
}

// Load reads, compiles, validates and instantiates the module at path.
func (l *WasmLoader) Load(ctx context.Context, path string) (Module, error) {
	bin, err := os.ReadFile(path)
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	return l.LoadBytes(ctx, path, bin)
}

// LoadBytes is Load for an artifact already in memory; path is only used
// for error reporting.
func (l *WasmLoader) LoadBytes(ctx context.Context, path string, bin []byte) (Module, error) {
	compiled, err := l.runtime.CompileModule(ctx, bin)
	if err != nil {
		return nil, &LoadError{Path: path, Err: fmt.Errorf("compile: %w", err)}
	}
	if err := validateExports(path, compiled); err != nil {
		compiled.Close(ctx)
		return nil, err
	}

	// anonymous so successive versions can be instantiated side by side
	inst, err := l.runtime.InstantiateModule(ctx, compiled,
		wazero.NewModuleConfig().WithName("").WithStartFunctions())
	if err != nil {
		compiled.Close(ctx)
		return nil, &LoadError{Path: path, Err: fmt.Errorf("instantiate: %w", err)}
	}

	m := &wasmModule{
		path:     path,
		sum:      crc32.ChecksumIEEE(bin),
		compiled: compiled,
		inst:     inst,
		mem:      inst.Memory(),
		funcs:    make(map[string]api.Function, len(wasmSignatures)),
	}
	for name := range wasmSignatures {
		m.funcs[name] = inst.ExportedFunction(name)
	}
	n := l.loads.Add(1)
	Logger().Debug("wasm module instantiated",
		zap.String("path", path),
		zap.Uint64("load", n),
		zap.Int("bytes", len(bin)))
	return m, nil
}

func validateExports(path string, compiled wazero.CompiledModule) error {
	if _, ok := compiled.ExportedMemories()[ExportMemory]; !ok {
		return &LoadError{Path: path, Symbol: ExportMemory, Err: ErrMissingEntryPoint}
	}
	exported := compiled.ExportedFunctions()
	names := append(slices.Clone(EntryPoints), ExportAlloc)
	for _, name := range names {
		def, ok := exported[name]
		if !ok {
			return &LoadError{Path: path, Symbol: name, Err: ErrMissingEntryPoint}
		}
		want := wasmSignatures[name]
		if !slices.Equal(def.ParamTypes(), want.params) || !slices.Equal(def.ResultTypes(), want.results) {
			return &LoadError{Path: path, Symbol: name, Err: fmt.Errorf("%w: have %s", ErrSignatureMismatch, describe(def))}
		}
	}
	for _, imp := range compiled.ImportedFunctions() {
		mod, _, _ := imp.Import()
		if mod != HostModuleName {
			return &LoadError{Path: path, Symbol: imp.Name(), Err: fmt.Errorf("unsupported import module %q", mod)}
		}
	}
	return nil
}

func describe(def api.FunctionDefinition) string {
	name := func(ts []api.ValueType) []string {
		out := make([]string, len(ts))
		for i, t := range ts {
			out[i] = api.ValueTypeName(t)
		}
		return out
	}
	return fmt.Sprintf("%v -> %v", name(def.ParamTypes()), name(def.ResultTypes()))
}

// Close releases the runtime and every module instantiated from it.
func (l *WasmLoader) Close(ctx context.Context) error {
	return l.runtime.Close(ctx)
}

type wasmModule struct {
	path     string
	sum      uint32
	compiled wazero.CompiledModule
	inst     api.Module
	mem      api.Memory
	funcs    map[string]api.Function

	closeOnce sync.Once
	closed    atomic.Bool
}

func (m *wasmModule) call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}
	res, err := m.funcs[name].Call(ctx, params...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return res, nil
}

func (m *wasmModule) Checksum() uint32 { return m.sum }

func (m *wasmModule) Init(ctx context.Context) error {
	_, err := m.call(ctx, EntryInit)
	return err
}

func (m *wasmModule) Update(ctx context.Context, fc FrameContext) (Control, error) {
	var ptr, size uint32
	if len(fc.Input) > 0 {
		buf := EncodeInput(fc.Input)
		var err error
		if ptr, err = m.write(ctx, buf); err != nil {
			return Continue, fmt.Errorf("update input: %w", err)
		}
		size = uint32(len(buf))
	}
	res, err := m.call(ctx, EntryUpdate,
		api.EncodeI64(int64(fc.Frame)),
		api.EncodeI64(fc.Elapsed.Nanoseconds()),
		api.EncodeI64(fc.Delta.Nanoseconds()),
		api.EncodeU32(fc.Extent.Width),
		api.EncodeU32(fc.Extent.Height),
		api.EncodeU32(ptr),
		api.EncodeU32(size),
	)
	if err != nil {
		return Continue, err
	}
	return Control(api.DecodeI32(res[0])), nil
}

func (m *wasmModule) ExportState(ctx context.Context) ([]byte, error) {
	res, err := m.call(ctx, EntryExportState)
	if err != nil {
		return nil, err
	}
	packed := res[0]
	ptr, size := uint32(packed>>32), uint32(packed)
	if size == 0 {
		return nil, nil
	}
	buf, ok := m.mem.Read(ptr, size)
	if !ok {
		return nil, fmt.Errorf("%s: state [%d, +%d) outside guest memory", EntryExportState, ptr, size)
	}
	// the view aliases guest memory; copy before the guest runs again
	return slices.Clone(buf), nil
}

func (m *wasmModule) ImportState(ctx context.Context, state []byte) error {
	var ptr uint32
	if len(state) > 0 {
		var err error
		if ptr, err = m.write(ctx, state); err != nil {
			return fmt.Errorf("%s: %w", EntryImportState, err)
		}
	}
	_, err := m.call(ctx, EntryImportState, api.EncodeU32(ptr), api.EncodeU32(uint32(len(state))))
	return err
}

func (m *wasmModule) Teardown(ctx context.Context) error {
	_, err := m.call(ctx, EntryTeardown)
	return err
}

// write copies buf into guest memory obtained from the guest's alloc.
func (m *wasmModule) write(ctx context.Context, buf []byte) (uint32, error) {
	res, err := m.call(ctx, ExportAlloc, api.EncodeU32(uint32(len(buf))))
	if err != nil {
		return 0, err
	}
	ptr := api.DecodeU32(res[0])
	if !m.mem.Write(ptr, buf) {
		return 0, fmt.Errorf("write %d bytes at %d: outside guest memory", len(buf), ptr)
	}
	return ptr, nil
}

func (m *wasmModule) Close(ctx context.Context) error {
	var err error
	m.closeOnce.Do(func() {
		m.closed.Store(true)
		err = m.inst.Close(ctx)
		if cerr := m.compiled.Close(ctx); err == nil {
			err = cerr
		}
	})
	return err
}
