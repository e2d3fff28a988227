package module

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

// Funcs builds a Module from Go functions. Every entry point must be set;
// Close is optional.
type Funcs struct {
	InitFunc        func(ctx context.Context) error
	UpdateFunc      func(ctx context.Context, fc FrameContext) (Control, error)
	ExportStateFunc func(ctx context.Context) ([]byte, error)
	ImportStateFunc func(ctx context.Context, state []byte) error
	TeardownFunc    func(ctx context.Context) error
	CloseFunc       func(ctx context.Context) error
}

// missing returns the first entry point that is not set.
func (f *Funcs) missing() string {
	switch {
	case f.InitFunc == nil:
		return EntryInit
	case f.UpdateFunc == nil:
		return EntryUpdate
	case f.ExportStateFunc == nil:
		return EntryExportState
	case f.ImportStateFunc == nil:
		return EntryImportState
	case f.TeardownFunc == nil:
		return EntryTeardown
	}
	return ""
}

func (f *Funcs) Init(ctx context.Context) error { return f.InitFunc(ctx) }

func (f *Funcs) Update(ctx context.Context, fc FrameContext) (Control, error) {
	return f.UpdateFunc(ctx, fc)
}

func (f *Funcs) ExportState(ctx context.Context) ([]byte, error) { return f.ExportStateFunc(ctx) }

func (f *Funcs) ImportState(ctx context.Context, state []byte) error {
	return f.ImportStateFunc(ctx, state)
}

func (f *Funcs) Teardown(ctx context.Context) error { return f.TeardownFunc(ctx) }

func (f *Funcs) Close(ctx context.Context) error {
	if f.CloseFunc == nil {
		return nil
	}
	return f.CloseFunc(ctx)
}

// Factory creates a fresh instance of a statically linked module.
type Factory func() (*Funcs, error)

// StaticLoader serves modules compiled into the binary. It is used when hot
// reloading is disabled and by tests. Paths resolve by exact match first,
// then by file name without extension.
type StaticLoader struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewStaticLoader() *StaticLoader {
	return &StaticLoader{factories: make(map[string]Factory)}
}

func (l *StaticLoader) Register(name string, f Factory) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.factories[name] = f
}

func (l *StaticLoader) lookup(path string) (Factory, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if f, ok := l.factories[path]; ok {
		return f, true
	}
	base := filepath.Base(path)
	f, ok := l.factories[strings.TrimSuffix(base, filepath.Ext(base))]
	return f, ok
}

func (l *StaticLoader) Load(ctx context.Context, path string) (Module, error) {
	f, ok := l.lookup(path)
	if !ok {
		return nil, &LoadError{Path: path, Err: ErrUnknownModule}
	}
	funcs, err := f()
	if err != nil {
		return nil, &LoadError{Path: path, Err: err}
	}
	if name := funcs.missing(); name != "" {
		return nil, &LoadError{Path: path, Symbol: name, Err: ErrMissingEntryPoint}
	}
	return funcs, nil
}

// String is used in logs.
func (l *StaticLoader) String() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return fmt.Sprintf("static(%d modules)", len(l.factories))
}
