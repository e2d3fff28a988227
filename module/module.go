// Package module defines the contract every hot reloadable application
// module fulfils and the loaders that turn an artifact on disk into a
// callable Module.
//
// A module exports five entry points:
//
//	init()
//	update(frame_context) -> control
//	export_state() -> bytes
//	import_state(bytes)
//	teardown()
//
// Loaders resolve and check all of them before returning, so a module that
// is missing one fails once with a *LoadError instead of failing mid-frame.
package module

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Entry point names shared by every loader.
const (
	EntryInit        = "init"
	EntryUpdate      = "update"
	EntryExportState = "export_state"
	EntryImportState = "import_state"
	EntryTeardown    = "teardown"
)

// EntryPoints lists the required entry points in resolution order.
var EntryPoints = []string{EntryInit, EntryUpdate, EntryExportState, EntryImportState, EntryTeardown}

var (
	ErrMissingEntryPoint = errors.New("missing entry point")
	ErrSignatureMismatch = errors.New("entry point signature mismatch")
	ErrUnknownModule     = errors.New("unknown module")
	ErrClosed            = errors.New("module closed")
)

// LoadError reports a module that could not be loaded or linked. The
// previously active module stays in place when a reload fails with it.
type LoadError struct {
	Path   string
	Symbol string
	Err    error
}

func (e *LoadError) Error() string {
	if e.Symbol != "" {
		return fmt.Sprintf("load %s: %s: %v", e.Path, e.Symbol, e.Err)
	}
	return fmt.Sprintf("load %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// Control is returned by update to steer the frame loop.
type Control int32

const (
	Continue Control = iota
	Exit
)

func (c Control) String() string {
	switch c {
	case Continue:
		return "continue"
	case Exit:
		return "exit"
	}
	return fmt.Sprintf("control(%d)", int32(c))
}

// Extent is the drawable size in pixels.
type Extent struct {
	Width  uint32
	Height uint32
}

// FrameContext is what a module sees of the current frame.
type FrameContext struct {
	Frame   uint64
	Elapsed time.Duration
	Delta   time.Duration
	Extent  Extent
	Input   []InputEvent
}

// Module is one loaded version of the application logic. Calls happen on
// the frame loop goroutine only.
type Module interface {
	Init(ctx context.Context) error
	Update(ctx context.Context, fc FrameContext) (Control, error)
	ExportState(ctx context.Context) ([]byte, error)
	ImportState(ctx context.Context, state []byte) error
	Teardown(ctx context.Context) error
	// Close unloads the module code. The module is unusable afterwards.
	Close(ctx context.Context) error
}

// Artifact is implemented by modules loaded from a file. Checksum is the
// CRC-32 (IEEE) of the bytes that were actually loaded, which may differ
// from the file on disk if it changed in between.
type Artifact interface {
	Checksum() uint32
}

// Loader loads the module artifact at path.
type Loader interface {
	Load(ctx context.Context, path string) (Module, error)
}

// Image is one version of the module together with where it came from.
type Image struct {
	Path     string
	Checksum uint32
	Version  int
	LoadedAt time.Time
	Module   Module
}

func (img *Image) String() string {
	if img == nil {
		return "<none>"
	}
	return fmt.Sprintf("%s#%d (%08x)", img.Path, img.Version, img.Checksum)
}
