// Package slot maps stable opaque handles to GPU backed objects.
//
// A Handle pairs a slot index with the generation the slot had when the
// handle was issued. Releasing a slot bumps its generation, so every handle
// issued before the release is rejected from then on, even after the index
// is handed out again.
package slot

import (
	"container/heap"
	"errors"
	"fmt"
)

var (
	// ErrStaleHandle is returned when a handle's generation no longer matches its slot.
	ErrStaleHandle = errors.New("slot: stale handle")
	// ErrNotFound is returned when a handle points at an unused or unknown slot.
	ErrNotFound = errors.New("slot: not found")
)

// Handle is an opaque 64-bit reference into a Table.
// The zero Handle is never valid.
type Handle uint64

// Nil is the zero Handle.
const Nil Handle = 0

func makeHandle(index, generation uint32) Handle {
	return Handle(uint64(generation)<<32 | uint64(index))
}

func (h Handle) index() uint32 {
	return uint32(h)
}

func (h Handle) generation() uint32 {
	return uint32(h >> 32)
}

// IsNil reports whether h is the zero Handle.
func (h Handle) IsNil() bool {
	return h == Nil
}

func (h Handle) String() string {
	if h.IsNil() {
		return "slot(nil)"
	}
	return fmt.Sprintf("slot(%d@%d)", h.index(), h.generation())
}

type entry[T any] struct {
	payload    T
	generation uint32
	occupied   bool
}

// Table is a generation-checked index pool. It is not safe for concurrent
// use; callers keep it on the frame loop thread.
type Table[T any] struct {
	entries []entry[T]
	free    freeList
	live    int
}

// New creates an empty table.
func New[T any]() *Table[T] {
	return &Table[T]{}
}

// Allocate stores payload in the lowest free slot and returns its handle.
func (t *Table[T]) Allocate(payload T) Handle {
	var idx uint32
	if t.free.Len() > 0 {
		idx = heap.Pop(&t.free).(uint32)
	} else {
		idx = uint32(len(t.entries))
		t.entries = append(t.entries, entry[T]{generation: 1})
	}
	e := &t.entries[idx]
	e.payload = payload
	e.occupied = true
	t.live++
	return makeHandle(idx, e.generation)
}

func (t *Table[T]) lookup(h Handle) (*entry[T], error) {
	idx := h.index()
	if h.IsNil() || int(idx) >= len(t.entries) {
		return nil, ErrNotFound
	}
	e := &t.entries[idx]
	if e.generation != h.generation() {
		return nil, fmt.Errorf("%w: %s, slot is at generation %d", ErrStaleHandle, h, e.generation)
	}
	if !e.occupied {
		return nil, ErrNotFound
	}
	return e, nil
}

// Get returns the payload referenced by h.
func (t *Table[T]) Get(h Handle) (T, error) {
	e, err := t.lookup(h)
	if err != nil {
		var zero T
		return zero, err
	}
	return e.payload, nil
}

// Release frees the slot referenced by h and hands the payload back to the
// caller, who is responsible for destroying it.
func (t *Table[T]) Release(h Handle) (T, error) {
	var zero T
	e, err := t.lookup(h)
	if err != nil {
		return zero, err
	}
	payload := e.payload
	e.payload = zero
	e.occupied = false
	e.generation++
	if e.generation == 0 {
		e.generation = 1
	}
	t.live--
	heap.Push(&t.free, h.index())
	return payload, nil
}

// Valid reports whether h currently references a live payload.
func (t *Table[T]) Valid(h Handle) bool {
	_, err := t.lookup(h)
	return err == nil
}

// Len returns the number of live payloads.
func (t *Table[T]) Len() int {
	return t.live
}

// Cap returns the number of slots ever created, live or free.
func (t *Table[T]) Cap() int {
	return len(t.entries)
}

// Each calls fn for every live payload in index order until fn returns false.
func (t *Table[T]) Each(fn func(Handle, T) bool) {
	for i := range t.entries {
		e := &t.entries[i]
		if !e.occupied {
			continue
		}
		if !fn(makeHandle(uint32(i), e.generation), e.payload) {
			return
		}
	}
}

// Drain releases every live slot, passing each payload to fn.
func (t *Table[T]) Drain(fn func(Handle, T)) {
	for i := range t.entries {
		e := &t.entries[i]
		if !e.occupied {
			continue
		}
		h := makeHandle(uint32(i), e.generation)
		payload, _ := t.Release(h)
		if fn != nil {
			fn(h, payload)
		}
	}
}

// freeList is a min-heap of free slot indices.
type freeList []uint32

func (f freeList) Len() int           { return len(f) }
func (f freeList) Less(i, j int) bool { return f[i] < f[j] }
func (f freeList) Swap(i, j int)      { f[i], f[j] = f[j], f[i] }

func (f *freeList) Push(x any) {
	*f = append(*f, x.(uint32))
}

func (f *freeList) Pop() any {
	old := *f
	n := len(old)
	x := old[n-1]
	*f = old[:n-1]
	return x
}
