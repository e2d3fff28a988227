package module

import (
	"encoding/binary"
	"fmt"
	"math"
)

type InputKind uint8

const (
	InputKey InputKind = iota + 1
	InputMouseButton
	InputCursor
	InputScroll
	InputResize
)

type InputAction uint8

const (
	ActionRelease InputAction = iota
	ActionPress
	ActionRepeat
)

// InputEvent is a platform independent input event.
type InputEvent struct {
	Kind   InputKind
	Action InputAction
	Mods   uint16
	Code   int32
	X, Y   float32
}

// InputEventSize is the encoded size of one InputEvent.
const InputEventSize = 16

// EncodeInput lays out events as little-endian 16 byte records:
//
//	kind u8 | action u8 | mods u16 | code i32 | x f32 | y f32
func EncodeInput(events []InputEvent) []byte {
	buf := make([]byte, len(events)*InputEventSize)
	for i, ev := range events {
		b := buf[i*InputEventSize:]
		b[0] = byte(ev.Kind)
		b[1] = byte(ev.Action)
		binary.LittleEndian.PutUint16(b[2:], ev.Mods)
		binary.LittleEndian.PutUint32(b[4:], uint32(ev.Code))
		binary.LittleEndian.PutUint32(b[8:], math.Float32bits(ev.X))
		binary.LittleEndian.PutUint32(b[12:], math.Float32bits(ev.Y))
	}
	return buf
}

// DecodeInput is the inverse of EncodeInput.
func DecodeInput(buf []byte) ([]InputEvent, error) {
	if len(buf)%InputEventSize != 0 {
		return nil, fmt.Errorf("input buffer of %d bytes is not a multiple of %d", len(buf), InputEventSize)
	}
	events := make([]InputEvent, len(buf)/InputEventSize)
	for i := range events {
		b := buf[i*InputEventSize:]
		events[i] = InputEvent{
			Kind:   InputKind(b[0]),
			Action: InputAction(b[1]),
			Mods:   binary.LittleEndian.Uint16(b[2:]),
			Code:   int32(binary.LittleEndian.Uint32(b[4:])),
			X:      math.Float32frombits(binary.LittleEndian.Uint32(b[8:])),
			Y:      math.Float32frombits(binary.LittleEndian.Uint32(b[12:])),
		}
	}
	return events, nil
}
