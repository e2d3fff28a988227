package main

import (
	"context"
	"encoding/binary"
	"errors"
	"math"

	"go.uber.org/zap"

	"github.com/andewx/vkhot/module"
)

const demoName = "demo"

// demoModule cycles the clear color and counts key presses. Both survive a
// reload through the exported state.
func demoModule(log *zap.Logger, setColor func([4]float32)) module.Factory {
	return func() (*module.Funcs, error) {
		var (
			phase float64
			keys  uint32
		)
		return &module.Funcs{
			InitFunc: func(context.Context) error {
				log.Info("demo module init")
				return nil
			},
			UpdateFunc: func(_ context.Context, fc module.FrameContext) (module.Control, error) {
				for _, ev := range fc.Input {
					if ev.Kind == module.InputKey && ev.Action == module.ActionPress {
						keys++
					}
				}
				phase += fc.Delta.Seconds() * 0.5
				setColor([4]float32{
					float32(0.5 + 0.5*math.Sin(phase)),
					float32(0.5 + 0.5*math.Sin(phase+2.094)),
					float32(0.5 + 0.5*math.Sin(phase+4.188)),
					1,
				})
				return module.Continue, nil
			},
			ExportStateFunc: func(context.Context) ([]byte, error) {
				buf := binary.LittleEndian.AppendUint64(nil, math.Float64bits(phase))
				return binary.LittleEndian.AppendUint32(buf, keys), nil
			},
			ImportStateFunc: func(_ context.Context, state []byte) error {
				if len(state) != 12 {
					return errors.New("demo state must be 12 bytes")
				}
				phase = math.Float64frombits(binary.LittleEndian.Uint64(state))
				keys = binary.LittleEndian.Uint32(state[8:])
				return nil
			},
			TeardownFunc: func(context.Context) error {
				log.Info("demo module teardown", zap.Uint32("keys", keys))
				return nil
			},
		}, nil
	}
}
