package vkhot

import (
	"context"
	"encoding/binary"
	"os"
	"runtime"
	"testing"
	"time"

	"github.com/go-gl/glfw/v3.3/glfw"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	vk "github.com/vulkan-go/vulkan"

	"github.com/andewx/vkhot/config"
	"github.com/andewx/vkhot/frame"
	"github.com/andewx/vkhot/module"
	"github.com/andewx/vkhot/slot"
	"github.com/andewx/vkhot/watcher"
)

const (
	WIDTH  = 500
	HEIGHT = 500
)

func init() {
	// glfw and the Vulkan loader want the main thread
	runtime.LockOSThread()
}

// countingModule exits after frames updates and carries its counter
// across reloads.
func countingModule(frames uint64) module.Factory {
	return func() (*module.Funcs, error) {
		var n uint64
		return &module.Funcs{
			InitFunc: func(context.Context) error { return nil },
			UpdateFunc: func(_ context.Context, fc module.FrameContext) (module.Control, error) {
				n++
				if n >= frames {
					return module.Exit, nil
				}
				return module.Continue, nil
			},
			ExportStateFunc: func(context.Context) ([]byte, error) {
				return binary.LittleEndian.AppendUint64(nil, n), nil
			},
			ImportStateFunc: func(_ context.Context, state []byte) error {
				n = binary.LittleEndian.Uint64(state)
				return nil
			},
			TeardownFunc: func(context.Context) error { return nil },
		}, nil
	}
}

func TestRender(t *testing.T) {
	if os.Getenv("VKHOT_GPU_TESTS") == "" {
		t.Skip("set VKHOT_GPU_TESTS=1 to run tests against a Vulkan device")
	}

	require.NoError(t, glfw.Init())
	defer glfw.Terminate()
	vk.SetGetInstanceProcAddr(glfw.GetVulkanGetInstanceProcAddress())
	require.NoError(t, vk.Init())

	cfg := config.Default()
	cfg.Width, cfg.Height = WIDTH, HEIGHT
	cfg.Vulkan.Validation = true
	cfg.TargetFPS = 0
	cfg.HotReload.Enabled = true
	cfg.HotReload.Path = t.TempDir() + "/counter.mod"
	cfg.HotReload.Loader = config.LoaderStatic
	require.NoError(t, cfg.Validate())

	window, err := NewWindow(cfg)
	require.NoError(t, err)
	defer window.Destroy()

	loader := module.NewStaticLoader()
	loader.Register("counter", countingModule(120))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var guiFrames uint64
	gui := func(_ context.Context, _ module.FrameContext, target *frame.Target) error {
		if _, ok := target.Commands.(vk.CommandBuffer); !ok {
			t.Errorf("gui pass got %T", target.Commands)
		}
		guiFrames++
		return nil
	}
	engine, err := NewEngine(ctx, cfg, window, WithLoader(loader), WithGUIPass(gui))
	require.NoError(t, err)
	engine.SetStatsDisplay(frame.DisplayBasic)

	// a reload half way through must keep the counter going
	engine.Mailbox().Post(watcher.ReloadRequest{CandidatePath: cfg.HotReload.Path, DetectedAt: time.Now()})

	require.NoError(t, engine.Run(ctx))
	assert.Equal(t, uint64(120), engine.Loop().Frame())
	assert.Equal(t, 1, engine.ReloadStats().Reloads)
	assert.NotZero(t, engine.Resources().Len(), "depth image of the current swapchain")
	assert.Equal(t, uint64(120), guiFrames)

	targets := engine.Frames().targets
	require.NotNil(t, targets)
	assert.Len(t, targets.RenderFinished, engine.backend.ImageCount(), "one present semaphore per swapchain image")
	assert.Greater(t, engine.backend.ImageCount(), engine.Frames().Len())

	buf, err := engine.Resources().CreateBuffer(1<<20, 0)
	require.NoError(t, err)
	assert.True(t, engine.Resources().ResourceValid(buf))

	res := engine.Resources()
	set, err := res.NewDescriptorSet([]DescriptorBinding{{
		Binding:  0,
		Type:     vk.DescriptorTypeStorageBuffer,
		Stages:   vk.ShaderStageFlags(vk.ShaderStageComputeBit),
		Resource: slot.Handle(buf),
	}})
	require.NoError(t, err)

	require.NoError(t, res.ReleaseResource(buf))
	assert.False(t, res.ResourceValid(buf))
	assert.ErrorIs(t, res.BindDescriptor(set, 0, slot.Handle(buf)), slot.ErrStaleHandle)
	require.NoError(t, res.Release(set))

	require.NoError(t, engine.Close())
}
