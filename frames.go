package vkhot

import (
	"context"
	"errors"
	"fmt"

	vk "github.com/vulkan-go/vulkan"

	"github.com/andewx/vkhot/frame"
	"github.com/andewx/vkhot/swapchain"
)

var errNoTargets = errors.New("render targets not built for this swapchain generation")

// perFrame is everything one frame in flight owns.
type perFrame struct {
	device         vk.Device
	fenceManager   *FenceManager
	commandManager *CommandBufferManager

	imageAvailable vk.Semaphore
}

func newPerFrame(device vk.Device, graphicsQueueIndex uint32) (f *perFrame, err error) {
	defer checkErr(&err)
	m, err := NewCommandBufferManager(device, vk.CommandBufferLevelPrimary, graphicsQueueIndex)
	orPanic(err)
	f = &perFrame{
		device:         device,
		fenceManager:   NewFenceManager(device),
		commandManager: m,
	}
	info := &vk.SemaphoreCreateInfo{SType: vk.StructureTypeSemaphoreCreateInfo}
	orPanic(NewError(vk.CreateSemaphore(device, info, nil, &f.imageAvailable)))
	return f, nil
}

func (p *perFrame) Destroy() {
	p.fenceManager.Destroy()
	p.commandManager.Destroy()
	if p.imageAvailable != vk.NullSemaphore {
		vk.DestroySemaphore(p.device, p.imageAvailable, nil)
	}
}

// InFlightFrames rotates N sets of per-frame objects so the CPU can record
// frame n+1 while the GPU still works on frame n. It implements
// frame.Renderer for the window swapchain.
type InFlightFrames struct {
	platform Platform
	frames   []*perFrame
	current  int

	renderPass vk.RenderPass
	targets    *RenderTargets

	// ClearColor is the RGBA color every frame starts from.
	ClearColor [4]float32
}

func NewInFlightFrames(p Platform, n int) (_ *InFlightFrames, err error) {
	if n < 1 {
		return nil, fmt.Errorf("frames in flight %d must be at least 1", n)
	}
	f := &InFlightFrames{
		platform:   p,
		current:    -1,
		ClearColor: [4]float32{0.02, 0.02, 0.04, 1},
	}
	for i := 0; i < n; i++ {
		pf, err := newPerFrame(p.Device(), p.GraphicsQueueFamilyIndex())
		if err != nil {
			f.Destroy()
			return nil, err
		}
		f.frames = append(f.frames, pf)
	}
	return f, nil
}

// Len is the number of frames in flight.
func (f *InFlightFrames) Len() int {
	return len(f.frames)
}

func (f *InFlightFrames) frame() *perFrame {
	return f.frames[f.current]
}

func (f *InFlightFrames) acquireSemaphore() vk.Semaphore {
	return f.frame().imageAvailable
}

// releaseSemaphore belongs to the swapchain image, not the slot: the
// presentation engine may still hold it when the slot comes round again.
func (f *InFlightFrames) releaseSemaphore(index uint32) vk.Semaphore {
	return f.targets.RenderFinished[index]
}

// SetTargets switches to the render targets of a new swapchain generation.
func (f *InFlightFrames) SetTargets(renderPass vk.RenderPass, t *RenderTargets) {
	f.renderPass = renderPass
	f.targets = t
}

// BeginFrame moves to the next slot and waits until the GPU is done with
// the work last submitted from it. Fences are reset here, never between
// acquire and submit, so a skipped frame leaves nothing to wait for.
func (f *InFlightFrames) BeginFrame(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.current = (f.current + 1) % len(f.frames)
	pf := f.frame()
	if err := pf.fenceManager.Reset(); err != nil {
		return fmt.Errorf("wait for frame %d: %w", f.current, err)
	}
	if err := pf.commandManager.Reset(); err != nil {
		return fmt.Errorf("reset commands of frame %d: %w", f.current, err)
	}
	return nil
}

// Record starts the frame's command buffer and opens the render pass on
// img. The target's Commands is a vk.CommandBuffer.
func (f *InFlightFrames) Record(ctx context.Context, img swapchain.Image) (*frame.Target, error) {
	if f.targets == nil || int(img.Index) >= len(f.targets.Framebuffers) {
		return nil, errNoTargets
	}
	cmd, err := f.frame().commandManager.NewCommandBuffer()
	if err != nil {
		return nil, err
	}
	ret := vk.BeginCommandBuffer(cmd, &vk.CommandBufferBeginInfo{
		SType: vk.StructureTypeCommandBufferBeginInfo,
		Flags: vk.CommandBufferUsageFlags(vk.CommandBufferUsageOneTimeSubmitBit),
	})
	if err := NewError(ret); err != nil {
		return nil, err
	}
	clearValues := []vk.ClearValue{
		vk.NewClearValue(f.ClearColor[:]),
		vk.NewClearDepthStencil(1, 0),
	}
	vk.CmdBeginRenderPass(cmd, &vk.RenderPassBeginInfo{
		SType:       vk.StructureTypeRenderPassBeginInfo,
		RenderPass:  f.renderPass,
		Framebuffer: f.targets.Framebuffers[img.Index],
		RenderArea: vk.Rect2D{
			Extent: vk.Extent2D{Width: img.Extent.Width, Height: img.Extent.Height},
		},
		ClearValueCount: uint32(len(clearValues)),
		PClearValues:    clearValues,
	}, vk.SubpassContentsInline)
	return &frame.Target{Image: img, Slot: f.current, Commands: cmd}, nil
}

// Submit closes the render pass and queues the commands. The GPU waits for
// the acquired image and signals the image's present semaphore and the
// slot's fence.
func (f *InFlightFrames) Submit(ctx context.Context, t *frame.Target) error {
	cmd, ok := t.Commands.(vk.CommandBuffer)
	if !ok {
		return fmt.Errorf("submit: target holds %T, not a command buffer", t.Commands)
	}
	vk.CmdEndRenderPass(cmd)
	if err := NewError(vk.EndCommandBuffer(cmd)); err != nil {
		return err
	}
	pf := f.frame()
	fence, err := pf.fenceManager.NewFence()
	if err != nil {
		return err
	}
	ret := vk.QueueSubmit(f.platform.GraphicsQueue(), 1, []vk.SubmitInfo{{
		SType:                vk.StructureTypeSubmitInfo,
		WaitSemaphoreCount:   1,
		PWaitSemaphores:      []vk.Semaphore{pf.imageAvailable},
		PWaitDstStageMask:    []vk.PipelineStageFlags{vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit)},
		CommandBufferCount:   1,
		PCommandBuffers:      []vk.CommandBuffer{cmd},
		SignalSemaphoreCount: 1,
		PSignalSemaphores:    []vk.Semaphore{f.releaseSemaphore(t.Image.Index)},
	}}, fence)
	return NewError(ret)
}

// WaitIdle drains the GPU. It is the quiesce point for module reloads and
// swapchain rebuilds.
func (f *InFlightFrames) WaitIdle(ctx context.Context) error {
	return f.platform.WaitIdle(ctx)
}

func (f *InFlightFrames) Destroy() {
	for _, pf := range f.frames {
		pf.Destroy()
	}
	f.frames = nil
}
