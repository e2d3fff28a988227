package vkhot

import (
	"fmt"

	"github.com/go-gl/glfw/v3.3/glfw"
	vk "github.com/vulkan-go/vulkan"

	"github.com/andewx/vkhot/config"
	"github.com/andewx/vkhot/module"
	"github.com/andewx/vkhot/swapchain"
)

// Window is a glfw window without a client API. It is the Application the
// Device Context is created for and the input source of the frame loop.
// All methods must be called from the main thread.
type Window struct {
	window *glfw.Window
	cfg    *config.Engine

	events   []module.InputEvent
	onResize []func(swapchain.Extent)
	onKey    []func(key glfw.Key, action glfw.Action, mods glfw.ModifierKey)
}

// NewWindow creates the window. glfw must be initialised.
func NewWindow(cfg *config.Engine) (*Window, error) {
	if !glfw.VulkanSupported() {
		return nil, fmt.Errorf("glfw: vulkan is not supported by the window system")
	}
	glfw.WindowHint(glfw.ClientAPI, glfw.NoAPI)
	glfw.WindowHint(glfw.Visible, glfw.True)
	if cfg.Resizable {
		glfw.WindowHint(glfw.Resizable, glfw.True)
	} else {
		glfw.WindowHint(glfw.Resizable, glfw.False)
	}
	w, err := glfw.CreateWindow(cfg.Width, cfg.Height, cfg.Name, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("glfw: create window: %w", err)
	}
	win := &Window{window: w, cfg: cfg}
	win.installCallbacks()
	return win, nil
}

func (w *Window) installCallbacks() {
	w.window.SetKeyCallback(func(_ *glfw.Window, key glfw.Key, _ int, action glfw.Action, mods glfw.ModifierKey) {
		w.push(module.InputEvent{Kind: module.InputKey, Action: inputAction(action), Mods: uint16(mods), Code: int32(key)})
		for _, fn := range w.onKey {
			fn(key, action, mods)
		}
	})
	w.window.SetMouseButtonCallback(func(_ *glfw.Window, button glfw.MouseButton, action glfw.Action, mods glfw.ModifierKey) {
		x, y := w.window.GetCursorPos()
		w.push(module.InputEvent{
			Kind: module.InputMouseButton, Action: inputAction(action), Mods: uint16(mods),
			Code: int32(button), X: float32(x), Y: float32(y),
		})
	})
	w.window.SetCursorPosCallback(func(_ *glfw.Window, x, y float64) {
		w.push(module.InputEvent{Kind: module.InputCursor, X: float32(x), Y: float32(y)})
	})
	w.window.SetScrollCallback(func(_ *glfw.Window, dx, dy float64) {
		w.push(module.InputEvent{Kind: module.InputScroll, X: float32(dx), Y: float32(dy)})
	})
	w.window.SetFramebufferSizeCallback(func(_ *glfw.Window, width, height int) {
		w.push(module.InputEvent{Kind: module.InputResize, X: float32(width), Y: float32(height)})
		extent := swapchain.Extent{Width: uint32(width), Height: uint32(height)}
		for _, fn := range w.onResize {
			fn(extent)
		}
	})
}

func inputAction(a glfw.Action) module.InputAction {
	switch a {
	case glfw.Press:
		return module.ActionPress
	case glfw.Repeat:
		return module.ActionRepeat
	}
	return module.ActionRelease
}

func (w *Window) push(ev module.InputEvent) {
	w.events = append(w.events, ev)
}

// OnResize registers fn for framebuffer size changes; a minimized window
// reports a zero extent.
func (w *Window) OnResize(fn func(swapchain.Extent)) {
	w.onResize = append(w.onResize, fn)
}

// OnKey registers fn for raw key events, before they reach the module.
func (w *Window) OnKey(fn func(key glfw.Key, action glfw.Action, mods glfw.ModifierKey)) {
	w.onKey = append(w.onKey, fn)
}

// PollEvents processes pending window events and returns the input
// collected since the last call.
func (w *Window) PollEvents() []module.InputEvent {
	glfw.PollEvents()
	events := w.events
	w.events = nil
	return events
}

func (w *Window) ShouldClose() bool {
	return w.window.ShouldClose()
}

// Close asks the frame loop to stop after the current frame.
func (w *Window) Close() {
	w.window.SetShouldClose(true)
}

func (w *Window) FramebufferExtent() swapchain.Extent {
	width, height := w.window.GetFramebufferSize()
	return swapchain.Extent{Width: uint32(width), Height: uint32(height)}
}

func (w *Window) SetTitle(title string) {
	w.window.SetTitle(title)
}

func (w *Window) Destroy() {
	if w.window != nil {
		w.window.Destroy()
		w.window = nil
	}
}

// Application

func (w *Window) VulkanAPIVersion() vk.Version { return vk.Version(DefaultVulkanAPIVersion) }
func (w *Window) VulkanAppVersion() vk.Version { return vk.Version(DefaultVulkanAppVersion) }
func (w *Window) VulkanAppName() string        { return w.cfg.Name }
func (w *Window) VulkanMode() VulkanMode       { return DefaultVulkanMode }

func (w *Window) VulkanSurface(instance vk.Instance) (vk.Surface, error) {
	ptr, err := w.window.CreateWindowSurface(instance, nil)
	if err != nil {
		return vk.NullSurface, fmt.Errorf("glfw: create window surface: %w", err)
	}
	return vk.SurfaceFromPointer(ptr), nil
}

func (w *Window) VulkanInstanceExtensions() []string {
	required := w.window.GetRequiredInstanceExtensions()
	return append(required, w.cfg.Vulkan.InstanceExtensions.Required...)
}

func (w *Window) VulkanDeviceExtensions() []string {
	return w.cfg.Vulkan.DeviceExtensions.Required
}

func (w *Window) VulkanWantedInstanceExtensions() []string {
	return w.cfg.Vulkan.InstanceExtensions.Wanted
}

func (w *Window) VulkanWantedDeviceExtensions() []string {
	return w.cfg.Vulkan.DeviceExtensions.Wanted
}

func (w *Window) VulkanLayers() []string {
	if !w.cfg.Vulkan.Validation {
		return nil
	}
	return w.cfg.Vulkan.Layers
}

func (w *Window) VulkanDebug() bool {
	return w.cfg.Vulkan.Validation
}

func (w *Window) VulkanSwapchainDimensions() SwapchainDimensions {
	extent := w.FramebufferExtent()
	return SwapchainDimensions{
		Width:  extent.Width,
		Height: extent.Height,
		Format: vk.FormatB8g8r8a8Unorm,
		Images: uint32(w.cfg.SwapchainImages),
		VSync:  w.cfg.VSync,
	}
}
