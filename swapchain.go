package vkhot

import (
	"fmt"

	vk "github.com/vulkan-go/vulkan"
	"go.uber.org/zap"

	"github.com/andewx/vkhot/swapchain"
)

// frameSync hands out the semaphores of the frame being recorded.
type frameSync interface {
	acquireSemaphore() vk.Semaphore
	releaseSemaphore(index uint32) vk.Semaphore
}

// VulkanSwapchain is the swapchain.Backend for a window surface.
type VulkanSwapchain struct {
	platform Platform
	dims     SwapchainDimensions
	sync     frameSync

	swapchain vk.Swapchain
	format    vk.SurfaceFormat
	extent    vk.Extent2D
	images    []vk.Image
	views     []vk.ImageView
}

func NewVulkanSwapchain(p Platform, dims SwapchainDimensions, sync frameSync) *VulkanSwapchain {
	return &VulkanSwapchain{platform: p, dims: dims, sync: sync}
}

// Create builds a swapchain for extent, passing the previous one as
// OldSwapchain, and destroys the previous one and its views.
func (s *VulkanSwapchain) Create(extent swapchain.Extent) (_ swapchain.Extent, err error) {
	defer checkErr(&err)
	device := s.platform.Device()
	gpu := s.platform.PhysicalDevice()
	surface := s.platform.Surface()

	var caps vk.SurfaceCapabilities
	orPanic(NewError(vk.GetPhysicalDeviceSurfaceCapabilities(gpu, surface, &caps)))
	caps.Deref()
	caps.CurrentExtent.Deref()
	caps.MinImageExtent.Deref()
	caps.MaxImageExtent.Deref()

	size := chooseExtent(caps, extent)
	if size.Width == 0 || size.Height == 0 {
		return swapchain.Extent{}, swapchain.ErrMinimized
	}

	if s.format.Format == vk.FormatUndefined {
		s.format, err = s.chooseFormat(gpu, surface)
		orPanic(err)
	}
	presentMode := s.choosePresentMode(gpu, surface)

	imageCount := s.dims.Images
	if imageCount < caps.MinImageCount {
		imageCount = caps.MinImageCount
	}
	if caps.MaxImageCount > 0 && imageCount > caps.MaxImageCount {
		imageCount = caps.MaxImageCount
	}

	preTransform := caps.CurrentTransform
	if vk.SurfaceTransformFlagBits(caps.SupportedTransforms)&vk.SurfaceTransformIdentityBit != 0 {
		preTransform = vk.SurfaceTransformIdentityBit
	}

	// Find a supported composite alpha mode - one of these is guaranteed to be set
	compositeAlpha := vk.CompositeAlphaOpaqueBit
	for _, flag := range []vk.CompositeAlphaFlagBits{
		vk.CompositeAlphaOpaqueBit,
		vk.CompositeAlphaPreMultipliedBit,
		vk.CompositeAlphaPostMultipliedBit,
		vk.CompositeAlphaInheritBit,
	} {
		if caps.SupportedCompositeAlpha&vk.CompositeAlphaFlags(flag) != 0 {
			compositeAlpha = flag
			break
		}
	}

	info := &vk.SwapchainCreateInfo{
		SType:            vk.StructureTypeSwapchainCreateInfo,
		Surface:          surface,
		MinImageCount:    imageCount,
		ImageFormat:      s.format.Format,
		ImageColorSpace:  s.format.ColorSpace,
		ImageExtent:      size,
		ImageUsage:       vk.ImageUsageFlags(vk.ImageUsageColorAttachmentBit | vk.ImageUsageTransferDstBit),
		PreTransform:     preTransform,
		CompositeAlpha:   compositeAlpha,
		ImageArrayLayers: 1,
		ImageSharingMode: vk.SharingModeExclusive,
		PresentMode:      presentMode,
		OldSwapchain:     s.swapchain,
		Clipped:          vk.True,
	}
	if s.platform.HasSeparatePresentQueue() {
		info.ImageSharingMode = vk.SharingModeConcurrent
		info.QueueFamilyIndexCount = 2
		info.PQueueFamilyIndices = []uint32{
			s.platform.GraphicsQueueFamilyIndex(),
			s.platform.PresentQueueFamilyIndex(),
		}
	}

	var sc vk.Swapchain
	orPanic(NewError(vk.CreateSwapchain(device, info, nil, &sc)))
	s.destroyImages()
	if s.swapchain != vk.NullSwapchain {
		vk.DestroySwapchain(device, s.swapchain, nil)
	}
	s.swapchain = sc
	s.extent = size

	var count uint32
	orPanic(NewError(vk.GetSwapchainImages(device, s.swapchain, &count, nil)))
	s.images = make([]vk.Image, count)
	orPanic(NewError(vk.GetSwapchainImages(device, s.swapchain, &count, s.images)))
	s.views = make([]vk.ImageView, 0, count)
	for _, img := range s.images {
		view, err := s.createView(device, img)
		orPanic(err)
		s.views = append(s.views, view)
	}

	Logger().Debug("vulkan swapchain created",
		zap.Uint32("width", size.Width),
		zap.Uint32("height", size.Height),
		zap.Uint32("images", count),
		zap.Int32("present_mode", int32(presentMode)))
	return swapchain.Extent{Width: size.Width, Height: size.Height}, nil
}

// chooseExtent uses the surface's current extent unless the window system
// leaves it to the swapchain, in which case want is clamped into range.
func chooseExtent(caps vk.SurfaceCapabilities, want swapchain.Extent) vk.Extent2D {
	if caps.CurrentExtent.Width != vk.MaxUint32 {
		return caps.CurrentExtent
	}
	return vk.Extent2D{
		Width:  clamp(want.Width, caps.MinImageExtent.Width, caps.MaxImageExtent.Width),
		Height: clamp(want.Height, caps.MinImageExtent.Height, caps.MaxImageExtent.Height),
	}
}

func clamp(v, lo, hi uint32) uint32 {
	if v < lo {
		return lo
	}
	if hi > 0 && v > hi {
		return hi
	}
	return v
}

func (s *VulkanSwapchain) chooseFormat(gpu vk.PhysicalDevice, surface vk.Surface) (vk.SurfaceFormat, error) {
	var count uint32
	if err := NewError(vk.GetPhysicalDeviceSurfaceFormats(gpu, surface, &count, nil)); err != nil {
		return vk.SurfaceFormat{}, err
	}
	if count == 0 {
		return vk.SurfaceFormat{}, fmt.Errorf("vulkan error: surface reports no formats")
	}
	formats := make([]vk.SurfaceFormat, count)
	if err := NewError(vk.GetPhysicalDeviceSurfaceFormats(gpu, surface, &count, formats)); err != nil {
		return vk.SurfaceFormat{}, err
	}
	for i := range formats {
		formats[i].Deref()
	}
	return pickSurfaceFormat(formats, s.dims.Format), nil
}

func pickSurfaceFormat(formats []vk.SurfaceFormat, preferred vk.Format) vk.SurfaceFormat {
	if preferred == vk.FormatUndefined {
		preferred = vk.FormatB8g8r8a8Unorm
	}
	if len(formats) == 1 && formats[0].Format == vk.FormatUndefined {
		// the surface has no preference
		return vk.SurfaceFormat{Format: preferred, ColorSpace: formats[0].ColorSpace}
	}
	for _, f := range formats {
		if f.Format == preferred {
			return f
		}
	}
	return formats[0]
}

func (s *VulkanSwapchain) choosePresentMode(gpu vk.PhysicalDevice, surface vk.Surface) vk.PresentMode {
	// FIFO is the only mode every driver has to support
	if s.dims.VSync {
		return vk.PresentModeFifo
	}
	var count uint32
	vk.GetPhysicalDeviceSurfacePresentModes(gpu, surface, &count, nil)
	modes := make([]vk.PresentMode, count)
	vk.GetPhysicalDeviceSurfacePresentModes(gpu, surface, &count, modes)
	for _, want := range []vk.PresentMode{vk.PresentModeMailbox, vk.PresentModeImmediate} {
		for _, m := range modes {
			if m == want {
				return m
			}
		}
	}
	return vk.PresentModeFifo
}

func (s *VulkanSwapchain) createView(device vk.Device, image vk.Image) (vk.ImageView, error) {
	var view vk.ImageView
	ret := vk.CreateImageView(device, &vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    image,
		ViewType: vk.ImageViewType2d,
		Format:   s.format.Format,
		Components: vk.ComponentMapping{
			R: vk.ComponentSwizzleR,
			G: vk.ComponentSwizzleG,
			B: vk.ComponentSwizzleB,
			A: vk.ComponentSwizzleA,
		},
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask: vk.ImageAspectFlags(vk.ImageAspectColorBit),
			LevelCount: 1,
			LayerCount: 1,
		},
	}, nil, &view)
	return view, NewError(ret)
}

func (s *VulkanSwapchain) ImageCount() int {
	return len(s.images)
}

func (s *VulkanSwapchain) Acquire() (uint32, error) {
	var index uint32
	ret := vk.AcquireNextImage(s.platform.Device(), s.swapchain, vk.MaxUint64,
		s.sync.acquireSemaphore(), vk.NullFence, &index)
	return index, presentResult(ret)
}

func (s *VulkanSwapchain) Present(index uint32) error {
	ret := vk.QueuePresent(s.platform.PresentQueue(), &vk.PresentInfo{
		SType:              vk.StructureTypePresentInfo,
		WaitSemaphoreCount: 1,
		PWaitSemaphores:    []vk.Semaphore{s.sync.releaseSemaphore(index)},
		SwapchainCount:     1,
		PSwapchains:        []vk.Swapchain{s.swapchain},
		PImageIndices:      []uint32{index},
	})
	return presentResult(ret)
}

// presentResult maps acquire and present results onto the swapchain
// package's errors.
func presentResult(ret vk.Result) error {
	switch ret {
	case vk.Success:
		return nil
	case vk.Suboptimal:
		return swapchain.ErrSuboptimal
	case vk.ErrorOutOfDate:
		return swapchain.ErrOutOfDate
	}
	return newError(ret, 2)
}

func (s *VulkanSwapchain) Format() vk.Format {
	return s.format.Format
}

func (s *VulkanSwapchain) Image(index uint32) vk.Image {
	return s.images[index]
}

func (s *VulkanSwapchain) View(index uint32) vk.ImageView {
	return s.views[index]
}

func (s *VulkanSwapchain) destroyImages() {
	device := s.platform.Device()
	for _, view := range s.views {
		vk.DestroyImageView(device, view, nil)
	}
	s.views = nil
	s.images = nil
}

func (s *VulkanSwapchain) Destroy() {
	s.destroyImages()
	if s.swapchain != vk.NullSwapchain {
		vk.DestroySwapchain(s.platform.Device(), s.swapchain, nil)
		s.swapchain = vk.NullSwapchain
	}
}
