package vkhot

import (
	"errors"

	vk "github.com/vulkan-go/vulkan"

	"github.com/andewx/vkhot/slot"
	"github.com/andewx/vkhot/swapchain"
)

// DepthFormats are tried in order for the depth attachment.
var DepthFormats = []vk.Format{
	vk.FormatD32Sfloat,
	vk.FormatD32SfloatS8Uint,
	vk.FormatD24UnormS8Uint,
	vk.FormatD16Unorm,
}

func findDepthFormat(gpu vk.PhysicalDevice) (vk.Format, error) {
	for _, format := range DepthFormats {
		var props vk.FormatProperties
		vk.GetPhysicalDeviceFormatProperties(gpu, format, &props)
		props.Deref()
		if props.OptimalTilingFeatures&vk.FormatFeatureFlags(vk.FormatFeatureDepthStencilAttachmentBit) != 0 {
			return format, nil
		}
	}
	return vk.FormatUndefined, errors.New("vulkan error: no supported depth format")
}

// NewRenderPass creates the frame's render pass: one color attachment that
// ends in present layout and a depth attachment, both cleared on load.
func NewRenderPass(device vk.Device, colorFormat, depthFormat vk.Format) (vk.RenderPass, error) {
	attachmentDescriptions := []vk.AttachmentDescription{
		{
			Format:         colorFormat,
			Samples:        vk.SampleCount1Bit,
			LoadOp:         vk.AttachmentLoadOpClear,
			StoreOp:        vk.AttachmentStoreOpStore,
			StencilLoadOp:  vk.AttachmentLoadOpDontCare,
			StencilStoreOp: vk.AttachmentStoreOpDontCare,
			InitialLayout:  vk.ImageLayoutUndefined,
			FinalLayout:    vk.ImageLayoutPresentSrc,
		},
		{
			Format:         depthFormat,
			Samples:        vk.SampleCount1Bit,
			LoadOp:         vk.AttachmentLoadOpClear,
			StoreOp:        vk.AttachmentStoreOpDontCare,
			StencilLoadOp:  vk.AttachmentLoadOpDontCare,
			StencilStoreOp: vk.AttachmentStoreOpDontCare,
			InitialLayout:  vk.ImageLayoutUndefined,
			FinalLayout:    vk.ImageLayoutDepthStencilAttachmentOptimal,
		},
	}

	colorReferences := []vk.AttachmentReference{{
		Attachment: 0,
		Layout:     vk.ImageLayoutColorAttachmentOptimal,
	}}
	depthReference := vk.AttachmentReference{
		Attachment: 1,
		Layout:     vk.ImageLayoutDepthStencilAttachmentOptimal,
	}

	subpasses := []vk.SubpassDescription{{
		PipelineBindPoint:       vk.PipelineBindPointGraphics,
		ColorAttachmentCount:    1,
		PColorAttachments:       colorReferences,
		PDepthStencilAttachment: &depthReference,
	}}

	// the acquire semaphore is waited on at color output, so the layout
	// transition has to wait for that stage too
	dependencies := []vk.SubpassDependency{{
		SrcSubpass:    vk.MaxUint32,
		DstSubpass:    0,
		SrcStageMask:  vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit | vk.PipelineStageEarlyFragmentTestsBit),
		DstStageMask:  vk.PipelineStageFlags(vk.PipelineStageColorAttachmentOutputBit | vk.PipelineStageEarlyFragmentTestsBit),
		DstAccessMask: vk.AccessFlags(vk.AccessColorAttachmentWriteBit | vk.AccessDepthStencilAttachmentWriteBit),
	}}

	var renderPass vk.RenderPass
	ret := vk.CreateRenderPass(device, &vk.RenderPassCreateInfo{
		SType:           vk.StructureTypeRenderPassCreateInfo,
		AttachmentCount: uint32(len(attachmentDescriptions)),
		PAttachments:    attachmentDescriptions,
		SubpassCount:    uint32(len(subpasses)),
		PSubpasses:      subpasses,
		DependencyCount: uint32(len(dependencies)),
		PDependencies:   dependencies,
	}, nil, &renderPass)
	return renderPass, NewError(ret)
}

// RenderTargets are the per-generation objects of one swapchain: a depth
// image, and a framebuffer and a render-finished semaphore per swapchain
// image. They are tracked by the swapchain manager and dropped before every
// rebuild.
type RenderTargets struct {
	device         vk.Device
	resources      *Resources
	Extent         swapchain.Extent
	Depth          slot.Handle
	Framebuffers   []vk.Framebuffer
	RenderFinished []vk.Semaphore
}

func newRenderTargets(res *Resources, sc *VulkanSwapchain, renderPass vk.RenderPass,
	depthFormat vk.Format, extent swapchain.Extent) (_ *RenderTargets, err error) {

	t := &RenderTargets{device: res.device, resources: res, Extent: extent}
	defer func() {
		if err != nil {
			t.Destroy()
		}
	}()

	t.Depth, err = res.NewImage(extent, depthFormat,
		vk.ImageUsageFlags(vk.ImageUsageDepthStencilAttachmentBit),
		vk.ImageAspectFlags(vk.ImageAspectDepthBit))
	if err != nil {
		return nil, err
	}
	depth, err := res.Image(t.Depth)
	if err != nil {
		return nil, err
	}

	semaphoreInfo := &vk.SemaphoreCreateInfo{SType: vk.StructureTypeSemaphoreCreateInfo}
	for i := 0; i < sc.ImageCount(); i++ {
		var sem vk.Semaphore
		if err := NewError(vk.CreateSemaphore(t.device, semaphoreInfo, nil, &sem)); err != nil {
			return nil, err
		}
		t.RenderFinished = append(t.RenderFinished, sem)

		views := []vk.ImageView{sc.View(uint32(i)), depth.View}
		var fb vk.Framebuffer
		ret := vk.CreateFramebuffer(t.device, &vk.FramebufferCreateInfo{
			SType:           vk.StructureTypeFramebufferCreateInfo,
			RenderPass:      renderPass,
			AttachmentCount: uint32(len(views)),
			PAttachments:    views,
			Width:           extent.Width,
			Height:          extent.Height,
			Layers:          1,
		}, nil, &fb)
		if err := NewError(ret); err != nil {
			return nil, err
		}
		t.Framebuffers = append(t.Framebuffers, fb)
	}
	return t, nil
}

// Destroy implements swapchain.Sized.
func (t *RenderTargets) Destroy() {
	for _, fb := range t.Framebuffers {
		vk.DestroyFramebuffer(t.device, fb, nil)
	}
	t.Framebuffers = nil
	for _, sem := range t.RenderFinished {
		vk.DestroySemaphore(t.device, sem, nil)
	}
	t.RenderFinished = nil
	if !t.Depth.IsNil() {
		if err := t.resources.Release(t.Depth); err != nil {
			Logger().Sugar().Warnf("release depth image %s: %v", t.Depth, err)
		}
		t.Depth = slot.Nil
	}
}
