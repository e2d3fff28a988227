package vkhot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	vk "github.com/vulkan-go/vulkan"

	"github.com/andewx/vkhot/swapchain"
)

func TestPresentResult(t *testing.T) {
	assert.NoError(t, presentResult(vk.Success))
	assert.ErrorIs(t, presentResult(vk.Suboptimal), swapchain.ErrSuboptimal)
	assert.ErrorIs(t, presentResult(vk.ErrorOutOfDate), swapchain.ErrOutOfDate)

	err := presentResult(vk.ErrorSurfaceLost)
	var ve *VulkanError
	if assert.ErrorAs(t, err, &ve) {
		assert.Equal(t, vk.ErrorSurfaceLost, ve.Result)
	}
}

func TestChooseExtent(t *testing.T) {
	caps := vk.SurfaceCapabilities{
		CurrentExtent:  vk.Extent2D{Width: 800, Height: 600},
		MinImageExtent: vk.Extent2D{Width: 1, Height: 1},
		MaxImageExtent: vk.Extent2D{Width: 4096, Height: 4096},
	}
	// the surface decides
	assert.Equal(t, vk.Extent2D{Width: 800, Height: 600}, chooseExtent(caps, swapchain.Extent{Width: 1024, Height: 768}))

	// the swapchain decides within limits
	caps.CurrentExtent = vk.Extent2D{Width: vk.MaxUint32, Height: vk.MaxUint32}
	assert.Equal(t, vk.Extent2D{Width: 1024, Height: 768}, chooseExtent(caps, swapchain.Extent{Width: 1024, Height: 768}))
	assert.Equal(t, vk.Extent2D{Width: 4096, Height: 1}, chooseExtent(caps, swapchain.Extent{Width: 9000, Height: 0}))

	// a minimized window reports a zero current extent
	caps.CurrentExtent = vk.Extent2D{}
	assert.Equal(t, vk.Extent2D{}, chooseExtent(caps, swapchain.Extent{Width: 1024, Height: 768}))
}

func TestClamp(t *testing.T) {
	assert.Equal(t, uint32(5), clamp(1, 5, 10))
	assert.Equal(t, uint32(10), clamp(20, 5, 10))
	assert.Equal(t, uint32(7), clamp(7, 5, 10))
	assert.Equal(t, uint32(20), clamp(20, 5, 0), "zero max means unbounded")
}

func TestPickSurfaceFormat(t *testing.T) {
	srgb := vk.ColorSpaceSrgbNonlinear
	formats := []vk.SurfaceFormat{
		{Format: vk.FormatR8g8b8a8Unorm, ColorSpace: srgb},
		{Format: vk.FormatB8g8r8a8Unorm, ColorSpace: srgb},
	}
	assert.Equal(t, vk.FormatB8g8r8a8Unorm, pickSurfaceFormat(formats, vk.FormatB8g8r8a8Unorm).Format)
	assert.Equal(t, vk.FormatB8g8r8a8Unorm, pickSurfaceFormat(formats, vk.FormatUndefined).Format)
	assert.Equal(t, vk.FormatR8g8b8a8Unorm, pickSurfaceFormat(formats, vk.FormatR16g16b16a16Sfloat).Format)

	undefined := []vk.SurfaceFormat{{Format: vk.FormatUndefined, ColorSpace: srgb}}
	got := pickSurfaceFormat(undefined, vk.FormatR8g8b8a8Srgb)
	assert.Equal(t, vk.FormatR8g8b8a8Srgb, got.Format)
	assert.Equal(t, srgb, got.ColorSpace)
}
