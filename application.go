package vkhot

import vk "github.com/vulkan-go/vulkan"

type VulkanMode uint32

const (
	VulkanNone     VulkanMode = 0
	VulkanCompute  VulkanMode = 1 << 0
	VulkanGraphics VulkanMode = 1 << 1
	VulkanPresent  VulkanMode = 1 << 2
)

func (v VulkanMode) Has(mode VulkanMode) bool {
	return v&mode == mode
}

// Application describes what the Device Context has to provide.
type Application interface {
	VulkanAPIVersion() vk.Version
	VulkanAppVersion() vk.Version
	VulkanAppName() string
	VulkanMode() VulkanMode
	// VulkanSurface creates the presentation surface on instance.
	VulkanSurface(instance vk.Instance) (vk.Surface, error)
	// VulkanInstanceExtensions and VulkanDeviceExtensions must all be present.
	VulkanInstanceExtensions() []string
	VulkanDeviceExtensions() []string

	// DECORATORS:
	// ApplicationSwapchainDimensions
	// ApplicationVulkanLayers
	// ApplicationWantedExtensions
	// ApplicationVulkanDebug
}

type ApplicationSwapchainDimensions interface {
	VulkanSwapchainDimensions() SwapchainDimensions
}

type ApplicationVulkanLayers interface {
	VulkanLayers() []string
}

// ApplicationWantedExtensions lists extensions that are enabled when
// available and skipped with a warning otherwise.
type ApplicationWantedExtensions interface {
	VulkanWantedInstanceExtensions() []string
	VulkanWantedDeviceExtensions() []string
}

type ApplicationVulkanDebug interface {
	VulkanDebug() bool
}

var (
	DefaultVulkanAppVersion = vk.MakeVersion(1, 0, 0)
	DefaultVulkanAPIVersion = vk.MakeVersion(1, 0, 0)
	DefaultVulkanMode       = VulkanGraphics | VulkanPresent
)

// SwapchainDimensions describes the size and format of the swapchain.
type SwapchainDimensions struct {
	// Width of the swapchain.
	Width uint32
	// Height of the swapchain.
	Height uint32
	// Format is the preferred pixel format of the swapchain.
	Format vk.Format
	// Images is the preferred number of swapchain images.
	Images uint32
	// VSync selects FIFO presentation; otherwise mailbox is used when available.
	VSync bool
}
