package vkhot

import (
	"context"
	"errors"
	"fmt"
	"unsafe"

	vk "github.com/vulkan-go/vulkan"
	"go.uber.org/zap"
)

// Platform is the Device Context: instance, GPU, logical device and queues.
type Platform interface {
	// MemoryProperties gets the current Vulkan physical device memory properties.
	MemoryProperties() vk.PhysicalDeviceMemoryProperties
	// PhysicalDeviceProperies gets the current Vulkan physical device properties.
	PhysicalDeviceProperies() vk.PhysicalDeviceProperties
	// GraphicsQueueFamilyIndex gets the current Vulkan graphics queue family index.
	GraphicsQueueFamilyIndex() uint32
	// PresentQueueFamilyIndex gets the current Vulkan present queue family index.
	PresentQueueFamilyIndex() uint32
	// HasSeparatePresentQueue is true when PresentQueueFamilyIndex differs from GraphicsQueueFamilyIndex.
	HasSeparatePresentQueue() bool
	// GraphicsQueue gets the current Vulkan graphics queue.
	GraphicsQueue() vk.Queue
	// PresentQueue gets the current Vulkan present queue.
	PresentQueue() vk.Queue
	// Instance gets the current Vulkan instance.
	Instance() vk.Instance
	// Device gets the current Vulkan device.
	Device() vk.Device
	// PhysicalDevice gets the current Vulkan physical device.
	PhysicalDevice() vk.PhysicalDevice
	// Surface gets the current Vulkan surface.
	Surface() vk.Surface
	// WaitIdle blocks until the device has finished all submitted work.
	WaitIdle(ctx context.Context) error
	// Destroy is the destructor for the Platform instance.
	Destroy()
}

func NewPlatform(app Application) (pFace Platform, err error) {
	p := &platform{}
	defer func() {
		if err != nil {
			p.Destroy()
		}
	}()
	defer checkErr(&err)

	// Select instance extensions
	actualInstanceExtensions, err := InstanceExtensions()
	orPanic(err)
	var wantedInstance, wantedDevice []string
	if iface, ok := app.(ApplicationWantedExtensions); ok {
		wantedInstance = iface.VulkanWantedInstanceExtensions()
		wantedDevice = iface.VulkanWantedDeviceExtensions()
	}
	debug := false
	if iface, ok := app.(ApplicationVulkanDebug); ok && iface.VulkanDebug() {
		debug = true
		wantedInstance = append(wantedInstance, "VK_EXT_debug_report")
	}
	instanceExtensions, err := selectNames("instance extensions",
		actualInstanceExtensions, app.VulkanInstanceExtensions(), wantedInstance)
	orPanic(err)
	Logger().Info("vulkan: enabling instance extensions", zap.Int("count", len(instanceExtensions)))

	// Select instance layers
	var validationLayers []string
	if iface, ok := app.(ApplicationVulkanLayers); ok {
		actualValidationLayers, err := ValidationLayers()
		orPanic(err)
		// layers are a debugging aid, a missing one never fails init
		validationLayers, err = selectNames("validation layers", actualValidationLayers, nil, iface.VulkanLayers())
		orPanic(err)
	}

	// Create instance
	var instance vk.Instance
	ret := vk.CreateInstance(&vk.InstanceCreateInfo{
		SType: vk.StructureTypeInstanceCreateInfo,
		PApplicationInfo: &vk.ApplicationInfo{
			SType:              vk.StructureTypeApplicationInfo,
			ApiVersion:         uint32(app.VulkanAPIVersion()),
			ApplicationVersion: uint32(app.VulkanAppVersion()),
			PApplicationName:   safeString(app.VulkanAppName()),
			PEngineName:        safeString("vkhot"),
		},
		EnabledExtensionCount:   uint32(len(instanceExtensions)),
		PpEnabledExtensionNames: instanceExtensions,
		EnabledLayerCount:       uint32(len(validationLayers)),
		PpEnabledLayerNames:     validationLayers,
	}, nil, &instance)
	orPanic(NewError(ret))
	p.instance = instance
	orPanic(vk.InitInstance(instance))

	if debug && contains(instanceExtensions, safeString("VK_EXT_debug_report")) {
		ret := vk.CreateDebugReportCallback(instance, &vk.DebugReportCallbackCreateInfo{
			SType:       vk.StructureTypeDebugReportCallbackCreateInfo,
			Flags:       vk.DebugReportFlags(vk.DebugReportErrorBit | vk.DebugReportWarningBit | vk.DebugReportPerformanceWarningBit),
			PfnCallback: dbgCallbackFunc,
		}, nil, &p.debugCallback)
		orPanic(NewError(ret))
		Logger().Info("vulkan: debug report callback enabled")
	}

	// Find a suitable GPU
	var gpuCount uint32
	ret = vk.EnumeratePhysicalDevices(p.instance, &gpuCount, nil)
	orPanic(NewError(ret))
	if gpuCount == 0 {
		return nil, errors.New("vulkan error: no GPU devices found")
	}
	gpus := make([]vk.PhysicalDevice, gpuCount)
	ret = vk.EnumeratePhysicalDevices(p.instance, &gpuCount, gpus)
	orPanic(NewError(ret))
	// get the first one, multiple GPUs not supported yet
	p.gpu = gpus[0]
	vk.GetPhysicalDeviceProperties(p.gpu, &p.gpuProperties)
	p.gpuProperties.Deref()
	vk.GetPhysicalDeviceMemoryProperties(p.gpu, &p.memoryProperties)
	p.memoryProperties.Deref()
	Logger().Info("vulkan: using GPU",
		zap.String("name", vk.ToString(p.gpuProperties.DeviceName[:])),
		zap.Uint32("driver", p.gpuProperties.DriverVersion))

	// Select device extensions
	actualDeviceExtensions, err := DeviceExtensions(p.gpu)
	orPanic(err)
	deviceExtensions, err := selectNames("device extensions",
		actualDeviceExtensions, app.VulkanDeviceExtensions(), wantedDevice)
	orPanic(err)
	Logger().Info("vulkan: enabling device extensions", zap.Int("count", len(deviceExtensions)))

	// Make sure the surface is here if required
	mode := app.VulkanMode()
	if mode.Has(VulkanPresent) {
		p.surface, err = app.VulkanSurface(p.instance)
		orPanic(err)
		if p.surface == vk.NullSurface {
			return nil, errors.New("vulkan error: surface required but not provided")
		}
	}

	orPanic(p.selectQueueFamilies(mode))

	// Create a Vulkan device
	queueInfos := []vk.DeviceQueueCreateInfo{{
		SType:            vk.StructureTypeDeviceQueueCreateInfo,
		QueueFamilyIndex: p.graphicsQueueIndex,
		QueueCount:       1,
		PQueuePriorities: []float32{1.0},
	}}
	if p.HasSeparatePresentQueue() {
		queueInfos = append(queueInfos, vk.DeviceQueueCreateInfo{
			SType:            vk.StructureTypeDeviceQueueCreateInfo,
			QueueFamilyIndex: p.presentQueueIndex,
			QueueCount:       1,
			PQueuePriorities: []float32{1.0},
		})
	}

	var device vk.Device
	ret = vk.CreateDevice(p.gpu, &vk.DeviceCreateInfo{
		SType:                   vk.StructureTypeDeviceCreateInfo,
		QueueCreateInfoCount:    uint32(len(queueInfos)),
		PQueueCreateInfos:       queueInfos,
		EnabledExtensionCount:   uint32(len(deviceExtensions)),
		PpEnabledExtensionNames: deviceExtensions,
		EnabledLayerCount:       uint32(len(validationLayers)),
		PpEnabledLayerNames:     validationLayers,
	}, nil, &device)
	orPanic(NewError(ret))
	p.device = device

	var queue vk.Queue
	vk.GetDeviceQueue(p.device, p.graphicsQueueIndex, 0, &queue)
	p.graphicsQueue = queue
	if p.HasSeparatePresentQueue() {
		var presentQueue vk.Queue
		vk.GetDeviceQueue(p.device, p.presentQueueIndex, 0, &presentQueue)
		p.presentQueue = presentQueue
	}
	return p, nil
}

// selectQueueFamilies prefers one family that can both render and present,
// falling back to separate graphics and present families.
func (p *platform) selectQueueFamilies(mode VulkanMode) error {
	var queueCount uint32
	vk.GetPhysicalDeviceQueueFamilyProperties(p.gpu, &queueCount, nil)
	if queueCount == 0 { // probably should try another GPU
		return errors.New("vulkan error: no queue families found on GPU 0")
	}
	queueProperties := make([]vk.QueueFamilyProperties, queueCount)
	vk.GetPhysicalDeviceQueueFamilyProperties(p.gpu, &queueCount, queueProperties)

	var required vk.QueueFlags
	if mode.Has(VulkanCompute) {
		required |= vk.QueueFlags(vk.QueueComputeBit)
	}
	if mode.Has(VulkanGraphics) {
		required |= vk.QueueFlags(vk.QueueGraphicsBit)
	}
	needsPresent := mode.Has(VulkanPresent)

	graphics, present := -1, -1
	for i := uint32(0); i < queueCount; i++ {
		queueProperties[i].Deref()
		capable := queueProperties[i].QueueFlags&required == required
		presents := false
		if needsPresent {
			var supportsPresent vk.Bool32
			vk.GetPhysicalDeviceSurfaceSupport(p.gpu, i, p.surface, &supportsPresent)
			presents = supportsPresent.B()
		}
		if capable && (!needsPresent || presents) {
			graphics, present = int(i), int(i)
			break
		}
		if capable && graphics < 0 {
			graphics = int(i)
		}
		if presents && present < 0 {
			present = int(i)
		}
	}
	if graphics < 0 {
		return errors.New("vulkan error: could not find a suitable queue family for the target Vulkan mode")
	}
	if needsPresent && present < 0 {
		return errors.New("vulkan error: could not find a queue family with present capabilities")
	}
	if !needsPresent {
		present = graphics
	}
	p.graphicsQueueIndex = uint32(graphics)
	p.presentQueueIndex = uint32(present)
	return nil
}

type basePlatform struct {
	instance vk.Instance
	gpu      vk.PhysicalDevice
	device   vk.Device

	graphicsQueueIndex uint32
	presentQueueIndex  uint32
	presentQueue       vk.Queue
	graphicsQueue      vk.Queue

	gpuProperties    vk.PhysicalDeviceProperties
	memoryProperties vk.PhysicalDeviceMemoryProperties
}

func (p *basePlatform) MemoryProperties() vk.PhysicalDeviceMemoryProperties {
	return p.memoryProperties
}

func (p *basePlatform) PhysicalDeviceProperies() vk.PhysicalDeviceProperties {
	return p.gpuProperties
}

func (p *basePlatform) PhysicalDevice() vk.PhysicalDevice {
	return p.gpu
}

func (p *basePlatform) Surface() vk.Surface {
	return vk.NullSurface
}

func (p *basePlatform) GraphicsQueueFamilyIndex() uint32 {
	return p.graphicsQueueIndex
}

func (p *basePlatform) PresentQueueFamilyIndex() uint32 {
	return p.presentQueueIndex
}

func (p *basePlatform) HasSeparatePresentQueue() bool {
	return p.presentQueueIndex != p.graphicsQueueIndex
}

func (p *basePlatform) GraphicsQueue() vk.Queue {
	return p.graphicsQueue
}

func (p *basePlatform) PresentQueue() vk.Queue {
	if p.graphicsQueueIndex != p.presentQueueIndex {
		return p.presentQueue
	}
	return p.graphicsQueue
}

func (p *basePlatform) Instance() vk.Instance {
	return p.instance
}

func (p *basePlatform) Device() vk.Device {
	return p.device
}

func (p *basePlatform) WaitIdle(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.device == nil {
		return nil
	}
	return NewError(vk.DeviceWaitIdle(p.device))
}

type platform struct {
	basePlatform

	surface       vk.Surface
	debugCallback vk.DebugReportCallback
}

func (p *platform) Surface() vk.Surface {
	return p.surface
}

func (p *platform) Destroy() {
	if p.device != nil {
		vk.DeviceWaitIdle(p.device)
		vk.DestroyDevice(p.device, nil)
		p.device = nil
	}
	if p.surface != vk.NullSurface {
		vk.DestroySurface(p.instance, p.surface, nil)
		p.surface = vk.NullSurface
	}
	if p.debugCallback != vk.NullDebugReportCallback {
		vk.DestroyDebugReportCallback(p.instance, p.debugCallback, nil)
		p.debugCallback = vk.NullDebugReportCallback
	}
	if p.instance != nil {
		vk.DestroyInstance(p.instance, nil)
		p.instance = nil
	}
}

func dbgCallbackFunc(flags vk.DebugReportFlags, objectType vk.DebugReportObjectType,
	object uint64, location uint, messageCode int32, pLayerPrefix string,
	pMessage string, pUserData unsafe.Pointer) vk.Bool32 {

	log := Logger().With(zap.String("layer", pLayerPrefix), zap.Int32("code", messageCode))
	switch {
	case flags&vk.DebugReportFlags(vk.DebugReportErrorBit) != 0:
		log.Error(pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportWarningBit) != 0:
		log.Warn(pMessage)
	case flags&vk.DebugReportFlags(vk.DebugReportPerformanceWarningBit) != 0:
		log.Warn(pMessage, zap.Bool("performance", true))
	case flags&vk.DebugReportFlags(vk.DebugReportDebugBit) != 0:
		log.Debug(pMessage)
	default:
		log.Info(pMessage)
	}
	return vk.Bool32(vk.False)
}

// findMemoryType returns the first memory type allowed by typeBits that has
// all the properties.
func findMemoryType(props vk.PhysicalDeviceMemoryProperties, typeBits uint32, properties vk.MemoryPropertyFlagBits) (uint32, error) {
	for i := uint32(0); i < props.MemoryTypeCount; i++ {
		mt := props.MemoryTypes[i]
		mt.Deref()
		if typeBits&(1<<i) != 0 && vk.MemoryPropertyFlagBits(mt.PropertyFlags)&properties == properties {
			return i, nil
		}
	}
	return 0, fmt.Errorf("vulkan error: no memory type for bits %#x with properties %#x", typeBits, properties)
}
