package vkhot

import vk "github.com/vulkan-go/vulkan"

// FenceManager hands out fences for one in-flight frame and recycles them
// once the GPU has signalled all of them. It is not safe for concurrent use.
type FenceManager struct {
	device vk.Device
	fences []vk.Fence
	inUse  int
}

func NewFenceManager(device vk.Device) *FenceManager {
	return &FenceManager{device: device}
}

// Active is the list of fences handed out since the last Reset.
func (f *FenceManager) Active() []vk.Fence {
	return f.fences[:f.inUse]
}

// Wait blocks until every active fence is signalled.
func (f *FenceManager) Wait() error {
	if f.inUse == 0 {
		return nil
	}
	active := f.Active()
	return NewError(vk.WaitForFences(f.device, uint32(len(active)), active, vk.True, vk.MaxUint64))
}

// Reset waits for the active fences and returns them to the unsignalled
// state. Afterwards everything the frame's submissions used may be reused.
func (f *FenceManager) Reset() error {
	if f.inUse == 0 {
		return nil
	}
	if err := f.Wait(); err != nil {
		return err
	}
	active := f.Active()
	if err := NewError(vk.ResetFences(f.device, uint32(len(active)), active)); err != nil {
		return err
	}
	f.inUse = 0
	return nil
}

// NewFence returns an unsignalled fence, recycled when possible.
func (f *FenceManager) NewFence() (vk.Fence, error) {
	if f.inUse < len(f.fences) {
		fence := f.fences[f.inUse]
		f.inUse++
		return fence, nil
	}
	var fence vk.Fence
	ret := vk.CreateFence(f.device, &vk.FenceCreateInfo{
		SType: vk.StructureTypeFenceCreateInfo,
	}, nil, &fence)
	if err := NewError(ret); err != nil {
		return vk.NullFence, err
	}
	f.fences = append(f.fences, fence)
	f.inUse++
	return fence, nil
}

func (f *FenceManager) Destroy() {
	if err := f.Wait(); err != nil {
		Logger().Sugar().Warnf("destroying fences still in use: %v", err)
	}
	for _, fence := range f.fences {
		vk.DestroyFence(f.device, fence, nil)
	}
	f.fences = nil
	f.inUse = 0
}

// CommandBufferManager owns the command pool of one in-flight frame. Buffers
// are allocated on demand and recycled together by resetting the pool, so
// the pool must only be reset once the frame's fences have signalled.
type CommandBufferManager struct {
	device  vk.Device
	pool    vk.CommandPool
	level   vk.CommandBufferLevel
	buffers []vk.CommandBuffer
	inUse   int
}

// NewCommandBufferManager creates a pool on the queue family at
// queueFamilyIndex handing out buffers of the given level.
func NewCommandBufferManager(device vk.Device, level vk.CommandBufferLevel, queueFamilyIndex uint32) (*CommandBufferManager, error) {
	var pool vk.CommandPool
	ret := vk.CreateCommandPool(device, &vk.CommandPoolCreateInfo{
		SType:            vk.StructureTypeCommandPoolCreateInfo,
		QueueFamilyIndex: queueFamilyIndex,
		Flags:            vk.CommandPoolCreateFlags(vk.CommandPoolCreateTransientBit),
	}, nil, &pool)
	if err := NewError(ret); err != nil {
		return nil, err
	}
	return &CommandBufferManager{device: device, pool: pool, level: level}, nil
}

// Reset makes every buffer of the pool available again.
func (c *CommandBufferManager) Reset() error {
	if c.inUse == 0 {
		return nil
	}
	if err := NewError(vk.ResetCommandPool(c.device, c.pool, 0)); err != nil {
		return err
	}
	c.inUse = 0
	return nil
}

// NewCommandBuffer returns a buffer in the initial state.
func (c *CommandBufferManager) NewCommandBuffer() (vk.CommandBuffer, error) {
	if c.inUse < len(c.buffers) {
		buf := c.buffers[c.inUse]
		c.inUse++
		return buf, nil
	}
	buffers := make([]vk.CommandBuffer, 1)
	ret := vk.AllocateCommandBuffers(c.device, &vk.CommandBufferAllocateInfo{
		SType:              vk.StructureTypeCommandBufferAllocateInfo,
		CommandPool:        c.pool,
		Level:              c.level,
		CommandBufferCount: 1,
	}, buffers)
	if err := NewError(ret); err != nil {
		return nil, err
	}
	c.buffers = append(c.buffers, buffers[0])
	c.inUse++
	return buffers[0], nil
}

func (c *CommandBufferManager) Destroy() {
	if len(c.buffers) > 0 {
		vk.FreeCommandBuffers(c.device, c.pool, uint32(len(c.buffers)), c.buffers)
	}
	vk.DestroyCommandPool(c.device, c.pool, nil)
	c.buffers = nil
	c.inUse = 0
}
