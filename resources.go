package vkhot

import (
	"errors"
	"fmt"
	"sync"

	"github.com/docker/go-units"
	vk "github.com/vulkan-go/vulkan"
	"go.uber.org/zap"

	"github.com/andewx/vkhot/slot"
	"github.com/andewx/vkhot/swapchain"
)

var errWrongKind = errors.New("handle refers to a different resource kind")

type resource interface {
	destroy(device vk.Device)
	size() uint64
}

// Buffer is a GPU buffer bound to its own device memory.
type Buffer struct {
	Buffer vk.Buffer
	Memory vk.DeviceMemory
	Size   uint64
	Usage  vk.BufferUsageFlags
	bytes  uint64
}

func (b *Buffer) destroy(device vk.Device) {
	vk.DestroyBuffer(device, b.Buffer, nil)
	vk.FreeMemory(device, b.Memory, nil)
}

func (b *Buffer) size() uint64 { return b.bytes }

// Image is a 2D GPU image with a view over all of it.
type Image struct {
	Image  vk.Image
	Memory vk.DeviceMemory
	View   vk.ImageView
	Extent swapchain.Extent
	Format vk.Format
	Aspect vk.ImageAspectFlags
	bytes  uint64
}

func (img *Image) destroy(device vk.Device) {
	vk.DestroyImageView(device, img.View, nil)
	vk.DestroyImage(device, img.Image, nil)
	vk.FreeMemory(device, img.Memory, nil)
}

func (img *Image) size() uint64 { return img.bytes }

// Resources owns every GPU buffer, image and descriptor set. Callers hold
// slot handles; a released handle is detected as stale instead of touching
// freed memory. Resources is safe for concurrent use.
type Resources struct {
	device vk.Device
	memory vk.PhysicalDeviceMemoryProperties

	mu    sync.Mutex
	table *slot.Table[resource]
	bytes uint64
}

func NewResources(p Platform) *Resources {
	return &Resources{
		device: p.Device(),
		memory: p.MemoryProperties(),
		table:  slot.New[resource](),
	}
}

// NewBuffer creates a device local buffer of size bytes.
func (r *Resources) NewBuffer(size uint64, usage vk.BufferUsageFlags) (slot.Handle, error) {
	if size == 0 {
		return slot.Nil, errors.New("buffer size must be positive")
	}
	var buf vk.Buffer
	ret := vk.CreateBuffer(r.device, &vk.BufferCreateInfo{
		SType:       vk.StructureTypeBufferCreateInfo,
		Size:        vk.DeviceSize(size),
		Usage:       usage,
		SharingMode: vk.SharingModeExclusive,
	}, nil, &buf)
	if err := NewError(ret); err != nil {
		return slot.Nil, err
	}
	var req vk.MemoryRequirements
	vk.GetBufferMemoryRequirements(r.device, buf, &req)
	req.Deref()
	mem, err := r.allocate(req, vk.MemoryPropertyDeviceLocalBit)
	if err != nil {
		vk.DestroyBuffer(r.device, buf, nil)
		return slot.Nil, err
	}
	if err := NewError(vk.BindBufferMemory(r.device, buf, mem, 0)); err != nil {
		vk.DestroyBuffer(r.device, buf, nil)
		vk.FreeMemory(r.device, mem, nil)
		return slot.Nil, err
	}
	b := &Buffer{Buffer: buf, Memory: mem, Size: size, Usage: usage, bytes: uint64(req.Size)}
	return r.insert(b, b.bytes)
}

// NewImage creates a device local 2D image and its view.
func (r *Resources) NewImage(extent swapchain.Extent, format vk.Format, usage vk.ImageUsageFlags, aspect vk.ImageAspectFlags) (slot.Handle, error) {
	if extent.IsZero() {
		return slot.Nil, fmt.Errorf("image extent %s must be positive", extent)
	}
	var image vk.Image
	ret := vk.CreateImage(r.device, &vk.ImageCreateInfo{
		SType:         vk.StructureTypeImageCreateInfo,
		ImageType:     vk.ImageType2d,
		Format:        format,
		Extent:        vk.Extent3D{Width: extent.Width, Height: extent.Height, Depth: 1},
		MipLevels:     1,
		ArrayLayers:   1,
		Samples:       vk.SampleCount1Bit,
		Tiling:        vk.ImageTilingOptimal,
		Usage:         usage,
		SharingMode:   vk.SharingModeExclusive,
		InitialLayout: vk.ImageLayoutUndefined,
	}, nil, &image)
	if err := NewError(ret); err != nil {
		return slot.Nil, err
	}
	var req vk.MemoryRequirements
	vk.GetImageMemoryRequirements(r.device, image, &req)
	req.Deref()
	mem, err := r.allocate(req, vk.MemoryPropertyDeviceLocalBit)
	if err != nil {
		vk.DestroyImage(r.device, image, nil)
		return slot.Nil, err
	}
	img := &Image{Image: image, Memory: mem, Extent: extent, Format: format, Aspect: aspect, bytes: uint64(req.Size)}
	if err := NewError(vk.BindImageMemory(r.device, image, mem, 0)); err != nil {
		img.destroy(r.device)
		return slot.Nil, err
	}
	ret = vk.CreateImageView(r.device, &vk.ImageViewCreateInfo{
		SType:    vk.StructureTypeImageViewCreateInfo,
		Image:    image,
		ViewType: vk.ImageViewType2d,
		Format:   format,
		Components: vk.ComponentMapping{
			R: vk.ComponentSwizzleR,
			G: vk.ComponentSwizzleG,
			B: vk.ComponentSwizzleB,
			A: vk.ComponentSwizzleA,
		},
		SubresourceRange: vk.ImageSubresourceRange{
			AspectMask: aspect,
			LevelCount: 1,
			LayerCount: 1,
		},
	}, nil, &img.View)
	if err := NewError(ret); err != nil {
		img.destroy(r.device)
		return slot.Nil, err
	}
	return r.insert(img, img.bytes)
}

func (r *Resources) allocate(req vk.MemoryRequirements, props vk.MemoryPropertyFlagBits) (vk.DeviceMemory, error) {
	typeIndex, err := findMemoryType(r.memory, req.MemoryTypeBits, props)
	if err != nil {
		return nil, err
	}
	var mem vk.DeviceMemory
	ret := vk.AllocateMemory(r.device, &vk.MemoryAllocateInfo{
		SType:           vk.StructureTypeMemoryAllocateInfo,
		AllocationSize:  req.Size,
		MemoryTypeIndex: typeIndex,
	}, nil, &mem)
	if err := NewError(ret); err != nil {
		return nil, fmt.Errorf("allocate %s: %w", units.BytesSize(float64(req.Size)), err)
	}
	return mem, nil
}

func (r *Resources) insert(res resource, bytes uint64) (slot.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.table.Allocate(res)
	r.bytes += bytes
	Logger().Debug("gpu resource created",
		zap.Stringer("handle", h),
		zap.String("size", units.BytesSize(float64(bytes))),
		zap.Int("live", r.table.Len()))
	return h, nil
}

func (r *Resources) get(h slot.Handle) (resource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.table.Get(h)
}

func (r *Resources) Buffer(h slot.Handle) (*Buffer, error) {
	res, err := r.get(h)
	if err != nil {
		return nil, err
	}
	buf, ok := res.(*Buffer)
	if !ok {
		return nil, fmt.Errorf("buffer %s: %w", h, errWrongKind)
	}
	return buf, nil
}

func (r *Resources) Image(h slot.Handle) (*Image, error) {
	res, err := r.get(h)
	if err != nil {
		return nil, err
	}
	img, ok := res.(*Image)
	if !ok {
		return nil, fmt.Errorf("image %s: %w", h, errWrongKind)
	}
	return img, nil
}

// Release destroys the resource behind h. The caller must make sure the
// GPU no longer uses it.
func (r *Resources) Release(h slot.Handle) error {
	r.mu.Lock()
	res, err := r.table.Release(h)
	if err == nil {
		r.bytes -= res.size()
	}
	r.mu.Unlock()
	if err != nil {
		return err
	}
	res.destroy(r.device)
	return nil
}

func (r *Resources) Valid(h slot.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.table.Valid(h)
}

// Len is the number of live resources.
func (r *Resources) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.table.Len()
}

// Bytes is the device memory held by live resources.
func (r *Resources) Bytes() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bytes
}

// Destroy releases every live resource.
func (r *Resources) Destroy() {
	var live []resource
	r.mu.Lock()
	r.table.Drain(func(_ slot.Handle, res resource) { live = append(live, res) })
	total := r.bytes
	r.bytes = 0
	r.mu.Unlock()
	for _, res := range live {
		res.destroy(r.device)
	}
	if len(live) > 0 {
		Logger().Info("released gpu resources",
			zap.Int("count", len(live)),
			zap.String("size", units.BytesSize(float64(total))))
	}
}

// Guest facing module.Host implementation.

func (r *Resources) Log(msg string) {
	Logger().Info(msg, zap.String("source", "guest"))
}

// CreateBuffer creates a storage buffer for a guest module.
func (r *Resources) CreateBuffer(size uint64, usage uint32) (uint64, error) {
	if usage == 0 {
		usage = uint32(vk.BufferUsageStorageBufferBit)
	}
	h, err := r.NewBuffer(size, vk.BufferUsageFlags(usage))
	return uint64(h), err
}

func (r *Resources) ReleaseResource(handle uint64) error {
	return r.Release(slot.Handle(handle))
}

func (r *Resources) ResourceValid(handle uint64) bool {
	return r.Valid(slot.Handle(handle))
}
