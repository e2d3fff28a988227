package vkhot

import (
	"errors"
	"fmt"

	vk "github.com/vulkan-go/vulkan"
	"go.uber.org/zap"

	"github.com/andewx/vkhot/slot"
)

var errNoBinding = errors.New("descriptor set has no such binding")

// DescriptorBinding is one binding of a descriptor set and the resource
// written to it. Resource is a buffer handle for buffer descriptor types
// and an image handle for image types.
type DescriptorBinding struct {
	Binding  uint32
	Type     vk.DescriptorType
	Stages   vk.ShaderStageFlags
	Resource slot.Handle
	// Sampler is used by combined image sampler bindings and owned by the caller.
	Sampler vk.Sampler
}

// DescriptorSet is a descriptor set with its own layout and pool. Bindings
// name their resources by handle and are resolved whenever the set is
// written, so a released resource is reported instead of being bound.
type DescriptorSet struct {
	Pool     vk.DescriptorPool
	Layout   vk.DescriptorSetLayout
	Set      vk.DescriptorSet
	Bindings []DescriptorBinding
}

// destroying the pool frees the set
func (d *DescriptorSet) destroy(device vk.Device) {
	vk.DestroyDescriptorPool(device, d.Pool, nil)
	vk.DestroyDescriptorSetLayout(device, d.Layout, nil)
}

func (d *DescriptorSet) size() uint64 { return 0 }

func (d *DescriptorSet) binding(n uint32) int {
	for i, b := range d.Bindings {
		if b.Binding == n {
			return i
		}
	}
	return -1
}

func isBufferDescriptor(t vk.DescriptorType) bool {
	switch t {
	case vk.DescriptorTypeUniformBuffer, vk.DescriptorTypeStorageBuffer,
		vk.DescriptorTypeUniformBufferDynamic, vk.DescriptorTypeStorageBufferDynamic:
		return true
	}
	return false
}

func isImageDescriptor(t vk.DescriptorType) bool {
	switch t {
	case vk.DescriptorTypeSampledImage, vk.DescriptorTypeStorageImage, vk.DescriptorTypeCombinedImageSampler:
		return true
	}
	return false
}

// descriptorWrite resolves b against the table. r.mu must be held.
func (r *Resources) descriptorWrite(set vk.DescriptorSet, b DescriptorBinding) (vk.WriteDescriptorSet, error) {
	w := vk.WriteDescriptorSet{
		SType:           vk.StructureTypeWriteDescriptorSet,
		DstSet:          set,
		DstBinding:      b.Binding,
		DescriptorCount: 1,
		DescriptorType:  b.Type,
	}
	if !isBufferDescriptor(b.Type) && !isImageDescriptor(b.Type) {
		return w, fmt.Errorf("binding %d: unsupported descriptor type %d", b.Binding, b.Type)
	}
	res, err := r.table.Get(b.Resource)
	if err != nil {
		return w, fmt.Errorf("binding %d: %w", b.Binding, err)
	}
	if isBufferDescriptor(b.Type) {
		buf, ok := res.(*Buffer)
		if !ok {
			return w, fmt.Errorf("binding %d: buffer %s: %w", b.Binding, b.Resource, errWrongKind)
		}
		w.PBufferInfo = []vk.DescriptorBufferInfo{{
			Buffer: buf.Buffer,
			Range:  vk.DeviceSize(vk.WholeSize),
		}}
		return w, nil
	}
	img, ok := res.(*Image)
	if !ok {
		return w, fmt.Errorf("binding %d: image %s: %w", b.Binding, b.Resource, errWrongKind)
	}
	layout := vk.ImageLayoutShaderReadOnlyOptimal
	if b.Type == vk.DescriptorTypeStorageImage {
		layout = vk.ImageLayoutGeneral
	}
	w.PImageInfo = []vk.DescriptorImageInfo{{
		Sampler:     b.Sampler,
		ImageView:   img.View,
		ImageLayout: layout,
	}}
	return w, nil
}

func (r *Resources) descriptorWrites(set vk.DescriptorSet, bindings []DescriptorBinding) ([]vk.WriteDescriptorSet, error) {
	writes := make([]vk.WriteDescriptorSet, 0, len(bindings))
	for _, b := range bindings {
		w, err := r.descriptorWrite(set, b)
		if err != nil {
			return nil, err
		}
		writes = append(writes, w)
	}
	return writes, nil
}

// NewDescriptorSet creates a set with one descriptor per binding and writes
// the bound resources into it. Every referenced handle must be live.
func (r *Resources) NewDescriptorSet(bindings []DescriptorBinding) (_ slot.Handle, err error) {
	if len(bindings) == 0 {
		return slot.Nil, errors.New("descriptor set needs at least one binding")
	}
	// check the references before creating anything
	var unallocated vk.DescriptorSet
	r.mu.Lock()
	_, err = r.descriptorWrites(unallocated, bindings)
	r.mu.Unlock()
	if err != nil {
		return slot.Nil, err
	}

	d := &DescriptorSet{Bindings: append([]DescriptorBinding(nil), bindings...)}
	defer func() {
		if err != nil {
			d.destroy(r.device)
		}
	}()

	layoutBindings := make([]vk.DescriptorSetLayoutBinding, len(bindings))
	counts := make(map[vk.DescriptorType]uint32)
	for i, b := range bindings {
		layoutBindings[i] = vk.DescriptorSetLayoutBinding{
			Binding:         b.Binding,
			DescriptorType:  b.Type,
			DescriptorCount: 1,
			StageFlags:      b.Stages,
		}
		counts[b.Type]++
	}
	ret := vk.CreateDescriptorSetLayout(r.device, &vk.DescriptorSetLayoutCreateInfo{
		SType:        vk.StructureTypeDescriptorSetLayoutCreateInfo,
		BindingCount: uint32(len(layoutBindings)),
		PBindings:    layoutBindings,
	}, nil, &d.Layout)
	if err := NewError(ret); err != nil {
		return slot.Nil, err
	}

	sizes := make([]vk.DescriptorPoolSize, 0, len(counts))
	for t, n := range counts {
		sizes = append(sizes, vk.DescriptorPoolSize{Type: t, DescriptorCount: n})
	}
	ret = vk.CreateDescriptorPool(r.device, &vk.DescriptorPoolCreateInfo{
		SType:         vk.StructureTypeDescriptorPoolCreateInfo,
		MaxSets:       1,
		PoolSizeCount: uint32(len(sizes)),
		PPoolSizes:    sizes,
	}, nil, &d.Pool)
	if err := NewError(ret); err != nil {
		return slot.Nil, err
	}

	ret = vk.AllocateDescriptorSets(r.device, &vk.DescriptorSetAllocateInfo{
		SType:              vk.StructureTypeDescriptorSetAllocateInfo,
		DescriptorPool:     d.Pool,
		DescriptorSetCount: 1,
		PSetLayouts:        []vk.DescriptorSetLayout{d.Layout},
	}, &d.Set)
	if err := NewError(ret); err != nil {
		return slot.Nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// resolved again under the lock, a referenced resource may have gone
	writes, err := r.descriptorWrites(d.Set, d.Bindings)
	if err != nil {
		return slot.Nil, err
	}
	vk.UpdateDescriptorSets(r.device, uint32(len(writes)), writes, 0, nil)
	h := r.table.Allocate(d)
	Logger().Debug("descriptor set created",
		zap.Stringer("handle", h),
		zap.Int("bindings", len(d.Bindings)),
		zap.Int("live", r.table.Len()))
	return h, nil
}

func (r *Resources) DescriptorSet(h slot.Handle) (*DescriptorSet, error) {
	res, err := r.get(h)
	if err != nil {
		return nil, err
	}
	d, ok := res.(*DescriptorSet)
	if !ok {
		return nil, fmt.Errorf("descriptor set %s: %w", h, errWrongKind)
	}
	return d, nil
}

// BindDescriptor points binding of set at resource and writes it. The set
// keeps its previous resource when resource cannot be resolved. The caller
// must make sure the GPU no longer uses the set.
func (r *Resources) BindDescriptor(set slot.Handle, binding uint32, resource slot.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, err := r.table.Get(set)
	if err != nil {
		return err
	}
	d, ok := res.(*DescriptorSet)
	if !ok {
		return fmt.Errorf("descriptor set %s: %w", set, errWrongKind)
	}
	i := d.binding(binding)
	if i < 0 {
		return fmt.Errorf("descriptor set %s binding %d: %w", set, binding, errNoBinding)
	}
	b := d.Bindings[i]
	b.Resource = resource
	w, err := r.descriptorWrite(d.Set, b)
	if err != nil {
		return fmt.Errorf("descriptor set %s: %w", set, err)
	}
	vk.UpdateDescriptorSets(r.device, 1, []vk.WriteDescriptorSet{w}, 0, nil)
	d.Bindings[i] = b
	return nil
}
