// Package dma implements the region/slab DMA allocator
// and the IOMMU container abstraction it allocates through. The container
// interface and ioctl numbering are modeled on the Linux VFIO uapi
// (VFIO_GROUP_GET_DEVICE_FD, VFIO_DEVICE_GET_REGION_INFO,
// VFIO_IOMMU_MAP_DMA/UNMAP_DMA) rather than invented; a real container
// binds a PCIe function into a VFIO group, a fake one (used by tests and
// the in-process demo) satisfies the same interface over plain memory.
package dma

import "fmt"

// Container is the external I/O framework this core depends on: it binds a
// PCIe function, maps/unmaps DMA regions, and exposes the
// device's BAR as a byte slice. vfio_container.go's OpenVFIO returns the
// VFIO-backed implementation Open uses; fake_container.go provides the
// in-memory one tests and the demo use.
type Container interface {
	// MapDMA registers virt for DMA and returns the IOVA the device should
	// use to address it. The mapping remains valid until UnmapDMA.
	MapDMA(virt []byte) (iova uint64, err error)
	// UnmapDMA releases a previously mapped region.
	UnmapDMA(iova uint64, length uint64) error
	// BAR returns the device's memory-mapped register window.
	BAR() ([]byte, error)
	// Reset issues a VFIO_DEVICE_RESET-equivalent device reset. Bring-up
	// does not call it; it resets the controller through CC.EN instead.
	Reset() error
	// Close releases the container and any mappings still outstanding.
	Close() error
}

// ErrContainerClosed is returned by Container operations after Close.
var ErrContainerClosed = fmt.Errorf("dma: container closed")

// Translator is an optional capability a Container may implement to
// resolve an IOVA back to host-addressable memory. Real hardware performs
// this translation itself (the whole point of IOMMU-backed DMA); no real
// VFIO container needs to expose it. A fake container used to simulate a
// responding device in tests does need it, to read the command buffers and
// write completion data a real controller chip would read/write directly.
type Translator interface {
	Translate(iova uint64, length int) ([]byte, error)
}

// VFIO ioctl numbering, from include/uapi/linux/vfio.h, following the
// encoding google-gvisor's VFIO shim uses: a real Linux container issues
// these against the group/device file descriptors it opens.
const (
	vfioType = ';'
	vfioBase = 100
)

const (
	// VFIO IOMMU types.
	vfioType1IOMMU   = 1
	vfioType1v2IOMMU = 3
)

// VFIO device info flags (vfio_device_info.flags).
const (
	vfioDeviceFlagsReset = 1 << iota
	vfioDeviceFlagsPCI
)

// vfioDeviceInfo mirrors struct vfio_device_info.
type vfioDeviceInfo struct {
	Argsz      uint32
	Flags      uint32
	NumRegions uint32
	NumIrqs    uint32
	CapOffset  uint32
	pad        uint32
}

// vfioIOMMUDMAMap mirrors struct vfio_iommu_type1_dma_map.
type vfioIOMMUDMAMap struct {
	Argsz uint32
	Flags uint32
	VAddr uint64
	IOVA  uint64
	Size  uint64
}

// vfioIOMMUDMAUnmap mirrors struct vfio_iommu_type1_dma_unmap.
type vfioIOMMUDMAUnmap struct {
	Argsz uint32
	Flags uint32
	IOVA  uint64
	Size  uint64
}

// ioctlNumber encodes an ioctl request number the way Linux's _IOC macros
// do.
func ioctlNumber(dir, typ, nr, size uint32) uint32 {
	const (
		nrBits   = 8
		typeBits = 8
		sizeBits = 14
		dirBits  = 2

		nrShift   = 0
		typeShift = nrShift + nrBits
		sizeShift = typeShift + typeBits
		dirShift  = sizeShift + sizeBits
	)
	return (dir << dirShift) | (size << sizeShift) | (typ << typeShift) | (nr << nrShift)
}

var (
	vfioGroupGetDeviceFD = ioctlNumber(2, vfioType, vfioBase+6, 0)
	vfioDeviceGetInfo    = ioctlNumber(3, vfioType, vfioBase+7, 0)
	vfioDeviceReset      = ioctlNumber(0, vfioType, vfioBase+11, 0)
	vfioIOMMUMapDMA      = ioctlNumber(3, vfioType, vfioBase+13, 0)
	vfioIOMMUUnmapDMA    = ioctlNumber(3, vfioType, vfioBase+14, 0)
)
