package dma

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// vfioContainer binds one PCIe function into its own VFIO container and
// IOMMU group, following the group-then-container-then-device sequence
// VFIO requires: open the group, attach it to a fresh container, select the
// IOMMU type, then pull the device fd out of the group.
type vfioContainer struct {
	mu sync.Mutex

	containerFd int
	groupFd     int
	deviceFd    int

	barMem []byte
	mapped map[uint64]uint64 // iova -> length, for UnmapDMA bookkeeping

	closed bool
}

// region info / group status wire structs, from include/uapi/linux/vfio.h.
type vfioRegionInfo struct {
	Argsz     uint32
	Flags     uint32
	Index     uint32
	CapOffset uint32
	Size      uint64
	Offset    uint64
}

type vfioGroupStatus struct {
	Argsz uint32
	Flags uint32
}

const vfioGroupFlagsViable = 1 << 0

var (
	vfioSetIOMMU           = ioctlNumber(0, vfioType, vfioBase+2, 0)
	vfioGroupGetStatus     = ioctlNumber(3, vfioType, vfioBase+3, 0)
	vfioGroupSetContainer  = ioctlNumber(0, vfioType, vfioBase+4, 0)
	vfioDeviceGetRegionInfo = ioctlNumber(3, vfioType, vfioBase+8, 0)
)

// OpenVFIO binds the PCIe function at bdf ("bb:dd.f") into a new VFIO
// container and returns a Container backed by region 0 (BAR0) of that
// device. The caller's process must already have the device bound to the
// vfio-pci kernel driver and hold permission on /dev/vfio/vfio and the
// device's IOMMU group node.
func OpenVFIO(bdf string) (Container, error) {
	groupID, err := iommuGroupFor(bdf)
	if err != nil {
		return nil, fmt.Errorf("dma: resolve iommu group for %s: %w", bdf, err)
	}

	containerFd, err := syscall.Open("/dev/vfio/vfio", syscall.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("dma: open /dev/vfio/vfio: %w", err)
	}

	groupFd, err := syscall.Open(fmt.Sprintf("/dev/vfio/%s", groupID), syscall.O_RDWR, 0)
	if err != nil {
		syscall.Close(containerFd)
		return nil, fmt.Errorf("dma: open vfio group %s: %w", groupID, err)
	}

	status := vfioGroupStatus{Argsz: uint32(unsafe.Sizeof(vfioGroupStatus{}))}
	if err := ioctl(groupFd, vfioGroupGetStatus, uintptr(unsafe.Pointer(&status))); err != nil {
		syscall.Close(groupFd)
		syscall.Close(containerFd)
		return nil, fmt.Errorf("dma: VFIO_GROUP_GET_STATUS: %w", err)
	}
	if status.Flags&vfioGroupFlagsViable == 0 {
		syscall.Close(groupFd)
		syscall.Close(containerFd)
		return nil, fmt.Errorf("dma: iommu group %s is not viable (not all devices bound to vfio-pci)", groupID)
	}

	if err := ioctl(groupFd, vfioGroupSetContainer, uintptr(unsafe.Pointer(&containerFd))); err != nil {
		syscall.Close(groupFd)
		syscall.Close(containerFd)
		return nil, fmt.Errorf("dma: VFIO_GROUP_SET_CONTAINER: %w", err)
	}

	if err := ioctl(containerFd, vfioSetIOMMU, uintptr(vfioType1v2IOMMU)); err != nil {
		syscall.Close(groupFd)
		syscall.Close(containerFd)
		return nil, fmt.Errorf("dma: VFIO_SET_IOMMU: %w", err)
	}

	bdfBytes := append([]byte(bdf), 0)
	deviceFdUintptr, err := ioctlRet(groupFd, vfioGroupGetDeviceFD, uintptr(unsafe.Pointer(&bdfBytes[0])))
	if err != nil {
		syscall.Close(groupFd)
		syscall.Close(containerFd)
		return nil, fmt.Errorf("dma: VFIO_GROUP_GET_DEVICE_FD: %w", err)
	}
	deviceFd := int(deviceFdUintptr)

	region := vfioRegionInfo{Argsz: uint32(unsafe.Sizeof(vfioRegionInfo{})), Index: 0}
	if err := ioctl(deviceFd, vfioDeviceGetRegionInfo, uintptr(unsafe.Pointer(&region))); err != nil {
		syscall.Close(deviceFd)
		syscall.Close(groupFd)
		syscall.Close(containerFd)
		return nil, fmt.Errorf("dma: VFIO_DEVICE_GET_REGION_INFO: %w", err)
	}

	bar, err := unix.Mmap(deviceFd, int64(region.Offset), int(region.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		syscall.Close(deviceFd)
		syscall.Close(groupFd)
		syscall.Close(containerFd)
		return nil, fmt.Errorf("dma: mmap BAR0: %w", err)
	}

	return &vfioContainer{
		containerFd: containerFd,
		groupFd:     groupFd,
		deviceFd:    deviceFd,
		barMem:      bar,
		mapped:      make(map[uint64]uint64),
	}, nil
}

// iommuGroupFor resolves the IOMMU group number a PCI function belongs to,
// by reading the /sys/bus/pci/devices/<bdf>/iommu_group symlink the kernel
// maintains for every device bound to an IOMMU-capable driver.
func iommuGroupFor(bdf string) (string, error) {
	link := fmt.Sprintf("/sys/bus/pci/devices/%s/iommu_group", bdf)
	target, err := os.Readlink(link)
	if err != nil {
		return "", err
	}
	return filepath.Base(target), nil
}

func ioctl(fd int, req uint32, arg uintptr) error {
	_, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(req), arg)
	if errno != 0 {
		return errno
	}
	return nil
}

func ioctlRet(fd int, req uint32, arg uintptr) (uintptr, error) {
	ret, _, errno := syscall.Syscall(syscall.SYS_IOCTL, uintptr(fd), uintptr(req), arg)
	if errno != 0 {
		return 0, errno
	}
	return ret, nil
}

func (v *vfioContainer) MapDMA(virt []byte) (uint64, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return 0, ErrContainerClosed
	}

	iova := uint64(uintptr(unsafe.Pointer(&virt[0])))
	m := vfioIOMMUDMAMap{
		Argsz: uint32(unsafe.Sizeof(vfioIOMMUDMAMap{})),
		Flags: 0x1 | 0x2, // VFIO_DMA_MAP_FLAG_READ | WRITE
		VAddr: uint64(uintptr(unsafe.Pointer(&virt[0]))),
		IOVA:  iova,
		Size:  uint64(len(virt)),
	}
	if err := ioctl(v.containerFd, vfioIOMMUMapDMA, uintptr(unsafe.Pointer(&m))); err != nil {
		return 0, fmt.Errorf("dma: VFIO_IOMMU_MAP_DMA: %w", err)
	}
	v.mapped[iova] = uint64(len(virt))
	return iova, nil
}

func (v *vfioContainer) UnmapDMA(iova uint64, length uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrContainerClosed
	}
	if _, ok := v.mapped[iova]; !ok {
		return errIOVANotMapped
	}
	u := vfioIOMMUDMAUnmap{
		Argsz: uint32(unsafe.Sizeof(vfioIOMMUDMAUnmap{})),
		IOVA:  iova,
		Size:  length,
	}
	if err := ioctl(v.containerFd, vfioIOMMUUnmapDMA, uintptr(unsafe.Pointer(&u))); err != nil {
		return fmt.Errorf("dma: VFIO_IOMMU_UNMAP_DMA: %w", err)
	}
	delete(v.mapped, iova)
	return nil
}

func (v *vfioContainer) BAR() ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil, ErrContainerClosed
	}
	return v.barMem, nil
}

func (v *vfioContainer) Reset() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return ErrContainerClosed
	}
	return ioctl(v.deviceFd, vfioDeviceReset, 0)
}

func (v *vfioContainer) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil
	}
	v.closed = true
	if v.barMem != nil {
		unix.Munmap(v.barMem)
	}
	syscall.Close(v.deviceFd)
	syscall.Close(v.groupFd)
	syscall.Close(v.containerFd)
	return nil
}

var _ Container = (*vfioContainer)(nil)
