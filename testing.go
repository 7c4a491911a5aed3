package unvme

import (
	"github.com/go-unvme/unvme/internal/dma"
	"github.com/go-unvme/unvme/internal/nvmetest"
)

// OpenFake attaches a Namespace against an in-process fake NVMe controller
// instead of a real PCIe function, for use in tests and the demo. The
// caller must Stop() the returned *nvmetest.Device only after calling
// Close() on the returned *Namespace, since Close's teardown sequence
// (delete I/O queues, disable CC) needs the fake controller's simulation
// loop still running to answer it.
func OpenFake(bdf string, disk nvmetest.DiskConfig, params OpenParams) (*Namespace, *nvmetest.Device, error) {
	container := dma.NewFakeContainer(0x2000)
	device := nvmetest.New(container, disk)
	device.Start()

	ns, err := openWith(bdf, params, func(string) (dma.Container, error) {
		return container, nil
	})
	if err != nil {
		device.Stop()
		return nil, nil, err
	}
	return ns, device, nil
}
