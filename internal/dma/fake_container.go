package dma

import "sync"

// fakeContainer is an in-memory stand-in for a real VFIO container, used by
// tests and the in-process demo. It hands out monotonically increasing
// IOVAs and keeps every mapped region addressable so reads/writes through
// the returned slices behave like a real IOMMU-backed mapping would.
type fakeContainer struct {
	mu     sync.Mutex
	bar    []byte
	nextIOVA uint64
	mapped map[uint64][]byte
	closed bool
}

// NewFakeContainer returns a Container backed by plain Go memory, with a
// bar-sized register window starting zeroed.
func NewFakeContainer(barSize int) Container {
	return &fakeContainer{
		bar:      make([]byte, barSize),
		nextIOVA: 0x10000, // keep IOVA 0 reserved/invalid, like real IOMMU maps do
		mapped:   make(map[uint64][]byte),
	}
}

func (f *fakeContainer) MapDMA(virt []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, ErrContainerClosed
	}
	iova := f.nextIOVA
	f.mapped[iova] = virt
	// Round up to keep regions non-overlapping even for odd sizes.
	f.nextIOVA += (uint64(len(virt)) + 0xfff) &^ 0xfff
	return iova, nil
}

func (f *fakeContainer) UnmapDMA(iova uint64, length uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrContainerClosed
	}
	if _, ok := f.mapped[iova]; !ok {
		return errIOVANotMapped
	}
	delete(f.mapped, iova)
	return nil
}

func (f *fakeContainer) BAR() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrContainerClosed
	}
	return f.bar, nil
}

func (f *fakeContainer) Reset() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrContainerClosed
	}
	for i := range f.bar {
		f.bar[i] = 0
	}
	return nil
}

// Translate implements Translator by finding the mapped region that
// contains iova and returning the corresponding sub-slice of its backing
// memory.
func (f *fakeContainer) Translate(iova uint64, length int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrContainerClosed
	}
	for base, mem := range f.mapped {
		if iova >= base && iova+uint64(length) <= base+uint64(len(mem)) {
			off := iova - base
			return mem[off : off+uint64(length)], nil
		}
	}
	return nil, errIOVANotMapped
}

func (f *fakeContainer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.mapped = nil
	return nil
}
