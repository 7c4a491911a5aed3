package dma

import (
	"fmt"
	"sync"
)

// PageSize is the minimum controller memory page size this allocator slabs
// into.
const PageSize = 4096

var (
	errIOVANotMapped = fmt.Errorf("dma: iova not mapped")
	// ErrOutOfMemory is returned by Alloc when no region has a long
	// enough free run and growing the arena failed.
	ErrOutOfMemory = fmt.Errorf("dma: out of memory")
	// ErrNotOwned is returned by Free when the buffer wasn't handed out
	// by this arena (double-free or cross-arena free).
	ErrNotOwned = fmt.Errorf("dma: buffer not owned by this arena")
)

// chunk is one physically-contiguous mapping the arena grew into. Its size
// shrinks on retry the way heapInit in the uio_pci_dma allocator halves its
// request until the container accepts it; unlike that allocator we don't
// need a physical page table here because Container.MapDMA is trusted to
// hand back a stable IOVA for the whole mapping, IOMMU-contiguous even when
// the underlying physical pages are not.
type chunk struct {
	mem    []byte
	iova   uint64
	npages int
	free   []bool // per-page free bitmap within this chunk
}

// Region is a single DMA buffer handed out by Alloc: a run of pages within
// one chunk, addressable both by the CPU (Bytes) and by the device (IOVA).
type Region struct {
	chunk  *chunk
	offset int // byte offset into chunk.mem
	npages int
}

// Bytes returns the CPU-addressable view of the region.
func (r *Region) Bytes() []byte {
	return r.chunk.mem[r.offset : r.offset+r.npages*PageSize]
}

// IOVA returns the device-addressable base address of the region.
func (r *Region) IOVA() uint64 {
	return r.chunk.iova + uint64(r.offset)
}

// Len returns the region's size in bytes.
func (r *Region) Len() int {
	return r.npages * PageSize
}

// Arena is a slab allocator over DMA memory obtained from a Container. It
// grows by mapping new chunks on demand, shrinking the request size until
// the container accepts it, mirroring the uio_pci_dma allocator's chunk
// growth probe.
type Arena struct {
	mu        sync.Mutex
	container Container
	chunks    []*chunk
	chunkSize int // desired size of the next grown chunk, in bytes
}

// NewArena attaches an allocator to container. initialChunkSize is the
// first chunk size attempted when growth is needed; it is shrunk by half on
// MapDMA failure down to a single page.
func NewArena(container Container, initialChunkSize int) *Arena {
	if initialChunkSize < PageSize {
		initialChunkSize = PageSize
	}
	return &Arena{container: container, chunkSize: initialChunkSize}
}

// grow maps a new chunk into the arena, shrinking the attempted size by
// half on failure until it succeeds or falls below one page.
func (a *Arena) grow(minPages int) (*chunk, error) {
	size := a.chunkSize
	minSize := minPages * PageSize
	if size < minSize {
		size = minSize
	}
	for {
		mem := make([]byte, size)
		iova, err := a.container.MapDMA(mem)
		if err == nil {
			npages := size / PageSize
			c := &chunk{mem: mem, iova: iova, npages: npages, free: make([]bool, npages)}
			for i := range c.free {
				c.free[i] = true
			}
			a.chunks = append(a.chunks, c)
			return c, nil
		}
		if size <= minSize || size <= PageSize {
			return nil, fmt.Errorf("dma: grow chunk of %d bytes: %w", size, err)
		}
		size /= 2
		if size < minSize {
			size = minSize
		}
	}
}

// contiguousRun finds `need` consecutive free pages starting at or after
// index 0 in c, returning the starting page index, or ok=false.
func (c *chunk) contiguousRun(need int) (start int, ok bool) {
	run := 0
	for i := 0; i < c.npages; i++ {
		if c.free[i] {
			run++
			if run == need {
				return i - need + 1, true
			}
		} else {
			run = 0
		}
	}
	return 0, false
}

// Alloc reserves a run of pages covering at least size bytes and returns a
// Region backed by device-addressable memory. It first scans existing
// chunks for a long-enough free run before growing the arena.
func (a *Arena) Alloc(size int) (*Region, error) {
	if size <= 0 {
		size = PageSize
	}
	needPages := (size + PageSize - 1) / PageSize

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, c := range a.chunks {
		if start, ok := c.contiguousRun(needPages); ok {
			for i := start; i < start+needPages; i++ {
				c.free[i] = false
			}
			return &Region{chunk: c, offset: start * PageSize, npages: needPages}, nil
		}
	}

	c, err := a.grow(needPages)
	if err != nil {
		return nil, ErrOutOfMemory
	}
	for i := 0; i < needPages; i++ {
		c.free[i] = false
	}
	return &Region{chunk: c, offset: 0, npages: needPages}, nil
}

// Owns reports whether r was handed out by this arena (via Alloc or
// MapExisting), as opposed to some other controller's arena. Chunks are
// never removed from the arena, so a region that was already Freed still
// reports true. Callers that hand a caller-supplied
// *Region to a DMA-facing operation (e.g. submitting it for I/O) should check
// this before trusting its IOVA.
func (a *Arena) Owns(r *Region) bool {
	if r == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, c := range a.chunks {
		if c == r.chunk {
			return true
		}
	}
	return false
}

// Free releases a region back to its chunk's free bitmap. It returns
// ErrNotOwned if r was not allocated from this arena.
func (a *Arena) Free(r *Region) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	owned := false
	for _, c := range a.chunks {
		if c == r.chunk {
			owned = true
			break
		}
	}
	if !owned {
		return ErrNotOwned
	}

	start := r.offset / PageSize
	for i := start; i < start+r.npages; i++ {
		r.chunk.free[i] = true
	}
	return nil
}

// MapExisting maps an already-allocated virt buffer (e.g. one handed in by a
// caller that manages its own memory) through the container's MapDMA and
// wraps it as a Region.
// The region is tracked for Free like any arena-grown one, but doesn't count
// against chunk capacity.
func (a *Arena) MapExisting(virt []byte) (*Region, error) {
	iova, err := a.container.MapDMA(virt)
	if err != nil {
		return nil, fmt.Errorf("dma: map existing: %w", err)
	}
	npages := (len(virt) + PageSize - 1) / PageSize
	c := &chunk{mem: virt, iova: iova, npages: npages, free: make([]bool, npages)}

	a.mu.Lock()
	a.chunks = append(a.chunks, c)
	a.mu.Unlock()

	return &Region{chunk: c, offset: 0, npages: npages}, nil
}
