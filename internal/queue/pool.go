package queue

import (
	"fmt"
	"sync"

	"github.com/go-unvme/unvme/internal/dma"
)

// DescriptorStatus is the state a caller observes by polling a Descriptor.
type DescriptorStatus int

const (
	// StatusPending means k chained sub-commands are still outstanding.
	StatusPending DescriptorStatus = iota
	StatusDone
	StatusError
)

// Descriptor is the unit a caller polls: the async I/O handle covering one
// or more chained sub-commands that share one PRP-list page.
type Descriptor struct {
	mu sync.Mutex

	QP      *Pair
	Slots   []uint16 // sub-command slots currently held
	PRPPage *dma.Region

	status    DescriptorStatus
	pending   int // k: chained sub-commands still outstanding
	errStatus uint16
	cqeDW0    uint32
}

// Status reports the descriptor's current resolution.
func (d *Descriptor) Status() (DescriptorStatus, uint16, uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status, d.errStatus, d.cqeDW0
}

// resolveOne decrements the outstanding sub-command count by one, folding
// in a completion's result. An error latches: once set, it is never
// overwritten by a later, unrelated success.
func (d *Descriptor) resolveOne(c Completion) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !c.Success && d.status != StatusError {
		d.status = StatusError
		d.errStatus = c.Status
	}
	d.cqeDW0 = c.DW0

	d.pending--
	if d.pending <= 0 && d.status != StatusError {
		d.status = StatusDone
	}
}

// Pending reports the number of sub-commands this descriptor is still
// waiting on.
func (d *Descriptor) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Pool is a queue pair's descriptor pool: maxiopq entries, each handed a
// PRP-list page from a DMA arena on allocation.
type Pool struct {
	mu    sync.Mutex
	arena *dma.Arena
	qp    *Pair

	free  []*Descriptor
	inUse map[*Descriptor]bool
}

// NewPool builds a descriptor pool of exactly maxiopq entries for qp,
// backed by arena for PRP-list pages.
func NewPool(qp *Pair, arena *dma.Arena, maxiopq int) *Pool {
	p := &Pool{
		arena: arena,
		qp:    qp,
		inUse: make(map[*Descriptor]bool, maxiopq),
	}
	for i := 0; i < maxiopq; i++ {
		p.free = append(p.free, &Descriptor{QP: qp})
	}
	return p
}

// Allocate takes the first free descriptor and gives it a fresh PRP-list
// page, initialized pending(k). Fails with ErrQueueFull if the pool is
// exhausted.
func (p *Pool) Allocate(k int) (*Descriptor, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		return nil, ErrQueueFull
	}

	region, err := p.arena.Alloc(dma.PageSize)
	if err != nil {
		return nil, fmt.Errorf("queue: allocate PRP page: %w", err)
	}

	n := len(p.free) - 1
	desc := p.free[n]
	p.free = p.free[:n]

	desc.mu.Lock()
	desc.PRPPage = region
	desc.Slots = desc.Slots[:0]
	desc.status = StatusPending
	desc.pending = k
	desc.errStatus = 0
	desc.cqeDW0 = 0
	desc.mu.Unlock()

	p.inUse[desc] = true
	return desc, nil
}

// Release returns a resolved descriptor and its PRP-list page to the pool.
// Releasing a descriptor that is still pending is a caller error but is not
// guarded here; the poller must call this only once pending has reached 0.
func (p *Pool) Release(desc *Descriptor) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.inUse[desc] {
		return fmt.Errorf("queue: descriptor not owned by this pool")
	}
	delete(p.inUse, desc)

	if err := p.arena.Free(desc.PRPPage); err != nil {
		return fmt.Errorf("queue: free PRP page: %w", err)
	}
	desc.PRPPage = nil
	p.free = append(p.free, desc)
	return nil
}

// Resolve folds a reaped completion into the descriptor bound to its slot.
// qp.Reap returns completions; callers route each to its owning descriptor
// (tracked outside this pool, typically by the fragmentation engine or
// session façade) and call Resolve.
func Resolve(desc *Descriptor, c Completion) {
	desc.resolveOne(c)
}
