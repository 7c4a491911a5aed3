// Package fragment is the asynchronous I/O dispatcher: it owns the
// completion-routing table a queue pair needs (a reaped CQE carries only
// (qid, slot); the descriptor it resolves is looked up here) and splits a
// read/write that exceeds one command's transfer limit into chained
// sub-commands sharing one descriptor.
package fragment

import (
	"sync"

	"github.com/go-unvme/unvme/internal/dma"
	"github.com/go-unvme/unvme/internal/nvme"
	"github.com/go-unvme/unvme/internal/queue"
)

// Queue couples a queue pair and its descriptor pool with the slot -> job
// binding table completion routing needs, and drives windowed submission
// of fragmented requests issued against it.
type Queue struct {
	Pair *queue.Pair
	Pool *queue.Pool

	mu       sync.Mutex
	bound    map[uint16]*job // slot -> owning job, while that slot is in flight
	inflight map[*job]bool   // jobs with at least one unresolved slot or unsent fragment
}

// job tracks one aread/awrite/aflush/atranslate_read request's fragmentation
// progress: the LBA range and buffer it covers, how much has been submitted
// so far, and the descriptor the caller polls.
type job struct {
	desc        *queue.Descriptor
	nsid        uint32
	isWrite     bool
	isTranslate bool // use the vendor translate builders instead of plain READ/WRITE
	region      *dma.Region
	bufOff      int // byte offset into region where this request's buffer starts
	blockSize   uint32
	perFragNLB  uint32 // blocks per fragment, capped so PRP1/PRP2 need no list page
	slba        uint64
	remaining   uint32 // blocks not yet submitted
	blocksDone  uint32
}

// NewQueue builds a fragment dispatcher over an already-created queue pair
// and its descriptor pool.
func NewQueue(pair *queue.Pair, pool *queue.Pool) *Queue {
	return &Queue{
		Pair:     pair,
		Pool:     pool,
		bound:    make(map[uint16]*job),
		inflight: make(map[*job]bool),
	}
}

// maxBlocksPerFragment bounds a single sub-command's transfer so its PRP1
// and PRP2 fields alone can address it regardless of the buffer's alignment
// within the first page, with no PRP list page required. This trades fewer,
// larger sub-commands for never needing the descriptor's single shared
// PRP-list page on the ordinary read/write path (see the fragmentation
// entry in DESIGN.md).
func maxBlocksPerFragment(blockSize uint32) uint32 {
	n := uint32(dma.PageSize) / blockSize
	if n == 0 {
		n = 1
	}
	return n
}

// SubmitRW issues a READ or WRITE of nlb blocks at slba against the region
// starting at byte offset bufOff, fragmenting into chained sub-commands
// when nlb exceeds maxBPIO or a single command's PRP-safe size. Only as
// many sub-commands as the queue has free slots for are submitted
// immediately; the rest are pipelined in as earlier ones resolve (see Reap).
func (q *Queue) SubmitRW(nsid uint32, slba uint64, nlb uint32, blockSize uint32, region *dma.Region, bufOff int, isWrite bool, maxBPIO uint64) (*queue.Descriptor, error) {
	perFrag := maxBlocksPerFragment(blockSize)
	if maxBPIO > 0 && uint64(perFrag) > maxBPIO {
		perFrag = uint32(maxBPIO)
	}

	k := int((uint64(nlb) + uint64(perFrag) - 1) / uint64(perFrag))
	if k == 0 {
		k = 1
	}

	desc, err := q.Pool.Allocate(k)
	if err != nil {
		return nil, err
	}

	j := &job{
		desc:       desc,
		nsid:       nsid,
		isWrite:    isWrite,
		region:     region,
		bufOff:     bufOff,
		blockSize:  blockSize,
		perFragNLB: perFrag,
		slba:       slba,
		remaining:  nlb,
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.inflight[j] = true
	q.pumpLocked(j)
	return desc, nil
}

// SubmitFlush issues an unfragmented FLUSH, the one sub-command descriptor
// case (k=1).
func (q *Queue) SubmitFlush(nsid uint32) (*queue.Descriptor, error) {
	desc, err := q.Pool.Allocate(1)
	if err != nil {
		return nil, err
	}

	entry := nvme.BuildFlush(0, nsid)

	q.mu.Lock()
	defer q.mu.Unlock()

	slot, err := q.Pair.Submit(entry)
	if err != nil {
		q.Pool.Release(desc)
		return nil, err
	}
	desc.Slots = append(desc.Slots, slot)
	q.bound[slot] = &job{desc: desc, remaining: 0}
	return desc, nil
}

// SubmitTranslateWrite issues the single caller-supplied configuration-block
// write that opens a translate/extended submission: one unfragmented
// sub-command, unlike SubmitRW's chained fragments, since the config block is
// never split. Unlike pumpLocked's fragments it can use the descriptor's own
// PRP-list page directly, since nothing else submitted concurrently under
// this descriptor shares it.
func (q *Queue) SubmitTranslateWrite(nsid uint32, slba uint64, nlb uint32, blockSize uint32, region *dma.Region, bufOff int) (*queue.Descriptor, error) {
	desc, err := q.Pool.Allocate(1)
	if err != nil {
		return nil, err
	}

	length := int(nlb) * int(blockSize)
	prp1, prp2, err := dma.BuildPRP(region, bufOff, length, desc.PRPPage.Bytes(), desc.PRPPage.IOVA())
	if err != nil {
		q.Pool.Release(desc)
		return nil, err
	}

	entry := nvme.BuildVendorTranslateWrite(nvme.VendorTranslateParams{RWParams: nvme.RWParams{
		NSID: nsid,
		SLBA: slba,
		NLB:  nlb,
		PRP1: prp1,
		PRP2: prp2,
	}})

	q.mu.Lock()
	defer q.mu.Unlock()

	slot, err := q.Pair.Submit(entry)
	if err != nil {
		q.Pool.Release(desc)
		return nil, err
	}
	desc.Slots = append(desc.Slots, slot)
	q.bound[slot] = &job{desc: desc, remaining: 0}
	return desc, nil
}

// SubmitTranslateRead issues the windowed chained read that follows a
// translate/extended config-block write: nlb blocks built from
// BuildVendorTranslateRead instead of an ordinary READ, fragmented and
// pipelined the same way SubmitRW fragments an ordinary read. Callers
// usually choose nlb large enough that this exceeds the queue's maxiopq, the
// scenario the windowed submission loop in pumpLocked/Reap exists for.
func (q *Queue) SubmitTranslateRead(nsid uint32, slba uint64, nlb uint32, blockSize uint32, region *dma.Region, bufOff int, maxBPIO uint64) (*queue.Descriptor, error) {
	perFrag := maxBlocksPerFragment(blockSize)
	if maxBPIO > 0 && uint64(perFrag) > maxBPIO {
		perFrag = uint32(maxBPIO)
	}

	k := int((uint64(nlb) + uint64(perFrag) - 1) / uint64(perFrag))
	if k == 0 {
		k = 1
	}

	desc, err := q.Pool.Allocate(k)
	if err != nil {
		return nil, err
	}

	j := &job{
		desc:        desc,
		nsid:        nsid,
		isTranslate: true,
		region:      region,
		bufOff:      bufOff,
		blockSize:   blockSize,
		perFragNLB:  perFrag,
		slba:        slba,
		remaining:   nlb,
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.inflight[j] = true
	q.pumpLocked(j)
	return desc, nil
}

// pumpLocked submits as many of j's remaining fragments as the queue has
// free slots for right now. Called with q.mu held, both from SubmitRW and
// from Reap once a slot frees up — the windowed-submission loop's only
// termination condition is j having nothing left pending, not a bound scan
// count.
func (q *Queue) pumpLocked(j *job) {
	for j.remaining > 0 {
		n := j.perFragNLB
		if j.remaining < n {
			n = j.remaining
		}

		off := j.bufOff + int(j.blocksDone)*int(j.blockSize)
		length := int(n) * int(j.blockSize)
		prp1, prp2, err := dma.BuildPRP(j.region, off, length, nil, 0)
		if err != nil {
			// A PRP range error here is a programming bug (fragment sizing
			// already guarantees no list page is needed), not a runtime
			// condition the caller can recover from mid-fragmentation; the
			// remaining sub-commands are simply not submitted, and the
			// already-submitted ones still resolve normally.
			j.remaining = 0
			continue
		}

		params := nvme.RWParams{
			NSID: j.nsid,
			SLBA: j.slba + uint64(j.blocksDone),
			NLB:  n,
			PRP1: prp1,
			PRP2: prp2,
		}
		var entry nvme.SubmissionEntry
		switch {
		case j.isTranslate:
			entry = nvme.BuildVendorTranslateRead(nvme.VendorTranslateParams{RWParams: params})
		case j.isWrite:
			entry = nvme.BuildWrite(params)
		default:
			entry = nvme.BuildRead(params)
		}

		slot, err := q.Pair.Submit(entry)
		if err != nil {
			// Queue full: stop pumping, the rest go out as slots free up.
			return
		}

		j.desc.Slots = append(j.desc.Slots, slot)
		q.bound[slot] = j
		j.blocksDone += n
		j.remaining -= n
	}
}

// Reap drains the underlying queue pair, resolves each completion into its
// owning descriptor, and pumps any job whose fragment just freed a slot so
// a not-yet-submitted remainder can take its place.
func (q *Queue) Reap() []queue.Completion {
	completions := q.Pair.Reap()
	if len(completions) == 0 {
		return nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	touched := make(map[*job]bool)
	for _, c := range completions {
		j, ok := q.bound[c.Slot]
		if !ok {
			continue
		}
		delete(q.bound, c.Slot)
		queue.Resolve(j.desc, c)
		touched[j] = true
	}

	for j := range touched {
		if j.remaining > 0 {
			if st, errStatus, dw0 := j.desc.Status(); st == queue.StatusError {
				// A latched error stops the chain: unsent fragments are
				// counted off so pending reaches 0 once the in-flight ones
				// complete.
				unsent := (j.remaining + j.perFragNLB - 1) / j.perFragNLB
				j.remaining = 0
				for i := uint32(0); i < unsent; i++ {
					queue.Resolve(j.desc, queue.Completion{Status: errStatus, DW0: dw0})
				}
			} else {
				q.pumpLocked(j)
			}
		}
		if j.remaining == 0 && j.desc.Pending() == 0 {
			delete(q.inflight, j)
			q.Pool.Release(j.desc)
		}
	}

	return completions
}
