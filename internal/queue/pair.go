// Package queue implements the submission/completion ring pair: a slot
// free-list, phase-tagged completion polling, and doorbell
// ringing on top of a register.Window. It is thread-affine by contract, not
// by lock: callers must not drive one Pair from two threads concurrently.
package queue

import (
	"fmt"
	"sync"

	"github.com/go-unvme/unvme/internal/nvme"
	"github.com/go-unvme/unvme/internal/register"
)

// SlotState tracks one outstanding command slot through submit and reap.
type SlotState int

const (
	// SlotFree is not holding any command.
	SlotFree SlotState = iota
	// SlotInFlight has a submitted command awaiting a completion.
	SlotInFlight
)

// ErrQueueFull is returned by Submit when no slot is free.
var ErrQueueFull = fmt.Errorf("queue: full")

const (
	sqeSize = 64
	cqeSize = 16
)

// Completion is one reaped CQE, decoded into the fields D.reap's contract
// promises callers: command id, status, and the
// command-specific DW0 pass-through callers (APollCS) need.
type Completion struct {
	CID     uint16
	Slot    uint16
	Success bool
	Status  uint16
	DW0     uint32
}

// Pair is one submission ring + one completion ring, the slot allocator
// bound to it, and the register window it rings doorbells through. sqMem
// and cqMem are the raw DMA-mapped ring memory bring-up allocated;
// entries are marshaled directly into them so the device sees every write.
type Pair struct {
	QID   uint16
	depth uint16 // SQ/CQ ring size; depth-1 command slots

	win *register.Window

	sqMem  []byte
	sqTail uint16

	cqMem    []byte
	cqHead   uint16
	expPhase bool

	mu        sync.Mutex
	slotState []SlotState
	freeList  []uint16
}

// New wires a Pair over already-allocated, already-DMA-mapped SQ/CQ memory
// (depth*64 bytes and depth*16 bytes respectively). Bring-up is
// responsible for allocating that memory and issuing CREATE I/O SQ/CQ (or
// programming ASQ/ACQ for qid 0) before the pair is usable.
func New(qid uint16, win *register.Window, sqMem []byte, cqMem []byte, depth uint16) *Pair {
	if len(sqMem) < int(depth)*sqeSize {
		panic("queue: sq memory too small for depth")
	}
	if len(cqMem) < int(depth)*cqeSize {
		panic("queue: cq memory too small for depth")
	}

	slotState := make([]SlotState, depth)
	// One ring entry always stays empty so a full SQ is distinguishable from
	// an empty one: at most depth-1 commands are in flight.
	freeList := make([]uint16, 0, depth)
	for i := uint16(0); i+1 < depth; i++ {
		freeList = append(freeList, i)
	}

	return &Pair{
		QID:       qid,
		depth:     depth,
		win:       win,
		sqMem:     sqMem,
		cqMem:     cqMem,
		expPhase:  true, // CQ is zero-initialized; first expected phase is 1
		slotState: slotState,
		freeList:  freeList,
	}
}

// Depth returns the SQ/CQ ring depth; the pair manages Depth()-1 command
// slots.
func (p *Pair) Depth() uint16 { return p.depth }

// allocSlot returns a free slot, or ok=false if the queue is full.
func (p *Pair) allocSlot() (uint16, bool) {
	if len(p.freeList) == 0 {
		return 0, false
	}
	n := len(p.freeList) - 1
	slot := p.freeList[n]
	p.freeList = p.freeList[:n]
	p.slotState[slot] = SlotInFlight
	return slot, true
}

func (p *Pair) freeSlot(slot uint16) {
	p.slotState[slot] = SlotFree
	p.freeList = append(p.freeList, slot)
}

// EncodeCID packs (qid, slot) into a command id the way completion routing
// expects: high bits carry qid, low bits index the slot.
func EncodeCID(qid uint16, slot uint16) uint16 {
	return (qid << 12) | (slot & 0x0fff)
}

// DecodeCID splits a command id back into (qid, slot).
func DecodeCID(cid uint16) (qid uint16, slot uint16) {
	return cid >> 12, cid & 0x0fff
}

// Submit takes the next free slot, writes entry at SQ[tail] with its CID
// set to encode (qid, slot), advances tail, and rings the SQ doorbell.
// Returns ErrQueueFull if no slot is free.
func (p *Pair) Submit(entry nvme.SubmissionEntry) (slot uint16, err error) {
	p.mu.Lock()

	slot, ok := p.allocSlot()
	if !ok {
		p.mu.Unlock()
		return 0, ErrQueueFull
	}

	entry.SetOpcodeAndCID(entry.Opcode(), EncodeCID(p.QID, slot))

	tail := p.sqTail
	buf, err := nvme.Marshal(&entry)
	if err != nil {
		p.freeSlot(slot)
		p.mu.Unlock()
		return 0, fmt.Errorf("queue: marshal submission entry: %w", err)
	}
	dst := p.sqMem[int(tail)*sqeSize : int(tail)*sqeSize+sqeSize]
	copy(dst, buf)

	p.sqTail = (tail + 1) % p.depth
	newTail := p.sqTail
	p.mu.Unlock()

	p.win.RingSQTail(p.QID, newTail)
	return slot, nil
}

// Reap drains the CQ from head while the phase bit at that entry matches
// the expected phase, advances head, and rings the CQ doorbell once at the
// end if any progress was made. A CQE with More set is a non-terminal
// progress report for its command: the entry is consumed from the ring but
// its slot stays bound and no Completion is reported to the caller, so the
// command isn't considered resolved until a CQE with More=0 is seen for the
// same cid.
func (p *Pair) Reap() []Completion {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out []Completion
	progressed := false
	for {
		var entry nvme.CompletionEntry
		src := p.cqMem[int(p.cqHead)*cqeSize : int(p.cqHead)*cqeSize+cqeSize]
		if err := nvme.Unmarshal(src, &entry); err != nil {
			break
		}
		if entry.Phase() != p.expPhase {
			break
		}

		parsed := nvme.ParseCompletion(&entry)
		_, slot := DecodeCID(parsed.CID)

		if !parsed.More {
			out = append(out, Completion{
				CID:     parsed.CID,
				Slot:    slot,
				Success: parsed.Success,
				Status:  entry.Status(),
				DW0:     parsed.DW0,
			})
			p.freeSlot(slot)
		}

		p.cqHead++
		progressed = true
		if p.cqHead == p.depth {
			p.cqHead = 0
			p.expPhase = !p.expPhase
		}
	}

	if progressed {
		p.win.RingCQHead(p.QID, p.cqHead)
	}
	return out
}

// SlotState reports the current state of a slot, for diagnostics and tests.
func (p *Pair) SlotState(slot uint16) SlotState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slotState[slot]
}
