package queue

import (
	"testing"

	"github.com/go-unvme/unvme/internal/nvme"
	"github.com/go-unvme/unvme/internal/register"
)

func newTestPair(depth uint16) *Pair {
	barMem := make([]byte, 0x2000)
	win := register.New(barMem)
	sqMem := make([]byte, int(depth)*sqeSize)
	cqMem := make([]byte, int(depth)*cqeSize)
	return New(1, win, sqMem, cqMem, depth)
}

func TestSubmitAdvancesTailAndRingsDoorbell(t *testing.T) {
	p := newTestPair(4)

	e := nvme.BuildFlush(1, 1)
	slot, err := p.Submit(e)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if p.SlotState(slot) != SlotInFlight {
		t.Errorf("slot %d state = %v, want SlotInFlight", slot, p.SlotState(slot))
	}
	if p.sqTail != 1 {
		t.Errorf("sqTail = %d, want 1", p.sqTail)
	}
}

func TestSubmitFailsWhenQueueFull(t *testing.T) {
	p := newTestPair(3) // depth 3: two usable slots, one ring entry stays empty

	if _, err := p.Submit(nvme.BuildFlush(1, 1)); err != nil {
		t.Fatalf("Submit 1: %v", err)
	}
	if _, err := p.Submit(nvme.BuildFlush(2, 1)); err != nil {
		t.Fatalf("Submit 2: %v", err)
	}
	if _, err := p.Submit(nvme.BuildFlush(3, 1)); err != ErrQueueFull {
		t.Errorf("Submit 3 = %v, want ErrQueueFull", err)
	}
}

// writeCQE places a completion entry with the given cid/status/phase
// directly into the CQ ring memory, simulating the device writing back a
// completion.
func writeCQE(p *Pair, index uint16, cid uint16, success bool, phase bool) {
	writeCQEMore(p, index, cid, success, phase, false)
}

// writeCQEMore is writeCQE with control over the More bit, for exercising
// multi-CQE commands.
func writeCQEMore(p *Pair, index uint16, cid uint16, success bool, phase bool, more bool) {
	var c nvme.CompletionEntry
	status := uint16(0)
	if !success {
		status = 1 << 1 // nonzero status code -> Success() is false
	}
	if more {
		status |= 1 << 13
	}
	c.DW3 = encodeCompletionDW3(cid, phase, status)
	buf, _ := nvme.Marshal(&c)
	copy(p.cqMem[int(index)*cqeSize:int(index)*cqeSize+cqeSize], buf)
}

// encodeCompletionDW3 builds DW3 the way the controller would: CID in the
// low 16 bits, phase bit at bit 16, status field (SCT<<8|SC) at bits 17-31.
func encodeCompletionDW3(cid uint16, phase bool, status uint16) uint32 {
	dw3 := uint32(cid)
	if phase {
		dw3 |= 1 << 16
	}
	dw3 |= uint32(status) << 17
	return dw3
}

func TestReapDrainsMatchingPhaseAndFreesSlot(t *testing.T) {
	p := newTestPair(4)

	slot, err := p.Submit(nvme.BuildFlush(1, 1))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	cid := EncodeCID(p.QID, slot)
	writeCQE(p, 0, cid, true, true) // expected phase starts at true

	completions := p.Reap()
	if len(completions) != 1 {
		t.Fatalf("Reap returned %d completions, want 1", len(completions))
	}
	if completions[0].Slot != slot || !completions[0].Success {
		t.Errorf("completion = %+v, unexpected", completions[0])
	}
	if p.SlotState(slot) != SlotFree {
		t.Errorf("slot %d state = %v, want SlotFree after reap", slot, p.SlotState(slot))
	}
	if p.cqHead != 1 {
		t.Errorf("cqHead = %d, want 1", p.cqHead)
	}
}

func TestReapStopsAtPhaseMismatch(t *testing.T) {
	p := newTestPair(4)
	// No CQEs written; ring is zero-initialized so phase bit is 0, and the
	// expected phase starts at 1 -- nothing should be reaped.
	completions := p.Reap()
	if len(completions) != 0 {
		t.Errorf("Reap on empty ring returned %d completions, want 0", len(completions))
	}
}

func TestReapHoldsSlotUntilMoreIsCleared(t *testing.T) {
	p := newTestPair(4)

	slot, err := p.Submit(nvme.BuildFlush(1, 1))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	cid := EncodeCID(p.QID, slot)

	writeCQEMore(p, 0, cid, true, true, true) // more=1: not yet terminal

	completions := p.Reap()
	if len(completions) != 0 {
		t.Fatalf("Reap with more=1 returned %d completions, want 0", len(completions))
	}
	if p.SlotState(slot) != SlotInFlight {
		t.Errorf("slot %d state = %v, want still SlotInFlight while more=1", slot, p.SlotState(slot))
	}
	if p.cqHead != 1 {
		t.Errorf("cqHead = %d, want 1 (entry consumed even though held)", p.cqHead)
	}

	writeCQEMore(p, 1, cid, true, true, false) // more=0: terminal

	completions = p.Reap()
	if len(completions) != 1 {
		t.Fatalf("Reap with more=0 returned %d completions, want 1", len(completions))
	}
	if completions[0].Slot != slot {
		t.Errorf("completion slot = %d, want %d", completions[0].Slot, slot)
	}
	if p.SlotState(slot) != SlotFree {
		t.Errorf("slot %d state = %v, want SlotFree after more=0", slot, p.SlotState(slot))
	}
}

func TestReapFlipsExpectedPhaseOnWrap(t *testing.T) {
	p := newTestPair(2)

	// Depth 2 leaves one usable slot, so the second command is submitted
	// once the first has been reaped.
	s1, _ := p.Submit(nvme.BuildFlush(1, 1))
	writeCQE(p, 0, EncodeCID(p.QID, s1), true, true)
	completions := p.Reap()

	s2, _ := p.Submit(nvme.BuildFlush(2, 1))
	writeCQE(p, 1, EncodeCID(p.QID, s2), true, true)
	completions = append(completions, p.Reap()...)

	if len(completions) != 2 {
		t.Fatalf("Reap returned %d completions, want 2", len(completions))
	}
	if p.expPhase != false {
		t.Error("expected phase did not flip after wrapping the ring")
	}
	if p.cqHead != 0 {
		t.Errorf("cqHead = %d, want 0 after wrap", p.cqHead)
	}
}

func TestEncodeDecodeCID(t *testing.T) {
	cid := EncodeCID(3, 42)
	qid, slot := DecodeCID(cid)
	if qid != 3 || slot != 42 {
		t.Errorf("DecodeCID(%d) = (%d, %d), want (3, 42)", cid, qid, slot)
	}
}
