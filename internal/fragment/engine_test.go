package fragment

import (
	"testing"

	"github.com/go-unvme/unvme/internal/dma"
	"github.com/go-unvme/unvme/internal/nvme"
	"github.com/go-unvme/unvme/internal/queue"
	"github.com/go-unvme/unvme/internal/register"
)

const (
	sqeSize = 64
	cqeSize = 16
)

func newTestQueue(t *testing.T, depth uint16, maxiopq int) (*Queue, *dma.Arena, []byte) {
	t.Helper()
	barMem := make([]byte, 0x2000)
	win := register.New(barMem)
	sqMem := make([]byte, int(depth)*sqeSize)
	cqMem := make([]byte, int(depth)*cqeSize)
	pair := queue.New(1, win, sqMem, cqMem, depth)

	container := dma.NewFakeContainer(64)
	arena := dma.NewArena(container, dma.PageSize*16)
	pool := queue.NewPool(pair, arena, maxiopq)

	return NewQueue(pair, pool), arena, cqMem
}

func writeCQE(pair *queue.Pair, cqMem []byte, index uint16, cid uint16, success bool, phase bool) {
	var c nvme.CompletionEntry
	status := uint16(0)
	if !success {
		status = 1 << 1
	}
	dw3 := uint32(cid)
	if phase {
		dw3 |= 1 << 16
	}
	dw3 |= uint32(status) << 17
	c.DW3 = dw3
	buf, _ := nvme.Marshal(&c)
	copy(cqMem[int(index)*cqeSize:int(index)*cqeSize+cqeSize], buf)
}

func TestSubmitRWSinglePageNoFragmentation(t *testing.T) {
	q, arena, _ := newTestQueue(t, 8, 4)

	region, err := arena.Alloc(dma.PageSize)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	desc, err := q.SubmitRW(1, 0, 1, 512, region, 0, false, 0)
	if err != nil {
		t.Fatalf("SubmitRW: %v", err)
	}
	if len(desc.Slots) != 1 {
		t.Fatalf("expected a single sub-command, got %d", len(desc.Slots))
	}
	if desc.Pending() != 1 {
		t.Errorf("Pending() = %d, want 1", desc.Pending())
	}
}

func TestSubmitRWFragmentsAcrossPageBoundary(t *testing.T) {
	q, arena, _ := newTestQueue(t, 8, 4)

	// 512-byte blocks, page holds 8 blocks; request 20 blocks so it needs
	// three sub-commands (8 + 8 + 4).
	region, err := arena.Alloc(dma.PageSize * 4)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	desc, err := q.SubmitRW(1, 0, 20, 512, region, 0, true, 0)
	if err != nil {
		t.Fatalf("SubmitRW: %v", err)
	}
	if len(desc.Slots) != 3 {
		t.Fatalf("expected 3 sub-commands, got %d", len(desc.Slots))
	}
	if desc.Pending() != 3 {
		t.Errorf("Pending() = %d, want 3", desc.Pending())
	}
}

func TestReapResolvesAndCompletesDescriptor(t *testing.T) {
	q, arena, cqMem := newTestQueue(t, 8, 4)

	region, err := arena.Alloc(dma.PageSize)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	desc, err := q.SubmitRW(1, 0, 1, 512, region, 0, false, 0)
	if err != nil {
		t.Fatalf("SubmitRW: %v", err)
	}

	cid := queue.EncodeCID(q.Pair.QID, desc.Slots[0])
	writeCQE(q.Pair, cqMem, 0, cid, true, true)

	completions := q.Reap()
	if len(completions) != 1 {
		t.Fatalf("Reap returned %d completions, want 1", len(completions))
	}

	status, _, _ := desc.Status()
	if status != queue.StatusDone {
		t.Errorf("descriptor status = %v, want StatusDone", status)
	}
	if desc.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", desc.Pending())
	}
}

func TestReapPumpsRemainingFragmentsAsSlotsFree(t *testing.T) {
	// A 3-deep queue pair (two usable slots) with a 3-fragment request: the
	// third fragment can't be submitted until one of the first two resolves.
	q, arena, cqMem := newTestQueue(t, 3, 4)

	region, err := arena.Alloc(dma.PageSize * 4)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	desc, err := q.SubmitRW(1, 0, 20, 512, region, 0, true, 0)
	if err != nil {
		t.Fatalf("SubmitRW: %v", err)
	}
	if len(desc.Slots) != 2 {
		t.Fatalf("expected only 2 of 3 fragments submitted up front (two usable slots), got %d", len(desc.Slots))
	}

	cid := queue.EncodeCID(q.Pair.QID, desc.Slots[0])
	writeCQE(q.Pair, cqMem, 0, cid, true, true)

	completions := q.Reap()
	if len(completions) != 1 {
		t.Fatalf("Reap returned %d completions, want 1", len(completions))
	}
	if len(desc.Slots) != 3 {
		t.Fatalf("expected the third fragment to be pumped in after a slot freed, got %d slots", len(desc.Slots))
	}
	if desc.Pending() != 2 {
		t.Errorf("Pending() = %d, want 2 (one resolved, two still in flight)", desc.Pending())
	}
}

func TestSubmitFlushIsUnfragmented(t *testing.T) {
	q, _, _ := newTestQueue(t, 8, 4)

	desc, err := q.SubmitFlush(1)
	if err != nil {
		t.Fatalf("SubmitFlush: %v", err)
	}
	if len(desc.Slots) != 1 {
		t.Fatalf("expected a single sub-command, got %d", len(desc.Slots))
	}
}

func TestReapReleasesDescriptorBackToPool(t *testing.T) {
	// maxiopq of 1: a second SubmitRW must fail until the first descriptor
	// is resolved and released.
	q, arena, cqMem := newTestQueue(t, 8, 1)

	region, err := arena.Alloc(dma.PageSize)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	desc, err := q.SubmitRW(1, 0, 1, 512, region, 0, false, 0)
	if err != nil {
		t.Fatalf("SubmitRW: %v", err)
	}

	if _, err := q.SubmitRW(1, 0, 1, 512, region, 0, false, 0); err != queue.ErrQueueFull {
		t.Fatalf("second SubmitRW with the pool exhausted = %v, want ErrQueueFull", err)
	}

	cid := queue.EncodeCID(q.Pair.QID, desc.Slots[0])
	writeCQE(q.Pair, cqMem, 0, cid, true, true)
	if completions := q.Reap(); len(completions) != 1 {
		t.Fatalf("Reap returned %d completions, want 1", len(completions))
	}

	if _, err := q.SubmitRW(1, 0, 1, 512, region, 0, false, 0); err != nil {
		t.Fatalf("SubmitRW after Reap released the prior descriptor: %v", err)
	}
}

func TestReapReleasesDescriptorOnLatchedError(t *testing.T) {
	// Same pool-exhaustion probe, but the first descriptor resolves with an
	// error instead of success: Release must still run.
	q, arena, cqMem := newTestQueue(t, 8, 1)

	region, err := arena.Alloc(dma.PageSize)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	desc, err := q.SubmitRW(1, 0, 1, 512, region, 0, false, 0)
	if err != nil {
		t.Fatalf("SubmitRW: %v", err)
	}

	cid := queue.EncodeCID(q.Pair.QID, desc.Slots[0])
	writeCQE(q.Pair, cqMem, 0, cid, false, true) // success=false
	if completions := q.Reap(); len(completions) != 1 {
		t.Fatalf("Reap returned %d completions, want 1", len(completions))
	}

	status, _, _ := desc.Status()
	if status != queue.StatusError {
		t.Fatalf("descriptor status = %v, want StatusError", status)
	}

	if _, err := q.SubmitRW(1, 0, 1, 512, region, 0, false, 0); err != nil {
		t.Fatalf("SubmitRW after an errored descriptor was reaped: %v", err)
	}
}

func TestSubmitTranslateWriteIsUnfragmented(t *testing.T) {
	q, arena, _ := newTestQueue(t, 8, 4)

	region, err := arena.Alloc(dma.PageSize)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	desc, err := q.SubmitTranslateWrite(1, 0, 1, 512, region, 0)
	if err != nil {
		t.Fatalf("SubmitTranslateWrite: %v", err)
	}
	if len(desc.Slots) != 1 {
		t.Fatalf("expected a single sub-command, got %d", len(desc.Slots))
	}
}

func TestSubmitTranslateReadWindowsBeyondQueueDepth(t *testing.T) {
	// A 3-deep queue pair (two usable slots) with a 3-fragment translate
	// read: the third fragment can't be submitted until one of the first two
	// resolves, exactly like an ordinary read's windowed submission.
	q, arena, cqMem := newTestQueue(t, 3, 4)

	region, err := arena.Alloc(dma.PageSize * 4)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}

	desc, err := q.SubmitTranslateRead(1, 0, 20, 512, region, 0, 0)
	if err != nil {
		t.Fatalf("SubmitTranslateRead: %v", err)
	}
	if len(desc.Slots) != 2 {
		t.Fatalf("expected only 2 of 3 fragments submitted up front (two usable slots), got %d", len(desc.Slots))
	}

	cid := queue.EncodeCID(q.Pair.QID, desc.Slots[0])
	writeCQE(q.Pair, cqMem, 0, cid, true, true)

	completions := q.Reap()
	if len(completions) != 1 {
		t.Fatalf("Reap returned %d completions, want 1", len(completions))
	}
	if len(desc.Slots) != 3 {
		t.Fatalf("expected the third fragment to be pumped in after a slot freed, got %d slots", len(desc.Slots))
	}
	if desc.Pending() != 2 {
		t.Errorf("Pending() = %d, want 2 (one resolved, two still in flight)", desc.Pending())
	}

	// Drain the remaining two fragments so the descriptor fully resolves
	// and its pool slot is released, mirroring the pipelined-scan
	// termination the windowed path exists for. cqHead is now at 1; the
	// 3-deep ring's first pass covers indexes 0-2, so the producer's phase
	// bit stays 1 for both remaining completions.
	cid1 := queue.EncodeCID(q.Pair.QID, desc.Slots[1])
	writeCQE(q.Pair, cqMem, 1, cid1, true, true)
	q.Reap()
	cid2 := queue.EncodeCID(q.Pair.QID, desc.Slots[2])
	writeCQE(q.Pair, cqMem, 2, cid2, true, true)
	q.Reap()

	if desc.Pending() != 0 {
		t.Fatalf("Pending() = %d, want 0 after all fragments resolved", desc.Pending())
	}
	status, _, _ := desc.Status()
	if status != queue.StatusDone {
		t.Errorf("descriptor status = %v, want StatusDone", status)
	}
}
