package dma

import "testing"

func TestAllocFreeRoundTrip(t *testing.T) {
	c := NewFakeContainer(0x2000)
	a := NewArena(c, 4*PageSize)

	r, err := a.Alloc(PageSize)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if r.Len() != PageSize {
		t.Errorf("Len() = %d, want %d", r.Len(), PageSize)
	}
	if r.IOVA() == 0 {
		t.Error("IOVA() = 0, want nonzero")
	}

	if err := a.Free(r); err != nil {
		t.Fatalf("Free: %v", err)
	}
}

func TestAllocGrowsArenaWhenChunksFull(t *testing.T) {
	c := NewFakeContainer(0x2000)
	a := NewArena(c, 1*PageSize) // force growth on every alloc beyond page 1

	r1, err := a.Alloc(PageSize)
	if err != nil {
		t.Fatalf("Alloc 1: %v", err)
	}
	r2, err := a.Alloc(PageSize)
	if err != nil {
		t.Fatalf("Alloc 2: %v", err)
	}
	if r1.IOVA() == r2.IOVA() {
		t.Error("two live regions share an IOVA")
	}
}

func TestAllocMultiPageContiguousRun(t *testing.T) {
	c := NewFakeContainer(0x2000)
	a := NewArena(c, 8*PageSize)

	r, err := a.Alloc(3 * PageSize)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if r.Len() != 3*PageSize {
		t.Errorf("Len() = %d, want %d", r.Len(), 3*PageSize)
	}
}

func TestFreeRejectsForeignRegion(t *testing.T) {
	c1 := NewFakeContainer(0x2000)
	c2 := NewFakeContainer(0x2000)
	a1 := NewArena(c1, 4*PageSize)
	a2 := NewArena(c2, 4*PageSize)

	r, err := a1.Alloc(PageSize)
	if err != nil {
		t.Fatalf("Alloc: %v", err)
	}
	if err := a2.Free(r); err != ErrNotOwned {
		t.Errorf("Free across arenas = %v, want ErrNotOwned", err)
	}
}

func TestAllocReusesFreedPages(t *testing.T) {
	c := NewFakeContainer(0x2000)
	a := NewArena(c, 2*PageSize)

	r1, err := a.Alloc(PageSize)
	if err != nil {
		t.Fatalf("Alloc 1: %v", err)
	}
	iova1 := r1.IOVA()
	if err := a.Free(r1); err != nil {
		t.Fatalf("Free: %v", err)
	}

	r2, err := a.Alloc(PageSize)
	if err != nil {
		t.Fatalf("Alloc 2: %v", err)
	}
	if r2.IOVA() != iova1 {
		t.Errorf("Alloc after Free did not reuse page: got iova %#x, want %#x", r2.IOVA(), iova1)
	}
}

func TestMapExisting(t *testing.T) {
	c := NewFakeContainer(0x2000)
	a := NewArena(c, 4*PageSize)

	buf := make([]byte, PageSize)
	r, err := a.MapExisting(buf)
	if err != nil {
		t.Fatalf("MapExisting: %v", err)
	}
	if r.Len() != PageSize {
		t.Errorf("Len() = %d, want %d", r.Len(), PageSize)
	}
	if err := a.Free(r); err != nil {
		t.Fatalf("Free mapped-existing region: %v", err)
	}
}
