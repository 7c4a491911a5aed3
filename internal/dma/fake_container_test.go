package dma

import "testing"

func TestFakeContainerMapUnmap(t *testing.T) {
	c := NewFakeContainer(0x1000)
	buf := make([]byte, PageSize)

	iova, err := c.MapDMA(buf)
	if err != nil {
		t.Fatalf("MapDMA: %v", err)
	}
	if iova == 0 {
		t.Error("MapDMA returned zero iova")
	}

	if err := c.UnmapDMA(iova, uint64(len(buf))); err != nil {
		t.Fatalf("UnmapDMA: %v", err)
	}
	if err := c.UnmapDMA(iova, uint64(len(buf))); err == nil {
		t.Error("double UnmapDMA succeeded, want error")
	}
}

func TestFakeContainerBARAndReset(t *testing.T) {
	c := NewFakeContainer(0x1000)
	bar, err := c.BAR()
	if err != nil {
		t.Fatalf("BAR: %v", err)
	}
	bar[0] = 0xff
	if err := c.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	bar2, _ := c.BAR()
	if bar2[0] != 0 {
		t.Error("Reset did not clear BAR")
	}
}

func TestFakeContainerTranslateRoundTrip(t *testing.T) {
	c := NewFakeContainer(0x1000)
	buf := make([]byte, PageSize)
	buf[10] = 0x42

	iova, err := c.MapDMA(buf)
	if err != nil {
		t.Fatalf("MapDMA: %v", err)
	}

	tr, ok := c.(Translator)
	if !ok {
		t.Fatal("fake container does not implement Translator")
	}
	view, err := tr.Translate(iova+10, 1)
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if view[0] != 0x42 {
		t.Errorf("Translate returned %#x, want 0x42", view[0])
	}

	if _, err := tr.Translate(iova+uint64(len(buf)), 1); err == nil {
		t.Error("Translate past the mapped region should fail")
	}
}

func TestFakeContainerCloseRejectsFurtherUse(t *testing.T) {
	c := NewFakeContainer(0x1000)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := c.MapDMA(make([]byte, PageSize)); err != ErrContainerClosed {
		t.Errorf("MapDMA after Close = %v, want ErrContainerClosed", err)
	}
	if _, err := c.BAR(); err != ErrContainerClosed {
		t.Errorf("BAR after Close = %v, want ErrContainerClosed", err)
	}
}
