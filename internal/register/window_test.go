package register

import (
	"encoding/binary"
	"testing"
)

func newTestWindow() (*Window, []byte) {
	mem := make([]byte, 0x2000)
	return New(mem), mem
}

func TestCAPDecode(t *testing.T) {
	w, mem := newTestWindow()
	var cap uint64
	cap |= 0x3ff            // MQES = 1023
	cap |= uint64(2) << 32  // DSTRD = 2
	cap |= uint64(30) << 24 // TO = 30
	binary.LittleEndian.PutUint64(mem[0:8], cap)

	got := w.CAP()
	if CAPMQES(got) != 0x3ff {
		t.Errorf("MQES = %d, want 1023", CAPMQES(got))
	}
	if CAPDSTRD(got) != 2 {
		t.Errorf("DSTRD = %d, want 2", CAPDSTRD(got))
	}
	if CAPTO(got) != 30 {
		t.Errorf("TO = %d, want 30", CAPTO(got))
	}
}

func TestDoorbellOffsets(t *testing.T) {
	w, mem := newTestWindow()
	binary.LittleEndian.PutUint64(mem[0:8], uint64(1)<<32) // dstrd = 1 -> stride = 8

	if stride := w.DoorbellStride(); stride != 8 {
		t.Fatalf("DoorbellStride() = %d, want 8", stride)
	}

	if off := w.sqDoorbellOffset(0); off != 0x1000 {
		t.Errorf("sq doorbell qid=0 = %#x, want %#x", off, 0x1000)
	}
	if off := w.cqDoorbellOffset(0); off != 0x1008 {
		t.Errorf("cq doorbell qid=0 = %#x, want %#x", off, 0x1008)
	}
	if off := w.sqDoorbellOffset(1); off != 0x1010 {
		t.Errorf("sq doorbell qid=1 = %#x, want %#x", off, 0x1010)
	}
}

func TestRingDoorbells(t *testing.T) {
	w, mem := newTestWindow()
	// dstrd = 0 -> stride = 4, default
	w.RingSQTail(0, 5)
	if got := binary.LittleEndian.Uint32(mem[0x1000:0x1004]); got != 5 {
		t.Errorf("sq doorbell = %d, want 5", got)
	}

	w.RingCQHead(0, 3)
	if got := binary.LittleEndian.Uint32(mem[0x1004:0x1008]); got != 3 {
		t.Errorf("cq doorbell = %d, want 3", got)
	}
}

func TestBuildCCAndAQA(t *testing.T) {
	cc := BuildCC(true, 0, 6, 4)
	if cc&1 != 1 {
		t.Error("CC.EN not set")
	}
	if (cc>>16)&0xf != 6 {
		t.Errorf("IOSQES = %d, want 6", (cc>>16)&0xf)
	}
	if (cc>>20)&0xf != 4 {
		t.Errorf("IOCQES = %d, want 4", (cc>>20)&0xf)
	}

	aqa := BuildAQA(31, 31)
	if aqa != uint32(31)|uint32(31)<<16 {
		t.Errorf("AQA = %#x, unexpected", aqa)
	}
}

func TestCCAndCSTSAndAQARoundTrip(t *testing.T) {
	w, _ := newTestWindow()
	w.SetCC(0x12345)
	if w.CC() != 0x12345 {
		t.Errorf("CC() = %#x, want %#x", w.CC(), 0x12345)
	}
	w.SetAQA(BuildAQA(15, 15))
	w.SetASQ(0xABCD000)
	w.SetACQ(0xDEAD000)
}
