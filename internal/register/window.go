// Package register provides typed, ordered access to an NVMe controller's
// MMIO register window (the BAR0 region mapped by the IOMMU container) and
// the memory fences required around doorbell writes.
package register

import (
	"sync/atomic"
	"unsafe"

	"github.com/go-unvme/unvme/internal/nvme"
)

// Window is a typed view over a controller's mapped BAR. It does not own
// the mapping; internal/dma's container maps the BAR and hands the backing
// slice here.
type Window struct {
	mem []byte
}

// New wraps an already-mapped BAR region. mem must remain valid (mapped)
// for the lifetime of the Window.
func New(mem []byte) *Window {
	return &Window{mem: mem}
}

func (w *Window) ptr32(off uint32) *uint32 {
	return (*uint32)(unsafe.Pointer(&w.mem[off]))
}

func (w *Window) ptr64(off uint32) *uint64 {
	return (*uint64)(unsafe.Pointer(&w.mem[off]))
}

func (w *Window) read32(off uint32) uint32 { return atomic.LoadUint32(w.ptr32(off)) }
func (w *Window) read64(off uint32) uint64 { return atomic.LoadUint64(w.ptr64(off)) }
func (w *Window) write32(off uint32, v uint32) { atomic.StoreUint32(w.ptr32(off), v) }
func (w *Window) write64(off uint32, v uint64) { atomic.StoreUint64(w.ptr64(off), v) }

// CAP reads the Controller Capabilities register.
func (w *Window) CAP() uint64 { return w.read64(nvme.RegCAP) }

// VS reads the Version register.
func (w *Window) VS() uint32 { return w.read32(nvme.RegVS) }

// CC reads the Controller Configuration register.
func (w *Window) CC() uint32 { return w.read32(nvme.RegCC) }

// SetCC writes the Controller Configuration register.
func (w *Window) SetCC(v uint32) { w.write32(nvme.RegCC, v) }

// CSTS reads the Controller Status register.
func (w *Window) CSTS() uint32 { return w.read32(nvme.RegCSTS) }

// SetAQA writes the Admin Queue Attributes register.
func (w *Window) SetAQA(v uint32) { w.write32(nvme.RegAQA, v) }

// SetASQ writes the Admin Submission Queue base address (IOVA).
func (w *Window) SetASQ(iova uint64) { w.write64(nvme.RegASQ, iova) }

// SetACQ writes the Admin Completion Queue base address (IOVA).
func (w *Window) SetACQ(iova uint64) { w.write64(nvme.RegACQ, iova) }

// DoorbellStride returns `4 << CAP.dstrd` in bytes.
func (w *Window) DoorbellStride() uint32 {
	dstrd := uint32((w.CAP() >> 32) & 0xf)
	return 4 << dstrd
}

// sqDoorbellOffset returns the byte offset of qid's SQ tail doorbell.
// Per the NVMe register map, SQ and CQ doorbells for a given qid are
// adjacent: SQy at `base + (2*qid)*stride`, CQy at `base + (2*qid+1)*stride`.
func (w *Window) sqDoorbellOffset(qid uint16) uint32 {
	return nvme.DoorbellBase + uint32(2*qid)*w.DoorbellStride()
}

func (w *Window) cqDoorbellOffset(qid uint16) uint32 {
	return nvme.DoorbellBase + uint32(2*qid+1)*w.DoorbellStride()
}

// RingSQTail writes a new SQ tail value to qid's submission doorbell. A
// full memory fence precedes the write so the SQE the device is about to
// fetch is visible before the doorbell is rung.
func (w *Window) RingSQTail(qid uint16, tail uint16) {
	Mfence()
	w.write32(w.sqDoorbellOffset(qid), uint32(tail))
}

// RingCQHead writes a new CQ head value to qid's completion doorbell.
func (w *Window) RingCQHead(qid uint16, head uint16) {
	Mfence()
	w.write32(w.cqDoorbellOffset(qid), uint32(head))
}

// CAP field accessors, decoded lazily by callers that need them individually.
func CAPMQES(cap uint64) uint16   { return uint16(cap & 0xffff) }
func CAPDSTRD(cap uint64) uint8   { return uint8((cap >> 32) & 0xf) }
func CAPTO(cap uint64) uint8      { return uint8((cap >> 24) & 0xff) }
func CAPMPSMIN(cap uint64) uint8  { return uint8((cap >> 48) & 0xf) }
func CAPMPSMAX(cap uint64) uint8  { return uint8((cap >> 52) & 0xf) }
func CAPCSS(cap uint64) uint8     { return uint8((cap >> 37) & 0xff) }

// BuildCC packs the Controller Configuration fields this core sets at
// bring-up: enable, I/O command set, page size (as MPS, where actual page
// size is 2^(12+MPS)), arbitration mechanism, and SQE/CQE entry sizes.
func BuildCC(enable bool, mps uint8, iosqesLog2, iocqesLog2 uint8) uint32 {
	var cc uint32
	if enable {
		cc |= 1 << nvme.CCEnShift
	}
	cc |= uint32(mps) << nvme.CCMPSShift
	cc |= uint32(iosqesLog2) << nvme.CCIOSQESShift
	cc |= uint32(iocqesLog2) << nvme.CCIOCQESShift
	return cc
}

// BuildAQA packs the Admin Queue Attributes register from zero-based admin
// SQ/CQ sizes (qsize-1).
func BuildAQA(asqSize, acqSize uint16) uint32 {
	return uint32(asqSize) | uint32(acqSize)<<16
}
