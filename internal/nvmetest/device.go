// Package nvmetest is test-only infrastructure: an in-process fake NVMe
// controller that watches a fake dma.Container's BAR and DMA-mapped rings
// the way a real controller chip would, so bring-up and the session façade
// can be exercised deterministically without real PCIe hardware.
package nvmetest

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/go-unvme/unvme/internal/dma"
	"github.com/go-unvme/unvme/internal/nvme"
)

// DiskConfig seeds the fake namespace's identify data.
type DiskConfig struct {
	VendorID    uint16
	ModelNumber string
	MDTS        uint8 // max data transfer size, log2(pages)
	BlockSize   uint32
	BlockCount  uint64
	MaxQueues   uint16 // device-reported max I/O queue count, granted on SET FEATURES
}

// DefaultDiskConfig returns a small, fast-to-bring-up fake disk.
func DefaultDiskConfig() DiskConfig {
	return DiskConfig{
		VendorID:    0x8086,
		ModelNumber: "unvme fake nvme",
		MDTS:        5, // (1<<5)*4096 = 128KiB per I/O
		BlockSize:   512,
		BlockCount:  1 << 20,
		MaxQueues:   8,
	}
}

// Device simulates a controller responding to admin and I/O commands
// issued through a fake dma.Container's BAR. Backing storage for I/O reads
// and writes is an in-memory byte slab sized BlockSize*BlockCount.
type Device struct {
	container  dma.Container
	translator dma.Translator
	disk       DiskConfig

	storage []byte

	mu      sync.Mutex
	queues  map[uint16]*queueState
	pending map[uint16]*pendingQueue

	cancel context.CancelFunc
	done   chan struct{}
}

type queueState struct {
	depth      uint16
	sqMem      []byte
	cqMem      []byte
	lastSQHead uint16 // next SQ index the device has not yet processed
	cqTail     uint16
	expPhase   bool

	// ready is set once the queue is live: for qid 0 when ASQ/ACQ/AQA are
	// read after enable, for an I/O qid once both its CREATE IO CQ and
	// CREATE IO SQ have arrived (collected in pendingQueue, in either order).
	ready bool
}

// New attaches a fake Device to container, which must also implement
// dma.Translator (NewFakeContainer's return value does).
func New(container dma.Container, disk DiskConfig) *Device {
	tr, ok := container.(dma.Translator)
	if !ok {
		panic("nvmetest: container does not implement dma.Translator")
	}
	return &Device{
		container:  container,
		translator: tr,
		disk:       disk,
		storage:    make([]byte, disk.BlockSize*uint32(disk.BlockCount)),
		queues:     map[uint16]*queueState{},
	}
}

// Start begins the simulation loop in a background goroutine. Stop must be
// called to release it.
func (d *Device) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.run(ctx)
}

// Stop halts the simulation loop.
func (d *Device) Stop() {
	if d.cancel != nil {
		d.cancel()
		<-d.done
	}
}

func (d *Device) run(ctx context.Context) {
	defer close(d.done)
	ticker := time.NewTicker(100 * time.Microsecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick()
		}
	}
}

func (d *Device) tick() {
	bar, err := d.container.BAR()
	if err != nil {
		return
	}

	d.maybeEnable(bar)
	d.maybeRegisterAdminQueue(bar)

	d.mu.Lock()
	qids := make([]uint16, 0, len(d.queues))
	for qid := range d.queues {
		qids = append(qids, qid)
	}
	d.mu.Unlock()

	for _, qid := range qids {
		d.processQueue(bar, qid)
	}
}

// maybeEnable watches CC.EN and flips CSTS.RDY the way real firmware does,
// with no artificial delay (tests don't need to exercise the spin-wait
// itself, only its eventual success).
func (d *Device) maybeEnable(bar []byte) {
	cc := binary.LittleEndian.Uint32(bar[nvme.RegCC : nvme.RegCC+4])
	en := cc&1 != 0

	csts := binary.LittleEndian.Uint32(bar[nvme.RegCSTS : nvme.RegCSTS+4])
	ready := csts&nvme.CSTSRdy != 0

	if en == ready {
		return
	}
	if en {
		csts |= nvme.CSTSRdy
	} else {
		csts &^= nvme.CSTSRdy
	}
	binary.LittleEndian.PutUint32(bar[nvme.RegCSTS:nvme.RegCSTS+4], csts)
}

// maybeRegisterAdminQueue wires qid 0's queueState from ASQ/ACQ/AQA once
// the controller is enabled, mirroring the host's own bring-up order.
func (d *Device) maybeRegisterAdminQueue(bar []byte) {
	csts := binary.LittleEndian.Uint32(bar[nvme.RegCSTS : nvme.RegCSTS+4])
	if csts&nvme.CSTSRdy == 0 {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.queues[0]; ok {
		return
	}

	aqa := binary.LittleEndian.Uint32(bar[nvme.RegAQA : nvme.RegAQA+4])
	asq := binary.LittleEndian.Uint64(bar[nvme.RegASQ : nvme.RegASQ+8])
	acq := binary.LittleEndian.Uint64(bar[nvme.RegACQ : nvme.RegACQ+8])
	depth := uint16(aqa&0xfff) + 1

	sqMem, err := d.translator.Translate(asq, int(depth)*64)
	if err != nil {
		return
	}
	cqMem, err := d.translator.Translate(acq, int(depth)*16)
	if err != nil {
		return
	}

	d.queues[0] = &queueState{depth: depth, sqMem: sqMem, cqMem: cqMem, expPhase: true, ready: true}
}

func (d *Device) processQueue(bar []byte, qid uint16) {
	d.mu.Lock()
	qs, ok := d.queues[qid]
	if !ok || !qs.ready {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	tailOff := nvme.DoorbellBase + uint32(2*qid)*4
	tail := uint16(binary.LittleEndian.Uint32(bar[tailOff : tailOff+4]))

	for qs.lastSQHead != tail {
		idx := qs.lastSQHead
		var e nvme.SubmissionEntry
		_ = nvme.Unmarshal(qs.sqMem[int(idx)*64:int(idx)*64+64], &e)

		dw0 := d.execute(qid, &e)

		d.writeCompletion(bar, qid, qs, &e, dw0)

		qs.lastSQHead = (qs.lastSQHead + 1) % qs.depth
	}
}

// execute processes one submission entry and returns the completion DW0 to
// report back (e.g. the granted queue count for SET FEATURES).
func (d *Device) execute(qid uint16, e *nvme.SubmissionEntry) uint32 {
	// Admin and I/O opcode numbers overlap (FLUSH == DELETE IO SQ, WRITE ==
	// CREATE IO SQ), so the queue a command arrived on selects the set.
	if qid != 0 {
		switch e.Opcode() {
		case nvme.OpIORead:
			return d.readWrite(e, false)
		case nvme.OpIOWrite:
			return d.readWrite(e, true)
		case nvme.OpIOFlush:
			return 0
		default:
			return 0
		}
	}
	switch e.Opcode() {
	case nvme.OpAdminIdentify:
		d.identify(e)
		return 0
	case nvme.OpAdminSetFeatures:
		if e.CDW10 == nvme.FeatureNumberOfQueues {
			grant := d.disk.MaxQueues - 1
			return uint32(grant) | uint32(grant)<<16
		}
		return 0
	case nvme.OpAdminCreateIOCQ:
		d.createQueueHalf(uint16(e.CDW10&0xffff), uint16(e.CDW10>>16)+1, e.PRP1, true)
		return 0
	case nvme.OpAdminCreateIOSQ:
		d.createQueueHalf(uint16(e.CDW10&0xffff), uint16(e.CDW10>>16)+1, e.PRP1, false)
		return 0
	case nvme.OpAdminDeleteIOSQ, nvme.OpAdminDeleteIOCQ:
		return 0
	default:
		return 0
	}
}

// pendingQueue holds one half (SQ or CQ) of an I/O queue creation until
// both halves have arrived, since CREATE IO CQ and CREATE IO SQ are
// separate admin commands.
type pendingQueue struct {
	cqIOVA uint64
	sqIOVA uint64
	depth  uint16
	haveCQ bool
	haveSQ bool
}

func (d *Device) createQueueHalf(qid uint16, depth uint16, iova uint64, isCQ bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.pending == nil {
		d.pending = map[uint16]*pendingQueue{}
	}
	pq := d.pending[qid]
	if pq == nil {
		pq = &pendingQueue{depth: depth}
		d.pending[qid] = pq
	}
	if isCQ {
		pq.cqIOVA, pq.haveCQ = iova, true
	} else {
		pq.sqIOVA, pq.haveSQ = iova, true
	}
	if !pq.haveCQ || !pq.haveSQ {
		return
	}

	sqMem, err1 := d.translator.Translate(pq.sqIOVA, int(pq.depth)*64)
	cqMem, err2 := d.translator.Translate(pq.cqIOVA, int(pq.depth)*16)
	if err1 != nil || err2 != nil {
		return
	}
	d.queues[qid] = &queueState{depth: pq.depth, sqMem: sqMem, cqMem: cqMem, expPhase: true, ready: true}
	delete(d.pending, qid)
}

func (d *Device) identify(e *nvme.SubmissionEntry) {
	buf, err := d.translator.Translate(e.PRP1, dma.PageSize)
	if err != nil {
		return
	}
	for i := range buf {
		buf[i] = 0
	}

	switch e.CDW10 {
	case nvme.IdentifyCNSController:
		binary.LittleEndian.PutUint16(buf[0:2], d.disk.VendorID)
		copy(buf[24:64], d.disk.ModelNumber)
		for i := len(d.disk.ModelNumber); i < 40; i++ {
			buf[24+i] = ' '
		}
		buf[77] = d.disk.MDTS
	case nvme.IdentifyCNSNamespace:
		binary.LittleEndian.PutUint64(buf[0:8], d.disk.BlockCount)
		buf[26] = 0 // FLBAS: format 0
		lbads := uint8(0)
		for (1 << lbads) < d.disk.BlockSize {
			lbads++
		}
		buf[128+2] = lbads // LBAF0.LBADS
	}
}

// readWrite executes a READ or WRITE (including the vendor translate pair,
// which shares this wire shape) and returns a command-specific DW0 so
// callers exercising the pass-through path (APollCS) have something
// distinctive to observe: the NLB field it just serviced.
func (d *Device) readWrite(e *nvme.SubmissionEntry, isWrite bool) uint32 {
	blockSize := int(d.disk.BlockSize)
	slba := uint64(e.CDW10) | uint64(e.CDW11)<<32
	nlb := int(e.CDW12&0xffff) + 1

	diskOff := int(slba) * blockSize
	length := nlb * blockSize
	if diskOff < 0 || diskOff+length > len(d.storage) {
		return 0
	}

	buf, err := d.translator.Translate(e.PRP1, length)
	if err != nil {
		return 0
	}

	if isWrite {
		copy(d.storage[diskOff:diskOff+length], buf)
	} else {
		copy(buf, d.storage[diskOff:diskOff+length])
	}
	return uint32(nlb)
}

func (d *Device) writeCompletion(bar []byte, qid uint16, qs *queueState, e *nvme.SubmissionEntry, dw0 uint32) {
	var c nvme.CompletionEntry
	c.DW0 = dw0
	c.DW2 = uint32(qs.lastSQHead+1) % uint32(qs.depth)
	status := uint16(0) // success
	phaseBit := uint32(0)
	if qs.expPhase {
		phaseBit = 1
	}
	c.DW3 = uint32(e.CID()) | phaseBit<<16 | uint32(status)<<17

	buf, _ := nvme.Marshal(&c)
	copy(qs.cqMem[int(qs.cqTail)*16:int(qs.cqTail)*16+16], buf)

	qs.cqTail++
	if qs.cqTail == qs.depth {
		qs.cqTail = 0
		qs.expPhase = !qs.expPhase
	}
	_ = qid
}
