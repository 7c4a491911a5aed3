package bringup

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/go-unvme/unvme/internal/dma"
	"github.com/go-unvme/unvme/internal/logging"
	"github.com/go-unvme/unvme/internal/nvme"
	"github.com/go-unvme/unvme/internal/queue"
	"github.com/go-unvme/unvme/internal/register"
)

// Controller is a bound, bring-up-complete NVMe controller: its register
// window, DMA arena, admin queue pair, and the I/O queue pairs negotiated
// at attach.
type Controller struct {
	Container dma.Container
	Win       *register.Window
	Arena     *dma.Arena

	Admin *queue.Pair
	IO    []*queue.Pair

	Negotiated Negotiated

	logger *logging.Logger

	// adminCID is the next command id this controller will use on the
	// admin queue; admin commands are issued one at a time and polled to
	// completion, so a monotonically increasing counter is all routing
	// needs (unlike I/O queues, which track many in-flight slots at once).
	adminCID uint16

	// mdts is the raw Maximum Data Transfer Size field read from IDENTIFY
	// CONTROLLER, retained until IDENTIFY NAMESPACE fills in BlockSize so
	// Negotiated.MaxBPIO can be derived once both are known.
	mdts uint8
}

// Attach performs the full bring-up sequence: reset,
// program AQA/ASQ/ACQ, enable, identify controller and namespace, negotiate
// the I/O queue count, and create each I/O queue pair. On any failure,
// queues already created are torn down in reverse before the error is
// returned.
func Attach(container dma.Container, params Params) (*Controller, error) {
	logger := logging.Default()

	bar, err := container.BAR()
	if err != nil {
		return nil, fmt.Errorf("bringup: read BAR: %w", err)
	}
	win := register.New(bar)
	arena := dma.NewArena(container, 16*dma.PageSize)

	if err := resetController(win, params.ResetTimeout); err != nil {
		return nil, fmt.Errorf("bringup: reset: %w", err)
	}

	adminSQRegion, err := arena.Alloc(int(params.AdminQSize) * 64)
	if err != nil {
		return nil, fmt.Errorf("bringup: allocate admin SQ: %w", err)
	}
	adminCQRegion, err := arena.Alloc(int(params.AdminQSize) * 16)
	if err != nil {
		return nil, fmt.Errorf("bringup: allocate admin CQ: %w", err)
	}

	win.SetAQA(register.BuildAQA(params.AdminQSize-1, params.AdminQSize-1))
	win.SetASQ(adminSQRegion.IOVA())
	win.SetACQ(adminCQRegion.IOVA())

	mps := uint8(0) // 4096-byte pages; this core never negotiates a larger MPS
	win.SetCC(register.BuildCC(true, mps, nvme.IOSQESLog2, nvme.IOCQESLog2))
	if err := spinUntilReady(win, true, params.ResetTimeout); err != nil {
		return nil, fmt.Errorf("bringup: enable: %w", err)
	}

	admin := queue.New(0, win, adminSQRegion.Bytes(), adminCQRegion.Bytes(), params.AdminQSize)

	c := &Controller{
		Container: container,
		Win:       win,
		Arena:     arena,
		Admin:     admin,
		logger:    logger,
	}

	identBuf, err := arena.Alloc(dma.PageSize)
	if err != nil {
		return nil, fmt.Errorf("bringup: allocate identify buffer: %w", err)
	}

	if err := c.identifyController(identBuf, params.AdminCommandTimeout); err != nil {
		return nil, fmt.Errorf("bringup: identify controller: %w", err)
	}

	grantedQCount, err := c.setFeaturesNumberOfQueues(params.QCount, params.AdminCommandTimeout)
	if err != nil {
		return nil, fmt.Errorf("bringup: set features number of queues: %w", err)
	}
	if params.QCount != 0 {
		// An explicit request gets exactly that many queues, or fails.
		if grantedQCount < params.QCount {
			return nil, fmt.Errorf("bringup: device granted %d I/O queues, %d requested", grantedQCount, params.QCount)
		}
		grantedQCount = params.QCount
	}
	c.Negotiated.QCount = grantedQCount

	nsid := params.NSID
	if nsid == 0 {
		nsid = 1
	}
	if err := c.identifyNamespace(nsid, identBuf, params.AdminCommandTimeout); err != nil {
		return nil, fmt.Errorf("bringup: identify namespace: %w", err)
	}

	c.Negotiated.MaxIOPQ = int(params.QSize) - 1

	for qid := uint16(1); qid <= grantedQCount; qid++ {
		if err := c.createIOQueue(qid, params.QSize, params.AdminCommandTimeout); err != nil {
			c.teardownIOQueues(params.AdminCommandTimeout)
			return nil, fmt.Errorf("bringup: create I/O queue %d: %w", qid, err)
		}
	}

	logger.Info("controller bring-up complete", "qcount", grantedQCount, "maxiopq", c.Negotiated.MaxIOPQ)
	return c, nil
}

// resetController clears CC.EN and spins until CSTS.RDY drops, per
// "reset the controller" step.
func resetController(win *register.Window, timeout time.Duration) error {
	win.SetCC(0)
	return spinUntilReady(win, false, timeout)
}

// spinUntilReady polls CSTS.RDY until it matches want or timeout elapses.
func spinUntilReady(win *register.Window, want bool, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		ready := win.CSTS()&nvme.CSTSRdy != 0
		if ready == want {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timeout waiting for CSTS.RDY=%v", want)
		}
		time.Sleep(time.Millisecond)
	}
}

// nextAdminCID returns the next command id for an admin-queue command.
func (c *Controller) nextAdminCID() uint16 {
	cid := c.adminCID
	c.adminCID++
	return cid
}

// submitAdminAndWait submits an admin command and polls the admin queue
// until it resolves or timeout elapses.
func (c *Controller) submitAdminAndWait(entry nvme.SubmissionEntry, timeout time.Duration) (queue.Completion, error) {
	slot, err := c.Admin.Submit(entry)
	if err != nil {
		return queue.Completion{}, err
	}

	deadline := time.Now().Add(timeout)
	for {
		for _, comp := range c.Admin.Reap() {
			if comp.Slot == slot {
				if !comp.Success {
					return comp, fmt.Errorf("admin command failed: status=%#x", comp.Status)
				}
				return comp, nil
			}
		}
		if time.Now().After(deadline) {
			return queue.Completion{}, fmt.Errorf("timeout waiting for admin completion")
		}
		time.Sleep(time.Millisecond)
	}
}

func (c *Controller) identifyController(buf *dma.Region, timeout time.Duration) error {
	e := nvme.BuildIdentify(nvme.IdentifyParams{
		CID:  c.nextAdminCID(),
		NSID: 0,
		CNS:  nvme.IdentifyCNSController,
		PRP1: buf.IOVA(),
	})
	if _, err := c.submitAdminAndWait(e, timeout); err != nil {
		return err
	}

	data := buf.Bytes()
	c.Negotiated.VendorID = binary.LittleEndian.Uint16(data[0:2])
	c.Negotiated.ModelNumber = trimASCII(data[24:64])
	c.mdts = data[77]
	return nil
}

func (c *Controller) identifyNamespace(nsid uint32, buf *dma.Region, timeout time.Duration) error {
	e := nvme.BuildIdentify(nvme.IdentifyParams{
		CID:  c.nextAdminCID(),
		NSID: nsid,
		CNS:  nvme.IdentifyCNSNamespace,
		PRP1: buf.IOVA(),
	})
	if _, err := c.submitAdminAndWait(e, timeout); err != nil {
		return err
	}

	data := buf.Bytes()
	c.Negotiated.BlockCount = binary.LittleEndian.Uint64(data[0:8])
	flbas := data[26] & 0xf
	lbafOffset := 128 + int(flbas)*4
	lbads := data[lbafOffset+2]
	c.Negotiated.BlockSize = 1 << lbads
	c.Negotiated.MaxBPIO = maxBlocksPerIO(c.mdts, c.Negotiated.BlockSize)
	return nil
}

// maxBlocksPerIO derives maxbpio: `(1 << mdts) *
// MinMemoryPageSize`, converted to blocks.
func maxBlocksPerIO(mdts uint8, blockSize uint32) uint64 {
	maxBytes := uint64(1<<uint(mdts)) * nvme.MinMemoryPageSize
	return maxBytes / uint64(blockSize)
}

func (c *Controller) setFeaturesNumberOfQueues(requested uint16, timeout time.Duration) (uint16, error) {
	if requested == 0 {
		requested = 0xffff // ask for device max; the returned count is what DW0 reports as granted
	}
	e := nvme.BuildSetFeaturesNumberOfQueues(nvme.SetFeaturesNumberOfQueuesParams{
		CID:          c.nextAdminCID(),
		NSQRequested: requested - 1,
		NCQRequested: requested - 1,
	})
	comp, err := c.submitAdminAndWait(e, timeout)
	if err != nil {
		return 0, err
	}
	granted := uint16(comp.DW0&0xffff) + 1
	return granted, nil
}

func (c *Controller) createIOQueue(qid uint16, qsize uint16, timeout time.Duration) error {
	cqRegion, err := c.Arena.Alloc(int(qsize) * 16)
	if err != nil {
		return fmt.Errorf("allocate CQ: %w", err)
	}
	cqEntry := nvme.BuildCreateIOCQ(nvme.CreateIOCQParams{
		CID:   c.nextAdminCID(),
		QID:   qid,
		QSize: qsize - 1,
		PRP1:  cqRegion.IOVA(),
	})
	if _, err := c.submitAdminAndWait(cqEntry, timeout); err != nil {
		return fmt.Errorf("create IOCQ: %w", err)
	}

	sqRegion, err := c.Arena.Alloc(int(qsize) * 64)
	if err != nil {
		return fmt.Errorf("allocate SQ: %w", err)
	}
	sqEntry := nvme.BuildCreateIOSQ(nvme.CreateIOSQParams{
		CID:   c.nextAdminCID(),
		QID:   qid,
		QSize: qsize - 1,
		CQID:  qid,
		PRP1:  sqRegion.IOVA(),
	})
	if _, err := c.submitAdminAndWait(sqEntry, timeout); err != nil {
		return fmt.Errorf("create IOSQ: %w", err)
	}

	c.IO = append(c.IO, queue.New(qid, c.Win, sqRegion.Bytes(), cqRegion.Bytes(), qsize))
	return nil
}

// teardownIOQueues deletes every I/O queue created so far, in reverse
// order, per failure-mode contract.
func (c *Controller) teardownIOQueues(timeout time.Duration) {
	for i := len(c.IO) - 1; i >= 0; i-- {
		qid := c.IO[i].QID
		sqEntry := nvme.BuildDeleteIOSQ(nvme.DeleteIOQueueParams{CID: c.nextAdminCID(), QID: qid})
		if _, err := c.submitAdminAndWait(sqEntry, timeout); err != nil {
			c.logger.Warn("teardown: delete IOSQ failed", "qid", qid, "err", err)
		}
		cqEntry := nvme.BuildDeleteIOCQ(nvme.DeleteIOQueueParams{CID: c.nextAdminCID(), QID: qid})
		if _, err := c.submitAdminAndWait(cqEntry, timeout); err != nil {
			c.logger.Warn("teardown: delete IOCQ failed", "qid", qid, "err", err)
		}
	}
	c.IO = nil
}

// Close deletes all I/O queues, disables the controller, and releases the
// DMA arena. Called once, when the last open handle on this controller goes
// away.
func (c *Controller) Close(timeout time.Duration) error {
	c.teardownIOQueues(timeout)
	c.Win.SetCC(0)
	if err := spinUntilReady(c.Win, false, timeout); err != nil {
		return fmt.Errorf("bringup: disable on close: %w", err)
	}
	return c.Container.Close()
}

func trimASCII(b []byte) string {
	end := len(b)
	for end > 0 && (b[end-1] == ' ' || b[end-1] == 0) {
		end--
	}
	return string(b[:end])
}
