package unvme

import (
	"context"
	"time"

	"github.com/go-unvme/unvme/internal/bringup"
	"github.com/go-unvme/unvme/internal/dma"
	"github.com/go-unvme/unvme/internal/fragment"
	"github.com/go-unvme/unvme/internal/queue"
)

// Namespace is an open handle to one NVMe namespace on one PCIe function.
// Multiple Opens of the same bdf share one underlying Controller (refcounted
// in the process-wide registry); each Open still returns its own Namespace
// handle so Close is symmetric with Open.
type Namespace struct {
	bdf      string
	nsid     uint32
	ctl      *controller
	metrics  *Metrics
	observer Observer
}

// OpenParams configures Open's call into bring-up. Zero values take the
// defaults DefaultOpenParams returns.
type OpenParams struct {
	NSID       uint32
	QCount     uint16
	QSize      uint16
	AdminQSize uint16
	Observer   Observer
}

// DefaultOpenParams mirrors bringup.DefaultParams with the public API's
// own knobs (NSID defaults to DefaultNamespaceID).
func DefaultOpenParams() OpenParams {
	d := bringup.DefaultParams()
	return OpenParams{
		NSID:       uint32(DefaultNamespaceID),
		QCount:     d.QCount,
		QSize:      d.QSize,
		AdminQSize: d.AdminQSize,
	}
}

// Open attaches bdf (e.g. "0000:01:00.0") if it isn't already attached in
// this process, or shares the existing attachment and bumps its refcount.
// Idempotent per bdf: qcount/qsize/admin depth and the namespace geometry
// identified at bring-up come from the first Open; later Opens of an
// already-attached bdf reuse them, and a later Open's NSID is used only for
// the commands issued through its own handle.
func Open(bdf string, params OpenParams) (*Namespace, error) {
	return openWith(bdf, params, openVFIOContainer)
}

func openWith(bdf string, params OpenParams, openFn func(string) (dma.Container, error)) (*Namespace, error) {
	bp := bringup.DefaultParams()
	if params.NSID != 0 {
		bp.NSID = params.NSID
	}
	if params.QCount != 0 {
		bp.QCount = params.QCount
	}
	if params.QSize != 0 {
		bp.QSize = params.QSize
	}
	if params.AdminQSize != 0 {
		bp.AdminQSize = params.AdminQSize
	}

	ctl, err := globalRegistry.acquire(bdf, bp, openFn)
	if err != nil {
		return nil, err
	}

	observer := params.Observer
	metrics := NewMetrics()
	if observer == nil {
		observer = NewMetricsObserver(metrics)
	}

	nsid := params.NSID
	if nsid == 0 {
		nsid = uint32(DefaultNamespaceID)
	}

	return &Namespace{bdf: bdf, nsid: nsid, ctl: ctl, metrics: metrics, observer: observer}, nil
}

// Close releases this handle's share of the underlying controller, tearing
// it down on the last close for this bdf.
func (ns *Namespace) Close() error {
	ns.metrics.Stop()
	return globalRegistry.release(ns.bdf, DefaultPollTimeout)
}

// BlockSize returns the namespace's logical block size in bytes.
func (ns *Namespace) BlockSize() uint32 { return ns.ctl.c.Negotiated.BlockSize }

// BlockCount returns the namespace's size in logical blocks.
func (ns *Namespace) BlockCount() uint64 { return ns.ctl.c.Negotiated.BlockCount }

// QueueCount returns the number of I/O queue pairs negotiated at Open.
func (ns *Namespace) QueueCount() int { return len(ns.ctl.ios) }

// Metrics returns this handle's metrics.
func (ns *Namespace) Metrics() *Metrics { return ns.metrics }

// MetricsSnapshot returns a point-in-time snapshot of this handle's metrics.
func (ns *Namespace) MetricsSnapshot() MetricsSnapshot { return ns.metrics.Snapshot() }

// Alloc reserves a DMA-mapped buffer from this controller's arena.
func (ns *Namespace) Alloc(size int) (*dma.Region, error) {
	r, err := ns.ctl.c.Arena.Alloc(size)
	if err != nil {
		return nil, WrapError("alloc", err)
	}
	return r, nil
}

// Free returns a buffer previously returned by Alloc or MapExisting.
func (ns *Namespace) Free(region *dma.Region) error {
	if err := ns.ctl.c.Arena.Free(region); err != nil {
		return WrapError("free", err)
	}
	return nil
}

// MapExisting registers a caller-owned buffer into this controller's arena
// so it can be used as an I/O target without a copy.
func (ns *Namespace) MapExisting(virt []byte) (*dma.Region, error) {
	r, err := ns.ctl.c.Arena.MapExisting(virt)
	if err != nil {
		return nil, WrapError("map_existing", err)
	}
	return r, nil
}

func (ns *Namespace) ioQueue(qid int) (*fragment.Queue, error) {
	if qid < 0 || qid >= len(ns.ctl.ios) {
		return nil, NewArgError("aread", "qid out of range")
	}
	return ns.ctl.ios[qid], nil
}

// ARead issues an asynchronous read of nlb blocks starting at slba into
// region at byte offset bufOff on I/O queue qid, returning a descriptor the
// caller polls with APoll.
func (ns *Namespace) ARead(qid int, region *dma.Region, bufOff int, slba uint64, nlb uint32) (*queue.Descriptor, error) {
	return ns.submitRW(qid, region, bufOff, slba, nlb, false)
}

// AWrite issues an asynchronous write, mirroring ARead.
func (ns *Namespace) AWrite(qid int, region *dma.Region, bufOff int, slba uint64, nlb uint32) (*queue.Descriptor, error) {
	return ns.submitRW(qid, region, bufOff, slba, nlb, true)
}

func (ns *Namespace) submitRW(qid int, region *dma.Region, bufOff int, slba uint64, nlb uint32, isWrite bool) (*queue.Descriptor, error) {
	if nlb == 0 {
		return nil, NewArgError("aread", "nlb must be > 0")
	}
	neg := ns.ctl.c.Negotiated
	if slba+uint64(nlb) > neg.BlockCount {
		return nil, NewArgError("aread", "slba+nlb exceeds namespace block count")
	}
	if !ns.ctl.c.Arena.Owns(region) {
		return nil, NewArgError("aread", "buf is not within a DMA region of this controller")
	}

	q, err := ns.ioQueue(qid)
	if err != nil {
		return nil, err
	}

	desc, err := q.SubmitRW(ns.nsid, slba, nlb, neg.BlockSize, region, bufOff, isWrite, neg.MaxBPIO)
	if err != nil {
		return nil, WrapError("aread", err)
	}
	ns.observer.ObserveQueueDepth(uint32(len(desc.Slots)))
	return desc, nil
}

// ATranslate issues the config-block write that opens a translate/extended
// submission: a vendor-opaque payload the core only guarantees gets written
// as a single, unfragmented sub-command ahead of a following ATranslateRead.
func (ns *Namespace) ATranslate(qid int, region *dma.Region, bufOff int, slba uint64, nlb uint32) (*queue.Descriptor, error) {
	if nlb == 0 {
		return nil, NewArgError("atranslate", "nlb must be > 0")
	}
	if !ns.ctl.c.Arena.Owns(region) {
		return nil, NewArgError("atranslate", "buf is not within a DMA region of this controller")
	}

	q, err := ns.ioQueue(qid)
	if err != nil {
		return nil, err
	}

	neg := ns.ctl.c.Negotiated
	desc, err := q.SubmitTranslateWrite(ns.nsid, slba, nlb, neg.BlockSize, region, bufOff)
	if err != nil {
		return nil, WrapError("atranslate", err)
	}
	return desc, nil
}

// ATranslateRead issues the windowed chained read that follows an
// ATranslate config-block write. nlb is caller-chosen and is not bounded by
// queue depth the way ARead's is, so this is the path that exercises
// windowed submission when nlb exceeds a queue's maxiopq.
func (ns *Namespace) ATranslateRead(qid int, region *dma.Region, bufOff int, slba uint64, nlb uint32) (*queue.Descriptor, error) {
	if nlb == 0 {
		return nil, NewArgError("atranslate_read", "nlb must be > 0")
	}
	neg := ns.ctl.c.Negotiated
	if slba+uint64(nlb) > neg.BlockCount {
		return nil, NewArgError("atranslate_read", "slba+nlb exceeds namespace block count")
	}
	if !ns.ctl.c.Arena.Owns(region) {
		return nil, NewArgError("atranslate_read", "buf is not within a DMA region of this controller")
	}

	q, err := ns.ioQueue(qid)
	if err != nil {
		return nil, err
	}

	desc, err := q.SubmitTranslateRead(ns.nsid, slba, nlb, neg.BlockSize, region, bufOff, neg.MaxBPIO)
	if err != nil {
		return nil, WrapError("atranslate_read", err)
	}
	return desc, nil
}

// AFlush issues an asynchronous FLUSH on I/O queue qid.
func (ns *Namespace) AFlush(qid int) (*queue.Descriptor, error) {
	q, err := ns.ioQueue(qid)
	if err != nil {
		return nil, err
	}
	desc, err := q.SubmitFlush(ns.nsid)
	if err != nil {
		return nil, WrapError("aflush", err)
	}
	return desc, nil
}

// APoll waits, bounded by timeout, for desc to resolve. Between status
// checks it reaps queue qid's completions; every completion reaped that way
// resolves its own descriptor, not only desc.
func (ns *Namespace) APoll(ctx context.Context, qid int, desc *queue.Descriptor, timeout time.Duration) (queue.DescriptorStatus, error) {
	status, _, err := ns.apollCS(ctx, qid, desc, timeout)
	return status, err
}

// APollCS is APoll but also returns the resolving completion's DW0, for
// callers of the vendor pass-through path that need it.
func (ns *Namespace) APollCS(ctx context.Context, qid int, desc *queue.Descriptor, timeout time.Duration) (queue.DescriptorStatus, uint32, error) {
	return ns.apollCS(ctx, qid, desc, timeout)
}

func (ns *Namespace) apollCS(ctx context.Context, qid int, desc *queue.Descriptor, timeout time.Duration) (queue.DescriptorStatus, uint32, error) {
	q, err := ns.ioQueue(qid)
	if err != nil {
		return queue.StatusError, 0, err
	}

	deadline := time.Now().Add(timeout)
	for {
		status, errStatus, dw0 := desc.Status()
		if status != queue.StatusPending {
			if status == queue.StatusError {
				return status, dw0, NewNVMeStatusError("apoll", ns.bdf, qid, uint8(errStatus>>8), uint8(errStatus))
			}
			return status, dw0, nil
		}

		select {
		case <-ctx.Done():
			return queue.StatusPending, 0, WrapError("apoll", ctx.Err())
		default:
		}

		q.Reap()

		if time.Now().After(deadline) {
			return queue.StatusPending, 0, NewQueueError("apoll", ns.bdf, qid, ErrCodeDeviceTimeout, "poll timed out with descriptor still pending")
		}
		time.Sleep(time.Microsecond * 50)
	}
}

// Read is the synchronous wrapper: submit, then poll to completion or
// DefaultPollTimeout.
func (ns *Namespace) Read(qid int, region *dma.Region, bufOff int, slba uint64, nlb uint32) error {
	start := time.Now()
	desc, err := ns.ARead(qid, region, bufOff, slba, nlb)
	if err != nil {
		return err
	}
	_, err = ns.APoll(context.Background(), qid, desc, DefaultPollTimeout)
	ns.observer.ObserveRead(uint64(nlb)*uint64(ns.ctl.c.Negotiated.BlockSize), uint64(time.Since(start)), err == nil)
	return err
}

// Write is the synchronous wrapper, mirroring Read.
func (ns *Namespace) Write(qid int, region *dma.Region, bufOff int, slba uint64, nlb uint32) error {
	start := time.Now()
	desc, err := ns.AWrite(qid, region, bufOff, slba, nlb)
	if err != nil {
		return err
	}
	_, err = ns.APoll(context.Background(), qid, desc, DefaultPollTimeout)
	ns.observer.ObserveWrite(uint64(nlb)*uint64(ns.ctl.c.Negotiated.BlockSize), uint64(time.Since(start)), err == nil)
	return err
}

// Flush is the synchronous wrapper, mirroring Read/Write.
func (ns *Namespace) Flush(qid int) error {
	start := time.Now()
	desc, err := ns.AFlush(qid)
	if err != nil {
		return err
	}
	_, err = ns.APoll(context.Background(), qid, desc, DefaultPollTimeout)
	ns.observer.ObserveFlush(uint64(time.Since(start)), err == nil)
	return err
}
