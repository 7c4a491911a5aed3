package nvme

// This file holds the pure builder functions for every opcode the core
// issues, plus the completion parser. None of these functions touch a
// queue, a slot, or DMA memory directly — callers fill in PRP1/PRP2 and cid
// from the queue-pair/descriptor layer (internal/queue) and pass the
// resulting parameter struct here.

// RWParams describes a READ/WRITE/FLUSH command.
type RWParams struct {
	CID  uint16
	NSID uint32
	SLBA uint64
	NLB  uint32 // NLB-1 is written to the wire, per the NVMe spec
	PRP1 uint64
	PRP2 uint64
}

// BuildRead fills a READ submission entry.
func BuildRead(p RWParams) SubmissionEntry {
	return buildRW(OpIORead, p)
}

// BuildWrite fills a WRITE submission entry.
func BuildWrite(p RWParams) SubmissionEntry {
	return buildRW(OpIOWrite, p)
}

func buildRW(opcode uint8, p RWParams) SubmissionEntry {
	var e SubmissionEntry
	e.SetOpcodeAndCID(opcode, p.CID)
	e.NSID = p.NSID
	e.PRP1 = p.PRP1
	e.PRP2 = p.PRP2
	e.CDW10 = uint32(p.SLBA)
	e.CDW11 = uint32(p.SLBA >> 32)
	if p.NLB > 0 {
		e.CDW12 = p.NLB - 1
	}
	return e
}

// BuildFlush fills a FLUSH submission entry. FLUSH carries no data pointer.
func BuildFlush(cid uint16, nsid uint32) SubmissionEntry {
	var e SubmissionEntry
	e.SetOpcodeAndCID(OpIOFlush, cid)
	e.NSID = nsid
	return e
}

// VendorTranslateParams describes the pass-through "translate/extended"
// command: a chained write of config_nlb blocks (the caller-supplied,
// vendor-defined config block) or a read of nlb blocks, sharing the same
// wire shape as an ordinary READ/WRITE.
type VendorTranslateParams struct {
	RWParams
}

// BuildVendorTranslateWrite builds the initial config-block write of a
// translate/extended submission.
func BuildVendorTranslateWrite(p VendorTranslateParams) SubmissionEntry {
	return buildRW(OpIOWrite, p.RWParams)
}

// BuildVendorTranslateRead builds a chained read sub-command of a
// translate/extended submission.
func BuildVendorTranslateRead(p VendorTranslateParams) SubmissionEntry {
	return buildRW(OpIORead, p.RWParams)
}

// IdentifyParams describes an IDENTIFY admin command.
type IdentifyParams struct {
	CID  uint16
	NSID uint32 // 0 for CNS=controller
	CNS  uint8
	PRP1 uint64
}

// BuildIdentify fills an IDENTIFY submission entry.
func BuildIdentify(p IdentifyParams) SubmissionEntry {
	var e SubmissionEntry
	e.SetOpcodeAndCID(OpAdminIdentify, p.CID)
	e.NSID = p.NSID
	e.PRP1 = p.PRP1
	e.CDW10 = uint32(p.CNS)
	return e
}

// SetFeaturesNumberOfQueuesParams describes SET FEATURES / NUMBER_OF_QUEUES.
type SetFeaturesNumberOfQueuesParams struct {
	CID             uint16
	NSQRequested    uint16 // number of I/O submission queues requested, 0-based
	NCQRequested    uint16 // number of I/O completion queues requested, 0-based
}

// BuildSetFeaturesNumberOfQueues fills a SET FEATURES submission entry
// requesting a queue count; the device's grant is read back from the
// completion's DW0.
func BuildSetFeaturesNumberOfQueues(p SetFeaturesNumberOfQueuesParams) SubmissionEntry {
	var e SubmissionEntry
	e.SetOpcodeAndCID(OpAdminSetFeatures, p.CID)
	e.CDW10 = FeatureNumberOfQueues
	e.CDW11 = uint32(p.NSQRequested) | uint32(p.NCQRequested)<<16
	return e
}

// CreateIOCQParams describes CREATE IO COMPLETION QUEUE.
type CreateIOCQParams struct {
	CID       uint16
	QID       uint16
	QSize     uint16 // zero-based (qsize-1)
	PRP1      uint64 // IOVA of the CQ ring
	IRQEnable bool
	IRQVector uint16
}

// BuildCreateIOCQ fills a CREATE IO COMPLETION QUEUE submission entry.
func BuildCreateIOCQ(p CreateIOCQParams) SubmissionEntry {
	var e SubmissionEntry
	e.SetOpcodeAndCID(OpAdminCreateIOCQ, p.CID)
	e.PRP1 = p.PRP1
	e.CDW10 = uint32(p.QID) | uint32(p.QSize)<<16
	cdw11 := uint32(0)
	if p.IRQEnable {
		cdw11 |= 1 << 1
		cdw11 |= uint32(p.IRQVector) << 16
	}
	e.CDW11 = cdw11
	return e
}

// CreateIOSQParams describes CREATE IO SUBMISSION QUEUE.
type CreateIOSQParams struct {
	CID      uint16
	QID      uint16
	QSize    uint16 // zero-based (qsize-1)
	CQID     uint16 // associated completion queue
	PRP1     uint64 // IOVA of the SQ ring
	Priority uint8  // arbitration priority, 0 = urgent/round-robin class
}

// BuildCreateIOSQ fills a CREATE IO SUBMISSION QUEUE submission entry. Must
// be issued after the CQ it references has been created successfully.
func BuildCreateIOSQ(p CreateIOSQParams) SubmissionEntry {
	var e SubmissionEntry
	e.SetOpcodeAndCID(OpAdminCreateIOSQ, p.CID)
	e.PRP1 = p.PRP1
	e.CDW10 = uint32(p.QID) | uint32(p.QSize)<<16
	e.CDW11 = uint32(p.Priority)<<1 | uint32(p.CQID)<<16
	return e
}

// DeleteIOQueueParams describes DELETE IO [SQ|CQ].
type DeleteIOQueueParams struct {
	CID uint16
	QID uint16
}

// BuildDeleteIOSQ fills a DELETE IO SUBMISSION QUEUE submission entry.
func BuildDeleteIOSQ(p DeleteIOQueueParams) SubmissionEntry {
	var e SubmissionEntry
	e.SetOpcodeAndCID(OpAdminDeleteIOSQ, p.CID)
	e.CDW10 = uint32(p.QID)
	return e
}

// BuildDeleteIOCQ fills a DELETE IO COMPLETION QUEUE submission entry.
func BuildDeleteIOCQ(p DeleteIOQueueParams) SubmissionEntry {
	var e SubmissionEntry
	e.SetOpcodeAndCID(OpAdminDeleteIOCQ, p.CID)
	e.CDW10 = uint32(p.QID)
	return e
}

// ParsedCompletion is the decoded form of a CompletionEntry, exposing the
// fields the queue-pair reap loop and descriptor engine act on.
type ParsedCompletion struct {
	DW0        uint32
	SQHead     uint16
	SQID       uint16
	CID        uint16
	Phase      bool
	StatusType uint8
	StatusCode uint8
	More       bool
	Success    bool
}

// ParseCompletion decodes a raw CompletionEntry.
func ParseCompletion(c *CompletionEntry) ParsedCompletion {
	return ParsedCompletion{
		DW0:        c.DW0,
		SQHead:     c.SQHead(),
		SQID:       c.SQID(),
		CID:        c.CID(),
		Phase:      c.Phase(),
		StatusType: c.StatusType(),
		StatusCode: c.StatusCode(),
		More:       c.More(),
		Success:    c.Success(),
	}
}
