// Package nvme holds the wire-level NVMe types: the 64-byte submission
// entry, the 16-byte completion entry, opcode/register constants, and the
// pure builder/parser functions over them. Nothing in this package touches
// a queue, a slot, or a device — it is the codec layer only.
package nvme

import "unsafe"

// SubmissionEntry is the 64-byte NVMe submission queue entry (SQE).
//
//	DW0    opcode | fuse | psdt | cid
//	DW1    nsid
//	DW2-3  reserved
//	DW4-5  metadata pointer
//	DW6-7  PRP1
//	DW8-9  PRP2
//	DW10-15 opcode-specific
type SubmissionEntry struct {
	CDW0  uint32 // opcode[0:8] fuse[8:10] reserved[10:14] psdt[14:16] cid[16:32]
	NSID  uint32
	CDW2  uint32
	CDW3  uint32
	MPTR  uint64
	PRP1  uint64
	PRP2  uint64
	CDW10 uint32
	CDW11 uint32
	CDW12 uint32
	CDW13 uint32
	CDW14 uint32
	CDW15 uint32
}

// Compile-time size check - the SQE must be exactly 64 bytes.
var _ [64]byte = [unsafe.Sizeof(SubmissionEntry{})]byte{}

// Opcode returns the command opcode encoded in CDW0.
func (e *SubmissionEntry) Opcode() uint8 { return uint8(e.CDW0 & 0xff) }

// CID returns the command identifier encoded in CDW0.
func (e *SubmissionEntry) CID() uint16 { return uint16(e.CDW0 >> 16) }

// SetOpcodeAndCID packs opcode and cid into CDW0, leaving fuse/psdt at zero
// (neither fused nor SGL commands are used by this core).
func (e *SubmissionEntry) SetOpcodeAndCID(opcode uint8, cid uint16) {
	e.CDW0 = uint32(opcode) | uint32(cid)<<16
}

// CompletionEntry is the 16-byte NVMe completion queue entry (CQE).
//
//	DW0  command-specific
//	DW1  reserved
//	DW2  sq-head | sq-id
//	DW3  cid | phase | status
type CompletionEntry struct {
	DW0  uint32 // command-specific result
	DW1  uint32 // reserved
	DW2  uint32 // SQHD[0:16] SQID[16:32]
	DW3  uint32 // CID[0:16] Phase[16:17] Status[17:32]
}

// Compile-time size check - the CQE must be exactly 16 bytes.
var _ [16]byte = [unsafe.Sizeof(CompletionEntry{})]byte{}

// SQHead returns the SQ head pointer the device acknowledges as consumed.
func (c *CompletionEntry) SQHead() uint16 { return uint16(c.DW2 & 0xffff) }

// SQID returns the originating submission queue id.
func (c *CompletionEntry) SQID() uint16 { return uint16(c.DW2 >> 16) }

// CID returns the command identifier this completion resolves.
func (c *CompletionEntry) CID() uint16 { return uint16(c.DW3 & 0xffff) }

// Phase returns the phase-tag bit.
func (c *CompletionEntry) Phase() bool { return (c.DW3>>16)&0x1 != 0 }

// Status returns the 15-bit status field: do-not-retry, more, status-type,
// status-code packed as the NVMe spec defines (bits 17-31 of DW3).
func (c *CompletionEntry) Status() uint16 { return uint16(c.DW3 >> 17) }

// StatusType returns bits [8:11] of the status field (generic/cmd-specific/...).
func (c *CompletionEntry) StatusType() uint8 { return uint8((c.Status() >> 8) & 0x7) }

// StatusCode returns bits [0:8] of the status field.
func (c *CompletionEntry) StatusCode() uint8 { return uint8(c.Status() & 0xff) }

// More reports whether additional CQEs are expected for this command (bit 13
// of the status field).
func (c *CompletionEntry) More() bool { return (c.Status()>>13)&0x1 != 0 }

// DoNotRetry reports whether the host should not retry this command as-is
// (bit 14, the top bit of the status field).
func (c *CompletionEntry) DoNotRetry() bool { return (c.Status()>>14)&0x1 != 0 }

// Success reports whether StatusType and StatusCode are both zero.
func (c *CompletionEntry) Success() bool { return c.StatusType() == 0 && c.StatusCode() == 0 }
