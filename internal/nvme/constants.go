package nvme

// Admin opcodes this core issues.
const (
	OpAdminDeleteIOSQ      = 0x00
	OpAdminCreateIOSQ      = 0x01
	OpAdminDeleteIOCQ      = 0x04
	OpAdminCreateIOCQ      = 0x05
	OpAdminIdentify        = 0x06
	OpAdminSetFeatures     = 0x09
	OpAdminGetFeatures     = 0x0a
)

// I/O opcodes this core issues.
const (
	OpIOFlush = 0x00
	OpIOWrite = 0x01
	OpIORead  = 0x02
)

// OpVendorTranslate is the reserved pass-through opcode used for the
// vendor-specific "translate/extended" config-write-then-read primitive.
// The on-wire opcode byte and config-block payload are vendor-defined; this
// core treats the payload as opaque caller-supplied bytes and only
// guarantees the chained write-then-reads submission shape (see
// internal/fragment). The translate builders in codec.go emit the ordinary
// WRITE/READ opcodes; nothing in this core sends this opcode byte.
const OpVendorTranslate = 0xc0

// Identify CNS values.
const (
	IdentifyCNSNamespace  = 0x00
	IdentifyCNSController = 0x01
)

// Feature identifiers.
const FeatureNumberOfQueues = 0x07

// PRP selector / data-transfer field (PSDT); this core never uses SGLs.
const PSDTPRP = 0x00

// Controller register byte offsets (standard NVMe register map).
const (
	RegCAP   = 0x00 // 8 bytes
	RegVS    = 0x08 // 4 bytes
	RegINTMS = 0x0c // 4 bytes
	RegINTMC = 0x10 // 4 bytes
	RegCC    = 0x14 // 4 bytes
	RegCSTS  = 0x1c // 4 bytes
	RegAQA   = 0x24 // 4 bytes
	RegASQ   = 0x28 // 8 bytes
	RegACQ   = 0x30 // 8 bytes

	DoorbellBase = 0x1000
)

// CC (Controller Configuration) bit layout.
const (
	CCEnShift    = 0
	CCCSSShift   = 4 // I/O command set selected
	CCMPSShift   = 7 // memory page size (2^(12+MPS))
	CCAMSShift   = 11
	CCShnShift   = 14
	CCIOSQESShift = 16 // I/O submission queue entry size (log2)
	CCIOCQESShift = 20 // I/O completion queue entry size (log2)
)

// CSTS (Controller Status) bits.
const (
	CSTSRdy  = 1 << 0
	CSTSCfs  = 1 << 1
	CSTSShst = 0x3 << 2
)

// NVMe submission/completion queue entry sizes, log2, as required by CC.
const (
	IOSQESLog2 = 6 // 64 bytes
	IOCQESLog2 = 4 // 16 bytes
)

// MinMemoryPageSize is the smallest page size the controller can address,
// used to derive maxbpio from mdts: 2^(12+0).
const MinMemoryPageSize = 4096
