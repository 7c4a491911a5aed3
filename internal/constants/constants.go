package constants

import "time"

// Default configuration constants.
const (
	// DefaultQueueDepth is the I/O queue pair depth bringup.DefaultParams
	// supplies, so Open uses it when a caller passes qsize=0. The device's
	// own maximum queue size (CAP.MQES) is not read.
	DefaultQueueDepth = 128

	// DefaultAdminQueueDepth is the admin queue pair depth
	// bringup.DefaultParams supplies, independent of the caller's I/O qsize.
	DefaultAdminQueueDepth = 32

	// DefaultNamespaceID is the namespace id a bare "bb:dd.f" device
	// identifier (no "/nsid" suffix) resolves to.
	DefaultNamespaceID = 1

	// DefaultLogicalBlockSize is a conventional logical block size in bytes.
	// Bring-up takes the block size IDENTIFY NAMESPACE reports and does not
	// fall back to this value.
	DefaultLogicalBlockSize = 512

	// DefaultPageSize is the host page size PRP lists are built against.
	DefaultPageSize = 4096
)

// Timing constants for controller lifecycle.
const (
	// ControllerEnableTimeout is a bound for spinning on CSTS.RDY after
	// setting CC.EN. Bring-up does not read it: bringup.Params.ResetTimeout
	// bounds those spins, and CAP.TO is not consulted.
	ControllerEnableTimeout = 2 * time.Second

	// ControllerEnablePollInterval is an interval for polling CSTS. Bring-up
	// does not read it: its spin loop sleeps 1ms between CSTS reads.
	ControllerEnablePollInterval = 500 * time.Microsecond

	// DefaultPollTimeout bounds a synchronous Read/Write/Flush's wait for
	// its descriptor to resolve, when the caller doesn't override it.
	DefaultPollTimeout = 30 * time.Second
)
