// Package bringup drives a controller from reset through identify, feature
// negotiation, and I/O queue-pair creation.
package bringup

import (
	"time"

	"github.com/go-unvme/unvme/internal/constants"
)

// Params is what the caller asked for, split from what bring-up actually
// negotiated (Negotiated).
type Params struct {
	// NSID is the namespace to identify and drive I/O against. Zero means
	// the default: namespace 1.
	NSID uint32
	// QCount is the number of I/O queue pairs requested. Zero means "use
	// device max".
	QCount uint16
	// QSize is the submission/completion ring depth for each I/O queue
	// pair, including the one slot that must stay empty to distinguish
	// full from empty (so maxiopq = QSize-1).
	QSize uint16
	// AdminQSize is the admin queue pair's ring depth.
	AdminQSize uint16
	// ResetTimeout bounds how long bring-up spins on CSTS.RDY transitions.
	ResetTimeout time.Duration
	// AdminCommandTimeout bounds how long bring-up polls for an admin
	// command's completion.
	AdminCommandTimeout time.Duration
}

// DefaultParams returns sensible defaults for the knobs a caller doesn't
// set explicitly.
func DefaultParams() Params {
	return Params{
		NSID:                1,
		QCount:              0, // negotiate device max
		QSize:               constants.DefaultQueueDepth,
		AdminQSize:          constants.DefaultAdminQueueDepth,
		ResetTimeout:         5 * time.Second,
		AdminCommandTimeout:  2 * time.Second,
	}
}

// Negotiated is what bring-up actually established: the identify and
// feature-negotiation results a controller reported back.
type Negotiated struct {
	QCount     uint16 // granted I/O queue count
	MaxIOPQ    int    // per-queue slots available for descriptors (QSize-1)
	MaxBPIO    uint64 // max blocks per I/O, derived from mdts
	BlockSize  uint32 // namespace logical block size, in bytes
	BlockCount uint64 // namespace size, in logical blocks
	VendorID   uint16
	ModelNumber string
}
