package unvme

import "github.com/go-unvme/unvme/internal/constants"

// Re-export defaults for the public API.
const (
	DefaultQueueDepth      = constants.DefaultQueueDepth
	DefaultAdminQueueDepth = constants.DefaultAdminQueueDepth
	DefaultNamespaceID     = constants.DefaultNamespaceID
	DefaultLogicalBlockSize = constants.DefaultLogicalBlockSize
	DefaultPageSize        = constants.DefaultPageSize
	DefaultPollTimeout     = constants.DefaultPollTimeout
)
