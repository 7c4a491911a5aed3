package dma

import (
	"encoding/binary"
	"fmt"
)

// BuildPRP computes the two-tier PRP encoding for a transfer of length bytes
// starting at byte offset off within region. PRP1 always points at the first
// page of the transfer (which may start mid-page). PRP2 is either the
// second page's address directly (transfers spanning exactly two pages), or
// listPageIOVA once listPage is filled with the addresses of every page
// after the first (transfers spanning three or more pages), per the NVMe
// PRP list format. listPage/listPageIOVA are a separate page-sized region
// (typically a descriptor's PRPPage) and are ignored when the transfer
// needs no list.
func BuildPRP(region *Region, off int, length int, listPage []byte, listPageIOVA uint64) (prp1 uint64, prp2 uint64, err error) {
	if off < 0 || length <= 0 || off+length > region.Len() {
		return 0, 0, fmt.Errorf("dma: prp range [%d:%d) out of region bounds (len=%d)", off, off+length, region.Len())
	}

	base := region.IOVA() + uint64(off)
	prp1 = base

	firstPageEnd := (base + PageSize) &^ (PageSize - 1)
	firstPageBytes := firstPageEnd - base
	if uint64(length) <= firstPageBytes {
		return prp1, 0, nil
	}

	remaining := uint64(length) - firstPageBytes
	secondPageAddr := firstPageEnd
	if remaining <= PageSize {
		return prp1, secondPageAddr, nil
	}

	// Three or more pages: PRP2 points at a list of subsequent page
	// addresses, starting from the second page.
	if len(listPage) < PageSize {
		return 0, 0, fmt.Errorf("dma: prp list page too small (%d bytes)", len(listPage))
	}
	pageAddr := secondPageAddr
	n := 0
	maxEntries := PageSize / 8
	for remaining > 0 {
		if n >= maxEntries {
			return 0, 0, fmt.Errorf("dma: transfer of %d bytes exceeds PRP list capacity", length)
		}
		binary.LittleEndian.PutUint64(listPage[n*8:n*8+8], pageAddr)
		n++
		pageAddr += PageSize
		if remaining <= PageSize {
			break
		}
		remaining -= PageSize
	}
	return prp1, listPageIOVA, nil
}
