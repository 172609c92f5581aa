// Package model holds the shared data model of the transfer-dispatch
// core: Host/Directory/Retrieve-list entries, transfer job descriptors
// and the fifo wire format. It has no behaviour of its own beyond small
// invariant helpers — the regions and locks that make these types durable
// and safe to share across processes live in internal/shm and
// internal/lock.
package model

import "fmt"

// RegionID names one of the memory-mapped shared-state regions. Cross
// region references are (RegionID, index) pairs, never pointers — see
// Design Notes §9 ("cyclic graphs").
type RegionID uint8

// Region identifiers
const (
	RegionHSE RegionID = iota // Host Status Entry table
	RegionDSE                 // Directory Status Entry table
	RegionJSA                 // per-job status table
	RegionRL                  // Retrieve List (one region per directory)
)

func (r RegionID) String() string {
	switch r {
	case RegionHSE:
		return "HSE"
	case RegionDSE:
		return "DSE"
	case RegionJSA:
		return "JSA"
	case RegionRL:
		return "RL"
	default:
		return fmt.Sprintf("RegionID(%d)", uint8(r))
	}
}

// SlotID is a stable index into a region's record array. It is never a
// pointer: surviving a Dispatcher restart means indices must still
// resolve after the region is remapped at a different address.
type SlotID uint32

// Ref is a (region, index) cross-region reference.
type Ref struct {
	Region RegionID
	Index  SlotID
}

func (r Ref) String() string { return fmt.Sprintf("%s[%d]", r.Region, r.Index) }

// JobSlot identifies one of an HSE's concurrent job slots (0..N-1).
type JobSlot uint16
