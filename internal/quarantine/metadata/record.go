// Package metadata implements the allocation metadata store: one record per
// live or quarantined allocation, keyed by allocation start address and
// sharded across independently locked partitions.
package metadata

import (
	"math"

	"github.com/kolkov/ptrquarantine/internal/quarantine/goid"
)

// MaxRefCount is the largest reference count a record can hold. Acquiring
// another reference past it is a fatal protocol violation.
const MaxRefCount = math.MaxUint32

// Flag is the quarantine state of an allocation.
type Flag uint8

const (
	// NotQuarantined is a live allocation, or one freed with no references.
	NotQuarantined Flag = iota

	// Quarantined was freed while guarded pointers still referenced it.
	// The memory is poisoned and retained until the count drops to zero.
	Quarantined

	// EarlyAllocation was allocated before the engine attached, so its
	// reference count is unknown. It is retained forever once freed.
	EarlyAllocation
)

// String returns a human-readable flag name.
func (f Flag) String() string {
	switch f {
	case NotQuarantined:
		return "not-quarantined"
	case Quarantined:
		return "quarantined"
	case EarlyAllocation:
		return "early-allocation"
	default:
		return "unknown"
	}
}

// Record is the per-allocation bookkeeping entry.
type Record struct {
	// Count is the number of live guarded pointers to the allocation.
	Count uint32

	Flag Flag

	// AllocThread is the goroutine that allocated the memory. None for
	// early allocations.
	AllocThread goid.ID

	// FreeThread is the goroutine whose free moved the allocation into
	// quarantine. None until then.
	FreeThread goid.ID
}

// Erasable reports whether nothing references the allocation and it is not
// held in quarantine, so the record may be dropped.
func (r Record) Erasable() bool {
	return r.Count == 0 && r.Flag != Quarantined
}
