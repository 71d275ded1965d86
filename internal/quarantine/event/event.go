// Package event records the forensic history of quarantined allocations.
//
// Every interesting thing that happens to quarantined memory (a dangling
// pointer assigned into a guarded pointer, a read or write, the final
// release) is appended to a Log together with the goroutine and stack that
// caused it. When the sanitizer reports a fault, the crash classifier walks
// the log to decide whether quarantine neutralized the access.
package event

import (
	"github.com/kolkov/ptrquarantine/internal/quarantine/goid"
	"github.com/kolkov/ptrquarantine/internal/quarantine/stackdepot"
)

// Type classifies an event.
type Type uint8

const (
	// QuarantineEntry opens the block of events for one allocation. It is
	// synthesized by the log, never stored directly.
	QuarantineEntry Type = iota

	// QuarantineAssignment is a dangling (quarantined) address assigned to a
	// guarded pointer.
	QuarantineAssignment

	// QuarantineRead is a read of quarantined memory.
	QuarantineRead

	// QuarantineWrite is a write to quarantined memory.
	QuarantineWrite

	// QuarantineExit is the last reference to a quarantined allocation
	// being released, just before the deferred free.
	QuarantineExit

	// FreeAssignment is a genuinely freed, non-quarantined address assigned
	// to a guarded pointer (pointer laundering).
	FreeAssignment
)

// String returns the name used in printed logs.
func (t Type) String() string {
	switch t {
	case QuarantineEntry:
		return "quarantine-entry"
	case QuarantineAssignment:
		return "quarantine-assignment"
	case QuarantineRead:
		return "quarantine-read"
	case QuarantineWrite:
		return "quarantine-write"
	case QuarantineExit:
		return "quarantine-exit"
	case FreeAssignment:
		return "free-assignment"
	default:
		return "unknown"
	}
}

// IsAccess reports whether t is a read or a write.
func (t Type) IsAccess() bool {
	return t == QuarantineRead || t == QuarantineWrite
}

// Event is one log entry.
type Event struct {
	Type Type

	// Thread is the goroutine that caused the event. For a synthesized
	// entry it is the goroutine that freed the allocation.
	Thread goid.ID

	// Address and Size describe the memory the event refers to.
	Address uintptr
	Size    uintptr

	// FaultAddress is the exact byte touched by a read or write. Zero for
	// other event types.
	FaultAddress uintptr

	Stack stackdepot.Stack
}

// SameAllocation reports whether the [Address, Address+Size] ranges of e and
// o overlap. Both ends are inclusive so an access at one past the end still
// attaches to the allocation.
func (e *Event) SameAllocation(o *Event) bool {
	return (e.Address <= o.Address && o.Address <= e.Address+e.Size) ||
		(o.Address <= e.Address && e.Address <= o.Address+o.Size)
}
