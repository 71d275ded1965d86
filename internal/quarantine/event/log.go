package event

import (
	"fmt"
	"sync"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/kolkov/ptrquarantine/internal/quarantine/arena"
	"github.com/kolkov/ptrquarantine/internal/quarantine/goid"
	"github.com/kolkov/ptrquarantine/internal/quarantine/stackdepot"
)

// Resolver recovers allocation facts the log needs to synthesize a
// QuarantineEntry. It is implemented by the quarantine service on top of the
// metadata store and the sanitizer.
//
// Resolver methods are called with the log lock held and may take a
// metadata shard lock, so the lock order is always log, then shard.
type Resolver interface {
	// FreeThreadOf returns the goroutine that quarantined the allocation
	// containing addr, or goid.None if unknown.
	FreeThreadOf(addr uintptr) goid.ID

	// AllocationStart returns the start of the supported allocation
	// containing addr, or 0.
	AllocationStart(addr uintptr) uintptr

	// AllocationSize returns the requested size of the allocation at start.
	AllocationSize(start uintptr) uintptr

	// AllocationStack returns the stack that allocated start.
	AllocationStack(start uintptr) stackdepot.Stack
}

// Printer is the sink for printed logs: a printf-style line writer, like the
// sanitizer's report output.
type Printer interface {
	Log(format string, args ...any)
}

// Log is the append-only event sequence.
//
// Insertion order is the order observed under the log lock. Events are only
// removed by Reset.
//
// Thread Safety: All methods are safe for concurrent use.
type Log struct {
	mu       sync.Mutex
	events   *arena.Vector[Event]
	resolver Resolver
}

// NewLog creates an empty log that synthesizes entries through r.
func NewLog(r Resolver) *Log {
	return &Log{
		events:   arena.NewVector[Event](arena.DefaultSegmentSize),
		resolver: r,
	}
}

// Add appends ev, applying the storage rules:
//
//  1. QuarantineEntry events are never stored; the log synthesizes them.
//  2. A QuarantineExit for an allocation with no history, released on the
//     goroutine that freed it, is dropped as uninteresting churn.
//  3. The first stored event of an allocation without history is preceded
//     by a synthesized QuarantineEntry carrying the allocation start, size,
//     freeing goroutine and allocation stack.
//
// An allocation "has history" when the most recent overlapping event exists
// and is not a QuarantineExit (an exit closes the block; a later event
// refers to a new quarantine cycle).
//
// Returns:
//   - bool: true if ev was stored
func (l *Log) Add(ev Event) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	hasEntry := false
	l.events.EachReverse(func(_ int, prev *Event) bool {
		if !ev.SameAllocation(prev) {
			return true
		}
		hasEntry = prev.Type != QuarantineExit
		return false
	})

	switch ev.Type {
	case QuarantineEntry:
		return false
	case QuarantineExit:
		if !hasEntry && ev.Thread == l.resolver.FreeThreadOf(ev.Address) {
			return false
		}
	}

	if !hasEntry && (ev.Type == QuarantineAssignment || ev.Type.IsAccess() || ev.Type == QuarantineExit) {
		l.events.Append(l.synthesizeEntry(ev.Address))
	}

	l.events.Append(ev)
	return true
}

// synthesizeEntry builds the QuarantineEntry for the allocation containing
// addr. Caller holds l.mu.
func (l *Log) synthesizeEntry(addr uintptr) Event {
	entry := Event{
		Type:   QuarantineEntry,
		Thread: l.resolver.FreeThreadOf(addr),
	}
	start := l.resolver.AllocationStart(addr)
	entry.Address = start
	if start != 0 {
		entry.Size = l.resolver.AllocationSize(start)
		entry.Stack = l.resolver.AllocationStack(start)
	}
	return entry
}

// Len returns the number of stored events.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events.Len()
}

// Events returns a copy of the stored events in insertion order.
func (l *Log) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events.Snapshot()
}

// Reset drops every event (for testing and process-exit reset).
func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events.Reset()
}

// Print writes every event to p as
//
//	[0x<address>:<size>] (<thread>) <type>
//
// followed, when printStack is set, by the symbolized stack and a blank line.
func (l *Log) Print(p Printer, printStack bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events.Each(func(_ int, ev *Event) bool {
		p.Log("[0x%x:%d] (%s) %s", ev.Address, ev.Size, ev.Thread, ev.Type)
		if printStack {
			for i, line := range ev.Stack.Lines() {
				p.Log("    #%d %s", i, line)
			}
			p.Log("")
		}
		return true
	})
}

// WriteJSON writes the log as a JSON array of event objects.
func (l *Log) WriteJSON(w *jwriter.Writer) {
	events := l.Events()

	arr := w.Array()
	defer arr.End()

	for i := range events {
		writeEventJSON(&arr, &events[i])
	}
}

func writeEventJSON(arr *jwriter.ArrayState, ev *Event) {
	obj := arr.Object()
	defer obj.End()

	obj.Name("type").String(ev.Type.String())
	obj.Name("thread").Int(int(ev.Thread))
	obj.Name("address").String(fmt.Sprintf("0x%x", ev.Address))
	obj.Name("size").Int(int(ev.Size))
	if ev.FaultAddress != 0 {
		obj.Name("faultAddress").String(fmt.Sprintf("0x%x", ev.FaultAddress))
	}

	frames := obj.Name("stack").Array()
	for _, line := range ev.Stack.Lines() {
		frames.String(line)
	}
	frames.End()
}
