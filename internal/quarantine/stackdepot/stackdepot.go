// Package stackdepot captures, stores and symbolizes the stack traces attached
// to allocations and quarantine events.
//
// Stacks are fixed-size arrays of program counters so an event can embed its
// stack by value and the event log never allocates per-frame. The depot
// deduplicates allocation stacks the way sanitizer runtimes do: every chunk
// of the heap stores a 64-bit hash instead of the full trace.
//
// Design:
//   - Fixed-size stack traces (12 frames, 96 bytes per stack)
//   - Hash-based deduplication (FNV-1a hash)
//   - Global sync.Map storage (thread-safe)
//
// Usage:
//
//	st := stackdepot.Capture(0)
//	hash := stackdepot.Save(st)
//
//	// Later, when printing a report
//	if st, ok := stackdepot.Load(hash); ok {
//	    for i, line := range st.Lines() {
//	        fmt.Printf("    #%d %s\n", i, line)
//	    }
//	}
package stackdepot

import (
	"fmt"
	"hash/fnv"
	"runtime"
	"strings"
	"sync"
	"unsafe"

	"github.com/go-stack/stack"
)

const (
	// MaxFrames is the maximum number of stack frames kept per trace.
	MaxFrames = 12
)

// Stack is a captured stack trace. Unused trailing slots are zero.
type Stack [MaxFrames]uintptr

// Frame is one symbolized frame of a Stack.
type Frame struct {
	PC       uintptr
	Function string
	File     string
	Line     int
}

// Capture records the stack of its caller.
//
// Parameters:
//   - skip: Additional frames to drop above the caller of Capture
//     (0 keeps the caller itself as the first frame)
//
// Returns:
//   - Stack: Program counters, zero-padded when the stack is shallower than MaxFrames
//
// Thread Safety: Safe for concurrent calls.
func Capture(skip int) Stack {
	var st Stack
	// Skip runtime.Callers and Capture.
	runtime.Callers(skip+2, st[:])
	return st
}

// Depth returns the number of non-zero frames.
func (s *Stack) Depth() int {
	for i, pc := range s {
		if pc == 0 {
			return i
		}
	}
	return MaxFrames
}

// Empty reports whether no frame was captured.
func (s *Stack) Empty() bool {
	return s[0] == 0
}

// Frames symbolizes the stack.
//
// Runtime internal frames are filtered out; they carry no information about
// which code touched the allocation.
//
// Performance: ~10µs (runtime.CallersFrames is relatively slow). Only
// called when a report is printed.
func (s *Stack) Frames() []Frame {
	n := s.Depth()
	if n == 0 {
		return nil
	}

	frames := runtime.CallersFrames(s[:n])
	out := make([]Frame, 0, n)
	for {
		frame, more := frames.Next()
		if frame.PC != 0 && !strings.HasPrefix(frame.Function, "runtime.") {
			out = append(out, Frame{
				PC:       frame.PC,
				Function: frame.Function,
				File:     frame.File,
				Line:     frame.Line,
			})
		}
		if !more {
			break
		}
	}
	return out
}

// Lines renders each frame as "0x<pc> <function> <file>:<line>", the layout
// sanitizer symbolizers use for "%p %F %L".
func (s *Stack) Lines() []string {
	frames := s.Frames()
	lines := make([]string, 0, len(frames))
	for _, f := range frames {
		lines = append(lines, fmt.Sprintf("0x%x in %s %s:%d", f.PC, f.Function, f.File, f.Line))
	}
	return lines
}

// Caller describes the call site skip frames above the caller of Caller as
// "function (path/file.go:line)". Used to annotate fatal reports with the
// hook entry point that detected the violation.
func Caller(skip int) string {
	c := stack.Caller(skip + 1)
	return fmt.Sprintf("%n (%+v)", c, c)
}

// depot is the global deduplication store for allocation stacks.
//
// Key: uint64 hash (FNV-1a of program counters)
// Value: Stack
var depot sync.Map // uint64 (hash) → Stack

// Save stores st in the depot and returns its hash.
//
// If the same stack was saved before, the existing entry is kept.
//
// Returns:
//   - uint64: Hash identifying st (0 if st is empty)
//
// Thread Safety: Safe for concurrent calls.
func Save(st Stack) uint64 {
	if st.Empty() {
		return 0
	}

	hash := hashStack(st[:st.Depth()])
	depot.LoadOrStore(hash, st)
	return hash
}

// Load retrieves a stack by hash.
func Load(hash uint64) (Stack, bool) {
	if hash == 0 {
		return Stack{}, false
	}
	val, ok := depot.Load(hash)
	if !ok {
		return Stack{}, false
	}
	return val.(Stack), true
}

// hashStack computes FNV-1a hash of program counters.
func hashStack(pcs []uintptr) uint64 {
	h := fnv.New64a()

	for _, pc := range pcs {
		//nolint:gosec // G103: Safe use of unsafe to convert uintptr to bytes for hashing
		pcBytes := (*[unsafe.Sizeof(pc)]byte)(unsafe.Pointer(&pc))[:]
		_, _ = h.Write(pcBytes) // Write never returns error for hash.Hash.
	}

	return h.Sum64()
}

// Reset clears the depot (for testing).
//
// Thread Safety: NOT safe for concurrent calls.
func Reset() {
	depot = sync.Map{}
}

// Stats returns statistics about the depot.
//
// Returns:
//   - uniqueStacks: Number of unique stacks stored
//   - totalMemory: Approximate memory usage in bytes
//
// Performance: O(N). Do not call this on hot path.
func Stats() (uniqueStacks int, totalMemory int64) {
	depot.Range(func(_, _ interface{}) bool {
		uniqueStacks++
		return true
	})

	// Plus ~32 bytes of sync.Map overhead per entry.
	const bytesPerStack = int64(unsafe.Sizeof(Stack{})) + 32
	totalMemory = int64(uniqueStacks) * bytesPerStack

	return uniqueStacks, totalMemory
}
