package asan

import (
	"fmt"

	"github.com/kolkov/ptrquarantine/internal/quarantine/goid"
	"github.com/kolkov/ptrquarantine/internal/quarantine/stackdepot"
)

// Report describes one memory error detected by the heap.
type Report struct {
	// Description is the bug class, e.g. "use-after-poison".
	Description string

	// Address is the faulting address: the start of the access.
	Address uintptr

	// Write is the access direction; false for reads.
	Write bool

	// AccessSize is the number of bytes accessed.
	AccessSize uintptr

	Thread goid.ID
	Stack  stackdepot.Stack
}

// AccessType returns "WRITE" or "READ".
func (r *Report) AccessType() string {
	if r.Write {
		return "WRITE"
	}
	return "READ"
}

// ErrorCallback is invoked for every report between the
// "ADDITIONAL INFO" markers. A callback may set *exitCleanly to end the
// process with status 0, or clear *abort to request that execution
// continue (honoured only when halt_on_error is off).
type ErrorCallback func(r *Report, exitCleanly, abort *bool)

// AddErrorCallback registers cb. Callbacks run in registration order.
func (h *Heap) AddErrorCallback(cb ErrorCallback) {
	h.cbMu.Lock()
	defer h.cbMu.Unlock()
	h.callbacks = append(h.callbacks, cb)
}

// ResetErrorCallbacks removes every callback (for testing).
func (h *Heap) ResetErrorCallbacks() {
	h.cbMu.Lock()
	defer h.cbMu.Unlock()
	h.callbacks = nil
}

// Log writes one formatted line to the report output.
func (h *Heap) Log(format string, args ...any) {
	h.outMu.Lock()
	defer h.outMu.Unlock()
	fmt.Fprintf(h.out, format+"\n", args...)
}

// Abort terminates the process with the configured exit code.
func (h *Heap) Abort() {
	h.abort(h.flags.ExitCode)
}

// Load performs an instrumented read of size bytes at addr.
//
// If any byte is poisoned, a report is raised first. When the report is
// suppressed by the error callbacks the read proceeds and returns whatever
// the memory holds (the quarantine fill pattern for quarantined chunks).
// Reads outside the arena report "wild-access" and return zeros.
func (h *Heap) Load(addr, size uintptr) []byte {
	out := make([]byte, size)
	if !h.check(addr, size, false) {
		return out
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.inArena(addr) && h.inArena(addr+size-1) {
		copy(out, h.mem[addr-h.base:addr-h.base+size])
	}
	return out
}

// Store performs an instrumented write of data at addr.
func (h *Heap) Store(addr uintptr, data []byte) {
	size := uintptr(len(data))
	if !h.check(addr, size, true) {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inArena(addr) && h.inArena(addr+size-1) {
		copy(h.mem[addr-h.base:], data)
	}
}

// check validates an access and raises a report for a bad one.
// It returns false when the access must not touch memory.
func (h *Heap) check(addr, size uintptr, write bool) bool {
	if size == 0 {
		return false
	}

	h.mu.RLock()
	wild := !h.inArena(addr) || !h.inArena(addr+size-1)
	var bad uintptr
	var shadow byte
	if !wild {
		if bad = h.firstPoisoned(addr, size); bad != 0 {
			shadow = h.shadow[h.shadowIndex(bad)]
		}
	}
	h.mu.RUnlock()

	switch {
	case wild:
		h.raise(h.newReport("wild-access", addr, write, size, 2))
		return false
	case bad != 0:
		h.raise(h.newReport(describe(shadow), addr, write, size, 2))
	}
	return true
}

// describe maps the shadow value of the first bad byte to a bug class.
func describe(shadow byte) string {
	switch {
	case shadow == UserPoisonedMagic:
		return "use-after-poison"
	case shadow == HeapFreeMagic:
		return "heap-use-after-free"
	case shadow == HeapLeftRedzoneMagic, shadow < Granularity:
		return "heap-buffer-overflow"
	default:
		return "unknown-crash"
	}
}

func (h *Heap) newReport(desc string, addr uintptr, write bool, size uintptr, skip int) *Report {
	return &Report{
		Description: desc,
		Address:     addr,
		Write:       write,
		AccessSize:  size,
		Thread:      goid.Current(),
		Stack:       stackdepot.Capture(skip + 1),
	}
}

// raise prints r, runs the error callbacks and aborts unless they let
// execution continue. It returns true when execution continues.
func (h *Heap) raise(r *Report) bool {
	h.printReport(r)
	return h.runErrorCallbacks(r)
}

func (h *Heap) printReport(r *Report) {
	h.Log("=================================================================")
	h.Log("==%d==ERROR: AddressSanitizer: %s on address %s thread %s", h.pid, r.Description, hex(r.Address), r.Thread)
	if r.AccessSize != 0 {
		h.Log("%s of size %d at %s thread %s", r.AccessType(), r.AccessSize, hex(r.Address), r.Thread)
	}
	h.logStack(&r.Stack)

	h.mu.RLock()
	c := h.chunkContaining(r.Address)
	var snapshot chunk
	if c != nil {
		snapshot = *c
	}
	h.mu.RUnlock()

	if c != nil {
		h.Log("%s is located %s of %d-byte region [%s,%s)",
			hex(r.Address), relativePosition(r.Address, &snapshot), snapshot.size,
			hex(snapshot.begin), hex(snapshot.begin+snapshot.size))
		if snapshot.state == chunkFreed {
			h.Log("freed by thread %s here:", snapshot.freeThread)
			h.logDepotStack(snapshot.freeStack)
		}
		h.Log("previously allocated by thread %s here:", snapshot.allocThread)
		h.logDepotStack(snapshot.allocStack)
	}
	h.Log("SUMMARY: AddressSanitizer: %s", r.Description)
}

func relativePosition(addr uintptr, c *chunk) string {
	switch {
	case addr < c.begin:
		return fmt.Sprintf("%d bytes before", c.begin-addr)
	case addr >= c.begin+c.size:
		return fmt.Sprintf("%d bytes after", addr-(c.begin+c.size))
	default:
		return fmt.Sprintf("%d bytes inside", addr-c.begin)
	}
}

func (h *Heap) logDepotStack(hash uint64) {
	st, _ := stackdepot.Load(hash)
	h.logStack(&st)
}

func (h *Heap) logStack(st *stackdepot.Stack) {
	for i, line := range st.Lines() {
		h.Log("    #%d %s", i, line)
	}
	h.Log("")
}

// runErrorCallbacks frames the callbacks' output the way the sanitizer
// service does and applies their verdict.
func (h *Heap) runErrorCallbacks(r *Report) bool {
	exitCleanly, abort := h.invokeCallbacks(r)

	switch {
	case exitCleanly:
		h.Log("\n==%d==EXITING", h.pid)
		h.exit(0)
		return false
	case abort:
		h.Log("\n==%d==ABORTING", h.pid)
		h.Abort()
		return false
	case h.flags.HaltOnError:
		h.Log("AsanService ErrorCallback has cleared should_abort, but ASAN_OPTIONS " +
			"does not contain halt_on_error=0, so AddressSanitizer will abort!")
		h.Abort()
		return false
	}
	return true
}

func (h *Heap) invokeCallbacks(r *Report) (exitCleanly, abort bool) {
	abort = true

	// Held while callbacks run; callbacks must not raise reports themselves.
	h.cbMu.Lock()
	defer h.cbMu.Unlock()

	h.Log("\n==%d==ADDITIONAL INFO", h.pid)
	h.Log("\n==%d==Note: Please include this section with the ASan report.", h.pid)
	for _, cb := range h.callbacks {
		cb(r, &exitCleanly, &abort)
	}
	h.Log("\n==%d==END OF ADDITIONAL INFO", h.pid)
	return exitCleanly, abort
}

func hex(addr uintptr) string {
	return fmt.Sprintf("0x%x", addr)
}
