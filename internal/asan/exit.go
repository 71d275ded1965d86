package asan

import (
	"context"

	"golang.org/x/exp/slog"

	"github.com/kolkov/ptrquarantine/internal/quarantine/goid"
	"github.com/kolkov/ptrquarantine/internal/quarantine/stackdepot"
)

// Leak is an allocated chunk found by the shutdown leak check.
type Leak struct {
	Begin  uintptr
	Size   uintptr
	Thread goid.ID
	Stack  stackdepot.Stack
}

// AtExit registers fn to run at Shutdown. Callbacks run in reverse
// registration order.
func (h *Heap) AtExit(fn func()) {
	h.exitMu.Lock()
	defer h.exitMu.Unlock()
	h.atExit = append(h.atExit, fn)
}

// RunExitCallbacks runs the registered exit callbacks once, last registered
// first.
func (h *Heap) RunExitCallbacks() {
	h.exitMu.Lock()
	if h.exitsDone {
		h.exitMu.Unlock()
		return
	}
	h.exitsDone = true
	callbacks := h.atExit
	h.atExit = nil
	h.exitMu.Unlock()

	for i := len(callbacks) - 1; i >= 0; i-- {
		callbacks[i]()
	}
}

// Shutdown runs the exit callbacks and then, if detect_leaks is set, the
// leak check. Leaks are printed in LeakSanitizer format and returned.
func (h *Heap) Shutdown() []Leak {
	h.RunExitCallbacks()
	if !h.flags.DetectLeaks {
		return nil
	}

	leaks := h.Leaks()
	if len(leaks) == 0 {
		return nil
	}

	h.Log("")
	h.Log("=================================================================")
	h.Log("==%d==ERROR: LeakSanitizer: detected memory leaks", h.pid)
	var total uintptr
	for i := range leaks {
		l := &leaks[i]
		total += l.Size
		h.Log("")
		h.Log("Direct leak of %d byte(s) in 1 object(s) allocated from:", l.Size)
		h.logStack(&l.Stack)
	}
	h.Log("SUMMARY: AddressSanitizer: %d byte(s) leaked in %d allocation(s).", total, len(leaks))

	h.logger.LogAttrs(context.Background(), slog.LevelDebug, "leak check finished",
		slog.Int("leaks", len(leaks)),
		slog.Uint64("bytes", uint64(total)))
	return leaks
}

// Leaks returns every allocated chunk not excluded through IgnoreLeak.
func (h *Heap) Leaks() []Leak {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var leaks []Leak
	for _, c := range h.chunks {
		if c.state != chunkAllocated || c.leakIgnored {
			continue
		}
		st, _ := stackdepot.Load(c.allocStack)
		leaks = append(leaks, Leak{
			Begin:  c.begin,
			Size:   c.size,
			Thread: c.allocThread,
			Stack:  st,
		})
	}
	return leaks
}
