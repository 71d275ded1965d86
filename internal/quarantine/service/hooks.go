package service

import (
	"fmt"

	"github.com/cockroachdb/errors"

	"github.com/kolkov/ptrquarantine/internal/asan"
	"github.com/kolkov/ptrquarantine/internal/quarantine/event"
	"github.com/kolkov/ptrquarantine/internal/quarantine/goid"
	"github.com/kolkov/ptrquarantine/internal/quarantine/metadata"
	"github.com/kolkov/ptrquarantine/internal/quarantine/stackdepot"
)

// Acquire records a new guarded reference to the allocation containing addr.
//
// Addresses outside any supported allocation are ignored, except that an
// address inside genuinely freed heap memory is pointer laundering and is
// fatal. When the data race check is on and the allocation is already
// quarantined, a non-copy acquire logs a QuarantineAssignment.
//
// Parameters:
//   - addr: the address being stored in the guarded pointer (0 is a no-op)
//   - isCopy: true when the address comes from another guarded pointer
func (s *Service) Acquire(addr uintptr, isCopy bool) {
	if addr == 0 || !s.active() {
		return
	}

	start := s.san.AllocatedBegin(addr)
	if start == 0 || !s.inAllocatedChunk(start, addr) {
		// addr may point one past the end of its allocation.
		start = s.san.AllocatedBegin(addr - 1)
		if start == 0 {
			if s.IsFreed(addr) {
				s.logEvent(event.FreeAssignment, addr, 0, 0)
				s.fail(errors.Wrapf(ErrPointerLaundering, "freed address 0x%x assigned to a guarded pointer", addr))
			}
			return
		}
		if !s.inAllocatedChunk(start, addr-1) {
			// Sanitizer-owned memory that did not come from Malloc.
			return
		}
	}
	if !s.isSupportedAllocation(start) {
		return
	}

	var (
		flag  metadata.Flag
		found bool
		err   error
	)
	s.store.Mutate(start, func(rec *metadata.Record, ok bool) metadata.Op {
		found = ok
		if !ok {
			return metadata.Keep
		}
		if rec.Count >= metadata.MaxRefCount {
			err = errors.Wrapf(ErrRefCountOverflow, "allocation 0x%x", start)
			return metadata.Keep
		}
		rec.Count++
		flag = rec.Flag
		return metadata.Store
	})
	if err != nil {
		s.fail(err)
		return
	}

	if found && !isCopy && flag != metadata.NotQuarantined && s.raceCheck.Load() {
		s.logEvent(event.QuarantineAssignment, addr, s.san.AllocatedSize(start), 0)
	}
}

// Duplicate records a guarded pointer copied from another one.
func (s *Service) Duplicate(addr uintptr) {
	s.Acquire(addr, true)
}

// Release drops a guarded reference to the allocation containing addr.
// Dropping the last reference to a quarantined allocation frees it.
func (s *Service) Release(addr uintptr) {
	if addr == 0 || !s.active() {
		return
	}

	start := s.AllocationStart(addr)
	if start == 0 {
		return
	}

	var (
		reclaim bool
		err     error
	)
	s.store.Mutate(start, func(rec *metadata.Record, found bool) metadata.Op {
		switch {
		case !found:
			err = errors.Wrapf(ErrMissingRecord, "release of 0x%x (allocation 0x%x)", addr, start)
			return metadata.Keep
		case rec.Count == 0:
			err = errors.Wrapf(ErrRefCountUnderflow, "allocation 0x%x", start)
			return metadata.Keep
		}
		rec.Count--
		reclaim = rec.Count == 0 && rec.Flag == metadata.Quarantined
		return metadata.Store
	})
	if err != nil {
		s.fail(err)
		return
	}
	if !reclaim {
		return
	}

	if s.freeCheck.Load() {
		s.logEvent(event.QuarantineExit, start, s.san.AllocatedSize(start), 0)
	}
	// Runs IgnoreFreeHook again, which now erases the record.
	if err := s.san.Free(start); err != nil {
		s.fail(errors.Wrapf(err, "deferred free of 0x%x", start))
	}
}

// SafeDereference is called before a guarded pointer is dereferenced.
// A dereference of quarantined memory is logged as a QuarantineRead.
func (s *Service) SafeDereference(addr uintptr) {
	s.noteAccess(addr)
}

// SafeExtraction is called when the raw address is taken out of a guarded
// pointer. Extraction of quarantined memory is logged like a dereference
// and, with the extraction warning on, reported.
func (s *Service) SafeExtraction(addr uintptr) {
	if s.noteAccess(addr) && s.extractionWarning.Load() {
		s.warnDanglingExtraction(addr)
	}
}

func (s *Service) noteAccess(addr uintptr) bool {
	if addr == 0 || !s.active() || !s.IsQuarantined(addr) {
		return false
	}
	s.logEvent(event.QuarantineRead, addr, 1, addr)
	return true
}

func (s *Service) warnDanglingExtraction(addr uintptr) {
	s.san.Log("=================================================================")
	s.san.Log("==%d==WARNING: quarantine: dangling-pointer-extraction on address 0x%x thread %s",
		pid, addr, goid.Current())
	st := stackdepot.Capture(2)
	for i, line := range st.Lines() {
		s.san.Log("    #%d %s", i, line)
	}
	s.san.Log("A regular sanitizer report will follow if the extracted address is dereferenced later.")
	s.san.Log("Otherwise, relying on the address of an already freed allocation is still likely a bug.")
	s.san.Log("=================================================================")
}

// AllocationStart returns the start of the supported allocation containing
// addr, or 0. An address one past the end of an allocation resolves to that
// allocation.
func (s *Service) AllocationStart(addr uintptr) uintptr {
	start := s.chunkStart(addr)
	if start == 0 || !s.isSupportedAllocation(start) {
		return 0
	}
	return start
}

// chunkStart resolves addr to an allocation start without the supported
// allocation check.
func (s *Service) chunkStart(addr uintptr) uintptr {
	start := s.san.AllocatedBegin(addr)
	if start != 0 && s.inAllocatedChunk(start, addr) {
		return start
	}
	start = s.san.AllocatedBegin(addr - 1)
	if start != 0 && s.inAllocatedChunk(start, addr-1) {
		return start
	}
	return 0
}

func (s *Service) inAllocatedChunk(start, addr uintptr) bool {
	return start <= addr && addr < start+s.san.AllocatedSize(start)
}

// isSupportedAllocation reports whether start was allocated after the
// engine attached, i.e. its chunk header carries the marker set by
// MallocHook.
func (s *Service) isSupportedAllocation(start uintptr) bool {
	return s.san.ShadowByte(start-asan.ChunkHeaderSize) == asan.UserPoisonedMagic
}

// IsQuarantined reports whether addr lies in a quarantined allocation.
func (s *Service) IsQuarantined(addr uintptr) bool {
	if addr == 0 || !s.san.RegionIsPoisoned(addr, 1) {
		return false
	}
	start := s.AllocationStart(addr)
	if start == 0 {
		return false
	}
	if !s.san.Owns(start) {
		s.fail(errors.AssertionFailedf("allocation 0x%x for 0x%x not owned by the sanitizer", start, addr))
		return false
	}
	rec, ok := s.store.Find(start)
	return ok && rec.Flag == metadata.Quarantined
}

// IsFreed reports whether addr lies inside a heap allocation that was
// genuinely freed (not quarantined). One-past-the-end addresses are
// excluded.
func (s *Service) IsFreed(addr uintptr) bool {
	if addr == 0 || !s.san.RegionIsPoisoned(addr, 1) {
		return false
	}
	kind, begin, size := s.san.LocateAddress(addr)
	if kind != "heap" || addr < begin || addr >= begin+size {
		return false
	}
	return s.san.ShadowByte(addr) == asan.HeapFreeMagic
}

// isEarlyAllocation reports whether addr lies in an allocation tracked as
// allocated before the engine attached.
func (s *Service) isEarlyAllocation(addr uintptr) bool {
	start := s.chunkStart(addr)
	if start == 0 {
		return false
	}
	rec, ok := s.store.Find(start)
	return ok && rec.Flag == metadata.EarlyAllocation
}

// FreeThreadOf returns the goroutine whose free quarantined the allocation
// containing addr, or goid.None.
func (s *Service) FreeThreadOf(addr uintptr) goid.ID {
	start := s.AllocationStart(addr)
	if start == 0 {
		return goid.None
	}
	rec, ok := s.store.Find(start)
	if !ok {
		return goid.None
	}
	return rec.FreeThread
}

// AllocationSize returns the requested size of the allocation at start.
func (s *Service) AllocationSize(start uintptr) uintptr {
	return s.san.AllocatedSize(start)
}

// AllocationStack returns the stack that allocated start.
func (s *Service) AllocationStack(start uintptr) stackdepot.Stack {
	return s.san.AllocStack(start)
}

var _ event.Resolver = (*Service)(nil)

// logEvent appends an event for the current goroutine, with the stack of
// the hook's caller.
func (s *Service) logEvent(t event.Type, addr, size, fault uintptr) {
	s.log.Add(event.Event{
		Type:         t,
		Thread:       goid.Current(),
		Address:      addr,
		Size:         size,
		FaultAddress: fault,
		Stack:        stackdepot.Capture(2),
	})
}

func hexAddr(addr uintptr) string {
	return fmt.Sprintf("0x%x", addr)
}
