package service

import (
	"context"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"

	"github.com/kolkov/ptrquarantine/internal/asan"
	"github.com/kolkov/ptrquarantine/internal/quarantine/event"
	"github.com/kolkov/ptrquarantine/internal/quarantine/goid"
	"github.com/kolkov/ptrquarantine/internal/quarantine/metadata"
)

// FillByte overwrites the contents of quarantined allocations.
const FillByte byte = 0xEF

// MallocHook is installed as the sanitizer's allocation hook. It marks the
// chunk header as supported and starts tracking the allocation.
func (s *Service) MallocHook(ptr, size uintptr) {
	s.san.SetShadowByte(ptr-asan.ChunkHeaderSize, asan.UserPoisonedMagic)

	err := s.store.Insert(ptr, metadata.Record{
		Flag:        metadata.NotQuarantined,
		AllocThread: goid.Current(),
	})
	if err != nil {
		s.fail(errors.Mark(errors.Wrapf(err, "malloc(%d)", size), ErrDuplicateAllocation))
	}
}

// IgnoreFreeHook is installed as the sanitizer's free-interception hook.
// It returns true when the allocation must be retained instead of freed.
//
// Allocations made before the engine attached are always retained. A
// tracked allocation with no guarded references is released and forgotten.
// One that is still referenced is quarantined: filled with FillByte,
// poisoned and excluded from leak reports until its last reference goes.
func (s *Service) IgnoreFreeHook(ptr uintptr) bool {
	size := s.san.AllocatedSize(ptr)

	if !s.isSupportedAllocation(ptr) {
		if err := s.store.Insert(ptr, metadata.Record{Flag: metadata.EarlyAllocation}); err != nil {
			s.fail(errors.Mark(errors.Wrap(err, "free of early allocation"), ErrDuplicateAllocation))
			return true
		}
		// Early allocations may already be poisoned; filling would fault.
		s.retain(ptr, size, !s.san.RegionIsPoisoned(ptr, size))
		s.logger.LogAttrs(context.Background(), slog.LevelDebug, "early allocation retained",
			slog.String("address", hexAddr(ptr)),
			slog.Uint64("size", uint64(size)))
		return true
	}

	tid := goid.Current()
	var (
		retain bool
		found  bool
		refs   uint32
	)
	s.store.Mutate(ptr, func(rec *metadata.Record, ok bool) metadata.Op {
		found = ok
		switch {
		case !ok:
			retain = true
			return metadata.Keep
		case rec.Count == 0:
			return metadata.Erase
		}
		rec.Flag = metadata.Quarantined
		rec.FreeThread = tid
		refs = rec.Count
		retain = true
		return metadata.Store
	})
	if !retain {
		return false
	}

	s.retain(ptr, size, true)
	if !found {
		s.logger.LogAttrs(context.Background(), slog.LevelDebug, "untracked allocation retained",
			slog.String("address", hexAddr(ptr)))
		return true
	}

	if s.freeCheck.Load() {
		// Dropped by the log; the next event for ptr synthesizes the entry.
		s.logEvent(event.QuarantineEntry, ptr, size, 0)
	}
	s.logger.LogAttrs(context.Background(), slog.LevelDebug, "allocation quarantined",
		slog.String("address", hexAddr(ptr)),
		slog.Uint64("size", uint64(size)),
		slog.Uint64("references", uint64(refs)),
		slog.String("thread", tid.String()))
	return true
}

// retain fills, poisons and leak-annotates a retained allocation.
func (s *Service) retain(ptr, size uintptr, fill bool) {
	if fill {
		s.san.Fill(ptr, size, FillByte)
	}
	s.san.Poison(ptr, size)
	s.san.IgnoreLeak(ptr)
}
