// Package service is the dangling-pointer quarantine engine.
//
// A Service sits between a guarded-pointer wrapper and the sanitizer
// runtime. The wrapper reports reference changes through the hook contract
// (Acquire, Release, Duplicate, SafeDereference, SafeExtraction). The
// sanitizer reports allocations and frees through the hooks installed by
// Configure. When the last guarded reference is still alive at free time,
// the allocation is filled, poisoned and retained instead of being released.
// Any later access then faults as use-after-poison, and the error callback
// classifies it from the event log as protected or not.
//
// Lock order is event log, then metadata shard. Neither is held across a
// call into the sanitizer's allocator.
package service

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"

	"github.com/kolkov/ptrquarantine/internal/asan"
	"github.com/kolkov/ptrquarantine/internal/quarantine/event"
	"github.com/kolkov/ptrquarantine/internal/quarantine/metadata"
)

type mode uint32

const (
	modeUninitialized mode = iota
	modeDisabled
	modeEnabled
)

func (m mode) String() string {
	switch m {
	case modeUninitialized:
		return "uninitialized"
	case modeDisabled:
		return "disabled"
	case modeEnabled:
		return "enabled"
	default:
		return "unknown"
	}
}

// Options are the diagnostic toggles of an enabled engine.
type Options struct {
	// DataRaceCheck logs a QuarantineAssignment whenever a quarantined
	// address is assigned into a guarded pointer.
	DataRaceCheck bool

	// FreeAfterQuarantinedCheck logs a QuarantineExit when the last
	// reference to a quarantined allocation is released.
	FreeAfterQuarantinedCheck bool

	// ExtractionWarning prints a warning report when a quarantined address
	// is extracted from a guarded pointer.
	ExtractionWarning bool
}

// Option configures a Service at construction.
type Option func(*Service)

// WithLogger sets the lifecycle logger. The default discards everything.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithFatalHandler replaces the handler for protocol violations.
func WithFatalHandler(fn FatalHandler) Option {
	return func(s *Service) { s.fatal = fn }
}

// Service is the quarantine engine bound to one sanitizer runtime.
//
// Thread Safety: All methods are safe for concurrent use.
type Service struct {
	san    Sanitizer
	store  *metadata.ShardedMap
	log    *event.Log
	logger *slog.Logger
	fatal  FatalHandler

	cfgMu sync.Mutex
	mode  atomic.Uint32

	raceCheck         atomic.Bool
	freeCheck         atomic.Bool
	extractionWarning atomic.Bool

	// Learned by the self-test.
	shadowScale  uint
	shadowOffset uintptr
}

// New creates an unconfigured engine for san. Nothing is installed until
// Configure enables it.
func New(san Sanitizer, opts ...Option) *Service {
	s := &Service{
		san:   san,
		store: metadata.NewShardedMap(),
	}
	s.log = event.NewLog(s)
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if s.fatal == nil {
		s.fatal = s.defaultFatal
	}
	return s
}

func (s *Service) currentMode() mode {
	return mode(s.mode.Load())
}

// IsEnabled reports whether the engine is configured and enabled.
func (s *Service) IsEnabled() bool {
	return s.currentMode() == modeEnabled
}

// Configure enables or disables the engine.
//
// The first call decides the mode. Enabling validates the sanitizer's
// shadow layout, registers the error and exit callbacks and installs the
// allocator hooks. Calling Configure(true, opts) on an enabled engine only
// updates the toggles; every other repeated call is rejected.
//
// Parameters:
//   - enabled: whether the engine should be active
//   - opts: diagnostic toggles
//
// Returns:
//   - ErrInvalidTransition if the engine is already configured
//   - ErrShadowMismatch (or an allocation error) if the self-test fails;
//     the engine stays unconfigured
func (s *Service) Configure(enabled bool, opts Options) error {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()

	cur := s.currentMode()
	next := modeDisabled
	if enabled {
		next = modeEnabled
	}

	switch {
	case cur == modeEnabled && next == modeEnabled:
		s.setToggles(opts)
		s.logger.LogAttrs(context.Background(), slog.LevelDebug, "quarantine toggles updated",
			slog.Bool("dataRaceCheck", opts.DataRaceCheck),
			slog.Bool("freeAfterQuarantinedCheck", opts.FreeAfterQuarantinedCheck))
		return nil
	case cur != modeUninitialized:
		return errors.Wrapf(ErrInvalidTransition, "%s -> %s", cur, next)
	}

	if next == modeEnabled {
		if err := s.selfTest(); err != nil {
			return err
		}
		s.setToggles(opts)
		s.san.AddErrorCallback(s.ErrorReportCallback)
		s.san.AtExit(s.ExitCallback)
		s.mode.Store(uint32(next))
		s.san.InstallHooks(asan.Hooks{
			Malloc:     s.MallocHook,
			IgnoreFree: s.IgnoreFreeHook,
		})
	} else {
		s.mode.Store(uint32(next))
	}

	s.logger.LogAttrs(context.Background(), slog.LevelDebug, "quarantine engine configured",
		slog.String("mode", next.String()),
		slog.Uint64("shadowScale", uint64(s.shadowScale)),
		slog.Bool("dataRaceCheck", opts.DataRaceCheck),
		slog.Bool("freeAfterQuarantinedCheck", opts.FreeAfterQuarantinedCheck))
	return nil
}

func (s *Service) setToggles(opts Options) {
	s.raceCheck.Store(opts.DataRaceCheck)
	s.freeCheck.Store(opts.FreeAfterQuarantinedCheck)
	s.extractionWarning.Store(opts.ExtractionWarning)
}

// selfTest checks the shadow constants the engine relies on against a real
// allocation. Caller holds cfgMu; hooks are not installed yet.
func (s *Service) selfTest() error {
	scale, offset := s.san.ShadowMapping()
	if scale != asan.ShadowScale {
		return errors.Wrapf(ErrShadowMismatch, "shadow scale %d, want %d", scale, asan.ShadowScale)
	}

	dummy, err := s.san.Malloc(1)
	if err != nil {
		return errors.Wrap(err, "self-test allocation")
	}
	defer func() { _ = s.san.Free(dummy) }()

	if v := s.san.ShadowByte(dummy - asan.ChunkHeaderSize); v != asan.HeapLeftRedzoneMagic {
		return errors.Wrapf(ErrShadowMismatch, "chunk header shadow 0x%02x, want 0x%02x", v, asan.HeapLeftRedzoneMagic)
	}
	s.san.Poison(dummy, 1)
	if v := s.san.ShadowByte(dummy); v != asan.UserPoisonedMagic {
		return errors.Wrapf(ErrShadowMismatch, "poisoned shadow 0x%02x, want 0x%02x", v, asan.UserPoisonedMagic)
	}

	s.shadowScale, s.shadowOffset = scale, offset
	return nil
}

// active reports whether a hook should run. A hook on a never-configured
// engine is fatal; a disabled engine ignores hooks.
func (s *Service) active() bool {
	switch s.currentMode() {
	case modeEnabled:
		return true
	case modeUninitialized:
		s.fail(ErrNotConfigured)
	}
	return false
}

// Reset detaches the engine: the allocator hooks are removed and the engine
// becomes disabled. Unless leak detection is off, every quarantined or early
// allocation still held is released to the allocator and the metadata store
// is emptied.
func (s *Service) Reset() {
	s.cfgMu.Lock()
	s.san.UninstallHooks()
	if s.currentMode() == modeEnabled {
		s.mode.Store(uint32(modeDisabled))
	}
	s.cfgMu.Unlock()

	if !s.san.DetectLeaks() {
		s.logger.LogAttrs(context.Background(), slog.LevelDebug, "quarantine reset skipped release",
			slog.Int("records", s.store.Len()))
		return
	}

	released := 0
	s.store.Drain(func(addr uintptr, rec metadata.Record) {
		if rec.Flag == metadata.NotQuarantined {
			return
		}
		if err := s.san.Free(addr); err != nil {
			s.logger.LogAttrs(context.Background(), slog.LevelError, "release of retained allocation failed",
				slog.String("address", hexAddr(addr)),
				slog.String("error", err.Error()))
			return
		}
		released++
	})
	s.logger.LogAttrs(context.Background(), slog.LevelDebug, "quarantine reset",
		slog.Int("released", released))
}

// ClearLog drops every logged event (for testing).
func (s *Service) ClearLog() {
	s.log.Reset()
}

// Events returns a copy of the event log.
func (s *Service) Events() []event.Event {
	return s.log.Events()
}

// CheckLogAndAbortOnError classifies the event log without a fault address
// and aborts through the sanitizer if it reveals an unprotected or
// unresolved access.
func (s *Service) CheckLogAndAbortOnError() Verdict {
	v := s.CheckFaultAddress(0, true)
	if v.Reported && (v.Status == StatusNotProtected || v.Status == StatusManualAnalysisRequired) {
		s.san.Abort()
	}
	return v
}

// ExitCallback is registered with the sanitizer to run at process exit.
func (s *Service) ExitCallback() {
	s.CheckLogAndAbortOnError()
	s.Reset()
}
