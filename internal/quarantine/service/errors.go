package service

import (
	"context"
	"fmt"
	"os"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"

	"github.com/kolkov/ptrquarantine/internal/quarantine/stackdepot"
)

// Protocol violations. All of them are reported through the FatalHandler.
var (
	// ErrDuplicateAllocation is a second allocation hook for a tracked address.
	ErrDuplicateAllocation = errors.New("duplicate allocation record")

	// ErrRefCountOverflow is an Acquire past metadata.MaxRefCount.
	ErrRefCountOverflow = errors.New("guarded reference count overflow")

	// ErrRefCountUnderflow is a Release of an allocation with no references.
	ErrRefCountUnderflow = errors.New("guarded reference count underflow")

	// ErrNotConfigured is a hook call on an engine that was never configured.
	ErrNotConfigured = errors.New("quarantine engine not configured")

	// ErrInvalidTransition is a Configure call the lifecycle does not allow.
	ErrInvalidTransition = errors.New("invalid configure transition")

	// ErrPointerLaundering is a freed, non-quarantined address assigned to a
	// guarded pointer.
	ErrPointerLaundering = errors.New("pointer laundering")

	// ErrShadowMismatch is a failed shadow-memory self-test.
	ErrShadowMismatch = errors.New("sanitizer shadow layout mismatch")

	// ErrMissingRecord is a Release for a supported allocation without a
	// metadata record.
	ErrMissingRecord = errors.New("allocation record missing")
)

var pid = os.Getpid()

// FatalHandler receives unrecoverable engine errors. It is not expected to
// return; if it does, the operation that failed is abandoned.
type FatalHandler func(err error)

// fail annotates err with the detecting call site and hands it to the
// fatal handler.
func (s *Service) fail(err error) {
	err = errors.WithDetailf(err, "detected in %s", stackdepot.Caller(1))
	s.fatal(err)
}

// defaultFatal logs err, prints the event log and verdict, and aborts
// through the sanitizer. It panics if Abort returns.
func (s *Service) defaultFatal(err error) {
	s.logger.LogAttrs(context.Background(), slog.LevelError, "quarantine engine fatal error",
		slog.String("error", fmt.Sprintf("%+v", err)))

	s.san.Log("==%d==ERROR: quarantine: %v", pid, err)
	s.CheckFaultAddress(0, true)
	s.san.Abort()
	panic(err)
}
