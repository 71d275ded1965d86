package service

import (
	"context"

	"golang.org/x/exp/slog"

	"github.com/kolkov/ptrquarantine/internal/asan"
	"github.com/kolkov/ptrquarantine/internal/quarantine/event"
)

// Status is the protection verdict for a crash.
type Status uint8

const (
	StatusUnknown Status = iota
	StatusNotProtected
	StatusManualAnalysisRequired
	StatusProtected
)

// String returns the status as printed in reports.
func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "UNKNOWN"
	case StatusNotProtected:
		return "NOT PROTECTED"
	case StatusManualAnalysisRequired:
		return "MANUAL ANALYSIS REQUIRED"
	case StatusProtected:
		return "PROTECTED"
	default:
		return "INVALID"
	}
}

// CrashInfo is a verdict with its explanation.
type CrashInfo struct {
	Status            Status
	CrashDetails      string
	ProtectionDetails string
}

// set replaces the verdict unless it is already NotProtected.
func (c *CrashInfo) set(status Status, crash, protection string) {
	if c.Status == StatusNotProtected {
		return
	}
	c.Status = status
	c.CrashDetails = crash
	c.ProtectionDetails = protection
}

// Verdict is the result of CheckFaultAddress.
type Verdict struct {
	CrashInfo

	FaultAddress uintptr

	// Matched is set when the fault address was found in the log or lies in
	// quarantined memory.
	Matched bool

	// Reported is set when the verdict was printed.
	Reported bool
}

const (
	detailsUnknownCrash = "This should not happen. If you have a reproducer that produces this message, " +
		"report it to the quarantine engine maintainers."
	detailsUnknownProtection = "This is likely a bug in the quarantine tooling."

	detailsLaundering = "A pointer to a freed, non-quarantined allocation was assigned to a guarded pointer. " +
		"This bypasses quarantine protection."
	detailsExploitable = "This crash is exploitable even with quarantine."

	detailsRace = "A quarantined allocation was accessed from a thread other than the one that freed it. " +
		"This is likely a race condition mislabeled as a use-after-free."
	detailsProbablyExploitable = "This crash is probably still exploitable with quarantine."

	detailsQuarantinedAccess = "This crash is an access to a quarantined allocation, which did not result in " +
		"a memory safety error that would be observed in production builds."
	detailsAssignment = "This crash is an assignment of a pointer to a dangling (quarantined) allocation into " +
		"a guarded pointer. This is a bug, but it did not result in a memory safety error that would be " +
		"observed in production builds."
	detailsZapped = "This crash is an access through a zapped pointer, resulting from a read from a " +
		"quarantined allocation. This will result in a safe crash in production builds."
	detailsNotExploitable = "This crash is not exploitable with quarantine."

	detailsEarly = "This crash is an access to an allocation made before the quarantine engine was attached, " +
		"so its guarded references are unknown."
	detailsEarlyProtection = "Check by hand whether a guarded pointer kept the allocation alive. " +
		"Otherwise, the crash is still exploitable with quarantine."

	detailsUnprotected = "This crash is not protected by quarantine at all. Either it is an error quarantine " +
		"does not cover, such as an out-of-bounds access, or it is a use-after-free of an allocation that was " +
		"not quarantined, because it is unsupported or had no live guarded references when it was freed."
	detailsStillExploitable = "This crash is still exploitable with quarantine."
)

// checkLog walks the event log and folds every allocation's history into
// info. It returns true if a logged access touched fault exactly.
//
// Algorithm:
//  1. A FreeAssignment anywhere means laundering: NotProtected, stop.
//  2. For every QuarantineEntry, scan the later events of the same
//     allocation up to its next entry. An event on another thread than the
//     freeing one is NotProtected. Reads, writes and assignments are
//     Protected.
func (s *Service) checkLog(fault uintptr, info *CrashInfo) bool {
	events := s.log.Events()
	matched := false

	for i := range events {
		entry := &events[i]
		if entry.Type == event.FreeAssignment {
			info.set(StatusNotProtected, detailsLaundering, detailsExploitable)
			break
		}
		if entry.Type != event.QuarantineEntry {
			continue
		}

		for j := i + 1; j < len(events); j++ {
			ev := &events[j]
			if !entry.SameAllocation(ev) {
				continue
			}
			if ev.Type == event.QuarantineEntry {
				// Bounds the scan to one quarantine cycle of the allocation.
				break
			}
			if ev.Thread != entry.Thread {
				info.set(StatusNotProtected, detailsRace, detailsProbablyExploitable)
				break
			}

			switch {
			case ev.Type.IsAccess():
				if fault != 0 && ev.FaultAddress == fault {
					matched = true
				}
				info.set(StatusProtected, detailsQuarantinedAccess, detailsNotExploitable)
			case ev.Type == event.QuarantineAssignment:
				info.set(StatusProtected, detailsAssignment, detailsNotExploitable)
			}
		}
	}
	return matched
}

// CheckFaultAddress classifies a crash at fault (0 when the crash is not a
// memory access) from the event log and the quarantine state.
//
// The verdict is printed through the sanitizer, preceded by the full event
// log when printEvents is set, whenever there is a fault address or the
// log alone produced a verdict.
func (s *Service) CheckFaultAddress(fault uintptr, printEvents bool) Verdict {
	info := CrashInfo{
		Status:            StatusUnknown,
		CrashDetails:      detailsUnknownCrash,
		ProtectionDetails: detailsUnknownProtection,
	}

	matched := s.checkLog(fault, &info)
	if fault != 0 {
		// Quarantined memory is protected even if no access was logged.
		if !matched && s.IsQuarantined(fault) {
			matched = true
		}
		switch {
		case matched:
			info.set(StatusProtected, detailsZapped, detailsNotExploitable)
		case s.isEarlyAllocation(fault):
			info.set(StatusManualAnalysisRequired, detailsEarly, detailsEarlyProtection)
		default:
			info.set(StatusNotProtected, detailsUnprotected, detailsStillExploitable)
		}
	}

	v := Verdict{CrashInfo: info, FaultAddress: fault, Matched: matched}
	if fault == 0 && info.Status == StatusUnknown {
		return v
	}

	if printEvents {
		s.log.Print(s.san, true)
	}
	s.san.Log("\nQuarantine Status: %s\n%s\n%s", info.Status, info.CrashDetails, info.ProtectionDetails)
	v.Reported = true

	s.logger.LogAttrs(context.Background(), slog.LevelDebug, "crash classified",
		slog.String("status", info.Status.String()),
		slog.String("faultAddress", hexAddr(fault)),
		slog.Bool("matched", matched))
	return v
}

// ErrorReportCallback is registered with the sanitizer. Accesses to
// quarantined memory arrive as use-after-poison; when halt_on_error is off
// they are logged, and execution continues only if the verdict is
// PROTECTED. Every report gets a verdict.
func (s *Service) ErrorReportCallback(r *asan.Report, _, abort *bool) {
	if !s.IsEnabled() {
		return
	}

	cont := false
	if !s.san.HaltOnError() && r.Description == "use-after-poison" && s.IsQuarantined(r.Address) {
		t := event.QuarantineRead
		if r.Write {
			t = event.QuarantineWrite
		}
		s.logEvent(t, r.Address, r.AccessSize, r.Address)
		cont = true
	}

	// Printed even when continuing: a later hard crash may skip the exit
	// callback.
	v := s.CheckFaultAddress(r.Address, false)
	*abort = !(cont && v.Status == StatusProtected)
}
