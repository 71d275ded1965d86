package service

import (
	"github.com/kolkov/ptrquarantine/internal/asan"
	"github.com/kolkov/ptrquarantine/internal/quarantine/stackdepot"
)

// Sanitizer is the runtime surface the engine consumes: shadow memory,
// allocator queries and hooks, report callbacks and the report sink.
//
// *asan.Heap implements it.
type Sanitizer interface {
	// ShadowMapping returns the shadow scale and offset.
	ShadowMapping() (scale uint, offset uintptr)
	ShadowByte(addr uintptr) byte
	SetShadowByte(addr uintptr, v byte)

	Poison(addr, size uintptr)
	RegionIsPoisoned(addr, size uintptr) bool
	Fill(addr, size uintptr, b byte)

	// AllocatedBegin returns the start of the allocated chunk whose memory
	// contains addr, or 0.
	AllocatedBegin(addr uintptr) uintptr
	AllocatedSize(begin uintptr) uintptr
	Owns(begin uintptr) bool
	LocateAddress(addr uintptr) (kind string, begin, size uintptr)
	AllocStack(begin uintptr) stackdepot.Stack

	Malloc(size uintptr) (uintptr, error)
	Free(ptr uintptr) error
	IgnoreLeak(ptr uintptr)

	InstallHooks(hooks asan.Hooks)
	UninstallHooks()
	AddErrorCallback(cb asan.ErrorCallback)
	AtExit(fn func())

	HaltOnError() bool
	DetectLeaks() bool

	// Log writes one line of report output.
	Log(format string, args ...any)
	Abort()
}

var _ Sanitizer = (*asan.Heap)(nil)
