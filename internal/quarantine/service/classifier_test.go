package service

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kolkov/ptrquarantine/internal/asan"
	"github.com/kolkov/ptrquarantine/internal/quarantine/event"
)

func TestStatus_String(t *testing.T) {
	tests := []struct {
		status Status
		want   string
	}{
		{StatusUnknown, "UNKNOWN"},
		{StatusNotProtected, "NOT PROTECTED"},
		{StatusManualAnalysisRequired, "MANUAL ANALYSIS REQUIRED"},
		{StatusProtected, "PROTECTED"},
		{Status(42), "INVALID"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, tt.status.String())
	}
}

func TestCrashInfo_NotProtectedIsSticky(t *testing.T) {
	var info CrashInfo
	info.set(StatusProtected, "a", "b")
	require.Equal(t, StatusProtected, info.Status)

	info.set(StatusNotProtected, "c", "d")
	info.set(StatusProtected, "e", "f")
	info.set(StatusManualAnalysisRequired, "g", "h")
	require.Equal(t, StatusNotProtected, info.Status)
	require.Equal(t, "c", info.CrashDetails)
	require.Equal(t, "d", info.ProtectionDetails)
}

func TestCheckFaultAddress_NothingToReport(t *testing.T) {
	s, _, out := newTestService(t, asan.DefaultFlags(), Options{})

	v := s.CheckFaultAddress(0, true)
	require.False(t, v.Reported)
	require.Equal(t, StatusUnknown, v.Status)
	require.Empty(t, out.String())
}

func TestCheckFaultAddress_UnprotectedFault(t *testing.T) {
	s, heap, out := newTestService(t, asan.DefaultFlags(), Options{})

	p := mustMalloc(t, heap, 16)
	v := s.CheckFaultAddress(p+16, false)
	require.True(t, v.Reported)
	require.False(t, v.Matched)
	require.Equal(t, StatusNotProtected, v.Status)
	require.Equal(t, detailsUnprotected, v.CrashDetails)
	require.Contains(t, out.String(), "Quarantine Status: NOT PROTECTED")
}

// A read of quarantined memory with halt_on_error=0 is logged, classified
// as protected and execution continues with the fill pattern.
func TestScenario_ProtectedQuarantinedRead(t *testing.T) {
	s, heap, out := newTestService(t, continueFlags, Options{DataRaceCheck: true})

	p := mustMalloc(t, heap, 16)
	heap.Store(p, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	s.Acquire(p, false)
	require.NoError(t, heap.Free(p))

	got := heap.Load(p+4, 4)
	require.Equal(t, []byte{FillByte, FillByte, FillByte, FillByte}, got)

	events := s.Events()
	require.Len(t, events, 2)
	require.Equal(t, event.QuarantineEntry, events[0].Type)
	require.Equal(t, event.QuarantineRead, events[1].Type)
	require.Equal(t, p+4, events[1].FaultAddress)
	require.Equal(t, uintptr(4), events[1].Size)

	report := out.String()
	require.Contains(t, report, "use-after-poison")
	require.Contains(t, report, "Quarantine Status: PROTECTED")
	require.NotContains(t, report, "ABORTING")

	v := s.CheckFaultAddress(p+4, false)
	require.True(t, v.Matched)
	require.Equal(t, StatusProtected, v.Status)

	heap.Store(p+8, []byte{9})
	events = s.Events()
	require.Equal(t, event.QuarantineWrite, events[len(events)-1].Type)

	s.Release(p)
	require.False(t, heap.Owns(p))
}

// With halt_on_error=1 the access is still classified but the process
// aborts.
func TestScenario_QuarantinedReadHalts(t *testing.T) {
	s, heap, out := newTestService(t, asan.DefaultFlags(), Options{})

	p := mustMalloc(t, heap, 16)
	s.Acquire(p, false)
	require.NoError(t, heap.Free(p))

	require.PanicsWithValue(t, aborted{1}, func() { heap.Load(p, 1) })
	require.Zero(t, s.log.Len(), "accesses are only logged when continuing")

	report := out.String()
	require.Contains(t, report, "Quarantine Status: PROTECTED")
	require.Contains(t, report, detailsZapped)
	require.Contains(t, report, "ABORTING")
}

// Memory freed on one goroutine and read on another is a race that only
// looks like a use-after-free.
func TestScenario_CrossThreadRace(t *testing.T) {
	s, heap, out := newTestService(t, continueFlags, Options{})

	p := mustMalloc(t, heap, 32)
	s.Acquire(p, false)

	var wg sync.WaitGroup
	var freeErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		freeErr = heap.Free(p)
	}()
	wg.Wait()
	require.NoError(t, freeErr)

	require.PanicsWithValue(t, aborted{1}, func() { heap.Load(p, 8) })
	require.Equal(t, event.QuarantineRead, s.Events()[s.log.Len()-1].Type)

	v := s.CheckFaultAddress(0, false)
	require.Equal(t, StatusNotProtected, v.Status)
	require.Equal(t, detailsRace, v.CrashDetails)
	require.Contains(t, out.String(), "Quarantine Status: NOT PROTECTED")

	require.PanicsWithValue(t, aborted{1}, func() { s.CheckLogAndAbortOnError() })
}

// An allocation made before the engine attached is retained forever once
// freed and any fault in it needs manual analysis.
func TestScenario_EarlyAllocation(t *testing.T) {
	heap, _ := newTestHeap(t, continueFlags)
	early := mustMalloc(t, heap, 24)

	s := New(heap, WithFatalHandler(func(err error) { panic(fatalError{err}) }))
	require.NoError(t, s.Configure(true, Options{}))

	require.NoError(t, heap.Free(early))
	require.True(t, heap.Owns(early), "early allocation must be retained")
	require.True(t, heap.RegionIsPoisoned(early, 24))
	require.False(t, s.IsQuarantined(early))
	require.Equal(t, 1, s.Stats().Store.Early)

	v := s.CheckFaultAddress(early+2, false)
	require.Equal(t, StatusManualAnalysisRequired, v.Status)
	require.Equal(t, detailsEarly, v.CrashDetails)

	// Leak checks skip it until exit releases it.
	require.Empty(t, heap.Leaks())
	s.Reset()
	require.False(t, heap.Owns(early))
}

func TestErrorReportCallback_IgnoresUnquarantined(t *testing.T) {
	s, heap, out := newTestService(t, continueFlags, Options{})

	p := mustMalloc(t, heap, 16)
	heap.Poison(p, 16)

	// Poisoned by the program, not by quarantine: no continue.
	require.PanicsWithValue(t, aborted{1}, func() { heap.Load(p, 1) })
	require.Zero(t, s.log.Len())
	require.Contains(t, out.String(), "Quarantine Status: NOT PROTECTED")
}

func TestErrorReportCallback_DisabledEngine(t *testing.T) {
	s, _, _ := newTestService(t, continueFlags, Options{})
	s.Reset()

	r := &asan.Report{Description: "use-after-poison", Address: 0x10}
	exitCleanly, abort := false, true
	s.ErrorReportCallback(r, &exitCleanly, &abort)
	require.True(t, abort)
	require.False(t, exitCleanly)
}

func TestErrorReportCallback_RaceAborts(t *testing.T) {
	s, heap, _ := newTestService(t, continueFlags, Options{})

	p := mustMalloc(t, heap, 16)
	s.Acquire(p, false)

	var (
		wg      sync.WaitGroup
		freeErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		freeErr = heap.Free(p)
	}()
	wg.Wait()
	require.NoError(t, freeErr)
	require.True(t, s.IsQuarantined(p))

	r := &asan.Report{Description: "use-after-poison", Address: p, AccessSize: 1}
	exitCleanly, abort := false, true
	s.ErrorReportCallback(r, &exitCleanly, &abort)
	require.True(t, abort, "continuing requires a PROTECTED verdict")
	require.Equal(t, StatusNotProtected, s.CheckFaultAddress(p, false).Status)
}

func TestErrorReportCallback_ProtectedContinues(t *testing.T) {
	s, heap, _ := newTestService(t, continueFlags, Options{})

	p := mustMalloc(t, heap, 16)
	s.Acquire(p, false)
	require.NoError(t, heap.Free(p))

	r := &asan.Report{Description: "use-after-poison", Address: p, AccessSize: 1}
	exitCleanly, abort := false, true
	s.ErrorReportCallback(r, &exitCleanly, &abort)
	require.False(t, abort)
}
