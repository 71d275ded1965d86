package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/kolkov/ptrquarantine/internal/quarantine/goid"
	"github.com/kolkov/ptrquarantine/internal/quarantine/stackdepot"
)

// fakeResolver describes a single allocation [start, start+size).
type fakeResolver struct {
	start      uintptr
	size       uintptr
	freeThread goid.ID
}

func (r *fakeResolver) FreeThreadOf(addr uintptr) goid.ID {
	if r.AllocationStart(addr) == 0 {
		return goid.None
	}
	return r.freeThread
}

func (r *fakeResolver) AllocationStart(addr uintptr) uintptr {
	if addr >= r.start && addr <= r.start+r.size {
		return r.start
	}
	return 0
}

func (r *fakeResolver) AllocationSize(uintptr) uintptr { return r.size }

func (r *fakeResolver) AllocationStack(uintptr) stackdepot.Stack {
	return stackdepot.Capture(0)
}

type linePrinter struct {
	lines []string
}

func (p *linePrinter) Log(format string, args ...any) {
	p.lines = append(p.lines, fmt.Sprintf(format, args...))
}

func newTestLog() (*Log, *fakeResolver) {
	r := &fakeResolver{start: 0x1000, size: 64, freeThread: 7}
	return NewLog(r), r
}

func access(t Type, thread goid.ID, addr uintptr) Event {
	return Event{Type: t, Thread: thread, Address: addr, Size: 8, FaultAddress: addr}
}

// TestAdd_SynthesizesEntryOnce tests the single-entry property.
func TestAdd_SynthesizesEntryOnce(t *testing.T) {
	log, _ := newTestLog()

	for i := 0; i < 3; i++ {
		if !log.Add(access(QuarantineRead, 7, 0x1008)) {
			t.Fatalf("read %d not stored", i)
		}
	}

	events := log.Events()
	if len(events) != 4 {
		t.Fatalf("got %d events, want 4 (entry + 3 reads)", len(events))
	}

	entry := events[0]
	if entry.Type != QuarantineEntry {
		t.Fatalf("first event = %s, want quarantine-entry", entry.Type)
	}
	if entry.Address != 0x1000 || entry.Size != 64 || entry.Thread != 7 {
		t.Errorf("entry = %+v, want start 0x1000 size 64 thread 7", entry)
	}
	if entry.Stack.Empty() {
		t.Error("entry has no allocation stack")
	}

	for _, ev := range events[1:] {
		if ev.Type == QuarantineEntry {
			t.Error("second entry synthesized for the same allocation")
		}
	}
}

func TestAdd_DropsEntryEvents(t *testing.T) {
	log, _ := newTestLog()
	if log.Add(Event{Type: QuarantineEntry, Address: 0x1000, Size: 64}) {
		t.Error("QuarantineEntry was stored")
	}
	if log.Len() != 0 {
		t.Errorf("Len() = %d, want 0", log.Len())
	}
}

func TestAdd_ExitWithoutHistory(t *testing.T) {
	log, _ := newTestLog()

	// Same goroutine as the free: churn.
	if log.Add(Event{Type: QuarantineExit, Thread: 7, Address: 0x1000, Size: 64}) {
		t.Error("exit on freeing goroutine without history was stored")
	}

	// Different goroutine: interesting, gets an entry first.
	if !log.Add(Event{Type: QuarantineExit, Thread: 9, Address: 0x1000, Size: 64}) {
		t.Fatal("exit on a different goroutine was dropped")
	}
	events := log.Events()
	if len(events) != 2 || events[0].Type != QuarantineEntry || events[1].Type != QuarantineExit {
		t.Errorf("events = %v", types(events))
	}
}

// TestAdd_ExitClosesBlock tests that events after an exit open a new block.
func TestAdd_ExitClosesBlock(t *testing.T) {
	log, _ := newTestLog()

	log.Add(access(QuarantineRead, 7, 0x1000))
	log.Add(Event{Type: QuarantineExit, Thread: 7, Address: 0x1000, Size: 64})
	log.Add(Event{Type: QuarantineAssignment, Thread: 7, Address: 0x1010, Size: 64})

	want := []Type{QuarantineEntry, QuarantineRead, QuarantineExit, QuarantineEntry, QuarantineAssignment}
	got := types(log.Events())
	if strings.Join(got, ",") != strings.Join(names(want), ",") {
		t.Errorf("events = %v, want %v", got, names(want))
	}
}

func TestAdd_FreeAssignmentNoEntry(t *testing.T) {
	log, _ := newTestLog()
	log.Add(Event{Type: FreeAssignment, Thread: 3, Address: 0x9000})

	events := log.Events()
	if len(events) != 1 || events[0].Type != FreeAssignment {
		t.Errorf("events = %v, want [free-assignment]", types(events))
	}
}

func TestAdd_UnknownAllocation(t *testing.T) {
	log, _ := newTestLog()
	log.Add(access(QuarantineWrite, 2, 0x8000))

	events := log.Events()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Address != 0 || events[0].Size != 0 || events[0].Thread != goid.None {
		t.Errorf("entry for unknown allocation = %+v, want zero address/size/thread", events[0])
	}
}

func TestSameAllocation(t *testing.T) {
	a := Event{Address: 0x1000, Size: 16}
	cases := []struct {
		o    Event
		want bool
	}{
		{Event{Address: 0x1008}, true},
		{Event{Address: 0x1010}, true}, // one past the end
		{Event{Address: 0x1011}, false},
		{Event{Address: 0xff0, Size: 16}, true},
		{Event{Address: 0xfe0, Size: 8}, false},
	}
	for _, c := range cases {
		if got := a.SameAllocation(&c.o); got != c.want {
			t.Errorf("SameAllocation(0x%x:%d) = %v, want %v", c.o.Address, c.o.Size, got, c.want)
		}
		if got := c.o.SameAllocation(&a); got != c.want {
			t.Errorf("SameAllocation not symmetric for 0x%x", c.o.Address)
		}
	}
}

func TestPrint(t *testing.T) {
	log, _ := newTestLog()
	log.Add(access(QuarantineRead, 7, 0x1008))

	var p linePrinter
	log.Print(&p, false)
	if len(p.lines) != 2 {
		t.Fatalf("printed %d lines, want 2: %v", len(p.lines), p.lines)
	}
	if p.lines[0] != "[0x1000:64] (T7) quarantine-entry" {
		t.Errorf("line 0 = %q", p.lines[0])
	}
	if p.lines[1] != "[0x1008:8] (T7) quarantine-read" {
		t.Errorf("line 1 = %q", p.lines[1])
	}

	var withStack linePrinter
	log.Print(&withStack, true)
	if len(withStack.lines) <= 4 {
		t.Errorf("stack printing produced only %d lines", len(withStack.lines))
	}
	if !strings.HasPrefix(withStack.lines[1], "    #0 0x") {
		t.Errorf("stack line = %q", withStack.lines[1])
	}
}

func TestWriteJSON(t *testing.T) {
	log, _ := newTestLog()
	log.Add(access(QuarantineWrite, 7, 0x1008))

	w := jwriter.NewWriter()
	log.WriteJSON(&w)
	if err := w.Error(); err != nil {
		t.Fatalf("jwriter: %v", err)
	}

	var decoded []map[string]any
	if err := json.Unmarshal(w.Bytes(), &decoded); err != nil {
		t.Fatalf("invalid JSON %s: %v", w.Bytes(), err)
	}
	if len(decoded) != 2 {
		t.Fatalf("decoded %d events, want 2", len(decoded))
	}
	if decoded[1]["type"] != "quarantine-write" || decoded[1]["faultAddress"] != "0x1008" {
		t.Errorf("write event = %v", decoded[1])
	}
	if _, ok := decoded[0]["faultAddress"]; ok {
		t.Error("entry event carries a fault address")
	}
}

func TestReset(t *testing.T) {
	log, _ := newTestLog()
	log.Add(access(QuarantineRead, 7, 0x1008))
	log.Reset()
	if log.Len() != 0 {
		t.Fatalf("Len() = %d after Reset", log.Len())
	}

	// History is gone, so the next access gets a fresh entry.
	log.Add(access(QuarantineRead, 7, 0x1008))
	if events := log.Events(); events[0].Type != QuarantineEntry {
		t.Errorf("first event after Reset = %s", events[0].Type)
	}
}

func TestAdd_Concurrent(t *testing.T) {
	log, _ := newTestLog()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				log.Add(access(QuarantineRead, 7, 0x1008))
			}
		}()
	}
	wg.Wait()

	entries := 0
	for _, ev := range log.Events() {
		if ev.Type == QuarantineEntry {
			entries++
		}
	}
	if entries != 1 {
		t.Errorf("%d entries synthesized under contention, want 1", entries)
	}
	if log.Len() != 401 {
		t.Errorf("Len() = %d, want 401", log.Len())
	}
}

func TestType_String(t *testing.T) {
	want := []string{
		"quarantine-entry", "quarantine-assignment", "quarantine-read",
		"quarantine-write", "quarantine-exit", "free-assignment",
	}
	for i, w := range want {
		if got := Type(i).String(); got != w {
			t.Errorf("Type(%d).String() = %q, want %q", i, got, w)
		}
	}
	if Type(99).String() != "unknown" {
		t.Error("out-of-range type should be unknown")
	}
}

func types(events []Event) []string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Type.String()
	}
	return out
}

func names(ts []Type) []string {
	out := make([]string, len(ts))
	for i, t := range ts {
		out[i] = t.String()
	}
	return out
}
