package quarantine

import (
	"io"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"

	"github.com/kolkov/ptrquarantine/internal/asan"
	"github.com/kolkov/ptrquarantine/internal/quarantine/service"
)

// Options are the engine's diagnostic toggles.
type Options = service.Options

// Status is a protection verdict.
type Status = service.Status

// Verdict is the result of a forensic check.
type Verdict = service.Verdict

// Stats is a snapshot of the engine state.
type Stats = service.Stats

// Verdict statuses.
const (
	StatusUnknown                = service.StatusUnknown
	StatusNotProtected           = service.StatusNotProtected
	StatusManualAnalysisRequired = service.StatusManualAnalysisRequired
	StatusProtected              = service.StatusProtected
)

const (
	// FillByte is the pattern quarantined memory is overwritten with.
	FillByte = service.FillByte

	// DefaultArenaSize is the heap arena size used when Config.ArenaSize
	// is zero.
	DefaultArenaSize = asan.DefaultArenaSize
)

// Config configures an Engine.
type Config struct {
	// Sanitizer holds ASAN_OPTIONS-style sanitizer options, applied over
	// the defaults.
	Sanitizer string

	// ArenaSize is the heap arena size in bytes. Zero means the default.
	ArenaSize int

	// Output receives reports and forensic logs. Nil means os.Stderr.
	Output io.Writer

	// Logger receives lifecycle diagnostics. Nil discards them.
	Logger *slog.Logger

	// Abort replaces process termination on fatal reports. Nil means
	// os.Exit with the configured exit code.
	Abort func(code int)

	// Engine holds the diagnostic toggles.
	Engine Options

	// Detached maps the heap without attaching the engine. Allocations made
	// before Configure attaches it are early allocations: retained forever
	// once freed and never trusted for reference counts. Guarded pointers
	// must not be created while detached.
	Detached bool
}

// Engine is a sanitizer heap with the quarantine engine attached.
//
// Thread Safety: All methods are safe for concurrent use.
type Engine struct {
	heap *asan.Heap
	svc  *service.Service
}

// New maps a sanitizer heap and enables the quarantine engine on it.
//
// Returns:
//   - error if the arena cannot be mapped or the shadow self-test fails
func New(cfg Config) (*Engine, error) {
	opts := []asan.Option{asan.WithFlags(asan.ParseFlags(cfg.Sanitizer, asan.DefaultFlags()))}
	if cfg.ArenaSize != 0 {
		opts = append(opts, asan.WithArenaSize(cfg.ArenaSize))
	}
	if cfg.Output != nil {
		opts = append(opts, asan.WithOutput(cfg.Output))
	}
	if cfg.Abort != nil {
		opts = append(opts, asan.WithAbort(cfg.Abort), asan.WithExit(cfg.Abort))
	}
	var svcOpts []service.Option
	if cfg.Logger != nil {
		opts = append(opts, asan.WithLogger(cfg.Logger))
		svcOpts = append(svcOpts, service.WithLogger(cfg.Logger))
	}

	heap, err := asan.New(opts...)
	if err != nil {
		return nil, err
	}
	svc := service.New(heap, svcOpts...)
	if cfg.Detached {
		return &Engine{heap: heap, svc: svc}, nil
	}
	if err := svc.Configure(true, cfg.Engine); err != nil {
		_ = heap.Close()
		return nil, errors.Wrap(err, "enable quarantine engine")
	}
	return &Engine{heap: heap, svc: svc}, nil
}

// Close runs the exit check (printing the event log and aborting on an
// unprotected access), releases quarantined memory, runs the leak check and
// unmaps the heap. It returns the number of leaked allocations.
//
// The heap is unmapped even when the exit check aborts by panicking.
func (e *Engine) Close() (leaks int, err error) {
	defer func() {
		if cerr := e.heap.Close(); err == nil {
			err = cerr
		}
	}()
	return len(e.heap.Shutdown()), nil
}

// IsEnabled reports whether the engine is attached.
func (e *Engine) IsEnabled() bool {
	return e.svc.IsEnabled()
}

// Configure attaches a detached engine, or updates the diagnostic toggles
// of an attached one.
func (e *Engine) Configure(opts Options) error {
	return e.svc.Configure(true, opts)
}

// Malloc allocates size bytes from the sanitizer heap.
func (e *Engine) Malloc(size uintptr) (uintptr, error) {
	return e.heap.Malloc(size)
}

// Free frees the allocation at addr. Allocations still referenced by a
// guarded pointer are quarantined instead.
func (e *Engine) Free(addr uintptr) error {
	return e.heap.Free(addr)
}

// Load is an instrumented read of size bytes at addr.
func (e *Engine) Load(addr, size uintptr) []byte {
	return e.heap.Load(addr, size)
}

// Store is an instrumented write of data at addr.
func (e *Engine) Store(addr uintptr, data []byte) {
	e.heap.Store(addr, data)
}

// IsQuarantined reports whether addr lies in quarantined memory.
func (e *Engine) IsQuarantined(addr uintptr) bool {
	return e.svc.IsQuarantined(addr)
}

// IsFreed reports whether addr lies in genuinely freed memory.
func (e *Engine) IsFreed(addr uintptr) bool {
	return e.svc.IsFreed(addr)
}

// Check classifies the event log as the exit check would, printing the log
// and the verdict if there is anything to report. It never aborts.
func (e *Engine) Check() Verdict {
	return e.svc.CheckFaultAddress(0, true)
}

// Classify prints and returns the verdict for a crash at addr.
func (e *Engine) Classify(addr uintptr) Verdict {
	return e.svc.CheckFaultAddress(addr, false)
}

// Stats returns engine statistics.
func (e *Engine) Stats() Stats {
	return e.svc.Stats()
}

// DumpJSON writes statistics and the event log as JSON.
func (e *Engine) DumpJSON(w io.Writer) error {
	return e.svc.DumpJSON(w)
}

// Ptr is a guarded pointer: a heap address whose lifetime the engine
// tracks. The zero Ptr holds no address.
//
// A Ptr must be released with Release (or overwritten with Set) exactly
// once per NewPtr or Copy.
type Ptr struct {
	e    *Engine
	addr uintptr
}

// NewPtr creates a guarded pointer to addr.
func (e *Engine) NewPtr(addr uintptr) Ptr {
	e.svc.Acquire(addr, false)
	return Ptr{e: e, addr: addr}
}

// Copy returns a second guarded reference to the same address.
func (p *Ptr) Copy() Ptr {
	if p.e == nil {
		return Ptr{}
	}
	p.e.svc.Duplicate(p.addr)
	return Ptr{e: p.e, addr: p.addr}
}

// Set releases the current address and guards addr instead.
func (p *Ptr) Set(addr uintptr) {
	if p.e == nil {
		return
	}
	p.e.svc.Acquire(addr, false)
	p.e.svc.Release(p.addr)
	p.addr = addr
}

// Release drops the reference. Releasing the last reference to quarantined
// memory frees it.
func (p *Ptr) Release() {
	if p.e == nil {
		return
	}
	p.e.svc.Release(p.addr)
	p.addr = 0
}

// Addr extracts the raw address.
func (p *Ptr) Addr() uintptr {
	if p.e != nil {
		p.e.svc.SafeExtraction(p.addr)
	}
	return p.addr
}

// Load dereferences the pointer, reading size bytes.
func (p *Ptr) Load(size uintptr) []byte {
	if p.e == nil {
		return nil
	}
	p.e.svc.SafeDereference(p.addr)
	return p.e.heap.Load(p.addr, size)
}

// Store dereferences the pointer, writing data.
func (p *Ptr) Store(data []byte) {
	if p.e == nil {
		return
	}
	p.e.svc.SafeDereference(p.addr)
	p.e.heap.Store(p.addr, data)
}
