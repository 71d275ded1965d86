package asan

import (
	"context"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"

	"github.com/kolkov/ptrquarantine/internal/quarantine/goid"
	"github.com/kolkov/ptrquarantine/internal/quarantine/stackdepot"
)

// DefaultArenaSize is the heap arena size used when none is configured.
const DefaultArenaSize = 16 << 20

var (
	// ErrOutOfMemory is returned by Malloc when the arena is exhausted.
	ErrOutOfMemory = errors.New("sanitizer heap exhausted")

	// ErrBadFree is returned by Free for an address that is not the start
	// of a chunk.
	ErrBadFree = errors.New("attempting free on address which was not malloc()-ed")

	// ErrDoubleFree is returned by Free for a chunk that is already freed.
	ErrDoubleFree = errors.New("attempting double-free")
)

type chunkState uint8

const (
	chunkAllocated chunkState = iota
	chunkFreed
)

// chunk is the allocator's view of one allocation.
//
// Layout in the arena:
//
//	[header 16][user span, multiple of 16][redzone 16]
//	           ^ begin
type chunk struct {
	begin uintptr
	size  uintptr
	span  uintptr
	state chunkState

	allocThread goid.ID
	allocStack  uint64
	freeThread  goid.ID
	freeStack   uint64

	// retained is set while an ignore-free hook keeps a freed chunk alive.
	retained bool
	// leakIgnored excludes the chunk from the shutdown leak check.
	leakIgnored bool
}

func (c *chunk) headerBegin() uintptr { return c.begin - ChunkHeaderSize }
func (c *chunk) end() uintptr         { return c.begin + c.span + RedzoneSize }

// Hooks are the allocator callbacks the quarantine engine installs.
type Hooks struct {
	// Malloc runs after every successful allocation.
	Malloc func(ptr, size uintptr)

	// IgnoreFree runs before every free; returning true keeps the chunk
	// allocated.
	IgnoreFree func(ptr uintptr) bool
}

// Heap is an in-process model of an AddressSanitizer-instrumented heap.
//
// Memory comes from a single arena mapped outside the Go heap. Chunks are
// bump-allocated and never reused, so a freed chunk keeps its
// heap-free poison for the lifetime of the Heap. Every 8-byte granule of
// the arena has a shadow byte with ASan's encoding.
//
// Thread Safety: All methods are safe for concurrent use. Hooks and error
// callbacks are invoked without any Heap lock held.
type Heap struct {
	mu     sync.RWMutex
	raw    []byte // mapping as returned by mapArena
	mem    []byte // raw, aligned to ChunkHeaderSize
	base   uintptr
	top    uintptr
	shadow []byte
	chunks []*chunk // sorted by begin
	closed bool

	hooks atomic.Pointer[Hooks]

	cbMu      sync.Mutex
	callbacks []ErrorCallback

	exitMu    sync.Mutex
	atExit    []func()
	exitsDone bool

	outMu sync.Mutex
	out   io.Writer

	flags  Flags
	pid    int
	abort  func(code int)
	exit   func(code int)
	logger *slog.Logger
}

type config struct {
	flags     Flags
	arenaSize int
	out       io.Writer
	abort     func(code int)
	exit      func(code int)
	logger    *slog.Logger
}

// Option configures a Heap.
type Option func(*config)

// WithFlags sets the sanitizer flags. The default is FlagsFromEnv.
func WithFlags(f Flags) Option {
	return func(c *config) { c.flags = f }
}

// WithArenaSize sets the arena size in bytes.
func WithArenaSize(n int) Option {
	return func(c *config) { c.arenaSize = n }
}

// WithOutput redirects reports. The default is os.Stderr.
func WithOutput(w io.Writer) Option {
	return func(c *config) { c.out = w }
}

// WithAbort replaces the process termination used by Abort.
// The default is os.Exit with the configured exit code.
func WithAbort(fn func(code int)) Option {
	return func(c *config) { c.abort = fn }
}

// WithExit replaces the clean process exit requested by error callbacks.
func WithExit(fn func(code int)) Option {
	return func(c *config) { c.exit = fn }
}

// WithLogger sets the lifecycle logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// New maps an arena and returns an empty Heap.
func New(opts ...Option) (*Heap, error) {
	cfg := config{
		flags:     FlagsFromEnv(),
		arenaSize: DefaultArenaSize,
		out:       os.Stderr,
		abort:     os.Exit,
		exit:      os.Exit,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.arenaSize < 4*ChunkHeaderSize {
		return nil, errors.Newf("arena size %d too small", cfg.arenaSize)
	}

	raw, err := mapArena(cfg.arenaSize + ChunkHeaderSize)
	if err != nil {
		return nil, errors.Wrap(err, "map sanitizer arena")
	}

	// Align so granule boundaries match address boundaries.
	rawBase := uintptrOf(raw)
	skip := (ChunkHeaderSize - rawBase%ChunkHeaderSize) % ChunkHeaderSize
	mem := raw[skip : skip+uintptr(cfg.arenaSize)]

	h := &Heap{
		raw:    raw,
		mem:    mem,
		base:   rawBase + skip,
		shadow: make([]byte, cfg.arenaSize>>ShadowScale),
		out:    cfg.out,
		flags:  cfg.flags,
		pid:    os.Getpid(),
		abort:  cfg.abort,
		exit:   cfg.exit,
		logger: cfg.logger,
	}
	for i := range h.shadow {
		h.shadow[i] = HeapLeftRedzoneMagic
	}

	h.logger.LogAttrs(context.Background(), slog.LevelDebug, "sanitizer heap mapped",
		slog.Int("arenaSize", cfg.arenaSize),
		slog.String("base", hex(h.base)),
		slog.String("flags", cfg.flags.String()))
	return h, nil
}

// Close unmaps the arena. Addresses handed out by the Heap must not be
// used afterwards.
func (h *Heap) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.logger.LogAttrs(context.Background(), slog.LevelDebug, "sanitizer heap unmapped",
		slog.Int("chunks", len(h.chunks)))
	return unmapArena(h.raw)
}

// Flags returns the configured flags.
func (h *Heap) Flags() Flags { return h.flags }

// HaltOnError reports the halt_on_error flag.
func (h *Heap) HaltOnError() bool { return h.flags.HaltOnError }

// DetectLeaks reports the detect_leaks flag.
func (h *Heap) DetectLeaks() bool { return h.flags.DetectLeaks }

// InstallHooks sets the allocator hooks, replacing any previous ones.
func (h *Heap) InstallHooks(hooks Hooks) {
	h.hooks.Store(&hooks)
}

// UninstallHooks removes the allocator hooks.
func (h *Heap) UninstallHooks() {
	h.hooks.Store(nil)
}

// Malloc allocates size bytes and returns the chunk's user address.
//
// The header and redzones are poisoned with HeapLeftRedzoneMagic; the user
// bytes are addressable. The malloc hook, if installed, runs after the chunk
// is published.
func (h *Heap) Malloc(size uintptr) (uintptr, error) {
	st := stackdepot.Capture(1)
	tid := goid.Current()

	span := roundUp(max(size, 1), ChunkHeaderSize)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return 0, errors.New("sanitizer heap closed")
	}
	need := ChunkHeaderSize + span + RedzoneSize
	if h.top+need > uintptr(len(h.mem)) {
		h.mu.Unlock()
		return 0, errors.Wrapf(ErrOutOfMemory, "malloc(%d) with %d bytes left", size, uintptr(len(h.mem))-h.top)
	}

	c := &chunk{
		begin:       h.base + h.top + ChunkHeaderSize,
		size:        size,
		span:        span,
		state:       chunkAllocated,
		allocThread: tid,
		allocStack:  stackdepot.Save(st),
	}
	h.top += need

	// Header and trailing redzone keep the arena's redzone magic.
	h.fillShadow(c.begin, roundDown(size, Granularity), 0)
	if rem := size % Granularity; rem != 0 {
		h.shadow[h.shadowIndex(c.begin+roundDown(size, Granularity))] = byte(rem)
	}
	h.chunks = append(h.chunks, c)
	h.mu.Unlock()

	if hooks := h.hooks.Load(); hooks != nil && hooks.Malloc != nil {
		hooks.Malloc(c.begin, size)
	}
	return c.begin, nil
}

// Free releases the chunk starting at ptr.
//
// If the ignore-free hook returns true the chunk stays allocated and nothing
// else happens. Otherwise its user granules are poisoned with HeapFreeMagic.
// Freeing a non-chunk address or a freed chunk raises a sanitizer report.
func (h *Heap) Free(ptr uintptr) error {
	if ptr == 0 {
		return nil
	}

	h.mu.RLock()
	c := h.chunkStartingAt(ptr)
	var state chunkState
	if c != nil {
		state = c.state
	}
	h.mu.RUnlock()

	switch {
	case c == nil:
		h.raise(h.newReport("bad-free", ptr, false, 0, 1))
		return errors.Wrapf(ErrBadFree, "free(0x%x)", ptr)
	case state == chunkFreed:
		h.raise(h.newReport("double-free", ptr, false, 0, 1))
		return errors.Wrapf(ErrDoubleFree, "free(0x%x)", ptr)
	}

	if hooks := h.hooks.Load(); hooks != nil && hooks.IgnoreFree != nil && hooks.IgnoreFree(ptr) {
		h.mu.Lock()
		c.retained = true
		h.mu.Unlock()
		return nil
	}

	st := stackdepot.Capture(1)
	tid := goid.Current()

	h.mu.Lock()
	if c.state == chunkFreed {
		h.mu.Unlock()
		h.raise(h.newReport("double-free", ptr, false, 0, 1))
		return errors.Wrapf(ErrDoubleFree, "free(0x%x)", ptr)
	}
	c.state = chunkFreed
	c.retained = false
	c.freeThread = tid
	c.freeStack = stackdepot.Save(st)
	h.fillShadow(c.begin, roundUp(max(c.size, 1), Granularity), HeapFreeMagic)
	h.mu.Unlock()
	return nil
}

// AllocatedBegin returns the user address of the allocated chunk whose
// memory (header and redzone included) contains addr, or 0.
func (h *Heap) AllocatedBegin(addr uintptr) uintptr {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c := h.chunkContaining(addr)
	if c == nil || c.state != chunkAllocated {
		return 0
	}
	return c.begin
}

// AllocatedSize returns the requested size of the allocated chunk starting
// at begin, or 0.
func (h *Heap) AllocatedSize(begin uintptr) uintptr {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c := h.chunkStartingAt(begin)
	if c == nil || c.state != chunkAllocated {
		return 0
	}
	return c.size
}

// Owns reports whether begin is the start of an allocated chunk.
func (h *Heap) Owns(begin uintptr) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c := h.chunkStartingAt(begin)
	return c != nil && c.state == chunkAllocated
}

// LocateAddress classifies addr. Arena addresses are "heap" and, when they
// fall inside a chunk (allocated or freed), also return that chunk's user
// region. Everything else is "wild".
func (h *Heap) LocateAddress(addr uintptr) (kind string, begin, size uintptr) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.inArena(addr) {
		return "wild", 0, 0
	}
	if c := h.chunkContaining(addr); c != nil {
		return "heap", c.begin, c.size
	}
	return "heap", 0, 0
}

// AllocStack returns the allocation stack of the chunk starting at begin.
func (h *Heap) AllocStack(begin uintptr) stackdepot.Stack {
	h.mu.RLock()
	c := h.chunkStartingAt(begin)
	var hash uint64
	if c != nil {
		hash = c.allocStack
	}
	h.mu.RUnlock()

	st, _ := stackdepot.Load(hash)
	return st
}

// FreeThread returns the goroutine that freed the chunk starting at begin,
// or goid.None if it is not freed.
func (h *Heap) FreeThread(begin uintptr) goid.ID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if c := h.chunkStartingAt(begin); c != nil && c.state == chunkFreed {
		return c.freeThread
	}
	return goid.None
}

// IsRetained reports whether a free of the chunk at begin was ignored by
// the ignore-free hook and the chunk is still held.
func (h *Heap) IsRetained(begin uintptr) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c := h.chunkStartingAt(begin)
	return c != nil && c.state == chunkAllocated && c.retained
}

// IgnoreLeak excludes the chunk starting at ptr from the leak check.
func (h *Heap) IgnoreLeak(ptr uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c := h.chunkStartingAt(ptr); c != nil {
		c.leakIgnored = true
	}
}

// chunkContaining finds the chunk whose header..redzone range holds addr.
// Caller holds h.mu.
func (h *Heap) chunkContaining(addr uintptr) *chunk {
	i := sort.Search(len(h.chunks), func(i int) bool {
		return h.chunks[i].headerBegin() > addr
	}) - 1
	if i < 0 {
		return nil
	}
	c := h.chunks[i]
	if addr >= c.end() {
		return nil
	}
	return c
}

// chunkStartingAt finds the chunk whose user region begins at begin.
// Caller holds h.mu.
func (h *Heap) chunkStartingAt(begin uintptr) *chunk {
	c := h.chunkContaining(begin)
	if c == nil || c.begin != begin {
		return nil
	}
	return c
}

func roundUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}

func roundDown(n, align uintptr) uintptr {
	return n &^ (align - 1)
}
