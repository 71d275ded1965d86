package asan

import "unsafe"

// Shadow encoding. One shadow byte describes one 8-byte granule:
// 0 means all 8 bytes are addressable, 1..7 means only the first k bytes
// are, and values with the high bit set are poison magics.
const (
	// ShadowScale is log2 of the granule size.
	ShadowScale = 3

	// Granularity is the number of application bytes per shadow byte.
	Granularity = 1 << ShadowScale

	// ChunkHeaderSize is the size of the header preceding every chunk.
	ChunkHeaderSize = 16

	// RedzoneSize is the poisoned gap after every chunk.
	RedzoneSize = 16

	// HeapLeftRedzoneMagic marks chunk headers, redzones and unallocated
	// arena memory.
	HeapLeftRedzoneMagic byte = 0xfa

	// HeapFreeMagic marks memory of freed chunks.
	HeapFreeMagic byte = 0xfd

	// UserPoisonedMagic marks memory poisoned through Poison.
	UserPoisonedMagic byte = 0xf7
)

// ShadowMapping returns the shadow scale and the offset such that the
// shadow byte of addr lives at (addr >> scale) + offset.
func (h *Heap) ShadowMapping() (scale uint, offset uintptr) {
	return ShadowScale, uintptrOf(h.shadow) - h.base>>ShadowScale
}

// uintptrOf returns the address of b's first byte.
func uintptrOf(b []byte) uintptr {
	//nolint:gosec // G103: address arithmetic only, never dereferenced
	return uintptr(unsafe.Pointer(unsafe.SliceData(b)))
}

// inArena reports whether addr is application memory of the arena.
func (h *Heap) inArena(addr uintptr) bool {
	return addr >= h.base && addr < h.base+uintptr(len(h.mem))
}

// shadowIndex returns the shadow slot of addr. addr must be in the arena.
func (h *Heap) shadowIndex(addr uintptr) uintptr {
	return (addr - h.base) >> ShadowScale
}

// ShadowByte returns the shadow value of the granule containing addr.
// Memory outside the arena reads as addressable (0).
func (h *Heap) ShadowByte(addr uintptr) byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.inArena(addr) {
		return 0
	}
	return h.shadow[h.shadowIndex(addr)]
}

// SetShadowByte overwrites the shadow value of the granule containing addr.
func (h *Heap) SetShadowByte(addr uintptr, v byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.inArena(addr) {
		h.shadow[h.shadowIndex(addr)] = v
	}
}

// addressable returns how many leading bytes of a granule with shadow v
// may be accessed.
func addressable(v byte) uintptr {
	switch {
	case v == 0:
		return Granularity
	case v < Granularity:
		return uintptr(v)
	default:
		return 0
	}
}

// Poison marks [addr, addr+size) as user-poisoned.
//
// A granule becomes fully poisoned when the region covers every addressable
// byte in it. A region covering only the tail of a granule shrinks its
// addressable prefix. A region covering only a prefix cannot be encoded and
// leaves the granule untouched.
func (h *Heap) Poison(addr, size uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.forGranules(addr, size, func(i uintptr, lo, hi uintptr) {
		avail := addressable(h.shadow[i])
		switch {
		case avail == 0:
		case lo == 0 && hi >= avail:
			h.shadow[i] = UserPoisonedMagic
		case lo > 0 && lo < avail && hi >= avail:
			h.shadow[i] = byte(lo)
		}
	})
}

// Unpoison marks [addr, addr+size) as addressable.
func (h *Heap) Unpoison(addr, size uintptr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.forGranules(addr, size, func(i uintptr, _, hi uintptr) {
		if hi == Granularity {
			h.shadow[i] = 0
			return
		}
		if addressable(h.shadow[i]) < hi {
			h.shadow[i] = byte(hi)
		}
	})
}

// RegionIsPoisoned reports whether any byte of [addr, addr+size) is poisoned.
// Memory outside the arena is never poisoned.
func (h *Heap) RegionIsPoisoned(addr, size uintptr) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.firstPoisoned(addr, size) != 0
}

// firstPoisoned returns the first poisoned byte of the region, or 0.
// Caller holds h.mu.
func (h *Heap) firstPoisoned(addr, size uintptr) uintptr {
	var bad uintptr
	h.forGranules(addr, size, func(i uintptr, lo, hi uintptr) {
		if bad != 0 {
			return
		}
		avail := addressable(h.shadow[i])
		if hi > avail {
			granule := h.base + i<<ShadowScale
			bad = granule + max(lo, avail)
		}
	})
	return bad
}

// forGranules calls fn for every arena granule overlapping [addr, addr+size)
// with the byte range [lo, hi) of that granule the region covers.
// Caller holds h.mu.
func (h *Heap) forGranules(addr, size uintptr, fn func(i, lo, hi uintptr)) {
	end := addr + size
	if size == 0 || end < addr {
		return
	}
	start := max(addr, h.base)
	end = min(end, h.base+uintptr(len(h.mem)))
	for a := start; a < end; {
		i := h.shadowIndex(a)
		granule := h.base + i<<ShadowScale
		lo := a - granule
		hi := min(end-granule, Granularity)
		fn(i, lo, hi)
		a = granule + Granularity
	}
}

// fillShadow sets the shadow of [addr, addr+size) granule-wise to v.
// addr and size must be granule aligned. Caller holds h.mu.
func (h *Heap) fillShadow(addr, size uintptr, v byte) {
	first := h.shadowIndex(addr)
	last := first + size>>ShadowScale
	for i := first; i < last; i++ {
		h.shadow[i] = v
	}
}

// Fill writes size copies of b at addr without any poison check.
func (h *Heap) Fill(addr, size uintptr, b byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.inArena(addr) {
		return
	}
	off := addr - h.base
	end := min(off+size, uintptr(len(h.mem)))
	region := h.mem[off:end]
	for i := range region {
		region[i] = b
	}
}
