package metadata

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
)

// ShardCount is the number of independently locked partitions.
// 37 is prime, so 16-byte aligned allocation addresses still spread evenly.
const ShardCount = 37

// initialShardCapacity is the starting swiss table size of each shard.
const initialShardCapacity = 64

// ErrDuplicate is returned by Insert when a record already exists for the
// address. A second allocation at a live address means the bookkeeping is
// corrupted.
var ErrDuplicate = errors.New("allocation already tracked")

// Op tells Mutate what to do with the record once fn returns.
type Op uint8

const (
	// Keep leaves the store unchanged. Changes made to the record are discarded.
	Keep Op = iota
	// Store writes the (possibly modified) record back.
	Store
	// Erase removes the record.
	Erase
)

type shard struct {
	mu      sync.Mutex
	records *swiss.Map[uintptr, Record]
}

// ShardedMap maps allocation start addresses to records.
//
// Every operation on one address runs under the lock of the shard selected
// by ShardIndex, so all read-modify-write sequences for one allocation are
// serialized while unrelated allocations proceed in parallel.
//
// Thread Safety: All methods are safe for concurrent use. Callbacks passed
// to Mutate and Drain must not call back into the same ShardedMap.
type ShardedMap struct {
	shards [ShardCount]shard
}

// NewShardedMap creates an empty store with all shards allocated.
func NewShardedMap() *ShardedMap {
	m := &ShardedMap{}
	for i := range m.shards {
		m.shards[i].records = swiss.NewMap[uintptr, Record](initialShardCapacity)
	}
	return m
}

// ShardIndex returns the shard owning addr. An address maps to the same
// shard for its whole lifetime.
func ShardIndex(addr uintptr) int {
	return int(addr % ShardCount)
}

func (m *ShardedMap) shardFor(addr uintptr) *shard {
	return &m.shards[ShardIndex(addr)]
}

// Find returns a copy of the record for addr.
func (m *ShardedMap) Find(addr uintptr) (Record, bool) {
	s := m.shardFor(addr)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records.Get(addr)
}

// Insert adds a record for addr.
//
// Returns:
//   - ErrDuplicate (wrapped with the address) if addr is already tracked;
//     the existing record is left untouched
func (m *ShardedMap) Insert(addr uintptr, rec Record) error {
	s := m.shardFor(addr)
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records.Get(addr); ok {
		return errors.Wrapf(ErrDuplicate, "address 0x%x (existing record: %s, count %d)",
			addr, existing.Flag, existing.Count)
	}
	validateRecord(addr, rec)
	s.records.Put(addr, rec)
	return nil
}

// Mutate runs fn on the record for addr while holding its shard lock.
//
// fn receives a pointer to a copy of the record (the zero Record when found
// is false) and decides through the returned Op whether the copy is stored,
// the entry erased, or nothing changes.
func (m *ShardedMap) Mutate(addr uintptr, fn func(rec *Record, found bool) Op) {
	s := m.shardFor(addr)
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, found := s.records.Get(addr)
	switch fn(&rec, found) {
	case Store:
		validateRecord(addr, rec)
		s.records.Put(addr, rec)
	case Erase:
		if found {
			s.records.Delete(addr)
		}
	}
}

// Erase removes the record for addr and reports whether it existed.
func (m *ShardedMap) Erase(addr uintptr) bool {
	s := m.shardFor(addr)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.records.Delete(addr)
}

// Len returns the total number of records.
func (m *ShardedMap) Len() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		n += s.records.Count()
		s.mu.Unlock()
	}
	return n
}

// Drain empties the store shard by shard and calls fn for every removed
// record. fn runs after the shard lock is released, so it may free memory
// through the instrumented allocator.
func (m *ShardedMap) Drain(fn func(addr uintptr, rec Record)) {
	type entry struct {
		addr uintptr
		rec  Record
	}

	var drained []entry
	for i := range m.shards {
		s := &m.shards[i]

		s.mu.Lock()
		drained = drained[:0]
		s.records.Iter(func(addr uintptr, rec Record) bool {
			drained = append(drained, entry{addr, rec})
			return false
		})
		s.records.Clear()
		s.mu.Unlock()

		for _, e := range drained {
			fn(e.addr, e.rec)
		}
	}
}

// Stats summarizes the store contents.
type Stats struct {
	Records        int
	Live           int
	Quarantined    int
	Early          int
	References     uint64
	MaxShardLength int
}

// Stats walks every shard and counts records by flag.
//
// Performance: O(N). Counts may be approximate if other goroutines mutate
// the store concurrently.
func (m *ShardedMap) Stats() Stats {
	var st Stats
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		n := s.records.Count()
		st.Records += n
		if n > st.MaxShardLength {
			st.MaxShardLength = n
		}
		s.records.Iter(func(_ uintptr, rec Record) bool {
			switch rec.Flag {
			case NotQuarantined:
				st.Live++
			case Quarantined:
				st.Quarantined++
			case EarlyAllocation:
				st.Early++
			}
			st.References += uint64(rec.Count)
			return false
		})
		s.mu.Unlock()
	}
	return st
}
