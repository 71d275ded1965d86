package metadata

import (
	"sort"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/kolkov/ptrquarantine/internal/quarantine/goid"
)

func TestShardIndex_Stable(t *testing.T) {
	for _, addr := range []uintptr{0x10, 0x1000, 0xdeadbeef0, 1 << 40} {
		idx := ShardIndex(addr)
		if idx < 0 || idx >= ShardCount {
			t.Fatalf("ShardIndex(0x%x) = %d out of range", addr, idx)
		}
		if again := ShardIndex(addr); again != idx {
			t.Errorf("ShardIndex(0x%x) unstable: %d vs %d", addr, idx, again)
		}
	}
}

// TestShardIndex_Spread tests that aligned addresses do not pile into one shard.
func TestShardIndex_Spread(t *testing.T) {
	used := make(map[int]bool)
	for i := uintptr(0); i < ShardCount*4; i++ {
		used[ShardIndex(0x7f0000000000+i*16)] = true
	}
	if len(used) != ShardCount {
		t.Errorf("16-byte aligned addresses hit %d of %d shards", len(used), ShardCount)
	}
}

func TestInsertFind(t *testing.T) {
	m := NewShardedMap()
	rec := Record{Flag: NotQuarantined, AllocThread: 3}

	if err := m.Insert(0x1000, rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, ok := m.Find(0x1000)
	if !ok {
		t.Fatal("Find missed inserted record")
	}
	if got != rec {
		t.Errorf("Find = %+v, want %+v", got, rec)
	}

	if _, ok := m.Find(0x2000); ok {
		t.Error("Find reported a record that was never inserted")
	}
}

func TestInsert_Duplicate(t *testing.T) {
	m := NewShardedMap()
	if err := m.Insert(0x1000, Record{Count: 2}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	err := m.Insert(0x1000, Record{})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("second Insert error = %v, want ErrDuplicate", err)
	}

	got, _ := m.Find(0x1000)
	if got.Count != 2 {
		t.Errorf("duplicate Insert overwrote record: count = %d", got.Count)
	}
}

func TestMutate(t *testing.T) {
	m := NewShardedMap()
	_ = m.Insert(0x1000, Record{})

	m.Mutate(0x1000, func(rec *Record, found bool) Op {
		if !found {
			t.Fatal("Mutate did not find record")
		}
		rec.Count = 5
		return Store
	})
	if got, _ := m.Find(0x1000); got.Count != 5 {
		t.Errorf("Store lost update: count = %d", got.Count)
	}

	m.Mutate(0x1000, func(rec *Record, _ bool) Op {
		rec.Count = 99
		return Keep
	})
	if got, _ := m.Find(0x1000); got.Count != 5 {
		t.Errorf("Keep persisted update: count = %d", got.Count)
	}

	m.Mutate(0x1000, func(*Record, bool) Op { return Erase })
	if _, ok := m.Find(0x1000); ok {
		t.Error("Erase op left record in store")
	}

	m.Mutate(0x3000, func(_ *Record, found bool) Op {
		if found {
			t.Error("found record for unknown address")
		}
		return Erase
	})
}

func TestErase(t *testing.T) {
	m := NewShardedMap()
	_ = m.Insert(0x1000, Record{})

	if !m.Erase(0x1000) {
		t.Error("Erase returned false for tracked address")
	}
	if m.Erase(0x1000) {
		t.Error("Erase returned true for erased address")
	}
	if m.Len() != 0 {
		t.Errorf("Len() = %d after erase", m.Len())
	}
}

func TestDrain(t *testing.T) {
	m := NewShardedMap()
	want := []uintptr{0x1000, 0x2000, 0x3010, 0x4020}
	for i, addr := range want {
		_ = m.Insert(addr, Record{Flag: Flag(i % 3)})
	}

	var got []uintptr
	m.Drain(func(addr uintptr, _ Record) {
		// Re-entering the store must not deadlock.
		if _, ok := m.Find(addr); ok {
			t.Errorf("record 0x%x still present during drain callback", addr)
		}
		got = append(got, addr)
	})

	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	if len(got) != len(want) {
		t.Fatalf("Drain visited %d records, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Drain[%d] = 0x%x, want 0x%x", i, got[i], want[i])
		}
	}
	if m.Len() != 0 {
		t.Errorf("Len() = %d after Drain", m.Len())
	}
}

func TestStats(t *testing.T) {
	m := NewShardedMap()
	_ = m.Insert(0x1000, Record{Count: 2, Flag: NotQuarantined})
	_ = m.Insert(0x2000, Record{Count: 1, Flag: Quarantined, FreeThread: goid.ID(4)})
	_ = m.Insert(0x3000, Record{Flag: EarlyAllocation})

	st := m.Stats()
	if st.Records != 3 || st.Live != 1 || st.Quarantined != 1 || st.Early != 1 {
		t.Errorf("Stats() = %+v", st)
	}
	if st.References != 3 {
		t.Errorf("References = %d, want 3", st.References)
	}
}

// TestConcurrentRefCounting tests that per-shard locking serializes updates.
func TestConcurrentRefCounting(t *testing.T) {
	m := NewShardedMap()
	addrs := []uintptr{0x1000, 0x1010, 0x1020, 0x1030}
	for _, a := range addrs {
		_ = m.Insert(a, Record{})
	}

	const workers, iterations = 8, 500
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				for _, a := range addrs {
					m.Mutate(a, func(rec *Record, _ bool) Op {
						rec.Count++
						return Store
					})
				}
			}
		}()
	}
	wg.Wait()

	for _, a := range addrs {
		rec, _ := m.Find(a)
		if rec.Count != workers*iterations {
			t.Errorf("0x%x count = %d, want %d", a, rec.Count, workers*iterations)
		}
	}
}

func TestFlag_String(t *testing.T) {
	cases := map[Flag]string{
		NotQuarantined:  "not-quarantined",
		Quarantined:     "quarantined",
		EarlyAllocation: "early-allocation",
		Flag(9):         "unknown",
	}
	for f, want := range cases {
		if got := f.String(); got != want {
			t.Errorf("Flag(%d).String() = %q, want %q", f, got, want)
		}
	}
}

func TestRecord_Erasable(t *testing.T) {
	if !(Record{}).Erasable() {
		t.Error("zero record should be erasable")
	}
	if (Record{Count: 1}).Erasable() {
		t.Error("referenced record should not be erasable")
	}
	if (Record{Flag: Quarantined}).Erasable() {
		t.Error("quarantined record should not be erasable")
	}
	if !(Record{Flag: EarlyAllocation}).Erasable() {
		t.Error("unreferenced early record should be erasable")
	}
}
