//go:build debug_quarantine

package metadata

import "fmt"

// validateRecord panics on records that no transition can produce.
func validateRecord(addr uintptr, rec Record) {
	switch {
	case rec.Flag > EarlyAllocation:
		panic(fmt.Sprintf("metadata: record 0x%x has invalid flag %d", addr, rec.Flag))
	case rec.Flag == NotQuarantined && rec.FreeThread != 0:
		panic(fmt.Sprintf("metadata: live record 0x%x has a freeing thread", addr))
	case rec.Flag == EarlyAllocation && rec.AllocThread != 0:
		panic(fmt.Sprintf("metadata: early allocation 0x%x has an allocating thread", addr))
	}
}
