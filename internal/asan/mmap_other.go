//go:build !(linux || darwin || freebsd)

package asan

// mapArena falls back to a Go heap slice. Go's collector does not move heap
// objects, so the slice's addresses stay stable while the Heap references it.
func mapArena(size int) ([]byte, error) {
	return make([]byte, size), nil
}

func unmapArena([]byte) error {
	return nil
}
