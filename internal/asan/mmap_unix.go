//go:build linux || darwin || freebsd

package asan

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// mapArena reserves size bytes of anonymous memory outside the Go heap.
// The garbage collector never scans or moves it, so addresses handed out by
// the heap stay valid as plain integers.
func mapArena(size int) ([]byte, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errors.Wrapf(err, "mmap %d bytes", size)
	}
	return mem, nil
}

func unmapArena(mem []byte) error {
	if err := unix.Munmap(mem); err != nil {
		return errors.Wrap(err, "munmap arena")
	}
	return nil
}
