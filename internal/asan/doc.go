// Package asan is an in-process model of the AddressSanitizer runtime
// surface the quarantine engine cooperates with.
//
// A Heap hands out chunks from an mmap'ed arena and keeps ASan-style shadow
// memory for it: chunk headers and redzones carry the heap redzone magic,
// freed chunks the heap-free magic, and regions poisoned through Poison the
// user-poisoned magic. Instrumented accesses go through Load and Store,
// which raise sanitizer reports on poisoned bytes.
//
// Reports follow the AsanService flow: the report is printed, registered
// error callbacks run between "ADDITIONAL INFO" markers, and the process
// then exits cleanly, aborts, or continues depending on what the callbacks
// asked for and on halt_on_error.
//
// Usage:
//
//	heap, err := asan.New(asan.WithFlags(asan.ParseFlags("halt_on_error=0", asan.DefaultFlags())))
//	if err != nil {
//	    return err
//	}
//	defer heap.Close()
//
//	p, _ := heap.Malloc(64)
//	heap.Store(p, []byte("hello"))
//	_ = heap.Free(p)
//	heap.Load(p, 1) // heap-use-after-free
package asan
