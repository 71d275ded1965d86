// Package arena provides the storage used for the engine's own bookkeeping.
//
// The quarantine hooks run inside the instrumented allocator's malloc and
// free paths. Anything they allocate must therefore come from memory the
// instrumented heap never sees, otherwise a hook would re-enter itself.
// Bookkeeping containers in this module are built on Vector, whose segments
// come from the Go runtime heap and never from the sanitizer heap. The
// distinction is carried by the type: a Vector cannot be backed by a
// sanitizer address.
package arena

// DefaultSegmentSize is the number of elements per segment.
const DefaultSegmentSize = 256

// Vector is an append-only sequence stored in fixed-size segments.
//
// Elements never move once appended, so growth never copies existing
// elements and pointers returned by At stay valid until Reset.
//
// Vector is not safe for concurrent use; owners guard it with their lock.
type Vector[T any] struct {
	segments    [][]T
	segmentSize int
	length      int
}

// NewVector creates an empty vector with the given segment size.
// A non-positive size selects DefaultSegmentSize.
func NewVector[T any](segmentSize int) *Vector[T] {
	if segmentSize <= 0 {
		segmentSize = DefaultSegmentSize
	}
	return &Vector[T]{segmentSize: segmentSize}
}

// Len returns the number of elements.
func (v *Vector[T]) Len() int {
	return v.length
}

// Append adds x at the end and returns its index.
func (v *Vector[T]) Append(x T) int {
	if v.segmentSize == 0 {
		v.segmentSize = DefaultSegmentSize
	}
	seg := v.length / v.segmentSize
	if seg == len(v.segments) {
		v.segments = append(v.segments, make([]T, 0, v.segmentSize))
	}
	v.segments[seg] = append(v.segments[seg], x)
	v.length++
	return v.length - 1
}

// At returns a pointer to element i. It panics if i is out of range.
func (v *Vector[T]) At(i int) *T {
	if i < 0 || i >= v.length {
		panic("arena: index out of range")
	}
	return &v.segments[i/v.segmentSize][i%v.segmentSize]
}

// Each calls fn for every element in order until fn returns false.
func (v *Vector[T]) Each(fn func(i int, x *T) bool) {
	i := 0
	for _, seg := range v.segments {
		for j := range seg {
			if !fn(i, &seg[j]) {
				return
			}
			i++
		}
	}
}

// EachReverse is Each from the last element backwards.
func (v *Vector[T]) EachReverse(fn func(i int, x *T) bool) {
	for i := v.length - 1; i >= 0; i-- {
		if !fn(i, v.At(i)) {
			return
		}
	}
}

// Snapshot copies the elements into a new slice.
func (v *Vector[T]) Snapshot() []T {
	out := make([]T, 0, v.length)
	for _, seg := range v.segments {
		out = append(out, seg...)
	}
	return out
}

// Reset drops every element. The first segment is kept for reuse.
func (v *Vector[T]) Reset() {
	if len(v.segments) > 0 {
		first := v.segments[0][:0]
		clear(v.segments[0])
		v.segments = v.segments[:1]
		v.segments[0] = first
	}
	v.length = 0
}
