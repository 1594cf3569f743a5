// Package shmring is a single-producer, single-consumer byte ring with
// length-prefixed frames on top. The GPU status block is exported to
// profiling readers through it.
package shmring

import "sync/atomic"

// Ring is a single-producer, single-consumer byte ring.
type Ring struct {
	buf  []byte
	mask uint32
	rd   atomic.Uint32 // consumer index (monotonic)
	wr   atomic.Uint32 // producer index (monotonic)

	readable chan struct{} // empty -> non-empty edge
	writable chan struct{} // full -> non-full edge
}

// New allocates an unregistered ring. size must be a power of two >= 2.
func New(size int) *Ring {
	if size < 2 || size&(size-1) != 0 {
		panic("shmring: size must be power of two >= 2")
	}
	return &Ring{
		buf:      make([]byte, size),
		mask:     uint32(size - 1),
		readable: make(chan struct{}, 1),
		writable: make(chan struct{}, 1),
	}
}

func (r *Ring) size() uint32 { return uint32(len(r.buf)) }

func (r *Ring) Space() int     { return int(r.size() - (r.wr.Load() - r.rd.Load())) }
func (r *Ring) Available() int { return int(r.wr.Load() - r.rd.Load()) }

// TryWriteFrom copies as much of src as fits and returns the count.
func (r *Ring) TryWriteFrom(src []byte) int {
	if len(src) == 0 {
		return 0
	}
	rd := r.rd.Load()
	wr := r.wr.Load()
	used := wr - rd
	n := int(r.size() - used)
	if n <= 0 {
		return 0
	}
	if len(src) < n {
		n = len(src)
	}
	r.copyIn(wr, src[:n])
	r.wr.Store(wr + uint32(n))

	if used == 0 {
		signal(r.readable)
	}
	return n
}

// TryReadInto copies up to len(dst) bytes out and returns the count.
func (r *Ring) TryReadInto(dst []byte) int {
	if len(dst) == 0 {
		return 0
	}
	rd := r.rd.Load()
	wr := r.wr.Load()
	n := int(wr - rd)
	if n <= 0 {
		return 0
	}
	if len(dst) < n {
		n = len(dst)
	}
	r.copyOut(rd, dst[:n])
	r.rd.Store(rd + uint32(n))

	if wr-rd == r.size() {
		signal(r.writable)
	}
	return n
}

// peek copies len(dst) bytes starting at the read index without consuming.
func (r *Ring) peek(dst []byte) bool {
	rd := r.rd.Load()
	if int(r.wr.Load()-rd) < len(dst) {
		return false
	}
	r.copyOut(rd, dst)
	return true
}

func (r *Ring) copyIn(at uint32, src []byte) {
	idx := at & r.mask
	first := copy(r.buf[idx:], src)
	copy(r.buf, src[first:])
}

func (r *Ring) copyOut(at uint32, dst []byte) {
	idx := at & r.mask
	first := copy(dst, r.buf[idx:])
	copy(dst[first:], r.buf)
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

func (r *Ring) Watermarks() (rd, wr uint32) { return r.rd.Load(), r.wr.Load() }

func (r *Ring) Readable() <-chan struct{} { return r.readable }
func (r *Ring) Writable() <-chan struct{} { return r.writable }
