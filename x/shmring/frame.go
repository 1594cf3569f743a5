package shmring

import (
	"encoding/binary"
	"errors"
)

const hdrLen = 2

var (
	ErrFrameTooLarge = errors.New("frame_too_large")
	ErrNoSpace       = errors.New("no_space")
	ErrShortBuffer   = errors.New("short_buffer")
)

// WriteFrame writes a little-endian u16 length followed by p, or nothing.
func (r *Ring) WriteFrame(p []byte) error {
	if len(p) > 0xFFFF || len(p)+hdrLen > len(r.buf) {
		return ErrFrameTooLarge
	}
	if r.Space() < len(p)+hdrLen {
		return ErrNoSpace
	}
	var hdr [hdrLen]byte
	binary.LittleEndian.PutUint16(hdr[:], uint16(len(p)))
	wr := r.wr.Load()
	used := wr - r.rd.Load()
	r.copyIn(wr, hdr[:])
	r.copyIn(wr+hdrLen, p)
	r.wr.Store(wr + uint32(hdrLen+len(p)))
	if used == 0 {
		signal(r.readable)
	}
	return nil
}

// ReadFrame consumes one frame into dst and returns its payload length.
// ok is false when no complete frame is buffered.
func (r *Ring) ReadFrame(dst []byte) (n int, ok bool, err error) {
	var hdr [hdrLen]byte
	if !r.peek(hdr[:]) {
		return 0, false, nil
	}
	n = int(binary.LittleEndian.Uint16(hdr[:]))
	if r.Available() < hdrLen+n {
		return 0, false, nil
	}
	if len(dst) < n {
		return n, false, ErrShortBuffer
	}
	rd := r.rd.Load()
	full := r.wr.Load()-rd == r.size()
	r.copyOut(rd+hdrLen, dst[:n])
	r.rd.Store(rd + uint32(hdrLen+n))
	if full {
		signal(r.writable)
	}
	return n, true, nil
}

// DropFrame discards the oldest complete frame. Only the consumer may call it.
func (r *Ring) DropFrame() bool {
	var hdr [hdrLen]byte
	if !r.peek(hdr[:]) {
		return false
	}
	n := int(binary.LittleEndian.Uint16(hdr[:]))
	if r.Available() < hdrLen+n {
		return false
	}
	r.rd.Add(uint32(hdrLen + n))
	return true
}
