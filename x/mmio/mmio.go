// Package mmio gives 32-bit register access to a physical address window.
package mmio

import (
	"sync"
)

// Window is a block of 32-bit registers addressed by byte offset.
type Window interface {
	Read32(off uint32) uint32
	Write32(off, v uint32)
}

// SetBits does a read-modify-write OR.
func SetBits(w Window, off, mask uint32) { w.Write32(off, w.Read32(off)|mask) }

// ClearBits does a read-modify-write AND NOT.
func ClearBits(w Window, off, mask uint32) { w.Write32(off, w.Read32(off)&^mask) }

// Field writes v into the bits selected by mask (shifted by shift).
func Field(w Window, off, mask uint32, shift uint, v uint32) {
	w.Write32(off, w.Read32(off)&^mask|(v<<shift)&mask)
}

// Mem is a sparse in-memory register file. OnWrite, when set, runs after
// each store with the lock released so it may update other registers.
type Mem struct {
	mu      sync.Mutex
	regs    map[uint32]uint32
	OnWrite func(m *Mem, off, v uint32)
}

func NewMem() *Mem { return &Mem{regs: map[uint32]uint32{}} }

func (m *Mem) Read32(off uint32) uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.regs[off]
}

func (m *Mem) Write32(off, v uint32) {
	m.Poke(off, v)
	if m.OnWrite != nil {
		m.OnWrite(m, off, v)
	}
}

// Poke stores without triggering OnWrite.
func (m *Mem) Poke(off, v uint32) {
	m.mu.Lock()
	m.regs[off] = v
	m.mu.Unlock()
}
