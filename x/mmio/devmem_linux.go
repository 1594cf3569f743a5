//go:build linux

package mmio

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Mapped is a /dev/mem mapping. Accesses are 32-bit and atomic.
type Mapped struct {
	mem  []byte
	regs []uint32
}

// Map maps size bytes of physical memory at base. base must be page aligned.
func Map(base int64, size int) (*Mapped, error) {
	f, err := os.OpenFile("/dev/mem", os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/mem: %w", err)
	}
	defer f.Close()

	if pg := int64(unix.Getpagesize()); base%pg != 0 {
		return nil, fmt.Errorf("mmio: base %#x not page aligned", base)
	}
	mem, err := unix.Mmap(int(f.Fd()), base, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %#x+%#x: %w", base, size, err)
	}
	regs := unsafe.Slice((*uint32)(unsafe.Pointer(&mem[0])), len(mem)/4)
	return &Mapped{mem: mem, regs: regs}, nil
}

func (m *Mapped) Read32(off uint32) uint32 { return atomic.LoadUint32(&m.regs[off/4]) }

func (m *Mapped) Write32(off, v uint32) { atomic.StoreUint32(&m.regs[off/4], v) }

func (m *Mapped) Close() error {
	m.regs = nil
	return unix.Munmap(m.mem)
}
