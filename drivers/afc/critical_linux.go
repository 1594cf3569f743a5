//go:build linux

package afc

import (
	"runtime"

	"golang.org/x/sys/unix"
)

// critical runs fn on a locked OS thread pinned to a single CPU so the
// scheduler cannot migrate it mid-waveform.
func critical(fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	var prev unix.CPUSet
	if err := unix.SchedGetaffinity(0, &prev); err == nil {
		var one unix.CPUSet
		for cpu := 0; cpu < 1024; cpu++ {
			if prev.IsSet(cpu) {
				one.Set(cpu)
				break
			}
		}
		if unix.SchedSetaffinity(0, &one) == nil {
			defer unix.SchedSetaffinity(0, &prev)
		}
	}
	return fn()
}
