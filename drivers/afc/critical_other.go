//go:build !linux

package afc

import "runtime"

func critical(fn func() error) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	return fn()
}
