// Package timex holds the time abstraction used by timing-sensitive code.
// Busy waits and sleeps go through a Clock so tests can run on virtual time.
package timex

import (
	"context"
	"sync"
	"time"
)

// Clock is the delay capability injected into drivers and services.
type Clock interface {
	Now() time.Time
	// DelayUs busy-waits without yielding to the scheduler.
	DelayUs(us int)
	// Sleep blocks for d or until ctx is done.
	Sleep(ctx context.Context, d time.Duration) error
}

// Wall is the real clock.
type Wall struct{}

func (Wall) Now() time.Time { return time.Now() }

func (Wall) DelayUs(us int) {
	if us <= 0 {
		return
	}
	end := time.Now().Add(time.Duration(us) * time.Microsecond)
	for time.Now().Before(end) {
	}
}

func (Wall) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Virtual is a manual clock. Every delay advances it instantly.
type Virtual struct {
	mu  sync.Mutex
	now time.Time
}

func NewVirtual() *Virtual { return &Virtual{now: time.Unix(0, 0)} }

func (v *Virtual) Now() time.Time {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.now
}

func (v *Virtual) Advance(d time.Duration) {
	v.mu.Lock()
	v.now = v.now.Add(d)
	v.mu.Unlock()
}

func (v *Virtual) DelayUs(us int) { v.Advance(time.Duration(us) * time.Microsecond) }

func (v *Virtual) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.Advance(d)
	return nil
}

// Since is v.Now() minus the epoch, handy for scripted fakes.
func (v *Virtual) Since() time.Duration { return v.Now().Sub(time.Unix(0, 0)) }
