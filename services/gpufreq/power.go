package gpufreq

import (
	"errors"
	"fmt"

	"powercore-go/drivers/mfgsys"
	"powercore-go/errcode"
)

const muxAll = mfgsys.MuxTop | mfgsys.MuxSC0 | mfgsys.MuxSC1

// PowerControl takes (on) or drops (off) one power reference on both rails
// and returns the new count. Hardware is only sequenced on the 0->1 and
// 1->0 edges. Coming back up restores the last committed OPP.
func (e *Engine) PowerControl(on bool) (int, error) {
	e.mu.Lock()
	n, err := e.powerControlLocked(on)
	restore := err == nil && on && n == 1 && e.ready && !e.cfg.ActiveSleep
	e.mu.Unlock()
	if err != nil {
		e.logf("err: gpufreq: power control on=%v: %v", on, err)
		return n, err
	}
	if restore {
		e.restoreOPP()
	}
	return n, nil
}

func (e *Engine) powerControlLocked(on bool) (int, error) {
	if !on && e.gpu.power <= 0 {
		return e.gpu.power, &errcode.E{C: errcode.InvalidParams, Op: "gpufreq.power", Msg: "power count underflow"}
	}
	delta := 1
	if !on {
		delta = -1
	}
	e.gpu.power += delta
	e.stack.power += delta
	if !e.cfg.ActiveSleep {
		e.gpu.active += delta
		e.stack.active += delta
	}

	var err error
	switch {
	case on && e.gpu.power == 1:
		err = e.powerUpLocked()
	case !on && e.gpu.power == 0:
		err = e.powerDownLocked()
	}
	if err != nil {
		e.gpu.power -= delta
		e.stack.power -= delta
		if !e.cfg.ActiveSleep {
			e.gpu.active -= delta
			e.stack.active -= delta
		}
		return e.gpu.power, err
	}
	e.powerTime = e.clk.Now()
	e.publishLocked()
	return e.gpu.power, nil
}

// powerUpLocked sequences the rails on. A failure part way through walks
// back what was already done so the counters and isolation match the
// hardware again.
func (e *Engine) powerUpLocked() (err error) {
	var undo []func() error
	defer func() {
		if err == nil {
			return
		}
		for i := len(undo) - 1; i >= 0; i-- {
			if uerr := undo[i](); uerr != nil {
				err = fmt.Errorf("%w; unwind: %v", err, uerr)
			}
		}
	}()

	if err := e.gpu.reg.Enable(true); err != nil {
		return errcode.Wrap(errcode.IoError, "gpufreq.buck", err)
	}
	e.gpu.buck++
	e.mfg.ReleaseGPUIso()
	undo = append(undo, func() error {
		e.mfg.HoldGPUIso()
		e.gpu.buck--
		if err := e.gpu.reg.Enable(false); err != nil {
			return errcode.Wrap(errcode.IoError, "gpufreq.buck", err)
		}
		return nil
	})
	if !e.cfg.ActiveSleep {
		if err := e.stack.reg.Enable(true); err != nil {
			return errcode.Wrap(errcode.IoError, "gpufreq.buck", err)
		}
		e.stack.buck++
		e.mfg.ReleaseStackIso()
		undo = append(undo, func() error {
			e.mfg.HoldStackIso()
			e.stack.buck--
			if err := e.stack.reg.Enable(false); err != nil {
				return errcode.Wrap(errcode.IoError, "gpufreq.buck", err)
			}
			return nil
		})
	}

	for _, d := range e.domains {
		d := d
		if err := e.mfg.PowerOn(d); err != nil {
			return err
		}
		undo = append(undo, func() error { return e.mfg.PowerOff(d) })
	}
	e.gpu.mtcmos++
	e.stack.mtcmos++

	e.mfg.EnableClocks()
	e.gpu.cg++
	e.stack.cg++
	e.mfg.ApplyConfig(e.cfg.MFG)

	e.state &^= DvfsPowerOff
	if e.cfg.ActiveSleep && e.stack.active == 0 {
		e.state |= DvfsSleep
	}
	return nil
}

func (e *Engine) powerDownLocked() error {
	e.state |= DvfsPowerOff

	e.mfg.DisableClocks()
	e.gpu.cg--
	e.stack.cg--

	for i := len(e.domains) - 1; i >= 0; i-- {
		if err := e.mfg.PowerOff(e.domains[i]); err != nil {
			return err
		}
	}
	e.gpu.mtcmos--
	e.stack.mtcmos--

	if !e.cfg.ActiveSleep {
		e.mfg.HoldStackIso()
		if err := e.stack.reg.Enable(false); err != nil {
			return errcode.Wrap(errcode.IoError, "gpufreq.buck", err)
		}
		e.stack.buck--
	}
	e.mfg.HoldGPUIso()
	if err := e.gpu.reg.Enable(false); err != nil {
		return errcode.Wrap(errcode.IoError, "gpufreq.buck", err)
	}
	e.gpu.buck--
	return nil
}

// ActiveSleep moves the stack in and out of its idle state while the GPU
// stays powered. Only boards configured for it support this.
func (e *Engine) ActiveSleep(active bool) (int, error) {
	if !e.cfg.ActiveSleep {
		return 0, errcode.Unsupported
	}
	e.mu.Lock()
	n, err := e.activeSleepLocked(active)
	restore := err == nil && active && n == 1 && e.ready
	e.mu.Unlock()
	if err != nil {
		e.logf("err: gpufreq: active sleep active=%v: %v", active, err)
		return n, err
	}
	if restore {
		e.restoreOPP()
	}
	return n, nil
}

func (e *Engine) activeSleepLocked(active bool) (int, error) {
	if e.gpu.power <= 0 {
		return 0, errcode.NotReady
	}
	if active {
		if e.stack.active == 0 {
			if err := e.stack.reg.Enable(true); err != nil {
				return 0, errcode.Wrap(errcode.IoError, "gpufreq.buck", err)
			}
			e.stack.buck++
			e.mfg.ReleaseStackIso()
			e.mfg.SelectMain(muxAll)
			e.state &^= DvfsSleep
		}
		e.gpu.active++
		e.stack.active++
	} else {
		if e.stack.active <= 0 {
			return 0, &errcode.E{C: errcode.InvalidParams, Op: "gpufreq.active", Msg: "active count underflow"}
		}
		if e.stack.active == 1 {
			e.state |= DvfsSleep
			e.mfg.SelectSub(mfgsys.MuxSC0 | mfgsys.MuxSC1)
			e.mfg.SelectSub(mfgsys.MuxTop)
			e.mfg.HoldStackIso()
			if err := e.stack.reg.Enable(false); err != nil {
				return e.stack.active, errcode.Wrap(errcode.IoError, "gpufreq.buck", err)
			}
			e.stack.buck--
		}
		e.gpu.active--
		e.stack.active--
	}
	e.publishLocked()
	return e.stack.active, nil
}

// restoreOPP re-applies the last committed OPP after the rails come back.
func (e *Engine) restoreOPP() {
	e.mu.Lock()
	g, s := e.gpu.curIdx, e.stack.curIdx
	e.mu.Unlock()
	if err := e.commitDual(g, s, DvfsFree); err != nil && !errors.Is(err, errcode.DvfsBlocked) {
		e.logf("err: gpufreq: restore opp %d/%d: %v", g, s, err)
	}
}
