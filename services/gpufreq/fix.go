package gpufreq

import (
	"fmt"

	"powercore-go/drivers/mfgsys"
	"powercore-go/errcode"
	"powercore-go/x/mathx"
)

// Temperature compensation applied on AVS-margined parts.
const (
	tempCompCold      = 2_500
	tempCompCool      = 1_250
	tempCompColdBelow = 10
	tempCompCoolBelow = 25
)

// FixTargetOppIdx pins both rails to the given indices. (-1, -1) releases
// the pin.
func (e *Engine) FixTargetOppIdx(g, s int) error {
	if g == -1 && s == -1 {
		e.mu.Lock()
		e.state &^= DvfsFixOpp
		e.publishLocked()
		e.mu.Unlock()
		return nil
	}
	e.mu.Lock()
	ok := e.gpu.tbl.valid(g) && e.stack.tbl.valid(s)
	e.mu.Unlock()
	if !ok {
		return &errcode.E{C: errcode.InvalidOppIdx, Op: "gpufreq.fix_opp", Msg: fmt.Sprintf("gpu %d stack %d", g, s)}
	}

	if _, err := e.PowerControl(true); err != nil {
		return err
	}
	defer e.PowerControl(false)

	e.mu.Lock()
	e.state |= DvfsFixOpp
	err := e.commitLocked(g, s, DvfsFixOpp)
	if err != nil {
		e.state &^= DvfsFixOpp
	}
	e.mu.Unlock()
	e.fatalOn(err)
	return err
}

// customLimits are the accepted fix_freq_volt bounds for one rail.
func (e *Engine) customLimits(r *rail) (fmax, vmax uint32) {
	if e.cfg.TestMode {
		return mfgsys.Posdiv2MaxKHz, VMax
	}
	return r.tbl.working[0].Freq_kHz, r.tbl.working[0].Volt
}

func (e *Engine) checkCustom(r *rail, f, v uint32) error {
	fmax, vmax := e.customLimits(r)
	switch {
	case !mathx.Between(f, mfgsys.Posdiv16MinKHz, fmax):
		return &errcode.E{C: errcode.InvalidParams, Op: "gpufreq.fix_freq_volt", Msg: fmt.Sprintf("%s freq %d", r.tbl.rail, f)}
	case !mathx.Between(v, VMin, vmax) || v%PMICStep != 0:
		return &errcode.E{C: errcode.InvalidParams, Op: "gpufreq.fix_freq_volt", Msg: fmt.Sprintf("%s volt %d", r.tbl.rail, v)}
	}
	return nil
}

// FixCustomFreqVolt pins both rails to raw frequencies and volts outside
// the table. All zeros releases the pin.
func (e *Engine) FixCustomFreqVolt(fg, vg, fs, vs uint32) error {
	if fg == 0 && vg == 0 && fs == 0 && vs == 0 {
		e.mu.Lock()
		e.state &^= DvfsFixFreqVolt
		e.publishLocked()
		e.mu.Unlock()
		return nil
	}
	e.mu.Lock()
	err := e.checkCustom(&e.gpu, fg, vg)
	if err == nil {
		err = e.checkCustom(&e.stack, fs, vs)
	}
	e.mu.Unlock()
	if err != nil {
		return err
	}
	return e.fixCustom(func() (uint32, uint32, uint32, uint32) { return fg, vg, fs, vs })
}

// FixCustomStackFreqVolt pins the stack and lets the GPU follow the table
// entry matching the stack volt.
func (e *Engine) FixCustomStackFreqVolt(f, v uint32) error {
	if f == 0 && v == 0 {
		return e.FixCustomFreqVolt(0, 0, 0, 0)
	}
	e.mu.Lock()
	err := e.checkCustom(&e.stack, f, v)
	e.mu.Unlock()
	if err != nil {
		return err
	}
	return e.fixCustom(func() (uint32, uint32, uint32, uint32) {
		i := mathx.Min(e.stack.tbl.idxByVolt(v), e.gpu.tbl.minIdx())
		o := e.gpu.tbl.working[i]
		return o.Freq_kHz, o.Volt, f, v
	})
}

// fixCustom runs targets under power and the lock.
func (e *Engine) fixCustom(targets func() (fg, vg, fs, vs uint32)) error {
	if _, err := e.PowerControl(true); err != nil {
		return err
	}
	defer e.PowerControl(false)

	e.mu.Lock()
	e.state |= DvfsFixFreqVolt
	fg, vg, fs, vs := targets()
	err := e.customCommitLocked(fg, vg, fs, vs)
	if err != nil {
		e.state &^= DvfsFixFreqVolt
	}
	e.mu.Unlock()
	e.fatalOn(err)
	return err
}

func (e *Engine) customCommitLocked(fg, vg, fs, vs uint32) error {
	if e.state&^DvfsFixFreqVolt != 0 {
		return &errcode.E{C: errcode.DvfsBlocked, Op: "gpufreq.fix_freq_volt", Msg: e.state.String()}
	}
	if err := e.genericScale(fg, vg, fs, vs); err != nil {
		return err
	}
	e.gpu.curIdx = e.gpu.tbl.idxByVolt(vg)
	e.stack.curIdx = e.stack.tbl.idxByVolt(vs)
	e.publishLocked()
	return nil
}

// -----------------------------------------------------------------------------
// MSSV stress hooks
// -----------------------------------------------------------------------------

type MssvTarget string

const (
	MssvFGPU        MssvTarget = "fgpu"
	MssvVGPU        MssvTarget = "vgpu"
	MssvFStack      MssvTarget = "fstack"
	MssvVStack      MssvTarget = "vstack"
	MssvDelselTop   MssvTarget = "delsel_top"
	MssvDelselStack MssvTarget = "delsel_stack"
)

// SetMssvTest enters or leaves stress mode. While set, normal commits are
// blocked.
func (e *Engine) SetMssvTest(on bool) {
	e.mu.Lock()
	if on {
		e.state |= DvfsMssvTest
	} else {
		e.state &^= DvfsMssvTest
	}
	e.publishLocked()
	e.mu.Unlock()
}

// MssvCommit pokes a single knob directly. Stress mode must be on.
func (e *Engine) MssvCommit(target MssvTarget, val uint32) error {
	if e.State()&DvfsMssvTest == 0 {
		return &errcode.E{C: errcode.Unsupported, Op: "gpufreq.mssv", Msg: "not in stress mode"}
	}
	if _, err := e.PowerControl(true); err != nil {
		return err
	}
	defer e.PowerControl(false)

	e.mu.Lock()
	err := e.mssvLocked(target, val)
	if err == nil {
		e.publishLocked()
	}
	e.mu.Unlock()
	e.fatalOn(err)
	return err
}

func (e *Engine) mssvLocked(target MssvTarget, val uint32) error {
	freqOK := mathx.Between(val, mfgsys.Posdiv16MinKHz, mfgsys.Posdiv2MaxKHz)
	voltOK := mathx.Between(val, VMin, VMax) && val%PMICStep == 0
	bad := &errcode.E{C: errcode.InvalidParams, Op: "gpufreq.mssv", Msg: fmt.Sprintf("%s %d", target, val)}

	switch target {
	case MssvFGPU:
		if !freqOK {
			return bad
		}
		return e.freqScaleGPU(val)
	case MssvFStack:
		if !freqOK {
			return bad
		}
		return e.freqScaleStack(val)
	case MssvVGPU:
		if !voltOK {
			return bad
		}
		return e.scaleRail(&e.gpu, val)
	case MssvVStack:
		if !voltOK {
			return bad
		}
		return e.scaleRail(&e.stack, val)
	case MssvDelselTop, MssvDelselStack:
		if val > 1 {
			return bad
		}
		e.mfg.SetDelsel(target == MssvDelselStack, val)
		return nil
	}
	return bad
}

// -----------------------------------------------------------------------------
// Margin, GPM and temperature
// -----------------------------------------------------------------------------

// SetMarginMode applies (on) or removes (off) the AVS, aging and
// interpolation margins. All derived tables are rebuilt; the new volts
// take effect at the next commit.
func (e *Engine) SetMarginMode(on bool) error {
	e.mu.Lock()
	if on == e.marginMode {
		e.mu.Unlock()
		return nil
	}
	for _, t := range []*railTable{e.gpu.tbl, e.stack.tbl} {
		t.signed = withMargin(t.signed, on)
	}
	e.marginMode = on
	err := e.rebuildLocked()
	e.publishLocked()
	e.mu.Unlock()
	if err != nil {
		e.logf("warning: gpufreq: margin rebuild: %v", err)
	}
	return nil
}

func (e *Engine) MarginMode() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.marginMode
}

// SetGpmMode turns the stack current ceiling on or off.
func (e *Engine) SetGpmMode(on bool) error {
	e.mu.Lock()
	prev := e.gpmMode
	e.gpmMode = on
	err := e.rebuildLocked()
	if err != nil {
		e.gpmMode = prev
		e.rebuildLocked()
	}
	e.publishLocked()
	e.mu.Unlock()
	if err != nil {
		e.logf("err: gpufreq: gpm mode on=%v: %v", on, err)
	}
	return err
}

func (e *Engine) GpmMode() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.gpmMode
}

// SetTemperature records the die temperature in degC. TempUnknown is
// ignored.
func (e *Engine) SetTemperature(t int) {
	if t == TempUnknown {
		return
	}
	e.mu.Lock()
	e.temp = t
	e.tempComp = 0
	if e.avsMargin && e.marginMode {
		switch {
		case t < tempCompColdBelow:
			e.tempComp = tempCompCold
		case t < tempCompCoolBelow:
			e.tempComp = tempCompCool
		}
	}
	e.updateCeilingLocked()
	e.publishLocked()
	e.mu.Unlock()
}

// Temperature returns the last reported temperature and its volt offset.
func (e *Engine) Temperature() (int, uint32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.temp, e.tempComp
}
