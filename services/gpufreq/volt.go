package gpufreq

import (
	"fmt"

	"powercore-go/errcode"
	"powercore-go/types"
	"powercore-go/x/mathx"
)

// settleUs is the wait after a regulator write of the given size. The
// stack buck slews faster up than down.
func settleUs(r types.Rail, from, to uint32) int {
	d := int(from) - int(to)
	up := d < 0
	d = mathx.Abs(d)
	switch {
	case r == types.RailGPU:
		return d*11/1250/10 + 6
	case up:
		return d*11/2500/10 + 6
	default:
		return d*11/625/10 + 6
	}
}

// voltScale walks both rails to (vg, vs) through the springboard. Going
// up the stack leads; going down the gpu leads.
func (e *Engine) voltScale(vg, vs uint32) error {
	if e.gpu.curVolt == vg && e.stack.curVolt == vs {
		return nil
	}
	dir := scaleDown
	if vs > e.stack.curVolt {
		dir = scaleUp
	}

	limit := 2*len(e.sb) + 2
	for n := 0; e.gpu.curVolt != vg || e.stack.curVolt != vs; n++ {
		if n >= limit {
			return &errcode.E{C: errcode.Error, Op: "gpufreq.volt_scale",
				Msg: fmt.Sprintf("no progress at gpu %d stack %d", e.gpu.curVolt, e.stack.curVolt)}
		}
		tg, ts := e.nextParking(dir, vg, vs)

		first, second := &e.gpu, &e.stack
		t1, t2 := tg, ts
		if dir == scaleUp {
			first, second = &e.stack, &e.gpu
			t1, t2 = ts, tg
		}
		if err := e.scaleRail(first, t1); err != nil {
			return err
		}
		if err := e.scaleRail(second, t2); err != nil {
			return err
		}
	}
	return nil
}

// nextParking returns the next pair of volts on the way to (vg, vs).
func (e *Engine) nextParking(dir direction, vg, vs uint32) (uint32, uint32) {
	cg, cs := e.gpu.curVolt, e.stack.curVolt
	if cs == vs && dir == scaleUp {
		return vg, vs
	}
	pg, ps := parkingVolt(e.sb, dir, cg, cs)
	tg, ts := cg, cs
	if dir == scaleUp {
		if pg > cg {
			tg = mathx.Min(pg, vg)
		}
		if ps > cs {
			ts = mathx.Min(ps, vs)
		}
	} else {
		if pg < cg {
			tg = mathx.Max(pg, vg)
		}
		if ps < cs {
			ts = mathx.Max(ps, vs)
		}
	}
	// A rail already past the parking point, or moving against the
	// other, goes straight to its target.
	if tg == cg && ts == cs {
		return vg, vs
	}
	return tg, ts
}

// scaleRail writes one volt step, waits for it to settle and checks the
// regulator took it.
func (e *Engine) scaleRail(r *rail, v uint32) error {
	if r.curVolt == v {
		return nil
	}
	if err := r.reg.SetVoltage(v); err != nil {
		return errcode.Wrap(errcode.IoError, "gpufreq.volt_scale", err)
	}
	e.clk.DelayUs(settleUs(r.tbl.rail, r.curVolt, v))
	got, err := r.reg.Voltage()
	if err != nil {
		return errcode.Wrap(errcode.IoError, "gpufreq.volt_scale", err)
	}
	if got != v {
		return &errcode.E{C: errcode.ReadbackMismatch, Op: "gpufreq.volt_scale",
			Msg: fmt.Sprintf("%s set %d read %d", r.tbl.rail, v, got)}
	}
	r.curVolt = v
	r.curVsram = vsramFor(v)
	return nil
}
