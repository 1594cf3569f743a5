package gpufreq

import (
	"fmt"

	"powercore-go/drivers/mfgsys"
	"powercore-go/errcode"
)

// con1For encodes f and rejects frequencies the PLL cannot hit exactly.
func con1For(f uint32) (uint32, error) {
	con1, err := mfgsys.Con1(f)
	if err != nil {
		return 0, errcode.Wrap(errcode.InvalidParams, "gpufreq.freq_scale", err)
	}
	if mfgsys.FreqOf(con1) != f {
		return 0, &errcode.E{C: errcode.InvalidParams, Op: "gpufreq.freq_scale", Msg: fmt.Sprintf("%d kHz off grid", f)}
	}
	return con1, nil
}

func (e *Engine) freqScaleGPU(f uint32) error {
	if e.gpu.curFreq == f {
		return nil
	}
	con1, err := con1For(f)
	if err != nil {
		return err
	}
	e.mfg.SelectSub(mfgsys.MuxTop)
	e.mfg.WriteCon1(mfgsys.PLLGPU, con1)
	e.mfg.SettlePLL()
	e.mfg.SelectMain(mfgsys.MuxTop)

	if got := e.mfg.Freq(mfgsys.PLLGPU); got != f {
		return &errcode.E{C: errcode.ReadbackMismatch, Op: "gpufreq.freq_scale",
			Msg: fmt.Sprintf("gpu set %d read %d", f, got)}
	}
	e.gpu.curFreq = f
	return nil
}

// freqScaleStack programs both stack PLLs while they are parked together.
func (e *Engine) freqScaleStack(f uint32) error {
	if e.stack.curFreq == f {
		return nil
	}
	con1, err := con1For(f)
	if err != nil {
		return err
	}
	e.mfg.SelectSub(mfgsys.MuxSC0 | mfgsys.MuxSC1)
	e.mfg.WriteCon1(mfgsys.PLLStack0, con1)
	e.mfg.WriteCon1(mfgsys.PLLStack1, con1)
	e.mfg.SettlePLL()
	e.mfg.SelectMain(mfgsys.MuxSC0 | mfgsys.MuxSC1)

	sc0, sc1 := e.mfg.Freq(mfgsys.PLLStack0), e.mfg.Freq(mfgsys.PLLStack1)
	if sc0 != f || sc1 != f {
		return &errcode.E{C: errcode.ReadbackMismatch, Op: "gpufreq.freq_scale",
			Msg: fmt.Sprintf("stack set %d read %d/%d", f, sc0, sc1)}
	}
	e.stack.curFreq = f
	return nil
}
