package gpufreq

import (
	"fmt"

	"powercore-go/errcode"
	"powercore-go/types"
	"powercore-go/x/mathx"
)

func vsramFor(v uint32) uint32 {
	if v <= VsramThresh {
		return VsramThresh
	}
	return v
}

func roundStep(v uint32) uint32 { return mathx.RoundUp(v, PMICStep) }

// avsFreq decodes the scrambled MHz field of an AVS efuse word.
func avsFreq(val uint32) uint32 {
	var f uint32
	f |= (val & (1 << 20)) >> 10
	f |= (val & (0x3 << 10)) >> 2
	f |= (val & 0x3) << 6
	f |= (val & (0x3 << 6)) >> 2
	f |= (val & (0x3 << 18)) >> 16
	f |= (val & (0x3 << 12)) >> 12
	return f * 1000
}

// avsVolt decodes the 6.25 mV code of an AVS efuse word.
func avsVolt(val uint32) uint32 {
	var v uint32
	v |= (val & (0xF << 14)) >> 14
	v |= val & (0x3 << 4)
	v |= (val & (0x3 << 2)) << 4
	return v * PMICStep
}

type avsEntry struct {
	oppIdx int
	freq   uint32
	volt   uint32
	vsram  uint32
}

type adjustResult struct {
	avsMargin bool
	overdrive bool
	warnings  []string
}

// computeAVS decodes one rail's efuse words against its anchors. A zero
// word leaves that anchor alone. Volts are repaired from the slowest
// anchor up so each one stays above the next.
func (t *railTable) computeAVS(efuse []uint32, res *adjustResult) ([]avsEntry, error) {
	avs := make([]avsEntry, len(t.signedIdx))
	for i, idx := range t.signedIdx {
		avs[i].oppIdx = idx
		if i >= len(efuse) || efuse[i] == 0 {
			continue
		}
		f := avsFreq(efuse[i])
		if f != t.signed[idx].Freq_kHz {
			return nil, &errcode.E{C: errcode.InitFailed, Op: "gpufreq.avs",
				Msg: fmt.Sprintf("%s[%d] efuse freq %d != signed %d", t.rail, idx, f, t.signed[idx].Freq_kHz)}
		}
		avs[i].freq = f
		avs[i].volt = roundStep(avsVolt(efuse[i]))
		res.avsMargin = true
	}

	ofs := PMICStep * t.avsOfsSteps
	for i := len(avs) - 1; i >= 0; i-- {
		if avs[i].volt == 0 {
			continue
		}
		if i != len(avs)-1 && avs[i].volt <= avs[i+1].volt {
			res.warnings = append(res.warnings, fmt.Sprintf("%s efuse[%d] volt %d <= efuse[%d] volt %d",
				t.rail, i, avs[i].volt, i+1, avs[i+1].volt))
			avs[i].volt = avs[i+1].volt + ofs
		}
		if avs[i].volt > t.signed[avs[i].oppIdx].Volt {
			res.overdrive = true
		}
		avs[i].vsram = vsramFor(avs[i].volt)
	}
	return avs, nil
}

// applyAVS moves each fused anchor to its AVS volt and records the margin.
func (t *railTable) applyAVS(avs []avsEntry) {
	for _, a := range avs {
		o := &t.signed[a.oppIdx]
		v, vs := o.Volt, o.Vsram
		if a.volt != 0 {
			v, vs = a.volt, a.vsram
		}
		o.Margin += o.Volt - v
		o.Volt, o.Vsram = v, vs
	}
}

// applyAging lowers every anchor by its aging margin.
func (t *railTable) applyAging(aging []uint32) {
	for i, idx := range t.signedIdx {
		if i >= len(aging) {
			return
		}
		o := &t.signed[idx]
		o.Margin += aging[i]
		o.Volt -= aging[i]
		o.Vsram = vsramFor(o.Volt)
	}
}

// interpolate recomputes every OPP between adjacent anchors on a straight
// line. Volts are scaled by 100 and frequencies taken in MHz so the slope
// keeps its precision in integer math.
func (t *railTable) interpolate() error {
	s := t.signed
	for i := 1; i < len(t.signedIdx); i++ {
		front, rear := t.signedIdx[i-1], t.signedIdx[i]

		largeV := int64(s[front].Volt) * 100
		largeF := int64(s[front].Freq_kHz / 1000)
		smallV := int64(s[rear].Volt) * 100
		smallF := int64(s[rear].Freq_kHz / 1000)
		if largeF == smallF {
			return &errcode.E{C: errcode.InitFailed, Op: "gpufreq.interpolate", Msg: "duplicate anchor freq"}
		}
		slope := (largeV - smallV) / (largeF - smallF)
		if slope < 0 {
			return &errcode.E{C: errcode.InitFailed, Op: "gpufreq.interpolate",
				Msg: fmt.Sprintf("%s[%d] negative slope %d", t.rail, rear, slope)}
		}

		for j := 1; j < rear-front; j++ {
			inner := rear - j
			innerF := int64(s[inner].Freq_kHz / 1000)
			v := roundStep(uint32((smallV + slope*(innerF-smallF)) / 100))
			if v < s[inner+1].Volt {
				return &errcode.E{C: errcode.InitFailed, Op: "gpufreq.interpolate",
					Msg: fmt.Sprintf("%s[%d] volt %d < [%d] volt %d", t.rail, inner, v, inner+1, s[inner+1].Volt)}
			}
			s[inner].Margin += s[inner].Volt - v
			s[inner].Volt = v
			s[inner].Vsram = vsramFor(v)
		}
	}
	return nil
}

// adjust runs AVS, aging and interpolation in that order, then extracts
// the working table.
func (t *railTable) adjust(efuse, aging []uint32, res *adjustResult) error {
	avs, err := t.computeAVS(efuse, res)
	if err != nil {
		return err
	}
	if res.avsMargin {
		t.applyAVS(avs)
	}
	if len(aging) > 0 {
		t.applyAging(aging)
	}
	if err := t.interpolate(); err != nil {
		return err
	}
	t.extract()
	return nil
}

// withMargin returns a copy of the signed table with the recorded margin
// restored (on=false) or removed again (on=true).
func withMargin(signed []types.OPP, on bool) []types.OPP {
	out := make([]types.OPP, len(signed))
	copy(out, signed)
	for i := range out {
		if on {
			out[i].Volt -= out[i].Margin
		} else {
			out[i].Volt += out[i].Margin
		}
		out[i].Vsram = vsramFor(out[i].Volt)
	}
	return out
}
