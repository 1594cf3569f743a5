package gpufreq

import (
	"powercore-go/errcode"
	"powercore-go/types"
)

// Dynamic power and current references.
const (
	gpuDynRefPower_mW   = 2_500
	stackDynRefPower_mW = 9_000
	dynRefFreq_kHz      = 1_612_000
	dynRefVolt          = 100_000

	stackDynRefCurrent_mA = 12_000

	// Efuse leakage is characterised at this temperature and above with
	// the high-temperature fit.
	lkgHTTemp = 65
	// measureTemp is the temperature the per-OPP power column assumes.
	measureTemp = 30

	gpm3TempOffset = 5
)

// gpm3Temps are the ceiling breakpoints, coolest first.
var gpm3Temps = []int{25, 45, 65, 85, 105}

type gpm3Entry struct {
	Temp    int
	Ceiling int
	IStack  uint32
}

func dynPower(ref, f, v uint32) uint32 {
	p := uint64(ref)
	p *= uint64(f) * 100_000 / dynRefFreq_kHz
	vr := uint64(v) * 100_000 / dynRefVolt
	return uint32(p * vr * vr / (100_000 * 100_000 * 100_000))
}

func clamp0(x int64) uint32 {
	if x < 0 {
		return 0
	}
	return uint32(x)
}

// The leakage fits take v in mV and t in degC and return mA.

func lkgGPURT(v uint32, t int, lkg uint32) uint32 {
	x := int64(v)
	vp := 63*x*x*x + 69_857_000*x - 109_210*x*x - 10_612_000_000
	tt := int64(t)
	tp := 30*tt*tt*tt + 120_000*tt - 2_000*tt*tt - 740_000
	return clamp0(int64(lkg) * vp / 100_000 * tp / 1_870_000 / 100_000)
}

func lkgGPUHT(v uint32, t int, lkg uint32) uint32 {
	x := int64(v)
	vp := 29*x*x*x + 34_305_000*x - 48_010*x*x - 2_891_000_000
	tt := int64(t)
	tp := 30*tt*tt*tt + 120_000*tt - 2_000*tt*tt - 740_000
	return clamp0(int64(lkg) * vp / 100_000 * tp / 6_848_750 / 100_000)
}

func lkgStackRT(v uint32, t int, lkg uint32) uint32 {
	x := int64(v)
	vp := 66*x*x*x + 70_744_000*x - 111_280*x*x - 9_776_000_000
	tt := int64(t)
	tp := 4*tt*tt*tt + 19_800*tt - 300*tt*tt - 159_400
	return clamp0(int64(lkg) * vp / 100_000 * tp / 210_600 / 100_000)
}

func lkgStackHT(v uint32, t int, lkg uint32) uint32 {
	x := int64(v)
	vp := 29*x*x*x + 34_811_000*x - 47_870*x*x - 2_510_000_000
	tt := int64(t)
	tp := 4*tt*tt*tt + 19_800*tt - 300*tt*tt - 159_400
	return clamp0(int64(lkg) * vp / 100_000 * tp / 958_600 / 100_000)
}

// powerModel evaluates dynamic and leakage terms for one chip.
type powerModel struct {
	lkg Leakage
}

// leakageCurrent is the leakage in mA of a rail at volt v (10uV).
func (m powerModel) leakageCurrent(rail types.Rail, v uint32, t int) uint32 {
	mv := v / 100
	if rail == types.RailStack {
		if t >= lkgHTTemp && m.lkg.StackHT != 0 {
			return lkgStackHT(mv, t, m.lkg.StackHT)
		}
		return lkgStackRT(mv, t, m.lkg.StackRT)
	}
	if t >= lkgHTTemp && m.lkg.GPUHT != 0 {
		return lkgGPUHT(mv, t, m.lkg.GPUHT)
	}
	return lkgGPURT(mv, t, m.lkg.GPURT)
}

func (m powerModel) leakagePower(rail types.Rail, v uint32, t int) uint32 {
	return uint32(uint64(m.leakageCurrent(rail, v, t)) * uint64(v) / 100_000)
}

func (m powerModel) dynamicPower(rail types.Rail, f, v uint32) uint32 {
	if rail == types.RailStack {
		return dynPower(stackDynRefPower_mW, f, v)
	}
	return dynPower(gpuDynRefPower_mW, f, v)
}

func (m powerModel) dynamicStackCurrent(f, v uint32) uint32 {
	i := uint64(stackDynRefCurrent_mA)
	i *= uint64(f) * 100_000 / dynRefFreq_kHz
	i *= uint64(v) * 100_000 / dynRefVolt
	return uint32(i / (100_000 * 100_000))
}

// measure fills the power column of a working table.
func (m powerModel) measure(t *railTable) {
	for i := range t.working {
		o := &t.working[i]
		o.Power_mW = m.dynamicPower(t.rail, o.Freq_kHz, o.Volt) + m.leakagePower(t.rail, o.Volt, measureTemp)
	}
}

// gpm3Table finds, per breakpoint temperature, the fastest STACK OPP whose
// total current fits imax.
func (m powerModel) gpm3Table(stack *railTable, imax uint32) ([]gpm3Entry, error) {
	out := make([]gpm3Entry, len(gpm3Temps))
	for i, temp := range gpm3Temps {
		j := 0
		var cur uint32
		for ; j < stack.num(); j++ {
			o := stack.working[j]
			cur = m.dynamicStackCurrent(o.Freq_kHz, o.Volt) + m.leakageCurrent(types.RailStack, o.Volt, temp)
			if cur <= imax {
				break
			}
		}
		if j == stack.num() {
			return nil, &errcode.E{C: errcode.InvalidParams, Op: "gpufreq.gpm3", Msg: "imax below slowest opp"}
		}
		out[i] = gpm3Entry{Temp: temp, Ceiling: j, IStack: cur}
	}
	return out, nil
}

// gpm3Ceiling is the fastest allowed STACK index at temperature t.
func gpm3Ceiling(tbl []gpm3Entry, t int) int {
	if len(tbl) == 0 {
		return 0
	}
	i := 0
	for ; i < len(tbl); i++ {
		if t+gpm3TempOffset <= tbl[i].Temp {
			break
		}
	}
	if i >= len(tbl) {
		i = len(tbl) - 1
	}
	return tbl[i].Ceiling
}
