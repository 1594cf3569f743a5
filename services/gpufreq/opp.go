package gpufreq

import (
	"powercore-go/drivers/mfgsys"
	"powercore-go/errcode"
	"powercore-go/types"
)

// Signed-off OPP tables. Entries marked * are fused anchors; the rest are
// interpolated between them at init.
var gpuSignedTable = []types.OPP{
	{Freq_kHz: 1_612_000, Volt: 100_000}, // 0*
	{Freq_kHz: 1_560_000, Volt: 98_125},
	{Freq_kHz: 1_508_000, Volt: 96_250},
	{Freq_kHz: 1_456_000, Volt: 94_375},
	{Freq_kHz: 1_404_000, Volt: 92_500},
	{Freq_kHz: 1_352_000, Volt: 90_000}, // 5*
	{Freq_kHz: 1_300_000, Volt: 88_125},
	{Freq_kHz: 1_248_000, Volt: 86_250},
	{Freq_kHz: 1_196_000, Volt: 84_375},
	{Freq_kHz: 1_144_000, Volt: 82_500},
	{Freq_kHz: 1_092_000, Volt: 80_625},
	{Freq_kHz: 1_040_000, Volt: 78_750},
	{Freq_kHz: 988_000, Volt: 76_875},
	{Freq_kHz: 936_000, Volt: 75_000},
	{Freq_kHz: 884_000, Volt: 72_500}, // 14*
	{Freq_kHz: 832_000, Volt: 70_625},
	{Freq_kHz: 780_000, Volt: 68_750},
	{Freq_kHz: 728_000, Volt: 66_875},
	{Freq_kHz: 676_000, Volt: 65_000},
	{Freq_kHz: 624_000, Volt: 63_125},
	{Freq_kHz: 572_000, Volt: 61_250},
	{Freq_kHz: 520_000, Volt: 59_375},
	{Freq_kHz: 468_000, Volt: 57_500},
	{Freq_kHz: 416_000, Volt: 55_625},
	{Freq_kHz: 364_000, Volt: 53_750},
	{Freq_kHz: 312_000, Volt: 51_875},
	{Freq_kHz: 260_000, Volt: 50_000}, // 26*
}

var stackSignedTable = []types.OPP{
	{Freq_kHz: 1_612_000, Volt: 100_000}, // 0*
	{Freq_kHz: 1_560_000, Volt: 97_500},
	{Freq_kHz: 1_508_000, Volt: 95_000},
	{Freq_kHz: 1_456_000, Volt: 92_500},
	{Freq_kHz: 1_404_000, Volt: 90_000},
	{Freq_kHz: 1_352_000, Volt: 87_500},
	{Freq_kHz: 1_300_000, Volt: 85_000}, // 6*
	{Freq_kHz: 1_248_000, Volt: 83_750},
	{Freq_kHz: 1_196_000, Volt: 81_875},
	{Freq_kHz: 1_144_000, Volt: 80_000},
	{Freq_kHz: 1_092_000, Volt: 78_750},
	{Freq_kHz: 1_040_000, Volt: 76_875},
	{Freq_kHz: 988_000, Volt: 75_000},
	{Freq_kHz: 936_000, Volt: 73_750},
	{Freq_kHz: 884_000, Volt: 71_875},
	{Freq_kHz: 832_000, Volt: 70_000},
	{Freq_kHz: 780_000, Volt: 68_750},
	{Freq_kHz: 728_000, Volt: 66_875},
	{Freq_kHz: 676_000, Volt: 65_000}, // 18*
	{Freq_kHz: 624_000, Volt: 63_125},
	{Freq_kHz: 572_000, Volt: 61_250},
	{Freq_kHz: 520_000, Volt: 59_375},
	{Freq_kHz: 468_000, Volt: 57_500},
	{Freq_kHz: 416_000, Volt: 55_625},
	{Freq_kHz: 364_000, Volt: 53_750},
	{Freq_kHz: 312_000, Volt: 51_875},
	{Freq_kHz: 260_000, Volt: 50_000}, // 26*
}

var (
	gpuSignedIdx   = []int{0, 5, 14, 26}
	stackSignedIdx = []int{0, 6, 18, 26}

	// parkingIdx are the springboard points, fastest first.
	parkingIdx = []int{0, 6, 14, 26}
)

// railTable is the signed and working view of one rail. Tables are never
// patched in place once published; rebuilds swap whole slices.
type railTable struct {
	rail      types.Rail
	signed    []types.OPP
	working   []types.OPP
	signedIdx []int
	upbound   int
	// AVS repair offset, in PMIC steps.
	avsOfsSteps uint32
}

func newRailTable(rail types.Rail, upbound int) (*railTable, error) {
	t := &railTable{rail: rail, upbound: upbound}
	src := gpuSignedTable
	t.signedIdx, t.avsOfsSteps = gpuSignedIdx, 2
	if rail == types.RailStack {
		src = stackSignedTable
		t.signedIdx, t.avsOfsSteps = stackSignedIdx, 3
	}
	if upbound < 0 || upbound >= len(src) {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "gpufreq.segment", Msg: rail.String()}
	}
	t.signed = make([]types.OPP, len(src))
	copy(t.signed, src)
	for i := range t.signed {
		t.signed[i].Vsram = vsramFor(t.signed[i].Volt)
		pd, err := mfgsys.PosdivFor(t.signed[i].Freq_kHz)
		if err != nil {
			return nil, errcode.Wrap(errcode.InitFailed, "gpufreq.posdiv", err)
		}
		t.signed[i].Posdiv = uint8(pd)
	}
	return t, nil
}

// extract rebuilds the working table from the signed one.
func (t *railTable) extract() {
	w := make([]types.OPP, len(t.signed)-t.upbound)
	copy(w, t.signed[t.upbound:])
	t.working = w
}

func (t *railTable) num() int    { return len(t.working) }
func (t *railTable) minIdx() int { return len(t.working) - 1 }

func (t *railTable) valid(idx int) bool { return idx >= 0 && idx < len(t.working) }

// The lookups walk from the slowest OPP up and return the first one that
// meets the target, clamped to the fastest.
func (t *railTable) idxBy(key func(types.OPP) uint32, target uint32) int {
	i := t.minIdx()
	for ; i > 0; i-- {
		if key(t.working[i]) >= target {
			break
		}
	}
	return i
}

func (t *railTable) idxByFreq(f uint32) int {
	return t.idxBy(func(o types.OPP) uint32 { return o.Freq_kHz }, f)
}

func (t *railTable) idxByVolt(v uint32) int {
	return t.idxBy(func(o types.OPP) uint32 { return o.Volt }, v)
}

func (t *railTable) idxByPower(p uint32) int {
	return t.idxBy(func(o types.OPP) uint32 { return o.Power_mW }, p)
}
