package gpufreq

import (
	"testing"

	"powercore-go/errcode"
	"powercore-go/types"
)

func newTable(t *testing.T, rail types.Rail, upbound int) *railTable {
	t.Helper()
	tbl, err := newRailTable(rail, upbound)
	if err != nil {
		t.Fatal(err)
	}
	return tbl
}

func checkTable(t *testing.T, name string, opps []types.OPP) {
	t.Helper()
	for i, o := range opps {
		if o.Volt%PMICStep != 0 {
			t.Fatalf("%s[%d] volt %d off grid", name, i, o.Volt)
		}
		if o.Vsram != vsramFor(o.Volt) {
			t.Fatalf("%s[%d] vsram %d for volt %d", name, i, o.Vsram, o.Volt)
		}
		if i > 0 && (o.Volt > opps[i-1].Volt || o.Freq_kHz >= opps[i-1].Freq_kHz) {
			t.Fatalf("%s[%d] not below [%d]: %+v vs %+v", name, i, i-1, o, opps[i-1])
		}
	}
}

func TestAdjustWithoutEfuseKeepsSignedVolts(t *testing.T) {
	for _, rail := range []types.Rail{types.RailGPU, types.RailStack} {
		tbl := newTable(t, rail, 0)
		var res adjustResult
		if err := tbl.adjust(nil, nil, &res); err != nil {
			t.Fatal(err)
		}
		if res.avsMargin || len(res.warnings) != 0 {
			t.Fatalf("%s result %+v", rail, res)
		}
		src := gpuSignedTable
		if rail == types.RailStack {
			src = stackSignedTable
		}
		for i, o := range tbl.working {
			if o.Volt != src[i].Volt || o.Margin != 0 {
				t.Fatalf("%s[%d] = %+v, want volt %d", rail, i, o, src[i].Volt)
			}
		}
		checkTable(t, rail.String(), tbl.working)
	}
}

func TestSegmentUpbound(t *testing.T) {
	tbl := newTable(t, types.RailGPU, 3)
	tbl.extract()
	if tbl.num() != 24 || tbl.working[0].Freq_kHz != 1_456_000 {
		t.Fatalf("working %d entries from %d kHz", tbl.num(), tbl.working[0].Freq_kHz)
	}
	if _, err := newRailTable(types.RailStack, 27); errcode.Of(err) != errcode.InvalidParams {
		t.Fatalf("upbound 27: %v", err)
	}
}

func TestAVSOverridesAnchors(t *testing.T) {
	tbl := newTable(t, types.RailGPU, 0)
	efuse := []uint32{
		encodeAVS(1_612_000, 97_500),
		encodeAVS(1_352_000, 87_500),
		encodeAVS(884_000, 70_000),
		encodeAVS(260_000, 50_000),
	}
	var res adjustResult
	if err := tbl.adjust(efuse, nil, &res); err != nil {
		t.Fatal(err)
	}
	if !res.avsMargin || res.overdrive {
		t.Fatalf("result %+v", res)
	}
	want := map[int]uint32{0: 97_500, 5: 87_500, 14: 70_000, 26: 50_000}
	for idx, v := range want {
		if got := tbl.working[idx].Volt; got != v {
			t.Fatalf("[%d] volt %d, want %d", idx, got, v)
		}
	}
	if m := tbl.working[0].Margin; m != 2_500 {
		t.Fatalf("[0] margin %d", m)
	}
	if tbl.working[10].Margin == 0 {
		t.Fatal("interpolated entry kept no margin")
	}
	checkTable(t, "gpu", tbl.working)
}

func TestAVSRepairsInvertedAnchors(t *testing.T) {
	tbl := newTable(t, types.RailGPU, 0)
	efuse := []uint32{0, encodeAVS(1_352_000, 78_750), encodeAVS(884_000, 80_000), 0}
	var res adjustResult
	avs, err := tbl.computeAVS(efuse, &res)
	if err != nil {
		t.Fatal(err)
	}
	if avs[1].volt != 80_000+2*PMICStep {
		t.Fatalf("repaired volt %d", avs[1].volt)
	}
	if len(res.warnings) != 1 || !res.overdrive {
		t.Fatalf("result %+v", res)
	}
}

func TestAVSFreqMismatch(t *testing.T) {
	tbl := newTable(t, types.RailStack, 0)
	var res adjustResult
	_, err := tbl.computeAVS([]uint32{encodeAVS(1_600_000, 97_500)}, &res)
	if errcode.Of(err) != errcode.InitFailed {
		t.Fatalf("err %v", err)
	}
}

func TestAgingLowersAnchors(t *testing.T) {
	tbl := newTable(t, types.RailStack, 0)
	var res adjustResult
	if err := tbl.adjust(nil, []uint32{1_250, 1_250, 625, 0}, &res); err != nil {
		t.Fatal(err)
	}
	if tbl.working[0].Volt != 98_750 || tbl.working[18].Volt != 64_375 || tbl.working[26].Volt != 50_000 {
		t.Fatalf("anchors %d %d %d", tbl.working[0].Volt, tbl.working[18].Volt, tbl.working[26].Volt)
	}
	checkTable(t, "stack", tbl.working)
}

func TestInterpolateRejectsNegativeSlope(t *testing.T) {
	tbl := newTable(t, types.RailGPU, 0)
	tbl.signed[5].Volt = 101_250
	if err := tbl.interpolate(); errcode.Of(err) != errcode.InitFailed {
		t.Fatalf("err %v", err)
	}
}

func TestWithMarginRoundTrip(t *testing.T) {
	tbl := newTable(t, types.RailGPU, 0)
	efuse := []uint32{encodeAVS(1_612_000, 97_500)}
	var res adjustResult
	if err := tbl.adjust(efuse, nil, &res); err != nil {
		t.Fatal(err)
	}
	off := withMargin(tbl.signed, false)
	for i, o := range off {
		if o.Volt != gpuSignedTable[i].Volt {
			t.Fatalf("[%d] margin off volt %d, want %d", i, o.Volt, gpuSignedTable[i].Volt)
		}
	}
	on := withMargin(off, true)
	for i := range on {
		if on[i] != tbl.signed[i] {
			t.Fatalf("[%d] %+v != %+v", i, on[i], tbl.signed[i])
		}
	}
}

func TestIdxLookups(t *testing.T) {
	tbl := newTable(t, types.RailGPU, 0)
	tbl.extract()
	cases := []struct {
		freq, volt uint32
		want       int
	}{
		{1_612_000, 100_000, 0},
		{1_600_000, 99_000, 0},
		{884_000, 72_500, 14},
		{880_000, 72_000, 14},
		{100_000, 10_000, 26},
		{2_000_000, 110_000, 0},
	}
	for _, c := range cases {
		if got := tbl.idxByFreq(c.freq); got != c.want {
			t.Errorf("idxByFreq(%d) = %d, want %d", c.freq, got, c.want)
		}
		if got := tbl.idxByVolt(c.volt); got != c.want {
			t.Errorf("idxByVolt(%d) = %d, want %d", c.volt, got, c.want)
		}
	}
}

func TestSpringboardBrackets(t *testing.T) {
	sb := buildSpringboard(gpuSignedTable, stackSignedTable, parkingIdx)
	if len(sb) != len(parkingIdx) {
		t.Fatalf("%d points", len(sb))
	}
	check := func(sb []Springboard) {
		t.Helper()
		for i, p := range sb {
			if !(p.VGPUUp >= p.VGPU && p.VGPU >= p.VGPUDown) {
				t.Fatalf("gpu point %d: %+v", i, p)
			}
			if !(p.VStackUp >= p.VStack && p.VStack >= p.VStackDown) {
				t.Fatalf("stack point %d: %+v", i, p)
			}
		}
	}
	check(sb)
	if sb[0].VGPUUp != VMax || sb[len(sb)-1].VStackDown != VMin {
		t.Fatalf("ends %+v %+v", sb[0], sb[len(sb)-1])
	}

	r := newRig(t, func(c *Config) {
		c.GPUAVS = []uint32{encodeAVS(1_612_000, 96_250), 0, encodeAVS(884_000, 70_625)}
	})
	check(r.e.Springboard())
	before := r.e.Springboard()
	if err := r.e.SetMarginMode(false); err != nil {
		t.Fatal(err)
	}
	after := r.e.Springboard()
	check(after)
	if after[0].VGPU != 100_000 || before[0].VGPU != 96_250 {
		t.Fatalf("springboard not rebuilt: %d -> %d", before[0].VGPU, after[0].VGPU)
	}
}

func TestParkingVolt(t *testing.T) {
	sb := buildSpringboard(gpuSignedTable, stackSignedTable, parkingIdx)
	cases := []struct {
		dir          direction
		vg, vs       uint32
		wantG, wantS uint32
	}{
		{scaleUp, 50_000, 50_000, 72_500, 71_875},
		{scaleUp, 72_500, 71_875, 88_125, 85_000},
		{scaleUp, 90_000, 80_000, 88_125, 85_000},
		{scaleUp, 100_000, 100_000, VMax, VMax},
		{scaleDown, 100_000, 100_000, 88_125, 85_000},
		{scaleDown, 72_500, 71_875, 50_000, 50_000},
		{scaleDown, 50_000, 50_000, VMin, VMin},
	}
	for _, c := range cases {
		g, s := parkingVolt(sb, c.dir, c.vg, c.vs)
		if g != c.wantG || s != c.wantS {
			t.Errorf("parkingVolt(%d, %d, %d) = %d/%d, want %d/%d", c.dir, c.vg, c.vs, g, s, c.wantG, c.wantS)
		}
	}
}

func TestPowerColumn(t *testing.T) {
	pm := powerModel{lkg: Leakage{GPURT: 100, StackRT: 150}}
	for _, rail := range []types.Rail{types.RailGPU, types.RailStack} {
		tbl := newTable(t, rail, 0)
		tbl.extract()
		pm.measure(tbl)
		if tbl.working[0].Power_mW == 0 {
			t.Fatalf("%s top power 0", rail)
		}
		for i := 1; i < tbl.num(); i++ {
			if tbl.working[i].Power_mW > tbl.working[i-1].Power_mW {
				t.Fatalf("%s power rises at %d: %d > %d", rail, i, tbl.working[i].Power_mW, tbl.working[i-1].Power_mW)
			}
		}
		if got := tbl.idxByPower(tbl.working[5].Power_mW); got != 5 {
			t.Fatalf("%s idxByPower = %d", rail, got)
		}
	}
	if got := pm.dynamicPower(types.RailGPU, dynRefFreq_kHz, dynRefVolt); got != gpuDynRefPower_mW {
		t.Fatalf("reference dynamic power %d", got)
	}
}

func TestLeakageGrowsWithTemperature(t *testing.T) {
	pm := powerModel{lkg: Leakage{StackRT: 150}}
	prev := uint32(0)
	for _, temp := range []int{25, 45, 65, 85, 105} {
		i := pm.leakageCurrent(types.RailStack, 90_000, temp)
		if i <= prev {
			t.Fatalf("leakage at %dC = %d, not above %d", temp, i, prev)
		}
		prev = i
	}
}

func TestGpm3Table(t *testing.T) {
	tbl := newTable(t, types.RailStack, 0)
	tbl.extract()
	pm := powerModel{lkg: Leakage{StackRT: 150}}

	g, err := pm.gpm3Table(tbl, 13_000)
	if err != nil {
		t.Fatal(err)
	}
	if g[0].Ceiling != 0 || g[len(g)-1].Ceiling == 0 {
		t.Fatalf("ceilings %+v", g)
	}
	for i := 1; i < len(g); i++ {
		if g[i].Ceiling < g[i-1].Ceiling {
			t.Fatalf("ceiling drops at %dC: %+v", g[i].Temp, g)
		}
		if g[i].IStack > 13_000 {
			t.Fatalf("entry %d over imax: %+v", i, g[i])
		}
	}
	if gpm3Ceiling(g, 100) != g[len(g)-1].Ceiling || gpm3Ceiling(g, 10) != g[0].Ceiling {
		t.Fatal("ceiling lookup")
	}

	if _, err := pm.gpm3Table(tbl, 1); errcode.Of(err) != errcode.InvalidParams {
		t.Fatalf("tiny imax: %v", err)
	}
}
