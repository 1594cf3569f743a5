package gpufreq

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"powercore-go/drivers/mfgsys"
	"powercore-go/x/timex"
)

func quiet(string, ...any) {}

// opLog records every hardware write in issue order.
type opLog struct{ ops []string }

func (l *opLog) add(format string, args ...any) { l.ops = append(l.ops, fmt.Sprintf(format, args...)) }
func (l *opLog) reset()                         { l.ops = nil }

// with returns the ops starting with any of the prefixes.
func (l *opLog) with(prefixes ...string) []string {
	var out []string
	for _, op := range l.ops {
		for _, p := range prefixes {
			if strings.HasPrefix(op, p) {
				out = append(out, op)
				break
			}
		}
	}
	return out
}

type fakeReg struct {
	name string
	log  *opLog
	v    uint32
	on   bool
	// skew is added to every readback.
	skew      uint32
	enableErr error
}

func (f *fakeReg) SetVoltage(v uint32) error {
	f.v = v
	f.log.add("%s %d", f.name, v)
	return nil
}

func (f *fakeReg) Voltage() (uint32, error) { return f.v + f.skew, nil }

func (f *fakeReg) Enable(on bool) error {
	if f.enableErr != nil {
		return f.enableErr
	}
	f.on = on
	f.log.add("%s enable %v", f.name, on)
	return nil
}

type fakeMFG struct {
	log  *opLog
	freq [3]uint32
	skew uint32
	main uint32
	// hot counts PLL writes made while the PLL was driving its mux.
	hot int

	clocks       bool
	gpuIsoHeld   bool
	stackIsoHeld bool
	applied      int
	delsel       [2]uint32
	powerErr     error
	// powerOK lets that many PowerOn calls through before powerErr applies.
	powerOK int
}

func newFakeMFG(log *opLog, boot uint32) *fakeMFG {
	f := &fakeMFG{log: log, main: muxAll, gpuIsoHeld: true, stackIsoHeld: true}
	f.freq = [3]uint32{boot, boot, boot}
	return f
}

func (f *fakeMFG) WriteCon1(p mfgsys.PLL, con1 uint32) {
	f.freq[p] = mfgsys.FreqOf(con1)
	switch p {
	case mfgsys.PLLGPU:
		if f.main&mfgsys.MuxTop != 0 {
			f.hot++
		}
		f.log.add("fgpu %d", f.freq[p])
	case mfgsys.PLLStack0:
		if f.main&mfgsys.MuxSC0 != 0 {
			f.hot++
		}
		f.log.add("fstack %d", f.freq[p])
	case mfgsys.PLLStack1:
		if f.main&mfgsys.MuxSC1 != 0 {
			f.hot++
		}
	}
}

func (f *fakeMFG) Freq(p mfgsys.PLL) uint32 { return f.freq[p] + f.skew }
func (f *fakeMFG) SettlePLL()               {}
func (f *fakeMFG) SelectMain(mask uint32)   { f.main |= mask }
func (f *fakeMFG) SelectSub(mask uint32)    { f.main &^= mask }

func (f *fakeMFG) EnableClocks()    { f.clocks = true }
func (f *fakeMFG) DisableClocks()   { f.clocks = false }
func (f *fakeMFG) ReleaseGPUIso()   { f.gpuIsoHeld = false }
func (f *fakeMFG) HoldGPUIso()      { f.gpuIsoHeld = true }
func (f *fakeMFG) ReleaseStackIso() { f.stackIsoHeld = false }
func (f *fakeMFG) HoldStackIso()    { f.stackIsoHeld = true }

func (f *fakeMFG) PowerOn(d mfgsys.Domain) error {
	if f.powerErr != nil {
		if f.powerOK == 0 {
			return f.powerErr
		}
		f.powerOK--
	}
	f.log.add("on %s", d.Name)
	return nil
}

func (f *fakeMFG) PowerOff(d mfgsys.Domain) error {
	f.log.add("off %s", d.Name)
	return nil
}

func (f *fakeMFG) ApplyConfig(mfgsys.Config) { f.applied++ }

func (f *fakeMFG) SetDelsel(stack bool, v uint32) {
	if stack {
		f.delsel[1] = v
		return
	}
	f.delsel[0] = v
}

func (f *fakeMFG) Delsel(stack bool) uint32 {
	if stack {
		return f.delsel[1]
	}
	return f.delsel[0]
}

// rig is an engine on fake hardware, booted at the slowest OPP.
type rig struct {
	e      *Engine
	vgpu   *fakeReg
	vstack *fakeReg
	mfg    *fakeMFG
	log    *opLog
	clk    *timex.Virtual
	fatals []error
}

func newRig(t *testing.T, mut func(*Config)) *rig {
	t.Helper()
	r := &rig{log: &opLog{}, clk: timex.NewVirtual()}
	r.vgpu = &fakeReg{name: "vgpu", log: r.log, v: 50_000}
	r.vstack = &fakeReg{name: "vstack", log: r.log, v: 50_000}
	r.mfg = newFakeMFG(r.log, 260_000)

	cfg := DefaultConfig()
	cfg.Logf = quiet
	cfg.Fatal = func(err error) { r.fatals = append(r.fatals, err) }
	if mut != nil {
		mut(&cfg)
	}
	e, err := New(cfg, r.vgpu, r.vstack, r.mfg, r.clk)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(e.Close)
	if err := e.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	r.e = e
	r.log.reset()
	return r
}

// powerOn holds one power reference for the rest of the test.
func (r *rig) powerOn(t *testing.T) {
	t.Helper()
	if _, err := r.e.PowerControl(true); err != nil {
		t.Fatal(err)
	}
	r.log.reset()
}

// encodeAVS builds an efuse word that decodes to (kHz, volt).
func encodeAVS(kHz, volt uint32) uint32 {
	m := kHz / 1000
	var w uint32
	w |= (m >> 10 & 1) << 20
	w |= (m >> 8 & 3) << 10
	w |= m >> 6 & 3
	w |= (m >> 4 & 3) << 6
	w |= (m >> 2 & 3) << 18
	w |= (m & 3) << 12

	c := volt / PMICStep
	w |= (c & 0xF) << 14
	w |= (c >> 4 & 3) << 4
	w |= (c >> 6 & 3) << 2
	return w
}
