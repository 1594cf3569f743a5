// Package mfgsys programs the GPU subsystem through its register window:
// PLL dividers, clock muxes, MTCMOS power domains, bus protection and the
// clock gates that sit between them. Every wait is a bounded poll.
package mfgsys

import (
	"errors"
	"fmt"

	"powercore-go/errcode"
	"powercore-go/x/mmio"
	"powercore-go/x/timex"
)

const (
	// FinKHz is the PLL reference.
	FinKHz   = 26000
	ddsShift = 14

	// SubFreqKHz is the parking clock both muxes fall back to.
	SubFreqKHz = 26000

	pollUs       = 10
	ackPolls     = 500
	softAckPolls = 10

	// PLLSettleUs is the wait between CON1 write and mux switch back.
	PLLSettleUs = 20
)

// Posdiv bounds in kHz.
const (
	Posdiv2MaxKHz  = 1_900_000
	Posdiv4MaxKHz  = 950_000
	Posdiv8MaxKHz  = 475_000
	Posdiv16MaxKHz = 237_500
	Posdiv16MinKHz = 125_000
)

var ErrFreqRange = errors.New("freq_out_of_range")

// PLL selects one CON1 register.
type PLL int

const (
	PLLGPU PLL = iota
	PLLStack0
	PLLStack1
)

func (p PLL) reg() uint32 {
	switch p {
	case PLLStack0:
		return regPLLSC0Con1
	case PLLStack1:
		return regPLLSC1Con1
	}
	return regPLLCon1
}

// Domain is one MTCMOS power domain, identified by its PWR_CON index.
type Domain struct {
	Name  string
	Index int
	// Shared marks the domain both rails hang off; bus protection is
	// released after it powers on and set before it powers off.
	Shared bool
}

func (d Domain) reg() uint32 { return regPwrConBase + uint32(d.Index)*4 }

// DefaultDomains is the power-on order. Power-off walks it backwards.
var DefaultDomains = []Domain{
	{Name: "MFG1", Index: 1, Shared: true},
	{Name: "MFG37", Index: 37},
	{Name: "MFG2", Index: 2},
	{Name: "MFG3", Index: 3},
	{Name: "MFG4", Index: 4},
	{Name: "MFG22", Index: 22},
	{Name: "MFG6", Index: 6},
	{Name: "MFG7", Index: 7},
}

type Device struct {
	w   mmio.Window
	clk timex.Clock
}

func New(w mmio.Window, clk timex.Clock) *Device {
	return &Device{w: w, clk: clk}
}

// -----------------------------------------------------------------------------
// PLL
// -----------------------------------------------------------------------------

// PosdivFor returns log2 of the post divider that puts freq inside the VCO range.
func PosdivFor(freq uint32) (uint32, error) {
	switch {
	case freq > Posdiv2MaxKHz:
		return 0, fmt.Errorf("%w: %d", ErrFreqRange, freq)
	case freq > Posdiv4MaxKHz:
		return 1, nil
	case freq > Posdiv8MaxKHz:
		return 2, nil
	case freq > Posdiv16MaxKHz:
		return 3, nil
	case freq >= Posdiv16MinKHz:
		return 4, nil
	}
	return 0, fmt.Errorf("%w: %d", ErrFreqRange, freq)
}

// PCW computes the DDS word: freq * 2^posdiv / Fin in 8.14 fixed point.
func PCW(freq, posdiv uint32) uint32 {
	return uint32(((uint64(freq) << posdiv) << ddsShift) / FinKHz)
}

// Con1 packs a CON1 value with the PCW-changed strobe set.
func Con1(freq uint32) (uint32, error) {
	pd, err := PosdivFor(freq)
	if err != nil {
		return 0, err
	}
	pcw := PCW(freq, pd)
	if pcw == 0 {
		return 0, fmt.Errorf("%w: zero pcw for %d", ErrFreqRange, freq)
	}
	return con1PCWChg | pd<<con1PosdivShift | pcw&con1PCWMask, nil
}

// FreqOf decodes CON1 back to kHz, rounded up to 10 kHz.
func FreqOf(con1 uint32) uint32 {
	pcw := uint64(con1 & con1PCWMask)
	pd := (con1 & con1PosdivMask) >> con1PosdivShift
	f := uint32(((pcw * FinKHz) >> ddsShift) >> pd)
	return (f + 9) / 10 * 10
}

func (d *Device) WriteCon1(p PLL, con1 uint32) { d.w.Write32(p.reg(), con1) }

func (d *Device) Con1(p PLL) uint32 { return d.w.Read32(p.reg()) }

func (d *Device) Posdiv(p PLL) uint32 {
	return (d.Con1(p) & con1PosdivMask) >> con1PosdivShift
}

// Freq reads the PLL output frequency in kHz.
func (d *Device) Freq(p PLL) uint32 { return FreqOf(d.Con1(p)) }

// SettlePLL waits for a freshly written CON1 to lock.
func (d *Device) SettlePLL() { d.clk.DelayUs(PLLSettleUs) }

// -----------------------------------------------------------------------------
// Clock mux and gates
// -----------------------------------------------------------------------------

// SelectMain routes the given mux bits to their PLL.
func (d *Device) SelectMain(mask uint32) { mmio.SetBits(d.w, regRefSel, mask) }

// SelectSub parks the given mux bits on the reference clock.
func (d *Device) SelectSub(mask uint32) { mmio.ClearBits(d.w, regRefSel, mask) }

func (d *Device) OnMain(mask uint32) bool { return d.w.Read32(regRefSel)&mask == mask }

func (d *Device) EnableClocks() {
	mmio.SetBits(d.w, regCG, cgRefSel|cgTop)
	mmio.SetBits(d.w, regCG, cgStack)
}

func (d *Device) DisableClocks() {
	mmio.ClearBits(d.w, regCG, cgStack)
	mmio.ClearBits(d.w, regCG, cgTop|cgRefSel)
}

// -----------------------------------------------------------------------------
// Buck isolation and always-on resets
// -----------------------------------------------------------------------------

func (d *Device) ReleaseGPUIso() {
	d.w.Write32(regBuckIsoClr, gpuIsoMask)
	mmio.SetBits(d.w, regPwrConBase+4, pwrTopRstB)
}

func (d *Device) HoldGPUIso() {
	mmio.ClearBits(d.w, regPwrConBase+4, pwrTopRstB)
	d.w.Write32(regBuckIsoSet, gpuIsoMask)
}

func (d *Device) ReleaseStackIso() {
	d.w.Write32(regBuckIsoClr, stackIsoMask)
	mmio.SetBits(d.w, regPwrConBase+4, stackAORstB)
}

func (d *Device) HoldStackIso() {
	mmio.ClearBits(d.w, regPwrConBase+4, stackAORstB)
	d.w.Write32(regBuckIsoSet, stackIsoMask)
}

// -----------------------------------------------------------------------------
// MTCMOS
// -----------------------------------------------------------------------------

// poll waits until cond holds, up to n polls of pollUs each.
func (d *Device) poll(n int, cond func() bool) bool {
	for i := 0; i < n; i++ {
		d.clk.DelayUs(pollUs)
		if cond() {
			return true
		}
	}
	return false
}

func (d *Device) timeout(c errcode.Code, op string, dom Domain, step string) error {
	return &errcode.E{C: c, Op: op, Msg: fmt.Sprintf("%s %s pwr_con=0x%08x", dom.Name, step, d.w.Read32(dom.reg()))}
}

// PowerOn runs the MTCMOS power-up handshake for one domain.
func (d *Device) PowerOn(dom Domain) error {
	r := dom.reg()
	bits := func(m uint32) uint32 { return d.w.Read32(r) & m }

	mmio.SetBits(d.w, r, pwrOn)
	// First-stage acks are advisory; the combined check below is binding.
	d.poll(softAckPolls, func() bool { return bits(pwrAck) != 0 })
	mmio.SetBits(d.w, r, pwrOn2nd)
	d.poll(softAckPolls, func() bool { return bits(pwrAck2nd) != 0 })
	if !d.poll(ackPolls, func() bool { return bits(pwrAckBoth) == pwrAckBoth }) {
		return d.timeout(errcode.MtcmosAckTimeout, "mfgsys.power_on", dom, "pwr_ack")
	}
	mmio.ClearBits(d.w, r, pwrClkDis)
	mmio.ClearBits(d.w, r, pwrIso)
	mmio.SetBits(d.w, r, pwrRstB)
	mmio.ClearBits(d.w, r, pwrSramPdn)
	if !d.poll(ackPolls, func() bool { return bits(pwrSramAck) == 0 }) {
		return d.timeout(errcode.MtcmosAckTimeout, "mfgsys.power_on", dom, "sram_ack")
	}
	if dom.Shared {
		return d.ReleaseBusProtect()
	}
	return nil
}

// PowerOff is the reverse handshake.
func (d *Device) PowerOff(dom Domain) error {
	r := dom.reg()
	bits := func(m uint32) uint32 { return d.w.Read32(r) & m }

	if dom.Shared {
		if err := d.SetBusProtect(); err != nil {
			return err
		}
	}
	mmio.SetBits(d.w, r, pwrSramPdn)
	if !d.poll(ackPolls, func() bool { return bits(pwrSramAck) != 0 }) {
		return d.timeout(errcode.MtcmosAckTimeout, "mfgsys.power_off", dom, "sram_ack")
	}
	mmio.SetBits(d.w, r, pwrIso)
	mmio.SetBits(d.w, r, pwrClkDis)
	mmio.ClearBits(d.w, r, pwrRstB)
	mmio.ClearBits(d.w, r, pwrOn)
	mmio.ClearBits(d.w, r, pwrOn2nd)
	if !d.poll(ackPolls, func() bool { return bits(pwrAckBoth) == 0 }) {
		return d.timeout(errcode.MtcmosAckTimeout, "mfgsys.power_off", dom, "pwr_ack")
	}
	return nil
}

// PowerStatus reports whether a domain has both acks up.
func (d *Device) PowerStatus(dom Domain) bool {
	return d.w.Read32(dom.reg())&pwrAckBoth == pwrAckBoth
}

// -----------------------------------------------------------------------------
// Bus protection
// -----------------------------------------------------------------------------

type protStep struct {
	name     string
	set, clr uint32
	sta      uint32
	mask     uint32
	noWait   bool
}

var releaseSteps = []protStep{
	{name: "emi0", clr: regEmiProtClr0, sta: regEmiProtRdy0, mask: protEmi},
	{name: "emi1", clr: regEmiProtClr1, sta: regEmiProtRdy1, mask: protEmi},
	{name: "rx", clr: regSlpProtClr, sta: regSlpProtSta, mask: protRx},
	{name: "tx", clr: regSlpProtClr, sta: regSlpProtSta, mask: protTx},
	{name: "acp1", clr: regSlpProtClr, sta: regSlpProtSta, mask: protACP1},
	{name: "acp0", clr: regSlpProtClr, mask: protACP0, noWait: true},
}

var setSteps = []protStep{
	{name: "acp0", set: regSlpProtSet, mask: protACP0, noWait: true},
	{name: "acp1", set: regSlpProtSet, sta: regSlpProtSta, mask: protACP1},
	{name: "tx", set: regSlpProtSet, sta: regSlpProtSta, mask: protTx},
	{name: "rx", set: regSlpProtSet, sta: regSlpProtSta, mask: protRx},
	{name: "emi0", set: regEmiProtSet0, sta: regEmiProtRdy0, mask: protEmi},
	{name: "emi1", set: regEmiProtSet1, sta: regEmiProtRdy1, mask: protEmi},
}

// ReleaseBusProtect clears every protect group and waits for each ready
// status to drop.
func (d *Device) ReleaseBusProtect() error {
	for _, s := range releaseSteps {
		d.w.Write32(s.clr, s.mask)
		if s.noWait {
			continue
		}
		if !d.poll(ackPolls, func() bool { return d.w.Read32(s.sta)&s.mask == 0 }) {
			return &errcode.E{C: errcode.BusProtectTimeout, Op: "mfgsys.bus_release", Msg: s.name}
		}
	}
	return nil
}

// SetBusProtect engages protection in the reverse order.
func (d *Device) SetBusProtect() error {
	for _, s := range setSteps {
		d.w.Write32(s.set, s.mask)
		if s.noWait {
			continue
		}
		if !d.poll(ackPolls, func() bool { return d.w.Read32(s.sta)&s.mask == s.mask }) {
			return &errcode.E{C: errcode.BusProtectTimeout, Op: "mfgsys.bus_protect", Msg: s.name}
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Static configuration applied after every power-on
// -----------------------------------------------------------------------------

// Config selects the optional blocks written by ApplyConfig.
type Config struct {
	BusClkDiv2  bool `yaml:"bus_clk_div2"`
	HWDCM       bool `yaml:"hw_dcm"`
	ACP         bool `yaml:"acp"`
	Broadcaster bool `yaml:"broadcaster"`
}

func DefaultConfig() Config {
	return Config{HWDCM: true, ACP: true, Broadcaster: true}
}

func (d *Device) ApplyConfig(c Config) {
	if c.BusClkDiv2 {
		mmio.SetBits(d.w, regBusClkDiv, 1)
	}
	if c.HWDCM {
		mmio.SetBits(d.w, regTopDCM, dcmEnable)
		mmio.SetBits(d.w, regStackDCM, dcmEnable)
	}
	if c.ACP {
		mmio.SetBits(d.w, regACP, 1)
	}
	mmio.SetBits(d.w, regAXIMerger, 1)
	if c.Broadcaster {
		mmio.SetBits(d.w, regBroadcast, 1)
	}
}

// SetDelsel writes the SRAM delay select used by stress tests.
func (d *Device) SetDelsel(stack bool, v uint32) {
	if stack {
		d.w.Write32(regDelselStck, v)
		return
	}
	d.w.Write32(regDelselTop, v)
}

func (d *Device) Delsel(stack bool) uint32 {
	if stack {
		return d.w.Read32(regDelselStck)
	}
	return d.w.Read32(regDelselTop)
}
