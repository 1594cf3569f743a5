package bq2589x

import (
	"context"
	"errors"
	"time"

	"powercore-go/errcode"
	"powercore-go/types"
	"powercore-go/x/mathx"
	"powercore-go/x/timex"

	"tinygo.org/x/drivers"
)

var (
	ErrICOTimeout = errors.New("ico_timeout")
	ErrNoNTCTable = errors.New("no_ntc_table")
)

// NTCPoint maps a TS/REGN ratio (0.1 %) to a temperature (degC).
type NTCPoint struct {
	Permille int `yaml:"permille"`
	TempC    int `yaml:"temp"`
}

// DefaultNTC is a 103AT thermistor behind RT1=5.23k / RT2=30.1k.
var DefaultNTC = []NTCPoint{
	{806, -20}, {777, -10}, {737, 0}, {686, 10}, {624, 20}, {589, 25},
	{554, 30}, {480, 40}, {444, 45}, {408, 50}, {341, 60}, {282, 70},
}

// Driver configuration. Integer-only.
type Config struct {
	Address        uint16        `yaml:"address"`
	NTC            []NTCPoint    `yaml:"ntc"`                // descending ratio
	MinCharge_uA   int           `yaml:"min_charge_current"` // smallest usable ICHG
	MinInput_uA    int           `yaml:"min_input_current"`  // smallest usable IINLIM
	ICOPoll        time.Duration `yaml:"ico_poll"`
	ICOPollLimit   int           `yaml:"ico_poll_limit"`
	TermCurrent_uA int           `yaml:"term_current"`
}

func DefaultConfig() Config {
	return Config{
		Address:        AddressDefault,
		NTC:            DefaultNTC,
		MinCharge_uA:   128_000,
		MinInput_uA:    iinlimMin_uA,
		ICOPoll:        20 * time.Millisecond,
		ICOPollLimit:   50,
		TermCurrent_uA: 256_000,
	}
}

// Device represents a bq2589x on an I2C bus.
type Device struct {
	i2c  drivers.I2C
	addr uint16
	cfg  Config
	clk  timex.Clock

	lastEvent types.ChargerEvent

	// Fixed buffers to avoid per-call heap allocations.
	w [2]byte
	r [1]byte
}

// New constructs a Device with supplied config.
func New(i2c drivers.I2C, cfg Config, clk timex.Clock) *Device {
	if cfg.Address == 0 {
		cfg.Address = AddressDefault
	}
	if len(cfg.NTC) == 0 {
		cfg.NTC = DefaultNTC
	}
	if cfg.ICOPollLimit <= 0 {
		cfg.ICOPollLimit = 50
	}
	if clk == nil {
		clk = timex.Wall{}
	}
	return &Device{i2c: i2c, addr: cfg.Address, cfg: cfg, clk: clk}
}

// Init stops the watchdog, enables continuous ADC and ICO, and programs
// the termination current.
func (d *Device) Init() error {
	if _, err := d.readReg(regDevice); err != nil {
		return errcode.Wrap(errcode.InitFailed, "bq2589x.probe", err)
	}
	steps := []struct{ reg, mask, val byte }{
		{regTimer, maskWatchdog, 0},
		{regADC, bitConvRate | bitICOEn, bitConvRate | bitICOEn},
		{regTerm, 0x0F, byte(mathx.Clamp((d.cfg.TermCurrent_uA-64_000)/64_000, 0, 15))},
		{regInput, bitEnILIM, 0},
	}
	for _, s := range steps {
		if err := d.updateReg(s.reg, s.mask, s.val); err != nil {
			return errcode.Wrap(errcode.InitFailed, "bq2589x.init", err)
		}
	}
	return nil
}

// ---------------- telemetry ----------------

func (d *Device) VBus() (int, error) {
	v, err := d.readReg(regVBUSV)
	if err != nil {
		return 0, err
	}
	return vbusValue(v), nil
}

// IBus is not measured by this part.
func (d *Device) IBus() (int, error) { return 0, errcode.Unsupported }

func (d *Device) BatteryVoltage() (int, error) {
	v, err := d.readReg(regBATV)
	if err != nil {
		return 0, err
	}
	return batvValue(v), nil
}

// BatteryCurrent is the charge current ADC (charging only, never negative).
func (d *Device) BatteryCurrent() (int, error) {
	v, err := d.readReg(regICHGR)
	if err != nil {
		return 0, err
	}
	return ichgrValue(v), nil
}

// BatteryTemperature interpolates the TS ratio through the NTC table.
func (d *Device) BatteryTemperature() (int, error) {
	v, err := d.readReg(regTSPCT)
	if err != nil {
		return 0, err
	}
	return ntcTemp(d.cfg.NTC, tsPermille(v))
}

func ntcTemp(tab []NTCPoint, pm int) (int, error) {
	if len(tab) == 0 {
		return 0, ErrNoNTCTable
	}
	if pm >= tab[0].Permille {
		return tab[0].TempC, nil
	}
	for i := 1; i < len(tab); i++ {
		if pm >= tab[i].Permille {
			a, b := tab[i-1], tab[i]
			return mathx.Lerp(pm, a.Permille, b.Permille, a.TempC, b.TempC), nil
		}
	}
	return tab[len(tab)-1].TempC, nil
}

func (d *Device) ChargerType() (types.ChargerType, error) {
	v, err := d.readReg(regStatus)
	if err != nil {
		return types.ChargerUnknown, err
	}
	switch v >> 5 {
	case vbusSDP:
		return types.ChargerUSB, nil
	case vbusCDP:
		return types.ChargerCDP, nil
	case vbusDCP:
		return types.ChargerDCP, nil
	case vbusHVDCP:
		return types.ChargerHVDCP, nil
	case vbusUnknown, vbusNonStd:
		return types.ChargerFloat, nil
	default:
		return types.ChargerUnknown, nil
	}
}

func (d *Device) PowerGood() (bool, error) {
	v, err := d.readReg(regStatus)
	return v&bitPG != 0, err
}

func (d *Device) IsChargingDone() (bool, error) {
	v, err := d.readReg(regStatus)
	if err != nil {
		return false, err
	}
	return (v>>3)&3 == chrgStatDone, nil
}

func (d *Device) Faults() (Fault, error) {
	// REG0C latches; the first read returns the latched value.
	v, err := d.readReg(regFault)
	return Fault(v), err
}

func (d *Device) SafetyTimerExpired() (bool, error) {
	f, err := d.Faults()
	if err != nil {
		return false, err
	}
	return f.SafetyTimerExpired(), nil
}

// ---------------- control ----------------

func (d *Device) SetInputCurrent(uA int) error {
	return d.updateReg(regInput, iinlimMax, iinlimCode(uA))
}

func (d *Device) InputCurrent() (int, error) {
	v, err := d.readReg(regInput)
	if err != nil {
		return 0, err
	}
	return iinlimValue(v), nil
}

func (d *Device) SetChargingCurrent(uA int) error {
	return d.updateReg(regICHG, 0x7F, ichgCode(uA))
}

func (d *Device) ChargingCurrent() (int, error) {
	v, err := d.readReg(regICHG)
	if err != nil {
		return 0, err
	}
	return ichgValue(v), nil
}

func (d *Device) SetConstantVoltage(uV int) error {
	return d.updateReg(regVREG, 0xFC, vregCode(uV)<<2)
}

func (d *Device) ConstantVoltage() (int, error) {
	v, err := d.readReg(regVREG)
	if err != nil {
		return 0, err
	}
	return vregValue(v >> 2), nil
}

// SetMIVR programs an absolute VINDPM threshold.
func (d *Device) SetMIVR(uV int) error {
	return d.writeReg(regVINDPM, bitForceVINDPM|vindpmCode(uV))
}

func (d *Device) MIVR() (int, error) {
	v, err := d.readReg(regVINDPM)
	if err != nil {
		return 0, err
	}
	return vindpmValue(v), nil
}

func (d *Device) Enable(on bool) error {
	if on {
		return d.setBits(regSysCfg, bitChgConfig)
	}
	return d.clearBits(regSysCfg, bitChgConfig)
}

func (d *Device) IsEnabled() (bool, error) {
	v, err := d.readReg(regSysCfg)
	return v&bitChgConfig != 0, err
}

// SetHiZ suspends (true) or resumes the input path.
func (d *Device) SetHiZ(on bool) error {
	if on {
		return d.setBits(regInput, bitHiZ)
	}
	return d.clearBits(regInput, bitHiZ)
}

func (d *Device) MinChargingCurrent() (int, error) { return d.cfg.MinCharge_uA, nil }
func (d *Device) MinInputCurrent() (int, error)    { return d.cfg.MinInput_uA, nil }

// RunAICL forces input current optimisation and returns the settled limit.
func (d *Device) RunAICL(ctx context.Context) (int, error) {
	if err := d.setBits(regCtrl, bitForceICO); err != nil {
		return 0, err
	}
	for i := 0; i < d.cfg.ICOPollLimit; i++ {
		if err := d.clk.Sleep(ctx, d.cfg.ICOPoll); err != nil {
			return 0, err
		}
		v, err := d.readReg(regDevice)
		if err != nil {
			return 0, err
		}
		if v&bitICOOptimize != 0 {
			lim, err := d.readReg(regIDPM)
			if err != nil {
				return 0, err
			}
			return idpmValue(lim), nil
		}
	}
	return 0, errcode.Wrap(errcode.Timeout, "bq2589x.aicl", ErrICOTimeout)
}

// Event receives Full/Recharge notifications. On recharge the charge
// cycle is restarted by toggling CHG_CONFIG.
func (d *Device) Event(ev types.ChargerEvent) error {
	d.lastEvent = ev
	if ev != types.EventRecharge {
		return nil
	}
	if err := d.Enable(false); err != nil {
		return err
	}
	return d.Enable(true)
}

func (d *Device) LastEvent() types.ChargerEvent { return d.lastEvent }
