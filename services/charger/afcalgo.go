package charger

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"powercore-go/drivers/afc"
	"powercore-go/errcode"
	"powercore-go/types"
	"powercore-go/x/logx"
	"powercore-go/x/mathx"
	"powercore-go/x/timex"

	"github.com/jpillora/backoff"
)

// Negotiator is the adapter side of AFC. *afc.Session satisfies it.
type Negotiator interface {
	SetTargetVoltage(ctx context.Context, target int, keepGoing func() bool) error
	PreCheck(ctx context.Context, isDCP func() bool) (int, error)
	ResetTaVchr(ctx context.Context) error
	Suspend() error
	LastError() errcode.Code
}

type AfcConfig struct {
	PreInput_uA  int `yaml:"pre_input_current"`
	Input_uA     int `yaml:"input_current"`
	Charger_uA   int `yaml:"charger_current"`
	ACInput_uA   int `yaml:"-"`
	ACCharger_uA int `yaml:"-"`
	StartSOC     int `yaml:"start_soc"`
	StopSOC      int `yaml:"stop_soc"`
	ExitVBus_uV  int `yaml:"exit_vbus"`
	MIVR9V_uV    int `yaml:"mivr_9v"`
	MIVR5V_uV    int `yaml:"mivr_5v"`

	BackoffMin time.Duration `yaml:"backoff_min"`
	BackoffMax time.Duration `yaml:"backoff_max"`

	Logf func(format string, args ...any) `yaml:"-"`
}

func DefaultAfcConfig() AfcConfig {
	return AfcConfig{
		PreInput_uA:  500_000,
		Input_uA:     1_670_000,
		Charger_uA:   3_000_000,
		ACInput_uA:   3_200_000,
		ACCharger_uA: 2_050_000,
		StartSOC:     0,
		StopSOC:      85,
		ExitVBus_uV:  6_500_000,
		MIVR9V_uV:    7_600_000,
		MIVR5V_uV:    4_600_000,
		BackoffMin:   10 * time.Second,
		BackoffMax:   5 * time.Minute,
	}
}

// Afc drives a travel adapter between 5 V and 9 V.
type Afc struct {
	cfg  AfcConfig
	neg  Negotiator
	ic   IC
	clk  timex.Clock
	logf func(format string, args ...any)

	// hvDisabled is read by a negotiation in progress, outside mu.
	hvDisabled atomic.Bool

	mu        sync.Mutex
	state     types.AfcState
	connected bool
	guard     VBusGuard
	soc       int
	limit     types.ChargeLimitSetting
	hasLimit  bool
	bo        *backoff.Backoff
	notBefore time.Time
}

type noGuard struct{}

func (noGuard) EnableVBusOVP(bool) {}

// NewAfc builds the algorithm. neg may be nil when the pins could not
// be claimed; Init then reports failure.
func NewAfc(cfg AfcConfig, neg Negotiator, ic IC, clk timex.Clock) *Afc {
	if clk == nil {
		clk = timex.Wall{}
	}
	logf := cfg.Logf
	if logf == nil {
		logf = logx.Printf
	}
	return &Afc{
		cfg:   cfg,
		neg:   neg,
		ic:    ic,
		clk:   clk,
		logf:  logf,
		state: types.AfcHwUninit,
		guard: noGuard{},
		bo: &backoff.Backoff{
			Min:    cfg.BackoffMin,
			Max:    cfg.BackoffMax,
			Factor: 2,
		},
	}
}

func (a *Afc) Name() string { return "afc" }

// SetVBusGuard hands over the charger's VBUS over-voltage gate, lifted
// while the adapter is above 5 V.
func (a *Afc) SetVBusGuard(g VBusGuard) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if g == nil {
		g = noGuard{}
	}
	a.guard = g
}

func (a *Afc) Init(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.neg == nil || a.ic == nil {
		a.state = types.AfcHwFail
		return errcode.Wrap(errcode.InitFailed, "afc.init", nil)
	}
	a.state = types.AfcHwReady
	return nil
}

func (a *Afc) State() types.AfcState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Connected reports whether the adapter is believed to be at 9 V.
func (a *Afc) Connected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

func (a *Afc) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return running(a.state)
}

func running(s types.AfcState) bool {
	return s == types.AfcRun || s == types.AfcTuning || s == types.AfcPostCC
}

func (a *Afc) isDCP() bool {
	t, err := a.ic.ChargerType()
	return err == nil && t == types.ChargerDCP
}

func (a *Afc) socInWindow() bool {
	return a.soc >= a.cfg.StartSOC && a.soc <= a.cfg.StopSOC
}

func (a *Afc) IsReady(ctx context.Context) AlgStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.readyLocked()
}

func (a *Afc) readyLocked() AlgStatus {
	switch {
	case a.state == types.AfcHwUninit || a.state == types.AfcHwFail:
		return AlgInitFail
	case a.state == types.AfcTaNotSupported:
		return AlgTaNotSupport
	case running(a.state):
		return AlgRunning
	}
	switch {
	case !a.isDCP():
		return AlgTaNotSupport
	case a.connected:
		return AlgTaChecking
	case a.hvDisabled.Load(), !a.socInWindow():
		return AlgNotReady
	case a.clk.Now().Before(a.notBefore):
		return AlgNotReady
	}
	return AlgReady
}

func (a *Afc) Start(ctx context.Context) (AlgStatus, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if running(a.state) {
		return a.monitor(ctx)
	}
	if st := a.readyLocked(); st != AlgReady {
		return st, nil
	}
	return a.check(ctx)
}

// check negotiates 9 V from HwReady.
func (a *Afc) check(ctx context.Context) (AlgStatus, error) {
	if err := a.ic.SetInputCurrent(a.cfg.PreInput_uA); err != nil {
		return AlgNotReady, err
	}
	r, err := a.neg.PreCheck(ctx, a.isDCP)
	if err != nil {
		return AlgNotReady, err
	}
	if r == afc.PreCheckStop {
		return AlgNotReady, nil
	}
	if err := a.ic.SetMIVR(a.cfg.MIVR9V_uV); err != nil {
		return AlgNotReady, err
	}
	a.guard.EnableVBusOVP(false)

	aborted := false
	keep := func() bool {
		ok := !a.hvDisabled.Load() && a.isDCP()
		aborted = !ok
		return ok
	}
	err = a.neg.SetTargetVoltage(ctx, afc.Volt9V, keep)
	if err == nil {
		a.state = types.AfcRun
		a.connected = true
		a.bo.Reset()
		a.logf("info: afc: adapter at 9V")
		return AlgRunning, a.commit()
	}
	a.restoreLocked()
	if ctx.Err() != nil {
		return AlgNotReady, ctx.Err()
	}
	if aborted {
		return AlgNotReady, nil
	}
	a.state = types.AfcTaNotSupported
	a.logf("notice: afc: adapter not supported: %v", err)
	return AlgTaNotSupport, nil
}

// monitor runs each tick while at 9 V.
func (a *Afc) monitor(ctx context.Context) (AlgStatus, error) {
	if v, err := a.ic.VBus(); err == nil && v < a.cfg.ExitVBus_uV {
		a.state = types.AfcHwReady
		a.connected = false
		a.restoreLocked()
		d := a.bo.Duration()
		a.notBefore = a.clk.Now().Add(d)
		a.logf("warning: afc: vbus %d uV, leaving, retry in %v", v, d)
		return AlgNotReady, nil
	}
	if a.hvDisabled.Load() || a.soc > a.cfg.StopSOC {
		a.state = types.AfcHwReady
		if err := a.down(ctx); err != nil {
			return AlgNotReady, err
		}
		return AlgNotReady, nil
	}
	return AlgRunning, a.commit()
}

// commit applies the AFC currents, capped by the arbiter's setting.
func (a *Afc) commit() error {
	in, ch := a.cfg.Input_uA, a.cfg.Charger_uA
	cv := 0
	if a.hasLimit {
		in = mathx.Min(in, a.limit.InputCurrentLimit1_uA)
		ch = mathx.Min(ch, a.limit.ChargingCurrentLimit1_uA)
		cv = a.limit.ConstantVoltage_uV
	}
	if err := a.ic.SetInputCurrent(in); err != nil {
		return err
	}
	if err := a.ic.SetChargingCurrent(ch); err != nil {
		return err
	}
	if cv > 0 {
		if err := a.ic.SetConstantVoltage(cv); err != nil {
			return err
		}
	}
	return a.ic.Enable(in > 0 && ch > 0)
}

func (a *Afc) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == types.AfcHwUninit || a.state == types.AfcHwFail {
		return nil
	}
	return a.resetLocked(ctx)
}

// resetLocked returns the adapter to 5 V.
func (a *Afc) resetLocked(ctx context.Context) error {
	err := a.neg.ResetTaVchr(ctx)
	a.state = types.AfcHwReady
	a.connected = false
	a.restoreLocked()
	return err
}

// restoreLocked puts back the 5 V input regulation and the VBUS
// over-voltage gate.
func (a *Afc) restoreLocked() {
	if err := a.ic.SetMIVR(a.cfg.MIVR5V_uV); err != nil {
		a.logf("warning: afc: restore mivr: %v", err)
	}
	a.guard.EnableVBusOVP(true)
}

func (a *Afc) Notify(ctx context.Context, ev types.ChargerEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch ev {
	case types.EventPlugIn:
		a.bo.Reset()
		a.notBefore = time.Time{}
		if a.state == types.AfcTaNotSupported {
			a.state = types.AfcHwReady
		}
	case types.EventPlugOut:
		var err error
		if a.neg != nil {
			if running(a.state) || a.connected {
				err = a.resetLocked(ctx)
			}
			if serr := a.neg.Suspend(); serr != nil && err == nil {
				err = serr
			}
		}
		if a.state != types.AfcHwUninit && a.state != types.AfcHwFail {
			a.state = types.AfcHwReady
		}
		a.connected = false
		a.bo.Reset()
		a.notBefore = time.Time{}
		return err
	case types.EventFull:
		if running(a.state) || a.connected {
			return a.resetLocked(ctx)
		}
	case types.EventRecharge:
		// renegotiates on the next tick
		a.notBefore = time.Time{}
	case types.EventHVDisable, types.EventDischarge:
		if a.connected {
			a.state = types.AfcHwReady
			return a.down(ctx)
		}
	}
	return nil
}

func (a *Afc) GetProp(p types.ChargerProp) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch p {
	case types.PropHVDisable:
		return boolInt(a.hvDisabled.Load()), nil
	case types.PropAfcResult:
		if a.neg == nil {
			return ResultValue(errcode.InitFailed), nil
		}
		return ResultValue(a.neg.LastError()), nil
	case types.PropAfcToggle:
		return boolInt(a.connected), nil
	case types.PropCapacity:
		return a.soc, nil
	}
	return 0, errcode.Unsupported
}

// HVDisabled reports the administrative HV switch.
func (a *Afc) HVDisabled() bool { return a.hvDisabled.Load() }

// SetProp takes PropHVDisable without the state lock so that a
// negotiation already running sees it on its next cycle.
func (a *Afc) SetProp(p types.ChargerProp, v int) error {
	if p == types.PropHVDisable {
		a.hvDisabled.Store(v != 0)
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	switch p {
	case types.PropCapacity:
		a.soc = v
	default:
		return errcode.Unsupported
	}
	return nil
}

func (a *Afc) SetCurrentLimit(s types.ChargeLimitSetting) error {
	a.mu.Lock()
	a.limit = s
	a.hasLimit = true
	a.mu.Unlock()
	return nil
}

// Toggle moves the adapter by hand, 9 V when high. Input current is
// lowered before the switch and restored if it fails.
func (a *Afc) Toggle(ctx context.Context, high bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.neg == nil {
		return errcode.Wrap(errcode.NotReady, "afc.toggle", nil)
	}
	if !a.isDCP() {
		return errcode.Wrap(errcode.NotReady, "afc.toggle", nil)
	}
	if high {
		return a.up(ctx)
	}
	if err := a.down(ctx); err != nil {
		return err
	}
	if running(a.state) {
		a.state = types.AfcHwReady
	}
	return nil
}

func (a *Afc) up(ctx context.Context) error {
	before, err := a.ic.InputCurrent()
	if err != nil {
		return err
	}
	mivr, err := a.ic.MIVR()
	if err != nil {
		return err
	}
	if err := a.ic.SetMIVR(a.cfg.MIVR9V_uV); err != nil {
		return err
	}
	lowered := before > a.cfg.Input_uA
	if lowered {
		if err := a.ic.SetInputCurrent(a.cfg.Input_uA); err != nil {
			return err
		}
	}
	a.guard.EnableVBusOVP(false)
	if err := a.neg.SetTargetVoltage(ctx, afc.Volt9V, nil); err != nil {
		a.logf("warning: afc: 5V to 9V failed: %v", err)
		if lowered {
			if rerr := a.ic.SetInputCurrent(before); rerr != nil {
				a.logf("warning: afc: restore input current: %v", rerr)
			}
		}
		if rerr := a.ic.SetMIVR(mivr); rerr != nil {
			a.logf("warning: afc: restore mivr: %v", rerr)
		}
		a.guard.EnableVBusOVP(true)
		return err
	}
	a.connected = true
	a.state = types.AfcRun
	a.logf("info: afc: 5V to 9V")
	if err := a.ic.SetInputCurrent(a.cfg.Input_uA); err != nil {
		return err
	}
	return a.ic.SetChargingCurrent(a.cfg.Charger_uA)
}

func (a *Afc) down(ctx context.Context) error {
	before, err := a.ic.InputCurrent()
	if err != nil {
		return err
	}
	lowered := before > a.cfg.ACInput_uA
	if lowered {
		if err := a.ic.SetInputCurrent(a.cfg.ACInput_uA); err != nil {
			return err
		}
	}
	if err := a.neg.SetTargetVoltage(ctx, afc.Volt5V, nil); err != nil {
		a.logf("warning: afc: 9V to 5V failed: %v", err)
		if lowered {
			if rerr := a.ic.SetInputCurrent(before); rerr != nil {
				a.logf("warning: afc: restore input current: %v", rerr)
			}
		}
		return err
	}
	a.connected = false
	a.logf("info: afc: 9V to 5V")
	a.guard.EnableVBusOVP(true)
	if err := a.ic.SetMIVR(a.cfg.MIVR5V_uV); err != nil {
		return err
	}
	if err := a.ic.SetInputCurrent(a.cfg.ACInput_uA); err != nil {
		return err
	}
	return a.ic.SetChargingCurrent(a.cfg.ACCharger_uA)
}

// ResultValue maps a handshake code to the AFC_RESULT property value.
func ResultValue(c errcode.Code) int {
	switch c {
	case errcode.OK:
		return 0
	case errcode.SpingErr1:
		return 1
	case errcode.SpingErr2:
		return 2
	case errcode.SpingErr3:
		return 3
	case errcode.SpingErr4:
		return 4
	default:
		return 5
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
