package charger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"powercore-go/drivers/afc"
	"powercore-go/errcode"
	"powercore-go/types"
)

type fakeIC struct {
	pg        bool
	typ       types.ChargerType
	vbus      int
	vbat      int
	ibat      int
	temp      int
	done      bool
	timeout   bool
	minCharge int
	minInput  int
	aicl      int

	input, charge, cv, mivr int
	enabled                 bool
	hiz                     bool
	events                  []types.ChargerEvent
	ops                     []string

	vbusErr, mivrErr, eventErr error
}

func newFakeIC() *fakeIC {
	return &fakeIC{
		pg:        true,
		typ:       types.ChargerDCP,
		vbus:      5_000_000,
		vbat:      3_900_000,
		temp:      25,
		minCharge: 128_000,
		minInput:  100_000,
	}
}

func (f *fakeIC) VBus() (int, error)                      { return f.vbus, f.vbusErr }
func (f *fakeIC) IBus() (int, error)                      { return 0, errcode.Unsupported }
func (f *fakeIC) BatteryVoltage() (int, error)            { return f.vbat, nil }
func (f *fakeIC) BatteryCurrent() (int, error)            { return f.ibat, nil }
func (f *fakeIC) BatteryTemperature() (int, error)        { return f.temp, nil }
func (f *fakeIC) ChargerType() (types.ChargerType, error) { return f.typ, nil }
func (f *fakeIC) PowerGood() (bool, error)                { return f.pg, nil }
func (f *fakeIC) IsChargingDone() (bool, error)           { return f.done, nil }
func (f *fakeIC) SafetyTimerExpired() (bool, error)       { return f.timeout, nil }
func (f *fakeIC) InputCurrent() (int, error)              { return f.input, nil }
func (f *fakeIC) MIVR() (int, error)                      { return f.mivr, nil }
func (f *fakeIC) MinChargingCurrent() (int, error)        { return f.minCharge, nil }
func (f *fakeIC) MinInputCurrent() (int, error)           { return f.minInput, nil }

func (f *fakeIC) SetInputCurrent(uA int) error {
	f.input = uA
	f.ops = append(f.ops, fmt.Sprintf("input %d", uA))
	return nil
}

func (f *fakeIC) SetChargingCurrent(uA int) error {
	f.charge = uA
	f.ops = append(f.ops, fmt.Sprintf("charge %d", uA))
	return nil
}

func (f *fakeIC) SetConstantVoltage(uV int) error {
	f.cv = uV
	f.ops = append(f.ops, fmt.Sprintf("cv %d", uV))
	return nil
}

func (f *fakeIC) SetMIVR(uV int) error {
	if f.mivrErr != nil {
		return f.mivrErr
	}
	f.mivr = uV
	f.ops = append(f.ops, fmt.Sprintf("mivr %d", uV))
	return nil
}

func (f *fakeIC) Enable(on bool) error {
	f.enabled = on
	f.ops = append(f.ops, fmt.Sprintf("enable %v", on))
	return nil
}

func (f *fakeIC) SetHiZ(on bool) error {
	f.hiz = on
	return nil
}

func (f *fakeIC) RunAICL(ctx context.Context) (int, error) {
	if f.aicl == 0 {
		return 0, errcode.Unsupported
	}
	return f.aicl, nil
}

func (f *fakeIC) Event(ev types.ChargerEvent) error {
	f.events = append(f.events, ev)
	return f.eventErr
}

func (f *fakeIC) has(op string) bool {
	for _, o := range f.ops {
		if o == op {
			return true
		}
	}
	return false
}

// fakeNeg stands in for an AFC session.
type fakeNeg struct {
	ic       *fakeIC
	pre      int
	fail     bool // SetTargetVoltage fails
	onTarget func()
	targets  []int
	resets   int
	suspends int
	last     errcode.Code
}

func (n *fakeNeg) SetTargetVoltage(ctx context.Context, target int, keepGoing func() bool) error {
	n.targets = append(n.targets, target)
	if n.onTarget != nil {
		n.onTarget()
	}
	if keepGoing != nil && !keepGoing() {
		n.last = errcode.IoError
		return errcode.Wrap(errcode.IoError, "fake", nil)
	}
	if n.fail {
		n.last = errcode.SpingErr1
		return errcode.Wrap(errcode.IoError, "fake", errcode.SpingErr1)
	}
	n.last = errcode.OK
	if n.ic != nil {
		n.ic.vbus = target
	}
	return nil
}

func (n *fakeNeg) PreCheck(ctx context.Context, isDCP func() bool) (int, error) {
	if !isDCP() {
		return afc.PreCheckStop, nil
	}
	return n.pre, nil
}

func (n *fakeNeg) ResetTaVchr(ctx context.Context) error {
	n.resets++
	if n.ic != nil {
		n.ic.vbus = afc.Volt5V
	}
	return nil
}

func (n *fakeNeg) Suspend() error {
	n.suspends++
	return nil
}

func (n *fakeNeg) LastError() errcode.Code { return n.last }

// fakeGuard records the VBUS over-voltage gate.
type fakeGuard struct{ calls []bool }

func (g *fakeGuard) EnableVBusOVP(on bool) { g.calls = append(g.calls, on) }

func (g *fakeGuard) enabled() bool { return len(g.calls) == 0 || g.calls[len(g.calls)-1] }

// fakeAlg reports a fixed status and records what it was given.
type fakeAlg struct {
	name    string
	ready   AlgStatus
	start   AlgStatus
	limit   types.ChargeLimitSetting
	started int
	events  []types.ChargerEvent
	stopped int
}

func (a *fakeAlg) Name() string                             { return a.name }
func (a *fakeAlg) Init(ctx context.Context) error           { return nil }
func (a *fakeAlg) IsReady(ctx context.Context) AlgStatus    { return a.ready }
func (a *fakeAlg) IsRunning() bool                          { return a.ready == AlgRunning }
func (a *fakeAlg) GetProp(p types.ChargerProp) (int, error) { return 0, errcode.Unsupported }
func (a *fakeAlg) SetProp(p types.ChargerProp, v int) error { return nil }
func (a *fakeAlg) SetCurrentLimit(s types.ChargeLimitSetting) error {
	a.limit = s
	return nil
}

func (a *fakeAlg) Start(ctx context.Context) (AlgStatus, error) {
	a.started++
	if a.start == AlgRunning {
		a.ready = AlgRunning
	}
	return a.start, nil
}

func (a *fakeAlg) Stop(ctx context.Context) error {
	a.stopped++
	a.ready = AlgReady
	return nil
}

func (a *fakeAlg) Notify(ctx context.Context, ev types.ChargerEvent) error {
	a.events = append(a.events, ev)
	return nil
}

var errFailingInit = errors.New("no pins")

type failingAlg struct{ fakeAlg }

func (a *failingAlg) Init(ctx context.Context) error { return errFailingInit }

func quiet(string, ...any) {}

// logRec collects formatted log lines.
type logRec struct {
	mu    sync.Mutex
	lines []string
}

func (l *logRec) logf(format string, args ...any) {
	l.mu.Lock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
	l.mu.Unlock()
}

func (l *logRec) has(prefix string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, s := range l.lines {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}
