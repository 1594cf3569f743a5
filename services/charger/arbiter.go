package charger

import (
	"context"
	"errors"

	"powercore-go/errcode"
	"powercore-go/types"
	"powercore-go/x/mathx"
)

// Unset marks an absent thermal limit.
const Unset = -1

// Inputs is the full snapshot one decision depends on. The same Inputs
// always produce the same setting.
type Inputs struct {
	Type         types.ChargerType
	USBUnlimited bool
	Water        bool
	LowPowerBoot bool
	ATM          bool
	AfcConnected bool // adapter negotiated to high voltage
	JeitaEnabled bool
	Jeita        JeitaState

	// Per charger IC, index 0 is CHG1. Unset when not limited.
	ThermalInput  [2]int
	ThermalCharge [2]int

	MinCharge_uA int // 0 when the IC does not report one
	MinInput_uA  int
	StoreMode    bool
}

// NoThermal returns Inputs with both thermal limits unset.
func NoThermal() Inputs {
	return Inputs{
		ThermalInput:  [2]int{Unset, Unset},
		ThermalCharge: [2]int{Unset, Unset},
	}
}

// Arbiter computes the charge limit setting and tracks the charging
// done flag between ticks.
type Arbiter struct {
	cfg  Config
	done bool
}

func NewArbiter(cfg Config) *Arbiter {
	return &Arbiter{cfg: cfg}
}

// base picks the pair for the detected BC1.2 type.
func (a *Arbiter) base(in Inputs) (input, charge int) {
	c := &a.cfg
	switch in.Type {
	case types.ChargerUSB:
		return c.USBInput_uA, c.USBCharger_uA
	case types.ChargerCDP:
		return c.CDPInput_uA, c.CDPCharger_uA
	case types.ChargerDCP, types.ChargerHVDCP:
		if in.AfcConnected {
			return c.AfcInput_uA, c.AfcCharger_uA
		}
		return c.ACInput_uA, c.ACCharger_uA
	case types.ChargerFloat:
		return c.FloatInput_uA, c.FloatCharger_uA
	default:
		return c.USBInput_uA, c.USBCharger_uA
	}
}

// split spreads one decision over the charger ICs. In a series dual
// setup CHG2 mirrors the input limit and takes half the charge current.
func (a *Arbiter) split(input, charge, cv int) types.ChargeLimitSetting {
	s := types.ChargeLimitSetting{
		InputCurrentLimit1_uA:    input,
		ChargingCurrentLimit1_uA: charge,
		ConstantVoltage_uV:       cv,
	}
	if a.cfg.Dual {
		half := charge / 2
		s.ChargingCurrentLimit1_uA = charge - half
		s.ChargingCurrentLimit2_uA = half
		s.InputCurrentLimit2_uA = input
	}
	return s
}

// Select runs the priority chain for one tick.
func (a *Arbiter) Select(in Inputs) types.ChargeLimitSetting {
	c := &a.cfg
	cv := c.BatteryCV_uV
	if in.JeitaEnabled && in.Jeita.CV_uV > 0 {
		cv = in.Jeita.CV_uV
	}
	input, charge := a.base(in)

	switch {
	case in.USBUnlimited:
		return a.split(c.ACInput_uA, c.ACCharger_uA, cv)
	case in.Water:
		return a.split(c.USBInput_uA, c.USBCharger_uA, cv)
	case in.LowPowerBoot:
		return a.split(mathx.Min(input, c.BootInput_uA), charge, cv)
	case in.ATM && (in.Type == types.ChargerUSB || in.Type == types.ChargerCDP):
		return a.split(mathx.Min(input, c.ATMInput_uA), charge, cv)
	}

	if in.JeitaEnabled && in.Jeita.CC_uA > 0 {
		charge = mathx.Min(charge, in.Jeita.CC_uA)
	}
	s := a.split(input, charge, cv)

	if v := in.ThermalInput[0]; v != Unset {
		s.InputCurrentLimit1_uA = mathx.Min(s.InputCurrentLimit1_uA, v)
	}
	if v := in.ThermalCharge[0]; v != Unset {
		s.ChargingCurrentLimit1_uA = mathx.Min(s.ChargingCurrentLimit1_uA, v)
	}
	if c.Dual {
		if v := in.ThermalInput[1]; v != Unset {
			s.InputCurrentLimit2_uA = mathx.Min(s.InputCurrentLimit2_uA, v)
		}
		if v := in.ThermalCharge[1]; v != Unset {
			s.ChargingCurrentLimit2_uA = mathx.Min(s.ChargingCurrentLimit2_uA, v)
		}
	}

	// An AFC negotiation in flight needs whatever current it has.
	if !in.AfcConnected {
		if in.MinCharge_uA > 0 {
			if s.ChargingCurrentLimit1_uA < in.MinCharge_uA {
				s.ChargingCurrentLimit1_uA = 0
			}
			if c.Dual && s.ChargingCurrentLimit2_uA < in.MinCharge_uA {
				s.ChargingCurrentLimit2_uA = 0
			}
		}
		if in.MinInput_uA > 0 {
			if s.InputCurrentLimit1_uA < in.MinInput_uA {
				s.InputCurrentLimit1_uA = 0
			}
			if c.Dual && s.InputCurrentLimit2_uA < in.MinInput_uA {
				s.InputCurrentLimit2_uA = 0
			}
		}
	}

	if in.StoreMode {
		s.ChargingCurrentLimit1_uA = mathx.Min(s.ChargingCurrentLimit1_uA, c.USBCharger_uA)
		s.ChargingCurrentLimit2_uA = mathx.Min(s.ChargingCurrentLimit2_uA, c.USBCharger_uA)
	}
	return s
}

// WithAICL lowers CHG1's input limit to a measured AICL result.
func WithAICL(s types.ChargeLimitSetting, aicl int) types.ChargeLimitSetting {
	if aicl > 0 && aicl < s.InputCurrentLimit1_uA {
		s.InputCurrentLimit1_uA = aicl
	}
	return s
}

// DoneEdge compares the IC's done flag with the previous tick and
// reports Full or Recharge on a transition.
func (a *Arbiter) DoneEdge(done bool) (types.ChargerEvent, bool) {
	prev := a.done
	a.done = done
	switch {
	case done == prev:
		return 0, false
	case done:
		return types.EventFull, true
	default:
		return types.EventRecharge, true
	}
}

// ResetDone forgets the cached done flag (cable out).
func (a *Arbiter) ResetDone() { a.done = false }

// Dispatch offers s to each algorithm in order. The first one that
// ends up running owns this tick and is returned; nil means basic
// charging applies.
func Dispatch(ctx context.Context, algos []Algorithm, s types.ChargeLimitSetting) (Algorithm, error) {
	var errs []error
	for _, alg := range algos {
		switch alg.IsReady(ctx) {
		case AlgReady, AlgRunning:
		default:
			continue
		}
		if err := alg.SetCurrentLimit(s); err != nil {
			errs = append(errs, err)
			continue
		}
		st, err := alg.Start(ctx)
		if err != nil {
			errs = append(errs, err)
		}
		if st == AlgRunning {
			return alg, nil
		}
	}
	return nil, errors.Join(errs...)
}

// CommitBasic writes s to the charger ICs and enables them when both
// currents are non-zero and charging is allowed. ic2 may be nil.
func CommitBasic(ic, ic2 IC, s types.ChargeLimitSetting, allowed bool) error {
	if err := commitOne(ic, s.InputCurrentLimit1_uA, s.ChargingCurrentLimit1_uA, s.ConstantVoltage_uV, allowed); err != nil {
		return errcode.Wrap(errcode.IoError, "charger.commit.chg1", err)
	}
	if ic2 == nil {
		return nil
	}
	if err := commitOne(ic2, s.InputCurrentLimit2_uA, s.ChargingCurrentLimit2_uA, s.ConstantVoltage_uV, allowed); err != nil {
		return errcode.Wrap(errcode.IoError, "charger.commit.chg2", err)
	}
	return nil
}

func commitOne(ic IC, input, charge, cv int, allowed bool) error {
	if err := ic.SetInputCurrent(input); err != nil {
		return err
	}
	if err := ic.SetChargingCurrent(charge); err != nil {
		return err
	}
	if err := ic.SetConstantVoltage(cv); err != nil {
		return err
	}
	return ic.Enable(allowed && input > 0 && charge > 0)
}
