package charger

import (
	"context"

	"powercore-go/types"
)

// AlgStatus is what an algorithm reports from IsReady and Start.
type AlgStatus uint8

const (
	AlgReady AlgStatus = iota
	AlgRunning
	AlgNotReady
	AlgTaChecking
	AlgTaNotSupport
	AlgInitFail
	AlgDone
)

func (s AlgStatus) String() string {
	switch s {
	case AlgReady:
		return "ready"
	case AlgRunning:
		return "running"
	case AlgNotReady:
		return "not_ready"
	case AlgTaChecking:
		return "ta_checking"
	case AlgTaNotSupport:
		return "ta_not_support"
	case AlgInitFail:
		return "init_fail"
	case AlgDone:
		return "done"
	default:
		return "invalid"
	}
}

// Algorithm is a fast-charge algorithm the arbiter can defer to.
// While one reports AlgRunning it owns the charger IC registers.
type Algorithm interface {
	Name() string
	Init(ctx context.Context) error
	IsReady(ctx context.Context) AlgStatus
	Start(ctx context.Context) (AlgStatus, error)
	IsRunning() bool
	Stop(ctx context.Context) error
	Notify(ctx context.Context, ev types.ChargerEvent) error
	GetProp(p types.ChargerProp) (int, error)
	SetProp(p types.ChargerProp, v int) error
	SetCurrentLimit(s types.ChargeLimitSetting) error
}

// VBusGuard is the charger's software VBUS over-voltage gate. Off, it
// trips at the HV limit instead of the normal charger maximum.
type VBusGuard interface {
	EnableVBusOVP(on bool)
}

// guarded is implemented by algorithms that raise VBUS and so must lift
// the gate while they do.
type guarded interface {
	SetVBusGuard(g VBusGuard)
}

// afcLike is implemented by algorithms that know whether an adapter is
// currently delivering high voltage, and can be toggled by hand.
type afcLike interface {
	Connected() bool
	State() types.AfcState
	Toggle(ctx context.Context, high bool) error
}
