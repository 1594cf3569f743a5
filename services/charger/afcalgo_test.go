package charger

import (
	"context"
	"errors"
	"testing"
	"time"

	"powercore-go/drivers/afc"
	"powercore-go/errcode"
	"powercore-go/types"
	"powercore-go/x/timex"
)

func newTestAfc(t *testing.T) (*Afc, *fakeIC, *fakeNeg, *timex.Virtual) {
	t.Helper()
	ic := newFakeIC()
	neg := &fakeNeg{ic: ic, pre: afc.PreCheckDone, last: errcode.OK}
	clk := timex.NewVirtual()
	cfg := DefaultAfcConfig()
	cfg.Logf = quiet
	a := NewAfc(cfg, neg, ic, clk)
	if err := a.Init(context.Background()); err != nil {
		t.Fatal(err)
	}
	return a, ic, neg, clk
}

func startRunning(t *testing.T, a *Afc) {
	t.Helper()
	ctx := context.Background()
	_ = a.SetCurrentLimit(types.ChargeLimitSetting{
		InputCurrentLimit1_uA:    3_200_000,
		ChargingCurrentLimit1_uA: 2_000_000,
		ConstantVoltage_uV:       4_350_000,
	})
	st, err := a.Start(ctx)
	if err != nil || st != AlgRunning {
		t.Fatalf("Start = %v, %v; want running", st, err)
	}
}

func TestAfcInitFailsWithoutPins(t *testing.T) {
	a := NewAfc(DefaultAfcConfig(), nil, newFakeIC(), timex.NewVirtual())
	err := a.Init(context.Background())
	if !errors.Is(err, errcode.InitFailed) {
		t.Fatalf("Init err = %v, want init_failed", err)
	}
	if st := a.IsReady(context.Background()); st != AlgInitFail {
		t.Fatalf("IsReady = %v, want init_fail", st)
	}
	if a.State() != types.AfcHwFail {
		t.Fatalf("state = %v", a.State())
	}
}

func TestAfcStartNegotiates(t *testing.T) {
	a, ic, neg, _ := newTestAfc(t)
	if st := a.IsReady(context.Background()); st != AlgReady {
		t.Fatalf("IsReady = %v, want ready", st)
	}
	startRunning(t, a)

	if a.State() != types.AfcRun || !a.Connected() {
		t.Fatalf("state %v connected %v", a.State(), a.Connected())
	}
	if len(neg.targets) != 1 || neg.targets[0] != afc.Volt9V {
		t.Fatalf("targets = %v", neg.targets)
	}
	if ic.ops[0] != "input 500000" {
		t.Fatalf("first op %q, want pre-input current", ic.ops[0])
	}
	// AFC currents capped by the arbiter's setting.
	if ic.input != 1_670_000 || ic.charge != 2_000_000 || !ic.enabled {
		t.Fatalf("commit input=%d charge=%d enabled=%v", ic.input, ic.charge, ic.enabled)
	}
	if st := a.IsReady(context.Background()); st != AlgRunning {
		t.Fatalf("IsReady = %v, want running", st)
	}
}

func TestAfcPreCheckStop(t *testing.T) {
	a, _, neg, _ := newTestAfc(t)
	neg.pre = afc.PreCheckStop
	st, err := a.Start(context.Background())
	if err != nil || st != AlgNotReady {
		t.Fatalf("Start = %v, %v; want not_ready", st, err)
	}
	if a.State() != types.AfcHwReady || len(neg.targets) != 0 {
		t.Fatalf("state %v, targets %v", a.State(), neg.targets)
	}
}

func TestAfcAdapterNotSupported(t *testing.T) {
	a, _, neg, _ := newTestAfc(t)
	neg.fail = true
	st, err := a.Start(context.Background())
	if err != nil || st != AlgTaNotSupport {
		t.Fatalf("Start = %v, %v; want ta_not_support", st, err)
	}
	if a.State() != types.AfcTaNotSupported {
		t.Fatalf("state = %v", a.State())
	}
	if v, _ := a.GetProp(types.PropAfcResult); v != 1 {
		t.Fatalf("afc_result = %d, want 1", v)
	}

	if st := a.IsReady(context.Background()); st != AlgTaNotSupport {
		t.Fatalf("IsReady = %v", st)
	}
	_ = a.Notify(context.Background(), types.EventPlugOut)
	if a.State() != types.AfcHwReady || neg.suspends != 1 {
		t.Fatalf("after plug out: state %v suspends %d", a.State(), neg.suspends)
	}
}

func TestAfcAbortedWhenTypeChanges(t *testing.T) {
	a, ic, neg, _ := newTestAfc(t)
	// The cable is re-detected as USB while the handshake runs.
	neg.onTarget = func() { ic.typ = types.ChargerUSB }

	st, err := a.Start(context.Background())
	if err != nil || st != AlgNotReady {
		t.Fatalf("Start = %v, %v; want not_ready", st, err)
	}
	if a.State() != types.AfcHwReady {
		t.Fatalf("state = %v, want hw_ready", a.State())
	}
	if ic.mivr != a.cfg.MIVR5V_uV {
		t.Fatalf("mivr = %d, want restored 5V value", ic.mivr)
	}
}

func TestAfcReadySpecialCases(t *testing.T) {
	ctx := context.Background()

	a, ic, _, _ := newTestAfc(t)
	ic.typ = types.ChargerUSB
	if st := a.IsReady(ctx); st != AlgTaNotSupport {
		t.Fatalf("usb: IsReady = %v, want ta_not_support", st)
	}

	a, _, _, _ = newTestAfc(t)
	_ = a.SetProp(types.PropHVDisable, 1)
	if st := a.IsReady(ctx); st != AlgNotReady {
		t.Fatalf("hv disabled: IsReady = %v, want not_ready", st)
	}

	a, _, _, _ = newTestAfc(t)
	_ = a.SetProp(types.PropCapacity, 90)
	if st := a.IsReady(ctx); st != AlgNotReady {
		t.Fatalf("soc 90: IsReady = %v, want not_ready", st)
	}
}

func guardAfc(a *Afc) *fakeGuard {
	g := &fakeGuard{}
	a.SetVBusGuard(g)
	return g
}

func TestAfcFullResetsAdapter(t *testing.T) {
	ctx := context.Background()
	a, ic, neg, _ := newTestAfc(t)
	g := guardAfc(a)
	startRunning(t, a)
	if g.enabled() {
		t.Fatal("vbus ovp still at the 5V limit while running at 9V")
	}

	if err := a.Notify(ctx, types.EventFull); err != nil {
		t.Fatal(err)
	}
	if neg.resets != 1 || ic.vbus != afc.Volt5V {
		t.Fatalf("resets %d vbus %d", neg.resets, ic.vbus)
	}
	if a.State() != types.AfcHwReady || a.Connected() {
		t.Fatalf("after full: state %v connected %v", a.State(), a.Connected())
	}
	if ic.mivr != a.cfg.MIVR5V_uV || !g.enabled() {
		t.Fatalf("after full: mivr %d ovp %v", ic.mivr, g.enabled())
	}

	// Recharge starts a fresh negotiation on the next tick.
	_ = a.Notify(ctx, types.EventRecharge)
	if st := a.IsReady(ctx); st != AlgReady {
		t.Fatalf("after recharge: IsReady = %v", st)
	}
	startRunning(t, a)
	if len(neg.targets) != 2 || !a.Connected() {
		t.Fatalf("targets %v connected %v", neg.targets, a.Connected())
	}
}

func TestAfcPlugOutResetsAdapter(t *testing.T) {
	ctx := context.Background()
	a, ic, neg, _ := newTestAfc(t)
	g := guardAfc(a)
	startRunning(t, a)

	if err := a.Notify(ctx, types.EventPlugOut); err != nil {
		t.Fatal(err)
	}
	if neg.resets != 1 || neg.suspends != 1 {
		t.Fatalf("resets %d suspends %d", neg.resets, neg.suspends)
	}
	if a.State() != types.AfcHwReady || a.Connected() {
		t.Fatalf("state %v connected %v", a.State(), a.Connected())
	}
	if ic.mivr != a.cfg.MIVR5V_uV || !g.enabled() {
		t.Fatalf("mivr %d ovp %v", ic.mivr, g.enabled())
	}

	// Nothing to reset when the adapter never left 5 V.
	if err := a.Notify(ctx, types.EventPlugOut); err != nil {
		t.Fatal(err)
	}
	if neg.resets != 1 || neg.suspends != 2 {
		t.Fatalf("idle plug out: resets %d suspends %d", neg.resets, neg.suspends)
	}
}

func TestAfcFailedNegotiationRestoresOVP(t *testing.T) {
	a, ic, neg, _ := newTestAfc(t)
	g := guardAfc(a)
	neg.fail = true

	if st, _ := a.Start(context.Background()); st != AlgTaNotSupport {
		t.Fatalf("Start = %v", st)
	}
	if len(g.calls) != 2 || g.calls[0] || !g.calls[1] {
		t.Fatalf("ovp calls %v, want lifted then restored", g.calls)
	}
	if ic.mivr != a.cfg.MIVR5V_uV {
		t.Fatalf("mivr %d", ic.mivr)
	}
}

func TestAfcHVDisableDuringNegotiation(t *testing.T) {
	a, _, neg, _ := newTestAfc(t)
	g := guardAfc(a)
	// SetProp must not wait for the lock Start holds.
	neg.onTarget = func() { _ = a.SetProp(types.PropHVDisable, 1) }

	st, err := a.Start(context.Background())
	if err != nil || st != AlgNotReady {
		t.Fatalf("Start = %v, %v; want not_ready", st, err)
	}
	if a.State() != types.AfcHwReady || a.Connected() || !g.enabled() {
		t.Fatalf("state %v connected %v ovp %v", a.State(), a.Connected(), g.enabled())
	}
	if !a.HVDisabled() {
		t.Fatal("hv_disable lost")
	}
}

func TestAfcVBusDropBacksOff(t *testing.T) {
	ctx := context.Background()
	a, ic, _, clk := newTestAfc(t)
	startRunning(t, a)

	ic.vbus = 5_000_000
	st, err := a.Start(ctx)
	if err != nil || st != AlgNotReady {
		t.Fatalf("Start = %v, %v; want not_ready", st, err)
	}
	if a.State() != types.AfcHwReady || a.Connected() {
		t.Fatalf("state %v connected %v", a.State(), a.Connected())
	}
	if st := a.IsReady(ctx); st != AlgNotReady {
		t.Fatalf("inside backoff: IsReady = %v", st)
	}
	clk.Advance(a.cfg.BackoffMin + time.Second)
	if st := a.IsReady(ctx); st != AlgReady {
		t.Fatalf("after backoff: IsReady = %v", st)
	}
}

func TestAfcLeavesAboveStopSOC(t *testing.T) {
	ctx := context.Background()
	a, ic, neg, _ := newTestAfc(t)
	startRunning(t, a)

	_ = a.SetProp(types.PropCapacity, 86)
	st, err := a.Start(ctx)
	if err != nil || st != AlgNotReady {
		t.Fatalf("Start = %v, %v", st, err)
	}
	if last := neg.targets[len(neg.targets)-1]; last != afc.Volt5V {
		t.Fatalf("last target %d, want 5V", last)
	}
	if a.Connected() || ic.input != a.cfg.ACInput_uA || ic.charge != a.cfg.ACCharger_uA {
		t.Fatalf("connected %v input %d charge %d", a.Connected(), ic.input, ic.charge)
	}
}

func TestAfcToggle(t *testing.T) {
	ctx := context.Background()
	a, ic, neg, _ := newTestAfc(t)

	ic.input = 3_000_000
	ic.mivr = 4_600_000
	neg.fail = true
	if err := a.Toggle(ctx, true); err == nil {
		t.Fatal("toggle up succeeded with failing adapter")
	}
	if ic.input != 3_000_000 || ic.mivr != 4_600_000 {
		t.Fatalf("not restored: input %d mivr %d", ic.input, ic.mivr)
	}
	if !ic.has("input 1670000") {
		t.Fatal("input current not lowered before switching")
	}

	neg.fail = false
	if err := a.Toggle(ctx, true); err != nil {
		t.Fatal(err)
	}
	if !a.Connected() || a.State() != types.AfcRun || ic.input != a.cfg.Input_uA {
		t.Fatalf("up: connected %v state %v input %d", a.Connected(), a.State(), ic.input)
	}

	if err := a.Toggle(ctx, false); err != nil {
		t.Fatal(err)
	}
	if a.Connected() || a.State() != types.AfcHwReady || ic.mivr != a.cfg.MIVR5V_uV {
		t.Fatalf("down: connected %v state %v mivr %d", a.Connected(), a.State(), ic.mivr)
	}
}

func TestAfcStopResetsAdapter(t *testing.T) {
	a, _, neg, _ := newTestAfc(t)
	startRunning(t, a)
	if err := a.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if neg.resets != 1 || a.State() != types.AfcHwReady || a.Connected() {
		t.Fatalf("resets %d state %v connected %v", neg.resets, a.State(), a.Connected())
	}
}

func TestResultValue(t *testing.T) {
	tests := []struct {
		c    errcode.Code
		want int
	}{
		{errcode.OK, 0},
		{errcode.SpingErr1, 1},
		{errcode.SpingErr4, 4},
		{errcode.IoError, 5},
	}
	for _, tt := range tests {
		if got := ResultValue(tt.c); got != tt.want {
			t.Fatalf("ResultValue(%s) = %d, want %d", tt.c, got, tt.want)
		}
	}
}
