package charger

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"powercore-go/bus"
	"powercore-go/drivers/afc"
	"powercore-go/errcode"
	"powercore-go/types"
)

func newTestService(ic *fakeIC, algos ...Algorithm) *Service {
	cfg := testConfig()
	cfg.ACCharger_uA = 2_000_000
	return New(cfg, ic, nil, algos, nil)
}

func recv(t *testing.T, ch <-chan *bus.Message) *bus.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
		return nil
	}
}

func tick(t *testing.T, s *Service) {
	t.Helper()
	if err := s.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func setProp(t *testing.T, s *Service, p types.ChargerProp, v int) {
	t.Helper()
	if err := s.SetProp(context.Background(), p, types.ChargerCtrl{Value: v}); err != nil {
		t.Fatalf("SetProp(%s) = %v", p, err)
	}
}

func TestTickThermalLimit(t *testing.T) {
	ic := newFakeIC()
	s := newTestService(ic)
	setProp(t, s, types.PropThermalCharging, 300_000)

	tick(t, s)
	st := s.Status()
	if st.Setting.ChargingCurrentLimit1_uA != 300_000 || ic.charge != 300_000 {
		t.Fatalf("charging limit %d, ic %d; want 300000", st.Setting.ChargingCurrentLimit1_uA, ic.charge)
	}
	if st.Algo != "basic" || !st.Enabled || !ic.enabled {
		t.Fatalf("status %+v, ic enabled %v", st, ic.enabled)
	}
}

func TestTickPlugEvents(t *testing.T) {
	ic := newFakeIC()
	s := newTestService(ic)
	b := bus.NewBus(16)
	conn := b.NewConnection("charger")
	s.conn = conn
	sub := conn.Subscribe(topicEvent.Append("#"))

	tick(t, s)
	if m := recv(t, sub.Channel()); m.Topic[2] != "plug_in" {
		t.Fatalf("first event %v", m.Topic)
	}

	ic.pg = false
	tick(t, s)
	if m := recv(t, sub.Channel()); m.Topic[2] != "plug_out" {
		t.Fatalf("second event %v", m.Topic)
	}
	if ic.input != s.cfg.PlugOutInput_uA || ic.mivr != s.cfg.MinChargerVoltage_uV {
		t.Fatalf("after plug out input %d mivr %d", ic.input, ic.mivr)
	}
	if len(ic.events) != 2 || ic.events[1] != types.EventPlugOut {
		t.Fatalf("ic events %v", ic.events)
	}
	if s.Status().Online {
		t.Fatal("still online")
	}
}

func TestTickDoneEdge(t *testing.T) {
	ic := newFakeIC()
	alg := &fakeAlg{name: "pe", ready: AlgNotReady}
	s := newTestService(ic, alg)

	tick(t, s)
	ic.done = true
	tick(t, s)
	if !s.Status().Done {
		t.Fatal("status not done")
	}
	ic.done = false
	tick(t, s)

	want := []types.ChargerEvent{types.EventPlugIn, types.EventFull, types.EventRecharge}
	if len(alg.events) != len(want) {
		t.Fatalf("events %v, want %v", alg.events, want)
	}
	for i := range want {
		if alg.events[i] != want[i] {
			t.Fatalf("events %v, want %v", alg.events, want)
		}
	}
}

func TestTickJeitaStopsCharging(t *testing.T) {
	ic := newFakeIC()
	alg := &fakeAlg{name: "pe", ready: AlgReady, start: AlgRunning}
	s := newTestService(ic, alg)

	tick(t, s)
	if s.Status().Algo != "pe" {
		t.Fatalf("algo %q", s.Status().Algo)
	}

	ic.temp = 55
	tick(t, s)
	st := s.Status()
	if st.CanCharge || st.Enabled || ic.enabled {
		t.Fatalf("charging at 55 degC: %+v", st)
	}
	if st.JeitaZone != ZoneAboveT4.String() {
		t.Fatalf("zone %q", st.JeitaZone)
	}
	if alg.stopped != 1 {
		t.Fatalf("running algorithm stopped %d times", alg.stopped)
	}
}

func TestTickVBusOverVoltage(t *testing.T) {
	ic := newFakeIC()
	s := newTestService(ic)
	tick(t, s)

	ic.vbus = 7_000_000
	tick(t, s)
	if s.Status().CanCharge {
		t.Fatal("charging with vbus above the limit")
	}

	setProp(t, s, types.PropVoltageMax, 8_000_000)
	tick(t, s)
	if !s.Status().CanCharge || !ic.enabled {
		t.Fatal("charging not resumed under a raised voltage_max")
	}
}

func TestStoreModeWindow(t *testing.T) {
	ic := newFakeIC()
	s := newTestService(ic)
	setProp(t, s, types.PropStoreMode, 1)

	steps := []struct {
		soc  int
		want bool
	}{
		{65, true},
		{70, false},
		{65, false},
		{60, false},
		{59, true},
	}
	for i, st := range steps {
		setProp(t, s, types.PropCapacity, st.soc)
		tick(t, s)
		if got := s.Status().CanCharge; got != st.want {
			t.Fatalf("step %d soc %d: can charge %v, want %v", i, st.soc, got, st.want)
		}
	}
	if ic.charge != s.cfg.USBCharger_uA {
		t.Fatalf("store mode charging current %d, want %d", ic.charge, s.cfg.USBCharger_uA)
	}
}

func TestBatteryProtect(t *testing.T) {
	ic := newFakeIC()
	s := newTestService(ic)
	setProp(t, s, types.PropCapacity, 90)
	tick(t, s)
	if !s.Status().CanCharge {
		t.Fatal("protect hold without the property")
	}

	setProp(t, s, types.PropBattProtect, 1)
	tick(t, s)
	if s.Status().CanCharge {
		t.Fatal("charging above the protect level")
	}
	setProp(t, s, types.PropCapacity, 83)
	tick(t, s)
	if s.Status().CanCharge {
		t.Fatal("released inside the hysteresis band")
	}
	setProp(t, s, types.PropCapacity, 82)
	tick(t, s)
	if !s.Status().CanCharge {
		t.Fatal("not released at protect level minus 3")
	}
}

func TestAlgorithmOwnsCharger(t *testing.T) {
	ic := newFakeIC()
	alg := &fakeAlg{name: "afc", ready: AlgReady, start: AlgRunning}
	s := newTestService(ic, alg)

	tick(t, s)
	if got := s.Status().Algo; got != "afc" {
		t.Fatalf("algo %q", got)
	}
	if alg.limit.InputCurrentLimit1_uA != s.cfg.ACInput_uA {
		t.Fatalf("algorithm limit %+v", alg.limit)
	}
	for _, op := range ic.ops {
		if strings.HasPrefix(op, "charge ") {
			t.Fatalf("basic charging wrote %q while an algorithm ran", op)
		}
	}
}

func TestAICLCapsInput(t *testing.T) {
	ic := newFakeIC()
	ic.aicl = 800_000
	s := newTestService(ic)
	tick(t, s)
	if ic.input != 800_000 {
		t.Fatalf("input %d, want aicl result", ic.input)
	}

	// SDP ports are trusted; no measurement on the next plug.
	ic.pg = false
	tick(t, s)
	ic.pg, ic.typ, ic.aicl = true, types.ChargerUSB, 100_000
	tick(t, s)
	if ic.input != s.cfg.USBInput_uA {
		t.Fatalf("usb input %d, want %d", ic.input, s.cfg.USBInput_uA)
	}
}

func TestHandleCtrl(t *testing.T) {
	ctx := context.Background()
	ic := newFakeIC()
	s := newTestService(ic)

	b := bus.NewBus(8)
	conn := b.NewConnection("charger")
	client := b.NewConnection("client")
	s.conn = conn
	ctrl := conn.Subscribe(topicCtrl)

	ask := func(prop string, payload any) types.ChargerReply {
		t.Helper()
		sub := client.Request(client.NewMessage(bus.T("charger", "ctrl", prop), payload, false))
		defer client.Unsubscribe(sub)
		s.handleCtrl(ctx, conn, recv(t, ctrl.Channel()))
		r, ok := recv(t, sub.Channel()).Payload.(types.ChargerReply)
		if !ok {
			t.Fatal("reply is not a ChargerReply")
		}
		return r
	}

	if r := ask("input_suspend", types.ChargerCtrl{Value: 1}); !r.OK || !ic.hiz {
		t.Fatalf("set input_suspend: %+v, hiz %v", r, ic.hiz)
	}
	if r := ask("input_suspend", nil); !r.OK || r.Value != 1 {
		t.Fatalf("get input_suspend: %+v", r)
	}
	if r := ask("thermal_charging_current_limit", &types.ChargerCtrl{Value: 1, Index: 2}); r.OK || r.Error != "invalid_params" {
		t.Fatalf("bad index: %+v", r)
	}
	if r := ask("bogus", types.ChargerCtrl{Value: 1}); r.OK || r.Error != "unsupported" {
		t.Fatalf("unknown prop: %+v", r)
	}
	if r := ask("store_mode", "yes"); r.OK || r.Error != "invalid_payload" {
		t.Fatalf("bad payload: %+v", r)
	}
}

func TestInitAlgorithmsDropsFailing(t *testing.T) {
	bad := &failingAlg{fakeAlg{name: "pe"}}
	good := &fakeAlg{name: "afc"}
	s := newTestService(newFakeIC(), bad, good)
	s.InitAlgorithms(context.Background())
	if len(s.algos) != 1 || s.algos[0] != good {
		t.Fatalf("algorithms %v", s.algos)
	}
}

func TestServiceFollowsBatterySOC(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bus.NewBus(8)
	s := newTestService(newFakeIC())
	if err := s.Start(ctx, b.NewConnection("charger")); err != nil {
		t.Fatal(err)
	}
	pub := b.NewConnection("fuel")
	pub.Publish(pub.NewMessage(topicSOC, 42, true))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if v, _ := s.GetProp(types.PropCapacity, 0); v == 42 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("soc from the bus never applied")
}

func TestVBusGuardFollowsAfc(t *testing.T) {
	a, ic, neg, _ := newTestAfc(t)
	s := newTestService(ic, a)

	tick(t, s)
	if !a.Connected() || ic.vbus != afc.Volt9V {
		t.Fatalf("connected %v vbus %d", a.Connected(), ic.vbus)
	}
	if s.VBusOVPEnabled() {
		t.Fatal("vbus gate not lifted at 9V")
	}
	if v, _ := s.GetProp(types.PropVoltageMax, 0); v != s.cfg.HVChargerVoltage_uV {
		t.Fatalf("voltage_max %d at 9V", v)
	}
	tick(t, s)
	if !s.Status().CanCharge {
		t.Fatal("9V tripped the lifted gate")
	}

	ic.pg = false
	tick(t, s)
	if neg.resets != 1 || !s.VBusOVPEnabled() {
		t.Fatalf("plug out: resets %d ovp %v", neg.resets, s.VBusOVPEnabled())
	}
	if v, _ := s.GetProp(types.PropVoltageMax, 0); v != s.cfg.MaxChargerVoltage_uV {
		t.Fatalf("voltage_max %d after plug out", v)
	}
}

func TestHVDisableReachesRunningNegotiation(t *testing.T) {
	ctx := context.Background()
	a, ic, neg, _ := newTestAfc(t)
	s := newTestService(ic, a)

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	neg.onTarget = func() {
		once.Do(func() {
			close(entered)
			<-release
		})
	}

	tickErr := make(chan error, 1)
	go func() { tickErr <- s.Tick(ctx) }()
	<-entered

	setErr := make(chan error, 1)
	go func() {
		setErr <- s.SetProp(ctx, types.PropHVDisable, types.ChargerCtrl{Value: 1})
	}()
	deadline := time.Now().Add(2 * time.Second)
	for !a.HVDisabled() {
		if time.Now().After(deadline) {
			t.Fatal("hv_disable never reached the algorithm")
		}
		time.Sleep(time.Millisecond)
	}
	close(release)

	if err := <-tickErr; err != nil {
		t.Fatal(err)
	}
	if err := <-setErr; err != nil {
		t.Fatal(err)
	}
	if a.State() != types.AfcHwReady || a.Connected() {
		t.Fatalf("state %v connected %v", a.State(), a.Connected())
	}
	if neg.last != errcode.IoError || len(neg.targets) != 1 {
		t.Fatalf("last %s targets %v", neg.last, neg.targets)
	}
	if !s.VBusOVPEnabled() {
		t.Fatal("vbus gate left lifted")
	}
}

func TestHardwareErrorsAreLogged(t *testing.T) {
	ic := newFakeIC()
	var rec logRec
	cfg := testConfig()
	cfg.ACCharger_uA = 2_000_000
	cfg.Logf = rec.logf
	s := New(cfg, ic, nil, nil, nil)

	tick(t, s)
	ic.vbusErr = errors.New("adc nak")
	ic.eventErr = errors.New("event nak")
	ic.mivrErr = errors.New("mivr nak")
	ic.pg = false
	tick(t, s)

	for _, want := range []string{
		"warning: charger: read vbus: adc nak",
		"warning: charger: ic plug_out: event nak",
		"warning: charger: plug out mivr: mivr nak",
	} {
		if !rec.has(want) {
			t.Errorf("missing log %q in %q", want, rec.lines)
		}
	}
}
