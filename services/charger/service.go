package charger

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"powercore-go/bus"
	"powercore-go/errcode"
	"powercore-go/types"
	"powercore-go/x/timex"
)

var (
	topicStatus = bus.T("charger", "status")
	topicEvent  = bus.T("charger", "event")
	topicCtrl   = bus.T("charger", "ctrl", "+")
	topicSOC    = bus.T("battery", "soc")
)

// props are the externally settable knobs.
type props struct {
	hvDisabled    bool
	inputSuspend  bool
	battProtect   bool
	storeMode     bool
	usbUnlimited  bool
	water         bool
	discharging   bool
	thermalInput  [2]int
	thermalCharge [2]int
	voltageMax    int
}

type telemetry struct {
	vbus, vbat, ibat, temp int
}

type Service struct {
	cfg   Config
	ic    IC
	ic2   IC
	algos []Algorithm
	clk   timex.Clock
	logf  func(format string, args ...any)

	arb     *Arbiter
	jeita   *Jeita
	thermal thermalGate

	wake      chan struct{}
	tickMu    sync.Mutex // one tick or hardware-touching property change at a time
	ovpLifted atomic.Bool

	mu   sync.Mutex // guards p, soc, st, conn
	p    props
	soc  int
	st   types.ChargerStatus
	conn *bus.Connection

	// tick state, under tickMu
	online      bool
	chrType     types.ChargerType
	canCharge   bool
	aicl        int
	storeHold   bool
	protectHold bool
}

// New builds the service. ic2 is the second IC of a series dual-charger
// board and may be nil.
func New(cfg Config, ic, ic2 IC, algos []Algorithm, clk timex.Clock) *Service {
	cfg.Fill()
	if clk == nil {
		clk = timex.Wall{}
	}
	s := &Service{
		cfg:     cfg,
		ic:      ic,
		ic2:     ic2,
		algos:   algos,
		clk:     clk,
		logf:    cfg.Logf,
		arb:     NewArbiter(cfg),
		jeita:   NewJeita(cfg.Jeita),
		thermal: thermalGate{cfg: cfg.Thermal},
		wake:    make(chan struct{}, 1),
		p: props{
			thermalInput:  [2]int{Unset, Unset},
			thermalCharge: [2]int{Unset, Unset},
		},
		canCharge: true,
	}
	for _, alg := range algos {
		if g, ok := alg.(guarded); ok {
			g.SetVBusGuard(s)
		}
	}
	return s
}

// EnableVBusOVP puts the VBUS over-voltage gate back at the charger
// maximum (on) or lifts it to the HV limit.
func (s *Service) EnableVBusOVP(on bool) { s.ovpLifted.Store(!on) }

// VBusOVPEnabled reports whether the gate sits at the charger maximum.
func (s *Service) VBusOVPEnabled() bool { return !s.ovpLifted.Load() }

// InitAlgorithms initialises every algorithm and keeps only the ones
// that came up.
func (s *Service) InitAlgorithms(ctx context.Context) {
	ok := s.algos[:0]
	for _, alg := range s.algos {
		if err := alg.Init(ctx); err != nil {
			s.logf("err: charger: %s init: %v", alg.Name(), err)
			continue
		}
		ok = append(ok, alg)
	}
	s.algos = ok
}

// Wake asks for a tick as soon as possible.
func (s *Service) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// ctrlLoop serves property requests. It runs beside serviceLoop so a
// request can reach the algorithms while a tick is negotiating.
func (s *Service) ctrlLoop(ctx context.Context, conn *bus.Connection) {
	ctrlSub := conn.Subscribe(topicCtrl)
	defer conn.Unsubscribe(ctrlSub)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ctrlSub.Channel():
			s.handleCtrl(ctx, conn, msg)
		}
	}
}

func (s *Service) serviceLoop(ctx context.Context, conn *bus.Connection) {
	socSub := conn.Subscribe(topicSOC)
	defer conn.Unsubscribe(socSub)

	tick := time.NewTicker(s.cfg.Poll)
	defer tick.Stop()

	s.runTick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.logf("info: charger: service stopping")
			return
		case <-tick.C:
			s.runTick(ctx)
		case <-s.wake:
			s.runTick(ctx)
		case msg := <-socSub.Channel():
			if v, ok := msg.Payload.(int); ok {
				s.mu.Lock()
				s.soc = v
				s.mu.Unlock()
				s.Wake()
			}
		}
	}
}

// Start initialises the algorithms and runs the charger loop.
func (s *Service) Start(ctx context.Context, conn *bus.Connection) error {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
	s.InitAlgorithms(ctx)
	go s.ctrlLoop(ctx, conn)
	go s.serviceLoop(ctx, conn)
	return nil
}

func (s *Service) runTick(ctx context.Context) {
	if err := s.Tick(ctx); err != nil {
		s.logf("err: charger: tick: %v", err)
	}
}

func (s *Service) snapshot() (props, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.p, s.soc
}

// Tick runs one read, decide, commit pass.
func (s *Service) Tick(ctx context.Context) error {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	p, soc := s.snapshot()
	for _, alg := range s.algos {
		if err := alg.SetProp(types.PropCapacity, soc); err != nil && !errors.Is(err, errcode.Unsupported) {
			s.logf("warning: charger: %s capacity: %v", alg.Name(), err)
		}
	}

	pg, err := s.ic.PowerGood()
	if err != nil {
		return errcode.Wrap(errcode.IoError, "charger.power_good", err)
	}
	t, err := s.ic.ChargerType()
	if err != nil {
		return errcode.Wrap(errcode.IoError, "charger.type", err)
	}
	online := pg && t != types.ChargerUnknown
	switch {
	case online && !s.online:
		s.chrType = t
		s.plugIn(ctx)
	case !online && s.online:
		s.plugOut(ctx)
	}
	s.online = online
	if online {
		s.chrType = t
	}

	tel := s.readTelemetry()
	if !online {
		s.publishStatus(p, soc, tel, types.ChargeLimitSetting{}, nil)
		return nil
	}

	if done, err := s.ic.IsChargingDone(); err == nil {
		if ev, ok := s.arb.DoneEdge(done); ok {
			s.notifyAll(ctx, ev)
		}
	}

	fast := s.fastCharging()
	s.dynamicMIVR(tel.vbat, fast)
	js := s.checkStatus(ctx, p, soc, tel)
	if !s.canCharge {
		s.stopAlgorithms(ctx)
		s.publishStatus(p, soc, tel, types.ChargeLimitSetting{}, nil)
		return nil
	}

	set := s.arb.Select(s.inputs(p, js))
	alg, derr := Dispatch(ctx, s.algos, set)
	if alg == nil {
		set = WithAICL(set, s.runAICL(ctx))
		if err := CommitBasic(s.ic, s.ic2, set, true); err != nil {
			s.publishStatus(p, soc, tel, set, nil)
			return err
		}
	}
	s.publishStatus(p, soc, tel, set, alg)
	if derr != nil {
		s.logf("warning: charger: algorithm: %v", derr)
	}
	return nil
}

func (s *Service) readTelemetry() telemetry {
	var t telemetry
	var err error
	if t.vbus, err = s.ic.VBus(); err != nil {
		s.logf("warning: charger: read vbus: %v", err)
	}
	if t.vbat, err = s.ic.BatteryVoltage(); err != nil {
		s.logf("warning: charger: read vbat: %v", err)
	}
	if t.ibat, err = s.ic.BatteryCurrent(); err != nil {
		s.logf("warning: charger: read ibat: %v", err)
	}
	temp, err := s.ic.BatteryTemperature()
	if err != nil {
		temp = 25
	}
	t.temp = temp
	return t
}

func (s *Service) plugIn(ctx context.Context) {
	s.logf("info: charger: plug in, type %s", s.chrType)
	s.canCharge = true
	s.aicl = 0
	s.notifyAll(ctx, types.EventPlugIn)
}

func (s *Service) plugOut(ctx context.Context) {
	s.logf("info: charger: plug out")
	s.chrType = types.ChargerUnknown
	s.arb.ResetDone()
	s.aicl = 0
	s.storeHold = false
	s.notifyAll(ctx, types.EventPlugOut)
	s.EnableVBusOVP(true)
	if err := s.ic.SetInputCurrent(s.cfg.PlugOutInput_uA); err != nil {
		s.logf("warning: charger: plug out input current: %v", err)
	}
	if err := s.ic.SetMIVR(s.cfg.MinChargerVoltage_uV); err != nil {
		s.logf("warning: charger: plug out mivr: %v", err)
	}
}

// notifyAll tells the algorithms, the ICs and the bus about ev.
func (s *Service) notifyAll(ctx context.Context, ev types.ChargerEvent) {
	for _, alg := range s.algos {
		if err := alg.Notify(ctx, ev); err != nil {
			s.logf("warning: charger: %s %s: %v", alg.Name(), ev, err)
		}
	}
	if err := s.ic.Event(ev); err != nil {
		s.logf("warning: charger: ic %s: %v", ev, err)
	}
	if s.ic2 != nil {
		if err := s.ic2.Event(ev); err != nil {
			s.logf("warning: charger: ic2 %s: %v", ev, err)
		}
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Publish(conn.NewMessage(topicEvent.Append(ev.String()), ev, false))
	}
}

// fastCharging is true while an algorithm runs or an adapter sits at HV.
func (s *Service) fastCharging() bool {
	for _, alg := range s.algos {
		if alg.IsRunning() {
			return true
		}
		if a, ok := alg.(afcLike); ok && a.Connected() {
			return true
		}
	}
	return false
}

func (s *Service) afcConnected() bool {
	for _, alg := range s.algos {
		if a, ok := alg.(afcLike); ok && a.Connected() {
			return true
		}
	}
	return false
}

func (s *Service) dynamicMIVR(vbat int, fast bool) {
	if !s.cfg.DynamicMIVR || fast {
		return
	}
	mivr := s.cfg.MinChargerVoltage_uV
	switch {
	case vbat < s.cfg.MinChargerV2_uV-200_000:
		mivr = s.cfg.MinChargerV2_uV
	case vbat < s.cfg.MinChargerV1_uV-200_000:
		mivr = s.cfg.MinChargerV1_uV
	}
	if err := s.ic.SetMIVR(mivr); err != nil {
		s.logf("warning: charger: dynamic mivr %d: %v", mivr, err)
	}
}

func (s *Service) maxVBus(p props) int {
	if p.voltageMax > 0 {
		return p.voltageMax
	}
	if s.ovpLifted.Load() {
		return s.cfg.HVChargerVoltage_uV
	}
	return s.cfg.MaxChargerVoltage_uV
}

// checkStatus evaluates the safety gates and enables or disables the
// ICs on a change. It returns the JEITA state used for the limits.
func (s *Service) checkStatus(ctx context.Context, p props, soc int, tel telemetry) JeitaState {
	allowed := true
	var js JeitaState
	var why string

	if s.cfg.JeitaEnabled {
		js = s.jeita.Update(tel.temp, s.afcConnected())
		if !js.Charging {
			allowed, why = false, "jeita "+js.Zone.String()
		}
	} else if !s.thermal.allow(tel.temp) {
		allowed, why = false, "temperature"
	}

	if p.storeMode {
		switch {
		case soc >= s.cfg.StoreSOCMax:
			s.storeHold = true
		case soc < s.cfg.StoreSOCMin:
			s.storeHold = false
		}
	} else {
		s.storeHold = false
	}
	if p.battProtect {
		switch {
		case soc >= s.cfg.ProtectSOC:
			s.protectHold = true
		case soc <= s.cfg.ProtectSOC-3:
			s.protectHold = false
		}
	} else {
		s.protectHold = false
	}

	timeout, _ := s.ic.SafetyTimerExpired()
	switch {
	case !allowed:
	case tel.vbus > s.maxVBus(p):
		allowed, why = false, "vbus over voltage"
	case p.discharging:
		allowed, why = false, "discharging"
	case timeout:
		allowed, why = false, "safety timer"
	case s.storeHold:
		allowed, why = false, "store mode"
	case s.protectHold:
		allowed, why = false, "battery protect"
	case p.inputSuspend:
		allowed, why = false, "input suspend"
	}

	if allowed != s.canCharge {
		if allowed {
			s.logf("info: charger: charging allowed")
		} else {
			s.logf("notice: charger: charging stopped: %s", why)
		}
		if err := s.ic.Enable(allowed); err != nil {
			s.logf("warning: charger: enable %v: %v", allowed, err)
		}
		if s.ic2 != nil {
			if err := s.ic2.Enable(allowed); err != nil {
				s.logf("warning: charger: ic2 enable %v: %v", allowed, err)
			}
		}
	}
	s.canCharge = allowed
	return js
}

func (s *Service) stopAlgorithms(ctx context.Context) {
	for _, alg := range s.algos {
		if alg.IsRunning() {
			if err := alg.Stop(ctx); err != nil {
				s.logf("warning: charger: stop %s: %v", alg.Name(), err)
			}
		}
	}
}

func (s *Service) inputs(p props, js JeitaState) Inputs {
	in := Inputs{
		Type:          s.chrType,
		USBUnlimited:  p.usbUnlimited,
		Water:         p.water,
		LowPowerBoot:  s.cfg.LowPowerBoot,
		ATM:           s.cfg.ATM,
		AfcConnected:  s.afcConnected(),
		JeitaEnabled:  s.cfg.JeitaEnabled,
		Jeita:         js,
		ThermalInput:  p.thermalInput,
		ThermalCharge: p.thermalCharge,
		StoreMode:     p.storeMode,
	}
	if v, err := s.ic.MinChargingCurrent(); err == nil {
		in.MinCharge_uA = v
	}
	if v, err := s.ic.MinInputCurrent(); err == nil {
		in.MinInput_uA = v
	}
	return in
}

// runAICL measures once per plug-in for adapters of unknown strength.
func (s *Service) runAICL(ctx context.Context) int {
	if s.aicl != 0 {
		return s.aicl
	}
	if s.chrType != types.ChargerDCP && s.chrType != types.ChargerFloat {
		return 0
	}
	v, err := s.ic.RunAICL(ctx)
	if err != nil {
		s.aicl = -1
		return 0
	}
	s.aicl = v
	return v
}

func (s *Service) publishStatus(p props, soc int, tel telemetry, set types.ChargeLimitSetting, alg Algorithm) {
	st := types.ChargerStatus{
		Online:       s.online,
		Type:         s.chrType.String(),
		VBus_uV:      tel.vbus,
		VBat_uV:      tel.vbat,
		IBat_uA:      tel.ibat,
		TempC:        tel.temp,
		SOC:          soc,
		CanCharge:    s.online && s.canCharge,
		Enabled:      s.online && s.canCharge && set.InputCurrentLimit1_uA > 0 && set.ChargingCurrentLimit1_uA > 0,
		Done:         s.arb.done,
		Setting:      set,
		Algo:         "basic",
		HVDisabled:   p.hvDisabled,
		InputSuspend: p.inputSuspend,
		StoreMode:    p.storeMode,
		BattProtect:  p.battProtect,
	}
	if s.cfg.JeitaEnabled {
		st.JeitaZone = s.jeita.Zone().String()
	}
	if alg != nil {
		st.Algo = alg.Name()
	}
	for _, a := range s.algos {
		if x, ok := a.(afcLike); ok {
			st.AfcState = x.State().String()
			if v, err := a.GetProp(types.PropAfcResult); err == nil {
				st.AfcResult = resultName(v)
			}
		}
	}

	s.mu.Lock()
	s.st = st
	conn := s.conn
	s.mu.Unlock()
	if conn != nil {
		conn.Publish(conn.NewMessage(topicStatus, st, true))
	}
}

func resultName(v int) string {
	switch v {
	case 0:
		return string(errcode.OK)
	case 1:
		return string(errcode.SpingErr1)
	case 2:
		return string(errcode.SpingErr2)
	case 3:
		return string(errcode.SpingErr3)
	case 4:
		return string(errcode.SpingErr4)
	default:
		return string(errcode.IoError)
	}
}

// Status is the last published status.
func (s *Service) Status() types.ChargerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

// ---------------- properties ----------------

// SetProp applies a property write and schedules a tick.
func (s *Service) SetProp(ctx context.Context, prop types.ChargerProp, c types.ChargerCtrl) error {
	if prop == types.PropAfcToggle {
		return s.AfcToggle(ctx, c.Value != 0)
	}
	on := c.Value != 0

	s.mu.Lock()
	switch prop {
	case types.PropHVDisable:
		s.p.hvDisabled = on
	case types.PropInputSuspend:
		s.p.inputSuspend = on
	case types.PropBattProtect:
		s.p.battProtect = on
	case types.PropStoreMode:
		s.p.storeMode = on
	case types.PropUSBUnlimited:
		s.p.usbUnlimited = on
	case types.PropWaterDetected:
		s.p.water = on
	case types.PropDischarging:
		s.p.discharging = on
	case types.PropThermalCharging, types.PropThermalInput:
		if c.Index < 0 || c.Index > 1 {
			s.mu.Unlock()
			return errcode.Wrap(errcode.InvalidParams, "charger.set_prop", nil)
		}
		v := c.Value
		if v < 0 {
			v = Unset
		}
		if prop == types.PropThermalCharging {
			s.p.thermalCharge[c.Index] = v
		} else {
			s.p.thermalInput[c.Index] = v
		}
	case types.PropVoltageMax:
		s.p.voltageMax = c.Value
	case types.PropCapacity:
		s.soc = c.Value
	default:
		s.mu.Unlock()
		return errcode.Unsupported
	}
	s.mu.Unlock()

	var err error
	switch prop {
	case types.PropHVDisable:
		err = s.forward(ctx, prop, c.Value, types.EventHVDisable, on)
	case types.PropDischarging:
		err = s.forward(ctx, prop, c.Value, types.EventDischarge, on)
	case types.PropInputSuspend:
		s.tickMu.Lock()
		err = s.ic.SetHiZ(on)
		if err == nil && s.ic2 != nil {
			err = s.ic2.SetHiZ(on)
		}
		s.tickMu.Unlock()
	}
	s.Wake()
	return err
}

// forward hands a property to the algorithms and, when set, notifies
// them with ev.
func (s *Service) forward(ctx context.Context, prop types.ChargerProp, v int, ev types.ChargerEvent, notify bool) error {
	// Set before waiting on tickMu: a negotiation in progress polls it.
	for _, alg := range s.algos {
		if err := alg.SetProp(prop, v); err != nil && !errors.Is(err, errcode.Unsupported) {
			s.logf("warning: charger: %s %s: %v", alg.Name(), prop, err)
		}
	}
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	if !notify {
		return nil
	}
	var first error
	for _, alg := range s.algos {
		if err := alg.Notify(ctx, ev); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// GetProp reads a property. index selects the charger IC for the
// thermal limits.
func (s *Service) GetProp(prop types.ChargerProp, index int) (int, error) {
	s.mu.Lock()
	p := s.p
	soc := s.soc
	s.mu.Unlock()

	switch prop {
	case types.PropHVDisable:
		return boolInt(p.hvDisabled), nil
	case types.PropInputSuspend:
		return boolInt(p.inputSuspend), nil
	case types.PropBattProtect:
		return boolInt(p.battProtect), nil
	case types.PropStoreMode:
		return boolInt(p.storeMode), nil
	case types.PropUSBUnlimited:
		return boolInt(p.usbUnlimited), nil
	case types.PropWaterDetected:
		return boolInt(p.water), nil
	case types.PropDischarging:
		return boolInt(p.discharging), nil
	case types.PropThermalCharging, types.PropThermalInput:
		if index < 0 || index > 1 {
			return 0, errcode.Wrap(errcode.InvalidParams, "charger.get_prop", nil)
		}
		if prop == types.PropThermalCharging {
			return p.thermalCharge[index], nil
		}
		return p.thermalInput[index], nil
	case types.PropVoltageMax:
		return s.maxVBus(p), nil
	case types.PropCapacity:
		return soc, nil
	case types.PropAfcResult, types.PropAfcToggle:
		for _, alg := range s.algos {
			if _, ok := alg.(afcLike); ok {
				return alg.GetProp(prop)
			}
		}
	}
	return 0, errcode.Unsupported
}

// AfcToggle moves the adapter between 5 V and 9 V by hand.
func (s *Service) AfcToggle(ctx context.Context, high bool) error {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()
	for _, alg := range s.algos {
		if a, ok := alg.(afcLike); ok {
			err := a.Toggle(ctx, high)
			s.Wake()
			return err
		}
	}
	return errcode.Unsupported
}

func (s *Service) handleCtrl(ctx context.Context, conn *bus.Connection, msg *bus.Message) {
	if len(msg.Topic) != 3 {
		return
	}
	name, ok := msg.Topic[2].(string)
	if !ok {
		return
	}
	prop := types.ChargerProp(name)

	var v int
	var err error
	switch pl := msg.Payload.(type) {
	case nil:
		v, err = s.GetProp(prop, 0)
	case types.ChargerCtrl:
		v, err = pl.Value, s.SetProp(ctx, prop, pl)
	case *types.ChargerCtrl:
		v, err = pl.Value, s.SetProp(ctx, prop, *pl)
	default:
		err = errcode.InvalidPayload
	}
	reply := types.ChargerReply{OK: err == nil, Value: v}
	if err != nil {
		reply.Error = string(errcode.Of(err))
	}
	conn.Reply(msg, reply, false)
}
