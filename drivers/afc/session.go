package afc

import (
	"context"
	"sync"
	"time"

	"powercore-go/errcode"
	"powercore-go/x/logx"
	"powercore-go/x/mathx"
	"powercore-go/x/timex"

	"periph.io/x/conn/v3/gpio"
)

// Adapter voltages, microvolts.
const (
	Volt5V = 5_000_000
	Volt9V = 9_000_000
)

// Voltage-select codes sent after the first handshake.
const (
	code9V byte = 0x46
	code5V byte = 0x08
)

// Switch is the detection-path enable pin. periph gpio.PinOut satisfies it.
type Switch interface {
	Out(l gpio.Level) error
}

// Charger is what a session needs from the charger IC.
type Charger interface {
	VBus() (int, error) // microvolts
	SetMIVR(uv int) error
}

// PreCheck results.
const (
	PreCheckDone = 0
	PreCheckStop = 1
)

type Config struct {
	CommCount      int           `yaml:"comm_count"`   // inner communicate attempts
	CommGap        time.Duration `yaml:"comm_gap"`     // between inner attempts
	SoftRetries    int           `yaml:"soft_retries"` // measurement cycles assumed to be comm glitches
	HardRetries    int           `yaml:"hard_retries"` // further cycles assumed to be adapter settling
	Settle         time.Duration `yaml:"settle"`       // before re-measuring VBUS
	Tolerance      int           `yaml:"tolerance"`    // acceptance window, microvolts
	SwitchSettle   time.Duration `yaml:"switch_settle"`
	AckGapUs       int           `yaml:"ack_gap_us"`   // between the two acknowledge pings
	FinalGapUs     int           `yaml:"final_gap_us"` // before the closing ping
	MinMIVR        int           `yaml:"min_mivr"`     // microvolts
	PreCheckCount  int           `yaml:"precheck_count"`
	PreCheckPeriod time.Duration `yaml:"precheck_period"`
	ResetCount     int           `yaml:"reset_count"`

	Logf func(format string, args ...any) `yaml:"-"`
}

func DefaultConfig() Config {
	return Config{
		CommCount:      3,
		CommGap:        100 * time.Millisecond,
		SoftRetries:    3,
		HardRetries:    5,
		Settle:         38 * time.Millisecond,
		Tolerance:      1_000_000,
		SwitchSettle:   5 * time.Millisecond,
		AckGapUs:       2000,
		FinalGapUs:     200,
		MinMIVR:        4_600_000,
		PreCheckCount:  15,
		PreCheckPeriod: 100 * time.Millisecond,
		ResetCount:     3,
	}
}

// Session owns one adapter wire pair.
type Session struct {
	cfg  Config
	link *Link
	sw   Switch
	chg  Charger
	clk  timex.Clock
	logf func(format string, args ...any)

	mu      sync.Mutex // one exchange at a time
	lastErr errcode.Code
	origin  int
}

func NewSession(cfg Config, data Line, sw Switch, chg Charger, clk timex.Clock) *Session {
	if clk == nil {
		clk = timex.Wall{}
	}
	logf := cfg.Logf
	if logf == nil {
		logf = logx.Printf
	}
	return &Session{
		cfg:     cfg,
		link:    NewLink(data, clk),
		sw:      sw,
		chg:     chg,
		clk:     clk,
		logf:    logf,
		lastErr: errcode.OK,
	}
}

// LastError is the code of the most recent failed exchange, or OK.
func (s *Session) LastError() errcode.Code {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Origin is the VBUS observed before the last negotiation, microvolts.
func (s *Session) Origin() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.origin
}

// Communicate runs one full handshake asking for target.
func (s *Session) Communicate(ctx context.Context, target int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.communicate(ctx, target)
}

func (s *Session) communicate(ctx context.Context, target int) error {
	if err := s.sw.Out(gpio.High); err != nil {
		return errcode.Wrap(errcode.IoError, "afc.switch", err)
	}
	defer s.sw.Out(gpio.Low)
	if err := s.clk.Sleep(ctx, s.cfg.SwitchSettle); err != nil {
		return err
	}

	code := code5V
	if target == Volt9V {
		code = code9V
	}

	var fail errcode.Code
	err := critical(func() error {
		if err := s.link.SendMping(); err != nil {
			return err
		}
		if _, err := s.link.RecvSping(); err != nil {
			fail = errcode.SpingErr1
			return err
		}
		if err := s.link.SendByte(code); err != nil {
			return err
		}
		if err := s.link.SendMping(); err != nil {
			return err
		}
		if _, err := s.link.RecvSping(); err != nil {
			fail = errcode.SpingErr2
			return err
		}
		s.clk.DelayUs(s.cfg.AckGapUs)
		if _, err := s.link.RecvSping(); err != nil {
			fail = errcode.SpingErr3
			return err
		}
		s.clk.DelayUs(s.cfg.FinalGapUs)
		if err := s.link.SendMping(); err != nil {
			return err
		}
		if _, err := s.link.RecvSping(); err != nil {
			fail = errcode.SpingErr4
			return err
		}
		return nil
	})
	if err != nil {
		if fail == "" {
			fail = errcode.IoError
		}
		s.lastErr = fail
		return errcode.Wrap(fail, "afc.communicate", err)
	}
	s.lastErr = errcode.OK
	return nil
}

// exchange runs up to CommCount handshakes, CommGap apart.
func (s *Session) exchange(ctx context.Context, target int) error {
	var err error
	for i := 0; i < s.cfg.CommCount; i++ {
		if err = s.communicate(ctx, target); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if i+1 < s.cfg.CommCount {
			if serr := s.clk.Sleep(ctx, s.cfg.CommGap); serr != nil {
				return serr
			}
		}
	}
	return err
}

// SetTargetVoltage negotiates target and checks VBUS actually moved.
// Soft retries are spent first, then hard ones; keepGoing is consulted
// after every failed cycle (charger still DCP, HV still enabled).
// On failure MIVR is left at the safe minimum.
func (s *Session) SetTargetVoltage(ctx context.Context, target int, keepGoing func() bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	before, err := s.chg.VBus()
	if err != nil {
		return errcode.Wrap(errcode.IoError, "afc.vbus", err)
	}
	s.origin = before

	soft, hard := 0, 0
	for {
		if err := s.exchange(ctx, target); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.clk.Sleep(ctx, s.cfg.Settle); err != nil {
			return err
		}
		after, err := s.chg.VBus()
		if err == nil && mathx.Abs(after-target) < s.cfg.Tolerance {
			s.lastErr = errcode.OK
			return nil
		}
		if s.lastErr == errcode.OK {
			s.lastErr = errcode.IoError
		}
		if merr := s.chg.SetMIVR(s.cfg.MinMIVR); merr != nil {
			s.logf("warning: afc: mivr fallback: %v", merr)
		}

		if soft < s.cfg.SoftRetries {
			soft++
		} else {
			hard++
		}
		if hard >= s.cfg.HardRetries || (keepGoing != nil && !keepGoing()) {
			break
		}
	}
	return errcode.Wrap(errcode.IoError, "afc.set_target_voltage", s.lastErr)
}

// PreCheck polls isDCP PreCheckCount times, PreCheckPeriod apart. It
// returns PreCheckStop as soon as the type changes, else PreCheckDone.
func (s *Session) PreCheck(ctx context.Context, isDCP func() bool) (int, error) {
	for i := 0; i < s.cfg.PreCheckCount; i++ {
		if err := s.clk.Sleep(ctx, s.cfg.PreCheckPeriod); err != nil {
			return PreCheckStop, err
		}
		if !isDCP() {
			return PreCheckStop, nil
		}
	}
	return PreCheckDone, nil
}

// ResetTaVchr pulses the reset pattern until VBUS is back near the
// voltage seen before negotiation.
func (s *Session) ResetTaVchr(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	origin := s.origin
	if origin == 0 {
		origin = Volt5V
	}
	for i := 0; i < s.cfg.ResetCount; i++ {
		if err := critical(s.link.SendReset); err != nil {
			return errcode.Wrap(errcode.IoError, "afc.reset", err)
		}
		if err := s.clk.Sleep(ctx, s.cfg.Settle); err != nil {
			return err
		}
		v, err := s.chg.VBus()
		if err == nil && mathx.Abs(v-origin) < s.cfg.Tolerance {
			return nil
		}
	}
	return errcode.Wrap(errcode.IoError, "afc.reset", nil)
}

// Suspend parks both pins in the neutral state (cable out).
func (s *Session) Suspend() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastErr = errcode.OK
	s.origin = 0
	if err := s.sw.Out(gpio.Low); err != nil {
		return err
	}
	return s.link.Release()
}
