// Package afc drives the single-wire AFC adapter protocol over a GPIO line.
package afc

import (
	"powercore-go/errcode"
	"powercore-go/x/timex"

	"periph.io/x/conn/v3/gpio"
)

// Protocol timing, in microseconds unless noted.
const (
	UI             = 160
	MpingUI        = 16
	WaitSpingCount = 5
	SpingMinUI     = 10
	SpingMaxUI     = 20
	ByteLeadUs     = 160
	ResetPulseUs   = 10_000
)

// Line is the data wire. periph gpio.PinIO satisfies it.
type Line interface {
	Out(l gpio.Level) error
	In(pull gpio.Pull, edge gpio.Edge) error
	Read() gpio.Level
}

// Link is the bit-banged data line. Every call blocks for the whole
// operation; nothing is queued or retried here.
type Link struct {
	data  Line
	clk   timex.Clock
	out   bool // pin_state: true while driving
	wrErr error
}

func NewLink(data Line, clk timex.Clock) *Link {
	return &Link{data: data, clk: clk}
}

// set drives the line. The first write after sampling switches direction.
// Write errors are latched and reported by the caller at a step boundary
// so the waveform itself is never interrupted.
func (l *Link) set(v gpio.Level) {
	if err := l.data.Out(v); err != nil && l.wrErr == nil {
		l.wrErr = err
	}
	l.out = true
}

func (l *Link) listen() error {
	if !l.out {
		return nil
	}
	if err := l.data.In(gpio.Float, gpio.NoEdge); err != nil {
		return err
	}
	l.out = false
	return nil
}

func (l *Link) takeErr() error {
	err := l.wrErr
	l.wrErr = nil
	return err
}

func (l *Link) cycle(us int) {
	l.set(gpio.High)
	l.clk.DelayUs(us)
	l.set(gpio.Low)
	l.clk.DelayUs(us)
}

// SendMping drives the master ping: high for 16 UI, then low.
func (l *Link) SendMping() error {
	if !l.out {
		l.set(gpio.Low)
	}
	l.set(gpio.High)
	l.clk.DelayUs(MpingUI * UI)
	l.set(gpio.Low)
	return l.takeErr()
}

// RecvSping samples the line once per UI. It waits up to WaitSpingCount
// UIs for the slave ping to start, then measures its length in UIs.
func (l *Link) RecvSping() (int, error) {
	if err := l.listen(); err != nil {
		return 0, err
	}
	for i := 0; ; i++ {
		l.clk.DelayUs(UI)
		if l.data.Read() == gpio.High {
			break
		}
		if i+1 >= WaitSpingCount {
			return 0, errcode.SpingTimeout
		}
	}
	n := 1
	for {
		l.clk.DelayUs(UI)
		if l.data.Read() != gpio.High {
			break
		}
		n++
		if n > SpingMaxUI {
			return n, errcode.SpingTooLong
		}
	}
	if n < SpingMinUI {
		return n, errcode.SpingTooShort
	}
	return n, nil
}

// SendByte emits one frame: a start shape, 8 data bits MSB first, an
// even-parity bit (high when the popcount is even), and a closing cycle.
func (l *Link) SendByte(b byte) error {
	l.set(gpio.Low)
	l.clk.DelayUs(ByteLeadUs)

	l.cycle(UI / 4)
	if b&0x80 == 0 {
		l.set(gpio.High)
		l.clk.DelayUs(UI / 4)
	}

	for m := byte(0x80); m != 0; m >>= 1 {
		l.set(gpio.Level(b&m != 0))
		l.clk.DelayUs(UI)
	}

	odd := Parity(b)
	l.set(gpio.Level(!odd))
	l.clk.DelayUs(UI)

	if odd {
		l.set(gpio.Low)
	}
	l.clk.DelayUs(UI / 4)
	l.cycle(UI / 4)
	return l.takeErr()
}

// SendReset holds the line high long enough for the adapter to drop
// back to its default voltage.
func (l *Link) SendReset() error {
	l.set(gpio.High)
	l.clk.DelayUs(ResetPulseUs)
	l.set(gpio.Low)
	return l.takeErr()
}

// Release returns the data line to input.
func (l *Link) Release() error { return l.listen() }

// Parity reports whether b has an odd number of set bits.
func Parity(b byte) bool {
	b ^= b >> 4
	b ^= b >> 2
	b ^= b >> 1
	return b&1 == 1
}
