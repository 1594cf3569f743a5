// Package vbuck drives a VSEL-programmed buck regulator over I2C, as used
// for the GPU and STACK rails. Voltages are in 10 uV units.
package vbuck

import (
	"errors"

	"powercore-go/errcode"

	"tinygo.org/x/drivers"
)

const (
	AddressDefault = 0x60

	regVSEL  = 0x00
	regCtrl  = 0x01 // EN, mode
	regID    = 0x03
	bitEn    = 1 << 7
	bitForce = 1 << 0 // forced PWM
)

var ErrOffGrid = errors.New("voltage_off_grid")

type Config struct {
	Address uint16 `yaml:"address"`
	Min     uint32 `yaml:"min"`  // code 0, 10uV
	Step    uint32 `yaml:"step"` // per code, 10uV
	MaxCode uint8  `yaml:"max_code"`
}

// DefaultConfig: 0.4 V + n * 6.25 mV.
func DefaultConfig() Config {
	return Config{Address: AddressDefault, Min: 40_000, Step: 625, MaxCode: 0xFF}
}

type Device struct {
	i2c  drivers.I2C
	addr uint16
	cfg  Config

	w [2]byte
	r [1]byte
}

func New(i2c drivers.I2C, cfg Config) *Device {
	if cfg.Address == 0 {
		cfg.Address = AddressDefault
	}
	if cfg.Step == 0 {
		cfg.Step = 625
	}
	return &Device{i2c: i2c, addr: cfg.Address, cfg: cfg}
}

func (d *Device) read(reg byte) (byte, error) {
	d.w[0] = reg
	if err := d.i2c.Tx(d.addr, d.w[:1], d.r[:1]); err != nil {
		return 0, err
	}
	return d.r[0], nil
}

func (d *Device) write(reg, v byte) error {
	d.w[0], d.w[1] = reg, v
	return d.i2c.Tx(d.addr, d.w[:2], nil)
}

// Probe reads the ID register.
func (d *Device) Probe() (byte, error) {
	id, err := d.read(regID)
	if err != nil {
		return 0, errcode.Wrap(errcode.InitFailed, "vbuck.probe", err)
	}
	return id, nil
}

// Step is the regulator resolution in 10uV.
func (d *Device) Step() uint32 { return d.cfg.Step }

// Range returns the programmable window in 10uV.
func (d *Device) Range() (lo, hi uint32) {
	return d.cfg.Min, d.cfg.Min + uint32(d.cfg.MaxCode)*d.cfg.Step
}

// SetVoltage programs v. Values between steps are rejected rather
// than rounded; callers keep their tables on the regulator grid.
func (d *Device) SetVoltage(v uint32) error {
	lo, hi := d.Range()
	if v < lo || v > hi || (v-lo)%d.cfg.Step != 0 {
		return errcode.Wrap(errcode.InvalidParams, "vbuck.set", ErrOffGrid)
	}
	return d.write(regVSEL, byte((v-lo)/d.cfg.Step))
}

// Voltage reads back the programmed target.
func (d *Device) Voltage() (uint32, error) {
	c, err := d.read(regVSEL)
	if err != nil {
		return 0, err
	}
	return d.cfg.Min + uint32(c)*d.cfg.Step, nil
}

func (d *Device) Enable(on bool) error {
	c, err := d.read(regCtrl)
	if err != nil {
		return err
	}
	if on {
		c |= bitEn
	} else {
		c &^= bitEn
	}
	return d.write(regCtrl, c)
}

func (d *Device) Enabled() (bool, error) {
	c, err := d.read(regCtrl)
	return c&bitEn != 0, err
}

// SetForcedPWM pins the buck in PWM mode (lower ripple under load steps).
func (d *Device) SetForcedPWM(on bool) error {
	c, err := d.read(regCtrl)
	if err != nil {
		return err
	}
	if on {
		c |= bitForce
	} else {
		c &^= bitForce
	}
	return d.write(regCtrl, c)
}
