// Package charger is the charging policy service: it merges charger type,
// battery temperature, thermal limits and fast-charge algorithm state into
// one input/charge/CV decision per tick and commits it to the charger IC.
package charger

import (
	"context"
	"time"

	"powercore-go/types"
	"powercore-go/x/logx"
)

// IC is the charger-IC capability. *bq2589x.Device satisfies it.
type IC interface {
	VBus() (int, error)
	IBus() (int, error)
	BatteryVoltage() (int, error)
	BatteryCurrent() (int, error)
	BatteryTemperature() (int, error)
	ChargerType() (types.ChargerType, error)
	PowerGood() (bool, error)
	IsChargingDone() (bool, error)
	SafetyTimerExpired() (bool, error)

	SetInputCurrent(uA int) error
	InputCurrent() (int, error)
	SetChargingCurrent(uA int) error
	SetConstantVoltage(uV int) error
	SetMIVR(uV int) error
	MIVR() (int, error)
	Enable(on bool) error
	SetHiZ(on bool) error
	MinChargingCurrent() (int, error)
	MinInputCurrent() (int, error)
	RunAICL(ctx context.Context) (int, error)
	Event(ev types.ChargerEvent) error
}

// Config holds board currents (uA), voltages (uV) and policy switches.
type Config struct {
	USBCharger_uA   int `yaml:"usb_charger_current"`
	USBInput_uA     int `yaml:"usb_input_current"`
	ACCharger_uA    int `yaml:"ac_charger_current"`
	ACInput_uA      int `yaml:"ac_input_current"`
	CDPCharger_uA   int `yaml:"cdp_charger_current"`
	CDPInput_uA     int `yaml:"cdp_input_current"`
	FloatCharger_uA int `yaml:"float_charger_current"`
	FloatInput_uA   int `yaml:"float_input_current"`
	AfcCharger_uA   int `yaml:"afc_charger_current"`
	AfcInput_uA     int `yaml:"afc_input_current"`
	BootInput_uA    int `yaml:"low_power_boot_input_current"`
	ATMInput_uA     int `yaml:"atm_input_current"`
	PlugOutInput_uA int `yaml:"plug_out_input_current"`

	BatteryCV_uV         int `yaml:"battery_cv"`
	MaxChargerVoltage_uV int `yaml:"max_charger_voltage"`
	HVChargerVoltage_uV  int `yaml:"hv_max_charger_voltage"`
	MinChargerVoltage_uV int `yaml:"min_charger_voltage"`
	MinChargerV1_uV      int `yaml:"min_charger_voltage_1"`
	MinChargerV2_uV      int `yaml:"min_charger_voltage_2"`

	LowPowerBoot bool          `yaml:"low_power_boot"`
	ATM          bool          `yaml:"atm"`
	DynamicMIVR  bool          `yaml:"enable_dynamic_mivr"`
	Dual         bool          `yaml:"dual_charger"`
	JeitaEnabled bool          `yaml:"enable_sw_jeita"`
	Jeita        JeitaConfig   `yaml:"jeita"`
	Thermal      ThermalConfig `yaml:"thermal"`

	StoreSOCMin int `yaml:"store_mode_soc_min"`
	StoreSOCMax int `yaml:"store_mode_soc_max"`
	ProtectSOC  int `yaml:"batt_protect_soc"`

	Poll time.Duration `yaml:"poll"`

	Logf func(format string, args ...any) `yaml:"-"`
}

func DefaultConfig() Config {
	return Config{
		USBCharger_uA:   500_000,
		USBInput_uA:     500_000,
		ACCharger_uA:    2_050_000,
		ACInput_uA:      3_200_000,
		CDPCharger_uA:   1_500_000,
		CDPInput_uA:     1_500_000,
		FloatCharger_uA: 500_000,
		FloatInput_uA:   500_000,
		AfcCharger_uA:   3_000_000,
		AfcInput_uA:     1_670_000,
		BootInput_uA:    200_000,
		ATMInput_uA:     100_000,
		PlugOutInput_uA: 100_000,

		BatteryCV_uV:         4_350_000,
		MaxChargerVoltage_uV: 6_500_000,
		HVChargerVoltage_uV:  10_500_000,
		MinChargerVoltage_uV: 4_600_000,
		MinChargerV1_uV:      4_400_000,
		MinChargerV2_uV:      4_200_000,

		DynamicMIVR:  true,
		JeitaEnabled: true,
		Jeita:        DefaultJeitaConfig(),
		Thermal:      DefaultThermalConfig(),

		StoreSOCMin: 60,
		StoreSOCMax: 70,
		ProtectSOC:  85,

		Poll: 10 * time.Second,
	}
}

// Fill replaces zero fields with their defaults.
func (c *Config) Fill() {
	d := DefaultConfig()
	ints := []struct{ v, def *int }{
		{&c.USBCharger_uA, &d.USBCharger_uA}, {&c.USBInput_uA, &d.USBInput_uA},
		{&c.ACCharger_uA, &d.ACCharger_uA}, {&c.ACInput_uA, &d.ACInput_uA},
		{&c.CDPCharger_uA, &d.CDPCharger_uA}, {&c.CDPInput_uA, &d.CDPInput_uA},
		{&c.FloatCharger_uA, &d.FloatCharger_uA}, {&c.FloatInput_uA, &d.FloatInput_uA},
		{&c.AfcCharger_uA, &d.AfcCharger_uA}, {&c.AfcInput_uA, &d.AfcInput_uA},
		{&c.BootInput_uA, &d.BootInput_uA}, {&c.ATMInput_uA, &d.ATMInput_uA},
		{&c.PlugOutInput_uA, &d.PlugOutInput_uA},
		{&c.BatteryCV_uV, &d.BatteryCV_uV},
		{&c.MaxChargerVoltage_uV, &d.MaxChargerVoltage_uV},
		{&c.HVChargerVoltage_uV, &d.HVChargerVoltage_uV},
		{&c.MinChargerVoltage_uV, &d.MinChargerVoltage_uV},
		{&c.MinChargerV1_uV, &d.MinChargerV1_uV},
		{&c.MinChargerV2_uV, &d.MinChargerV2_uV},
		{&c.StoreSOCMin, &d.StoreSOCMin}, {&c.StoreSOCMax, &d.StoreSOCMax},
		{&c.ProtectSOC, &d.ProtectSOC},
	}
	for _, f := range ints {
		if *f.v == 0 {
			*f.v = *f.def
		}
	}
	if c.Jeita == (JeitaConfig{}) {
		c.Jeita = d.Jeita
	}
	if c.Thermal == (ThermalConfig{}) {
		c.Thermal = d.Thermal
	}
	if c.Poll <= 0 {
		c.Poll = d.Poll
	}
	if c.Logf == nil {
		c.Logf = logx.Printf
	}
}
