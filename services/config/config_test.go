package config

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"powercore-go/bus"
	"powercore-go/errcode"
	"powercore-go/services/gpufreq"
)

func quiet(string, ...any) {}

func TestConfig_PublishRetainedPerSection(t *testing.T) {
	b := bus.NewBus(16)
	conn := b.NewConnection("test-config")
	svc := NewConfigService(Default(), quiet)

	if err := svc.Start(context.Background(), conn); err != nil {
		t.Fatal(err)
	}

	// Subscribe after the fact; retained messages should arrive immediately.
	sub := conn.Subscribe(bus.T(configPrefix, "#"))

	got := map[string]any{}
	deadline := time.After(600 * time.Millisecond)
	for len(got) < 7 {
		select {
		case m := <-sub.Channel():
			if len(m.Topic) != 2 || m.Topic[0] != configPrefix {
				t.Fatalf("unexpected topic %#v", m.Topic)
			}
			key, ok := m.Topic[1].(string)
			if !ok {
				t.Fatalf("topic[1] type %T, want string", m.Topic[1])
			}
			got[key] = m.Payload
		case <-deadline:
			t.Fatalf("got %d retained sections: %v", len(got), got)
		}
	}

	gpu, ok := got[SectionGPU].(gpufreq.Config)
	if !ok {
		t.Fatalf("gpu payload type %T", got[SectionGPU])
	}
	if gpu.InitOppIdx != -1 || !gpu.GPM3 {
		t.Fatalf("gpu section %+v", gpu)
	}
	if hw, ok := got[SectionHardware].(Hardware); !ok || hw.AfcData != afcDataDefault {
		t.Fatalf("hardware payload %#v", got[SectionHardware])
	}
}

func TestParse_KeepsDefaultsForMissingKeys(t *testing.T) {
	b, err := Parse([]byte(`
charger:
  battery_cv: 4400000
  ac_input_current: 0
gpu:
  segment_upbound: 2
`))
	if err != nil {
		t.Fatal(err)
	}
	d := Default()
	if b.Charger.BatteryCV_uV != 4_400_000 {
		t.Fatalf("battery_cv %d", b.Charger.BatteryCV_uV)
	}
	if b.Charger.ACInput_uA != d.Charger.ACInput_uA || !b.Charger.DynamicMIVR {
		t.Fatalf("charger defaults lost: %+v", b.Charger)
	}
	if b.AFC.ACInput_uA != b.Charger.ACInput_uA || b.AFC.ACCharger_uA != b.Charger.ACCharger_uA {
		t.Fatal("afc AC currents do not follow the charger section")
	}
	if b.GPU.SegmentUpbound != 2 || b.GPU.StackImax_mA != d.GPU.StackImax_mA || b.GPU.Logf == nil {
		t.Fatalf("gpu %+v", b.GPU)
	}
	if b.Hardware.StackBuck.Address != d.Hardware.StackBuck.Address {
		t.Fatalf("stack buck %#x", b.Hardware.StackBuck.Address)
	}
}

func TestParse_NestedStructsAndDurations(t *testing.T) {
	b, err := Parse([]byte(`
hardware:
  gpu_buck:
    address: 0x62
  afc_data_pin: GPIO5
afc:
  backoff_min: 30s
  backoff_max: 10m
afc_link:
  soft_retries: 1
  settle: 50ms
`))
	if err != nil {
		t.Fatal(err)
	}
	if b.Hardware.GPUBuck.Address != 0x62 || b.Hardware.GPUBuck.Step != 625 {
		t.Fatalf("gpu buck %+v", b.Hardware.GPUBuck)
	}
	if b.Hardware.AfcData != "GPIO5" || b.Hardware.AfcSwitch != afcSwitchDefault {
		t.Fatalf("pins %q %q", b.Hardware.AfcData, b.Hardware.AfcSwitch)
	}
	if b.AFC.BackoffMin != 30*time.Second || b.AFC.BackoffMax != 10*time.Minute {
		t.Fatalf("backoff %v..%v", b.AFC.BackoffMin, b.AFC.BackoffMax)
	}
	if b.AfcLink.SoftRetries != 1 || b.AfcLink.Settle != 50*time.Millisecond || b.AfcLink.HardRetries != 5 {
		t.Fatalf("afc link %+v", b.AfcLink)
	}
}

func TestParse_Rejects(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want errcode.Code
	}{
		{"not yaml", "charger: [", errcode.InvalidPayload},
		{"shared buck address", "hardware:\n  stack_buck:\n    address: 0x60\n", errcode.InvalidParams},
		{"no mfg window", "hardware:\n  mfg_base: 0\n", errcode.InvalidParams},
		{"store window", "charger:\n  store_mode_soc_min: 80\n", errcode.InvalidParams},
		{"afc window", "afc:\n  start_soc: 90\n", errcode.InvalidParams},
		{"init past segment", "gpu:\n  segment_upbound: 20\n  init_oppidx: 10\n", errcode.InvalidParams},
		{"segment past table", "gpu:\n  segment_upbound: 27\n", errcode.InvalidParams},
	}
	for _, c := range cases {
		if _, err := Parse([]byte(c.raw)); errcode.Of(err) != c.want {
			t.Errorf("%s: err %v, want %s", c.name, err, c.want)
		}
	}
}

func TestLoad_FallsBackToEmbedded(t *testing.T) {
	old := FileLookup
	t.Cleanup(func() { FileLookup = old })

	FileLookup = func(string) ([]byte, error) { return nil, os.ErrNotExist }
	b, err := Load(DefaultPath, "dual")
	if err != nil {
		t.Fatal(err)
	}
	if !b.Charger.Dual || b.Hardware.ChargerIC2 != 0x6b || !b.GPU.ActiveSleep {
		t.Fatalf("dual board %+v", b)
	}
	if _, err := Load(DefaultPath, "unknown-device"); errcode.Of(err) != errcode.InvalidParams {
		t.Fatalf("unknown device: %v", err)
	}

	FileLookup = func(string) ([]byte, error) { return nil, errors.New("permission denied") }
	if _, err := Load(DefaultPath, "reference"); errcode.Of(err) != errcode.IoError {
		t.Fatalf("read error: %v", err)
	}

	FileLookup = func(string) ([]byte, error) { return []byte("gpu:\n  init_oppidx: 4\n"), nil }
	if b, err := Load(DefaultPath, "reference"); err != nil || b.GPU.InitOppIdx != 4 {
		t.Fatalf("file board: %d, %v", b.GPU.InitOppIdx, err)
	}
}

func TestEmbeddedBoardsParse(t *testing.T) {
	for name, raw := range embeddedConfigs {
		if _, err := Parse(raw); err != nil {
			t.Errorf("%s: %v", name, err)
		}
	}
}
