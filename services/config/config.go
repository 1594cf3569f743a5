// Package config loads the board file and publishes each section retained
// on the bus under config/<section>.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"

	"powercore-go/bus"
	"powercore-go/drivers/afc"
	"powercore-go/drivers/bq2589x"
	"powercore-go/drivers/vbuck"
	"powercore-go/errcode"
	"powercore-go/services/charger"
	"powercore-go/services/gpufreq"
	"powercore-go/services/publish"
	"powercore-go/services/sampler"
	"powercore-go/x/logx"

	"gopkg.in/yaml.v3"
)

const (
	serviceName  = "config"
	configPrefix = "config"

	DefaultPath = "/etc/powercore/board.yaml"
)

// Section names, also the last topic token.
const (
	SectionHardware = "hardware"
	SectionCharger  = "charger"
	SectionAFC      = "afc"
	SectionAfcLink  = "afc_link"
	SectionGPU      = "gpu"
	SectionPublish  = "publish"
	SectionSampler  = "sampler"
)

// Hardware names the buses, pins and register windows of the board.
type Hardware struct {
	I2CBus     string         `yaml:"i2c_bus"` // i2creg name, empty for the first bus
	ChargerIC  bq2589x.Config `yaml:"charger_ic"`
	ChargerIC2 uint16         `yaml:"charger_ic2_address"` // 0 when there is no second IC
	GPUBuck    vbuck.Config   `yaml:"gpu_buck"`
	StackBuck  vbuck.Config   `yaml:"stack_buck"`
	MFGBase    int64          `yaml:"mfg_base"`
	MFGSize    int            `yaml:"mfg_size"`
	AfcData    string         `yaml:"afc_data_pin"`   // gpioreg name
	AfcSwitch  string         `yaml:"afc_switch_pin"` // empty when the detection path is hard-wired
}

// Board is the decoded board file.
type Board struct {
	Hardware Hardware          `yaml:"hardware"`
	Charger  charger.Config    `yaml:"charger"`
	AFC      charger.AfcConfig `yaml:"afc"`
	AfcLink  afc.Config        `yaml:"afc_link"`
	GPU      gpufreq.Config    `yaml:"gpu"`
	Publish  publish.Config    `yaml:"publish"`
	Sampler  sampler.Config    `yaml:"sampler"`
}

// Default is the board every file is decoded on top of.
func Default() Board {
	return Board{
		Hardware: Hardware{
			ChargerIC: bq2589x.DefaultConfig(),
			GPUBuck:   vbuck.DefaultConfig(),
			StackBuck: stackBuckDefault(),
			MFGBase:   mfgBaseDefault,
			MFGSize:   mfgSizeDefault,
			AfcData:   afcDataDefault,
			AfcSwitch: afcSwitchDefault,
		},
		Charger: charger.DefaultConfig(),
		AFC:     charger.DefaultAfcConfig(),
		AfcLink: afc.DefaultConfig(),
		GPU:     gpufreq.DefaultConfig(),
		Publish: publish.DefaultConfig(),
		Sampler: sampler.DefaultConfig(),
	}
}

// FileLookup reads the board file; tests replace it.
var FileLookup = os.ReadFile

// Parse decodes raw YAML on top of Default and fills and checks the result.
// Keys the file leaves out keep their default, explicit zeros are refilled.
func Parse(raw []byte) (Board, error) {
	b := Default()
	if err := yaml.Unmarshal(raw, &b); err != nil {
		return Board{}, errcode.Wrap(errcode.InvalidPayload, "config.parse", err)
	}
	if err := applyDefaults(&b); err != nil {
		return Board{}, err
	}
	return b, nil
}

// Load reads path, falling back to the embedded board for the named device
// when the file does not exist.
func Load(path, device string) (Board, error) {
	raw, err := FileLookup(path)
	if errors.Is(err, os.ErrNotExist) {
		var ok bool
		if raw, ok = EmbeddedConfigLookup(device); !ok {
			return Board{}, &errcode.E{C: errcode.InvalidParams, Op: "config.load", Msg: "no board file and no embedded board for " + device}
		}
	} else if err != nil {
		return Board{}, errcode.Wrap(errcode.IoError, "config.load", err)
	}
	return Parse(raw)
}

func applyDefaults(b *Board) error {
	d := Default()
	h := &b.Hardware
	if h.GPUBuck.Address == 0 {
		h.GPUBuck = d.Hardware.GPUBuck
	}
	if h.StackBuck.Address == 0 {
		h.StackBuck = d.Hardware.StackBuck
	}
	if h.ChargerIC.Address == 0 {
		h.ChargerIC.Address = d.Hardware.ChargerIC.Address
	}
	if h.MFGSize <= 0 {
		h.MFGSize = d.Hardware.MFGSize
	}
	if h.AfcData == "" {
		h.AfcData = d.Hardware.AfcData
	}

	b.Charger.Fill()
	fillAfc(&b.AFC, d.AFC, b.Charger)
	if b.AfcLink.CommCount <= 0 {
		b.AfcLink = d.AfcLink
	}
	b.GPU.Fill()
	b.Publish.Fill()
	b.Sampler.Fill()

	switch {
	case h.GPUBuck.Address == h.StackBuck.Address:
		return invalid("gpu_buck and stack_buck share address %#x", h.GPUBuck.Address)
	case h.MFGBase == 0:
		return invalid("mfg_base not set")
	case b.Charger.StoreSOCMin > b.Charger.StoreSOCMax:
		return invalid("store mode window %d..%d", b.Charger.StoreSOCMin, b.Charger.StoreSOCMax)
	case b.AFC.StartSOC > b.AFC.StopSOC:
		return invalid("afc soc window %d..%d", b.AFC.StartSOC, b.AFC.StopSOC)
	}
	return b.GPU.Check()
}

// fillAfc refills zero currents and voltages; the AC values always
// follow the charger section.
func fillAfc(a *charger.AfcConfig, d charger.AfcConfig, c charger.Config) {
	for _, f := range []struct{ v, def *int }{
		{&a.PreInput_uA, &d.PreInput_uA}, {&a.Input_uA, &d.Input_uA},
		{&a.Charger_uA, &d.Charger_uA}, {&a.StopSOC, &d.StopSOC},
		{&a.ExitVBus_uV, &d.ExitVBus_uV}, {&a.MIVR9V_uV, &d.MIVR9V_uV},
		{&a.MIVR5V_uV, &d.MIVR5V_uV},
	} {
		if *f.v == 0 {
			*f.v = *f.def
		}
	}
	if a.BackoffMin <= 0 {
		a.BackoffMin = d.BackoffMin
	}
	if a.BackoffMax < a.BackoffMin {
		a.BackoffMax = d.BackoffMax
	}
	a.ACInput_uA = c.ACInput_uA
	a.ACCharger_uA = c.ACCharger_uA
}

func invalid(format string, args ...any) error {
	return &errcode.E{C: errcode.InvalidParams, Op: "config.check", Msg: fmt.Sprintf(format, args...)}
}

// Sections returns the retained payload of each section.
func (b Board) Sections() map[string]any {
	return map[string]any{
		SectionHardware: b.Hardware,
		SectionCharger:  b.Charger,
		SectionAFC:      b.AFC,
		SectionAfcLink:  b.AfcLink,
		SectionGPU:      b.GPU,
		SectionPublish:  b.Publish,
		SectionSampler:  b.Sampler,
	}
}

// -----------------------------------------------------------------------------
// Config Service
// -----------------------------------------------------------------------------

type ConfigService struct {
	Name  string
	board Board
	logf  func(format string, args ...any)
}

func NewConfigService(b Board, logf func(format string, args ...any)) *ConfigService {
	if logf == nil {
		logf = logx.Printf
	}
	return &ConfigService{Name: serviceName, board: b, logf: logf}
}

func (s *ConfigService) Board() Board { return s.board }

// publishConfig publishes every section as a retained message.
func (s *ConfigService) publishConfig(conn *bus.Connection) int {
	n := 0
	for k, v := range s.board.Sections() {
		conn.Publish(conn.NewMessage(bus.T(configPrefix, k), v, true))
		n++
	}
	return n
}

// Start publishes the board synchronously so that services started after
// it find their section retained.
func (s *ConfigService) Start(ctx context.Context, conn *bus.Connection) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n := s.publishConfig(conn)
	s.logf("info: config: published %d sections", n)
	return nil
}
