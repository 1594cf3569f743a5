// Package gpufreq is the GPU DVFS engine for the two coupled rails (GPU
// and STACK). It owns the OPP tables, walks voltages through springboard
// parking points, reprograms the PLLs and sequences power, and exports a
// status block after every change.
package gpufreq

import (
	"fmt"

	"powercore-go/drivers/mfgsys"
	"powercore-go/errcode"
	"powercore-go/x/logx"
)

// Regulator is one buck rail. *vbuck.Device satisfies it.
type Regulator interface {
	SetVoltage(v uint32) error
	Voltage() (uint32, error)
	Enable(on bool) error
}

// MFG is the subsystem register block. *mfgsys.Device satisfies it.
type MFG interface {
	WriteCon1(p mfgsys.PLL, con1 uint32)
	Freq(p mfgsys.PLL) uint32
	SettlePLL()
	SelectMain(mask uint32)
	SelectSub(mask uint32)

	EnableClocks()
	DisableClocks()
	ReleaseGPUIso()
	HoldGPUIso()
	ReleaseStackIso()
	HoldStackIso()

	PowerOn(dom mfgsys.Domain) error
	PowerOff(dom mfgsys.Domain) error
	ApplyConfig(c mfgsys.Config)
	SetDelsel(stack bool, v uint32)
	Delsel(stack bool) uint32
}

// DvfsState is a bitmask; any bit other than the caller's key blocks a commit.
type DvfsState uint32

const (
	DvfsFree        DvfsState = 0
	DvfsDisable     DvfsState = 1 << 0
	DvfsPowerOff    DvfsState = 1 << 1
	DvfsFixOpp      DvfsState = 1 << 2
	DvfsFixFreqVolt DvfsState = 1 << 3
	DvfsSleep       DvfsState = 1 << 4
	DvfsMssvTest    DvfsState = 1 << 5
)

func (s DvfsState) String() string {
	if s == DvfsFree {
		return "free"
	}
	names := []string{"disable", "power_off", "fix_opp", "fix_freq_volt", "sleep", "mssv_test"}
	out := ""
	for i, n := range names {
		if s&(1<<i) != 0 {
			if out != "" {
				out += "|"
			}
			out += n
		}
	}
	return out
}

// Voltages in 10 uV.
const (
	VMin        = 40_000
	VMax        = 105_000
	VsramThresh = 75_000
	PMICStep    = 625

	// MaxSignoffVolt caps a compensated target.
	MaxSignoffVolt = 100_000

	// TempUnknown leaves the compensation untouched.
	TempUnknown = -275
)

// Config is the gpu section of the board file.
type Config struct {
	// SegmentUpbound drops the fastest signed OPPs on binned parts.
	SegmentUpbound int `yaml:"segment_upbound"`
	// InitOppIdx forces the first commit; -1 keeps the boot frequency.
	InitOppIdx int `yaml:"init_oppidx"`

	// Raw AVS efuse words, one per signed-off OPP (0 = not fused).
	GPUAVS   []uint32 `yaml:"gpu_avs"`
	StackAVS []uint32 `yaml:"stack_avs"`
	// Aging margins per signed-off OPP, 10uV.
	GPUAging   []uint32 `yaml:"gpu_aging"`
	StackAging []uint32 `yaml:"stack_aging"`

	Leakage Leakage `yaml:"leakage"`

	StackImax_mA uint32 `yaml:"stack_imax"`
	GPM3         bool   `yaml:"gpm3"`
	ActiveSleep  bool   `yaml:"active_sleep"`
	TestMode     bool   `yaml:"test_mode"`

	MFG mfgsys.Config `yaml:"mfg"`

	// RingSize is the status ring in bytes; 0 disables it.
	RingSize int `yaml:"ring_size"`

	Logf  func(format string, args ...any) `yaml:"-"`
	Fatal func(err error)                  `yaml:"-"`
}

// Leakage holds the per-chip efuse leakage in mA.
type Leakage struct {
	GPURT   uint32 `yaml:"gpu_rt"`
	GPUHT   uint32 `yaml:"gpu_ht"`
	StackRT uint32 `yaml:"stack_rt"`
	StackHT uint32 `yaml:"stack_ht"`
}

func DefaultConfig() Config {
	return Config{
		InitOppIdx:   -1,
		Leakage:      Leakage{StackRT: 150},
		StackImax_mA: 13_000,
		GPM3:         true,
		MFG:          mfgsys.DefaultConfig(),
		RingSize:     4096,
	}
}

// Fill replaces unset hooks and limits with defaults.
func (c *Config) Fill() {
	if c.StackImax_mA == 0 {
		c.StackImax_mA = DefaultConfig().StackImax_mA
	}
	if c.Logf == nil {
		c.Logf = logx.Printf
	}
	if c.Fatal == nil {
		logf := c.Logf
		c.Fatal = func(err error) {
			logf("err: gpufreq: %v", err)
			panic(fmt.Sprintf("gpufreq: %v", err))
		}
	}
}

// Check rejects a segment or boot index outside the signed table.
func (c Config) Check() error {
	n := len(gpuSignedTable)
	if c.SegmentUpbound < 0 || c.SegmentUpbound >= n {
		return &errcode.E{C: errcode.InvalidParams, Op: "gpufreq.config", Msg: fmt.Sprintf("segment_upbound %d", c.SegmentUpbound)}
	}
	if c.InitOppIdx >= n-c.SegmentUpbound {
		return &errcode.E{C: errcode.InvalidParams, Op: "gpufreq.config", Msg: fmt.Sprintf("init_oppidx %d past %d entries", c.InitOppIdx, n-c.SegmentUpbound)}
	}
	return nil
}
