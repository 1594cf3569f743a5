package types

// ------------------------
// GPU DVFS
// ------------------------

// Rail identifies one of the two coupled power domains.
type Rail uint8

const (
	RailGPU Rail = iota
	RailStack
)

func (r Rail) String() string {
	if r == RailStack {
		return "stack"
	}
	return "gpu"
}

// OPP is one operating point. Frequencies in kHz, voltages in 10uV, power in mW.
type OPP struct {
	Freq_kHz uint32 `json:"freq_khz" cbor:"1,keyasint"`
	Volt     uint32 `json:"volt" cbor:"2,keyasint"`
	Vsram    uint32 `json:"vsram" cbor:"3,keyasint"`
	Posdiv   uint8  `json:"posdiv" cbor:"4,keyasint"`
	Margin   uint32 `json:"margin" cbor:"5,keyasint"`
	Power_mW uint32 `json:"power_mw" cbor:"6,keyasint"`
}

// RailStatus is the exported view of one rail.
type RailStatus struct {
	CurFreq_kHz uint32 `json:"cur_freq_khz" cbor:"1,keyasint"`
	CurVolt     uint32 `json:"cur_volt" cbor:"2,keyasint"`
	CurVsram    uint32 `json:"cur_vsram" cbor:"3,keyasint"`
	CurOppIdx   int    `json:"cur_oppidx" cbor:"4,keyasint"`
	MinOppIdx   int    `json:"min_oppidx" cbor:"5,keyasint"`
	MaxOppIdx   int    `json:"max_oppidx" cbor:"6,keyasint"`
	OppNum      int    `json:"opp_num" cbor:"7,keyasint"`
	PowerCount  int    `json:"power_count" cbor:"8,keyasint"`
	ActiveCount int    `json:"active_count" cbor:"9,keyasint"`
	BuckCount   int    `json:"buck_count" cbor:"10,keyasint"`
	MtcmosCount int    `json:"mtcmos_count" cbor:"11,keyasint"`
	CgCount     int    `json:"cg_count" cbor:"12,keyasint"`
	Power_mW    uint32 `json:"power_mw" cbor:"13,keyasint"`
}

// Shared status block: gpu/status (retained) and the shmring frame.
type GpuStatus struct {
	Seq         uint64     `json:"seq" cbor:"1,keyasint"`
	DvfsState   uint32     `json:"dvfs_state" cbor:"2,keyasint"`
	GPU         RailStatus `json:"gpu" cbor:"3,keyasint"`
	Stack       RailStatus `json:"stack" cbor:"4,keyasint"`
	TempC       int        `json:"temp_c" cbor:"5,keyasint"`
	TempComp    int        `json:"temp_comp" cbor:"6,keyasint"`
	MarginMode  bool       `json:"margin_mode" cbor:"7,keyasint"`
	GpmMode     bool       `json:"gpm_mode" cbor:"8,keyasint"`
	PowerTimeNs int64      `json:"power_time_ns" cbor:"9,keyasint"`
}

// GpuCtrl is the payload of gpu/ctrl/<verb> requests.
type GpuCtrl struct {
	OppGPU        int    `json:"opp_gpu"`
	OppStack      int    `json:"opp_stack"`
	Freq_kHz      uint32 `json:"freq_khz"`
	Volt          uint32 `json:"volt"`
	StackFreq_kHz uint32 `json:"stack_freq_khz"`
	StackVolt     uint32 `json:"stack_volt"`
	// Target names the mssv knob: fgpu, vgpu, fstack, vstack, delsel_top, delsel_stack.
	Target string `json:"target"`
	On     bool   `json:"on"`
}

// GpuReply answers a gpu/ctrl request.
type GpuReply struct {
	OK    bool   `json:"ok"`
	Value int    `json:"value"`
	Error string `json:"error,omitempty"`
}
