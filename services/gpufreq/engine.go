package gpufreq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"powercore-go/bus"
	"powercore-go/drivers/mfgsys"
	"powercore-go/errcode"
	"powercore-go/types"
	"powercore-go/x/mathx"
	"powercore-go/x/shmring"
	"powercore-go/x/timex"

	"github.com/fxamacker/cbor/v2"
)

// rail is the live state of one regulator/PLL pair.
type rail struct {
	tbl *railTable
	reg Regulator

	curIdx   int
	curFreq  uint32
	curVolt  uint32
	curVsram uint32

	power, active, buck, mtcmos, cg int
}

// Engine serialises every OPP commit and power transition of both rails
// behind one lock.
type Engine struct {
	cfg     Config
	mfg     MFG
	clk     timex.Clock
	logf    func(format string, args ...any)
	pm      powerModel
	domains []mfgsys.Domain

	mu    sync.Mutex
	ready bool
	state DvfsState
	gpu   rail
	stack rail

	sb       []Springboard
	stackFor []int
	gpm3     []gpm3Entry
	ceiling  int

	avsMargin  bool
	marginMode bool
	gpmMode    bool
	temp       int
	tempComp   uint32
	powerTime  time.Time

	seq   uint64
	enc   cbor.EncMode
	ringH shmring.Handle
	ring  *shmring.Ring
	drops int
	conn  *bus.Connection
}

// New builds the engine and its signed tables. Nothing touches the
// hardware until Init.
func New(cfg Config, vgpu, vstack Regulator, mfg MFG, clk timex.Clock) (*Engine, error) {
	cfg.Fill()
	if clk == nil {
		clk = timex.Wall{}
	}
	gt, err := newRailTable(types.RailGPU, cfg.SegmentUpbound)
	if err != nil {
		return nil, err
	}
	st, err := newRailTable(types.RailStack, cfg.SegmentUpbound)
	if err != nil {
		return nil, err
	}
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:        cfg,
		mfg:        mfg,
		clk:        clk,
		logf:       cfg.Logf,
		pm:         powerModel{lkg: cfg.Leakage},
		domains:    mfgsys.DefaultDomains,
		state:      DvfsPowerOff,
		gpu:        rail{tbl: gt, reg: vgpu},
		stack:      rail{tbl: st, reg: vstack},
		marginMode: true,
		gpmMode:    cfg.GPM3,
		temp:       TempUnknown,
		enc:        enc,
	}
	if err := e.rebuildLocked(); err != nil {
		e.gpmMode = false
	}
	if cfg.RingSize > 0 {
		e.ringH, e.ring = shmring.NewRegistered(cfg.RingSize)
	}
	return e, nil
}

// Close releases the status ring.
func (e *Engine) Close() {
	if e.ring != nil {
		shmring.Close(e.ringH)
	}
}

// Init adjusts the tables, adopts the boot frequencies and commits the
// initial OPP with the rails briefly powered.
func (e *Engine) Init(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	e.mu.Lock()
	res, err := e.initLocked()
	e.mu.Unlock()
	for _, w := range res.warnings {
		e.logf("warning: gpufreq: avs %s", w)
	}
	if err != nil {
		e.logf("err: gpufreq: init: %v", err)
		return err
	}
	if res.overdrive {
		e.logf("warning: gpufreq: avs volt above signed-off")
	}

	if _, err := e.PowerControl(true); err != nil {
		return errcode.Wrap(errcode.InitFailed, "gpufreq.init", err)
	}
	if e.cfg.ActiveSleep {
		if _, err := e.ActiveSleep(true); err != nil {
			e.PowerControl(false)
			return errcode.Wrap(errcode.InitFailed, "gpufreq.init", err)
		}
	}

	e.mu.Lock()
	target := e.cfg.InitOppIdx
	if target < 0 {
		target = e.gpu.curIdx
	}
	stackTarget := -1
	if e.gpu.tbl.valid(target) {
		stackTarget = e.stackFor[target]
	}
	e.mu.Unlock()
	cerr := e.commitDual(target, stackTarget, DvfsFree)

	if e.cfg.ActiveSleep {
		e.ActiveSleep(false)
	}
	e.PowerControl(false)
	if cerr != nil {
		e.logf("err: gpufreq: init commit %d: %v", target, cerr)
		return cerr
	}

	e.mu.Lock()
	e.ready = true
	e.publishLocked()
	g, s := e.gpu, e.stack
	e.mu.Unlock()
	e.logf("info: gpufreq: ready gpu opp %d %d kHz, stack opp %d %d kHz", g.curIdx, g.curFreq, s.curIdx, s.curFreq)
	return nil
}

func (e *Engine) initLocked() (adjustResult, error) {
	var res adjustResult
	if err := e.gpu.tbl.adjust(e.cfg.GPUAVS, e.cfg.GPUAging, &res); err != nil {
		return res, err
	}
	if err := e.stack.tbl.adjust(e.cfg.StackAVS, e.cfg.StackAging, &res); err != nil {
		return res, err
	}
	e.avsMargin = res.avsMargin
	if err := e.rebuildLocked(); err != nil {
		res.warnings = append(res.warnings, fmt.Sprintf("gpm disabled: %v", err))
		e.gpmMode = false
	}

	for _, r := range []struct {
		rl  *rail
		pll mfgsys.PLL
	}{{&e.gpu, mfgsys.PLLGPU}, {&e.stack, mfgsys.PLLStack0}} {
		v, err := r.rl.reg.Voltage()
		if err != nil {
			return res, errcode.Wrap(errcode.InitFailed, "gpufreq.boot_volt", err)
		}
		r.rl.curFreq = e.mfg.Freq(r.pll)
		r.rl.curVolt = v
		r.rl.curVsram = vsramFor(v)
		r.rl.curIdx = r.rl.tbl.idxByFreq(r.rl.curFreq)
	}
	return res, nil
}

// rebuildLocked recomputes everything derived from the signed tables.
func (e *Engine) rebuildLocked() error {
	for _, t := range []*railTable{e.gpu.tbl, e.stack.tbl} {
		t.extract()
		e.pm.measure(t)
	}
	e.sb = buildSpringboard(e.gpu.tbl.signed, e.stack.tbl.signed, parkingIdx)

	sf := make([]int, e.gpu.tbl.num())
	for i, o := range e.gpu.tbl.working {
		sf[i] = e.stack.tbl.idxByFreq(o.Freq_kHz)
	}
	e.stackFor = sf

	var err error
	e.gpm3 = nil
	if e.gpmMode {
		e.gpm3, err = e.pm.gpm3Table(e.stack.tbl, e.cfg.StackImax_mA)
	}
	e.updateCeilingLocked()
	return err
}

func (e *Engine) updateCeilingLocked() {
	e.ceiling = 0
	if e.gpmMode && e.temp != TempUnknown {
		e.ceiling = mathx.Min(gpm3Ceiling(e.gpm3, e.temp), e.stack.tbl.minIdx())
	}
}

// -----------------------------------------------------------------------------
// Commit
// -----------------------------------------------------------------------------

// Commit moves the GPU to idx with the stack following at the same frequency.
func (e *Engine) Commit(idx int) error {
	e.mu.Lock()
	s := -1
	if e.gpu.tbl.valid(idx) {
		s = e.stackFor[idx]
	}
	e.mu.Unlock()
	return e.commitDual(idx, s, DvfsFree)
}

// CommitDual moves both rails to their own working-table indices.
func (e *Engine) CommitDual(gpuIdx, stackIdx int) error {
	return e.commitDual(gpuIdx, stackIdx, DvfsFree)
}

func (e *Engine) commitDual(g, s int, key DvfsState) error {
	e.mu.Lock()
	err := e.commitLocked(g, s, key)
	e.mu.Unlock()
	e.fatalOn(err)
	return err
}

func (e *Engine) commitLocked(g, s int, key DvfsState) error {
	if !e.gpu.tbl.valid(g) || !e.stack.tbl.valid(s) {
		return &errcode.E{C: errcode.InvalidOppIdx, Op: "gpufreq.commit", Msg: fmt.Sprintf("gpu %d stack %d", g, s)}
	}
	switch {
	case e.state&^key == 0:
		if key == DvfsFree && s < e.ceiling {
			s = e.ceiling
		}
	case e.state == DvfsFixOpp:
		// Fixed: only refresh the volts of the pinned OPP.
		g, s = e.gpu.curIdx, e.stack.curIdx
	default:
		return &errcode.E{C: errcode.DvfsBlocked, Op: "gpufreq.commit", Msg: e.state.String()}
	}

	og, os := e.gpu.tbl.working[g], e.stack.tbl.working[s]
	vg := mathx.Min(og.Volt+e.tempComp, MaxSignoffVolt)
	vs := mathx.Min(os.Volt+e.tempComp, MaxSignoffVolt)
	if err := e.genericScale(og.Freq_kHz, vg, os.Freq_kHz, vs); err != nil {
		return err
	}
	e.gpu.curIdx, e.stack.curIdx = g, s
	e.publishLocked()
	return nil
}

// genericScale orders the clock and volt steps so that no rail ever runs
// faster than its present voltage allows.
func (e *Engine) genericScale(fg, vg, fs, vs uint32) error {
	gpuUp := fg > e.gpu.curFreq
	stackUp := fs > e.stack.curFreq

	volt := func() error { return e.voltScale(vg, vs) }
	fgpu := func() error { return e.freqScaleGPU(fg) }
	fstack := func() error { return e.freqScaleStack(fs) }

	var steps []func() error
	switch {
	case gpuUp && stackUp:
		steps = []func() error{volt, fstack, fgpu}
	case !gpuUp && stackUp:
		steps = []func() error{fgpu, volt, fstack}
	case gpuUp && !stackUp:
		steps = []func() error{fstack, volt, fgpu}
	default:
		steps = []func() error{fgpu, fstack, volt}
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

// fatalOn hands readback failures to the fatal hook. Call without the lock.
func (e *Engine) fatalOn(err error) {
	if err != nil && errcode.Of(err) == errcode.ReadbackMismatch {
		e.cfg.Fatal(err)
	}
}

// -----------------------------------------------------------------------------
// Accessors
// -----------------------------------------------------------------------------

func (e *Engine) railOf(r types.Rail) *rail {
	if r == types.RailStack {
		return &e.stack
	}
	return &e.gpu
}

func (e *Engine) Ready() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ready
}

func (e *Engine) State() DvfsState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) OppNum(r types.Rail) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.railOf(r).tbl.num()
}

func (e *Engine) CurIdx(r types.Rail) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.railOf(r).curIdx
}

func (e *Engine) CurFreq(r types.Rail) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.railOf(r).curFreq
}

func (e *Engine) CurVolt(r types.Rail) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.railOf(r).curVolt
}

func (e *Engine) CurVsram(r types.Rail) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.railOf(r).curVsram
}

// CurPower is the table power of the current OPP in mW.
func (e *Engine) CurPower(r types.Rail) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	rl := e.railOf(r)
	return rl.tbl.working[rl.curIdx].Power_mW
}

func (e *Engine) MaxFreq(r types.Rail) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.railOf(r).tbl.working[0].Freq_kHz
}

func (e *Engine) MinFreq(r types.Rail) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.railOf(r).tbl
	return t.working[t.minIdx()].Freq_kHz
}

func (e *Engine) MaxPower(r types.Rail) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.railOf(r).tbl.working[0].Power_mW
}

func (e *Engine) MinPower(r types.Rail) uint32 {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.railOf(r).tbl
	return t.working[t.minIdx()].Power_mW
}

func (e *Engine) IdxByFreq(r types.Rail, f uint32) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.railOf(r).tbl.idxByFreq(f)
}

func (e *Engine) IdxByVolt(r types.Rail, v uint32) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.railOf(r).tbl.idxByVolt(v)
}

func (e *Engine) IdxByPower(r types.Rail, p uint32) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.railOf(r).tbl.idxByPower(p)
}

// OPP returns one working-table entry.
func (e *Engine) OPP(r types.Rail, idx int) (types.OPP, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t := e.railOf(r).tbl
	if !t.valid(idx) {
		return types.OPP{}, false
	}
	return t.working[idx], true
}

// WorkingTable returns a copy of a rail's working table.
func (e *Engine) WorkingTable(r types.Rail) []types.OPP {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]types.OPP(nil), e.railOf(r).tbl.working...)
}

// SignedTable returns a copy of a rail's adjusted signed table.
func (e *Engine) SignedTable(r types.Rail) []types.OPP {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]types.OPP(nil), e.railOf(r).tbl.signed...)
}

func (e *Engine) Springboard() []Springboard {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Springboard(nil), e.sb...)
}

// StackCeiling is the fastest stack index GPM currently allows.
func (e *Engine) StackCeiling() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ceiling
}
