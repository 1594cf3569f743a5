package gpufreq

import (
	"context"
	"errors"

	"powercore-go/bus"
	"powercore-go/errcode"
	"powercore-go/types"
	"powercore-go/x/shmring"

	"github.com/fxamacker/cbor/v2"
)

var (
	topicStatus = bus.T("gpu", "status")
	topicCtrl   = bus.T("gpu", "ctrl", "+")
	topicTemp   = bus.T("gpu", "temp")
)

func (e *Engine) railStatusLocked(r *rail) types.RailStatus {
	return types.RailStatus{
		CurFreq_kHz: r.curFreq,
		CurVolt:     r.curVolt,
		CurVsram:    r.curVsram,
		CurOppIdx:   r.curIdx,
		MinOppIdx:   r.tbl.minIdx(),
		MaxOppIdx:   0,
		OppNum:      r.tbl.num(),
		PowerCount:  r.power,
		ActiveCount: r.active,
		BuckCount:   r.buck,
		MtcmosCount: r.mtcmos,
		CgCount:     r.cg,
		Power_mW:    r.tbl.working[r.curIdx].Power_mW,
	}
}

func (e *Engine) statusLocked() types.GpuStatus {
	st := types.GpuStatus{
		Seq:        e.seq,
		DvfsState:  uint32(e.state),
		GPU:        e.railStatusLocked(&e.gpu),
		Stack:      e.railStatusLocked(&e.stack),
		TempC:      e.temp,
		TempComp:   int(e.tempComp),
		MarginMode: e.marginMode,
		GpmMode:    e.gpmMode,
	}
	st.Stack.MaxOppIdx = e.ceiling
	if !e.powerTime.IsZero() {
		st.PowerTimeNs = e.powerTime.UnixNano()
	}
	return st
}

// Status returns the latest snapshot.
func (e *Engine) Status() types.GpuStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked()
}

// publishLocked writes a fresh snapshot to the ring and the bus. A full
// ring drops the snapshot; readers pick up the next one.
func (e *Engine) publishLocked() {
	e.seq++
	st := e.statusLocked()
	if e.ring != nil {
		if b, err := e.enc.Marshal(st); err == nil {
			if err := e.ring.WriteFrame(b); errors.Is(err, shmring.ErrNoSpace) {
				e.drops++
			}
		}
	}
	if e.conn != nil {
		e.conn.Publish(e.conn.NewMessage(topicStatus, st, true))
	}
}

// RingHandle names the status ring for readers in other services; ok is
// false when the ring is disabled.
func (e *Engine) RingHandle() (h shmring.Handle, ok bool) {
	return e.ringH, e.ring != nil
}

// Drops is the number of snapshots lost to a full ring.
func (e *Engine) Drops() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.drops
}

// DecodeStatus parses one ring frame.
func DecodeStatus(b []byte) (types.GpuStatus, error) {
	var st types.GpuStatus
	err := cbor.Unmarshal(b, &st)
	return st, err
}

// -----------------------------------------------------------------------------
// Service
// -----------------------------------------------------------------------------

// Start publishes the current status and serves gpu/ctrl/<verb> and
// gpu/temp until ctx ends.
func (e *Engine) Start(ctx context.Context, conn *bus.Connection) error {
	e.mu.Lock()
	e.conn = conn
	e.publishLocked()
	e.mu.Unlock()
	go e.serviceLoop(ctx, conn)
	return nil
}

func (e *Engine) serviceLoop(ctx context.Context, conn *bus.Connection) {
	ctrlSub := conn.Subscribe(topicCtrl)
	defer conn.Unsubscribe(ctrlSub)
	tempSub := conn.Subscribe(topicTemp)
	defer conn.Unsubscribe(tempSub)

	for {
		select {
		case <-ctx.Done():
			e.mu.Lock()
			e.conn = nil
			e.mu.Unlock()
			e.logf("info: gpufreq: service stopping")
			return
		case msg := <-ctrlSub.Channel():
			e.handleCtrl(conn, msg)
		case msg := <-tempSub.Channel():
			if t, ok := msg.Payload.(int); ok {
				e.SetTemperature(t)
			}
		}
	}
}

func (e *Engine) handleCtrl(conn *bus.Connection, msg *bus.Message) {
	if len(msg.Topic) != 3 {
		return
	}
	verb, ok := msg.Topic[2].(string)
	if !ok {
		return
	}

	var c types.GpuCtrl
	switch pl := msg.Payload.(type) {
	case nil:
	case types.GpuCtrl:
		c = pl
	case *types.GpuCtrl:
		c = *pl
	default:
		conn.Reply(msg, types.GpuReply{Error: string(errcode.InvalidPayload)}, false)
		return
	}

	v, err := e.dispatch(verb, c)
	reply := types.GpuReply{OK: err == nil, Value: v}
	if err != nil {
		reply.Error = string(errcode.Of(err))
	}
	conn.Reply(msg, reply, false)
}

func (e *Engine) dispatch(verb string, c types.GpuCtrl) (int, error) {
	switch verb {
	case "status":
		return int(e.State()), nil
	case "commit":
		return c.OppGPU, e.Commit(c.OppGPU)
	case "commit_dual":
		return c.OppGPU, e.CommitDual(c.OppGPU, c.OppStack)
	case "fix_opp":
		return c.OppGPU, e.FixTargetOppIdx(c.OppGPU, c.OppStack)
	case "fix_freq_volt":
		return 0, e.FixCustomFreqVolt(c.Freq_kHz, c.Volt, c.StackFreq_kHz, c.StackVolt)
	case "fix_stack_freq_volt":
		return 0, e.FixCustomStackFreqVolt(c.StackFreq_kHz, c.StackVolt)
	case "power":
		return e.PowerControl(c.On)
	case "active":
		return e.ActiveSleep(c.On)
	case "margin":
		return 0, e.SetMarginMode(c.On)
	case "gpm":
		return 0, e.SetGpmMode(c.On)
	case "mssv_test":
		e.SetMssvTest(c.On)
		return 0, nil
	case "mssv":
		// Frequency knobs take Freq_kHz, the rest take Volt.
		val := c.Volt
		if c.Freq_kHz != 0 {
			val = c.Freq_kHz
		}
		return int(val), e.MssvCommit(MssvTarget(c.Target), val)
	}
	return 0, errcode.InvalidTopic
}
