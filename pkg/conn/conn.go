// Package conn implements the connection engine: a cumulative-ack,
// sliding-window retransmission protocol (ARQ) layered on top of the frame
// codec. It runs the handshake that establishes which dialect (Sibo or Era)
// the peer speaks, then shepherds a small window of outstanding data frames
// until each is acknowledged, retrying or giving up and disconnecting on
// timeout.
package conn

import (
	"errors"

	"github.com/thoukydides/psilink/internal/ring"
	"github.com/thoukydides/psilink/pkg/frame"
	"github.com/thoukydides/psilink/pkg/stats"
)

// Sentinel errors for conditions local to this engine; none of these are
// ever produced by a remote status code, which is instead translated through
// pkg/status.
var (
	ErrNotConnected = errors.New("psilink/conn: not connected")
	ErrNotActive    = errors.New("psilink/conn: connection engine not started")
	ErrBusy         = errors.New("psilink/conn: transmit window full")
	ErrNotPolling   = errors.New("psilink/conn: send attempted outside a poll tick")
	ErrBadState     = errors.New("psilink/conn: internal state machine error")
)

// Continuation (frame type) values carried in frame.Data.Cont.
const (
	contAck  byte = 0
	contDisc byte = 1
	contReq  byte = 2
	contData byte = 3
)

// Sequence values used by the control PDUs that share the REQ continuation.
const (
	seqDisc   = 0
	seqReq    = 0
	seqReqReq = 1
	seqReqCon = 4
)

// Sequence number moduli for the two dialects.
const (
	seqModSibo = 8
	seqModEra  = 2048
)

// Window sizes: Sibo allows only one outstanding data frame, Era several.
const (
	MaxWindowEra  = 5
	MaxWindowSibo = 1
)

// Timer constants, expressed in centiseconds as in the original link layer.
const (
	timeoutIdle         = 100 * 60
	timeoutRetryOffset  = 20
	timeoutRetryBytes   = 4
	reqRetries          = 4
	dataRetries         = 8
)

type state int

const (
	stateIdle state = iota
	stateIdleReq
	stateIdleAck
	stateData
	stateDataAck
)

// Clock supplies the monotonic centisecond counter the retry/idle timers are
// measured against. Centisecond arithmetic wraps, and comparisons use signed
// subtraction so a single wraparound does not misfire a timer.
type Clock interface {
	NowCentiseconds() uint32
}

// Delegate receives data delivered by the connection engine once a
// connection is established: the multiplexor, sitting above this layer,
// implements it.
type Delegate interface {
	// MuxPoll is called from every FramePoll call made while connected. rx is non-nil
	// exactly when a new in-order data frame has just arrived. windowFree is
	// the number of additional data frames that can be queued with Send
	// right now.
	MuxPoll(rx []byte, windowFree int) error

	// MuxConnected is called once, the moment a connection is established.
	MuxConnected() error

	// MuxDisconnected is called once, the moment a connection is torn down.
	// now reports whether this is an abrupt shutdown rather than a graceful
	// one.
	MuxDisconnected(now bool) error
}

// BaudCycler lets the engine ask the transport to try the next candidate
// baud rate, used while repeatedly retrying an unanswered connection
// request (autobaud hunting).
type BaudCycler interface {
	CycleBaud() (changed bool)
}

// Engine is the connection state machine. It implements frame.Delegate, and
// is driven entirely by frame.Codec.Poll calling FramePoll.
type Engine struct {
	Codec    *frame.Codec
	Delegate Delegate
	Clock    Clock
	Baud     BaudCycler
	Stats    *stats.Counters

	// LinkTime estimates how many centiseconds it takes to transfer the
	// given number of bytes at the current line rate, used to size the
	// retry timeout. If nil, the retry timeout is just the fixed
	// timeoutRetryOffset.
	LinkTime func(bytes int) uint32

	// IdleTimeout overrides timeoutIdle when non-zero, so a configured
	// idle_disconnect value reaches the idle timer.
	IdleTimeout uint32

	// MaxWindow overrides the Era window size when non-zero, so a
	// configured link.max_window value reaches the ARQ window. It is
	// clamped to the transmit ring's fixed capacity (MaxWindowEra); the
	// Sibo window is always 1, never configurable.
	MaxWindow int

	active  bool
	enabled bool
	polled  bool

	state state
	era   bool

	connected bool

	timerRunning bool
	timeout      uint32

	retries int

	seqTx uint16
	seqRx uint16

	magic uint32

	ctrlPending bool
	ctrlFrame   frame.Data

	tx *ring.Window[frame.Data]

	rxPending bool
	rxFrame   frame.Data
}

// NewEngine constructs an Engine around codec, ready to be started with
// Start.
func NewEngine(codec *frame.Codec, delegate Delegate, clock Clock, s *stats.Counters) *Engine {
	e := &Engine{
		Codec:    codec,
		Delegate: delegate,
		Clock:    clock,
		Stats:    s,
		tx:       ring.NewWindow[frame.Data](MaxWindowEra),
	}
	return e
}

// Start enables the engine: it will attempt to establish a connection as
// soon as it next sees the remote device active.
func (e *Engine) Start() {
	if e.active {
		return
	}
	e.reset()
	e.active = true
	e.enabled = true
}

// End disables further (re)connection attempts. It does not send DISC or
// close a connection that is already established, and has no abrupt
// variant: an established connection stays up until the peer disconnects,
// the transport goes inactive, or the idle or retry timer gives up.
func (e *Engine) End() {
	e.enabled = false
}

// Connected reports whether a connection is currently established.
func (e *Engine) Connected() bool { return e.connected }

// Era reports which dialect the current (or most recently established)
// connection uses.
func (e *Engine) Era() bool { return e.era }

func (e *Engine) seqMod() uint16 {
	if e.era {
		return seqModEra
	}
	return seqModSibo
}

func (e *Engine) windowLimit() int {
	if e.era {
		if e.MaxWindow > 0 && e.MaxWindow < MaxWindowEra {
			return e.MaxWindow
		}
		return MaxWindowEra
	}
	return MaxWindowSibo
}

func (e *Engine) freeTxWindow() int {
	if !e.connected {
		return 0
	}
	free := e.windowLimit() - e.tx.Used()
	if free < 0 {
		return 0
	}
	return free
}

func (e *Engine) reset() error {
	e.state = stateIdle
	e.era = false
	e.timerRetry()
	e.seqTx = 0
	e.seqRx = 0
	e.tx.Reset()
	e.rxPending = false
	if e.Clock != nil {
		e.magic = e.Clock.NowCentiseconds()
	}
	return e.disconnect(true)
}

func (e *Engine) setConnected() error {
	if e.connected {
		return nil
	}
	e.connected = true
	if e.Delegate != nil {
		return e.Delegate.MuxConnected()
	}
	return nil
}

func (e *Engine) disconnect(now bool) error {
	if !e.connected {
		return nil
	}
	e.connected = false
	if e.Delegate != nil {
		return e.Delegate.MuxDisconnected(now)
	}
	return nil
}

func (e *Engine) incSeq(seq uint16) uint16 {
	return (seq + 1) % e.seqMod()
}

func (e *Engine) txAck(seq uint16) {
	e.ctrlFrame = frame.Data{Cont: contAck, Seq: seq}
	e.ctrlPending = true
}

func (e *Engine) txDisc() {
	e.ctrlFrame = frame.Data{Cont: contDisc, Seq: seqDisc}
	e.ctrlPending = true
}

func (e *Engine) txReqReq() {
	e.ctrlFrame = frame.Data{Cont: contReq, Seq: seqReqReq}
	e.ctrlPending = true
}

func (e *Engine) txReqCon(magic uint32) {
	e.ctrlFrame = frame.Data{
		Cont: contReq,
		Seq:  seqReqCon,
		Data: []byte{byte(magic), byte(magic >> 8), byte(magic >> 16), byte(magic >> 24)},
	}
	e.ctrlPending = true
}

func (e *Engine) timerStop() { e.timerRunning = false }

func (e *Engine) timerIdle() {
	if e.Clock == nil {
		return
	}
	idle := uint32(timeoutIdle)
	if e.IdleTimeout != 0 {
		idle = e.IdleTimeout
	}
	e.timeout = e.Clock.NowCentiseconds() + idle
	e.timerRunning = true
}

func (e *Engine) timerRetry() {
	if e.Clock == nil {
		return
	}
	timeout := uint32(timeoutRetryOffset)
	if e.connected {
		bytes := frame.MaxDataTx
		if e.era {
			bytes = frame.MaxDataRx
		}
		if e.LinkTime != nil {
			timeout += e.LinkTime(bytes * timeoutRetryBytes)
		}
	}
	e.timeout = e.Clock.NowCentiseconds() + timeout
	e.timerRunning = true
}

// FramePoll implements frame.Delegate. The frame codec calls it when a
// received frame is complete, when its transmitter has just become idle, or
// when idle polling is requested.
func (e *Engine) FramePoll(dialect frame.Dialect, active bool, rx *frame.Data, txReady bool) error {
	if !e.active {
		return nil
	}
	e.polled = true
	defer func() { e.polled = false }()

	if !active {
		e.ctrlPending = false
		return e.reset2()
	}

	if rx != nil {
		if err := e.pollRx(rx); err != nil {
			return err
		}
	}

	if err := e.pollTimer(); err != nil {
		return err
	}

	if e.connected && e.Delegate != nil {
		var out []byte
		if e.rxPending {
			out = e.rxFrame.Data
		}
		if err := e.Delegate.MuxPoll(out, e.freeTxWindow()); err != nil {
			return err
		}
		e.rxPending = false
	}

	if txReady {
		e.pollTx()
	}
	return nil
}

// reset2 mirrors connect_poll_disconnected: cancel anything pending and
// fully reset the state machine in response to the transport going away.
func (e *Engine) reset2() error {
	return e.reset()
}

func (e *Engine) pollRx(f *frame.Data) error {
	switch f.Cont {
	case contAck:
		return e.pollRxAck(f)
	case contDisc:
		return e.pollRxDisc()
	case contReq:
		switch f.Seq {
		case seqReq:
			return e.pollRxReq()
		case seqReqReq:
			return e.pollRxReqReq()
		case seqReqCon:
			return e.pollRxReqCon(f)
		}
	case contData:
		return e.pollRxData(f)
	}
	return nil
}

func (e *Engine) pollRxAck(f *frame.Data) error {
	switch e.state {
	case stateIdleReq, stateIdleAck:
		if e.enabled {
			e.seqTx = f.Seq
			e.seqRx = 0
			e.timerIdle()
			e.state = stateData
			return e.setConnected()
		}
	case stateDataAck:
		e.tx.RetireThrough(func(d frame.Data) bool { return d.Seq == f.Seq })
		if e.tx.Drained() {
			e.state = stateData
			e.timerIdle()
		} else {
			e.timerRetry()
		}
	case stateIdle, stateData:
		// Acknowledge ignored outside these states.
	default:
		return ErrBadState
	}
	return nil
}

func (e *Engine) pollRxDisc() error {
	switch e.state {
	case stateIdleReq, stateIdleAck, stateData, stateDataAck:
		return e.reset()
	case stateIdle:
	default:
		return ErrBadState
	}
	return nil
}

func (e *Engine) pollRxReq() error {
	switch e.state {
	case stateIdle:
		if e.enabled {
			e.era = false
			e.txReqCon(e.magic)
			e.timerRetry()
			e.retries = reqRetries
			e.state = stateIdleAck
		}
	case stateIdleReq, stateIdleAck:
		if e.enabled {
			e.era = false
			e.seqTx, e.seqRx = 0, 0
			e.txAck(e.seqRx)
			e.timerIdle()
			e.state = stateData
			return e.setConnected()
		}
	case stateData, stateDataAck:
		return e.reset()
	default:
		return ErrBadState
	}
	return nil
}

func (e *Engine) pollRxReqReq() error {
	switch e.state {
	case stateIdle, stateIdleReq, stateIdleAck:
		if e.enabled {
			e.era = true
			e.txReqCon(e.magic)
			e.timerRetry()
			e.retries = reqRetries
			e.state = stateIdleAck
		}
	case stateData, stateDataAck:
		return e.reset()
	default:
		return ErrBadState
	}
	return nil
}

func (e *Engine) pollRxReqCon(f *frame.Data) error {
	switch e.state {
	case stateIdleAck:
		if e.enabled && len(f.Data) >= 4 {
			got := uint32(f.Data[0]) | uint32(f.Data[1])<<8 | uint32(f.Data[2])<<16 | uint32(f.Data[3])<<24
			if got != e.magic {
				e.era = true
				e.seqTx, e.seqRx = 0, 0
				e.txAck(e.seqRx)
				e.timerIdle()
				e.state = stateData
				return e.setConnected()
			}
		}
	case stateData, stateDataAck:
		return e.reset()
	case stateIdle, stateIdleReq:
	default:
		return ErrBadState
	}
	return nil
}

func (e *Engine) pollRxData(f *frame.Data) error {
	switch e.state {
	case stateData, stateDataAck:
		if f.Seq == e.incSeq(e.seqRx) {
			e.seqRx = f.Seq
			e.rxFrame = frame.Data{Cont: f.Cont, Seq: f.Seq, Data: append([]byte(nil), f.Data...)}
			e.rxPending = true
			e.txAck(e.seqRx)
			if e.state == stateData {
				e.timerIdle()
			} else {
				e.timerRetry()
			}
		} else {
			e.txAck(e.seqRx)
			if e.Stats != nil {
				e.Stats.RxFrameRetry.Add(1)
			}
		}
	case stateIdle, stateIdleReq, stateIdleAck:
	default:
		return ErrBadState
	}
	return nil
}

func (e *Engine) pollTx() {
	if e.ctrlPending {
		e.ctrlPending = false
		e.send(e.ctrlFrame)
		return
	}
	if v, ok := e.tx.NextUnsent(); ok {
		e.send(v)
	}
}

func (e *Engine) send(d frame.Data) {
	dialect := frame.Sibo
	if e.era {
		dialect = frame.Era
	}
	e.Codec.Send(dialect, d)
}

func (e *Engine) pollTimer() error {
	if !e.timerRunning || e.Clock == nil {
		return nil
	}
	now := e.Clock.NowCentiseconds()
	if int32(now-e.timeout) <= 0 {
		return nil
	}
	e.timerStop()
	return e.pollTimeout()
}

func (e *Engine) pollTimeout() error {
	switch e.state {
	case stateIdle:
		if e.enabled {
			e.txReqReq()
			e.timerRetry()
			e.state = stateIdleReq
		}
	case stateIdleReq:
		if e.enabled {
			changed := false
			if e.Baud != nil {
				changed = e.Baud.CycleBaud()
			}
			e.Codec.Reset(changed)
			e.txReqReq()
			e.timerRetry()
		} else {
			return e.reset()
		}
	case stateIdleAck:
		if e.enabled && e.retries > 0 {
			e.retries--
		}
		if e.enabled && e.retries > 0 {
			e.txReqCon(e.magic)
			e.timerRetry()
		} else {
			return e.reset()
		}
	case stateData:
		e.txDisc()
		return e.reset()
	case stateDataAck:
		if e.retries > 0 {
			e.retries--
		}
		if e.retries > 0 {
			e.tx.Rewind()
			e.timerRetry()
			if e.Stats != nil {
				e.Stats.TxFrameRetry.Add(1)
			}
		} else {
			e.txDisc()
			return e.reset()
		}
	default:
		return ErrBadState
	}
	return nil
}

// Send queues payload as the next outgoing data frame. It may only be
// called from within a MuxPoll callback, i.e. during a poll tick, and fails
// if the connection is down or its transmit window is full.
func (e *Engine) Send(payload []byte) error {
	if !e.active {
		return ErrNotActive
	}
	if !e.connected {
		return ErrNotConnected
	}
	if !e.polled {
		return ErrNotPolling
	}
	if e.freeTxWindow() == 0 {
		return ErrBusy
	}
	e.seqTx = e.incSeq(e.seqTx)
	e.tx.Push(frame.Data{Cont: contData, Seq: e.seqTx, Data: append([]byte(nil), payload...)})
	e.timerRetry()
	e.retries = dataRetries
	e.state = stateDataAck
	return nil
}
