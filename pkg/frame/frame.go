// Package frame implements the byte-stuffed, CRC-protected framing layer
// that sits directly on top of a transport.Transport. It turns a bare byte
// stream into discrete frames carrying a continuation/sequence header and a
// payload, detecting which of the two wire dialects (Sibo or Era) is in use
// from the very first byte of a frame.
package frame

import (
	"errors"

	"github.com/thoukydides/psilink/internal/crc"
	"github.com/thoukydides/psilink/pkg/stats"
	"github.com/thoukydides/psilink/pkg/transport"
)

// Special framing bytes.
const (
	stx byte = 0x02
	etx byte = 0x03
	eot byte = 0x04
	dle byte = 0x10
	dc1 byte = 0x11
	dc3 byte = 0x13
	syn byte = 0x16
	etb byte = 0x17
	spc byte = 0x20
	png byte = 0x21
)

// Dialect identifies which wire convention a frame follows, latched from the
// byte that opens it.
type Dialect int

const (
	// DialectUnknown means no frame has been received yet.
	DialectUnknown Dialect = iota
	// Sibo is the legacy 3-bit sequence, window-1 dialect, opened by SYN.
	Sibo
	// Era is the modern 11-bit sequence, multi-frame-window dialect used by
	// EPOC devices, opened by ETB.
	Era
)

func (d Dialect) String() string {
	switch d {
	case Sibo:
		return "sibo"
	case Era:
		return "era"
	default:
		return "unknown"
	}
}

// Maximum payload sizes, matching the legacy link's receive and transmit
// buffer limits.
const (
	MaxDataRx = 2048
	MaxDataTx = 300
)

// ErrBadState is returned if the codec's internal state machine somehow
// reaches a state it should never be able to reach; it indicates a bug in
// the codec itself rather than a malformed frame, which is handled by
// resynchronising instead.
var ErrBadState = errors.New("psilink/frame: internal state machine error")

// Data is a single decoded (or to-be-encoded) frame: a continuation/sequence
// header plus payload.
type Data struct {
	Cont byte
	Seq  uint16
	Data []byte
}

// Delegate receives frame-level poll notifications. It is implemented by the
// connection engine (pkg/conn), which is injected into the codec rather than
// imported by it, so that conn can depend on frame without frame depending
// back on conn.
type Delegate interface {
	// FramePoll is invoked whenever the receiver has just completed a frame
	// (rx non-nil), the transmitter has just become idle after being busy,
	// or idle polling was requested. txReady reports whether the codec is
	// currently able to accept a new frame to send via Send.
	FramePoll(dialect Dialect, active bool, rx *Data, txReady bool) error
}

type txState int

const (
	txIdle txState = iota
	txStartSyn
	txStartDle
	txStartStx
	txData
	txDataStuff
	txEndEtx
	txEndCrcHigh
	txEndCrcLow
)

type rxState int

const (
	rxIdle rxState = iota
	rxStartSyn
	rxStartDle
	rxStartStx
	rxData
	rxDataStuff
	rxEndCrcHigh
	rxEndCrcLow
)

// Codec implements the byte-stuffing tx/rx state machines and drives a
// Delegate once per poll tick.
type Codec struct {
	Delegate Delegate
	Stats    *stats.Counters

	active bool

	txState   txState
	txData    Data
	txCrc     crc.CRC16
	txPtr     int
	txStuff   byte
	txDialect Dialect

	rxState rxState
	rxData  Data
	rxCrc   crc.CRC16
	rxSize  int
	dialect Dialect

	prevTxReady bool
}

// NewCodec creates a Codec ready to be started with Reset(true).
func NewCodec(delegate Delegate, s *stats.Counters) *Codec {
	c := &Codec{Delegate: delegate, Stats: s}
	c.Reset(true)
	return c
}

// Reset restores the transmitter to idle, and if all is true also
// resynchronises the receiver. It is called on startup, and whenever the
// connection engine has timed out (especially if the baud rate changed).
func (c *Codec) Reset(all bool) {
	c.txState = txIdle
	if all {
		c.rxState = rxStartSyn
	}
}

// Send aborts any frame currently being transmitted and begins sending d.
// The caller must not reuse d.Data's backing array afterwards.
func (c *Codec) Send(dialect Dialect, d Data) {
	c.txData = d
	c.txDialect = dialect
	c.txState = txStartSyn
}

// Busy reports whether the transmitter currently has a frame in flight.
func (c *Codec) Busy() bool { return c.txState != txIdle }

// Poll drives one tick of the codec against t: it consumes at most one
// received byte and produces at most one byte to transmit, then calls the
// Delegate exactly as the original poll loop did — whenever the receiver has
// just completed a frame, whenever the transmitter has just become idle, or
// when idle polling was explicitly requested.
func (c *Codec) Poll(t transport.Transport, active bool, idle bool) error {
	c.active = active
	if !active {
		c.Reset(true)
	} else {
		if b, ok := t.RxByte(); ok {
			if err := c.rxByte(b); err != nil {
				return err
			}
		}
		if c.txState != txIdle {
			v, err := c.txByte()
			if err != nil {
				return err
			}
			t.TxByte(v)
		}
	}

	txReady := active && c.txState == txIdle
	rxReady := c.rxState == rxIdle

	if rxReady || (txReady && !c.prevTxReady) || idle {
		var rx *Data
		if rxReady {
			rx = &c.rxData
		}
		dialect := c.dialect
		if err := c.Delegate.FramePoll(dialect, active, rx, txReady); err != nil {
			return err
		}
		if rxReady {
			c.rxState = rxStartSyn
		}
		c.prevTxReady = active && c.txState == txIdle
	}
	return nil
}

func (c *Codec) txByte() (byte, error) {
	switch c.txState {
	case txIdle:
		return 0, nil

	case txStartSyn:
		if c.txDialect == Era {
			c.txState = txStartDle
			return etb, nil
		}
		c.txState = txStartDle
		return syn, nil

	case txStartDle:
		c.txState = txStartStx
		return dle, nil

	case txStartStx:
		c.txCrc = 0
		c.txPtr = -2
		c.txState = txData
		return stx, nil

	case txData:
		return c.txDataByte()

	case txDataStuff:
		v := c.txStuff
		switch v {
		case etx:
			v = eot
		case dc1:
			v = spc
		case dc3:
			v = png
		}
		c.txState = txData
		return v, nil

	case txEndEtx:
		c.txState = txEndCrcHigh
		return etx, nil

	case txEndCrcHigh:
		c.txState = txEndCrcLow
		return c.txCrc.MSB(), nil

	case txEndCrcLow:
		c.txState = txIdle
		if c.Stats != nil {
			c.Stats.TxFrame.Add(1)
		}
		return c.txCrc.LSB(), nil

	default:
		c.txState = txIdle
		return 0, ErrBadState
	}
}

func (c *Codec) txDataByte() (byte, error) {
	const ptrContSeq = -2
	const ptrContSeqExt = -1

	if c.txPtr >= len(c.txData.Data) {
		c.txState = txEndEtx
		return dle, nil
	}

	var v byte
	switch c.txPtr {
	case ptrContSeq:
		v = c.txData.Cont<<4 | byte(c.txData.Seq&0x07)
		if c.txData.Seq < 8 {
			c.txPtr++
		} else {
			v |= 0x08
		}
	case ptrContSeqExt:
		v = byte((c.txData.Seq & 0x7F8) >> 3)
	default:
		v = c.txData.Data[c.txPtr]
	}
	c.txPtr++
	c.txCrc.Single(v)

	if v == dle || (c.txDialect == Era && (v == etx || v == dc1 || v == dc3)) {
		c.txStuff = v
		c.txState = txDataStuff
		return dle, nil
	}
	return v, nil
}

func (c *Codec) rxByte(v byte) error {
	switch c.rxState {
	case rxIdle:
		return nil

	case rxStartSyn:
		switch v {
		case syn:
			c.rxState = rxStartDle
			c.dialect = Sibo
		case etb:
			c.rxState = rxStartDle
			c.dialect = Era
		}
		return nil

	case rxStartDle:
		switch v {
		case dle:
			c.rxState = rxStartStx
		case syn:
			c.dialect = Sibo
		case etb:
			c.dialect = Era
		default:
			c.rxState = rxStartSyn
			if c.Stats != nil {
				c.Stats.RxFrameBad.Add(1)
			}
		}
		return nil

	case rxStartStx:
		c.rxCrc = 0
		c.rxSize = -2
		c.rxData.Data = c.rxData.Data[:0]
		if v == stx {
			c.rxState = rxData
			return nil
		}
		if c.Stats != nil {
			c.Stats.RxFrameBad.Add(1)
		}
		switch v {
		case syn:
			c.rxState = rxStartDle
			c.dialect = Sibo
		case etb:
			c.rxState = rxStartDle
			c.dialect = Era
		default:
			c.rxState = rxStartSyn
		}
		return nil

	case rxData:
		if v == dle {
			c.rxState = rxDataStuff
			return nil
		}
		if c.rxSize < MaxDataRx {
			c.rxByteData(v)
			return nil
		}
		c.rxState = rxStartSyn
		if c.Stats != nil {
			c.Stats.RxFrameBad.Add(1)
		}
		return nil

	case rxDataStuff:
		if 0 <= c.rxSize && v == etx {
			c.rxState = rxEndCrcHigh
			return nil
		}
		switch v {
		case eot:
			v = etx
		case spc:
			v = dc1
		case png:
			v = dc3
		}
		if c.rxSize < MaxDataRx {
			c.rxByteData(v)
			c.rxState = rxData
			return nil
		}
		c.rxState = rxStartSyn
		if c.Stats != nil {
			c.Stats.RxFrameBad.Add(1)
		}
		return nil

	case rxEndCrcHigh:
		if v == c.rxCrc.MSB() {
			c.rxState = rxEndCrcLow
			return nil
		}
		c.rxState = rxStartSyn
		if c.Stats != nil {
			c.Stats.RxFrameBad.Add(1)
		}
		return nil

	case rxEndCrcLow:
		if v == c.rxCrc.LSB() {
			c.rxState = rxIdle
			if c.Stats != nil {
				c.Stats.RxFrameOK.Add(1)
			}
			return nil
		}
		c.rxState = rxStartSyn
		if c.Stats != nil {
			c.Stats.RxFrameBad.Add(1)
		}
		return nil

	default:
		c.rxState = rxStartSyn
		return ErrBadState
	}
}

func (c *Codec) rxByteData(v byte) {
	c.rxCrc.Single(v)
	switch c.rxSize {
	case -2:
		c.rxData.Cont = (v & 0xf0) >> 4
		c.rxData.Seq = uint16(v & 0x07)
		if v&0x08 == 0 {
			c.rxSize++
		}
	case -1:
		c.rxData.Seq |= uint16(v) << 3
	default:
		if c.rxSize == len(c.rxData.Data) {
			c.rxData.Data = append(c.rxData.Data, v)
		} else {
			c.rxData.Data[c.rxSize] = v
		}
	}
	c.rxSize++
}
