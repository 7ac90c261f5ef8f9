// Package mux implements the NCP multiplexor: a byte-addressed channel bus
// layered on top of the connection engine's data frames. It handles channel
// naming and lifecycle, XON/XOFF flow control, fragmentation of outgoing
// messages into frame-sized pieces and reassembly of incoming ones, and the
// version-negotiation handshake that detects a dialect mismatch and tears
// down every open channel (the channels are not recreated).
package mux

import (
	"encoding/binary"
	"errors"

	log "github.com/sirupsen/logrus"

	"github.com/thoukydides/psilink/internal/fifo"
	"github.com/thoukydides/psilink/internal/ring"
	"github.com/thoukydides/psilink/pkg/frame"
)

// Channel addressing: an 8-bit destination plus 8-bit source identify the
// two ends of a data frame. Channel 0 is reserved for control traffic.
const (
	ChannelCtrl = 0
	ChannelMax  = 256
)

// Offsets of the fixed three-byte header carried by every frame payload.
const (
	offsetDest = 0
	offsetSrc  = 1
	offsetType = 2
	offsetData = 3
)

// Data frame type bytes (header offsetType, when dest != ChannelCtrl).
const (
	msgWriteComplete byte = 0x01
	msgWritePartial  byte = 0x02
)

// Control frame subtypes (header offsetType, when dest == ChannelCtrl).
const (
	MsgDataXoff          byte = 0x01
	MsgDataXon           byte = 0x02
	MsgConnectToServer   byte = 0x03
	MsgConnectResponse   byte = 0x04
	MsgChannelClosed     byte = 0x05
	MsgNCPInfo           byte = 0x06
	MsgChannelDisconnect byte = 0x07
	MsgNCPEnd            byte = 0x08
)

// NCP version tags advertised and compared during the info exchange.
const (
	ncpNoVersion      byte = 0
	ncpSiboVersion    byte = 2
	ncpSiboNewVersion byte = 3
	ncpEraVersion     byte = 6
)

// maxCtrl bounds the control-frame queue, as MUX_MAX_CTRL does in the
// original link layer.
const maxCtrl = 100

var (
	ErrBadParams     = errors.New("psilink/mux: invalid parameters")
	ErrChannelExists = errors.New("psilink/mux: channel number already in use")
	ErrCtrlFull      = errors.New("psilink/mux: control queue full")
	ErrNotActive     = errors.New("psilink/mux: multiplexor not started")
)

// ChannelEvent identifies the reason a channel's Handler is being polled.
type ChannelEvent int

const (
	Start ChannelEvent = iota
	End
	ServerFailed
	ServerConnected
	ServerDisconnected
	ServerData
	ClientConnected
	ClientDisconnected
	ClientData
	Idle
)

func (e ChannelEvent) String() string {
	switch e {
	case Start:
		return "Start"
	case End:
		return "End"
	case ServerFailed:
		return "ServerFailed"
	case ServerConnected:
		return "ServerConnected"
	case ServerDisconnected:
		return "ServerDisconnected"
	case ServerData:
		return "ServerData"
	case ClientConnected:
		return "ClientConnected"
	case ClientDisconnected:
		return "ClientDisconnected"
	case ClientData:
		return "ClientData"
	case Idle:
		return "Idle"
	default:
		return "Unknown"
	}
}

// Handler is implemented by whatever sits above a channel: RFSV, the link
// registry, the shared-access RPC layer, and so on. Poll is called for every
// event that channel experiences, including delivery of reassembled data.
type Handler interface {
	Poll(event ChannelEvent, data []byte) error
}

// Sender is the subset of the connection engine the multiplexor drives: one
// data frame queued per call, plus the dialect it negotiated. conn.Engine
// satisfies this without mux importing the conn package.
type Sender interface {
	Send(payload []byte) error
	Era() bool
}

// Channel is a local endpoint on the channel bus: an opaque handle returned
// by CreateChannel and passed back into the other channel operations.
type Channel struct {
	name    string
	id      byte
	client  bool
	server  bool
	handler Handler
	mtu     int

	// clientPeer is the remote channel number of whatever is currently
	// connected to us as a client (ChannelCtrl if none).
	clientPeer byte
	// serverPeer is the remote channel number of the server we are
	// currently connected to as a client (ChannelCtrl if none).
	serverPeer byte

	clientRx *fifo.Fifo // bytes arriving from our client, being reassembled
	serverRx *fifo.Fifo // bytes arriving from our server, being reassembled

	clientTx    []byte // pending outbound message to our client
	clientTxOff int
	serverTx    []byte // pending outbound message to our server
	serverTxOff int
}

func (c *Channel) Name() string { return c.name }
func (c *Channel) ID() byte     { return c.id }

type ctrlFrame struct {
	dest byte
	src  byte
	typ  byte
	data []byte
}

// Mux implements conn.Delegate. It owns every local Channel and the
// fragmentation/reassembly and control-frame plumbing shared between them.
type Mux struct {
	log *log.Entry

	sender Sender

	// SessionID is carried in this session's NCP_INFO as a nonce so the
	// peer can tell a fresh start apart from a stale reconnection. The
	// top-level Stack sets it once at construction.
	SessionID uint32

	active bool
	era    bool

	channels []*Channel
	nextID   byte

	blocked [ChannelMax]bool

	ctrl *ring.Window[ctrlFrame]

	lastServiced int // index into channels of the last one serviced, -1 before first

	remoteVersion byte
	remoteID      uint32
}

// New constructs a Mux bound to sender. Start must be called once a
// connection is established before any channel traffic flows.
func New(sender Sender) *Mux {
	return &Mux{
		log:          log.WithField("component", "mux"),
		sender:       sender,
		ctrl:         ring.NewWindow[ctrlFrame](maxCtrl),
		lastServiced: -1,
		nextID:       1,
	}
}

// Active reports whether the multiplexor has been started and not yet ended.
func (m *Mux) Active() bool { return m.active }

// Era reports which dialect the multiplexor believes is in use. This can
// change mid-session if a peer's NCP_INFO reports a different version.
func (m *Mux) Era() bool { return m.era }

func (m *Mux) findChannel(id byte) *Channel {
	for _, c := range m.channels {
		if c.id == id {
			return c
		}
	}
	return nil
}

func (m *Mux) allocateID() byte {
	id := m.nextID
	for id == ChannelCtrl || m.findChannel(id) != nil {
		id++
	}
	m.nextID = id + 1
	return id
}

// CreateChannel registers a new local channel. chanID may be 0 to
// auto-allocate a free number. If client is set, a connection attempt to
// name is queued immediately.
func (m *Mux) CreateChannel(name string, chanID byte, client, server bool, handler Handler, mtu int) (*Channel, error) {
	if name == "" || handler == nil {
		return nil, ErrBadParams
	}
	if chanID != ChannelCtrl && m.findChannel(chanID) != nil {
		return nil, ErrChannelExists
	}

	ch := &Channel{
		name:       name,
		client:     client,
		server:     server,
		handler:    handler,
		mtu:        mtu,
		clientPeer: ChannelCtrl,
		serverPeer: ChannelCtrl,
	}
	if chanID == ChannelCtrl {
		ch.id = m.allocateID()
	} else {
		ch.id = chanID
	}
	if server && mtu > 0 {
		ch.clientRx = fifo.New(mtu)
	}
	if client && mtu > 0 {
		ch.serverRx = fifo.New(mtu)
	}

	if err := handler.Poll(Start, nil); err != nil {
		return nil, err
	}
	m.channels = append(m.channels, ch)

	if client {
		if err := m.Connect(ch, ""); err != nil {
			return nil, err
		}
	}
	return ch, nil
}

// DestroyChannel tears down ch and any active connections it holds. If now
// is false, the peer is told about the closure first.
func (m *Mux) DestroyChannel(ch *Channel, now bool) error {
	if ch == nil {
		return ErrBadParams
	}

	if ch.clientPeer != ChannelCtrl {
		if !now {
			if err := m.queueCtrl(ChannelCtrl, ch.clientPeer, MsgChannelClosed, nil); err != nil {
				return err
			}
		}
		ch.clientPeer = ChannelCtrl
		if err := ch.handler.Poll(ClientDisconnected, nil); err != nil {
			return err
		}
	}

	if ch.serverPeer != ChannelCtrl {
		if !now {
			payload := []byte{ch.serverPeer}
			if err := m.queueCtrl(ChannelCtrl, ch.id, MsgChannelDisconnect, payload); err != nil {
				return err
			}
		}
		ch.serverPeer = ChannelCtrl
		if err := ch.handler.Poll(ServerDisconnected, nil); err != nil {
			return err
		}
	}

	if err := ch.handler.Poll(End, nil); err != nil {
		return err
	}

	for i, c := range m.channels {
		if c == ch {
			m.channels = append(m.channels[:i], m.channels[i+1:]...)
			break
		}
	}
	if m.lastServiced >= len(m.channels) {
		m.lastServiced = -1
	}
	return nil
}

// Connect queues a request to connect ch, as a client, to the named server
// (or ch's own name if name is empty).
func (m *Mux) Connect(ch *Channel, name string) error {
	if ch == nil || !ch.client {
		return ErrBadParams
	}
	if ch.serverPeer != ChannelCtrl {
		return nil
	}
	if name == "" {
		name = ch.name
	}
	return m.queueCtrl(ChannelCtrl, ch.id, MsgConnectToServer, encodeString(name))
}

// TxClient deposits a whole message for transmission to ch's connected
// client. It fails if a previous message to the client is still in flight.
func (m *Mux) TxClient(ch *Channel, data []byte) error {
	if ch == nil || len(data) == 0 {
		return ErrBadParams
	}
	if ch.clientTx != nil {
		return ErrBadParams
	}
	ch.clientTx = append([]byte(nil), data...)
	ch.clientTxOff = 0
	return nil
}

// TxServer deposits a whole message for transmission to ch's connected
// server. It fails if a previous message to the server is still in flight.
func (m *Mux) TxServer(ch *Channel, data []byte) error {
	if ch == nil || len(data) == 0 {
		return ErrBadParams
	}
	if ch.serverTx != nil {
		return ErrBadParams
	}
	ch.serverTx = append([]byte(nil), data...)
	ch.serverTxOff = 0
	return nil
}

// Block marks the remote channel id as flow-controlled so the scheduler
// skips it. The mechanism is honoured for completeness; nothing in this
// stack currently raises it of its own accord.
func (m *Mux) Block(id byte)   { m.blocked[id] = true }
func (m *Mux) Unblock(id byte) { m.blocked[id] = false }

func (m *Mux) queueCtrl(dest, src, typ byte, data []byte) error {
	if !m.ctrl.Push(ctrlFrame{dest: dest, src: src, typ: typ, data: data}) {
		return ErrCtrlFull
	}
	return nil
}

// Start begins multiplexor operation once a connection has been
// established. It assumes the engine's current dialect, unblocks every
// channel and queues the opening NCP_INFO exchange.
func (m *Mux) Start() error {
	if m.active {
		return nil
	}
	m.era = m.sender.Era()
	for i := range m.blocked {
		m.blocked[i] = false
	}
	version := ncpSiboVersion
	if m.era {
		version = ncpEraVersion
	}
	payload := make([]byte, 5)
	payload[0] = version
	binary.LittleEndian.PutUint32(payload[1:], m.SessionID)
	if err := m.queueCtrl(ChannelCtrl, ChannelCtrl, MsgNCPInfo, payload); err != nil {
		return err
	}
	m.active = true
	return nil
}

// End shuts the multiplexor down, tearing down every remaining channel and,
// unless now, telling the peer with NCP_END.
func (m *Mux) End(now bool) error {
	if !m.active {
		return nil
	}
	for len(m.channels) > 0 {
		if err := m.DestroyChannel(m.channels[0], now); err != nil {
			return err
		}
	}
	if !now {
		if err := m.queueCtrl(ChannelCtrl, ChannelCtrl, MsgNCPEnd, nil); err != nil {
			return err
		}
	}
	m.remoteVersion = ncpNoVersion
	m.active = false
	return nil
}

// MuxConnected implements conn.Delegate: it starts the multiplexor the
// instant the connection engine reports success.
func (m *Mux) MuxConnected() error { return m.Start() }

// MuxDisconnected implements conn.Delegate.
func (m *Mux) MuxDisconnected(now bool) error { return m.End(now) }

// MuxPoll implements conn.Delegate: the connection engine calls it from each
// of its FramePoll calls while connected.
func (m *Mux) MuxPoll(rx []byte, windowFree int) error {
	if !m.active {
		return nil
	}

	if len(rx) >= offsetData {
		if rx[offsetDest] == ChannelCtrl {
			if err := m.pollRxCtrl(rx); err != nil {
				return err
			}
		} else {
			if err := m.pollRxData(rx); err != nil {
				return err
			}
		}
	}

	for _, ch := range m.channels {
		idle := ch.clientPeer != ChannelCtrl || ch.serverPeer != ChannelCtrl
		if idle && ch.clientTx == nil && ch.serverTx == nil {
			if err := ch.handler.Poll(Idle, nil); err != nil {
				return err
			}
		}
	}

	if windowFree > 0 {
		if err := m.pollTx(); err != nil {
			return err
		}
	}
	return nil
}

func (m *Mux) pollTx() error {
	if v, ok := m.ctrl.NextUnsent(); ok {
		m.ctrl.RetireThrough(func(ctrlFrame) bool { return true })
		return m.sender.Send(encodeHeader(v.dest, v.src, v.typ, v.data))
	}

	ch := m.nextSchedulable()
	if ch == nil {
		return nil
	}
	serverEligible := ch.serverTx != nil && !m.blocked[ch.serverPeer]
	clientEligible := ch.clientTx != nil && !m.blocked[ch.clientPeer]
	if serverEligible && !(ch.clientTx != nil && ch.clientTxOff > 0) {
		return m.sendFragment(ch.id, ch.serverPeer, &ch.serverTx, &ch.serverTxOff)
	}
	if clientEligible {
		return m.sendFragment(ch.id, ch.clientPeer, &ch.clientTx, &ch.clientTxOff)
	}
	return nil
}

// nextSchedulable walks the channel list round-robin from the last serviced
// entry, returning the first channel with data eligible to send (non-empty
// and the addressed peer not flow-controlled).
func (m *Mux) nextSchedulable() *Channel {
	n := len(m.channels)
	if n == 0 {
		return nil
	}
	for i := 0; i < n; i++ {
		m.lastServiced = (m.lastServiced + 1) % n
		ch := m.channels[m.lastServiced]
		serverEligible := ch.serverTx != nil && !m.blocked[ch.serverPeer]
		clientEligible := ch.clientTx != nil && !m.blocked[ch.clientPeer]
		if serverEligible || clientEligible {
			return ch
		}
	}
	return nil
}

func (m *Mux) sendFragment(src, dest byte, buf *[]byte, off *int) error {
	data := *buf
	remaining := len(data) - *off
	chunk := remaining
	if max := frame.MaxDataTx - offsetData; chunk > max {
		chunk = max
	}
	typ := msgWritePartial
	complete := *off+chunk == len(data)
	if complete {
		typ = msgWriteComplete
	}
	payload := append([]byte(nil), data[*off:*off+chunk]...)
	*off += chunk
	if complete {
		*buf = nil
		*off = 0
	}
	return m.sender.Send(encodeHeader(dest, src, typ, payload))
}

func (m *Mux) pollRxData(frame []byte) error {
	dest := frame[offsetDest]
	src := frame[offsetSrc]
	typ := frame[offsetType]
	data := frame[offsetData:]

	ch := m.findChannel(dest)
	if ch == nil {
		return nil
	}

	var event ChannelEvent
	var reasm *fifo.Fifo
	switch {
	case ch.serverPeer == src && ch.serverTx == nil:
		event, reasm = ServerData, ch.serverRx
	case ch.clientPeer == src && ch.clientTx == nil:
		event, reasm = ClientData, ch.clientRx
	default:
		return nil
	}
	if reasm == nil {
		return nil
	}

	reasm.Write(data)

	if typ == msgWriteComplete {
		used := reasm.Len()
		msg := make([]byte, used)
		reasm.Read(msg)
		if used > 0 {
			if err := ch.handler.Poll(event, msg); err != nil {
				return err
			}
		}
		reasm.Reset()
	}
	return nil
}

func (m *Mux) pollRxCtrl(frame []byte) error {
	src := frame[offsetSrc]
	typ := frame[offsetType]
	data := frame[offsetData:]

	switch typ {
	case MsgDataXoff:
		m.blocked[src] = true
	case MsgDataXon:
		m.blocked[src] = false
	case MsgConnectToServer:
		return m.rxConnectToServer(src, decodeString(data))
	case MsgConnectResponse:
		if len(data) < 2 {
			return nil
		}
		return m.rxConnectResponse(data[0], src, data[1])
	case MsgChannelClosed:
		return m.rxChannelClosed(src)
	case MsgNCPInfo:
		if len(data) < 5 {
			return nil
		}
		return m.rxNCPInfo(data[0], binary.LittleEndian.Uint32(data[1:5]))
	case MsgChannelDisconnect:
		if len(data) < 1 {
			return nil
		}
		return m.rxChannelDisconnect(data[0], src)
	case MsgNCPEnd:
		return m.rxNCPEnd()
	default:
		m.log.WithField("type", typ).Debug("unrecognised control frame")
	}
	return nil
}

func (m *Mux) rxConnectToServer(remoteClient byte, name string) error {
	var match *Channel
	for _, c := range m.channels {
		if c.name == name && c.server && c.clientPeer == ChannelCtrl {
			match = c
			break
		}
	}

	result := wireStatusNotFound
	if match != nil {
		match.clientPeer = remoteClient
		result = wireStatusOK
		if err := match.handler.Poll(ClientConnected, nil); err != nil {
			return err
		}
	}

	src := byte(ChannelCtrl)
	if match != nil {
		src = match.id
	}
	return m.queueCtrl(ChannelCtrl, src, MsgConnectResponse, []byte{remoteClient, result})
}

// wireStatusOK/wireStatusNotFound are the only two outcomes the connect
// handshake itself produces; pkg/status's dialect tables describe the much
// richer set of codes a remote *application* (RFSV, print, clipboard) can
// return once a channel is open.
const (
	wireStatusOK       byte = 0
	wireStatusNotFound byte = 0xFF
)

func (m *Mux) rxConnectResponse(localClient, remoteServer byte, result byte) error {
	ch := m.findChannel(localClient)
	if ch == nil {
		return nil
	}
	if result == wireStatusOK {
		ch.serverPeer = remoteServer
		return ch.handler.Poll(ServerConnected, nil)
	}
	return ch.handler.Poll(ServerFailed, nil)
}

func (m *Mux) rxChannelClosed(remoteChan byte) error {
	ch := m.findChannel(remoteChan)
	if ch == nil || ch.clientPeer == ChannelCtrl {
		return nil
	}
	ch.clientPeer = ChannelCtrl
	ch.clientTx = nil
	return ch.handler.Poll(ClientDisconnected, nil)
}

func (m *Mux) rxChannelDisconnect(localClient, remoteServer byte) error {
	ch := m.findChannel(localClient)
	if ch == nil || ch.serverPeer != remoteServer {
		return nil
	}
	ch.serverPeer = ChannelCtrl
	ch.serverTx = nil
	return ch.handler.Poll(ServerDisconnected, nil)
}

// rxNCPInfo handles a dialect mismatch by destroying every open channel
// (each handler sees End) and switching m.era. The channels are not
// recreated, and the multiplexor itself stays active without repeating its
// own NCP_INFO exchange.
func (m *Mux) rxNCPInfo(version byte, id uint32) error {
	m.remoteVersion = version
	m.remoteID = id

	era := version >= ncpEraVersion
	if era == m.era {
		return nil
	}
	m.log.WithFields(log.Fields{"was_era": m.era, "now_era": era}).Info("peer NCP version implies a dialect change, closing channels")
	for _, ch := range append([]*Channel(nil), m.channels...) {
		if err := m.DestroyChannel(ch, true); err != nil {
			return err
		}
	}
	m.era = era
	return nil
}

func (m *Mux) rxNCPEnd() error {
	for _, ch := range m.channels {
		if ch.clientPeer != ChannelCtrl {
			ch.clientPeer = ChannelCtrl
			ch.clientTx = nil
			if err := ch.handler.Poll(ClientDisconnected, nil); err != nil {
				return err
			}
		}
		if ch.serverPeer != ChannelCtrl {
			ch.serverPeer = ChannelCtrl
			ch.serverTx = nil
			if err := ch.handler.Poll(ServerDisconnected, nil); err != nil {
				return err
			}
		}
	}
	return nil
}

func encodeHeader(dest, src, typ byte, data []byte) []byte {
	out := make([]byte, offsetData+len(data))
	out[offsetDest] = dest
	out[offsetSrc] = src
	out[offsetType] = typ
	copy(out[offsetData:], data)
	return out
}

func encodeString(s string) []byte {
	return append([]byte(s), 0)
}

func decodeString(data []byte) string {
	for i, b := range data {
		if b == 0 {
			return string(data[:i])
		}
	}
	return string(data)
}
