// Package psilink wires the transport, frame, connection, multiplexor and
// shared-access layers into a single runnable Stack, and arbitrates which of
// two users (the link protocol itself, or a pass-through printer mirror)
// currently owns the underlying byte transport.
package psilink

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/thoukydides/psilink/pkg/config"
	"github.com/thoukydides/psilink/pkg/conn"
	"github.com/thoukydides/psilink/pkg/frame"
	"github.com/thoukydides/psilink/pkg/mux"
	"github.com/thoukydides/psilink/pkg/registry"
	"github.com/thoukydides/psilink/pkg/stats"
	"github.com/thoukydides/psilink/pkg/transport"
)

// wallClock implements conn.Clock from the real monotonic clock.
type wallClock struct{ start time.Time }

func newWallClock() *wallClock { return &wallClock{start: time.Now()} }

func (c *wallClock) NowCentiseconds() uint32 {
	return uint32(time.Since(c.start).Milliseconds() / 10)
}

// user identifies which of the two transport consumers is currently active.
type user int

const (
	userNone user = iota
	userLink
	userPrinter
)

// PrinterMirror is the pass-through peer used when the transport is handed
// to printer-mirror mode: every byte arriving on the main transport is
// copied to it, and vice versa, entirely bypassing the frame codec.
type PrinterMirror interface {
	RxByte() (b byte, ok bool)
	TxByte(b byte) bool
}

// Stack owns one byte transport and everything built on top of it.
type Stack struct {
	opts config.Options

	transport transport.Transport
	codec     *frame.Codec
	engine    *conn.Engine
	mux       *mux.Mux
	registry  *registry.Registry
	stats     *stats.Counters
	clock     *wallClock

	log *log.Entry

	active user
	mirror PrinterMirror
}

// New constructs a Stack from a loaded configuration. Call Open to acquire
// the configured transport and StartLink (or StartPrinterMirror) to choose
// which user drives it.
func New(opts config.Options) *Stack {
	return &Stack{
		opts:  opts,
		stats: stats.NewCounters(),
		log:   log.WithField("component", "stack"),
	}
}

// Stats exposes the shared counters for a diagnostic/status command.
func (s *Stack) Stats() *stats.Counters { return s.stats }

// Open acquires the configured transport, ready for StartLink or
// StartPrinterMirror to be called.
func (s *Stack) Open() error {
	if s.transport != nil {
		return ErrAlreadyOpen
	}
	if s.opts.DriverName == "" {
		return ErrNotConfigured
	}

	t, err := transport.New(s.opts.DriverName, s.opts.DriverPort, s.opts.DriverBaud)
	if err != nil {
		return err
	}
	if err := t.Open(); err != nil {
		return err
	}
	s.transport = t
	s.clock = newWallClock()
	return nil
}

// Close releases the transport, ending whichever user currently holds it.
func (s *Stack) Close() error {
	if s.transport == nil {
		return ErrNotOpen
	}
	switch s.active {
	case userLink:
		s.endLink(true)
	case userPrinter:
		s.mirror = nil
	}
	s.active = userNone
	err := s.transport.Close()
	s.transport = nil
	return err
}

// StartLink builds the frame/connection/multiplexor/registry pipeline and
// begins the link protocol over the transport. It fails if printer-mirror
// mode currently owns the transport.
func (s *Stack) StartLink() (*mux.Mux, error) {
	if s.transport == nil {
		return nil, ErrNotOpen
	}
	if s.active == userPrinter {
		return nil, ErrAlreadyOpen
	}
	if s.active == userLink {
		return s.mux, nil
	}

	s.codec = frame.NewCodec(nil, s.stats)

	linkTime := func(bytes int) uint32 {
		if s.opts.DriverBaud <= 0 {
			return 0
		}
		return uint32(bytes * 8 * 100 / s.opts.DriverBaud)
	}
	s.engine = conn.NewEngine(s.codec, nil, s.clock, s.stats)
	s.engine.LinkTime = linkTime
	if s.opts.IdleDisconnectLink != 0 {
		s.engine.IdleTimeout = s.opts.IdleDisconnectLink
	}
	if s.opts.MaxWindow != 0 {
		s.engine.MaxWindow = s.opts.MaxWindow
	}
	s.codec.Delegate = s.engine

	s.mux = mux.New(s.engine)
	s.mux.SessionID = uint32(time.Now().UnixNano())
	s.engine.Delegate = s.mux

	s.registry = registry.New(s.mux)
	if mtu, ok := s.opts.ChannelMTU[registry.ChannelName]; ok && mtu > 0 {
		s.registry.MTU = mtu
	}
	if err := s.registry.Start(); err != nil {
		return nil, err
	}

	s.engine.Start()
	s.active = userLink
	s.log.Info("link started")
	return s.mux, nil
}

// EndLink tears the link protocol down, releasing the transport back to
// whichever user starts next. now requests an abrupt rather than graceful
// shutdown.
func (s *Stack) EndLink(now bool) error {
	if s.active != userLink {
		return nil
	}
	s.endLink(now)
	s.active = userNone
	return nil
}

func (s *Stack) endLink(now bool) {
	if s.registry != nil {
		s.registry.End(now)
	}
	if s.engine != nil {
		s.engine.End()
	}
	s.log.Info("link ended")
}

// StartPrinterMirror hands the transport to a pass-through printer mirror,
// rejecting the request if the link is currently active.
func (s *Stack) StartPrinterMirror(mirror PrinterMirror) error {
	if s.transport == nil {
		return ErrNotOpen
	}
	if s.active == userLink {
		return ErrAlreadyOpen
	}
	s.mirror = mirror
	s.active = userPrinter
	return nil
}

// EndPrinterMirror releases the transport from printer-mirror mode.
func (s *Stack) EndPrinterMirror() {
	if s.active != userPrinter {
		return
	}
	s.mirror = nil
	s.active = userNone
}

// Poll drives one tick of whichever user currently owns the transport. idle
// makes the link poll the connection engine on this tick even when no frame
// completed and the transmitter did not just go idle, which is what services
// timers and callbacks between I/O events; a received byte is consumed
// either way.
func (s *Stack) Poll(idle bool) error {
	if s.transport == nil {
		return ErrNotOpen
	}
	switch s.active {
	case userLink:
		return s.codec.Poll(s.transport, true, idle)
	case userPrinter:
		s.pollPrinterMirror()
		return nil
	}
	return nil
}

func (s *Stack) pollPrinterMirror() {
	if b, ok := s.transport.RxByte(); ok {
		s.mirror.TxByte(b)
	}
	if b, ok := s.mirror.RxByte(); ok {
		s.transport.TxByte(b)
	}
}

// Registry exposes the LINK.* directory service once the link is started,
// or nil if it is not.
func (s *Stack) Registry() *registry.Registry { return s.registry }
