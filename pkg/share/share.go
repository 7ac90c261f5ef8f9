// Package share implements shared-access RPC on top of a multiplexor
// channel: at most one request in flight at a time, with a FIFO queue of
// further requests, presented as both a blocking call (fore) and a
// callback-based one (back). The wire-level conversion between a command and
// the bytes deposited on the channel is left entirely to the caller, so this
// package carries no knowledge of RFSV, NCP or any other opcode set.
package share

import (
	"errors"

	"github.com/thoukydides/psilink/pkg/escape"
	"github.com/thoukydides/psilink/pkg/mux"
)

var (
	// ErrDisconnected is returned to every outstanding request when the
	// underlying channel's server connection is lost.
	ErrDisconnected = errors.New("psilink/share: server channel disconnected")
	// ErrEscape is returned by Fore when the caller's escape flag fires
	// while waiting; the request itself is left to complete on its own.
	ErrEscape = errors.New("psilink/share: cancelled")
)

// SendFunc converts cmd into one or more outgoing frames (typically one or
// more mux.TxServer calls against the handle's channel).
type SendFunc func(cmd any) error

// ReceiveFunc decodes a fully reassembled server reply against the request
// that is currently in flight.
type ReceiveFunc func(cmd any, data []byte) (reply any, err error)

type pendingRequest struct {
	cmd   any
	done  bool
	reply any
	err   error

	user any
	cb   func(user any, err error, reply any)
}

// Handle serializes RPC traffic for one multiplexor channel. It implements
// mux.Handler, so it is normally installed as the handler passed to
// mux.CreateChannel.
type Handle struct {
	send    SendFunc
	receive ReceiveFunc

	connected bool
	inFlight  *pendingRequest
	queue     []*pendingRequest
}

// NewHandle constructs a Handle around the given send/receive closures. This
// is the only coupling point between the generic RPC mechanism and an
// opcode-specific protocol.
func NewHandle(send SendFunc, receive ReceiveFunc) *Handle {
	return &Handle{send: send, receive: receive}
}

// Poll implements mux.Handler.
func (h *Handle) Poll(event mux.ChannelEvent, data []byte) error {
	switch event {
	case mux.ServerConnected:
		h.connected = true
	case mux.ServerFailed:
		h.connected = false
		h.failAll(ErrDisconnected)
	case mux.ServerDisconnected:
		h.connected = false
		h.failAll(ErrDisconnected)
	case mux.Idle:
		return h.startNext()
	case mux.ServerData:
		return h.completeInFlight(data)
	}
	return nil
}

func (h *Handle) startNext() error {
	if h.inFlight != nil || !h.connected || len(h.queue) == 0 {
		return nil
	}
	p := h.queue[0]
	h.queue = h.queue[1:]
	h.inFlight = p
	if err := h.send(p.cmd); err != nil {
		h.inFlight = nil
		h.complete(p, nil, err)
	}
	return nil
}

func (h *Handle) completeInFlight(data []byte) error {
	if h.inFlight == nil {
		return nil
	}
	p := h.inFlight
	h.inFlight = nil
	reply, err := h.receive(p.cmd, data)
	h.complete(p, reply, err)
	return nil
}

func (h *Handle) failAll(err error) {
	if h.inFlight != nil {
		p := h.inFlight
		h.inFlight = nil
		h.complete(p, nil, err)
	}
	pending := h.queue
	h.queue = nil
	for _, p := range pending {
		h.complete(p, nil, err)
	}
}

func (h *Handle) complete(p *pendingRequest, reply any, err error) {
	p.reply, p.err, p.done = reply, err, true
	if p.cb != nil {
		p.cb(p.user, err, reply)
	}
}

// Back enqueues cmd without blocking. cb is invoked from a future poll
// iteration once the request completes, with any translated error
// (including ErrDisconnected) and the decoded reply.
func (h *Handle) Back(cmd any, user any, cb func(user any, err error, reply any)) {
	h.queue = append(h.queue, &pendingRequest{cmd: cmd, user: user, cb: cb})
}

// Fore enqueues cmd and polls pollOnce until it completes, returning the
// decoded reply. If esc is non-nil, it is armed for the duration of the
// wait; if a cancellation is observed between poll iterations, Fore returns
// ErrEscape immediately without dequeuing the request, which continues to
// completion on its own.
func (h *Handle) Fore(cmd any, esc *escape.Flag, pollOnce func() error) (any, error) {
	p := &pendingRequest{cmd: cmd}
	h.queue = append(h.queue, p)

	if esc != nil {
		esc.Enable()
		defer esc.Disable()
	}

	for !p.done {
		if esc != nil && esc.Check() {
			return nil, ErrEscape
		}
		if err := pollOnce(); err != nil {
			return nil, err
		}
	}
	return p.reply, p.err
}
