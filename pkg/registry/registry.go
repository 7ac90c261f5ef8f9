// Package registry implements the LINK.* directory service: resolving a
// logical server name (such as "SYS$RPCS") to the specific channel name a
// client should actually connect to (such as "SYS$RPCS.1"), by asking the
// remote device to start the matching process and report back where it
// ended up listening.
package registry

import (
	"encoding/binary"
	"errors"

	"github.com/thoukydides/psilink/pkg/mux"
	"github.com/thoukydides/psilink/pkg/share"
	"github.com/thoukydides/psilink/pkg/status"
)

const (
	// ChannelName is the pattern the remote device uses for this service's
	// channel; it is both a client and a server so the remote device may use
	// either role depending on dialect.
	ChannelName = "LINK.*"
	channelMTU  = 300
	minNameLen  = 4
	// NameSuffix is appended to the requested name when the remote device's
	// reply does not itself carry a usable resolved name.
	NameSuffix = ".*"
	maxReplyLen = 16
	// requestFrameSize mirrors the fixed-size request buffer the remote
	// device expects regardless of how much of it is actually used.
	requestFrameSize = 18
)

const (
	opLoadProcess byte = 0x00
	opResponse    byte = 0x01
)

var (
	ErrBadParams    = errors.New("psilink/registry: invalid parameters")
	ErrBadName      = errors.New("psilink/registry: invalid server name")
	ErrNotConnected = errors.New("psilink/registry: LINK channel not connected")
	ErrNotReply     = errors.New("psilink/registry: unexpected reply opcode")
	ErrMismatchedID = errors.New("psilink/registry: reply does not match the outstanding request")
	ErrShortReply   = errors.New("psilink/registry: reply too short to parse")
)

func validateName(name string) error {
	if len(name) < minNameLen {
		return ErrBadName
	}
	for i := 0; i < len(name); i++ {
		if name[i] < 0x20 || name[i] > 0x7e {
			return ErrBadName
		}
	}
	return nil
}

// Registry bootstraps and drives the LINK.* channel. It is installed as the
// mux.Handler for that channel.
type Registry struct {
	m  *mux.Mux
	ch *mux.Channel

	handle *share.Handle

	nextID  uint16
	sentID  uint16

	// MTU overrides the LINK.* channel's reassembly/fragmentation buffer
	// size when non-zero, so a configured channel "LINK.*".mtu value is
	// honoured instead of the channelMTU default.
	MTU int
}

// New constructs a Registry bound to m. Call Start to create the channel.
func New(m *mux.Mux) *Registry {
	return &Registry{m: m}
}

// Start creates the LINK.* client/server channel, unless it already exists.
func (r *Registry) Start() error {
	if r.ch != nil {
		return nil
	}
	mtu := channelMTU
	if r.MTU > 0 {
		mtu = r.MTU
	}
	ch, err := r.m.CreateChannel(ChannelName, 0, true, true, r, mtu)
	if err != nil {
		return err
	}
	r.ch = ch
	return nil
}

// End destroys the LINK.* channel.
func (r *Registry) End(now bool) error {
	if r.ch == nil {
		return nil
	}
	if err := r.m.DestroyChannel(r.ch, now); err != nil {
		return err
	}
	r.ch = nil
	r.handle = nil
	return nil
}

// Register triggers a background registration for the named server. cb is
// invoked with the channel name the caller should subsequently connect to,
// or with an error if the remote device rejected the request or the
// underlying RPC failed.
func (r *Registry) Register(name string, user any, cb func(user any, err error, resolved string)) error {
	if cb == nil {
		return ErrBadParams
	}
	if err := validateName(name); err != nil {
		return err
	}
	if r.handle == nil {
		return ErrNotConnected
	}
	r.handle.Back(name, user, func(u any, err error, reply any) {
		resolved, _ := reply.(string)
		cb(u, err, resolved)
	})
	return nil
}

// Poll implements mux.Handler.
func (r *Registry) Poll(event mux.ChannelEvent, data []byte) error {
	switch event {
	case mux.ServerConnected:
		r.handle = share.NewHandle(r.send, r.receive)
		return r.handle.Poll(event, data)
	case mux.ServerDisconnected, mux.ServerFailed:
		if r.handle == nil {
			return nil
		}
		err := r.handle.Poll(event, data)
		r.handle = nil
		return err
	default:
		if r.handle == nil {
			return nil
		}
		return r.handle.Poll(event, data)
	}
}

func (r *Registry) send(cmd any) error {
	name := cmd.(string)

	if r.nextID < 0xffff {
		r.nextID++
	} else {
		r.nextID = 0
	}
	r.sentID = r.nextID

	buf := make([]byte, 3+len(name)+1, requestFrameSize)
	buf[0] = opLoadProcess
	binary.LittleEndian.PutUint16(buf[1:3], r.sentID)
	copy(buf[3:], name)
	if len(buf) < requestFrameSize {
		buf = buf[:requestFrameSize]
	}

	return r.m.TxServer(r.ch, buf)
}

func (r *Registry) receive(cmd any, data []byte) (any, error) {
	name := cmd.(string)

	if len(data) < 7 {
		return nil, ErrShortReply
	}
	if data[0] != opResponse {
		return nil, ErrNotReply
	}
	id := binary.LittleEndian.Uint16(data[1:3])
	if id != r.sentID {
		return nil, ErrMismatchedID
	}
	statusCode := status.Code(int8(binary.LittleEndian.Uint16(data[3:5])))
	if host := r.hostStatus(statusCode); host != status.None {
		return nil, host
	}

	resolved := decodeString(data[7:])
	if resolved != "" && validateName(resolved) == nil && len(resolved) < maxReplyLen {
		return resolved, nil
	}
	if len(name)+len(NameSuffix) >= maxReplyLen {
		return nil, ErrBadName
	}
	return name + NameSuffix, nil
}

func (r *Registry) hostStatus(c status.Code) status.HostError {
	if r.m.Era() {
		return status.Era(c)
	}
	return status.Sibo(c)
}

func decodeString(data []byte) string {
	for i, b := range data {
		if b == 0 {
			return string(data[:i])
		}
	}
	return string(data)
}
