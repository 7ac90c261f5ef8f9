//go:build linux

// Package serial implements a Transport over a real POSIX serial device,
// using termios ioctls so the line is put into raw, non-canonical mode with
// no local echo or flow control interference from the kernel tty layer.
package serial

import (
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/thoukydides/psilink/pkg/transport"
)

func init() {
	transport.Register("serial", New)
}

// Port is a raw POSIX serial device opened non-blocking: RxByte/TxByte poll
// the file descriptor directly and never wait, matching the cooperative
// poll-tick contract the rest of the stack depends on.
type Port struct {
	path string
	baud int
	fd   int
}

// New opens device in raw mode at the given baud rate.
func New(device string, baud int) (transport.Transport, error) {
	return &Port{path: device, baud: baud, fd: -1}, nil
}

// Open opens the device non-blocking and configures it for raw I/O.
func (p *Port) Open() error {
	fd, err := unix.Open(p.path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return err
	}
	p.fd = fd
	if err := p.configure(); err != nil {
		_ = unix.Close(fd)
		p.fd = -1
		return err
	}
	return nil
}

// Close releases the underlying file descriptor.
func (p *Port) Close() error {
	if p.fd < 0 {
		return nil
	}
	fd := p.fd
	p.fd = -1
	return unix.Close(fd)
}

// RxByte reads a single byte without blocking, reporting ok=false if the
// kernel rx buffer is currently empty.
func (p *Port) RxByte() (byte, bool) {
	if p.fd < 0 {
		return 0, false
	}
	var buf [1]byte
	n, err := unix.Read(p.fd, buf[:])
	if err != nil || n != 1 {
		return 0, false
	}
	return buf[0], true
}

// TxByte writes a single byte without blocking, reporting false (for the
// caller to retry on a later tick) if the kernel tx buffer is currently
// full.
func (p *Port) TxByte(b byte) bool {
	if p.fd < 0 {
		return false
	}
	buf := [1]byte{b}
	n, err := unix.Write(p.fd, buf[:])
	if err != nil {
		if err == unix.EAGAIN || err == syscall.EWOULDBLOCK {
			return false
		}
		return false
	}
	return n == 1
}

// SetBaud reconfigures the line rate, reapplying the termios settings if the
// device is already open.
func (p *Port) SetBaud(baud int) error {
	p.baud = baud
	if p.fd < 0 {
		return nil
	}
	return p.configure()
}

func (p *Port) configure() error {
	t, err := unix.IoctlGetTermios(p.fd, unix.TCGETS)
	if err != nil {
		return err
	}
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP |
		unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB
	t.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL
	t.Cc[unix.VMIN] = 0
	t.Cc[unix.VTIME] = 0

	rate, ok := baudConstant(p.baud)
	if !ok {
		return transport.ErrUnknownTransport
	}
	t.Cflag &^= unix.CBAUD
	t.Cflag |= rate
	t.Ispeed = uint32(rate)
	t.Ospeed = uint32(rate)

	return unix.IoctlSetTermios(p.fd, unix.TCSETS, t)
}

func baudConstant(baud int) (uint32, bool) {
	switch baud {
	case 9600:
		return unix.B9600, true
	case 19200:
		return unix.B19200, true
	case 38400:
		return unix.B38400, true
	case 57600:
		return unix.B57600, true
	case 115200:
		return unix.B115200, true
	default:
		return 0, false
	}
}
