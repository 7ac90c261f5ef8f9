// Package virtual implements a TCP loopback Transport used for testing the
// stack without a real serial cable. It dials a broker address and treats
// the resulting connection as a raw byte pipe; a background goroutine
// services the socket and hands bytes to a small internal buffer so that
// RxByte/TxByte, called from the poll loop, never block.
package virtual

import (
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/thoukydides/psilink/internal/fifo"
	"github.com/thoukydides/psilink/pkg/transport"
)

func init() {
	transport.Register("virtual", New)
	transport.Register("loopback", New)
}

const bufSize = 4096

// Bus is a byte-oriented TCP loopback transport. The address passed to New
// is dialled as-is, e.g. "localhost:18000".
type Bus struct {
	addr string

	mu       sync.Mutex
	conn     net.Conn
	rx       *fifo.Fifo
	tx       *fifo.Fifo
	stopChan chan struct{}
	wg       sync.WaitGroup
	log      *logrus.Entry
}

// New constructs a virtual Bus. baud is accepted for interface compatibility
// and ignored: a TCP loopback has no line rate.
func New(device string, baud int) (transport.Transport, error) {
	return &Bus{
		addr: device,
		rx:   fifo.New(bufSize),
		tx:   fifo.New(bufSize),
		log:  logrus.WithField("transport", "virtual"),
	}, nil
}

// Open dials the loopback broker and starts the servicing goroutine.
func (b *Bus) Open() error {
	conn, err := net.Dial("tcp", b.addr)
	if err != nil {
		return err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	b.mu.Lock()
	b.conn = conn
	b.stopChan = make(chan struct{})
	b.mu.Unlock()

	b.wg.Add(2)
	go b.pumpRx()
	go b.pumpTx()
	return nil
}

// Close tears down the connection and stops the servicing goroutines.
func (b *Bus) Close() error {
	b.mu.Lock()
	conn := b.conn
	stop := b.stopChan
	b.conn = nil
	b.mu.Unlock()
	if stop != nil {
		close(stop)
	}
	if conn != nil {
		_ = conn.Close()
	}
	b.wg.Wait()
	return nil
}

// RxByte returns the next byte received from the loopback, if any.
func (b *Bus) RxByte() (byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, 1)
	if b.rx.Read(out) == 1 {
		return out[0], true
	}
	return 0, false
}

// TxByte queues b for transmission, reporting false if the local output
// buffer is momentarily full.
func (b *Bus) TxByte(v byte) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tx.Write([]byte{v}) == 1
}

// SetBaud is a no-op: a TCP loopback has no notion of a line rate.
func (b *Bus) SetBaud(baud int) error { return nil }

func (b *Bus) pumpRx() {
	defer b.wg.Done()
	buf := make([]byte, 256)
	for {
		b.mu.Lock()
		conn := b.conn
		stop := b.stopChan
		b.mu.Unlock()
		if conn == nil {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
		n, err := conn.Read(buf)
		if n > 0 {
			b.mu.Lock()
			b.rx.Write(buf[:n])
			b.mu.Unlock()
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				select {
				case <-stop:
					return
				default:
					continue
				}
			}
			b.log.WithError(err).Debug("loopback read ended")
			return
		}
	}
}

func (b *Bus) pumpTx() {
	defer b.wg.Done()
	buf := make([]byte, 256)
	for {
		select {
		case <-b.stopChan:
			return
		default:
		}
		b.mu.Lock()
		n := b.tx.Read(buf)
		conn := b.conn
		b.mu.Unlock()
		if n == 0 {
			time.Sleep(2 * time.Millisecond)
			continue
		}
		if conn == nil {
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(50 * time.Millisecond))
		if _, err := conn.Write(buf[:n]); err != nil {
			b.log.WithError(err).Debug("loopback write ended")
			return
		}
	}
}
