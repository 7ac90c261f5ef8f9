package virtual

import (
	"net"
	"testing"
	"time"
)

// echoBroker accepts a single connection and echoes whatever it receives,
// standing in for a real loopback broker in tests.
func echoBroker(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 256)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				if _, werr := conn.Write(buf[:n]); werr != nil {
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String()
}

func TestVirtualBusEchoesBytes(t *testing.T) {
	addr := echoBroker(t)
	b, err := New(addr, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := b.Open(); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	if !b.TxByte('A') {
		t.Fatalf("TxByte rejected on an empty buffer")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if got, ok := b.RxByte(); ok {
			if got != 'A' {
				t.Fatalf("expected echoed 'A', got %q", got)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for echoed byte")
}
