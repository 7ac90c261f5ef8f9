package frame

import (
	"testing"

	"github.com/thoukydides/psilink/pkg/stats"
	"github.com/thoukydides/psilink/pkg/transport"
)

// memTransport is a trivial in-memory Transport for feeding and capturing
// bytes one at a time under direct control of a test.
type memTransport struct {
	rx  []byte
	tx  []byte
	pos int
}

func (m *memTransport) Open() error  { return nil }
func (m *memTransport) Close() error { return nil }
func (m *memTransport) SetBaud(int) error { return nil }

func (m *memTransport) RxByte() (byte, bool) {
	if m.pos >= len(m.rx) {
		return 0, false
	}
	b := m.rx[m.pos]
	m.pos++
	return b, true
}

func (m *memTransport) TxByte(b byte) bool {
	m.tx = append(m.tx, b)
	return true
}

var _ transport.Transport = (*memTransport)(nil)

// captureDelegate records every completed rx frame and lets the test decide
// txReady-driven behaviour.
type captureDelegate struct {
	received []Data
}

func (d *captureDelegate) FramePoll(dialect Dialect, active bool, rx *Data, txReady bool) error {
	if rx != nil {
		cp := Data{Cont: rx.Cont, Seq: rx.Seq, Data: append([]byte(nil), rx.Data...)}
		d.received = append(d.received, cp)
	}
	return nil
}

func runSender(t *testing.T, dialect Dialect, d Data) []byte {
	t.Helper()
	del := &captureDelegate{}
	s := &stats.Counters{}
	c := NewCodec(del, s)
	tr := &memTransport{}
	c.Send(dialect, d)
	for i := 0; i < 10000 && c.Busy(); i++ {
		if err := c.Poll(tr, true, false); err != nil {
			t.Fatalf("poll: %v", err)
		}
	}
	if c.Busy() {
		t.Fatalf("sender never went idle")
	}
	return tr.tx
}

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte{0x35, 0x10, 0x03, 0x02, 0x04, 0x16, 0x17}
	wire := runSender(t, Era, Data{Cont: 3, Seq: 42, Data: payload})

	del := &captureDelegate{}
	s := &stats.Counters{}
	c := NewCodec(del, s)
	tr := &memTransport{rx: wire}
	for i := 0; i < 10000 && tr.pos < len(tr.rx); i++ {
		if err := c.Poll(tr, true, false); err != nil {
			t.Fatalf("poll: %v", err)
		}
	}
	// Drain any trailing poll needed to surface the completed frame.
	c.Poll(tr, true, true)

	if len(del.received) != 1 {
		t.Fatalf("expected exactly one received frame, got %d", len(del.received))
	}
	got := del.received[0]
	if got.Cont != 3 || got.Seq != 42 {
		t.Fatalf("header mismatch: cont=%d seq=%d", got.Cont, got.Seq)
	}
	if string(got.Data) != string(payload) {
		t.Fatalf("payload mismatch: got %v want %v", got.Data, payload)
	}
	if s.RxFrameOK.Load() != 1 {
		t.Fatalf("expected 1 good frame counted, got %d", s.RxFrameOK.Load())
	}
}

func containsSeq(wire []byte, seq ...byte) bool {
	for i := 0; i+len(seq) <= len(wire); i++ {
		match := true
		for j, b := range seq {
			if wire[i+j] != b {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}

func TestFrameStuffingCoversAllSpecialBytes(t *testing.T) {
	payload := []byte{dle, etx, dc1, dc3, syn, etb, stx, eot, spc, png}
	wire := runSender(t, Era, Data{Cont: 0, Seq: 1, Data: payload})

	// Every byte the Era dialect must escape has to reach the wire as DLE
	// followed by its substitute, not as a bare literal: this is what the
	// round-trip check below cannot tell apart from a decoder that happens
	// to also fail to escape the byte in the same way it was encoded.
	for _, want := range [][2]byte{{dle, dle}, {dle, eot}, {dle, spc}, {dle, png}} {
		if !containsSeq(wire, want[0], want[1]) {
			t.Fatalf("wire never escapes with DLE %#x: %x", want[1], wire)
		}
	}

	del := &captureDelegate{}
	c := NewCodec(del, &stats.Counters{})
	tr := &memTransport{rx: wire}
	for i := 0; i < 10000 && tr.pos < len(tr.rx); i++ {
		c.Poll(tr, true, false)
	}
	c.Poll(tr, true, true)

	if len(del.received) != 1 || string(del.received[0].Data) != string(payload) {
		t.Fatalf("stuffed special bytes did not round-trip: %+v", del.received)
	}
}

func TestFrameBadCRCIsRejected(t *testing.T) {
	wire := runSender(t, Sibo, Data{Cont: 1, Seq: 2, Data: []byte{1, 2, 3}})
	// Corrupt the cont/seq header byte (just after SYN, DLE, STX) so the checksum on
	// the wire no longer matches what the receiver computes.
	wire[3] ^= 0xFF

	del := &captureDelegate{}
	c := NewCodec(del, &stats.Counters{})
	tr := &memTransport{rx: wire}
	for i := 0; i < 10000 && tr.pos < len(tr.rx); i++ {
		c.Poll(tr, true, false)
	}
	c.Poll(tr, true, true)

	if len(del.received) != 0 {
		t.Fatalf("corrupted frame should have been rejected, got %+v", del.received)
	}
}

func TestDialectLatchedFromOpeningByte(t *testing.T) {
	wire := runSender(t, Sibo, Data{Cont: 0, Seq: 1, Data: []byte{9}})
	if wire[0] != syn {
		t.Fatalf("expected Sibo frame to open with SYN, got %#x", wire[0])
	}

	wire = runSender(t, Era, Data{Cont: 0, Seq: 1, Data: []byte{9}})
	if wire[0] != etb {
		t.Fatalf("expected Era frame to open with ETB, got %#x", wire[0])
	}
}
