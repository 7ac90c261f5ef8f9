package ring

import "testing"

func TestPushFreeBound(t *testing.T) {
	w := NewWindow[int](3)
	for i := 0; i < 3; i++ {
		if !w.Push(i) {
			t.Fatalf("push %d should have succeeded", i)
		}
	}
	if w.Push(99) {
		t.Fatalf("push on a full window should fail")
	}
	if w.Used() != 3 {
		t.Fatalf("expected used=3, got %d", w.Used())
	}
}

func TestRetireThroughCumulative(t *testing.T) {
	w := NewWindow[int](5)
	for _, v := range []int{1, 2, 3} {
		w.Push(v)
	}
	if !w.RetireThrough(func(v int) bool { return v == 2 }) {
		t.Fatalf("expected match")
	}
	if w.Used() != 1 {
		t.Fatalf("expected 1 slot remaining (the 3), got used=%d", w.Used())
	}
	if got, ok := w.Oldest(); !ok || got != 3 {
		t.Fatalf("expected oldest=3, got %v ok=%v", got, ok)
	}
}

func TestRetireThroughUnknownSeqIsNoop(t *testing.T) {
	w := NewWindow[int](5)
	w.Push(1)
	w.Push(2)
	if w.RetireThrough(func(v int) bool { return v == 99 }) {
		t.Fatalf("unknown ack should not match")
	}
	if w.Used() != 2 {
		t.Fatalf("window should be untouched, used=%d", w.Used())
	}
}

func TestRewindRetransmitsWholeWindow(t *testing.T) {
	w := NewWindow[int](5)
	w.Push(1)
	w.Push(2)
	w.Push(3)
	w.NextUnsent()
	w.NextUnsent()
	w.Rewind()
	var sent []int
	for w.HasUnsent() {
		v, _ := w.NextUnsent()
		sent = append(sent, v)
	}
	if len(sent) != 3 || sent[0] != 1 || sent[2] != 3 {
		t.Fatalf("expected full retransmit of [1 2 3], got %v", sent)
	}
}

func TestDrained(t *testing.T) {
	w := NewWindow[int](2)
	if !w.Drained() {
		t.Fatalf("empty window should be drained")
	}
	w.Push(1)
	if w.Drained() {
		t.Fatalf("non-empty window should not be drained")
	}
	w.RetireThrough(func(v int) bool { return v == 1 })
	if !w.Drained() {
		t.Fatalf("window should be drained after retiring only slot")
	}
}
