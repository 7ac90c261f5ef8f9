package escape

import "testing"

func TestTriggerOnlyMattersWhenEnabled(t *testing.T) {
	var f Flag
	f.Trigger()
	if f.Check() {
		t.Fatalf("trigger before enable should not be observed")
	}
}

func TestCheckConsumesTriggerOnce(t *testing.T) {
	var f Flag
	f.Enable()
	f.Trigger()
	if !f.Check() {
		t.Fatalf("expected trigger to be observed")
	}
	if f.Check() {
		t.Fatalf("trigger should have been consumed by the first Check")
	}
}

func TestDisableStopsReporting(t *testing.T) {
	var f Flag
	f.Enable()
	f.Trigger()
	f.Disable()
	if f.Check() {
		t.Fatalf("disabled flag must not report a trigger")
	}
}
