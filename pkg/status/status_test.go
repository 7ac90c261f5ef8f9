package status

import "testing"

func TestSiboNoneMapsToNone(t *testing.T) {
	if Sibo(0) != None {
		t.Fatalf("expected Sibo(0) == None")
	}
}

func TestEraKnownCodeMapped(t *testing.T) {
	if got := Era(-26); got != DiscFull {
		t.Fatalf("expected DiscFull, got %v", got)
	}
}

func TestUnknownCodeFallsBackSafely(t *testing.T) {
	if got := Sibo(-100); got != UnknownRemote {
		t.Fatalf("expected UnknownRemote for an unrecognised code, got %v", got)
	}
	if got := Era(-100); got != UnknownRemote {
		t.Fatalf("expected UnknownRemote for an unrecognised code, got %v", got)
	}
}

func TestErrorImplementsErrorInterface(t *testing.T) {
	var err error = DiscFull
	if err.Error() == "" {
		t.Fatalf("expected a non-empty description")
	}
}
