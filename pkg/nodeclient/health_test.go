package nodeclient

import (
	"testing"
	"time"
)

func TestHealthWindowAgesOut(t *testing.T) {
	now := time.Unix(1000, 0)
	h := NewHealth(time.Minute, 2)
	h.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		h.RecordFailure("a")
	}
	if !h.Degraded("a") {
		t.Fatalf("expected a degraded after 3 failures with budget 2")
	}
	if h.Degraded("b") {
		t.Fatalf("b has no failures")
	}

	now = now.Add(61 * time.Second)
	if h.Degraded("a") {
		t.Fatalf("failures should age out of the window")
	}
	if got := h.Failures(); len(got) != 0 {
		t.Fatalf("expected no failures in window, got %v", got)
	}
}

func TestHealthSuccessDoesNotResetWindow(t *testing.T) {
	now := time.Unix(0, 0)
	h := NewHealth(time.Minute, 1)
	h.now = func() time.Time { return now }
	h.RecordFailure("a")
	h.RecordFailure("a")
	h.RecordSuccess("a")
	if !h.Degraded("a") {
		t.Fatalf("a success inside the window must not clear the budget")
	}
	if got := h.Failures()["a"]; got != 2 {
		t.Fatalf("failures = %d, want 2", got)
	}
}
