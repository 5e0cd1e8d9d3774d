package timer

import (
	"testing"
	"time"
)

func TestHeartbeatFirstSampleQuadruplesRTT(t *testing.T) {
	var h HeartbeatEstimator
	got := h.Observe(10 * time.Millisecond)
	want := 40 * time.Millisecond
	if got != want {
		t.Fatalf("first interval = %v, want %v", got, want)
	}
}

func TestHeartbeatRecurrenceMatchesFormula(t *testing.T) {
	var h HeartbeatEstimator
	h.Observe(10 * time.Millisecond) // interval = 40ms

	got := h.Observe(20 * time.Millisecond)
	want := 40*time.Millisecond - (40*time.Millisecond)/4 + 20*time.Millisecond
	if got != want {
		t.Fatalf("second interval = %v, want %v", got, want)
	}
}

func TestHeartbeatIntervalDefaultBeforePriming(t *testing.T) {
	var h HeartbeatEstimator
	if got := h.Interval(500 * time.Millisecond); got != 500*time.Millisecond {
		t.Fatalf("expected default interval before priming, got %v", got)
	}
}

func TestHeartbeatIntervalAfterPriming(t *testing.T) {
	var h HeartbeatEstimator
	h.Observe(10 * time.Millisecond)
	if got := h.Interval(500 * time.Millisecond); got != 40*time.Millisecond {
		t.Fatalf("expected primed interval 40ms, got %v", got)
	}
}
