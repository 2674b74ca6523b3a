package egress

import (
	"testing"
	"time"
)

// TestRttEstimatorFirstSampleInitializes is scenario S5: the first
// sample seeds SRTT directly and RTTVAR at half the sample (RFC 2988
// §2.2), rather than smoothing against a meaningless zero.
func TestRttEstimatorFirstSampleInitializes(t *testing.T) {
	e := NewRttEstimator(0, 0, 0)
	e.UpdateRoundTrip(200)

	if got := e.SRTT(); got != 200 {
		t.Fatalf("SRTT after first sample = %v, want 200", got)
	}
	if rto := e.RTO(); rto < 200 {
		t.Fatalf("RTO %v should be at least the observed sample", rto)
	}
}

// TestRttEstimatorConvergesTowardStableSamples feeds a steady stream of
// identical samples and expects SRTT to settle near the sample value.
// (RTO does not follow it down: it stays at the 1000ms default floor.)
func TestRttEstimatorConvergesTowardStableSamples(t *testing.T) {
	e := NewRttEstimator(0, 0, time.Millisecond) // 1ms tick resolution floor
	for i := 0; i < 200; i++ {
		e.UpdateRoundTrip(100)
	}
	if srtt := e.SRTT(); srtt < 99 || srtt > 101 {
		t.Fatalf("SRTT did not converge near 100: got %v", srtt)
	}
}

// TestRttEstimatorBackoffDoublesAndResets covers §4.4's exponential
// backoff: RTO doubles (capped at maxRTO) and the smoothing state
// resets so the next sample is treated as the first.
func TestRttEstimatorBackoffDoublesAndResets(t *testing.T) {
	e := NewRttEstimator(1000*time.Millisecond, 60_000*time.Millisecond, 0)
	e.UpdateRoundTrip(100)
	before := e.RTO()

	e.Backoff()
	if got := e.RTO(); got != before*2 {
		t.Fatalf("RTO after backoff = %v, want %v", got, before*2)
	}
	if e.SRTT() != 0 {
		t.Fatalf("expected SRTT reset to 0 after backoff, got %v", e.SRTT())
	}

	e.UpdateRoundTrip(100)
	if e.SRTT() != 100 {
		t.Fatalf("expected the post-backoff sample to re-seed SRTT directly, got %v", e.SRTT())
	}
}

// TestRttEstimatorBackoffCapsAtMax ensures repeated backoff never
// exceeds the configured ceiling.
func TestRttEstimatorBackoffCapsAtMax(t *testing.T) {
	e := NewRttEstimator(1000*time.Millisecond, 5000*time.Millisecond, 0)
	for i := 0; i < 20; i++ {
		e.Backoff()
	}
	if rto := e.RTO(); rto > 5000 {
		t.Fatalf("RTO %v exceeded configured max 5000", rto)
	}
}

// TestRttEstimatorRTONeverBelowDefault checks the floor half of the
// RFC 2988 clamp: RTO is never reported below the configured default,
// even for a very stable, very fast connection.
func TestRttEstimatorRTONeverBelowDefault(t *testing.T) {
	e := NewRttEstimator(1000*time.Millisecond, 0, time.Millisecond)
	for i := 0; i < 50; i++ {
		e.UpdateRoundTrip(1) // a 1ms RTT, far below the 1000ms default floor
	}
	if rto := e.RTO(); rto < 1000 {
		t.Fatalf("RTO %v fell below the configured default floor 1000", rto)
	}
}
