package egress

import (
	"math"
	"sync"
	"time"
)

// RFC 2988 smoothing constants.
const (
	rttAlpha = 1.0 / 8.0
	rttBeta  = 1.0 / 4.0
	rttK     = 4.0
)

// RttEstimator maintains SRTT, RTTVAR, and the derived retransmission
// timeout for one client, per RFC 2988, including exponential backoff
// on loss.
type RttEstimator struct {
	mu sync.Mutex

	srtt   float64 // ms
	rttvar float64 // ms
	rto    float64 // ms, current value

	defaultRTO     float64 // ms
	maxRTO         float64 // ms
	tickResolution float64 // ms
}

// NewRttEstimator builds an estimator with the given overrides; a zero
// value for defaultRTO, maxRTO, or tickResolution means "use the
// built-in default".
func NewRttEstimator(defaultRTO, maxRTO, tickResolution time.Duration) *RttEstimator {
	e := &RttEstimator{
		defaultRTO:     1000,
		maxRTO:         60_000,
		tickResolution: 100,
	}
	if defaultRTO > 0 {
		e.defaultRTO = float64(defaultRTO.Milliseconds())
	}
	if maxRTO > 0 {
		e.maxRTO = float64(maxRTO.Milliseconds())
	}
	if tickResolution > 0 {
		e.tickResolution = float64(tickResolution.Milliseconds())
	}
	e.rto = e.defaultRTO
	return e
}

// UpdateRoundTrip feeds a fresh RTT sample (milliseconds) into the
// estimator. The first sample after construction, or after a backoff
// reset, initializes SRTT/RTTVAR directly rather than smoothing
// against a meaningless zero.
func (e *RttEstimator) UpdateRoundTrip(rMs float64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.rttvar == 0 {
		e.srtt = rMs
		e.rttvar = rMs / 2
	} else {
		e.rttvar = (1-rttBeta)*e.rttvar + rttBeta*math.Abs(e.srtt-rMs)
		e.srtt = (1-rttAlpha)*e.srtt + rttAlpha*rMs
	}
	e.recomputeRTO()
}

// recomputeRTO must be called with e.mu held.
func (e *RttEstimator) recomputeRTO() {
	candidate := e.srtt + math.Max(e.tickResolution, rttK*e.rttvar)
	e.rto = clampFloat(candidate, e.defaultRTO, e.maxRTO)
}

// Backoff doubles the current RTO (capped at maxRTO) and resets
// SRTT/RTTVAR to zero so the next UpdateRoundTrip call is treated as
// the first measurement.
func (e *RttEstimator) Backoff() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rto = math.Min(e.rto*2, e.maxRTO)
	e.srtt = 0
	e.rttvar = 0
}

// RTO returns the current retransmission timeout in milliseconds.
func (e *RttEstimator) RTO() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rto
}

// SRTT returns the current smoothed RTT in milliseconds (0 before the
// first measurement or immediately after a backoff).
func (e *RttEstimator) SRTT() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.srtt
}

func clampFloat(v, min, max float64) float64 {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}
