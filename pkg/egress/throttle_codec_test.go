package egress

import (
	"math"
	"testing"
)

func TestThrottleBlobRoundTrip(t *testing.T) {
	in := [7]float64{1000, 2000, 3000, 4000, 5000, 6000, 7000}
	blob := encodeThrottleBlob(in)
	out := decodeThrottleBlob(blob)

	for i := range in {
		if math.Abs(out[i]-in[i]) > 1e-3 {
			t.Fatalf("field %d round-tripped to %v, want %v", i, out[i], in[i])
		}
	}
}

func TestThrottleBlobSanitizesNaNAndNegative(t *testing.T) {
	var buf [ThrottleBlobSize]byte
	nan := math.Float32bits(float32(math.NaN()))
	putU32(&buf, 0, nan)
	putU32(&buf, 1, math.Float32bits(-500))

	out := decodeThrottleBlob(buf)
	if out[0] != 0 {
		t.Fatalf("NaN field decoded to %v, want 0", out[0])
	}
	if out[1] != 0 {
		t.Fatalf("negative field decoded to %v, want 0", out[1])
	}
}

func TestThrottleBlobClampsPositiveInfinity(t *testing.T) {
	var buf [ThrottleBlobSize]byte
	inf := math.Float32bits(float32(math.Inf(1)))
	putU32(&buf, 0, inf)

	out := decodeThrottleBlob(buf)
	if out[0] != MaxPerClientRate*8 {
		t.Fatalf("+Inf field decoded to %v, want the per-client ceiling in bits/sec %v", out[0], MaxPerClientRate*8)
	}
}

// TestSetThrottlesLowTotalScalesUp is S4: when the requested total
// falls below the per-client floor, every sub-category is scaled up by
// the same whole-percent factor (the documented low-total quirk, spec
// §9) rather than being independently floor-clamped.
func TestSetThrottlesLowTotalScalesUp(t *testing.T) {
	clk := &fakeClock{now: 0}
	sink := &fakeSink{}
	c := NewClientEgress("agent", "127.0.0.1:1", 1, clk, sink, syncExecutor{}, nil, DefaultClientConfig())

	// A tiny total in bits/sec, well under MinPerClientRate bytes/sec.
	values := [7]float64{100, 0, 0, 0, 0, 0, 0} // bits/sec
	blob := encodeThrottleBlob(values)
	c.SetThrottles(blob)

	if got := c.buckets[CategoryResend].RequestedDripRate(); got <= 100*0.125 {
		t.Fatalf("expected resend rate scaled above its raw bytes/sec value, got %v", got)
	}
	if got := c.root.RequestedDripRate(); got != MinPerClientRate {
		t.Fatalf("root rate = %v, want clamped to the floor %v", got, MinPerClientRate)
	}
}

func TestSetThrottlesHighTotalCapsAtCeiling(t *testing.T) {
	clk := &fakeClock{now: 0}
	sink := &fakeSink{}
	c := NewClientEgress("agent", "127.0.0.1:1", 1, clk, sink, syncExecutor{}, nil, DefaultClientConfig())

	huge := MaxPerClientRate * 8 * 2 // bits/sec, way above the ceiling
	values := [7]float64{huge, huge, huge, huge, huge, huge, huge}
	blob := encodeThrottleBlob(values)
	c.SetThrottles(blob)

	if got := c.root.RequestedDripRate(); got != MaxPerClientRate {
		t.Fatalf("root rate = %v, want capped at ceiling %v", got, MaxPerClientRate)
	}
}

func putU32(buf *[ThrottleBlobSize]byte, field int, bits uint32) {
	buf[field*4] = byte(bits)
	buf[field*4+1] = byte(bits >> 8)
	buf[field*4+2] = byte(bits >> 16)
	buf[field*4+3] = byte(bits >> 24)
}
