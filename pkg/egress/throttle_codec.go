package egress

import (
	"encoding/binary"
	"math"
)

// ThrottleBlobSize is the wire size of both the inbound throttle
// update and the outbound throttle report: seven
// little-endian IEEE-754 floats.
const ThrottleBlobSize = 28

// throttleWireOrder is the field order shared by both directions:
// resend, land, wind, cloud, task, texture, asset.
var throttleWireOrder = [7]Category{
	CategoryResend,
	CategoryLand,
	CategoryWind,
	CategoryCloud,
	CategoryTask,
	CategoryTexture,
	CategoryAsset,
}

// decodeThrottleBlob reads the seven wire floats in order. encoding/
// binary always interprets the bytes as little-endian regardless of
// host architecture, which is what the original's "big-endian hosts
// must byte-swap" note is working around in a systems language — in
// Go there is no separate byte-swap step to forget.
func decodeThrottleBlob(buf [ThrottleBlobSize]byte) [7]float64 {
	var out [7]float64
	for i := 0; i < 7; i++ {
		bits := binary.LittleEndian.Uint32(buf[i*4 : i*4+4])
		out[i] = float64(sanitizeBits(math.Float32frombits(bits)))
	}
	return out
}

// sanitizeBits clamps a wire float to a well-defined range before any
// arithmetic touches it: NaN becomes 0, +Inf becomes the
// per-client ceiling (expressed in bits/sec, since these are still raw
// wire values), negative becomes 0.
func sanitizeBits(f float32) float32 {
	switch {
	case math.IsNaN(float64(f)):
		return 0
	case math.IsInf(float64(f), 1):
		return float32(MaxPerClientRate * 8)
	case f < 0:
		return 0
	case float64(f) > MaxPerClientRate*8:
		return float32(MaxPerClientRate * 8)
	default:
		return f
	}
}

func encodeThrottleBlob(values [7]float64) [ThrottleBlobSize]byte {
	var buf [ThrottleBlobSize]byte
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], math.Float32bits(float32(v)))
	}
	return buf
}
