// Package audio implements the sample-domain building blocks of the tabscribe
// capture pipeline: rate conversion, PCM16 wire encoding, fixed-duration
// chunk assembly with overlap retention, and a rolling buffer for retroactive
// pattern extraction.
//
// All functions and types in this package operate on mono float32 samples in
// the range [-1, 1]. Conversion to the 16-bit wire representation happens only
// at the chunk/extraction boundary, where audio leaves the process.
//
// This package lives under pkg/ because alternative capture front-ends
// (offscreen documents, test harnesses, file replayers) are expected to feed
// it directly.
package audio

// Resample converts samples from srcRate to dstRate by nearest-neighbor
// selection: out[i] = in[floor(i*srcRate/dstRate)]. No interpolation or
// filtering is applied; for the 48kHz→16kHz speech path the resulting
// aliasing is an accepted quality tradeoff.
//
// The output length is floor(len(in)*dstRate/srcRate). Empty input yields
// empty output. Resample is pure and never fails.
func Resample(in []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 {
		return nil
	}
	if srcRate == dstRate {
		out := make([]float32, len(in))
		copy(out, in)
		return out
	}

	n := int(int64(len(in)) * int64(dstRate) / int64(srcRate))
	out := make([]float32, n)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range out {
		out[i] = in[int(float64(i)*ratio)]
	}
	return out
}
