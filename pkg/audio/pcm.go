package audio

import (
	"encoding/base64"
	"encoding/binary"
)

// EncodePCM16 quantises float32 samples in [-1, 1] to little-endian int16 PCM.
// Values outside the range are clamped. The quantisation is lossy but
// deterministic: the same input always produces the same bytes.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int32(s * 32767)
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(v)))
	}
	return out
}

// DecodePCM16 converts little-endian int16 PCM bytes back to float32 samples
// normalised to [-1, 1]. A trailing odd byte is ignored.
func DecodePCM16(pcm []byte) []float32 {
	out := make([]float32, len(pcm)/2)
	for i := range out {
		out[i] = float32(int16(binary.LittleEndian.Uint16(pcm[i*2:]))) / 32768.0
	}
	return out
}

// EncodeWire converts samples to the wire representation used by the speech
// engine protocol: base64-encoded little-endian PCM16.
func EncodeWire(samples []float32) string {
	return base64.StdEncoding.EncodeToString(EncodePCM16(samples))
}

// DecodeWire reverses [EncodeWire]. Returns an error if the payload is not
// valid base64.
func DecodeWire(audio string) ([]float32, error) {
	pcm, err := base64.StdEncoding.DecodeString(audio)
	if err != nil {
		return nil, err
	}
	return DecodePCM16(pcm), nil
}
