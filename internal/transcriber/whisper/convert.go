package whisper

import "encoding/binary"

// clipThreshold is the int16 magnitude above which a sample is treated as
// clipped — close enough to the 16-bit ceiling that the capture device's
// gain was likely too hot for whisper.cpp to get a clean result.
const clipThreshold = 32000

// pcmToFloat32 converts 16-bit signed little-endian PCM audio to float32
// samples normalised to the range [-1.0, 1.0]. The input length must be
// even (two bytes per sample); any trailing odd byte is silently ignored.
// Capture always arrives mono (pkg/audio's device opens the capture stream
// with a single channel), so unlike a generic PCM decoder this has no
// multi-channel down-mix path.
//
// clipped counts samples at or past clipThreshold, letting the caller warn
// when a segment looks saturated instead of just handing whisper.cpp bad
// input silently.
func pcmToFloat32(pcm []byte) (samples []float32, clipped int) {
	n := len(pcm) / 2
	samples = make([]float32, n)
	for i := range n {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		if sample >= clipThreshold || sample <= -clipThreshold {
			clipped++
		}
		samples[i] = float32(sample) / 32768.0
	}
	return samples, clipped
}
