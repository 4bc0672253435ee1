package audio

import (
	"math"
	"time"
)

const (
	// toneFrequency is the pitch of the connection test tone (A4).
	toneFrequency = 440.0

	// toneAmplitude is half of full scale, loud enough to hear without
	// startling the caller.
	toneAmplitude = 16383
)

// TestTone synthesises a sine-wave PCM16 burst at the given sample rate. The
// bridge plays it to the caller immediately after the provider reports the
// connection, proving the outbound audio path end to end.
func TestTone(sampleRate int, duration time.Duration) []byte {
	samples := int(float64(sampleRate) * duration.Seconds())
	out := make([]byte, samples*2)
	for i := range samples {
		t := float64(i) / float64(sampleRate)
		v := int16(toneAmplitude * math.Sin(2*math.Pi*toneFrequency*t))
		out[i*2] = byte(v)
		out[i*2+1] = byte(uint16(v) >> 8)
	}
	return out
}
