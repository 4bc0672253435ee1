package audio

import "math"

// Enhancer applies a lightweight cleanup chain to inbound telephony PCM
// before it is transcoded and forwarded: a noise gate, a moving-average
// high-pass to cut line rumble, and gentle dynamic-range compression.
//
// The filter is stateless between calls to Process, so one Enhancer can be
// shared per call without synchronisation concerns beyond the session's own.
type Enhancer struct {
	// GateThreshold is the absolute sample magnitude below which audio is
	// treated as noise and zeroed. Zero disables the gate.
	GateThreshold int16

	// HighPassWindow is the moving-average window length in samples used for
	// the rumble filter. Values below 2 disable the filter.
	HighPassWindow int

	// CompressionRatio is the exponent applied to the normalised magnitude
	// during soft compression. 1.0 (or 0) disables compression; the sources
	// use 0.8.
	CompressionRatio float64
}

// highPassMix is how much of the moving average is subtracted from each
// sample. Matches the telephony tuning in the original pipeline.
const highPassMix = 0.1

// compressionMakeup scales the compressed signal back down to leave headroom.
const compressionMakeup = 0.9

// Process runs the enhancement chain over little-endian 16-bit PCM and
// returns a new buffer. Input with an odd byte count is returned unchanged;
// the caller's codec stage owns rejecting torn frames.
func (e *Enhancer) Process(pcm []byte) []byte {
	if len(pcm) < 2 || len(pcm)%2 != 0 {
		return pcm
	}

	samples := make([]float64, len(pcm)/2)
	for i := range samples {
		samples[i] = float64(int16(pcm[i*2]) | int16(pcm[i*2+1])<<8)
	}

	if e.GateThreshold > 0 {
		gate := float64(e.GateThreshold)
		for i, s := range samples {
			if math.Abs(s) < gate {
				samples[i] = 0
			}
		}
	}

	if e.HighPassWindow >= 2 && len(samples) > e.HighPassWindow {
		window := e.HighPassWindow
		avg := movingAverage(samples, window)
		for i := range samples {
			samples[i] -= avg[i] * highPassMix
		}
	}

	if e.CompressionRatio > 0 && e.CompressionRatio != 1 {
		var peak float64
		for _, s := range samples {
			if a := math.Abs(s); a > peak {
				peak = a
			}
		}
		if peak > 0 {
			for i, s := range samples {
				normalised := s / peak
				compressed := math.Copysign(math.Pow(math.Abs(normalised), e.CompressionRatio), normalised)
				samples[i] = compressed * peak * compressionMakeup
			}
		}
	}

	out := make([]byte, len(pcm))
	for i, s := range samples {
		v := int16(clampSample(s))
		out[i*2] = byte(v)
		out[i*2+1] = byte(uint16(v) >> 8)
	}
	return out
}

// movingAverage computes a centred moving average with the given window.
func movingAverage(samples []float64, window int) []float64 {
	out := make([]float64, len(samples))
	half := window / 2
	for i := range samples {
		lo := max(i-half, 0)
		hi := min(i+half+1, len(samples))
		var sum float64
		for _, s := range samples[lo:hi] {
			sum += s
		}
		out[i] = sum / float64(hi-lo)
	}
	return out
}

// clampSample bounds a float sample to the int16 range.
func clampSample(s float64) float64 {
	if s > math.MaxInt16 {
		return math.MaxInt16
	}
	if s < math.MinInt16 {
		return math.MinInt16
	}
	return s
}
