package audio

import (
	"testing"
)

func pcmFromSamples(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		out[i*2] = byte(s)
		out[i*2+1] = byte(uint16(s) >> 8)
	}
	return out
}

func samplesFromPCM(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(pcm[i*2]) | int16(pcm[i*2+1])<<8
	}
	return out
}

func TestResample_SameRatePassthrough(t *testing.T) {
	t.Parallel()

	in := pcmFromSamples([]int16{1, 2, 3, 4})
	out := Resample(in, 16000, 16000)
	if &out[0] != &in[0] {
		t.Error("same-rate resample should return the input buffer")
	}
}

func TestResample_InvalidRatesPassthrough(t *testing.T) {
	t.Parallel()

	in := pcmFromSamples([]int16{1, 2})
	if out := Resample(in, 0, 16000); &out[0] != &in[0] {
		t.Error("zero source rate should return the input unchanged")
	}
	if out := Resample(in, 16000, -1); &out[0] != &in[0] {
		t.Error("negative target rate should return the input unchanged")
	}
}

func TestResample_Lengths(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		srcSamples  int
		src, dst    int
		wantSamples int
	}{
		{"24k to 16k", 240, 24000, 16000, 160},
		{"24k to 8k", 240, 24000, 8000, 80},
		{"8k to 16k", 80, 8000, 16000, 160},
		{"8k to 24k", 80, 8000, 24000, 240},
		{"16k to 24k", 160, 16000, 24000, 240},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			in := make([]byte, tt.srcSamples*2)
			out := Resample(in, tt.src, tt.dst)
			if len(out) != tt.wantSamples*2 {
				t.Errorf("Resample() len = %d bytes, want %d", len(out), tt.wantSamples*2)
			}
		})
	}
}

func TestResample_ConstantSignalPreserved(t *testing.T) {
	t.Parallel()

	samples := make([]int16, 240)
	for i := range samples {
		samples[i] = 1000
	}

	out := samplesFromPCM(Resample(pcmFromSamples(samples), 24000, 8000))
	if len(out) != 80 {
		t.Fatalf("resampled to %d samples, want 80", len(out))
	}
	for i, s := range out {
		if s != 1000 {
			t.Fatalf("out[%d] = %d, want 1000", i, s)
		}
	}
}

// Upsampling a two-point ramp must interpolate between the endpoints rather
// than repeat them.
func TestResample_Interpolates(t *testing.T) {
	t.Parallel()

	in := pcmFromSamples([]int16{0, 1000})
	out := samplesFromPCM(Resample(in, 8000, 16000))
	if len(out) != 4 {
		t.Fatalf("resampled to %d samples, want 4", len(out))
	}
	if out[0] != 0 {
		t.Errorf("out[0] = %d, want 0", out[0])
	}
	if out[1] != 500 {
		t.Errorf("out[1] = %d, want 500", out[1])
	}
	if out[2] != 1000 {
		t.Errorf("out[2] = %d, want 1000", out[2])
	}
}

func TestResample_TinyInput(t *testing.T) {
	t.Parallel()

	if out := Resample([]byte{0x01}, 8000, 16000); len(out) != 1 {
		t.Errorf("sub-sample input should pass through, got %d bytes", len(out))
	}
	if out := Resample(nil, 8000, 16000); out != nil {
		t.Errorf("nil input should pass through, got %d bytes", len(out))
	}
}
