package audio

import "fmt"

// G.711 u-law companding. The encoder maps a 14-bit linear magnitude onto one
// of 8 exponential segments and a 4-bit mantissa; the decoder reconstructs the
// segment midpoint. Encode and decode are exact inverses over the full 8-bit
// u-law alphabet; only the PCM quantization step is lossy.

// ulawClamp is the maximum encodable linear magnitude.
const ulawClamp = 8159

// segmentUpper holds the exclusive upper magnitude bound of segments 0-6.
// Magnitudes at or above the last bound fall into segment 7.
var segmentUpper = [7]int32{32, 96, 224, 480, 992, 2016, 4064}

// segmentLower holds the magnitude subtracted before the mantissa shift, per
// segment. segmentLower[s] is also the decoder's reconstruction base.
var segmentLower = [8]int32{0, 32, 96, 224, 480, 992, 2016, 4064}

// PCMToUlaw encodes little-endian 16-bit PCM into G.711 u-law, one output
// byte per input sample. Returns an error if the input length is odd, since
// a torn sample indicates a corrupt frame.
func PCMToUlaw(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("audio: pcm length %d is not a multiple of the sample width", len(pcm))
	}

	out := make([]byte, len(pcm)/2)
	for i := 0; i < len(pcm); i += 2 {
		sample := int32(int16(pcm[i]) | int16(pcm[i+1])<<8)

		var sign byte
		if sample < 0 {
			sample = -sample
			sign = 0x80
		}
		if sample > ulawClamp {
			sample = ulawClamp
		}

		segment := 7
		for s, upper := range segmentUpper {
			if sample < upper {
				segment = s
				break
			}
		}

		// Mantissa: 4 bits of the magnitude above the segment floor.
		mantissa := byte((sample - segmentLower[segment]) >> uint(segment+1))

		out[i/2] = ^(sign | byte(segment)<<4 | mantissa)
	}
	return out, nil
}

// UlawToPCM decodes G.711 u-law into little-endian 16-bit PCM, two output
// bytes per input byte. Every input byte is valid; this cannot fail.
func UlawToPCM(ulaw []byte) []byte {
	out := make([]byte, len(ulaw)*2)
	for i, b := range ulaw {
		b = ^b

		sign := b & 0x80
		segment := int32(b>>4) & 0x07
		mantissa := int32(b & 0x0F)

		// Reconstruct the magnitude: mantissa scaled back into its segment,
		// offset by the segment base. The +1 lands inside the quantization
		// interval so that re-encoding recovers the same u-law byte.
		magnitude := (mantissa << uint(segment+1)) + segmentLower[segment] + 1

		sample := int16(magnitude)
		if sign != 0 {
			sample = -sample
		}

		out[i*2] = byte(sample)
		out[i*2+1] = byte(uint16(sample) >> 8)
	}
	return out
}
