// Package audio provides the pure audio-processing primitives for the
// ringbridge call path: G.711 u-law transcoding, linear resampling, optional
// inbound enhancement, chunk aggregation, and test-tone synthesis.
//
// Everything in this package operates on little-endian 16-bit mono PCM unless
// a function says otherwise. Nothing here performs I/O; all state is per-call
// and owned by the caller.
package audio

import "time"

// Encoding identifies the byte layout of a Frame's data.
type Encoding string

const (
	// EncodingPCM16 is little-endian signed 16-bit linear PCM, 2 bytes per sample.
	EncodingPCM16 Encoding = "pcm16"

	// EncodingUlaw is G.711 u-law companded audio, 1 byte per sample.
	EncodingUlaw Encoding = "g711_ulaw"
)

// BytesPerSample returns the sample width for the encoding.
func (e Encoding) BytesPerSample() int {
	if e == EncodingUlaw {
		return 1
	}
	return 2
}

// Frame is a bounded span of audio bytes tagged with its format. Frames are
// transient: they are released from a Chunker or decoded off a socket,
// transcoded, and forwarded, never persisted.
type Frame struct {
	Data       []byte
	SampleRate int
	Encoding   Encoding
}

// Duration returns the playback time of the frame, derived from its length,
// sample rate, and sample width. Returns 0 for an unset sample rate.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 {
		return 0
	}
	samples := len(f.Data) / f.Encoding.BytesPerSample()
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}
