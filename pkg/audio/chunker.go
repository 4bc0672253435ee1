package audio

// SizingPolicy selects how the Chunker decides when to release a frame.
type SizingPolicy string

const (
	// PolicyFixed releases frames of exactly the configured duration.
	PolicyFixed SizingPolicy = "fixed"

	// PolicyAdaptive picks the frame duration from the negotiated sample
	// rate: coarser frames at high rates for efficiency, finer frames at low
	// rates for latency.
	PolicyAdaptive SizingPolicy = "adaptive"
)

// ChunkBytes returns the byte size of a PCM16 frame of the given duration at
// the given sample rate. The result is always even (2 bytes per sample) and
// monotonically increasing in durationMs.
func ChunkBytes(sampleRate, durationMs int) int {
	samples := sampleRate * durationMs / 1000
	return samples * 2
}

// AdaptiveChunkMs maps a sample rate onto a frame duration. This is a step
// function, not a formula: 24 kHz and above use the maximum duration, 16 kHz
// the intermediate buffer duration, everything below the minimum.
func AdaptiveChunkMs(sampleRate, minMs, bufferMs, maxMs int) int {
	switch {
	case sampleRate >= 24000:
		return maxMs
	case sampleRate >= 16000:
		return bufferMs
	default:
		return minMs
	}
}

// ChunkerConfig fixes a Chunker's sizing behaviour at construction time.
type ChunkerConfig struct {
	SampleRate int
	Policy     SizingPolicy

	// FixedMs is the release duration under PolicyFixed.
	FixedMs int

	// MinMs, BufferMs, MaxMs parameterise PolicyAdaptive. MinMs is a hard
	// floor: frames below it are never released except through Flush. MaxMs
	// bounds a single release so bursts are split across sends.
	MinMs    int
	BufferMs int
	MaxMs    int
}

// Chunker accumulates raw PCM for one call and releases frames according to
// the configured sizing policy. It is not safe for concurrent use; the owning
// session serialises access.
type Chunker struct {
	buf          []byte
	releaseBytes int
}

// NewChunker creates a Chunker for one call. The release size is derived once
// from the negotiated sample rate and never changes for the call's lifetime;
// clamping it to at least MinMs is what enforces the minimum-duration floor,
// since Write only ever releases whole releaseBytes frames.
func NewChunker(cfg ChunkerConfig) *Chunker {
	targetMs := cfg.FixedMs
	if cfg.Policy == PolicyAdaptive {
		targetMs = AdaptiveChunkMs(cfg.SampleRate, cfg.MinMs, cfg.BufferMs, cfg.MaxMs)
		if targetMs < cfg.MinMs {
			targetMs = cfg.MinMs
		}
		if cfg.MaxMs > 0 && targetMs > cfg.MaxMs {
			targetMs = cfg.MaxMs
		}
	}
	return &Chunker{
		releaseBytes: ChunkBytes(cfg.SampleRate, targetMs),
	}
}

// ReleaseBytes reports the frame size this chunker emits.
func (c *Chunker) ReleaseBytes() int { return c.releaseBytes }

// Buffered reports how many bytes are waiting below the release threshold.
func (c *Chunker) Buffered() int { return len(c.buf) }

// Write appends raw PCM and returns zero or more release-ready frames. A
// burst larger than the release size is split into multiple frames; a
// remainder below the release size stays buffered.
func (c *Chunker) Write(pcm []byte) [][]byte {
	c.buf = append(c.buf, pcm...)

	var frames [][]byte
	for len(c.buf) >= c.releaseBytes {
		frame := make([]byte, c.releaseBytes)
		copy(frame, c.buf[:c.releaseBytes])
		c.buf = c.buf[c.releaseBytes:]
		frames = append(frames, frame)
	}
	return frames
}

// Flush releases whatever remains in the buffer, ignoring the minimum-size
// floor. Used on explicit speech-boundary marks and on clear, so no audio is
// stranded below the threshold. Returns nil when the buffer is empty.
func (c *Chunker) Flush() []byte {
	if len(c.buf) == 0 {
		return nil
	}
	out := c.buf
	c.buf = nil
	return out
}

// Reset discards all buffered audio without releasing it.
func (c *Chunker) Reset() { c.buf = nil }
