// Package bridge holds the per-call session state and the registry that maps
// provider stream IDs to sessions. The session is the sole owner of both
// socket handles for its call; teardown is idempotent so either read loop can
// trigger it without coordination.
package bridge

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/sonovox/ringbridge/internal/turntaking"
	"github.com/sonovox/ringbridge/pkg/audio"
)

// ProviderConn is the telephony-side socket handle the session owns. The
// concrete type lives in the telephony package.
type ProviderConn interface {
	// Close tears the provider socket down. Closing an already-closed
	// connection is allowed and reported as an error that teardown swallows.
	Close() error
}

// AIConn is the realtime-side connection handle the session owns once the
// lazy connect succeeds.
type AIConn interface {
	Close() error
}

// Session is the per-call state bundle. One session exists per provider
// stream; it is created on the provider's connected event and destroyed on
// stop or transport failure, whichever comes first.
type Session struct {
	// StreamID is the provider's stream identifier. Until the provider sends
	// one, a locally generated UUID stands in.
	StreamID string

	// SampleRate is the negotiated telephony sample rate in Hz.
	SampleRate int

	// ChunkMs is the frame duration the chunker releases at.
	ChunkMs int

	// CreatedAt is when the session was registered.
	CreatedAt time.Time

	// Provider is the telephony socket handle.
	Provider ProviderConn

	// Chunker aggregates inbound PCM into release-sized frames.
	Chunker *audio.Chunker

	// Enhancer cleans inbound audio before transcoding. Nil means passthrough.
	Enhancer *audio.Enhancer

	// Turns is the call's turn-taking state machine.
	Turns *turntaking.Controller

	// mu guards the mutable fields below. Both read loops touch them.
	mu sync.Mutex

	ai AIConn

	// pstnRate is the sample rate the provider reports for the PSTN leg.
	// Diagnostic only; it never affects chunk sizing or codec choice.
	pstnRate int

	// connecting is set while one lazy realtime connect is in flight, so a
	// burst of media events triggers at most one dial.
	connecting atomic.Bool

	// sequence numbers outbound media frames.
	sequence atomic.Uint64

	teardown  sync.Once
	destroyed atomic.Bool
}

// AI returns the realtime connection handle, or nil if not yet connected.
func (s *Session) AI() AIConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ai
}

// AttachAI stores the realtime connection handle after a successful dial.
func (s *Session) AttachAI(conn AIConn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ai = conn
}

// TryBeginConnect reports whether the caller won the right to run the single
// in-flight lazy connect attempt. The winner must call EndConnect when done,
// successful or not.
func (s *Session) TryBeginConnect() bool {
	return s.connecting.CompareAndSwap(false, true)
}

// EndConnect releases the lazy-connect slot.
func (s *Session) EndConnect() {
	s.connecting.Store(false)
}

// SetPSTNRate records the provider-reported PSTN sample rate for diagnostics.
func (s *Session) SetPSTNRate(rate int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pstnRate = rate
}

// PSTNRate returns the provider-reported PSTN sample rate, or 0 if unknown.
func (s *Session) PSTNRate() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pstnRate
}

// NextSequence returns the next outbound media sequence number, starting at 1.
func (s *Session) NextSequence() uint64 {
	return s.sequence.Add(1)
}

// Destroyed reports whether teardown has run.
func (s *Session) Destroyed() bool {
	return s.destroyed.Load()
}

// close runs the idempotent teardown: both sockets closed best-effort. Errors
// from already-closed sockets are swallowed; there is nothing actionable in
// them. The chunker is deliberately left alone: the telephony read loop is its
// only user and may still be inside a Write when the AI side triggers
// teardown, and a destroyed session's buffer is unreachable anyway.
func (s *Session) close() {
	s.teardown.Do(func() {
		s.destroyed.Store(true)

		s.mu.Lock()
		ai := s.ai
		s.ai = nil
		s.mu.Unlock()

		if ai != nil {
			_ = ai.Close()
		}
		if s.Provider != nil {
			_ = s.Provider.Close()
		}
	})
}
