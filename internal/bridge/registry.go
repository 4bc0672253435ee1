package bridge

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sonovox/ringbridge/internal/turntaking"
	"github.com/sonovox/ringbridge/pkg/audio"
)

// ErrDuplicateSession is returned by Create when the stream ID is already
// registered.
var ErrDuplicateSession = errors.New("bridge: duplicate session")

// SessionParams carries everything needed to register a new call.
type SessionParams struct {
	StreamID   string
	SampleRate int
	ChunkMs    int
	Provider   ProviderConn
	Chunker    *audio.Chunker
	Enhancer   *audio.Enhancer
	Turns      *turntaking.Controller
}

// Registry maps provider stream IDs to live sessions. It is the only
// structure shared across calls; everything else is per-session.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Create registers a new session. Returns [ErrDuplicateSession] if the stream
// ID is already live.
func (r *Registry) Create(p SessionParams) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[p.StreamID]; exists {
		return nil, fmt.Errorf("%w: stream %q", ErrDuplicateSession, p.StreamID)
	}

	sess := &Session{
		StreamID:   p.StreamID,
		SampleRate: p.SampleRate,
		ChunkMs:    p.ChunkMs,
		CreatedAt:  time.Now().UTC(),
		Provider:   p.Provider,
		Chunker:    p.Chunker,
		Enhancer:   p.Enhancer,
		Turns:      p.Turns,
	}
	r.sessions[p.StreamID] = sess
	return sess, nil
}

// Get returns the session for the stream ID, if registered.
func (r *Registry) Get(streamID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[streamID]
	return sess, ok
}

// Rename moves a session to a new stream ID, used when the provider's real
// stream ID arrives after registration under a placeholder. Returns
// [ErrDuplicateSession] if the new ID is taken.
func (r *Registry) Rename(oldID, newID string) error {
	if oldID == newID {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.sessions[oldID]
	if !ok {
		return fmt.Errorf("bridge: rename: stream %q not registered", oldID)
	}
	if _, exists := r.sessions[newID]; exists {
		return fmt.Errorf("%w: stream %q", ErrDuplicateSession, newID)
	}
	delete(r.sessions, oldID)
	sess.StreamID = newID
	r.sessions[newID] = sess
	return nil
}

// Destroy tears down the session for the stream ID and removes it. Safe to
// call from both read loops concurrently and more than once; only the first
// invocation closes anything.
func (r *Registry) Destroy(streamID string) {
	r.mu.Lock()
	sess, ok := r.sessions[streamID]
	delete(r.sessions, streamID)
	r.mu.Unlock()

	if !ok {
		return
	}
	sess.close()
	slog.Debug("session destroyed", "stream_id", streamID)
}

// Len reports how many sessions are live.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
