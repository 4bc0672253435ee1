// Package calllog persists call-detail records: one row per call holding the
// stream identifier, negotiated audio parameters, timing, and disposition.
// Conversation content is never stored.
package calllog

import (
	"context"
	"time"
)

// Disposition classifies how a call ended.
type Disposition string

const (
	// DispositionCompleted means the provider sent a clean stop event.
	DispositionCompleted Disposition = "completed"

	// DispositionProviderClosed means the provider transport dropped without
	// a stop event.
	DispositionProviderClosed Disposition = "provider_closed"

	// DispositionAIFailed means the AI endpoint connection failed or dropped
	// and ended the call.
	DispositionAIFailed Disposition = "ai_failed"

	// DispositionError covers everything else.
	DispositionError Disposition = "error"
)

// CallRecord is one call's detail record.
type CallRecord struct {
	StreamID    string      `json:"stream_id"`
	SampleRate  int         `json:"sample_rate"`
	PSTNRate    int         `json:"pstn_rate"`
	ChunkMs     int         `json:"chunk_ms"`
	StartedAt   time.Time   `json:"started_at"`
	EndedAt     time.Time   `json:"ended_at"`
	Disposition Disposition `json:"disposition"`
}

// Store persists call records. Implementations must tolerate Finish being
// called for an unknown stream (the call may have failed before Begin).
type Store interface {
	// Begin inserts the record when a call is registered.
	Begin(ctx context.Context, rec CallRecord) error

	// Finish stamps the end time and disposition for the stream's open record.
	Finish(ctx context.Context, streamID string, disposition Disposition) error
}

// NoopStore is the Store used when persistence is disabled.
type NoopStore struct{}

var _ Store = NoopStore{}

func (NoopStore) Begin(context.Context, CallRecord) error           { return nil }
func (NoopStore) Finish(context.Context, string, Disposition) error { return nil }
