package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/sonovox/ringbridge/internal/observe"
	"github.com/sonovox/ringbridge/internal/tools"
	"github.com/sonovox/ringbridge/internal/turntaking"
	"github.com/sonovox/ringbridge/pkg/audio"
)

// Compile-time assertion that Conn can drive the turn-taking controller.
var _ turntaking.ControlSender = (*Conn)(nil)

// Conn is one call's connection to the realtime endpoint. It owns the
// WebSocket and the receive loop; the telephony side owns its lifetime
// through the session registry.
type Conn struct {
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	streamID string

	// encoding is the session audio format negotiated at connect time.
	encoding audio.Encoding

	// endpointRate is the fixed sample rate of the endpoint's audio in the
	// negotiated format; telephonyRate is the provider leg's rate. Output is
	// resampled between them when they differ.
	endpointRate  int
	telephonyRate int

	sink    Sink
	turns   *turntaking.Controller
	tools   *tools.Registry
	metrics *observe.Metrics
	onClose func()

	mu     sync.Mutex
	closed bool

	closeOnce sync.Once
}

// SendAudio re-encodes one released PCM16 frame into the session's input
// format and appends it to the endpoint's input buffer. A send on a closed
// connection or a write failure drops the frame; the caller does not retry.
func (c *Conn) SendAudio(pcm []byte) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("realtime: connection closed")
	}
	c.mu.Unlock()

	payload := pcm
	if c.encoding == audio.EncodingUlaw {
		encoded, err := audio.PCMToUlaw(pcm)
		if err != nil {
			return fmt.Errorf("realtime: transcode frame: %w", err)
		}
		payload = encoded
	}

	return c.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(payload),
	})
}

// CancelResponse aborts the in-flight model response. Best-effort.
func (c *Conn) CancelResponse() {
	if err := c.writeJSON(map[string]string{"type": "response.cancel"}); err != nil {
		slog.Debug("response.cancel send failed", "stream_id", c.streamID, "err", err)
	}
}

// ClearInputBuffer discards audio buffered at the endpoint. Best-effort.
func (c *Conn) ClearInputBuffer() {
	if err := c.writeJSON(map[string]string{"type": "input_audio_buffer.clear"}); err != nil {
		slog.Debug("input_audio_buffer.clear send failed", "stream_id", c.streamID, "err", err)
	}
}

// CreateResponse asks the endpoint for a model response. Best-effort.
func (c *Conn) CreateResponse() {
	if err := c.writeJSON(responseCreateMessage{Type: "response.create"}); err != nil {
		slog.Debug("response.create send failed", "stream_id", c.streamID, "err", err)
	}
}

// Close terminates the connection and releases resources. Idempotent; the
// receive loop's OnClose callback still fires exactly once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.ws.Close(websocket.StatusNormalClosure, "call ended")
	return nil
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (c *Conn) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: marshal: %w", err)
	}
	return c.ws.Write(c.ctx, websocket.MessageText, data)
}

// receiveLoop reads endpoint events until the transport closes. Malformed
// events and endpoint-reported errors are logged and skipped; only transport
// closure ends the loop, which then triggers session teardown via onClose.
func (c *Conn) receiveLoop() {
	defer func() {
		_ = c.Close()
		if c.onClose != nil {
			c.closeOnce.Do(c.onClose)
		}
	}()

	for {
		_, data, err := c.ws.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				slog.Warn("realtime connection lost", "stream_id", c.streamID, "err", err)
			}
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Debug("malformed realtime event skipped", "stream_id", c.streamID, "err", err)
			continue
		}

		c.metrics.RecordRealtimeEvent(c.ctx, evt.Type)
		c.handleEvent(&evt)
	}
}

func (c *Conn) handleEvent(evt *serverEvent) {
	switch evt.Type {
	case "response.audio.delta":
		c.handleAudioDelta(evt.Delta)

	case "response.created":
		c.turns.ResponseStarted()

	case "response.done":
		c.turns.ResponseFinished()

	case "input_audio_buffer.speech_started":
		c.turns.SpeechStarted()

	case "input_audio_buffer.speech_stopped":
		c.turns.SpeechStopped()

	case "response.function_call_arguments.done":
		c.handleFunctionCall(evt)

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript != "" {
			slog.Debug("caller transcript", "stream_id", c.streamID, "text", evt.Transcript)
		}

	case "error":
		msg := "unknown error"
		code := ""
		if evt.Error != nil {
			msg = evt.Error.Message
			code = evt.Error.Code
		}
		slog.Error("realtime endpoint error", "stream_id", c.streamID, "code", code, "msg", msg)
	}
}

// handleAudioDelta decodes a model audio chunk, converts it to the telephony
// leg's PCM16 rate, and forwards it outbound.
func (c *Conn) handleAudioDelta(delta string) {
	if delta == "" {
		return
	}
	data, err := base64.StdEncoding.DecodeString(delta)
	if err != nil || len(data) == 0 {
		slog.Debug("undecodable audio delta skipped", "stream_id", c.streamID, "err", err)
		return
	}

	pcm := data
	if c.encoding == audio.EncodingUlaw {
		pcm = audio.UlawToPCM(data)
	}
	if c.endpointRate != c.telephonyRate {
		pcm = audio.Resample(pcm, c.endpointRate, c.telephonyRate)
	}
	c.sink.ForwardAudio(pcm)
}

// handleFunctionCall dispatches a completed tool call, returns the result to
// the conversation keyed by the endpoint's call ID, and asks for the next
// response. Handler failures go back as structured error results rather than
// being swallowed.
func (c *Conn) handleFunctionCall(evt *serverEvent) {
	start := time.Now()
	result, err := c.tools.Invoke(c.ctx, evt.Name, evt.Arguments)
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordToolCall(c.ctx, evt.Name, status)
	c.metrics.ToolExecutionDuration.Record(c.ctx, time.Since(start).Seconds())

	if writeErr := c.writeJSON(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type:   "function_call_output",
			CallID: evt.CallID,
			Output: result,
		},
	}); writeErr != nil {
		slog.Warn("tool result send failed", "stream_id", c.streamID, "tool", evt.Name, "err", writeErr)
		return
	}
	c.CreateResponse()
}
