package telephony

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/sonovox/ringbridge/internal/bridge"
	"github.com/sonovox/ringbridge/internal/calllog"
	"github.com/sonovox/ringbridge/internal/realtime"
	"github.com/sonovox/ringbridge/internal/turntaking"
	"github.com/sonovox/ringbridge/pkg/audio"
)

// toneDuration is the length of the connection test tone played to the
// caller as soon as the provider reports the stream connected.
const toneDuration = 250 * time.Millisecond

// Lazy-connect wait: when media arrives before the AI connection is up, the
// read loop waits in short slices for the in-flight dial before dropping the
// frame. Frames are never queued.
const (
	connectWaitSlice    = 50 * time.Millisecond
	connectWaitAttempts = 4
)

// connectTimeout bounds one AI dial attempt.
const connectTimeout = 15 * time.Second

// call is the provider-side state for one connection. The read loop is the
// only writer of sess; the realtime receive loop reaches the call through the
// Sink and ControlSender interfaces.
type call struct {
	srv  *Server
	ws   *websocket.Conn
	rate int

	sess *bridge.Session
	ai   atomic.Pointer[realtime.Conn]

	// writeMu serialises outbound provider writes between the read loop
	// (test tone) and the realtime receive loop (model audio).
	writeMu sync.Mutex

	teardownOnce sync.Once
}

// Compile-time assertions for the interfaces the realtime side consumes.
var _ realtime.Sink = (*call)(nil)
var _ turntaking.ControlSender = (*call)(nil)

// run drives the provider read loop until stop, transport failure, or
// context cancellation, then tears the session down.
func (c *call) run(ctx context.Context) {
	disposition := calllog.DispositionProviderClosed
	defer func() { c.teardown(disposition) }()

	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				slog.Info("provider connection closed", "err", err)
			}
			return
		}

		var evt providerEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Warn("malformed provider event skipped", "err", err)
			continue
		}

		switch evt.Event {
		case "connected":
			c.handleConnected(ctx, &evt)
		case "start":
			c.handleStart(ctx, &evt)
		case "media":
			c.handleMedia(ctx, &evt)
		case "mark":
			c.handleMark(&evt)
		case "clear":
			c.handleClear()
		case "stop":
			slog.Info("provider stopped stream", "stream_id", c.streamID())
			disposition = calllog.DispositionCompleted
			return
		default:
			slog.Debug("unknown provider event ignored", "event", evt.Event)
		}
	}
}

// handleConnected registers the session, plays the test tone, and starts the
// AI connection. A failed AI dial leaves the call up; media handling retries
// lazily.
func (c *call) handleConnected(ctx context.Context, evt *providerEvent) {
	if err := c.ensureSession(evt.sid()); err != nil {
		slog.Error("session registration failed", "stream_id", evt.sid(), "err", err)
		return
	}

	tone := audio.TestTone(c.rate, toneDuration)
	if err := c.sendMedia(tone); err != nil {
		slog.Warn("test tone send failed", "stream_id", c.streamID(), "err", err)
	}

	c.connectAI()
}

// handleStart adopts the provider's real stream ID, records the PSTN-leg
// format for diagnostics, and logs the finalized chunk sizing.
func (c *call) handleStart(ctx context.Context, evt *providerEvent) {
	sid := evt.sid()
	if sid == "" && evt.Start != nil {
		sid = evt.Start.sid()
	}

	if c.sess == nil {
		// Provider skipped connected; register here so media still flows.
		if err := c.ensureSession(sid); err != nil {
			slog.Error("session registration failed", "stream_id", sid, "err", err)
			return
		}
		c.connectAI()
	} else if sid != "" && sid != c.sess.StreamID {
		if err := c.srv.registry.Rename(c.sess.StreamID, sid); err != nil {
			slog.Warn("stream id adoption failed", "old", c.sess.StreamID, "new", sid, "err", err)
		}
	}

	if evt.Start != nil {
		if format := evt.Start.format(); format != nil && format.SampleRate > 0 {
			c.sess.SetPSTNRate(format.SampleRate)
		}
	}

	slog.Info("stream started",
		"stream_id", c.streamID(),
		"sample_rate", c.rate,
		"pstn_rate", c.sess.PSTNRate(),
		"chunk_ms", c.sess.ChunkMs,
		"chunk_bytes", c.sess.Chunker.ReleaseBytes(),
	)

	c.beginRecord(ctx)
}

// beginRecord persists the call-detail record. Runs on the start event so the
// record carries the provider's real stream id rather than a placeholder.
func (c *call) beginRecord(ctx context.Context) {
	err := c.srv.store.Begin(ctx, calllog.CallRecord{
		StreamID:   c.sess.StreamID,
		SampleRate: c.sess.SampleRate,
		PSTNRate:   c.sess.PSTNRate(),
		ChunkMs:    c.sess.ChunkMs,
		StartedAt:  c.sess.CreatedAt,
	})
	if err != nil {
		slog.Warn("call record insert failed", "stream_id", c.sess.StreamID, "err", err)
	}
}

// handleMedia decodes one inbound frame and pushes it through the enhance,
// chunk, and forward pipeline. If the AI connection is down it triggers at
// most one lazy dial and waits briefly; a frame that cannot be forwarded is
// dropped, never queued.
func (c *call) handleMedia(ctx context.Context, evt *providerEvent) {
	if c.sess == nil || evt.Media == nil {
		slog.Warn("media before session registration dropped")
		return
	}

	pcm, err := base64.StdEncoding.DecodeString(evt.Media.Payload)
	if err != nil {
		slog.Warn("undecodable media payload dropped", "stream_id", c.streamID(), "err", err)
		c.srv.metrics.RecordDroppedFrame(ctx, "bad_payload")
		return
	}
	// A torn sample would shift the alignment of every frame after it, so the
	// whole payload is dropped rather than buffered.
	if len(pcm)%2 != 0 {
		slog.Warn("media payload is not a whole number of samples, dropped",
			"stream_id", c.streamID(), "bytes", len(pcm))
		c.srv.metrics.RecordDroppedFrame(ctx, "bad_payload")
		return
	}

	c.srv.metrics.MediaChunks.Add(ctx, 1,
		metric.WithAttributes(attribute.String("stream_id", c.streamID())))

	ai := c.awaitAI()
	if ai == nil {
		slog.Warn("ai connection unavailable, frame dropped", "stream_id", c.streamID())
		c.srv.metrics.RecordDroppedFrame(ctx, "ai_unavailable")
		return
	}

	if c.sess.Enhancer != nil {
		pcm = c.sess.Enhancer.Process(pcm)
	}
	for _, frame := range c.sess.Chunker.Write(pcm) {
		if err := ai.SendAudio(frame); err != nil {
			slog.Warn("frame forward failed", "stream_id", c.streamID(), "err", err)
			c.srv.metrics.RecordDroppedFrame(ctx, "send_failed")
		}
	}
}

// handleMark logs the marker. In enhanced-events mode a speech-boundary mark
// flushes the chunker so audio below the release floor is not stranded.
func (c *call) handleMark(evt *providerEvent) {
	name := ""
	if evt.Mark != nil {
		name = evt.Mark.Name
	}
	slog.Debug("provider mark", "stream_id", c.streamID(), "name", name)

	if c.sess == nil || !c.srv.cfg.Audio.EnhancedEvents || !isSpeechBoundary(name) {
		return
	}
	remainder := c.sess.Chunker.Flush()
	if remainder == nil {
		return
	}
	if ai := c.ai.Load(); ai != nil {
		if err := ai.SendAudio(remainder); err != nil {
			slog.Warn("flush forward failed", "stream_id", c.streamID(), "err", err)
		}
	}
}

// handleClear aborts the in-flight response, clears the endpoint's buffered
// input, and resets the local buffer, in that order.
func (c *call) handleClear() {
	if c.sess == nil {
		return
	}
	c.sess.Turns.Reset()
	c.sess.Chunker.Reset()
	slog.Debug("buffers cleared", "stream_id", c.streamID())
}

// ensureSession registers the call in the registry, creating the audio
// pipeline for the negotiated rate. A missing provider stream ID gets a
// local placeholder adopted later by handleStart.
func (c *call) ensureSession(streamID string) error {
	if c.sess != nil {
		return nil
	}
	if streamID == "" {
		streamID = uuid.NewString()
	}

	audioCfg := c.srv.cfg.Audio
	chunkerCfg := audio.ChunkerConfig{
		SampleRate: c.rate,
		Policy:     audio.PolicyFixed,
		FixedMs:    audioCfg.BufferChunkMs,
		MinMs:      audioCfg.MinChunkMs,
		BufferMs:   audioCfg.BufferChunkMs,
		MaxMs:      audioCfg.MaxChunkMs,
	}
	chunkMs := audioCfg.BufferChunkMs
	if audioCfg.DynamicChunkSizing {
		chunkerCfg.Policy = audio.PolicyAdaptive
		chunkMs = audio.AdaptiveChunkMs(c.rate, audioCfg.MinChunkMs, audioCfg.BufferChunkMs, audioCfg.MaxChunkMs)
	}

	var enhancer *audio.Enhancer
	if enh := audioCfg.Enhancement; enh != nil {
		enhancer = &audio.Enhancer{
			GateThreshold:    int16(enh.GateThreshold),
			HighPassWindow:   enh.HighPassWindow,
			CompressionRatio: enh.CompressionRatio,
		}
	}

	debounce := time.Duration(c.srv.cfg.TurnDetection.ResponseDebounceMs) * time.Millisecond
	sess, err := c.srv.registry.Create(bridge.SessionParams{
		StreamID:   streamID,
		SampleRate: c.rate,
		ChunkMs:    chunkMs,
		Provider:   &providerCloser{c},
		Chunker:    audio.NewChunker(chunkerCfg),
		Enhancer:   enhancer,
		Turns:      turntaking.NewController(c, debounce),
	})
	if err != nil {
		return err
	}
	c.sess = sess
	c.srv.metrics.ActiveCalls.Add(context.Background(), 1)

	slog.Info("call connected",
		"stream_id", streamID,
		"sample_rate", c.rate,
		"chunk_ms", chunkMs,
	)
	return nil
}

// connectAI starts one AI dial if none is in flight. The dial runs in its
// own goroutine so the read loop keeps consuming provider frames.
func (c *call) connectAI() {
	if c.sess == nil || c.ai.Load() != nil || !c.sess.TryBeginConnect() {
		return
	}

	sess := c.sess
	go func() {
		defer sess.EndConnect()

		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()

		conn, err := c.srv.client.Connect(ctx, realtime.ConnectParams{
			StreamID:   sess.StreamID,
			SampleRate: sess.SampleRate,
			Sink:       c,
			Turns:      sess.Turns,
			OnClose:    func() { c.teardown(calllog.DispositionAIFailed) },
		})
		if err != nil {
			// Already classified and logged by the client; the call
			// survives and the next media event retries.
			return
		}
		c.ai.Store(conn)
		sess.AttachAI(conn)
	}()
}

// awaitAI returns the live AI connection, triggering a lazy dial and waiting
// in short slices when none is up yet. Returns nil when the wait budget runs
// out.
func (c *call) awaitAI() *realtime.Conn {
	if ai := c.ai.Load(); ai != nil {
		return ai
	}
	c.connectAI()
	for range connectWaitAttempts {
		time.Sleep(connectWaitSlice)
		if ai := c.ai.Load(); ai != nil {
			return ai
		}
	}
	return nil
}

// sendMedia frames PCM as a provider media event and writes it out with the
// per-call sequence counter and a stream-relative millisecond timestamp.
func (c *call) sendMedia(pcm []byte) error {
	sess := c.sess
	if sess == nil {
		return nil
	}

	frame := outboundMedia{
		Event:     "media",
		StreamSid: sess.StreamID,
		Media: outboundAudio{
			Payload:        base64.StdEncoding.EncodeToString(pcm),
			Timestamp:      strconv.FormatInt(time.Since(sess.CreatedAt).Milliseconds(), 10),
			SequenceNumber: strconv.FormatUint(sess.NextSequence(), 10),
		},
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// ForwardAudio implements realtime.Sink: model audio goes straight back to
// the provider. Send failures are logged and the chunk dropped; the provider
// transport failing will end the call through the read loop anyway.
func (c *call) ForwardAudio(pcm []byte) {
	if err := c.sendMedia(pcm); err != nil {
		slog.Warn("outbound media send failed", "stream_id", c.streamID(), "err", err)
	}
}

// CancelResponse implements turntaking.ControlSender by delegating to the
// live AI connection, if any.
func (c *call) CancelResponse() {
	if ai := c.ai.Load(); ai != nil {
		ai.CancelResponse()
	}
}

// ClearInputBuffer implements turntaking.ControlSender.
func (c *call) ClearInputBuffer() {
	if ai := c.ai.Load(); ai != nil {
		ai.ClearInputBuffer()
	}
}

// CreateResponse implements turntaking.ControlSender.
func (c *call) CreateResponse() {
	if ai := c.ai.Load(); ai != nil {
		ai.CreateResponse()
	}
}

// teardown destroys the session exactly once and closes out the call record.
// Reachable from the provider read loop and, via the realtime OnClose
// callback, from the AI side.
func (c *call) teardown(disposition calllog.Disposition) {
	c.teardownOnce.Do(func() {
		if c.sess == nil {
			c.ws.Close(websocket.StatusNormalClosure, "call ended")
			return
		}

		streamID := c.sess.StreamID
		c.srv.registry.Destroy(streamID)
		c.srv.metrics.ActiveCalls.Add(context.Background(), -1)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.srv.store.Finish(ctx, streamID, disposition); err != nil {
			slog.Warn("call record update failed", "stream_id", streamID, "err", err)
		}
	})
}

func (c *call) streamID() string {
	if c.sess == nil {
		return ""
	}
	return c.sess.StreamID
}

// isSpeechBoundary reports whether a mark name denotes the end of a caller
// utterance.
func isSpeechBoundary(name string) bool {
	return name == "flush" || strings.Contains(strings.ToLower(name), "speech")
}

// providerCloser adapts the call's WebSocket to the registry's teardown
// interface.
type providerCloser struct {
	c *call
}

func (p *providerCloser) Close() error {
	return p.c.ws.Close(websocket.StatusNormalClosure, "call ended")
}
