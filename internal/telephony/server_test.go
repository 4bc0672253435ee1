package telephony_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/sonovox/ringbridge/internal/bridge"
	"github.com/sonovox/ringbridge/internal/config"
	"github.com/sonovox/ringbridge/internal/observe"
	"github.com/sonovox/ringbridge/internal/realtime"
	"github.com/sonovox/ringbridge/internal/telephony"
	"github.com/sonovox/ringbridge/internal/tools"
)

// ── Mock AI endpoint ──────────────────────────────────────────────────────────

// mockEndpoint is a fake realtime endpoint that records every message the
// bridge sends and lets tests inject server events.
type mockEndpoint struct {
	srv      *httptest.Server
	received chan map[string]any
	send     chan map[string]any
	dials    atomic.Int32
}

func startMockEndpoint(t *testing.T) *mockEndpoint {
	t.Helper()
	ep := &mockEndpoint{
		received: make(chan map[string]any, 64),
		send:     make(chan map[string]any, 16),
	}
	ep.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		ep.dials.Add(1)
		defer conn.Close(websocket.StatusNormalClosure, "done")

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go func() {
			for {
				select {
				case evt := <-ep.send:
					data, _ := json.Marshal(evt)
					if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
						return
					}
				case <-ctx.Done():
					return
				}
			}
		}()

		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var msg map[string]any
			if err := json.Unmarshal(data, &msg); err != nil {
				continue
			}
			select {
			case ep.received <- msg:
			default:
			}
		}
	}))
	t.Cleanup(ep.srv.Close)
	return ep
}

func (ep *mockEndpoint) url() string {
	return "ws" + strings.TrimPrefix(ep.srv.URL, "http")
}

// expect reads endpoint messages until one with the wanted type arrives.
func (ep *mockEndpoint) expect(t *testing.T, msgType string) map[string]any {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg := <-ep.received:
			if msg["type"] == msgType {
				return msg
			}
		case <-deadline:
			t.Fatalf("timeout waiting for endpoint message %q", msgType)
		}
	}
}

// ── Bridge under test ─────────────────────────────────────────────────────────

type fixture struct {
	cfg      *config.Config
	registry *bridge.Registry
	server   *telephony.Server
	provider *httptest.Server
}

func newFixture(t *testing.T, endpointURL string, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.OpenAI.APIKey = "test-key"
	cfg.OpenAI.BaseURL = endpointURL
	if mutate != nil {
		mutate(cfg)
	}

	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	reg := bridge.NewRegistry()
	client := realtime.NewClient(cfg, tools.NewRegistry(), met)
	srv := telephony.NewServer(cfg, reg, client, met)

	provider := httptest.NewServer(http.HandlerFunc(srv.HandleWS))
	t.Cleanup(provider.Close)

	return &fixture{cfg: cfg, registry: reg, server: srv, provider: provider}
}

// dialProvider connects to the bridge as the telephony provider would.
func (f *fixture) dialProvider(t *testing.T, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.provider.URL, "http") + query
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("provider dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func sendEvent(t *testing.T, conn *websocket.Conn, evt map[string]any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(evt)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("send provider event: %v", err)
	}
}

// readMedia reads outbound provider frames until a media event arrives.
func readMedia(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read provider frame: %v", err)
		}
		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg["event"] == "media" {
			return msg
		}
	}
}

func mediaPayload(t *testing.T, msg map[string]any) ([]byte, map[string]any) {
	t.Helper()
	media, ok := msg["media"].(map[string]any)
	if !ok {
		t.Fatalf("media frame without media object: %v", msg)
	}
	payload, err := base64.StdEncoding.DecodeString(media["payload"].(string))
	if err != nil {
		t.Fatalf("payload decode: %v", err)
	}
	return payload, media
}

// pcmOfBytes builds a silent PCM16 buffer of n bytes, base64-encoded.
func pcmOfBytes(n int) string {
	return base64.StdEncoding.EncodeToString(make([]byte, n))
}

// ── Scenarios ─────────────────────────────────────────────────────────────────

func TestConnected_PlaysTestTone(t *testing.T) {
	t.Parallel()
	ep := startMockEndpoint(t)
	f := newFixture(t, ep.url(), nil)

	conn := f.dialProvider(t, "?sample-rate=8000")
	sendEvent(t, conn, map[string]any{"event": "connected", "streamSid": "MZ100"})

	msg := readMedia(t, conn)
	if msg["streamSid"] != "MZ100" {
		t.Errorf("streamSid = %v; want MZ100", msg["streamSid"])
	}
	payload, media := mediaPayload(t, msg)
	// 250 ms of PCM16 at 8 kHz.
	if want := 8000 / 4 * 2; len(payload) != want {
		t.Errorf("tone length = %d bytes; want %d", len(payload), want)
	}
	if media["sequenceNumber"] != "1" {
		t.Errorf("sequenceNumber = %v; want \"1\"", media["sequenceNumber"])
	}
	if _, ok := media["timestamp"].(string); !ok {
		t.Errorf("timestamp = %v; want a string", media["timestamp"])
	}
}

func TestUnsupportedRateFallsBackToDefault(t *testing.T) {
	t.Parallel()
	ep := startMockEndpoint(t)
	f := newFixture(t, ep.url(), nil)

	conn := f.dialProvider(t, "?sample-rate=11025")
	sendEvent(t, conn, map[string]any{"event": "connected", "streamSid": "MZ101"})

	payload, _ := mediaPayload(t, readMedia(t, conn))
	// Tone synthesised at the 24 kHz default, not the requested rate.
	if want := 24000 / 4 * 2; len(payload) != want {
		t.Errorf("tone length = %d bytes; want %d at the default rate", len(payload), want)
	}
}

func TestMediaAggregatedIntoSingleAppend(t *testing.T) {
	t.Parallel()
	ep := startMockEndpoint(t)
	f := newFixture(t, ep.url(), nil)

	conn := f.dialProvider(t, "?sample-rate=24000")
	sendEvent(t, conn, map[string]any{"event": "connected", "streamSid": "MZ102"})
	ep.expect(t, "session.update")

	// Three 1600-byte frames exactly fill one 50 ms release at 24 kHz
	// (24000 * 0.05 * 2 = 2400 samples = 4800 bytes).
	for range 3 {
		sendEvent(t, conn, map[string]any{
			"event":     "media",
			"streamSid": "MZ102",
			"media":     map[string]any{"payload": pcmOfBytes(1600)},
		})
	}

	msg := ep.expect(t, "input_audio_buffer.append")
	payload, err := base64.StdEncoding.DecodeString(msg["audio"].(string))
	if err != nil {
		t.Fatalf("audio decode: %v", err)
	}
	if len(payload) != 4800 {
		t.Errorf("append payload = %d bytes; want 4800 (one aggregated frame)", len(payload))
	}

	// No second append: the buffer is empty again.
	select {
	case extra := <-ep.received:
		if extra["type"] == "input_audio_buffer.append" {
			t.Errorf("unexpected second append: %v", extra)
		}
	case <-time.After(200 * time.Millisecond):
	}
}

func TestOddLengthMediaDropped(t *testing.T) {
	t.Parallel()
	ep := startMockEndpoint(t)
	f := newFixture(t, ep.url(), nil)

	conn := f.dialProvider(t, "?sample-rate=24000")
	sendEvent(t, conn, map[string]any{"event": "connected", "streamSid": "MZ111"})
	ep.expect(t, "session.update")

	// A torn sample must not enter the buffer; buffering it would shift the
	// alignment of every later frame.
	sendEvent(t, conn, map[string]any{
		"event":     "media",
		"streamSid": "MZ111",
		"media":     map[string]any{"payload": pcmOfBytes(961)},
	})
	for range 3 {
		sendEvent(t, conn, map[string]any{
			"event":     "media",
			"streamSid": "MZ111",
			"media":     map[string]any{"payload": pcmOfBytes(1600)},
		})
	}

	msg := ep.expect(t, "input_audio_buffer.append")
	payload, err := base64.StdEncoding.DecodeString(msg["audio"].(string))
	if err != nil {
		t.Fatalf("audio decode: %v", err)
	}
	if len(payload) != 4800 {
		t.Errorf("append payload = %d bytes; want 4800 without the dropped payload", len(payload))
	}

	// The stray byte would survive here as a buffered remainder.
	waitFor(t, func() bool {
		sess, ok := f.registry.Get("MZ111")
		return ok && sess.Chunker.Buffered() == 0
	}, "buffer empty after the aggregated release")
}

func TestSingleDialForMediaBurst(t *testing.T) {
	t.Parallel()
	ep := startMockEndpoint(t)
	f := newFixture(t, ep.url(), nil)

	conn := f.dialProvider(t, "?sample-rate=24000")
	sendEvent(t, conn, map[string]any{"event": "connected", "streamSid": "MZ103"})
	for range 5 {
		sendEvent(t, conn, map[string]any{
			"event":     "media",
			"streamSid": "MZ103",
			"media":     map[string]any{"payload": pcmOfBytes(960)},
		})
	}
	ep.expect(t, "session.update")

	// Give any spurious extra dial time to land.
	time.Sleep(300 * time.Millisecond)
	if got := ep.dials.Load(); got != 1 {
		t.Errorf("endpoint dials = %d; want exactly 1", got)
	}
}

func TestModelAudioForwardedToProvider(t *testing.T) {
	t.Parallel()
	ep := startMockEndpoint(t)
	f := newFixture(t, ep.url(), nil)

	conn := f.dialProvider(t, "?sample-rate=24000")
	sendEvent(t, conn, map[string]any{"event": "connected", "streamSid": "MZ104"})
	ep.expect(t, "session.update")

	// Drain the test tone first.
	_, media := mediaPayload(t, readMedia(t, conn))
	if media["sequenceNumber"] != "1" {
		t.Fatalf("first frame sequence = %v; want the tone at \"1\"", media["sequenceNumber"])
	}

	wantPCM := []byte{0x11, 0x22, 0x33, 0x44}
	ep.send <- map[string]any{
		"type":  "response.audio.delta",
		"delta": base64.StdEncoding.EncodeToString(wantPCM),
	}

	payload, media := mediaPayload(t, readMedia(t, conn))
	if string(payload) != string(wantPCM) {
		t.Errorf("forwarded payload = %v; want %v", payload, wantPCM)
	}
	if media["sequenceNumber"] != "2" {
		t.Errorf("sequenceNumber = %v; want \"2\"", media["sequenceNumber"])
	}
}

func TestClearPropagatesToEndpoint(t *testing.T) {
	t.Parallel()
	ep := startMockEndpoint(t)
	f := newFixture(t, ep.url(), nil)

	conn := f.dialProvider(t, "?sample-rate=24000")
	sendEvent(t, conn, map[string]any{"event": "connected", "streamSid": "MZ105"})
	ep.expect(t, "session.update")

	// Leave audio below the release threshold in the local buffer.
	sendEvent(t, conn, map[string]any{
		"event":     "media",
		"streamSid": "MZ105",
		"media":     map[string]any{"payload": pcmOfBytes(960)},
	})
	sendEvent(t, conn, map[string]any{"event": "clear", "streamSid": "MZ105"})

	ep.expect(t, "response.cancel")
	ep.expect(t, "input_audio_buffer.clear")

	waitFor(t, func() bool {
		sess, ok := f.registry.Get("MZ105")
		return ok && sess.Chunker.Buffered() == 0
	}, "local buffer reset after clear")
}

func TestSpeechBoundaryMarkFlushesBuffer(t *testing.T) {
	t.Parallel()
	ep := startMockEndpoint(t)
	f := newFixture(t, ep.url(), func(cfg *config.Config) {
		cfg.Audio.EnhancedEvents = true
	})

	conn := f.dialProvider(t, "?sample-rate=24000")
	sendEvent(t, conn, map[string]any{"event": "connected", "streamSid": "MZ106"})
	ep.expect(t, "session.update")

	// 960 bytes is well under the 4800-byte release size.
	sendEvent(t, conn, map[string]any{
		"event":     "media",
		"streamSid": "MZ106",
		"media":     map[string]any{"payload": pcmOfBytes(960)},
	})
	waitFor(t, func() bool {
		sess, ok := f.registry.Get("MZ106")
		return ok && sess.Chunker.Buffered() == 960
	}, "media buffered below threshold")

	sendEvent(t, conn, map[string]any{
		"event":     "mark",
		"streamSid": "MZ106",
		"mark":      map[string]any{"name": "end_of_speech"},
	})

	msg := ep.expect(t, "input_audio_buffer.append")
	payload, err := base64.StdEncoding.DecodeString(msg["audio"].(string))
	if err != nil {
		t.Fatalf("audio decode: %v", err)
	}
	if len(payload) != 960 {
		t.Errorf("flushed payload = %d bytes; want the 960 buffered", len(payload))
	}
}

func TestStartAdoptsProviderStreamID(t *testing.T) {
	t.Parallel()
	ep := startMockEndpoint(t)
	f := newFixture(t, ep.url(), nil)

	conn := f.dialProvider(t, "?sample-rate=8000")
	// Connected without a stream ID registers under a placeholder.
	sendEvent(t, conn, map[string]any{"event": "connected"})
	readMedia(t, conn) // tone

	sendEvent(t, conn, map[string]any{
		"event": "start",
		"start": map[string]any{
			"stream_sid":   "MZ107",
			"media_format": map[string]any{"encoding": "audio/x-mulaw", "sample_rate": 8000},
		},
	})

	waitFor(t, func() bool {
		sess, ok := f.registry.Get("MZ107")
		return ok && sess.PSTNRate() == 8000
	}, "session adopted under provider stream ID with PSTN rate recorded")
}

func TestStopDestroysSession(t *testing.T) {
	t.Parallel()
	ep := startMockEndpoint(t)
	f := newFixture(t, ep.url(), nil)

	conn := f.dialProvider(t, "?sample-rate=8000")
	sendEvent(t, conn, map[string]any{"event": "connected", "streamSid": "MZ108"})
	waitFor(t, func() bool { return f.registry.Len() == 1 }, "session registered")

	sendEvent(t, conn, map[string]any{"event": "stop", "streamSid": "MZ108"})
	waitFor(t, func() bool { return f.registry.Len() == 0 }, "session destroyed on stop")
}

func TestProviderDisconnectDestroysSession(t *testing.T) {
	t.Parallel()
	ep := startMockEndpoint(t)
	f := newFixture(t, ep.url(), nil)

	conn := f.dialProvider(t, "?sample-rate=8000")
	sendEvent(t, conn, map[string]any{"event": "connected", "streamSid": "MZ109"})
	waitFor(t, func() bool { return f.registry.Len() == 1 }, "session registered")

	conn.Close(websocket.StatusGoingAway, "provider hangup")
	waitFor(t, func() bool { return f.registry.Len() == 0 }, "session destroyed on disconnect")
}

func TestUnknownEventIgnored(t *testing.T) {
	t.Parallel()
	ep := startMockEndpoint(t)
	f := newFixture(t, ep.url(), nil)

	conn := f.dialProvider(t, "?sample-rate=8000")
	sendEvent(t, conn, map[string]any{"event": "connected", "streamSid": "MZ110"})
	waitFor(t, func() bool { return f.registry.Len() == 1 }, "session registered")

	sendEvent(t, conn, map[string]any{"event": "dtmf", "streamSid": "MZ110"})
	sendEvent(t, conn, map[string]any{"event": "stop", "streamSid": "MZ110"})
	waitFor(t, func() bool { return f.registry.Len() == 0 }, "loop survived unknown event")
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}
