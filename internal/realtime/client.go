// Package realtime implements the bridge's AI endpoint side: the OpenAI
// Realtime WebSocket client, the per-call session configuration, and the
// receive loop that demultiplexes endpoint events into audio, tool calls, and
// turn-taking signals.
package realtime

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/sonovox/ringbridge/internal/config"
	"github.com/sonovox/ringbridge/internal/observe"
	"github.com/sonovox/ringbridge/internal/tools"
	"github.com/sonovox/ringbridge/internal/turntaking"
	"github.com/sonovox/ringbridge/pkg/audio"
)

const defaultBaseURL = "wss://api.openai.com/v1/realtime"

// Endpoint-side sample rates. The realtime endpoint consumes and produces
// 24 kHz for linear PCM and 8 kHz for G.711 u-law; neither is negotiable.
const (
	pcmEndpointRate  = 24000
	ulawEndpointRate = 8000
)

// defaultInstructions is used when the persona config has no instructions.
const defaultInstructions = "You are {assistant_name}, a friendly and professional voice assistant for {company_name}. Keep replies short and conversational; this is a phone call."

// Sink receives model audio already converted to the telephony leg's sample
// rate and PCM16 encoding. Implemented by the telephony server's outbound
// media path.
type Sink interface {
	ForwardAudio(pcm []byte)
}

// Client dials and configures realtime sessions. One Client serves all calls;
// each call gets its own [Conn].
type Client struct {
	cfg     *config.Config
	tools   *tools.Registry
	metrics *observe.Metrics

	instructions string
	greeting     string
}

// NewClient creates a Client from the loaded configuration. Persona templates
// are rendered once here; per-call state lives on [Conn].
func NewClient(cfg *config.Config, reg *tools.Registry, met *observe.Metrics) *Client {
	instructions := cfg.Persona.Instructions
	if instructions == "" {
		instructions = defaultInstructions
	}
	render := strings.NewReplacer(
		"{assistant_name}", cfg.Persona.AssistantName,
		"{company_name}", cfg.Persona.CompanyName,
	)
	return &Client{
		cfg:          cfg,
		tools:        reg,
		metrics:      met,
		instructions: render.Replace(instructions),
		greeting:     render.Replace(cfg.Persona.Greeting),
	}
}

// ConnectParams carries the per-call inputs for [Client.Connect].
type ConnectParams struct {
	// StreamID identifies the call in logs and metrics.
	StreamID string

	// SampleRate is the negotiated telephony sample rate.
	SampleRate int

	// Sink receives the model's audio for the provider leg.
	Sink Sink

	// Turns is the call's turn-taking controller.
	Turns *turntaking.Controller

	// OnClose runs exactly once when the receive loop exits, however it
	// exits. The telephony side uses it to tear the whole session down.
	OnClose func()
}

// Connect dials the realtime endpoint, configures the session, requests the
// greeting response, and starts the receive loop. The returned Conn is ready
// to accept audio. A dial failure is classified (tls, auth, transport) in the
// log and returned; the call itself survives and may retry lazily.
func (c *Client) Connect(ctx context.Context, p ConnectParams) (*Conn, error) {
	baseURL := c.cfg.OpenAI.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	wsURL := fmt.Sprintf("%s?model=%s", baseURL, c.cfg.OpenAI.Model)

	start := time.Now()
	ws, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + c.cfg.OpenAI.APIKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		cause := classifyDialCause(err, resp)
		slog.Error("realtime dial failed",
			"stream_id", p.StreamID, "cause", cause, "err", err)
		return nil, fmt.Errorf("realtime: dial (%s): %w", cause, err)
	}

	encoding := c.encodingFor(p.SampleRate)
	connCtx, cancel := context.WithCancel(context.Background())
	conn := &Conn{
		ws:            ws,
		ctx:           connCtx,
		cancel:        cancel,
		streamID:      p.StreamID,
		encoding:      encoding,
		endpointRate:  endpointRate(encoding),
		telephonyRate: p.SampleRate,
		sink:          p.Sink,
		turns:         p.Turns,
		tools:         c.tools,
		metrics:       c.metrics,
		onClose:       p.OnClose,
	}

	if err := conn.writeJSON(c.sessionUpdate(encoding)); err != nil {
		cancel()
		ws.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("realtime: session update: %w", err)
	}
	if c.greeting != "" {
		if err := conn.writeJSON(responseCreateMessage{
			Type:     "response.create",
			Response: &responseParams{Instructions: c.greeting},
		}); err != nil {
			cancel()
			ws.Close(websocket.StatusInternalError, "greeting failed")
			return nil, fmt.Errorf("realtime: greeting: %w", err)
		}
	}

	c.metrics.ConnectDuration.Record(ctx, time.Since(start).Seconds())
	slog.Info("realtime session configured",
		"stream_id", p.StreamID,
		"format", string(encoding),
		"telephony_rate", p.SampleRate,
		"endpoint_rate", conn.endpointRate,
	)

	go conn.receiveLoop()
	return conn, nil
}

// encodingFor picks the session audio format: linear PCM when the telephony
// rate is high enough to be worth it, u-law otherwise.
func (c *Client) encodingFor(sampleRate int) audio.Encoding {
	if sampleRate >= c.cfg.Audio.PCMQualityRate {
		return audio.EncodingPCM16
	}
	return audio.EncodingUlaw
}

func endpointRate(enc audio.Encoding) int {
	if enc == audio.EncodingUlaw {
		return ulawEndpointRate
	}
	return pcmEndpointRate
}

// sessionUpdate builds the session.update message that configures the whole
// call: persona, voice, formats, transcription, server VAD, and tools.
func (c *Client) sessionUpdate(enc audio.Encoding) sessionUpdateMessage {
	params := sessionParams{
		Modalities:        []string{"text", "audio"},
		Instructions:      c.instructions,
		Voice:             c.cfg.OpenAI.Voice,
		InputAudioFormat:  string(enc),
		OutputAudioFormat: string(enc),
		TurnDetection: &turnDetectionParams{
			Type:              "server_vad",
			Threshold:         c.cfg.TurnDetection.Threshold,
			PrefixPaddingMs:   c.cfg.TurnDetection.PrefixPaddingMs,
			SilenceDurationMs: c.cfg.TurnDetection.SilenceDurationMs,
		},
		Temperature:             c.cfg.OpenAI.Temperature,
		MaxResponseOutputTokens: c.cfg.OpenAI.MaxResponseTokens,
	}
	if c.cfg.OpenAI.TranscriptionModel != "" {
		params.InputAudioTranscription = &transcriptionParams{Model: c.cfg.OpenAI.TranscriptionModel}
	}
	for _, def := range c.tools.Definitions() {
		params.Tools = append(params.Tools, toolParam{
			Type:        "function",
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		})
	}
	return sessionUpdateMessage{Type: "session.update", Session: params}
}

// classifyDialCause buckets a dial failure for the log. Auth failures come
// back as HTTP status codes on the handshake response; TLS failures surface
// as certificate or record errors.
func classifyDialCause(err error, resp *http.Response) string {
	if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
		return "auth"
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return "tls"
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return "tls"
	}
	return "transport"
}
