// Package telephony implements the provider-facing WebSocket server: the
// per-call read loop for the provider's framed JSON events, sample-rate
// negotiation, and the outbound media path back to the caller.
package telephony

import (
	"log/slog"
	"net/http"
	"slices"
	"strconv"

	"github.com/coder/websocket"

	"github.com/sonovox/ringbridge/internal/bridge"
	"github.com/sonovox/ringbridge/internal/calllog"
	"github.com/sonovox/ringbridge/internal/config"
	"github.com/sonovox/ringbridge/internal/observe"
	"github.com/sonovox/ringbridge/internal/realtime"
)

// rateQueryParam is the handshake query parameter carrying the provider's
// preferred sample rate.
const rateQueryParam = "sample-rate"

// Server accepts provider media-stream connections and runs one call per
// connection. It is safe for concurrent use; all per-call state lives on the
// call struct.
type Server struct {
	cfg      *config.Config
	registry *bridge.Registry
	client   *realtime.Client
	metrics  *observe.Metrics
	store    calllog.Store
}

// NewServer creates a Server with its collaborators. Call-detail persistence
// is off until [Server.SetCallLog] installs a real store.
func NewServer(cfg *config.Config, reg *bridge.Registry, client *realtime.Client, met *observe.Metrics) *Server {
	return &Server{
		cfg:      cfg,
		registry: reg,
		client:   client,
		metrics:  met,
		store:    calllog.NoopStore{},
	}
}

// SetCallLog installs the call-detail-record store.
func (s *Server) SetCallLog(store calllog.Store) {
	if store != nil {
		s.store = store
	}
}

// Registry exposes the session registry for health checks.
func (s *Server) Registry() *bridge.Registry { return s.registry }

// HandleWS upgrades the provider connection and runs the call's read loop
// until the provider stops the stream or the transport fails. One goroutine
// per call; the realtime receive loop is the call's second goroutine.
func (s *Server) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		slog.Warn("provider websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	rate := s.negotiateRate(r)
	c := &call{
		srv:  s,
		ws:   ws,
		rate: rate,
	}
	c.run(r.Context())
}

// negotiateRate parses the sample-rate query parameter. An absent,
// unparsable, or unsupported value falls back to the configured default with
// a warning; the connection always proceeds.
func (s *Server) negotiateRate(r *http.Request) int {
	raw := r.URL.Query().Get(rateQueryParam)
	if raw == "" {
		slog.Debug("no sample-rate parameter, using default",
			"default", s.cfg.Audio.DefaultSampleRate)
		return s.cfg.Audio.DefaultSampleRate
	}

	rate, err := strconv.Atoi(raw)
	if err != nil || !slices.Contains(s.cfg.Audio.SupportedSampleRates, rate) {
		slog.Warn("unsupported sample rate requested, using default",
			"requested", raw,
			"supported", s.cfg.Audio.SupportedSampleRates,
			"default", s.cfg.Audio.DefaultSampleRate,
		)
		return s.cfg.Audio.DefaultSampleRate
	}
	return rate
}
