package calllog

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

// Reader is the read side of the call-record store, served over HTTP for
// operators. [PostgresStore] implements it; [NoopStore] does not, so the
// endpoints are only registered when persistence is enabled.
type Reader interface {
	Get(ctx context.Context, streamID string) (*CallRecord, error)
	List(ctx context.Context, limit int) ([]CallRecord, error)
}

var _ Reader = (*PostgresStore)(nil)

// HTTPHandler serves read-only call-record endpoints:
//
//   - GET /calls            recent records, newest first (?limit=N)
//   - GET /calls/{stream}   one record by stream id
type HTTPHandler struct {
	reader Reader
}

// NewHTTPHandler creates an [HTTPHandler] over the given reader.
func NewHTTPHandler(r Reader) *HTTPHandler {
	return &HTTPHandler{reader: r}
}

// Register adds the call-record routes to mux.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /calls", h.list)
	mux.HandleFunc("GET /calls/{stream}", h.get)
}

func (h *HTTPHandler) list(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			httpError(w, http.StatusBadRequest, "limit must be an integer")
			return
		}
		limit = n
	}

	recs, err := h.reader.List(r.Context(), limit)
	if err != nil {
		slog.Error("call record list failed", "err", err)
		httpError(w, http.StatusInternalServerError, "call record lookup failed")
		return
	}
	if recs == nil {
		recs = []CallRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *HTTPHandler) get(w http.ResponseWriter, r *http.Request) {
	streamID := r.PathValue("stream")
	rec, err := h.reader.Get(r.Context(), streamID)
	if err != nil {
		slog.Error("call record get failed", "stream_id", streamID, "err", err)
		httpError(w, http.StatusInternalServerError, "call record lookup failed")
		return
	}
	if rec == nil {
		httpError(w, http.StatusNotFound, "no record for stream "+streamID)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error":"encoding failed"}`, http.StatusInternalServerError)
	}
}
