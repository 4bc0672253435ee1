package calllog

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// stubReader serves canned records for handler tests.
type stubReader struct {
	getFunc  func(ctx context.Context, streamID string) (*CallRecord, error)
	listFunc func(ctx context.Context, limit int) ([]CallRecord, error)
}

func (s *stubReader) Get(ctx context.Context, streamID string) (*CallRecord, error) {
	return s.getFunc(ctx, streamID)
}

func (s *stubReader) List(ctx context.Context, limit int) ([]CallRecord, error) {
	return s.listFunc(ctx, limit)
}

func newCallsMux(r Reader) *http.ServeMux {
	mux := http.NewServeMux()
	NewHTTPHandler(r).Register(mux)
	return mux
}

func TestHTTPHandler_List(t *testing.T) {
	t.Parallel()

	started := time.Date(2026, 3, 10, 9, 30, 0, 0, time.UTC)

	t.Run("results with limit", func(t *testing.T) {
		t.Parallel()

		var gotLimit int
		mux := newCallsMux(&stubReader{
			listFunc: func(_ context.Context, limit int) ([]CallRecord, error) {
				gotLimit = limit
				return []CallRecord{
					{StreamID: "MZ001", SampleRate: 16000, StartedAt: started, Disposition: DispositionCompleted},
					{StreamID: "MZ002", SampleRate: 8000, StartedAt: started, Disposition: DispositionProviderClosed},
				}, nil
			},
		})

		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", "/calls?limit=2", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		if gotLimit != 2 {
			t.Errorf("limit passed to reader = %d, want 2", gotLimit)
		}

		var body []CallRecord
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatalf("decode JSON: %v", err)
		}
		if len(body) != 2 || body[0].StreamID != "MZ001" {
			t.Errorf("body = %+v, want two records starting with MZ001", body)
		}
	})

	t.Run("empty result is a JSON array", func(t *testing.T) {
		t.Parallel()

		mux := newCallsMux(&stubReader{
			listFunc: func(_ context.Context, _ int) ([]CallRecord, error) { return nil, nil },
		})

		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", "/calls", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}
		if got := rec.Body.String(); got != "[]\n" {
			t.Errorf("body = %q, want empty JSON array", got)
		}
	})

	t.Run("bad limit", func(t *testing.T) {
		t.Parallel()

		mux := newCallsMux(&stubReader{
			listFunc: func(_ context.Context, _ int) ([]CallRecord, error) {
				t.Error("reader should not be called for a bad limit")
				return nil, nil
			},
		})

		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", "/calls?limit=soon", nil))

		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusBadRequest)
		}
	})

	t.Run("reader error", func(t *testing.T) {
		t.Parallel()

		mux := newCallsMux(&stubReader{
			listFunc: func(_ context.Context, _ int) ([]CallRecord, error) {
				return nil, errors.New("connection lost")
			},
		})

		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", "/calls", nil))

		if rec.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
		}
	})
}

func TestHTTPHandler_Get(t *testing.T) {
	t.Parallel()

	t.Run("found", func(t *testing.T) {
		t.Parallel()

		mux := newCallsMux(&stubReader{
			getFunc: func(_ context.Context, streamID string) (*CallRecord, error) {
				if streamID != "MZ001" {
					t.Errorf("streamID = %q, want MZ001", streamID)
				}
				return &CallRecord{StreamID: "MZ001", SampleRate: 24000, Disposition: DispositionCompleted}, nil
			},
		})

		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", "/calls/MZ001", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
		}

		var body CallRecord
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatalf("decode JSON: %v", err)
		}
		if body.StreamID != "MZ001" || body.Disposition != DispositionCompleted {
			t.Errorf("body = %+v, want the MZ001 record", body)
		}
	})

	t.Run("not found", func(t *testing.T) {
		t.Parallel()

		mux := newCallsMux(&stubReader{
			getFunc: func(_ context.Context, _ string) (*CallRecord, error) { return nil, nil },
		})

		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", "/calls/missing", nil))

		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
		}
	})

	t.Run("reader error", func(t *testing.T) {
		t.Parallel()

		mux := newCallsMux(&stubReader{
			getFunc: func(_ context.Context, _ string) (*CallRecord, error) {
				return nil, errors.New("timeout")
			},
		})

		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", "/calls/MZ001", nil))

		if rec.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
		}
	})
}
