package trace

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"evercent/internal/log"
)

func testLogger() *log.Logger {
	return log.New(log.Config{Component: log.ComponentTrace, Handler: slog.NewTextHandler(io.Discard, nil)})
}

func TestMiddleware_RequestID(t *testing.T) {
	tests := []struct {
		name     string
		incoming string
		wantSame bool
	}{
		{"generated", "", false},
		{"reused", "client-abc.1", true},
		{"rejected", "bad id with spaces", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			var hasLogger bool
			m := NewMiddleware(testLogger(), func(*http.Request) string { return "10.0.0.1" })
			h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = GetRequestID(r.Context())
				hasLogger = log.FromContext(r.Context()).Component() == log.ComponentTrace
			}))

			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			if tt.incoming != "" {
				req.Header.Set(HeaderRequestID, tt.incoming)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)

			if seen == "" || rr.Header().Get(HeaderRequestID) != seen {
				t.Fatalf("request ID = %q, header = %q", seen, rr.Header().Get(HeaderRequestID))
			}
			if got := seen == tt.incoming; got != tt.wantSame {
				t.Errorf("request ID %q reused = %v, want %v", seen, got, tt.wantSame)
			}
			if !tt.wantSame && !strings.HasPrefix(seen, "req_") {
				t.Errorf("GenerateRequestID() = %q, want req_ prefix", seen)
			}
			if !hasLogger {
				t.Error("FromContext() did not return the trace logger")
			}
		})
	}
}

func TestMiddleware_Metrics(t *testing.T) {
	m := NewMiddleware(testLogger(), nil)
	status := http.StatusOK
	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))

	for _, code := range []int{http.StatusOK, http.StatusNotFound, http.StatusBadGateway, http.StatusInternalServerError} {
		status = code
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	}

	got := m.GetMetrics()
	if got.TotalRequests != 4 {
		t.Errorf("TotalRequests = %d, want 4", got.TotalRequests)
	}
	if got.ServerErrors != 2 {
		t.Errorf("ServerErrors = %d, want 2", got.ServerErrors)
	}
}

func TestGetRequestID_Missing(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if id := GetRequestID(req.Context()); id != "" {
		t.Errorf("GetRequestID() = %q, want empty", id)
	}
}
