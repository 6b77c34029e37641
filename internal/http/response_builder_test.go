package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"evercent/internal/core"
	"evercent/internal/ledger"
	"evercent/internal/log"
	"evercent/internal/storage"
)

func TestJSONResponseBuilder_Basic(t *testing.T) {
	w := httptest.NewRecorder()

	NewJSONResponse().
		Status(http.StatusCreated).
		Header("X-Custom", "value").
		Data(map[string]string{"run_id": "r1"}).
		Write(w)

	if w.Code != http.StatusCreated {
		t.Errorf("Status code = %d, want %d", w.Code, http.StatusCreated)
	}
	if got := w.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", got)
	}
	if got := w.Header().Get("X-Custom"); got != "value" {
		t.Errorf("X-Custom = %q, want value", got)
	}
	if got := strings.TrimSpace(w.Body.String()); got != `{"run_id":"r1"}` {
		t.Errorf("Body = %q", got)
	}
}

func TestNoContent(t *testing.T) {
	w := httptest.NewRecorder()
	NoContent().Write(w)

	if w.Code != http.StatusNoContent {
		t.Errorf("Status code = %d, want %d", w.Code, http.StatusNoContent)
	}
	if w.Body.Len() != 0 {
		t.Errorf("Body = %q, want empty", w.Body.String())
	}
}

func TestFromError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantCode  int
		wantError string
		wantField string
		wantType  string
	}{
		{
			name:      "validation",
			err:       fmt.Errorf("save: %w", &core.ValidationError{Field: "budget_id", Reason: "is required"}),
			wantCode:  http.StatusBadRequest,
			wantError: "validation failed: budget_id is required",
			wantField: "budget_id",
			wantType:  log.ErrorTypeValidation,
		},
		{
			name:      "not found",
			err:       fmt.Errorf("get user: %w", core.ErrNotFound),
			wantCode:  http.StatusNotFound,
			wantError: "not found",
			wantType:  log.ErrorTypeNotFound,
		},
		{
			name:      "ledger",
			err:       fmt.Errorf("get budget: %w", &ledger.LedgerError{Op: "get budget", StatusCode: 503, Message: "unavailable"}),
			wantCode:  http.StatusBadGateway,
			wantError: "ledger request failed",
			wantType:  log.ErrorTypeLedger,
		},
		{
			name:      "internal",
			err:       errors.New("database is locked"),
			wantCode:  http.StatusInternalServerError,
			wantError: "internal error",
			wantType:  log.ErrorTypeInternal,
		},
		{
			name:      "storage failure",
			err:       &storage.StoreError{Op: "lock runs", Err: errors.New("disk I/O error")},
			wantCode:  http.StatusInternalServerError,
			wantError: "internal error",
			wantType:  log.ErrorTypeDatabase,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			FromError(tt.err).Write(w)

			if w.Code != tt.wantCode {
				t.Errorf("Status code = %d, want %d", w.Code, tt.wantCode)
			}
			var body errorBody
			if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if body.Error != tt.wantError {
				t.Errorf("error = %q, want %q", body.Error, tt.wantError)
			}
			if body.Field != tt.wantField {
				t.Errorf("field = %q, want %q", body.Field, tt.wantField)
			}
			if got := errorType(tt.err); got != tt.wantType {
				t.Errorf("errorType() = %q, want %q", got, tt.wantType)
			}
		})
	}
}

func TestFromError_HidesInternalDetails(t *testing.T) {
	w := httptest.NewRecorder()
	FromError(errors.New("secret connection string")).Write(w)

	if strings.Contains(w.Body.String(), "secret") {
		t.Errorf("Body leaks error details: %s", w.Body.String())
	}
}
