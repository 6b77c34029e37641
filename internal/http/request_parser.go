// Package http exposes the automation lifecycle as a small JSON API.
//
// This file implements utilities for decoding and validating request data.

package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"evercent/internal/core"
)

// maxBodyBytes bounds every request body.
const maxBodyBytes = 1 << 20

// DecodeJSON reads r's body into v. Unknown fields are rejected.
func DecodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return &core.ValidationError{Field: "body", Reason: "is required"}
		}
		return &core.ValidationError{Field: "body", Reason: "is not valid JSON: " + err.Error()}
	}
	return nil
}

// PathID returns the named path value, sanitized. Empty values are reported
// as validation errors.
func PathID(r *http.Request, name string) (string, error) {
	v := sanitizeInput(r.PathValue(name))
	if v == "" {
		return "", &core.ValidationError{Field: name, Reason: "is required"}
	}
	return v, nil
}

// ParseLimit reads the "limit" query parameter. Missing or invalid values
// give 0, which lets the service pick its default.
func ParseLimit(query url.Values) int {
	v := strings.TrimSpace(query.Get("limit"))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// ParseDate accepts either a calendar date (2006-01-02, taken as UTC midnight)
// or an RFC 3339 timestamp.
func ParseDate(field, s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, &core.ValidationError{Field: field, Reason: fmt.Sprintf("invalid date %q", s)}
}

// ParseAmount parses a decimal money amount.
func ParseAmount(field, s string) (decimal.Decimal, error) {
	d, err := core.ParseAmount(s)
	if err != nil {
		return decimal.Zero, &core.ValidationError{Field: field, Reason: fmt.Sprintf("invalid amount %q", s)}
	}
	return d, nil
}

// sanitizeInput removes control characters and trims whitespace.
func sanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if r < 32 && r != 9 && r != 10 && r != 13 {
			return -1
		}
		return r
	}, s)
}
