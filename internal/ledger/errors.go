package ledger

import (
	"errors"
	"fmt"
)

// LedgerError is any failure talking to the ledger API, including auth and
// rate-limit responses. Message carries the upstream detail.
type LedgerError struct {
	Op         string
	StatusCode int
	Message    string
	Err        error
}

func (e *LedgerError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Message == "" && e.Err != nil:
		return fmt.Sprintf("ledger %s: %v (status %d)", e.Op, e.Err, e.StatusCode)
	case e.StatusCode != 0:
		return fmt.Sprintf("ledger %s: %s (status %d)", e.Op, e.Message, e.StatusCode)
	case e.Err != nil:
		return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("ledger %s: %s", e.Op, e.Message)
	}
}

func (e *LedgerError) Unwrap() error { return e.Err }

// IsLedgerError reports whether err wraps a LedgerError.
func IsLedgerError(err error) bool {
	var le *LedgerError
	return errors.As(err, &le)
}

type errorResponse struct {
	Error struct {
		ID     string `json:"id"`
		Name   string `json:"name"`
		Detail string `json:"detail"`
	} `json:"error"`
}
