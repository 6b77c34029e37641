package core

import (
	"fmt"
	"time"
)

// MonthLayout is the wire and storage format for budget months.
const MonthLayout = "2006-01-02"

// StartOfMonth truncates t to midnight UTC on the first of its month.
func StartOfMonth(t time.Time) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m, 1, 0, 0, 0, 0, time.UTC)
}

// SameMonth reports whether a and b fall in the same calendar month.
func SameMonth(a, b time.Time) bool {
	ay, am, _ := a.Date()
	by, bm, _ := b.Date()
	return ay == by && am == bm
}

// MonthsBetween counts whole calendar months from a to b.
func MonthsBetween(a, b time.Time) int {
	ay, am, _ := a.Date()
	by, bm, _ := b.Date()
	return (by-ay)*12 + int(bm) - int(am)
}

// NextMonth returns the first day of the month after t.
func NextMonth(t time.Time) time.Time {
	return StartOfMonth(t).AddDate(0, 1, 0)
}

// ParseMonth parses a YYYY-MM-DD or YYYY-MM string into the start of its month.
func ParseMonth(s string) (time.Time, error) {
	for _, layout := range []string{MonthLayout, "2006-01"} {
		if t, err := time.Parse(layout, s); err == nil {
			return StartOfMonth(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidMonth, s)
}

// FormatMonth renders the month as the ledger expects it.
func FormatMonth(t time.Time) string {
	return StartOfMonth(t).Format(MonthLayout)
}
