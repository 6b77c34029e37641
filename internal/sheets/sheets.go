// Package sheets mirrors executed automation runs into a Google spreadsheet,
// one row per posting.
package sheets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	gsheet "google.golang.org/api/sheets/v4"

	"evercent/internal/core"
	"evercent/internal/log"
)

// Header is the first row of the audit sheet.
var Header = []any{
	"Run ID", "Run Time", "User ID", "Budget ID", "Group", "Category",
	"Month", "Old Budgeted", "Amount Posted", "New Budgeted",
}

type AuditExporter struct {
	svc           *gsheet.Service
	spreadsheetID string
	sheetName     string
	logger        *log.Logger

	mu            sync.Mutex
	headerChecked bool
}

// NewAuditExporter authorizes with the saved OAuth token and appends to
// sheetName of spreadsheetID.
func NewAuditExporter(ctx context.Context, spreadsheetID, sheetName string, creds Credentials) (*AuditExporter, error) {
	svc, err := newSheetsService(ctx, creds)
	if err != nil {
		return nil, fmt.Errorf("sheets service: %w", err)
	}
	return New(svc, spreadsheetID, sheetName)
}

// New wraps an existing Sheets service.
func New(svc *gsheet.Service, spreadsheetID, sheetName string) (*AuditExporter, error) {
	spreadsheetID = strings.TrimSpace(spreadsheetID)
	if spreadsheetID == "" {
		return nil, errors.New("missing spreadsheet ID")
	}
	sheetName = strings.TrimSpace(sheetName)
	if sheetName == "" {
		return nil, errors.New("missing audit sheet name")
	}
	return &AuditExporter{
		svc:           svc,
		spreadsheetID: spreadsheetID,
		sheetName:     sheetName,
		logger: log.New(log.Config{
			Component: log.ComponentSheets,
			Handler:   slog.Default().Handler(),
		}),
	}, nil
}

// ExportRun appends one row per posting of s. Runs without postings are
// skipped.
func (e *AuditExporter) ExportRun(ctx context.Context, s core.RunSummary) error {
	if e.svc == nil {
		return errors.New("sheets service not initialized")
	}
	rows := SummaryRows(s)
	if len(rows) == 0 {
		return nil
	}
	if err := e.ensureHeader(ctx); err != nil {
		return err
	}

	rng := fmt.Sprintf("%s!A:J", e.sheetName)
	_, err := e.svc.Spreadsheets.Values.Append(e.spreadsheetID, rng, &gsheet.ValueRange{Values: rows}).
		ValueInputOption("USER_ENTERED").
		InsertDataOption("INSERT_ROWS").
		Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("append to sheet %s: %w", e.sheetName, err)
	}

	e.logger.InfoContext(ctx, "Exported run to Google Sheets",
		log.FieldRunID, s.RunID,
		"rows", len(rows),
		"sheet", e.sheetName)
	return nil
}

// ensureHeader writes the header row when the sheet is empty. It is checked
// once per exporter.
func (e *AuditExporter) ensureHeader(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.headerChecked {
		return nil
	}

	rng := fmt.Sprintf("%s!A1:J1", e.sheetName)
	resp, err := e.svc.Spreadsheets.Values.Get(e.spreadsheetID, rng).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("read header of %s: %w", e.sheetName, err)
	}
	if len(resp.Values) == 0 {
		_, err = e.svc.Spreadsheets.Values.Update(e.spreadsheetID, rng, &gsheet.ValueRange{Values: [][]any{Header}}).
			ValueInputOption("RAW").Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("write header of %s: %w", e.sheetName, err)
		}
	}
	e.headerChecked = true
	return nil
}

// SummaryRows converts the postings of s into sheet rows.
func SummaryRows(s core.RunSummary) [][]any {
	rows := make([][]any, 0, len(s.Postings))
	for _, p := range s.Postings {
		rows = append(rows, []any{
			s.RunID,
			s.RunTime.UTC().Format(time.RFC3339),
			s.UserID,
			s.BudgetID,
			p.GroupName,
			p.CategoryName,
			p.Month.Format("2006-01"),
			p.OldBudgeted.StringFixed(2),
			p.AmountPosted.StringFixed(2),
			p.NewBudgeted.StringFixed(2),
		})
	}
	return rows
}
