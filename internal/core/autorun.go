package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type (
	AutoRun struct {
		RunID          string
		RunTime        time.Time
		IsLocked       bool
		CategoryGroups []AutoRunCategoryGroup
	}

	AutoRunCategoryGroup struct {
		GroupID    string
		GroupName  string
		Categories []AutoRunCategory
	}

	AutoRunCategory struct {
		CategoryGUID                      string
		CategoryID                        string
		CategoryName                      string
		CategoryAmount                    decimal.Decimal
		CategoryExtraAmount               decimal.Decimal
		CategoryAdjustedAmount            decimal.Decimal
		CategoryAdjustedAmountPerPaycheck decimal.Decimal
		PostingMonths                     []AutoRunCategoryMonth
		Included                          bool
	}

	AutoRunCategoryMonth struct {
		PostingMonth      time.Time
		Included          bool
		AmountToPost      decimal.Decimal
		AmountPosted      decimal.NullDecimal
		OldAmountBudgeted decimal.NullDecimal
		NewAmountBudgeted decimal.NullDecimal
	}
)

type (
	// AutoRunRecord is a stored run header.
	AutoRunRecord struct {
		RunID    string
		UserID   string
		BudgetID string
		RunTime  time.Time
		IsLocked bool
	}

	// AutoRunCategoryRecord is one stored per-category, per-month row of a run:
	// an inclusion toggle for open runs, the snapshot for locked runs and the
	// executed result for past runs.
	AutoRunCategoryRecord struct {
		RunID                        string
		CategoryGUID                 string
		CategoryGroupID              string
		CategoryID                   string
		PostingMonth                 time.Time
		IsIncluded                   bool
		AmountToPost                 decimal.Decimal
		AmountPosted                 decimal.NullDecimal
		OldAmountBudgeted            decimal.NullDecimal
		NewAmountBudgeted            decimal.NullDecimal
		CategoryAmount               decimal.Decimal
		CategoryExtraAmount          decimal.Decimal
		CategoryAdjustedAmount       decimal.Decimal
		CategoryAdjAmountPerPaycheck decimal.Decimal
	}

	// AutoRunData is everything stored about a user's pending and past runs.
	AutoRunData struct {
		Runs              []AutoRunRecord
		RunCategories     []AutoRunCategoryRecord
		PastRuns          []AutoRunRecord
		PastRunCategories []AutoRunCategoryRecord
	}

	// AutoRunToLock identifies a run that is due and the pay schedule it uses.
	AutoRunToLock struct {
		RunID        string
		UserID       string
		BudgetID     string
		RunTime      time.Time
		PayFrequency PayFrequency
		NextPaydate  time.Time
	}

	// LockedResult is one immutable snapshot row written at lock time.
	LockedResult struct {
		RunID                        string
		CategoryID                   string
		PostingMonth                 time.Time
		AmountToPost                 decimal.Decimal
		IsIncluded                   bool
		CategoryAmount               decimal.Decimal
		CategoryExtraAmount          decimal.Decimal
		CategoryAdjustedAmount       decimal.Decimal
		CategoryAdjAmountPerPaycheck decimal.Decimal
	}

	// LockedRunRow is a snapshot row joined with what execution needs.
	LockedRunRow struct {
		LockedResult
		UserID          string
		UserEmail       string
		BudgetID        string
		RunTime         time.Time
		PayFrequency    PayFrequency
		CategoryGUID    string
		CategoryGroupID string
	}

	// PastAutomationResult is the audit row for one executed posting.
	PastAutomationResult struct {
		RunID                        string
		CategoryID                   string
		CategoryAmount               decimal.Decimal
		CategoryExtraAmount          decimal.Decimal
		CategoryAdjustedAmount       decimal.Decimal
		CategoryAdjAmountPerPaycheck decimal.Decimal
		PostingMonth                 time.Time
		OldAmountBudgeted            decimal.Decimal
		AmountPosted                 decimal.Decimal
		NewAmountBudgeted            decimal.Decimal
	}

	// CategoryToggle is a user's per-month inclusion choice for an open run.
	CategoryToggle struct {
		CategoryGUID string
		PostingMonth time.Time
		Included     bool
	}

	AuditEntry struct {
		UserID    string
		BudgetID  string
		RunID     string
		Action    string
		Details   string
		CreatedAt time.Time
	}
)

// Audit actions.
const (
	AuditSave         = "save"
	AuditCancel       = "cancel"
	AuditLock         = "lock"
	AuditRun          = "run"
	AuditSwitchBudget = "switch_budget"
)
