package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"evercent/internal/core"
)

// Store is every named persistence operation the service relies on.
type Store interface {
	CreateUser(ctx context.Context, u core.UserData) error
	GetUserData(ctx context.Context, email string) (core.UserData, error)
	GetUserByID(ctx context.Context, userID string) (core.UserData, error)
	UpdateUserDetails(ctx context.Context, userID string, monthlyIncome decimal.Decimal, freq core.PayFrequency, nextPaydate time.Time) error
	UpdateMonthsAheadTarget(ctx context.Context, userID string, target int) error
	UpdateBudgetID(ctx context.Context, userID, budgetID string) error

	GetTokenDetails(ctx context.Context, userID string) (core.TokenDetails, error)
	SaveTokenDetails(ctx context.Context, userID string, t core.TokenDetails) error

	GetBudgetCategoryConfig(ctx context.Context, userID, budgetID string, cats []core.BudgetMonthCategory) ([]core.CategoryConfig, error)
	SaveCategoryConfig(ctx context.Context, userID, budgetID string, configs []core.CategoryConfig) error
	GetRegularExpenseDetails(ctx context.Context, userID, budgetID, categoryID string) (*core.RegularExpenseDetails, error)
	UpdateCategoryExpenseDivisor(ctx context.Context, userID, budgetID, categoryGUID string) error

	GetAutoRunData(ctx context.Context, userID, budgetID string) (core.AutoRunData, error)
	SaveAutoRunDetails(ctx context.Context, userID, budgetID string, runTime time.Time, toggles []core.CategoryToggle) (string, error)
	GetAutoRunsToLock(ctx context.Context, before time.Time) ([]core.AutoRunToLock, error)
	LockAutoRuns(ctx context.Context, runID string, rows []core.LockedResult) error
	GetLockedAutoRuns(ctx context.Context, now time.Time) ([]core.LockedRunRow, error)
	AppendPastAutomationResult(ctx context.Context, r core.PastAutomationResult) error
	CleanupAutomationRun(ctx context.Context, runID string, nextRunTime time.Time) error
	CancelAutomationRuns(ctx context.Context, userID, budgetID string) error

	AppendAuditLog(ctx context.Context, e core.AuditEntry) error
	AuditLog(ctx context.Context, userID string, limit int) ([]core.AuditEntry, error)

	Close() error
}

// StoreError is a failed persistence operation.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// IsStoreError reports whether err wraps a StoreError.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StoreError{Op: op, Err: err}
}

// PastRunHistory caps how many completed runs are returned for history views.
const PastRunHistory = 10
