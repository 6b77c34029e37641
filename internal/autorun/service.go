// Package autorun drives the automation lifecycle of a run: generating the
// postings for the next paydate, locking them into an immutable snapshot,
// executing the snapshot against the ledger and cleaning up afterwards.
package autorun

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"evercent/internal/core"
	"evercent/internal/log"
	"evercent/internal/planner"
)

// Store is the persistence the lifecycle needs.
type Store interface {
	GetUserByID(ctx context.Context, userID string) (core.UserData, error)
	UpdateUserDetails(ctx context.Context, userID string, monthlyIncome decimal.Decimal, freq core.PayFrequency, nextPaydate time.Time) error
	UpdateMonthsAheadTarget(ctx context.Context, userID string, target int) error
	UpdateBudgetID(ctx context.Context, userID, budgetID string) error

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
}

// Ledger is the external budgeting service.
type Ledger interface {
	GetBudget(ctx context.Context, userID, budgetID string) (core.Budget, error)
	ListBudgets(ctx context.Context, userID string) ([]core.BudgetSummary, error)
	PostCategoryAmount(ctx context.Context, userID, budgetID string, month time.Time, categoryID string, budgeted decimal.Decimal) (core.BudgetMonthCategory, error)
	AuthorizeURL(state string) string
	ExchangeCode(ctx context.Context, userID, code string) (core.TokenDetails, error)
}

// Notifier is told about runs that stopped on an error. Delivery is best effort.
type Notifier interface {
	NotifyRunFailed(ctx context.Context, f core.RunFailure) error
}

// Exporter mirrors executed runs somewhere outside the store.
type Exporter interface {
	ExportRun(ctx context.Context, s core.RunSummary) error
}

// Config holds lifecycle configuration
type Config struct {
	// PostingDelay separates consecutive ledger postings of one run (default: 2s)
	PostingDelay time.Duration

	// LockLead is how far ahead of their run time runs are locked (default: 1h)
	LockLead time.Duration

	// RunConcurrency bounds how many runs execute at once (default: 4)
	RunConcurrency int

	// Now is the clock; nil means time.Now
	Now func() time.Time

	// Pause waits between postings; nil means a context-aware sleep
	Pause func(ctx context.Context, d time.Duration) error
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		PostingDelay:   2 * time.Second,
		LockLead:       time.Hour,
		RunConcurrency: 4,
	}
}

type Service struct {
	store    Store
	ledger   Ledger
	planner  *planner.Planner
	notifier Notifier
	exporter Exporter
	cfg      Config
	now      func() time.Time
	pause    func(ctx context.Context, d time.Duration) error
	logger   *log.Logger
	events   *log.StructuredLogger
}

// NewService wires the lifecycle. A nil notifier logs failures instead.
func NewService(store Store, ledger Ledger, notifier Notifier, cfg Config) *Service {
	def := DefaultConfig()
	if cfg.PostingDelay < 0 {
		cfg.PostingDelay = def.PostingDelay
	}
	if cfg.LockLead <= 0 {
		cfg.LockLead = def.LockLead
	}
	if cfg.RunConcurrency <= 0 {
		cfg.RunConcurrency = def.RunConcurrency
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	pause := cfg.Pause
	if pause == nil {
		pause = sleep
	}

	logger := log.New(log.Config{
		Component: log.ComponentAutoRun,
		Handler:   slog.Default().Handler(),
	})
	if notifier == nil {
		notifier = logNotifier{logger: logger}
	}

	return &Service{
		store:    store,
		ledger:   ledger,
		planner:  planner.New(now),
		notifier: notifier,
		cfg:      cfg,
		now:      now,
		pause:    pause,
		logger:   logger,
		events:   log.NewStructuredLogger(logger),
	}
}

// WithExporter mirrors every executed run through e.
func (s *Service) WithExporter(e Exporter) *Service {
	s.exporter = e
	return s
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type logNotifier struct {
	logger *log.Logger
}

func (n logNotifier) NotifyRunFailed(ctx context.Context, f core.RunFailure) error {
	n.logger.ErrorContext(ctx, "Automation run failed",
		log.FieldRunID, f.RunID,
		log.FieldUserID, f.UserID,
		log.FieldBudgetID, f.BudgetID,
		"posted", f.Posted,
		"reason", f.Reason)
	return nil
}

// audit appends an audit row. Failures are logged, never returned: the
// action it describes has already happened.
func (s *Service) audit(ctx context.Context, e core.AuditEntry) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	if err := s.store.AppendAuditLog(ctx, e); err != nil {
		s.logger.WarnContext(ctx, "Failed to append audit log",
			log.FieldUserID, e.UserID,
			log.FieldRunID, e.RunID,
			log.FieldOperation, e.Action,
			log.FieldError, err)
	}
}

func requireID(field, value string) error {
	if strings.TrimSpace(value) == "" {
		return &core.ValidationError{Field: field, Reason: "is required"}
	}
	return nil
}

// visibleCategories lists the categories a user can configure: every visible
// category of a visible group in the first budget month.
func visibleCategories(b core.Budget) []core.BudgetMonthCategory {
	if len(b.Months) == 0 {
		return nil
	}
	var out []core.BudgetMonthCategory
	for _, g := range b.Months[0].Groups {
		if g.Hidden || g.Deleted {
			continue
		}
		for _, c := range g.Categories {
			if c.Visible() {
				out = append(out, c)
			}
		}
	}
	return out
}

// categoryGroups reads ledger state and stored configuration and plans every
// category from start.
func (s *Service) categoryGroups(ctx context.Context, userID, budgetID string, freq core.PayFrequency, start time.Time) (core.Budget, []core.CategoryConfig, []core.CategoryGroup, error) {
	budget, err := s.ledger.GetBudget(ctx, userID, budgetID)
	if err != nil {
		return core.Budget{}, nil, nil, fmt.Errorf("get budget: %w", err)
	}
	configs, err := s.store.GetBudgetCategoryConfig(ctx, userID, budgetID, visibleCategories(budget))
	if err != nil {
		return core.Budget{}, nil, nil, fmt.Errorf("get category config: %w", err)
	}
	groups, err := s.planner.BuildCategoryGroups(budget, configs, freq, start)
	if err != nil {
		return core.Budget{}, nil, nil, fmt.Errorf("build category groups: %w", err)
	}
	return budget, configs, groups, nil
}
