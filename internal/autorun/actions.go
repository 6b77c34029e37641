package autorun

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"evercent/internal/core"
	"evercent/internal/log"
)

// DefaultAuditLimit is how many audit entries AuditLog returns when asked for
// none in particular.
const DefaultAuditLimit = 50

// SaveAutoRun creates or updates the user's open run and replaces its
// per-month inclusion toggles. An empty budgetID means the user's current
// budget and a zero runTime means the next paydate.
func (s *Service) SaveAutoRun(ctx context.Context, userID, budgetID string, runTime time.Time, toggles []core.CategoryToggle) (string, error) {
	if err := requireID("user_id", userID); err != nil {
		return "", err
	}
	for _, t := range toggles {
		if err := requireID("category_guid", t.CategoryGUID); err != nil {
			return "", err
		}
		if t.PostingMonth.IsZero() {
			return "", &core.ValidationError{Field: "posting_month", Reason: "is required"}
		}
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("get user: %w", err)
	}
	if budgetID == "" {
		budgetID = user.BudgetID
	}
	if runTime.IsZero() {
		runTime = user.NextPaydate
	}

	runID, err := s.store.SaveAutoRunDetails(ctx, user.UserID, budgetID, runTime, toggles)
	if err != nil {
		return "", fmt.Errorf("save auto run details: %w", err)
	}

	s.logger.InfoContext(ctx, "Run saved",
		log.FieldRunID, runID,
		log.FieldUserID, user.UserID,
		log.FieldBudgetID, budgetID,
		"toggles", len(toggles))
	s.audit(ctx, core.AuditEntry{
		UserID:   user.UserID,
		BudgetID: budgetID,
		RunID:    runID,
		Action:   core.AuditSave,
		Details:  fmt.Sprintf("run time %s, %d toggles", runTime.UTC().Format(time.RFC3339), len(toggles)),
	})
	return runID, nil
}

// CancelAutoRuns withdraws every pending run of the user's budget, locked or
// not. Postings already made are kept as history.
func (s *Service) CancelAutoRuns(ctx context.Context, userID, budgetID string) error {
	if err := requireID("user_id", userID); err != nil {
		return err
	}
	if budgetID == "" {
		user, err := s.store.GetUserByID(ctx, userID)
		if err != nil {
			return fmt.Errorf("get user: %w", err)
		}
		budgetID = user.BudgetID
	}
	if err := s.store.CancelAutomationRuns(ctx, userID, budgetID); err != nil {
		return fmt.Errorf("cancel automation runs: %w", err)
	}

	s.logger.InfoContext(ctx, "Runs cancelled",
		log.FieldUserID, userID,
		log.FieldBudgetID, budgetID)
	s.audit(ctx, core.AuditEntry{
		UserID:   userID,
		BudgetID: budgetID,
		Action:   core.AuditCancel,
	})
	return nil
}

// UpdateUserDetails changes the user's income and pay schedule.
func (s *Service) UpdateUserDetails(ctx context.Context, userID string, monthlyIncome decimal.Decimal, freq core.PayFrequency, nextPaydate time.Time) error {
	if err := requireID("user_id", userID); err != nil {
		return err
	}
	u := core.UserData{UserID: userID, MonthlyIncome: monthlyIncome, PayFrequency: freq, NextPaydate: nextPaydate}
	if err := u.Validate(); err != nil {
		return err
	}
	if err := s.store.UpdateUserDetails(ctx, userID, monthlyIncome, freq, nextPaydate); err != nil {
		return fmt.Errorf("update user details: %w", err)
	}
	return nil
}

func (s *Service) UpdateMonthsAheadTarget(ctx context.Context, userID string, target int) error {
	if err := requireID("user_id", userID); err != nil {
		return err
	}
	if target < 0 {
		return &core.ValidationError{Field: "months_ahead_target", Reason: "must not be negative"}
	}
	if err := s.store.UpdateMonthsAheadTarget(ctx, userID, target); err != nil {
		return fmt.Errorf("update months ahead target: %w", err)
	}
	return nil
}

// UpdateCategoryDetails stores a category's amounts and expense details. The
// category must already be known for the budget.
func (s *Service) UpdateCategoryDetails(ctx context.Context, userID, budgetID string, cfg core.CategoryConfig) error {
	if err := requireID("user_id", userID); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	existing, err := s.findConfig(ctx, userID, budgetID, cfg.CategoryID)
	if err != nil {
		return err
	}
	cfg.GUID = existing.GUID
	if cfg.CategoryGroupID == "" {
		cfg.CategoryGroupID = existing.CategoryGroupID
	}
	if err := s.store.SaveCategoryConfig(ctx, userID, budgetID, []core.CategoryConfig{cfg}); err != nil {
		return fmt.Errorf("save category config: %w", err)
	}
	return nil
}

// UpdateCategoryAmount changes only the amount of a category.
func (s *Service) UpdateCategoryAmount(ctx context.Context, userID, budgetID, categoryID string, amount decimal.Decimal) error {
	if err := requireID("user_id", userID); err != nil {
		return err
	}
	cfg, err := s.findConfig(ctx, userID, budgetID, categoryID)
	if err != nil {
		return err
	}
	cfg.Amount = amount
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := s.store.SaveCategoryConfig(ctx, userID, budgetID, []core.CategoryConfig{cfg}); err != nil {
		return fmt.Errorf("save category config: %w", err)
	}
	return nil
}

func (s *Service) findConfig(ctx context.Context, userID, budgetID, categoryID string) (core.CategoryConfig, error) {
	if err := requireID("budget_id", budgetID); err != nil {
		return core.CategoryConfig{}, err
	}
	if err := requireID("category_id", categoryID); err != nil {
		return core.CategoryConfig{}, err
	}
	configs, err := s.store.GetBudgetCategoryConfig(ctx, userID, budgetID, nil)
	if err != nil {
		return core.CategoryConfig{}, fmt.Errorf("get category config: %w", err)
	}
	id := core.NormalizeID(categoryID)
	for _, c := range configs {
		if c.CategoryID == id {
			return c, nil
		}
	}
	return core.CategoryConfig{}, fmt.Errorf("category %s: %w", categoryID, core.ErrNotFound)
}

func (s *Service) ListBudgets(ctx context.Context, userID string) ([]core.BudgetSummary, error) {
	if err := requireID("user_id", userID); err != nil {
		return nil, err
	}
	budgets, err := s.ledger.ListBudgets(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list budgets: %w", err)
	}
	return budgets, nil
}

// SwitchBudget makes budgetID the user's current budget and seeds
// configuration for any of its categories not seen before.
func (s *Service) SwitchBudget(ctx context.Context, userID, budgetID string) error {
	if err := requireID("user_id", userID); err != nil {
		return err
	}
	if err := requireID("budget_id", budgetID); err != nil {
		return err
	}
	budget, err := s.ledger.GetBudget(ctx, userID, budgetID)
	if err != nil {
		return fmt.Errorf("get budget: %w", err)
	}
	if err := s.store.UpdateBudgetID(ctx, userID, budgetID); err != nil {
		return fmt.Errorf("update budget id: %w", err)
	}
	if _, err := s.store.GetBudgetCategoryConfig(ctx, userID, budgetID, visibleCategories(budget)); err != nil {
		return fmt.Errorf("seed category config: %w", err)
	}

	s.audit(ctx, core.AuditEntry{
		UserID:   userID,
		BudgetID: budgetID,
		Action:   core.AuditSwitchBudget,
		Details:  budget.Name,
	})
	return nil
}

// AuthorizeURL is the ledger consent page for userID.
func (s *Service) AuthorizeURL(userID string) (string, error) {
	if err := requireID("user_id", userID); err != nil {
		return "", err
	}
	return s.ledger.AuthorizeURL(core.NormalizeID(userID)), nil
}

// AuthorizeCallback completes the consent flow: the code is exchanged for
// tokens and the user's current budget gets its category configuration.
func (s *Service) AuthorizeCallback(ctx context.Context, userID, code string) error {
	if err := requireID("user_id", userID); err != nil {
		return err
	}
	if err := requireID("code", code); err != nil {
		return err
	}
	if _, err := s.ledger.ExchangeCode(ctx, userID, code); err != nil {
		return fmt.Errorf("exchange code: %w", err)
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("get user: %w", err)
	}
	budget, err := s.ledger.GetBudget(ctx, user.UserID, user.BudgetID)
	if err != nil {
		return fmt.Errorf("get budget: %w", err)
	}
	if _, err := s.store.GetBudgetCategoryConfig(ctx, user.UserID, user.BudgetID, visibleCategories(budget)); err != nil {
		return fmt.Errorf("seed category config: %w", err)
	}
	s.logger.InfoContext(ctx, "User authorized", log.FieldUserID, user.UserID)
	return nil
}

// AuditLog returns the user's most recent audit entries, newest first.
func (s *Service) AuditLog(ctx context.Context, userID string, limit int) ([]core.AuditEntry, error) {
	if err := requireID("user_id", userID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultAuditLimit
	}
	entries, err := s.store.AuditLog(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("audit log: %w", err)
	}
	return entries, nil
}
