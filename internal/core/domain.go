package core

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PlaceholderBudgetID is the budget id used before a user has picked a budget.
// The ledger resolves it through its "default" alias.
const PlaceholderBudgetID = "aaaaaaaa-bbbb-cccc-dddd-eeeeeeffffff"

type (
	// RegularExpenseDetails is periodicity metadata for a recurring cost.
	// Only meaningful when IsMonthly is false.
	RegularExpenseDetails struct {
		IsMonthly            bool
		NextDueDate          time.Time
		MonthsDivisor        int
		RepeatFreqNum        int
		RepeatFreqType       RepeatFrequencyType
		IncludeOnChart       bool
		MultipleTransactions bool
	}

	// UpcomingExpenseDetails describes a one-time savings goal.
	UpcomingExpenseDetails struct {
		ExpenseAmount decimal.Decimal
	}

	// CategoryConfig is the stored, user-editable part of a category.
	CategoryConfig struct {
		GUID            string
		CategoryGroupID string
		CategoryID      string
		Amount          decimal.Decimal
		ExtraAmount     decimal.Decimal
		Regular         *RegularExpenseDetails
		Upcoming        *UpcomingExpenseDetails
	}

	// Category is a budget line with its derived savings figures.
	Category struct {
		GUID                    string
		CategoryGroupID         string
		CategoryID              string
		GroupName               string
		Name                    string
		Amount                  decimal.Decimal
		ExtraAmount             decimal.Decimal
		AdjustedAmount          decimal.Decimal
		AdjustedAmountPlusExtra decimal.Decimal
		Regular                 *RegularExpenseDetails
		Upcoming                *UpcomingExpenseDetails
		MonthsAhead             int
		PostingMonths           []PostingMonth
	}

	// CategoryGroup aggregates the sums of its categories.
	CategoryGroup struct {
		GroupID                 string
		GroupName               string
		Amount                  decimal.Decimal
		ExtraAmount             decimal.Decimal
		AdjustedAmount          decimal.Decimal
		AdjustedAmountPlusExtra decimal.Decimal
		Categories              []Category
	}

	PostingMonth struct {
		Month  time.Time
		Amount decimal.Decimal
	}

	UserData struct {
		UserID            string
		Email             string
		Username          string
		BudgetID          string
		MonthlyIncome     decimal.Decimal
		PayFrequency      PayFrequency
		NextPaydate       time.Time
		MonthsAheadTarget int
	}

	TokenDetails struct {
		AccessToken    string
		RefreshToken   string
		ExpirationDate time.Time
	}
)

// IsRecurring reports whether the category carries non-monthly periodicity.
func (c Category) IsRecurring() bool {
	return c.Regular != nil && !c.Regular.IsMonthly
}

// AllowsMultipleTransactions is false unless the regular details say otherwise.
func (c Category) AllowsMultipleTransactions() bool {
	return c.Regular != nil && c.Regular.MultipleTransactions
}

// Config returns the stored portion of the category.
func (c Category) Config() CategoryConfig {
	return CategoryConfig{
		GUID:            c.GUID,
		CategoryGroupID: c.CategoryGroupID,
		CategoryID:      c.CategoryID,
		Amount:          c.Amount,
		ExtraAmount:     c.ExtraAmount,
		Regular:         c.Regular,
		Upcoming:        c.Upcoming,
	}
}

func (c CategoryConfig) Validate() error {
	if strings.TrimSpace(c.CategoryID) == "" {
		return &ValidationError{Field: "category_id", Reason: "is required"}
	}
	if c.Amount.IsNegative() {
		return &ValidationError{Field: "amount", Reason: "must not be negative"}
	}
	if c.ExtraAmount.IsNegative() {
		return &ValidationError{Field: "extra_amount", Reason: "must not be negative"}
	}
	if r := c.Regular; r != nil && !r.IsMonthly {
		if r.RepeatFreqNum <= 0 {
			return &ValidationError{Field: "repeat_freq_num", Reason: "must be positive"}
		}
		if !r.RepeatFreqType.IsValid() {
			return &ValidationError{Field: "repeat_freq_type", Reason: "must be Months or Years"}
		}
		if r.NextDueDate.IsZero() {
			return &ValidationError{Field: "next_due_date", Reason: "is required"}
		}
	}
	return nil
}

func (u UserData) Validate() error {
	if strings.TrimSpace(u.UserID) == "" {
		return &ValidationError{Field: "user_id", Reason: "is required"}
	}
	if !u.PayFrequency.IsValid() {
		return &ValidationError{Field: "pay_frequency", Reason: "unsupported value " + string(u.PayFrequency)}
	}
	if u.NextPaydate.IsZero() {
		return &ValidationError{Field: "next_paydate", Reason: "is required"}
	}
	if u.MonthlyIncome.IsNegative() {
		return &ValidationError{Field: "monthly_income", Reason: "must not be negative"}
	}
	return nil
}

// Expired reports whether the access token must be refreshed before use.
func (t TokenDetails) Expired(now time.Time) bool {
	return t.ExpirationDate.IsZero() || !now.Before(t.ExpirationDate)
}

// NormalizeID canonicalises ledger identifiers, which arrive in mixed case.
func NormalizeID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
