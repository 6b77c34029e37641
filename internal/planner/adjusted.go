package planner

import (
	"time"

	"github.com/shopspring/decimal"

	"evercent/internal/core"
)

// AdjustedAmount is the monthly savings target for a category.
//
// Monthly and non-recurring categories save their declared amount. Recurring
// categories excluded from the chart save nothing. Otherwise the larger of the
// divisor rate and the frequency rate wins, where the divisor is the cached
// months divisor or, when recalculating, the months left until the due date
// (the full frequency once the ledger already holds the amount).
func (p *Planner) AdjustedAmount(c core.Category, b core.Budget, recalculate bool) decimal.Decimal {
	r := c.Regular
	if r == nil || r.IsMonthly {
		return c.Amount
	}
	if !r.IncludeOnChart {
		return decimal.Zero
	}

	freqMonths := r.FrequencyMonths()
	numMonths := r.MonthsDivisor
	if recalculate {
		numMonths = p.monthsUntilFunded(c, b, freqMonths)
	}
	if numMonths <= 0 {
		return c.Amount
	}

	byDivisor := c.Amount.Div(decimal.NewFromInt(int64(numMonths)))
	byFrequency := byDivisor
	if freqMonths > 0 {
		byFrequency = c.Amount.Div(decimal.NewFromInt(int64(freqMonths)))
	}
	return core.NudgeFractional(core.MaxDecimal(byDivisor, byFrequency))
}

func (p *Planner) monthsUntilFunded(c core.Category, b core.Budget, freqMonths int) int {
	due := core.StartOfMonth(c.Regular.NextDueDate)
	if m, ok := b.Month(due); ok {
		bc := lookup(m, c.CategoryGroupID, c.CategoryID)
		if bc.Available.GreaterThanOrEqual(c.Amount) {
			return freqMonths
		}
	}
	return core.MonthsBetween(p.thisMonth(), due) + 1
}

// DueDateAndAmountSet reports whether month is the due month of a recurring
// category and the ledger already holds its full amount.
func DueDateAndAmountSet(c core.Category, bc core.BudgetMonthCategory, month time.Time) bool {
	if !c.IsRecurring() {
		return false
	}
	return core.SameMonth(c.Regular.NextDueDate, month) && bc.Available.GreaterThanOrEqual(c.Amount)
}
