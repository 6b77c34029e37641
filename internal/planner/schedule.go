package planner

import (
	"time"

	"github.com/shopspring/decimal"

	"evercent/internal/core"
)

// monthsAheadHorizon bounds the schedule used to count funded months.
const monthsAheadHorizon = 120

// PostingMonths spreads one paycheck's share of the category target across
// months starting at start, filling each month's shortfall until the share is
// used up or the budget horizon ends.
func (p *Planner) PostingMonths(c core.Category, b core.Budget, freq core.PayFrequency, start time.Time) ([]core.PostingMonth, error) {
	return p.postingMonths(c, b, freq, start, 0)
}

// PostingMonthsOverride emits the full target for count months regardless of
// how much of the paycheck share remains.
func (p *Planner) PostingMonthsOverride(c core.Category, b core.Budget, freq core.PayFrequency, start time.Time, count int) ([]core.PostingMonth, error) {
	if count <= 0 {
		return nil, &core.ValidationError{Field: "override_count", Reason: "must be positive"}
	}
	return p.postingMonths(c, b, freq, start, count)
}

func (p *Planner) postingMonths(c core.Category, b core.Budget, freq core.PayFrequency, start time.Time, override int) ([]core.PostingMonth, error) {
	perPaycheck, err := freq.PerPaycheck(c.AdjustedAmountPlusExtra)
	if err != nil {
		return nil, err
	}

	overriding := override > 0
	remaining := core.Round2(perPaycheck)
	totalDesired := core.Round2(c.AdjustedAmount)
	thisMonth := p.thisMonth()

	var out []core.PostingMonth
	for curr := core.StartOfMonth(start); (!overriding && remaining.IsPositive()) || (overriding && len(out) < override); curr = core.NextMonth(curr) {
		m, ok := b.Month(curr)
		if !ok {
			return out, nil
		}
		bc := lookup(m, c.CategoryGroupID, c.CategoryID)

		desired, hasShortfall := totalDesired, true
		if !overriding {
			hasShortfall = bc.Budgeted.LessThan(totalDesired)
			desired = totalDesired.Sub(core.MaxDecimal(bc.Budgeted, decimal.Zero))
		}
		if !hasShortfall {
			continue
		}

		if curr.Equal(thisMonth) {
			available := bc.Available
			if overriding {
				available = decimal.Zero
			}
			if (!c.AllowsMultipleTransactions() && bc.Activity.IsNegative()) || available.GreaterThanOrEqual(desired) {
				continue
			}
		}

		post := desired
		if !overriding {
			post = core.MinDecimal(remaining, desired)
		}
		post = core.Round2(post)
		if !post.IsPositive() {
			continue
		}

		out = append(out, core.PostingMonth{Month: curr, Amount: post})
		remaining = remaining.Sub(post)

		if DueDateAndAmountSet(c, bc, curr) {
			totalDesired = core.Round2(p.AdjustedAmount(c, b, true))
		}
	}
	return out, nil
}

// MonthsAhead counts consecutive future months whose budgeted amount already
// covers the full monthly target.
func (p *Planner) MonthsAhead(c core.Category, b core.Budget, freq core.PayFrequency, start time.Time) (int, error) {
	if c.AdjustedAmountPlusExtra.IsZero() {
		return 0, nil
	}
	months, err := p.postingMonths(c, b, freq, start, monthsAheadHorizon)
	if err != nil {
		return 0, err
	}
	if len(months) > 0 && months[0].Month.Equal(p.thisMonth()) {
		months = months[1:]
	}

	count := 0
	for _, pm := range months {
		m, ok := b.Month(pm.Month)
		if !ok {
			break
		}
		bc := lookup(m, c.CategoryGroupID, c.CategoryID)
		if core.Round2(bc.Budgeted).LessThan(core.Round2(pm.Amount)) {
			break
		}
		count++
	}
	return count, nil
}
