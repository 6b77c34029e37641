// Package planner turns stored category configuration and ledger state into
// savings targets and month-by-month posting schedules.
package planner

import (
	"time"

	"evercent/internal/core"
)

// Planner holds the clock every computation is anchored to.
type Planner struct {
	now func() time.Time
}

// New returns a planner. A nil clock means time.Now.
func New(now func() time.Time) *Planner {
	if now == nil {
		now = time.Now
	}
	return &Planner{now: now}
}

func (p *Planner) thisMonth() time.Time {
	return core.StartOfMonth(p.now())
}

// lookup returns the category's figures for month m, or zero figures when the
// ledger does not carry the category in that month.
func lookup(m *core.BudgetMonth, groupID, categoryID string) core.BudgetMonthCategory {
	if c, ok := m.Category(groupID, categoryID); ok {
		return *c
	}
	if c, ok := m.Category("", categoryID); ok {
		return *c
	}
	return core.BudgetMonthCategory{CategoryGroupID: groupID, CategoryID: categoryID}
}
