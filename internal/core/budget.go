package core

import (
	"time"

	"github.com/shopspring/decimal"
)

// Budget is the ledger state the planner works against. Months are ascending,
// start at the current calendar month and are padded past the ledger horizon.
type Budget struct {
	ID     string
	Name   string
	Months []BudgetMonth
}

type BudgetSummary struct {
	ID   string
	Name string
}

type BudgetMonth struct {
	Month  time.Time
	TBB    decimal.Decimal
	Groups []BudgetMonthCategoryGroup
}

type BudgetMonthCategoryGroup struct {
	CategoryGroupID   string
	CategoryGroupName string
	Hidden            bool
	Deleted           bool
	Budgeted          decimal.Decimal
	Activity          decimal.Decimal
	Available         decimal.Decimal
	Categories        []BudgetMonthCategory
}

type BudgetMonthCategory struct {
	CategoryGroupID   string
	CategoryGroupName string
	CategoryID        string
	Name              string
	Hidden            bool
	Deleted           bool
	Budgeted          decimal.Decimal
	Activity          decimal.Decimal
	Available         decimal.Decimal
}

// Visible reports whether the category should appear in planning views.
func (c BudgetMonthCategory) Visible() bool {
	return !c.Hidden && !c.Deleted
}

// Month finds the budget month containing t.
func (b Budget) Month(t time.Time) (*BudgetMonth, bool) {
	for i := range b.Months {
		if SameMonth(b.Months[i].Month, t) {
			return &b.Months[i], true
		}
	}
	return nil, false
}

// Category finds a category in this month. The returned pointer aliases the
// month so callers can apply postings to the in-memory snapshot.
func (m *BudgetMonth) Category(groupID, categoryID string) (*BudgetMonthCategory, bool) {
	for gi := range m.Groups {
		g := &m.Groups[gi]
		if groupID != "" && g.CategoryGroupID != groupID {
			continue
		}
		for ci := range g.Categories {
			if g.Categories[ci].CategoryID == categoryID {
				return &g.Categories[ci], true
			}
		}
	}
	return nil, false
}

// Apply records a posting against the snapshot, keeping group totals in step.
func (m *BudgetMonth) Apply(groupID, categoryID string, amount decimal.Decimal) {
	for gi := range m.Groups {
		g := &m.Groups[gi]
		if g.CategoryGroupID != groupID {
			continue
		}
		for ci := range g.Categories {
			c := &g.Categories[ci]
			if c.CategoryID != categoryID {
				continue
			}
			c.Budgeted = c.Budgeted.Add(amount)
			c.Available = c.Available.Add(amount)
			g.Budgeted = g.Budgeted.Add(amount)
			g.Available = g.Available.Add(amount)
			return
		}
	}
}

// CategoryIndex maps a category id to its entry in the first budget month,
// hidden and deleted categories included.
type CategoryIndex map[string]BudgetMonthCategory

// NewCategoryIndex builds the index once per request.
func NewCategoryIndex(b Budget) CategoryIndex {
	idx := make(CategoryIndex)
	if len(b.Months) == 0 {
		return idx
	}
	for _, g := range b.Months[0].Groups {
		for _, c := range g.Categories {
			idx[c.CategoryID] = c
		}
	}
	return idx
}

// GroupOf returns the group id of a category, if known.
func (idx CategoryIndex) GroupOf(categoryID string) (string, bool) {
	c, ok := idx[categoryID]
	if !ok {
		return "", false
	}
	return c.CategoryGroupID, true
}

// GroupOrder returns group ids in ledger order.
func (b Budget) GroupOrder() map[string]int {
	order := make(map[string]int)
	if len(b.Months) == 0 {
		return order
	}
	for i, g := range b.Months[0].Groups {
		order[g.CategoryGroupID] = i
	}
	return order
}
