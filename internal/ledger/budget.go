package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"evercent/internal/core"
)

// ignoredGroups are ledger-internal groups that never hold savings categories.
var ignoredGroups = map[string]bool{
	"Internal Master Category": true,
	"Credit Card Payments":     true,
	"Hidden Categories":        true,
}

type (
	budgetResponse struct {
		Data struct {
			Budget budgetDetail `json:"budget"`
		} `json:"data"`
	}

	budgetsResponse struct {
		Data struct {
			Budgets []budgetSummary `json:"budgets"`
		} `json:"data"`
	}

	categoryResponse struct {
		Data struct {
			Category wireCategory `json:"category"`
		} `json:"data"`
	}

	patchCategoryRequest struct {
		Category struct {
			Budgeted int64 `json:"budgeted"`
		} `json:"category"`
	}

	budgetSummary struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}

	budgetDetail struct {
		ID             string         `json:"id"`
		Name           string         `json:"name"`
		CategoryGroups []wireGroup    `json:"category_groups"`
		Categories     []wireCategory `json:"categories"`
		Months         []wireMonth    `json:"months"`
	}

	wireGroup struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Hidden  bool   `json:"hidden"`
		Deleted bool   `json:"deleted"`
	}

	wireCategory struct {
		ID                string `json:"id"`
		CategoryGroupID   string `json:"category_group_id"`
		CategoryGroupName string `json:"category_group_name"`
		Name              string `json:"name"`
		Hidden            bool   `json:"hidden"`
		Deleted           bool   `json:"deleted"`
		Budgeted          int64  `json:"budgeted"`
		Activity          int64  `json:"activity"`
		Balance           int64  `json:"balance"`
	}

	wireMonth struct {
		Month        string         `json:"month"`
		ToBeBudgeted int64          `json:"to_be_budgeted"`
		Deleted      bool           `json:"deleted"`
		Categories   []wireCategory `json:"categories"`
	}
)

func toCategory(w wireCategory, groupName string) core.BudgetMonthCategory {
	if groupName == "" {
		groupName = w.CategoryGroupName
	}
	return core.BudgetMonthCategory{
		CategoryGroupID:   core.NormalizeID(w.CategoryGroupID),
		CategoryGroupName: groupName,
		CategoryID:        core.NormalizeID(w.ID),
		Name:              w.Name,
		Hidden:            w.Hidden,
		Deleted:           w.Deleted,
		Budgeted:          core.FromMilliunits(w.Budgeted),
		Activity:          core.FromMilliunits(w.Activity),
		Available:         core.FromMilliunits(w.Balance),
	}
}

// toBudget maps the wire budget into months from the current calendar month
// onward, ascending, followed by pad zeroed months of the same shape.
func toBudget(d budgetDetail, now time.Time, pad int) (core.Budget, error) {
	thisMonth := core.StartOfMonth(now)

	var groups []wireGroup
	for _, g := range d.CategoryGroups {
		if !ignoredGroups[g.Name] {
			groups = append(groups, g)
		}
	}
	// Top-level categories carry the ledger's display order and flags.
	order := d.Categories

	var months []core.BudgetMonth
	for _, wm := range d.Months {
		if wm.Deleted {
			continue
		}
		mt, err := core.ParseMonth(wm.Month)
		if err != nil {
			return core.Budget{}, fmt.Errorf("parse month: %w", err)
		}
		if mt.Before(thisMonth) {
			continue
		}
		byID := make(map[string]wireCategory, len(wm.Categories))
		for _, wc := range wm.Categories {
			byID[core.NormalizeID(wc.ID)] = wc
		}
		months = append(months, core.BudgetMonth{
			Month:  mt,
			TBB:    core.FromMilliunits(wm.ToBeBudgeted),
			Groups: buildGroups(groups, order, byID),
		})
	}

	sort.Slice(months, func(i, j int) bool { return months[i].Month.Before(months[j].Month) })
	for i := 1; i < len(months); i++ {
		months[i].TBB = decimal.Zero
	}

	if len(months) == 0 {
		months = append(months, core.BudgetMonth{Month: thisMonth, Groups: buildGroups(groups, order, nil)})
		months[0] = zeroed(months[0], thisMonth)
	}
	for i := 0; i < pad; i++ {
		last := months[len(months)-1]
		months = append(months, zeroed(last, core.NextMonth(last.Month)))
	}

	return core.Budget{ID: core.NormalizeID(d.ID), Name: d.Name, Months: months}, nil
}

func buildGroups(groups []wireGroup, order []wireCategory, monthCats map[string]wireCategory) []core.BudgetMonthCategoryGroup {
	out := make([]core.BudgetMonthCategoryGroup, 0, len(groups))
	for _, g := range groups {
		gid := core.NormalizeID(g.ID)
		group := core.BudgetMonthCategoryGroup{
			CategoryGroupID:   gid,
			CategoryGroupName: g.Name,
			Hidden:            g.Hidden,
			Deleted:           g.Deleted,
		}
		for _, oc := range order {
			if core.NormalizeID(oc.CategoryGroupID) != gid {
				continue
			}
			wc := oc
			if mc, ok := monthCats[core.NormalizeID(oc.ID)]; ok {
				wc = mc
				wc.CategoryGroupID = oc.CategoryGroupID
				wc.Hidden, wc.Deleted = oc.Hidden, oc.Deleted
			}
			c := toCategory(wc, g.Name)
			group.Budgeted = group.Budgeted.Add(c.Budgeted)
			group.Activity = group.Activity.Add(c.Activity)
			group.Available = group.Available.Add(c.Available)
			group.Categories = append(group.Categories, c)
		}
		out = append(out, group)
	}
	return out
}

// zeroed copies the shape of m into month with every money field cleared.
func zeroed(m core.BudgetMonth, month time.Time) core.BudgetMonth {
	out := core.BudgetMonth{Month: month, Groups: make([]core.BudgetMonthCategoryGroup, len(m.Groups))}
	for gi, g := range m.Groups {
		ng := g
		ng.Budgeted, ng.Activity, ng.Available = decimal.Zero, decimal.Zero, decimal.Zero
		ng.Categories = make([]core.BudgetMonthCategory, len(g.Categories))
		for ci, c := range g.Categories {
			c.Budgeted, c.Activity, c.Available = decimal.Zero, decimal.Zero, decimal.Zero
			ng.Categories[ci] = c
		}
		out.Groups[gi] = ng
	}
	return out
}
