package planner

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"evercent/internal/core"
)

// BuildCategoryGroups joins the visible ledger categories of the first budget
// month with their stored configuration and derives every savings figure.
// Categories without stored configuration are planned with zero amounts.
func (p *Planner) BuildCategoryGroups(b core.Budget, configs []core.CategoryConfig, freq core.PayFrequency, nextPaydate time.Time) ([]core.CategoryGroup, error) {
	if len(b.Months) == 0 {
		return nil, nil
	}

	byID := make(map[string]core.CategoryConfig, len(configs))
	for _, cfg := range configs {
		byID[cfg.CategoryID] = cfg
	}

	var groups []core.CategoryGroup
	for _, g := range b.Months[0].Groups {
		if g.Hidden || g.Deleted {
			continue
		}
		group := core.CategoryGroup{GroupID: g.CategoryGroupID, GroupName: g.CategoryGroupName}
		for _, bc := range g.Categories {
			if !bc.Visible() {
				continue
			}
			cfg, ok := byID[bc.CategoryID]
			if !ok {
				cfg = core.CategoryConfig{CategoryGroupID: g.CategoryGroupID, CategoryID: bc.CategoryID}
			}
			c, err := p.BuildCategory(bc, cfg, b, freq, nextPaydate)
			if err != nil {
				return nil, fmt.Errorf("build category %s: %w", bc.CategoryID, err)
			}
			group.Amount = group.Amount.Add(c.Amount)
			group.ExtraAmount = group.ExtraAmount.Add(c.ExtraAmount)
			group.AdjustedAmount = group.AdjustedAmount.Add(c.AdjustedAmount)
			group.AdjustedAmountPlusExtra = group.AdjustedAmountPlusExtra.Add(c.AdjustedAmountPlusExtra)
			group.Categories = append(group.Categories, c)
		}
		if len(group.Categories) > 0 {
			groups = append(groups, group)
		}
	}
	return groups, nil
}

// BuildCategory derives the adjusted amount, posting months and months ahead
// for one category.
func (p *Planner) BuildCategory(bc core.BudgetMonthCategory, cfg core.CategoryConfig, b core.Budget, freq core.PayFrequency, nextPaydate time.Time) (core.Category, error) {
	c := core.Category{
		GUID:            cfg.GUID,
		CategoryGroupID: bc.CategoryGroupID,
		CategoryID:      bc.CategoryID,
		GroupName:       bc.CategoryGroupName,
		Name:            bc.Name,
		Amount:          cfg.Amount,
		ExtraAmount:     cfg.ExtraAmount,
		Regular:         cfg.Regular,
		Upcoming:        cfg.Upcoming,
	}
	c.AdjustedAmount = p.AdjustedAmount(c, b, false)
	c.AdjustedAmountPlusExtra = c.AdjustedAmount.Add(c.ExtraAmount)

	var err error
	if c.PostingMonths, err = p.PostingMonths(c, b, freq, nextPaydate); err != nil {
		return core.Category{}, err
	}
	if c.MonthsAhead, err = p.MonthsAhead(c, b, freq, nextPaydate); err != nil {
		return core.Category{}, err
	}
	return c, nil
}

// Reschedule recomputes posting months for every category from a new start
// date, typically the time of the next pending run.
func (p *Planner) Reschedule(groups []core.CategoryGroup, b core.Budget, freq core.PayFrequency, start time.Time) ([]core.CategoryGroup, error) {
	out := make([]core.CategoryGroup, len(groups))
	for gi, g := range groups {
		cats := make([]core.Category, len(g.Categories))
		for ci, c := range g.Categories {
			months, err := p.PostingMonths(c, b, freq, start)
			if err != nil {
				return nil, fmt.Errorf("reschedule category %s: %w", c.CategoryID, err)
			}
			c.PostingMonths = months
			cats[ci] = c
		}
		g.Categories = cats
		out[gi] = g
	}
	return out, nil
}

// PerPaycheck is the category's adjusted amount plus extra split per paycheck.
func PerPaycheck(c core.Category, freq core.PayFrequency) (decimal.Decimal, error) {
	return freq.PerPaycheck(c.AdjustedAmountPlusExtra)
}
