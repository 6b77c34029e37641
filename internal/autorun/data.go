package autorun

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"evercent/internal/core"
	"evercent/internal/planner"
)

const (
	deletedCategoryName = "Deleted Category"
	unknownGroupName    = "Unknown Group"
)

// AllData is everything known about a user and their current budget.
type AllData struct {
	User           core.UserData
	BudgetID       string
	BudgetName     string
	ToBeBudgeted   decimal.Decimal
	CategoryGroups []core.CategoryGroup
	AutoRuns       []core.AutoRun
	PastRuns       []core.AutoRun
}

// GetAllData returns the user, their planned categories, pending runs and
// recent past runs. When the user has no open run, one is generated for the
// next paydate without being stored.
func (s *Service) GetAllData(ctx context.Context, userID string) (AllData, error) {
	if err := requireID("user_id", userID); err != nil {
		return AllData{}, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return AllData{}, fmt.Errorf("get user: %w", err)
	}

	budget, configs, groups, err := s.categoryGroups(ctx, user.UserID, user.BudgetID, user.PayFrequency, user.NextPaydate)
	if err != nil {
		return AllData{}, err
	}
	runData, err := s.store.GetAutoRunData(ctx, user.UserID, user.BudgetID)
	if err != nil {
		return AllData{}, fmt.Errorf("get auto run data: %w", err)
	}

	ix := newRunIndex(budget, configs)
	pending, err := s.pendingRuns(user, budget, groups, runData, ix)
	if err != nil {
		return AllData{}, err
	}

	data := AllData{
		User:           user,
		BudgetID:       user.BudgetID,
		BudgetName:     budget.Name,
		CategoryGroups: groups,
		AutoRuns:       pending,
		PastRuns:       ix.rebuildAll(runData.PastRuns, runData.PastRunCategories),
	}
	if len(budget.Months) > 0 {
		data.ToBeBudgeted = budget.Months[0].TBB
	}
	return data, nil
}

func (s *Service) pendingRuns(user core.UserData, budget core.Budget, groups []core.CategoryGroup, data core.AutoRunData, ix *runIndex) ([]core.AutoRun, error) {
	rows := rowsByRun(data.RunCategories)

	var (
		runs       []core.AutoRun
		open       bool
		lastLocked time.Time
	)
	for _, rec := range data.Runs {
		if rec.IsLocked {
			runs = append(runs, ix.rebuild(rec, rows[rec.RunID]))
			if rec.RunTime.After(lastLocked) {
				lastLocked = rec.RunTime
			}
			continue
		}
		open = true
		run, err := s.generate(rec.RunID, rec.RunTime, groups, budget, user.PayFrequency, inclusionFor(rec.RunID, data.RunCategories))
		if err != nil {
			return nil, fmt.Errorf("generate run %s: %w", rec.RunID, err)
		}
		runs = append(runs, run)
	}
	if open || user.NextPaydate.IsZero() {
		return runs, nil
	}

	start := user.NextPaydate
	if !lastLocked.IsZero() && !start.After(lastLocked) {
		start = user.PayFrequency.Next(lastLocked)
	}
	run, err := s.generate("", start, groups, budget, user.PayFrequency, inclusionFor("", data.RunCategories))
	if err != nil {
		return nil, fmt.Errorf("generate next run: %w", err)
	}
	return append(runs, run), nil
}

// generate plans a run at runTime from current ledger state. Categories
// without a positive adjusted amount are left out.
func (s *Service) generate(runID string, runTime time.Time, groups []core.CategoryGroup, b core.Budget, freq core.PayFrequency, inc inclusion) (core.AutoRun, error) {
	planned, err := s.planner.Reschedule(groups, b, freq, runTime)
	if err != nil {
		return core.AutoRun{}, err
	}

	run := core.AutoRun{RunID: runID, RunTime: runTime}
	for _, g := range planned {
		rg := core.AutoRunCategoryGroup{GroupID: g.GroupID, GroupName: g.GroupName}
		for _, c := range g.Categories {
			if !c.AdjustedAmount.IsPositive() || len(c.PostingMonths) == 0 {
				continue
			}
			perPaycheck, err := planner.PerPaycheck(c, freq)
			if err != nil {
				return core.AutoRun{}, err
			}
			rc := core.AutoRunCategory{
				CategoryGUID:                      c.GUID,
				CategoryID:                        c.CategoryID,
				CategoryName:                      c.Name,
				CategoryAmount:                    c.Amount,
				CategoryExtraAmount:               c.ExtraAmount,
				CategoryAdjustedAmount:            c.AdjustedAmount,
				CategoryAdjustedAmountPerPaycheck: core.Round2(perPaycheck),
			}
			for _, pm := range c.PostingMonths {
				included := inc.included(c.GUID, c.CategoryID, pm.Month)
				rc.PostingMonths = append(rc.PostingMonths, core.AutoRunCategoryMonth{
					PostingMonth: pm.Month,
					Included:     included,
					AmountToPost: pm.Amount,
				})
				rc.Included = rc.Included || included
			}
			rg.Categories = append(rg.Categories, rc)
		}
		if len(rg.Categories) > 0 {
			run.CategoryGroups = append(run.CategoryGroups, rg)
		}
	}
	return run, nil
}

// inclusion answers whether a category month is included in a run. The run's
// own toggles win; otherwise the choice made for the same category and month
// in another open run is inherited; otherwise the month is included.
type inclusion struct {
	byGUID     map[string]bool
	byCategory map[string]bool
}

func inclusionFor(runID string, rows []core.AutoRunCategoryRecord) inclusion {
	inc := inclusion{byGUID: map[string]bool{}, byCategory: map[string]bool{}}
	for _, r := range rows {
		month := core.FormatMonth(r.PostingMonth)
		if runID != "" && r.RunID == runID {
			inc.byGUID[r.CategoryGUID+"|"+month] = r.IsIncluded
			continue
		}
		inc.byCategory[r.CategoryID+"|"+month] = r.IsIncluded
	}
	return inc
}

func (inc inclusion) included(guid, categoryID string, month time.Time) bool {
	m := core.FormatMonth(month)
	if v, ok := inc.byGUID[guid+"|"+m]; ok {
		return v
	}
	if v, ok := inc.byCategory[categoryID+"|"+m]; ok {
		return v
	}
	return true
}

func rowsByRun(rows []core.AutoRunCategoryRecord) map[string][]core.AutoRunCategoryRecord {
	out := make(map[string][]core.AutoRunCategoryRecord)
	for _, r := range rows {
		out[r.RunID] = append(out[r.RunID], r)
	}
	return out
}

// runIndex resolves stored run rows against the current budget and category
// configuration, including categories since hidden or deleted on the ledger.
type runIndex struct {
	cats       core.CategoryIndex
	configs    map[string]core.CategoryConfig
	groupNames map[string]string
	order      map[string]int
}

func newRunIndex(b core.Budget, configs []core.CategoryConfig) *runIndex {
	ix := &runIndex{
		cats:       core.NewCategoryIndex(b),
		configs:    make(map[string]core.CategoryConfig, len(configs)),
		groupNames: make(map[string]string),
		order:      b.GroupOrder(),
	}
	for _, c := range configs {
		ix.configs[c.CategoryID] = c
	}
	if len(b.Months) > 0 {
		for _, g := range b.Months[0].Groups {
			ix.groupNames[g.CategoryGroupID] = g.CategoryGroupName
		}
	}
	return ix
}

func (ix *runIndex) rebuildAll(recs []core.AutoRunRecord, rows []core.AutoRunCategoryRecord) []core.AutoRun {
	byRun := rowsByRun(rows)
	out := make([]core.AutoRun, 0, len(recs))
	for _, rec := range recs {
		out = append(out, ix.rebuild(rec, byRun[rec.RunID]))
	}
	return out
}

type resolved struct {
	guid      string
	groupID   string
	groupName string
	name      string
}

// resolve fills in what a stored row no longer knows about its category.
// orphanGroup collects categories whose group cannot be found at all.
func (ix *runIndex) resolve(r core.AutoRunCategoryRecord, orphanGroup *string) resolved {
	res := resolved{guid: r.CategoryGUID, groupID: r.CategoryGroupID}
	if cfg, ok := ix.configs[r.CategoryID]; ok {
		if res.guid == "" {
			res.guid = cfg.GUID
		}
		if res.groupID == "" {
			res.groupID = cfg.CategoryGroupID
		}
	}
	if bc, ok := ix.cats[r.CategoryID]; ok {
		res.name = bc.Name
		if res.groupID == "" {
			res.groupID = bc.CategoryGroupID
		}
	}
	if res.groupID == "" {
		if *orphanGroup == "" {
			*orphanGroup = uuid.NewString()
		}
		res.groupID = *orphanGroup
	}
	if res.guid == "" {
		res.guid = uuid.NewString()
	}
	if res.name == "" {
		res.name = deletedCategoryName
	}
	res.groupName = ix.groupNames[res.groupID]
	if res.groupName == "" {
		res.groupName = unknownGroupName
	}
	return res
}

// rebuild turns the stored rows of a locked or past run back into groups of
// categories with their posting months, in ledger group order.
func (ix *runIndex) rebuild(rec core.AutoRunRecord, rows []core.AutoRunCategoryRecord) core.AutoRun {
	type groupAcc struct {
		group core.AutoRunCategoryGroup
		cats  []*core.AutoRunCategory
	}

	var (
		orphan     string
		groups     = map[string]*groupAcc{}
		groupOrder []string
		cats       = map[string]*core.AutoRunCategory{}
	)
	for _, r := range rows {
		c, ok := cats[r.CategoryID]
		if !ok {
			res := ix.resolve(r, &orphan)
			g, ok := groups[res.groupID]
			if !ok {
				g = &groupAcc{group: core.AutoRunCategoryGroup{GroupID: res.groupID, GroupName: res.groupName}}
				groups[res.groupID] = g
				groupOrder = append(groupOrder, res.groupID)
			}
			c = &core.AutoRunCategory{
				CategoryGUID:                      res.guid,
				CategoryID:                        r.CategoryID,
				CategoryName:                      res.name,
				CategoryAmount:                    r.CategoryAmount,
				CategoryExtraAmount:               r.CategoryExtraAmount,
				CategoryAdjustedAmount:            r.CategoryAdjustedAmount,
				CategoryAdjustedAmountPerPaycheck: r.CategoryAdjAmountPerPaycheck,
			}
			cats[r.CategoryID] = c
			g.cats = append(g.cats, c)
		}
		c.PostingMonths = append(c.PostingMonths, core.AutoRunCategoryMonth{
			PostingMonth:      r.PostingMonth,
			Included:          r.IsIncluded,
			AmountToPost:      r.AmountToPost,
			AmountPosted:      r.AmountPosted,
			OldAmountBudgeted: r.OldAmountBudgeted,
			NewAmountBudgeted: r.NewAmountBudgeted,
		})
		c.Included = c.Included || r.IsIncluded
	}

	sort.SliceStable(groupOrder, func(i, j int) bool {
		oi, iok := ix.order[groupOrder[i]]
		oj, jok := ix.order[groupOrder[j]]
		if iok != jok {
			return iok
		}
		return oi < oj
	})

	run := core.AutoRun{RunID: rec.RunID, RunTime: rec.RunTime, IsLocked: rec.IsLocked}
	for _, id := range groupOrder {
		g := groups[id]
		for _, c := range g.cats {
			sort.Slice(c.PostingMonths, func(i, j int) bool {
				return c.PostingMonths[i].PostingMonth.Before(c.PostingMonths[j].PostingMonth)
			})
			g.group.Categories = append(g.group.Categories, *c)
		}
		run.CategoryGroups = append(run.CategoryGroups, g.group)
	}
	return run
}

// flatten turns a generated run into the rows stored when it is locked.
func flatten(run core.AutoRun) []core.LockedResult {
	var rows []core.LockedResult
	for _, g := range run.CategoryGroups {
		for _, c := range g.Categories {
			for _, m := range c.PostingMonths {
				rows = append(rows, core.LockedResult{
					RunID:                        run.RunID,
					CategoryID:                   c.CategoryID,
					PostingMonth:                 m.PostingMonth,
					AmountToPost:                 m.AmountToPost,
					IsIncluded:                   m.Included,
					CategoryAmount:               c.CategoryAmount,
					CategoryExtraAmount:          c.CategoryExtraAmount,
					CategoryAdjustedAmount:       c.CategoryAdjustedAmount,
					CategoryAdjAmountPerPaycheck: c.CategoryAdjustedAmountPerPaycheck,
				})
			}
		}
	}
	return rows
}
