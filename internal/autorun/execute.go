package autorun

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"evercent/internal/core"
	"evercent/internal/log"
	"evercent/internal/planner"
)

// ExecuteDue executes every locked run whose run time has passed. Runs
// execute concurrently up to RunConcurrency; postings within a run stay
// sequential. A failed run does not stop the others.
func (s *Service) ExecuteDue(ctx context.Context) ([]core.RunSummary, error) {
	rows, err := s.store.GetLockedAutoRuns(ctx, s.now())
	if err != nil {
		return nil, fmt.Errorf("get locked auto runs: %w", err)
	}
	return s.executeAll(ctx, groupByRun(rows))
}

// ExecuteRun executes a single locked, due run. It is what a run job
// consumer calls.
func (s *Service) ExecuteRun(ctx context.Context, runID string) (core.RunSummary, error) {
	if err := requireID("run_id", runID); err != nil {
		return core.RunSummary{}, err
	}
	rows, err := s.store.GetLockedAutoRuns(ctx, s.now())
	if err != nil {
		return core.RunSummary{}, fmt.Errorf("get locked auto runs: %w", err)
	}
	var own []core.LockedRunRow
	for _, r := range rows {
		if r.RunID == runID {
			own = append(own, r)
		}
	}
	if len(own) == 0 {
		return core.RunSummary{}, fmt.Errorf("run %s: %w", runID, core.ErrNotFound)
	}
	return s.executeRun(ctx, own)
}

// DueRun identifies a locked run ready to execute.
type DueRun struct {
	RunID    string
	UserID   string
	BudgetID string
	RunTime  time.Time
}

// DueRuns lists the locked runs ready to execute, oldest first.
func (s *Service) DueRuns(ctx context.Context) ([]DueRun, error) {
	rows, err := s.store.GetLockedAutoRuns(ctx, s.now())
	if err != nil {
		return nil, fmt.Errorf("get locked auto runs: %w", err)
	}
	runs := groupByRun(rows)
	due := make([]DueRun, 0, len(runs))
	for _, r := range runs {
		due = append(due, DueRun{RunID: r[0].RunID, UserID: r[0].UserID, BudgetID: r[0].BudgetID, RunTime: r[0].RunTime})
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].RunTime.Before(due[j].RunTime) })
	return due, nil
}

func (s *Service) executeAll(ctx context.Context, runs [][]core.LockedRunRow) ([]core.RunSummary, error) {
	var (
		mu        sync.Mutex
		summaries []core.RunSummary
		errs      []error
	)

	// Runs never cancel each other, so the group context is not used.
	var g errgroup.Group
	g.SetLimit(s.cfg.RunConcurrency)
	for _, rows := range runs {
		g.Go(func() error {
			summary, err := s.executeRun(ctx, rows)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("run %s: %w", rows[0].RunID, err))
				return nil
			}
			summaries = append(summaries, summary)
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].RunTime.Before(summaries[j].RunTime)
	})
	return summaries, errors.Join(errs...)
}

// groupByRun splits locked rows by run, keeping the store's order. Within a
// run rows are ordered by category, then ascending month.
func groupByRun(rows []core.LockedRunRow) [][]core.LockedRunRow {
	index := make(map[string]int)
	var runs [][]core.LockedRunRow
	for _, r := range rows {
		i, ok := index[r.RunID]
		if !ok {
			i = len(runs)
			index[r.RunID] = i
			runs = append(runs, nil)
		}
		runs[i] = append(runs[i], r)
	}
	for _, run := range runs {
		sort.SliceStable(run, func(i, j int) bool {
			if run[i].CategoryID != run[j].CategoryID {
				return run[i].CategoryID < run[j].CategoryID
			}
			return run[i].PostingMonth.Before(run[j].PostingMonth)
		})
	}
	return runs
}

// runState is what a single run execution carries between postings.
type runState struct {
	head    core.LockedRunRow
	budget  core.Budget
	index   core.CategoryIndex
	summary core.RunSummary
}

func (s *Service) executeRun(ctx context.Context, rows []core.LockedRunRow) (core.RunSummary, error) {
	head := rows[0]
	st := &runState{
		head: head,
		summary: core.RunSummary{
			RunID:     head.RunID,
			UserID:    head.UserID,
			UserEmail: head.UserEmail,
			BudgetID:  head.BudgetID,
			RunTime:   head.RunTime,
		},
	}

	var postings []core.LockedRunRow
	for _, r := range rows {
		if r.CategoryID == "" || !r.IsIncluded || !r.AmountToPost.IsPositive() {
			continue
		}
		postings = append(postings, r)
	}

	s.logger.InfoContext(ctx, "Executing run",
		log.FieldRunID, head.RunID,
		log.FieldUserID, head.UserID,
		log.FieldBudgetID, head.BudgetID,
		"postings", len(postings))

	if len(postings) > 0 {
		budget, err := s.ledger.GetBudget(ctx, head.UserID, head.BudgetID)
		if err != nil {
			return st.summary, s.fail(ctx, st, fmt.Errorf("get budget: %w", err))
		}
		st.budget = budget
		st.index = core.NewCategoryIndex(budget)
	}

	for i, r := range postings {
		if i > 0 {
			if err := s.pause(ctx, s.cfg.PostingDelay); err != nil {
				return st.summary, s.fail(ctx, st, err)
			}
		}
		if err := s.post(ctx, st, r); err != nil {
			return st.summary, s.fail(ctx, st, err)
		}
	}

	next := nextRunTime(head.PayFrequency, head.RunTime, s.now())
	if err := s.store.CleanupAutomationRun(ctx, head.RunID, next); err != nil {
		return st.summary, s.fail(ctx, st, fmt.Errorf("cleanup automation run: %w", err))
	}

	if len(st.budget.Months) > 0 {
		st.summary.SortByLedgerOrder(st.budget.GroupOrder())
	}
	s.logger.InfoContext(ctx, "Run executed",
		log.FieldRunID, head.RunID,
		log.FieldUserID, head.UserID,
		"postings", len(st.summary.Postings),
		"total_posted", st.summary.TotalPosted.StringFixed(2),
		"next_run", next.Format(time.RFC3339))
	s.audit(ctx, core.AuditEntry{
		UserID:   head.UserID,
		BudgetID: head.BudgetID,
		RunID:    head.RunID,
		Action:   core.AuditRun,
		Details:  fmt.Sprintf("%d postings, %s total", len(st.summary.Postings), st.summary.TotalPosted.StringFixed(2)),
	})
	if s.exporter != nil {
		if err := s.exporter.ExportRun(ctx, st.summary); err != nil {
			s.logger.WarnContext(ctx, "Failed to export run",
				log.FieldRunID, head.RunID,
				log.FieldError, err)
		}
	}
	return st.summary, nil
}

// post writes one category month to the ledger, records the result and rolls
// a recurring expense over when its due month is funded. Once started it is
// not interrupted by cancellation of ctx.
func (s *Service) post(ctx context.Context, st *runState, r core.LockedRunRow) error {
	ctx = context.WithoutCancel(ctx)
	month := core.FormatMonth(r.PostingMonth)

	bm, ok := st.budget.Month(r.PostingMonth)
	if !ok {
		return fmt.Errorf("category %s month %s: %w", r.CategoryID, month, core.ErrInvalidMonth)
	}
	groupID := r.CategoryGroupID
	if groupID == "" {
		groupID, _ = st.index.GroupOf(r.CategoryID)
	}
	bc, ok := bm.Category(groupID, r.CategoryID)
	if !ok {
		// The category may have moved to another group since the run was locked.
		bc, ok = bm.Category("", r.CategoryID)
	}
	if !ok {
		return fmt.Errorf("category %s month %s: %w", r.CategoryID, month,
			&core.ValidationError{Field: "category_id", Reason: "not found in budget"})
	}
	old := bc.Budgeted
	groupID = bc.CategoryGroupID
	groupName, name := bc.CategoryGroupName, bc.Name
	newBudgeted := core.Round2(old.Add(r.AmountToPost))

	if _, err := s.ledger.PostCategoryAmount(ctx, r.UserID, r.BudgetID, r.PostingMonth, r.CategoryID, newBudgeted); err != nil {
		return fmt.Errorf("post category %s month %s: %w", r.CategoryID, month, err)
	}
	if err := s.store.AppendPastAutomationResult(ctx, core.PastAutomationResult{
		RunID:                        r.RunID,
		CategoryID:                   r.CategoryID,
		CategoryAmount:               r.CategoryAmount,
		CategoryExtraAmount:          r.CategoryExtraAmount,
		CategoryAdjustedAmount:       r.CategoryAdjustedAmount,
		CategoryAdjAmountPerPaycheck: r.CategoryAdjAmountPerPaycheck,
		PostingMonth:                 r.PostingMonth,
		OldAmountBudgeted:            old,
		AmountPosted:                 r.AmountToPost,
		NewAmountBudgeted:            newBudgeted,
	}); err != nil {
		return fmt.Errorf("append past automation result: %w", err)
	}
	bm.Apply(groupID, r.CategoryID, r.AmountToPost)

	st.summary.Add(core.CategoryPosting{
		GroupID:      groupID,
		GroupName:    groupName,
		CategoryID:   r.CategoryID,
		CategoryName: name,
		Month:        r.PostingMonth,
		OldBudgeted:  old,
		AmountPosted: r.AmountToPost,
		NewBudgeted:  newBudgeted,
	})
	s.events.LogPosting(ctx, r.RunID, r.UserID, r.BudgetID, log.NewFields().WithPosting(
		r.CategoryID, month, r.AmountToPost.StringFixed(2), old.StringFixed(2), newBudgeted.StringFixed(2)))

	return s.rollOverIfDue(ctx, st, r, bm, groupID)
}

// rollOverIfDue advances a recurring expense to its next due date once the
// posted month is its due month and the category holds the full amount.
func (s *Service) rollOverIfDue(ctx context.Context, st *runState, r core.LockedRunRow, bm *core.BudgetMonth, groupID string) error {
	if r.CategoryGUID == "" {
		return nil
	}
	details, err := s.store.GetRegularExpenseDetails(ctx, r.UserID, r.BudgetID, r.CategoryID)
	if err != nil {
		return fmt.Errorf("get regular expense details: %w", err)
	}
	if details == nil || details.IsMonthly {
		return nil
	}
	bc, ok := bm.Category(groupID, r.CategoryID)
	if !ok {
		return nil
	}
	c := core.Category{CategoryID: r.CategoryID, Amount: r.CategoryAmount, Regular: details}
	if !planner.DueDateAndAmountSet(c, *bc, r.PostingMonth) {
		return nil
	}
	if err := s.store.UpdateCategoryExpenseDivisor(ctx, r.UserID, r.BudgetID, r.CategoryGUID); err != nil {
		return fmt.Errorf("update category expense divisor: %w", err)
	}
	s.logger.InfoContext(ctx, "Recurring expense rolled over",
		log.FieldRunID, r.RunID,
		log.FieldCategoryID, r.CategoryID,
		log.FieldPostingMonth, core.FormatMonth(r.PostingMonth))
	return nil
}

// fail reports a run that stopped. Postings already made stand; the run stays
// locked so its unposted rows are retried on the next pass.
func (s *Service) fail(ctx context.Context, st *runState, err error) error {
	head := st.head
	s.events.LogError(ctx, "Run execution failed", err, log.ComponentAutoRun, log.OpRun,
		log.NewFields().WithRun(head.RunID, head.UserID, head.BudgetID))

	if !errors.Is(err, context.Canceled) {
		nctx := context.WithoutCancel(ctx)
		if nerr := s.notifier.NotifyRunFailed(nctx, core.RunFailure{
			RunID:     head.RunID,
			UserID:    head.UserID,
			UserEmail: head.UserEmail,
			BudgetID:  head.BudgetID,
			RunTime:   head.RunTime,
			Posted:    len(st.summary.Postings),
			Reason:    err.Error(),
		}); nerr != nil {
			s.logger.WarnContext(ctx, "Failed to notify run failure",
				log.FieldRunID, head.RunID,
				log.FieldError, nerr)
		}
	}
	s.audit(context.WithoutCancel(ctx), core.AuditEntry{
		UserID:   head.UserID,
		BudgetID: head.BudgetID,
		RunID:    head.RunID,
		Action:   core.AuditRun,
		Details:  "failed: " + err.Error(),
	})
	return err
}

// nextRunTime is the first paydate after now that follows runTime.
func nextRunTime(freq core.PayFrequency, runTime, now time.Time) time.Time {
	next := freq.Next(runTime)
	for !next.After(now) {
		next = freq.Next(next)
	}
	return next
}
