package autorun

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"evercent/internal/core"
	"evercent/internal/ledger"
	"evercent/internal/storage/memory"
)

var (
	testNow     = time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	testPaydate = time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)
	jan         = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	feb         = time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type cell struct {
	budgeted, available string
}

// testBudget builds 25 months from January 2025 with group g1 holding c1
// (Rent) and c2 (Insurance). cells is keyed by category id, then month offset.
func testBudget(cells map[string]map[int]cell) core.Budget {
	b := core.Budget{ID: "b1", Name: "Household"}
	for i := 0; i < 25; i++ {
		group := core.BudgetMonthCategoryGroup{CategoryGroupID: "g1", CategoryGroupName: "Bills"}
		for _, c := range []struct{ id, name string }{{"c1", "Rent"}, {"c2", "Insurance"}} {
			v := cells[c.id][i]
			if v.budgeted == "" {
				v.budgeted = "0"
			}
			if v.available == "" {
				v.available = "0"
			}
			group.Categories = append(group.Categories, core.BudgetMonthCategory{
				CategoryGroupID:   "g1",
				CategoryGroupName: "Bills",
				CategoryID:        c.id,
				Name:              c.name,
				Budgeted:          dec(v.budgeted),
				Available:         dec(v.available),
			})
		}
		b.Months = append(b.Months, core.BudgetMonth{
			Month:  jan.AddDate(0, i, 0),
			Groups: []core.BudgetMonthCategoryGroup{group},
		})
	}
	return b
}

func cloneBudget(b core.Budget) core.Budget {
	out := b
	out.Months = make([]core.BudgetMonth, len(b.Months))
	for i, m := range b.Months {
		m.Groups = append([]core.BudgetMonthCategoryGroup(nil), m.Groups...)
		for gi := range m.Groups {
			m.Groups[gi].Categories = append([]core.BudgetMonthCategory(nil), m.Groups[gi].Categories...)
		}
		out.Months[i] = m
	}
	return out
}

type posting struct {
	categoryID string
	month      time.Time
	budgeted   decimal.Decimal
}

type fakeLedger struct {
	mu           sync.Mutex
	budget       core.Budget
	posts        []posting
	failCategory string
	budgetReads  int
	exchanged    map[string]string
}

func (f *fakeLedger) GetBudget(_ context.Context, _, budgetID string) (core.Budget, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.budgetReads++
	if budgetID != f.budget.ID {
		return core.Budget{}, &ledger.LedgerError{Op: "get budget", StatusCode: 404, Message: "budget not found"}
	}
	return cloneBudget(f.budget), nil
}

func (f *fakeLedger) ListBudgets(context.Context, string) ([]core.BudgetSummary, error) {
	return []core.BudgetSummary{{ID: f.budget.ID, Name: f.budget.Name}}, nil
}

func (f *fakeLedger) PostCategoryAmount(_ context.Context, _, _ string, month time.Time, categoryID string, budgeted decimal.Decimal) (core.BudgetMonthCategory, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if categoryID == f.failCategory {
		return core.BudgetMonthCategory{}, &ledger.LedgerError{Op: "post category amount", StatusCode: 429, Message: "too many requests"}
	}
	f.posts = append(f.posts, posting{categoryID: categoryID, month: month, budgeted: budgeted})
	m, _ := f.budget.Month(month)
	c, _ := m.Category("", categoryID)
	c.Available = c.Available.Add(budgeted.Sub(c.Budgeted))
	c.Budgeted = budgeted
	return *c, nil
}

func (f *fakeLedger) AuthorizeURL(state string) string {
	return "https://ledger.example/oauth/authorize?state=" + state
}

func (f *fakeLedger) ExchangeCode(_ context.Context, userID, code string) (core.TokenDetails, error) {
	if f.exchanged == nil {
		f.exchanged = map[string]string{}
	}
	f.exchanged[userID] = code
	return core.TokenDetails{AccessToken: "a", RefreshToken: "r", ExpirationDate: testNow.Add(time.Hour)}, nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	failures []core.RunFailure
}

func (n *fakeNotifier) NotifyRunFailed(_ context.Context, f core.RunFailure) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, f)
	return nil
}

type fakeExporter struct {
	runs []core.RunSummary
}

func (e *fakeExporter) ExportRun(_ context.Context, s core.RunSummary) error {
	e.runs = append(e.runs, s)
	return nil
}

// countingStore counts divisor updates on top of the in-memory store.
type countingStore struct {
	*memory.Store
	divisorUpdates int
}

func (s *countingStore) UpdateCategoryExpenseDivisor(ctx context.Context, userID, budgetID, guid string) error {
	s.divisorUpdates++
	return s.Store.UpdateCategoryExpenseDivisor(ctx, userID, budgetID, guid)
}

type fixture struct {
	svc      *Service
	store    *countingStore
	ledger   *fakeLedger
	notifier *fakeNotifier
	exporter *fakeExporter
	pauses   int
}

func newFixture(t *testing.T, b core.Budget, configs ...core.CategoryConfig) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		store:    &countingStore{Store: memory.New()},
		ledger:   &fakeLedger{budget: b},
		notifier: &fakeNotifier{},
		exporter: &fakeExporter{},
	}
	f.svc = NewService(f.store, f.ledger, f.notifier, Config{
		PostingDelay: 2 * time.Second,
		Now:          func() time.Time { return testNow },
		Pause: func(context.Context, time.Duration) error {
			f.pauses++
			return nil
		},
	}).WithExporter(f.exporter)

	if err := f.store.CreateUser(ctx, core.UserData{
		UserID:        "u1",
		Email:         "saver@example.com",
		BudgetID:      "b1",
		MonthlyIncome: dec("4000"),
		PayFrequency:  core.PayMonthly,
		NextPaydate:   testPaydate,
	}); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	if _, err := f.store.GetBudgetCategoryConfig(ctx, "u1", "b1", visibleCategories(b)); err != nil {
		t.Fatalf("GetBudgetCategoryConfig() error = %v", err)
	}
	if len(configs) > 0 {
		if err := f.store.SaveCategoryConfig(ctx, "u1", "b1", configs); err != nil {
			t.Fatalf("SaveCategoryConfig() error = %v", err)
		}
	}
	return f
}

func (f *fixture) guid(t *testing.T, categoryID string) string {
	t.Helper()
	cfgs, err := f.store.GetBudgetCategoryConfig(context.Background(), "u1", "b1", nil)
	if err != nil {
		t.Fatalf("GetBudgetCategoryConfig() error = %v", err)
	}
	for _, c := range cfgs {
		if c.CategoryID == categoryID {
			return c.GUID
		}
	}
	t.Fatalf("no config for %s", categoryID)
	return ""
}

func rent(amount string) core.CategoryConfig {
	return core.CategoryConfig{CategoryGroupID: "g1", CategoryID: "c1", Amount: dec(amount)}
}

func TestRunLifecycle_Rent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testBudget(nil), rent("1500"))

	runID, err := f.svc.SaveAutoRun(ctx, "u1", "", time.Time{}, nil)
	if err != nil {
		t.Fatalf("SaveAutoRun() error = %v", err)
	}

	locked, err := f.svc.LockDue(ctx)
	if err != nil {
		t.Fatalf("LockDue() error = %v", err)
	}
	if locked != 1 {
		t.Errorf("LockDue() = %d, want 1", locked)
	}
	again, err := f.svc.LockDue(ctx)
	if err != nil || again != 0 {
		t.Errorf("second LockDue() = %d, %v, want 0, nil", again, err)
	}

	summaries, err := f.svc.ExecuteDue(ctx)
	if err != nil {
		t.Fatalf("ExecuteDue() error = %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("ExecuteDue() returned %d summaries, want 1", len(summaries))
	}
	s := summaries[0]
	if s.RunID != runID || len(s.Postings) != 1 {
		t.Fatalf("summary = %+v, want one posting for run %s", s, runID)
	}
	p := s.Postings[0]
	if !p.Month.Equal(jan) || !p.OldBudgeted.IsZero() || !p.NewBudgeted.Equal(dec("1500")) || p.CategoryName != "Rent" {
		t.Errorf("posting = %+v, want Rent January 0 -> 1500", p)
	}
	if len(f.ledger.posts) != 1 || !f.ledger.posts[0].budgeted.Equal(dec("1500")) {
		t.Errorf("ledger posts = %+v, want one posting of 1500", f.ledger.posts)
	}
	if f.pauses != 0 {
		t.Errorf("pauses = %d, want 0 for a single posting", f.pauses)
	}
	if len(f.exporter.runs) != 1 {
		t.Errorf("exported runs = %d, want 1", len(f.exporter.runs))
	}

	data, err := f.svc.GetAllData(ctx, "u1")
	if err != nil {
		t.Fatalf("GetAllData() error = %v", err)
	}
	if !data.User.NextPaydate.Equal(testPaydate.AddDate(0, 1, 0)) {
		t.Errorf("NextPaydate = %v, want %v", data.User.NextPaydate, testPaydate.AddDate(0, 1, 0))
	}
	if len(data.PastRuns) != 1 {
		t.Fatalf("PastRuns = %d, want 1", len(data.PastRuns))
	}
	month := data.PastRuns[0].CategoryGroups[0].Categories[0].PostingMonths[0]
	if !month.OldAmountBudgeted.Valid || !month.OldAmountBudgeted.Decimal.IsZero() {
		t.Errorf("OldAmountBudgeted = %v, want 0", month.OldAmountBudgeted)
	}
	if !month.NewAmountBudgeted.Valid || !month.NewAmountBudgeted.Decimal.Equal(dec("1500")) {
		t.Errorf("NewAmountBudgeted = %v, want 1500", month.NewAmountBudgeted)
	}
	if len(data.AutoRuns) != 1 || data.AutoRuns[0].RunID == "" || data.AutoRuns[0].RunID == runID {
		t.Fatalf("AutoRuns = %+v, want the next stored run", data.AutoRuns)
	}
	next := data.AutoRuns[0]
	if pm := next.CategoryGroups[0].Categories[0].PostingMonths; len(pm) != 1 || !pm[0].PostingMonth.Equal(feb) {
		t.Errorf("next run postings = %+v, want February", pm)
	}

	audit, err := f.svc.AuditLog(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("AuditLog() error = %v", err)
	}
	var actions []string
	for _, e := range audit {
		actions = append(actions, e.Action)
	}
	want := []string{core.AuditRun, core.AuditLock, core.AuditSave}
	if len(actions) != len(want) {
		t.Fatalf("audit actions = %v, want %v", actions, want)
	}
	for i := range want {
		if actions[i] != want[i] {
			t.Errorf("audit actions = %v, want %v", actions, want)
			break
		}
	}
}

func TestExecute_RollsOverSemiAnnualOnce(t *testing.T) {
	ctx := context.Background()
	b := testBudget(map[string]map[int]cell{
		"c2": {0: {budgeted: "200", available: "540"}, 1: {available: "540"}},
	})
	insurance := core.CategoryConfig{
		CategoryGroupID: "g1",
		CategoryID:      "c2",
		Amount:          dec("600"),
		Regular: &core.RegularExpenseDetails{
			NextDueDate:    time.Date(2025, 2, 20, 0, 0, 0, 0, time.UTC),
			MonthsDivisor:  3,
			RepeatFreqNum:  6,
			RepeatFreqType: core.RepeatMonths,
			IncludeOnChart: true,
		},
	}
	f := newFixture(t, b, insurance)

	if _, err := f.svc.SaveAutoRun(ctx, "u1", "b1", time.Time{}, nil); err != nil {
		t.Fatalf("SaveAutoRun() error = %v", err)
	}
	if _, err := f.svc.LockDue(ctx); err != nil {
		t.Fatalf("LockDue() error = %v", err)
	}
	summaries, err := f.svc.ExecuteDue(ctx)
	if err != nil {
		t.Fatalf("ExecuteDue() error = %v", err)
	}
	if len(summaries) != 1 || len(summaries[0].Postings) != 1 {
		t.Fatalf("summaries = %+v, want one posting", summaries)
	}
	p := summaries[0].Postings[0]
	if !p.Month.Equal(feb) || !p.AmountPosted.Equal(dec("200")) {
		t.Errorf("posting = %+v, want 200 in February", p)
	}
	if f.store.divisorUpdates != 1 {
		t.Errorf("divisor updates = %d, want 1", f.store.divisorUpdates)
	}

	details, err := f.store.GetRegularExpenseDetails(ctx, "u1", "b1", "c2")
	if err != nil || details == nil {
		t.Fatalf("GetRegularExpenseDetails() = %v, %v", details, err)
	}
	if details.MonthsDivisor != 6 {
		t.Errorf("MonthsDivisor = %d, want 6", details.MonthsDivisor)
	}
	if want := time.Date(2025, 8, 20, 0, 0, 0, 0, time.UTC); !details.NextDueDate.Equal(want) {
		t.Errorf("NextDueDate = %v, want %v", details.NextDueDate, want)
	}

	if _, err := f.svc.ExecuteDue(ctx); err != nil {
		t.Fatalf("second ExecuteDue() error = %v", err)
	}
	if f.store.divisorUpdates != 1 {
		t.Errorf("divisor updates after second pass = %d, want 1", f.store.divisorUpdates)
	}
}

func TestExecute_FailureAbortsRunAndResumes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testBudget(nil), rent("1500"),
		core.CategoryConfig{CategoryGroupID: "g1", CategoryID: "c2", Amount: dec("300")})
	f.ledger.failCategory = "c2"

	runID, err := f.svc.SaveAutoRun(ctx, "u1", "b1", time.Time{}, nil)
	if err != nil {
		t.Fatalf("SaveAutoRun() error = %v", err)
	}
	if _, err := f.svc.LockDue(ctx); err != nil {
		t.Fatalf("LockDue() error = %v", err)
	}

	summaries, err := f.svc.ExecuteDue(ctx)
	if err == nil {
		t.Fatal("ExecuteDue() error = nil, want posting failure")
	}
	if !ledger.IsLedgerError(err) {
		t.Errorf("ExecuteDue() error = %v, want a LedgerError", err)
	}
	if len(summaries) != 0 {
		t.Errorf("ExecuteDue() summaries = %d, want 0", len(summaries))
	}
	if len(f.ledger.posts) != 1 || f.ledger.posts[0].categoryID != "c1" {
		t.Errorf("ledger posts = %+v, want only c1", f.ledger.posts)
	}
	if len(f.notifier.failures) != 1 {
		t.Fatalf("notifications = %d, want 1", len(f.notifier.failures))
	}
	if n := f.notifier.failures[0]; n.RunID != runID || n.Posted != 1 || n.UserEmail != "saver@example.com" {
		t.Errorf("notification = %+v, want run %s with 1 posting", n, runID)
	}

	f.ledger.failCategory = ""
	summaries, err = f.svc.ExecuteDue(ctx)
	if err != nil {
		t.Fatalf("resumed ExecuteDue() error = %v", err)
	}
	if len(summaries) != 1 || len(summaries[0].Postings) != 1 || summaries[0].Postings[0].CategoryID != "c2" {
		t.Fatalf("resumed summaries = %+v, want only c2", summaries)
	}
	if len(f.ledger.posts) != 2 {
		t.Errorf("ledger posts = %d, want 2", len(f.ledger.posts))
	}

	due, err := f.svc.DueRuns(ctx)
	if err != nil || len(due) != 0 {
		t.Errorf("DueRuns() = %v, %v, want none", due, err)
	}
}

// moveCategory moves categoryID into group toGroup in every month of f's
// ledger. An empty toGroup removes the category.
func (f *fakeLedger) moveCategory(categoryID, toGroup string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for mi := range f.budget.Months {
		m := &f.budget.Months[mi]
		var moved *core.BudgetMonthCategory
		for gi := range m.Groups {
			cats := m.Groups[gi].Categories[:0:0]
			for _, c := range m.Groups[gi].Categories {
				if c.CategoryID == categoryID {
					c := c
					moved = &c
					continue
				}
				cats = append(cats, c)
			}
			m.Groups[gi].Categories = cats
		}
		if moved == nil || toGroup == "" {
			continue
		}
		moved.CategoryGroupID = toGroup
		moved.CategoryGroupName = "Moved"
		m.Groups = append(m.Groups, core.BudgetMonthCategoryGroup{
			CategoryGroupID:   toGroup,
			CategoryGroupName: "Moved",
			Categories:        []core.BudgetMonthCategory{*moved},
		})
	}
}

func TestExecute_CategoryMovedAfterLock(t *testing.T) {
	ctx := context.Background()
	b := testBudget(map[string]map[int]cell{"c1": {0: {budgeted: "200"}}})
	f := newFixture(t, b, rent("1500"))

	if _, err := f.svc.SaveAutoRun(ctx, "u1", "b1", time.Time{}, nil); err != nil {
		t.Fatalf("SaveAutoRun() error = %v", err)
	}
	if _, err := f.svc.LockDue(ctx); err != nil {
		t.Fatalf("LockDue() error = %v", err)
	}
	f.ledger.moveCategory("c1", "g2")

	summaries, err := f.svc.ExecuteDue(ctx)
	if err != nil {
		t.Fatalf("ExecuteDue() error = %v", err)
	}
	if len(summaries) != 1 || len(summaries[0].Postings) != 1 {
		t.Fatalf("summaries = %+v, want one posting", summaries)
	}
	p := summaries[0].Postings[0]
	if !p.OldBudgeted.Equal(dec("200")) || !p.AmountPosted.Equal(dec("1300")) || !p.NewBudgeted.Equal(dec("1500")) {
		t.Errorf("posting = %+v, want 200 + 1300 -> 1500", p)
	}
	if p.GroupID != "g2" {
		t.Errorf("posting group = %q, want g2", p.GroupID)
	}
	if len(f.ledger.posts) != 1 || !f.ledger.posts[0].budgeted.Equal(dec("1500")) {
		t.Errorf("ledger posts = %+v, want one posting of 1500", f.ledger.posts)
	}
}

func TestExecute_CategoryDeletedAfterLockAborts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testBudget(map[string]map[int]cell{"c1": {0: {budgeted: "200"}}}), rent("1500"))

	if _, err := f.svc.SaveAutoRun(ctx, "u1", "b1", time.Time{}, nil); err != nil {
		t.Fatalf("SaveAutoRun() error = %v", err)
	}
	if _, err := f.svc.LockDue(ctx); err != nil {
		t.Fatalf("LockDue() error = %v", err)
	}
	f.ledger.moveCategory("c1", "")

	_, err := f.svc.ExecuteDue(ctx)
	if !core.IsValidation(err) {
		t.Errorf("ExecuteDue() error = %v, want a validation error", err)
	}
	if len(f.ledger.posts) != 0 {
		t.Errorf("ledger posts = %+v, want none", f.ledger.posts)
	}
	if len(f.notifier.failures) != 1 {
		t.Errorf("notifications = %d, want 1", len(f.notifier.failures))
	}
}

func TestExecute_PausesBetweenPostings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testBudget(nil), rent("1500"),
		core.CategoryConfig{CategoryGroupID: "g1", CategoryID: "c2", Amount: dec("300")})

	if _, err := f.svc.SaveAutoRun(ctx, "u1", "b1", time.Time{}, nil); err != nil {
		t.Fatalf("SaveAutoRun() error = %v", err)
	}
	if _, err := f.svc.LockDue(ctx); err != nil {
		t.Fatalf("LockDue() error = %v", err)
	}
	summaries, err := f.svc.ExecuteDue(ctx)
	if err != nil {
		t.Fatalf("ExecuteDue() error = %v", err)
	}
	if len(summaries) != 1 || len(summaries[0].Postings) != 2 {
		t.Fatalf("summaries = %+v, want two postings", summaries)
	}
	if f.pauses != 1 {
		t.Errorf("pauses = %d, want 1", f.pauses)
	}
	if f.ledger.budgetReads != 2 {
		t.Errorf("budget reads = %d, want 2 (lock and execute)", f.ledger.budgetReads)
	}
	if !summaries[0].TotalPosted.Equal(dec("1800")) {
		t.Errorf("TotalPosted = %s, want 1800", summaries[0].TotalPosted)
	}
}

func TestExecute_ExcludedMonthsAreSkipped(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testBudget(nil), rent("1500"))
	toggles := []core.CategoryToggle{{CategoryGUID: f.guid(t, "c1"), PostingMonth: jan, Included: false}}

	if _, err := f.svc.SaveAutoRun(ctx, "u1", "b1", time.Time{}, toggles); err != nil {
		t.Fatalf("SaveAutoRun() error = %v", err)
	}

	data, err := f.svc.GetAllData(ctx, "u1")
	if err != nil {
		t.Fatalf("GetAllData() error = %v", err)
	}
	cat := data.AutoRuns[0].CategoryGroups[0].Categories[0]
	if cat.Included || cat.PostingMonths[0].Included {
		t.Errorf("category = %+v, want January excluded", cat)
	}

	if _, err := f.svc.LockDue(ctx); err != nil {
		t.Fatalf("LockDue() error = %v", err)
	}
	summaries, err := f.svc.ExecuteDue(ctx)
	if err != nil {
		t.Fatalf("ExecuteDue() error = %v", err)
	}
	if len(summaries) != 1 || len(summaries[0].Postings) != 0 {
		t.Errorf("summaries = %+v, want one empty run", summaries)
	}
	if len(f.ledger.posts) != 0 {
		t.Errorf("ledger posts = %+v, want none", f.ledger.posts)
	}
}

func TestCancelAutoRuns(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testBudget(nil), rent("1500"))

	if _, err := f.svc.SaveAutoRun(ctx, "u1", "b1", time.Time{}, nil); err != nil {
		t.Fatalf("SaveAutoRun() error = %v", err)
	}
	if _, err := f.svc.LockDue(ctx); err != nil {
		t.Fatalf("LockDue() error = %v", err)
	}
	if err := f.svc.CancelAutoRuns(ctx, "u1", ""); err != nil {
		t.Fatalf("CancelAutoRuns() error = %v", err)
	}

	summaries, err := f.svc.ExecuteDue(ctx)
	if err != nil || len(summaries) != 0 {
		t.Errorf("ExecuteDue() = %v, %v, want nothing to execute", summaries, err)
	}
	data, err := f.store.GetAutoRunData(ctx, "u1", "b1")
	if err != nil {
		t.Fatalf("GetAutoRunData() error = %v", err)
	}
	if len(data.Runs) != 0 || len(data.PastRuns) != 0 {
		t.Errorf("GetAutoRunData() = %+v, want no runs", data)
	}
}

func TestGetAllData_GeneratesNextRun(t *testing.T) {
	f := newFixture(t, testBudget(nil), rent("1500"))

	data, err := f.svc.GetAllData(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetAllData() error = %v", err)
	}
	if data.BudgetName != "Household" {
		t.Errorf("BudgetName = %q, want Household", data.BudgetName)
	}
	if len(data.AutoRuns) != 1 {
		t.Fatalf("AutoRuns = %d, want 1", len(data.AutoRuns))
	}
	run := data.AutoRuns[0]
	if run.RunID != "" || !run.RunTime.Equal(testPaydate) {
		t.Errorf("run = %s at %v, want unsaved run at %v", run.RunID, run.RunTime, testPaydate)
	}
	if len(run.CategoryGroups) != 1 || len(run.CategoryGroups[0].Categories) != 1 {
		t.Fatalf("run groups = %+v, want only Rent", run.CategoryGroups)
	}
	c := run.CategoryGroups[0].Categories[0]
	if c.CategoryName != "Rent" || !c.CategoryAdjustedAmountPerPaycheck.Equal(dec("1500")) {
		t.Errorf("category = %+v, want Rent at 1500 per paycheck", c)
	}
	if len(c.PostingMonths) != 1 || !c.PostingMonths[0].PostingMonth.Equal(jan) || !c.PostingMonths[0].Included {
		t.Errorf("posting months = %+v, want January included", c.PostingMonths)
	}
}

func TestGetAllData_BackfillsDeletedCategory(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testBudget(nil))

	runID, err := f.store.SaveAutoRunDetails(ctx, "u1", "b1", testPaydate, nil)
	if err != nil {
		t.Fatalf("SaveAutoRunDetails() error = %v", err)
	}
	if err := f.store.LockAutoRuns(ctx, runID, []core.LockedResult{{
		RunID: runID, CategoryID: "gone", PostingMonth: jan, AmountToPost: dec("25"), IsIncluded: true,
	}}); err != nil {
		t.Fatalf("LockAutoRuns() error = %v", err)
	}
	if err := f.store.AppendPastAutomationResult(ctx, core.PastAutomationResult{
		RunID: runID, CategoryID: "gone", PostingMonth: jan, AmountPosted: dec("25"), NewAmountBudgeted: dec("25"),
	}); err != nil {
		t.Fatalf("AppendPastAutomationResult() error = %v", err)
	}
	if err := f.store.CleanupAutomationRun(ctx, runID, time.Time{}); err != nil {
		t.Fatalf("CleanupAutomationRun() error = %v", err)
	}

	data, err := f.svc.GetAllData(ctx, "u1")
	if err != nil {
		t.Fatalf("GetAllData() error = %v", err)
	}
	if len(data.PastRuns) != 1 || len(data.PastRuns[0].CategoryGroups) != 1 {
		t.Fatalf("PastRuns = %+v, want one run with one group", data.PastRuns)
	}
	g := data.PastRuns[0].CategoryGroups[0]
	if g.GroupID == "" || g.GroupName != unknownGroupName {
		t.Errorf("group = %s %q, want minted id and %q", g.GroupID, g.GroupName, unknownGroupName)
	}
	c := g.Categories[0]
	if c.CategoryGUID == "" || c.CategoryName != deletedCategoryName {
		t.Errorf("category = %+v, want minted guid and %q", c, deletedCategoryName)
	}
}

func TestActions_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testBudget(nil), rent("100"))

	tests := []struct {
		name string
		run  func() error
	}{
		{"save without user", func() error {
			_, err := f.svc.SaveAutoRun(ctx, "", "b1", time.Time{}, nil)
			return err
		}},
		{"save toggle without guid", func() error {
			_, err := f.svc.SaveAutoRun(ctx, "u1", "b1", time.Time{}, []core.CategoryToggle{{PostingMonth: jan}})
			return err
		}},
		{"unsupported pay frequency", func() error {
			return f.svc.UpdateUserDetails(ctx, "u1", dec("100"), core.PayFrequency("Daily"), testPaydate)
		}},
		{"negative months ahead", func() error {
			return f.svc.UpdateMonthsAheadTarget(ctx, "u1", -1)
		}},
		{"negative category amount", func() error {
			return f.svc.UpdateCategoryAmount(ctx, "u1", "b1", "c1", dec("-5"))
		}},
		{"execute without run id", func() error {
			_, err := f.svc.ExecuteRun(ctx, "")
			return err
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			if !core.IsValidation(err) {
				t.Errorf("error = %v, want ValidationError", err)
			}
		})
	}
}

func TestUpdateCategoryAmount(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testBudget(nil), rent("100"))

	if err := f.svc.UpdateCategoryAmount(ctx, "u1", "b1", "C1", dec("1200")); err != nil {
		t.Fatalf("UpdateCategoryAmount() error = %v", err)
	}
	cfgs, err := f.store.GetBudgetCategoryConfig(ctx, "u1", "b1", nil)
	if err != nil {
		t.Fatalf("GetBudgetCategoryConfig() error = %v", err)
	}
	for _, c := range cfgs {
		if c.CategoryID == "c1" && !c.Amount.Equal(dec("1200")) {
			t.Errorf("c1 amount = %s, want 1200", c.Amount)
		}
	}

	err = f.svc.UpdateCategoryAmount(ctx, "u1", "b1", "missing", dec("1"))
	if !errors.Is(err, core.ErrNotFound) {
		t.Errorf("UpdateCategoryAmount(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSwitchBudgetAndAuthorize(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testBudget(nil))

	if err := f.svc.SwitchBudget(ctx, "u1", "other"); !ledger.IsLedgerError(err) {
		t.Errorf("SwitchBudget(unknown) error = %v, want LedgerError", err)
	}
	if err := f.svc.SwitchBudget(ctx, "u1", "b1"); err != nil {
		t.Fatalf("SwitchBudget() error = %v", err)
	}

	url, err := f.svc.AuthorizeURL("U1")
	if err != nil || url != "https://ledger.example/oauth/authorize?state=u1" {
		t.Errorf("AuthorizeURL() = %q, %v", url, err)
	}
	if err := f.svc.AuthorizeCallback(ctx, "u1", "code-1"); err != nil {
		t.Fatalf("AuthorizeCallback() error = %v", err)
	}
	if f.ledger.exchanged["u1"] != "code-1" {
		t.Errorf("exchanged = %v, want code-1 for u1", f.ledger.exchanged)
	}
}

func TestNextRunTime(t *testing.T) {
	tests := []struct {
		name string
		freq core.PayFrequency
		run  time.Time
		now  time.Time
		want time.Time
	}{
		{"monthly", core.PayMonthly, testPaydate, testNow, testPaydate.AddDate(0, 1, 0)},
		{"weekly", core.PayWeekly, testPaydate, testNow, testPaydate.AddDate(0, 0, 7)},
		{"every two weeks catches up", core.PayEvery2Weeks, testPaydate, testPaydate.AddDate(0, 0, 30), testPaydate.AddDate(0, 0, 42)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := nextRunTime(tt.freq, tt.run, tt.now); !got.Equal(tt.want) {
				t.Errorf("nextRunTime() = %v, want %v", got, tt.want)
			}
		})
	}
}
