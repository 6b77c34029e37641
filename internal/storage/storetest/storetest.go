// Package storetest holds behaviour checks shared by every Store implementation.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"evercent/internal/core"
	"evercent/internal/storage"
)

var (
	paydate = time.Date(2025, 1, 31, 9, 0, 0, 0, time.UTC)
	feb     = time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	mar     = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
)

// Run exercises s against the behaviour the automation relies on. newStore
// must return an empty store.
func Run(t *testing.T, newStore func(t *testing.T) storage.Store) {
	t.Run("Users", func(t *testing.T) { testUsers(t, newStore(t)) })
	t.Run("Tokens", func(t *testing.T) { testTokens(t, newStore(t)) })
	t.Run("CategoryConfig", func(t *testing.T) { testCategoryConfig(t, newStore(t)) })
	t.Run("RunLifecycle", func(t *testing.T) { testRunLifecycle(t, newStore(t)) })
	t.Run("CancelKeepsPostedHistory", func(t *testing.T) { testCancel(t, newStore(t)) })
	t.Run("AuditLog", func(t *testing.T) { testAudit(t, newStore(t)) })
}

func seedUser(t *testing.T, s storage.Store) core.UserData {
	t.Helper()
	u := core.UserData{
		UserID:            "U-1",
		Email:             "saver@example.com",
		Username:          "saver",
		BudgetID:          "B-1",
		MonthlyIncome:     decimal.NewFromInt(4000),
		PayFrequency:      core.PayMonthly,
		NextPaydate:       paydate,
		MonthsAheadTarget: 6,
	}
	if err := s.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser() error = %v", err)
	}
	u.UserID, u.BudgetID = "u-1", "b-1"
	return u
}

func seedCategories(t *testing.T, s storage.Store, u core.UserData) map[string]string {
	t.Helper()
	cfgs, err := s.GetBudgetCategoryConfig(context.Background(), u.UserID, u.BudgetID, []core.BudgetMonthCategory{
		{CategoryGroupID: "G1", CategoryID: "C1", Name: "Rent"},
		{CategoryGroupID: "G1", CategoryID: "C2", Name: "Insurance"},
	})
	if err != nil {
		t.Fatalf("GetBudgetCategoryConfig() error = %v", err)
	}
	guids := map[string]string{}
	for _, c := range cfgs {
		guids[c.CategoryID] = c.GUID
	}
	return guids
}

func testUsers(t *testing.T, s storage.Store) {
	ctx := context.Background()
	u := seedUser(t, s)

	got, err := s.GetUserData(ctx, u.Email)
	if err != nil {
		t.Fatalf("GetUserData() error = %v", err)
	}
	if got.UserID != "u-1" || got.BudgetID != "b-1" {
		t.Errorf("GetUserData() ids = %q/%q, want normalized u-1/b-1", got.UserID, got.BudgetID)
	}
	if !got.MonthlyIncome.Equal(u.MonthlyIncome) || !got.NextPaydate.Equal(paydate) {
		t.Errorf("GetUserData() = %+v, want income %s paydate %s", got, u.MonthlyIncome, paydate)
	}

	if _, err := s.GetUserByID(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("GetUserByID(missing) error = %v, want ErrNotFound", err)
	}
	if !storage.IsStoreError(func() error { _, err := s.GetUserByID(ctx, "missing"); return err }()) {
		t.Errorf("GetUserByID(missing) error is not a StoreError")
	}

	next := paydate.AddDate(0, 0, 14)
	if err := s.UpdateUserDetails(ctx, "U-1", decimal.NewFromInt(5000), core.PayEvery2Weeks, next); err != nil {
		t.Fatalf("UpdateUserDetails() error = %v", err)
	}
	if err := s.UpdateMonthsAheadTarget(ctx, "u-1", 9); err != nil {
		t.Fatalf("UpdateMonthsAheadTarget() error = %v", err)
	}
	if err := s.UpdateBudgetID(ctx, "u-1", "B-2"); err != nil {
		t.Fatalf("UpdateBudgetID() error = %v", err)
	}
	got, err = s.GetUserByID(ctx, "u-1")
	if err != nil {
		t.Fatalf("GetUserByID() error = %v", err)
	}
	if got.PayFrequency != core.PayEvery2Weeks || !got.NextPaydate.Equal(next) || got.MonthsAheadTarget != 9 || got.BudgetID != "b-2" {
		t.Errorf("GetUserByID() after updates = %+v", got)
	}
	if !got.MonthlyIncome.Equal(decimal.NewFromInt(5000)) {
		t.Errorf("MonthlyIncome = %s, want 5000", got.MonthlyIncome)
	}

	if err := s.UpdateMonthsAheadTarget(ctx, "nobody", 1); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("UpdateMonthsAheadTarget(nobody) error = %v, want ErrNotFound", err)
	}
}

func testTokens(t *testing.T, s storage.Store) {
	ctx := context.Background()
	if _, err := s.GetTokenDetails(ctx, "u-1"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("GetTokenDetails() error = %v, want ErrNotFound", err)
	}

	exp := time.Date(2025, 1, 15, 12, 0, 0, 0, time.UTC)
	for _, access := range []string{"first", "second"} {
		if err := s.SaveTokenDetails(ctx, "U-1", core.TokenDetails{AccessToken: access, RefreshToken: "r", ExpirationDate: exp}); err != nil {
			t.Fatalf("SaveTokenDetails() error = %v", err)
		}
	}
	got, err := s.GetTokenDetails(ctx, "u-1")
	if err != nil {
		t.Fatalf("GetTokenDetails() error = %v", err)
	}
	if got.AccessToken != "second" || got.RefreshToken != "r" || !got.ExpirationDate.Equal(exp) {
		t.Errorf("GetTokenDetails() = %+v, want overwritten token", got)
	}
}

func testCategoryConfig(t *testing.T, s storage.Store) {
	ctx := context.Background()
	u := seedUser(t, s)
	first := seedCategories(t, s, u)
	if len(first) != 2 || first["c1"] == "" || first["c2"] == "" {
		t.Fatalf("seeded guids = %v, want c1 and c2", first)
	}
	again := seedCategories(t, s, u)
	if again["c1"] != first["c1"] {
		t.Errorf("re-seeding changed guid: %s -> %s", first["c1"], again["c1"])
	}

	due := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	err := s.SaveCategoryConfig(ctx, u.UserID, u.BudgetID, []core.CategoryConfig{
		{CategoryGroupID: "g1", CategoryID: "c1", Amount: decimal.NewFromInt(1200)},
		{
			CategoryGroupID: "g1",
			CategoryID:      "C2",
			Amount:          decimal.NewFromInt(600),
			ExtraAmount:     decimal.NewFromInt(10),
			Regular: &core.RegularExpenseDetails{
				NextDueDate:    due,
				MonthsDivisor:  5,
				RepeatFreqNum:  1,
				RepeatFreqType: core.RepeatYears,
				IncludeOnChart: true,
			},
		},
	})
	if err != nil {
		t.Fatalf("SaveCategoryConfig() error = %v", err)
	}

	err = s.SaveCategoryConfig(ctx, u.UserID, u.BudgetID, []core.CategoryConfig{{CategoryID: "c1", Amount: decimal.NewFromInt(-1)}})
	if !core.IsValidation(err) {
		t.Errorf("SaveCategoryConfig(negative) error = %v, want validation error", err)
	}

	cfgs, err := s.GetBudgetCategoryConfig(ctx, u.UserID, u.BudgetID, nil)
	if err != nil {
		t.Fatalf("GetBudgetCategoryConfig() error = %v", err)
	}
	byID := map[string]core.CategoryConfig{}
	for _, c := range cfgs {
		byID[c.CategoryID] = c
	}
	if c := byID["c1"]; !c.Amount.Equal(decimal.NewFromInt(1200)) || c.Regular != nil || c.GUID != first["c1"] {
		t.Errorf("c1 config = %+v", c)
	}
	c2 := byID["c2"]
	if c2.Regular == nil || c2.Regular.MonthsDivisor != 5 || !c2.ExtraAmount.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("c2 config = %+v", c2)
	}

	reg, err := s.GetRegularExpenseDetails(ctx, u.UserID, u.BudgetID, "C2")
	if err != nil || reg == nil {
		t.Fatalf("GetRegularExpenseDetails() = %v, %v", reg, err)
	}
	if !reg.NextDueDate.Equal(due) || reg.RepeatFreqType != core.RepeatYears {
		t.Errorf("GetRegularExpenseDetails() = %+v", reg)
	}
	if reg, err := s.GetRegularExpenseDetails(ctx, u.UserID, u.BudgetID, "c1"); err != nil || reg != nil {
		t.Errorf("GetRegularExpenseDetails(c1) = %v, %v, want nil, nil", reg, err)
	}

	if err := s.UpdateCategoryExpenseDivisor(ctx, u.UserID, u.BudgetID, first["c2"]); err != nil {
		t.Fatalf("UpdateCategoryExpenseDivisor() error = %v", err)
	}
	reg, err = s.GetRegularExpenseDetails(ctx, u.UserID, u.BudgetID, "c2")
	if err != nil {
		t.Fatalf("GetRegularExpenseDetails() error = %v", err)
	}
	if reg.MonthsDivisor != 12 || !reg.NextDueDate.Equal(due.AddDate(1, 0, 0)) {
		t.Errorf("after rollover divisor = %d due = %s, want 12 and %s", reg.MonthsDivisor, reg.NextDueDate, due.AddDate(1, 0, 0))
	}
}

func lockedRows(runID string) []core.LockedResult {
	return []core.LockedResult{
		{RunID: runID, CategoryID: "c1", PostingMonth: feb, AmountToPost: decimal.NewFromInt(100), IsIncluded: true, CategoryAmount: decimal.NewFromInt(1200)},
		{RunID: runID, CategoryID: "c1", PostingMonth: mar, AmountToPost: decimal.NewFromInt(50), IsIncluded: true, CategoryAmount: decimal.NewFromInt(1200)},
	}
}

func testRunLifecycle(t *testing.T, s storage.Store) {
	ctx := context.Background()
	u := seedUser(t, s)
	guids := seedCategories(t, s, u)

	runID, err := s.SaveAutoRunDetails(ctx, u.UserID, u.BudgetID, paydate, []core.CategoryToggle{
		{CategoryGUID: guids["c1"], PostingMonth: feb, Included: true},
		{CategoryGUID: guids["c1"], PostingMonth: mar, Included: false},
	})
	if err != nil || runID == "" {
		t.Fatalf("SaveAutoRunDetails() = %q, %v", runID, err)
	}
	again, err := s.SaveAutoRunDetails(ctx, u.UserID, u.BudgetID, time.Time{}, nil)
	if err != nil || again != runID {
		t.Fatalf("SaveAutoRunDetails() second save = %q, %v, want %q", again, err, runID)
	}
	if _, err := s.SaveAutoRunDetails(ctx, u.UserID, u.BudgetID, time.Time{}, []core.CategoryToggle{
		{CategoryGUID: guids["c1"], PostingMonth: feb, Included: true},
		{CategoryGUID: guids["c1"], PostingMonth: mar, Included: false},
	}); err != nil {
		t.Fatalf("SaveAutoRunDetails() error = %v", err)
	}

	data, err := s.GetAutoRunData(ctx, u.UserID, u.BudgetID)
	if err != nil {
		t.Fatalf("GetAutoRunData() error = %v", err)
	}
	if len(data.Runs) != 1 || data.Runs[0].IsLocked || !data.Runs[0].RunTime.Equal(paydate) {
		t.Fatalf("GetAutoRunData() runs = %+v", data.Runs)
	}
	if len(data.RunCategories) != 2 || data.RunCategories[0].CategoryID != "c1" {
		t.Fatalf("GetAutoRunData() run categories = %+v", data.RunCategories)
	}

	if due, _ := s.GetAutoRunsToLock(ctx, paydate.Add(-time.Hour)); len(due) != 0 {
		t.Errorf("GetAutoRunsToLock(before run) = %d runs, want 0", len(due))
	}
	due, err := s.GetAutoRunsToLock(ctx, paydate)
	if err != nil || len(due) != 1 || due[0].RunID != runID || due[0].PayFrequency != core.PayMonthly {
		t.Fatalf("GetAutoRunsToLock() = %+v, %v", due, err)
	}

	if err := s.LockAutoRuns(ctx, runID, []core.LockedResult{{RunID: "other", CategoryID: "c1", PostingMonth: feb}}); err == nil {
		t.Errorf("LockAutoRuns() with foreign row error = nil, want error")
	}
	for i := 0; i < 2; i++ {
		if err := s.LockAutoRuns(ctx, runID, lockedRows(runID)); err != nil {
			t.Fatalf("LockAutoRuns() attempt %d error = %v", i+1, err)
		}
	}
	if due, _ := s.GetAutoRunsToLock(ctx, paydate); len(due) != 0 {
		t.Errorf("GetAutoRunsToLock() after lock = %d runs, want 0", len(due))
	}

	if rows, _ := s.GetLockedAutoRuns(ctx, paydate.Add(-time.Second)); len(rows) != 0 {
		t.Errorf("GetLockedAutoRuns(before run) = %d rows, want 0", len(rows))
	}
	rows, err := s.GetLockedAutoRuns(ctx, paydate)
	if err != nil || len(rows) != 2 {
		t.Fatalf("GetLockedAutoRuns() = %+v, %v, want 2 rows", rows, err)
	}
	if rows[0].UserEmail != u.Email || rows[0].CategoryGUID != guids["c1"] || rows[0].CategoryGroupID != "g1" {
		t.Errorf("GetLockedAutoRuns()[0] = %+v", rows[0])
	}
	if !rows[0].PostingMonth.Equal(feb) || !rows[0].AmountToPost.Equal(decimal.NewFromInt(100)) {
		t.Errorf("GetLockedAutoRuns()[0] month/amount = %s/%s", rows[0].PostingMonth, rows[0].AmountToPost)
	}

	post := func(month time.Time, amount int64) {
		t.Helper()
		err := s.AppendPastAutomationResult(ctx, core.PastAutomationResult{
			RunID:             runID,
			CategoryID:        "c1",
			PostingMonth:      month,
			OldAmountBudgeted: decimal.Zero,
			AmountPosted:      decimal.NewFromInt(amount),
			NewAmountBudgeted: decimal.NewFromInt(amount),
		})
		if err != nil {
			t.Fatalf("AppendPastAutomationResult() error = %v", err)
		}
	}
	post(feb, 100)
	post(feb, 100)
	if rows, _ := s.GetLockedAutoRuns(ctx, paydate); len(rows) != 1 || !rows[0].PostingMonth.Equal(mar) {
		t.Fatalf("GetLockedAutoRuns() after one posting = %+v, want only March", rows)
	}
	post(mar, 50)
	rows, _ = s.GetLockedAutoRuns(ctx, paydate)
	if len(rows) != 1 || rows[0].CategoryID != "" || rows[0].RunID != runID {
		t.Fatalf("GetLockedAutoRuns() with nothing pending = %+v, want one header row", rows)
	}

	next := paydate.AddDate(0, 1, 0)
	if err := s.CleanupAutomationRun(ctx, runID, next); err != nil {
		t.Fatalf("CleanupAutomationRun() error = %v", err)
	}
	if rows, _ := s.GetLockedAutoRuns(ctx, next); len(rows) != 0 {
		t.Errorf("GetLockedAutoRuns() after cleanup = %d rows, want 0", len(rows))
	}
	user, _ := s.GetUserByID(ctx, u.UserID)
	if !user.NextPaydate.Equal(next) {
		t.Errorf("NextPaydate = %s, want %s", user.NextPaydate, next)
	}

	data, err = s.GetAutoRunData(ctx, u.UserID, u.BudgetID)
	if err != nil {
		t.Fatalf("GetAutoRunData() error = %v", err)
	}
	if len(data.Runs) != 1 || data.Runs[0].RunID == runID || !data.Runs[0].RunTime.Equal(next) {
		t.Errorf("next run = %+v, want a fresh run at %s", data.Runs, next)
	}
	if len(data.PastRuns) != 1 || data.PastRuns[0].RunID != runID {
		t.Fatalf("past runs = %+v", data.PastRuns)
	}
	if len(data.PastRunCategories) != 2 {
		t.Fatalf("past run categories = %+v", data.PastRunCategories)
	}
	first := data.PastRunCategories[0]
	if !first.AmountPosted.Valid || !first.AmountPosted.Decimal.Equal(decimal.NewFromInt(100)) || first.CategoryGUID != guids["c1"] {
		t.Errorf("past run category = %+v", first)
	}
}

func testCancel(t *testing.T, s storage.Store) {
	ctx := context.Background()
	u := seedUser(t, s)
	seedCategories(t, s, u)

	runID, err := s.SaveAutoRunDetails(ctx, u.UserID, u.BudgetID, paydate, nil)
	if err != nil {
		t.Fatalf("SaveAutoRunDetails() error = %v", err)
	}
	if err := s.LockAutoRuns(ctx, runID, lockedRows(runID)); err != nil {
		t.Fatalf("LockAutoRuns() error = %v", err)
	}
	if err := s.AppendPastAutomationResult(ctx, core.PastAutomationResult{
		RunID: runID, CategoryID: "c1", PostingMonth: feb,
		AmountPosted: decimal.NewFromInt(100), NewAmountBudgeted: decimal.NewFromInt(100),
	}); err != nil {
		t.Fatalf("AppendPastAutomationResult() error = %v", err)
	}
	if _, err := s.SaveAutoRunDetails(ctx, u.UserID, u.BudgetID, paydate.AddDate(0, 1, 0), nil); err != nil {
		t.Fatalf("SaveAutoRunDetails() error = %v", err)
	}

	if err := s.CancelAutomationRuns(ctx, u.UserID, u.BudgetID); err != nil {
		t.Fatalf("CancelAutomationRuns() error = %v", err)
	}
	if rows, _ := s.GetLockedAutoRuns(ctx, paydate); len(rows) != 0 {
		t.Errorf("GetLockedAutoRuns() after cancel = %+v, want none", rows)
	}
	data, err := s.GetAutoRunData(ctx, u.UserID, u.BudgetID)
	if err != nil {
		t.Fatalf("GetAutoRunData() error = %v", err)
	}
	if len(data.Runs) != 0 {
		t.Errorf("pending runs after cancel = %+v, want none", data.Runs)
	}
	if len(data.PastRuns) != 1 || data.PastRuns[0].RunID != runID || len(data.PastRunCategories) != 1 {
		t.Errorf("past runs after cancel = %+v / %+v, want the partially posted run", data.PastRuns, data.PastRunCategories)
	}
}

func testAudit(t *testing.T, s storage.Store) {
	ctx := context.Background()
	for _, action := range []string{core.AuditSave, core.AuditCancel} {
		if err := s.AppendAuditLog(ctx, core.AuditEntry{UserID: "U-1", BudgetID: "b-1", Action: action}); err != nil {
			t.Fatalf("AppendAuditLog() error = %v", err)
		}
	}
	if err := s.AppendAuditLog(ctx, core.AuditEntry{UserID: "someone-else", Action: core.AuditRun}); err != nil {
		t.Fatalf("AppendAuditLog() error = %v", err)
	}
	got, err := s.AuditLog(ctx, "u-1", 10)
	if err != nil {
		t.Fatalf("AuditLog() error = %v", err)
	}
	if len(got) != 2 || got[0].Action != core.AuditCancel || got[1].Action != core.AuditSave {
		t.Errorf("AuditLog() = %+v, want cancel then save", got)
	}
	if got[0].CreatedAt.IsZero() {
		t.Errorf("AuditLog() entry has zero CreatedAt")
	}
}
