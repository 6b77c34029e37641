package planner

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"evercent/internal/core"
)

var testNow = time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

func newTestPlanner() *Planner {
	return New(func() time.Time { return testNow })
}

func month(offset int) time.Time {
	return time.Date(2025, time.January+time.Month(offset), 1, 0, 0, 0, 0, time.UTC)
}

type cell struct {
	budgeted, activity, available float64
}

// testBudget builds 25 months starting January 2025 with a single group g1
// holding category c1. cells is keyed by month offset.
func testBudget(cells map[int]cell) core.Budget {
	b := core.Budget{ID: "b1"}
	for i := 0; i < 25; i++ {
		c := cells[i]
		b.Months = append(b.Months, core.BudgetMonth{
			Month: month(i),
			Groups: []core.BudgetMonthCategoryGroup{{
				CategoryGroupID:   "g1",
				CategoryGroupName: "Bills",
				Categories: []core.BudgetMonthCategory{{
					CategoryGroupID:   "g1",
					CategoryGroupName: "Bills",
					CategoryID:        "c1",
					Name:              "Rent",
					Budgeted:          decimal.NewFromFloat(c.budgeted),
					Activity:          decimal.NewFromFloat(c.activity),
					Available:         decimal.NewFromFloat(c.available),
				}},
			}},
		})
	}
	return b
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func plainCategory(amount, extra string) core.Category {
	c := core.Category{CategoryGroupID: "g1", CategoryID: "c1", Amount: dec(amount), ExtraAmount: dec(extra)}
	c.AdjustedAmount = c.Amount
	c.AdjustedAmountPlusExtra = c.Amount.Add(c.ExtraAmount)
	return c
}

func recurringCategory(amount string, freqNum, divisor int, freqType core.RepeatFrequencyType, due time.Time) core.Category {
	return core.Category{
		CategoryGroupID: "g1",
		CategoryID:      "c1",
		Amount:          dec(amount),
		Regular: &core.RegularExpenseDetails{
			NextDueDate:    due,
			MonthsDivisor:  divisor,
			RepeatFreqNum:  freqNum,
			RepeatFreqType: freqType,
			IncludeOnChart: true,
		},
	}
}

func TestAdjustedAmount(t *testing.T) {
	p := newTestPlanner()
	empty := testBudget(nil)
	fundedApril := testBudget(map[int]cell{3: {available: 600}})

	excluded := recurringCategory("600", 6, 6, core.RepeatMonths, month(5))
	excluded.Regular.IncludeOnChart = false

	tests := []struct {
		name        string
		category    core.Category
		budget      core.Budget
		recalculate bool
		want        string
	}{
		{"non-recurring keeps amount", plainCategory("1500", "0"), empty, false, "1500"},
		{"monthly regular keeps amount", core.Category{Amount: dec("1500"), Regular: &core.RegularExpenseDetails{IsMonthly: true}}, empty, false, "1500"},
		{"excluded recurring is zero", excluded, empty, false, "0"},
		{"semi-annual divisor six", recurringCategory("600", 6, 6, core.RepeatMonths, month(5)), empty, false, "100"},
		{"semi-annual divisor three", recurringCategory("600", 6, 3, core.RepeatMonths, month(2)), empty, false, "200"},
		{"divisor smaller rate loses to frequency", recurringCategory("600", 6, 12, core.RepeatMonths, month(11)), empty, false, "100"},
		{"yearly frequency", recurringCategory("1200", 1, 12, core.RepeatYears, month(11)), empty, false, "100"},
		{"zero divisor keeps amount", recurringCategory("600", 6, 0, core.RepeatMonths, month(5)), empty, false, "600"},
		{"recalculate counts months to due date", recurringCategory("600", 6, 6, core.RepeatMonths, month(3)), empty, true, "150"},
		{"recalculate uses frequency once funded", recurringCategory("600", 6, 1, core.RepeatMonths, month(3)), fundedApril, true, "100"},
		{"recalculate past due keeps amount", recurringCategory("600", 6, 6, core.RepeatMonths, month(-2)), empty, true, "600"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.AdjustedAmount(tt.category, tt.budget, tt.recalculate)
			if !got.Equal(dec(tt.want)) {
				t.Errorf("AdjustedAmount() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestAdjustedAmount_NudgesFractional(t *testing.T) {
	p := newTestPlanner()
	got := p.AdjustedAmount(recurringCategory("100", 3, 3, core.RepeatMonths, month(2)), testBudget(nil), false)
	if got.IsInteger() {
		t.Fatalf("AdjustedAmount() = %s, want fractional", got)
	}
	if r := core.Round2(got); !r.Equal(dec("33.34")) {
		t.Errorf("Round2(AdjustedAmount()) = %s, want 33.34", r)
	}
}

func assertPostings(t *testing.T, got []core.PostingMonth, want []core.PostingMonth) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("PostingMonths() returned %d entries %v, want %d %v", len(got), got, len(want), want)
	}
	for i := range want {
		if !got[i].Month.Equal(want[i].Month) || !got[i].Amount.Equal(want[i].Amount) {
			t.Errorf("entry %d = {%s %s}, want {%s %s}", i,
				core.FormatMonth(got[i].Month), got[i].Amount, core.FormatMonth(want[i].Month), want[i].Amount)
		}
	}
}

func TestPostingMonths(t *testing.T) {
	multi := plainCategory("1500", "0")
	multi.Regular = &core.RegularExpenseDetails{IsMonthly: true, MultipleTransactions: true}

	tests := []struct {
		name     string
		category core.Category
		freq     core.PayFrequency
		cells    map[int]cell
		want     []core.PostingMonth
	}{
		{
			name:     "rent funded in the current month",
			category: plainCategory("1500", "0"),
			freq:     core.PayMonthly,
			want:     []core.PostingMonth{{Month: month(0), Amount: dec("1500")}},
		},
		{
			name:     "weekly paycheck share",
			category: plainCategory("400", "0"),
			freq:     core.PayWeekly,
			want:     []core.PostingMonth{{Month: month(0), Amount: dec("100")}},
		},
		{
			name:     "fully budgeted month is skipped",
			category: plainCategory("1500", "0"),
			freq:     core.PayMonthly,
			cells:    map[int]cell{0: {budgeted: 1500, available: 1500}},
			want:     []core.PostingMonth{{Month: month(1), Amount: dec("1500")}},
		},
		{
			// available covers the remaining shortfall, so the current month is
			// left alone even though budgeted is short.
			name:     "current month skipped when available covers desired",
			category: plainCategory("1500", "0"),
			freq:     core.PayMonthly,
			cells:    map[int]cell{0: {budgeted: 1000, available: 1000}},
			want:     []core.PostingMonth{{Month: month(1), Amount: dec("1500")}},
		},
		{
			name:     "current month posted when available is short",
			category: plainCategory("1500", "0"),
			freq:     core.PayMonthly,
			cells:    map[int]cell{0: {budgeted: 1000, available: 400}},
			want:     []core.PostingMonth{{Month: month(0), Amount: dec("500")}, {Month: month(1), Amount: dec("1000")}},
		},
		{
			name:     "spending this month skips it",
			category: plainCategory("1500", "0"),
			freq:     core.PayMonthly,
			cells:    map[int]cell{0: {activity: -50, available: -50}},
			want:     []core.PostingMonth{{Month: month(1), Amount: dec("1500")}},
		},
		{
			name:     "multiple transactions ignore spending",
			category: multi,
			freq:     core.PayMonthly,
			cells:    map[int]cell{0: {activity: -50, available: -50}},
			want:     []core.PostingMonth{{Month: month(0), Amount: dec("1500")}},
		},
		{
			name:     "extra spills into following months",
			category: plainCategory("100", "150"),
			freq:     core.PayMonthly,
			want: []core.PostingMonth{
				{Month: month(0), Amount: dec("100")},
				{Month: month(1), Amount: dec("100")},
				{Month: month(2), Amount: dec("50")},
			},
		},
		{
			name:     "every month funded returns nothing",
			category: plainCategory("100", "0"),
			freq:     core.PayMonthly,
			cells:    allMonths(cell{budgeted: 100, available: 100}),
			want:     nil,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestPlanner()
			got, err := p.PostingMonths(tt.category, testBudget(tt.cells), tt.freq, testNow)
			if err != nil {
				t.Fatalf("PostingMonths() error = %v", err)
			}
			assertPostings(t, got, tt.want)
		})
	}
}

func allMonths(c cell) map[int]cell {
	m := make(map[int]cell)
	for i := 0; i < 25; i++ {
		m[i] = c
	}
	return m
}

func TestPostingMonths_NeverExceedsPaycheckShare(t *testing.T) {
	p := newTestPlanner()
	for _, extra := range []string{"0", "0.01", "33.33", "250", "1000.07"} {
		c := plainCategory("100", extra)
		got, err := p.PostingMonths(c, testBudget(map[int]cell{1: {budgeted: 40}}), core.PayEvery2Weeks, testNow)
		if err != nil {
			t.Fatalf("PostingMonths() error = %v", err)
		}
		share := core.Round2(c.AdjustedAmountPlusExtra.Div(decimal.NewFromInt(2)))
		sum := decimal.Zero
		for _, pm := range got {
			if !pm.Amount.IsPositive() {
				t.Errorf("extra %s: non-positive posting %s", extra, pm.Amount)
			}
			sum = sum.Add(pm.Amount)
		}
		if sum.GreaterThan(share) {
			t.Errorf("extra %s: posted %s, exceeds paycheck share %s", extra, sum, share)
		}
	}
}

func TestPostingMonths_UnknownPayFrequency(t *testing.T) {
	p := newTestPlanner()
	_, err := p.PostingMonths(plainCategory("100", "0"), testBudget(nil), core.PayFrequency("Daily"), testNow)
	if !core.IsValidation(err) {
		t.Errorf("PostingMonths() error = %v, want ValidationError", err)
	}
}

func TestPostingMonths_RecalculatesAtDueMonth(t *testing.T) {
	p := newTestPlanner()
	c := recurringCategory("600", 6, 3, core.RepeatMonths, month(1))
	c.ExtraAmount = dec("300")
	c.AdjustedAmount = p.AdjustedAmount(c, testBudget(nil), false)
	c.AdjustedAmountPlusExtra = c.AdjustedAmount.Add(c.ExtraAmount)
	if !c.AdjustedAmount.Equal(dec("200")) {
		t.Fatalf("AdjustedAmount() = %s, want 200", c.AdjustedAmount)
	}

	funded := testBudget(map[int]cell{1: {available: 600}})
	got, err := p.PostingMonths(c, funded, core.PayMonthly, month(1))
	if err != nil {
		t.Fatalf("PostingMonths() error = %v", err)
	}
	assertPostings(t, got, []core.PostingMonth{
		{Month: month(1), Amount: dec("200")},
		{Month: month(2), Amount: dec("100")},
		{Month: month(3), Amount: dec("100")},
		{Month: month(4), Amount: dec("100")},
	})

	unfunded := testBudget(nil)
	got, err = p.PostingMonths(c, unfunded, core.PayMonthly, month(1))
	if err != nil {
		t.Fatalf("PostingMonths() error = %v", err)
	}
	assertPostings(t, got, []core.PostingMonth{
		{Month: month(1), Amount: dec("200")},
		{Month: month(2), Amount: dec("200")},
		{Month: month(3), Amount: dec("100")},
	})
}

func TestPostingMonthsOverride(t *testing.T) {
	p := newTestPlanner()
	got, err := p.PostingMonthsOverride(plainCategory("100", "0"), testBudget(nil), core.PayMonthly, testNow, 3)
	if err != nil {
		t.Fatalf("PostingMonthsOverride() error = %v", err)
	}
	assertPostings(t, got, []core.PostingMonth{
		{Month: month(0), Amount: dec("100")},
		{Month: month(1), Amount: dec("100")},
		{Month: month(2), Amount: dec("100")},
	})

	if _, err := p.PostingMonthsOverride(plainCategory("100", "0"), testBudget(nil), core.PayMonthly, testNow, 0); !core.IsValidation(err) {
		t.Errorf("PostingMonthsOverride(count=0) error = %v, want ValidationError", err)
	}
}

func TestMonthsAhead(t *testing.T) {
	p := newTestPlanner()
	c := plainCategory("100", "0")

	tests := []struct {
		name  string
		cells map[int]cell
		want  int
	}{
		{"nothing budgeted", nil, 0},
		{"two months funded", map[int]cell{1: {budgeted: 100}, 2: {budgeted: 100}}, 2},
		{"three months funded", map[int]cell{1: {budgeted: 100}, 2: {budgeted: 100}, 3: {budgeted: 150}}, 3},
		{"gap stops counting", map[int]cell{1: {budgeted: 100}, 3: {budgeted: 100}}, 1},
		{"current month does not count", map[int]cell{0: {budgeted: 100}}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := p.MonthsAhead(c, testBudget(tt.cells), core.PayMonthly, testNow)
			if err != nil {
				t.Fatalf("MonthsAhead() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("MonthsAhead() = %d, want %d", got, tt.want)
			}
		})
	}

	if got, _ := p.MonthsAhead(plainCategory("0", "0"), testBudget(nil), core.PayMonthly, testNow); got != 0 {
		t.Errorf("MonthsAhead(zero amount) = %d, want 0", got)
	}
}

func TestMonthsAhead_NonDecreasingWhenBudgetedGrows(t *testing.T) {
	p := newTestPlanner()
	c := plainCategory("100", "0")
	cells := map[int]cell{}
	prev := 0
	for i := 1; i < 10; i++ {
		cells[i] = cell{budgeted: 100}
		got, err := p.MonthsAhead(c, testBudget(cells), core.PayMonthly, testNow)
		if err != nil {
			t.Fatalf("MonthsAhead() error = %v", err)
		}
		if got < prev {
			t.Fatalf("MonthsAhead() decreased from %d to %d", prev, got)
		}
		prev = got
	}
	if prev != 9 {
		t.Errorf("MonthsAhead() = %d, want 9", prev)
	}
}

func TestBuildCategoryGroups(t *testing.T) {
	p := newTestPlanner()
	b := testBudget(nil)
	for i := range b.Months {
		m := &b.Months[i]
		m.Groups[0].Categories = append(m.Groups[0].Categories,
			core.BudgetMonthCategory{CategoryGroupID: "g1", CategoryID: "c2", Name: "Phone"},
			core.BudgetMonthCategory{CategoryGroupID: "g1", CategoryID: "c3", Name: "Old", Hidden: true},
		)
		m.Groups = append(m.Groups, core.BudgetMonthCategoryGroup{
			CategoryGroupID: "g2", Hidden: true,
			Categories: []core.BudgetMonthCategory{{CategoryGroupID: "g2", CategoryID: "c4"}},
		})
	}
	configs := []core.CategoryConfig{
		{GUID: "guid-1", CategoryGroupID: "g1", CategoryID: "c1", Amount: dec("1500"), ExtraAmount: dec("10")},
		{GUID: "guid-3", CategoryGroupID: "g1", CategoryID: "c3", Amount: dec("99")},
	}

	groups, err := p.BuildCategoryGroups(b, configs, core.PayMonthly, testNow)
	if err != nil {
		t.Fatalf("BuildCategoryGroups() error = %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("BuildCategoryGroups() returned %d groups, want 1", len(groups))
	}
	g := groups[0]
	if len(g.Categories) != 2 {
		t.Fatalf("group has %d categories, want 2", len(g.Categories))
	}
	if g.Categories[0].GUID != "guid-1" || g.Categories[1].CategoryID != "c2" {
		t.Errorf("unexpected categories %+v", g.Categories)
	}
	if !g.Amount.Equal(dec("1500")) || !g.AdjustedAmountPlusExtra.Equal(dec("1510")) {
		t.Errorf("group sums amount=%s adjusted+extra=%s, want 1500/1510", g.Amount, g.AdjustedAmountPlusExtra)
	}
	rent := g.Categories[0]
	if len(rent.PostingMonths) != 2 {
		t.Errorf("rent posting months = %v, want two entries", rent.PostingMonths)
	}
	if !g.Categories[1].Amount.IsZero() {
		t.Errorf("unconfigured category amount = %s, want 0", g.Categories[1].Amount)
	}
}

func TestReschedule(t *testing.T) {
	p := newTestPlanner()
	b := testBudget(nil)
	groups, err := p.BuildCategoryGroups(b, []core.CategoryConfig{{CategoryID: "c1", Amount: dec("100")}}, core.PayMonthly, testNow)
	if err != nil {
		t.Fatalf("BuildCategoryGroups() error = %v", err)
	}
	moved, err := p.Reschedule(groups, b, core.PayMonthly, month(3))
	if err != nil {
		t.Fatalf("Reschedule() error = %v", err)
	}
	assertPostings(t, moved[0].Categories[0].PostingMonths, []core.PostingMonth{{Month: month(3), Amount: dec("100")}})
	assertPostings(t, groups[0].Categories[0].PostingMonths, []core.PostingMonth{{Month: month(0), Amount: dec("100")}})
}
