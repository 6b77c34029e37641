package http

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"evercent/internal/autorun"
	"evercent/internal/core"
)

// JSON shapes of the API. Amounts are decimal strings, months are the first
// day of the month as YYYY-MM-DD.

type userView struct {
	UserID            string          `json:"user_id"`
	Email             string          `json:"email"`
	Username          string          `json:"username"`
	BudgetID          string          `json:"budget_id"`
	MonthlyIncome     decimal.Decimal `json:"monthly_income"`
	PayFrequency      string          `json:"pay_frequency"`
	NextPaydate       time.Time       `json:"next_paydate"`
	MonthsAheadTarget int             `json:"months_ahead_target"`
}

type regularView struct {
	IsMonthly            bool   `json:"is_monthly"`
	NextDueDate          string `json:"next_due_date,omitempty"`
	MonthsDivisor        int    `json:"months_divisor"`
	RepeatFreqNum        int    `json:"repeat_freq_num"`
	RepeatFreqType       string `json:"repeat_freq_type"`
	IncludeOnChart       bool   `json:"include_on_chart"`
	MultipleTransactions bool   `json:"multiple_transactions"`
}

type upcomingView struct {
	ExpenseAmount decimal.Decimal `json:"expense_amount"`
}

type postingMonthView struct {
	Month  string          `json:"month"`
	Amount decimal.Decimal `json:"amount"`
}

type categoryView struct {
	GUID                    string             `json:"guid"`
	CategoryGroupID         string             `json:"category_group_id"`
	CategoryID              string             `json:"category_id"`
	GroupName               string             `json:"group_name"`
	Name                    string             `json:"name"`
	Amount                  decimal.Decimal    `json:"amount"`
	ExtraAmount             decimal.Decimal    `json:"extra_amount"`
	AdjustedAmount          decimal.Decimal    `json:"adjusted_amount"`
	AdjustedAmountPlusExtra decimal.Decimal    `json:"adjusted_amount_plus_extra"`
	RegularExpense          *regularView       `json:"regular_expense,omitempty"`
	UpcomingExpense         *upcomingView      `json:"upcoming_expense,omitempty"`
	MonthsAhead             int                `json:"months_ahead"`
	PostingMonths           []postingMonthView `json:"posting_months"`
}

type categoryGroupView struct {
	GroupID                 string          `json:"group_id"`
	GroupName               string          `json:"group_name"`
	Amount                  decimal.Decimal `json:"amount"`
	ExtraAmount             decimal.Decimal `json:"extra_amount"`
	AdjustedAmount          decimal.Decimal `json:"adjusted_amount"`
	AdjustedAmountPlusExtra decimal.Decimal `json:"adjusted_amount_plus_extra"`
	Categories              []categoryView  `json:"categories"`
}

type autoRunMonthView struct {
	PostingMonth      string              `json:"posting_month"`
	Included          bool                `json:"included"`
	AmountToPost      decimal.Decimal     `json:"amount_to_post"`
	AmountPosted      decimal.NullDecimal `json:"amount_posted"`
	OldAmountBudgeted decimal.NullDecimal `json:"old_amount_budgeted"`
	NewAmountBudgeted decimal.NullDecimal `json:"new_amount_budgeted"`
}

type autoRunCategoryView struct {
	CategoryGUID                      string             `json:"category_guid"`
	CategoryID                        string             `json:"category_id"`
	CategoryName                      string             `json:"category_name"`
	CategoryAmount                    decimal.Decimal    `json:"category_amount"`
	CategoryExtraAmount               decimal.Decimal    `json:"category_extra_amount"`
	CategoryAdjustedAmount            decimal.Decimal    `json:"category_adjusted_amount"`
	CategoryAdjustedAmountPerPaycheck decimal.Decimal    `json:"category_adjusted_amount_per_paycheck"`
	Included                          bool               `json:"included"`
	PostingMonths                     []autoRunMonthView `json:"posting_months"`
}

type autoRunGroupView struct {
	GroupID    string                `json:"group_id"`
	GroupName  string                `json:"group_name"`
	Categories []autoRunCategoryView `json:"categories"`
}

type autoRunView struct {
	RunID          string             `json:"run_id"`
	RunTime        time.Time          `json:"run_time"`
	IsLocked       bool               `json:"is_locked"`
	CategoryGroups []autoRunGroupView `json:"category_groups"`
}

type allDataView struct {
	User           userView            `json:"user"`
	BudgetID       string              `json:"budget_id"`
	BudgetName     string              `json:"budget_name"`
	ToBeBudgeted   decimal.Decimal     `json:"to_be_budgeted"`
	CategoryGroups []categoryGroupView `json:"category_groups"`
	AutoRuns       []autoRunView       `json:"auto_runs"`
	PastRuns       []autoRunView       `json:"past_runs"`
}

type budgetView struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type auditView struct {
	BudgetID  string    `json:"budget_id"`
	RunID     string    `json:"run_id,omitempty"`
	Action    string    `json:"action"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type postingView struct {
	GroupName    string          `json:"group_name"`
	CategoryID   string          `json:"category_id"`
	CategoryName string          `json:"category_name"`
	Month        string          `json:"month"`
	OldBudgeted  decimal.Decimal `json:"old_budgeted"`
	AmountPosted decimal.Decimal `json:"amount_posted"`
	NewBudgeted  decimal.Decimal `json:"new_budgeted"`
}

type runSummaryView struct {
	RunID       string          `json:"run_id"`
	UserID      string          `json:"user_id"`
	BudgetID    string          `json:"budget_id"`
	RunTime     time.Time       `json:"run_time"`
	TotalPosted decimal.Decimal `json:"total_posted"`
	Postings    []postingView   `json:"postings"`
}

func newUserView(u core.UserData) userView {
	return userView{
		UserID:            u.UserID,
		Email:             u.Email,
		Username:          u.Username,
		BudgetID:          u.BudgetID,
		MonthlyIncome:     u.MonthlyIncome,
		PayFrequency:      string(u.PayFrequency),
		NextPaydate:       u.NextPaydate,
		MonthsAheadTarget: u.MonthsAheadTarget,
	}
}

func newRegularView(r *core.RegularExpenseDetails) *regularView {
	if r == nil {
		return nil
	}
	v := &regularView{
		IsMonthly:            r.IsMonthly,
		MonthsDivisor:        r.MonthsDivisor,
		RepeatFreqNum:        r.RepeatFreqNum,
		RepeatFreqType:       string(r.RepeatFreqType),
		IncludeOnChart:       r.IncludeOnChart,
		MultipleTransactions: r.MultipleTransactions,
	}
	if !r.NextDueDate.IsZero() {
		v.NextDueDate = r.NextDueDate.Format("2006-01-02")
	}
	return v
}

func newCategoryView(c core.Category) categoryView {
	v := categoryView{
		GUID:                    c.GUID,
		CategoryGroupID:         c.CategoryGroupID,
		CategoryID:              c.CategoryID,
		GroupName:               c.GroupName,
		Name:                    c.Name,
		Amount:                  c.Amount,
		ExtraAmount:             c.ExtraAmount,
		AdjustedAmount:          c.AdjustedAmount,
		AdjustedAmountPlusExtra: c.AdjustedAmountPlusExtra,
		RegularExpense:          newRegularView(c.Regular),
		MonthsAhead:             c.MonthsAhead,
		PostingMonths:           make([]postingMonthView, 0, len(c.PostingMonths)),
	}
	if c.Upcoming != nil {
		v.UpcomingExpense = &upcomingView{ExpenseAmount: c.Upcoming.ExpenseAmount}
	}
	for _, pm := range c.PostingMonths {
		v.PostingMonths = append(v.PostingMonths, postingMonthView{Month: core.FormatMonth(pm.Month), Amount: pm.Amount})
	}
	return v
}

func newCategoryGroupViews(groups []core.CategoryGroup) []categoryGroupView {
	out := make([]categoryGroupView, 0, len(groups))
	for _, g := range groups {
		v := categoryGroupView{
			GroupID:                 g.GroupID,
			GroupName:               g.GroupName,
			Amount:                  g.Amount,
			ExtraAmount:             g.ExtraAmount,
			AdjustedAmount:          g.AdjustedAmount,
			AdjustedAmountPlusExtra: g.AdjustedAmountPlusExtra,
			Categories:              make([]categoryView, 0, len(g.Categories)),
		}
		for _, c := range g.Categories {
			v.Categories = append(v.Categories, newCategoryView(c))
		}
		out = append(out, v)
	}
	return out
}

func newAutoRunViews(runs []core.AutoRun) []autoRunView {
	out := make([]autoRunView, 0, len(runs))
	for _, r := range runs {
		v := autoRunView{
			RunID:          r.RunID,
			RunTime:        r.RunTime,
			IsLocked:       r.IsLocked,
			CategoryGroups: make([]autoRunGroupView, 0, len(r.CategoryGroups)),
		}
		for _, g := range r.CategoryGroups {
			gv := autoRunGroupView{GroupID: g.GroupID, GroupName: g.GroupName, Categories: make([]autoRunCategoryView, 0, len(g.Categories))}
			for _, c := range g.Categories {
				cv := autoRunCategoryView{
					CategoryGUID:                      c.CategoryGUID,
					CategoryID:                        c.CategoryID,
					CategoryName:                      c.CategoryName,
					CategoryAmount:                    c.CategoryAmount,
					CategoryExtraAmount:               c.CategoryExtraAmount,
					CategoryAdjustedAmount:            c.CategoryAdjustedAmount,
					CategoryAdjustedAmountPerPaycheck: c.CategoryAdjustedAmountPerPaycheck,
					Included:                          c.Included,
					PostingMonths:                     make([]autoRunMonthView, 0, len(c.PostingMonths)),
				}
				for _, m := range c.PostingMonths {
					cv.PostingMonths = append(cv.PostingMonths, autoRunMonthView{
						PostingMonth:      core.FormatMonth(m.PostingMonth),
						Included:          m.Included,
						AmountToPost:      m.AmountToPost,
						AmountPosted:      m.AmountPosted,
						OldAmountBudgeted: m.OldAmountBudgeted,
						NewAmountBudgeted: m.NewAmountBudgeted,
					})
				}
				gv.Categories = append(gv.Categories, cv)
			}
			v.CategoryGroups = append(v.CategoryGroups, gv)
		}
		out = append(out, v)
	}
	return out
}

func newAllDataView(d autorun.AllData) allDataView {
	return allDataView{
		User:           newUserView(d.User),
		BudgetID:       d.BudgetID,
		BudgetName:     d.BudgetName,
		ToBeBudgeted:   d.ToBeBudgeted,
		CategoryGroups: newCategoryGroupViews(d.CategoryGroups),
		AutoRuns:       newAutoRunViews(d.AutoRuns),
		PastRuns:       newAutoRunViews(d.PastRuns),
	}
}

func newRunSummaryViews(summaries []core.RunSummary) []runSummaryView {
	out := make([]runSummaryView, 0, len(summaries))
	for _, s := range summaries {
		v := runSummaryView{
			RunID:       s.RunID,
			UserID:      s.UserID,
			BudgetID:    s.BudgetID,
			RunTime:     s.RunTime,
			TotalPosted: s.TotalPosted,
			Postings:    make([]postingView, 0, len(s.Postings)),
		}
		for _, p := range s.Postings {
			v.Postings = append(v.Postings, postingView{
				GroupName:    p.GroupName,
				CategoryID:   p.CategoryID,
				CategoryName: p.CategoryName,
				Month:        core.FormatMonth(p.Month),
				OldBudgeted:  p.OldBudgeted,
				AmountPosted: p.AmountPosted,
				NewBudgeted:  p.NewBudgeted,
			})
		}
		out = append(out, v)
	}
	return out
}

// Request bodies.

type userDetailsRequest struct {
	MonthlyIncome string `json:"monthly_income"`
	PayFrequency  string `json:"pay_frequency"`
	NextPaydate   string `json:"next_paydate"`
}

type monthsAheadRequest struct {
	Target int `json:"target"`
}

type regularRequest struct {
	IsMonthly            bool   `json:"is_monthly"`
	NextDueDate          string `json:"next_due_date"`
	MonthsDivisor        int    `json:"months_divisor"`
	RepeatFreqNum        int    `json:"repeat_freq_num"`
	RepeatFreqType       string `json:"repeat_freq_type"`
	IncludeOnChart       bool   `json:"include_on_chart"`
	MultipleTransactions bool   `json:"multiple_transactions"`
}

type upcomingRequest struct {
	ExpenseAmount string `json:"expense_amount"`
}

type categoryRequest struct {
	Amount          string           `json:"amount"`
	ExtraAmount     string           `json:"extra_amount"`
	RegularExpense  *regularRequest  `json:"regular_expense"`
	UpcomingExpense *upcomingRequest `json:"upcoming_expense"`
}

type amountRequest struct {
	Amount string `json:"amount"`
}

type toggleRequest struct {
	CategoryGUID string `json:"category_guid"`
	PostingMonth string `json:"posting_month"`
	Included     bool   `json:"included"`
}

type saveRunRequest struct {
	BudgetID string          `json:"budget_id"`
	RunTime  string          `json:"run_time"`
	Toggles  []toggleRequest `json:"toggles"`
}

type switchBudgetRequest struct {
	BudgetID string `json:"budget_id"`
}

// config converts the request into stored category configuration. A
// recurring expense without an explicit divisor saves over its full
// repeat interval.
func (req categoryRequest) config(categoryID string) (core.CategoryConfig, error) {
	cfg := core.CategoryConfig{CategoryID: categoryID}
	var err error
	if cfg.Amount, err = ParseAmount("amount", req.Amount); err != nil {
		return cfg, err
	}
	if req.ExtraAmount != "" {
		if cfg.ExtraAmount, err = ParseAmount("extra_amount", req.ExtraAmount); err != nil {
			return cfg, err
		}
	}
	if r := req.RegularExpense; r != nil {
		due, err := ParseDate("next_due_date", r.NextDueDate)
		if err != nil {
			return cfg, err
		}
		cfg.Regular = &core.RegularExpenseDetails{
			IsMonthly:            r.IsMonthly,
			NextDueDate:          due,
			MonthsDivisor:        r.MonthsDivisor,
			RepeatFreqNum:        r.RepeatFreqNum,
			RepeatFreqType:       core.RepeatFrequencyType(r.RepeatFreqType),
			IncludeOnChart:       r.IncludeOnChart,
			MultipleTransactions: r.MultipleTransactions,
		}
		if cfg.Regular.MonthsDivisor <= 0 && !cfg.Regular.IsMonthly {
			cfg.Regular.MonthsDivisor = cfg.Regular.FrequencyMonths()
		}
	}
	if u := req.UpcomingExpense; u != nil {
		amt, err := ParseAmount("expense_amount", u.ExpenseAmount)
		if err != nil {
			return cfg, err
		}
		cfg.Upcoming = &core.UpcomingExpenseDetails{ExpenseAmount: amt}
	}
	return cfg, nil
}

func (req saveRunRequest) toggles() ([]core.CategoryToggle, error) {
	out := make([]core.CategoryToggle, 0, len(req.Toggles))
	for _, t := range req.Toggles {
		month, err := core.ParseMonth(strings.TrimSpace(t.PostingMonth))
		if err != nil {
			return nil, &core.ValidationError{Field: "posting_month", Reason: err.Error()}
		}
		out = append(out, core.CategoryToggle{
			CategoryGUID: sanitizeInput(t.CategoryGUID),
			PostingMonth: month,
			Included:     t.Included,
		})
	}
	return out, nil
}
