// Package memory is an in-process Store for development and tests. It keeps
// the same semantics as the SQLite repository without persistence.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"evercent/internal/core"
	"evercent/internal/storage"
)

type (
	runKey struct {
		runID      string
		categoryID string
		month      string
	}

	runRow struct {
		core.AutoRunRecord
		complete bool
	}

	categoryRow struct {
		userID   string
		budgetID string
		config   core.CategoryConfig
	}
)

type Store struct {
	mu         sync.Mutex
	now        func() time.Time
	users      map[string]core.UserData
	tokens     map[string]core.TokenDetails
	categories map[string]*categoryRow // by guid
	runs       map[string]*runRow
	toggles    map[string][]core.CategoryToggle
	locked     map[runKey]core.LockedResult
	results    map[runKey]core.PastAutomationResult
	audit      []core.AuditEntry
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		now:        time.Now,
		users:      map[string]core.UserData{},
		tokens:     map[string]core.TokenDetails{},
		categories: map[string]*categoryRow{},
		runs:       map[string]*runRow{},
		toggles:    map[string][]core.CategoryToggle{},
		locked:     map[runKey]core.LockedResult{},
		results:    map[runKey]core.PastAutomationResult{},
	}
}

func (s *Store) Close() error { return nil }

func opErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &storage.StoreError{Op: op, Err: err}
}

func (s *Store) CreateUser(_ context.Context, u core.UserData) error {
	if err := u.Validate(); err != nil {
		return opErr("create user", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u.UserID = core.NormalizeID(u.UserID)
	u.BudgetID = core.NormalizeID(u.BudgetID)
	if u.BudgetID == "" {
		u.BudgetID = core.PlaceholderBudgetID
	}
	if _, ok := s.users[u.UserID]; ok {
		return opErr("create user", fmt.Errorf("user %s already exists", u.UserID))
	}
	for _, existing := range s.users {
		if existing.Email == u.Email {
			return opErr("create user", fmt.Errorf("email %s already registered", u.Email))
		}
	}
	s.users[u.UserID] = u
	return nil
}

func (s *Store) GetUserData(_ context.Context, email string) (core.UserData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return core.UserData{}, opErr("get user data", core.ErrNotFound)
}

func (s *Store) GetUserByID(_ context.Context, userID string) (core.UserData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[core.NormalizeID(userID)]
	if !ok {
		return core.UserData{}, opErr("get user by id", core.ErrNotFound)
	}
	return u, nil
}

func (s *Store) updateUser(op, userID string, fn func(*core.UserData)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := core.NormalizeID(userID)
	u, ok := s.users[id]
	if !ok {
		return opErr(op, core.ErrNotFound)
	}
	fn(&u)
	s.users[id] = u
	return nil
}

func (s *Store) UpdateUserDetails(_ context.Context, userID string, monthlyIncome decimal.Decimal, freq core.PayFrequency, nextPaydate time.Time) error {
	return s.updateUser("update user details", userID, func(u *core.UserData) {
		u.MonthlyIncome = monthlyIncome
		u.PayFrequency = freq
		u.NextPaydate = nextPaydate
	})
}

func (s *Store) UpdateMonthsAheadTarget(_ context.Context, userID string, target int) error {
	return s.updateUser("update months ahead target", userID, func(u *core.UserData) {
		u.MonthsAheadTarget = target
	})
}

func (s *Store) UpdateBudgetID(_ context.Context, userID, budgetID string) error {
	return s.updateUser("update budget id", userID, func(u *core.UserData) {
		u.BudgetID = core.NormalizeID(budgetID)
	})
}

func (s *Store) GetTokenDetails(_ context.Context, userID string) (core.TokenDetails, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[core.NormalizeID(userID)]
	if !ok {
		return core.TokenDetails{}, opErr("get token details", core.ErrNotFound)
	}
	return t, nil
}

func (s *Store) SaveTokenDetails(_ context.Context, userID string, t core.TokenDetails) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[core.NormalizeID(userID)] = t
	return nil
}

// findCategory must be called with mu held.
func (s *Store) findCategory(userID, budgetID, categoryID string) *categoryRow {
	for _, row := range s.categories {
		if row.userID == userID && row.budgetID == budgetID && row.config.CategoryID == categoryID {
			return row
		}
	}
	return nil
}

func (s *Store) GetBudgetCategoryConfig(_ context.Context, userID, budgetID string, cats []core.BudgetMonthCategory) ([]core.CategoryConfig, error) {
	userID, budgetID = core.NormalizeID(userID), core.NormalizeID(budgetID)
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range cats {
		catID := core.NormalizeID(c.CategoryID)
		if row := s.findCategory(userID, budgetID, catID); row != nil {
			row.config.CategoryGroupID = core.NormalizeID(c.CategoryGroupID)
			continue
		}
		guid := uuid.NewString()
		s.categories[guid] = &categoryRow{
			userID:   userID,
			budgetID: budgetID,
			config: core.CategoryConfig{
				GUID:            guid,
				CategoryGroupID: core.NormalizeID(c.CategoryGroupID),
				CategoryID:      catID,
			},
		}
	}

	var out []core.CategoryConfig
	for _, row := range s.categories {
		if row.userID == userID && row.budgetID == budgetID {
			out = append(out, cloneConfig(row.config))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CategoryGroupID != out[j].CategoryGroupID {
			return out[i].CategoryGroupID < out[j].CategoryGroupID
		}
		return out[i].CategoryID < out[j].CategoryID
	})
	return out, nil
}

func (s *Store) SaveCategoryConfig(_ context.Context, userID, budgetID string, configs []core.CategoryConfig) error {
	userID, budgetID = core.NormalizeID(userID), core.NormalizeID(budgetID)
	for _, c := range configs {
		if err := c.Validate(); err != nil {
			return opErr("save category config", err)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range configs {
		c = cloneConfig(c)
		c.CategoryID = core.NormalizeID(c.CategoryID)
		c.CategoryGroupID = core.NormalizeID(c.CategoryGroupID)
		if row := s.findCategory(userID, budgetID, c.CategoryID); row != nil {
			c.GUID = row.config.GUID
			row.config = c
			continue
		}
		if c.GUID == "" {
			c.GUID = uuid.NewString()
		}
		s.categories[c.GUID] = &categoryRow{userID: userID, budgetID: budgetID, config: c}
	}
	return nil
}

func (s *Store) GetRegularExpenseDetails(_ context.Context, userID, budgetID, categoryID string) (*core.RegularExpenseDetails, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.findCategory(core.NormalizeID(userID), core.NormalizeID(budgetID), core.NormalizeID(categoryID))
	if row == nil || row.config.Regular == nil {
		return nil, nil
	}
	d := *row.config.Regular
	return &d, nil
}

func (s *Store) UpdateCategoryExpenseDivisor(_ context.Context, userID, budgetID, categoryGUID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.categories[categoryGUID]
	if !ok || row.userID != core.NormalizeID(userID) || row.budgetID != core.NormalizeID(budgetID) || row.config.Regular == nil {
		return opErr("update category expense divisor", core.ErrNotFound)
	}
	r := row.config.Regular
	if r.IsMonthly {
		return nil
	}
	months := r.FrequencyMonths()
	updated := *r
	updated.MonthsDivisor = months
	updated.NextDueDate = r.NextDueDate.AddDate(0, months, 0)
	row.config.Regular = &updated
	return nil
}

func (s *Store) GetAutoRunData(_ context.Context, userID, budgetID string) (core.AutoRunData, error) {
	userID, budgetID = core.NormalizeID(userID), core.NormalizeID(budgetID)
	s.mu.Lock()
	defer s.mu.Unlock()

	var data core.AutoRunData
	var pending, past []*runRow
	for _, r := range s.runs {
		if r.UserID != userID || r.BudgetID != budgetID {
			continue
		}
		if r.complete {
			past = append(past, r)
		} else {
			pending = append(pending, r)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].RunTime.Before(pending[j].RunTime) })
	sort.Slice(past, func(i, j int) bool { return past[i].RunTime.After(past[j].RunTime) })
	if len(past) > storage.PastRunHistory {
		past = past[:storage.PastRunHistory]
	}

	for _, r := range pending {
		data.Runs = append(data.Runs, r.AutoRunRecord)
		if !r.IsLocked {
			for _, t := range s.toggles[r.RunID] {
				rec := core.AutoRunCategoryRecord{
					RunID:        r.RunID,
					CategoryGUID: t.CategoryGUID,
					PostingMonth: core.StartOfMonth(t.PostingMonth),
					IsIncluded:   t.Included,
				}
				if cat, ok := s.categories[t.CategoryGUID]; ok {
					rec.CategoryGroupID = cat.config.CategoryGroupID
					rec.CategoryID = cat.config.CategoryID
				}
				data.RunCategories = append(data.RunCategories, rec)
			}
			continue
		}
		for _, k := range s.sortedKeys(s.locked, r.RunID) {
			l := s.locked[k]
			rec := core.AutoRunCategoryRecord{
				RunID:                        r.RunID,
				CategoryID:                   l.CategoryID,
				PostingMonth:                 l.PostingMonth,
				IsIncluded:                   l.IsIncluded,
				AmountToPost:                 l.AmountToPost,
				CategoryAmount:               l.CategoryAmount,
				CategoryExtraAmount:          l.CategoryExtraAmount,
				CategoryAdjustedAmount:       l.CategoryAdjustedAmount,
				CategoryAdjAmountPerPaycheck: l.CategoryAdjAmountPerPaycheck,
			}
			if cat := s.findCategory(r.UserID, r.BudgetID, l.CategoryID); cat != nil {
				rec.CategoryGUID = cat.config.GUID
				rec.CategoryGroupID = cat.config.CategoryGroupID
			}
			if p, ok := s.results[k]; ok {
				rec.AmountPosted = decimal.NewNullDecimal(p.AmountPosted)
				rec.OldAmountBudgeted = decimal.NewNullDecimal(p.OldAmountBudgeted)
				rec.NewAmountBudgeted = decimal.NewNullDecimal(p.NewAmountBudgeted)
			}
			data.RunCategories = append(data.RunCategories, rec)
		}
	}

	for _, r := range past {
		data.PastRuns = append(data.PastRuns, r.AutoRunRecord)
		for _, k := range s.sortedResultKeys(r.RunID) {
			p := s.results[k]
			rec := core.AutoRunCategoryRecord{
				RunID:                        r.RunID,
				CategoryID:                   p.CategoryID,
				PostingMonth:                 p.PostingMonth,
				IsIncluded:                   true,
				AmountToPost:                 p.AmountPosted,
				AmountPosted:                 decimal.NewNullDecimal(p.AmountPosted),
				OldAmountBudgeted:            decimal.NewNullDecimal(p.OldAmountBudgeted),
				NewAmountBudgeted:            decimal.NewNullDecimal(p.NewAmountBudgeted),
				CategoryAmount:               p.CategoryAmount,
				CategoryExtraAmount:          p.CategoryExtraAmount,
				CategoryAdjustedAmount:       p.CategoryAdjustedAmount,
				CategoryAdjAmountPerPaycheck: p.CategoryAdjAmountPerPaycheck,
			}
			if cat := s.findCategory(r.UserID, r.BudgetID, p.CategoryID); cat != nil {
				rec.CategoryGUID = cat.config.GUID
				rec.CategoryGroupID = cat.config.CategoryGroupID
			}
			data.PastRunCategories = append(data.PastRunCategories, rec)
		}
	}
	return data, nil
}

func (s *Store) sortedKeys(m map[runKey]core.LockedResult, runID string) []runKey {
	var keys []runKey
	for k := range m {
		if k.runID == runID {
			keys = append(keys, k)
		}
	}
	sortKeys(keys)
	return keys
}

func (s *Store) sortedResultKeys(runID string) []runKey {
	var keys []runKey
	for k := range s.results {
		if k.runID == runID {
			keys = append(keys, k)
		}
	}
	sortKeys(keys)
	return keys
}

func sortKeys(keys []runKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].categoryID != keys[j].categoryID {
			return keys[i].categoryID < keys[j].categoryID
		}
		return keys[i].month < keys[j].month
	})
}

func (s *Store) SaveAutoRunDetails(_ context.Context, userID, budgetID string, runTime time.Time, toggles []core.CategoryToggle) (string, error) {
	userID, budgetID = core.NormalizeID(userID), core.NormalizeID(budgetID)
	s.mu.Lock()
	defer s.mu.Unlock()

	var open *runRow
	for _, r := range s.runs {
		if r.UserID == userID && r.BudgetID == budgetID && !r.complete && !r.IsLocked {
			if open == nil || r.RunTime.Before(open.RunTime) {
				open = r
			}
		}
	}
	if open == nil {
		if runTime.IsZero() {
			return "", opErr("save auto run details", &core.ValidationError{Field: "run_time", Reason: "is required for a new run"})
		}
		open = &runRow{AutoRunRecord: core.AutoRunRecord{RunID: uuid.NewString(), UserID: userID, BudgetID: budgetID, RunTime: runTime.UTC()}}
		s.runs[open.RunID] = open
	} else if !runTime.IsZero() {
		open.RunTime = runTime.UTC()
	}

	byKey := map[string]int{}
	var saved []core.CategoryToggle
	for _, t := range toggles {
		t.PostingMonth = core.StartOfMonth(t.PostingMonth)
		k := t.CategoryGUID + "|" + core.FormatMonth(t.PostingMonth)
		if i, ok := byKey[k]; ok {
			saved[i] = t
			continue
		}
		byKey[k] = len(saved)
		saved = append(saved, t)
	}
	s.toggles[open.RunID] = saved
	return open.RunID, nil
}

func (s *Store) GetAutoRunsToLock(_ context.Context, before time.Time) ([]core.AutoRunToLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.AutoRunToLock
	for _, r := range s.runs {
		if r.IsLocked || r.complete || r.RunTime.After(before) {
			continue
		}
		u, ok := s.users[r.UserID]
		if !ok {
			continue
		}
		out = append(out, core.AutoRunToLock{
			RunID:        r.RunID,
			UserID:       r.UserID,
			BudgetID:     r.BudgetID,
			RunTime:      r.RunTime,
			PayFrequency: u.PayFrequency,
			NextPaydate:  u.NextPaydate,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunTime.Before(out[j].RunTime) })
	return out, nil
}

func (s *Store) LockAutoRuns(_ context.Context, runID string, rows []core.LockedResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok || r.complete {
		return opErr("lock auto runs", core.ErrNotFound)
	}
	for _, row := range rows {
		if row.RunID != runID {
			return opErr("lock auto runs", fmt.Errorf("snapshot row for run %s in lock of run %s", row.RunID, runID))
		}
	}
	for _, row := range rows {
		row.CategoryID = core.NormalizeID(row.CategoryID)
		row.PostingMonth = core.StartOfMonth(row.PostingMonth)
		row.AmountToPost = core.Round2(row.AmountToPost)
		k := runKey{runID: runID, categoryID: row.CategoryID, month: core.FormatMonth(row.PostingMonth)}
		if _, exists := s.locked[k]; !exists {
			s.locked[k] = row
		}
	}
	r.IsLocked = true
	return nil
}

func (s *Store) GetLockedAutoRuns(_ context.Context, now time.Time) ([]core.LockedRunRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*runRow
	for _, r := range s.runs {
		if r.IsLocked && !r.complete && !r.RunTime.After(now) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !due[i].RunTime.Equal(due[j].RunTime) {
			return due[i].RunTime.Before(due[j].RunTime)
		}
		return due[i].RunID < due[j].RunID
	})

	var out []core.LockedRunRow
	for _, r := range due {
		u := s.users[r.UserID]
		base := core.LockedRunRow{
			LockedResult: core.LockedResult{RunID: r.RunID},
			UserID:       r.UserID,
			UserEmail:    u.Email,
			BudgetID:     r.BudgetID,
			RunTime:      r.RunTime,
			PayFrequency: u.PayFrequency,
		}
		var pending int
		for _, k := range s.sortedKeys(s.locked, r.RunID) {
			if _, done := s.results[k]; done {
				continue
			}
			row := base
			row.LockedResult = s.locked[k]
			if cat := s.findCategory(r.UserID, r.BudgetID, row.CategoryID); cat != nil {
				row.CategoryGUID = cat.config.GUID
				row.CategoryGroupID = cat.config.CategoryGroupID
			}
			out = append(out, row)
			pending++
		}
		if pending == 0 {
			out = append(out, base)
		}
	}
	return out, nil
}

func (s *Store) AppendPastAutomationResult(_ context.Context, p core.PastAutomationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.CategoryID = core.NormalizeID(p.CategoryID)
	p.PostingMonth = core.StartOfMonth(p.PostingMonth)
	p.OldAmountBudgeted = core.Round2(p.OldAmountBudgeted)
	p.AmountPosted = core.Round2(p.AmountPosted)
	p.NewAmountBudgeted = core.Round2(p.NewAmountBudgeted)
	k := runKey{runID: p.RunID, categoryID: p.CategoryID, month: core.FormatMonth(p.PostingMonth)}
	if _, exists := s.results[k]; !exists {
		s.results[k] = p
	}
	return nil
}

func (s *Store) CleanupAutomationRun(_ context.Context, runID string, nextRunTime time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok {
		return opErr("cleanup automation run", core.ErrNotFound)
	}
	r.complete = true
	r.IsLocked = true
	delete(s.toggles, runID)
	if nextRunTime.IsZero() {
		return nil
	}

	if u, ok := s.users[r.UserID]; ok {
		u.NextPaydate = nextRunTime
		s.users[r.UserID] = u
	}
	for _, other := range s.runs {
		if other.UserID == r.UserID && other.BudgetID == r.BudgetID && !other.complete && !other.IsLocked {
			return nil
		}
	}
	next := &runRow{AutoRunRecord: core.AutoRunRecord{
		RunID:    uuid.NewString(),
		UserID:   r.UserID,
		BudgetID: r.BudgetID,
		RunTime:  nextRunTime.UTC(),
	}}
	s.runs[next.RunID] = next
	return nil
}

func (s *Store) CancelAutomationRuns(_ context.Context, userID, budgetID string) error {
	userID, budgetID = core.NormalizeID(userID), core.NormalizeID(budgetID)
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, r := range s.runs {
		if r.UserID != userID || r.BudgetID != budgetID || r.complete {
			continue
		}
		delete(s.toggles, id)
		posted := false
		for k := range s.locked {
			if k.runID != id {
				continue
			}
			if _, done := s.results[k]; done {
				posted = true
				continue
			}
			delete(s.locked, k)
		}
		if posted {
			r.complete = true
		} else {
			delete(s.runs, id)
		}
	}
	return nil
}

func (s *Store) AppendAuditLog(_ context.Context, e core.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	e.UserID = core.NormalizeID(e.UserID)
	e.BudgetID = core.NormalizeID(e.BudgetID)
	s.audit = append(s.audit, e)
	return nil
}

// AuditLog returns a user's audit entries, newest first.
func (s *Store) AuditLog(_ context.Context, userID string, limit int) ([]core.AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := core.NormalizeID(userID)
	var out []core.AuditEntry
	for i := len(s.audit) - 1; i >= 0 && len(out) < limit; i-- {
		if s.audit[i].UserID == id {
			out = append(out, s.audit[i])
		}
	}
	return out, nil
}

func cloneConfig(c core.CategoryConfig) core.CategoryConfig {
	if c.Regular != nil {
		r := *c.Regular
		c.Regular = &r
	}
	if c.Upcoming != nil {
		u := *c.Upcoming
		c.Upcoming = &u
	}
	return c
}
