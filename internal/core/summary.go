package core

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// CategoryPosting is one executed posting in a run summary.
type CategoryPosting struct {
	GroupID      string
	GroupName    string
	CategoryID   string
	CategoryName string
	Month        time.Time
	OldBudgeted  decimal.Decimal
	AmountPosted decimal.Decimal
	NewBudgeted  decimal.Decimal
}

// RunSummary is a compact report of one executed run.
type RunSummary struct {
	RunID       string
	UserID      string
	UserEmail   string
	BudgetID    string
	RunTime     time.Time
	Postings    []CategoryPosting
	TotalPosted decimal.Decimal
}

// Add appends a posting and keeps the total current.
func (s *RunSummary) Add(p CategoryPosting) {
	s.Postings = append(s.Postings, p)
	s.TotalPosted = s.TotalPosted.Add(p.AmountPosted)
}

// SortByLedgerOrder orders postings by group position in the ledger, then month.
func (s *RunSummary) SortByLedgerOrder(groupOrder map[string]int) {
	sort.SliceStable(s.Postings, func(i, j int) bool {
		a, b := s.Postings[i], s.Postings[j]
		if oa, ob := groupOrder[a.GroupID], groupOrder[b.GroupID]; oa != ob {
			return oa < ob
		}
		return a.Month.Before(b.Month)
	})
}

// RunFailure describes a run whose execution stopped on an error.
type RunFailure struct {
	RunID     string
	UserID    string
	UserEmail string
	BudgetID  string
	RunTime   time.Time
	Posted    int
	Reason    string
}
