package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/shopspring/decimal"

	"evercent/internal/core"
)

var (
	colorBorder = lipgloss.Color("#575653")
	colorAccent = lipgloss.Color("#3AA99F")
	colorMuted  = lipgloss.Color("#6F6E69")
	colorGreen  = lipgloss.Color("#879A39")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorBorder).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(colorAccent).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	mutedStyle  = lipgloss.NewStyle().Foreground(colorMuted).Padding(0, 1)
	totalStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorGreen)
)

func renderTitle(title string) string {
	return titleStyle.Render(title)
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(colorBorder)).
		Headers(headers...)
}

// renderAutoRun lists every posting of run, one row per category month.
// Excluded months are dimmed.
func renderAutoRun(run core.AutoRun) string {
	excluded := map[int]bool{}
	t := newTable("Group", "Category", "Month", "Amount", "Included")
	row := 0
	total := decimal.Zero
	for _, g := range run.CategoryGroups {
		for _, c := range g.Categories {
			for _, m := range c.PostingMonths {
				t.Row(g.GroupName, c.CategoryName, m.PostingMonth.Format("Jan 2006"),
					m.AmountToPost.StringFixed(2), yesNo(m.Included))
				if m.Included {
					total = total.Add(m.AmountToPost)
				} else {
					excluded[row] = true
				}
				row++
			}
		}
	}
	t.StyleFunc(func(r, _ int) lipgloss.Style {
		switch {
		case r == table.HeaderRow:
			return headerStyle
		case excluded[r]:
			return mutedStyle
		default:
			return cellStyle
		}
	})

	state := "open"
	if run.IsLocked {
		state = "locked"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s · %s · %s\n", run.RunID, run.RunTime.Format(time.DateOnly), state)
	b.WriteString(t.Render())
	b.WriteString("\n")
	b.WriteString(totalStyle.Render("Total " + total.StringFixed(2)))
	return b.String()
}

// renderSummary lists what an executed run posted.
func renderSummary(s core.RunSummary) string {
	t := newTable("Group", "Category", "Month", "Old", "Posted", "New").
		StyleFunc(func(r, _ int) lipgloss.Style {
			if r == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	for _, p := range s.Postings {
		t.Row(p.GroupName, p.CategoryName, p.Month.Format("Jan 2006"),
			p.OldBudgeted.StringFixed(2), p.AmountPosted.StringFixed(2), p.NewBudgeted.StringFixed(2))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Run %s · user %s · budget %s\n", s.RunID, s.UserID, s.BudgetID)
	b.WriteString(t.Render())
	b.WriteString("\n")
	b.WriteString(totalStyle.Render("Posted " + s.TotalPosted.StringFixed(2)))
	return b.String()
}

func renderAudit(entries []core.AuditEntry) string {
	if len(entries) == 0 {
		return "No audit entries"
	}
	t := newTable("When", "Action", "Budget", "Run", "Details").
		StyleFunc(func(r, _ int) lipgloss.Style {
			if r == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	for _, e := range entries {
		t.Row(e.CreatedAt.Local().Format(time.DateTime), e.Action, e.BudgetID, e.RunID, e.Details)
	}
	return t.Render()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
