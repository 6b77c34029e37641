package http

import (
	"net/http"
	"strings"

	"evercent/internal/core"
	"evercent/internal/log"
)

func (s *Server) handleGetAllData(w http.ResponseWriter, r *http.Request) {
	userID, err := PathID(r, "userID")
	if err != nil {
		s.fail(w, r, log.OpRead, err)
		return
	}
	data, err := s.svc.GetAllData(r.Context(), userID)
	if err != nil {
		s.fail(w, r, log.OpRead, err)
		return
	}
	NewJSONResponse().Data(newAllDataView(data)).Write(w)
}

func (s *Server) handleUpdateUserDetails(w http.ResponseWriter, r *http.Request) {
	userID, err := PathID(r, "userID")
	if err != nil {
		s.fail(w, r, log.OpUpdate, err)
		return
	}
	var req userDetailsRequest
	if err := DecodeJSON(r, &req); err != nil {
		s.fail(w, r, log.OpUpdate, err)
		return
	}
	income, err := ParseAmount("monthly_income", req.MonthlyIncome)
	if err != nil {
		s.fail(w, r, log.OpUpdate, err)
		return
	}
	paydate, err := ParseDate("next_paydate", req.NextPaydate)
	if err != nil {
		s.fail(w, r, log.OpUpdate, err)
		return
	}
	freq := core.PayFrequency(strings.TrimSpace(req.PayFrequency))
	if err := s.svc.UpdateUserDetails(r.Context(), userID, income, freq, paydate); err != nil {
		s.fail(w, r, log.OpUpdate, err)
		return
	}
	NoContent().Write(w)
}

func (s *Server) handleUpdateMonthsAhead(w http.ResponseWriter, r *http.Request) {
	userID, err := PathID(r, "userID")
	if err != nil {
		s.fail(w, r, log.OpUpdate, err)
		return
	}
	var req monthsAheadRequest
	if err := DecodeJSON(r, &req); err != nil {
		s.fail(w, r, log.OpUpdate, err)
		return
	}
	if err := s.svc.UpdateMonthsAheadTarget(r.Context(), userID, req.Target); err != nil {
		s.fail(w, r, log.OpUpdate, err)
		return
	}
	NoContent().Write(w)
}

func (s *Server) handleUpdateCategory(w http.ResponseWriter, r *http.Request) {
	userID, budgetID, categoryID, err := categoryPath(r)
	if err != nil {
		s.fail(w, r, log.OpUpdate, err)
		return
	}
	var req categoryRequest
	if err := DecodeJSON(r, &req); err != nil {
		s.fail(w, r, log.OpUpdate, err)
		return
	}
	cfg, err := req.config(categoryID)
	if err != nil {
		s.fail(w, r, log.OpUpdate, err)
		return
	}
	if err := s.svc.UpdateCategoryDetails(r.Context(), userID, budgetID, cfg); err != nil {
		s.fail(w, r, log.OpUpdate, err)
		return
	}
	NoContent().Write(w)
}

func (s *Server) handleUpdateCategoryAmount(w http.ResponseWriter, r *http.Request) {
	userID, budgetID, categoryID, err := categoryPath(r)
	if err != nil {
		s.fail(w, r, log.OpUpdate, err)
		return
	}
	var req amountRequest
	if err := DecodeJSON(r, &req); err != nil {
		s.fail(w, r, log.OpUpdate, err)
		return
	}
	amount, err := ParseAmount("amount", req.Amount)
	if err != nil {
		s.fail(w, r, log.OpUpdate, err)
		return
	}
	if err := s.svc.UpdateCategoryAmount(r.Context(), userID, budgetID, categoryID, amount); err != nil {
		s.fail(w, r, log.OpUpdate, err)
		return
	}
	NoContent().Write(w)
}

func (s *Server) handleSaveAutoRun(w http.ResponseWriter, r *http.Request) {
	userID, err := PathID(r, "userID")
	if err != nil {
		s.fail(w, r, log.OpSave, err)
		return
	}
	var req saveRunRequest
	if err := DecodeJSON(r, &req); err != nil {
		s.fail(w, r, log.OpSave, err)
		return
	}
	runTime, err := ParseDate("run_time", req.RunTime)
	if err != nil {
		s.fail(w, r, log.OpSave, err)
		return
	}
	toggles, err := req.toggles()
	if err != nil {
		s.fail(w, r, log.OpSave, err)
		return
	}
	runID, err := s.svc.SaveAutoRun(r.Context(), userID, sanitizeInput(req.BudgetID), runTime, toggles)
	if err != nil {
		s.fail(w, r, log.OpSave, err)
		return
	}
	NewJSONResponse().Status(http.StatusCreated).Data(map[string]string{"run_id": runID}).Write(w)
}

func (s *Server) handleCancelAutoRuns(w http.ResponseWriter, r *http.Request) {
	userID, err := PathID(r, "userID")
	if err != nil {
		s.fail(w, r, log.OpCancel, err)
		return
	}
	budgetID := sanitizeInput(r.URL.Query().Get("budget_id"))
	if err := s.svc.CancelAutoRuns(r.Context(), userID, budgetID); err != nil {
		s.fail(w, r, log.OpCancel, err)
		return
	}
	NoContent().Write(w)
}

func (s *Server) handleListBudgets(w http.ResponseWriter, r *http.Request) {
	userID, err := PathID(r, "userID")
	if err != nil {
		s.fail(w, r, log.OpRead, err)
		return
	}
	budgets, err := s.svc.ListBudgets(r.Context(), userID)
	if err != nil {
		s.fail(w, r, log.OpRead, err)
		return
	}
	out := make([]budgetView, 0, len(budgets))
	for _, b := range budgets {
		out = append(out, budgetView{ID: b.ID, Name: b.Name})
	}
	NewJSONResponse().Data(out).Write(w)
}

func (s *Server) handleSwitchBudget(w http.ResponseWriter, r *http.Request) {
	userID, err := PathID(r, "userID")
	if err != nil {
		s.fail(w, r, log.OpUpdate, err)
		return
	}
	var req switchBudgetRequest
	if err := DecodeJSON(r, &req); err != nil {
		s.fail(w, r, log.OpUpdate, err)
		return
	}
	if err := s.svc.SwitchBudget(r.Context(), userID, sanitizeInput(req.BudgetID)); err != nil {
		s.fail(w, r, log.OpUpdate, err)
		return
	}
	NoContent().Write(w)
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	userID, err := PathID(r, "userID")
	if err != nil {
		s.fail(w, r, log.OpRead, err)
		return
	}
	url, err := s.svc.AuthorizeURL(userID)
	if err != nil {
		s.fail(w, r, log.OpRead, err)
		return
	}
	NewJSONResponse().Data(map[string]string{"url": url}).Write(w)
}

// handleOAuthCallback finishes the ledger consent flow. The state parameter
// carries the user id. The browser is always sent back to the client.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID := sanitizeInput(q.Get("state"))
	code := sanitizeInput(q.Get("code"))

	if err := s.svc.AuthorizeCallback(r.Context(), userID, code); err != nil {
		log.FromContext(r.Context()).WarnContext(r.Context(), "Authorization callback failed",
			log.FieldUserID, userID,
			log.FieldError, err.Error(),
			"error_type", errorType(err))
		http.Redirect(w, r, s.redirectTarget("failed"), http.StatusFound)
		return
	}
	http.Redirect(w, r, s.redirectTarget("ok"), http.StatusFound)
}

func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	userID, err := PathID(r, "userID")
	if err != nil {
		s.fail(w, r, log.OpRead, err)
		return
	}
	entries, err := s.svc.AuditLog(r.Context(), userID, ParseLimit(r.URL.Query()))
	if err != nil {
		s.fail(w, r, log.OpRead, err)
		return
	}
	out := make([]auditView, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditView{
			BudgetID:  e.BudgetID,
			RunID:     e.RunID,
			Action:    e.Action,
			Details:   e.Details,
			CreatedAt: e.CreatedAt,
		})
	}
	NewJSONResponse().Data(out).Write(w)
}

func (s *Server) handleLockDue(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.LockDue(r.Context())
	if err != nil {
		s.fail(w, r, log.OpLock, err)
		return
	}
	NewJSONResponse().Data(map[string]int{"locked": n}).Write(w)
}

// handleExecuteDue runs every due run. Summaries of runs that succeeded are
// returned even when another run failed.
func (s *Server) handleExecuteDue(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.svc.ExecuteDue(r.Context())
	if err != nil && len(summaries) == 0 {
		s.fail(w, r, log.OpRun, err)
		return
	}
	body := map[string]any{"runs": newRunSummaryViews(summaries)}
	if err != nil {
		log.FromContext(r.Context()).ErrorContext(r.Context(), "Some runs failed",
			log.FieldError, err.Error(),
			"executed", len(summaries))
		body["error"] = "some runs failed"
	}
	NewJSONResponse().Data(body).Write(w)
}

func categoryPath(r *http.Request) (userID, budgetID, categoryID string, err error) {
	if userID, err = PathID(r, "userID"); err != nil {
		return
	}
	if budgetID, err = PathID(r, "budgetID"); err != nil {
		return
	}
	categoryID, err = PathID(r, "categoryID")
	return
}
