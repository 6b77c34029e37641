// Package http exposes the automation lifecycle as a small JSON API.
package http

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"evercent/internal/autorun"
	"evercent/internal/core"
	"evercent/internal/log"
	"evercent/internal/middleware/ratelimit"
	"evercent/internal/middleware/security"
	"evercent/internal/middleware/trace"
)

// AutoRunService is the part of the automation service the API drives.
type AutoRunService interface {
	GetAllData(ctx context.Context, userID string) (autorun.AllData, error)
	SaveAutoRun(ctx context.Context, userID, budgetID string, runTime time.Time, toggles []core.CategoryToggle) (string, error)
	CancelAutoRuns(ctx context.Context, userID, budgetID string) error
	LockDue(ctx context.Context) (int, error)
	ExecuteDue(ctx context.Context) ([]core.RunSummary, error)

	UpdateUserDetails(ctx context.Context, userID string, monthlyIncome decimal.Decimal, freq core.PayFrequency, nextPaydate time.Time) error
	UpdateMonthsAheadTarget(ctx context.Context, userID string, target int) error
	UpdateCategoryDetails(ctx context.Context, userID, budgetID string, cfg core.CategoryConfig) error
	UpdateCategoryAmount(ctx context.Context, userID, budgetID, categoryID string, amount decimal.Decimal) error

	ListBudgets(ctx context.Context, userID string) ([]core.BudgetSummary, error)
	SwitchBudget(ctx context.Context, userID, budgetID string) error
	AuthorizeURL(userID string) (string, error)
	AuthorizeCallback(ctx context.Context, userID, code string) error
	AuditLog(ctx context.Context, userID string, limit int) ([]core.AuditEntry, error)
}

// ServerConfig tunes the API server.
type ServerConfig struct {
	// RateLimitRPM bounds mutating requests per client and minute.
	RateLimitRPM int
	// ClientBaseURL is where the OAuth callback sends the browser back to.
	// It is also the only origin allowed by CORS.
	ClientBaseURL string
	// TrustedProxies are extra CIDRs whose forwarding headers are honored.
	TrustedProxies []string
	// Ready reports whether dependencies are reachable. Nil means always ready.
	Ready func(ctx context.Context) error
}

type Server struct {
	http.Server
	svc         AutoRunService
	config      ServerConfig
	logger      *log.Logger
	rateLimiter *ratelimit.Limiter
	tracer      *trace.Middleware
	detector    *security.Detector

	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run
// http.Server.
func NewServer(addr string, svc AutoRunService, config ServerConfig) (*Server, error) {
	clientIP, err := security.NewClientIP(config.TrustedProxies...)
	if err != nil {
		return nil, err
	}

	logger := log.New(log.Config{
		Component: log.ComponentHTTP,
		Handler:   slog.Default().Handler(),
	})
	s := &Server{
		svc:    svc,
		config: config,
		logger: logger,
		rateLimiter: ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: config.RateLimitRPM,
		}),
		tracer:   trace.NewMiddleware(logger, clientIP.Extract),
		detector: security.NewDetector(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handleHealth)
	mux.HandleFunc("GET /readyz", s.handleReady)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	mux.HandleFunc("GET /api/users/{userID}", s.handleGetAllData)
	mux.HandleFunc("PUT /api/users/{userID}", s.handleUpdateUserDetails)
	mux.HandleFunc("PUT /api/users/{userID}/months-ahead", s.handleUpdateMonthsAhead)
	mux.HandleFunc("PUT /api/users/{userID}/budgets/{budgetID}/categories/{categoryID}", s.handleUpdateCategory)
	mux.HandleFunc("PUT /api/users/{userID}/budgets/{budgetID}/categories/{categoryID}/amount", s.handleUpdateCategoryAmount)
	mux.HandleFunc("POST /api/users/{userID}/autoruns", s.handleSaveAutoRun)
	mux.HandleFunc("DELETE /api/users/{userID}/autoruns", s.handleCancelAutoRuns)
	mux.HandleFunc("GET /api/users/{userID}/budgets", s.handleListBudgets)
	mux.HandleFunc("PUT /api/users/{userID}/budget", s.handleSwitchBudget)
	mux.HandleFunc("GET /api/users/{userID}/authorize", s.handleAuthorize)
	mux.HandleFunc("GET /api/users/{userID}/audit", s.handleAuditLog)
	mux.HandleFunc("GET /api/oauth/callback", s.handleOAuthCallback)

	mux.HandleFunc("POST /api/autoruns/lock", s.handleLockDue)
	mux.HandleFunc("POST /api/autoruns/run", s.handleExecuteDue)

	var h http.Handler = mux
	h = s.rateLimiter.Middleware(clientIP.Extract, s.onRateLimited,
		http.MethodPost, http.MethodPut, http.MethodDelete)(h)
	h = s.detector.Middleware(h)
	h = log.ComponentMiddleware(log.ComponentHTTP)(h)
	h = security.Headers(config.ClientBaseURL)(h)
	h = s.tracer.Middleware(h)

	s.Server = http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Shutdown gracefully shuts down the server and the rate limiter cleanup.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.rateLimiter.Stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.config.Ready != nil {
		if err := s.config.Ready(r.Context()); err != nil {
			log.FromContext(r.Context()).WarnContext(r.Context(), "Readiness check failed", log.FieldError, err.Error())
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	t := s.tracer.GetMetrics()
	rl := s.rateLimiter.GetMetrics()
	NewJSONResponse().Data(map[string]int64{
		"total_requests":      t.TotalRequests,
		"server_errors":       t.ServerErrors,
		"last_duration_ms":    t.LastDurationMs,
		"rate_limited_hits":   rl.TotalHits,
		"rate_limit_clients":  rl.ClientCount,
		"suspicious_requests": s.detector.SuspiciousRequests(),
	}).Write(w)
}

func (s *Server) onRateLimited(w http.ResponseWriter, r *http.Request) {
	ErrorResponse(http.StatusTooManyRequests, "too many requests").Write(w)
}

// fail writes the response for err. Server-side failures are logged with the
// request's logger.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	resp := FromError(err)
	if resp.statusCode >= http.StatusInternalServerError {
		fields := log.NewFields().WithRequestID(trace.GetRequestID(r.Context()))
		fields["error_type"] = errorType(err)
		log.NewStructuredLogger(log.FromContext(r.Context())).
			LogError(r.Context(), "Request failed", err, log.ComponentHTTP, op, fields)
	}
	resp.Write(w)
}

// redirectTarget is the client page the OAuth callback returns to.
func (s *Server) redirectTarget(outcome string) string {
	base := strings.TrimRight(s.config.ClientBaseURL, "/")
	if base == "" {
		base = "/"
	} else {
		base += "/"
	}
	return base + "?authorization=" + outcome
}
