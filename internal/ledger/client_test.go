package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"evercent/internal/core"
)

type memTokens struct {
	mu sync.Mutex
	m  map[string]core.TokenDetails
}

func newMemTokens(userID string, t core.TokenDetails) *memTokens {
	return &memTokens{m: map[string]core.TokenDetails{userID: t}}
}

func (s *memTokens) GetTokenDetails(_ context.Context, userID string) (core.TokenDetails, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.m[userID]
	if !ok {
		return core.TokenDetails{}, core.ErrNotFound
	}
	return t, nil
}

func (s *memTokens) SaveTokenDetails(_ context.Context, userID string, t core.TokenDetails) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[userID] = t
	return nil
}

func (s *memTokens) get(userID string) core.TokenDetails {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.m[userID]
}

type fakeLedger struct {
	t          *testing.T
	wantBearer string
	rateLimit  string
	apiCalls   atomic.Int32
	refreshes  atomic.Int32
	lastPatch  atomic.Value
	budgetJSON string
}

func (f *fakeLedger) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		f.refreshes.Add(1)
		var access, refresh string
		switch r.PostForm.Get("grant_type") {
		case "refresh_token":
			if r.PostForm.Get("refresh_token") != "refresh-1" || r.PostForm.Get("client_id") != "client" {
				http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
				return
			}
			access, refresh = "access-2", "refresh-2"
		case "authorization_code":
			access, refresh = "access-code", "refresh-code"
		default:
			http.Error(w, `{"error":"unsupported_grant_type"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":%q,"token_type":"bearer","expires_in":7200,"refresh_token":%q}`, access, refresh)
	})
	mux.HandleFunc("/v1/", func(w http.ResponseWriter, r *http.Request) {
		f.apiCalls.Add(1)
		if got := r.Header.Get("Authorization"); got != "Bearer "+f.wantBearer {
			w.WriteHeader(http.StatusUnauthorized)
			io.WriteString(w, `{"error":{"id":"401","name":"unauthorized","detail":"bad token"}}`)
			return
		}
		if f.rateLimit != "" {
			w.Header().Set(rateLimitHeader, f.rateLimit)
		}
		w.Header().Set("Content-Type", "application/json")
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/v1/budgets":
			io.WriteString(w, `{"data":{"budgets":[{"id":"B1","name":"Home"},{"id":"b2","name":"Work"}]}}`)
		case r.Method == http.MethodGet && (r.URL.Path == "/v1/budgets/b1" || r.URL.Path == "/v1/budgets/default"):
			io.WriteString(w, f.budgetJSON)
		case r.Method == http.MethodPatch && strings.HasPrefix(r.URL.Path, "/v1/budgets/b1/months/"):
			body, _ := io.ReadAll(r.Body)
			f.lastPatch.Store(r.URL.Path + " " + string(body))
			io.WriteString(w, `{"data":{"category":{"id":"C1","category_group_id":"G1","name":"Rent","budgeted":1500000,"activity":0,"balance":1500000}}}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `{"error":{"id":"404.2","name":"resource_not_found","detail":"Resource not found"}}`)
		}
	})
	return mux
}

func budgetFixture(now time.Time) string {
	this := core.StartOfMonth(now)
	months := []string{
		fmt.Sprintf(`{"month":%q,"to_be_budgeted":5000,"categories":[{"id":"C1","category_group_id":"G1","name":"Rent","budgeted":1500000,"activity":-250500,"balance":1249500}]}`, core.FormatMonth(this.AddDate(0, 1, 0))),
		fmt.Sprintf(`{"month":%q,"to_be_budgeted":120000,"categories":[{"id":"C1","category_group_id":"G1","name":"Rent","budgeted":1000000,"activity":0,"balance":1000000}]}`, core.FormatMonth(this)),
		fmt.Sprintf(`{"month":%q,"to_be_budgeted":0,"categories":[]}`, core.FormatMonth(this.AddDate(0, -1, 0))),
	}
	return `{"data":{"budget":{"id":"B1","name":"Home",
		"category_groups":[{"id":"G1","name":"Bills"},{"id":"G0","name":"Internal Master Category"}],
		"categories":[{"id":"C1","category_group_id":"G1","name":"Rent"},{"id":"C0","category_group_id":"G0","name":"Inflow"},{"id":"C2","category_group_id":"G1","name":"Old","hidden":true}],
		"months":[` + strings.Join(months, ",") + `]}}}`
}

func newTestClient(t *testing.T, f *fakeLedger, tokens TokenStore) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	c := NewClient(Config{
		APIURL:       srv.URL + "/v1",
		AuthURL:      srv.URL,
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURI:  "http://localhost/callback",
	}, tokens)
	return c, srv
}

func validToken() core.TokenDetails {
	return core.TokenDetails{AccessToken: "access-1", RefreshToken: "refresh-1", ExpirationDate: time.Now().Add(time.Hour)}
}

func TestClient_GetBudget(t *testing.T) {
	now := time.Now()
	f := &fakeLedger{t: t, wantBearer: "access-1", rateLimit: "10/200", budgetJSON: budgetFixture(now)}
	c, _ := newTestClient(t, f, newMemTokens("u1", validToken()))

	b, err := c.GetBudget(context.Background(), "u1", "B1")
	if err != nil {
		t.Fatalf("GetBudget() error = %v", err)
	}
	if b.ID != "b1" {
		t.Errorf("budget id = %q, want b1", b.ID)
	}
	if len(b.Months) != 2+25 {
		t.Fatalf("months = %d, want 27", len(b.Months))
	}
	first := b.Months[0]
	if !first.Month.Equal(core.StartOfMonth(now)) {
		t.Errorf("first month = %v, want current month", first.Month)
	}
	if !first.TBB.Equal(decimal.NewFromInt(120)) || !b.Months[1].TBB.IsZero() {
		t.Errorf("tbb = %s/%s, want 120/0", first.TBB, b.Months[1].TBB)
	}
	if len(first.Groups) != 1 || first.Groups[0].CategoryGroupID != "g1" {
		t.Fatalf("groups = %+v, want only g1", first.Groups)
	}
	cats := first.Groups[0].Categories
	if len(cats) != 2 || cats[0].CategoryID != "c1" || !cats[1].Hidden {
		t.Fatalf("categories = %+v", cats)
	}
	if !cats[0].Budgeted.Equal(decimal.NewFromInt(1000)) {
		t.Errorf("budgeted = %s, want 1000", cats[0].Budgeted)
	}
	next, _ := b.Months[1].Category("g1", "c1")
	if !next.Activity.Equal(decimal.RequireFromString("-250.5")) {
		t.Errorf("activity = %s, want -250.5", next.Activity)
	}
	padded, _ := b.Months[26].Category("g1", "c1")
	if !padded.Budgeted.IsZero() || !padded.Available.IsZero() {
		t.Errorf("padded month not zeroed: %+v", padded)
	}
	if f.refreshes.Load() != 0 {
		t.Errorf("refreshes = %d, want 0", f.refreshes.Load())
	}
}

func TestClient_RefreshesExpiredToken(t *testing.T) {
	f := &fakeLedger{t: t, wantBearer: "access-2", budgetJSON: budgetFixture(time.Now())}
	expired := validToken()
	expired.ExpirationDate = time.Now().Add(-time.Minute)
	tokens := newMemTokens("u1", expired)
	c, _ := newTestClient(t, f, tokens)

	if _, err := c.GetBudget(context.Background(), "u1", "b1"); err != nil {
		t.Fatalf("GetBudget() error = %v", err)
	}
	got := tokens.get("u1")
	if got.AccessToken != "access-2" || got.RefreshToken != "refresh-2" {
		t.Errorf("stored tokens = %+v, want refreshed", got)
	}
	if !got.ExpirationDate.After(time.Now()) {
		t.Errorf("expiration = %v, want future", got.ExpirationDate)
	}
	if f.refreshes.Load() != 1 {
		t.Errorf("refreshes = %d, want 1", f.refreshes.Load())
	}
}

func TestClient_ProactiveRefreshNearRateLimit(t *testing.T) {
	f := &fakeLedger{t: t, wantBearer: "access-1", rateLimit: "190/200", budgetJSON: budgetFixture(time.Now())}
	tokens := newMemTokens("u1", validToken())
	c, _ := newTestClient(t, f, tokens)

	if _, err := c.GetBudget(context.Background(), "u1", "b1"); err != nil {
		t.Fatalf("GetBudget() error = %v", err)
	}
	c.Wait()
	if got := tokens.get("u1").AccessToken; got != "access-2" {
		t.Errorf("access token = %q, want access-2 after proactive refresh", got)
	}
}

func TestClient_LedgerError(t *testing.T) {
	f := &fakeLedger{t: t, wantBearer: "access-1"}
	c, _ := newTestClient(t, f, newMemTokens("u1", validToken()))

	_, err := c.GetBudget(context.Background(), "u1", "missing")
	var le *LedgerError
	if !errors.As(err, &le) {
		t.Fatalf("GetBudget() error = %v, want LedgerError", err)
	}
	if le.StatusCode != http.StatusNotFound || le.Message != "Resource not found" {
		t.Errorf("LedgerError = %+v", le)
	}
}

func TestLedgerError_Error(t *testing.T) {
	tests := []struct {
		name string
		err  *LedgerError
		want string
	}{
		{"upstream message", &LedgerError{Op: "get budget", StatusCode: 404, Message: "Resource not found"}, "ledger get budget: Resource not found (status 404)"},
		{"unreadable body", &LedgerError{Op: "get budget", StatusCode: 200, Err: io.ErrUnexpectedEOF}, "ledger get budget: unexpected EOF (status 200)"},
		{"transport", &LedgerError{Op: "refresh token", Err: io.ErrUnexpectedEOF}, "ledger refresh token: unexpected EOF"},
		{"message only", &LedgerError{Op: "refresh token", Message: "no refresh token stored"}, "ledger refresh token: no refresh token stored"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClient_RefreshSurvivesCallerCancellation(t *testing.T) {
	f := &fakeLedger{t: t, wantBearer: "access-2"}
	tokens := newMemTokens("u1", validToken())
	c, _ := newTestClient(t, f, tokens)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	got, err := c.refresh(ctx, "u1", "refresh-1")
	if err != nil {
		t.Fatalf("refresh() error = %v", err)
	}
	if got.AccessToken != "access-2" {
		t.Errorf("refresh() access token = %q, want access-2", got.AccessToken)
	}
	if stored := tokens.get("u1").AccessToken; stored != "access-2" {
		t.Errorf("stored access token = %q, want access-2", stored)
	}
}

func TestClient_MissingTokens(t *testing.T) {
	f := &fakeLedger{t: t, wantBearer: "access-1"}
	c, _ := newTestClient(t, f, &memTokens{m: map[string]core.TokenDetails{}})

	if _, err := c.GetBudget(context.Background(), "nobody", "b1"); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("GetBudget() error = %v, want ErrNotFound", err)
	}
	if _, err := c.GetBudget(context.Background(), "", "b1"); !core.IsValidation(err) {
		t.Errorf("GetBudget() error = %v, want ValidationError", err)
	}
	if f.apiCalls.Load() != 0 {
		t.Errorf("api calls = %d, want 0", f.apiCalls.Load())
	}
}

func TestClient_PostCategoryAmount(t *testing.T) {
	f := &fakeLedger{t: t, wantBearer: "access-1"}
	c, _ := newTestClient(t, f, newMemTokens("u1", validToken()))

	month := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	got, err := c.PostCategoryAmount(context.Background(), "u1", "b1", month, "c1", decimal.RequireFromString("1500.004"))
	if err != nil {
		t.Fatalf("PostCategoryAmount() error = %v", err)
	}
	if got.CategoryID != "c1" || !got.Budgeted.Equal(decimal.NewFromInt(1500)) {
		t.Errorf("PostCategoryAmount() = %+v", got)
	}

	patch, _ := f.lastPatch.Load().(string)
	parts := strings.SplitN(patch, " ", 2)
	if len(parts) != 2 || parts[0] != "/v1/budgets/b1/months/2025-03-01/categories/c1" {
		t.Fatalf("patch = %q", patch)
	}
	var body patchCategoryRequest
	if err := json.Unmarshal([]byte(parts[1]), &body); err != nil {
		t.Fatalf("decode patch body: %v", err)
	}
	if body.Category.Budgeted != 1500000 {
		t.Errorf("budgeted milliunits = %d, want 1500000", body.Category.Budgeted)
	}
}

func TestClient_PlaceholderBudgetUsesDefault(t *testing.T) {
	f := &fakeLedger{t: t, wantBearer: "access-1", budgetJSON: budgetFixture(time.Now())}
	c, _ := newTestClient(t, f, newMemTokens("u1", validToken()))

	if _, err := c.GetBudget(context.Background(), "u1", strings.ToUpper(core.PlaceholderBudgetID)); err != nil {
		t.Fatalf("GetBudget(placeholder) error = %v", err)
	}
}

func TestClient_ListBudgetsCached(t *testing.T) {
	f := &fakeLedger{t: t, wantBearer: "access-1"}
	c, _ := newTestClient(t, f, newMemTokens("u1", validToken()))

	for i := 0; i < 2; i++ {
		got, err := c.ListBudgets(context.Background(), "u1")
		if err != nil {
			t.Fatalf("ListBudgets() error = %v", err)
		}
		if len(got) != 2 || got[0].ID != "b1" || got[1].Name != "Work" {
			t.Errorf("ListBudgets() = %+v", got)
		}
	}
	if f.apiCalls.Load() != 1 {
		t.Errorf("api calls = %d, want 1", f.apiCalls.Load())
	}
}

func TestClient_ExchangeCode(t *testing.T) {
	f := &fakeLedger{t: t}
	tokens := &memTokens{m: map[string]core.TokenDetails{}}
	c, _ := newTestClient(t, f, tokens)

	if _, err := c.ExchangeCode(context.Background(), "u1", "the-code"); err != nil {
		t.Fatalf("ExchangeCode() error = %v", err)
	}
	if got := tokens.get("u1"); got.AccessToken != "access-code" || got.RefreshToken != "refresh-code" {
		t.Errorf("stored tokens = %+v", got)
	}
}

func TestClient_AuthorizeURL(t *testing.T) {
	c := NewClient(Config{AuthURL: "https://auth.example", ClientID: "client", RedirectURI: "https://app.example/cb"}, nil)
	got := c.AuthorizeURL("user-42")
	for _, want := range []string{"https://auth.example/oauth/authorize?", "client_id=client", "response_type=code", "state=user-42"} {
		if !strings.Contains(got, want) {
			t.Errorf("AuthorizeURL() = %q, missing %q", got, want)
		}
	}
}

func TestParseRateLimit(t *testing.T) {
	tests := []struct {
		header      string
		used, limit int
		ok          bool
	}{
		{"36/200", 36, 200, true},
		{" 180 / 200 ", 180, 200, true},
		{"", 0, 0, false},
		{"abc/200", 0, 0, false},
		{"12", 0, 0, false},
	}
	for _, tt := range tests {
		used, limit, ok := parseRateLimit(tt.header)
		if used != tt.used || limit != tt.limit || ok != tt.ok {
			t.Errorf("parseRateLimit(%q) = %d, %d, %v, want %d, %d, %v", tt.header, used, limit, ok, tt.used, tt.limit, tt.ok)
		}
	}

	c := NewClient(Config{}, nil)
	if c.nearRateLimit("180/200") {
		t.Error("nearRateLimit(180/200) = true, want false with 20 remaining")
	}
	if !c.nearRateLimit("181/200") {
		t.Error("nearRateLimit(181/200) = false, want true")
	}
}

func TestToBudget_NoCurrentMonths(t *testing.T) {
	now := time.Date(2025, 5, 10, 0, 0, 0, 0, time.UTC)
	d := budgetDetail{
		ID:             "B",
		CategoryGroups: []wireGroup{{ID: "G", Name: "Bills"}},
		Categories:     []wireCategory{{ID: "C", CategoryGroupID: "G", Name: "Rent", Budgeted: 5000}},
		Months:         []wireMonth{{Month: "2025-04-01", Categories: []wireCategory{{ID: "C", CategoryGroupID: "G", Budgeted: 5000}}}},
	}
	b, err := toBudget(d, now, 3)
	if err != nil {
		t.Fatalf("toBudget() error = %v", err)
	}
	if len(b.Months) != 4 {
		t.Fatalf("months = %d, want 4", len(b.Months))
	}
	if got := core.FormatMonth(b.Months[0].Month); got != "2025-05-01" {
		t.Errorf("first month = %s, want 2025-05-01", got)
	}
	if got := core.FormatMonth(b.Months[3].Month); got != "2025-08-01" {
		t.Errorf("last month = %s, want 2025-08-01", got)
	}
	c, ok := b.Months[0].Category("g", "c")
	if !ok || !c.Budgeted.IsZero() {
		t.Errorf("synthesized category = %+v, %v", c, ok)
	}

	if _, err := toBudget(budgetDetail{Months: []wireMonth{{Month: "bad"}}}, now, 1); err == nil {
		t.Error("toBudget() with bad month expected error")
	}
}
