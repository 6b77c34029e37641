package security

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestClientIP_Extract(t *testing.T) {
	c, err := NewClientIP("203.0.113.0/24")
	if err != nil {
		t.Fatalf("NewClientIP() error = %v", err)
	}

	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xri        string
		want       string
	}{
		{"direct client", "198.51.100.7:5000", "", "", "198.51.100.7"},
		{"untrusted peer ignores headers", "198.51.100.7:5000", "1.2.3.4", "", "198.51.100.7"},
		{"trusted proxy forwards", "10.0.0.2:5000", "1.2.3.4, 10.0.0.9", "", "1.2.3.4"},
		{"extra trusted network", "203.0.113.5:80", "1.2.3.4", "", "1.2.3.4"},
		{"real ip fallback", "127.0.0.1:80", "garbage", "5.6.7.8", "5.6.7.8"},
		{"nothing forwarded", "192.168.1.1:80", "", "", "192.168.1.1"},
		{"unparseable remote", "pipe", "", "", "pipe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				r.Header.Set("X-Real-IP", tt.xri)
			}
			if got := c.Extract(r); got != tt.want {
				t.Errorf("Extract() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewClientIP_InvalidCIDR(t *testing.T) {
	if _, err := NewClientIP("not-a-cidr"); err == nil {
		t.Error("NewClientIP() error = nil, want error")
	}
}

func TestHeaders(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	h := Headers("https://app.example.com/")(next)

	tests := []struct {
		name       string
		method     string
		origin     string
		wantStatus int
		wantCORS   bool
	}{
		{"no origin", http.MethodGet, "", http.StatusOK, false},
		{"allowed origin", http.MethodGet, "https://app.example.com", http.StatusOK, true},
		{"preflight", http.MethodOptions, "https://app.example.com", http.StatusNoContent, true},
		{"other origin", http.MethodGet, "https://evil.example.com", http.StatusOK, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, "/api/users/u1", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, r)

			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if got := rr.Header().Get("Access-Control-Allow-Origin") != ""; got != tt.wantCORS {
				t.Errorf("CORS header present = %v, want %v", got, tt.wantCORS)
			}
			if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
				t.Error("X-Content-Type-Options not set")
			}
		})
	}
}

func TestDetector_Suspicious(t *testing.T) {
	d := NewDetector()

	tests := []struct {
		name   string
		method string
		target string
		agent  string
		xff    string
		want   bool
	}{
		{"api route", http.MethodGet, "/api/users/u1", "curl/8.5.0", "", false},
		{"run trigger", http.MethodPost, "/api/autoruns/run", "", "10.0.0.1, 10.0.0.2", false},
		{"path traversal", http.MethodGet, "/api/../../etc/passwd", "", "", true},
		{"dotenv", http.MethodGet, "/.env", "", "", true},
		{"query injection", http.MethodGet, "/api/users/u1?id=1%20union%20select", "", "", true},
		{"scanner agent", http.MethodGet, "/healthz", "sqlmap/1.7", "", true},
		{"trace method", "TRACE", "/api/users/u1", "", "", true},
		{"long url", http.MethodGet, "/api/users/" + strings.Repeat("a", 2100), "", "", true},
		{"proxy chain", http.MethodGet, "/healthz", "", "1.1.1.1, 2.2.2.2, 3.3.3.3, 4.4.4.4, 5.5.5.5, 6.6.6.6, 7.7.7.7", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, "/", nil)
			r.URL, _ = url.Parse(tt.target)
			if tt.agent != "" {
				r.Header.Set("User-Agent", tt.agent)
			}
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := d.Suspicious(r); got != tt.want {
				t.Errorf("Suspicious(%s %s) = %v, want %v", tt.method, tt.target, got, tt.want)
			}
		})
	}
}

func TestDetector_MiddlewareCountsAndPasses(t *testing.T) {
	d := NewDetector()
	h := d.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	for _, target := range []string{"/api/users/u1", "/wp-admin/setup.php", "/.git/config"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, target, nil))
		if rr.Code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want 404 from next handler", target, rr.Code)
		}
	}

	if got := d.SuspiciousRequests(); got != 2 {
		t.Errorf("SuspiciousRequests() = %d, want 2", got)
	}
}
