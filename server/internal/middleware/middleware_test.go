package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"kafka-replicator/shared/authx"
	"kafka-replicator/shared/metricsx"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte(`{"orders":[]}`))
})

func TestAPIKeyMiddleware(t *testing.T) {
	metricsx.Register()
	verifier, err := authx.NewAPIKeyVerifier("secret")
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	h := APIKeyMiddleware{Verifier: verifier}.Wrap(okHandler)

	cases := []struct {
		name   string
		key    string
		target string
		status int
	}{
		{"missing key", "", "/api/v1/events", http.StatusUnauthorized},
		{"wrong key", "nope", "/api/v1/events", http.StatusUnauthorized},
		{"wrong key with topic filter", "nope", "/api/v1/events?topic=orders", http.StatusUnauthorized},
		{"valid key", "secret", "/api/v1/events", http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.target, nil)
			if tc.key != "" {
				req.Header.Set(authx.HeaderAPIKey, tc.key)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rec.Code)
			}
			if tc.status == http.StatusUnauthorized && strings.Contains(rec.Body.String(), "orders") {
				t.Fatalf("unauthorized response leaked data: %s", rec.Body.String())
			}
		})
	}
}

func TestAPIKeyMiddlewareSkip(t *testing.T) {
	h := APIKeyMiddleware{Skip: func(r *http.Request) bool { return r.URL.Path == "/healthz" }}.Wrap(okHandler)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected skipped path to pass, got %d", rec.Code)
	}
}

func TestIPRateLimiter(t *testing.T) {
	l := NewIPRateLimiter(1, 2, time.Minute)
	now := time.Unix(1700000000, 0)
	l.now = func() time.Time { return now }

	if !l.Allow("a") || !l.Allow("a") {
		t.Fatalf("expected burst to be allowed")
	}
	if l.Allow("a") {
		t.Fatalf("expected third request to be limited")
	}
	if !l.Allow("b") {
		t.Fatalf("expected other client to have its own bucket")
	}
	now = now.Add(time.Second)
	if !l.Allow("a") {
		t.Fatalf("expected a token after refill")
	}
	now = now.Add(2 * time.Minute)
	l.Allow("c")
	if _, ok := l.clients["a"]; ok {
		t.Fatalf("expected idle client to be evicted")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	h := RateLimitMiddleware{Limiter: NewIPRateLimiter(0.001, 1, time.Minute)}.Wrap(okHandler)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
	req.RemoteAddr = "10.1.1.1:1234"
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected first request to pass, got %d", rec.Code)
	}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
}

func TestRateLimitExemptsValidKeyAtPollCadence(t *testing.T) {
	verifier, err := authx.NewAPIKeyVerifier("secret")
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	limiter := NewIPRateLimiter(100.0/(15*60), 100, 15*time.Minute)
	now := time.Unix(1700000000, 0)
	limiter.now = func() time.Time { return now }
	h := RateLimitMiddleware{Limiter: limiter, Skip: []func(*http.Request) bool{ValidAPIKey(verifier)}}.Wrap(okHandler)

	// One poll per second for fifteen minutes.
	for i := 0; i < 900; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
		req.RemoteAddr = "10.1.1.1:1234"
		req.Header.Set(authx.HeaderAPIKey, "secret")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("poll %d rejected with %d", i, rec.Code)
		}
		now = now.Add(time.Second)
	}

	rejected := 0
	for i := 0; i < 200; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
		req.RemoteAddr = "10.1.1.1:1234"
		req.Header.Set(authx.HeaderAPIKey, "wrong")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code == http.StatusTooManyRequests {
			rejected++
		}
	}
	if rejected != 100 {
		t.Fatalf("expected requests without a valid key to stay limited, got %d rejections", rejected)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := CORSMiddleware{AllowedOrigins: []string{"https://ops.example.com"}, MaxAge: time.Hour}.Wrap(okHandler)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/events", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://ops.example.com" {
		t.Fatalf("unexpected allow origin %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Methods"); got != "GET" {
		t.Fatalf("unexpected allow methods %q", got)
	}
	if got := rec.Header().Get("Access-Control-Allow-Headers"); got != "x-api-key, Content-Type" {
		t.Fatalf("unexpected allow headers %q", got)
	}
	if got := rec.Header().Get("Access-Control-Max-Age"); got != "3600" {
		t.Fatalf("unexpected max age %q", got)
	}
}

func TestCORSRejectsUnknownOrigin(t *testing.T) {
	h := CORSMiddleware{AllowedOrigins: []string{"https://ops.example.com"}}.Wrap(okHandler)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/events", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("expected no allow origin, got %q", got)
	}
}
