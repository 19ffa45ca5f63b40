package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/librarysingkat/circulation/internal/logging"
	"github.com/librarysingkat/circulation/internal/metrics"
)

func authedRequest(userID, email, role string) *http.Request {
	req := httptest.NewRequest("GET", "/staff/books", nil)
	ctx := logging.WithUserID(req.Context(), userID)
	ctx = logging.WithRole(ctx, role)
	ctx = context.WithValue(ctx, emailKey, email)
	return req.WithContext(ctx)
}

func TestStaffGuard_IsStaff(t *testing.T) {
	open := NewStaffGuard(nil, nil, logging.New("test", "error", "json"))
	if !open.IsStaff("u1", "a@b.c", SupabaseAudience) {
		t.Error("empty allowlist should admit any signed-in user")
	}
	if open.IsStaff("u1", "a@b.c", "anon") {
		t.Error("anon role admitted")
	}

	listed := NewStaffGuard([]string{" u1 "}, []string{"Head@Library.id"}, logging.New("test", "error", "json"))
	tests := []struct {
		userID, email string
		want          bool
	}{
		{"u1", "", true},
		{"u2", "head@library.id", true},
		{"u2", "other@library.id", false},
		{"", "head@library.id", false},
	}
	for _, tt := range tests {
		if got := listed.IsStaff(tt.userID, tt.email, SupabaseAudience); got != tt.want {
			t.Errorf("IsStaff(%q, %q) = %v, want %v", tt.userID, tt.email, got, tt.want)
		}
	}
}

func TestStaffGuard_Handler(t *testing.T) {
	guard := NewStaffGuard([]string{"u1"}, nil, logging.New("test", "error", "json"))
	handler := guard.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		name string
		req  *http.Request
		want int
	}{
		{"anonymous", httptest.NewRequest("GET", "/staff/books", nil), http.StatusUnauthorized},
		{"not staff", authedRequest("u2", "x@y.z", SupabaseAudience), http.StatusForbidden},
		{"staff", authedRequest("u1", "x@y.z", SupabaseAudience), http.StatusOK},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, tt.req)
		if rec.Code != tt.want {
			t.Errorf("%s: status = %d, want %d", tt.name, rec.Code, tt.want)
		}
	}
}

func TestRateLimiter_Handler(t *testing.T) {
	rl := NewRateLimiter(1, 2, logging.New("test", "error", "json"))
	handler := rl.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest("GET", "/catalog", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		codes = append(codes, rec.Code)
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 200 429]", codes)
	}

	other := httptest.NewRequest("GET", "/catalog", nil)
	other.RemoteAddr = "10.0.0.2:5000"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, other)
	if rec.Code != http.StatusOK {
		t.Errorf("other client status = %d, want 200", rec.Code)
	}
}

func TestRateLimiter_Cleanup(t *testing.T) {
	rl := NewRateLimiter(1, 1, logging.New("test", "error", "json"))
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	rl.getLimiter("old")
	now = now.Add(10 * time.Minute)
	rl.getLimiter("fresh")

	if removed := rl.Cleanup(5 * time.Minute); removed != 1 {
		t.Errorf("Cleanup() removed %d, want 1", removed)
	}
	if _, ok := rl.limiters["fresh"]; !ok {
		t.Error("fresh limiter removed")
	}
}

func TestCORSMiddleware(t *testing.T) {
	m := NewCORSMiddleware([]string{"https://library.example", "https://*.library.id"})
	handler := m.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	tests := []struct {
		origin  string
		allowed bool
	}{
		{"https://library.example", true},
		{"https://app.library.id", true},
		{"https://evillibrary.id", false},
		{"https://library.example.evil", false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", "/catalog", nil)
		req.Header.Set("Origin", tt.origin)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		got := rec.Header().Get("Access-Control-Allow-Origin") == tt.origin
		if got != tt.allowed {
			t.Errorf("origin %s allowed = %v, want %v", tt.origin, got, tt.allowed)
		}
	}

	preflight := httptest.NewRequest(http.MethodOptions, "/staff/loans", nil)
	preflight.Header.Set("Origin", "https://library.example")
	preflight.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, preflight)
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", rec.Code)
	}
}

func TestLoggingAndMetricsMiddleware(t *testing.T) {
	m := metrics.New()
	router := mux.NewRouter()
	router.Use(LoggingMiddleware(logging.New("test", "error", "json")))
	router.Use(MetricsMiddleware("gateway", m))

	var traceID string
	router.HandleFunc("/staff/loans/{id}/items", func(w http.ResponseWriter, r *http.Request) {
		traceID = logging.GetTraceID(r.Context())
		w.WriteHeader(http.StatusTeapot)
	})

	req := httptest.NewRequest("GET", "/staff/loans/abc/items", nil)
	req.Header.Set(TraceIDHeader, "trace-1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if traceID != "trace-1" || rec.Header().Get(TraceIDHeader) != "trace-1" {
		t.Errorf("trace ID = %q / %q", traceID, rec.Header().Get(TraceIDHeader))
	}

	got, err := testutil.GatherAndCount(m.Registry(), "circulation_http_requests_total")
	if err != nil {
		t.Fatalf("GatherAndCount: %v", err)
	}
	if got != 1 {
		t.Errorf("request series = %d, want 1", got)
	}
}
