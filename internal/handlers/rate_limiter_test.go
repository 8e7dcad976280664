package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ivorythread/api/internal/platform/auth"
)

func TestSimpleRateLimiterWindowReset(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	limiter := newSimpleRateLimiter(2, time.Minute, clock)

	if !limiter.Allow("u1") || !limiter.Allow("u1") {
		t.Fatalf("first two calls must pass")
	}
	if limiter.Allow("u1") {
		t.Fatalf("third call within the window must be rejected")
	}
	if !limiter.Allow("u2") {
		t.Fatalf("limits are per key")
	}

	now = now.Add(2 * time.Minute)
	if !limiter.Allow("u1") {
		t.Fatalf("expected allowance after window reset")
	}
}

func TestThrottleMiddlewareLimitsByRemoteAddr(t *testing.T) {
	handler := ThrottleMiddleware(2)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	statuses := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "203.0.113.7:4411"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		statuses = append(statuses, rec.Code)
	}
	if statuses[0] != http.StatusNoContent || statuses[1] != http.StatusNoContent {
		t.Fatalf("expected first two requests served, got %v", statuses)
	}
	if statuses[2] != http.StatusTooManyRequests {
		t.Fatalf("expected 429 on third request, got %d", statuses[2])
	}

	// A different client address gets its own budget.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "198.51.100.9:2200"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected fresh budget for new address, got %d", rec.Code)
	}
}

func TestThrottleMiddlewareKeysAuthenticatedUsersByUID(t *testing.T) {
	handler := ThrottleMiddleware(1)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	send := func(uid string) int {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "203.0.113.7:4411"
		req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid}))
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send("user_a"); code != http.StatusNoContent {
		t.Fatalf("expected first request served, got %d", code)
	}
	if code := send("user_a"); code != http.StatusTooManyRequests {
		t.Fatalf("expected per-user limit, got %d", code)
	}
	if code := send("user_b"); code != http.StatusNoContent {
		t.Fatalf("users behind the same address must not share a budget, got %d", code)
	}
}

func TestThrottleMiddlewareDisabledForNonPositiveLimit(t *testing.T) {
	handler := ThrottleMiddleware(0)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("disabled limiter must pass everything, got %d", rec.Code)
		}
	}
}
