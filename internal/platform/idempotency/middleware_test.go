package idempotency

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

var claimTime = time.Date(2026, time.February, 10, 9, 30, 0, 0, time.UTC)

func checkoutRequest(body, key string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/checkout", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	return req
}

func errorCode(t *testing.T, payload []byte) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	return body.Error
}

func TestMiddlewareRequiresKeyHeader(t *testing.T) {
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run without a key")
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, checkoutRequest(`{"cart_id":"c1"}`, ""))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	if code := errorCode(t, rr.Body.Bytes()); code != "idempotency_key_required" {
		t.Fatalf("unexpected error code %s", code)
	}
}

func TestMiddlewareSkipsUnguardedMethods(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if calls != 1 || rr.Code != http.StatusOK {
		t.Fatalf("GET should pass through untouched, calls=%d status=%d", calls, rr.Code)
	}
}

func TestMiddlewareReplaysStoredResponse(t *testing.T) {
	calls := 0
	handler := Middleware(NewMemoryStore(), WithClock(func() time.Time { return claimTime }))(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			calls++
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"order_number":"IV-2026-000042"}`))
		}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, checkoutRequest(`{"cart_id":"c1"}`, "retry-me"))
	if first.Code != http.StatusCreated {
		t.Fatalf("first attempt: expected 201, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, checkoutRequest(`{"cart_id":"c1"}`, "retry-me"))

	if calls != 1 {
		t.Fatalf("handler ran %d times, want 1", calls)
	}
	if second.Code != http.StatusCreated {
		t.Fatalf("replay: expected 201, got %d", second.Code)
	}
	if second.Header().Get(replayHeaderName) != "true" {
		t.Fatal("replay header missing")
	}
	if got := second.Header().Get("Content-Type"); got != "application/json" {
		t.Fatalf("replay lost content type, got %q", got)
	}
	if second.Body.String() != first.Body.String() {
		t.Fatalf("replay body %q differs from original %q", second.Body.String(), first.Body.String())
	}
}

func TestMiddlewareRejectsKeyReuseWithDifferentPayload(t *testing.T) {
	handler := Middleware(NewMemoryStore(), WithClock(func() time.Time { return claimTime }))(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		}))

	first := httptest.NewRecorder()
	handler.ServeHTTP(first, checkoutRequest(`{"cart_id":"c1"}`, "shared"))
	if first.Code != http.StatusOK {
		t.Fatalf("first attempt: expected 200, got %d", first.Code)
	}

	second := httptest.NewRecorder()
	handler.ServeHTTP(second, checkoutRequest(`{"cart_id":"c2"}`, "shared"))

	if second.Code != http.StatusConflict {
		t.Fatalf("expected 409 for reused key, got %d", second.Code)
	}
	if code := errorCode(t, second.Body.Bytes()); code != "idempotency_key_conflict" {
		t.Fatalf("unexpected error code %s", code)
	}
}

func TestMiddlewareReportsInFlightClaim(t *testing.T) {
	store := NewMemoryStore()
	handler := Middleware(store, WithClock(func() time.Time { return claimTime }))(
		http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			t.Fatal("handler must not run while the claim is held")
		}))

	// Seed the claim the way the middleware would for the same request.
	req := checkoutRequest(`{"cart_id":"c1"}`, "held")
	body, err := bufferRequestBody(req)
	if err != nil {
		t.Fatalf("buffer body: %v", err)
	}
	owner := requestOwner(req)
	fingerprint := requestFingerprint(req, body, owner)
	if _, err := store.Claim(req.Context(), "held|"+owner, fingerprint, claimTime, time.Hour); err != nil {
		t.Fatalf("seed claim: %v", err)
	}

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 while in flight, got %d", rr.Code)
	}
	if code := errorCode(t, rr.Body.Bytes()); code != "idempotency_in_progress" {
		t.Fatalf("unexpected error code %s", code)
	}
}

func TestMiddlewareReleasesClaimWhenPersistFails(t *testing.T) {
	store := &failingStore{completeErr: errors.New("firestore write failed")}
	handler := Middleware(store, WithClock(func() time.Time { return claimTime }))(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte("ok"))
		}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, checkoutRequest(`{"cart_id":"c1"}`, "doomed"))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if code := errorCode(t, rr.Body.Bytes()); code != "idempotency_store_error" {
		t.Fatalf("unexpected error code %s", code)
	}
	if !store.forgotten {
		t.Fatal("claim should have been released after the persist failure")
	}
}

func TestMemoryStoreCleanupExpired(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if _, err := store.Claim(ctx, "old", "fp", claimTime, time.Minute); err != nil {
		t.Fatalf("claim old: %v", err)
	}
	if _, err := store.Claim(ctx, "fresh", "fp", claimTime, time.Hour); err != nil {
		t.Fatalf("claim fresh: %v", err)
	}

	removed, err := store.CleanupExpired(ctx, claimTime.Add(10*time.Minute), 50)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected 1 expired record removed, got %d", removed)
	}

	// The fresh key is still held, so a second claim reports in flight.
	claim, err := store.Claim(ctx, "fresh", "fp", claimTime.Add(10*time.Minute), time.Hour)
	if err != nil {
		t.Fatalf("reclaim fresh: %v", err)
	}
	if claim.State != ClaimInFlight {
		t.Fatalf("expected fresh claim to remain held, got state %d", claim.State)
	}
}

type failingStore struct {
	completeErr error
	forgotten   bool
}

func (s *failingStore) Claim(context.Context, string, string, time.Time, time.Duration) (Claim, error) {
	return Claim{State: ClaimAccepted}, nil
}

func (s *failingStore) Complete(context.Context, string, string, StoredResponse, time.Time, time.Duration) error {
	return s.completeErr
}

func (s *failingStore) Forget(context.Context, string, string) error {
	s.forgotten = true
	return nil
}

func (s *failingStore) CleanupExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}
