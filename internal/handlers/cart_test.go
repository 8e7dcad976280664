package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/ivorythread/api/internal/domain"
	"github.com/ivorythread/api/internal/services"
)

func newCartRouter(service services.CartService) chi.Router {
	router := chi.NewRouter()
	NewCartHandlers(nil, service).Routes(router)
	return router
}

func sampleCart() domain.Cart {
	return domain.Cart{
		ID:       "cart_1",
		UserID:   "user-1",
		Currency: "USD",
		Items: []domain.CartItem{
			{ID: "cli_1", VariantID: "var_1", SKU: "SKU-001", Quantity: 2, UnitPrice: 2500},
		},
		UpdatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestCartHandlerGet(t *testing.T) {
	service := &stubCartService{
		getFn: func(ctx context.Context, userID string) (domain.Cart, error) {
			if userID != "user-1" {
				t.Fatalf("expected user-1, got %s", userID)
			}
			return sampleCart(), nil
		},
	}
	router := newCartRouter(service)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/", ""))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp cartResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.ID != "cart_1" || len(resp.Items) != 1 || resp.Items[0].SKU != "SKU-001" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestCartHandlerPutItem(t *testing.T) {
	var captured services.CartItemInput
	service := &stubCartService{
		putFn: func(ctx context.Context, userID string, input services.CartItemInput) (domain.Cart, error) {
			captured = input
			return sampleCart(), nil
		},
	}
	router := newCartRouter(service)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPut, "/items", `{"variantId":"var_1","quantity":2}`))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.VariantID != "var_1" || captured.Quantity != 2 {
		t.Fatalf("unexpected input %+v", captured)
	}
}

func TestCartHandlerRemoveItem(t *testing.T) {
	service := &stubCartService{
		removeFn: func(ctx context.Context, userID, itemID string) (domain.Cart, error) {
			if itemID != "cli_1" {
				t.Fatalf("expected cli_1, got %s", itemID)
			}
			return domain.Cart{ID: "cart_1"}, nil
		},
	}
	router := newCartRouter(service)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodDelete, "/items/cli_1", ""))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestCartHandlerApplyCoupon(t *testing.T) {
	service := &stubCartService{
		couponFn: func(ctx context.Context, userID, code string) (domain.Cart, error) {
			if code != "SPRING10" {
				t.Fatalf("expected SPRING10, got %s", code)
			}
			cart := sampleCart()
			cart.Coupon = &domain.CartCoupon{Code: "SPRING10", DiscountAmount: 500}
			return cart, nil
		},
	}
	router := newCartRouter(service)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/coupon", `{"code":"SPRING10"}`))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp cartResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Coupon == nil || resp.Coupon.Code != "SPRING10" {
		t.Fatalf("expected coupon in response, got %+v", resp.Coupon)
	}
}

func TestCartHandlerClear(t *testing.T) {
	cleared := false
	service := &stubCartService{
		clearFn: func(ctx context.Context, userID string) error {
			cleared = true
			return nil
		},
	}
	router := newCartRouter(service)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodDelete, "/", ""))

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rr.Code)
	}
	if !cleared {
		t.Fatalf("expected clear to be called")
	}
}

func TestCartHandlerMapsErrors(t *testing.T) {
	cases := []struct {
		err        error
		wantStatus int
	}{
		{services.ErrCartInvalidInput, http.StatusBadRequest},
		{services.ErrCartNotFound, http.StatusNotFound},
		{services.ErrCartConflict, http.StatusConflict},
		{services.ErrCartUnavailable, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		service := &stubCartService{
			putFn: func(context.Context, string, services.CartItemInput) (domain.Cart, error) {
				return domain.Cart{}, tc.err
			},
		}
		router := newCartRouter(service)

		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, authedRequest(http.MethodPut, "/items", `{"variantId":"var_1","quantity":1}`))

		if rr.Code != tc.wantStatus {
			t.Fatalf("error %v: expected %d, got %d", tc.err, tc.wantStatus, rr.Code)
		}
	}
}

func TestCartHandlerRequiresAuth(t *testing.T) {
	router := newCartRouter(&stubCartService{})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}
