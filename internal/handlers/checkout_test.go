package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	domain "github.com/ivorythread/api/internal/domain"
	"github.com/ivorythread/api/internal/payments"
	"github.com/ivorythread/api/internal/platform/auth"
	"github.com/ivorythread/api/internal/services"
)

func newCheckoutRouter(service services.CheckoutService) chi.Router {
	router := chi.NewRouter()
	NewCheckoutHandlers(nil, service).Routes(router)
	return router
}

func authedRequest(method, target, payload string) *http.Request {
	req := httptest.NewRequest(method, target, bytes.NewBufferString(payload))
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "user-1"}))
}

func TestCheckoutHandlerCreatesOrder(t *testing.T) {
	var captured services.CheckoutCommand
	service := &stubCheckoutService{
		checkoutFn: func(ctx context.Context, cmd services.CheckoutCommand) (services.CheckoutResult, error) {
			captured = cmd
			return services.CheckoutResult{
				Order:       sampleOrder("ord_1", domain.OrderStatusPaymentProcessing),
				RedirectURL: "https://pay.example/session_123",
			}, nil
		},
	}
	router := newCheckoutRouter(service)

	payload := `{
		"cartId": "cart_1",
		"paymentMethod": "gateway",
		"provider": "stripe",
		"shippingAddressId": "addr_1",
		"contact": {"email": "shopper@example.com"},
		"successUrl": "https://shop.example/done",
		"cancelUrl": "https://shop.example/cancel",
		"notes": "leave at door"
	}`
	req := authedRequest(http.MethodPost, "/", payload)
	req.Header.Set("Idempotency-Key", "key-123")

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.UserID != "user-1" || captured.CartID != "cart_1" {
		t.Fatalf("unexpected command %+v", captured)
	}
	if captured.PaymentMethod != domain.PaymentMethodGateway {
		t.Fatalf("expected gateway method, got %s", captured.PaymentMethod)
	}
	if captured.IdempotencyKey != "key-123" {
		t.Fatalf("expected idempotency key from header, got %q", captured.IdempotencyKey)
	}

	var resp checkoutResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.RedirectURL != "https://pay.example/session_123" {
		t.Fatalf("expected redirect url, got %q", resp.RedirectURL)
	}
	if resp.Order.OrderNumber != "IV-2026-000042" {
		t.Fatalf("expected order number in response, got %q", resp.Order.OrderNumber)
	}
	if resp.Order.Totals.Total != 9300 {
		t.Fatalf("expected total 9300, got %d", resp.Order.Totals.Total)
	}
}

func TestCheckoutHandlerRequiresAuth(t *testing.T) {
	router := newCheckoutRouter(&stubCheckoutService{})

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"cartId":"cart_1"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
}

func TestCheckoutHandlerRejectsMalformedBody(t *testing.T) {
	router := newCheckoutRouter(&stubCheckoutService{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/", `{not json`))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestCheckoutHandlerMapsServiceErrors(t *testing.T) {
	cases := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"invalid input", services.ErrCheckoutInvalidInput, http.StatusBadRequest},
		{"empty cart", services.ErrEmptyCart, http.StatusConflict},
		{"variant inactive", services.ErrVariantInactive, http.StatusUnprocessableEntity},
		{"not purchasable", services.ErrNotPurchasable, http.StatusUnprocessableEntity},
		{"out of stock", services.ErrOutOfStock, http.StatusConflict},
		{"gateway rejected", payments.ErrGatewayRejected, http.StatusPaymentRequired},
		{"gateway unavailable", payments.ErrGatewayUnavailable, http.StatusServiceUnavailable},
		{"checkout unavailable", services.ErrCheckoutUnavailable, http.StatusServiceUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router := newCheckoutRouter(&stubCheckoutService{
				checkoutFn: func(context.Context, services.CheckoutCommand) (services.CheckoutResult, error) {
					return services.CheckoutResult{}, tc.err
				},
			})

			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, authedRequest(http.MethodPost, "/", `{"cartId":"cart_1","paymentMethod":"gateway"}`))

			if rr.Code != tc.wantStatus {
				t.Fatalf("expected %d, got %d", tc.wantStatus, rr.Code)
			}
		})
	}
}
