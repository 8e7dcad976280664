package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/ivorythread/api/internal/domain"
	"github.com/ivorythread/api/internal/platform/auth"
	"github.com/ivorythread/api/internal/platform/storage"
	"github.com/ivorythread/api/internal/services"
)

func newOrderRouter(orders services.OrderService, reconciler services.ReconciliationService) chi.Router {
	router := chi.NewRouter()
	NewOrderHandlers(nil, orders, reconciler).Routes(router)
	return router
}

func TestOrderHandlerList(t *testing.T) {
	var captured services.OrderListQuery
	orders := &stubOrderService{
		listFn: func(ctx context.Context, query services.OrderListQuery) (domain.CursorPage[domain.Order], error) {
			captured = query
			return domain.CursorPage[domain.Order]{
				Items:         []domain.Order{sampleOrder("ord_1", domain.OrderStatusPaid)},
				NextPageToken: "tok_next",
			}, nil
		},
	}
	router := newOrderRouter(orders, &stubReconciliationService{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/?status=paid,fulfilled&page_size=5", ""))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.UserID != "user-1" {
		t.Fatalf("expected owner scoping, got %q", captured.UserID)
	}
	if len(captured.Statuses) != 2 || captured.Statuses[0] != domain.OrderStatusPaid {
		t.Fatalf("unexpected status filter %v", captured.Statuses)
	}
	if captured.PageSize != 5 {
		t.Fatalf("expected page size 5, got %d", captured.PageSize)
	}

	var resp struct {
		Orders        []orderResponse `json:"orders"`
		NextPageToken string          `json:"nextPageToken"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Orders) != 1 || resp.NextPageToken != "tok_next" {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestOrderHandlerListRejectsUnknownStatus(t *testing.T) {
	router := newOrderRouter(&stubOrderService{}, &stubReconciliationService{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/?status=shipped", ""))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown status, got %d", rr.Code)
	}
}

func TestOrderHandlerGet(t *testing.T) {
	orders := &stubOrderService{
		getFn: func(ctx context.Context, userID, orderID string) (domain.Order, error) {
			if orderID != "ord_1" {
				return domain.Order{}, services.ErrOrderNotFound
			}
			return sampleOrder("ord_1", domain.OrderStatusPaid), nil
		},
	}
	router := newOrderRouter(orders, &stubReconciliationService{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/ord_1", ""))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/ord_404", ""))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
}

func TestOrderHandlerCancel(t *testing.T) {
	orders := &stubOrderService{
		cancelFn: func(ctx context.Context, userID, orderID, reason string) (domain.Order, error) {
			if reason != "changed my mind" {
				t.Fatalf("expected reason passed through, got %q", reason)
			}
			return sampleOrder(orderID, domain.OrderStatusCancelled), nil
		},
	}
	router := newOrderRouter(orders, &stubReconciliationService{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/ord_1/cancel", `{"reason":"changed my mind"}`))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != string(domain.OrderStatusCancelled) {
		t.Fatalf("expected cancelled, got %s", resp.Status)
	}
}

func TestOrderHandlerCancelAfterPayment(t *testing.T) {
	orders := &stubOrderService{
		cancelFn: func(context.Context, string, string, string) (domain.Order, error) {
			return domain.Order{}, services.ErrOrderInvalidState
		},
	}
	router := newOrderRouter(orders, &stubReconciliationService{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/ord_1/cancel", `{"reason":"too late"}`))

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
}

type stubReceiptLinker struct {
	link storage.SignedURLResult
	err  error

	orderIDs []string
	owners   []string
}

func (s *stubReceiptLinker) ReceiptURL(ctx context.Context, orderID, orderNumber, ownerID string, identity *auth.Identity) (storage.SignedURLResult, error) {
	s.orderIDs = append(s.orderIDs, orderID)
	s.owners = append(s.owners, ownerID)
	if s.err != nil {
		return storage.SignedURLResult{}, s.err
	}
	return s.link, nil
}

func TestOrderHandlerReceiptLink(t *testing.T) {
	orders := &stubOrderService{
		getFn: func(ctx context.Context, userID, orderID string) (domain.Order, error) {
			return sampleOrder(orderID, domain.OrderStatusPaid), nil
		},
	}
	linker := &stubReceiptLinker{link: storage.SignedURLResult{
		URL:       "https://storage.example/receipt?sig=abc",
		Method:    http.MethodGet,
		ExpiresAt: time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC),
	}}
	router := chi.NewRouter()
	NewOrderHandlers(nil, orders, &stubReconciliationService{}, WithReceiptLinks(linker)).Routes(router)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/ord_1/receipt", ""))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.URL != "https://storage.example/receipt?sig=abc" {
		t.Fatalf("unexpected url %q", resp.URL)
	}
	if len(linker.owners) != 1 || linker.owners[0] != "user-1" {
		t.Fatalf("expected owner scoping on link, got %v", linker.owners)
	}
}

func TestOrderHandlerReceiptLinkBeforePayment(t *testing.T) {
	orders := &stubOrderService{
		getFn: func(ctx context.Context, userID, orderID string) (domain.Order, error) {
			return sampleOrder(orderID, domain.OrderStatusPendingPayment), nil
		},
	}
	router := chi.NewRouter()
	NewOrderHandlers(nil, orders, &stubReconciliationService{}, WithReceiptLinks(&stubReceiptLinker{})).Routes(router)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/ord_1/receipt", ""))

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 before payment, got %d", rr.Code)
	}
}

func TestOrderHandlerReceiptLinkNotConfigured(t *testing.T) {
	router := newOrderRouter(&stubOrderService{}, &stubReconciliationService{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/ord_1/receipt", ""))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when receipts unconfigured, got %d", rr.Code)
	}
}

func TestOrderHandlerRefreshPaymentStatus(t *testing.T) {
	reconciler := &stubReconciliationService{
		refreshFn: func(ctx context.Context, userID, orderID string) (services.ReconcileResult, error) {
			if userID != "user-1" || orderID != "ord_1" {
				t.Fatalf("unexpected refresh args %s/%s", userID, orderID)
			}
			return services.ReconcileResult{
				Order:   sampleOrder("ord_1", domain.OrderStatusPaid),
				Applied: true,
			}, nil
		},
	}
	router := newOrderRouter(&stubOrderService{}, reconciler)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/ord_1/payment-status", ""))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	var resp reconcileResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Applied || resp.Order.Status != string(domain.OrderStatusPaid) {
		t.Fatalf("unexpected response %+v", resp)
	}
}

func TestOrderHandlerRefreshSurfacesManualReview(t *testing.T) {
	// An amount mismatch parks the order; the shopper still gets a 200 with
	// the held order state rather than an opaque failure.
	reconciler := &stubReconciliationService{
		refreshFn: func(ctx context.Context, userID, orderID string) (services.ReconcileResult, error) {
			order := sampleOrder("ord_1", domain.OrderStatusPaymentProcessing)
			order.Flags.ManualReview = true
			return services.ReconcileResult{Order: order, ManualReview: true},
				fmt.Errorf("%w: gateway reported 100, order total 9300", services.ErrPaymentAmountMismatch)
		},
	}
	router := newOrderRouter(&stubOrderService{}, reconciler)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/ord_1/payment-status", ""))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp reconcileResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.ManualReview {
		t.Fatalf("expected manual review surfaced")
	}
}

func TestOrderHandlerRefreshRateLimited(t *testing.T) {
	reconciler := &stubReconciliationService{
		refreshFn: func(context.Context, string, string) (services.ReconcileResult, error) {
			return services.ReconcileResult{Order: sampleOrder("ord_1", domain.OrderStatusPaymentProcessing)}, nil
		},
	}
	router := newOrderRouter(&stubOrderService{}, reconciler)

	var last int
	for i := 0; i < paymentPollLimit+1; i++ {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, authedRequest(http.MethodPost, "/ord_1/payment-status", ""))
		last = rr.Code
	}
	if last != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after %d polls, got %d", paymentPollLimit+1, last)
	}
}
