package handlers

import (
	"context"
	"errors"
	"sync"
	"time"

	domain "github.com/ivorythread/api/internal/domain"
	"github.com/ivorythread/api/internal/payments"
	"github.com/ivorythread/api/internal/repositories"
	"github.com/ivorythread/api/internal/services"
)

type stubCheckoutService struct {
	checkoutFn func(ctx context.Context, cmd services.CheckoutCommand) (services.CheckoutResult, error)
}

func (s *stubCheckoutService) Checkout(ctx context.Context, cmd services.CheckoutCommand) (services.CheckoutResult, error) {
	if s.checkoutFn != nil {
		return s.checkoutFn(ctx, cmd)
	}
	return services.CheckoutResult{}, nil
}

type stubOrderService struct {
	getFn        func(ctx context.Context, userID, orderID string) (domain.Order, error)
	listFn       func(ctx context.Context, query services.OrderListQuery) (domain.CursorPage[domain.Order], error)
	cancelFn     func(ctx context.Context, userID, orderID, reason string) (domain.Order, error)
	transitionFn func(ctx context.Context, cmd services.OrderTransitionCommand) (domain.Order, error)
}

func (s *stubOrderService) GetOrder(ctx context.Context, userID, orderID string) (domain.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, userID, orderID)
	}
	return domain.Order{}, services.ErrOrderNotFound
}

func (s *stubOrderService) ListOrders(ctx context.Context, query services.OrderListQuery) (domain.CursorPage[domain.Order], error) {
	if s.listFn != nil {
		return s.listFn(ctx, query)
	}
	return domain.CursorPage[domain.Order]{}, nil
}

func (s *stubOrderService) CancelOrder(ctx context.Context, userID, orderID, reason string) (domain.Order, error) {
	if s.cancelFn != nil {
		return s.cancelFn(ctx, userID, orderID, reason)
	}
	return domain.Order{}, services.ErrOrderNotFound
}

func (s *stubOrderService) Transition(ctx context.Context, cmd services.OrderTransitionCommand) (domain.Order, error) {
	if s.transitionFn != nil {
		return s.transitionFn(ctx, cmd)
	}
	return domain.Order{}, services.ErrOrderNotFound
}

type stubReconciliationService struct {
	reconcileFn func(ctx context.Context, orderID string, signal services.PaymentSignal) (services.ReconcileResult, error)
	refreshFn   func(ctx context.Context, userID, orderID string) (services.ReconcileResult, error)
	processFn   func(ctx context.Context, event domain.WebhookEvent) (services.ReconcileResult, error)
}

func (s *stubReconciliationService) Reconcile(ctx context.Context, orderID string, signal services.PaymentSignal) (services.ReconcileResult, error) {
	if s.reconcileFn != nil {
		return s.reconcileFn(ctx, orderID, signal)
	}
	return services.ReconcileResult{}, nil
}

func (s *stubReconciliationService) RefreshPaymentStatus(ctx context.Context, userID, orderID string) (services.ReconcileResult, error) {
	if s.refreshFn != nil {
		return s.refreshFn(ctx, userID, orderID)
	}
	return services.ReconcileResult{}, nil
}

func (s *stubReconciliationService) ProcessWebhookEvent(ctx context.Context, event domain.WebhookEvent) (services.ReconcileResult, error) {
	if s.processFn != nil {
		return s.processFn(ctx, event)
	}
	return services.ReconcileResult{}, nil
}

type stubCartService struct {
	getFn    func(ctx context.Context, userID string) (domain.Cart, error)
	putFn    func(ctx context.Context, userID string, input services.CartItemInput) (domain.Cart, error)
	removeFn func(ctx context.Context, userID, itemID string) (domain.Cart, error)
	couponFn func(ctx context.Context, userID, code string) (domain.Cart, error)
	clearFn  func(ctx context.Context, userID string) error
}

func (s *stubCartService) GetCart(ctx context.Context, userID string) (domain.Cart, error) {
	if s.getFn != nil {
		return s.getFn(ctx, userID)
	}
	return domain.Cart{}, nil
}

func (s *stubCartService) PutItem(ctx context.Context, userID string, input services.CartItemInput) (domain.Cart, error) {
	if s.putFn != nil {
		return s.putFn(ctx, userID, input)
	}
	return domain.Cart{}, nil
}

func (s *stubCartService) RemoveItem(ctx context.Context, userID, itemID string) (domain.Cart, error) {
	if s.removeFn != nil {
		return s.removeFn(ctx, userID, itemID)
	}
	return domain.Cart{}, nil
}

func (s *stubCartService) ApplyCoupon(ctx context.Context, userID, code string) (domain.Cart, error) {
	if s.couponFn != nil {
		return s.couponFn(ctx, userID, code)
	}
	return domain.Cart{}, nil
}

func (s *stubCartService) Clear(ctx context.Context, userID string) error {
	if s.clearFn != nil {
		return s.clearFn(ctx, userID)
	}
	return nil
}

type stubInventoryService struct {
	getFn    func(ctx context.Context, sku string) (domain.InventoryStock, error)
	adjustFn func(ctx context.Context, cmd services.InventoryAdjustCommand) (domain.InventoryStock, error)
}

func (s *stubInventoryService) GetStock(ctx context.Context, sku string) (domain.InventoryStock, error) {
	if s.getFn != nil {
		return s.getFn(ctx, sku)
	}
	return domain.InventoryStock{}, services.ErrInventoryStockNotFound
}

func (s *stubInventoryService) Adjust(ctx context.Context, cmd services.InventoryAdjustCommand) (domain.InventoryStock, error) {
	if s.adjustFn != nil {
		return s.adjustFn(ctx, cmd)
	}
	return domain.InventoryStock{}, nil
}

type stubSystemService struct {
	report domain.SystemHealthReport
	err    error
}

func (s *stubSystemService) HealthReport(ctx context.Context) (domain.SystemHealthReport, error) {
	if s.err != nil {
		return domain.SystemHealthReport{}, s.err
	}
	return s.report, nil
}

type stubVerifier struct {
	event payments.VerifiedPaymentEvent
	err   error

	mu         sync.Mutex
	bodies     [][]byte
	signatures []string
	providers  []string
}

func (s *stubVerifier) VerifyCallback(providerKey string, rawBody []byte, signatureHeader string) (payments.VerifiedPaymentEvent, error) {
	s.mu.Lock()
	s.providers = append(s.providers, providerKey)
	s.bodies = append(s.bodies, rawBody)
	s.signatures = append(s.signatures, signatureHeader)
	s.mu.Unlock()
	if s.err != nil {
		return payments.VerifiedPaymentEvent{}, s.err
	}
	return s.event, nil
}

type stubEventRepo struct {
	mu        sync.Mutex
	events    map[string]domain.WebhookEvent
	insertErr error
}

func newStubEventRepo() *stubEventRepo {
	return &stubEventRepo{events: make(map[string]domain.WebhookEvent)}
}

func (r *stubEventRepo) InsertIfAbsent(ctx context.Context, event domain.WebhookEvent) (domain.WebhookEvent, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		return domain.WebhookEvent{}, false, r.insertErr
	}
	if existing, ok := r.events[event.ID]; ok {
		return existing, false, nil
	}
	r.events[event.ID] = event
	return event, true, nil
}

func (r *stubEventRepo) FindByID(ctx context.Context, eventID string) (domain.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	event, ok := r.events[eventID]
	if !ok {
		return domain.WebhookEvent{}, errors.New("webhook event not found")
	}
	return event, nil
}

func (r *stubEventRepo) UpdateProcessing(ctx context.Context, eventID string, update repositories.WebhookEventUpdate) (domain.WebhookEvent, error) {
	return domain.WebhookEvent{}, nil
}

func (r *stubEventRepo) ListUnprocessed(ctx context.Context, olderThan time.Time, limit int) ([]domain.WebhookEvent, error) {
	return nil, nil
}

func sampleOrder(id string, status domain.OrderStatus) domain.Order {
	placed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return domain.Order{
		ID:          id,
		OrderNumber: "IV-2026-000042",
		UserID:      "user-1",
		Status:      status,
		Currency:    "USD",
		Totals: domain.OrderTotals{
			Subtotal: 8000,
			Discount: 0,
			Shipping: 500,
			Tax:      800,
			Total:    9300,
		},
		Items: []domain.OrderLineItem{
			{SKU: "SKU-001", Name: "Linen Shirt", Quantity: 2, UnitPrice: 2500, Total: 5000},
			{SKU: "SKU-002", Name: "Wool Scarf", Quantity: 1, UnitPrice: 3000, Total: 3000},
		},
		Payment: domain.Payment{
			Method:   domain.PaymentMethodGateway,
			Provider: "stripe",
			Status:   domain.PaymentStatusPending,
			Amount:   9300,
			Currency: "USD",
		},
		PlacedAt: &placed,
	}
}
