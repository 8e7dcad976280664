package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	domain "github.com/ivorythread/api/internal/domain"
	"github.com/ivorythread/api/internal/payments"
)

type stubCartRepository struct {
	mu         sync.Mutex
	carts      map[string]domain.Cart
	upsertErr  error
	clearCalls []string
	clearErr   error
}

func newStubCartRepository(carts ...domain.Cart) *stubCartRepository {
	repo := &stubCartRepository{carts: make(map[string]domain.Cart)}
	for _, cart := range carts {
		repo.carts[cart.UserID] = cart
	}
	return repo
}

func (r *stubCartRepository) UpsertCart(ctx context.Context, cart domain.Cart, expectedUpdatedAt *time.Time) (domain.Cart, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.upsertErr != nil {
		return domain.Cart{}, r.upsertErr
	}
	r.carts[cart.UserID] = cart
	return cart, nil
}

func (r *stubCartRepository) GetCart(ctx context.Context, userID string) (domain.Cart, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cart, ok := r.carts[userID]
	if !ok {
		return domain.Cart{}, errStubNotFound
	}
	return cart, nil
}

func (r *stubCartRepository) ClearCart(ctx context.Context, userID string, expectedUpdatedAt *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clearCalls = append(r.clearCalls, userID)
	if r.clearErr != nil {
		return r.clearErr
	}
	delete(r.carts, userID)
	return nil
}

type stubVariantRepository struct {
	variants map[string]domain.Variant
}

func newStubVariantRepository(variants ...domain.Variant) *stubVariantRepository {
	repo := &stubVariantRepository{variants: make(map[string]domain.Variant)}
	for _, variant := range variants {
		repo.variants[variant.ID] = variant
	}
	return repo
}

func (r *stubVariantRepository) FindByID(ctx context.Context, variantID string) (domain.Variant, error) {
	variant, ok := r.variants[variantID]
	if !ok {
		return domain.Variant{}, errStubNotFound
	}
	return variant, nil
}

func (r *stubVariantRepository) FindByIDs(ctx context.Context, variantIDs []string) (map[string]domain.Variant, error) {
	found := make(map[string]domain.Variant, len(variantIDs))
	for _, id := range variantIDs {
		if variant, ok := r.variants[id]; ok {
			found[id] = variant
		}
	}
	return found, nil
}

type stubAddressRepository struct {
	addresses map[string]domain.Address
}

func (r *stubAddressRepository) FindByID(ctx context.Context, userID, addressID string) (domain.Address, error) {
	address, ok := r.addresses[userID+"/"+addressID]
	if !ok {
		return domain.Address{}, errStubNotFound
	}
	return address, nil
}

type stubCheckoutGateway struct {
	mu       sync.Mutex
	calls    []payments.InitiationRequest
	contexts []payments.PaymentContext
	result   payments.Initiation
	err      error
}

func (g *stubCheckoutGateway) InitiatePayment(ctx context.Context, paymentCtx payments.PaymentContext, req payments.InitiationRequest) (payments.Initiation, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	g.contexts = append(g.contexts, paymentCtx)
	g.mu.Unlock()
	if g.err != nil {
		return payments.Initiation{}, g.err
	}
	return g.result, nil
}

type stubReconcilerService struct {
	mu      sync.Mutex
	signals []PaymentSignal
	result  ReconcileResult
	err     error
}

func (s *stubReconcilerService) Reconcile(ctx context.Context, orderID string, signal PaymentSignal) (ReconcileResult, error) {
	s.mu.Lock()
	s.signals = append(s.signals, signal)
	s.mu.Unlock()
	if s.err != nil {
		return ReconcileResult{}, s.err
	}
	return s.result, nil
}

type stubCounterService struct {
	number string
	err    error
}

func (s *stubCounterService) Next(ctx context.Context, scope, name string, opts CounterGenerationOptions) (CounterValue, error) {
	return CounterValue{Value: 7, Formatted: s.number}, s.err
}

func (s *stubCounterService) NextOrderNumber(ctx context.Context) (string, error) {
	return s.number, s.err
}

type checkoutFixture struct {
	carts      *stubCartRepository
	variants   *stubVariantRepository
	orders     *stubOrderRepository
	addresses  *stubAddressRepository
	gateway    *stubCheckoutGateway
	reconciler *stubReconcilerService
	service    CheckoutService
}

func newCheckoutFixture(t *testing.T) *checkoutFixture {
	t.Helper()

	cart := domain.Cart{
		ID:     "cart_1",
		UserID: "user_1",
		Items: []domain.CartItem{
			{ID: "cli_1", VariantID: "var_1", SKU: "SKU-001", Quantity: 2},
			{ID: "cli_2", VariantID: "var_2", SKU: "SKU-002", Quantity: 1},
		},
		UpdatedAt: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	variants := newStubVariantRepository(
		domain.Variant{ID: "var_1", ProductID: "prod_1", SKU: "SKU-001", Name: "Linen Shirt", UnitPrice: 2500, Currency: "USD", Stock: 10, IsActive: true},
		domain.Variant{ID: "var_2", ProductID: "prod_2", SKU: "SKU-002", Name: "Wool Scarf", UnitPrice: 3000, Currency: "USD", Stock: 4, IsActive: true},
	)

	f := &checkoutFixture{
		carts:     newStubCartRepository(cart),
		variants:  variants,
		orders:    newStubOrderRepository(),
		addresses: &stubAddressRepository{addresses: map[string]domain.Address{"user_1/addr_1": {ID: "addr_1", Recipient: "A. Shopper", Line1: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US"}}},
		gateway: &stubCheckoutGateway{result: payments.Initiation{
			Provider:      "stripe",
			TransactionID: "pi_new",
			RedirectURL:   "https://checkout.stripe.test/session",
		}},
		reconciler: &stubReconcilerService{},
	}

	pricing, err := NewPricingEngine(PricingEngineDeps{Config: PricingConfig{TaxBasisPoints: 1000, ShippingFlat: 500, FreeShippingThreshold: 20000}})
	if err != nil {
		t.Fatalf("new pricing engine: %v", err)
	}

	svc, err := NewCheckoutService(CheckoutServiceDeps{
		Carts:      f.carts,
		Variants:   f.variants,
		Orders:     f.orders,
		Addresses:  f.addresses,
		Counters:   &stubCounterService{number: "IV-2026-000042"},
		Pricing:    pricing,
		Payments:   f.gateway,
		Reconciler: f.reconciler,
		Clock:      func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("new checkout service: %v", err)
	}
	f.service = svc
	return f
}

func gatewayCheckoutCommand() CheckoutCommand {
	return CheckoutCommand{
		UserID:            "user_1",
		PaymentMethod:     domain.PaymentMethodGateway,
		ShippingAddressID: "addr_1",
		Contact:           ContactInput{Email: "shopper@example.com"},
		SuccessURL:        "https://shop.example.com/checkout/success",
		CancelURL:         "https://shop.example.com/checkout/cancel",
	}
}

func TestCheckoutGatewayHappyPath(t *testing.T) {
	f := newCheckoutFixture(t)

	result, err := f.service.Checkout(context.Background(), gatewayCheckoutCommand())
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}

	order := result.Order
	if order.OrderNumber != "IV-2026-000042" {
		t.Fatalf("unexpected order number %q", order.OrderNumber)
	}
	if order.Status != domain.OrderStatusPaymentProcessing {
		t.Fatalf("expected payment_processing after initiation, got %s", order.Status)
	}
	// Subtotal 2*2500 + 3000 = 8000, tax 800, shipping 500.
	if order.Totals.Subtotal != 8000 || order.Totals.Tax != 800 || order.Totals.Shipping != 500 || order.Totals.Total != 9300 {
		t.Fatalf("unexpected totals %+v", order.Totals)
	}
	if result.RedirectURL != "https://checkout.stripe.test/session" {
		t.Fatalf("unexpected redirect %q", result.RedirectURL)
	}
	if len(f.orders.initiations) != 1 || f.orders.initiations[0].TransactionID != "pi_new" {
		t.Fatalf("expected payment initiation recorded, got %+v", f.orders.initiations)
	}
	if len(f.carts.clearCalls) != 1 {
		t.Fatalf("expected cart cleared once, got %d", len(f.carts.clearCalls))
	}
	if len(f.reconciler.signals) != 0 {
		t.Fatalf("gateway checkout must not confirm payment inline")
	}
}

func TestCheckoutFreezesCatalogPrices(t *testing.T) {
	f := newCheckoutFixture(t)

	result, err := f.service.Checkout(context.Background(), gatewayCheckoutCommand())
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	for _, item := range result.Order.Items {
		switch item.SKU {
		case "SKU-001":
			if item.UnitPrice != 2500 || item.Total != 5000 {
				t.Fatalf("expected frozen catalog price, got %+v", item)
			}
		case "SKU-002":
			if item.UnitPrice != 3000 || item.Total != 3000 {
				t.Fatalf("expected frozen catalog price, got %+v", item)
			}
		default:
			t.Fatalf("unexpected line %s", item.SKU)
		}
	}
}

func TestCheckoutEmptyCart(t *testing.T) {
	f := newCheckoutFixture(t)
	f.carts.carts["user_1"] = domain.Cart{ID: "cart_1", UserID: "user_1"}

	if _, err := f.service.Checkout(context.Background(), gatewayCheckoutCommand()); !errors.Is(err, ErrEmptyCart) {
		t.Fatalf("expected ErrEmptyCart, got %v", err)
	}
}

func TestCheckoutCartValidationFailures(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(f *checkoutFixture)
		wantErr error
	}{
		{
			name: "missing variant",
			mutate: func(f *checkoutFixture) {
				delete(f.variants.variants, "var_2")
			},
			wantErr: ErrNotPurchasable,
		},
		{
			name: "inactive variant",
			mutate: func(f *checkoutFixture) {
				v := f.variants.variants["var_1"]
				v.IsActive = false
				f.variants.variants["var_1"] = v
			},
			wantErr: ErrVariantInactive,
		},
		{
			name: "price on request",
			mutate: func(f *checkoutFixture) {
				v := f.variants.variants["var_1"]
				v.PriceOnRequest = true
				f.variants.variants["var_1"] = v
			},
			wantErr: ErrNotPurchasable,
		},
		{
			name: "insufficient stock",
			mutate: func(f *checkoutFixture) {
				v := f.variants.variants["var_1"]
				v.Stock = 1
				f.variants.variants["var_1"] = v
			},
			wantErr: ErrOutOfStock,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newCheckoutFixture(t)
			tc.mutate(f)
			_, err := f.service.Checkout(context.Background(), gatewayCheckoutCommand())
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			f.orders.mu.Lock()
			defer f.orders.mu.Unlock()
			if len(f.orders.orders) != 0 {
				t.Fatalf("validation failure must not create orders")
			}
		})
	}
}

func TestCheckoutCashOnDeliveryConfirmsImmediately(t *testing.T) {
	f := newCheckoutFixture(t)
	paid := domain.Order{ID: "ord_cod", Status: domain.OrderStatusPaid}
	f.reconciler.result = ReconcileResult{Order: paid, Applied: true, StockAdjusted: true}

	cmd := gatewayCheckoutCommand()
	cmd.PaymentMethod = domain.PaymentMethodCOD
	cmd.SuccessURL = ""
	cmd.CancelURL = ""

	result, err := f.service.Checkout(context.Background(), cmd)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if result.Order.Status != domain.OrderStatusPaid {
		t.Fatalf("expected paid order, got %s", result.Order.Status)
	}
	if len(f.gateway.calls) != 0 {
		t.Fatalf("cash on delivery must not call the gateway")
	}
	if len(f.reconciler.signals) != 1 {
		t.Fatalf("expected one internal reconcile, got %d", len(f.reconciler.signals))
	}
	signal := f.reconciler.signals[0]
	if signal.Channel != domain.ReconcileChannelInternal {
		t.Fatalf("expected internal channel, got %s", signal.Channel)
	}
	if signal.Status != payments.StatusSucceeded || signal.Amount != 9300 {
		t.Fatalf("unexpected signal %+v", signal)
	}
	if len(f.carts.clearCalls) != 1 {
		t.Fatalf("expected cart cleared")
	}
}

func TestCheckoutGatewayRejectedFailsOrder(t *testing.T) {
	f := newCheckoutFixture(t)
	f.gateway.err = fmt.Errorf("stripe: initiate: %w: card declined", payments.ErrGatewayRejected)

	_, err := f.service.Checkout(context.Background(), gatewayCheckoutCommand())
	if !errors.Is(err, payments.ErrGatewayRejected) {
		t.Fatalf("expected rejection passthrough, got %v", err)
	}
	if len(f.orders.updateCalls) != 1 || f.orders.updateCalls[0].Target != domain.OrderStatusPaymentFailed {
		t.Fatalf("expected order marked payment_failed, got %+v", f.orders.updateCalls)
	}
}

func TestCheckoutGatewayUnavailableKeepsOrderPending(t *testing.T) {
	f := newCheckoutFixture(t)
	f.gateway.err = fmt.Errorf("stripe: initiate: %w: 503", payments.ErrGatewayUnavailable)

	_, err := f.service.Checkout(context.Background(), gatewayCheckoutCommand())
	if !errors.Is(err, payments.ErrGatewayUnavailable) {
		t.Fatalf("expected unavailable passthrough, got %v", err)
	}
	if len(f.orders.updateCalls) != 0 {
		t.Fatalf("unavailable gateway must not fail the order")
	}
	// Cart stays so the shopper can retry checkout.
	if len(f.carts.clearCalls) != 0 {
		t.Fatalf("cart must be kept when initiation did not happen")
	}
	f.orders.mu.Lock()
	defer f.orders.mu.Unlock()
	for _, order := range f.orders.orders {
		if order.Status != domain.OrderStatusPendingPayment {
			t.Fatalf("expected pending_payment, got %s", order.Status)
		}
	}
}

func TestCheckoutSanitisesNotes(t *testing.T) {
	f := newCheckoutFixture(t)

	cmd := gatewayCheckoutCommand()
	cmd.Notes = "<b>gift</b> wrap please<script>alert(1)</script>"
	result, err := f.service.Checkout(context.Background(), cmd)
	if err != nil {
		t.Fatalf("checkout: %v", err)
	}
	note, _ := result.Order.Notes["customer"].(string)
	if strings.Contains(note, "<") || !strings.Contains(note, "gift") {
		t.Fatalf("expected sanitised note, got %q", note)
	}
}

func TestCheckoutRequiredFields(t *testing.T) {
	f := newCheckoutFixture(t)

	cases := []CheckoutCommand{
		{},
		{UserID: "user_1", PaymentMethod: "wire"},
		{UserID: "user_1", PaymentMethod: domain.PaymentMethodGateway, ShippingAddressID: "addr_1"},
		{UserID: "user_1", PaymentMethod: domain.PaymentMethodGateway, SuccessURL: "https://s", CancelURL: "https://c"},
	}
	for i, cmd := range cases {
		if _, err := f.service.Checkout(context.Background(), cmd); !errors.Is(err, ErrCheckoutInvalidInput) {
			t.Fatalf("case %d: expected ErrCheckoutInvalidInput, got %v", i, err)
		}
	}
}

func TestCheckoutStockNotDecrementedAtCreation(t *testing.T) {
	f := newCheckoutFixture(t)

	if _, err := f.service.Checkout(context.Background(), gatewayCheckoutCommand()); err != nil {
		t.Fatalf("checkout: %v", err)
	}
	if f.variants.variants["var_1"].Stock != 10 || f.variants.variants["var_2"].Stock != 4 {
		t.Fatalf("checkout must not touch stock; decrement happens at payment time")
	}
	if len(f.orders.applyCalls) != 0 {
		t.Fatalf("gateway checkout must not run the reconcile transaction")
	}
}
