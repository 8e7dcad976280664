package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/oklog/ulid/v2"

	domain "github.com/ivorythread/api/internal/domain"
	"github.com/ivorythread/api/internal/payments"
	"github.com/ivorythread/api/internal/repositories"
)

var (
	// ErrCheckoutInvalidInput indicates the caller supplied invalid input parameters.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutUnavailable indicates checkout dependencies are currently unavailable.
	ErrCheckoutUnavailable = errors.New("checkout: unavailable")
	// ErrEmptyCart indicates checkout was attempted with no purchasable lines.
	ErrEmptyCart = errors.New("checkout: cart is empty")
	// ErrNotPurchasable indicates a cart line references a variant that cannot
	// be bought: unknown, price on request, or currency mismatch.
	ErrNotPurchasable = errors.New("checkout: item not purchasable")
	// ErrVariantInactive indicates a cart line references a deactivated variant.
	ErrVariantInactive = errors.New("checkout: variant inactive")
	// ErrOutOfStock indicates the advisory stock check found a line exceeding
	// available stock at snapshot time.
	ErrOutOfStock = errors.New("checkout: out of stock")
	// ErrCheckoutConflict indicates a concurrent modification prevented completing checkout.
	ErrCheckoutConflict = errors.New("checkout: conflict")
)

// checkoutGateway abstracts payments.Manager for easier testing.
type checkoutGateway interface {
	InitiatePayment(ctx context.Context, paymentCtx payments.PaymentContext, req payments.InitiationRequest) (payments.Initiation, error)
}

// internalReconciler is the slice of ReconciliationService checkout needs for
// the cash-on-delivery confirmation.
type internalReconciler interface {
	Reconcile(ctx context.Context, orderID string, signal PaymentSignal) (ReconcileResult, error)
}

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Carts      repositories.CartRepository
	Variants   repositories.VariantRepository
	Orders     repositories.OrderRepository
	Addresses  repositories.AddressRepository
	Counters   CounterService
	Pricing    PricingEngine
	Payments   checkoutGateway
	Reconciler internalReconciler
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	carts      repositories.CartRepository
	variants   repositories.VariantRepository
	orders     repositories.OrderRepository
	addresses  repositories.AddressRepository
	counters   CounterService
	pricing    PricingEngine
	payments   checkoutGateway
	reconciler internalReconciler
	sanitizer  *bluemonday.Policy
	now        func() time.Time
	logger     func(ctx context.Context, event string, fields map[string]any)
}

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Carts == nil {
		return nil, errors.New("checkout service: cart repository is required")
	}
	if deps.Variants == nil {
		return nil, errors.New("checkout service: variant repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("checkout service: order repository is required")
	}
	if deps.Addresses == nil {
		return nil, errors.New("checkout service: address repository is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("checkout service: counter service is required")
	}
	if deps.Pricing == nil {
		return nil, errors.New("checkout service: pricing engine is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("checkout service: payment manager is required")
	}
	if deps.Reconciler == nil {
		return nil, errors.New("checkout service: reconciler is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &checkoutService{
		carts:      deps.Carts,
		variants:   deps.Variants,
		orders:     deps.Orders,
		addresses:  deps.Addresses,
		counters:   deps.Counters,
		pricing:    deps.Pricing,
		payments:   deps.Payments,
		reconciler: deps.Reconciler,
		sanitizer:  bluemonday.StrictPolicy(),
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// Checkout validates the cart snapshot, freezes prices into an immutable
// order, and starts payment. Stock is not touched here; the decrement happens
// when payment confirms.
func (s *checkoutService) Checkout(ctx context.Context, cmd CheckoutCommand) (CheckoutResult, error) {
	if s == nil || s.carts == nil {
		return CheckoutResult{}, ErrCheckoutUnavailable
	}

	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return CheckoutResult{}, fmt.Errorf("%w: user id is required", ErrCheckoutInvalidInput)
	}
	method := cmd.PaymentMethod
	if method == "" {
		method = domain.PaymentMethodGateway
	}
	if method != domain.PaymentMethodGateway && method != domain.PaymentMethodCOD {
		return CheckoutResult{}, fmt.Errorf("%w: unknown payment method %q", ErrCheckoutInvalidInput, cmd.PaymentMethod)
	}
	if method == domain.PaymentMethodGateway {
		if strings.TrimSpace(cmd.SuccessURL) == "" || strings.TrimSpace(cmd.CancelURL) == "" {
			return CheckoutResult{}, fmt.Errorf("%w: success and cancel urls are required", ErrCheckoutInvalidInput)
		}
	}
	addressID := strings.TrimSpace(cmd.ShippingAddressID)
	if addressID == "" {
		return CheckoutResult{}, fmt.Errorf("%w: shipping address is required", ErrCheckoutInvalidInput)
	}

	cart, err := s.carts.GetCart(ctx, userID)
	if err != nil {
		if isNotFound(err) {
			return CheckoutResult{}, ErrEmptyCart
		}
		return CheckoutResult{}, s.translateRepoError(err)
	}
	if cartID := strings.TrimSpace(cmd.CartID); cartID != "" && !strings.EqualFold(cart.ID, cartID) {
		return CheckoutResult{}, fmt.Errorf("%w: cart id mismatch", ErrCheckoutInvalidInput)
	}

	snapshot, err := s.snapshotCart(ctx, cart)
	if err != nil {
		return CheckoutResult{}, err
	}

	var discount int64
	if cart.Coupon != nil && cart.Coupon.Applied {
		discount = cart.Coupon.DiscountAmount
	}
	breakdown, err := s.pricing.Price(ctx, PricingInput{
		Currency:         snapshot.currency,
		Lines:            snapshot.pricingLines,
		DiscountSubunits: discount,
	})
	if err != nil {
		return CheckoutResult{}, err
	}

	address, err := s.addresses.FindByID(ctx, userID, addressID)
	if err != nil {
		if isNotFound(err) {
			return CheckoutResult{}, fmt.Errorf("%w: shipping address %s not found", ErrCheckoutInvalidInput, addressID)
		}
		return CheckoutResult{}, s.translateRepoError(err)
	}

	orderNumber, err := s.counters.NextOrderNumber(ctx)
	if err != nil {
		return CheckoutResult{}, s.translateRepoError(err)
	}

	now := s.now()
	order := s.buildOrder(cmd, cart, snapshot, breakdown, address, orderNumber, method, now)

	if err := s.orders.Insert(ctx, order); err != nil {
		return CheckoutResult{}, s.translateRepoError(err)
	}

	s.logger(ctx, "checkout.order_created", map[string]any{
		"orderId":     order.ID,
		"orderNumber": order.OrderNumber,
		"userId":      userID,
		"total":       order.Totals.Total,
		"method":      string(method),
	})

	if method == domain.PaymentMethodCOD {
		return s.confirmCashOnDelivery(ctx, order)
	}
	return s.initiateGatewayPayment(ctx, cmd, order)
}

type cartSnapshot struct {
	currency     string
	items        []domain.OrderLineItem
	pricingLines []PricingLine
}

// snapshotCart validates every line against the current catalog and freezes
// the catalog price onto the line. Pure read; no state changes.
func (s *checkoutService) snapshotCart(ctx context.Context, cart domain.Cart) (cartSnapshot, error) {
	if len(cart.Items) == 0 {
		return cartSnapshot{}, ErrEmptyCart
	}

	variantIDs := make([]string, 0, len(cart.Items))
	for _, item := range cart.Items {
		variantIDs = append(variantIDs, item.VariantID)
	}
	variants, err := s.variants.FindByIDs(ctx, variantIDs)
	if err != nil {
		return cartSnapshot{}, s.translateRepoError(err)
	}

	snapshot := cartSnapshot{
		items:        make([]domain.OrderLineItem, 0, len(cart.Items)),
		pricingLines: make([]PricingLine, 0, len(cart.Items)),
	}
	for _, item := range cart.Items {
		if item.Quantity <= 0 {
			return cartSnapshot{}, fmt.Errorf("%w: line %s has non-positive quantity", ErrCheckoutInvalidInput, item.ID)
		}
		variant, ok := variants[strings.TrimSpace(item.VariantID)]
		if !ok {
			return cartSnapshot{}, fmt.Errorf("%w: variant %s no longer exists", ErrNotPurchasable, item.VariantID)
		}
		if !variant.IsActive {
			return cartSnapshot{}, fmt.Errorf("%w: %s", ErrVariantInactive, variant.SKU)
		}
		if variant.PriceOnRequest || variant.UnitPrice <= 0 {
			return cartSnapshot{}, fmt.Errorf("%w: %s has no purchasable price", ErrNotPurchasable, variant.SKU)
		}
		if snapshot.currency == "" {
			snapshot.currency = variant.Currency
		} else if snapshot.currency != variant.Currency {
			return cartSnapshot{}, fmt.Errorf("%w: %s priced in %s, cart is %s", ErrNotPurchasable, variant.SKU, variant.Currency, snapshot.currency)
		}
		// Advisory only. The authoritative check happens at payment time
		// inside the reconcile transaction.
		if variant.Stock < item.Quantity {
			return cartSnapshot{}, fmt.Errorf("%w: %s has %d available", ErrOutOfStock, variant.SKU, variant.Stock)
		}

		snapshot.items = append(snapshot.items, domain.OrderLineItem{
			ProductRef: variant.ProductID,
			VariantRef: variant.ID,
			SKU:        variant.SKU,
			Name:       variant.Name,
			ImageURL:   variant.ImageURL,
			Attributes: variant.Attributes,
			Quantity:   item.Quantity,
			UnitPrice:  variant.UnitPrice,
			Total:      variant.UnitPrice * int64(item.Quantity),
		})
		snapshot.pricingLines = append(snapshot.pricingLines, PricingLine{
			SKU:       variant.SKU,
			Quantity:  item.Quantity,
			UnitPrice: variant.UnitPrice,
		})
	}
	return snapshot, nil
}

func (s *checkoutService) buildOrder(cmd CheckoutCommand, cart domain.Cart, snapshot cartSnapshot, breakdown domain.PricingBreakdown, address domain.Address, orderNumber string, method domain.PaymentMethod, now time.Time) domain.Order {
	userID := strings.TrimSpace(cmd.UserID)
	userRef := "/users/" + userID
	cartRef := "/carts/" + cart.ID

	order := domain.Order{
		ID:          "ord_" + ulid.Make().String(),
		OrderNumber: orderNumber,
		UserID:      userID,
		CartRef:     &cartRef,
		Status:      domain.OrderStatusPendingPayment,
		Currency:    snapshot.currency,
		Totals: domain.OrderTotals{
			Subtotal: breakdown.Subtotal,
			Discount: breakdown.Discount,
			Shipping: breakdown.Shipping,
			Tax:      breakdown.Tax,
			Total:    breakdown.Total,
		},
		Coupon:          cart.Coupon,
		Items:           snapshot.items,
		ShippingAddress: &address,
		Payment: domain.Payment{
			Method:   method,
			Status:   domain.PaymentStatusPending,
			Amount:   breakdown.Total,
			Currency: snapshot.currency,
		},
		Audit:     domain.OrderAudit{CreatedBy: &userRef},
		CreatedAt: now,
		UpdatedAt: now,
		PlacedAt:  &now,
	}

	if email, phone := strings.TrimSpace(cmd.Contact.Email), strings.TrimSpace(cmd.Contact.Phone); email != "" || phone != "" {
		order.Contact = &domain.OrderContact{Email: email, Phone: phone}
	}
	if notes := strings.TrimSpace(s.sanitizer.Sanitize(cmd.Notes)); notes != "" {
		order.Notes = map[string]any{"customer": notes}
	}
	return order
}

// confirmCashOnDelivery settles the order through the same reconcile path
// gateway payments use, so the stock decrement and its guards are shared.
func (s *checkoutService) confirmCashOnDelivery(ctx context.Context, order domain.Order) (CheckoutResult, error) {
	result, err := s.reconciler.Reconcile(ctx, order.ID, PaymentSignal{
		Channel:  domain.ReconcileChannelInternal,
		Status:   payments.StatusSucceeded,
		Amount:   order.Totals.Total,
		Currency: order.Currency,
	})
	if err != nil {
		s.logger(ctx, "checkout.cod_confirm_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
		return CheckoutResult{}, s.translateRepoError(err)
	}
	s.clearCart(ctx, order.UserID)
	return CheckoutResult{Order: result.Order}, nil
}

func (s *checkoutService) initiateGatewayPayment(ctx context.Context, cmd CheckoutCommand, order domain.Order) (CheckoutResult, error) {
	paymentCtx := payments.PaymentContext{
		PreferredProvider: strings.TrimSpace(cmd.PreferredProvider),
		Currency:          order.Currency,
	}
	req := payments.InitiationRequest{
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		Amount:         order.Totals.Total,
		Currency:       order.Currency,
		SuccessURL:     strings.TrimSpace(cmd.SuccessURL),
		CancelURL:      strings.TrimSpace(cmd.CancelURL),
		IdempotencyKey: checkoutIdempotencyKey(cmd, order),
		Items:          buildInitiationItems(order),
	}

	initiation, err := s.payments.InitiatePayment(ctx, paymentCtx, req)
	if err != nil {
		switch {
		case errors.Is(err, payments.ErrUnsupportedProvider):
			return CheckoutResult{}, fmt.Errorf("%w: unknown payment provider %q", ErrCheckoutInvalidInput, cmd.PreferredProvider)
		case errors.Is(err, payments.ErrGatewayRejected):
			s.recordInitiationFailure(ctx, order)
			return CheckoutResult{}, err
		default:
			// Order stays pending_payment; the stale-order sweep expires it
			// if the shopper never retries.
			s.logger(ctx, "checkout.gateway_unavailable", map[string]any{
				"orderId": order.ID,
				"error":   err.Error(),
			})
			return CheckoutResult{}, err
		}
	}

	updated, err := s.orders.RecordPaymentInitiation(ctx, repositories.PaymentInitiationRequest{
		OrderID:       order.ID,
		Provider:      initiation.Provider,
		TransactionID: initiation.TransactionID,
		Amount:        order.Totals.Total,
		Currency:      order.Currency,
		Now:           s.now(),
	})
	if err != nil {
		return CheckoutResult{}, s.translateRepoError(err)
	}

	s.clearCart(ctx, order.UserID)
	return CheckoutResult{
		Order:        updated,
		RedirectURL:  initiation.RedirectURL,
		ClientSecret: initiation.ClientSecret,
	}, nil
}

func (s *checkoutService) recordInitiationFailure(ctx context.Context, order domain.Order) {
	now := s.now()
	if _, err := s.orders.UpdateStatus(ctx, repositories.OrderStatusUpdateRequest{
		OrderID:      order.ID,
		ExpectedFrom: []domain.OrderStatus{domain.OrderStatusPendingPayment},
		Target:       domain.OrderStatusPaymentFailed,
		Now:          now,
	}); err != nil {
		s.logger(ctx, "checkout.mark_failed_error", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
	}
}

func (s *checkoutService) clearCart(ctx context.Context, userID string) {
	if err := s.carts.ClearCart(ctx, userID, nil); err != nil && !isNotFound(err) {
		s.logger(ctx, "checkout.clear_cart_failed", map[string]any{
			"userId": userID,
			"error":  err.Error(),
		})
	}
}

func (s *checkoutService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		if repoErr.IsConflict() {
			return ErrCheckoutConflict
		}
		return ErrCheckoutUnavailable
	}
	return ErrCheckoutUnavailable
}

func checkoutIdempotencyKey(cmd CheckoutCommand, order domain.Order) string {
	if key := strings.TrimSpace(cmd.IdempotencyKey); key != "" {
		return key
	}
	return order.ID
}

func buildInitiationItems(order domain.Order) []payments.InitiationLineItem {
	items := make([]payments.InitiationLineItem, 0, len(order.Items))
	var itemTotal int64
	for _, line := range order.Items {
		items = append(items, payments.InitiationLineItem{
			Name:       line.Name,
			SKU:        line.SKU,
			Quantity:   int64(line.Quantity),
			UnitAmount: line.UnitPrice,
			Currency:   order.Currency,
		})
		itemTotal += line.Total
	}
	// Shipping, tax, and discounts shift the total away from the line sum, in
	// which case the gateway gets a single order-level line.
	if itemTotal != order.Totals.Total {
		return []payments.InitiationLineItem{{
			Name:       order.OrderNumber,
			Quantity:   1,
			UnitAmount: order.Totals.Total,
			Currency:   order.Currency,
		}}
	}
	return items
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
