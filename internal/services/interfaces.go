package services

import (
	"context"
	"time"

	domain "github.com/ivorythread/api/internal/domain"
	"github.com/ivorythread/api/internal/payments"
)

// ContactInput carries the contact snapshot captured at checkout.
type ContactInput struct {
	Email string
	Phone string
}

// CheckoutCommand converts a shopper's cart into an order.
type CheckoutCommand struct {
	UserID            string
	CartID            string
	PaymentMethod     domain.PaymentMethod
	ShippingAddressID string
	Contact           ContactInput
	SuccessURL        string
	CancelURL         string
	PreferredProvider string
	Notes             string
	IdempotencyKey    string
}

// CheckoutResult returns the created order plus, for gateway payments, the
// redirect the shopper completes payment at.
type CheckoutResult struct {
	Order        domain.Order
	RedirectURL  string
	ClientSecret string
}

// CheckoutService validates a cart snapshot, freezes prices, creates the
// order, and initiates payment.
type CheckoutService interface {
	Checkout(ctx context.Context, cmd CheckoutCommand) (CheckoutResult, error)
}

// PaymentSignal is a normalised payment outcome report from any channel.
type PaymentSignal struct {
	Channel       domain.ReconcileChannel
	EventID       string
	Status        payments.Status
	TransactionID string
	// Amount is the gateway-reported amount in smallest currency units. Zero
	// means the channel did not report an amount (admin overrides).
	Amount   int64
	Currency string
	Raw      map[string]any
	// ActorRef identifies the operator for admin-channel signals.
	ActorRef string
}

// ReconcileResult reports what a reconcile call did.
type ReconcileResult struct {
	Order domain.Order
	// Applied is true when this call performed a state transition.
	Applied bool
	// AlreadyTerminal is true when the order was terminal before this call.
	AlreadyTerminal bool
	// Conflict is true when a terminal order received a disagreeing signal.
	Conflict bool
	// ManualReview is true when the signal parked the order for operators.
	ManualReview  bool
	StockAdjusted bool
	Shortfall     []string
}

// ReconciliationService merges payment signals from webhooks, polls, and
// operator overrides into order state, idempotently and race-safely.
type ReconciliationService interface {
	// Reconcile applies one signal to one order.
	Reconcile(ctx context.Context, orderID string, signal PaymentSignal) (ReconcileResult, error)
	// RefreshPaymentStatus polls the gateway for the order's transaction and
	// reconciles the answer. UserID scopes access; empty means internal.
	RefreshPaymentStatus(ctx context.Context, userID, orderID string) (ReconcileResult, error)
	// ProcessWebhookEvent reconciles a durably recorded webhook event and
	// updates its processing state.
	ProcessWebhookEvent(ctx context.Context, event domain.WebhookEvent) (ReconcileResult, error)
}

// OrderEventMessage is the fanout payload published when payment
// reconciliation lands an order in a new state.
type OrderEventMessage struct {
	EventType   string                  `json:"eventType"`
	OrderID     string                  `json:"orderId"`
	OrderNumber string                  `json:"orderNumber"`
	UserID      string                  `json:"userId"`
	Status      domain.OrderStatus      `json:"status"`
	Channel     domain.ReconcileChannel `json:"channel"`
	Amount      int64                   `json:"amount"`
	Currency    string                  `json:"currency"`
	// Shortfall lists SKUs that blocked the post-payment stock decrement.
	Shortfall  []string  `json:"shortfall,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// OrderEventPublisher fans order state changes out to downstream consumers
// (notifications, fulfilment, analytics).
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, message OrderEventMessage) (string, error)
}

// OrderListQuery narrows order listings.
type OrderListQuery struct {
	UserID    string
	Statuses  []domain.OrderStatus
	PageSize  int
	PageToken string
}

// OrderTransitionCommand applies a post-payment lifecycle transition.
type OrderTransitionCommand struct {
	OrderID  string
	Target   domain.OrderStatus
	Reason   string
	ActorRef string
}

// OrderService reads orders and applies explicit lifecycle transitions
// outside the payment reconciliation path.
type OrderService interface {
	GetOrder(ctx context.Context, userID, orderID string) (domain.Order, error)
	ListOrders(ctx context.Context, query OrderListQuery) (domain.CursorPage[domain.Order], error)
	// CancelOrder cancels an order that has not completed payment.
	CancelOrder(ctx context.Context, userID, orderID, reason string) (domain.Order, error)
	// Transition applies fulfilment and refund transitions for operators.
	Transition(ctx context.Context, cmd OrderTransitionCommand) (domain.Order, error)
}

// InventoryAdjustCommand applies a manual stock delta.
type InventoryAdjustCommand struct {
	SKU      string
	Delta    int
	Reason   string
	OrderRef string
	ActorRef string
}

// InventoryService exposes stock reads and operator adjustments. The
// payment-time decrement happens inside the reconcile transaction, not here.
type InventoryService interface {
	GetStock(ctx context.Context, sku string) (domain.InventoryStock, error)
	Adjust(ctx context.Context, cmd InventoryAdjustCommand) (domain.InventoryStock, error)
}

// CartItemInput upserts one variant line into a cart.
type CartItemInput struct {
	VariantID string
	Quantity  int
}

// CartService owns pre-checkout cart state.
type CartService interface {
	GetCart(ctx context.Context, userID string) (domain.Cart, error)
	PutItem(ctx context.Context, userID string, input CartItemInput) (domain.Cart, error)
	RemoveItem(ctx context.Context, userID, itemID string) (domain.Cart, error)
	ApplyCoupon(ctx context.Context, userID, code string) (domain.Cart, error)
	Clear(ctx context.Context, userID string) error
}

// PricingLine is one order line fed into the pricing engine.
type PricingLine struct {
	SKU       string
	Quantity  int
	UnitPrice int64
}

// PricingInput carries everything the pricing engine needs. All amounts are
// smallest currency units.
type PricingInput struct {
	Currency         string
	Lines            []PricingLine
	DiscountSubunits int64
}

// PricingEngine computes order totals deterministically from frozen line
// prices plus configured tax and shipping policy.
type PricingEngine interface {
	Price(ctx context.Context, input PricingInput) (domain.PricingBreakdown, error)
}

// CounterValue is the raw and formatted result of a counter increment.
type CounterValue struct {
	Value     int64
	Formatted string
}

// CounterGenerationOptions controls how counter values are incremented and formatted.
type CounterGenerationOptions struct {
	Step      int64
	MaxValue  *int64
	Prefix    string
	Suffix    string
	PadLength int
	Formatter func(now time.Time, seq int64) string
}

// CounterService issues collision-free sequence numbers.
type CounterService interface {
	Next(ctx context.Context, scope, name string, opts CounterGenerationOptions) (CounterValue, error)
	NextOrderNumber(ctx context.Context) (string, error)
}

// SweepService runs the periodic background pass: expiring stale unpaid
// orders and re-driving webhook events that failed processing.
type SweepService interface {
	CancelStalePending(ctx context.Context) (int, error)
	RedriveWebhookEvents(ctx context.Context) (int, error)
}

// AuditLogRecord is the raw input for one audit entry.
type AuditLogRecord struct {
	Actor      string
	ActorType  string
	Action     string
	TargetRef  string
	Severity   string
	RequestID  string
	Metadata   map[string]any
	OccurredAt time.Time
}

// AuditLogService persists audit entries without interrupting the primary
// mutation flow.
type AuditLogService interface {
	Record(ctx context.Context, record AuditLogRecord)
}

// BuildInfo captures runtime metadata exposed via health endpoints.
type BuildInfo struct {
	Version     string
	CommitSHA   string
	Environment string
	StartedAt   time.Time
}

// SystemService provides operational reports.
type SystemService interface {
	HealthReport(ctx context.Context) (domain.SystemHealthReport, error)
}
