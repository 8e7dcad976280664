package domain

import (
	"time"
)

// Pagination defines standard cursor-based paging inputs for list operations.
type Pagination struct {
	PageSize  int
	PageToken string
}

// SortOrder indicates ascending or descending ordering for list queries.
type SortOrder string

const (
	// SortAsc sorts results in ascending order.
	SortAsc SortOrder = "asc"
	// SortDesc sorts results in descending order.
	SortDesc SortOrder = "desc"
)

// Variant is the read-side projection of a purchasable catalog variant.
// Catalog writes happen in a separate admin surface; this service only reads.
type Variant struct {
	ID             string
	ProductID      string
	SKU            string
	Name           string
	ImageURL       string
	Attributes     map[string]any
	UnitPrice      int64
	Currency       string
	Stock          int
	IsActive       bool
	PriceOnRequest bool
	UpdatedAt      time.Time
}

// Cart aggregates the mutable pre-checkout state for a shopper.
type Cart struct {
	ID        string
	UserID    string
	Currency  string
	Coupon    *CartCoupon
	Items     []CartItem
	Metadata  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CartCoupon captures an applied coupon snapshot.
type CartCoupon struct {
	Code           string
	DiscountAmount int64
	Applied        bool
}

// CartItem stores a single variant entry within a cart. UnitPrice reflects the
// catalog price at the time the item was last read, not a frozen price.
type CartItem struct {
	ID        string
	ProductID string
	VariantID string
	SKU       string
	Quantity  int
	UnitPrice int64
	Currency  string
	Metadata  map[string]any
	AddedAt   time.Time
	UpdatedAt *time.Time
}

// OrderStatus enumerates valid lifecycle states for orders.
type OrderStatus string

const (
	// OrderStatusPendingPayment indicates the order awaits payment initiation.
	OrderStatusPendingPayment OrderStatus = "pending_payment"
	// OrderStatusPaymentProcessing indicates a gateway transaction is in flight.
	OrderStatusPaymentProcessing OrderStatus = "payment_processing"
	// OrderStatusPaid indicates payment was confirmed and reconciled.
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusPaymentFailed indicates the gateway reported a terminal failure.
	OrderStatusPaymentFailed OrderStatus = "payment_failed"
	// OrderStatusCancelled indicates the order was cancelled before payment completed.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusFulfilled indicates the order has been packed and handed to the carrier.
	OrderStatusFulfilled OrderStatus = "fulfilled"
	// OrderStatusDelivered indicates the order reached the customer.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusRefundRequested indicates a refund is awaiting processing.
	OrderStatusRefundRequested OrderStatus = "refund_requested"
	// OrderStatusRefunded indicates the refund completed.
	OrderStatusRefunded OrderStatus = "refunded"
)

// TerminalPaymentStatuses lists the statuses after which payment signals for an
// order no longer change its state.
var TerminalPaymentStatuses = map[OrderStatus]bool{
	OrderStatusPaid:          true,
	OrderStatusPaymentFailed: true,
	OrderStatusCancelled:     true,
	OrderStatusRefunded:      true,
}

// IsPaymentTerminal reports whether the status ends the payment lifecycle.
func (s OrderStatus) IsPaymentTerminal() bool {
	return TerminalPaymentStatuses[s]
}

// PaymentMethod distinguishes gateway checkout from cash on delivery.
type PaymentMethod string

const (
	// PaymentMethodGateway routes payment through the external gateway.
	PaymentMethodGateway PaymentMethod = "gateway"
	// PaymentMethodCOD settles payment in cash on delivery.
	PaymentMethodCOD PaymentMethod = "cod"
)

// Order is the immutable record of a purchase. Created exactly once per
// checkout; afterwards only the reconciliation engine mutates status and
// payment fields, or an explicit cancellation/refund action. Never deleted.
type Order struct {
	ID              string
	OrderNumber     string
	UserID          string
	CartRef         *string
	Status          OrderStatus
	Currency        string
	Totals          OrderTotals
	Coupon          *CartCoupon
	Items           []OrderLineItem
	ShippingAddress *Address
	Contact         *OrderContact
	Payment         Payment
	Flags           OrderFlags
	Notes           map[string]any
	Audit           OrderAudit
	Metadata        map[string]any
	CreatedAt       time.Time
	UpdatedAt       time.Time
	PlacedAt        *time.Time
	PaidAt          *time.Time
	FailedAt        *time.Time
	CancelledAt     *time.Time
	FulfilledAt     *time.Time
	DeliveredAt     *time.Time
	RefundedAt      *time.Time
	CancelReason    *string
}

// OrderTotals holds rolled-up monetary fields in the smallest currency unit.
type OrderTotals struct {
	Subtotal int64
	Discount int64
	Shipping int64
	Tax      int64
	Total    int64
}

// OrderLineItem is a frozen copy of a cart line at checkout time. Product and
// variant attributes are copied, never referenced, so later catalog edits do
// not alter historical orders.
type OrderLineItem struct {
	ProductRef string
	VariantRef string
	SKU        string
	Name       string
	ImageURL   string
	Attributes map[string]any
	Quantity   int
	UnitPrice  int64
	Total      int64
}

// OrderContact stores a contact snapshot for notifications.
type OrderContact struct {
	Email string
	Phone string
}

// OrderFlags stores indicators for manual handling and idempotency guards.
type OrderFlags struct {
	// ManualReview marks orders held for operator resolution, set on amount
	// mismatches and late conflicting gateway signals.
	ManualReview bool
	// InventoryAdjusted guards the one-time stock decrement on payment.
	InventoryAdjusted bool
	// FulfillmentHold marks paid orders whose stock decrement found a
	// shortfall. Payment is never reversed for these.
	FulfillmentHold bool
}

// OrderAudit records the actors responsible for creating/updating the order.
type OrderAudit struct {
	CreatedBy *string
	UpdatedBy *string
}

// PaymentStatus is the gateway-reported status stored on the payment record.
type PaymentStatus string

const (
	// PaymentStatusPending means no gateway outcome has been recorded yet.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusSucceeded means the gateway confirmed capture.
	PaymentStatusSucceeded PaymentStatus = "succeeded"
	// PaymentStatusFailed means the gateway reported failure or expiry.
	PaymentStatusFailed PaymentStatus = "failed"
	// PaymentStatusRefunded means the captured amount was returned.
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// Payment is the payment sub-document embedded in an order. TransactionID is
// assigned once; a retried payment attempt gets a new transaction only through
// a new order.
type Payment struct {
	Method        PaymentMethod
	Provider      string
	TransactionID string
	Status        PaymentStatus
	Amount        int64
	Currency      string
	InitiatedAt   *time.Time
	CompletedAt   *time.Time
	Raw           map[string]any
}

// ReconcileChannel identifies the source of a payment signal.
type ReconcileChannel string

const (
	// ReconcileChannelWebhook marks signals delivered by the gateway callback.
	ReconcileChannelWebhook ReconcileChannel = "webhook"
	// ReconcileChannelPoll marks signals from an on-demand status query.
	ReconcileChannelPoll ReconcileChannel = "poll"
	// ReconcileChannelAdmin marks operator overrides.
	ReconcileChannelAdmin ReconcileChannel = "admin"
	// ReconcileChannelInternal marks signals generated inside the service,
	// such as cash-on-delivery confirmation and the background sweep.
	ReconcileChannelInternal ReconcileChannel = "internal"
)

// WebhookEventStatus tracks processing of a durably recorded gateway callback.
type WebhookEventStatus string

const (
	// WebhookEventReceived means the payload is stored but not yet reconciled.
	WebhookEventReceived WebhookEventStatus = "received"
	// WebhookEventProcessed means reconciliation consumed the event.
	WebhookEventProcessed WebhookEventStatus = "processed"
	// WebhookEventFailed means reconciliation failed and the sweep will retry.
	WebhookEventFailed WebhookEventStatus = "failed"
)

// WebhookEvent is the durable record of a verified gateway callback, written
// before the webhook endpoint acknowledges with 200.
type WebhookEvent struct {
	ID            string
	Provider      string
	GatewayEvent  string
	Type          string
	OrderID       string
	TransactionID string
	Amount        int64
	Currency      string
	Payload       map[string]any
	Status        WebhookEventStatus
	Attempts      int
	LastError     *string
	ReceivedAt    time.Time
	ProcessedAt   *time.Time
}

// InventoryStock tracks the on-hand counter for a variant. Decremented at most
// once per order, at payment confirmation time.
type InventoryStock struct {
	VariantRef string
	SKU        string
	ProductRef string
	OnHand     int
	UpdatedAt  time.Time
}

// InventoryStockEvent captures stock adjustments for downstream audit.
type InventoryStockEvent struct {
	Type       string
	OrderRef   string
	SKU        string
	VariantRef string
	Delta      int
	OnHand     int
	OccurredAt time.Time
	Metadata   map[string]any
}

// Address represents postal address structures shared by user and order layers.
type Address struct {
	ID         string
	Recipient  string
	Line1      string
	Line2      *string
	City       string
	State      *string
	PostalCode string
	Country    string
	Phone      *string
}

const (
	// HealthStatusOK indicates all dependencies are healthy.
	HealthStatusOK = "ok"
	// HealthStatusDegraded indicates at least one dependency is degraded but service remains running.
	HealthStatusDegraded = "degraded"
	// HealthStatusError indicates the service or a critical dependency is unavailable.
	HealthStatusError = "error"
)

// SystemHealthCheck describes the outcome of an individual dependency probe.
type SystemHealthCheck struct {
	Status    string
	Detail    string
	Error     string
	Latency   time.Duration
	CheckedAt time.Time
}

// SystemHealthReport aggregates dependency status for health endpoints.
type SystemHealthReport struct {
	Status      string
	Checks      map[string]SystemHealthCheck
	Version     string
	CommitSHA   string
	Environment string
	Uptime      time.Duration
	GeneratedAt time.Time
}

// AuditLogEntry stores normalized audit information for admin actions and
// reconciliation conflicts.
type AuditLogEntry struct {
	ID        string
	Actor     string
	ActorType string
	Action    string
	TargetRef string
	Metadata  map[string]any
	RequestID string
	Severity  string
	CreatedAt time.Time
}

// CursorPage packages list results with an encoded next token.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}
