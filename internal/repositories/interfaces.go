package repositories

import (
	"context"
	"time"

	domain "github.com/ivorythread/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Carts() CartRepository
	Variants() VariantRepository
	Orders() OrderRepository
	Inventory() InventoryRepository
	WebhookEvents() WebhookEventRepository
	Addresses() AddressRepository
	AuditLogs() AuditLogRepository
	Counters() CounterRepository
	Health() HealthRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// CartRepository owns cart header + items persistence with optimistic locking guarantees.
type CartRepository interface {
	UpsertCart(ctx context.Context, cart domain.Cart, expectedUpdatedAt *time.Time) (domain.Cart, error)
	GetCart(ctx context.Context, userID string) (domain.Cart, error)
	ClearCart(ctx context.Context, userID string, expectedUpdatedAt *time.Time) error
}

// VariantRepository reads purchasable variant projections from the catalog.
type VariantRepository interface {
	FindByID(ctx context.Context, variantID string) (domain.Variant, error)
	FindByIDs(ctx context.Context, variantIDs []string) (map[string]domain.Variant, error)
}

// OrderListFilter narrows order listings for shopper and admin surfaces.
type OrderListFilter struct {
	UserID        string
	Statuses      []domain.OrderStatus
	CreatedBefore *time.Time
	PageSize      int
	PageToken     string
}

// PaymentInitiationRequest records a gateway transaction id on an order while
// moving it from pending_payment to payment_processing. The update is
// conditional: it fails with a conflict when the order already carries a
// transaction id or has left pending_payment.
type PaymentInitiationRequest struct {
	OrderID       string
	Provider      string
	TransactionID string
	Amount        int64
	Currency      string
	Now           time.Time
}

// OrderStatusUpdateRequest applies a lifecycle transition conditioned on the
// current status matching one of ExpectedFrom.
type OrderStatusUpdateRequest struct {
	OrderID      string
	ExpectedFrom []domain.OrderStatus
	Target       domain.OrderStatus
	Reason       *string
	ActorRef     *string
	Now          time.Time
}

// ReconcileOutcome is the interpreted gateway verdict applied by the
// reconciliation transaction.
type ReconcileOutcome string

const (
	// ReconcileOutcomePaid confirms capture and triggers the stock decrement.
	ReconcileOutcomePaid ReconcileOutcome = "paid"
	// ReconcileOutcomeFailed records a terminal gateway failure.
	ReconcileOutcomeFailed ReconcileOutcome = "failed"
	// ReconcileOutcomeHold flags the order for manual review without a
	// terminal payment transition.
	ReconcileOutcomeHold ReconcileOutcome = "hold"
)

// ReconcileApplyRequest is the atomic unit of the reconciliation engine: a
// conditional status transition, payment record update, and guarded inventory
// decrement executed in one transaction.
type ReconcileApplyRequest struct {
	OrderID       string
	Outcome       ReconcileOutcome
	TransactionID string
	Amount        int64
	Channel       domain.ReconcileChannel
	Raw           map[string]any
	Now           time.Time
}

// ReconcileApplyResult reports what the transaction actually did.
type ReconcileApplyResult struct {
	Order domain.Order
	// Applied is true when this call performed the transition. False means
	// the order was already terminal when the transaction ran.
	Applied bool
	// AlreadyTerminal is true when the order had reached a terminal payment
	// status before this call.
	AlreadyTerminal bool
	// StockAdjusted is true when this call decremented inventory.
	StockAdjusted bool
	// Shortfall lists SKUs whose stock could not cover the ordered quantity,
	// in which case the order entered fulfillment hold instead.
	Shortfall []string
}

// OrderRepository persists order aggregates. Orders are inserted once and
// never deleted; mutations go through the conditional update operations.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
	RecordPaymentInitiation(ctx context.Context, req PaymentInitiationRequest) (domain.Order, error)
	ApplyReconcile(ctx context.Context, req ReconcileApplyRequest) (ReconcileApplyResult, error)
	UpdateStatus(ctx context.Context, req OrderStatusUpdateRequest) (domain.Order, error)
	ListStalePending(ctx context.Context, before time.Time, limit int) ([]domain.Order, error)
}

// InventoryAdjustRequest applies a manual on-hand delta, used by operators to
// resolve fulfillment holds and restocks.
type InventoryAdjustRequest struct {
	SKU      string
	Delta    int
	Reason   string
	OrderRef string
	Now      time.Time
}

// InventoryRepository tracks per-SKU stock counters. The order-confirmation
// decrement runs inside the reconcile transaction; this interface covers
// standalone reads and manual adjustments.
type InventoryRepository interface {
	GetStock(ctx context.Context, sku string) (domain.InventoryStock, error)
	AdjustOnHand(ctx context.Context, req InventoryAdjustRequest) (domain.InventoryStock, error)
}

// WebhookEventUpdate mutates processing state on a stored webhook event.
type WebhookEventUpdate struct {
	Status      domain.WebhookEventStatus
	LastError   *string
	ProcessedAt *time.Time
	Now         time.Time
}

// WebhookEventRepository durably records verified gateway callbacks before the
// HTTP 200 acknowledgement, deduplicating on the gateway event id.
type WebhookEventRepository interface {
	InsertIfAbsent(ctx context.Context, event domain.WebhookEvent) (domain.WebhookEvent, bool, error)
	FindByID(ctx context.Context, eventID string) (domain.WebhookEvent, error)
	UpdateProcessing(ctx context.Context, eventID string, update WebhookEventUpdate) (domain.WebhookEvent, error)
	ListUnprocessed(ctx context.Context, olderThan time.Time, limit int) ([]domain.WebhookEvent, error)
}

// AddressRepository reads saved shipping addresses owned by a shopper.
type AddressRepository interface {
	FindByID(ctx context.Context, userID string, addressID string) (domain.Address, error)
}

// AuditLogRepository appends normalized audit entries.
type AuditLogRepository interface {
	Insert(ctx context.Context, entry domain.AuditLogEntry) (domain.AuditLogEntry, error)
}

// CounterNextOptions carries optional settings applied when a counter document is first created.
type CounterNextOptions struct {
	Step     int64
	MaxValue *int64
}

// CounterRepository provides transaction-safe sequence numbers for order numbering.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, opts CounterNextOptions) (int64, error)
}

// HealthRepository aggregates dependency probes for readiness endpoints.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
