package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	domain "github.com/ivorythread/api/internal/domain"
	pfirestore "github.com/ivorythread/api/internal/platform/firestore"
	"github.com/ivorythread/api/internal/platform/pagination"
	"github.com/ivorythread/api/internal/repositories"
)

const ordersCollection = "orders"

// OrderRepository persists order aggregates in Firestore. The payment
// sub-document lives inside the order document so that reconciliation can
// check-and-transition status, payment fields, and the inventoryAdjusted
// guard in one document-level transaction, with the stock decrement joining
// the same transaction.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.BaseRepository[orderDocument]
	stocks   *pfirestore.BaseRepository[stockDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		orders:   pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil, nil),
		stocks:   pfirestore.NewBaseRepository[stockDocument](provider, inventoryCollection, nil, nil),
	}, nil
}

// Insert creates the order document. Orders are created exactly once; an
// existing id is a conflict.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	if r == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	if strings.TrimSpace(order.ID) == "" {
		return errors.New("order insert: id is required")
	}

	ref, err := r.orders.DocumentRef(ctx, order.ID)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, newOrderDocument(order)); err != nil {
		return pfirestore.WrapError("orders.insert", err)
	}
	return nil
}

// FindByID loads a single order aggregate.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.orders == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order find: id is required")
	}
	doc, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.find", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

// List returns orders matching the filter, newest first, with a cursor token.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}

	pageSize := filter.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
	}

	query := client.Collection(ordersCollection).Query
	if userID := strings.TrimSpace(filter.UserID); userID != "" {
		query = query.Where("userRef", "==", userID)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, s := range filter.Statuses {
			statuses = append(statuses, string(s))
		}
		query = query.Where("status", "in", statuses)
	}
	if filter.CreatedBefore != nil {
		query = query.Where("createdAt", "<", filter.CreatedBefore.UTC())
	}
	query = query.OrderBy("createdAt", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Asc).Limit(pageSize + 1)

	if token := strings.TrimSpace(filter.PageToken); token != "" {
		createdAt, id, err := decodeOrderCursor(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		query = query.StartAfter(createdAt, id)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var orders []domain.Order
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
		}
		orders = append(orders, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(orders) > pageSize
	if hasMore {
		orders = orders[:pageSize]
	}
	var nextToken string
	if hasMore && len(orders) > 0 {
		last := orders[len(orders)-1]
		encoded, err := encodeOrderCursor(last.CreatedAt, last.ID)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, pfirestore.WrapError("orders.list", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.Order]{Items: orders, NextPageToken: nextToken}, nil
}

// RecordPaymentInitiation moves a pending_payment order into
// payment_processing while writing the gateway transaction id, in one
// transaction. The transaction id is assigned once; any disagreement with an
// existing id fails with a conflict.
func (r *OrderRepository) RecordPaymentInitiation(ctx context.Context, req repositories.PaymentInitiationRequest) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order payment initiation: order id is required")
	}
	transactionID := strings.TrimSpace(req.TransactionID)
	if transactionID == "" {
		return domain.Order{}, errors.New("order payment initiation: transaction id is required")
	}

	now := req.Now.UTC()
	var updated domain.Order

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.orders.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode order %s: %w", orderID, err)
		}

		if doc.Status != string(domain.OrderStatusPendingPayment) {
			return repositories.NewOrderError(repositories.OrderErrorInvalidState, fmt.Sprintf("order %s is %s, expected pending_payment", orderID, doc.Status), nil)
		}
		if existing := strings.TrimSpace(doc.Payment.TransactionID); existing != "" && existing != transactionID {
			return repositories.NewOrderError(repositories.OrderErrorTransactionMismatch, fmt.Sprintf("order %s already bound to transaction %s", orderID, existing), nil)
		}

		doc.Status = string(domain.OrderStatusPaymentProcessing)
		doc.Payment.Method = string(domain.PaymentMethodGateway)
		doc.Payment.Provider = strings.TrimSpace(req.Provider)
		doc.Payment.TransactionID = transactionID
		doc.Payment.Status = string(domain.PaymentStatusPending)
		doc.Payment.Amount = req.Amount
		doc.Payment.Currency = strings.TrimSpace(req.Currency)
		doc.Payment.InitiatedAt = &now
		doc.UpdatedAt = now

		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		updated = doc.toDomain(orderID)
		return nil
	})
	if err != nil {
		return domain.Order{}, wrapOrderError("orders.paymentInitiation", err)
	}
	return updated, nil
}

// ApplyReconcile performs the reconciliation engine's atomic unit. The status
// check, payment record update, inventoryAdjusted guard, and conditional
// stock decrement execute in a single Firestore transaction, so concurrent
// signals for the same order serialize and exactly one performs side effects.
func (r *OrderRepository) ApplyReconcile(ctx context.Context, req repositories.ReconcileApplyRequest) (repositories.ReconcileApplyResult, error) {
	if r == nil || r.provider == nil {
		return repositories.ReconcileApplyResult{}, errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		return repositories.ReconcileApplyResult{}, errors.New("order reconcile: order id is required")
	}

	now := req.Now.UTC()
	var result repositories.ReconcileApplyResult

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		result = repositories.ReconcileApplyResult{}

		ref, err := r.orders.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode order %s: %w", orderID, err)
		}

		// Anything past payment_processing means a terminal payment signal
		// already won; replays and late conflicts make no writes here.
		if doc.Status != string(domain.OrderStatusPendingPayment) && doc.Status != string(domain.OrderStatusPaymentProcessing) {
			result.Order = doc.toDomain(orderID)
			result.AlreadyTerminal = true
			return nil
		}

		switch req.Outcome {
		case repositories.ReconcileOutcomePaid:
			shortfall, err := decrementStocksTx(ctx, tx, r.stocks, r.provider, "/orders/"+orderID, doc.toDomain(orderID).Items, now)
			if err != nil {
				return err
			}

			doc.Status = string(domain.OrderStatusPaid)
			doc.Payment.Status = string(domain.PaymentStatusSucceeded)
			if transactionID := strings.TrimSpace(req.TransactionID); transactionID != "" {
				doc.Payment.TransactionID = transactionID
			}
			if req.Amount > 0 {
				doc.Payment.Amount = req.Amount
			}
			doc.Payment.CompletedAt = &now
			doc.PaidAt = &now
			if len(shortfall) > 0 {
				doc.Flags.FulfillmentHold = true
				result.Shortfall = shortfall
			} else {
				doc.Flags.InventoryAdjusted = true
				result.StockAdjusted = true
			}

		case repositories.ReconcileOutcomeFailed:
			doc.Status = string(domain.OrderStatusPaymentFailed)
			doc.Payment.Status = string(domain.PaymentStatusFailed)
			doc.Payment.CompletedAt = &now
			doc.FailedAt = &now

		case repositories.ReconcileOutcomeHold:
			doc.Flags.ManualReview = true

		default:
			return fmt.Errorf("order reconcile: unknown outcome %q", req.Outcome)
		}

		if len(req.Raw) > 0 {
			doc.Payment.Raw = req.Raw
		}
		doc.Payment.LastChannel = string(req.Channel)
		doc.UpdatedAt = now

		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		result.Order = doc.toDomain(orderID)
		result.Applied = true
		return nil
	})
	if err != nil {
		return repositories.ReconcileApplyResult{}, wrapOrderError("orders.reconcile", err)
	}
	return result, nil
}

// UpdateStatus applies a lifecycle transition conditioned on the current
// status matching one of ExpectedFrom.
func (r *OrderRepository) UpdateStatus(ctx context.Context, req repositories.OrderStatusUpdateRequest) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		return domain.Order{}, errors.New("order status update: order id is required")
	}
	if req.Target == "" {
		return domain.Order{}, errors.New("order status update: target status is required")
	}

	now := req.Now.UTC()
	var updated domain.Order

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.orders.DocumentRef(ctx, orderID)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode order %s: %w", orderID, err)
		}

		if len(req.ExpectedFrom) > 0 {
			matched := false
			for _, expected := range req.ExpectedFrom {
				if doc.Status == string(expected) {
					matched = true
					break
				}
			}
			if !matched {
				return repositories.NewOrderError(repositories.OrderErrorInvalidState, fmt.Sprintf("order %s is %s, transition to %s rejected", orderID, doc.Status, req.Target), nil)
			}
		}

		doc.Status = string(req.Target)
		doc.UpdatedAt = now
		switch req.Target {
		case domain.OrderStatusPaid:
			doc.PaidAt = &now
			doc.Payment.Status = string(domain.PaymentStatusSucceeded)
			doc.Payment.CompletedAt = &now
		case domain.OrderStatusCancelled:
			doc.CancelledAt = &now
		case domain.OrderStatusFulfilled:
			doc.FulfilledAt = &now
		case domain.OrderStatusDelivered:
			doc.DeliveredAt = &now
		case domain.OrderStatusRefunded:
			doc.RefundedAt = &now
			doc.Payment.Status = string(domain.PaymentStatusRefunded)
		}
		if req.Reason != nil {
			reason := strings.TrimSpace(*req.Reason)
			doc.CancelReason = &reason
		}
		if req.ActorRef != nil {
			doc.Audit.UpdatedBy = req.ActorRef
		}

		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		updated = doc.toDomain(orderID)
		return nil
	})
	if err != nil {
		return domain.Order{}, wrapOrderError("orders.updateStatus", err)
	}
	return updated, nil
}

// ListStalePending returns pending_payment orders created before the cutoff,
// oldest first, for the background sweep.
func (r *OrderRepository) ListStalePending(ctx context.Context, before time.Time, limit int) ([]domain.Order, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("order repository not initialised")
	}
	if limit <= 0 {
		limit = 50
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, pfirestore.WrapError("orders.stalePending", err)
	}

	query := client.Collection(ordersCollection).Query.
		Where("status", "==", string(domain.OrderStatusPendingPayment)).
		Where("createdAt", "<", before.UTC()).
		OrderBy("createdAt", firestore.Asc).
		Limit(limit)

	iter := query.Documents(ctx)
	defer iter.Stop()

	var orders []domain.Order
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError("orders.stalePending", err)
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
		}
		orders = append(orders, doc.toDomain(snap.Ref.ID))
	}
	return orders, nil
}

// Document mapping ----------------------------------------------------------

type orderDocument struct {
	OrderNumber     string              `firestore:"orderNumber"`
	UserRef         string              `firestore:"userRef"`
	CartRef         *string             `firestore:"cartRef,omitempty"`
	Status          string              `firestore:"status"`
	Currency        string              `firestore:"currency"`
	Totals          orderTotalsDocument `firestore:"totals"`
	Coupon          *couponDocument     `firestore:"coupon,omitempty"`
	Items           []lineItemDocument  `firestore:"items"`
	ShippingAddress *addressDocument    `firestore:"shippingAddress,omitempty"`
	Contact         *contactDocument    `firestore:"contact,omitempty"`
	Payment         paymentDocument     `firestore:"payment"`
	Flags           orderFlagsDocument  `firestore:"flags"`
	Notes           map[string]any      `firestore:"notes,omitempty"`
	Audit           orderAuditDocument  `firestore:"audit"`
	Metadata        map[string]any      `firestore:"metadata,omitempty"`
	CreatedAt       time.Time           `firestore:"createdAt"`
	UpdatedAt       time.Time           `firestore:"updatedAt"`
	PlacedAt        *time.Time          `firestore:"placedAt,omitempty"`
	PaidAt          *time.Time          `firestore:"paidAt,omitempty"`
	FailedAt        *time.Time          `firestore:"failedAt,omitempty"`
	CancelledAt     *time.Time          `firestore:"cancelledAt,omitempty"`
	FulfilledAt     *time.Time          `firestore:"fulfilledAt,omitempty"`
	DeliveredAt     *time.Time          `firestore:"deliveredAt,omitempty"`
	RefundedAt      *time.Time          `firestore:"refundedAt,omitempty"`
	CancelReason    *string             `firestore:"cancelReason,omitempty"`
}

type orderTotalsDocument struct {
	Subtotal int64 `firestore:"subtotal"`
	Discount int64 `firestore:"discount"`
	Shipping int64 `firestore:"shipping"`
	Tax      int64 `firestore:"tax"`
	Total    int64 `firestore:"total"`
}

type couponDocument struct {
	Code           string `firestore:"code"`
	DiscountAmount int64  `firestore:"discountAmount"`
	Applied        bool   `firestore:"applied"`
}

type lineItemDocument struct {
	ProductRef string         `firestore:"productRef"`
	VariantRef string         `firestore:"variantRef"`
	SKU        string         `firestore:"sku"`
	Name       string         `firestore:"name"`
	ImageURL   string         `firestore:"imageUrl,omitempty"`
	Attributes map[string]any `firestore:"attributes,omitempty"`
	Quantity   int            `firestore:"qty"`
	UnitPrice  int64          `firestore:"unitPrice"`
	Total      int64          `firestore:"total"`
}

type addressDocument struct {
	Recipient  string  `firestore:"recipient"`
	Line1      string  `firestore:"line1"`
	Line2      *string `firestore:"line2,omitempty"`
	City       string  `firestore:"city"`
	State      *string `firestore:"state,omitempty"`
	PostalCode string  `firestore:"postalCode"`
	Country    string  `firestore:"country"`
	Phone      *string `firestore:"phone,omitempty"`
}

type contactDocument struct {
	Email string `firestore:"email,omitempty"`
	Phone string `firestore:"phone,omitempty"`
}

type paymentDocument struct {
	Method        string         `firestore:"method"`
	Provider      string         `firestore:"provider,omitempty"`
	TransactionID string         `firestore:"transactionId,omitempty"`
	Status        string         `firestore:"status"`
	Amount        int64          `firestore:"amount"`
	Currency      string         `firestore:"currency"`
	LastChannel   string         `firestore:"lastChannel,omitempty"`
	InitiatedAt   *time.Time     `firestore:"initiatedAt,omitempty"`
	CompletedAt   *time.Time     `firestore:"completedAt,omitempty"`
	Raw           map[string]any `firestore:"raw,omitempty"`
}

type orderFlagsDocument struct {
	ManualReview      bool `firestore:"manualReview"`
	InventoryAdjusted bool `firestore:"inventoryAdjusted"`
	FulfillmentHold   bool `firestore:"fulfillmentHold"`
}

type orderAuditDocument struct {
	CreatedBy *string `firestore:"createdBy,omitempty"`
	UpdatedBy *string `firestore:"updatedBy,omitempty"`
}

func newOrderDocument(order domain.Order) orderDocument {
	items := make([]lineItemDocument, len(order.Items))
	for i, item := range order.Items {
		items[i] = lineItemDocument{
			ProductRef: strings.TrimSpace(item.ProductRef),
			VariantRef: strings.TrimSpace(item.VariantRef),
			SKU:        strings.TrimSpace(item.SKU),
			Name:       strings.TrimSpace(item.Name),
			ImageURL:   strings.TrimSpace(item.ImageURL),
			Attributes: item.Attributes,
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
			Total:      item.Total,
		}
	}

	doc := orderDocument{
		OrderNumber: strings.TrimSpace(order.OrderNumber),
		UserRef:     strings.TrimSpace(order.UserID),
		CartRef:     order.CartRef,
		Status:      string(order.Status),
		Currency:    strings.TrimSpace(order.Currency),
		Totals: orderTotalsDocument{
			Subtotal: order.Totals.Subtotal,
			Discount: order.Totals.Discount,
			Shipping: order.Totals.Shipping,
			Tax:      order.Totals.Tax,
			Total:    order.Totals.Total,
		},
		Items: items,
		Payment: paymentDocument{
			Method:        string(order.Payment.Method),
			Provider:      strings.TrimSpace(order.Payment.Provider),
			TransactionID: strings.TrimSpace(order.Payment.TransactionID),
			Status:        string(order.Payment.Status),
			Amount:        order.Payment.Amount,
			Currency:      strings.TrimSpace(order.Payment.Currency),
			InitiatedAt:   order.Payment.InitiatedAt,
			CompletedAt:   order.Payment.CompletedAt,
			Raw:           order.Payment.Raw,
		},
		Flags: orderFlagsDocument{
			ManualReview:      order.Flags.ManualReview,
			InventoryAdjusted: order.Flags.InventoryAdjusted,
			FulfillmentHold:   order.Flags.FulfillmentHold,
		},
		Notes:        order.Notes,
		Audit:        orderAuditDocument{CreatedBy: order.Audit.CreatedBy, UpdatedBy: order.Audit.UpdatedBy},
		Metadata:     order.Metadata,
		CreatedAt:    order.CreatedAt.UTC(),
		UpdatedAt:    order.UpdatedAt.UTC(),
		PlacedAt:     order.PlacedAt,
		PaidAt:       order.PaidAt,
		FailedAt:     order.FailedAt,
		CancelledAt:  order.CancelledAt,
		FulfilledAt:  order.FulfilledAt,
		DeliveredAt:  order.DeliveredAt,
		RefundedAt:   order.RefundedAt,
		CancelReason: order.CancelReason,
	}
	if order.Coupon != nil {
		doc.Coupon = &couponDocument{
			Code:           order.Coupon.Code,
			DiscountAmount: order.Coupon.DiscountAmount,
			Applied:        order.Coupon.Applied,
		}
	}
	if order.ShippingAddress != nil {
		doc.ShippingAddress = &addressDocument{
			Recipient:  order.ShippingAddress.Recipient,
			Line1:      order.ShippingAddress.Line1,
			Line2:      order.ShippingAddress.Line2,
			City:       order.ShippingAddress.City,
			State:      order.ShippingAddress.State,
			PostalCode: order.ShippingAddress.PostalCode,
			Country:    order.ShippingAddress.Country,
			Phone:      order.ShippingAddress.Phone,
		}
	}
	if order.Contact != nil {
		doc.Contact = &contactDocument{Email: order.Contact.Email, Phone: order.Contact.Phone}
	}
	return doc
}

func (d orderDocument) toDomain(id string) domain.Order {
	items := make([]domain.OrderLineItem, len(d.Items))
	for i, item := range d.Items {
		items[i] = domain.OrderLineItem{
			ProductRef: item.ProductRef,
			VariantRef: item.VariantRef,
			SKU:        item.SKU,
			Name:       item.Name,
			ImageURL:   item.ImageURL,
			Attributes: item.Attributes,
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
			Total:      item.Total,
		}
	}

	order := domain.Order{
		ID:          id,
		OrderNumber: d.OrderNumber,
		UserID:      d.UserRef,
		CartRef:     d.CartRef,
		Status:      domain.OrderStatus(d.Status),
		Currency:    d.Currency,
		Totals: domain.OrderTotals{
			Subtotal: d.Totals.Subtotal,
			Discount: d.Totals.Discount,
			Shipping: d.Totals.Shipping,
			Tax:      d.Totals.Tax,
			Total:    d.Totals.Total,
		},
		Items: items,
		Payment: domain.Payment{
			Method:        domain.PaymentMethod(d.Payment.Method),
			Provider:      d.Payment.Provider,
			TransactionID: d.Payment.TransactionID,
			Status:        domain.PaymentStatus(d.Payment.Status),
			Amount:        d.Payment.Amount,
			Currency:      d.Payment.Currency,
			InitiatedAt:   d.Payment.InitiatedAt,
			CompletedAt:   d.Payment.CompletedAt,
			Raw:           d.Payment.Raw,
		},
		Flags: domain.OrderFlags{
			ManualReview:      d.Flags.ManualReview,
			InventoryAdjusted: d.Flags.InventoryAdjusted,
			FulfillmentHold:   d.Flags.FulfillmentHold,
		},
		Notes:        d.Notes,
		Audit:        domain.OrderAudit{CreatedBy: d.Audit.CreatedBy, UpdatedBy: d.Audit.UpdatedBy},
		Metadata:     d.Metadata,
		CreatedAt:    d.CreatedAt,
		UpdatedAt:    d.UpdatedAt,
		PlacedAt:     d.PlacedAt,
		PaidAt:       d.PaidAt,
		FailedAt:     d.FailedAt,
		CancelledAt:  d.CancelledAt,
		FulfilledAt:  d.FulfilledAt,
		DeliveredAt:  d.DeliveredAt,
		RefundedAt:   d.RefundedAt,
		CancelReason: d.CancelReason,
	}
	if d.Coupon != nil {
		order.Coupon = &domain.CartCoupon{
			Code:           d.Coupon.Code,
			DiscountAmount: d.Coupon.DiscountAmount,
			Applied:        d.Coupon.Applied,
		}
	}
	if d.ShippingAddress != nil {
		order.ShippingAddress = &domain.Address{
			Recipient:  d.ShippingAddress.Recipient,
			Line1:      d.ShippingAddress.Line1,
			Line2:      d.ShippingAddress.Line2,
			City:       d.ShippingAddress.City,
			State:      d.ShippingAddress.State,
			PostalCode: d.ShippingAddress.PostalCode,
			Country:    d.ShippingAddress.Country,
			Phone:      d.ShippingAddress.Phone,
		}
	}
	if d.Contact != nil {
		order.Contact = &domain.OrderContact{Email: d.Contact.Email, Phone: d.Contact.Phone}
	}
	return order
}

// Order list cursors are the shared page token format carrying the createdAt
// and document id of the last row, matching the List order-by clause.
func encodeOrderCursor(createdAt time.Time, id string) (string, error) {
	return pagination.EncodeToken(pagination.Cursor{
		StartAfter: []any{createdAt.UTC().Format(time.RFC3339Nano), id},
	})
}

func decodeOrderCursor(token string) (time.Time, string, error) {
	cursor, err := pagination.DecodeToken(token)
	if err != nil {
		return time.Time{}, "", err
	}
	if len(cursor.StartAfter) != 2 {
		return time.Time{}, "", fmt.Errorf("%w: unexpected cursor shape", pagination.ErrInvalidPageToken)
	}
	rawTime, ok := cursor.StartAfter[0].(string)
	if !ok {
		return time.Time{}, "", fmt.Errorf("%w: unexpected cursor timestamp", pagination.ErrInvalidPageToken)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, rawTime)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: unexpected cursor timestamp", pagination.ErrInvalidPageToken)
	}
	id, ok := cursor.StartAfter[1].(string)
	if !ok || id == "" {
		return time.Time{}, "", fmt.Errorf("%w: unexpected cursor id", pagination.ErrInvalidPageToken)
	}
	return createdAt, id, nil
}

func wrapOrderError(op string, err error) error {
	if err == nil {
		return nil
	}
	var orderErr *repositories.OrderError
	if errors.As(err, &orderErr) {
		if orderErr.Op == "" {
			orderErr.Op = op
		}
		return orderErr
	}
	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		if invErr.Op == "" {
			invErr.Op = op
		}
		return invErr
	}
	return pfirestore.WrapError(op, err)
}
