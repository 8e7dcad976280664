package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/ivorythread/api/internal/domain"
	"github.com/ivorythread/api/internal/repositories"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates an invalid status transition was attempted.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates a concurrent update won the race.
	ErrOrderConflict = errors.New("order: conflict")
)

// orderTransitionSources lists which statuses each operator-driven target may
// come from. Payment transitions (paid, payment_failed) are reconcile-only
// and deliberately absent.
var orderTransitionSources = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusFulfilled:       {domain.OrderStatusPaid},
	domain.OrderStatusDelivered:       {domain.OrderStatusFulfilled},
	domain.OrderStatusRefundRequested: {domain.OrderStatusPaid, domain.OrderStatusFulfilled, domain.OrderStatusDelivered},
	domain.OrderStatusRefunded:        {domain.OrderStatusRefundRequested},
	domain.OrderStatusCancelled:       {domain.OrderStatusPendingPayment, domain.OrderStatusPaymentProcessing},
}

// cancellableStatuses are the states a shopper may cancel from. Once payment
// confirms, cancellation becomes a refund request instead.
var cancellableStatuses = []domain.OrderStatus{
	domain.OrderStatusPendingPayment,
	domain.OrderStatusPaymentProcessing,
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders repositories.OrderRepository
	Audit  AuditLogService
	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders repositories.OrderRepository
	audit  AuditLogService
	clock  func() time.Time
	logger func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	audit := deps.Audit
	if audit == nil {
		audit = noopAuditLogService{}
	}

	return &orderService{
		orders: deps.Orders,
		audit:  audit,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// GetOrder loads one order. A non-empty userID scopes access: orders owned by
// someone else read as not found rather than forbidden.
func (s *orderService) GetOrder(ctx context.Context, userID, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}
	if userID != "" && order.UserID != userID {
		return domain.Order{}, ErrOrderNotFound
	}
	return order, nil
}

func (s *orderService) ListOrders(ctx context.Context, query OrderListQuery) (domain.CursorPage[domain.Order], error) {
	page, err := s.orders.List(ctx, repositories.OrderListFilter{
		UserID:    strings.TrimSpace(query.UserID),
		Statuses:  query.Statuses,
		PageSize:  query.PageSize,
		PageToken: query.PageToken,
	})
	if err != nil {
		return domain.CursorPage[domain.Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

// CancelOrder cancels an order that has not completed payment. The update is
// conditional on the current status, so a payment confirmation racing this
// call wins and the cancel fails with an invalid-state error.
func (s *orderService) CancelOrder(ctx context.Context, userID, orderID, reason string) (domain.Order, error) {
	order, err := s.GetOrder(ctx, userID, orderID)
	if err != nil {
		return domain.Order{}, err
	}

	now := s.clock()
	reason = strings.TrimSpace(reason)
	var reasonPtr *string
	if reason != "" {
		reasonPtr = &reason
	}
	actorRef := "/users/" + order.UserID
	updated, err := s.orders.UpdateStatus(ctx, repositories.OrderStatusUpdateRequest{
		OrderID:      order.ID,
		ExpectedFrom: cancellableStatuses,
		Target:       domain.OrderStatusCancelled,
		Reason:       reasonPtr,
		ActorRef:     &actorRef,
		Now:          now,
	})
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}

	s.logger(ctx, "order.cancelled", map[string]any{
		"orderId": updated.ID,
		"from":    string(order.Status),
		"reason":  reason,
	})
	s.audit.Record(ctx, AuditLogRecord{
		Actor:      actorRef,
		ActorType:  "user",
		Action:     "order.cancel",
		TargetRef:  "/orders/" + updated.ID,
		Metadata:   map[string]any{"reason": reason, "from": string(order.Status)},
		OccurredAt: now,
	})
	return updated, nil
}

// Transition applies an operator-driven lifecycle transition. Allowed moves
// come from the transition table; everything else is an invalid state error.
func (s *orderService) Transition(ctx context.Context, cmd OrderTransitionCommand) (domain.Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	sources, ok := orderTransitionSources[cmd.Target]
	if !ok {
		return domain.Order{}, fmt.Errorf("%w: %s is not an operator transition target", ErrOrderInvalidState, cmd.Target)
	}

	now := s.clock()
	reason := strings.TrimSpace(cmd.Reason)
	var reasonPtr *string
	if reason != "" {
		reasonPtr = &reason
	}
	actorRef := defaultString(cmd.ActorRef, "system")
	updated, err := s.orders.UpdateStatus(ctx, repositories.OrderStatusUpdateRequest{
		OrderID:      orderID,
		ExpectedFrom: sources,
		Target:       cmd.Target,
		Reason:       reasonPtr,
		ActorRef:     &actorRef,
		Now:          now,
	})
	if err != nil {
		return domain.Order{}, s.mapRepositoryError(err)
	}

	s.logger(ctx, "order.transitioned", map[string]any{
		"orderId": updated.ID,
		"target":  string(cmd.Target),
		"actor":   actorRef,
	})
	s.audit.Record(ctx, AuditLogRecord{
		Actor:      actorRef,
		Action:     "order.transition",
		TargetRef:  "/orders/" + updated.ID,
		Metadata:   map[string]any{"target": string(cmd.Target), "reason": reason},
		OccurredAt: now,
	})
	return updated, nil
}

func (s *orderService) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}
	var orderErr *repositories.OrderError
	if errors.As(err, &orderErr) {
		return fmt.Errorf("%w: %s", ErrOrderInvalidState, orderErr.Message)
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return ErrOrderNotFound
		case repoErr.IsConflict():
			return ErrOrderConflict
		}
	}
	return err
}
