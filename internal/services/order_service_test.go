package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/ivorythread/api/internal/domain"
	"github.com/ivorythread/api/internal/repositories"
)

func newTestOrderService(t *testing.T, repo *stubOrderRepository, audit AuditLogService) OrderService {
	t.Helper()
	svc, err := NewOrderService(OrderServiceDeps{
		Orders: repo,
		Audit:  audit,
		Clock:  func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("new order service: %v", err)
	}
	return svc
}

func TestGetOrderScopesToOwner(t *testing.T) {
	repo := newStubOrderRepository(processingOrder("ord_1", 5000))
	svc := newTestOrderService(t, repo, nil)

	if _, err := svc.GetOrder(context.Background(), "user_1", "ord_1"); err != nil {
		t.Fatalf("owner read: %v", err)
	}
	if _, err := svc.GetOrder(context.Background(), "intruder", "ord_1"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found for foreign order, got %v", err)
	}
	if _, err := svc.GetOrder(context.Background(), "", "ord_1"); err != nil {
		t.Fatalf("internal read without scope: %v", err)
	}
}

func TestListOrdersPassesFilter(t *testing.T) {
	repo := newStubOrderRepository()
	repo.listPage = domain.CursorPage[domain.Order]{NextPageToken: "tok"}
	svc := newTestOrderService(t, repo, nil)

	page, err := svc.ListOrders(context.Background(), OrderListQuery{
		UserID:   "user_1",
		Statuses: []domain.OrderStatus{domain.OrderStatusPaid},
		PageSize: 10,
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.NextPageToken != "tok" {
		t.Fatalf("unexpected page %+v", page)
	}
	if repo.listFilter.UserID != "user_1" || repo.listFilter.PageSize != 10 {
		t.Fatalf("unexpected filter %+v", repo.listFilter)
	}
}

func TestCancelOrderBeforePayment(t *testing.T) {
	repo := newStubOrderRepository(processingOrder("ord_1", 5000))
	audit := &recordingAudit{}
	svc := newTestOrderService(t, repo, audit)

	updated, err := svc.CancelOrder(context.Background(), "user_1", "ord_1", "changed my mind")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if updated.Status != domain.OrderStatusCancelled {
		t.Fatalf("expected cancelled, got %s", updated.Status)
	}
	audit.mu.Lock()
	defer audit.mu.Unlock()
	if len(audit.records) != 1 || audit.records[0].Action != "order.cancel" {
		t.Fatalf("expected cancel audit record, got %+v", audit.records)
	}
}

func TestCancelOrderAfterPaymentFails(t *testing.T) {
	order := processingOrder("ord_1", 5000)
	order.Status = domain.OrderStatusPaid
	repo := newStubOrderRepository(order)
	svc := newTestOrderService(t, repo, nil)

	_, err := svc.CancelOrder(context.Background(), "user_1", "ord_1", "too late")
	if !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected invalid state after payment, got %v", err)
	}
}

func TestTransitionFulfilmentFlow(t *testing.T) {
	order := processingOrder("ord_1", 5000)
	order.Status = domain.OrderStatusPaid
	repo := newStubOrderRepository(order)
	svc := newTestOrderService(t, repo, nil)

	for _, target := range []domain.OrderStatus{
		domain.OrderStatusFulfilled,
		domain.OrderStatusDelivered,
		domain.OrderStatusRefundRequested,
		domain.OrderStatusRefunded,
	} {
		updated, err := svc.Transition(context.Background(), OrderTransitionCommand{
			OrderID:  "ord_1",
			Target:   target,
			ActorRef: "admin:ops",
		})
		if err != nil {
			t.Fatalf("transition to %s: %v", target, err)
		}
		if updated.Status != target {
			t.Fatalf("expected %s, got %s", target, updated.Status)
		}
	}
}

func TestTransitionRejectsInvalidMoves(t *testing.T) {
	repo := newStubOrderRepository(processingOrder("ord_1", 5000))
	svc := newTestOrderService(t, repo, nil)

	// Order is still payment_processing; fulfilment requires paid.
	if _, err := svc.Transition(context.Background(), OrderTransitionCommand{
		OrderID: "ord_1",
		Target:  domain.OrderStatusFulfilled,
	}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}

	// Payment outcomes are reserved for the reconciliation engine.
	if _, err := svc.Transition(context.Background(), OrderTransitionCommand{
		OrderID: "ord_1",
		Target:  domain.OrderStatusPaid,
	}); !errors.Is(err, ErrOrderInvalidState) {
		t.Fatalf("expected invalid target, got %v", err)
	}
}

func TestOrderServiceMapsRepositoryErrors(t *testing.T) {
	repo := newStubOrderRepository()
	svc := newTestOrderService(t, repo, nil)

	if _, err := svc.GetOrder(context.Background(), "", "ord_missing"); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	repo.updateFn = func(repositories.OrderStatusUpdateRequest) (domain.Order, error) {
		return domain.Order{}, stubRepoError{msg: "contention", conflict: true}
	}
	repo.orders["ord_1"] = processingOrder("ord_1", 5000)
	if _, err := svc.CancelOrder(context.Background(), "user_1", "ord_1", ""); !errors.Is(err, ErrOrderConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}
