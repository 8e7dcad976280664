package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	domain "github.com/ivorythread/api/internal/domain"
	"github.com/ivorythread/api/internal/repositories"
)

const (
	defaultStalePendingAfter  = 30 * time.Minute
	defaultWebhookRedriveLag  = 2 * time.Minute
	defaultSweepBatchSize     = 50
	stalePendingCancelReason  = "payment window expired"
)

// SweepServiceDeps bundles collaborators for the background sweep.
type SweepServiceDeps struct {
	Orders        repositories.OrderRepository
	WebhookEvents repositories.WebhookEventRepository
	Reconciler    ReconciliationService
	// StalePendingAfter is how long an order may sit in pending_payment
	// before the sweep cancels it.
	StalePendingAfter time.Duration
	// WebhookRedriveLag keeps just-received events out of the redrive so the
	// inline processing path gets to finish first.
	WebhookRedriveLag time.Duration
	BatchSize         int
	Clock             func() time.Time
	Logger            func(ctx context.Context, event string, fields map[string]any)
}

type sweepService struct {
	orders        repositories.OrderRepository
	webhookEvents repositories.WebhookEventRepository
	reconciler    ReconciliationService
	staleAfter    time.Duration
	redriveLag    time.Duration
	batchSize     int
	now           func() time.Time
	logger        func(context.Context, string, map[string]any)
}

// NewSweepService constructs the periodic maintenance pass: expiring orders
// whose payment never arrived and re-driving webhook events whose processing
// failed after the durable write.
func NewSweepService(deps SweepServiceDeps) (SweepService, error) {
	if deps.Orders == nil {
		return nil, errors.New("sweep service: order repository is required")
	}
	if deps.WebhookEvents == nil {
		return nil, errors.New("sweep service: webhook event repository is required")
	}
	if deps.Reconciler == nil {
		return nil, errors.New("sweep service: reconciler is required")
	}

	staleAfter := deps.StalePendingAfter
	if staleAfter <= 0 {
		staleAfter = defaultStalePendingAfter
	}
	redriveLag := deps.WebhookRedriveLag
	if redriveLag <= 0 {
		redriveLag = defaultWebhookRedriveLag
	}
	batchSize := deps.BatchSize
	if batchSize <= 0 {
		batchSize = defaultSweepBatchSize
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &sweepService{
		orders:        deps.Orders,
		webhookEvents: deps.WebhookEvents,
		reconciler:    deps.Reconciler,
		staleAfter:    staleAfter,
		redriveLag:    redriveLag,
		batchSize:     batchSize,
		now:           func() time.Time { return clock().UTC() },
		logger:        logger,
	}, nil
}

// CancelStalePending expires orders stuck in pending_payment past the window.
// Each cancel is conditional on the status, so a payment landing mid-sweep
// wins the race and that order is skipped.
func (s *sweepService) CancelStalePending(ctx context.Context) (int, error) {
	now := s.now()
	stale, err := s.orders.ListStalePending(ctx, now.Add(-s.staleAfter), s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("sweep: list stale pending: %w", err)
	}

	cancelled := 0
	reason := stalePendingCancelReason
	actorRef := "system:sweep"
	for _, order := range stale {
		_, err := s.orders.UpdateStatus(ctx, repositories.OrderStatusUpdateRequest{
			OrderID:      order.ID,
			ExpectedFrom: []domain.OrderStatus{domain.OrderStatusPendingPayment},
			Target:       domain.OrderStatusCancelled,
			Reason:       &reason,
			ActorRef:     &actorRef,
			Now:          s.now(),
		})
		if err != nil {
			var orderErr *repositories.OrderError
			if errors.As(err, &orderErr) {
				// Lost the race to a payment signal; leave the order alone.
				continue
			}
			s.logger(ctx, "sweep.cancel_failed", map[string]any{
				"orderId": order.ID,
				"error":   err.Error(),
			})
			continue
		}
		cancelled++
		s.logger(ctx, "sweep.order_expired", map[string]any{
			"orderId":     order.ID,
			"orderNumber": order.OrderNumber,
		})
	}
	return cancelled, nil
}

// RedriveWebhookEvents re-processes events that were durably recorded but
// whose reconcile pass failed. Reconciliation is idempotent, so retrying a
// half-processed event is safe.
func (s *sweepService) RedriveWebhookEvents(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.redriveLag)
	events, err := s.webhookEvents.ListUnprocessed(ctx, cutoff, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("sweep: list unprocessed events: %w", err)
	}

	processed := 0
	for _, event := range events {
		if _, err := s.reconciler.ProcessWebhookEvent(ctx, event); err != nil {
			s.logger(ctx, "sweep.redrive_failed", map[string]any{
				"eventId": event.ID,
				"orderId": event.OrderID,
				"error":   err.Error(),
			})
			continue
		}
		processed++
	}
	return processed, nil
}
