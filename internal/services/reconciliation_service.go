package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	domain "github.com/ivorythread/api/internal/domain"
	"github.com/ivorythread/api/internal/payments"
	"github.com/ivorythread/api/internal/repositories"
)

var (
	// ErrReconcileInvalidInput indicates a malformed reconcile request.
	ErrReconcileInvalidInput = errors.New("reconcile: invalid input")
	// ErrReconcileNotFound indicates the order does not exist or is not
	// visible to the caller.
	ErrReconcileNotFound = errors.New("reconcile: order not found")
	// ErrReconcileUnavailable indicates persistence is currently unavailable.
	ErrReconcileUnavailable = errors.New("reconcile: unavailable")
	// ErrPaymentAmountMismatch indicates the gateway-reported amount disagrees
	// with the order total. The order is parked for manual review and is never
	// auto-confirmed from such a signal.
	ErrPaymentAmountMismatch = errors.New("reconcile: payment amount mismatch")
)

// statusPoller is the slice of payments.Manager the engine needs for polling.
type statusPoller interface {
	QueryStatus(ctx context.Context, paymentCtx payments.PaymentContext, transactionID string) (payments.StatusResult, error)
}

// ReconciliationServiceDeps wires the dependencies for the reconciliation engine.
type ReconciliationServiceDeps struct {
	Orders        repositories.OrderRepository
	WebhookEvents repositories.WebhookEventRepository
	Gateway       statusPoller
	Audit         AuditLogService
	// Events receives a fanout message for every applied transition. Optional;
	// publish failures are logged and never fail the reconcile.
	Events OrderEventPublisher
	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
	Meter  metric.Meter
}

type reconciliationService struct {
	orders        repositories.OrderRepository
	webhookEvents repositories.WebhookEventRepository
	gateway       statusPoller
	audit         AuditLogService
	events        OrderEventPublisher
	now           func() time.Time
	logger        func(ctx context.Context, event string, fields map[string]any)
	outcomes      metric.Int64Counter
}

// NewReconciliationService constructs the reconciliation engine.
func NewReconciliationService(deps ReconciliationServiceDeps) (ReconciliationService, error) {
	if deps.Orders == nil {
		return nil, errors.New("reconciliation service: order repository is required")
	}
	if deps.WebhookEvents == nil {
		return nil, errors.New("reconciliation service: webhook event repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("reconciliation service: gateway is required")
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

	meter := deps.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter("ivorythread/payments")
	}
	outcomes, err := meter.Int64Counter(
		"payments.reconcile.outcomes",
		metric.WithDescription("Count of reconcile calls by outcome and channel"),
	)
	if err != nil {
		logger(context.Background(), "reconcile.metric_register_failed", map[string]any{"error": err.Error()})
	}

	return &reconciliationService{
		orders:        deps.Orders,
		webhookEvents: deps.WebhookEvents,
		gateway:       deps.Gateway,
		audit:         audit,
		events:        deps.Events,
		now: func() time.Time {
			return clock().UTC()
		},
		logger:   logger,
		outcomes: outcomes,
	}, nil
}

// Reconcile merges one payment signal into the order. The interpretation
// happens here; the conditional transition and the stock decrement happen in
// one repository transaction, so concurrent signals race safely and exactly
// one wins.
func (s *reconciliationService) Reconcile(ctx context.Context, orderID string, signal PaymentSignal) (ReconcileResult, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return ReconcileResult{}, fmt.Errorf("%w: order id is required", ErrReconcileInvalidInput)
	}
	if signal.Channel == "" {
		return ReconcileResult{}, fmt.Errorf("%w: channel is required", ErrReconcileInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return ReconcileResult{}, s.translateRepoError(err)
	}

	verdict := s.interpret(ctx, order, signal)
	if verdict.ignore {
		return ReconcileResult{Order: order}, nil
	}

	applied, err := s.orders.ApplyReconcile(ctx, repositories.ReconcileApplyRequest{
		OrderID:       order.ID,
		Outcome:       verdict.outcome,
		TransactionID: signal.TransactionID,
		Amount:        signal.Amount,
		Channel:       signal.Channel,
		Raw:           signal.Raw,
		Now:           s.now(),
	})
	if err != nil {
		return ReconcileResult{}, s.translateRepoError(err)
	}

	result := ReconcileResult{
		Order:           applied.Order,
		Applied:         applied.Applied,
		AlreadyTerminal: applied.AlreadyTerminal,
		ManualReview:    applied.Order.Flags.ManualReview,
		StockAdjusted:   applied.StockAdjusted,
		Shortfall:       applied.Shortfall,
	}

	if applied.AlreadyTerminal && !outcomeAgreesWith(verdict.outcome, applied.Order.Status) {
		// First terminal signal won; a later disagreeing one is recorded and
		// surfaced, never applied.
		result.Conflict = true
		s.logger(ctx, "reconcile.conflict", map[string]any{
			"orderId":   order.ID,
			"status":    string(applied.Order.Status),
			"signal":    string(signal.Status),
			"channel":   string(signal.Channel),
			"eventId":   signal.EventID,
			"txnId":     signal.TransactionID,
		})
		s.audit.Record(ctx, AuditLogRecord{
			Actor:     defaultString(signal.ActorRef, "system"),
			ActorType: "system",
			Action:    "payment.reconcile.conflict",
			TargetRef: "/orders/" + order.ID,
			Severity:  "warning",
			Metadata: map[string]any{
				"orderStatus": string(applied.Order.Status),
				"signal":      string(signal.Status),
				"channel":     string(signal.Channel),
			},
			OccurredAt: s.now(),
		})
	}

	if len(applied.Shortfall) > 0 {
		s.logger(ctx, "reconcile.fulfillment_hold", map[string]any{
			"orderId":   order.ID,
			"shortfall": applied.Shortfall,
		})
	}
	if signal.Channel == domain.ReconcileChannelAdmin && applied.Applied {
		s.audit.Record(ctx, AuditLogRecord{
			Actor:     defaultString(signal.ActorRef, "admin"),
			ActorType: "admin",
			Action:    "payment.reconcile.override",
			TargetRef: "/orders/" + order.ID,
			Severity:  "notice",
			Metadata: map[string]any{
				"outcome": string(verdict.outcome),
				"reason":  verdict.note,
			},
			OccurredAt: s.now(),
		})
	}

	s.count(ctx, verdict.outcome, signal.Channel, result)

	if result.Applied {
		s.publishOrderEvent(ctx, applied.Order, signal.Channel, result.Shortfall)
	}

	if verdict.mismatch {
		return result, fmt.Errorf("%w: gateway reported %d, order total %d",
			ErrPaymentAmountMismatch, signal.Amount, order.Totals.Total)
	}
	return result, nil
}

// RefreshPaymentStatus polls the gateway for the order's transaction and
// reconciles the answer. Terminal orders return as-is without a gateway call.
func (s *reconciliationService) RefreshPaymentStatus(ctx context.Context, userID, orderID string) (ReconcileResult, error) {
	order, err := s.orders.FindByID(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return ReconcileResult{}, s.translateRepoError(err)
	}
	if userID != "" && order.UserID != userID {
		return ReconcileResult{}, ErrReconcileNotFound
	}
	if order.Status.IsPaymentTerminal() {
		return ReconcileResult{Order: order, AlreadyTerminal: true}, nil
	}
	txnID := strings.TrimSpace(order.Payment.TransactionID)
	if txnID == "" {
		// Nothing initiated yet, so there is nothing to poll.
		return ReconcileResult{Order: order}, nil
	}

	status, err := s.gateway.QueryStatus(ctx, payments.PaymentContext{
		PreferredProvider: order.Payment.Provider,
		Currency:          order.Currency,
	}, txnID)
	if err != nil {
		return ReconcileResult{}, err
	}

	return s.Reconcile(ctx, order.ID, PaymentSignal{
		Channel:       domain.ReconcileChannelPoll,
		Status:        status.Status,
		TransactionID: status.TransactionID,
		Amount:        status.Amount,
		Currency:      status.Currency,
		Raw:           status.Raw,
	})
}

// ProcessWebhookEvent reconciles a durably stored webhook event and records
// the processing result on the event. Amount mismatches count as processed:
// the event did its job by parking the order for review.
func (s *reconciliationService) ProcessWebhookEvent(ctx context.Context, event domain.WebhookEvent) (ReconcileResult, error) {
	result, err := s.Reconcile(ctx, event.OrderID, PaymentSignal{
		Channel:       domain.ReconcileChannelWebhook,
		EventID:       event.GatewayEvent,
		Status:        payments.Status(event.Type),
		TransactionID: event.TransactionID,
		Amount:        event.Amount,
		Currency:      event.Currency,
		Raw:           event.Payload,
	})

	now := s.now()
	update := repositories.WebhookEventUpdate{Now: now}
	switch {
	case err == nil, errors.Is(err, ErrPaymentAmountMismatch):
		update.Status = domain.WebhookEventProcessed
		update.ProcessedAt = &now
		if err != nil {
			msg := err.Error()
			update.LastError = &msg
		}
	default:
		update.Status = domain.WebhookEventFailed
		msg := err.Error()
		update.LastError = &msg
	}
	if _, updateErr := s.webhookEvents.UpdateProcessing(ctx, event.ID, update); updateErr != nil {
		s.logger(ctx, "reconcile.webhook_update_failed", map[string]any{
			"eventId": event.ID,
			"error":   updateErr.Error(),
		})
	}
	return result, err
}

type reconcileVerdict struct {
	outcome  repositories.ReconcileOutcome
	mismatch bool
	ignore   bool
	note     string
}

// interpret turns a raw signal into the outcome the transaction applies.
// Success claims are verified before they are trusted: a wrong amount or a
// transaction id that does not match the order goes to manual review.
func (s *reconciliationService) interpret(ctx context.Context, order domain.Order, signal PaymentSignal) reconcileVerdict {
	switch signal.Status {
	case payments.StatusSucceeded:
		if signal.Amount != order.Totals.Total {
			// A success claim without a verifiable amount is parked, not paid.
			note := "amount mismatch"
			if signal.Amount <= 0 {
				note = "amount unverifiable"
			}
			s.logger(ctx, "reconcile.amount_mismatch", map[string]any{
				"orderId":  order.ID,
				"reported": signal.Amount,
				"expected": order.Totals.Total,
				"channel":  string(signal.Channel),
			})
			return reconcileVerdict{outcome: repositories.ReconcileOutcomeHold, mismatch: true, note: note}
		}
		if signal.Currency != "" && !strings.EqualFold(signal.Currency, order.Currency) {
			return reconcileVerdict{outcome: repositories.ReconcileOutcomeHold, mismatch: true, note: "currency mismatch"}
		}
		if signal.TransactionID != "" && order.Payment.TransactionID != "" && signal.TransactionID != order.Payment.TransactionID {
			s.logger(ctx, "reconcile.transaction_mismatch", map[string]any{
				"orderId":  order.ID,
				"reported": signal.TransactionID,
				"expected": order.Payment.TransactionID,
			})
			return reconcileVerdict{outcome: repositories.ReconcileOutcomeHold, note: "transaction id mismatch"}
		}
		return reconcileVerdict{outcome: repositories.ReconcileOutcomePaid}
	case payments.StatusFailed:
		return reconcileVerdict{outcome: repositories.ReconcileOutcomeFailed}
	case payments.StatusRefunded:
		// Refunds run through the operator transition flow; an unsolicited
		// gateway refund signal parks the order instead of mutating it.
		return reconcileVerdict{outcome: repositories.ReconcileOutcomeHold, note: "unsolicited refund signal"}
	default:
		// Pending signals carry no new information.
		return reconcileVerdict{ignore: true}
	}
}

func outcomeAgreesWith(outcome repositories.ReconcileOutcome, status domain.OrderStatus) bool {
	switch outcome {
	case repositories.ReconcileOutcomePaid:
		return status == domain.OrderStatusPaid || status == domain.OrderStatusRefunded
	case repositories.ReconcileOutcomeFailed:
		return status == domain.OrderStatusPaymentFailed || status == domain.OrderStatusCancelled
	default:
		return true
	}
}

func (s *reconciliationService) publishOrderEvent(ctx context.Context, order domain.Order, channel domain.ReconcileChannel, shortfall []string) {
	if s.events == nil {
		return
	}
	_, err := s.events.PublishOrderEvent(ctx, OrderEventMessage{
		EventType:   "order." + string(order.Status),
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		Status:      order.Status,
		Channel:     channel,
		Amount:      order.Totals.Total,
		Currency:    order.Currency,
		Shortfall:   shortfall,
		OccurredAt:  s.now(),
	})
	if err != nil {
		s.logger(ctx, "reconcile.event_publish_failed", map[string]any{
			"orderId": order.ID,
			"error":   err.Error(),
		})
	}
}

func (s *reconciliationService) count(ctx context.Context, outcome repositories.ReconcileOutcome, channel domain.ReconcileChannel, result ReconcileResult) {
	if s.outcomes == nil {
		return
	}
	s.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", string(outcome)),
		attribute.String("channel", string(channel)),
		attribute.Bool("applied", result.Applied),
		attribute.Bool("conflict", result.Conflict),
	))
}

func (s *reconciliationService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		if repoErr.IsNotFound() {
			return ErrReconcileNotFound
		}
		if repoErr.IsConflict() {
			return fmt.Errorf("%w: %v", ErrReconcileUnavailable, err)
		}
	}
	return fmt.Errorf("%w: %v", ErrReconcileUnavailable, err)
}
