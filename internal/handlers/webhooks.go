package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/ivorythread/api/internal/domain"
	"github.com/ivorythread/api/internal/payments"
	"github.com/ivorythread/api/internal/platform/httpx"
	"github.com/ivorythread/api/internal/repositories"
	"github.com/ivorythread/api/internal/services"
)

const maxWebhookBody = 256 * 1024

// signatureHeaders lists the callback signature header per provider.
var signatureHeaders = map[string]string{
	"stripe": "Stripe-Signature",
}

// callbackVerifier is the slice of payments.Manager the webhook handler needs.
type callbackVerifier interface {
	VerifyCallback(providerKey string, rawBody []byte, signatureHeader string) (payments.VerifiedPaymentEvent, error)
}

// payloadArchiver stores raw callback bodies for later dispute resolution.
// Archiving is best effort and never blocks acknowledgement.
type payloadArchiver interface {
	Archive(ctx context.Context, provider, eventID string, payload []byte) error
}

// WebhookHandlers ingests payment gateway callbacks. The contract with the
// gateway is acknowledge-once-durable: after the event is stored, the
// response is 200 regardless of how processing went, because the stored
// event can always be re-driven.
type WebhookHandlers struct {
	verifier   callbackVerifier
	events     repositories.WebhookEventRepository
	reconciler services.ReconciliationService
	archiver   payloadArchiver
	clock      func() time.Time
	logger     func(ctx context.Context, event string, fields map[string]any)
}

// WebhookHandlersDeps bundles constructor inputs for WebhookHandlers.
type WebhookHandlersDeps struct {
	Verifier   callbackVerifier
	Events     repositories.WebhookEventRepository
	Reconciler services.ReconciliationService
	Archiver   payloadArchiver
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

// NewWebhookHandlers constructs the payment callback handlers.
func NewWebhookHandlers(deps WebhookHandlersDeps) (*WebhookHandlers, error) {
	if deps.Verifier == nil {
		return nil, errors.New("webhook handlers: verifier is required")
	}
	if deps.Events == nil {
		return nil, errors.New("webhook handlers: webhook event repository is required")
	}
	if deps.Reconciler == nil {
		return nil, errors.New("webhook handlers: reconciler is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &WebhookHandlers{
		verifier:   deps.Verifier,
		events:     deps.Events,
		reconciler: deps.Reconciler,
		archiver:   deps.Archiver,
		clock:      func() time.Time { return clock().UTC() },
		logger:     logger,
	}, nil
}

// Routes registers the callback endpoint under the provided router.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/webhook/{provider}", h.handleCallback)
}

func (h *WebhookHandlers) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	provider := strings.TrimSpace(strings.ToLower(chi.URLParam(r, "provider")))

	body, err := readLimitedBody(r, maxWebhookBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	signature := r.Header.Get(signatureHeaders[provider])
	if signature == "" {
		signature = r.Header.Get("X-Signature")
	}

	event, err := h.verifier.VerifyCallback(provider, body, signature)
	if err != nil {
		switch {
		case errors.Is(err, payments.ErrUnsupportedProvider):
			httpx.WriteError(ctx, w, httpx.NewError("unknown_provider", "unknown payment provider", http.StatusNotFound))
		case errors.Is(err, payments.ErrInvalidSignature):
			h.logger(ctx, "webhook.signature_rejected", map[string]any{"provider": provider})
			httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "callback signature verification failed", http.StatusBadRequest))
		default:
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "callback could not be parsed", http.StatusBadRequest))
		}
		return
	}

	// Events that do not reference an order carry nothing to reconcile.
	if strings.TrimSpace(event.OrderID) == "" || strings.TrimSpace(event.EventID) == "" {
		writeJSONResponse(w, http.StatusOK, map[string]any{"received": true, "ignored": true})
		return
	}

	now := h.clock()
	receivedAt := event.OccurredAt
	if receivedAt.IsZero() {
		receivedAt = now
	}
	record := domain.WebhookEvent{
		ID:            event.EventID,
		Provider:      event.Provider,
		GatewayEvent:  event.Type,
		Type:          string(event.Status),
		OrderID:       event.OrderID,
		TransactionID: event.TransactionID,
		Amount:        event.Amount,
		Currency:      event.Currency,
		Payload:       event.Raw,
		Status:        domain.WebhookEventReceived,
		ReceivedAt:    receivedAt,
	}

	stored, inserted, err := h.events.InsertIfAbsent(ctx, record)
	if err != nil {
		// Not durable yet; a non-2xx makes the gateway redeliver.
		h.logger(ctx, "webhook.store_failed", map[string]any{
			"provider": provider,
			"eventId":  event.EventID,
			"error":    err.Error(),
		})
		httpx.WriteError(ctx, w, httpx.NewError("webhook_store_failed", "event could not be stored; retry", http.StatusServiceUnavailable))
		return
	}
	if !inserted {
		writeJSONResponse(w, http.StatusOK, map[string]any{"received": true, "duplicate": true})
		return
	}

	if h.archiver != nil {
		if err := h.archiver.Archive(ctx, provider, event.EventID, body); err != nil {
			h.logger(ctx, "webhook.archive_failed", map[string]any{
				"provider": provider,
				"eventId":  event.EventID,
				"error":    err.Error(),
			})
		}
	}

	// The event is durable; from here the answer is 200 no matter what.
	// Processing failures are picked up by the redrive sweep.
	if _, err := h.reconciler.ProcessWebhookEvent(ctx, stored); err != nil && !errors.Is(err, services.ErrPaymentAmountMismatch) {
		h.logger(ctx, "webhook.process_failed", map[string]any{
			"provider": provider,
			"eventId":  event.EventID,
			"orderId":  event.OrderID,
			"error":    err.Error(),
		})
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{"received": true})
}
