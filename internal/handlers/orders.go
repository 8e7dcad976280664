package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/ivorythread/api/internal/domain"
	"github.com/ivorythread/api/internal/platform/auth"
	"github.com/ivorythread/api/internal/platform/httpx"
	"github.com/ivorythread/api/internal/platform/pagination"
	"github.com/ivorythread/api/internal/platform/storage"
	"github.com/ivorythread/api/internal/services"
)

const (
	defaultOrderPageSize   = 20
	maxOrderPageSize       = 100
	maxOrderCancelBodySize = 4 * 1024
)

var listableOrderStatuses = map[domain.OrderStatus]struct{}{
	domain.OrderStatusPendingPayment:    {},
	domain.OrderStatusPaymentProcessing: {},
	domain.OrderStatusPaid:              {},
	domain.OrderStatusPaymentFailed:     {},
	domain.OrderStatusCancelled:         {},
	domain.OrderStatusFulfilled:         {},
	domain.OrderStatusDelivered:         {},
	domain.OrderStatusRefundRequested:   {},
	domain.OrderStatusRefunded:          {},
}

// Each gateway poll is a live call to the payment provider, so the refresh
// endpoint is rate limited per shopper.
const (
	paymentPollLimit  = 6
	paymentPollWindow = time.Minute
)

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

// receiptLinker issues short-lived download URLs for order receipts.
type receiptLinker interface {
	ReceiptURL(ctx context.Context, orderID, orderNumber, ownerID string, identity *auth.Identity) (storage.SignedURLResult, error)
}

// OrderHandlers exposes order reads, cancellation, receipt downloads, and the
// payment status poll for authenticated shoppers.
type OrderHandlers struct {
	authn       *auth.Authenticator
	orders      services.OrderService
	reconciler  services.ReconciliationService
	receipts    receiptLinker
	pollLimiter rateLimiter
}

// OrderHandlerOption customises optional handler dependencies.
type OrderHandlerOption func(*OrderHandlers)

// WithReceiptLinks enables the receipt download endpoint.
func WithReceiptLinks(linker receiptLinker) OrderHandlerOption {
	return func(h *OrderHandlers) {
		h.receipts = linker
	}
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, reconciler services.ReconciliationService, opts ...OrderHandlerOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:       authn,
		orders:      orders,
		reconciler:  reconciler,
		pollLimiter: newSimpleRateLimiter(paymentPollLimit, paymentPollWindow, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Get("/{orderID}/receipt", h.receiptLink)
	r.Post("/{orderID}/cancel", h.cancelOrder)
	r.Post("/{orderID}/payment-status", h.refreshPaymentStatus)
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid, ok := h.requireUser(ctx, w)
	if !ok {
		return
	}

	query := r.URL.Query()
	var statuses []domain.OrderStatus
	for _, raw := range query["status"] {
		for _, value := range strings.Split(raw, ",") {
			status := domain.OrderStatus(strings.TrimSpace(strings.ToLower(value)))
			if status == "" {
				continue
			}
			if _, ok := listableOrderStatuses[status]; !ok {
				httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unknown status filter "+string(status), http.StatusBadRequest))
				return
			}
			statuses = append(statuses, status)
		}
	}

	params, err := pagination.FromRequest(r, pagination.Options{
		DefaultPageSize: defaultOrderPageSize,
		MaxPageSize:     maxOrderPageSize,
	})
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	page, err := h.orders.ListOrders(ctx, services.OrderListQuery{
		UserID:    uid,
		Statuses:  statuses,
		PageSize:  params.PageSize,
		PageToken: params.PageToken,
	})
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}

	items := make([]orderResponse, 0, len(page.Items))
	for _, order := range page.Items {
		items = append(items, newOrderResponse(order))
	}
	writeJSONResponse(w, http.StatusOK, map[string]any{
		"orders":        items,
		"nextPageToken": page.NextPageToken,
	})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid, ok := h.requireUser(ctx, w)
	if !ok {
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))

	order, err := h.orders.GetOrder(ctx, uid, orderID)
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, newOrderResponse(order))
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid, ok := h.requireUser(ctx, w)
	if !ok {
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))

	var req cancelOrderRequest
	body, err := readLimitedBody(r, maxOrderCancelBodySize)
	switch {
	case err == nil:
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
			return
		}
	case errors.Is(err, errEmptyBody):
		// Reason is optional.
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusRequestEntityTooLarge))
		return
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	order, err := h.orders.CancelOrder(ctx, uid, orderID, strings.TrimSpace(req.Reason))
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, newOrderResponse(order))
}

// receiptLink signs a short-lived download URL for the order's receipt.
// Receipts only exist for orders that completed payment.
func (h *OrderHandlers) receiptLink(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid, ok := h.requireUser(ctx, w)
	if !ok {
		return
	}
	if h.receipts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("receipts_unavailable", "receipt downloads are not configured", http.StatusServiceUnavailable))
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))

	order, err := h.orders.GetOrder(ctx, uid, orderID)
	if err != nil {
		h.writeOrderError(ctx, w, err)
		return
	}
	switch order.Status {
	case domain.OrderStatusPaid, domain.OrderStatusFulfilled, domain.OrderStatusDelivered,
		domain.OrderStatusRefundRequested, domain.OrderStatusRefunded:
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_state", "receipt is only available after payment", http.StatusConflict))
		return
	}

	identity, _ := auth.IdentityFromContext(ctx)
	link, err := h.receipts.ReceiptURL(ctx, order.ID, order.OrderNumber, order.UserID, identity)
	if err != nil {
		if errors.Is(err, storage.ErrPermissionDenied) {
			httpx.WriteError(ctx, w, httpx.NewError("forbidden", "not allowed to access this receipt", http.StatusForbidden))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("receipt_error", "failed to generate receipt link", http.StatusInternalServerError))
		return
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{
		"url":       link.URL,
		"method":    link.Method,
		"expiresAt": formatTime(link.ExpiresAt),
	})
}

// refreshPaymentStatus polls the payment provider for the order's transaction
// and reconciles the answer. An amount mismatch parks the order for manual
// review; the shopper still gets the current order state back.
func (h *OrderHandlers) refreshPaymentStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	uid, ok := h.requireUser(ctx, w)
	if !ok {
		return
	}
	if h.reconciler == nil {
		httpx.WriteError(ctx, w, httpx.NewError("reconcile_unavailable", "payment status refresh unavailable", http.StatusServiceUnavailable))
		return
	}
	if h.pollLimiter != nil && !h.pollLimiter.Allow(uid) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many payment status requests; slow down", http.StatusTooManyRequests))
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))

	result, err := h.reconciler.RefreshPaymentStatus(ctx, uid, orderID)
	if err != nil && !errors.Is(err, services.ErrPaymentAmountMismatch) {
		h.writeReconcileError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusOK, reconcileResponse{
		Order:           newOrderResponse(result.Order),
		Applied:         result.Applied,
		AlreadyTerminal: result.AlreadyTerminal,
		Conflict:        result.Conflict,
		ManualReview:    result.ManualReview,
	})
}

func (h *OrderHandlers) requireUser(ctx context.Context, w http.ResponseWriter) (string, bool) {
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return "", false
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return "", false
	}
	return identity.UID, true
}

func (h *OrderHandlers) writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", "order was modified concurrently; retry", http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}

func (h *OrderHandlers) writeReconcileError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrReconcileInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrReconcileNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrReconcileUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("reconcile_unavailable", "payment status refresh unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("reconcile_error", "failed to refresh payment status", http.StatusInternalServerError))
	}
}
