package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/ivorythread/api/internal/domain"
	"github.com/ivorythread/api/internal/payments"
	"github.com/ivorythread/api/internal/platform/auth"
	"github.com/ivorythread/api/internal/platform/httpx"
	"github.com/ivorythread/api/internal/platform/pagination"
	"github.com/ivorythread/api/internal/services"
)

const maxAdminRequestBody = 16 * 1024

// adminReconcileStatuses are the outcomes an operator may assert manually.
var adminReconcileStatuses = map[string]payments.Status{
	"succeeded": payments.StatusSucceeded,
	"failed":    payments.StatusFailed,
	"refunded":  payments.StatusRefunded,
}

// AdminHandlers exposes the operator surface: order listings across all
// shoppers, manual reconciliation overrides, lifecycle transitions, and
// stock corrections. Authentication is applied by the /admin group
// middleware, typically OIDC.
type AdminHandlers struct {
	orders     services.OrderService
	reconciler services.ReconciliationService
	inventory  services.InventoryService
}

// NewAdminHandlers constructs the admin handlers.
func NewAdminHandlers(orders services.OrderService, reconciler services.ReconciliationService, inventory services.InventoryService) *AdminHandlers {
	return &AdminHandlers{
		orders:     orders,
		reconciler: reconciler,
		inventory:  inventory,
	}
}

// Routes registers admin endpoints under the provided router.
func (h *AdminHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/orders", h.listOrders)
	r.Get("/orders/{orderID}", h.getOrder)
	r.Post("/orders/{orderID}/reconcile", h.reconcileOrder)
	r.Post("/orders/{orderID}/transition", h.transitionOrder)
	r.Get("/inventory/{sku}", h.getStock)
	r.Post("/inventory/{sku}/adjust", h.adjustStock)
}

type adminReconcileRequest struct {
	Status        string `json:"status"`
	TransactionID string `json:"transactionId"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Note          string `json:"note"`
}

type adminTransitionRequest struct {
	Target string `json:"target"`
	Reason string `json:"reason"`
}

type adminAdjustRequest struct {
	Delta    int    `json:"delta"`
	Reason   string `json:"reason"`
	OrderRef string `json:"orderRef"`
}

type stockResponse struct {
	SKU       string `json:"sku"`
	OnHand    int    `json:"onHand"`
	UpdatedAt string `json:"updatedAt,omitempty"`
}

func (h *AdminHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
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
		UserID:    strings.TrimSpace(query.Get("user_id")),
		Statuses:  statuses,
		PageSize:  params.PageSize,
		PageToken: params.PageToken,
	})
	if err != nil {
		writeAdminOrderError(ctx, w, err)
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

func (h *AdminHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))

	order, err := h.orders.GetOrder(ctx, "", orderID)
	if err != nil {
		writeAdminOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, newOrderResponse(order))
}

// reconcileOrder feeds an operator-asserted payment outcome through the same
// reconciliation path webhooks use, so idempotency and terminal-state rules
// apply equally to manual overrides.
func (h *AdminHandlers) reconcileOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reconciler == nil {
		httpx.WriteError(ctx, w, httpx.NewError("reconcile_unavailable", "reconciliation unavailable", http.StatusServiceUnavailable))
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))

	var req adminReconcileRequest
	if !decodeAdminBody(ctx, w, r, &req) {
		return
	}

	status, ok := adminReconcileStatuses[strings.TrimSpace(strings.ToLower(req.Status))]
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status must be one of succeeded, failed, refunded", http.StatusBadRequest))
		return
	}

	signal := services.PaymentSignal{
		Channel:       domain.ReconcileChannelAdmin,
		Status:        status,
		TransactionID: strings.TrimSpace(req.TransactionID),
		Amount:        req.Amount,
		Currency:      strings.TrimSpace(req.Currency),
		ActorRef:      adminActorRef(ctx),
	}
	if note := strings.TrimSpace(req.Note); note != "" {
		signal.Raw = map[string]any{"note": note}
	}

	result, err := h.reconciler.Reconcile(ctx, orderID, signal)
	if err != nil && !errors.Is(err, services.ErrPaymentAmountMismatch) {
		writeAdminReconcileError(ctx, w, err)
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

func (h *AdminHandlers) transitionOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))

	var req adminTransitionRequest
	if !decodeAdminBody(ctx, w, r, &req) {
		return
	}

	target := domain.OrderStatus(strings.TrimSpace(strings.ToLower(req.Target)))
	if target == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "target status is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.Transition(ctx, services.OrderTransitionCommand{
		OrderID:  orderID,
		Target:   target,
		Reason:   strings.TrimSpace(req.Reason),
		ActorRef: adminActorRef(ctx),
	})
	if err != nil {
		writeAdminOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, newOrderResponse(order))
}

func (h *AdminHandlers) getStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.inventory == nil {
		httpx.WriteError(ctx, w, httpx.NewError("inventory_unavailable", "inventory service unavailable", http.StatusServiceUnavailable))
		return
	}
	sku := strings.TrimSpace(chi.URLParam(r, "sku"))

	stock, err := h.inventory.GetStock(ctx, sku)
	if err != nil {
		writeAdminInventoryError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, stockResponse{
		SKU:       stock.SKU,
		OnHand:    stock.OnHand,
		UpdatedAt: formatTime(stock.UpdatedAt),
	})
}

func (h *AdminHandlers) adjustStock(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.inventory == nil {
		httpx.WriteError(ctx, w, httpx.NewError("inventory_unavailable", "inventory service unavailable", http.StatusServiceUnavailable))
		return
	}
	sku := strings.TrimSpace(chi.URLParam(r, "sku"))

	var req adminAdjustRequest
	if !decodeAdminBody(ctx, w, r, &req) {
		return
	}

	stock, err := h.inventory.Adjust(ctx, services.InventoryAdjustCommand{
		SKU:      sku,
		Delta:    req.Delta,
		Reason:   strings.TrimSpace(req.Reason),
		OrderRef: strings.TrimSpace(req.OrderRef),
		ActorRef: adminActorRef(ctx),
	})
	if err != nil {
		writeAdminInventoryError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, stockResponse{
		SKU:       stock.SKU,
		OnHand:    stock.OnHand,
		UpdatedAt: formatTime(stock.UpdatedAt),
	})
}

func decodeAdminBody(ctx context.Context, w http.ResponseWriter, r *http.Request, target any) bool {
	body, err := readLimitedBody(r, maxAdminRequestBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return false
	}
	if err := json.Unmarshal(body, target); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return false
	}
	return true
}

// adminActorRef derives an audit actor reference from the OIDC identity the
// admin middleware stored on the context.
func adminActorRef(ctx context.Context) string {
	identity, ok := auth.ServiceIdentityFromContext(ctx)
	if !ok {
		return "admin:unknown"
	}
	if email := strings.TrimSpace(identity.Email); email != "" {
		return "admin:" + email
	}
	if subject := strings.TrimSpace(identity.Subject); subject != "" {
		return "admin:" + subject
	}
	return "admin:unknown"
}

func writeAdminOrderError(ctx context.Context, w http.ResponseWriter, err error) {
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

func writeAdminReconcileError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrReconcileInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrReconcileNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrReconcileUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("reconcile_unavailable", "reconciliation unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("reconcile_error", "failed to reconcile order", http.StatusInternalServerError))
	}
}

func writeAdminInventoryError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrInventoryInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrInventoryStockNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("stock_not_found", "no stock record for sku", http.StatusNotFound))
	case errors.Is(err, services.ErrInventoryInsufficientStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", err.Error(), http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("inventory_error", "failed to process inventory request", http.StatusInternalServerError))
	}
}
