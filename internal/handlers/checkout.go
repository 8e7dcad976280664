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
	"github.com/ivorythread/api/internal/services"
)

const maxCheckoutRequestBody = 16 * 1024

// CheckoutHandlers exposes the cart-to-order conversion endpoint for
// authenticated shoppers.
type CheckoutHandlers struct {
	authn    *auth.Authenticator
	checkout services.CheckoutService
}

// NewCheckoutHandlers constructs checkout handlers guarded by Firebase authentication.
func NewCheckoutHandlers(authn *auth.Authenticator, checkout services.CheckoutService) *CheckoutHandlers {
	return &CheckoutHandlers{
		authn:    authn,
		checkout: checkout,
	}
}

// Routes registers checkout endpoints under the provided router.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireFirebaseAuth())
	}
	group.Post("/", h.checkoutCart)
}

type checkoutContactRequest struct {
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type checkoutRequest struct {
	CartID            string                 `json:"cartId"`
	PaymentMethod     string                 `json:"paymentMethod"`
	Provider          string                 `json:"provider"`
	ShippingAddressID string                 `json:"shippingAddressId"`
	Contact           checkoutContactRequest `json:"contact"`
	SuccessURL        string                 `json:"successUrl"`
	CancelURL         string                 `json:"cancelUrl"`
	Notes             string                 `json:"notes"`
}

type checkoutResponse struct {
	Order        orderResponse `json:"order"`
	RedirectURL  string        `json:"redirectUrl,omitempty"`
	ClientSecret string        `json:"clientSecret,omitempty"`
}

func (h *CheckoutHandlers) checkoutCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	body, err := readLimitedBody(r, maxCheckoutRequestBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	var req checkoutRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	cmd := services.CheckoutCommand{
		UserID:            identity.UID,
		CartID:            strings.TrimSpace(req.CartID),
		PaymentMethod:     domain.PaymentMethod(strings.TrimSpace(strings.ToLower(req.PaymentMethod))),
		ShippingAddressID: strings.TrimSpace(req.ShippingAddressID),
		Contact: services.ContactInput{
			Email: strings.TrimSpace(req.Contact.Email),
			Phone: strings.TrimSpace(req.Contact.Phone),
		},
		SuccessURL:        strings.TrimSpace(req.SuccessURL),
		CancelURL:         strings.TrimSpace(req.CancelURL),
		PreferredProvider: strings.TrimSpace(req.Provider),
		Notes:             req.Notes,
		IdempotencyKey:    strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	}

	result, err := h.checkout.Checkout(ctx, cmd)
	if err != nil {
		h.writeCheckoutError(ctx, w, err)
		return
	}

	writeJSONResponse(w, http.StatusCreated, checkoutResponse{
		Order:        newOrderResponse(result.Order),
		RedirectURL:  result.RedirectURL,
		ClientSecret: result.ClientSecret,
	})
}

func (h *CheckoutHandlers) writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrCheckoutInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrEmptyCart):
		httpx.WriteError(ctx, w, httpx.NewError("empty_cart", "cart has no items", http.StatusConflict))
	case errors.Is(err, services.ErrVariantInactive):
		httpx.WriteError(ctx, w, httpx.NewError("variant_inactive", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrNotPurchasable):
		httpx.WriteError(ctx, w, httpx.NewError("not_purchasable", err.Error(), http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrOutOfStock):
		httpx.WriteError(ctx, w, httpx.NewError("out_of_stock", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrCheckoutConflict):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_conflict", "cart has changed; refresh and retry", http.StatusConflict))
	case errors.Is(err, payments.ErrGatewayRejected):
		httpx.WriteError(ctx, w, httpx.NewError("payment_rejected", "the payment provider rejected the request", http.StatusPaymentRequired))
	case errors.Is(err, payments.ErrGatewayUnavailable), errors.Is(err, services.ErrCheckoutUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout is temporarily unavailable; retry shortly", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("checkout_error", "failed to process checkout request", http.StatusInternalServerError))
	}
}
