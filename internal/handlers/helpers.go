package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	domain "github.com/ivorythread/api/internal/domain"
	"github.com/ivorythread/api/internal/platform/textutil"
)

var (
	errEmptyBody    = errors.New("request body is required")
	errBodyTooLarge = errors.New("request body too large")
)

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	if limit <= 0 {
		limit = 8 * 1024
	}
	reader := io.LimitReader(r.Body, limit+1)
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

type orderTotalsResponse struct {
	Subtotal     int64  `json:"subtotal"`
	Discount     int64  `json:"discount"`
	Shipping     int64  `json:"shipping"`
	Tax          int64  `json:"tax"`
	Total        int64  `json:"total"`
	TotalDisplay string `json:"totalDisplay,omitempty"`
}

type orderItemResponse struct {
	SKU       string `json:"sku"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
	Total     int64  `json:"total"`
}

type orderPaymentResponse struct {
	Method        string `json:"method"`
	Provider      string `json:"provider,omitempty"`
	Status        string `json:"status"`
	TransactionID string `json:"transactionId,omitempty"`
	Amount        int64  `json:"amount"`
}

type orderFlagsResponse struct {
	ManualReview    bool `json:"manualReview"`
	FulfillmentHold bool `json:"fulfillmentHold"`
}

type orderCouponResponse struct {
	Code           string `json:"code"`
	DiscountAmount int64  `json:"discountAmount"`
}

type orderResponse struct {
	ID           string               `json:"id"`
	OrderNumber  string               `json:"orderNumber"`
	Status       string               `json:"status"`
	Currency     string               `json:"currency"`
	Totals       orderTotalsResponse  `json:"totals"`
	Items        []orderItemResponse  `json:"items"`
	Payment      orderPaymentResponse `json:"payment"`
	Flags        orderFlagsResponse   `json:"flags"`
	Coupon       *orderCouponResponse `json:"coupon,omitempty"`
	PlacedAt     string               `json:"placedAt,omitempty"`
	PaidAt       string               `json:"paidAt,omitempty"`
	CancelledAt  string               `json:"cancelledAt,omitempty"`
	FulfilledAt  string               `json:"fulfilledAt,omitempty"`
	DeliveredAt  string               `json:"deliveredAt,omitempty"`
	RefundedAt   string               `json:"refundedAt,omitempty"`
	CancelReason string               `json:"cancelReason,omitempty"`
}

func newOrderResponse(order domain.Order) orderResponse {
	resp := orderResponse{
		ID:          order.ID,
		OrderNumber: order.OrderNumber,
		Status:      string(order.Status),
		Currency:    order.Currency,
		Totals: orderTotalsResponse{
			Subtotal:     order.Totals.Subtotal,
			Discount:     order.Totals.Discount,
			Shipping:     order.Totals.Shipping,
			Tax:          order.Totals.Tax,
			Total:        order.Totals.Total,
			TotalDisplay: textutil.FormatAmount(order.Totals.Total, order.Currency),
		},
		Payment: orderPaymentResponse{
			Method:        string(order.Payment.Method),
			Provider:      order.Payment.Provider,
			Status:        string(order.Payment.Status),
			TransactionID: order.Payment.TransactionID,
			Amount:        order.Payment.Amount,
		},
		Flags: orderFlagsResponse{
			ManualReview:    order.Flags.ManualReview,
			FulfillmentHold: order.Flags.FulfillmentHold,
		},
		PlacedAt:    formatTimePtr(order.PlacedAt),
		PaidAt:      formatTimePtr(order.PaidAt),
		CancelledAt: formatTimePtr(order.CancelledAt),
		FulfilledAt: formatTimePtr(order.FulfilledAt),
		DeliveredAt: formatTimePtr(order.DeliveredAt),
		RefundedAt:  formatTimePtr(order.RefundedAt),
	}
	if order.CancelReason != nil {
		resp.CancelReason = *order.CancelReason
	}
	if order.Coupon != nil {
		resp.Coupon = &orderCouponResponse{
			Code:           order.Coupon.Code,
			DiscountAmount: order.Coupon.DiscountAmount,
		}
	}
	resp.Items = make([]orderItemResponse, 0, len(order.Items))
	for _, item := range order.Items {
		resp.Items = append(resp.Items, orderItemResponse{
			SKU:       item.SKU,
			Name:      item.Name,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Total:     item.Total,
		})
	}
	return resp
}

type cartItemResponse struct {
	ID        string `json:"id"`
	VariantID string `json:"variantId"`
	SKU       string `json:"sku"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unitPrice"`
}

type cartResponse struct {
	ID        string               `json:"id"`
	Currency  string               `json:"currency,omitempty"`
	Items     []cartItemResponse   `json:"items"`
	Coupon    *orderCouponResponse `json:"coupon,omitempty"`
	UpdatedAt string               `json:"updatedAt,omitempty"`
}

func newCartResponse(cart domain.Cart) cartResponse {
	resp := cartResponse{
		ID:        cart.ID,
		Currency:  cart.Currency,
		Items:     make([]cartItemResponse, 0, len(cart.Items)),
		UpdatedAt: formatTime(cart.UpdatedAt),
	}
	if cart.Coupon != nil {
		resp.Coupon = &orderCouponResponse{
			Code:           cart.Coupon.Code,
			DiscountAmount: cart.Coupon.DiscountAmount,
		}
	}
	for _, item := range cart.Items {
		resp.Items = append(resp.Items, cartItemResponse{
			ID:        item.ID,
			VariantID: item.VariantID,
			SKU:       item.SKU,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
		})
	}
	return resp
}

type reconcileResponse struct {
	Order           orderResponse `json:"order"`
	Applied         bool          `json:"applied"`
	AlreadyTerminal bool          `json:"alreadyTerminal"`
	Conflict        bool          `json:"conflict"`
	ManualReview    bool          `json:"manualReview"`
}
