package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

const (
	stripeProviderKey   = "stripe"
	defaultCallbackSkew = 5 * time.Minute
)

// StripeLogger defines the logging contract for Stripe gateway operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

type stripePaymentIntentAPI interface {
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeClients struct {
	sessions stripeSessionAPI
	intents  stripePaymentIntentAPI
}

// StripeGatewayConfig configures the StripeGateway.
type StripeGatewayConfig struct {
	APIKey        string
	WebhookSecret string
	AccountID     string
	Backends      *stripe.Backends
	Logger        StripeLogger
	Clock         func() time.Time
	// CallbackSkew bounds the accepted age of a signed callback timestamp.
	CallbackSkew time.Duration
	Clients      *stripeClients
}

// StripeGateway implements the Gateway interface over the Stripe API. Payment
// initiation opens a hosted Checkout session; callbacks are Stripe webhook
// events verified against the shared signing secret.
type StripeGateway struct {
	api           stripeClients
	account       string
	webhookSecret []byte
	skew          time.Duration
	clock         func() time.Time
	logger        StripeLogger
}

// NewStripeGateway constructs a Stripe gateway using the given configuration.
func NewStripeGateway(cfg StripeGatewayConfig) (*StripeGateway, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}
	webhookSecret := strings.TrimSpace(cfg.WebhookSecret)
	if webhookSecret == "" {
		return nil, errors.New("stripe: webhook secret is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			sessions: sc.CheckoutSessions,
			intents:  sc.PaymentIntents,
		}
	}
	if clients.sessions == nil || clients.intents == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	skew := cfg.CallbackSkew
	if skew <= 0 {
		skew = defaultCallbackSkew
	}

	return &StripeGateway{
		api:           clients,
		account:       strings.TrimSpace(cfg.AccountID),
		webhookSecret: []byte(webhookSecret),
		skew:          skew,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// InitiatePayment opens a Stripe Checkout session for the order total and
// returns the payment intent id as the gateway transaction id.
func (g *StripeGateway) InitiatePayment(ctx context.Context, req InitiationRequest) (Initiation, error) {
	if g == nil {
		return Initiation{}, errors.New("stripe: gateway is nil")
	}

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	if req.CustomerRef != "" {
		params.Customer = stripe.String(req.CustomerRef)
	}

	metadata := make(map[string]string, len(req.Metadata)+2)
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	if req.OrderID != "" {
		metadata["orderId"] = req.OrderID
	}
	if req.OrderNumber != "" {
		metadata["orderNumber"] = req.OrderNumber
	}
	params.Metadata = metadata

	lineItems := make([]*stripe.CheckoutSessionLineItemParams, 0, len(req.Items))
	for _, item := range req.Items {
		line := &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(max64(item.Quantity, 1)),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(defaultString(item.Currency, req.Currency))),
				UnitAmount: stripe.Int64(item.UnitAmount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(item.Name),
				},
			},
		}
		if item.SKU != "" {
			line.PriceData.ProductData.Metadata = map[string]string{
				"sku": item.SKU,
			}
		}
		lineItems = append(lineItems, line)
	}
	if len(lineItems) == 0 {
		lineItems = append(lineItems, &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(req.Currency)),
				UnitAmount: stripe.Int64(req.Amount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(defaultString(req.OrderNumber, "Order")),
				},
			},
		})
	}
	params.LineItems = lineItems
	params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{
		Metadata: metadata,
	}

	session, err := g.api.sessions.New(params)
	if err != nil {
		return Initiation{}, mapStripeError("create checkout session", err)
	}

	transactionID := session.ID
	if session.PaymentIntent != nil && session.PaymentIntent.ID != "" {
		transactionID = session.PaymentIntent.ID
	}

	g.logger(ctx, "payments.stripe.session.created", map[string]any{
		"sessionId":     session.ID,
		"transactionId": transactionID,
		"orderId":       req.OrderID,
		"currency":      session.Currency,
	})

	expiresAt := g.clock().Add(30 * time.Minute)
	if session.ExpiresAt != 0 {
		expiresAt = time.Unix(session.ExpiresAt, 0).UTC()
	}

	return Initiation{
		Provider:      stripeProviderKey,
		TransactionID: transactionID,
		RedirectURL:   session.URL,
		ClientSecret:  session.ClientSecret,
		ExpiresAt:     expiresAt,
		Raw:           stripeRaw(session),
	}, nil
}

// VerifyCallback authenticates a Stripe webhook payload. The signature header
// carries a unix timestamp and one or more HMAC-SHA256 digests over
// "<timestamp>.<raw body>"; verification is constant time and bounded by the
// configured skew window.
func (g *StripeGateway) VerifyCallback(rawBody []byte, signatureHeader string) (VerifiedPaymentEvent, error) {
	if g == nil {
		return VerifiedPaymentEvent{}, errors.New("stripe: gateway is nil")
	}

	timestamp, signatures, err := parseStripeSignatureHeader(signatureHeader)
	if err != nil {
		return VerifiedPaymentEvent{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	if skew := g.clock().Sub(timestamp); skew > g.skew || skew < -g.skew {
		return VerifiedPaymentEvent{}, fmt.Errorf("%w: timestamp outside allowed window", ErrInvalidSignature)
	}

	mac := hmac.New(sha256.New, g.webhookSecret)
	mac.Write([]byte(strconv.FormatInt(timestamp.Unix(), 10)))
	mac.Write([]byte("."))
	mac.Write(rawBody)
	expected := mac.Sum(nil)

	verified := false
	for _, signature := range signatures {
		if hmac.Equal(signature, expected) {
			verified = true
		}
	}
	if !verified {
		return VerifiedPaymentEvent{}, fmt.Errorf("%w: digest mismatch", ErrInvalidSignature)
	}

	event, err := parseStripeEvent(rawBody)
	if err != nil {
		return VerifiedPaymentEvent{}, err
	}
	event.Provider = stripeProviderKey
	if event.OccurredAt.IsZero() {
		event.OccurredAt = timestamp
	}
	return event, nil
}

// QueryStatus polls the payment intent behind a transaction id.
func (g *StripeGateway) QueryStatus(ctx context.Context, transactionID string) (StatusResult, error) {
	if g == nil {
		return StatusResult{}, errors.New("stripe: gateway is nil")
	}
	id := strings.TrimSpace(transactionID)
	if id == "" {
		return StatusResult{}, fmt.Errorf("%w: transaction id is required", ErrGatewayRejected)
	}

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	if g.account != "" {
		params.SetStripeAccount(g.account)
	}
	intent, err := g.api.intents.Get(id, params)
	if err != nil {
		return StatusResult{}, mapStripeError("lookup payment intent", err)
	}

	currency := strings.ToUpper(string(intent.Currency))
	return StatusResult{
		Provider:      stripeProviderKey,
		TransactionID: intent.ID,
		Status:        mapStripeIntentStatus(intent),
		Amount:        intent.Amount,
		Currency:      currency,
		Raw:           stripeRaw(intent),
	}, nil
}

// stripeEventEnvelope is the subset of the webhook payload the reconciliation
// engine consumes.
type stripeEventEnvelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object struct {
			ID            string `json:"id"`
			PaymentIntent string `json:"payment_intent"`
			Amount        int64  `json:"amount"`
			AmountTotal   int64  `json:"amount_total"`
			Currency      string `json:"currency"`
			Status        string `json:"status"`
			Metadata      struct {
				OrderID string `json:"orderId"`
			} `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

func parseStripeEvent(rawBody []byte) (VerifiedPaymentEvent, error) {
	var envelope stripeEventEnvelope
	if err := json.Unmarshal(rawBody, &envelope); err != nil {
		return VerifiedPaymentEvent{}, fmt.Errorf("stripe: decode webhook payload: %w", err)
	}
	if strings.TrimSpace(envelope.ID) == "" {
		return VerifiedPaymentEvent{}, errors.New("stripe: webhook payload missing event id")
	}

	transactionID := envelope.Data.Object.PaymentIntent
	if transactionID == "" {
		transactionID = envelope.Data.Object.ID
	}
	amount := envelope.Data.Object.Amount
	if amount == 0 && envelope.Data.Object.AmountTotal != 0 {
		amount = envelope.Data.Object.AmountTotal
	}

	var occurredAt time.Time
	if envelope.Created != 0 {
		occurredAt = time.Unix(envelope.Created, 0).UTC()
	}

	raw := map[string]any{}
	_ = json.Unmarshal(rawBody, &raw)

	return VerifiedPaymentEvent{
		EventID:       envelope.ID,
		Type:          envelope.Type,
		OrderID:       strings.TrimSpace(envelope.Data.Object.Metadata.OrderID),
		TransactionID: transactionID,
		Status:        mapStripeEventType(envelope.Type),
		Amount:        amount,
		Currency:      strings.ToUpper(envelope.Data.Object.Currency),
		OccurredAt:    occurredAt,
		Raw:           raw,
	}, nil
}

func mapStripeEventType(eventType string) Status {
	switch eventType {
	case "payment_intent.succeeded", "checkout.session.completed":
		return StatusSucceeded
	case "payment_intent.payment_failed", "payment_intent.canceled", "checkout.session.expired":
		return StatusFailed
	case "charge.refunded":
		return StatusRefunded
	default:
		return StatusPending
	}
}

func mapStripeIntentStatus(intent *stripe.PaymentIntent) Status {
	if intent == nil {
		return StatusPending
	}
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		if charge := intent.LatestCharge; charge != nil && charge.Refunded {
			return StatusRefunded
		}
		return StatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return StatusFailed
	default:
		return StatusPending
	}
}

// parseStripeSignatureHeader splits "t=<unix>,v1=<hex>[,v1=<hex>...]".
func parseStripeSignatureHeader(header string) (time.Time, [][]byte, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return time.Time{}, nil, errors.New("signature header missing")
	}

	var (
		timestamp  time.Time
		signatures [][]byte
	)
	for _, part := range strings.Split(header, ",") {
		pair := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(pair) != 2 {
			continue
		}
		switch pair[0] {
		case "t":
			seconds, err := strconv.ParseInt(pair[1], 10, 64)
			if err != nil {
				return time.Time{}, nil, errors.New("invalid signature timestamp")
			}
			timestamp = time.Unix(seconds, 0).UTC()
		case "v1":
			decoded, err := hex.DecodeString(pair[1])
			if err != nil {
				continue
			}
			signatures = append(signatures, decoded)
		}
	}
	if timestamp.IsZero() {
		return time.Time{}, nil, errors.New("signature timestamp missing")
	}
	if len(signatures) == 0 {
		return time.Time{}, nil, errors.New("signature digest missing")
	}
	return timestamp, signatures, nil
}

// mapStripeError normalises Stripe API failures into the retryable vs terminal
// split callers depend on.
func mapStripeError(op string, err error) error {
	if err == nil {
		return nil
	}
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		code := stripeErr.HTTPStatusCode
		if code >= 500 || code == 429 {
			return fmt.Errorf("stripe: %s: %w: %v", op, ErrGatewayUnavailable, err)
		}
		return fmt.Errorf("stripe: %s: %w: %v", op, ErrGatewayRejected, err)
	}
	// Network failures and timeouts surface as plain errors from the SDK.
	return fmt.Errorf("stripe: %s: %w: %v", op, ErrGatewayUnavailable, err)
}

func stripeRaw(value any) map[string]any {
	raw := map[string]any{}
	if data, err := json.Marshal(value); err == nil {
		_ = json.Unmarshal(data, &raw)
	}
	return raw
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}

var _ Gateway = (*StripeGateway)(nil)
