package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v78"
)

const testWebhookSecret = "whsec_test_secret"

func testStripeGateway(t *testing.T, now time.Time) *StripeGateway {
	t.Helper()
	gw, err := NewStripeGateway(StripeGatewayConfig{
		WebhookSecret: testWebhookSecret,
		Clock:         func() time.Time { return now },
		Clients:       &stripeClients{sessions: stubSessionAPI{}, intents: stubIntentAPI{}},
	})
	if err != nil {
		t.Fatalf("new stripe gateway: %v", err)
	}
	return gw
}

type stubSessionAPI struct {
	session *stripe.CheckoutSession
	err     error
}

func (s stubSessionAPI) New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
	return s.session, s.err
}

type stubIntentAPI struct {
	intent *stripe.PaymentIntent
	err    error
}

func (s stubIntentAPI) Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error) {
	return s.intent, s.err
}

func signStripePayload(secret string, timestamp time.Time, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(timestamp.Unix(), 10)))
	mac.Write([]byte("."))
	mac.Write(body)
	return fmt.Sprintf("t=%d,v1=%s", timestamp.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func TestVerifyCallbackAcceptsValidSignature(t *testing.T) {
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	gw := testStripeGateway(t, now)

	body := []byte(`{
		"id": "evt_001",
		"type": "payment_intent.succeeded",
		"created": 1772366400,
		"data": {"object": {
			"id": "pi_123",
			"amount": 12900,
			"currency": "usd",
			"status": "succeeded",
			"metadata": {"orderId": "ord_abc"}
		}}
	}`)

	event, err := gw.VerifyCallback(body, signStripePayload(testWebhookSecret, now, body))
	if err != nil {
		t.Fatalf("verify callback: %v", err)
	}
	if event.EventID != "evt_001" {
		t.Fatalf("unexpected event id %q", event.EventID)
	}
	if event.Status != StatusSucceeded {
		t.Fatalf("expected succeeded status, got %s", event.Status)
	}
	if event.TransactionID != "pi_123" {
		t.Fatalf("unexpected transaction id %q", event.TransactionID)
	}
	if event.OrderID != "ord_abc" {
		t.Fatalf("unexpected order id %q", event.OrderID)
	}
	if event.Amount != 12900 || event.Currency != "USD" {
		t.Fatalf("unexpected amount %d %s", event.Amount, event.Currency)
	}
}

func TestVerifyCallbackRejectsTamperedBody(t *testing.T) {
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	gw := testStripeGateway(t, now)

	body := []byte(`{"id":"evt_001","type":"payment_intent.succeeded","data":{"object":{"id":"pi_123","amount":12900}}}`)
	header := signStripePayload(testWebhookSecret, now, body)
	tampered := []byte(`{"id":"evt_001","type":"payment_intent.succeeded","data":{"object":{"id":"pi_123","amount":99}}}`)

	_, err := gw.VerifyCallback(tampered, header)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifyCallbackRejectsWrongSecret(t *testing.T) {
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	gw := testStripeGateway(t, now)

	body := []byte(`{"id":"evt_001","type":"payment_intent.succeeded","data":{"object":{"id":"pi_123"}}}`)
	header := signStripePayload("whsec_other", now, body)

	_, err := gw.VerifyCallback(body, header)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}
}

func TestVerifyCallbackRejectsStaleTimestamp(t *testing.T) {
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	gw := testStripeGateway(t, now)

	body := []byte(`{"id":"evt_001","type":"payment_intent.succeeded","data":{"object":{"id":"pi_123"}}}`)
	stale := now.Add(-10 * time.Minute)
	header := signStripePayload(testWebhookSecret, stale, body)

	_, err := gw.VerifyCallback(body, header)
	if !errors.Is(err, ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature for stale timestamp, got %v", err)
	}
}

func TestVerifyCallbackRejectsMalformedHeader(t *testing.T) {
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	gw := testStripeGateway(t, now)

	body := []byte(`{"id":"evt_001"}`)
	for _, header := range []string{"", "v1=deadbeef", "t=notanumber,v1=deadbeef", "t=1772366400"} {
		if _, err := gw.VerifyCallback(body, header); !errors.Is(err, ErrInvalidSignature) {
			t.Fatalf("header %q: expected ErrInvalidSignature, got %v", header, err)
		}
	}
}

func TestMapStripeEventType(t *testing.T) {
	cases := map[string]Status{
		"payment_intent.succeeded":      StatusSucceeded,
		"checkout.session.completed":    StatusSucceeded,
		"payment_intent.payment_failed": StatusFailed,
		"payment_intent.canceled":       StatusFailed,
		"checkout.session.expired":      StatusFailed,
		"charge.refunded":               StatusRefunded,
		"payment_intent.created":        StatusPending,
	}
	for eventType, want := range cases {
		if got := mapStripeEventType(eventType); got != want {
			t.Fatalf("mapStripeEventType(%s) = %s, want %s", eventType, got, want)
		}
	}
}

func TestMapStripeErrorSplitsRetryableFromTerminal(t *testing.T) {
	serverErr := &stripe.Error{HTTPStatusCode: 503}
	if err := mapStripeError("op", serverErr); !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected unavailable for 503, got %v", err)
	}

	rateLimited := &stripe.Error{HTTPStatusCode: 429}
	if err := mapStripeError("op", rateLimited); !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected unavailable for 429, got %v", err)
	}

	declined := &stripe.Error{HTTPStatusCode: 402}
	if err := mapStripeError("op", declined); !errors.Is(err, ErrGatewayRejected) {
		t.Fatalf("expected rejected for 402, got %v", err)
	}

	network := errors.New("connection reset")
	if err := mapStripeError("op", network); !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected unavailable for network error, got %v", err)
	}
}

func TestQueryStatusMapsIntent(t *testing.T) {
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	gw, err := NewStripeGateway(StripeGatewayConfig{
		WebhookSecret: testWebhookSecret,
		Clock:         func() time.Time { return now },
		Clients: &stripeClients{
			sessions: stubSessionAPI{},
			intents: stubIntentAPI{intent: &stripe.PaymentIntent{
				ID:       "pi_123",
				Amount:   12900,
				Currency: "usd",
				Status:   stripe.PaymentIntentStatusSucceeded,
			}},
		},
	})
	if err != nil {
		t.Fatalf("new stripe gateway: %v", err)
	}

	result, err := gw.QueryStatus(context.Background(), "pi_123")
	if err != nil {
		t.Fatalf("query status: %v", err)
	}
	if result.Status != StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", result.Status)
	}
	if result.Amount != 12900 || result.Currency != "USD" {
		t.Fatalf("unexpected amount %d %s", result.Amount, result.Currency)
	}
}

func TestNewStripeGatewayRequiresWebhookSecret(t *testing.T) {
	_, err := NewStripeGateway(StripeGatewayConfig{
		APIKey: "sk_test",
	})
	if err == nil {
		t.Fatalf("expected error when webhook secret missing")
	}
}
