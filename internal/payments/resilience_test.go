package payments

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

type flakyGateway struct {
	failures  int
	calls     int
	failWith  error
	initation Initiation
}

func (f *flakyGateway) InitiatePayment(ctx context.Context, req InitiationRequest) (Initiation, error) {
	f.calls++
	if f.calls <= f.failures {
		return Initiation{}, f.failWith
	}
	return f.initation, nil
}

func (f *flakyGateway) VerifyCallback(rawBody []byte, signatureHeader string) (VerifiedPaymentEvent, error) {
	return VerifiedPaymentEvent{}, nil
}

func (f *flakyGateway) QueryStatus(ctx context.Context, transactionID string) (StatusResult, error) {
	f.calls++
	if f.calls <= f.failures {
		return StatusResult{}, f.failWith
	}
	return StatusResult{TransactionID: transactionID, Status: StatusSucceeded}, nil
}

func fastResilience() ResilienceConfig {
	return ResilienceConfig{
		MaxAttempts:      3,
		BackoffInitial:   time.Millisecond,
		BackoffMax:       2 * time.Millisecond,
		BreakerThreshold: 10,
		BreakerTimeout:   time.Second,
	}
}

func TestResilientGatewayRetriesUnavailable(t *testing.T) {
	inner := &flakyGateway{
		failures:  2,
		failWith:  fmt.Errorf("stripe: op: %w: 503", ErrGatewayUnavailable),
		initation: Initiation{TransactionID: "pi_ok"},
	}
	gw, err := NewResilientGateway("test", inner, fastResilience())
	if err != nil {
		t.Fatalf("new resilient gateway: %v", err)
	}

	initiation, err := gw.InitiatePayment(context.Background(), InitiationRequest{Amount: 100, Currency: "USD"})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if initiation.TransactionID != "pi_ok" {
		t.Fatalf("unexpected transaction id %q", initiation.TransactionID)
	}
	if inner.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", inner.calls)
	}
}

func TestResilientGatewayDoesNotRetryRejected(t *testing.T) {
	inner := &flakyGateway{
		failures: 5,
		failWith: fmt.Errorf("stripe: op: %w: card declined", ErrGatewayRejected),
	}
	gw, err := NewResilientGateway("test", inner, fastResilience())
	if err != nil {
		t.Fatalf("new resilient gateway: %v", err)
	}

	_, err = gw.InitiatePayment(context.Background(), InitiationRequest{Amount: 100, Currency: "USD"})
	if !errors.Is(err, ErrGatewayRejected) {
		t.Fatalf("expected ErrGatewayRejected, got %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("expected single attempt for rejection, got %d", inner.calls)
	}
}

func TestResilientGatewayExhaustsAttempts(t *testing.T) {
	inner := &flakyGateway{
		failures: 10,
		failWith: fmt.Errorf("stripe: op: %w: timeout", ErrGatewayUnavailable),
	}
	gw, err := NewResilientGateway("test", inner, fastResilience())
	if err != nil {
		t.Fatalf("new resilient gateway: %v", err)
	}

	_, err = gw.QueryStatus(context.Background(), "pi_123")
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
	}
	if inner.calls != 3 {
		t.Fatalf("expected attempts capped at 3, got %d", inner.calls)
	}
}

func TestResilientGatewayOpensCircuit(t *testing.T) {
	inner := &flakyGateway{
		failures: 100,
		failWith: fmt.Errorf("stripe: op: %w: 502", ErrGatewayUnavailable),
	}
	cfg := fastResilience()
	cfg.BreakerThreshold = 3
	gw, err := NewResilientGateway("test", inner, cfg)
	if err != nil {
		t.Fatalf("new resilient gateway: %v", err)
	}

	_, _ = gw.QueryStatus(context.Background(), "pi_123")

	callsBefore := inner.calls
	_, err = gw.QueryStatus(context.Background(), "pi_123")
	if !errors.Is(err, ErrGatewayUnavailable) {
		t.Fatalf("expected ErrGatewayUnavailable while circuit open, got %v", err)
	}
	if inner.calls != callsBefore {
		t.Fatalf("expected no calls through an open circuit, got %d new", inner.calls-callsBefore)
	}
}

func TestResilientGatewayVerifyCallbackBypassesBreaker(t *testing.T) {
	inner := &flakyGateway{}
	gw, err := NewResilientGateway("test", inner, fastResilience())
	if err != nil {
		t.Fatalf("new resilient gateway: %v", err)
	}
	if _, err := gw.VerifyCallback([]byte(`{}`), "sig"); err != nil {
		t.Fatalf("verify callback: %v", err)
	}
}
