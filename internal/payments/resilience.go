package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/googleapis/gax-go/v2"
	"github.com/sony/gobreaker/v2"
)

const (
	defaultMaxAttempts      = 3
	defaultBackoffInitial   = 200 * time.Millisecond
	defaultBackoffMax       = 3 * time.Second
	defaultBreakerThreshold = 5
	defaultBreakerTimeout   = 30 * time.Second
)

// ResilienceLogger defines the logging contract for retry and breaker events.
type ResilienceLogger func(ctx context.Context, event string, fields map[string]any)

// ResilienceConfig tunes the retry and circuit breaker behaviour of a wrapped
// gateway.
type ResilienceConfig struct {
	// MaxAttempts caps total tries per call, first attempt included.
	MaxAttempts     int
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
	BackoffMultiple float64
	// BreakerThreshold is the consecutive unavailable-class failure count that
	// opens the circuit.
	BreakerThreshold uint32
	// BreakerTimeout is how long the circuit stays open before probing.
	BreakerTimeout time.Duration
	Logger         ResilienceLogger
}

// ResilientGateway wraps a Gateway with bounded exponential-backoff retries
// and a circuit breaker. Only unavailable-class failures are retried and
// counted against the breaker; rejections pass through untouched, and
// callback verification is local so it bypasses both mechanisms.
type ResilientGateway struct {
	inner   Gateway
	breaker *gobreaker.CircuitBreaker[any]

	maxAttempts     int
	backoffInitial  time.Duration
	backoffMax      time.Duration
	backoffMultiple float64
	logger          ResilienceLogger
}

// NewResilientGateway wraps the given gateway.
func NewResilientGateway(name string, inner Gateway, cfg ResilienceConfig) (*ResilientGateway, error) {
	if inner == nil {
		return nil, errors.New("payments: resilient gateway requires an inner gateway")
	}

	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	backoffInitial := cfg.BackoffInitial
	if backoffInitial <= 0 {
		backoffInitial = defaultBackoffInitial
	}
	backoffMax := cfg.BackoffMax
	if backoffMax <= 0 {
		backoffMax = defaultBackoffMax
	}
	backoffMultiple := cfg.BackoffMultiple
	if backoffMultiple < 1 {
		backoffMultiple = 2
	}
	threshold := cfg.BreakerThreshold
	if threshold == 0 {
		threshold = defaultBreakerThreshold
	}
	breakerTimeout := cfg.BreakerTimeout
	if breakerTimeout <= 0 {
		breakerTimeout = defaultBreakerTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:    name,
		Timeout: breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// Rejections are the gateway answering; only unavailable-class
			// failures indicate the gateway itself is unhealthy.
			return err == nil || !errors.Is(err, ErrGatewayUnavailable)
		},
	})

	return &ResilientGateway{
		inner:           inner,
		breaker:         breaker,
		maxAttempts:     maxAttempts,
		backoffInitial:  backoffInitial,
		backoffMax:      backoffMax,
		backoffMultiple: backoffMultiple,
		logger:          logger,
	}, nil
}

// InitiatePayment retries unavailable-class failures with backoff behind the
// circuit breaker.
func (g *ResilientGateway) InitiatePayment(ctx context.Context, req InitiationRequest) (Initiation, error) {
	result, err := g.execute(ctx, "initiate", func() (any, error) {
		return g.inner.InitiatePayment(ctx, req)
	})
	if err != nil {
		return Initiation{}, err
	}
	return result.(Initiation), nil
}

// VerifyCallback is local signature verification; it passes straight through.
func (g *ResilientGateway) VerifyCallback(rawBody []byte, signatureHeader string) (VerifiedPaymentEvent, error) {
	return g.inner.VerifyCallback(rawBody, signatureHeader)
}

// QueryStatus retries unavailable-class failures with backoff behind the
// circuit breaker.
func (g *ResilientGateway) QueryStatus(ctx context.Context, transactionID string) (StatusResult, error) {
	result, err := g.execute(ctx, "query", func() (any, error) {
		return g.inner.QueryStatus(ctx, transactionID)
	})
	if err != nil {
		return StatusResult{}, err
	}
	return result.(StatusResult), nil
}

func (g *ResilientGateway) execute(ctx context.Context, op string, call func() (any, error)) (any, error) {
	backoff := gax.Backoff{
		Initial:    g.backoffInitial,
		Max:        g.backoffMax,
		Multiplier: g.backoffMultiple,
	}

	var lastErr error
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		result, err := g.breaker.Execute(call)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, fmt.Errorf("payments: %s: %w: circuit open", op, ErrGatewayUnavailable)
		}
		if !errors.Is(err, ErrGatewayUnavailable) {
			return nil, err
		}

		lastErr = err
		if attempt == g.maxAttempts {
			break
		}
		pause := backoff.Pause()
		g.logger(ctx, "payments.gateway.retry", map[string]any{
			"op":      op,
			"attempt": attempt,
			"pauseMs": pause.Milliseconds(),
		})
		if err := gax.Sleep(ctx, pause); err != nil {
			return nil, fmt.Errorf("payments: %s: %w: %v", op, ErrGatewayUnavailable, err)
		}
	}
	return nil, lastErr
}

var _ Gateway = (*ResilientGateway)(nil)
