package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status enumerates the normalised gateway payment states shared across providers.
type Status string

const (
	// StatusPending indicates the payment is awaiting customer action or gateway confirmation.
	StatusPending Status = "pending"
	// StatusSucceeded indicates the gateway reports the payment as captured.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the gateway reports a terminal failure or expiry.
	StatusFailed Status = "failed"
	// StatusRefunded indicates the payment has been refunded.
	StatusRefunded Status = "refunded"
)

// IsTerminal reports whether the gateway state admits no further transitions.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusRefunded
}

var (
	// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
	// ErrGatewayUnavailable marks transient gateway failures: timeouts, 5xx
	// responses, rate limits, open circuit. Callers may retry with backoff.
	ErrGatewayUnavailable = errors.New("payments: gateway unavailable")
	// ErrGatewayRejected marks requests the gateway refused outright. The
	// attempt is terminal; retrying the same request cannot succeed.
	ErrGatewayRejected = errors.New("payments: gateway rejected request")
	// ErrInvalidSignature marks callbacks whose signature does not verify
	// against the shared webhook secret. Such payloads are discarded.
	ErrInvalidSignature = errors.New("payments: invalid callback signature")
)

// InitiationLineItem describes one order line forwarded to the gateway's
// hosted payment page.
type InitiationLineItem struct {
	Name     string
	SKU      string
	Quantity int64
	// UnitAmount is in smallest currency units.
	UnitAmount int64
	Currency   string
}

// InitiationRequest carries everything needed to open a gateway payment for an
// order. Amount is the order grand total in smallest currency units.
type InitiationRequest struct {
	OrderID        string
	OrderNumber    string
	Amount         int64
	Currency       string
	CustomerRef    string
	SuccessURL     string
	CancelURL      string
	IdempotencyKey string
	Metadata       map[string]string
	Items          []InitiationLineItem
}

// Initiation is the gateway's answer to an initiation request. TransactionID
// is the gateway-side identifier recorded on the order; RedirectURL is where
// the shopper completes the payment.
type Initiation struct {
	Provider      string
	TransactionID string
	RedirectURL   string
	ClientSecret  string
	ExpiresAt     time.Time
	Raw           map[string]any
}

// VerifiedPaymentEvent is a callback payload whose signature has been
// verified. Only verified events reach the reconciliation engine.
type VerifiedPaymentEvent struct {
	Provider      string
	EventID       string
	Type          string
	OrderID       string
	TransactionID string
	Status        Status
	// Amount is the gateway-reported amount in smallest currency units.
	Amount     int64
	Currency   string
	OccurredAt time.Time
	Raw        map[string]any
}

// StatusResult is the answer to a read-only status poll.
type StatusResult struct {
	Provider      string
	TransactionID string
	Status        Status
	Amount        int64
	Currency      string
	Raw           map[string]any
}

// Gateway is the provider-agnostic payment gateway contract.
type Gateway interface {
	// InitiatePayment opens a payment for the order and returns the gateway
	// transaction id plus the redirect URL for the shopper.
	InitiatePayment(ctx context.Context, req InitiationRequest) (Initiation, error)
	// VerifyCallback authenticates a raw callback body against its signature
	// header. It never mutates anything; invalid signatures return
	// ErrInvalidSignature.
	VerifyCallback(rawBody []byte, signatureHeader string) (VerifiedPaymentEvent, error)
	// QueryStatus polls the gateway for the current state of a transaction.
	QueryStatus(ctx context.Context, transactionID string) (StatusResult, error)
}

// Manager coordinates provider selection and exposes the aggregated interface.
type Manager struct {
	providers       map[string]Gateway
	defaultProvider string
	currencyRoutes  map[string]string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the default provider for currencies without explicit routing.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = provider
	}
}

// WithCurrencyRoutes configures static currency to provider mappings.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		if len(routes) == 0 {
			return
		}
		if m.currencyRoutes == nil {
			m.currencyRoutes = make(map[string]string, len(routes))
		}
		for k, v := range routes {
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}
}

// NewManager constructs a Manager over the supplied providers.
func NewManager(providers map[string]Gateway, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	copyMap := make(map[string]Gateway, len(providers))
	for k, v := range providers {
		key := strings.TrimSpace(strings.ToLower(k))
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", k)
		}
		copyMap[key] = v
	}
	m := &Manager{
		providers: copyMap,
	}
	if _, ok := copyMap["stripe"]; ok {
		m.defaultProvider = "stripe"
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// PaymentContext defines the hints available when selecting a provider.
type PaymentContext struct {
	PreferredProvider string
	Currency          string
}

func (m *Manager) resolveProvider(ctx PaymentContext) (string, Gateway, error) {
	if m == nil {
		return "", nil, errors.New("payments: manager is nil")
	}
	if len(m.providers) == 0 {
		return "", nil, errors.New("payments: no providers registered")
	}
	if provider := strings.TrimSpace(strings.ToLower(ctx.PreferredProvider)); provider != "" {
		if p, ok := m.providers[provider]; ok {
			return provider, p, nil
		}
	}
	currency := strings.ToUpper(strings.TrimSpace(ctx.Currency))
	if currency != "" && m.currencyRoutes != nil {
		if providerKey, ok := m.currencyRoutes[currency]; ok {
			provider := strings.TrimSpace(strings.ToLower(providerKey))
			if p, ok := m.providers[provider]; ok {
				return provider, p, nil
			}
		}
	}
	if def := strings.TrimSpace(strings.ToLower(m.defaultProvider)); def != "" {
		if p, ok := m.providers[def]; ok {
			return def, p, nil
		}
	}
	if len(m.providers) == 1 {
		for key, p := range m.providers {
			return key, p, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// InitiatePayment delegates to the resolved provider.
func (m *Manager) InitiatePayment(ctx context.Context, paymentCtx PaymentContext, req InitiationRequest) (Initiation, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return Initiation{}, err
	}
	initiation, err := provider.InitiatePayment(ctx, req)
	if err != nil {
		return Initiation{}, err
	}
	initiation.Provider = key
	return initiation, nil
}

// VerifyCallback delegates to the named provider. Callback routing is by
// provider path segment, never by payload content, so the provider key is
// explicit here.
func (m *Manager) VerifyCallback(providerKey string, rawBody []byte, signatureHeader string) (VerifiedPaymentEvent, error) {
	_, provider, err := m.resolveProvider(PaymentContext{PreferredProvider: providerKey})
	if err != nil {
		return VerifiedPaymentEvent{}, err
	}
	event, err := provider.VerifyCallback(rawBody, signatureHeader)
	if err != nil {
		return VerifiedPaymentEvent{}, err
	}
	if event.Provider == "" {
		event.Provider = strings.TrimSpace(strings.ToLower(providerKey))
	}
	return event, nil
}

// QueryStatus delegates to the resolved provider.
func (m *Manager) QueryStatus(ctx context.Context, paymentCtx PaymentContext, transactionID string) (StatusResult, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return StatusResult{}, err
	}
	result, err := provider.QueryStatus(ctx, transactionID)
	if err != nil {
		return StatusResult{}, err
	}
	if result.Provider == "" {
		result.Provider = key
	}
	return result, nil
}
