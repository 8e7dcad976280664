package firestore

import (
	"context"
	"errors"
	"fmt"

	pfirestore "github.com/ivorythread/api/internal/platform/firestore"
	"github.com/ivorythread/api/internal/repositories"
)

// Registry bundles the Firestore-backed repositories behind the
// repositories.Registry contract so wiring stays in one place.
type Registry struct {
	provider *pfirestore.Provider

	carts         *CartRepository
	variants      *VariantRepository
	orders        *OrderRepository
	inventory     *InventoryRepository
	webhookEvents *WebhookEventRepository
	addresses     *AddressRepository
	auditLogs     *AuditLogRepository
	counters      *CounterRepository
	health        repositories.HealthRepository
}

// RegistryDeps carries the shared provider plus the health repository, which
// is assembled separately because its probe set spans more than Firestore.
type RegistryDeps struct {
	Provider *pfirestore.Provider
	Health   repositories.HealthRepository
}

// NewRegistry constructs every Firestore repository over a shared provider.
func NewRegistry(deps RegistryDeps) (*Registry, error) {
	if deps.Provider == nil {
		return nil, errors.New("registry requires firestore provider")
	}

	carts, err := NewCartRepository(deps.Provider)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	variants, err := NewVariantRepository(deps.Provider)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	orders, err := NewOrderRepository(deps.Provider)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	inventory, err := NewInventoryRepository(deps.Provider)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	webhookEvents, err := NewWebhookEventRepository(deps.Provider)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	addresses, err := NewAddressRepository(deps.Provider)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	auditLogs, err := NewAuditLogRepository(deps.Provider)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	counters, err := NewCounterRepository(deps.Provider)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}

	return &Registry{
		provider:      deps.Provider,
		carts:         carts,
		variants:      variants,
		orders:        orders,
		inventory:     inventory,
		webhookEvents: webhookEvents,
		addresses:     addresses,
		auditLogs:     auditLogs,
		counters:      counters,
		health:        deps.Health,
	}, nil
}

// Close releases the underlying Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

func (r *Registry) Carts() repositories.CartRepository                 { return r.carts }
func (r *Registry) Variants() repositories.VariantRepository           { return r.variants }
func (r *Registry) Orders() repositories.OrderRepository               { return r.orders }
func (r *Registry) Inventory() repositories.InventoryRepository        { return r.inventory }
func (r *Registry) WebhookEvents() repositories.WebhookEventRepository { return r.webhookEvents }
func (r *Registry) Addresses() repositories.AddressRepository          { return r.addresses }
func (r *Registry) AuditLogs() repositories.AuditLogRepository         { return r.auditLogs }
func (r *Registry) Counters() repositories.CounterRepository           { return r.counters }
func (r *Registry) Health() repositories.HealthRepository              { return r.health }

var _ repositories.Registry = (*Registry)(nil)
