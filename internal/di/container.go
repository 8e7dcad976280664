package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ivorythread/api/internal/payments"
	"github.com/ivorythread/api/internal/platform/config"
	"github.com/ivorythread/api/internal/repositories"
	"github.com/ivorythread/api/internal/services"
)

// Services bundles the service-layer contracts that handlers rely upon.
// Concrete implementations are assembled via dependency injection in
// NewContainer.
type Services struct {
	Cart       services.CartService
	Checkout   services.CheckoutService
	Orders     services.OrderService
	Reconciler services.ReconciliationService
	Inventory  services.InventoryService
	Counters   services.CounterService
	Pricing    services.PricingEngine
	Sweep      services.SweepService
	Audit      services.AuditLogService
	System     services.SystemService
}

// ContainerDeps carries the externally constructed dependencies the service
// graph is built from.
type ContainerDeps struct {
	Config       config.Config
	Repositories repositories.Registry
	Payments     *payments.Manager
	// Events is optional; when set, applied payment transitions are fanned
	// out to it.
	Events services.OrderEventPublisher
	// Coupons is optional; when nil, coupon application is disabled.
	Coupons services.CouponResolver
	Build   services.BuildInfo
	Clock   func() time.Time
	Logger  func(ctx context.Context, event string, fields map[string]any)
}

// Container wires repositories, services, and background infrastructure for runtime use.
type Container struct {
	Config       config.Config
	Repositories repositories.Registry
	Services     Services
}

// NewContainer constructs the runtime dependencies. Production wiring provides
// the Firestore registry and payment manager, while tests can supply in-memory
// implementations.
func NewContainer(ctx context.Context, deps ContainerDeps) (*Container, error) {
	if deps.Repositories == nil {
		return nil, errors.New("repositories registry is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("payments manager is required")
	}

	svc, err := buildServices(ctx, deps)
	if err != nil {
		return nil, err
	}

	return &Container{
		Config:       deps.Config,
		Repositories: deps.Repositories,
		Services:     svc,
	}, nil
}

// Close releases resources such as repository clients, background workers, or caches.
func (c *Container) Close(ctx context.Context) error {
	if c == nil || c.Repositories == nil {
		return nil
	}
	return c.Repositories.Close(ctx)
}

func buildServices(ctx context.Context, deps ContainerDeps) (Services, error) {
	var svc Services
	reg := deps.Repositories
	cfg := deps.Config

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	audit, err := services.NewAuditLogService(services.AuditLogServiceDeps{
		Repository: reg.AuditLogs(),
		Clock:      clock,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build audit log service: %w", err)
	}
	svc.Audit = audit

	counters, err := services.NewCounterService(services.CounterServiceDeps{
		Repository: reg.Counters(),
		Clock:      clock,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build counter service: %w", err)
	}
	svc.Counters = counters

	inventory, err := services.NewInventoryService(services.InventoryServiceDeps{
		Inventory: reg.Inventory(),
		Audit:     audit,
		Clock:     clock,
		Logger:    deps.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build inventory service: %w", err)
	}
	svc.Inventory = inventory

	pricing, err := services.NewPricingEngine(services.PricingEngineDeps{
		Config: services.PricingConfig{
			TaxBasisPoints:        cfg.Pricing.TaxBasisPoints,
			ShippingFlat:          cfg.Pricing.ShippingFlat,
			FreeShippingThreshold: cfg.Pricing.FreeShippingThreshold,
		},
		Logger: deps.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build pricing engine: %w", err)
	}
	svc.Pricing = pricing

	system, err := services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: reg.Health(),
		Clock:            clock,
		Build:            deps.Build,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build system service: %w", err)
	}
	svc.System = system

	orders, err := services.NewOrderService(services.OrderServiceDeps{
		Orders: reg.Orders(),
		Audit:  audit,
		Clock:  clock,
		Logger: deps.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build order service: %w", err)
	}
	svc.Orders = orders

	reconciler, err := services.NewReconciliationService(services.ReconciliationServiceDeps{
		Orders:        reg.Orders(),
		WebhookEvents: reg.WebhookEvents(),
		Gateway:       deps.Payments,
		Audit:         audit,
		Events:        deps.Events,
		Clock:         clock,
		Logger:        deps.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build reconciliation service: %w", err)
	}
	svc.Reconciler = reconciler

	coupons := deps.Coupons
	if !cfg.Features.EnablePromotions {
		coupons = nil
	}
	cart, err := services.NewCartService(services.CartServiceDeps{
		Repository: reg.Carts(),
		Variants:   reg.Variants(),
		Coupons:    coupons,
		Clock:      clock,
		Logger:     deps.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build cart service: %w", err)
	}
	svc.Cart = cart

	checkout, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Carts:      reg.Carts(),
		Variants:   reg.Variants(),
		Orders:     reg.Orders(),
		Addresses:  reg.Addresses(),
		Counters:   counters,
		Pricing:    pricing,
		Payments:   deps.Payments,
		Reconciler: reconciler,
		Clock:      clock,
		Logger:     deps.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build checkout service: %w", err)
	}
	svc.Checkout = checkout

	sweep, err := services.NewSweepService(services.SweepServiceDeps{
		Orders:            reg.Orders(),
		WebhookEvents:     reg.WebhookEvents(),
		Reconciler:        reconciler,
		StalePendingAfter: cfg.Sweep.StalePendingAfter,
		WebhookRedriveLag: cfg.Sweep.WebhookRedriveLag,
		BatchSize:         cfg.Sweep.BatchSize,
		Clock:             clock,
		Logger:            deps.Logger,
	})
	if err != nil {
		return Services{}, fmt.Errorf("build sweep service: %w", err)
	}
	svc.Sweep = sweep

	return svc, nil
}
