package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	domain "github.com/ivorythread/api/internal/domain"
)

var (
	// ErrPricingInvalidInput signals bad request data such as missing lines or negative prices.
	ErrPricingInvalidInput = errors.New("pricing: invalid input")
)

// PricingConfig carries the deterministic pricing policy. All amounts are
// integer subunits; TaxBasisPoints is a rate in hundredths of a percent.
type PricingConfig struct {
	TaxBasisPoints int64
	// ShippingFlat is charged per order unless the discounted subtotal
	// reaches FreeShippingThreshold. A zero threshold disables free shipping.
	ShippingFlat          int64
	FreeShippingThreshold int64
}

type pricingEngine struct {
	cfg    PricingConfig
	logger func(ctx context.Context, event string, fields map[string]any)
}

// PricingEngineDeps bundles constructor inputs for the pricing engine.
type PricingEngineDeps struct {
	Config PricingConfig
	Logger func(ctx context.Context, event string, fields map[string]any)
}

// NewPricingEngine constructs a deterministic pricing engine. The same input
// always produces the same breakdown, so repricing a frozen order snapshot
// reproduces its stored totals.
func NewPricingEngine(deps PricingEngineDeps) (PricingEngine, error) {
	if deps.Config.TaxBasisPoints < 0 {
		return nil, errors.New("pricing engine: tax rate must not be negative")
	}
	if deps.Config.ShippingFlat < 0 || deps.Config.FreeShippingThreshold < 0 {
		return nil, errors.New("pricing engine: shipping policy must not be negative")
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &pricingEngine{cfg: deps.Config, logger: logger}, nil
}

func (e *pricingEngine) Price(ctx context.Context, input PricingInput) (domain.PricingBreakdown, error) {
	currency := strings.ToUpper(strings.TrimSpace(input.Currency))
	if currency == "" {
		return domain.PricingBreakdown{}, fmt.Errorf("%w: currency is required", ErrPricingInvalidInput)
	}
	if len(input.Lines) == 0 {
		return domain.PricingBreakdown{}, fmt.Errorf("%w: at least one line is required", ErrPricingInvalidInput)
	}
	if input.DiscountSubunits < 0 {
		return domain.PricingBreakdown{}, fmt.Errorf("%w: discount must not be negative", ErrPricingInvalidInput)
	}

	items := make([]domain.ItemPricingBreakdown, 0, len(input.Lines))
	var subtotal int64
	for _, line := range input.Lines {
		if line.Quantity <= 0 {
			return domain.PricingBreakdown{}, fmt.Errorf("%w: line %s quantity must be positive", ErrPricingInvalidInput, line.SKU)
		}
		if line.UnitPrice < 0 {
			return domain.PricingBreakdown{}, fmt.Errorf("%w: line %s unit price must not be negative", ErrPricingInvalidInput, line.SKU)
		}
		quantity := int64(line.Quantity)
		if line.UnitPrice > 0 && line.UnitPrice > math.MaxInt64/quantity {
			return domain.PricingBreakdown{}, fmt.Errorf("%w: line %s subtotal overflow", ErrPricingInvalidInput, line.SKU)
		}
		lineSubtotal := line.UnitPrice * quantity
		if subtotal > math.MaxInt64-lineSubtotal {
			return domain.PricingBreakdown{}, fmt.Errorf("%w: subtotal overflow", ErrPricingInvalidInput)
		}
		subtotal += lineSubtotal
		items = append(items, domain.ItemPricingBreakdown{
			SKU:      line.SKU,
			Quantity: line.Quantity,
			Subtotal: lineSubtotal,
		})
	}

	discount := input.DiscountSubunits
	if discount > subtotal {
		e.logger(ctx, "pricing.discount_clamped", map[string]any{
			"subtotal": subtotal,
			"discount": discount,
		})
		discount = subtotal
	}
	netSubtotal := subtotal - discount

	// Tax applies to the discounted goods amount, not shipping.
	tax := domain.RoundedShare(netSubtotal, e.cfg.TaxBasisPoints)

	var shipping int64
	if e.cfg.ShippingFlat > 0 {
		shipping = e.cfg.ShippingFlat
		if e.cfg.FreeShippingThreshold > 0 && netSubtotal >= e.cfg.FreeShippingThreshold {
			shipping = 0
		}
	}

	return domain.PricingBreakdown{
		Currency: currency,
		Subtotal: subtotal,
		Discount: discount,
		Tax:      tax,
		Shipping: shipping,
		Total:    netSubtotal + tax + shipping,
		Items:    items,
	}, nil
}
