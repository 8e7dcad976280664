package services

import (
	"context"
	"errors"
	"testing"
)

func testPricingEngine(t *testing.T, cfg PricingConfig) PricingEngine {
	t.Helper()
	engine, err := NewPricingEngine(PricingEngineDeps{Config: cfg})
	if err != nil {
		t.Fatalf("new pricing engine: %v", err)
	}
	return engine
}

func TestPricingEngineComputesBreakdown(t *testing.T) {
	engine := testPricingEngine(t, PricingConfig{
		TaxBasisPoints:        1000,
		ShippingFlat:          500,
		FreeShippingThreshold: 10000,
	})

	breakdown, err := engine.Price(context.Background(), PricingInput{
		Currency: "usd",
		Lines: []PricingLine{
			{SKU: "SKU-001", Quantity: 2, UnitPrice: 2500},
			{SKU: "SKU-002", Quantity: 1, UnitPrice: 3000},
		},
		DiscountSubunits: 1000,
	})
	if err != nil {
		t.Fatalf("price: %v", err)
	}

	if breakdown.Currency != "USD" {
		t.Fatalf("expected normalised currency USD, got %s", breakdown.Currency)
	}
	if breakdown.Subtotal != 8000 {
		t.Fatalf("expected subtotal 8000, got %d", breakdown.Subtotal)
	}
	if breakdown.Discount != 1000 {
		t.Fatalf("expected discount 1000, got %d", breakdown.Discount)
	}
	if breakdown.Tax != 700 {
		t.Fatalf("expected tax 700, got %d", breakdown.Tax)
	}
	if breakdown.Shipping != 500 {
		t.Fatalf("expected shipping 500, got %d", breakdown.Shipping)
	}
	if breakdown.Total != 8200 {
		t.Fatalf("expected total 8200, got %d", breakdown.Total)
	}
	if len(breakdown.Items) != 2 || breakdown.Items[0].Subtotal != 5000 {
		t.Fatalf("unexpected item breakdown %+v", breakdown.Items)
	}
}

func TestPricingEngineIsDeterministic(t *testing.T) {
	engine := testPricingEngine(t, PricingConfig{TaxBasisPoints: 825, ShippingFlat: 700})
	input := PricingInput{
		Currency: "USD",
		Lines: []PricingLine{
			{SKU: "SKU-001", Quantity: 3, UnitPrice: 1999},
			{SKU: "SKU-002", Quantity: 1, UnitPrice: 12900},
		},
		DiscountSubunits: 450,
	}

	first, err := engine.Price(context.Background(), input)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	second, err := engine.Price(context.Background(), input)
	if err != nil {
		t.Fatalf("price again: %v", err)
	}
	if first.Total != second.Total || first.Tax != second.Tax {
		t.Fatalf("expected identical totals, got %d/%d and %d/%d", first.Total, first.Tax, second.Total, second.Tax)
	}
}

func TestPricingEngineFreeShippingThreshold(t *testing.T) {
	engine := testPricingEngine(t, PricingConfig{
		ShippingFlat:          500,
		FreeShippingThreshold: 10000,
	})

	breakdown, err := engine.Price(context.Background(), PricingInput{
		Currency: "USD",
		Lines:    []PricingLine{{SKU: "SKU-001", Quantity: 1, UnitPrice: 12000}},
	})
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if breakdown.Shipping != 0 {
		t.Fatalf("expected free shipping above threshold, got %d", breakdown.Shipping)
	}
	if breakdown.Total != 12000 {
		t.Fatalf("expected total 12000, got %d", breakdown.Total)
	}
}

func TestPricingEngineRoundsTaxHalfToEven(t *testing.T) {
	// 1000 at 25 basis points is exactly 2.5 subunits of tax.
	engine := testPricingEngine(t, PricingConfig{TaxBasisPoints: 25})

	breakdown, err := engine.Price(context.Background(), PricingInput{
		Currency: "USD",
		Lines:    []PricingLine{{SKU: "SKU-001", Quantity: 1, UnitPrice: 1000}},
	})
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if breakdown.Tax != 2 {
		t.Fatalf("expected tax 2 (half rounds to even), got %d", breakdown.Tax)
	}
}

func TestPricingEngineClampsDiscountToSubtotal(t *testing.T) {
	engine := testPricingEngine(t, PricingConfig{})

	breakdown, err := engine.Price(context.Background(), PricingInput{
		Currency:         "USD",
		Lines:            []PricingLine{{SKU: "SKU-001", Quantity: 1, UnitPrice: 500}},
		DiscountSubunits: 900,
	})
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if breakdown.Discount != 500 {
		t.Fatalf("expected discount clamped to 500, got %d", breakdown.Discount)
	}
	if breakdown.Total != 0 {
		t.Fatalf("expected total 0, got %d", breakdown.Total)
	}
}

func TestPricingEngineRejectsInvalidInput(t *testing.T) {
	engine := testPricingEngine(t, PricingConfig{})

	cases := []PricingInput{
		{Currency: "", Lines: []PricingLine{{SKU: "SKU-001", Quantity: 1, UnitPrice: 100}}},
		{Currency: "USD"},
		{Currency: "USD", Lines: []PricingLine{{SKU: "SKU-001", Quantity: 0, UnitPrice: 100}}},
		{Currency: "USD", Lines: []PricingLine{{SKU: "SKU-001", Quantity: 1, UnitPrice: -1}}},
		{Currency: "USD", Lines: []PricingLine{{SKU: "SKU-001", Quantity: 1, UnitPrice: 100}}, DiscountSubunits: -5},
	}
	for i, input := range cases {
		if _, err := engine.Price(context.Background(), input); !errors.Is(err, ErrPricingInvalidInput) {
			t.Fatalf("case %d: expected ErrPricingInvalidInput, got %v", i, err)
		}
	}
}
