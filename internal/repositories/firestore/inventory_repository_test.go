package firestore

import (
	"errors"
	"testing"

	domain "github.com/ivorythread/api/internal/domain"
	"github.com/ivorythread/api/internal/repositories"
)

func TestAggregateStockDemandCombinesRepeatedSKUs(t *testing.T) {
	demands, err := aggregateStockDemand("/orders/ord_1", []domain.OrderLineItem{
		{SKU: "SKU-001", Quantity: 2},
		{SKU: "SKU-002", Quantity: 1},
		{SKU: " SKU-001 ", Quantity: 3},
	})
	if err != nil {
		t.Fatalf("aggregate: %v", err)
	}
	if len(demands) != 2 {
		t.Fatalf("expected 2 demands, got %d: %+v", len(demands), demands)
	}
	if demands[0].sku != "SKU-001" || demands[0].quantity != 5 {
		t.Fatalf("expected SKU-001 quantity 5, got %+v", demands[0])
	}
	if demands[1].sku != "SKU-002" || demands[1].quantity != 1 {
		t.Fatalf("expected SKU-002 quantity 1, got %+v", demands[1])
	}
}

func TestAggregateStockDemandRejectsInvalidLines(t *testing.T) {
	cases := []struct {
		name  string
		lines []domain.OrderLineItem
	}{
		{"BlankSKU", []domain.OrderLineItem{{SKU: " ", Quantity: 1}}},
		{"ZeroQuantity", []domain.OrderLineItem{{SKU: "SKU-001", Quantity: 0}}},
		{"NegativeQuantity", []domain.OrderLineItem{{SKU: "SKU-001", Quantity: -2}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := aggregateStockDemand("/orders/ord_1", tc.lines)
			var invErr *repositories.InventoryError
			if !errors.As(err, &invErr) {
				t.Fatalf("expected inventory error, got %v", err)
			}
		})
	}
}
