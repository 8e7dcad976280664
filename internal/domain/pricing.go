package domain

// PricingBreakdown captures the aggregated monetary results of pricing a
// frozen line-item snapshot. All fields are integer subunits.
type PricingBreakdown struct {
	Currency string
	Subtotal int64
	Discount int64
	Tax      int64
	Shipping int64
	Total    int64
	Items    []ItemPricingBreakdown
}

// ItemPricingBreakdown stores the per-line pricing outputs after running the engine.
type ItemPricingBreakdown struct {
	SKU      string
	Quantity int
	Subtotal int64
}
