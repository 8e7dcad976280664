package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/ivorythread/api/internal/domain"
	pfirestore "github.com/ivorythread/api/internal/platform/firestore"
	"github.com/ivorythread/api/internal/repositories"
)

const (
	inventoryCollection   = "inventory"
	stockEventsCollection = "stockEvents"
)

// InventoryRepository tracks per-SKU on-hand counters. There is no
// reservation ledger: stock is decremented exactly once per order inside the
// reconcile transaction owned by OrderRepository, which calls into the
// in-package transaction helpers below.
type InventoryRepository struct {
	provider *pfirestore.Provider
	stocks   *pfirestore.BaseRepository[stockDocument]
}

// NewInventoryRepository constructs a Firestore-backed inventory repository.
func NewInventoryRepository(provider *pfirestore.Provider) (*InventoryRepository, error) {
	if provider == nil {
		return nil, errors.New("inventory repository requires firestore provider")
	}
	stocks := pfirestore.NewBaseRepository[stockDocument](provider, inventoryCollection, nil, nil)
	return &InventoryRepository{provider: provider, stocks: stocks}, nil
}

// GetStock returns the current stock counter for a SKU.
func (r *InventoryRepository) GetStock(ctx context.Context, sku string) (domain.InventoryStock, error) {
	if r == nil || r.stocks == nil {
		return domain.InventoryStock{}, errors.New("inventory repository not initialised")
	}
	sku = strings.TrimSpace(sku)
	if sku == "" {
		return domain.InventoryStock{}, repositories.NewInventoryError(repositories.InventoryErrorUnknown, "inventory get: sku is required", nil)
	}

	doc, err := r.stocks.Get(ctx, sku)
	if err != nil {
		var repoErr *pfirestore.Error
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return domain.InventoryStock{}, repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, fmt.Sprintf("stock %s not found", sku), err)
		}
		return domain.InventoryStock{}, wrapInventoryError("inventory.get", err)
	}
	return doc.Data.toDomain(doc.ID), nil
}

// AdjustOnHand applies a manual on-hand delta, creating the stock record when
// the delta is positive and no record exists. Used by operators to restock
// and to resolve fulfillment holds.
func (r *InventoryRepository) AdjustOnHand(ctx context.Context, req repositories.InventoryAdjustRequest) (domain.InventoryStock, error) {
	if r == nil || r.provider == nil {
		return domain.InventoryStock{}, errors.New("inventory repository not initialised")
	}
	sku := strings.TrimSpace(req.SKU)
	if sku == "" {
		return domain.InventoryStock{}, repositories.NewInventoryError(repositories.InventoryErrorUnknown, "inventory adjust: sku is required", nil)
	}
	if req.Delta == 0 {
		return domain.InventoryStock{}, repositories.NewInventoryError(repositories.InventoryErrorUnknown, "inventory adjust: delta must not be zero", nil)
	}

	now := req.Now.UTC()
	var updated domain.InventoryStock

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		stockRef, err := r.stocks.DocumentRef(ctx, sku)
		if err != nil {
			return err
		}

		var doc stockDocument
		snap, err := tx.Get(stockRef)
		if err != nil {
			if status.Code(err) != codes.NotFound {
				return err
			}
			if req.Delta < 0 {
				return repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, fmt.Sprintf("stock %s not found", sku), err)
			}
			doc = stockDocument{SKU: sku}
		} else if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode inventory stock %s: %w", sku, err)
		}

		if doc.OnHand+req.Delta < 0 {
			return repositories.NewInventoryError(repositories.InventoryErrorInsufficientStock, fmt.Sprintf("adjustment would drop %s below zero", sku), nil)
		}
		doc.SKU = sku
		doc.OnHand += req.Delta
		doc.UpdatedAt = now
		if err := tx.Set(stockRef, doc); err != nil {
			return err
		}

		if err := appendStockEventTx(ctx, tx, r.provider, stockEventDocument{
			Type:       "manual_adjustment",
			OrderRef:   strings.TrimSpace(req.OrderRef),
			SKU:        sku,
			VariantRef: doc.VariantRef,
			Delta:      req.Delta,
			OnHand:     doc.OnHand,
			Reason:     strings.TrimSpace(req.Reason),
			OccurredAt: now,
		}); err != nil {
			return err
		}

		updated = doc.toDomain(sku)
		return nil
	})
	if err != nil {
		return domain.InventoryStock{}, wrapInventoryError("inventory.adjust", err)
	}
	return updated, nil
}

// stockDemand is the combined ordered quantity for one SKU.
type stockDemand struct {
	sku      string
	quantity int
}

// aggregateStockDemand folds order lines into one demand per SKU, keeping
// first-seen order. Repeated lines for the same SKU must decrement one
// counter by their combined quantity, not overwrite each other.
func aggregateStockDemand(orderRef string, lines []domain.OrderLineItem) ([]stockDemand, error) {
	demands := make([]stockDemand, 0, len(lines))
	index := make(map[string]int, len(lines))
	for _, line := range lines {
		sku := strings.TrimSpace(line.SKU)
		if sku == "" || line.Quantity <= 0 {
			return nil, repositories.NewInventoryError(repositories.InventoryErrorUnknown, fmt.Sprintf("invalid line for order %s", orderRef), nil)
		}
		if at, ok := index[sku]; ok {
			demands[at].quantity += line.Quantity
			continue
		}
		index[sku] = len(demands)
		demands = append(demands, stockDemand{sku: sku, quantity: line.Quantity})
	}
	return demands, nil
}

// decrementStocksTx decrements on-hand counters for the given lines inside an
// existing transaction. Lines are aggregated per SKU first, and each decrement
// is conditioned on the counter covering the combined quantity at decrement
// time; when any SKU falls short, no write happens and the short SKUs are
// returned so the caller can place the order on fulfillment hold instead of
// overselling.
func decrementStocksTx(ctx context.Context, tx *firestore.Transaction, stocks *pfirestore.BaseRepository[stockDocument], provider *pfirestore.Provider, orderRef string, lines []domain.OrderLineItem, now time.Time) ([]string, error) {
	type pendingWrite struct {
		ref   *firestore.DocumentRef
		doc   stockDocument
		delta int
	}

	demands, err := aggregateStockDemand(orderRef, lines)
	if err != nil {
		return nil, err
	}

	var (
		writes    []pendingWrite
		shortfall []string
	)

	for _, demand := range demands {
		stockRef, err := stocks.DocumentRef(ctx, demand.sku)
		if err != nil {
			return nil, err
		}
		snap, err := tx.Get(stockRef)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				shortfall = append(shortfall, demand.sku)
				continue
			}
			return nil, err
		}
		var doc stockDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode inventory stock %s: %w", demand.sku, err)
		}
		if doc.OnHand < demand.quantity {
			shortfall = append(shortfall, demand.sku)
			continue
		}
		doc.SKU = demand.sku
		doc.OnHand -= demand.quantity
		doc.UpdatedAt = now
		writes = append(writes, pendingWrite{ref: stockRef, doc: doc, delta: -demand.quantity})
	}

	if len(shortfall) > 0 {
		return shortfall, nil
	}

	for _, write := range writes {
		if err := tx.Set(write.ref, write.doc); err != nil {
			return nil, err
		}
		if err := appendStockEventTx(ctx, tx, provider, stockEventDocument{
			Type:       "order_decrement",
			OrderRef:   orderRef,
			SKU:        write.doc.SKU,
			VariantRef: write.doc.VariantRef,
			Delta:      write.delta,
			OnHand:     write.doc.OnHand,
			OccurredAt: now,
		}); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func appendStockEventTx(ctx context.Context, tx *firestore.Transaction, provider *pfirestore.Provider, event stockEventDocument) error {
	client, err := provider.Client(ctx)
	if err != nil {
		return err
	}
	ref := client.Collection(stockEventsCollection).NewDoc()
	return tx.Create(ref, event)
}

// Helper structures ---------------------------------------------------------

type stockDocument struct {
	SKU        string    `firestore:"sku"`
	VariantRef string    `firestore:"variantRef,omitempty"`
	ProductRef string    `firestore:"productRef,omitempty"`
	OnHand     int       `firestore:"onHand"`
	UpdatedAt  time.Time `firestore:"updatedAt"`
}

func (s stockDocument) toDomain(id string) domain.InventoryStock {
	return domain.InventoryStock{
		SKU:        id,
		VariantRef: strings.TrimSpace(s.VariantRef),
		ProductRef: strings.TrimSpace(s.ProductRef),
		OnHand:     s.OnHand,
		UpdatedAt:  s.UpdatedAt,
	}
}

type stockEventDocument struct {
	Type       string    `firestore:"type"`
	OrderRef   string    `firestore:"orderRef,omitempty"`
	SKU        string    `firestore:"sku"`
	VariantRef string    `firestore:"variantRef,omitempty"`
	Delta      int       `firestore:"delta"`
	OnHand     int       `firestore:"onHand"`
	Reason     string    `firestore:"reason,omitempty"`
	OccurredAt time.Time `firestore:"occurredAt"`
}

func wrapInventoryError(op string, err error) error {
	if err == nil {
		return nil
	}
	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		if invErr.Op == "" {
			invErr.Op = op
		}
		return invErr
	}
	return pfirestore.WrapError(op, err)
}
