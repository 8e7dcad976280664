package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/ivorythread/api/internal/domain"
	pfirestore "github.com/ivorythread/api/internal/platform/firestore"
	"github.com/ivorythread/api/internal/repositories"
)

const variantsCollection = "variants"

// VariantRepository reads purchasable variant projections maintained by the
// catalog admin surface. This service never writes variants.
type VariantRepository struct {
	base *pfirestore.BaseRepository[variantDocument]
}

// NewVariantRepository constructs a Firestore-backed variant reader.
func NewVariantRepository(provider *pfirestore.Provider) (*VariantRepository, error) {
	if provider == nil {
		return nil, errors.New("variant repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[variantDocument](provider, variantsCollection, nil, nil)
	return &VariantRepository{base: base}, nil
}

// FindByID loads a single variant.
func (r *VariantRepository) FindByID(ctx context.Context, variantID string) (domain.Variant, error) {
	if r == nil || r.base == nil {
		return domain.Variant{}, errors.New("variant repository not initialised")
	}
	id := strings.TrimSpace(variantID)
	if id == "" {
		return domain.Variant{}, errors.New("variant repository: variant id is required")
	}

	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Variant{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindByIDs loads variants keyed by id. Missing ids are simply absent from
// the result map so callers can report the offending line precisely.
func (r *VariantRepository) FindByIDs(ctx context.Context, variantIDs []string) (map[string]domain.Variant, error) {
	if r == nil || r.base == nil {
		return nil, errors.New("variant repository not initialised")
	}

	results := make(map[string]domain.Variant, len(variantIDs))
	for _, variantID := range variantIDs {
		id := strings.TrimSpace(variantID)
		if id == "" {
			continue
		}
		if _, ok := results[id]; ok {
			continue
		}
		doc, err := r.base.Get(ctx, id)
		if err != nil {
			var repoErr *pfirestore.Error
			if errors.As(err, &repoErr) && repoErr.IsNotFound() {
				continue
			}
			return nil, err
		}
		results[id] = doc.Data.toDomain(doc.ID)
	}
	return results, nil
}

type variantDocument struct {
	ProductRef     string         `firestore:"productRef"`
	SKU            string         `firestore:"sku"`
	Name           string         `firestore:"name"`
	ImageURL       string         `firestore:"imageUrl,omitempty"`
	Attributes     map[string]any `firestore:"attributes,omitempty"`
	UnitPrice      int64          `firestore:"unitPrice"`
	Currency       string         `firestore:"currency"`
	Stock          int            `firestore:"stock"`
	IsActive       bool           `firestore:"isActive"`
	PriceOnRequest bool           `firestore:"priceOnRequest"`
	UpdatedAt      time.Time      `firestore:"updatedAt"`
}

func (d variantDocument) toDomain(id string) domain.Variant {
	return domain.Variant{
		ID:             id,
		ProductID:      strings.TrimSpace(d.ProductRef),
		SKU:            strings.TrimSpace(d.SKU),
		Name:           d.Name,
		ImageURL:       d.ImageURL,
		Attributes:     d.Attributes,
		UnitPrice:      d.UnitPrice,
		Currency:       strings.ToUpper(strings.TrimSpace(d.Currency)),
		Stock:          d.Stock,
		IsActive:       d.IsActive,
		PriceOnRequest: d.PriceOnRequest,
		UpdatedAt:      d.UpdatedAt,
	}
}

var _ repositories.VariantRepository = (*VariantRepository)(nil)
