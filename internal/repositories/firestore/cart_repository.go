package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/ivorythread/api/internal/domain"
	pfirestore "github.com/ivorythread/api/internal/platform/firestore"
	"github.com/ivorythread/api/internal/repositories"
)

const cartCollection = "carts"

// CartRepository persists carts within Firestore, one document per shopper
// with line items inlined. Writes take an optional optimistic lock on the
// document's last update time.
type CartRepository struct {
	base     *pfirestore.BaseRepository[cartDocument]
	provider *pfirestore.Provider
}

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[cartDocument](provider, cartCollection, nil, nil)
	return &CartRepository{base: base, provider: provider}, nil
}

// UpsertCart persists the cart document keyed by the shopper's user ID.
func (r *CartRepository) UpsertCart(ctx context.Context, cart domain.Cart, expectedUpdatedAt *time.Time) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}

	cartID := strings.TrimSpace(cart.ID)
	if cartID == "" {
		cartID = strings.TrimSpace(cart.UserID)
	}
	if cartID == "" {
		return domain.Cart{}, errors.New("cart repository: cart id is required")
	}

	now := time.Now().UTC()
	if !cart.UpdatedAt.IsZero() {
		now = cart.UpdatedAt.UTC()
	}
	createdAt := cart.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = now
	}

	doc := newCartDocument(cart, createdAt, now)

	if expectedUpdatedAt == nil || expectedUpdatedAt.IsZero() {
		result, err := r.base.Set(ctx, cartID, doc)
		if err != nil {
			return domain.Cart{}, err
		}
		saved := doc.toDomain(cartID)
		saved.UpdatedAt = result.UpdateTime
		return saved, nil
	}

	// Set carries no precondition support, so locked writes go through
	// Update guarded on the document's last update time.
	updates := []firestore.Update{
		{Path: "currency", Value: doc.Currency},
		{Path: "items", Value: doc.Items},
		{Path: "metadata", Value: doc.Metadata},
		{Path: "updatedAt", Value: doc.UpdatedAt},
	}
	if doc.Coupon == nil {
		updates = append(updates, firestore.Update{Path: "coupon", Value: firestore.Delete})
	} else {
		updates = append(updates, firestore.Update{Path: "coupon", Value: doc.Coupon})
	}
	mutation, err := r.base.Update(ctx, cartID, updates, firestore.LastUpdateTime(expectedUpdatedAt.UTC()))
	if err != nil {
		return domain.Cart{}, err
	}
	saved := doc.toDomain(cartID)
	saved.UpdatedAt = mutation.UpdateTime
	return saved, nil
}

// GetCart loads the cart for the given user ID.
func (r *CartRepository) GetCart(ctx context.Context, userID string) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.Cart{}, errors.New("cart repository: user id is required")
	}

	doc, err := r.base.Get(ctx, uid)
	if err != nil {
		return domain.Cart{}, err
	}

	cart := doc.Data.toDomain(doc.ID)
	if !doc.UpdateTime.IsZero() {
		cart.UpdatedAt = doc.UpdateTime
	}
	return cart, nil
}

// ClearCart deletes the cart document, honoring the optimistic lock when set.
func (r *CartRepository) ClearCart(ctx context.Context, userID string, expectedUpdatedAt *time.Time) error {
	if r == nil || r.base == nil {
		return errors.New("cart repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return errors.New("cart repository: user id is required")
	}

	ref, err := r.base.DocumentRef(ctx, uid)
	if err != nil {
		return err
	}

	var preconditions []firestore.Precondition
	if expectedUpdatedAt != nil && !expectedUpdatedAt.IsZero() {
		preconditions = append(preconditions, firestore.LastUpdateTime(expectedUpdatedAt.UTC()))
	}
	if _, err := ref.Delete(ctx, preconditions...); err != nil {
		return pfirestore.WrapError("carts.clear", err)
	}
	return nil
}

type cartDocument struct {
	Currency  string             `firestore:"currency"`
	Coupon    *couponDocument    `firestore:"coupon,omitempty"`
	Items     []cartItemDocument `firestore:"items"`
	Metadata  map[string]any     `firestore:"metadata,omitempty"`
	CreatedAt time.Time          `firestore:"createdAt"`
	UpdatedAt time.Time          `firestore:"updatedAt"`
}

type cartItemDocument struct {
	ID        string         `firestore:"id"`
	ProductID string         `firestore:"productRef"`
	VariantID string         `firestore:"variantRef"`
	SKU       string         `firestore:"sku"`
	Quantity  int            `firestore:"qty"`
	UnitPrice int64          `firestore:"unitPrice"`
	Currency  string         `firestore:"currency"`
	Metadata  map[string]any `firestore:"metadata,omitempty"`
	AddedAt   time.Time      `firestore:"addedAt"`
	UpdatedAt *time.Time     `firestore:"updatedAt,omitempty"`
}

func newCartDocument(cart domain.Cart, createdAt, updatedAt time.Time) cartDocument {
	items := make([]cartItemDocument, len(cart.Items))
	for i, item := range cart.Items {
		items[i] = cartItemDocument{
			ID:        strings.TrimSpace(item.ID),
			ProductID: strings.TrimSpace(item.ProductID),
			VariantID: strings.TrimSpace(item.VariantID),
			SKU:       strings.TrimSpace(item.SKU),
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Currency:  strings.ToUpper(strings.TrimSpace(item.Currency)),
			Metadata:  item.Metadata,
			AddedAt:   item.AddedAt.UTC(),
			UpdatedAt: item.UpdatedAt,
		}
	}

	doc := cartDocument{
		Currency:  strings.ToUpper(strings.TrimSpace(cart.Currency)),
		Items:     items,
		Metadata:  cart.Metadata,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}
	if cart.Coupon != nil {
		doc.Coupon = &couponDocument{
			Code:           strings.TrimSpace(cart.Coupon.Code),
			DiscountAmount: cart.Coupon.DiscountAmount,
			Applied:        cart.Coupon.Applied,
		}
	}
	return doc
}

func (d cartDocument) toDomain(id string) domain.Cart {
	items := make([]domain.CartItem, len(d.Items))
	for i, item := range d.Items {
		items[i] = domain.CartItem{
			ID:        item.ID,
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			SKU:       item.SKU,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Currency:  item.Currency,
			Metadata:  item.Metadata,
			AddedAt:   item.AddedAt,
			UpdatedAt: item.UpdatedAt,
		}
	}

	cart := domain.Cart{
		ID:        id,
		UserID:    id,
		Currency:  d.Currency,
		Items:     items,
		Metadata:  d.Metadata,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
	if d.Coupon != nil {
		cart.Coupon = &domain.CartCoupon{
			Code:           d.Coupon.Code,
			DiscountAmount: d.Coupon.DiscountAmount,
			Applied:        d.Coupon.Applied,
		}
	}
	return cart
}

var _ repositories.CartRepository = (*CartRepository)(nil)
