package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/ivorythread/api/internal/domain"
	"github.com/ivorythread/api/internal/repositories"
)

const maxCartLineQuantity = 99

// ErrCartInvalidInput indicates the caller supplied invalid input.
var ErrCartInvalidInput = errors.New("cart service: invalid input")

// ErrCartUnavailable indicates the cart service cannot fulfil the request due to backend issues.
var ErrCartUnavailable = errors.New("cart service: unavailable")

// ErrCartNotFound indicates the requested cart or line does not exist.
var ErrCartNotFound = errors.New("cart service: not found")

// ErrCartConflict indicates the cart could not be updated due to concurrent modifications.
var ErrCartConflict = errors.New("cart service: conflict")

// CouponResolver validates a coupon code and returns its discount in subunits.
type CouponResolver interface {
	Resolve(ctx context.Context, code string, subtotal int64) (domain.CartCoupon, error)
}

// CouponResolverFunc adapts ordinary functions to CouponResolver.
type CouponResolverFunc func(ctx context.Context, code string, subtotal int64) (domain.CartCoupon, error)

// Resolve resolves the coupon using the wrapped function.
func (f CouponResolverFunc) Resolve(ctx context.Context, code string, subtotal int64) (domain.CartCoupon, error) {
	return f(ctx, code, subtotal)
}

// CartServiceDeps wires the repository and catalog dependencies for cart operations.
type CartServiceDeps struct {
	Repository      repositories.CartRepository
	Variants        repositories.VariantRepository
	Coupons         CouponResolver
	Clock           func() time.Time
	DefaultCurrency string
	Logger          func(context.Context, string, map[string]any)
	IDGenerator     func() string
}

type cartService struct {
	repo     repositories.CartRepository
	variants repositories.VariantRepository
	coupons  CouponResolver
	newID    func() string
	now      func() time.Time
	currency string
	logger   func(context.Context, string, map[string]any)
}

// NewCartService constructs a CartService enforcing dependency validation.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Repository == nil {
		return nil, errors.New("cart service: repository is required")
	}
	if deps.Variants == nil {
		return nil, errors.New("cart service: variant repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	defaultCurrency := strings.ToUpper(strings.TrimSpace(deps.DefaultCurrency))
	if defaultCurrency == "" {
		defaultCurrency = "USD"
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}

	return &cartService{
		repo:     deps.Repository,
		variants: deps.Variants,
		coupons:  deps.Coupons,
		newID:    idGen,
		now:      func() time.Time { return clock().UTC() },
		currency: defaultCurrency,
		logger:   logger,
	}, nil
}

// GetCart loads the cart for the user, creating an empty one when absent.
func (s *cartService) GetCart(ctx context.Context, userID string) (domain.Cart, error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.Cart{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}

	cart, err := s.repo.GetCart(ctx, uid)
	if err != nil {
		if isNotFound(err) {
			saved, saveErr := s.repo.UpsertCart(ctx, s.newCart(uid), nil)
			if saveErr != nil {
				return domain.Cart{}, s.translateRepoError(saveErr)
			}
			return saved, nil
		}
		return domain.Cart{}, s.translateRepoError(err)
	}
	return cart, nil
}

// PutItem upserts one variant line. Quantity replaces the existing line;
// zero removes it. Prices on cart lines are informational; checkout re-reads
// the catalog before freezing.
func (s *cartService) PutItem(ctx context.Context, userID string, input CartItemInput) (domain.Cart, error) {
	variantID := strings.TrimSpace(input.VariantID)
	if variantID == "" {
		return domain.Cart{}, fmt.Errorf("%w: variant id is required", ErrCartInvalidInput)
	}
	if input.Quantity < 0 || input.Quantity > maxCartLineQuantity {
		return domain.Cart{}, fmt.Errorf("%w: quantity must be between 0 and %d", ErrCartInvalidInput, maxCartLineQuantity)
	}

	cart, err := s.GetCart(ctx, userID)
	if err != nil {
		return domain.Cart{}, err
	}

	if input.Quantity == 0 {
		return s.removeLine(ctx, cart, func(item domain.CartItem) bool {
			return item.VariantID == variantID
		})
	}

	variant, err := s.variants.FindByID(ctx, variantID)
	if err != nil {
		if isNotFound(err) {
			return domain.Cart{}, fmt.Errorf("%w: variant %s", ErrCartNotFound, variantID)
		}
		return domain.Cart{}, s.translateRepoError(err)
	}
	if !variant.IsActive {
		return domain.Cart{}, fmt.Errorf("%w: variant %s is inactive", ErrCartInvalidInput, variantID)
	}
	if cart.Currency != "" && len(cart.Items) > 0 && !strings.EqualFold(cart.Currency, variant.Currency) {
		return domain.Cart{}, fmt.Errorf("%w: variant priced in %s, cart is %s", ErrCartInvalidInput, variant.Currency, cart.Currency)
	}

	now := s.now()
	found := false
	for i := range cart.Items {
		if cart.Items[i].VariantID == variantID {
			cart.Items[i].Quantity = input.Quantity
			cart.Items[i].UnitPrice = variant.UnitPrice
			cart.Items[i].UpdatedAt = &now
			found = true
			break
		}
	}
	if !found {
		cart.Items = append(cart.Items, domain.CartItem{
			ID:        "cli_" + s.newID(),
			ProductID: variant.ProductID,
			VariantID: variant.ID,
			SKU:       variant.SKU,
			Quantity:  input.Quantity,
			UnitPrice: variant.UnitPrice,
			Currency:  variant.Currency,
			AddedAt:   now,
		})
	}
	if cart.Currency == "" {
		cart.Currency = variant.Currency
	}

	return s.save(ctx, cart)
}

func (s *cartService) RemoveItem(ctx context.Context, userID, itemID string) (domain.Cart, error) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return domain.Cart{}, fmt.Errorf("%w: item id is required", ErrCartInvalidInput)
	}
	cart, err := s.GetCart(ctx, userID)
	if err != nil {
		return domain.Cart{}, err
	}
	return s.removeLine(ctx, cart, func(item domain.CartItem) bool {
		return item.ID == itemID
	})
}

// ApplyCoupon validates the code against the current subtotal and records
// the discount snapshot on the cart.
func (s *cartService) ApplyCoupon(ctx context.Context, userID, code string) (domain.Cart, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return domain.Cart{}, fmt.Errorf("%w: coupon code is required", ErrCartInvalidInput)
	}
	if s.coupons == nil {
		return domain.Cart{}, fmt.Errorf("%w: coupons are not enabled", ErrCartInvalidInput)
	}

	cart, err := s.GetCart(ctx, userID)
	if err != nil {
		return domain.Cart{}, err
	}
	if len(cart.Items) == 0 {
		return domain.Cart{}, fmt.Errorf("%w: cannot apply coupon to an empty cart", ErrCartInvalidInput)
	}

	var subtotal int64
	for _, item := range cart.Items {
		subtotal += item.UnitPrice * int64(item.Quantity)
	}
	coupon, err := s.coupons.Resolve(ctx, code, subtotal)
	if err != nil {
		return domain.Cart{}, err
	}
	cart.Coupon = &coupon

	return s.save(ctx, cart)
}

func (s *cartService) Clear(ctx context.Context, userID string) error {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	if err := s.repo.ClearCart(ctx, uid, nil); err != nil && !isNotFound(err) {
		return s.translateRepoError(err)
	}
	return nil
}

func (s *cartService) removeLine(ctx context.Context, cart domain.Cart, match func(domain.CartItem) bool) (domain.Cart, error) {
	items := cart.Items[:0]
	removed := false
	for _, item := range cart.Items {
		if match(item) {
			removed = true
			continue
		}
		items = append(items, item)
	}
	if !removed {
		return domain.Cart{}, fmt.Errorf("%w: cart line", ErrCartNotFound)
	}
	cart.Items = items
	if len(cart.Items) == 0 {
		cart.Coupon = nil
		cart.Currency = ""
	}
	return s.save(ctx, cart)
}

// save persists the cart under an optimistic lock on its last update time, so
// two concurrent edits to the same cart cannot silently overwrite each other.
func (s *cartService) save(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
	expected := cart.UpdatedAt
	cart.UpdatedAt = s.now()
	saved, err := s.repo.UpsertCart(ctx, cart, &expected)
	if err != nil {
		return domain.Cart{}, s.translateRepoError(err)
	}
	return saved, nil
}

func (s *cartService) newCart(userID string) domain.Cart {
	now := s.now()
	return domain.Cart{
		ID:        "cart_" + s.newID(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *cartService) translateRepoError(err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return ErrCartNotFound
		case repoErr.IsConflict():
			return ErrCartConflict
		}
	}
	return ErrCartUnavailable
}
