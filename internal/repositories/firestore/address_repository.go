package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/ivorythread/api/internal/domain"
	pfirestore "github.com/ivorythread/api/internal/platform/firestore"
	"github.com/ivorythread/api/internal/repositories"
)

const addressCollectionPattern = "users/%s/addresses"

// AddressRepository reads saved shipping addresses owned by a shopper.
// Address management itself lives in the account surface; checkout only
// resolves an address id into a snapshot copied onto the order.
type AddressRepository struct {
	provider *pfirestore.Provider
}

// NewAddressRepository constructs a Firestore-backed address repository.
func NewAddressRepository(provider *pfirestore.Provider) (*AddressRepository, error) {
	if provider == nil {
		return nil, errors.New("address repository requires firestore provider")
	}
	return &AddressRepository{provider: provider}, nil
}

// FindByID loads a single address owned by the user.
func (r *AddressRepository) FindByID(ctx context.Context, userID string, addressID string) (domain.Address, error) {
	if r == nil || r.provider == nil {
		return domain.Address{}, errors.New("address repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.Address{}, errors.New("address repository: user id is required")
	}
	id := strings.TrimSpace(addressID)
	if id == "" {
		return domain.Address{}, errors.New("address repository: address id is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Address{}, err
	}

	snap, err := client.Collection(fmt.Sprintf(addressCollectionPattern, uid)).Doc(id).Get(ctx)
	if err != nil {
		return domain.Address{}, pfirestore.WrapError("addresses.find", err)
	}

	var doc userAddressDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Address{}, fmt.Errorf("decode address %s: %w", id, err)
	}
	return doc.toDomain(snap.Ref.ID), nil
}

type userAddressDocument struct {
	Recipient  string    `firestore:"recipient"`
	Line1      string    `firestore:"line1"`
	Line2      *string   `firestore:"line2,omitempty"`
	City       string    `firestore:"city"`
	State      *string   `firestore:"state,omitempty"`
	PostalCode string    `firestore:"postalCode"`
	Country    string    `firestore:"country"`
	Phone      *string   `firestore:"phone,omitempty"`
	UpdatedAt  time.Time `firestore:"updatedAt"`
}

func (d userAddressDocument) toDomain(id string) domain.Address {
	return domain.Address{
		ID:         id,
		Recipient:  d.Recipient,
		Line1:      d.Line1,
		Line2:      d.Line2,
		City:       d.City,
		State:      d.State,
		PostalCode: d.PostalCode,
		Country:    d.Country,
		Phone:      d.Phone,
	}
}

var _ repositories.AddressRepository = (*AddressRepository)(nil)
