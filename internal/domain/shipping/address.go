package shipping

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/ec-checkout/internal/apperror"
	"github.com/example/ec-checkout/internal/infrastructure/store"
	"github.com/example/ec-checkout/internal/model"
)

var (
	ErrAddressNotFound = apperror.NotFound("shipping address not found")
	ErrInvalidAddress  = apperror.Validation("invalid shipping address")
)

// AddressInput is the client-provided part of a shipping address.
type AddressInput struct {
	FullName   string `json:"full_name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone"`
}

// Validate reports the first missing or malformed field.
func (in AddressInput) Validate() error {
	required := []struct {
		name, value string
	}{
		{"full_name", in.FullName},
		{"line1", in.Line1},
		{"city", in.City},
		{"postal_code", in.PostalCode},
		{"country", in.Country},
	}
	for _, f := range required {
		if strings.TrimSpace(f.value) == "" {
			return apperror.Wrap(ErrInvalidAddress, "%s is required", f.name)
		}
	}
	if len(strings.TrimSpace(in.Country)) != 2 {
		return apperror.Wrap(ErrInvalidAddress, "country must be a two-letter code")
	}
	return nil
}

type Service struct {
	store store.Store
	now   func() time.Time
}

func NewService(s store.Store) *Service {
	return &Service{store: s, now: time.Now}
}

func (s *Service) Create(ctx context.Context, userID string, in AddressInput) (*model.ShippingAddress, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	a := &model.ShippingAddress{
		ID:         uuid.New().String(),
		UserID:     userID,
		FullName:   strings.TrimSpace(in.FullName),
		Line1:      strings.TrimSpace(in.Line1),
		Line2:      strings.TrimSpace(in.Line2),
		City:       strings.TrimSpace(in.City),
		PostalCode: strings.TrimSpace(in.PostalCode),
		Country:    strings.ToUpper(strings.TrimSpace(in.Country)),
		Phone:      strings.TrimSpace(in.Phone),
		CreatedAt:  s.now(),
	}
	if err := s.store.InsertAddress(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

func (s *Service) Get(ctx context.Context, userID, id string) (*model.ShippingAddress, error) {
	return Lookup(ctx, s.store, userID, id)
}

// Lookup returns the address only if it belongs to userID. A foreign
// address is reported exactly like a missing one.
func Lookup(ctx context.Context, tx store.Tx, userID, id string) (*model.ShippingAddress, error) {
	a, err := tx.GetAddress(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperror.Wrap(ErrAddressNotFound, "%s", id)
	}
	if err != nil {
		return nil, err
	}
	if a.UserID != userID {
		return nil, apperror.Wrap(ErrAddressNotFound, "%s", id)
	}
	return a, nil
}
