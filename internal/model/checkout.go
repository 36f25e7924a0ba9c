package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

type SessionStatus string

const (
	SessionInProgress SessionStatus = "IN_PROGRESS"
	SessionCompleted  SessionStatus = "COMPLETED"
	SessionFailed     SessionStatus = "FAILED"
)

func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

type CartItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// Cart is the snapshot of items a session was started with. It is stored as
// a JSON column; the value is a string so the driver does not send bytea.
type Cart []CartItem

func (c Cart) Value() (driver.Value, error) {
	if c == nil {
		return "[]", nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (c *Cart) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*c = nil
		return nil
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return errors.New("cart: unsupported column type")
	}
	return json.Unmarshal(data, c)
}

// CheckoutSession coordinates cart, payment and order. It is not
// authoritative for money or stock.
type CheckoutSession struct {
	ID                string          `db:"id" json:"id"`
	UserID            string          `db:"user_id" json:"user_id"`
	Status            SessionStatus   `db:"status" json:"status"`
	Cart              Cart            `db:"cart" json:"cart"`
	ShippingAddressID string          `db:"shipping_address_id" json:"shipping_address_id"`
	PaymentID         *string         `db:"payment_id" json:"payment_id,omitempty"`
	OrderID           *int64          `db:"order_id" json:"-"`
	Total             decimal.Decimal `db:"total" json:"total"`
	FailureReason     string          `db:"failure_reason" json:"failure_reason,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

func (s *CheckoutSession) Clone() *CheckoutSession {
	c := *s
	c.Cart = append(Cart(nil), s.Cart...)
	if s.PaymentID != nil {
		id := *s.PaymentID
		c.PaymentID = &id
	}
	if s.OrderID != nil {
		id := *s.OrderID
		c.OrderID = &id
	}
	return &c
}
