package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentSuccess PaymentStatus = "success"
	PaymentFailed  PaymentStatus = "failed"
)

func (s PaymentStatus) Valid() bool {
	switch s {
	case PaymentPending, PaymentSuccess, PaymentFailed:
		return true
	}
	return false
}

// PaymentRecord mirrors one gateway intent. OrderID is nil while the record
// belongs to a checkout session whose order does not exist yet; IntentID is
// nil until the gateway has answered.
type PaymentRecord struct {
	ID        string          `db:"id" json:"id"`
	OrderID   *int64          `db:"order_id" json:"-"`
	UserID    string          `db:"user_id" json:"user_id"`
	Amount    decimal.Decimal `db:"amount" json:"amount"`
	Currency  string          `db:"currency" json:"currency"`
	Status    PaymentStatus   `db:"status" json:"status"`
	IntentID  *string         `db:"intent_id" json:"intent_id,omitempty"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}

func (p *PaymentRecord) Clone() *PaymentRecord {
	c := *p
	if p.OrderID != nil {
		id := *p.OrderID
		c.OrderID = &id
	}
	if p.IntentID != nil {
		id := *p.IntentID
		c.IntentID = &id
	}
	return &c
}
