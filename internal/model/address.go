package model

import "time"

// ShippingAddress is referenced, never owned, by orders and sessions. There
// is no update path: once created it is immutable.
type ShippingAddress struct {
	ID         string    `db:"id" json:"id"`
	UserID     string    `db:"user_id" json:"user_id"`
	FullName   string    `db:"full_name" json:"full_name"`
	Line1      string    `db:"line1" json:"line1"`
	Line2      string    `db:"line2" json:"line2"`
	City       string    `db:"city" json:"city"`
	PostalCode string    `db:"postal_code" json:"postal_code"`
	Country    string    `db:"country" json:"country"`
	Phone      string    `db:"phone" json:"phone"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}
