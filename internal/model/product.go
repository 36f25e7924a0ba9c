// Package model holds the persistent records shared by the domain services
// and the store implementations.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product is owned by the catalog. The checkout core only reads it and
// mutates Stock under a row lock.
type Product struct {
	ID        string          `db:"id" json:"id"`
	Name      string          `db:"name" json:"name"`
	Price     decimal.Decimal `db:"price" json:"price"`
	Stock     int             `db:"stock" json:"stock"`
	UpdatedAt time.Time       `db:"updated_at" json:"updated_at"`
}
