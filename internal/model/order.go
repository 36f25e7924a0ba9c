package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderPaid      OrderStatus = "paid"
	OrderShipped   OrderStatus = "shipped"
	OrderCancelled OrderStatus = "cancelled"
)

// orderTransitions defines allowed order state transitions
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:   {OrderPaid, OrderCancelled},
	OrderPaid:      {OrderShipped, OrderCancelled},
	OrderShipped:   {}, // terminal state
	OrderCancelled: {}, // terminal state
}

// Order is owned by the order service at creation. ID is the surrogate key,
// UUID is the identifier exposed to clients.
type Order struct {
	ID                int64           `db:"id" json:"-"`
	UUID              string          `db:"uuid" json:"id"`
	UserID            string          `db:"user_id" json:"user_id"`
	Status            OrderStatus     `db:"status" json:"status"`
	ShippingAddressID string          `db:"shipping_address_id" json:"shipping_address_id"`
	Total             decimal.Decimal `db:"total" json:"total"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
	Items             []OrderItem     `db:"-" json:"items"`
}

// OrderItem captures the unit price at the moment stock was reserved.
type OrderItem struct {
	ID        int64           `db:"id" json:"-"`
	OrderID   int64           `db:"order_id" json:"-"`
	ProductID string          `db:"product_id" json:"product_id"`
	Quantity  int             `db:"quantity" json:"quantity"`
	UnitPrice decimal.Decimal `db:"unit_price" json:"unit_price"`
}

func (i OrderItem) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// CanTransitionTo checks if the order can transition to the target status
func (o *Order) CanTransitionTo(target OrderStatus) bool {
	for _, s := range orderTransitions[o.Status] {
		if s == target {
			return true
		}
	}
	return false
}

// Clone returns a deep copy, items included.
func (o *Order) Clone() *Order {
	c := *o
	c.Items = append([]OrderItem(nil), o.Items...)
	return &c
}
