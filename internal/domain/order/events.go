package order

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/example/ec-checkout/internal/model"
)

const EventOrderCreated = "OrderCreated"

type EventItem struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

// OrderCreated is the payload published to the broker after commit.
type OrderCreated struct {
	EventType         string          `json:"event_type"`
	OrderID           string          `json:"order_id"`
	UserID            string          `json:"user_id"`
	ShippingAddressID string          `json:"shipping_address_id"`
	Items             []EventItem     `json:"items"`
	Total             decimal.Decimal `json:"total"`
	CreatedAt         time.Time       `json:"created_at"`
}

func NewOrderCreated(o *model.Order) OrderCreated {
	items := make([]EventItem, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, EventItem{ProductID: it.ProductID, Quantity: it.Quantity, UnitPrice: it.UnitPrice})
	}
	return OrderCreated{
		EventType:         EventOrderCreated,
		OrderID:           o.UUID,
		UserID:            o.UserID,
		ShippingAddressID: o.ShippingAddressID,
		Items:             items,
		Total:             o.Total,
		CreatedAt:         o.CreatedAt,
	}
}
