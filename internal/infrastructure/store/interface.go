package store

import (
	"context"
	"errors"
	"time"

	"github.com/example/ec-checkout/internal/model"
)

var (
	ErrNotFound    = errors.New("store: record not found")
	ErrDuplicate   = errors.New("store: duplicate record")
	ErrLockTimeout = errors.New("store: lock wait timeout")
)

// Tx is the set of operations available to the domain services. Lock*
// methods take an exclusive row lock held until the surrounding transaction
// ends; outside RunInTx they behave like plain reads.
type Tx interface {
	GetProduct(ctx context.Context, id string) (*model.Product, error)
	LockProduct(ctx context.Context, id string) (*model.Product, error)
	UpdateProductStock(ctx context.Context, id string, stock int) error

	// InsertOrder assigns the surrogate ids of the order and its items.
	InsertOrder(ctx context.Context, o *model.Order) error
	GetOrder(ctx context.Context, id int64) (*model.Order, error)
	GetOrderByUUID(ctx context.Context, uuid string) (*model.Order, error)
	LockOrder(ctx context.Context, id int64) (*model.Order, error)
	UpdateOrderStatus(ctx context.Context, id int64, status model.OrderStatus, at time.Time) error
	ListOrdersByUser(ctx context.Context, userID string) ([]*model.Order, error)
	ListExpiredOrderIDs(ctx context.Context, createdBefore time.Time, limit int) ([]int64, error)

	// InsertPayment returns ErrDuplicate when the order or intent already has a record.
	InsertPayment(ctx context.Context, p *model.PaymentRecord) error
	GetPayment(ctx context.Context, id string) (*model.PaymentRecord, error)
	GetPaymentByOrder(ctx context.Context, orderID int64) (*model.PaymentRecord, error)
	GetPaymentByIntent(ctx context.Context, intentID string) (*model.PaymentRecord, error)
	LockPaymentByIntent(ctx context.Context, intentID string) (*model.PaymentRecord, error)
	UpdatePayment(ctx context.Context, p *model.PaymentRecord) error
	DeletePayment(ctx context.Context, id string) error

	InsertSession(ctx context.Context, s *model.CheckoutSession) error
	GetSession(ctx context.Context, id string) (*model.CheckoutSession, error)
	LockSession(ctx context.Context, id string) (*model.CheckoutSession, error)
	UpdateSession(ctx context.Context, s *model.CheckoutSession) error

	InsertAddress(ctx context.Context, a *model.ShippingAddress) error
	GetAddress(ctx context.Context, id string) (*model.ShippingAddress, error)

	// GetUserEmail reads from the user directory owned by account management.
	GetUserEmail(ctx context.Context, userID string) (string, error)
}

// Store runs fn in one transaction: everything fn wrote is committed when it
// returns nil and rolled back otherwise.
type Store interface {
	Tx
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
