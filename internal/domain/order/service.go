package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/example/ec-checkout/internal/apperror"
	"github.com/example/ec-checkout/internal/domain/inventory"
	"github.com/example/ec-checkout/internal/domain/shipping"
	"github.com/example/ec-checkout/internal/infrastructure/store"
	"github.com/example/ec-checkout/internal/model"
)

var (
	ErrOrderNotFound    = apperror.NotFound("order not found")
	ErrEmptyItems       = apperror.Validation("order must have at least one item")
	ErrInvalidStatus    = apperror.Conflict("invalid order status transition")
	ErrOrderAlreadyPaid = apperror.Conflict("order is already paid")
	ErrOrderShipped     = apperror.Conflict("cannot cancel shipped order")
	ErrOrderCancelled   = apperror.Conflict("order is already cancelled")
)

// ItemRequest is one requested line of a new order.
type ItemRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// Notifier is told about every committed order. Implementations must not
// block; a returned error is logged and otherwise ignored.
type Notifier interface {
	OrderCreated(ctx context.Context, o *model.Order) error
}

type Service struct {
	store    store.Store
	ledger   *inventory.Ledger
	notifier Notifier
	logger   zerolog.Logger
	created  prometheus.Counter
	now      func() time.Time
}

func NewService(s store.Store, ledger *inventory.Ledger, notifier Notifier, logger zerolog.Logger) *Service {
	return &Service{
		store:    s,
		ledger:   ledger,
		notifier: notifier,
		logger:   logger.With().Str("component", "order").Logger(),
		now:      time.Now,
	}
}

// Create reserves stock for every item and persists a pending order, all in
// one transaction. Nothing is written when any item fails.
func (s *Service) Create(ctx context.Context, userID string, items []ItemRequest, shippingAddressID string) (*model.Order, error) {
	var created *model.Order
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		o, err := s.CreateTx(ctx, tx, userID, items, shippingAddressID)
		if err != nil {
			return err
		}
		created = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.NotifyCreated(ctx, created)
	return created, nil
}

// CreateTx does the work of Create inside the caller's transaction. Items
// are locked in the order given.
func (s *Service) CreateTx(ctx context.Context, tx store.Tx, userID string, items []ItemRequest, shippingAddressID string) (*model.Order, error) {
	if len(items) == 0 {
		return nil, ErrEmptyItems
	}
	if _, err := shipping.Lookup(ctx, tx, userID, shippingAddressID); err != nil {
		return nil, err
	}

	now := s.now()
	o := &model.Order{
		UUID:              uuid.New().String(),
		UserID:            userID,
		Status:            model.OrderPending,
		ShippingAddressID: shippingAddressID,
		Total:             decimal.Zero,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	for _, item := range items {
		if _, err := tx.GetProduct(ctx, item.ProductID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, apperror.Wrap(inventory.ErrProductNotFound, "%s", item.ProductID)
			}
			return nil, err
		}
		if item.Quantity <= 0 {
			return nil, apperror.Wrap(inventory.ErrInvalidQuantity, "product %s quantity %d", item.ProductID, item.Quantity)
		}

		p, err := s.ledger.Reserve(ctx, tx, item.ProductID, item.Quantity)
		if err != nil {
			return nil, err
		}

		line := model.OrderItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: p.Price,
		}
		o.Items = append(o.Items, line)
		o.Total = o.Total.Add(line.Subtotal())
	}

	if err := tx.InsertOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}
	return o, nil
}

// Instrument counts committed orders on c.
func (s *Service) Instrument(c prometheus.Counter) {
	s.created = c
}

// NotifyCreated hands a committed order to the notifier.
func (s *Service) NotifyCreated(ctx context.Context, o *model.Order) {
	if s.created != nil {
		s.created.Inc()
	}
	if s.notifier == nil {
		return
	}
	if err := s.notifier.OrderCreated(ctx, o); err != nil {
		s.logger.Warn().Err(err).Str("order_id", o.UUID).Msg("order created notification failed")
	}
}

func (s *Service) Get(ctx context.Context, userID, orderUUID string) (*model.Order, error) {
	o, err := s.store.GetOrderByUUID(ctx, orderUUID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, ErrOrderNotFound
	}
	return o, nil
}

func (s *Service) List(ctx context.Context, userID string) ([]*model.Order, error) {
	return s.store.ListOrdersByUser(ctx, userID)
}

// Cancel cancels a pending or paid order on behalf of its owner and gives
// the reserved stock back.
func (s *Service) Cancel(ctx context.Context, userID, orderUUID string) (*model.Order, error) {
	var cancelled *model.Order
	err := s.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		found, err := tx.GetOrderByUUID(ctx, orderUUID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrOrderNotFound
		}
		if err != nil {
			return err
		}
		if found.UserID != userID {
			return ErrOrderNotFound
		}

		o, err := tx.LockOrder(ctx, found.ID)
		if err != nil {
			return err
		}
		if err := s.CancelTx(ctx, tx, o); err != nil {
			return err
		}
		cancelled = o
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("order_id", cancelled.UUID).Msg("order cancelled")
	return cancelled, nil
}

// CancelTx restores stock for every item of a locked order and marks it
// cancelled.
func (s *Service) CancelTx(ctx context.Context, tx store.Tx, o *model.Order) error {
	if !o.CanTransitionTo(model.OrderCancelled) {
		return transitionError(o.Status, model.OrderCancelled)
	}

	for _, item := range o.Items {
		if err := s.ledger.Restore(ctx, tx, item.ProductID, item.Quantity); err != nil {
			return fmt.Errorf("restore stock for %s: %w", item.ProductID, err)
		}
	}

	now := s.now()
	if err := tx.UpdateOrderStatus(ctx, o.ID, model.OrderCancelled, now); err != nil {
		return err
	}
	o.Status = model.OrderCancelled
	o.UpdatedAt = now
	return nil
}

// MarkPaidTx moves a locked order to paid.
func (s *Service) MarkPaidTx(ctx context.Context, tx store.Tx, o *model.Order) error {
	if !o.CanTransitionTo(model.OrderPaid) {
		return transitionError(o.Status, model.OrderPaid)
	}

	now := s.now()
	if err := tx.UpdateOrderStatus(ctx, o.ID, model.OrderPaid, now); err != nil {
		return err
	}
	o.Status = model.OrderPaid
	o.UpdatedAt = now
	return nil
}

// transitionError returns an appropriate error for an invalid transition
func transitionError(from, target model.OrderStatus) error {
	switch {
	case from == model.OrderCancelled:
		return ErrOrderCancelled
	case from == model.OrderShipped && target == model.OrderCancelled:
		return ErrOrderShipped
	case (from == model.OrderPaid || from == model.OrderShipped) && target == model.OrderPaid:
		return ErrOrderAlreadyPaid
	default:
		return apperror.Wrap(ErrInvalidStatus, "cannot transition from %s to %s", from, target)
	}
}
