// Package payment keeps local payment records in step with the external
// gateway's payment intents.
package payment

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
	"github.com/example/ec-checkout/internal/domain/order"
	"github.com/example/ec-checkout/internal/infrastructure/store"
	"github.com/example/ec-checkout/internal/model"
)

var (
	ErrOrderNotFound    = apperror.NotFound("order not found")
	ErrOrderAlreadyPaid = apperror.Conflict("order is not awaiting payment")
	ErrDuplicatePayment = apperror.Conflict("payment already exists for order")
	ErrInvalidAmount    = apperror.Validation("payment amount must be positive")
	ErrPaymentNotFound  = apperror.NotFound("payment not found")
	ErrInvalidStatus    = apperror.Validation("invalid payment status")
	ErrInvalidSignature = apperror.Validation("invalid webhook signature")
	ErrGateway          = apperror.Gateway("payment gateway error")
)

// Payment is a freshly created record plus the secret the client needs to
// confirm the intent.
type Payment struct {
	Record       *model.PaymentRecord `json:"payment"`
	ClientSecret string               `json:"client_secret"`
}

type Manager struct {
	store    store.Store
	gateway  Gateway
	orders   *order.Service
	deduper  Deduper
	currency string
	logger   zerolog.Logger
	changes  *prometheus.CounterVec
	now      func() time.Time
}

// NewManager wires the manager. deduper may be nil, in which case webhook
// redeliveries are simply applied again.
func NewManager(s store.Store, gw Gateway, orders *order.Service, deduper Deduper, currency string, logger zerolog.Logger) *Manager {
	return &Manager{
		store:    s,
		gateway:  gw,
		orders:   orders,
		deduper:  deduper,
		currency: currency,
		logger:   logger.With().Str("component", "payment").Logger(),
		now:      time.Now,
	}
}

// Instrument counts status changes on c, labelled by the new status.
func (m *Manager) Instrument(c *prometheus.CounterVec) {
	m.changes = c
}

// CreateForOrder opens a payment intent for an existing pending order. The
// record is reserved under the order lock first; the gateway is called only
// after that transaction committed.
func (m *Manager) CreateForOrder(ctx context.Context, userID, orderUUID string) (*Payment, error) {
	var (
		rec *model.PaymentRecord
		o   *model.Order
	)
	err := m.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
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

		o, err = tx.LockOrder(ctx, found.ID)
		if err != nil {
			return err
		}
		if o.Status != model.OrderPending {
			return apperror.Wrap(ErrOrderAlreadyPaid, "order %s is %s", o.UUID, o.Status)
		}

		_, err = tx.GetPaymentByOrder(ctx, o.ID)
		switch {
		case err == nil:
			return ErrDuplicatePayment
		case !errors.Is(err, store.ErrNotFound):
			return err
		}

		rec, err = m.Prepare(ctx, tx, userID, &o.ID, o.Total)
		return err
	})
	if err != nil {
		return nil, err
	}

	p, err := m.RequestIntent(ctx, rec, map[string]string{"order_id": o.UUID})
	if err != nil {
		if derr := m.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return m.Discard(ctx, tx, rec)
		}); derr != nil {
			m.logger.Error().Err(derr).Str("payment_id", rec.ID).Msg("failed to discard placeholder payment")
		}
		return nil, err
	}

	m.logger.Info().Str("order_id", o.UUID).Str("intent_id", *p.Record.IntentID).Msg("payment intent created")
	return p, nil
}

// Prepare inserts a pending placeholder record without an intent id.
func (m *Manager) Prepare(ctx context.Context, tx store.Tx, userID string, orderID *int64, amount decimal.Decimal) (*model.PaymentRecord, error) {
	if !amount.IsPositive() {
		return nil, apperror.Wrap(ErrInvalidAmount, "amount %s", amount.String())
	}

	now := m.now()
	rec := &model.PaymentRecord{
		ID:        uuid.New().String(),
		OrderID:   orderID,
		UserID:    userID,
		Amount:    amount,
		Currency:  m.currency,
		Status:    model.PaymentPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := tx.InsertPayment(ctx, rec); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			return nil, ErrDuplicatePayment
		}
		return nil, err
	}
	return rec, nil
}

// RequestIntent asks the gateway for an intent and stores its id on rec.
// It must not be called while a transaction is open.
func (m *Manager) RequestIntent(ctx context.Context, rec *model.PaymentRecord, metadata map[string]string) (*Payment, error) {
	md := map[string]string{"payment_id": rec.ID, "user_id": rec.UserID}
	for k, v := range metadata {
		md[k] = v
	}

	intent, err := m.gateway.CreateIntent(ctx, rec.Amount, rec.Currency, md)
	if err != nil {
		m.logger.Error().Err(err).Str("payment_id", rec.ID).Msg("create intent failed")
		return nil, apperror.Wrap(ErrGateway, "%v", err)
	}

	rec.IntentID = &intent.ID
	rec.UpdatedAt = m.now()
	if err := m.store.UpdatePayment(ctx, rec); err != nil {
		return nil, fmt.Errorf("store intent id: %w", err)
	}
	return &Payment{Record: rec, ClientSecret: intent.ClientSecret}, nil
}

// Discard removes a placeholder whose intent could not be created.
func (m *Manager) Discard(ctx context.Context, tx store.Tx, rec *model.PaymentRecord) error {
	err := tx.DeletePayment(ctx, rec.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}

// UpdateStatus overwrites the status of the record for intentID. Applying
// the same status again is a no-op. A success on an order-linked record
// moves a still pending order to paid; a success for a cancelled order is
// kept and logged for refund.
func (m *Manager) UpdateStatus(ctx context.Context, intentID string, status model.PaymentStatus) (*model.PaymentRecord, error) {
	var rec *model.PaymentRecord
	err := m.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		rec, err = m.UpdateStatusTx(ctx, tx, intentID, status)
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (m *Manager) UpdateStatusTx(ctx context.Context, tx store.Tx, intentID string, status model.PaymentStatus) (*model.PaymentRecord, error) {
	if !status.Valid() {
		return nil, apperror.Wrap(ErrInvalidStatus, "%q", status)
	}

	rec, err := tx.LockPaymentByIntent(ctx, intentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperror.Wrap(ErrPaymentNotFound, "intent %s", intentID)
	}
	if err != nil {
		return nil, err
	}
	if rec.Status == status {
		return rec, nil
	}

	rec.Status = status
	rec.UpdatedAt = m.now()
	if err := tx.UpdatePayment(ctx, rec); err != nil {
		return nil, err
	}
	if m.changes != nil {
		m.changes.WithLabelValues(string(status)).Inc()
	}

	if status == model.PaymentSuccess && rec.OrderID != nil {
		o, err := tx.LockOrder(ctx, *rec.OrderID)
		if err != nil {
			return nil, fmt.Errorf("lock order %d: %w", *rec.OrderID, err)
		}
		switch o.Status {
		case model.OrderPending:
			if err := m.orders.MarkPaidTx(ctx, tx, o); err != nil {
				return nil, err
			}
		case model.OrderPaid, model.OrderShipped:
		default:
			m.logger.Error().Str("intent_id", intentID).Str("order_id", o.UUID).Str("order_status", string(o.Status)).
				Msg("payment succeeded for an order that is no longer payable; refund required")
		}
	}
	return rec, nil
}

// Sync pulls the intent state from the gateway and applies it. Intents that
// are still in flight leave the record unchanged.
func (m *Manager) Sync(ctx context.Context, userID, intentID string) (*model.PaymentRecord, error) {
	rec, err := m.store.GetPaymentByIntent(ctx, intentID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && rec.UserID != userID) {
		return nil, apperror.Wrap(ErrPaymentNotFound, "intent %s", intentID)
	}
	if err != nil {
		return nil, err
	}

	state, err := m.CheckIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}

	status := StatusFromIntent(state)
	if status == model.PaymentPending {
		return rec, nil
	}
	return m.UpdateStatus(ctx, intentID, status)
}

// StatusFromIntent maps a gateway intent state onto a record status.
func StatusFromIntent(state *IntentState) model.PaymentStatus {
	switch {
	case state.Succeeded:
		return model.PaymentSuccess
	case state.Canceled:
		return model.PaymentFailed
	default:
		return model.PaymentPending
	}
}

// CheckIntent reads the intent state straight from the gateway.
func (m *Manager) CheckIntent(ctx context.Context, intentID string) (*IntentState, error) {
	state, err := m.gateway.RetrieveIntent(ctx, intentID)
	if err != nil {
		return nil, apperror.Wrap(ErrGateway, "%v", err)
	}
	return state, nil
}
