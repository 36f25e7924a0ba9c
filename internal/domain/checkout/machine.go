// Package checkout drives a cart through payment to a paid order.
//
// A session starts IN_PROGRESS and ends COMPLETED or FAILED; terminal
// sessions never change again. Completion locks the session row so a
// double submit cannot create two orders.
package checkout

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
	"github.com/example/ec-checkout/internal/domain/order"
	"github.com/example/ec-checkout/internal/domain/payment"
	"github.com/example/ec-checkout/internal/domain/shipping"
	"github.com/example/ec-checkout/internal/infrastructure/store"
	"github.com/example/ec-checkout/internal/model"
)

// ReportedSucceeded is the only client-reported payment status treated as
// success by Complete.
const ReportedSucceeded = "succeeded"

var (
	ErrEmptyCart           = apperror.Validation("cart must have at least one item")
	ErrSessionNotFound     = apperror.NotFound("checkout session not found")
	ErrInvalidSessionState = apperror.Conflict("checkout session is not in progress")
	ErrPaymentFailed       = apperror.Conflict("payment failed")
)

type Config struct {
	// VerifyIntent makes Complete confirm a reported success with the
	// gateway before acting on it.
	VerifyIntent bool
}

type StartRequest struct {
	Items             []model.CartItem `json:"items"`
	ShippingAddressID string           `json:"shipping_address_id"`
}

type Started struct {
	Session      *model.CheckoutSession `json:"session"`
	ClientSecret string                 `json:"client_secret"`
}

type Completed struct {
	Session *model.CheckoutSession `json:"session"`
	Order   *model.Order           `json:"order"`
}

type Machine struct {
	store    store.Store
	orders   *order.Service
	payments *payment.Manager
	cfg      Config
	logger   zerolog.Logger
	results  *prometheus.CounterVec
	now      func() time.Time
}

func NewMachine(s store.Store, orders *order.Service, payments *payment.Manager, cfg Config, logger zerolog.Logger) *Machine {
	return &Machine{
		store:    s,
		orders:   orders,
		payments: payments,
		cfg:      cfg,
		logger:   logger.With().Str("component", "checkout").Logger(),
		now:      time.Now,
	}
}

// Instrument counts sessions reaching a terminal state on c, labelled
// completed, payment_failed, order_failed or abandoned.
func (m *Machine) Instrument(c *prometheus.CounterVec) {
	m.results = c
}

func (m *Machine) count(result string) {
	if m.results != nil {
		m.results.WithLabelValues(result).Inc()
	}
}

// Start opens a session and a payment intent sized off the cart total. If
// the intent cannot be created the session is kept as FAILED and its
// placeholder payment removed.
func (m *Machine) Start(ctx context.Context, userID string, req StartRequest) (*Started, error) {
	total, err := m.cartTotal(ctx, req.Items)
	if err != nil {
		return nil, err
	}
	if _, err := shipping.Lookup(ctx, m.store, userID, req.ShippingAddressID); err != nil {
		return nil, err
	}

	now := m.now()
	sess := &model.CheckoutSession{
		ID:                uuid.New().String(),
		UserID:            userID,
		Status:            model.SessionInProgress,
		Cart:              append(model.Cart(nil), req.Items...),
		ShippingAddressID: req.ShippingAddressID,
		Total:             total,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	var rec *model.PaymentRecord
	err = m.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		var err error
		rec, err = m.payments.Prepare(ctx, tx, userID, nil, total)
		if err != nil {
			return err
		}
		sess.PaymentID = &rec.ID
		return tx.InsertSession(ctx, sess)
	})
	if err != nil {
		return nil, err
	}

	p, err := m.payments.RequestIntent(ctx, rec, map[string]string{"checkout_session_id": sess.ID})
	if err != nil {
		if ferr := m.abandon(ctx, sess.ID, rec, err); ferr != nil {
			m.logger.Error().Err(ferr).Str("session_id", sess.ID).Msg("failed to mark session failed")
		}
		m.count("abandoned")
		return nil, err
	}

	m.logger.Info().Str("session_id", sess.ID).Str("total", total.String()).Msg("checkout started")
	return &Started{Session: sess, ClientSecret: p.ClientSecret}, nil
}

func (m *Machine) cartTotal(ctx context.Context, items []model.CartItem) (decimal.Decimal, error) {
	if len(items) == 0 {
		return decimal.Zero, ErrEmptyCart
	}

	total := decimal.Zero
	for _, item := range items {
		if item.Quantity <= 0 {
			return decimal.Zero, apperror.Wrap(inventory.ErrInvalidQuantity, "product %s quantity %d", item.ProductID, item.Quantity)
		}
		p, err := m.store.GetProduct(ctx, item.ProductID)
		if errors.Is(err, store.ErrNotFound) {
			return decimal.Zero, apperror.Wrap(inventory.ErrProductNotFound, "%s", item.ProductID)
		}
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(p.Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	return total, nil
}

// abandon marks a session whose intent could not be created as FAILED and
// drops the placeholder payment.
func (m *Machine) abandon(ctx context.Context, sessionID string, rec *model.PaymentRecord, cause error) error {
	return m.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		sess, err := tx.LockSession(ctx, sessionID)
		if err != nil {
			return err
		}
		sess.Status = model.SessionFailed
		sess.FailureReason = cause.Error()
		sess.PaymentID = nil
		sess.UpdatedAt = m.now()
		if err := tx.UpdateSession(ctx, sess); err != nil {
			return err
		}
		return m.payments.Discard(ctx, tx, rec)
	})
}

// Complete settles a session. A reported status other than
// ReportedSucceeded fails the session and its payment. On success the order
// is created, paid and linked in the same transaction as the session
// update. If the order is rejected (stock gone, product or address missing)
// the session ends FAILED and the order error is returned as is. Lock
// timeouts and other unclassified errors roll back and leave the session
// IN_PROGRESS so the client can retry.
func (m *Machine) Complete(ctx context.Context, sessionID, userID, reported string) (*Completed, error) {
	if m.cfg.VerifyIntent && reported == ReportedSucceeded {
		confirmed, err := m.confirmWithGateway(ctx, sessionID, userID)
		if err != nil {
			return nil, err
		}
		if confirmed != "" {
			reported = confirmed
		}
	}

	var (
		result        *Completed
		paymentFailed bool
		orderErr      error
	)
	err := m.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		sess, err := m.lockOwned(ctx, tx, sessionID, userID)
		if err != nil {
			return err
		}
		if sess.Status != model.SessionInProgress {
			return apperror.Wrap(ErrInvalidSessionState, "session %s is %s", sess.ID, sess.Status)
		}

		rec, err := m.lockPayment(ctx, tx, sess)
		if err != nil {
			return err
		}
		now := m.now()

		if reported != ReportedSucceeded {
			sess.Status = model.SessionFailed
			sess.FailureReason = fmt.Sprintf("payment reported %q", reported)
			sess.UpdatedAt = now
			if err := tx.UpdateSession(ctx, sess); err != nil {
				return err
			}
			if rec != nil && rec.Status != model.PaymentFailed {
				rec.Status = model.PaymentFailed
				rec.UpdatedAt = now
				if err := tx.UpdatePayment(ctx, rec); err != nil {
					return err
				}
			}
			paymentFailed = true
			return nil
		}

		o, err := m.orders.CreateTx(ctx, tx, userID, itemsOf(sess.Cart), sess.ShippingAddressID)
		if err != nil {
			if orderRejected(err) {
				orderErr = err
			}
			return err
		}
		if !o.Total.Equal(sess.Total) {
			m.logger.Warn().Str("session_id", sess.ID).Str("charged", sess.Total.String()).
				Str("order_total", o.Total.String()).Msg("prices changed during checkout")
		}

		if rec != nil {
			rec.OrderID = &o.ID
			rec.Status = model.PaymentSuccess
			rec.UpdatedAt = now
			if err := tx.UpdatePayment(ctx, rec); err != nil {
				if errors.Is(err, store.ErrDuplicate) {
					return payment.ErrDuplicatePayment
				}
				return err
			}
		}
		if err := m.orders.MarkPaidTx(ctx, tx, o); err != nil {
			return err
		}

		sess.Status = model.SessionCompleted
		sess.OrderID = &o.ID
		sess.UpdatedAt = now
		if err := tx.UpdateSession(ctx, sess); err != nil {
			return err
		}
		result = &Completed{Session: sess, Order: o}
		return nil
	})

	switch {
	case orderErr != nil:
		m.failAfterOrderError(ctx, sessionID, orderErr)
		m.count("order_failed")
		return nil, orderErr
	case err != nil:
		return nil, err
	case paymentFailed:
		m.count("payment_failed")
		m.logger.Info().Str("session_id", sessionID).Str("reported", reported).Msg("checkout failed")
		return nil, apperror.Wrap(ErrPaymentFailed, "reported status %q", reported)
	}

	m.orders.NotifyCreated(ctx, result.Order)
	m.count("completed")
	m.logger.Info().Str("session_id", sessionID).Str("order_id", result.Order.UUID).Msg("checkout completed")
	return result, nil
}

// confirmWithGateway returns a replacement status when the gateway does not
// confirm the intent, or "" when it does.
func (m *Machine) confirmWithGateway(ctx context.Context, sessionID, userID string) (string, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && sess.UserID != userID) {
		return "", ErrSessionNotFound
	}
	if err != nil {
		return "", err
	}
	if sess.PaymentID == nil {
		return "", nil
	}

	rec, err := m.store.GetPayment(ctx, *sess.PaymentID)
	if err != nil || rec.IntentID == nil {
		return "", err
	}
	state, err := m.payments.CheckIntent(ctx, *rec.IntentID)
	if err != nil {
		return "", err
	}
	if state.Succeeded {
		return "", nil
	}
	return "unconfirmed:" + state.Status, nil
}

// failAfterOrderError runs after the completion transaction rolled back.
// The payment record is left untouched and the incident logged for refund.
func (m *Machine) failAfterOrderError(ctx context.Context, sessionID string, cause error) {
	err := m.store.RunInTx(ctx, func(ctx context.Context, tx store.Tx) error {
		sess, err := tx.LockSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess.Status != model.SessionInProgress {
			return nil
		}
		sess.Status = model.SessionFailed
		sess.FailureReason = cause.Error()
		sess.UpdatedAt = m.now()
		return tx.UpdateSession(ctx, sess)
	})
	if err != nil {
		m.logger.Error().Err(err).Str("session_id", sessionID).Msg("failed to mark session failed")
	}
	m.logger.Error().Err(cause).Str("session_id", sessionID).Msg("order creation failed after payment; refund required")
}

// orderRejected reports whether err is a domain rejection of the order
// rather than a lock wait, cancellation or storage failure.
func orderRejected(err error) bool {
	return apperror.KindOf(err) != apperror.KindUnexpected && !errors.Is(err, store.ErrLockTimeout)
}

func (m *Machine) lockOwned(ctx context.Context, tx store.Tx, sessionID, userID string) (*model.CheckoutSession, error) {
	sess, err := tx.LockSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func (m *Machine) lockPayment(ctx context.Context, tx store.Tx, sess *model.CheckoutSession) (*model.PaymentRecord, error) {
	if sess.PaymentID == nil {
		return nil, nil
	}
	rec, err := tx.GetPayment(ctx, *sess.PaymentID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil || rec.IntentID == nil {
		return rec, err
	}
	return tx.LockPaymentByIntent(ctx, *rec.IntentID)
}

func (m *Machine) Get(ctx context.Context, sessionID, userID string) (*model.CheckoutSession, error) {
	sess, err := m.store.GetSession(ctx, sessionID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

func itemsOf(cart model.Cart) []order.ItemRequest {
	items := make([]order.ItemRequest, 0, len(cart))
	for _, c := range cart {
		items = append(items, order.ItemRequest{ProductID: c.ProductID, Quantity: c.Quantity})
	}
	return items
}
