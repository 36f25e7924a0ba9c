package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/example/ec-checkout/internal/domain/order"
	"github.com/example/ec-checkout/internal/email"
	"github.com/example/ec-checkout/internal/infrastructure/store"
	"github.com/example/ec-checkout/internal/model"
)

// Directory is the read side the handler needs from the store.
type Directory interface {
	GetUserEmail(ctx context.Context, userID string) (string, error)
	GetProduct(ctx context.Context, id string) (*model.Product, error)
}

type Mailer interface {
	SendOrderConfirmation(to string, c email.Confirmation) error
}

// Handler processes events for sending notifications
type Handler struct {
	mailer    Mailer
	directory Directory
	currency  string
	logger    zerolog.Logger
}

func NewHandler(mailer Mailer, directory Directory, currency string, logger zerolog.Logger) *Handler {
	return &Handler{
		mailer:    mailer,
		directory: directory,
		currency:  currency,
		logger:    logger.With().Str("component", "notifier").Logger(),
	}
}

// HandleEvent processes one broker message. Events other than OrderCreated
// are ignored, and so are orders whose user has no email on file.
func (h *Handler) HandleEvent(ctx context.Context, key, value []byte) error {
	var head struct {
		EventType string `json:"event_type"`
	}
	if err := json.Unmarshal(value, &head); err != nil {
		return fmt.Errorf("decode event %s: %w", key, err)
	}
	if head.EventType != order.EventOrderCreated {
		return nil
	}

	var e order.OrderCreated
	if err := json.Unmarshal(value, &e); err != nil {
		return fmt.Errorf("decode %s: %w", order.EventOrderCreated, err)
	}
	return h.handleOrderCreated(ctx, e)
}

func (h *Handler) handleOrderCreated(ctx context.Context, e order.OrderCreated) error {
	log := h.logger.With().Str("order_id", e.OrderID).Str("user_id", e.UserID).Logger()

	to, err := h.directory.GetUserEmail(ctx, e.UserID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && to == "") {
		log.Warn().Msg("no email on file, skipping confirmation")
		return nil
	}
	if err != nil {
		return fmt.Errorf("look up user %s: %w", e.UserID, err)
	}

	items := make([]email.OrderItem, len(e.Items))
	for i, it := range e.Items {
		name := it.ProductID
		if p, err := h.directory.GetProduct(ctx, it.ProductID); err == nil && p.Name != "" {
			name = p.Name
		}
		items[i] = email.OrderItem{
			ProductID: it.ProductID,
			Name:      name,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		}
	}

	err = h.mailer.SendOrderConfirmation(to, email.Confirmation{
		OrderID:  e.OrderID,
		Currency: h.currency,
		Total:    e.Total,
		Items:    items,
	})
	if err != nil {
		return fmt.Errorf("send confirmation for order %s: %w", e.OrderID, err)
	}

	log.Info().Str("to", to).Msg("order confirmation sent")
	return nil
}
