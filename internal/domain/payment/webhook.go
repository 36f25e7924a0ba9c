package payment

import (
	"context"

	"github.com/example/ec-checkout/internal/apperror"
	"github.com/example/ec-checkout/internal/model"
)

var webhookStatuses = map[string]model.PaymentStatus{
	EventIntentSucceeded: model.PaymentSuccess,
	EventIntentFailed:    model.PaymentFailed,
	EventIntentCanceled:  model.PaymentFailed,
}

// HandleWebhook verifies a gateway callback and applies the status it
// carries. Unknown event types and redelivered events are acknowledged
// without effect.
func (m *Manager) HandleWebhook(ctx context.Context, payload []byte, signature string) error {
	evt, err := m.gateway.VerifyWebhook(payload, signature)
	if err != nil {
		return apperror.Wrap(ErrInvalidSignature, "%v", err)
	}

	log := m.logger.With().Str("event_id", evt.ID).Str("event_type", evt.Type).Logger()

	status, ok := webhookStatuses[evt.Type]
	if !ok {
		log.Debug().Msg("ignoring webhook event")
		return nil
	}

	if m.deduper != nil {
		first, err := m.deduper.FirstSeen(ctx, evt.ID)
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("webhook dedupe unavailable")
		case !first:
			log.Info().Msg("duplicate webhook event skipped")
			return nil
		}
	}

	if _, err := m.UpdateStatus(ctx, evt.IntentID, status); err != nil {
		if m.deduper != nil {
			if ferr := m.deduper.Forget(ctx, evt.ID); ferr != nil {
				log.Warn().Err(ferr).Msg("failed to release webhook event id")
			}
		}
		return err
	}

	log.Info().Str("intent_id", evt.IntentID).Str("status", string(status)).Msg("payment status updated from webhook")
	return nil
}
