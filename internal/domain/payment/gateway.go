package payment

import (
	"context"

	"github.com/shopspring/decimal"
)

// Gateway is the external payment provider. Implementations own their
// credentials, including the webhook signing secret.
type Gateway interface {
	CreateIntent(ctx context.Context, amount decimal.Decimal, currency string, metadata map[string]string) (*Intent, error)
	RetrieveIntent(ctx context.Context, intentID string) (*IntentState, error)
	VerifyWebhook(payload []byte, signature string) (*WebhookEvent, error)
}

type Intent struct {
	ID           string
	ClientSecret string
}

// IntentState is the provider's view of an intent. Status is the raw
// provider status string.
type IntentState struct {
	ID        string
	Status    string
	Succeeded bool
	Canceled  bool
}

type WebhookEvent struct {
	ID       string
	Type     string
	IntentID string
}

// Webhook event types the manager reacts to.
const (
	EventIntentSucceeded = "payment_intent.succeeded"
	EventIntentFailed    = "payment_intent.payment_failed"
	EventIntentCanceled  = "payment_intent.canceled"
)

// Deduper remembers webhook event ids so redelivered events are skipped.
type Deduper interface {
	// FirstSeen records id and reports whether it was new.
	FirstSeen(ctx context.Context, eventID string) (bool, error)
	// Forget drops id again so a failed delivery can be retried.
	Forget(ctx context.Context, eventID string) error
}
