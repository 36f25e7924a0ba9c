// Package gateway holds the payment.Gateway adapters.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/example/ec-checkout/internal/domain/payment"
)

// zeroDecimal lists currencies whose smallest unit is the major unit.
var zeroDecimal = map[string]bool{
	"jpy": true, "krw": true, "vnd": true, "clp": true, "pyg": true, "ugx": true,
}

// Stripe talks to the Stripe PaymentIntents API.
type Stripe struct {
	api           *client.API
	webhookSecret string
}

func NewStripe(secretKey, webhookSecret string) *Stripe {
	return &Stripe{api: client.New(secretKey, nil), webhookSecret: webhookSecret}
}

// MinorUnits converts an amount to the integer unit Stripe expects.
func MinorUnits(amount decimal.Decimal, currency string) int64 {
	if zeroDecimal[strings.ToLower(currency)] {
		return amount.Round(0).IntPart()
	}
	return amount.Shift(2).Round(0).IntPart()
}

func (s *Stripe) CreateIntent(ctx context.Context, amount decimal.Decimal, currency string, metadata map[string]string) (*payment.Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(MinorUnits(amount, currency)),
		Currency: stripe.String(strings.ToLower(currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}
	if id, ok := metadata["payment_id"]; ok {
		params.SetIdempotencyKey("intent-" + id)
	}

	pi, err := s.api.PaymentIntents.New(params)
	if err != nil {
		return nil, fmt.Errorf("stripe create intent: %w", err)
	}
	return &payment.Intent{ID: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

func (s *Stripe) RetrieveIntent(ctx context.Context, intentID string) (*payment.IntentState, error) {
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	pi, err := s.api.PaymentIntents.Get(intentID, params)
	if err != nil {
		return nil, fmt.Errorf("stripe retrieve intent: %w", err)
	}
	return &payment.IntentState{
		ID:        pi.ID,
		Status:    string(pi.Status),
		Succeeded: pi.Status == stripe.PaymentIntentStatusSucceeded,
		Canceled:  pi.Status == stripe.PaymentIntentStatusCanceled,
	}, nil
}

// VerifyWebhook checks the Stripe-Signature header and extracts the intent
// id for payment_intent.* events.
func (s *Stripe) VerifyWebhook(payload []byte, signature string) (*payment.WebhookEvent, error) {
	evt, err := webhook.ConstructEventWithOptions(payload, signature, s.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, err
	}

	out := &payment.WebhookEvent{ID: evt.ID, Type: string(evt.Type)}
	if strings.HasPrefix(out.Type, "payment_intent.") && evt.Data != nil {
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(evt.Data.Raw, &pi); err != nil {
			return nil, fmt.Errorf("decode payment intent: %w", err)
		}
		out.IntentID = pi.ID
	}
	return out, nil
}
