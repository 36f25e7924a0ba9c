package gateway

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/example/ec-checkout/internal/domain/payment"
)

var (
	ErrUnavailable      = errors.New("gateway: unavailable")
	ErrUnknownIntent    = errors.New("gateway: unknown intent")
	ErrSignatureInvalid = errors.New("gateway: signature mismatch")
)

// Fake is an in-process gateway for local runs and tests. Webhook payloads
// are JSON {"id","type","intent_id"} signed with hex HMAC-SHA256.
type Fake struct {
	mu      sync.Mutex
	secret  []byte
	seq     int
	intents map[string]*fakeIntent
	failing bool
}

type fakeIntent struct {
	amount   decimal.Decimal
	currency string
	metadata map[string]string
	status   string
}

func NewFake(webhookSecret string) *Fake {
	return &Fake{secret: []byte(webhookSecret), intents: make(map[string]*fakeIntent)}
}

// SetFailing makes CreateIntent and RetrieveIntent fail until reset.
func (f *Fake) SetFailing(failing bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failing = failing
}

// SetStatus moves an intent to a provider status such as "succeeded".
func (f *Fake) SetStatus(intentID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	in, ok := f.intents[intentID]
	if !ok {
		return ErrUnknownIntent
	}
	in.status = status
	return nil
}

// Intents returns how many intents were created.
func (f *Fake) Intents() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.intents)
}

func (f *Fake) CreateIntent(ctx context.Context, amount decimal.Decimal, currency string, metadata map[string]string) (*payment.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return nil, ErrUnavailable
	}

	f.seq++
	id := fmt.Sprintf("pi_fake_%d", f.seq)
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	f.intents[id] = &fakeIntent{amount: amount, currency: currency, metadata: md, status: "requires_payment_method"}
	return &payment.Intent{ID: id, ClientSecret: id + "_secret"}, nil
}

func (f *Fake) RetrieveIntent(ctx context.Context, intentID string) (*payment.IntentState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return nil, ErrUnavailable
	}
	in, ok := f.intents[intentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownIntent, intentID)
	}
	return &payment.IntentState{
		ID:        intentID,
		Status:    in.status,
		Succeeded: in.status == "succeeded",
		Canceled:  in.status == "canceled",
	}, nil
}

type fakeEvent struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	IntentID string `json:"intent_id"`
}

// Sign returns the signature VerifyWebhook expects for payload.
func (f *Fake) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, f.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (f *Fake) VerifyWebhook(payload []byte, signature string) (*payment.WebhookEvent, error) {
	mac := hmac.New(sha256.New, f.secret)
	mac.Write(payload)
	got, err := hex.DecodeString(signature)
	if err != nil || !hmac.Equal(got, mac.Sum(nil)) {
		return nil, ErrSignatureInvalid
	}

	var evt fakeEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return nil, fmt.Errorf("decode webhook: %w", err)
	}
	return &payment.WebhookEvent{ID: evt.ID, Type: evt.Type, IntentID: evt.IntentID}, nil
}
