package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/example/ec-checkout/internal/apperror"
)

const signatureHeader = "Stripe-Signature"

type createPaymentRequest struct {
	OrderID string `json:"order_id"`
}

func (h *Handlers) CreatePayment(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req createPaymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.OrderID == "" {
		h.writeError(w, r, apperror.Wrap(errBadBody, "order_id is required"))
		return
	}

	p, err := h.payments.CreateForOrder(r.Context(), uid, req.OrderID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, p)
}

func (h *Handlers) SyncPayment(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	rec, err := h.payments.Sync(r.Context(), uid, chi.URLParam(r, "intentID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

// PaymentWebhook is called by the gateway, not by customers. Events for
// intents this service does not know are acknowledged so they are not
// redelivered.
func (h *Handlers) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := readBody(w, r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	err = h.payments.HandleWebhook(r.Context(), payload, r.Header.Get(signatureHeader))
	if err != nil && apperror.KindOf(err) == apperror.KindNotFound {
		h.logger.Warn().Err(err).Msg("webhook for unknown payment acknowledged")
		err = nil
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"received": true})
}
