package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/example/ec-checkout/internal/domain/checkout"
)

func (h *Handlers) StartCheckout(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req checkout.StartRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	started, err := h.checkout.Start(r.Context(), uid, req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, started)
}

func (h *Handlers) GetCheckout(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	sess, err := h.checkout.Get(r.Context(), chi.URLParam(r, "id"), uid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

type completeCheckoutRequest struct {
	PaymentStatus string `json:"payment_status"`
}

func (h *Handlers) CompleteCheckout(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req completeCheckoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	done, err := h.checkout.Complete(r.Context(), chi.URLParam(r, "id"), uid, req.PaymentStatus)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, done)
}
