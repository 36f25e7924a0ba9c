package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/example/ec-checkout/internal/domain/order"
	"github.com/example/ec-checkout/internal/domain/shipping"
)

// Address Handlers

func (h *Handlers) CreateAddress(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var in shipping.AddressInput
	if err := decodeJSON(w, r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}

	addr, err := h.addresses.Create(r.Context(), uid, in)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, addr)
}

func (h *Handlers) GetAddress(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	addr, err := h.addresses.Get(r.Context(), uid, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, addr)
}

// Order Handlers

type createOrderRequest struct {
	Items             []order.ItemRequest `json:"items"`
	ShippingAddressID string              `json:"shipping_address_id"`
}

func (h *Handlers) CreateOrder(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	var req createOrderRequest
	if err := decodeJSON(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}

	o, err := h.orders.Create(r.Context(), uid, req.Items, req.ShippingAddressID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, o)
}

func (h *Handlers) GetOrders(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	orders, err := h.orders.List(r.Context(), uid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, orders)
}

func (h *Handlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	o, err := h.orders.Get(r.Context(), uid, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, o)
}

func (h *Handlers) CancelOrder(w http.ResponseWriter, r *http.Request) {
	uid, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	o, err := h.orders.Cancel(r.Context(), uid, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, o)
}
