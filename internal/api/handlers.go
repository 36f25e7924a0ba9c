package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/example/ec-checkout/internal/api/middleware"
	"github.com/example/ec-checkout/internal/apperror"
	"github.com/example/ec-checkout/internal/domain/checkout"
	"github.com/example/ec-checkout/internal/domain/order"
	"github.com/example/ec-checkout/internal/domain/payment"
	"github.com/example/ec-checkout/internal/domain/shipping"
	"github.com/example/ec-checkout/internal/infrastructure/store"
)

const maxBodyBytes = 1 << 20

var errBadBody = apperror.Validation("malformed request body")

type Handlers struct {
	addresses *shipping.Service
	orders    *order.Service
	payments  *payment.Manager
	checkout  *checkout.Machine
	logger    zerolog.Logger
}

func NewHandlers(addresses *shipping.Service, orders *order.Service, payments *payment.Manager, machine *checkout.Machine, logger zerolog.Logger) *Handlers {
	return &Handlers{
		addresses: addresses,
		orders:    orders,
		payments:  payments,
		checkout:  machine,
		logger:    logger.With().Str("component", "api").Logger(),
	}
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// decodeJSON reads a bounded JSON body into dst. Unknown fields are rejected.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return apperror.Wrap(errBadBody, "%v", err)
	}
	if dec.More() {
		return apperror.Wrap(errBadBody, "trailing data")
	}
	return nil
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return nil, apperror.Wrap(errBadBody, "%v", err)
	}
	return body, nil
}

// writeError maps an error kind onto a status code. Unclassified errors
// are logged in full and reported generically.
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrLockTimeout) {
		respondJSON(w, http.StatusConflict, map[string]string{"error": "resource busy, retry later"})
		return
	}

	status := http.StatusInternalServerError
	kind := apperror.KindOf(err)
	switch kind {
	case apperror.KindValidation:
		status = http.StatusBadRequest
	case apperror.KindNotFound:
		status = http.StatusNotFound
	case apperror.KindConflict:
		status = http.StatusConflict
	case apperror.KindGateway:
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("method", r.Method).Str("path", r.URL.Path).Msg("request failed")
		respondJSON(w, status, map[string]string{"error": "internal server error"})
		return
	}
	if kind == apperror.KindGateway {
		h.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("payment gateway error")
	}
	respondJSON(w, status, map[string]string{"error": err.Error(), "kind": kind.String()})
}

func userID(r *http.Request) string {
	return middleware.GetUserID(r.Context())
}

func (h *Handlers) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := userID(r)
	if id == "" {
		respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return "", false
	}
	return id, true
}
