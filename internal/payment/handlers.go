package payment

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/klappmedia/mcash-gateway/internal/common"
	"github.com/klappmedia/mcash-gateway/internal/order"
)

// Handler exposes operator-facing payment mutations.
type Handler struct {
	Store        Store
	Orchestrator *Orchestrator
	Validate     *validator.Validate
	Logger       zerolog.Logger
}

// Routes mounts the admin payment endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/orders/{id}/capture", h.CaptureOrder)
	r.Post("/orders/{id}/release", h.ReleaseOrder)
	r.Post("/orders/{id}/refund", h.RefundOrder)
	r.Post("/orders/{id}/status", h.ChangeStatus)
}

// CaptureOrder triggers an idempotent capture attempt.
func (h *Handler) CaptureOrder(w http.ResponseWriter, r *http.Request) {
	o, ok := h.loadOrder(w, r)
	if !ok {
		return
	}
	captured := h.Orchestrator.Capture(r.Context(), o)
	common.JSON(w, http.StatusOK, map[string]bool{"captured": captured})
}

// ReleaseOrder voids the order's authorization.
func (h *Handler) ReleaseOrder(w http.ResponseWriter, r *http.Request) {
	o, ok := h.loadOrder(w, r)
	if !ok {
		return
	}
	released := h.Orchestrator.Release(r.Context(), o)
	common.JSON(w, http.StatusOK, map[string]bool{"released": released})
}

type refundRequest struct {
	Amount string `json:"amount" validate:"required"`
	Reason string `json:"reason"`
}

// RefundOrder refunds a captured payment. Business-rule violations surface as
// 422 with a typed code so the operator UI can explain them.
func (h *Handler) RefundOrder(w http.ResponseWriter, r *http.Request) {
	o, ok := h.loadOrder(w, r)
	if !ok {
		return
	}
	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "bad_request", "invalid JSON body", nil)
		return
	}
	if err := h.Validate.Struct(req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "validation_failed", "amount is required", nil)
		return
	}

	err := h.Orchestrator.Refund(r.Context(), o, req.Amount, req.Reason)
	if err == nil {
		common.JSON(w, http.StatusOK, map[string]bool{"refunded": true})
		return
	}
	switch {
	case errors.Is(err, ErrWrongPaymentMethod):
		err = common.NewAppError("wrong_payment_method", err.Error(), http.StatusUnprocessableEntity, err)
	case errors.Is(err, ErrNotCaptured):
		err = common.NewAppError("not_captured", err.Error(), http.StatusUnprocessableEntity, err)
	case errors.Is(err, ErrRefundRejected):
		err = common.NewAppError("refund_rejected", err.Error(), http.StatusBadGateway, err)
	default:
		h.Logger.Error().Err(err).Str("order_id", o.ID).Msg("refund failed")
	}
	common.RenderError(w, err)
}

type statusRequest struct {
	Status string `json:"status" validate:"required,oneof=pending processing completed cancelled failed"`
	Note   string `json:"note"`
}

// ChangeStatus moves an order between host statuses and applies the gateway's
// capture policy for the transition.
func (h *Handler) ChangeStatus(w http.ResponseWriter, r *http.Request) {
	o, ok := h.loadOrder(w, r)
	if !ok {
		return
	}
	var req statusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "bad_request", "invalid JSON body", nil)
		return
	}
	if err := h.Validate.Struct(req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "validation_failed", "unknown status", nil)
		return
	}

	to := order.Status(req.Status)
	if err := h.Store.UpdateStatus(r.Context(), o.ID, to, req.Note); err != nil {
		h.Logger.Error().Err(err).Str("order_id", o.ID).Msg("status update failed")
		common.JSONError(w, http.StatusInternalServerError, "internal", "status update failed", nil)
		return
	}
	h.Orchestrator.HandleStatusChange(r.Context(), o, to)
	common.JSON(w, http.StatusOK, map[string]string{"status": req.Status})
}

func (h *Handler) loadOrder(w http.ResponseWriter, r *http.Request) (order.Order, bool) {
	id := chi.URLParam(r, "id")
	o, err := h.Store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			common.JSONError(w, http.StatusNotFound, "not_found", "order not found", nil)
			return order.Order{}, false
		}
		h.Logger.Error().Err(err).Str("order_id", id).Msg("order lookup failed")
		common.JSONError(w, http.StatusInternalServerError, "internal", "order lookup failed", nil)
		return order.Order{}, false
	}
	return o, true
}
