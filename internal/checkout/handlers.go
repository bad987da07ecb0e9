package checkout

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/klappmedia/mcash-gateway/internal/common"
	"github.com/klappmedia/mcash-gateway/internal/order"
)

// Handler exposes the checkout flows over HTTP.
type Handler struct {
	Service  *Service
	Validate *validator.Validate
	Logger   zerolog.Logger
}

// Routes mounts the checkout endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/orders/{id}/pay", h.Pay)
	r.Get("/express", h.Express)
	r.Post("/express", h.Express)
	r.Get("/direct", h.Direct)
	r.Post("/direct", h.Direct)
}

type payResponse struct {
	RedirectURI string `json:"redirect_uri"`
}

// Pay starts a payment for an existing order and returns the provider URI the
// client must redirect the customer to.
func (h *Handler) Pay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	o, err := h.Service.Store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			common.JSONError(w, http.StatusNotFound, "not_found", "order not found", nil)
			return
		}
		h.Logger.Error().Err(err).Str("order_id", id).Msg("order lookup failed")
		common.JSONError(w, http.StatusInternalServerError, "internal", "order lookup failed", nil)
		return
	}
	uri, err := h.Service.ProcessPayment(r.Context(), o, order.TransactionTypeNone)
	if err != nil {
		if errors.Is(err, ErrPaymentInit) {
			common.JSONError(w, http.StatusBadGateway, "payment_init_failed", "could not create payment request", nil)
			return
		}
		h.Logger.Error().Err(err).Str("order_id", id).Msg("payment initiation failed")
		common.JSONError(w, http.StatusInternalServerError, "internal", "payment initiation failed", nil)
		return
	}
	common.JSON(w, http.StatusOK, payResponse{RedirectURI: uri})
}

// Express starts an express purchase from the caller's cart. Always answers
// with a redirect, to the provider portal or back to the cart.
func (h *Handler) Express(w http.ResponseWriter, r *http.Request) {
	cartRef := r.URL.Query().Get("cart")
	if cartRef == "" {
		if err := r.ParseForm(); err == nil {
			cartRef = r.PostFormValue("cart")
		}
	}
	if cartRef == "" {
		http.Redirect(w, r, h.Service.CartURL, http.StatusFound)
		return
	}
	http.Redirect(w, r, h.Service.ExpressPurchase(r.Context(), cartRef), http.StatusFound)
}

// Direct starts a single-product purchase. Invalid input sends the customer
// back to the cart; this is a browser redirect flow, not an API.
func (h *Handler) Direct(w http.ResponseWriter, r *http.Request) {
	in, ok := h.directInput(r)
	if !ok {
		http.Redirect(w, r, h.Service.CartURL, http.StatusFound)
		return
	}
	http.Redirect(w, r, h.Service.DirectPurchase(r.Context(), in), http.StatusFound)
}

func (h *Handler) directInput(r *http.Request) (DirectInput, bool) {
	if err := r.ParseForm(); err != nil {
		return DirectInput{}, false
	}
	qty, _ := strconv.Atoi(r.FormValue("quantity"))
	if qty == 0 {
		qty = 1
	}
	in := DirectInput{
		ProductID:     r.FormValue("product_id"),
		Quantity:      qty,
		VariationID:   r.FormValue("variation_id"),
		VariationData: r.FormValue("variation_data"),
	}
	if err := h.Validate.Struct(in); err != nil {
		h.Logger.Warn().Err(err).Msg("invalid direct purchase input")
		return DirectInput{}, false
	}
	return in, true
}
