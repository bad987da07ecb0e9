package checkout

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/klappmedia/mcash-gateway/internal/mcash"
	"github.com/klappmedia/mcash-gateway/internal/order"
)

// RequiredScope is requested for express and direct flows so the provider can
// hand back contact details and a shipping address mid-transaction.
const RequiredScope = "openid phone email shipping_address"

// shippingItemName carries a trailing space. The host platform renders it
// verbatim and downstream reporting matches on the exact string.
const shippingItemName = "Shipping cost "

var (
	// ErrFlowDisabled is returned when a checkout flow is switched off.
	ErrFlowDisabled = errors.New("checkout: flow disabled")
	// ErrPaymentInit is returned when the provider refused or failed to
	// create a payment request.
	ErrPaymentInit = errors.New("checkout: payment request creation failed")
)

// OrderStore is the slice of order persistence the initiator needs.
type OrderStore interface {
	Get(ctx context.Context, id string) (order.Order, error)
	Create(ctx context.Context, in order.NewOrder) (order.Order, error)
	CreateFromCart(ctx context.Context, cartRef, currency string, meta map[string]string) (order.Order, error)
	UpdateStatus(ctx context.Context, id string, status order.Status, note string) error
	AddItem(ctx context.Context, id string, it order.Item) error
	SetTotal(ctx context.Context, id, total string) error
	SetMeta(ctx context.Context, id, key, value string) error
	ReduceStock(ctx context.Context, id string) error
	ClearCart(ctx context.Context, cartRef string) error
}

// Catalog resolves products for the direct-purchase flow.
type Catalog interface {
	Product(ctx context.Context, id string) (order.Product, error)
}

// Service builds payment requests and binds them to orders.
type Service struct {
	Store   OrderStore
	Catalog Catalog
	Client  mcash.Client

	GatewayID    string
	GatewayTitle string
	Currency     string

	CallbackURI      string
	SuccessReturnURL string
	CancelReturnURL  string
	CartURL          string

	ExpressEnabled bool
	DirectEnabled  bool

	ShippingPrice     float64
	ShippingFreeLimit float64

	Logger zerolog.Logger
}

// DirectInput identifies the product a direct purchase is for.
type DirectInput struct {
	ProductID     string `json:"product_id" validate:"required"`
	Quantity      int    `json:"quantity" validate:"required,gt=0"`
	VariationID   string `json:"variation_id"`
	VariationData string `json:"variation_data"`
}

// ProcessPayment creates a payment request for an existing order and returns
// the provider URI the customer must be redirected to. On success the
// transaction id and type are persisted, stock is reduced and the cart cleared.
func (s *Service) ProcessPayment(ctx context.Context, o order.Order, txType string) (string, error) {
	params := mcash.CreateParams{
		SuccessReturnURI: s.SuccessReturnURL,
		FailureReturnURI: s.CancelReturnURL,
		AllowCredit:      true,
		PosID:            s.GatewayID,
		PosTID:           o.ID,
		Action:           "auth",
		Amount:           o.Total,
		Text:             orderDescription(o),
		Currency:         valueOr(o.Currency, s.Currency),
		CallbackURI:      s.CallbackURI,
	}
	if txType == order.TransactionTypeDirect || txType == order.TransactionTypeExpress {
		params.RequiredScope = RequiredScope
	}

	pr, err := s.Client.Create(ctx, params)
	if err != nil {
		s.Logger.Error().Err(err).Str("order_id", o.ID).Msg("payment request creation failed")
		return "", fmt.Errorf("%w: %v", ErrPaymentInit, err)
	}
	if strings.TrimSpace(pr.URI) == "" {
		return "", ErrPaymentInit
	}

	if err := s.Store.SetMeta(ctx, o.ID, order.MetaTransactionID, pr.ID); err != nil {
		return "", err
	}
	if err := s.Store.SetMeta(ctx, o.ID, order.MetaTransactionType, txType); err != nil {
		return "", err
	}
	if err := s.Store.ReduceStock(ctx, o.ID); err != nil {
		s.Logger.Warn().Err(err).Str("order_id", o.ID).Msg("stock reduction failed")
	}
	if o.CartRef != "" {
		if err := s.Store.ClearCart(ctx, o.CartRef); err != nil {
			s.Logger.Warn().Err(err).Str("order_id", o.ID).Msg("cart clear failed")
		}
	}
	return pr.URI, nil
}

// ExpressPurchase builds an order from the cart and starts an express payment.
// It always returns a redirect target: the provider portal on success, the
// cart page on failure. Failures never surface to the customer as errors.
func (s *Service) ExpressPurchase(ctx context.Context, cartRef string) string {
	if !s.ExpressEnabled {
		return s.CartURL
	}
	o, err := s.Store.CreateFromCart(ctx, cartRef, s.Currency, s.gatewayMeta())
	if err != nil {
		s.Logger.Error().Err(err).Str("cart_ref", cartRef).Msg("express order creation failed")
		return s.CartURL
	}
	o, err = s.applyShipping(ctx, o)
	if err != nil {
		s.failOrder(ctx, o.ID, err)
		return s.CartURL
	}
	uri, err := s.ProcessPayment(ctx, o, order.TransactionTypeExpress)
	if err != nil {
		s.failOrder(ctx, o.ID, err)
		return s.CartURL
	}
	return uri
}

// DirectPurchase creates a one-product order and starts a direct payment. Like
// express it resolves to a redirect target and never errors to the customer.
func (s *Service) DirectPurchase(ctx context.Context, in DirectInput) string {
	if !s.DirectEnabled {
		return s.CartURL
	}
	p, err := s.Catalog.Product(ctx, in.ProductID)
	if err != nil {
		s.Logger.Error().Err(err).Str("product_id", in.ProductID).Msg("direct purchase product lookup failed")
		return s.CartURL
	}
	name := p.Name
	if in.VariationData != "" {
		name = name + " (" + in.VariationData + ")"
	}
	line := p.Price * float64(in.Quantity)
	items := []order.Item{{ProductID: p.ID, Name: name, Qty: in.Quantity, Subtotal: formatAmount(line), Virtual: p.Virtual}}
	total := line
	if ship := s.shippingFor(line, p.Virtual); ship > 0 {
		items = append(items, order.Item{Name: shippingItemName, Qty: 1, Subtotal: formatAmount(ship)})
		total += ship
	}
	o, err := s.Store.Create(ctx, order.NewOrder{
		Status:   order.StatusPending,
		Currency: s.Currency,
		Total:    formatAmount(total),
		Items:    items,
		Meta:     s.gatewayMeta(),
	})
	if err != nil {
		s.Logger.Error().Err(err).Str("product_id", in.ProductID).Msg("direct order creation failed")
		return s.CartURL
	}
	uri, err := s.ProcessPayment(ctx, o, order.TransactionTypeDirect)
	if err != nil {
		s.failOrder(ctx, o.ID, err)
		return s.CartURL
	}
	return uri
}

// applyShipping adds the flat-rate shipping line to a cart-built order when the
// threshold rule says shipping is due.
func (s *Service) applyShipping(ctx context.Context, o order.Order) (order.Order, error) {
	total, err := strconv.ParseFloat(o.Total, 64)
	if err != nil {
		return o, fmt.Errorf("checkout: parse order total %q: %w", o.Total, err)
	}
	ship := s.shippingFor(total, o.AllVirtual())
	if ship <= 0 {
		return o, nil
	}
	line := order.Item{Name: shippingItemName, Qty: 1, Subtotal: formatAmount(ship)}
	if err := s.Store.AddItem(ctx, o.ID, line); err != nil {
		return o, err
	}
	if err := s.Store.SetTotal(ctx, o.ID, formatAmount(total+ship)); err != nil {
		return o, err
	}
	o.Items = append(o.Items, line)
	o.Total = formatAmount(total + ship)
	return o, nil
}

// shippingFor applies the flat/threshold rule: free strictly above the limit,
// flat price otherwise, never charged on all-virtual orders. An order totalling
// exactly the limit still pays shipping.
func (s *Service) shippingFor(total float64, allVirtual bool) float64 {
	if allVirtual || s.ShippingPrice <= 0 {
		return 0
	}
	if s.ShippingFreeLimit > 0 && total > s.ShippingFreeLimit {
		return 0
	}
	return s.ShippingPrice
}

func (s *Service) failOrder(ctx context.Context, id string, cause error) {
	note := "mCASH payment initiation failed: " + cause.Error()
	if err := s.Store.UpdateStatus(ctx, id, order.StatusFailed, note); err != nil {
		s.Logger.Error().Err(err).Str("order_id", id).Msg("could not mark order failed")
	}
}

func (s *Service) gatewayMeta() map[string]string {
	return map[string]string{
		order.MetaPaymentMethod:      s.GatewayID,
		order.MetaPaymentMethodTitle: s.GatewayTitle,
	}
}

// orderDescription renders the line-item summary shown in the provider's app:
// one tab-separated line per item, qty, name and subtotal.
func orderDescription(o order.Order) string {
	var b strings.Builder
	for _, it := range o.Items {
		fmt.Fprintf(&b, "%d\t%s\t%s\n", it.Qty, it.Name, it.Subtotal)
	}
	return b.String()
}

// formatAmount renders a monetary value with two decimals and a period
// separator, as the provider API requires.
func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func valueOr(v, fallback string) string {
	if strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}
