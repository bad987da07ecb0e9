package checkout_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/klappmedia/mcash-gateway/internal/checkout"
	"github.com/klappmedia/mcash-gateway/internal/mcash"
	"github.com/klappmedia/mcash-gateway/internal/order"
)

type stubStore struct {
	orders      map[string]order.Order
	nextID      int
	cartItems   []order.Item
	stockCalls  []string
	clearedCart []string
	failedNotes []string
	product     order.Product
	productErr  error
}

func newStubStore() *stubStore {
	return &stubStore{orders: map[string]order.Order{}}
}

func (s *stubStore) Get(_ context.Context, id string) (order.Order, error) {
	o, ok := s.orders[id]
	if !ok {
		return order.Order{}, order.ErrNotFound
	}
	return o, nil
}

func (s *stubStore) Create(_ context.Context, in order.NewOrder) (order.Order, error) {
	s.nextID++
	o := order.Order{
		ID:       fmt.Sprintf("order-%d", s.nextID),
		Status:   in.Status,
		Total:    in.Total,
		Currency: in.Currency,
		CartRef:  in.CartRef,
		Items:    in.Items,
		Meta:     map[string]string{},
	}
	for k, v := range in.Meta {
		o.Meta[k] = v
	}
	s.orders[o.ID] = o
	return o, nil
}

func (s *stubStore) CreateFromCart(ctx context.Context, cartRef, currency string, meta map[string]string) (order.Order, error) {
	if len(s.cartItems) == 0 {
		return order.Order{}, errors.New("cart is empty")
	}
	total := 0.0
	for _, it := range s.cartItems {
		var sub float64
		fmt.Sscanf(it.Subtotal, "%f", &sub)
		total += sub
	}
	return s.Create(ctx, order.NewOrder{
		Status:   order.StatusPending,
		Currency: currency,
		Total:    fmt.Sprintf("%.2f", total),
		CartRef:  cartRef,
		Items:    s.cartItems,
		Meta:     meta,
	})
}

func (s *stubStore) UpdateStatus(_ context.Context, id string, status order.Status, note string) error {
	o, ok := s.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	o.Status = status
	s.orders[id] = o
	if status == order.StatusFailed {
		s.failedNotes = append(s.failedNotes, note)
	}
	return nil
}

func (s *stubStore) AddItem(_ context.Context, id string, it order.Item) error {
	o, ok := s.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	o.Items = append(o.Items, it)
	s.orders[id] = o
	return nil
}

func (s *stubStore) SetTotal(_ context.Context, id, total string) error {
	o, ok := s.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	o.Total = total
	s.orders[id] = o
	return nil
}

func (s *stubStore) SetMeta(_ context.Context, id, key, value string) error {
	o, ok := s.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	o.Meta[key] = value
	s.orders[id] = o
	return nil
}

func (s *stubStore) ReduceStock(_ context.Context, id string) error {
	s.stockCalls = append(s.stockCalls, id)
	return nil
}

func (s *stubStore) ClearCart(_ context.Context, cartRef string) error {
	s.clearedCart = append(s.clearedCart, cartRef)
	return nil
}

func (s *stubStore) Product(context.Context, string) (order.Product, error) {
	if s.productErr != nil {
		return order.Product{}, s.productErr
	}
	return s.product, nil
}

type stubClient struct {
	mcash.Client

	created   []mcash.CreateParams
	createURI string
	createErr error
}

func (c *stubClient) Create(_ context.Context, params mcash.CreateParams) (mcash.PaymentRequest, error) {
	c.created = append(c.created, params)
	if c.createErr != nil {
		return mcash.PaymentRequest{}, c.createErr
	}
	return mcash.PaymentRequest{ID: "tid-1", URI: c.createURI, PosTID: params.PosTID}, nil
}

func newService(store *stubStore, client *stubClient) *checkout.Service {
	return &checkout.Service{
		Store:             store,
		Catalog:           store,
		Client:            client,
		GatewayID:         "mcash",
		GatewayTitle:      "mCASH",
		Currency:          "NOK",
		CallbackURI:       "https://shop.example/api/v1/callback/mcash",
		SuccessReturnURL:  "https://shop.example/thanks",
		CancelReturnURL:   "https://shop.example/cancelled",
		CartURL:           "https://shop.example/cart",
		ExpressEnabled:    true,
		DirectEnabled:     true,
		ShippingPrice:     49,
		ShippingFreeLimit: 500,
		Logger:            zerolog.Nop(),
	}
}

func TestProcessPaymentPersistsTransaction(t *testing.T) {
	store := newStubStore()
	client := &stubClient{createURI: "mcash://pay/tid-1"}
	svc := newService(store, client)

	o, err := store.Create(context.Background(), order.NewOrder{
		Status:   order.StatusPending,
		Currency: "NOK",
		Total:    "250.00",
		CartRef:  "cart-9",
		Items:    []order.Item{{Name: "Wool sweater", Qty: 1, Subtotal: "250.00"}},
	})
	require.NoError(t, err)

	uri, err := svc.ProcessPayment(context.Background(), o, order.TransactionTypeExpress)
	require.NoError(t, err)
	require.Equal(t, "mcash://pay/tid-1", uri)

	params := client.created[0]
	require.Equal(t, "mcash", params.PosID)
	require.Equal(t, o.ID, params.PosTID)
	require.Equal(t, "auth", params.Action)
	require.Equal(t, "250.00", params.Amount)
	require.True(t, params.AllowCredit)
	require.Equal(t, checkout.RequiredScope, params.RequiredScope)

	stored := store.orders[o.ID]
	require.Equal(t, "tid-1", stored.Meta[order.MetaTransactionID])
	require.Equal(t, order.TransactionTypeExpress, stored.Meta[order.MetaTransactionType])
	require.Equal(t, []string{o.ID}, store.stockCalls)
	require.Equal(t, []string{"cart-9"}, store.clearedCart)
}

func TestProcessPaymentOmitsScopeForPlainCheckout(t *testing.T) {
	store := newStubStore()
	client := &stubClient{createURI: "mcash://pay/tid-1"}
	svc := newService(store, client)

	o, _ := store.Create(context.Background(), order.NewOrder{Total: "10.00", Currency: "NOK",
		Items: []order.Item{{Name: "Socks", Qty: 1, Subtotal: "10.00"}}})
	_, err := svc.ProcessPayment(context.Background(), o, order.TransactionTypeNone)
	require.NoError(t, err)
	require.Empty(t, client.created[0].RequiredScope)
}

func TestOrderDescriptionFormat(t *testing.T) {
	store := newStubStore()
	client := &stubClient{createURI: "mcash://pay/tid-1"}
	svc := newService(store, client)
	store.cartItems = []order.Item{
		{Name: "Wool socks", Qty: 2, Subtotal: "100.00"},
		{Name: "Mittens", Qty: 1, Subtotal: "150.00"},
	}

	uri := svc.ExpressPurchase(context.Background(), "cart-1")
	require.Equal(t, "mcash://pay/tid-1", uri)
	require.Equal(t,
		"2\tWool socks\t100.00\n1\tMittens\t150.00\n1\tShipping cost \t49.00\n",
		client.created[0].Text)
	require.Equal(t, "299.00", client.created[0].Amount)
}

func TestExpressShippingFreeAboveLimit(t *testing.T) {
	store := newStubStore()
	client := &stubClient{createURI: "mcash://pay/tid-1"}
	svc := newService(store, client)
	store.cartItems = []order.Item{{Name: "Coat", Qty: 1, Subtotal: "600.00"}}

	svc.ExpressPurchase(context.Background(), "cart-1")
	require.Equal(t, "600.00", client.created[0].Amount)
	require.NotContains(t, client.created[0].Text, "Shipping cost")
}

func TestExpressShippingChargedAtExactLimit(t *testing.T) {
	store := newStubStore()
	client := &stubClient{createURI: "mcash://pay/tid-1"}
	svc := newService(store, client)
	store.cartItems = []order.Item{{Name: "Coat", Qty: 1, Subtotal: "500.00"}}

	svc.ExpressPurchase(context.Background(), "cart-1")
	require.Equal(t, "549.00", client.created[0].Amount, "an order totalling the limit still pays shipping")
	require.Contains(t, client.created[0].Text, "Shipping cost")
}

func TestExpressUsesConfiguredCurrency(t *testing.T) {
	store := newStubStore()
	client := &stubClient{createURI: "mcash://pay/tid-1"}
	svc := newService(store, client)
	svc.Currency = "SEK"
	store.cartItems = []order.Item{{Name: "Coat", Qty: 1, Subtotal: "600.00"}}

	svc.ExpressPurchase(context.Background(), "cart-1")
	require.Equal(t, "SEK", client.created[0].Currency)
	require.Equal(t, "SEK", store.orders["order-1"].Currency)
}

func TestExpressFailureRedirectsToCart(t *testing.T) {
	store := newStubStore()
	client := &stubClient{createErr: errors.New("merchant suspended")}
	svc := newService(store, client)
	store.cartItems = []order.Item{{Name: "Coat", Qty: 1, Subtotal: "600.00"}}

	uri := svc.ExpressPurchase(context.Background(), "cart-1")
	require.Equal(t, svc.CartURL, uri)
	require.Equal(t, order.StatusFailed, store.orders["order-1"].Status)
	require.Len(t, store.failedNotes, 1)
	require.Contains(t, store.failedNotes[0], "merchant suspended")
}

func TestExpressDisabled(t *testing.T) {
	store := newStubStore()
	client := &stubClient{createURI: "mcash://pay/tid-1"}
	svc := newService(store, client)
	svc.ExpressEnabled = false

	uri := svc.ExpressPurchase(context.Background(), "cart-1")
	require.Equal(t, svc.CartURL, uri)
	require.Empty(t, client.created)
}

func TestDirectPurchase(t *testing.T) {
	store := newStubStore()
	store.product = order.Product{ID: "p1", Name: "Wool sweater", Price: 200, Virtual: false}
	client := &stubClient{createURI: "mcash://pay/tid-1"}
	svc := newService(store, client)

	uri := svc.DirectPurchase(context.Background(), checkout.DirectInput{ProductID: "p1", Quantity: 2})
	require.Equal(t, "mcash://pay/tid-1", uri)

	params := client.created[0]
	require.Equal(t, "449.00", params.Amount, "two sweaters plus flat shipping")
	require.Equal(t, "2\tWool sweater\t400.00\n1\tShipping cost \t49.00\n", params.Text)

	stored := store.orders[params.PosTID]
	require.Equal(t, order.TransactionTypeDirect, stored.Meta[order.MetaTransactionType])
	require.Equal(t, "p1", stored.Items[0].ProductID, "product line must reference the catalog id for stock reduction")
	require.Empty(t, stored.Items[1].ProductID, "shipping line carries no product reference")
}

func TestDirectPurchaseVirtualSkipsShipping(t *testing.T) {
	store := newStubStore()
	store.product = order.Product{ID: "p1", Name: "E-book", Price: 99, Virtual: true}
	client := &stubClient{createURI: "mcash://pay/tid-1"}
	svc := newService(store, client)

	svc.DirectPurchase(context.Background(), checkout.DirectInput{ProductID: "p1", Quantity: 1})
	require.Equal(t, "99.00", client.created[0].Amount)
	require.NotContains(t, client.created[0].Text, "Shipping cost")
}

func TestDirectPurchaseProductMissing(t *testing.T) {
	store := newStubStore()
	store.productErr = order.ErrNotFound
	client := &stubClient{}
	svc := newService(store, client)

	uri := svc.DirectPurchase(context.Background(), checkout.DirectInput{ProductID: "nope", Quantity: 1})
	require.Equal(t, svc.CartURL, uri)
	require.Empty(t, client.created)
}
