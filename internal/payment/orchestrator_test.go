package payment_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/klappmedia/mcash-gateway/internal/mcash"
	"github.com/klappmedia/mcash-gateway/internal/order"
	"github.com/klappmedia/mcash-gateway/internal/payment"
)

type stubStore struct {
	orders    map[string]order.Order
	notes     []string
	statuses  []string
	addresses []order.Address
	customers map[string]string
	created   int
	attached  []string
	getErr    error
}

func newStubStore(orders ...order.Order) *stubStore {
	s := &stubStore{orders: map[string]order.Order{}, customers: map[string]string{}}
	for _, o := range orders {
		if o.Meta == nil {
			o.Meta = map[string]string{}
		}
		s.orders[o.ID] = o
	}
	return s
}

func (s *stubStore) Get(_ context.Context, id string) (order.Order, error) {
	if s.getErr != nil {
		return order.Order{}, s.getErr
	}
	o, ok := s.orders[id]
	if !ok {
		return order.Order{}, order.ErrNotFound
	}
	return o, nil
}

func (s *stubStore) UpdateStatus(_ context.Context, id string, status order.Status, note string) error {
	o, ok := s.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	o.Status = status
	s.orders[id] = o
	s.statuses = append(s.statuses, id+":"+string(status))
	if note != "" {
		s.notes = append(s.notes, note)
	}
	return nil
}

func (s *stubStore) SetMeta(_ context.Context, id, key, value string) error {
	o, ok := s.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	o.Meta[key] = value
	return nil
}

func (s *stubStore) AddNote(_ context.Context, _, note string) error {
	s.notes = append(s.notes, note)
	return nil
}

func (s *stubStore) PaymentComplete(_ context.Context, id, tid string) error {
	o, ok := s.orders[id]
	if !ok {
		return order.ErrNotFound
	}
	o.Meta[order.MetaCaptureRef] = tid
	o.Meta[order.MetaPaidDate] = "2026-08-28 12:00:00"
	return nil
}

func (s *stubStore) SetAddress(_ context.Context, id string, addr order.Address) error {
	if _, ok := s.orders[id]; !ok {
		return order.ErrNotFound
	}
	s.addresses = append(s.addresses, addr)
	return nil
}

func (s *stubStore) AttachCustomer(_ context.Context, id, customerID string) error {
	s.attached = append(s.attached, id+":"+customerID)
	return nil
}

func (s *stubStore) ResolveCustomer(_ context.Context, email string) (string, error) {
	if id, ok := s.customers[email]; ok {
		return id, nil
	}
	return "", order.ErrNoCustomer
}

func (s *stubStore) CreateCustomer(_ context.Context, email, _ string) (string, error) {
	s.created++
	id := fmt.Sprintf("cust-%d", s.created)
	s.customers[email] = id
	return id, nil
}

type stubClient struct {
	outcomes   []mcash.Outcome
	outcomeIdx int
	outcomeErr error

	captureCalls  int
	releaseCalls  int
	refundCalls   int
	retrieveCalls int
	reauthCalls   int

	captureErr error
	releaseErr error
	refundErr  error
	reauthErr  error

	refunds []mcash.RefundParams
}

func (c *stubClient) Create(context.Context, mcash.CreateParams) (mcash.PaymentRequest, error) {
	return mcash.PaymentRequest{}, errors.New("not implemented")
}

func (c *stubClient) Retrieve(context.Context, string) (mcash.PaymentRequest, error) {
	c.retrieveCalls++
	return mcash.PaymentRequest{}, nil
}

func (c *stubClient) Outcome(context.Context, string) (mcash.Outcome, error) {
	if c.outcomeErr != nil {
		return mcash.Outcome{}, c.outcomeErr
	}
	if len(c.outcomes) == 0 {
		return mcash.Outcome{}, errors.New("no outcome configured")
	}
	i := c.outcomeIdx
	if i >= len(c.outcomes) {
		i = len(c.outcomes) - 1
	}
	c.outcomeIdx++
	return c.outcomes[i], nil
}

func (c *stubClient) Capture(context.Context, string) error {
	c.captureCalls++
	return c.captureErr
}

func (c *stubClient) Release(context.Context, string) error {
	c.releaseCalls++
	return c.releaseErr
}

func (c *stubClient) Refund(_ context.Context, _ string, params mcash.RefundParams) error {
	c.refundCalls++
	c.refunds = append(c.refunds, params)
	return c.refundErr
}

func (c *stubClient) Reauthorize(context.Context, string) error {
	c.reauthCalls++
	return c.reauthErr
}

func authorizedOrder(id string) order.Order {
	return order.Order{
		ID:       id,
		Status:   order.StatusProcessing,
		Total:    "250.00",
		Currency: "NOK",
		Meta: map[string]string{
			order.MetaPaymentMethod: "mcash",
			order.MetaTransactionID: "tid-" + id,
			order.MetaPaymentStatus: "auth",
		},
	}
}

func newOrchestrator(store *stubStore, client *stubClient) *payment.Orchestrator {
	return &payment.Orchestrator{
		Store:     store,
		Client:    client,
		GatewayID: "mcash",
		CaptureOn: order.StatusCompleted,
		Logger:    zerolog.Nop(),
	}
}

func TestCaptureIdempotent(t *testing.T) {
	store := newStubStore(authorizedOrder("o1"))
	client := &stubClient{outcomes: []mcash.Outcome{{Status: mcash.StatusOK}}}
	x := newOrchestrator(store, client)

	o, _ := store.Get(context.Background(), "o1")
	require.True(t, x.Capture(context.Background(), o))
	require.Equal(t, 1, client.captureCalls)
	require.Equal(t, "tid-o1", store.orders["o1"].Meta[order.MetaCaptureRef])
	require.Equal(t, "ok", store.orders["o1"].Meta[order.MetaPaymentStatus])

	o, _ = store.Get(context.Background(), "o1")
	require.False(t, x.Capture(context.Background(), o))
	require.Equal(t, 1, client.captureCalls, "second capture must not hit the provider")
}

func TestCaptureWrongMethodFailsClosed(t *testing.T) {
	o := authorizedOrder("o1")
	o.Meta[order.MetaPaymentMethod] = "stripe"
	store := newStubStore(o)
	client := &stubClient{}
	x := newOrchestrator(store, client)

	require.False(t, x.Capture(context.Background(), o))
	require.Zero(t, client.captureCalls)
	require.Empty(t, store.notes)
}

func TestCaptureProviderFailureLeavesNote(t *testing.T) {
	store := newStubStore(authorizedOrder("o1"))
	client := &stubClient{captureErr: errors.New("insufficient authorization")}
	x := newOrchestrator(store, client)

	o, _ := store.Get(context.Background(), "o1")
	require.False(t, x.Capture(context.Background(), o))
	require.Len(t, store.notes, 1)
	require.Contains(t, store.notes[0], "capture failed")
	require.Empty(t, store.orders["o1"].Meta[order.MetaCaptureRef])
}

func TestReleaseWrongMethodFailsClosed(t *testing.T) {
	o := authorizedOrder("o1")
	o.Meta[order.MetaPaymentMethod] = "vipps"
	store := newStubStore(o)
	client := &stubClient{}
	x := newOrchestrator(store, client)

	require.False(t, x.Release(context.Background(), o))
	require.Zero(t, client.releaseCalls)
}

func TestReleaseRecordsAuditFields(t *testing.T) {
	store := newStubStore(authorizedOrder("o1"))
	client := &stubClient{}
	x := newOrchestrator(store, client)

	o, _ := store.Get(context.Background(), "o1")
	require.True(t, x.Release(context.Background(), o))
	require.Equal(t, 1, client.releaseCalls)
	require.Equal(t, "tid-o1", store.orders["o1"].Meta[order.MetaCaptureRef])
	require.NotEmpty(t, store.orders["o1"].Meta[order.MetaPaidDate])
	require.Len(t, store.notes, 1)
	require.Contains(t, store.notes[0], "released")
}

func TestRefundRequiresCapture(t *testing.T) {
	store := newStubStore(authorizedOrder("o1"))
	client := &stubClient{}
	x := newOrchestrator(store, client)

	o, _ := store.Get(context.Background(), "o1")
	err := x.Refund(context.Background(), o, "100.00", "")
	require.ErrorIs(t, err, payment.ErrNotCaptured)
	require.Zero(t, client.refundCalls)
	require.Len(t, store.notes, 1)
}

func TestRefundWrongMethodNoProviderCall(t *testing.T) {
	o := authorizedOrder("o1")
	o.Meta[order.MetaPaymentMethod] = "klarna"
	store := newStubStore(o)
	client := &stubClient{}
	x := newOrchestrator(store, client)

	require.ErrorIs(t, x.Refund(context.Background(), o, "10", ""), payment.ErrWrongPaymentMethod)
	require.Zero(t, client.refundCalls)
}

func TestRefundNormalizesAmountAndSequencesIDs(t *testing.T) {
	o := authorizedOrder("o1")
	o.Meta[order.MetaCaptureRef] = "tid-o1"
	store := newStubStore(o)
	client := &stubClient{}
	x := newOrchestrator(store, client)

	o, _ = store.Get(context.Background(), "o1")
	require.NoError(t, x.Refund(context.Background(), o, "150,75", "damaged goods"))
	require.Equal(t, "150.75", client.refunds[0].Amount)
	require.Equal(t, "1", client.refunds[0].RefundID)
	require.Equal(t, "damaged goods", client.refunds[0].Text)
	require.Equal(t, "1", store.orders["o1"].Meta[order.MetaRefundID])

	o, _ = store.Get(context.Background(), "o1")
	require.NoError(t, x.Refund(context.Background(), o, "25.00", ""))
	require.Equal(t, "2", client.refunds[1].RefundID)
	require.Equal(t, "2", store.orders["o1"].Meta[order.MetaRefundID])
}

func TestRefundRejectedKeepsCounter(t *testing.T) {
	o := authorizedOrder("o1")
	o.Meta[order.MetaCaptureRef] = "tid-o1"
	store := newStubStore(o)
	client := &stubClient{refundErr: errors.New("amount exceeds capture")}
	x := newOrchestrator(store, client)

	o, _ = store.Get(context.Background(), "o1")
	err := x.Refund(context.Background(), o, "999.00", "")
	require.ErrorIs(t, err, payment.ErrRefundRejected)
	require.Empty(t, store.orders["o1"].Meta[order.MetaRefundID])
	require.True(t, strings.Contains(store.notes[0], "refund"))
}

func TestReauthorizeRetrievesThenReauths(t *testing.T) {
	store := newStubStore(authorizedOrder("o1"))
	client := &stubClient{}
	x := newOrchestrator(store, client)

	o, _ := store.Get(context.Background(), "o1")
	require.NoError(t, x.Reauthorize(context.Background(), o))
	require.Equal(t, 1, client.retrieveCalls)
	require.Equal(t, 1, client.reauthCalls)
}

func TestHandleStatusChangeAppliesCapturePolicy(t *testing.T) {
	store := newStubStore(authorizedOrder("o1"))
	client := &stubClient{outcomes: []mcash.Outcome{{Status: mcash.StatusOK}}}
	x := newOrchestrator(store, client)

	o, _ := store.Get(context.Background(), "o1")
	x.HandleStatusChange(context.Background(), o, order.StatusCompleted)
	require.Equal(t, 1, client.captureCalls)

	o2 := authorizedOrder("o2")
	store.orders["o2"] = o2
	x.HandleStatusChange(context.Background(), o2, order.StatusCancelled)
	require.Equal(t, 1, client.releaseCalls)
}
