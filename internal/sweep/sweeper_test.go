package sweep_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/klappmedia/mcash-gateway/internal/order"
	"github.com/klappmedia/mcash-gateway/internal/sweep"
)

type stubLister struct {
	orders []order.Order
	err    error
	gotID  string
}

func (s *stubLister) ListAuthorized(_ context.Context, gatewayID string) ([]order.Order, error) {
	s.gotID = gatewayID
	return s.orders, s.err
}

type stubReauthorizer struct {
	mu      sync.Mutex
	seen    []string
	failFor map[string]error
}

func (s *stubReauthorizer) Reauthorize(_ context.Context, o order.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, o.ID)
	if err, ok := s.failFor[o.ID]; ok {
		return err
	}
	return nil
}

func TestSweepVisitsEveryOrder(t *testing.T) {
	lister := &stubLister{orders: []order.Order{{ID: "o1"}, {ID: "o2"}, {ID: "o3"}}}
	reauth := &stubReauthorizer{}
	s := &sweep.Sweeper{
		Store:        lister,
		Orchestrator: reauth,
		GatewayID:    "mcash",
		Concurrency:  2,
		Logger:       zerolog.Nop(),
	}

	require.NoError(t, s.Run(context.Background()))
	require.Equal(t, "mcash", lister.gotID)
	require.ElementsMatch(t, []string{"o1", "o2", "o3"}, reauth.seen)
}

func TestSweepIsolatesFailures(t *testing.T) {
	lister := &stubLister{orders: []order.Order{{ID: "o1"}, {ID: "o2"}, {ID: "o3"}}}
	reauth := &stubReauthorizer{failFor: map[string]error{"o2": errors.New("authorization expired")}}
	s := &sweep.Sweeper{
		Store:        lister,
		Orchestrator: reauth,
		GatewayID:    "mcash",
		Concurrency:  1,
		Logger:       zerolog.Nop(),
	}

	require.NoError(t, s.Run(context.Background()), "one bad order must not fail the sweep")
	require.Len(t, reauth.seen, 3)
}

func TestSweepPropagatesListFailure(t *testing.T) {
	lister := &stubLister{err: errors.New("db down")}
	s := &sweep.Sweeper{
		Store:        lister,
		Orchestrator: &stubReauthorizer{},
		GatewayID:    "mcash",
		Logger:       zerolog.Nop(),
	}
	require.Error(t, s.Run(context.Background()))
}

func TestSweepEmptyListIsNoop(t *testing.T) {
	lister := &stubLister{}
	reauth := &stubReauthorizer{}
	s := &sweep.Sweeper{Store: lister, Orchestrator: reauth, GatewayID: "mcash", Logger: zerolog.Nop()}
	require.NoError(t, s.Run(context.Background()))
	require.Empty(t, reauth.seen)
}
