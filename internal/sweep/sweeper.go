package sweep

import (
	"context"
	"sync"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/klappmedia/mcash-gateway/internal/obs"
	"github.com/klappmedia/mcash-gateway/internal/order"
)

// TaskReauthorize is the asynq task type for the daily authorization sweep.
const TaskReauthorize = "sweep:reauthorize"

// Lister finds orders still sitting on an authorization.
type Lister interface {
	ListAuthorized(ctx context.Context, gatewayID string) ([]order.Order, error)
}

// Reauthorizer refreshes a single order's authorization.
type Reauthorizer interface {
	Reauthorize(ctx context.Context, o order.Order) error
}

// Sweeper refreshes stale authorizations once a day so they do not expire
// before the merchant captures. Fire-and-forget maintenance: results go to
// logs and metrics only.
type Sweeper struct {
	Store        Lister
	Orchestrator Reauthorizer
	GatewayID    string
	Concurrency  int
	Logger       zerolog.Logger
}

// Run sweeps every authorized order once. Orders are processed with bounded
// concurrency and each failure is isolated: one bad order never blocks the
// rest.
func (s *Sweeper) Run(ctx context.Context) error {
	orders, err := s.Store.ListAuthorized(ctx, s.GatewayID)
	if err != nil {
		return err
	}
	if len(orders) == 0 {
		s.Logger.Info().Msg("reauthorization sweep: nothing to do")
		return nil
	}

	workers := s.Concurrency
	if workers <= 0 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	for _, o := range orders {
		wg.Add(1)
		sem <- struct{}{}
		go func(o order.Order) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := s.Orchestrator.Reauthorize(ctx, o); err != nil {
				countSweep("error")
				s.Logger.Error().Err(err).Str("order_id", o.ID).Msg("reauthorization failed")
				return
			}
			countSweep("ok")
			s.Logger.Info().Str("order_id", o.ID).Msg("authorization refreshed")
		}(o)
	}
	wg.Wait()
	s.Logger.Info().Int("orders", len(orders)).Msg("reauthorization sweep finished")
	return nil
}

// HandleTask adapts Run to the asynq task interface.
func (s *Sweeper) HandleTask(ctx context.Context, _ *asynq.Task) error {
	return s.Run(ctx)
}

func countSweep(result string) {
	if obs.SweepOrdersTotal != nil {
		obs.SweepOrdersTotal.WithLabelValues(result).Inc()
	}
}
