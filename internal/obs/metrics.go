package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// CallbackTotal counts provider callback processing outcomes.
	CallbackTotal *prometheus.CounterVec
	// PaymentOpsTotal counts capture/release/refund/reauthorize outcomes.
	PaymentOpsTotal *prometheus.CounterVec
	// AddressPollAttempts records how many outcome polls a callback needed
	// before the shipping address appeared.
	AddressPollAttempts prometheus.Histogram
	// SweepOrdersTotal counts per-order reauthorization sweep results.
	SweepOrdersTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		CallbackTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callback_total",
			Help:      "Count of processed provider callbacks by result.",
		}, []string{"result"})
		PaymentOpsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_ops_total",
			Help:      "Count of payment mutations by operation and result.",
		}, []string{"op", "result"})
		AddressPollAttempts = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "address_poll_attempts",
			Help:      "Outcome polls needed before the shipping address appeared.",
			Buckets:   []float64{1, 2, 3, 5, 8, 11},
		})
		SweepOrdersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_orders_total",
			Help:      "Per-order reauthorization results from the daily sweep.",
		}, []string{"result"})

		reg.MustRegister(CallbackTotal, PaymentOpsTotal, AddressPollAttempts, SweepOrdersTotal)
	})
}
