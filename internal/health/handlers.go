package health

import (
	"context"
	"net/http"
	"time"

	"github.com/klappmedia/mcash-gateway/internal/common"
)

// Checker probes the gateway's hard dependencies.
type Checker struct {
	PingDB    func(ctx context.Context) error
	PingRedis func(ctx context.Context) error
}

// Live reports process liveness.
func (c Checker) Live(w http.ResponseWriter, _ *http.Request) {
	common.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready reports whether the gateway can serve traffic: both the order store
// and redis must answer within a short deadline.
func (c Checker) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{"database": "ok", "redis": "ok"}
	healthy := true
	if c.PingDB != nil {
		if err := c.PingDB(ctx); err != nil {
			checks["database"] = err.Error()
			healthy = false
		}
	}
	if c.PingRedis != nil {
		if err := c.PingRedis(ctx); err != nil {
			checks["redis"] = err.Error()
			healthy = false
		}
	}
	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}
	common.JSON(w, status, map[string]any{"status": checks})
}
