package http

import (
	"context"
	"net/http"
	"time"
)

// healthPingTimeout bounds each dependency check of /health.
const healthPingTimeout = 2 * time.Second

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ConnChecker is satisfied by the NATS event bus.
type ConnChecker interface {
	IsConnected() bool
}

// HealthChecks names the dependencies /health reports on. Nil fields are
// omitted from the response.
type HealthChecks struct {
	Version  string
	Postgres Pinger
	NATS     ConnChecker
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Postgres string `json:"postgres,omitempty"`
	NATS     string `json:"nats,omitempty"`
	Version  string `json:"version"`
}

// Health returns the /health handler. Any failed dependency turns the
// status to "degraded" and the code to 503.
func Health(hc HealthChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{Status: "ok", Version: hc.Version}
		if hc.Postgres != nil {
			ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
			resp.Postgres = "ok"
			if err := hc.Postgres.Ping(ctx); err != nil {
				resp.Postgres, resp.Status = "unreachable", "degraded"
			}
			cancel()
		}
		if hc.NATS != nil {
			resp.NATS = "ok"
			if !hc.NATS.IsConnected() {
				resp.NATS, resp.Status = "disconnected", "degraded"
			}
		}
		code := http.StatusOK
		if resp.Status != "ok" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, resp)
	}
}
