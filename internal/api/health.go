package api

import (
	"context"
	"net/http"
	"time"
)

// healthCheckTimeout bounds dependency probes so a wedged database cannot
// hang the readiness endpoint.
const healthCheckTimeout = 2 * time.Second

// HandleHealth is a basic health check for load balancers.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleHealthLive reports process liveness. It always succeeds while the
// process can serve requests.
func (s *Server) HandleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// HandleHealthReady reports readiness: the checkpoint database must answer a
// ping before the instance should receive traffic.
func (s *Server) HandleHealthReady(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	ready := true

	if s.DBHealth != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := s.DBHealth.Ping(ctx)
		cancel()
		if err != nil {
			checks["database"] = "unavailable: " + err.Error()
			ready = false
		} else {
			checks["database"] = "ok"
		}
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not ready"
	}
	writeJSON(w, status, map[string]any{"status": state, "checks": checks})
}
