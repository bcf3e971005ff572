package api

import (
	"net/http"
	"time"

	"github.com/patrickwarner/rtbconnect/internal/exchange"
)

// HealthHandler responds with a simple status check. The service is degraded
// while no connector is running.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "health"
	const method = "GET"

	running := 0
	conns := s.Router.Connectors()
	for _, c := range conns {
		if c.Status().State == exchange.StateRunning.String() {
			running++
		}
	}
	status := "ok"
	if len(conns) > 0 && running == 0 {
		status = "degraded"
	}

	_ = writeJSON(w, http.StatusOK, map[string]any{
		"status":    status,
		"exchanges": len(conns),
		"running":   running,
		"agents":    len(s.Router.Agents().GetAll()),
	})
	s.observe(endpoint, method, http.StatusOK, start)
}
