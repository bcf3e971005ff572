package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/rtbconnect/internal/middleware"
)

// ReloadHandler reloads agent configurations from Postgres.
func (s *Server) ReloadHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "reload"
	const method = "POST"

	if err := s.Reload(r.Context()); err != nil {
		middleware.LoggerFromRequest(r, s.Logger).Error("reload failed", zap.Error(err))
		s.fail(w, endpoint, method, http.StatusInternalServerError, "reload failed", start)
		return
	}

	s.observe(endpoint, method, http.StatusNoContent, start)
	w.WriteHeader(http.StatusNoContent)
}
