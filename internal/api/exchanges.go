package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/patrickwarner/rtbconnect/internal/exchange"
	"github.com/patrickwarner/rtbconnect/internal/middleware"
	"github.com/patrickwarner/rtbconnect/internal/models"
	"github.com/patrickwarner/rtbconnect/internal/router"
)

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

// ListExchangesHandler handles GET /exchanges.
func (s *Server) ListExchangesHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "list_exchanges"
	const method = "GET"

	conns := s.Router.Connectors()
	out := make([]exchange.Status, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.Status())
	}
	if err := writeJSON(w, http.StatusOK, out); err != nil {
		middleware.LoggerFromRequest(r, s.Logger).Error("encode exchanges", zap.Error(err))
	}
	s.observe(endpoint, method, http.StatusOK, start)
}

// CompatibilityHandler handles GET /exchanges/{exchange}/compatibility?agent=ID
// and reports why an agent and its creatives can or cannot run on the exchange.
func (s *Server) CompatibilityHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "compatibility"
	const method = "GET"

	name := mux.Vars(r)["exchange"]
	agentID, err := strconv.Atoi(r.URL.Query().Get("agent"))
	if err != nil {
		s.fail(w, endpoint, method, http.StatusBadRequest, "agent query parameter must be an integer", start)
		return
	}

	result, err := s.Router.Audit(name, agentID)
	switch {
	case errors.Is(err, router.ErrUnknownExchange):
		s.fail(w, endpoint, method, http.StatusNotFound, "unknown exchange", start)
		return
	case errors.Is(err, models.ErrNotFound):
		s.fail(w, endpoint, method, http.StatusNotFound, "unknown agent", start)
		return
	case err != nil:
		s.fail(w, endpoint, method, http.StatusInternalServerError, "audit failed", start)
		return
	}

	out := struct {
		Exchange string `json:"exchange"`
		AgentID  int    `json:"agent_id"`
		exchange.CampaignCompatibility
	}{name, agentID, result}
	if err := writeJSON(w, http.StatusOK, out); err != nil {
		middleware.LoggerFromRequest(r, s.Logger).Error("encode compatibility", zap.Error(err))
	}
	s.observe(endpoint, method, http.StatusOK, start)
}

// ControlHandler handles POST /exchanges/{exchange}/control with a body of
// {"action": "enable|disable|probability", "value": 0.5}. The message is
// applied locally and, when a publisher is configured, broadcast to the other
// router instances.
func (s *Server) ControlHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "control"
	const method = "POST"
	logger := middleware.LoggerFromRequest(r, s.Logger)

	if s.Controller == nil {
		s.fail(w, endpoint, method, http.StatusServiceUnavailable, "controller unavailable", start)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 64<<10))
	if err != nil {
		s.fail(w, endpoint, method, http.StatusBadRequest, "invalid request", start)
		return
	}
	var msg router.ControlMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		s.fail(w, endpoint, method, http.StatusBadRequest, "invalid json", start)
		return
	}
	msg.Exchange = mux.Vars(r)["exchange"]

	if err := s.Controller.Apply(msg); err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, router.ErrUnknownExchange):
			status = http.StatusNotFound
		case errors.Is(err, router.ErrInvalidControl):
			status = http.StatusBadRequest
		}
		s.fail(w, endpoint, method, status, err.Error(), start)
		return
	}

	if s.Publisher != nil {
		payload, err := json.Marshal(msg)
		if err == nil {
			err = s.Publisher.PublishControl(r.Context(), s.ControlChannel, payload)
		}
		if err != nil {
			logger.Warn("broadcast control message", zap.Error(err))
		}
	}

	conn, _ := s.Router.Connector(msg.Exchange)
	var status any
	if conn != nil {
		status = conn.Status()
	}
	if err := writeJSON(w, http.StatusOK, status); err != nil {
		logger.Error("encode control response", zap.Error(err))
	}
	s.observe(endpoint, method, http.StatusOK, start)
}

// AuctionsHandler handles GET /auctions/{request_id} and returns the logged
// auctions for a bid request.
func (s *Server) AuctionsHandler(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	const endpoint = "auctions"
	const method = "GET"

	if s.Auctions == nil {
		s.fail(w, endpoint, method, http.StatusServiceUnavailable, "auction log unavailable", start)
		return
	}
	records, err := s.Auctions.GetAuctionsByRequestID(r.Context(), mux.Vars(r)["request_id"])
	if err != nil {
		middleware.LoggerFromRequest(r, s.Logger).Error("query auctions", zap.Error(err))
		s.fail(w, endpoint, method, http.StatusInternalServerError, "query failed", start)
		return
	}
	if len(records) == 0 {
		s.fail(w, endpoint, method, http.StatusNotFound, "no auctions for request", start)
		return
	}
	if err := writeJSON(w, http.StatusOK, records); err != nil {
		middleware.LoggerFromRequest(r, s.Logger).Error("encode auctions", zap.Error(err))
	}
	s.observe(endpoint, method, http.StatusOK, start)
}
