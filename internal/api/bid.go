package api

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/patrickwarner/rtbconnect/internal/exchange"
	"github.com/patrickwarner/rtbconnect/internal/middleware"
	"github.com/patrickwarner/rtbconnect/internal/models"
	"github.com/patrickwarner/rtbconnect/internal/router"
)

// decodeBidRequest reads and unmarshals an OpenRTB bid request body.
func decodeBidRequest(r *http.Request, limit int64) (*models.BidRequest, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	defer func() {
		_ = r.Body.Close()
	}()
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("body exceeds %d bytes", limit)
	}

	var req models.BidRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	if req.ID == "" || len(req.Imp) == 0 {
		return nil, errors.New("id and imp[] required")
	}
	return &req, nil
}

// clientIP returns the first X-Forwarded-For hop or the remote address.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type bidResponseBody struct {
	models.BidResponse
	Debug []models.TraceStep `json:"debug,omitempty"`
}

// BidHandler handles POST /exchanges/{exchange}/bid. It submits the request to
// the exchange's connector and answers with the admitted (agent, creative)
// pairs, 204 when nothing was admitted and 503 when the exchange is not
// accepting traffic.
func (s *Server) BidHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["exchange"]
	ctx, span := tracer.Start(r.Context(), "BidHandler",
		trace.WithAttributes(attribute.String("exchange", name)))
	defer span.End()

	logger := middleware.LoggerFromRequest(r, s.Logger)
	start := time.Now()
	const endpoint = "bid"
	const method = "POST"

	req, err := decodeBidRequest(r, s.MaxBodyBytes)
	if err != nil {
		logger.Debug("decode bid request", zap.Error(err))
		s.fail(w, endpoint, method, http.StatusBadRequest, "invalid request", start)
		return
	}
	if req.Device.IP == "" {
		req.Device.IP = clientIP(r)
	}
	span.SetAttributes(attribute.String("request_id", req.ID), attribute.Int("imps", len(req.Imp)))

	auction, err := s.Router.HandleBidRequest(ctx, name, req)
	switch {
	case errors.Is(err, router.ErrUnknownExchange):
		s.fail(w, endpoint, method, http.StatusNotFound, "unknown exchange", start)
		return
	case errors.Is(err, exchange.ErrRejected), errors.Is(err, exchange.ErrLifecycle):
		w.Header().Set("Retry-After", "1")
		s.fail(w, endpoint, method, http.StatusServiceUnavailable, err.Error(), start)
		return
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error("submit bid request", zap.Error(err), zap.String("request_id", req.ID))
		s.fail(w, endpoint, method, http.StatusInternalServerError, "internal error", start)
		return
	}

	span.SetAttributes(
		attribute.String("auction_id", auction.ID.String()),
		attribute.String("outcome", auction.Outcome),
		attribute.Int("candidates", len(auction.Candidates)))

	if auction.Outcome == models.OutcomeError {
		s.fail(w, endpoint, method, http.StatusInternalServerError, "evaluation failed", start)
		return
	}
	if len(auction.Candidates) == 0 {
		s.observe(endpoint, method, http.StatusNoContent, start)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	out := bidResponseBody{BidResponse: models.BidResponse{
		ID:         req.ID,
		AuctionID:  auction.ID.String(),
		Candidates: auction.Candidates,
	}}
	if s.DebugTrace {
		out.Debug = auction.Trace
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		logger.Error("encode bid response", zap.Error(err))
		s.observe(endpoint, method, http.StatusInternalServerError, start)
		return
	}
	s.observe(endpoint, method, http.StatusOK, start)
}
