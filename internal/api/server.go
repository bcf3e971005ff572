package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/patrickwarner/rtbconnect/internal/analytics"
	"github.com/patrickwarner/rtbconnect/internal/middleware"
	"github.com/patrickwarner/rtbconnect/internal/models"
	"github.com/patrickwarner/rtbconnect/internal/observability"
	"github.com/patrickwarner/rtbconnect/internal/router"
)

var tracer = otel.Tracer("rtbconnect/api")

// ErrNoAgentSource is returned by Reload when no agent store is configured.
var ErrNoAgentSource = errors.New("agent source unavailable")

// AgentSource loads the full set of agent configurations.
type AgentSource interface {
	LoadAgentConfigs(ctx context.Context) ([]models.AgentConfig, error)
}

// ControlPublisher broadcasts control messages to the other router instances.
type ControlPublisher interface {
	PublishControl(ctx context.Context, channel string, payload []byte) error
}

// AuctionLookup finds logged auctions for a bid request.
type AuctionLookup interface {
	GetAuctionsByRequestID(ctx context.Context, requestID string) ([]analytics.AuctionRecord, error)
}

// Server groups dependencies for HTTP handlers.
type Server struct {
	Logger     *zap.Logger
	Router     *router.Router
	Controller *router.Controller
	Agents     AgentSource
	Publisher  ControlPublisher
	Auctions   AuctionLookup
	Metrics    observability.MetricsRegistry
	// ControlChannel is where control messages are published.
	ControlChannel string
	DebugTrace     bool
	// MaxBodyBytes bounds bid request bodies.
	MaxBodyBytes int64
	reloadMu     sync.Mutex
}

// NewServer constructs a Server.
func NewServer(logger *zap.Logger, rt *router.Router, ctl *router.Controller, agents AgentSource, metrics observability.MetricsRegistry) *Server {
	if logger == nil {
		logger = zap.L()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	return &Server{
		Logger:         logger,
		Router:         rt,
		Controller:     ctl,
		Agents:         agents,
		Metrics:        metrics,
		ControlChannel: router.DefaultControlChannel,
		MaxBodyBytes:   1 << 20,
	}
}

// Handler returns the HTTP routes wrapped with tracing and request logging.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(middleware.WithTraceLogger(s.Logger))
	r.Use(middleware.Recover(s.Logger, s.Metrics))

	r.HandleFunc("/exchanges/{exchange}/bid", s.BidHandler).Methods("POST")
	r.HandleFunc("/exchanges", s.ListExchangesHandler).Methods("GET")
	r.HandleFunc("/exchanges/{exchange}/compatibility", s.CompatibilityHandler).Methods("GET")
	r.HandleFunc("/exchanges/{exchange}/control", s.ControlHandler).Methods("POST")
	r.HandleFunc("/auctions/{request_id}", s.AuctionsHandler).Methods("GET")
	r.HandleFunc("/reload", s.ReloadHandler).Methods("POST")
	r.HandleFunc("/health", s.HealthHandler).Methods("GET")

	// metrics endpoint
	r.Handle("/metrics", promhttp.Handler())

	return otelhttp.NewHandler(r, "rtbconnect",
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			if route := mux.CurrentRoute(req); route != nil {
				if tpl, err := route.GetPathTemplate(); err == nil {
					return req.Method + " " + tpl
				}
			}
			return req.Method + " " + req.URL.Path
		}))
}

// Reload refreshes agent configurations from the agent source and rebuilds
// every exchange's compatibility cache.
func (s *Server) Reload(ctx context.Context) error {
	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	if s.Agents == nil {
		return ErrNoAgentSource
	}
	agents, err := s.Agents.LoadAgentConfigs(ctx)
	if err != nil {
		return fmt.Errorf("load agents: %w", err)
	}
	if err := s.Router.ReloadAgents(agents); err != nil {
		return fmt.Errorf("reload agents: %w", err)
	}
	s.Logger.Info("agent configurations reloaded", zap.Int("agents", len(agents)))
	return nil
}

// observe records the request count and latency for an endpoint.
func (s *Server) observe(endpoint, method string, status int, start time.Time) {
	s.Metrics.IncrementRequests(endpoint, method, strconv.Itoa(status))
	s.Metrics.RecordRequestLatency(endpoint, method, time.Since(start))
}

// fail writes a plain-text error and records the request metrics.
func (s *Server) fail(w http.ResponseWriter, endpoint, method string, status int, msg string, start time.Time) {
	s.observe(endpoint, method, status, start)
	http.Error(w, msg, status)
}
