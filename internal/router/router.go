package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/patrickwarner/rtbconnect/internal/exchange"
	"github.com/patrickwarner/rtbconnect/internal/geoip"
	"github.com/patrickwarner/rtbconnect/internal/logic"
	"github.com/patrickwarner/rtbconnect/internal/models"
	"github.com/patrickwarner/rtbconnect/internal/observability"
)

var (
	ErrUnknownExchange    = errors.New("unknown exchange")
	ErrDuplicateConnector = errors.New("exchange connector already added")
)

// AuctionSink receives every finished auction.
type AuctionSink interface {
	RecordAuction(ctx context.Context, a *models.Auction) error
}

// Options configures a Router.
type Options struct {
	ServiceName string
	Logger      *zap.Logger
	Metrics     observability.MetricsRegistry
	Agents      models.AgentStore
	Geo         *geoip.GeoIP
	Sink        AuctionSink
	// Registry defaults to exchange.DefaultRegistry().
	Registry *exchange.Registry

	DebugTrace     bool
	LogSampleRate  float64
	TracerProvider trace.TracerProvider
}

// Router owns the exchange connectors, the agent configurations and the
// compatibility cache, and evaluates every auction the connectors admit.
type Router struct {
	serviceName string
	logger      *zap.Logger
	metrics     observability.MetricsRegistry
	agents      models.AgentStore
	geo         *geoip.GeoIP
	sink        AuctionSink
	registry    *exchange.Registry
	cache       *ConfigCache
	pipeline    *Pipeline

	mu         sync.RWMutex
	connectors map[string]exchange.Connector

	rebuildMu sync.Mutex // serializes compatibility rebuilds
}

// New creates a router with no connectors.
func New(opts Options) *Router {
	if opts.Logger == nil {
		opts.Logger = zap.L()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewNoOpRegistry()
	}
	if opts.Agents == nil {
		opts.Agents = models.NewInMemoryAgentStore()
	}
	if opts.Registry == nil {
		opts.Registry = exchange.DefaultRegistry()
	}
	return &Router{
		serviceName: opts.ServiceName,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		agents:      opts.Agents,
		geo:         opts.Geo,
		sink:        opts.Sink,
		registry:    opts.Registry,
		cache:       NewConfigCache(opts.Logger, opts.Metrics),
		pipeline: NewPipeline(PipelineConfig{
			Logger:        opts.Logger,
			Metrics:       opts.Metrics,
			DebugTrace:     opts.DebugTrace,
			LogSampleRate:  opts.LogSampleRate,
			TracerProvider: opts.TracerProvider,
		}),
		connectors: make(map[string]exchange.Connector),
	}
}

// Agents returns the router's agent store.
func (r *Router) Agents() models.AgentStore { return r.agents }

// Cache returns the compatibility cache.
func (r *Router) Cache() *ConfigCache { return r.cache }

// CreateConnector builds a connector from the registry, configures it and
// adds it to the router.
func (r *Router) CreateConnector(exchangeType, name string, params json.RawMessage) (exchange.Connector, error) {
	conn, err := r.registry.Create(exchangeType, exchange.ServiceContext{
		ServiceName: r.serviceName,
		Logger:      r.logger,
		Metrics:     r.metrics,
	}, name)
	if err != nil {
		return nil, err
	}
	if err := conn.Configure(params); err != nil {
		return nil, fmt.Errorf("configure exchange %s: %w", name, err)
	}
	if err := r.AddConnector(conn); err != nil {
		return nil, err
	}
	return conn, nil
}

// AddConnector installs the router's callbacks on conn and builds its
// compatibility table.
func (r *Router) AddConnector(conn exchange.Connector) error {
	name := conn.ExchangeName()
	r.mu.Lock()
	if _, exists := r.connectors[name]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateConnector, name)
	}
	r.connectors[name] = conn
	r.mu.Unlock()

	conn.SetCallbacks(r.newAuctionHandler(conn), r.auctionDone)
	r.rebuild(conn)
	r.logger.Info("exchange connector added",
		zap.String("exchange", name),
		zap.String("exchange_type", conn.ExchangeType()))
	return nil
}

// RemoveConnector shuts the connector down and forgets it.
func (r *Router) RemoveConnector(ctx context.Context, name string) error {
	r.mu.Lock()
	conn, ok := r.connectors[name]
	delete(r.connectors, name)
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownExchange, name)
	}
	err := conn.Shutdown(ctx)
	r.cache.Remove(name)
	return err
}

// Connector returns the named connector.
func (r *Router) Connector(name string) (exchange.Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.connectors[name]
	return conn, ok
}

// Connectors returns every connector ordered by name.
func (r *Router) Connectors() []exchange.Connector {
	r.mu.RLock()
	out := make([]exchange.Connector, 0, len(r.connectors))
	for _, c := range r.connectors {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ExchangeName() < out[j].ExchangeName() })
	return out
}

// Configure replaces a connector's parameters and rebuilds its compatibility.
func (r *Router) Configure(name string, params json.RawMessage) error {
	conn, ok := r.Connector(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownExchange, name)
	}
	if err := conn.Configure(params); err != nil {
		return err
	}
	r.rebuild(conn)
	return nil
}

// ReloadAgents replaces every agent configuration and rebuilds compatibility
// for all connectors.
func (r *Router) ReloadAgents(agents []models.AgentConfig) error {
	if err := r.agents.ReloadAll(agents); err != nil {
		return err
	}
	r.RefreshCompatibility()
	return nil
}

// RefreshCompatibility rebuilds the compatibility table of every connector
// from the current agent store.
func (r *Router) RefreshCompatibility() {
	for _, conn := range r.Connectors() {
		r.rebuild(conn)
	}
}

func (r *Router) rebuild(conn exchange.Connector) {
	r.rebuildMu.Lock()
	defer r.rebuildMu.Unlock()
	r.cache.Rebuild(conn, r.agents.GetAll())
}

// Audit evaluates one agent on one exchange with reasons.
func (r *Router) Audit(exchangeName string, agentID int) (exchange.CampaignCompatibility, error) {
	conn, ok := r.Connector(exchangeName)
	if !ok {
		return exchange.CampaignCompatibility{}, fmt.Errorf("%w: %s", ErrUnknownExchange, exchangeName)
	}
	agent := r.agents.Get(agentID)
	if agent == nil {
		return exchange.CampaignCompatibility{}, fmt.Errorf("agent %d: %w", agentID, models.ErrNotFound)
	}
	return r.cache.Audit(conn, agent), nil
}

// Start starts every connector.
func (r *Router) Start(ctx context.Context) error {
	var errs []error
	for _, conn := range r.Connectors() {
		if err := conn.Start(ctx); err != nil {
			errs = append(errs, fmt.Errorf("start exchange %s: %w", conn.ExchangeName(), err))
		}
	}
	return errors.Join(errs...)
}

// Shutdown drains every connector in parallel.
func (r *Router) Shutdown(ctx context.Context) error {
	conns := r.Connectors()
	errs := make([]error, len(conns))
	var wg sync.WaitGroup
	for i, conn := range conns {
		wg.Add(1)
		go func(i int, conn exchange.Connector) {
			defer wg.Done()
			if err := conn.Shutdown(ctx); err != nil {
				errs[i] = fmt.Errorf("shutdown exchange %s: %w", conn.ExchangeName(), err)
			}
		}(i, conn)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// HandleBidRequest submits req to the named connector. For admitted requests
// the returned auction is already evaluated and finished.
func (r *Router) HandleBidRequest(ctx context.Context, exchangeName string, req *models.BidRequest) (*models.Auction, error) {
	conn, ok := r.Connector(exchangeName)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownExchange, exchangeName)
	}
	return conn.SubmitBidRequest(ctx, req)
}

func (r *Router) newAuctionHandler(conn exchange.Connector) exchange.AuctionHandler {
	return func(ctx context.Context, a *models.Auction) {
		r.evaluate(ctx, conn, a)
		if err := conn.FinishAuction(ctx, a); err != nil {
			r.logger.Warn("failed to finish auction",
				zap.String("exchange", conn.ExchangeName()),
				zap.String("auction_id", a.ID.String()),
				zap.Error(err))
		}
	}
}

// evaluate fills in the auction's candidates and outcome.
func (r *Router) evaluate(ctx context.Context, conn exchange.Connector, a *models.Auction) {
	defer func() {
		if rec := recover(); rec != nil {
			a.Candidates = nil
			a.Outcome = models.OutcomeError
			r.logger.Error("auction evaluation panicked",
				zap.String("exchange", conn.ExchangeName()),
				zap.String("auction_id", a.ID.String()),
				zap.Any("panic", rec))
		}
	}()

	tctx := logic.EnrichRequest(r.geo, a.Request)
	res := r.pipeline.Run(ctx, conn, r.cache.Snapshot(conn.ExchangeName()), a.Request, tctx)
	a.Candidates = res.Candidates
	if res.Trace != nil {
		a.Trace = res.Trace.Steps
	}
	if len(a.Candidates) > 0 {
		a.Outcome = models.OutcomeCandidates
	} else {
		a.Outcome = models.OutcomeNoCandidates
	}
}

func (r *Router) auctionDone(ctx context.Context, a *models.Auction) {
	r.metrics.RecordCandidates(a.Exchange, len(a.Candidates))
	if r.sink == nil {
		return
	}
	if err := r.sink.RecordAuction(context.WithoutCancel(ctx), a); err != nil {
		r.metrics.IncrementAnalyticsErrors()
		r.logger.Warn("failed to record auction",
			zap.String("exchange", a.Exchange),
			zap.String("auction_id", a.ID.String()),
			zap.Error(err))
	}
}
