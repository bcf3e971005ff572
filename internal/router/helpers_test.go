package router

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/patrickwarner/rtbconnect/internal/exchange"
	"github.com/patrickwarner/rtbconnect/internal/models"
	"github.com/patrickwarner/rtbconnect/internal/observability"
)

// stubConnector lets tests script every policy hook. A nil hook falls back to
// the permissive Base behaviour.
type stubConnector struct {
	*exchange.Base
	campaignCompat func(cfg *models.AgentConfig) bool
	creativeCompat func(cr *models.Creative) bool
	pre            func(req *models.BidRequest, cfg *models.AgentConfig) bool
	post           func(req *models.BidRequest, cfg *models.AgentConfig) bool
	creative       func(req *models.BidRequest, cfg *models.AgentConfig, info exchange.CachedInfo) bool
}

func newStub(name string, metrics observability.MetricsRegistry) *stubConnector {
	return &stubConnector{Base: exchange.NewBase(exchange.ServiceContext{
		Logger:  zap.NewNop(),
		Metrics: metrics,
	}, "stub", name)}
}

func (s *stubConnector) CampaignCompatibility(cfg *models.AgentConfig, includeReasons bool) exchange.Compatibility {
	var c exchange.Compatibility
	if s.campaignCompat != nil && !s.campaignCompat(cfg) {
		c.SetIncompatibleReason("scripted campaign rejection", includeReasons)
		return c
	}
	c.SetCompatible()
	return c
}

func (s *stubConnector) CreativeCompatibility(cr *models.Creative, includeReasons bool) exchange.Compatibility {
	var c exchange.Compatibility
	if s.creativeCompat != nil && !s.creativeCompat(cr) {
		c.SetIncompatibleReason("scripted creative rejection", includeReasons)
		return c
	}
	c.SetCompatible()
	c.Info = cr.ID
	return c
}

func (s *stubConnector) PreFilter(req *models.BidRequest, cfg *models.AgentConfig, info exchange.CachedInfo) bool {
	return s.pre == nil || s.pre(req, cfg)
}

func (s *stubConnector) PostFilter(req *models.BidRequest, cfg *models.AgentConfig, info exchange.CachedInfo) bool {
	return s.post == nil || s.post(req, cfg)
}

func (s *stubConnector) CreativeFilter(req *models.BidRequest, cfg *models.AgentConfig, info exchange.CachedInfo) bool {
	return s.creative == nil || s.creative(req, cfg, info)
}

// recordingSink collects finished auctions.
type recordingSink struct {
	mu       sync.Mutex
	auctions []*models.Auction
	err      error
}

func (s *recordingSink) RecordAuction(ctx context.Context, a *models.Auction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auctions = append(s.auctions, a)
	return s.err
}

func (s *recordingSink) recorded() []*models.Auction {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*models.Auction(nil), s.auctions...)
}

func testAgent(id int, creatives ...models.Creative) models.AgentConfig {
	return models.AgentConfig{ID: id, Name: "agent", Active: true, Creatives: creatives}
}

// newTestRouter builds a router over agents with the given connectors added,
// started and enabled for a minute.
func newTestRouter(t *testing.T, opts Options, agents []models.AgentConfig, conns ...exchange.Connector) *Router {
	t.Helper()
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Agents == nil {
		opts.Agents = models.NewTestAgentStore(agents...)
	}
	r := New(opts)
	for _, c := range conns {
		require.NoError(t, c.Configure(nil))
		require.NoError(t, r.AddConnector(c))
		c.EnableUntil(time.Now().Add(time.Minute))
	}
	require.NoError(t, r.Start(context.Background()))
	t.Cleanup(func() { _ = r.Shutdown(context.Background()) })
	return r
}
