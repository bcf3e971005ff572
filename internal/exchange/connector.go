package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/patrickwarner/rtbconnect/internal/models"
	"github.com/patrickwarner/rtbconnect/internal/observability"
)

// AuctionHandler receives auctions from a connector. ctx is the context of the
// SubmitBidRequest or FinishAuction call that produced the callback.
type AuctionHandler func(ctx context.Context, a *models.Auction)

// ServiceContext is what the owning router hands to every connector it creates.
type ServiceContext struct {
	ServiceName string
	Logger      *zap.Logger
	Metrics     observability.MetricsRegistry
}

func (s ServiceContext) logger() *zap.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return zap.L()
}

func (s ServiceContext) metrics() observability.MetricsRegistry {
	if s.Metrics != nil {
		return s.Metrics
	}
	return observability.NewNoOpRegistry()
}

// Filters is the per-bid-request admission path of an exchange. PreFilter must
// be cheap because it sees every campaign; PostFilter and CreativeFilter only
// see campaigns that survived the earlier stages. info is the payload cached by
// the exchange's Evaluator (the creative's payload for CreativeFilter) and must
// not be modified. All three are called concurrently.
type Filters interface {
	PreFilter(req *models.BidRequest, cfg *models.AgentConfig, info CachedInfo) bool
	PostFilter(req *models.BidRequest, cfg *models.AgentConfig, info CachedInfo) bool
	CreativeFilter(req *models.BidRequest, cfg *models.AgentConfig, info CachedInfo) bool
}

// Connector is one exchange integration owned by the router. Concrete exchanges
// embed *Base and override the parts of the contract they need.
type Connector interface {
	Evaluator
	Filters

	ExchangeName() string
	ExchangeType() string

	// Configure applies exchange parameters, replacing any earlier configuration.
	// Unknown or invalid fields fail with ErrInvalidConfig and leave the prior
	// configuration in place.
	Configure(params json.RawMessage) error
	Start(ctx context.Context) error
	// Shutdown drains in-flight auctions. After it returns no callback runs again.
	Shutdown(ctx context.Context) error

	// EnableUntil and SetCallbacks are ignored once Shutdown has begun;
	// SetAcceptBidRequestProbability fails with ErrShutDown.
	EnableUntil(deadline time.Time)
	SetAcceptBidRequestProbability(p float64) error
	SetCallbacks(onNewAuction, onAuctionDone AuctionHandler)

	// SubmitBidRequest is called by the exchange I/O layer for every decoded
	// request. Admitted requests become auctions delivered to onNewAuction.
	SubmitBidRequest(ctx context.Context, req *models.BidRequest) (*models.Auction, error)
	// FinishAuction reports the outcome of an auction and triggers onAuctionDone.
	FinishAuction(ctx context.Context, a *models.Auction) error

	Status() Status
}

// Status is a point-in-time view of a connector for admin endpoints.
type Status struct {
	Name              string    `json:"name"`
	Type              string    `json:"type"`
	State             string    `json:"state"`
	EnabledUntil      time.Time `json:"enabled_until"`
	Enabled           bool      `json:"enabled"`
	AcceptProbability float64   `json:"accept_probability"`
	PendingAuctions   int64     `json:"pending_auctions"`
}

// DecodeParams strictly decodes exchange parameters into dst. Empty or null
// params leave dst untouched. Unknown fields, type mismatches and trailing data
// are reported as ErrInvalidConfig.
func DecodeParams(params json.RawMessage, dst any) error {
	trimmed := bytes.TrimSpace(params)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil
	}
	dec := gojson.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if dec.More() {
		return fmt.Errorf("%w: unexpected data after parameters object", ErrInvalidConfig)
	}
	return nil
}
