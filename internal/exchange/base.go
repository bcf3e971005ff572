package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/patrickwarner/rtbconnect/internal/models"
	"github.com/patrickwarner/rtbconnect/internal/observability"
)

// State is the lifecycle state of a connector.
type State int32

const (
	StateCreated State = iota
	StateConfigured
	StateRunning
	StateShutDown
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateConfigured:
		return "configured"
	case StateRunning:
		return "running"
	case StateShutDown:
		return "shut_down"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Admission outcomes recorded for every submitted bid request.
const (
	OutcomeAdmitted   = "admitted"
	OutcomeDisabled   = "disabled"
	OutcomeSampledOut = "sampled_out"
	OutcomeThrottled  = "throttled"
	OutcomeNotRunning = "not_running"
	OutcomeShutDown   = "shut_down"
)

// Limiter throttles admission. A token bucket from internal/logic/ratelimit
// satisfies it.
type Limiter interface {
	Allow() bool
}

type callbacks struct {
	onNew  AuctionHandler
	onDone AuctionHandler
}

type limiterSlot struct {
	l Limiter
}

// Base implements the connector lifecycle, admission control and auction
// bookkeeping shared by every exchange, plus a fully permissive Evaluator and
// Filters. Exchanges embed *Base and override what they need.
//
// Lock order: mu (lifecycle) is never held while a callback runs.
type Base struct {
	name    string
	typ     string
	svc     ServiceContext
	logger  *zap.Logger
	metrics observability.MetricsRegistry

	mu       sync.RWMutex
	state    State
	draining bool

	enabledUntil atomic.Int64  // unix nanoseconds, 0 means never enabled
	acceptProb   atomic.Uint64 // math.Float64bits of the accept probability
	limiter      atomic.Pointer[limiterSlot]
	handlers     atomic.Pointer[callbacks]

	gateMu     sync.RWMutex
	gateClosed bool
	active     sync.WaitGroup // callbacks currently running

	inflight sync.WaitGroup // admitted auctions not yet finished
	pending  sync.Map       // uuid.UUID -> *models.Auction
	npending atomic.Int64
}

// NewBase creates the shared connector state for an exchange instance.
// The connector starts disabled until EnableUntil is called and accepts every
// request once enabled.
func NewBase(svc ServiceContext, exchangeType, name string) *Base {
	b := &Base{
		name:    name,
		typ:     exchangeType,
		svc:     svc,
		logger:  svc.logger().With(zap.String("exchange", name), zap.String("exchange_type", exchangeType)),
		metrics: svc.metrics(),
	}
	b.acceptProb.Store(math.Float64bits(1.0))
	b.handlers.Store(&callbacks{})
	return b
}

// ExchangeName returns the connector instance name.
func (b *Base) ExchangeName() string { return b.name }

// ExchangeType returns the registry type the connector was created from.
func (b *Base) ExchangeType() string { return b.typ }

// Logger returns the connector's logger.
func (b *Base) Logger() *zap.Logger { return b.logger }

// Metrics returns the connector's metrics registry.
func (b *Base) Metrics() observability.MetricsRegistry { return b.metrics }

// Configure accepts only empty parameters. Exchanges with settings override it
// and call ApplyConfig once their parameters are validated.
func (b *Base) Configure(params json.RawMessage) error {
	var none struct{}
	if err := DecodeParams(params, &none); err != nil {
		return err
	}
	return b.ApplyConfig(nil)
}

// ApplyConfig commits a validated configuration. apply runs under the lifecycle
// lock so it cannot interleave with Start or Shutdown. A connector in the
// Created state moves to Configured.
func (b *Base) ApplyConfig(apply func()) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateShutDown || b.draining {
		return ErrShutDown
	}
	if apply != nil {
		apply()
	}
	if b.state == StateCreated {
		b.state = StateConfigured
	}
	return nil
}

// Start moves a configured connector to Running. Starting a running connector
// is a no-op.
func (b *Base) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch {
	case b.state == StateShutDown || b.draining:
		return ErrShutDown
	case b.state == StateCreated:
		return ErrNotConfigured
	case b.state == StateRunning:
		return nil
	}
	b.state = StateRunning
	b.logger.Info("exchange connector started")
	return nil
}

// Shutdown stops admission, waits for in-flight auctions to finish and then
// for running callbacks to return. If ctx expires first, unfinished auctions
// are abandoned without an onAuctionDone call and the context error is
// returned. The connector is shut down either way.
func (b *Base) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	if b.state == StateShutDown {
		b.mu.Unlock()
		return nil
	}
	b.draining = true
	b.mu.Unlock()

	var drainErr error
	drained := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		drainErr = fmt.Errorf("drain interrupted with %d pending auctions: %w", b.npending.Load(), ctx.Err())
	}

	b.gateMu.Lock()
	b.gateClosed = true
	b.gateMu.Unlock()
	b.active.Wait()

	if drainErr != nil {
		b.pending.Range(func(key, _ any) bool {
			if v, ok := b.pending.LoadAndDelete(key); ok {
				a := v.(*models.Auction)
				a.Outcome = models.OutcomeAbandoned
				b.npending.Add(-1)
				b.inflight.Done()
			}
			return true
		})
	}

	b.mu.Lock()
	b.state = StateShutDown
	b.mu.Unlock()

	if drainErr != nil {
		b.logger.Warn("exchange connector shut down before draining", zap.Error(drainErr))
	} else {
		b.logger.Info("exchange connector shut down")
	}
	return drainErr
}

// EnableUntil refreshes the dead-man's switch. Requests arriving after deadline
// are rejected until it is refreshed again. A zero deadline disables the connector.
// Once Shutdown has begun the call is ignored.
func (b *Base) EnableUntil(deadline time.Time) {
	if b.stopping() {
		b.logger.Warn("ignoring EnableUntil on a shut down connector", zap.Time("deadline", deadline))
		return
	}
	if deadline.IsZero() {
		b.enabledUntil.Store(0)
		return
	}
	b.enabledUntil.Store(deadline.UnixNano())
}

// EnabledUntil returns the current enable deadline, zero if never enabled.
func (b *Base) EnabledUntil() time.Time {
	ns := b.enabledUntil.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// SetAcceptBidRequestProbability sets the fraction of requests admitted.
func (b *Base) SetAcceptBidRequestProbability(p float64) error {
	if b.stopping() {
		return ErrShutDown
	}
	if !(p >= 0 && p <= 1) {
		return fmt.Errorf("%w: got %v", ErrInvalidProbability, p)
	}
	b.acceptProb.Store(math.Float64bits(p))
	return nil
}

// AcceptBidRequestProbability returns the current accept probability.
func (b *Base) AcceptBidRequestProbability() float64 {
	return math.Float64frombits(b.acceptProb.Load())
}

// SetCallbacks installs the router's auction handlers. Either may be nil.
// Once Shutdown has begun the call is ignored.
func (b *Base) SetCallbacks(onNewAuction, onAuctionDone AuctionHandler) {
	if b.stopping() {
		b.logger.Warn("ignoring SetCallbacks on a shut down connector")
		return
	}
	b.handlers.Store(&callbacks{onNew: onNewAuction, onDone: onAuctionDone})
}

// SetAdmissionLimiter installs a throttle consulted after sampling. nil removes it.
func (b *Base) SetAdmissionLimiter(l Limiter) {
	if l == nil {
		b.limiter.Store(nil)
		return
	}
	b.limiter.Store(&limiterSlot{l: l})
}

// admit runs the cheap admission checks in order: deadline, sampling, throttle.
func (b *Base) admit(now time.Time) (string, error) {
	until := b.enabledUntil.Load()
	if until == 0 || now.UnixNano() > until {
		return OutcomeDisabled, ErrDisabled
	}
	if p := b.AcceptBidRequestProbability(); p < 1 && rand.Float64() >= p {
		return OutcomeSampledOut, ErrSampledOut
	}
	if slot := b.limiter.Load(); slot != nil && !slot.l.Allow() {
		return OutcomeThrottled, ErrThrottled
	}
	return OutcomeAdmitted, nil
}

// SubmitBidRequest admits req and, if admitted, creates an auction and hands it
// to onNewAuction. Rejected requests return an error wrapping ErrRejected or
// ErrLifecycle and cause no other side effect than a metric.
func (b *Base) SubmitBidRequest(ctx context.Context, req *models.BidRequest) (*models.Auction, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil bid request", ErrRejected)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := time.Now()

	b.mu.RLock()
	if b.state != StateRunning || b.draining {
		err := ErrNotRunning
		outcome := OutcomeNotRunning
		if b.state == StateShutDown || b.draining {
			err, outcome = ErrShutDown, OutcomeShutDown
		}
		b.mu.RUnlock()
		b.metrics.IncrementBidRequests(b.name, outcome)
		return nil, err
	}
	outcome, err := b.admit(now)
	if err != nil {
		b.mu.RUnlock()
		b.metrics.IncrementBidRequests(b.name, outcome)
		return nil, err
	}
	auction := models.NewAuction(b.name, req, now)
	b.inflight.Add(1)
	b.pending.Store(auction.ID, auction)
	b.npending.Add(1)
	b.mu.RUnlock()

	b.metrics.IncrementBidRequests(b.name, outcome)
	b.metrics.IncrementAuctions(b.name, "new")
	if !b.invoke(ctx, b.handlers.Load().onNew, auction) {
		// Shutdown gave up draining before onNewAuction ran; the auction is
		// abandoned with the other pending ones.
		return nil, fmt.Errorf("%w: auction %s abandoned", ErrShutDown, auction.ID)
	}
	return auction, nil
}

// FinishAuction completes an auction created by SubmitBidRequest and delivers
// it to onAuctionDone. Each auction can be finished once.
func (b *Base) FinishAuction(ctx context.Context, a *models.Auction) error {
	if a == nil {
		return ErrUnknownAuction
	}
	if _, ok := b.pending.LoadAndDelete(a.ID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAuction, a.ID)
	}
	b.npending.Add(-1)
	defer b.inflight.Done()

	if a.FinishedAt.IsZero() {
		a.FinishedAt = time.Now()
	}
	b.metrics.IncrementAuctions(b.name, "done")
	b.invoke(ctx, b.handlers.Load().onDone, a)
	return nil
}

// PendingAuction reports whether an auction is admitted but not yet finished.
func (b *Base) PendingAuction(id uuid.UUID) bool {
	_, ok := b.pending.Load(id)
	return ok
}

// invoke runs cb unless Shutdown has closed the callback gate. It returns false
// only when the gate was closed.
func (b *Base) invoke(ctx context.Context, cb AuctionHandler, a *models.Auction) bool {
	b.gateMu.RLock()
	if b.gateClosed {
		b.gateMu.RUnlock()
		return false
	}
	if cb == nil {
		b.gateMu.RUnlock()
		return true
	}
	b.active.Add(1)
	b.gateMu.RUnlock()
	defer b.active.Done()
	cb(ctx, a)
	return true
}

// stopping reports whether Shutdown has started.
func (b *Base) stopping() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state == StateShutDown || b.draining
}

// State returns the lifecycle state.
func (b *Base) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Status reports the connector's current state and control knobs.
func (b *Base) Status() Status {
	until := b.EnabledUntil()
	state := b.State()
	return Status{
		Name:              b.name,
		Type:              b.typ,
		State:             state.String(),
		EnabledUntil:      until,
		Enabled:           state != StateShutDown && !until.IsZero() && time.Now().Before(until),
		AcceptProbability: b.AcceptBidRequestProbability(),
		PendingAuctions:   b.npending.Load(),
	}
}

// CampaignCompatibility accepts every campaign.
func (b *Base) CampaignCompatibility(cfg *models.AgentConfig, includeReasons bool) Compatibility {
	return Compatibility{Compatible: true}
}

// CreativeCompatibility accepts every creative.
func (b *Base) CreativeCompatibility(cr *models.Creative, includeReasons bool) Compatibility {
	return Compatibility{Compatible: true}
}

// PreFilter passes every request.
func (b *Base) PreFilter(req *models.BidRequest, cfg *models.AgentConfig, info CachedInfo) bool {
	return true
}

// PostFilter passes every request.
func (b *Base) PostFilter(req *models.BidRequest, cfg *models.AgentConfig, info CachedInfo) bool {
	return true
}

// CreativeFilter passes every creative.
func (b *Base) CreativeFilter(req *models.BidRequest, cfg *models.AgentConfig, info CachedInfo) bool {
	return true
}

var _ Connector = (*Base)(nil)
