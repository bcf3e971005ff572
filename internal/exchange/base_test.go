package exchange

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrickwarner/rtbconnect/internal/models"
	"github.com/patrickwarner/rtbconnect/internal/observability"
)

func newRunningBase(t *testing.T) (*Base, *observability.MockMetricsRegistry) {
	t.Helper()
	metrics := observability.NewMockMetricsRegistry()
	b := NewBase(ServiceContext{Metrics: metrics}, "test", "test-ex")
	require.NoError(t, b.Configure(nil))
	require.NoError(t, b.Start(context.Background()))
	b.EnableUntil(time.Now().Add(time.Hour))
	return b, metrics
}

func TestBaseLifecycleOrder(t *testing.T) {
	ctx := context.Background()
	b := NewBase(ServiceContext{}, "test", "x")
	assert.Equal(t, StateCreated, b.State())

	err := b.Start(ctx)
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.ErrorIs(t, err, ErrLifecycle)

	require.NoError(t, b.Configure(json.RawMessage(`{}`)))
	assert.Equal(t, StateConfigured, b.State())

	require.NoError(t, b.Start(ctx))
	require.NoError(t, b.Start(ctx), "second start is a no-op")
	assert.Equal(t, StateRunning, b.State())

	require.NoError(t, b.Shutdown(ctx))
	assert.Equal(t, StateShutDown, b.State())
	require.NoError(t, b.Shutdown(ctx), "shutdown is idempotent")

	assert.ErrorIs(t, b.Start(ctx), ErrShutDown)
	assert.ErrorIs(t, b.Configure(nil), ErrShutDown)
}

func TestBaseShutdownWithoutStart(t *testing.T) {
	b := NewBase(ServiceContext{}, "test", "x")
	require.NoError(t, b.Shutdown(context.Background()))
	assert.Equal(t, StateShutDown, b.State())
}

func TestBaseConfigureRejectsUnknownFields(t *testing.T) {
	b := NewBase(ServiceContext{}, "test", "x")
	err := b.Configure(json.RawMessage(`{"max_width": 300}`))
	assert.ErrorIs(t, err, ErrInvalidConfig)
	assert.Equal(t, StateCreated, b.State(), "failed configure must not advance state")

	assert.ErrorIs(t, b.Configure(json.RawMessage(`[1,2]`)), ErrInvalidConfig)
	assert.NoError(t, b.Configure(json.RawMessage(`null`)))
}

func TestDecodeParamsStrict(t *testing.T) {
	type params struct {
		A int `json:"a"`
	}
	var p params
	require.NoError(t, DecodeParams(json.RawMessage(`{"a": 3}`), &p))
	assert.Equal(t, 3, p.A)

	assert.ErrorIs(t, DecodeParams(json.RawMessage(`{"a": "x"}`), &p), ErrInvalidConfig)
	assert.ErrorIs(t, DecodeParams(json.RawMessage(`{"b": 1}`), &p), ErrInvalidConfig)
	assert.ErrorIs(t, DecodeParams(json.RawMessage(`{"a": 1} {"a": 2}`), &p), ErrInvalidConfig)
	assert.ErrorIs(t, DecodeParams(json.RawMessage(`{"a": 1`), &p), ErrInvalidConfig)
}

func TestSubmitBeforeStart(t *testing.T) {
	b := NewBase(ServiceContext{}, "test", "x")
	require.NoError(t, b.Configure(nil))
	b.EnableUntil(time.Now().Add(time.Hour))

	_, err := b.SubmitBidRequest(context.Background(), &models.BidRequest{ID: "1"})
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestSubmitInvokesCallbacksInOrder(t *testing.T) {
	b, metrics := newRunningBase(t)

	var mu sync.Mutex
	var events []string
	b.SetCallbacks(
		func(ctx context.Context, a *models.Auction) {
			mu.Lock()
			events = append(events, "new:"+a.Request.ID)
			mu.Unlock()
		},
		func(ctx context.Context, a *models.Auction) {
			mu.Lock()
			events = append(events, "done:"+a.Request.ID)
			mu.Unlock()
		},
	)

	a, err := b.SubmitBidRequest(context.Background(), &models.BidRequest{ID: "r1"})
	require.NoError(t, err)
	assert.Equal(t, "test-ex", a.Exchange)
	assert.True(t, b.PendingAuction(a.ID))

	require.NoError(t, b.FinishAuction(context.Background(), a))
	assert.False(t, b.PendingAuction(a.ID))
	assert.False(t, a.FinishedAt.IsZero())

	err = b.FinishAuction(context.Background(), a)
	assert.ErrorIs(t, err, ErrUnknownAuction, "done fires once per auction")

	assert.Equal(t, []string{"new:r1", "done:r1"}, events)
	assert.Equal(t, 1, metrics.Count("bid_requests", "test-ex", OutcomeAdmitted))
	assert.Equal(t, 1, metrics.Count("auctions", "test-ex", "new"))
	assert.Equal(t, 1, metrics.Count("auctions", "test-ex", "done"))
}

func TestFinishUnknownAuction(t *testing.T) {
	b, _ := newRunningBase(t)
	assert.ErrorIs(t, b.FinishAuction(context.Background(), models.NewAuction("other", nil, time.Now())), ErrUnknownAuction)
	assert.ErrorIs(t, b.FinishAuction(context.Background(), nil), ErrUnknownAuction)
}

func TestNewConnectorIsDisabled(t *testing.T) {
	b := NewBase(ServiceContext{}, "test", "x")
	require.NoError(t, b.Configure(nil))
	require.NoError(t, b.Start(context.Background()))

	_, err := b.SubmitBidRequest(context.Background(), &models.BidRequest{ID: "1"})
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestPastDeadlineRejectsRegardlessOfProbability(t *testing.T) {
	b, metrics := newRunningBase(t)
	require.NoError(t, b.SetAcceptBidRequestProbability(1))
	b.EnableUntil(time.Now().Add(-time.Second))

	var calls atomic.Int32
	b.SetCallbacks(func(context.Context, *models.Auction) { calls.Add(1) }, nil)
	for i := 0; i < 100; i++ {
		_, err := b.SubmitBidRequest(context.Background(), &models.BidRequest{ID: "r"})
		require.ErrorIs(t, err, ErrDisabled)
		require.ErrorIs(t, err, ErrRejected)
	}
	assert.Zero(t, calls.Load())
	assert.Equal(t, 100, metrics.Count("bid_requests", "test-ex", OutcomeDisabled))

	b.EnableUntil(time.Now().Add(time.Minute))
	_, err := b.SubmitBidRequest(context.Background(), &models.BidRequest{ID: "r"})
	assert.NoError(t, err)
}

func TestAcceptProbabilityValidation(t *testing.T) {
	b := NewBase(ServiceContext{}, "test", "x")
	assert.Equal(t, 1.0, b.AcceptBidRequestProbability())
	for _, p := range []float64{-0.1, 1.01} {
		assert.ErrorIs(t, b.SetAcceptBidRequestProbability(p), ErrInvalidProbability)
	}
	assert.Equal(t, 1.0, b.AcceptBidRequestProbability(), "invalid values leave the setting unchanged")
	require.NoError(t, b.SetAcceptBidRequestProbability(0))
	assert.Equal(t, 0.0, b.AcceptBidRequestProbability())
}

func TestSamplingProbability(t *testing.T) {
	const n = 20000
	cases := []struct {
		p         float64
		tolerance float64
	}{
		{0, 0},
		{1, 0},
		{0.3, 0.02},
		{0.75, 0.02},
	}
	for _, tc := range cases {
		b, _ := newRunningBase(t)
		b.SetCallbacks(func(ctx context.Context, a *models.Auction) { _ = b.FinishAuction(ctx, a) }, nil)
		require.NoError(t, b.SetAcceptBidRequestProbability(tc.p))

		admitted := 0
		for i := 0; i < n; i++ {
			_, err := b.SubmitBidRequest(context.Background(), &models.BidRequest{ID: "r"})
			if err == nil {
				admitted++
			} else {
				require.ErrorIs(t, err, ErrSampledOut)
			}
		}
		assert.InDelta(t, tc.p, float64(admitted)/n, tc.tolerance, "p=%v", tc.p)
	}
}

type countingLimiter struct {
	allow int32
}

func (l *countingLimiter) Allow() bool {
	return atomic.AddInt32(&l.allow, -1) >= 0
}

func TestAdmissionLimiter(t *testing.T) {
	b, metrics := newRunningBase(t)
	b.SetCallbacks(func(ctx context.Context, a *models.Auction) { _ = b.FinishAuction(ctx, a) }, nil)
	b.SetAdmissionLimiter(&countingLimiter{allow: 2})

	for i := 0; i < 2; i++ {
		_, err := b.SubmitBidRequest(context.Background(), &models.BidRequest{ID: "r"})
		require.NoError(t, err)
	}
	_, err := b.SubmitBidRequest(context.Background(), &models.BidRequest{ID: "r"})
	assert.ErrorIs(t, err, ErrThrottled)
	assert.Equal(t, 1, metrics.Count("bid_requests", "test-ex", OutcomeThrottled))

	b.SetAdmissionLimiter(nil)
	_, err = b.SubmitBidRequest(context.Background(), &models.BidRequest{ID: "r"})
	assert.NoError(t, err)
}

func TestShutdownDrainsInFlightAuctions(t *testing.T) {
	b, _ := newRunningBase(t)

	release := make(chan struct{})
	var done atomic.Int32
	b.SetCallbacks(func(ctx context.Context, a *models.Auction) {
		go func() {
			<-release
			_ = b.FinishAuction(ctx, a)
		}()
	}, func(context.Context, *models.Auction) { done.Add(1) })

	for i := 0; i < 5; i++ {
		_, err := b.SubmitBidRequest(context.Background(), &models.BidRequest{ID: "r"})
		require.NoError(t, err)
	}

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- b.Shutdown(context.Background()) }()

	select {
	case <-shutdownDone:
		t.Fatal("shutdown returned before auctions finished")
	case <-time.After(50 * time.Millisecond):
	}

	_, err := b.SubmitBidRequest(context.Background(), &models.BidRequest{ID: "late"})
	assert.ErrorIs(t, err, ErrShutDown, "no admission while draining")

	close(release)
	require.NoError(t, <-shutdownDone)
	assert.Equal(t, int32(5), done.Load())
	assert.Equal(t, int64(0), b.Status().PendingAuctions)
}

func TestShutdownTimeoutAbandonsAndSilencesCallbacks(t *testing.T) {
	b, _ := newRunningBase(t)

	var doneCalls atomic.Int32
	var held *models.Auction
	b.SetCallbacks(func(ctx context.Context, a *models.Auction) { held = a }, func(context.Context, *models.Auction) { doneCalls.Add(1) })

	_, err := b.SubmitBidRequest(context.Background(), &models.BidRequest{ID: "r"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = b.Shutdown(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, StateShutDown, b.State())
	assert.Equal(t, models.OutcomeAbandoned, held.Outcome)

	assert.ErrorIs(t, b.FinishAuction(context.Background(), held), ErrUnknownAuction)
	assert.Zero(t, doneCalls.Load(), "no callbacks after shutdown")
}

func TestConcurrentSubmitAndControl(t *testing.T) {
	b, _ := newRunningBase(t)
	b.SetCallbacks(func(ctx context.Context, a *models.Auction) { _ = b.FinishAuction(ctx, a) }, nil)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				_, _ = b.SubmitBidRequest(context.Background(), &models.BidRequest{ID: "r"})
			}
		}()
	}
	for i := 0; i < 200; i++ {
		_ = b.SetAcceptBidRequestProbability(float64(i%2) * 0.5)
		b.EnableUntil(time.Now().Add(time.Minute))
	}
	wg.Wait()
	require.NoError(t, b.Shutdown(context.Background()))
}

func TestStatus(t *testing.T) {
	b, _ := newRunningBase(t)
	require.NoError(t, b.SetAcceptBidRequestProbability(0.5))
	st := b.Status()
	assert.Equal(t, "test-ex", st.Name)
	assert.Equal(t, "test", st.Type)
	assert.Equal(t, "running", st.State)
	assert.True(t, st.Enabled)
	assert.Equal(t, 0.5, st.AcceptProbability)

	b.EnableUntil(time.Time{})
	assert.False(t, b.Status().Enabled)
	assert.True(t, b.EnabledUntil().IsZero())
}

type ctxKey struct{}

func TestCallbacksReceiveCallerContext(t *testing.T) {
	b, _ := newRunningBase(t)

	var newVal, doneVal any
	b.SetCallbacks(
		func(ctx context.Context, a *models.Auction) {
			newVal = ctx.Value(ctxKey{})
			_ = b.FinishAuction(ctx, a)
		},
		func(ctx context.Context, a *models.Auction) { doneVal = ctx.Value(ctxKey{}) },
	)

	ctx := context.WithValue(context.Background(), ctxKey{}, "req-1")
	_, err := b.SubmitBidRequest(ctx, &models.BidRequest{ID: "r"})
	require.NoError(t, err)
	assert.Equal(t, "req-1", newVal)
	assert.Equal(t, "req-1", doneVal)
}

func TestControlAfterShutdown(t *testing.T) {
	b, _ := newRunningBase(t)
	require.NoError(t, b.SetAcceptBidRequestProbability(0.8))
	require.NoError(t, b.Shutdown(context.Background()))

	err := b.SetAcceptBidRequestProbability(0.5)
	assert.ErrorIs(t, err, ErrShutDown)
	assert.ErrorIs(t, err, ErrLifecycle)
	assert.Equal(t, 0.8, b.AcceptBidRequestProbability(), "probability unchanged")

	before := b.EnabledUntil()
	b.EnableUntil(time.Now().Add(2 * time.Hour))
	assert.Equal(t, before, b.EnabledUntil(), "EnableUntil ignored after shutdown")

	var calls atomic.Int32
	b.SetCallbacks(func(context.Context, *models.Auction) { calls.Add(1) }, nil)
	assert.Nil(t, b.handlers.Load().onNew, "SetCallbacks ignored after shutdown")

	st := b.Status()
	assert.Equal(t, "shut_down", st.State)
	assert.False(t, st.Enabled, "a shut down connector never reports enabled")
}

func TestSubmitWhenCallbackGateClosed(t *testing.T) {
	b, _ := newRunningBase(t)
	var calls atomic.Int32
	b.SetCallbacks(func(context.Context, *models.Auction) { calls.Add(1) }, nil)

	// Shutdown closes the gate after a drain timeout; simulate the window
	// between admission and onNewAuction.
	b.gateMu.Lock()
	b.gateClosed = true
	b.gateMu.Unlock()

	a, err := b.SubmitBidRequest(context.Background(), &models.BidRequest{ID: "r"})
	assert.Nil(t, a)
	assert.ErrorIs(t, err, ErrShutDown)
	assert.Zero(t, calls.Load())
	assert.Equal(t, int64(1), b.Status().PendingAuctions)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, b.Shutdown(ctx), context.DeadlineExceeded)
	assert.Equal(t, int64(0), b.Status().PendingAuctions, "abandoned by shutdown")
}
