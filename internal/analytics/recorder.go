package analytics

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/rtbconnect/internal/models"
	"github.com/patrickwarner/rtbconnect/internal/observability"
)

var (
	ErrQueueFull = errors.New("analytics queue full")
	ErrClosed    = errors.New("analytics recorder closed")
)

// RecorderConfig configures an AsyncRecorder.
type RecorderConfig struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
	Logger        *zap.Logger
	Metrics       observability.MetricsRegistry
}

// AsyncRecorder queues finished auctions and writes them in batches from a
// single background goroutine, so the auction callback never waits on
// ClickHouse. When the queue is full new records are dropped.
type AsyncRecorder struct {
	writer  AuctionWriter
	queue   chan AuctionRecord
	batch   int
	flush   time.Duration
	timeout time.Duration
	logger  *zap.Logger
	metrics observability.MetricsRegistry

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewAsyncRecorder starts a recorder writing to w.
func NewAsyncRecorder(w AuctionWriter, cfg RecorderConfig) *AsyncRecorder {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.L()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewNoOpRegistry()
	}
	r := &AsyncRecorder{
		writer:  w,
		queue:   make(chan AuctionRecord, cfg.QueueSize),
		batch:   cfg.BatchSize,
		flush:   cfg.FlushInterval,
		timeout: cfg.WriteTimeout,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// RecordAuction enqueues the auction without blocking.
func (r *AsyncRecorder) RecordAuction(ctx context.Context, a *models.Auction) error {
	rec := NewAuctionRecord(a)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrClosed
	}
	select {
	case r.queue <- rec:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops accepting records and waits until the queue is flushed or ctx
// expires.
func (r *AsyncRecorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *AsyncRecorder) run() {
	defer close(r.done)
	ticker := time.NewTicker(r.flush)
	defer ticker.Stop()

	pending := make([]AuctionRecord, 0, r.batch)
	for {
		select {
		case rec, ok := <-r.queue:
			if !ok {
				r.write(pending)
				return
			}
			pending = append(pending, rec)
			if len(pending) >= r.batch {
				r.write(pending)
				pending = pending[:0]
			}
		case <-ticker.C:
			if len(pending) > 0 {
				r.write(pending)
				pending = pending[:0]
			}
		}
	}
}

func (r *AsyncRecorder) write(records []AuctionRecord) {
	if len(records) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.writer.InsertAuctions(ctx, records); err != nil {
		r.metrics.IncrementAnalyticsErrors()
		r.logger.Error("failed to write auction batch", zap.Int("rows", len(records)), zap.Error(err))
	}
}
