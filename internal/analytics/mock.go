package analytics

import (
	"context"
	"sync"

	"github.com/patrickwarner/rtbconnect/internal/models"
)

var _ AuctionWriter = (*MockAnalytics)(nil)

// MockAnalytics is an in-memory stand-in for Analytics in tests.
type MockAnalytics struct {
	mu      sync.Mutex
	batches [][]AuctionRecord
	// Err, when set, is returned from every write.
	Err error
}

// NewMockAnalytics creates a new mock analytics instance
func NewMockAnalytics() *MockAnalytics {
	return &MockAnalytics{}
}

// RecordAuction records one auction as a single-row batch.
func (m *MockAnalytics) RecordAuction(ctx context.Context, a *models.Auction) error {
	return m.InsertAuctions(ctx, []AuctionRecord{NewAuctionRecord(a)})
}

// InsertAuctions stores a copy of records.
func (m *MockAnalytics) InsertAuctions(ctx context.Context, records []AuctionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	m.batches = append(m.batches, append([]AuctionRecord(nil), records...))
	return nil
}

// Batches returns the batches written so far.
func (m *MockAnalytics) Batches() [][]AuctionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]AuctionRecord(nil), m.batches...)
}

// Records returns every record written so far.
func (m *MockAnalytics) Records() []AuctionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []AuctionRecord
	for _, b := range m.batches {
		out = append(out, b...)
	}
	return out
}
