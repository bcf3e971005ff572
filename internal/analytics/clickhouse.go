package analytics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	_ "github.com/ClickHouse/clickhouse-go/v2"

	"github.com/patrickwarner/rtbconnect/internal/models"
)

// ErrUnavailable is returned when the analytics DB is not configured.
var ErrUnavailable = errors.New("analytics unavailable")

// AuctionWriter persists batches of auction records.
type AuctionWriter interface {
	InsertAuctions(ctx context.Context, records []AuctionRecord) error
}

// Analytics wraps a ClickHouse DB connection.
type Analytics struct {
	DB *sql.DB
}

// PoolConfig holds ClickHouse connection pool settings.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// AuctionRecord mirrors a row in the auctions table.
type AuctionRecord struct {
	Timestamp      time.Time `json:"timestamp"`
	AuctionID      string    `json:"auction_id"`
	Exchange       string    `json:"exchange"`
	RequestID      string    `json:"request_id"`
	Outcome        string    `json:"outcome"`
	Candidates     uint32    `json:"candidates"`
	AgentIDs       []int32   `json:"agent_ids"`
	CreativeIDs    []int32   `json:"creative_ids"`
	DurationMicros int64     `json:"duration_us"`
	DeviceType     string    `json:"device_type"`
	Country        string    `json:"country"`
}

// NewAuctionRecord flattens a finished auction into a table row. Agent IDs are
// listed once per candidate so they stay aligned with CreativeIDs.
func NewAuctionRecord(a *models.Auction) AuctionRecord {
	rec := AuctionRecord{
		Timestamp:      a.ReceivedAt,
		AuctionID:      a.ID.String(),
		Exchange:       a.Exchange,
		Outcome:        a.Outcome,
		Candidates:     uint32(len(a.Candidates)),
		AgentIDs:       make([]int32, 0, len(a.Candidates)),
		CreativeIDs:    make([]int32, 0, len(a.Candidates)),
		DurationMicros: a.Duration().Microseconds(),
	}
	if a.Request != nil {
		rec.RequestID = a.Request.ID
		rec.DeviceType = a.Request.Device.DeviceType
		rec.Country = a.Request.Device.Geo.Country
	}
	for _, c := range a.Candidates {
		rec.AgentIDs = append(rec.AgentIDs, int32(c.AgentID))
		rec.CreativeIDs = append(rec.CreativeIDs, int32(c.CreativeID))
	}
	return rec
}

const createAuctionsTable = `CREATE TABLE IF NOT EXISTS auctions (
       timestamp    DateTime64(3),
       auction_id   String,
       exchange     LowCardinality(String),
       request_id   String,
       outcome      LowCardinality(String),
       candidates   UInt32,
       agent_ids    Array(Int32),
       creative_ids Array(Int32),
       duration_us  Int64,
       device_type  LowCardinality(String),
       country      LowCardinality(String)
   ) ENGINE=MergeTree() ORDER BY (exchange, timestamp)`

// InitClickHouse connects to ClickHouse and ensures the auctions table exists.
func InitClickHouse(dsn string, pool PoolConfig) (*Analytics, error) {
	db, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)

	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), createAuctionsTable); err != nil {
		return nil, fmt.Errorf("clickhouse create table: %w", err)
	}

	zap.L().Info("Connected to ClickHouse")
	return &Analytics{DB: db}, nil
}

// RecordAuction inserts a single auction row.
func (a *Analytics) RecordAuction(ctx context.Context, auction *models.Auction) error {
	return a.InsertAuctions(ctx, []AuctionRecord{NewAuctionRecord(auction)})
}

// InsertAuctions writes records in one batch. ClickHouse commits the batch
// as a single block.
func (a *Analytics) InsertAuctions(ctx context.Context, records []AuctionRecord) error {
	if a == nil || a.DB == nil {
		return ErrUnavailable
	}
	if len(records) == 0 {
		return nil
	}
	tx, err := a.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin auction batch: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO auctions (timestamp, auction_id, exchange, request_id, outcome, candidates, agent_ids, creative_ids, duration_us, device_type, country)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare auction batch: %w", err)
	}
	defer func() {
		if err := stmt.Close(); err != nil {
			zap.L().Warn("stmt close", zap.Error(err))
		}
	}()
	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.Timestamp, r.AuctionID, r.Exchange, r.RequestID, r.Outcome,
			r.Candidates, r.AgentIDs, r.CreativeIDs, r.DurationMicros, r.DeviceType, r.Country); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("append auction %s: %w", r.AuctionID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		zap.L().Error("clickhouse insert failed", zap.Error(err), zap.Int("rows", len(records)))
		return fmt.Errorf("insert auctions: %w", err)
	}
	return nil
}

// GetAuctionsByRequestID returns all auctions for a bid request ID ordered by timestamp.
func (a *Analytics) GetAuctionsByRequestID(ctx context.Context, id string) ([]AuctionRecord, error) {
	if a == nil || a.DB == nil {
		return nil, ErrUnavailable
	}
	query := `SELECT timestamp, auction_id, exchange, request_id, outcome, candidates, agent_ids, creative_ids, duration_us, device_type, country FROM auctions WHERE request_id=? ORDER BY timestamp`
	rows, err := a.DB.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("query auctions: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			zap.L().Warn("rows close", zap.Error(err))
		}
	}()

	var out []AuctionRecord
	for rows.Next() {
		var r AuctionRecord
		if err := rows.Scan(&r.Timestamp, &r.AuctionID, &r.Exchange, &r.RequestID, &r.Outcome, &r.Candidates,
			&r.AgentIDs, &r.CreativeIDs, &r.DurationMicros, &r.DeviceType, &r.Country); err != nil {
			return nil, fmt.Errorf("scan auction: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// Close terminates the ClickHouse connection.
func (a *Analytics) Close() {
	if a != nil && a.DB != nil {
		if err := a.DB.Close(); err != nil {
			zap.L().Error("clickhouse close", zap.Error(err))
		}
	}
}
