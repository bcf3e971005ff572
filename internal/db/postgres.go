package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/patrickwarner/rtbconnect/internal/models"
)

// Postgres wraps a postgres DB connection.
type Postgres struct {
	DB *sql.DB
}

// schemaSQL sets up the necessary tables if they don't exist.
const schemaSQL = `CREATE TABLE IF NOT EXISTS agents (
    id SERIAL PRIMARY KEY,
    account TEXT NOT NULL DEFAULT '',
    name TEXT NOT NULL,
    active BOOLEAN NOT NULL DEFAULT TRUE,
    countries TEXT[],
    device_types TEXT[],
    key_values JSONB,
    categories TEXT[],
    advertiser_domains TEXT[],
    provider_config JSONB
);

CREATE TABLE IF NOT EXISTS agent_creatives (
    id SERIAL PRIMARY KEY,
    agent_id INT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
    position INT NOT NULL DEFAULT 0,
    name TEXT,
    width INT,
    height INT,
    format TEXT,
    attributes INT[],
    click_url TEXT,
    provider_config JSONB
);

CREATE INDEX IF NOT EXISTS idx_agent_creatives_agent_id ON agent_creatives (agent_id, position);
`

// InitPostgres connects to Postgres with connection pooling configuration.
func InitPostgres(dsn string, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) (*Postgres, error) {
	// Register the otelsql wrapper for postgres
	driverName, err := otelsql.Register("postgres",
		otelsql.WithAttributes(
			attribute.String("db.system", "postgresql"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("register otelsql: %w", err)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)

	if err := db.PingContext(context.Background()); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	p := &Postgres{DB: db}
	if err := p.ensureSchema(); err != nil {
		return nil, err
	}
	zap.L().Info("Connected to Postgres with connection pooling",
		zap.Int("max_open_conns", maxOpenConns),
		zap.Int("max_idle_conns", maxIdleConns),
		zap.Duration("conn_max_lifetime", connMaxLifetime))
	return p, nil
}

// Close terminates the Postgres connection.
func (p *Postgres) Close() {
	if p != nil && p.DB != nil {
		if err := p.DB.Close(); err != nil {
			zap.L().Error("postgres close", zap.Error(err))
		}
	}
}

// ensureSchema creates the required tables if they do not exist.
func (p *Postgres) ensureSchema() error {
	ctx := context.Background()
	if _, err := p.DB.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// LoadAgentConfigs retrieves every agent with its creatives, ordered by agent
// ID and creative position.
func (p *Postgres) LoadAgentConfigs(ctx context.Context) ([]models.AgentConfig, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT id, account, name, active, countries, device_types, key_values, categories, advertiser_domains, provider_config FROM agents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var agents []models.AgentConfig
	for rows.Next() {
		var a models.AgentConfig
		var kv, provider []byte
		if err := rows.Scan(&a.ID, &a.Account, &a.Name, &a.Active,
			pq.Array(&a.Countries), pq.Array(&a.DeviceTypes), &kv,
			pq.Array(&a.Categories), pq.Array(&a.AdvertiserDomains), &provider); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		if err := decodeJSONColumn(kv, &a.KeyValues); err != nil {
			return nil, fmt.Errorf("parse key_values for agent %d: %w", a.ID, err)
		}
		if err := decodeJSONColumn(provider, &a.ProviderConfig); err != nil {
			return nil, fmt.Errorf("parse provider_config for agent %d: %w", a.ID, err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	creatives, err := p.loadCreatives(ctx)
	if err != nil {
		return nil, err
	}
	attachCreatives(agents, creatives)
	return agents, nil
}

type creativeRow struct {
	agentID  int
	position int
	creative models.Creative
}

func (p *Postgres) loadCreatives(ctx context.Context) ([]creativeRow, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT id, agent_id, position, name, width, height, format, attributes, click_url, provider_config FROM agent_creatives`)
	if err != nil {
		return nil, fmt.Errorf("query creatives: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []creativeRow
	for rows.Next() {
		var r creativeRow
		var name, format, clickURL sql.NullString
		var width, height sql.NullInt64
		var attrs []int64
		var provider []byte
		if err := rows.Scan(&r.creative.ID, &r.agentID, &r.position, &name, &width, &height, &format,
			pq.Array(&attrs), &clickURL, &provider); err != nil {
			return nil, fmt.Errorf("scan creative: %w", err)
		}
		r.creative.Name = name.String
		r.creative.Width = int(width.Int64)
		r.creative.Height = int(height.Int64)
		r.creative.Format = format.String
		r.creative.ClickURL = clickURL.String
		for _, v := range attrs {
			r.creative.Attributes = append(r.creative.Attributes, int(v))
		}
		if err := decodeJSONColumn(provider, &r.creative.ProviderConfig); err != nil {
			return nil, fmt.Errorf("parse provider_config for creative %d: %w", r.creative.ID, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// attachCreatives appends creatives to their agents in (position, id) order.
// Creatives of unknown agents are ignored.
func attachCreatives(agents []models.AgentConfig, creatives []creativeRow) {
	sort.SliceStable(creatives, func(i, j int) bool {
		if creatives[i].position != creatives[j].position {
			return creatives[i].position < creatives[j].position
		}
		return creatives[i].creative.ID < creatives[j].creative.ID
	})
	index := make(map[int]int, len(agents))
	for i := range agents {
		index[agents[i].ID] = i
	}
	for _, r := range creatives {
		if i, ok := index[r.agentID]; ok {
			agents[i].Creatives = append(agents[i].Creatives, r.creative)
		}
	}
}

// decodeJSONColumn unmarshals a nullable JSONB column. NULL leaves dst unchanged.
func decodeJSONColumn(data []byte, dst any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, dst)
}

// encodeJSONColumn marshals v for a JSONB column, storing NULL for empty maps.
func encodeJSONColumn[T any](v map[string]T) (any, error) {
	if len(v) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// InsertAgent inserts an agent and its creatives in one transaction and sets
// the generated IDs on a.
func (p *Postgres) InsertAgent(ctx context.Context, a *models.AgentConfig) error {
	kv, err := encodeJSONColumn(a.KeyValues)
	if err != nil {
		return fmt.Errorf("encode key_values: %w", err)
	}
	provider, err := encodeJSONColumn(a.ProviderConfig)
	if err != nil {
		return fmt.Errorf("encode provider_config: %w", err)
	}

	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := tx.QueryRowContext(ctx, `INSERT INTO agents (account, name, active, countries, device_types, key_values, categories, advertiser_domains, provider_config) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING id`,
		a.Account, a.Name, a.Active, pq.Array(a.Countries), pq.Array(a.DeviceTypes), kv,
		pq.Array(a.Categories), pq.Array(a.AdvertiserDomains), provider).Scan(&a.ID); err != nil {
		return fmt.Errorf("insert agent: %w", err)
	}

	for i := range a.Creatives {
		cr := &a.Creatives[i]
		crProvider, err := encodeJSONColumn(cr.ProviderConfig)
		if err != nil {
			return fmt.Errorf("encode creative provider_config: %w", err)
		}
		attrs := make([]int64, len(cr.Attributes))
		for j, v := range cr.Attributes {
			attrs[j] = int64(v)
		}
		if err := tx.QueryRowContext(ctx, `INSERT INTO agent_creatives (agent_id, position, name, width, height, format, attributes, click_url, provider_config) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING id`,
			a.ID, i, cr.Name, cr.Width, cr.Height, cr.Format, pq.Array(attrs), cr.ClickURL, crProvider).Scan(&cr.ID); err != nil {
			return fmt.Errorf("insert creative %d of agent %d: %w", i, a.ID, err)
		}
	}
	return tx.Commit()
}

// SetAgentActive toggles an agent's active flag.
func (p *Postgres) SetAgentActive(ctx context.Context, id int, active bool) error {
	res, err := p.DB.ExecContext(ctx, `UPDATE agents SET active=$1 WHERE id=$2`, active, id)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	return expectRow(res, id)
}

// DeleteAgent removes an agent and, by cascade, its creatives.
func (p *Postgres) DeleteAgent(ctx context.Context, id int) error {
	res, err := p.DB.ExecContext(ctx, `DELETE FROM agents WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	return expectRow(res, id)
}

func expectRow(res sql.Result, id int) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("agent %d: %w", id, models.ErrNotFound)
	}
	return nil
}
