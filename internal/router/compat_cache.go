package router

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/patrickwarner/rtbconnect/internal/exchange"
	"github.com/patrickwarner/rtbconnect/internal/models"
	"github.com/patrickwarner/rtbconnect/internal/observability"
)

// Entry pairs an agent configuration with its compatibility on one exchange.
type Entry struct {
	Agent  *models.AgentConfig
	Compat exchange.CampaignCompatibility
}

// ExchangeSnapshot is the immutable compatibility table for one exchange.
// Entries keep the agent store order (ascending agent ID).
type ExchangeSnapshot struct {
	Exchange     string
	Entries      []Entry
	Compatible   int
	Incompatible int
	BuiltAt      time.Time
}

// ConfigCache holds a compatibility snapshot per exchange. Snapshots are built
// when agents are reloaded or a connector is configured, never on the bid path.
// Readers load the current map without locking; writers copy it.
type ConfigCache struct {
	logger  *zap.Logger
	metrics observability.MetricsRegistry

	mu    sync.Mutex // serializes writers
	snaps atomic.Pointer[map[string]*ExchangeSnapshot]
}

// NewConfigCache creates an empty cache.
func NewConfigCache(logger *zap.Logger, metrics observability.MetricsRegistry) *ConfigCache {
	if logger == nil {
		logger = zap.L()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}
	c := &ConfigCache{logger: logger, metrics: metrics}
	empty := make(map[string]*ExchangeSnapshot)
	c.snaps.Store(&empty)
	return c
}

// Snapshot returns the current table for an exchange, or nil if none was built.
func (c *ConfigCache) Snapshot(exchangeName string) *ExchangeSnapshot {
	return (*c.snaps.Load())[exchangeName]
}

// Rebuild evaluates every agent against conn and publishes the result.
func (c *ConfigCache) Rebuild(conn exchange.Connector, agents []*models.AgentConfig) *ExchangeSnapshot {
	name := conn.ExchangeName()
	snap := &ExchangeSnapshot{
		Exchange: name,
		Entries:  make([]Entry, 0, len(agents)),
		BuiltAt:  time.Now(),
	}
	for _, a := range agents {
		if a == nil {
			continue
		}
		cc := c.evaluate(conn, a, false)
		if cc.Compatible {
			snap.Compatible++
		} else {
			snap.Incompatible++
		}
		snap.Entries = append(snap.Entries, Entry{Agent: a, Compat: cc})
	}

	c.mu.Lock()
	next := c.copyLocked()
	next[name] = snap
	c.snaps.Store(&next)
	c.mu.Unlock()

	c.metrics.SetCompatibleCampaigns(name, snap.Compatible, snap.Incompatible)
	c.logger.Info("compatibility rebuilt",
		zap.String("exchange", name),
		zap.Int("compatible", snap.Compatible),
		zap.Int("incompatible", snap.Incompatible))
	return snap
}

// Remove drops the table for an exchange.
func (c *ConfigCache) Remove(exchangeName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := c.copyLocked()
	delete(next, exchangeName)
	c.snaps.Store(&next)
}

// Audit evaluates one agent with reasons. The result is not cached.
func (c *ConfigCache) Audit(conn exchange.Connector, agent *models.AgentConfig) exchange.CampaignCompatibility {
	return c.evaluate(conn, agent, true)
}

func (c *ConfigCache) copyLocked() map[string]*ExchangeSnapshot {
	cur := *c.snaps.Load()
	next := make(map[string]*ExchangeSnapshot, len(cur)+1)
	for k, v := range cur {
		next[k] = v
	}
	return next
}

// evaluate runs the exchange's evaluator. A panic marks the agent and all of
// its creatives incompatible.
func (c *ConfigCache) evaluate(conn exchange.Connector, agent *models.AgentConfig, includeReasons bool) (cc exchange.CampaignCompatibility) {
	defer func() {
		if r := recover(); r != nil {
			c.metrics.IncrementFilterPanics(conn.ExchangeName(), "compatibility")
			c.logger.Error("compatibility evaluator panicked",
				zap.String("exchange", conn.ExchangeName()),
				zap.Int("agent_id", agent.ID),
				zap.Any("panic", r))
			cc = exchange.CampaignCompatibility{Creatives: make([]exchange.Compatibility, len(agent.Creatives))}
			reason := fmt.Sprintf("evaluator panic: %v", r)
			cc.SetIncompatibleReason(reason, includeReasons)
			for i := range cc.Creatives {
				cc.Creatives[i].SetIncompatibleReason(reason, includeReasons)
			}
		}
	}()
	return exchange.Evaluate(conn, agent, includeReasons)
}
