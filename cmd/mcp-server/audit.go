package main

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/patrickwarner/rtbconnect/internal/config"
	"github.com/patrickwarner/rtbconnect/internal/exchange"
	"github.com/patrickwarner/rtbconnect/internal/models"
	"github.com/patrickwarner/rtbconnect/internal/router"
)

// Liveness lists router instances with a current heartbeat.
type Liveness interface {
	LiveInstances(ctx context.Context) ([]string, error)
}

// Publisher broadcasts control messages to running routers.
type Publisher interface {
	PublishControl(ctx context.Context, channel string, payload []byte) error
}

type ListExchangesInput struct{}

type ExchangeInfo struct {
	Name              string  `json:"name"`
	Type              string  `json:"type"`
	Enabled           bool    `json:"enabled"`
	AcceptProbability float64 `json:"accept_probability"`
	Compatible        int     `json:"compatible_agents"`
	Incompatible      int     `json:"incompatible_agents"`
}

type ListExchangesOutput struct {
	Exchanges     []ExchangeInfo `json:"exchanges"`
	LiveInstances []string       `json:"live_instances"`
}

type CheckCompatibilityInput struct {
	AgentID  int    `json:"agent_id"`
	Exchange string `json:"exchange,omitempty"`
}

type CreativeResult struct {
	CreativeID int      `json:"creative_id"`
	Compatible bool     `json:"compatible"`
	Reasons    []string `json:"reasons,omitempty"`
}

type ExchangeResult struct {
	Exchange   string           `json:"exchange"`
	Compatible bool             `json:"compatible"`
	Reasons    []string         `json:"reasons,omitempty"`
	Creatives  []CreativeResult `json:"creatives"`
}

type CheckCompatibilityOutput struct {
	AgentID int              `json:"agent_id"`
	Agent   string           `json:"agent"`
	Results []ExchangeResult `json:"results"`
}

type ControlExchangeInput struct {
	Exchange string  `json:"exchange"`
	Action   string  `json:"action"`
	Value    float64 `json:"value,omitempty"`
}

type ControlExchangeOutput struct {
	Published bool   `json:"published"`
	Message   string `json:"message"`
}

// AuditServer answers compatibility questions from an offline router built
// from the same agent store and exchange definitions the live routers use.
type AuditServer struct {
	router    *router.Router
	defs      map[string]config.ExchangeDefinition
	liveness  Liveness
	publisher Publisher
	channel   string
	logger    *zap.Logger
}

// NewAuditServer creates connectors for defs on an unstarted router over agents.
func NewAuditServer(logger *zap.Logger, agents []models.AgentConfig, defs []config.ExchangeDefinition, registry *exchange.Registry) (*AuditServer, error) {
	store := models.NewInMemoryAgentStore()
	if err := store.ReloadAll(agents); err != nil {
		return nil, fmt.Errorf("populate agent store: %w", err)
	}
	rt := router.New(router.Options{Logger: logger, Agents: store, Registry: registry})
	byName := make(map[string]config.ExchangeDefinition, len(defs))
	for _, d := range defs {
		params, err := d.ParamsJSON()
		if err != nil {
			return nil, err
		}
		if _, err := rt.CreateConnector(d.Type, d.Name, params); err != nil {
			return nil, fmt.Errorf("create exchange %s: %w", d.Name, err)
		}
		byName[d.Name] = d
	}
	return &AuditServer{
		router:  rt,
		defs:    byName,
		channel: router.DefaultControlChannel,
		logger:  logger,
	}, nil
}

// ListExchanges reports the configured exchanges with their compatible agent
// counts and, when Redis is reachable, the live router instances.
func (s *AuditServer) ListExchanges(ctx context.Context, req *mcp.CallToolRequest, input ListExchangesInput) (*mcp.CallToolResult, ListExchangesOutput, error) {
	out := ListExchangesOutput{Exchanges: []ExchangeInfo{}, LiveInstances: []string{}}
	for _, conn := range s.router.Connectors() {
		d := s.defs[conn.ExchangeName()]
		info := ExchangeInfo{
			Name:              conn.ExchangeName(),
			Type:              conn.ExchangeType(),
			Enabled:           d.Enabled,
			AcceptProbability: d.Probability(),
		}
		if snap := s.router.Cache().Snapshot(conn.ExchangeName()); snap != nil {
			info.Compatible = snap.Compatible
			info.Incompatible = snap.Incompatible
		}
		out.Exchanges = append(out.Exchanges, info)
	}
	if s.liveness != nil {
		live, err := s.liveness.LiveInstances(ctx)
		if err != nil {
			s.logger.Warn("list live instances", zap.Error(err))
		} else if live != nil {
			out.LiveInstances = live
		}
	}
	return nil, out, nil
}

// CheckCompatibility explains whether an agent and each of its creatives can
// run on one exchange, or on every exchange when none is named.
func (s *AuditServer) CheckCompatibility(ctx context.Context, req *mcp.CallToolRequest, input CheckCompatibilityInput) (*mcp.CallToolResult, CheckCompatibilityOutput, error) {
	agent := s.router.Agents().Get(input.AgentID)
	if agent == nil {
		return nil, CheckCompatibilityOutput{}, fmt.Errorf("agent %d: %w", input.AgentID, models.ErrNotFound)
	}

	var names []string
	if input.Exchange != "" {
		names = []string{input.Exchange}
	} else {
		for _, conn := range s.router.Connectors() {
			names = append(names, conn.ExchangeName())
		}
	}

	out := CheckCompatibilityOutput{AgentID: agent.ID, Agent: agent.Name, Results: []ExchangeResult{}}
	for _, name := range names {
		audit, err := s.router.Audit(name, agent.ID)
		if err != nil {
			return nil, CheckCompatibilityOutput{}, err
		}
		res := ExchangeResult{
			Exchange:   name,
			Compatible: audit.Compatible,
			Reasons:    audit.Reasons,
			Creatives:  make([]CreativeResult, len(audit.Creatives)),
		}
		for i, c := range audit.Creatives {
			res.Creatives[i] = CreativeResult{
				CreativeID: agent.Creatives[i].ID,
				Compatible: c.Compatible,
				Reasons:    c.Reasons,
			}
		}
		out.Results = append(out.Results, res)
	}
	return nil, out, nil
}

// ControlExchange validates a control message and publishes it to every
// running router.
func (s *AuditServer) ControlExchange(ctx context.Context, req *mcp.CallToolRequest, input ControlExchangeInput) (*mcp.CallToolResult, ControlExchangeOutput, error) {
	if s.publisher == nil {
		return nil, ControlExchangeOutput{}, errors.New("control channel unavailable")
	}
	msg := router.ControlMessage{Exchange: input.Exchange, Action: input.Action, Value: input.Value}
	if err := msg.Validate(); err != nil {
		return nil, ControlExchangeOutput{}, err
	}
	if _, ok := s.defs[msg.Exchange]; !ok && msg.Exchange != router.AllExchanges {
		return nil, ControlExchangeOutput{}, fmt.Errorf("%w: %q", router.ErrUnknownExchange, msg.Exchange)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, ControlExchangeOutput{}, err
	}
	if err := s.publisher.PublishControl(ctx, s.channel, payload); err != nil {
		return nil, ControlExchangeOutput{}, err
	}
	s.logger.Info("control message published",
		zap.String("exchange", msg.Exchange),
		zap.String("action", msg.Action))
	return nil, ControlExchangeOutput{
		Published: true,
		Message:   fmt.Sprintf("%s sent to %s on %s", msg.Action, msg.Exchange, s.channel),
	}, nil
}
