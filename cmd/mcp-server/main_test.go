package main

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/patrickwarner/rtbconnect/internal/config"
	"github.com/patrickwarner/rtbconnect/internal/exchange"
	"github.com/patrickwarner/rtbconnect/internal/exchange/demo"
	"github.com/patrickwarner/rtbconnect/internal/models"
	"github.com/patrickwarner/rtbconnect/internal/router"
)

type fakeRedis struct {
	live     []string
	channel  string
	payloads [][]byte
}

func (f *fakeRedis) LiveInstances(ctx context.Context) ([]string, error) { return f.live, nil }

func (f *fakeRedis) PublishControl(ctx context.Context, channel string, payload []byte) error {
	f.channel = channel
	f.payloads = append(f.payloads, payload)
	return nil
}

func newTestAudit(t *testing.T) (*AuditServer, *fakeRedis) {
	t.Helper()
	reg := exchange.NewRegistry()
	require.NoError(t, reg.RegisterFactory(demo.ExchangeType, demo.New))
	agents := []models.AgentConfig{{
		ID: 7, Name: "acme", Active: true,
		Creatives: []models.Creative{
			{ID: 70, Width: 300, Height: 250},
			{ID: 71, Width: 728, Height: 90},
		},
	}}
	p := 0.5
	defs := []config.ExchangeDefinition{
		{Name: "small", Type: demo.ExchangeType, Enabled: true, Parameters: map[string]any{"max_width": 300, "max_height": 250}},
		{Name: "open", Type: demo.ExchangeType, AcceptProbability: &p},
	}
	audit, err := NewAuditServer(zap.NewNop(), agents, defs, reg)
	require.NoError(t, err)
	fake := &fakeRedis{live: []string{"router-1"}}
	audit.liveness = fake
	audit.publisher = fake
	return audit, fake
}

func TestListExchanges(t *testing.T) {
	audit, _ := newTestAudit(t)
	_, out, err := audit.ListExchanges(context.Background(), &mcp.CallToolRequest{}, ListExchangesInput{})
	require.NoError(t, err)

	require.Len(t, out.Exchanges, 2)
	assert.Equal(t, "open", out.Exchanges[0].Name, "exchanges are sorted by name")
	assert.Equal(t, 0.5, out.Exchanges[0].AcceptProbability)
	assert.Equal(t, "small", out.Exchanges[1].Name)
	assert.True(t, out.Exchanges[1].Enabled)
	assert.Equal(t, 1, out.Exchanges[1].Compatible)
	assert.Equal(t, []string{"router-1"}, out.LiveInstances)
}

func TestCheckCompatibility(t *testing.T) {
	audit, _ := newTestAudit(t)
	_, out, err := audit.CheckCompatibility(context.Background(), &mcp.CallToolRequest{}, CheckCompatibilityInput{AgentID: 7, Exchange: "small"})
	require.NoError(t, err)
	assert.Equal(t, "acme", out.Agent)
	require.Len(t, out.Results, 1)
	res := out.Results[0]
	assert.True(t, res.Compatible)
	require.Len(t, res.Creatives, 2)
	assert.Equal(t, 70, res.Creatives[0].CreativeID)
	assert.True(t, res.Creatives[0].Compatible)
	assert.False(t, res.Creatives[1].Compatible)
	assert.NotEmpty(t, res.Creatives[1].Reasons)

	_, out, err = audit.CheckCompatibility(context.Background(), &mcp.CallToolRequest{}, CheckCompatibilityInput{AgentID: 7})
	require.NoError(t, err)
	assert.Len(t, out.Results, 2)

	_, _, err = audit.CheckCompatibility(context.Background(), &mcp.CallToolRequest{}, CheckCompatibilityInput{AgentID: 99})
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, _, err = audit.CheckCompatibility(context.Background(), &mcp.CallToolRequest{}, CheckCompatibilityInput{AgentID: 7, Exchange: "nope"})
	assert.ErrorIs(t, err, router.ErrUnknownExchange)
}

func TestControlExchange(t *testing.T) {
	audit, fake := newTestAudit(t)
	_, out, err := audit.ControlExchange(context.Background(), &mcp.CallToolRequest{}, ControlExchangeInput{Exchange: "small", Action: "probability", Value: 0.2})
	require.NoError(t, err)
	assert.True(t, out.Published)
	assert.Equal(t, router.DefaultControlChannel, fake.channel)
	require.Len(t, fake.payloads, 1)

	var msg router.ControlMessage
	require.NoError(t, json.Unmarshal(fake.payloads[0], &msg))
	assert.Equal(t, router.ControlMessage{Exchange: "small", Action: "probability", Value: 0.2}, msg)

	_, _, err = audit.ControlExchange(context.Background(), &mcp.CallToolRequest{}, ControlExchangeInput{Exchange: "small", Action: "explode"})
	assert.ErrorIs(t, err, router.ErrInvalidControl)
	_, _, err = audit.ControlExchange(context.Background(), &mcp.CallToolRequest{}, ControlExchangeInput{Exchange: "nope", Action: "enable"})
	assert.ErrorIs(t, err, router.ErrUnknownExchange)
	_, _, err = audit.ControlExchange(context.Background(), &mcp.CallToolRequest{}, ControlExchangeInput{Exchange: router.AllExchanges, Action: "disable"})
	assert.NoError(t, err)
	assert.Len(t, fake.payloads, 2)
}
