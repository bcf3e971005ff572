package demo

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrickwarner/rtbconnect/internal/exchange"
	"github.com/patrickwarner/rtbconnect/internal/models"
)

func newDemo(t *testing.T, params string) *Connector {
	t.Helper()
	c, err := New(exchange.ServiceContext{}, "demo-test")
	require.NoError(t, err)
	require.NoError(t, c.Configure(json.RawMessage(params)))
	return c.(*Connector)
}

func TestDemoRegistered(t *testing.T) {
	assert.Contains(t, exchange.Types(), ExchangeType)
	c, err := exchange.Create(ExchangeType, exchange.ServiceContext{}, "d1")
	require.NoError(t, err)
	assert.Equal(t, "d1", c.ExchangeName())
	assert.IsType(t, &Connector{}, c)
}

func TestDemoConfigureValidation(t *testing.T) {
	c := newDemo(t, `{"max_width": 300, "max_height": 250, "required_field": "user.id"}`)
	assert.Equal(t, Params{MaxWidth: 300, MaxHeight: 250, RequiredField: "user.id"}, c.Params())

	bad := []string{
		`{"max_width": -1}`,
		`{"required_field": "user.email"}`,
		`{"max_width": "wide"}`,
		`{"unknown": true}`,
	}
	for _, p := range bad {
		err := c.Configure(json.RawMessage(p))
		assert.ErrorIs(t, err, exchange.ErrInvalidConfig, p)
	}
	assert.Equal(t, 300, c.Params().MaxWidth, "failed configure keeps prior parameters")

	require.NoError(t, c.Configure(json.RawMessage(`{"max_width": 728}`)))
	assert.Equal(t, Params{MaxWidth: 728}, c.Params(), "configure replaces the whole parameter set")
}

func TestDemoCreativeCompatibility(t *testing.T) {
	c := newDemo(t, `{"max_width": 300, "max_height": 250}`)
	cfg := &models.AgentConfig{Creatives: []models.Creative{
		{ID: 1, Width: 300, Height: 250},
		{ID: 2, Width: 728, Height: 90},
	}}

	res := exchange.Evaluate(c, cfg, true)
	assert.True(t, res.Compatible)
	assert.True(t, res.Creatives[0].Compatible)
	assert.False(t, res.Creatives[1].Compatible)
	require.Len(t, res.Creatives[1].Reasons, 1)
	assert.Contains(t, res.Creatives[1].Reasons[0], "oversized")

	res = exchange.Evaluate(c, cfg, false)
	assert.False(t, res.Creatives[1].Compatible)
	assert.Empty(t, res.Creatives[1].Reasons)
}

func TestDemoPostFilter(t *testing.T) {
	c := newDemo(t, `{"required_field": "user.id"}`)
	cfg := &models.AgentConfig{ID: 1}

	req := models.NewTestBannerRequest("r1", 300, 250)
	assert.True(t, c.PreFilter(req, cfg, nil))
	assert.False(t, c.PostFilter(req, cfg, nil))

	req.User.ID = "u-1"
	assert.True(t, c.PostFilter(req, cfg, nil))
	assert.True(t, c.CreativeFilter(req, cfg, nil))
}
