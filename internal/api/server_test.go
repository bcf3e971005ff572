package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/patrickwarner/rtbconnect/internal/analytics"
	"github.com/patrickwarner/rtbconnect/internal/exchange"
	"github.com/patrickwarner/rtbconnect/internal/exchange/demo"
	"github.com/patrickwarner/rtbconnect/internal/models"
	"github.com/patrickwarner/rtbconnect/internal/observability"
	"github.com/patrickwarner/rtbconnect/internal/router"
)

type staticAgents struct {
	agents []models.AgentConfig
	err    error
}

func (s *staticAgents) LoadAgentConfigs(ctx context.Context) ([]models.AgentConfig, error) {
	return s.agents, s.err
}

type recordingPublisher struct {
	channel  string
	payloads [][]byte
}

func (p *recordingPublisher) PublishControl(ctx context.Context, channel string, payload []byte) error {
	p.channel = channel
	p.payloads = append(p.payloads, payload)
	return nil
}

type fakeAuctions struct {
	records map[string][]analytics.AuctionRecord
}

func (f *fakeAuctions) GetAuctionsByRequestID(ctx context.Context, id string) ([]analytics.AuctionRecord, error) {
	return f.records[id], nil
}

func demoAgents() []models.AgentConfig {
	return []models.AgentConfig{{
		ID: 1, Name: "agent", Active: true,
		Creatives: []models.Creative{
			{ID: 100, Width: 300, Height: 250},
			{ID: 101, Width: 728, Height: 90},
		},
	}}
}

func newTestServer(t *testing.T) (*Server, *observability.MockMetricsRegistry) {
	t.Helper()
	reg := exchange.NewRegistry()
	require.NoError(t, reg.RegisterFactory(demo.ExchangeType, demo.New))
	metrics := observability.NewMockMetricsRegistry()

	rt := router.New(router.Options{
		Logger:   zap.NewNop(),
		Metrics:  metrics,
		Agents:   models.NewTestAgentStore(demoAgents()...),
		Registry: reg,
	})
	_, err := rt.CreateConnector(demo.ExchangeType, "demo",
		json.RawMessage(`{"max_width": 300, "max_height": 250, "required_field": "user.id"}`))
	require.NoError(t, err)
	require.NoError(t, rt.Start(context.Background()))
	t.Cleanup(func() { _ = rt.Shutdown(context.Background()) })

	ctl := router.NewController(rt, router.ControllerConfig{Window: time.Minute, Logger: zap.NewNop(), Metrics: metrics})
	require.NoError(t, ctl.SetEnabled("demo", true))

	s := NewServer(zap.NewNop(), rt, ctl, &staticAgents{agents: demoAgents()}, metrics)
	return s, metrics
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const bidWithUser = `{"id":"r1","imp":[{"id":"1","banner":{"w":300,"h":250}}],"user":{"id":"u-1"}}`

func TestBidHandler(t *testing.T) {
	s, metrics := newTestServer(t)
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/exchanges/demo/bid", bidWithUser)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp models.BidResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "r1", resp.ID)
	assert.NotEmpty(t, resp.AuctionID)
	require.Len(t, resp.Candidates, 1)
	assert.Equal(t, 100, resp.Candidates[0].CreativeID)
	assert.Equal(t, 1, metrics.Count("requests", "bid", "POST", "200"))
}

func TestBidHandlerNoCandidates(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s.Handler(), http.MethodPost, "/exchanges/demo/bid",
		`{"id":"r1","imp":[{"id":"1","banner":{"w":300,"h":250}}]}`)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestBidHandlerErrors(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/exchanges/demo/bid", `{`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/exchanges/demo/bid", `{"id":"x"}`).Code,
		"a request without impressions is invalid")
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/exchanges/missing/bid", bidWithUser).Code)

	require.NoError(t, s.Controller.SetEnabled("demo", false))
	rec := do(t, h, http.MethodPost, "/exchanges/demo/bid", bidWithUser)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestBidHandlerBodyLimit(t *testing.T) {
	s, _ := newTestServer(t)
	s.MaxBodyBytes = 16
	assert.Equal(t, http.StatusBadRequest, do(t, s.Handler(), http.MethodPost, "/exchanges/demo/bid", bidWithUser).Code)
}

func TestBidHandlerDebugTrace(t *testing.T) {
	s, _ := newTestServer(t)
	s.DebugTrace = true
	s.Router = router.New(router.Options{Logger: zap.NewNop(), Agents: s.Router.Agents(), DebugTrace: true})
	conn, err := demo.New(exchange.ServiceContext{Logger: zap.NewNop()}, "demo")
	require.NoError(t, err)
	require.NoError(t, conn.Configure(nil))
	require.NoError(t, s.Router.AddConnector(conn))
	require.NoError(t, s.Router.Start(context.Background()))
	t.Cleanup(func() { _ = s.Router.Shutdown(context.Background()) })
	conn.EnableUntil(time.Now().Add(time.Minute))

	rec := do(t, s.Handler(), http.MethodPost, "/exchanges/demo/bid", bidWithUser)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Debug []models.TraceStep `json:"debug"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body.Debug)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.RemoteAddr = "10.0.0.1:1234"
	assert.Equal(t, "10.0.0.1", clientIP(req))
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.2")
	assert.Equal(t, "203.0.113.7", clientIP(req))
}

func TestListExchangesHandler(t *testing.T) {
	s, _ := newTestServer(t)
	rec := do(t, s.Handler(), http.MethodGet, "/exchanges", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var out []exchange.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "demo", out[0].Name)
	assert.Equal(t, demo.ExchangeType, out[0].Type)
	assert.True(t, out[0].Enabled)
	assert.Equal(t, "running", out[0].State)
}

func TestCompatibilityHandler(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()

	rec := do(t, h, http.MethodGet, "/exchanges/demo/compatibility?agent=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var out struct {
		Exchange   string `json:"exchange"`
		AgentID    int    `json:"agent_id"`
		Compatible bool   `json:"compatible"`
		Creatives  []struct {
			Compatible bool     `json:"compatible"`
			Reasons    []string `json:"reasons"`
		} `json:"creatives"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "demo", out.Exchange)
	assert.True(t, out.Compatible)
	require.Len(t, out.Creatives, 2)
	assert.True(t, out.Creatives[0].Compatible)
	assert.False(t, out.Creatives[1].Compatible)
	assert.NotEmpty(t, out.Creatives[1].Reasons)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/exchanges/demo/compatibility?agent=x", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/exchanges/demo/compatibility?agent=9", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/exchanges/missing/compatibility?agent=1", "").Code)
}

func TestControlHandler(t *testing.T) {
	s, _ := newTestServer(t)
	pub := &recordingPublisher{}
	s.Publisher = pub
	s.ControlChannel = "ctl"
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/exchanges/demo/control", `{"action":"probability","value":0.25}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var status exchange.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 0.25, status.AcceptProbability)

	require.Len(t, pub.payloads, 1)
	assert.Equal(t, "ctl", pub.channel)
	assert.JSONEq(t, `{"exchange":"demo","action":"probability","value":0.25}`, string(pub.payloads[0]))

	rec = do(t, h, http.MethodPost, "/exchanges/demo/control", `{"action":"disable"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, s.Controller.Enabled("demo"))

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/exchanges/demo/control", `{"action":"explode"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/exchanges/demo/control", `nope`).Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/exchanges/missing/control", `{"action":"enable"}`).Code)
	assert.Len(t, pub.payloads, 2, "rejected messages are not broadcast")
}

func TestReloadHandler(t *testing.T) {
	s, _ := newTestServer(t)
	src := &staticAgents{agents: append(demoAgents(), models.AgentConfig{ID: 2, Name: "second", Active: true})}
	s.Agents = src
	h := s.Handler()

	rec := do(t, h, http.MethodPost, "/reload", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	assert.Len(t, s.Router.Agents().GetAll(), 2)
	assert.Len(t, s.Router.Cache().Snapshot("demo").Entries, 2)

	src.err = errors.New("postgres down")
	assert.Equal(t, http.StatusInternalServerError, do(t, h, http.MethodPost, "/reload", "").Code)

	s.Agents = nil
	assert.ErrorIs(t, s.Reload(context.Background()), ErrNoAgentSource)
}

func TestAuctionsHandler(t *testing.T) {
	s, _ := newTestServer(t)
	h := s.Handler()
	assert.Equal(t, http.StatusServiceUnavailable, do(t, h, http.MethodGet, "/auctions/r1", "").Code)

	s.Auctions = &fakeAuctions{records: map[string][]analytics.AuctionRecord{
		"r1": {{AuctionID: "a1", Exchange: "demo", RequestID: "r1", Outcome: models.OutcomeCandidates, Candidates: 1}},
	}}
	rec := do(t, h, http.MethodGet, "/auctions/r1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var out []analytics.AuctionRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "a1", out[0].AuctionID)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/auctions/unknown", "").Code)
}

func TestHealthHandler(t *testing.T) {
	s, metrics := newTestServer(t)
	rec := do(t, s.Handler(), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","exchanges":1,"running":1,"agents":1}`, rec.Body.String())
	assert.Equal(t, 1, metrics.Count("requests", "health", "GET", "200"))
}
