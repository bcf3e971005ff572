package main

import (
	"context"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrickwarner/rtbconnect/internal/models"
)

func TestParseSizes(t *testing.T) {
	sizes, err := parseSizes("300x250, 728x90")
	require.NoError(t, err)
	assert.Equal(t, [][2]int{{300, 250}, {728, 90}}, sizes)

	_, err = parseSizes("300")
	assert.Error(t, err)
	_, err = parseSizes("ax250")
	assert.Error(t, err)
	_, err = parseSizes("")
	assert.Error(t, err)
}

func TestParseKeyValues(t *testing.T) {
	assert.Equal(t, map[string]string{"category": "sports", "section": "football"},
		parseKeyValues("category=sports, section=football,bad"))
	assert.Nil(t, parseKeyValues(""))
}

func TestBuildRequest(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	opts := options{
		users:       10,
		sizes:       [][2]int{{300, 250}},
		domains:     []string{"news.example.com"},
		keyValues:   map[string]string{"k": "v"},
		blockedCats: []string{"IAB25"},
		userIDRate:  1,
	}
	req := buildRequest(rng, opts)
	assert.NotEmpty(t, req.ID)
	require.Len(t, req.Imp, 1)
	assert.Equal(t, 300, req.Imp[0].Banner.W)
	assert.Equal(t, 250, req.Imp[0].Banner.H)
	assert.Equal(t, "news.example.com", req.Site.Domain)
	assert.NotEmpty(t, req.User.ID)
	assert.NotEmpty(t, req.Device.UA)
	assert.Equal(t, []string{"IAB25"}, req.BCat)
	assert.Equal(t, "v", req.Ext.KV["k"])

	opts.userIDRate = 0
	assert.Empty(t, buildRequest(rng, opts).User.ID)
	assert.NotEqual(t, req.ID, buildRequest(rng, opts).ID)
}

func TestSendAndRecord(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req models.BidRequest
		if err := json.Unmarshal(body, &req); err != nil {
			http.Error(w, "bad", http.StatusBadRequest)
			return
		}
		switch r.URL.Path {
		case "/exchanges/demo/bid":
			_ = json.NewEncoder(w).Encode(models.BidResponse{ID: req.ID, Candidates: []models.Candidate{{AgentID: 1}, {AgentID: 2}}})
		case "/exchanges/quiet/bid":
			w.WriteHeader(http.StatusNoContent)
		default:
			http.Error(w, "disabled", http.StatusServiceUnavailable)
		}
	}))
	defer srv.Close()

	req := buildRequest(rand.New(rand.NewSource(2)), options{sizes: [][2]int{{300, 250}}})
	var c counters

	status, n, err := send(context.Background(), srv.Client(), srv.URL, "demo", req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 2, n)
	c.record(status, n)

	status, n, err = send(context.Background(), srv.Client(), srv.URL, "quiet", req)
	require.NoError(t, err)
	c.record(status, n)

	status, n, err = send(context.Background(), srv.Client(), srv.URL, "off", req)
	require.NoError(t, err)
	c.record(status, n)
	c.record(http.StatusBadRequest, 0)

	assert.Equal(t, uint64(1), c.candidates.Load())
	assert.Equal(t, uint64(2), c.admitted.Load())
	assert.Equal(t, uint64(1), c.noBid.Load())
	assert.Equal(t, uint64(1), c.rejected.Load())
	assert.Equal(t, uint64(1), c.errors.Load())
}
