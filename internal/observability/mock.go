package observability

import (
	"strings"
	"sync"
	"time"
)

// MockMetricsRegistry is a MetricsRegistry for tests. It counts every call by
// metric name and label values so tests can assert on what was recorded.
type MockMetricsRegistry struct {
	mu     sync.Mutex
	counts map[string]int
	gauges map[string]float64
}

// NewMockMetricsRegistry creates an empty MockMetricsRegistry.
func NewMockMetricsRegistry() *MockMetricsRegistry {
	return &MockMetricsRegistry{
		counts: make(map[string]int),
		gauges: make(map[string]float64),
	}
}

func mockKey(name string, labels ...string) string {
	return name + "{" + strings.Join(labels, ",") + "}"
}

func (m *MockMetricsRegistry) inc(name string, labels ...string) {
	m.add(1, name, labels...)
}

func (m *MockMetricsRegistry) add(n int, name string, labels ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[string]int)
	}
	m.counts[mockKey(name, labels...)] += n
}

func (m *MockMetricsRegistry) set(value float64, name string, labels ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gauges == nil {
		m.gauges = make(map[string]float64)
	}
	m.gauges[mockKey(name, labels...)] = value
}

// Count returns how many times the named metric was recorded with the labels.
func (m *MockMetricsRegistry) Count(name string, labels ...string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[mockKey(name, labels...)]
}

// Gauge returns the last value set for the named gauge with the labels.
func (m *MockMetricsRegistry) Gauge(name string, labels ...string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gauges[mockKey(name, labels...)]
}

func (m *MockMetricsRegistry) IncrementRequests(endpoint, method, status string) {
	m.inc("requests", endpoint, method, status)
}

func (m *MockMetricsRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {
	m.inc("request_latency", endpoint, method)
}

func (m *MockMetricsRegistry) IncrementBidRequests(exchange, outcome string) {
	m.inc("bid_requests", exchange, outcome)
}

func (m *MockMetricsRegistry) AddFilterRejections(exchange, stage string, n int) {
	m.add(n, "filter_rejections", exchange, stage)
}

func (m *MockMetricsRegistry) IncrementFilterPanics(exchange, stage string) {
	m.inc("filter_panics", exchange, stage)
}

func (m *MockMetricsRegistry) RecordPipelineLatency(exchange string, duration time.Duration) {
	m.inc("pipeline_latency", exchange)
}

func (m *MockMetricsRegistry) RecordCandidates(exchange string, count int) {
	m.inc("candidates", exchange)
	m.set(float64(count), "candidates", exchange)
}

func (m *MockMetricsRegistry) IncrementAuctions(exchange, event string) {
	m.inc("auctions", exchange, event)
}

func (m *MockMetricsRegistry) SetCompatibleCampaigns(exchange string, compatible, incompatible int) {
	m.set(float64(compatible), "compatibility", exchange, "compatible")
	m.set(float64(incompatible), "compatibility", exchange, "incompatible")
}

func (m *MockMetricsRegistry) IncrementControlMessages(exchange, action, status string) {
	m.inc("control_messages", exchange, action, status)
}

func (m *MockMetricsRegistry) IncrementAnalyticsErrors() {
	m.inc("analytics_errors")
}
