package observability

import "time"

// MetricsRegistry provides an interface for recording application metrics.
// Components receive it through dependency injection instead of touching the
// package-level collectors directly.
type MetricsRegistry interface {
	// HTTP Request metrics
	IncrementRequests(endpoint, method, status string)
	RecordRequestLatency(endpoint, method string, duration time.Duration)

	// Connector admission metrics
	IncrementBidRequests(exchange, outcome string)

	// Pipeline metrics
	AddFilterRejections(exchange, stage string, n int)
	IncrementFilterPanics(exchange, stage string)
	RecordPipelineLatency(exchange string, duration time.Duration)
	RecordCandidates(exchange string, count int)

	// Auction callback metrics
	IncrementAuctions(exchange, event string)

	// Compatibility cache metrics
	SetCompatibleCampaigns(exchange string, compatible, incompatible int)

	// Control plane metrics
	IncrementControlMessages(exchange, action, status string)

	// Analytics metrics
	IncrementAnalyticsErrors()
}

// PrometheusRegistry implements MetricsRegistry using the global Prometheus collectors
type PrometheusRegistry struct{}

// NewPrometheusRegistry creates a new PrometheusRegistry
func NewPrometheusRegistry() *PrometheusRegistry {
	return &PrometheusRegistry{}
}

// HTTP Request metrics
func (r *PrometheusRegistry) IncrementRequests(endpoint, method, status string) {
	RequestCount.WithLabelValues(endpoint, method, status).Inc()
}

func (r *PrometheusRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {
	RequestLatency.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

func (r *PrometheusRegistry) IncrementBidRequests(exchange, outcome string) {
	BidRequestCount.WithLabelValues(exchange, outcome).Inc()
}

func (r *PrometheusRegistry) AddFilterRejections(exchange, stage string, n int) {
	FilterRejections.WithLabelValues(exchange, stage).Add(float64(n))
}

func (r *PrometheusRegistry) IncrementFilterPanics(exchange, stage string) {
	FilterPanics.WithLabelValues(exchange, stage).Inc()
}

func (r *PrometheusRegistry) RecordPipelineLatency(exchange string, duration time.Duration) {
	PipelineLatency.WithLabelValues(exchange).Observe(duration.Seconds())
}

func (r *PrometheusRegistry) RecordCandidates(exchange string, count int) {
	CandidateCount.WithLabelValues(exchange).Observe(float64(count))
}

func (r *PrometheusRegistry) IncrementAuctions(exchange, event string) {
	AuctionCount.WithLabelValues(exchange, event).Inc()
}

func (r *PrometheusRegistry) SetCompatibleCampaigns(exchange string, compatible, incompatible int) {
	CompatibleCampaigns.WithLabelValues(exchange, "compatible").Set(float64(compatible))
	CompatibleCampaigns.WithLabelValues(exchange, "incompatible").Set(float64(incompatible))
}

func (r *PrometheusRegistry) IncrementControlMessages(exchange, action, status string) {
	ControlMessages.WithLabelValues(exchange, action, status).Inc()
}

func (r *PrometheusRegistry) IncrementAnalyticsErrors() {
	AnalyticsErrors.Inc()
}

// NoOpRegistry implements MetricsRegistry with no-op methods
type NoOpRegistry struct{}

// NewNoOpRegistry creates a new NoOpRegistry
func NewNoOpRegistry() *NoOpRegistry {
	return &NoOpRegistry{}
}

func (r *NoOpRegistry) IncrementRequests(endpoint, method, status string)                    {}
func (r *NoOpRegistry) RecordRequestLatency(endpoint, method string, duration time.Duration) {}
func (r *NoOpRegistry) IncrementBidRequests(exchange, outcome string)                        {}
func (r *NoOpRegistry) AddFilterRejections(exchange, stage string, n int)               {}
func (r *NoOpRegistry) IncrementFilterPanics(exchange, stage string)                         {}
func (r *NoOpRegistry) RecordPipelineLatency(exchange string, duration time.Duration)        {}
func (r *NoOpRegistry) RecordCandidates(exchange string, count int)                          {}
func (r *NoOpRegistry) IncrementAuctions(exchange, event string)                             {}
func (r *NoOpRegistry) SetCompatibleCampaigns(exchange string, compatible, incompatible int) {}
func (r *NoOpRegistry) IncrementControlMessages(exchange, action, status string)             {}
func (r *NoOpRegistry) IncrementAnalyticsErrors()                                            {}
