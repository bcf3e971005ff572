package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// total requests per endpoint, method and status code
	RequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtbconnect_http_requests_total",
			Help: "Total API requests received",
		},
		[]string{"endpoint", "method", "status"},
	)

	// request latency in seconds per endpoint/method
	RequestLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rtbconnect_http_request_duration_seconds",
			Help:    "Histogram of request latencies",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)

	// bid requests reaching a connector, labelled with the admission outcome
	BidRequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtbconnect_bid_requests_total",
			Help: "Bid requests seen by exchange connectors by admission outcome",
		},
		[]string{"exchange", "outcome"},
	)

	// candidates removed at each pipeline stage
	FilterRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtbconnect_filter_rejections_total",
			Help: "Candidates rejected per exchange and filter stage",
		},
		[]string{"exchange", "stage"},
	)

	// panics recovered from exchange filters and evaluators
	FilterPanics = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtbconnect_filter_panics_total",
			Help: "Panics recovered while running exchange filters or evaluators",
		},
		[]string{"exchange", "stage"},
	)

	// auction callbacks (event = new|done)
	AuctionCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtbconnect_auctions_total",
			Help: "Auction callbacks by exchange and event",
		},
		[]string{"exchange", "event"},
	)

	// admitted (agent, creative) pairs per auction
	CandidateCount = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rtbconnect_auction_candidates",
			Help:    "Number of admitted (agent, creative) pairs per auction",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
		},
		[]string{"exchange"},
	)

	// time spent running the filter pipeline for one bid request
	PipelineLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rtbconnect_pipeline_duration_seconds",
			Help:    "Filter pipeline latency per bid request",
			Buckets: []float64{0.00005, 0.0001, 0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025},
		},
		[]string{"exchange"},
	)

	// campaigns per exchange by compatibility result
	CompatibleCampaigns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rtbconnect_campaign_compatibility",
			Help: "Number of campaigns per exchange by compatibility result",
		},
		[]string{"exchange", "result"},
	)

	// control-plane messages applied to connectors
	ControlMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rtbconnect_control_messages_total",
			Help: "Control messages by exchange, action and status",
		},
		[]string{"exchange", "action", "status"},
	)

	// auction log writes that failed
	AnalyticsErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rtbconnect_analytics_errors_total",
			Help: "Failed auction log writes",
		},
	)
)

func init() {
	// register all metrics
	prometheus.MustRegister(
		RequestCount,
		RequestLatency,
		BidRequestCount,
		FilterRejections,
		FilterPanics,
		AuctionCount,
		CandidateCount,
		PipelineLatency,
		CompatibleCampaigns,
		ControlMessages,
		AnalyticsErrors,
	)
}
