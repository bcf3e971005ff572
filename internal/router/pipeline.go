package router

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/patrickwarner/rtbconnect/internal/exchange"
	"github.com/patrickwarner/rtbconnect/internal/logic"
	"github.com/patrickwarner/rtbconnect/internal/logic/filters"
	"github.com/patrickwarner/rtbconnect/internal/models"
	"github.com/patrickwarner/rtbconnect/internal/observability"
)

// Pipeline stage names used in metrics, logs and selection traces.
const (
	StageCompatibility = "compatibility"
	StagePreFilter     = "pre_filter"
	StageTargeting     = "targeting"
	StagePostFilter    = "post_filter"
	StageCreative      = "creative_filter"
)

const tracerName = "rtbconnect/router"

// PipelineConfig configures a Pipeline.
type PipelineConfig struct {
	Logger  *zap.Logger
	Metrics observability.MetricsRegistry
	// DebugTrace records a selection trace on every result.
	DebugTrace bool
	// LogSampleRate is the fraction of rejections logged at debug level.
	LogSampleRate float64
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
}

// Pipeline runs the per-request filtering stages in cost order:
// compatibility gate, exchange pre-filter, router targeting, exchange
// post-filter, then the per-creative gate and creative filter.
type Pipeline struct {
	logger     *zap.Logger
	metrics    observability.MetricsRegistry
	tracer     trace.Tracer
	targeting  *filters.SinglePassFilter
	debugTrace bool
	sampleRate float64
}

// Result is the output of one pipeline run.
type Result struct {
	Candidates []models.Candidate
	// Trace is nil unless debug tracing is enabled.
	Trace *logic.FilterTrace
}

// NewPipeline creates a pipeline.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = zap.L()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewNoOpRegistry()
	}
	tracer := observability.Tracer(tracerName)
	if cfg.TracerProvider != nil {
		tracer = cfg.TracerProvider.Tracer(tracerName)
	}
	return &Pipeline{
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
		tracer:     tracer,
		targeting:  filters.NewSinglePassFilter(),
		debugTrace: cfg.DebugTrace,
		sampleRate: cfg.LogSampleRate,
	}
}

// Run returns the (agent, creative) pairs admitted for req on conn.
func (p *Pipeline) Run(ctx context.Context, conn exchange.Connector, snap *ExchangeSnapshot, req *models.BidRequest, tctx models.TargetingContext) Result {
	exch := conn.ExchangeName()
	start := time.Now()
	_, span := p.tracer.Start(ctx, "pipeline.Run", trace.WithAttributes(
		attribute.String("exchange", exch),
		attribute.String("request_id", req.ID),
	))
	defer span.End()

	var res Result
	if p.debugTrace {
		res.Trace = &logic.FilterTrace{}
	}
	if snap == nil || len(snap.Entries) == 0 {
		span.SetAttributes(attribute.Int("candidates", 0))
		p.metrics.RecordPipelineLatency(exch, time.Since(start))
		return res
	}

	// Compatibility gate and pre-filter.
	pre := make([]Entry, 0, len(snap.Entries))
	var incompatible int
	for _, e := range snap.Entries {
		if !e.Compat.Compatible {
			incompatible++
			continue
		}
		if p.call(exch, StagePreFilter, e.Agent, func() bool {
			return conn.PreFilter(req, e.Agent, e.Compat.Info)
		}) {
			pre = append(pre, e)
		}
	}
	compatible := len(snap.Entries) - incompatible
	p.reject(exch, StageCompatibility, req, incompatible)
	p.reject(exch, StagePreFilter, req, compatible-len(pre))
	agents := entryAgents(pre)
	if res.Trace != nil {
		res.Trace.AddStepWithDetails(StagePreFilter, agents, map[string]string{
			"compatible":   strconv.Itoa(compatible),
			"incompatible": strconv.Itoa(incompatible),
		})
	}

	// Exchange-agnostic targeting. Survivors keep their order, so they are
	// matched back to entries with a single forward walk.
	var targeted []*models.AgentConfig
	if res.Trace != nil {
		var details map[string]string
		targeted, details = p.targeting.FilterAgentsWithTrace(agents, tctx)
		res.Trace.AddStepWithDetails(StageTargeting, targeted, details)
	} else {
		targeted = p.targeting.FilterAgents(agents, tctx)
	}
	p.reject(exch, StageTargeting, req, len(pre)-len(targeted))

	// Post-filter.
	post := make([]Entry, 0, len(targeted))
	j := 0
	for _, a := range targeted {
		for j < len(pre) && pre[j].Agent != a {
			j++
		}
		if j == len(pre) {
			break
		}
		e := pre[j]
		j++
		if p.call(exch, StagePostFilter, e.Agent, func() bool {
			return conn.PostFilter(req, e.Agent, e.Compat.Info)
		}) {
			post = append(post, e)
		}
	}
	p.reject(exch, StagePostFilter, req, len(targeted)-len(post))
	if res.Trace != nil {
		res.Trace.AddStep(StagePostFilter, entryAgents(post))
	}

	// Creatives.
	var rejectedCreatives int
	for _, e := range post {
		for i := range e.Agent.Creatives {
			if i >= len(e.Compat.Creatives) || !e.Compat.Creatives[i].Compatible {
				continue
			}
			cr := &e.Agent.Creatives[i]
			impID, ok := filters.MatchImpression(cr, req)
			if ok {
				info := e.Compat.Creatives[i].Info
				ok = p.call(exch, StageCreative, e.Agent, func() bool {
					return conn.CreativeFilter(req, e.Agent, info)
				})
			}
			if !ok {
				rejectedCreatives++
				continue
			}
			res.Candidates = append(res.Candidates, models.Candidate{
				AgentID:       e.Agent.ID,
				Account:       e.Agent.Account,
				CreativeIndex: i,
				CreativeID:    cr.ID,
				ImpID:         impID,
			})
		}
	}
	p.reject(exch, StageCreative, req, rejectedCreatives)
	res.Trace.AddCandidates(StageCreative, res.Candidates)

	span.SetAttributes(attribute.Int("candidates", len(res.Candidates)))
	p.metrics.RecordPipelineLatency(exch, time.Since(start))
	return res
}

// call runs one exchange filter. A panic rejects only this agent.
func (p *Pipeline) call(exch, stage string, agent *models.AgentConfig, fn func() bool) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			p.metrics.IncrementFilterPanics(exch, stage)
			p.logger.Error("exchange filter panicked",
				zap.String("exchange", exch),
				zap.String("stage", stage),
				zap.Int("agent_id", agent.ID),
				zap.Any("panic", r))
		}
	}()
	return fn()
}

func (p *Pipeline) reject(exch, stage string, req *models.BidRequest, n int) {
	if n <= 0 {
		return
	}
	p.metrics.AddFilterRejections(exch, stage, n)
	if observability.ShouldSample(p.sampleRate) {
		p.logger.Debug("candidates rejected",
			zap.String("exchange", exch),
			zap.String("stage", stage),
			zap.String("request_id", req.ID),
			zap.Int("count", n))
	}
}

func entryAgents(entries []Entry) []*models.AgentConfig {
	out := make([]*models.AgentConfig, len(entries))
	for i, e := range entries {
		out[i] = e.Agent
	}
	return out
}
