package filters

import (
	"strconv"

	"github.com/patrickwarner/rtbconnect/internal/logic"
	"github.com/patrickwarner/rtbconnect/internal/models"
)

// SinglePassFilter applies the active and targeting checks to each agent in
// one loop. The router uses it in place of chaining FilterByActive and
// FilterByTargeting to avoid the intermediate slices.
type SinglePassFilter struct{}

// NewSinglePassFilter creates a single-pass agent filter
func NewSinglePassFilter() *SinglePassFilter {
	return &SinglePassFilter{}
}

// FilterAgents returns the agents that are active and match ctx, preserving order.
func (spf *SinglePassFilter) FilterAgents(agents []*models.AgentConfig, ctx models.TargetingContext) []*models.AgentConfig {
	out, _ := spf.filter(agents, ctx, false)
	return out
}

// FilterAgentsWithTrace is FilterAgents plus per-reason rejection counts for
// the selection trace.
func (spf *SinglePassFilter) FilterAgentsWithTrace(agents []*models.AgentConfig, ctx models.TargetingContext) ([]*models.AgentConfig, map[string]string) {
	return spf.filter(agents, ctx, true)
}

func (spf *SinglePassFilter) filter(agents []*models.AgentConfig, ctx models.TargetingContext, trace bool) ([]*models.AgentConfig, map[string]string) {
	if len(agents) == 0 {
		return nil, nil
	}
	out := make([]*models.AgentConfig, 0, len(agents))
	var inactive, untargeted int

	for _, a := range agents {
		if a == nil || !a.Active {
			inactive++
			continue
		}
		if !logic.MatchesTargeting(a, ctx) {
			untargeted++
			continue
		}
		out = append(out, a)
	}

	if !trace {
		return out, nil
	}
	details := map[string]string{
		"input_count":        strconv.Itoa(len(agents)),
		"output_count":       strconv.Itoa(len(out)),
		"rejected_inactive":  strconv.Itoa(inactive),
		"rejected_targeting": strconv.Itoa(untargeted),
	}
	return out, details
}
