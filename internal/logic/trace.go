package logic

import "github.com/patrickwarner/rtbconnect/internal/models"

// FilterTrace captures the candidates remaining after each pipeline stage.
// A nil *FilterTrace records nothing, so callers can pass one unconditionally.
type FilterTrace struct {
	Steps []models.TraceStep `json:"steps"`
}

// AddStep appends a trace entry listing the agents still in play.
func (t *FilterTrace) AddStep(stage string, agents []*models.AgentConfig) {
	t.AddStepWithDetails(stage, agents, nil)
}

// AddStepWithDetails appends a trace entry with additional details about filtering.
func (t *FilterTrace) AddStepWithDetails(stage string, agents []*models.AgentConfig, details map[string]string) {
	if t == nil {
		return
	}
	step := models.TraceStep{Stage: stage, AgentIDs: make([]int, 0, len(agents)), Details: details}
	for _, a := range agents {
		step.AgentIDs = append(step.AgentIDs, a.ID)
	}
	t.Steps = append(t.Steps, step)
}

// AddCandidates appends a trace entry for admitted (agent, creative) pairs.
// Duplicate agent IDs are removed.
func (t *FilterTrace) AddCandidates(stage string, candidates []models.Candidate) {
	if t == nil {
		return
	}
	step := models.TraceStep{Stage: stage}
	seen := make(map[int]struct{})
	for _, c := range candidates {
		step.CreativeIDs = append(step.CreativeIDs, c.CreativeID)
		if _, ok := seen[c.AgentID]; !ok {
			seen[c.AgentID] = struct{}{}
			step.AgentIDs = append(step.AgentIDs, c.AgentID)
		}
	}
	t.Steps = append(t.Steps, step)
}
