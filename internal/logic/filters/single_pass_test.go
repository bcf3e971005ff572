package filters

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/patrickwarner/rtbconnect/internal/models"
)

func TestSinglePassFilterMatchesChainedFilters(t *testing.T) {
	agents := []*models.AgentConfig{
		{ID: 1, Active: true, Countries: []string{"US"}},
		{ID: 2, Active: false, Countries: []string{"US"}},
		{ID: 3, Active: true, Countries: []string{"CA"}},
		{ID: 4, Active: true, KeyValues: map[string]string{"section": "sports"}},
		{ID: 5, Active: true, DeviceTypes: []string{"MOBILE"}},
	}
	ctx := models.TargetingContext{
		Country:    "us",
		DeviceType: "mobile",
		KeyValues:  map[string]string{"section": "sports"},
	}

	spf := NewSinglePassFilter()
	chained := FilterByTargeting(FilterByActive(agents), ctx)
	single := spf.FilterAgents(agents, ctx)

	assert.Equal(t, chained, single)
	ids := make([]int, 0, len(single))
	for _, a := range single {
		ids = append(ids, a.ID)
	}
	assert.Equal(t, []int{1, 4, 5}, ids)
}

func TestSinglePassFilterWithTrace(t *testing.T) {
	agents := []*models.AgentConfig{
		{ID: 1, Active: true},
		{ID: 2, Active: false},
		{ID: 3, Active: true, Countries: []string{"FR"}},
	}

	out, details := NewSinglePassFilter().FilterAgentsWithTrace(agents, models.TargetingContext{Country: "US"})
	assert.Len(t, out, 1)
	assert.Equal(t, "3", details["input_count"])
	assert.Equal(t, "1", details["output_count"])
	assert.Equal(t, "1", details["rejected_inactive"])
	assert.Equal(t, "1", details["rejected_targeting"])
}

func TestSinglePassFilterEmpty(t *testing.T) {
	out, details := NewSinglePassFilter().FilterAgentsWithTrace(nil, models.TargetingContext{})
	assert.Nil(t, out)
	assert.Nil(t, details)
}
