package exchange

import "github.com/patrickwarner/rtbconnect/internal/models"

// CachedInfo is an exchange-owned payload attached to a compatibility result.
// It is built once at configuration time and then only read, concurrently, by
// every filter invocation for that campaign or creative. Exchanges store
// pointers to immutable values here and type-assert them back in their filters.
type CachedInfo any

// Compatibility records whether a campaign or creative may run on an exchange.
// Reasons is non-empty only when the subject is incompatible and the caller
// asked for reasons.
type Compatibility struct {
	Compatible bool       `json:"compatible"`
	Reasons    []string   `json:"reasons,omitempty"`
	Info       CachedInfo `json:"-"`
}

// SetCompatible marks the subject usable and clears any reasons.
func (c *Compatibility) SetCompatible() {
	c.Compatible = true
	c.Reasons = nil
}

// SetIncompatible marks the subject unusable without recording a reason.
func (c *Compatibility) SetIncompatible() {
	c.Compatible = false
	c.Reasons = nil
}

// SetIncompatibleReason marks the subject unusable and, when includeReasons is
// set, appends reason to the existing reasons.
func (c *Compatibility) SetIncompatibleReason(reason string, includeReasons bool) {
	c.Compatible = false
	if includeReasons {
		c.Reasons = append(c.Reasons, reason)
	}
}

// SetIncompatibleReasons marks the subject unusable and, when includeReasons is
// set, replaces the reasons with a copy of reasons.
func (c *Compatibility) SetIncompatibleReasons(reasons []string, includeReasons bool) {
	c.Compatible = false
	if includeReasons {
		c.Reasons = append([]string(nil), reasons...)
	}
}

// CampaignCompatibility is the result for a campaign together with one result
// per creative, index-aligned with AgentConfig.Creatives.
type CampaignCompatibility struct {
	Compatibility
	Creatives []Compatibility `json:"creatives"`
}

// CompatibleCreatives returns the indexes of compatible creatives.
func (c *CampaignCompatibility) CompatibleCreatives() []int {
	idx := make([]int, 0, len(c.Creatives))
	for i := range c.Creatives {
		if c.Creatives[i].Compatible {
			idx = append(idx, i)
		}
	}
	return idx
}

// Evaluator decides at configuration time whether campaigns and creatives can
// ever run on an exchange. It is never called per bid request.
type Evaluator interface {
	CampaignCompatibility(cfg *models.AgentConfig, includeReasons bool) Compatibility
	CreativeCompatibility(cr *models.Creative, includeReasons bool) Compatibility
}

// Evaluate runs ev over the campaign and each of its creatives. Creatives are
// evaluated even when the campaign is incompatible so audits can show both.
func Evaluate(ev Evaluator, cfg *models.AgentConfig, includeReasons bool) CampaignCompatibility {
	result := CampaignCompatibility{
		Compatibility: normalize(ev.CampaignCompatibility(cfg, includeReasons), includeReasons),
		Creatives:     make([]Compatibility, len(cfg.Creatives)),
	}
	for i := range cfg.Creatives {
		result.Creatives[i] = normalize(ev.CreativeCompatibility(&cfg.Creatives[i], includeReasons), includeReasons)
	}
	return result
}

// normalize enforces the result invariants on values produced by exchange code.
func normalize(c Compatibility, includeReasons bool) Compatibility {
	if c.Compatible || !includeReasons {
		c.Reasons = nil
	}
	return c
}
