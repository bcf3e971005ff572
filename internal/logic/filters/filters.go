// Package filters holds the exchange-agnostic candidate filters the router
// runs between an exchange's pre-filter and post-filter.
package filters

import (
	"github.com/patrickwarner/rtbconnect/internal/logic"
	"github.com/patrickwarner/rtbconnect/internal/models"
)

// FilterByActive removes agents that are switched off.
func FilterByActive(agents []*models.AgentConfig) []*models.AgentConfig {
	var out []*models.AgentConfig
	for _, a := range agents {
		if a != nil && a.Active {
			out = append(out, a)
		}
	}
	return out
}

// FilterByTargeting returns agents whose country, device and key-value rules match ctx.
func FilterByTargeting(agents []*models.AgentConfig, ctx models.TargetingContext) []*models.AgentConfig {
	var out []*models.AgentConfig
	for _, a := range agents {
		if logic.MatchesTargeting(a, ctx) {
			out = append(out, a)
		}
	}
	return out
}

// MatchImpression returns the ID of the first impression in req the creative
// can fill, and false if there is none.
func MatchImpression(cr *models.Creative, req *models.BidRequest) (string, bool) {
	for i := range req.Imp {
		if CreativeFitsImpression(cr, &req.Imp[i]) {
			return req.Imp[i].ID, true
		}
	}
	return "", false
}

// CreativeFitsImpression checks that the creative matches the impression's
// banner size (primary or any listed format) and allowed creative formats.
// Impressions without a banner only apply the format restriction.
func CreativeFitsImpression(cr *models.Creative, imp *models.Impression) bool {
	if b := imp.Banner; b != nil && !sizeFits(cr, b) {
		return false
	}
	if len(imp.Ext.Formats) > 0 && cr.Format != "" {
		for _, f := range imp.Ext.Formats {
			if f == cr.Format {
				return true
			}
		}
		return false
	}
	return true
}

func sizeFits(cr *models.Creative, b *models.Banner) bool {
	if b.W == 0 && b.H == 0 && len(b.Format) == 0 {
		return true
	}
	if (b.W > 0 || b.H > 0) && (b.W == 0 || cr.Width == b.W) && (b.H == 0 || cr.Height == b.H) {
		return true
	}
	for _, f := range b.Format {
		if cr.Width == f.W && cr.Height == f.H {
			return true
		}
	}
	return false
}
