package logic

import (
	"fmt"
	"strings"

	"github.com/avct/uasurfer"

	"github.com/patrickwarner/rtbconnect/internal/geoip"
	"github.com/patrickwarner/rtbconnect/internal/models"
)

// ResolveTargetingFromUA parses a raw User-Agent string into a
// TargetingContext using the uasurfer library.
func ResolveTargetingFromUA(uaString string) models.TargetingContext {
	u := uasurfer.Parse(uaString)

	var deviceType string
	switch u.DeviceType {
	case uasurfer.DeviceComputer:
		deviceType = "desktop"
	case uasurfer.DevicePhone:
		deviceType = "mobile"
	case uasurfer.DeviceTablet:
		deviceType = "tablet"
	default:
		deviceType = "other"
	}

	v := u.OS.Version
	os := fmt.Sprintf("%s %s %d.%d.%d", u.OS.Platform.String(), u.OS.Name.String(), v.Major, v.Minor, v.Patch)
	bv := u.Browser.Version
	browser := fmt.Sprintf("%s %d.%d.%d", u.Browser.Name.String(), bv.Major, bv.Minor, bv.Patch)

	return models.TargetingContext{
		DeviceType: deviceType,
		OS:         os,
		Browser:    browser,
		IsBot:      u.IsBot(),
	}
}

// ResolveRequestTargeting builds the TargetingContext for a bid request. Geo
// sent by the exchange wins over the IP lookup; the device type sent by the
// exchange wins over the User-Agent.
func ResolveRequestTargeting(g *geoip.GeoIP, req *models.BidRequest) models.TargetingContext {
	ctx := ResolveTargetingFromUA(req.Device.UA)
	if req.Device.DeviceType != "" {
		ctx.DeviceType = req.Device.DeviceType
	}
	ctx.Country = req.Device.Geo.Country
	ctx.Region = req.Device.Geo.Region
	if ctx.Country == "" && req.Device.IP != "" {
		ctx.Country, ctx.Region = g.Lookup(req.Device.IP)
	}
	ctx.KeyValues = req.Ext.KV
	return ctx
}

// EnrichRequest fills in device type and geo on req when the exchange left
// them empty, so exchange filters see the same values as router filters.
// It returns the resolved context.
func EnrichRequest(g *geoip.GeoIP, req *models.BidRequest) models.TargetingContext {
	ctx := ResolveRequestTargeting(g, req)
	if req.Device.DeviceType == "" {
		req.Device.DeviceType = ctx.DeviceType
	}
	if req.Device.Geo.Country == "" {
		req.Device.Geo.Country = ctx.Country
		req.Device.Geo.Region = ctx.Region
	}
	return ctx
}

// MatchesTargeting checks the agent's country, device and key-value rules
// against ctx. Empty rules match anything; a specific rule never matches an
// unknown context value.
func MatchesTargeting(cfg *models.AgentConfig, ctx models.TargetingContext) bool {
	if cfg == nil {
		return false
	}
	if len(cfg.Countries) > 0 && !containsFold(cfg.Countries, ctx.Country) {
		return false
	}
	if len(cfg.DeviceTypes) > 0 && !containsFold(cfg.DeviceTypes, ctx.DeviceType) {
		return false
	}
	return MatchesKeyValues(cfg, ctx)
}

// MatchesKeyValues returns true if all agent key/value pairs are present in the request context.
func MatchesKeyValues(cfg *models.AgentConfig, ctx models.TargetingContext) bool {
	if cfg == nil || len(cfg.KeyValues) == 0 {
		return true
	}
	for k, v := range cfg.KeyValues {
		if cv, ok := ctx.KeyValues[k]; !ok || cv != v {
			return false
		}
	}
	return true
}

func containsFold(list []string, v string) bool {
	if v == "" {
		return false
	}
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
