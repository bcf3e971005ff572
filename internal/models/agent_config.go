package models

import "encoding/json"

// AgentConfig is the bidding agent's campaign configuration as the router sees it.
// It is supplied by the agent configuration subsystem and treated as read-only by
// everything in this module: exchanges inspect it when computing compatibility and
// when filtering bid requests, but never modify or persist it.
type AgentConfig struct {
	ID      int    `json:"id"`      // Unique identifier for the agent configuration.
	Account string `json:"account"` // Hierarchical account path (e.g. "acme:summer_sale"), used for reporting.
	Name    string `json:"name"`    // Human-readable campaign name.
	// Active toggles whether the campaign may bid at all. Inactive campaigns keep their
	// compatibility results but are removed by the router's exchange-agnostic filters.
	Active bool `json:"active"`
	// Countries restricts the campaign to ISO 3166-1 alpha-2 country codes. Empty means anywhere.
	Countries []string `json:"countries,omitempty"`
	// DeviceTypes restricts the campaign to device classes ("mobile", "desktop", "tablet").
	DeviceTypes []string `json:"device_types,omitempty"`
	// KeyValues must all be present in the bid request's ext.kv for the campaign to match.
	KeyValues map[string]string `json:"key_values,omitempty"`
	// Categories are the IAB content categories of the advertised product. Exchanges match
	// them against blocked categories (bcat) sent in the bid request.
	Categories []string `json:"categories,omitempty"`
	// AdvertiserDomains are the landing domains (adomain) the campaign's ads point to.
	AdvertiserDomains []string `json:"advertiser_domains,omitempty"`
	// ProviderConfig holds exchange-specific settings keyed by exchange name, such as the
	// buyer seat registered with that exchange. Each exchange owns the schema of its entry.
	ProviderConfig map[string]json.RawMessage `json:"provider_config,omitempty"`
	// Creatives is the ordered list of creatives. Compatibility results are index-aligned with it.
	Creatives []Creative `json:"creatives"`
}

// Creative is an ad asset that can fill an impression on behalf of an AgentConfig.
type Creative struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Width  int    `json:"width"`  // Width of the creative in pixels.
	Height int    `json:"height"` // Height of the creative in pixels.
	// Format is the creative type, e.g. "banner", "html", "native" or "video".
	Format string `json:"format"`
	// Attributes are OpenRTB creative attribute codes (e.g. 1 = audio auto-play).
	// Exchanges compare them against battr on the impression.
	Attributes []int `json:"attributes,omitempty"`
	// ClickURL is the destination URL for clicks on this creative.
	ClickURL string `json:"click_url,omitempty"`
	// ProviderConfig holds exchange-specific creative settings keyed by exchange name,
	// for example an approval id issued by the exchange's creative review.
	ProviderConfig map[string]json.RawMessage `json:"provider_config,omitempty"`
}

// ProviderEntry returns the raw provider configuration of the agent for an exchange.
func (a *AgentConfig) ProviderEntry(exchange string) (json.RawMessage, bool) {
	if a == nil || a.ProviderConfig == nil {
		return nil, false
	}
	raw, ok := a.ProviderConfig[exchange]
	return raw, ok
}

// ProviderEntry returns the raw provider configuration of the creative for an exchange.
func (c *Creative) ProviderEntry(exchange string) (json.RawMessage, bool) {
	if c == nil || c.ProviderConfig == nil {
		return nil, false
	}
	raw, ok := c.ProviderConfig[exchange]
	return raw, ok
}
