package models

// TargetingContext holds parsed and derived information from a bid request,
// used by the router's exchange-agnostic filters. It is populated from the
// request's User-Agent string, the device geo (or IP lookup when the exchange
// omits geo), and the publisher key-values in `BidRequest.Ext.KV`.
type TargetingContext struct {
	DeviceType string // Device type (e.g., "mobile", "desktop", "tablet"). Derived from User-Agent.
	OS         string // Operating system name and version. Derived from User-Agent.
	Browser    string // Browser name and version. Derived from User-Agent.
	IsBot      bool   // True if the User-Agent is identified as a known bot or crawler.
	Country    string // ISO 3166-1 alpha-2 country code (e.g., "US", "CA").
	Region     string // Region or subdivision code.
	// KeyValues contains the custom key-value pairs sent by the publisher in the bid request.
	KeyValues map[string]string
}
