package models

// BidRequest is a simplified version of the IAB OpenRTB 2.5 Bid Request object.
// It carries the fields exchanges in this module inspect while filtering. Each
// exchange's I/O layer is responsible for decoding its own wire format into it.
type BidRequest struct {
	ID     string       `json:"id"`            // Exchange-assigned identifier of the bid request.
	Imp    []Impression `json:"imp"`           // Impressions offered in this request. At least one is required.
	Site   *Site        `json:"site,omitempty"` // Present for website inventory.
	App    *App         `json:"app,omitempty"`  // Present for in-app inventory.
	Device Device       `json:"device"`
	User   User         `json:"user"`
	// BCat lists blocked advertiser categories (IAB content taxonomy).
	BCat []string `json:"bcat,omitempty"`
	// BAdv lists blocked advertiser domains.
	BAdv []string `json:"badv,omitempty"`
	// TMax is the maximum time in milliseconds the exchange allows for a response.
	TMax int `json:"tmax,omitempty"`
	// Ext holds extension fields. Publishers can include custom key-values here.
	Ext RequestExt `json:"ext,omitempty"`
}

// Impression object represents an ad slot or impression opportunity.
type Impression struct {
	ID       string  `json:"id"`              // Unique ID for this impression object within the request.
	TagID    string  `json:"tagid,omitempty"` // Identifier for the placement on the page.
	Banner   *Banner `json:"banner,omitempty"`
	BidFloor float64 `json:"bidfloor,omitempty"` // Minimum CPM for this impression.
	// Ext.Formats optionally restricts the creative formats acceptable for the slot.
	Ext ImpressionExt `json:"ext,omitempty"`
}

// ImpressionExt carries non-standard impression settings.
type ImpressionExt struct {
	Formats []string `json:"formats,omitempty"`
}

// Banner describes a display slot.
type Banner struct {
	W int `json:"w,omitempty"`
	H int `json:"h,omitempty"`
	// Format lists alternative sizes the slot accepts.
	Format []Format `json:"format,omitempty"`
	// BAttr lists blocked creative attributes.
	BAttr []int `json:"battr,omitempty"`
}

// Format is one allowed banner size.
type Format struct {
	W int `json:"w"`
	H int `json:"h"`
}

// Site describes the website the impression appears on.
type Site struct {
	ID     string   `json:"id,omitempty"`
	Domain string   `json:"domain,omitempty"`
	Page   string   `json:"page,omitempty"`
	Cat    []string `json:"cat,omitempty"`
}

// App describes the application the impression appears in.
type App struct {
	ID     string   `json:"id,omitempty"`
	Bundle string   `json:"bundle,omitempty"`
	Cat    []string `json:"cat,omitempty"`
}

// User object contains information about the user for whom the ad is being requested.
type User struct {
	ID string `json:"id,omitempty"` // Exchange-specific user identifier.
}

// Device object provides information about the user's device.
type Device struct {
	UA string `json:"ua,omitempty"` // User-Agent string. Used for device type resolution.
	IP string `json:"ip,omitempty"` // IPv4 address. Used for geo resolution when Geo is absent.
	// DeviceType is filled by the router from the User-Agent ("mobile", "desktop", "tablet", "other").
	DeviceType string `json:"devicetype,omitempty"`
	Geo        Geo    `json:"geo,omitempty"`
}

// Geo holds location information for the device.
type Geo struct {
	Country string `json:"country,omitempty"` // ISO 3166-1 alpha-2 country code.
	Region  string `json:"region,omitempty"`
}

// RequestExt carries publisher key-values used by agent key-value targeting.
type RequestExt struct {
	KV map[string]string `json:"kv,omitempty"`
}

// HasBanner reports whether any impression in the request is a banner slot.
func (r *BidRequest) HasBanner() bool {
	for i := range r.Imp {
		if r.Imp[i].Banner != nil {
			return true
		}
	}
	return false
}

// Field returns the value of a well-known request field by dotted path. Supported
// paths are "user.id", "device.ip", "device.ua", "site.domain" and "app.bundle".
// Unknown paths and missing objects yield "".
func (r *BidRequest) Field(path string) string {
	switch path {
	case "user.id":
		return r.User.ID
	case "device.ip":
		return r.Device.IP
	case "device.ua":
		return r.Device.UA
	case "site.domain":
		if r.Site != nil {
			return r.Site.Domain
		}
	case "app.bundle":
		if r.App != nil {
			return r.App.Bundle
		}
	}
	return ""
}

// KnownFields lists the paths accepted by Field.
var KnownFields = []string{"user.id", "device.ip", "device.ua", "site.domain", "app.bundle"}

// BidResponse is returned by the bid ingress endpoint. Pricing is decided elsewhere,
// so the response only reports which (agent, creative) pairs were admitted.
type BidResponse struct {
	ID         string      `json:"id"`         // Mirrors BidRequest.ID.
	AuctionID  string      `json:"auction_id"` // Router-assigned auction identifier.
	Candidates []Candidate `json:"candidates"`
	// Nbr (No-Bid Reason) code, set when nothing was admitted.
	Nbr int `json:"nbr,omitempty"`
}
