// Package openrtb registers the "openrtb" exchange: a generic OpenRTB 2.5
// seller that requires a buyer seat, enforces creative formats and blocked
// categories, and meters admission with a QPS cap.
package openrtb

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/patrickwarner/rtbconnect/internal/exchange"
	"github.com/patrickwarner/rtbconnect/internal/logic/filters"
	"github.com/patrickwarner/rtbconnect/internal/logic/ratelimit"
	"github.com/patrickwarner/rtbconnect/internal/models"
)

// ExchangeType is the registry name of this exchange.
const ExchangeType = "openrtb"

func init() {
	exchange.MustRegisterFactory(ExchangeType, New)
}

// Params configures an openrtb connector.
type Params struct {
	// SeatRequired makes campaigns without a seat in their provider config incompatible.
	SeatRequired bool `json:"seat_required"`
	// AllowedFormats restricts creative formats. Empty allows all.
	AllowedFormats []string `json:"allowed_formats"`
	// BlockedCountries rejects requests from these ISO country codes.
	BlockedCountries []string `json:"blocked_countries"`
	// MaxQPS caps admitted bid requests per second. Zero disables the cap.
	MaxQPS float64 `json:"max_qps"`
	// Burst is the token bucket capacity. Defaults to ceil(MaxQPS).
	Burst int `json:"burst"`
}

// settings is the compiled, immutable form of Params.
type settings struct {
	params         Params
	allowedFormats map[string]struct{}
	blocked        map[string]struct{}
}

func compile(p Params) (*settings, error) {
	if p.MaxQPS < 0 || math.IsNaN(p.MaxQPS) || math.IsInf(p.MaxQPS, 0) {
		return nil, fmt.Errorf("%w: max_qps must be a non-negative number", exchange.ErrInvalidConfig)
	}
	if p.Burst < 0 {
		return nil, fmt.Errorf("%w: burst must not be negative", exchange.ErrInvalidConfig)
	}
	if p.Burst > 0 && p.MaxQPS == 0 {
		return nil, fmt.Errorf("%w: burst requires max_qps", exchange.ErrInvalidConfig)
	}
	s := &settings{
		params:         p,
		allowedFormats: make(map[string]struct{}, len(p.AllowedFormats)),
		blocked:        make(map[string]struct{}, len(p.BlockedCountries)),
	}
	for _, f := range p.AllowedFormats {
		if f == "" {
			return nil, fmt.Errorf("%w: empty entry in allowed_formats", exchange.ErrInvalidConfig)
		}
		s.allowedFormats[f] = struct{}{}
	}
	for _, cc := range p.BlockedCountries {
		if len(cc) != 2 {
			return nil, fmt.Errorf("%w: blocked country %q is not an ISO 3166-1 alpha-2 code", exchange.ErrInvalidConfig, cc)
		}
		s.blocked[strings.ToUpper(cc)] = struct{}{}
	}
	return s, nil
}

// seatConfig is the per-exchange entry of AgentConfig.ProviderConfig.
type seatConfig struct {
	Seat string `json:"seat"`
}

// campaignInfo is cached per compatible campaign.
type campaignInfo struct {
	seat       string
	countries  map[string]struct{}
	categories map[string]struct{}
	domains    map[string]struct{}
}

// creativeInfo is cached per compatible creative.
type creativeInfo struct {
	creative   models.Creative
	attributes map[int]struct{}
}

// Connector is the openrtb exchange connector.
type Connector struct {
	*exchange.Base
	settings atomic.Pointer[settings]
}

// New creates an unconfigured openrtb connector.
func New(owner exchange.ServiceContext, name string) (exchange.Connector, error) {
	c := &Connector{Base: exchange.NewBase(owner, ExchangeType, name)}
	s, _ := compile(Params{})
	c.settings.Store(s)
	return c, nil
}

// Configure replaces the connector parameters and its admission throttle.
func (c *Connector) Configure(raw json.RawMessage) error {
	var p Params
	if err := exchange.DecodeParams(raw, &p); err != nil {
		return err
	}
	s, err := compile(p)
	if err != nil {
		return err
	}
	return c.ApplyConfig(func() {
		c.settings.Store(s)
		if p.MaxQPS > 0 {
			burst := p.Burst
			if burst == 0 {
				burst = int(math.Ceil(p.MaxQPS))
			}
			c.SetAdmissionLimiter(ratelimit.NewTokenBucket(burst, p.MaxQPS))
			c.Logger().Info("admission throttle configured", zap.Float64("max_qps", p.MaxQPS), zap.Int("burst", burst))
		} else {
			c.SetAdmissionLimiter(nil)
		}
	})
}

// Params returns the active parameters.
func (c *Connector) Params() Params {
	return c.settings.Load().params
}

// SeatFor extracts the buyer seat configured for this exchange on cfg.
func (c *Connector) SeatFor(cfg *models.AgentConfig) (string, error) {
	raw, ok := cfg.ProviderEntry(c.ExchangeName())
	if !ok {
		raw, ok = cfg.ProviderEntry(ExchangeType)
	}
	if !ok {
		return "", fmt.Errorf("no provider config for exchange %s", c.ExchangeName())
	}
	var sc seatConfig
	if err := json.Unmarshal(raw, &sc); err != nil {
		return "", fmt.Errorf("invalid provider config for exchange %s: %w", c.ExchangeName(), err)
	}
	if sc.Seat == "" {
		return "", fmt.Errorf("empty seat for exchange %s", c.ExchangeName())
	}
	return sc.Seat, nil
}

// CampaignCompatibility checks seat, creatives and advertiser domains, and
// caches lookup sets for the filters.
func (c *Connector) CampaignCompatibility(cfg *models.AgentConfig, includeReasons bool) exchange.Compatibility {
	var res exchange.Compatibility
	s := c.settings.Load()

	ok := true

	seat, seatErr := c.SeatFor(cfg)
	if s.params.SeatRequired && seatErr != nil {
		res.SetIncompatibleReason(seatErr.Error(), includeReasons)
		ok = false
	}
	if len(cfg.Creatives) == 0 {
		res.SetIncompatibleReason("campaign has no creatives", includeReasons)
		ok = false
	}
	if len(cfg.AdvertiserDomains) == 0 {
		res.SetIncompatibleReason("campaign has no advertiser domains", includeReasons)
		ok = false
	}
	if !ok {
		return res
	}

	res.SetCompatible()
	res.Info = &campaignInfo{
		seat:       seat,
		countries:  upperSet(cfg.Countries),
		categories: toSet(cfg.Categories),
		domains:    lowerSet(cfg.AdvertiserDomains),
	}
	return res
}

// CreativeCompatibility checks creative format and dimensions.
func (c *Connector) CreativeCompatibility(cr *models.Creative, includeReasons bool) exchange.Compatibility {
	var res exchange.Compatibility
	s := c.settings.Load()
	ok := true

	if len(s.allowedFormats) > 0 {
		if _, allowed := s.allowedFormats[cr.Format]; !allowed {
			res.SetIncompatibleReason(fmt.Sprintf("creative format %q is not allowed", cr.Format), includeReasons)
			ok = false
		}
	}
	if cr.Width <= 0 || cr.Height <= 0 {
		res.SetIncompatibleReason("creative has no dimensions", includeReasons)
		ok = false
	}
	if !ok {
		return res
	}

	attrs := make(map[int]struct{}, len(cr.Attributes))
	for _, a := range cr.Attributes {
		attrs[a] = struct{}{}
	}
	res.SetCompatible()
	res.Info = &creativeInfo{
		creative: models.Creative{
			ID:     cr.ID,
			Width:  cr.Width,
			Height: cr.Height,
			Format: cr.Format,
		},
		attributes: attrs,
	}
	return res
}

// PreFilter rejects blocked countries, countries the campaign does not
// target, and blocked categories.
func (c *Connector) PreFilter(req *models.BidRequest, cfg *models.AgentConfig, info exchange.CachedInfo) bool {
	ci, ok := info.(*campaignInfo)
	if !ok {
		return false
	}
	country := strings.ToUpper(req.Device.Geo.Country)
	if _, blocked := c.settings.Load().blocked[country]; blocked {
		return false
	}
	if len(ci.countries) > 0 {
		if _, targeted := ci.countries[country]; !targeted {
			return false
		}
	}
	for _, cat := range req.BCat {
		if _, hit := ci.categories[cat]; hit {
			return false
		}
	}
	return true
}

// PostFilter rejects campaigns whose advertiser domains are blocked.
func (c *Connector) PostFilter(req *models.BidRequest, cfg *models.AgentConfig, info exchange.CachedInfo) bool {
	ci, ok := info.(*campaignInfo)
	if !ok {
		return false
	}
	for _, d := range req.BAdv {
		if _, hit := ci.domains[strings.ToLower(d)]; hit {
			return false
		}
	}
	return true
}

// CreativeFilter admits the creative if some banner impression fits its size
// and format and does not block any of its attributes.
func (c *Connector) CreativeFilter(req *models.BidRequest, cfg *models.AgentConfig, info exchange.CachedInfo) bool {
	cri, ok := info.(*creativeInfo)
	if !ok {
		return false
	}
	for i := range req.Imp {
		imp := &req.Imp[i]
		if imp.Banner == nil || !filters.CreativeFitsImpression(&cri.creative, imp) {
			continue
		}
		if blocksAny(imp.Banner.BAttr, cri.attributes) {
			continue
		}
		return true
	}
	return false
}

func blocksAny(battr []int, attrs map[int]struct{}) bool {
	for _, a := range battr {
		if _, hit := attrs[a]; hit {
			return true
		}
	}
	return false
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

func upperSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[strings.ToUpper(v)] = struct{}{}
	}
	return set
}

func lowerSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[strings.ToLower(v)] = struct{}{}
	}
	return set
}

var _ exchange.Connector = (*Connector)(nil)
