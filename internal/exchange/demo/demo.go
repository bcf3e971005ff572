// Package demo registers the "demo" exchange: a minimal connector that
// restricts creative size and requires one request field to be present.
package demo

import (
	"encoding/json"
	"fmt"
	"slices"
	"sync/atomic"

	"github.com/patrickwarner/rtbconnect/internal/exchange"
	"github.com/patrickwarner/rtbconnect/internal/models"
)

// ExchangeType is the registry name of this exchange.
const ExchangeType = "demo"

func init() {
	exchange.MustRegisterFactory(ExchangeType, New)
}

// Params configures a demo connector.
type Params struct {
	// MaxWidth and MaxHeight bound creative dimensions. Zero means unbounded.
	MaxWidth  int `json:"max_width"`
	MaxHeight int `json:"max_height"`
	// RequiredField is a request field path (see models.KnownFields) that must
	// be non-empty for the request to pass the post-filter.
	RequiredField string `json:"required_field"`
}

func (p Params) validate() error {
	if p.MaxWidth < 0 || p.MaxHeight < 0 {
		return fmt.Errorf("%w: max_width and max_height must not be negative", exchange.ErrInvalidConfig)
	}
	if p.RequiredField != "" && !slices.Contains(models.KnownFields, p.RequiredField) {
		return fmt.Errorf("%w: unknown required_field %q", exchange.ErrInvalidConfig, p.RequiredField)
	}
	return nil
}

// Connector is the demo exchange connector.
type Connector struct {
	*exchange.Base
	params atomic.Pointer[Params]
}

// New creates an unconfigured demo connector.
func New(owner exchange.ServiceContext, name string) (exchange.Connector, error) {
	c := &Connector{Base: exchange.NewBase(owner, ExchangeType, name)}
	c.params.Store(&Params{})
	return c, nil
}

// Configure replaces the connector parameters.
func (c *Connector) Configure(raw json.RawMessage) error {
	var p Params
	if err := exchange.DecodeParams(raw, &p); err != nil {
		return err
	}
	if err := p.validate(); err != nil {
		return err
	}
	return c.ApplyConfig(func() { c.params.Store(&p) })
}

// Params returns the active parameters.
func (c *Connector) Params() Params {
	return *c.params.Load()
}

// CreativeCompatibility rejects creatives larger than the configured maximum.
func (c *Connector) CreativeCompatibility(cr *models.Creative, includeReasons bool) exchange.Compatibility {
	var res exchange.Compatibility
	p := c.params.Load()
	if (p.MaxWidth > 0 && cr.Width > p.MaxWidth) || (p.MaxHeight > 0 && cr.Height > p.MaxHeight) {
		if includeReasons {
			res.SetIncompatibleReason(fmt.Sprintf("oversized: creative %dx%d exceeds %dx%d",
				cr.Width, cr.Height, p.MaxWidth, p.MaxHeight), true)
		} else {
			res.SetIncompatible()
		}
		return res
	}
	res.SetCompatible()
	return res
}

// PostFilter rejects requests lacking the required field.
func (c *Connector) PostFilter(req *models.BidRequest, cfg *models.AgentConfig, info exchange.CachedInfo) bool {
	field := c.params.Load().RequiredField
	return field == "" || req.Field(field) != ""
}

var _ exchange.Connector = (*Connector)(nil)
