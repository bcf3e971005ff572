package geoip

import (
	"fmt"
	"net"
	"os"

	"github.com/goccy/go-json"
	"github.com/oschwald/geoip2-golang"
)

// GeoIP resolves device IPs to country and region. It reads a MaxMind GeoIP2
// database, or a JSON list of CIDR ranges for local development and tests.
type GeoIP struct {
	db       *geoip2.Reader
	fallback []record
}

type record struct {
	net     *net.IPNet
	country string
	region  string
}

// fallbackEntry is one element of the JSON range file.
type fallbackEntry struct {
	Net     string `json:"net"`
	Country string `json:"country"`
	Region  string `json:"region"`
}

// Init opens the database located at path. MaxMind files are tried first; if
// that fails the file is parsed as a JSON range list.
func Init(path string) (*GeoIP, error) {
	db, err := geoip2.Open(path)
	if err == nil {
		return &GeoIP{db: db}, nil
	}

	data, rerr := os.ReadFile(path)
	if rerr != nil {
		return nil, fmt.Errorf("open geoip database %s: %w", path, err)
	}
	g, jerr := FromJSON(data)
	if jerr != nil {
		return nil, fmt.Errorf("open geoip database %s: %w", path, err)
	}
	return g, nil
}

// FromJSON builds a GeoIP from a JSON array of {net, country, region} entries.
// Entries with an unparsable CIDR are skipped.
func FromJSON(data []byte) (*GeoIP, error) {
	var entries []fallbackEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse geoip ranges: %w", err)
	}
	g := &GeoIP{}
	for _, e := range entries {
		if _, n, err := net.ParseCIDR(e.Net); err == nil {
			g.fallback = append(g.fallback, record{net: n, country: e.Country, region: e.Region})
		}
	}
	return g, nil
}

// Country returns the ISO country code for ip, or "" when unknown.
func (g *GeoIP) Country(ip net.IP) string {
	if g == nil || ip == nil {
		return ""
	}
	if g.db != nil {
		if rec, err := g.db.Country(ip); err == nil {
			return rec.Country.IsoCode
		}
	}
	if r := g.match(ip); r != nil {
		return r.country
	}
	return ""
}

// Region returns the first subdivision code for ip, or "" when unknown.
func (g *GeoIP) Region(ip net.IP) string {
	if g == nil || ip == nil {
		return ""
	}
	if g.db != nil {
		if rec, err := g.db.City(ip); err == nil && len(rec.Subdivisions) > 0 {
			return rec.Subdivisions[0].IsoCode
		}
	}
	if r := g.match(ip); r != nil {
		return r.region
	}
	return ""
}

// Lookup parses ip and returns its country and region.
func (g *GeoIP) Lookup(ip string) (country, region string) {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return "", ""
	}
	return g.Country(parsed), g.Region(parsed)
}

func (g *GeoIP) match(ip net.IP) *record {
	for i := range g.fallback {
		if g.fallback[i].net.Contains(ip) {
			return &g.fallback[i]
		}
	}
	return nil
}

// Close releases resources associated with the database.
func (g *GeoIP) Close() error {
	if g != nil && g.db != nil {
		return g.db.Close()
	}
	return nil
}
