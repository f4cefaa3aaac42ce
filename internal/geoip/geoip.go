// Package geoip resolves a banned IP's country for the aInfo["country"]
// action tag, behind two interchangeable backends (MaxMind and
// IP2Location) reduced to the single country-code lookup this domain
// needs.
package geoip

import (
	"fmt"
	"net"
	"sync"

	"github.com/ip2location/ip2location-go/v9"
	"github.com/oschwald/maxminddb-golang"
)

// Result is a country lookup outcome.
type Result struct {
	IP          string
	CountryCode string
	Provider    string
}

// Provider looks up the country of an IP address.
type Provider interface {
	Name() string
	Lookup(ip string) (*Result, error)
	Close() error
}

// countryRecord mirrors the fields MaxMind's GeoLite2-Country database
// exposes; only the ISO code is used here.
type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// MaxMind is the maxminddb-golang backed provider.
type MaxMind struct {
	mu     sync.RWMutex
	reader *maxminddb.Reader
}

// NewMaxMind opens the GeoLite2-Country (or compatible) database at path.
func NewMaxMind(path string) (*MaxMind, error) {
	reader, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("geoip: open maxmind db %s: %w", path, err)
	}
	return &MaxMind{reader: reader}, nil
}

// Name returns the provider identifier.
func (m *MaxMind) Name() string { return "maxmind" }

// Lookup resolves ipStr's country code.
func (m *MaxMind) Lookup(ipStr string) (*Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return nil, fmt.Errorf("geoip: invalid IP %q", ipStr)
	}

	var rec countryRecord
	if err := m.reader.Lookup(ip, &rec); err != nil {
		return nil, fmt.Errorf("geoip: maxmind lookup %s: %w", ipStr, err)
	}
	return &Result{IP: ipStr, CountryCode: rec.Country.ISOCode, Provider: "maxmind"}, nil
}

// Close releases the database handle.
func (m *MaxMind) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reader == nil {
		return nil
	}
	err := m.reader.Close()
	m.reader = nil
	return err
}

// IP2Location is the ip2location-go backed provider, selectable as an
// alternate backend behind the same Provider interface.
type IP2Location struct {
	mu sync.RWMutex
	db *ip2location.DB
}

// NewIP2Location opens the IP2Location BIN database at path.
func NewIP2Location(path string) (*IP2Location, error) {
	db, err := ip2location.OpenDB(path)
	if err != nil {
		return nil, fmt.Errorf("geoip: open ip2location db %s: %w", path, err)
	}
	return &IP2Location{db: db}, nil
}

// Name returns the provider identifier.
func (p *IP2Location) Name() string { return "ip2location" }

// Lookup resolves ipStr's country code.
func (p *IP2Location) Lookup(ipStr string) (*Result, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.db == nil {
		return nil, fmt.Errorf("geoip: ip2location database not loaded")
	}
	rec, err := p.db.Get_country_short(ipStr)
	if err != nil {
		return nil, fmt.Errorf("geoip: ip2location lookup %s: %w", ipStr, err)
	}
	return &Result{IP: ipStr, CountryCode: rec.Country_short, Provider: "ip2location"}, nil
}

// Close releases the database handle.
func (p *IP2Location) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db != nil {
		p.db.Close()
		p.db = nil
	}
	return nil
}

// None is a no-op provider used when no backend is configured; aInfo gets
// no "country" tag and action templates referencing it are left verbatim.
type None struct{}

// Name returns the provider identifier.
func (None) Name() string { return "none" }

// Lookup always reports unavailable.
func (None) Lookup(ip string) (*Result, error) {
	return nil, fmt.Errorf("geoip: no provider configured")
}

// Close is a no-op.
func (None) Close() error { return nil }
