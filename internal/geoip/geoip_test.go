package geoip

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNone_AlwaysReportsUnavailable(t *testing.T) {
	p := None{}
	assert.Equal(t, "none", p.Name())

	_, err := p.Lookup("203.0.113.1")
	assert.Error(t, err)
	assert.NoError(t, p.Close())
}

func TestNewMaxMind_MissingFileReturnsError(t *testing.T) {
	_, err := NewMaxMind("/nonexistent/GeoLite2-Country.mmdb")
	assert.Error(t, err)
}

func TestNewIP2Location_MissingFileReturnsError(t *testing.T) {
	_, err := NewIP2Location("/nonexistent/IP2LOCATION.BIN")
	assert.Error(t, err)
}

func TestMaxMind_LookupInvalidIP(t *testing.T) {
	m := &MaxMind{}
	_, err := m.Lookup("not-an-ip")
	assert.Error(t, err)
}

func TestIP2Location_LookupWithoutLoadedDB(t *testing.T) {
	p := &IP2Location{}
	_, err := p.Lookup("203.0.113.1")
	assert.Error(t, err)
}
