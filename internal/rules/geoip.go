package rules

import (
	"net"

	"github.com/oschwald/geoip2-golang"
)

// MMDBGeoDB wraps a MaxMind country database, opened once at startup and
// read-only thereafter — matching the original source's maxminddb-backed
// reader (original_source/src/rule.rs).
type MMDBGeoDB struct {
	reader *geoip2.Reader
}

// OpenMMDB opens the country database at path. The returned MMDBGeoDB must
// be closed with Close when the process shuts down.
func OpenMMDB(path string) (*MMDBGeoDB, error) {
	r, err := geoip2.Open(path)
	if err != nil {
		return nil, err
	}
	return &MMDBGeoDB{reader: r}, nil
}

// CountryISOCode implements GeoDB.
func (m *MMDBGeoDB) CountryISOCode(ip net.IP) (string, error) {
	record, err := m.reader.Country(ip)
	if err != nil {
		return "", err
	}
	return record.Country.IsoCode, nil
}

// Close releases the underlying database file.
func (m *MMDBGeoDB) Close() error {
	return m.reader.Close()
}
