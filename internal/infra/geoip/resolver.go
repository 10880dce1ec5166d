// Package geoip resolves ISO country codes for client IPs from a local
// MaxMind database. The result only feeds the default-language guess, so
// every failure mode degrades to "no country".
package geoip

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/oschwald/geoip2-golang"
)

// ErrUnavailable is returned by lookups on a nil or closed database.
var ErrUnavailable = errors.New("geoip: database unavailable")

// DB wraps an open GeoIP2 country database.
type DB struct {
	reader *geoip2.Reader
}

// Open loads the database at path. An empty path is not an error: it means
// the deployment opted out of IP-based language defaults, and Open returns
// a nil *DB whose lookups report ErrUnavailable.
func Open(path string) (*DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("geoip: open %s: %w", path, err)
	}
	return &DB{reader: reader}, nil
}

// CountryCode returns the ISO 3166-1 code for ip, or "" when the database
// has no record for it.
func (db *DB) CountryCode(ip string) (string, error) {
	if db == nil || db.reader == nil {
		return "", ErrUnavailable
	}
	parsed := net.ParseIP(strings.TrimSpace(ip))
	if parsed == nil {
		return "", fmt.Errorf("geoip: invalid ip %q", ip)
	}
	record, err := db.reader.Country(parsed)
	if err != nil {
		return "", fmt.Errorf("geoip: country lookup: %w", err)
	}
	if record == nil {
		return "", nil
	}
	return record.Country.IsoCode, nil
}

// Close releases the underlying reader.
func (db *DB) Close() error {
	if db == nil || db.reader == nil {
		return nil
	}
	return db.reader.Close()
}
