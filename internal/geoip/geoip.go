// Package geoip resolves a client IP address to geographic coordinates and
// administrative metadata, filtering out non-routable address classes.
package geoip

import (
	"fmt"
	"log"
	"net/netip"

	"github.com/oschwald/geoip2-golang/v2"
)

// supportedLocales is the set of locales the underlying database is assumed
// to carry display names for. Anything outside this set falls back to "en".
var supportedLocales = map[string]bool{
	"en": true, "de": true, "es": true, "fr": true, "ja": true,
	"pt-BR": true, "ru": true, "zh-CN": true,
}

// Record is the enrichment result for one resolved IP: coordinates plus
// administrative metadata. The underlying MaxMind/DB-IP database is treated
// as an opaque lookup.
type Record struct {
	Latitude     float64
	Longitude    float64
	CountryCode  string
	CountryName  string
	State        string
	StateCode    string
	City         string
	PostalCode   string
	Timezone     string
}

// Enricher wraps a single, read-only GeoIP city database. It is safe for
// concurrent point lookups.
type Enricher struct {
	reader  *geoip2.Reader
	locales []string
}

// New opens the GeoIP database at path and filters the requested locale
// preference list against the supported set, falling back to ["en"].
func New(path string, locales []string) (*Enricher, error) {
	reader, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoIP database at %s: %w", path, err)
	}

	filtered := make([]string, 0, len(locales))
	for _, l := range locales {
		if supportedLocales[l] {
			filtered = append(filtered, l)
		}
	}
	if len(filtered) == 0 {
		filtered = []string{"en"}
	}

	log.Printf("geoip: database loaded from %s, locales=%v", path, filtered)
	return &Enricher{reader: reader, locales: filtered}, nil
}

// Close releases the underlying database handle.
func (e *Enricher) Close() error {
	return e.reader.Close()
}

// Eligible reports whether ipStr is syntactically valid and belongs to a
// public, routable address class. It does not consult the database, so it
// stays true even when Resolve subsequently fails to find or parse an
// entry — callers that must distinguish "no entry" from "not eligible"
// (the AccessLog emission rule) check this instead of Resolve's ok value.
func Eligible(ipStr string) bool {
	addr, err := netip.ParseAddr(ipStr)
	if err != nil {
		return false
	}
	return isPublic(addr)
}

// Resolve looks up ipStr and returns a Record, or ok=false for any
// non-fatal failure: a syntactically invalid address, a non-public address
// class, a missing database entry, or an entry lacking both coordinates.
func (e *Enricher) Resolve(ipStr string) (rec Record, ok bool) {
	addr, err := netip.ParseAddr(ipStr)
	if err != nil {
		return Record{}, false
	}
	if !isPublic(addr) {
		return Record{}, false
	}

	city, err := e.reader.City(addr)
	if err != nil {
		return Record{}, false
	}

	lat := city.Location.Latitude
	lon := city.Location.Longitude
	if lat == 0 && lon == 0 {
		return Record{}, false
	}

	name := func(names map[string]string) string {
		for _, l := range e.locales {
			if v, ok := names[l]; ok && v != "" {
				return v
			}
		}
		return names["en"]
	}

	rec = Record{
		Latitude:    lat,
		Longitude:   lon,
		CountryCode: city.Country.ISOCode,
		CountryName: name(city.Country.Names),
		City:        name(city.City.Names),
		PostalCode:  city.Postal.Code,
		Timezone:    city.Location.TimeZone,
	}
	if len(city.Subdivisions) > 0 {
		mostSpecific := city.Subdivisions[len(city.Subdivisions)-1]
		rec.State = name(mostSpecific.Names)
		rec.StateCode = mostSpecific.ISOCode
	}

	return rec, true
}

// reservedPrefixes covers address ranges net/netip has no Is*() predicate
// for: IPv4 "reserved for future use" space, the 0.0.0.0/8 "this network"
// block, and the documentation/TEST-NET ranges (RFC 5737), none of which a
// GeoIP database carries a meaningful entry for.
var reservedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),     // "this network"
	netip.MustParsePrefix("192.0.2.0/24"),  // TEST-NET-1
	netip.MustParsePrefix("198.51.100.0/24"), // TEST-NET-2
	netip.MustParsePrefix("203.0.113.0/24"), // TEST-NET-3
	netip.MustParsePrefix("240.0.0.0/4"),   // Class E / reserved
}

func isReserved(addr netip.Addr) bool {
	for _, p := range reservedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// isPublic reports whether addr belongs to a routable, public address class:
// not private, loopback, multicast, link-local, unspecified, or reserved.
func isPublic(addr netip.Addr) bool {
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	switch {
	case addr.IsPrivate(),
		addr.IsLoopback(),
		addr.IsMulticast(),
		addr.IsLinkLocalUnicast(),
		addr.IsLinkLocalMulticast(),
		addr.IsUnspecified(),
		addr.IsInterfaceLocalMulticast(),
		isReserved(addr):
		return false
	}
	return addr.IsValid() && (addr.Is4() || addr.Is6())
}
