// Package location deduplicates enriched coordinates into stable persistent
// location identities, backed by an in-process LRU cache and a unique-geohash
// store upsert.
package location

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mmcloughlin/geohash"

	"github.com/trailwatch/geotrail/internal/geoip"
)

// precision is the geohash character length used as the location identity
// key; two coordinate pairs hashing to the same 12-char prefix are the same
// location.
const precision = 12

// maxCacheSize bounds the in-process geohash -> location-id cache.
const maxCacheSize = 10_000

// Deduper maps coordinates to a persistent geo_locations.id, consulting an
// in-process cache before the store. Owned by a single ingestion task; no
// locking is required.
type Deduper struct {
	cache map[string]int64
	order []string
}

// New creates an empty Deduper.
func New() *Deduper {
	return &Deduper{cache: make(map[string]int64)}
}

// GetOrCreate resolves (lat, lon) to a persistent location id, creating the
// geo_locations row on first sighting. tx scopes the lookup/insert to the
// caller's batch transaction.
func (d *Deduper) GetOrCreate(ctx context.Context, tx *sql.Tx, lat, lon float64, rec geoip.Record) (int64, error) {
	gh := geohash.EncodeWithPrecision(lat, lon, precision)

	if id, ok := d.cache[gh]; ok {
		return id, nil
	}

	id, err := lookupByGeohash(ctx, tx, gh)
	if err == nil {
		d.remember(gh, id)
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	id, err = insertLocation(ctx, tx, gh, lat, lon, rec)
	if err != nil {
		// A duplicate-geohash race (e.g. a concurrent session having
		// already inserted it) is recoverable: re-read by geohash.
		if isUniqueConstraintViolation(err) {
			id, rerr := lookupByGeohash(ctx, tx, gh)
			if rerr != nil {
				return 0, fmt.Errorf("re-read after duplicate key failed: %w", rerr)
			}
			d.remember(gh, id)
			return id, nil
		}
		return 0, err
	}

	d.remember(gh, id)
	return id, nil
}

// remember inserts gh into the cache, evicting the oldest entry first if the
// cache is at capacity. There is no TTL or invalidation: mutable location
// fields (last_hit) are never read back through this cache.
func (d *Deduper) remember(gh string, id int64) {
	if _, exists := d.cache[gh]; exists {
		return
	}
	if len(d.cache) >= maxCacheSize && len(d.order) > 0 {
		oldest := d.order[0]
		d.order = d.order[1:]
		delete(d.cache, oldest)
	}
	d.cache[gh] = id
	d.order = append(d.order, gh)
}

func lookupByGeohash(ctx context.Context, tx *sql.Tx, gh string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `SELECT id FROM geo_locations WHERE geohash = ?`, gh).Scan(&id)
	return id, err
}

func insertLocation(ctx context.Context, tx *sql.Tx, gh string, lat, lon float64, rec geoip.Record) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO geo_locations
			(latitude, longitude, geohash, country_code, country_name, state, state_code, city, postal_code, timezone)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, lat, lon, gh, rec.CountryCode, rec.CountryName, nullable(rec.State), nullable(rec.StateCode),
		nullable(rec.City), nullable(rec.PostalCode), nullable(rec.Timezone))
	if err != nil {
		return 0, fmt.Errorf("insert location failed: %w", err)
	}
	return res.LastInsertId()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueConstraintViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
