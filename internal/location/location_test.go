package location

import (
	"context"
	"database/sql"
	"strconv"
	"testing"

	"github.com/mmcloughlin/geohash"

	traildb "github.com/trailwatch/geotrail/internal/db"
	"github.com/trailwatch/geotrail/internal/geoip"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	database, err := traildb.Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestGetOrCreateInsertsNewLocation(t *testing.T) {
	db := testDB(t)
	d := New()

	tx, err := db.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()

	rec := geoip.Record{CountryCode: "US", CountryName: "United States", City: "Columbus"}
	id, err := d.GetOrCreate(context.Background(), tx, 39.9612, -82.9988, rec)
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if id == 0 {
		t.Fatal("expected a non-zero location id")
	}

	var city string
	if err := tx.QueryRow(`SELECT city FROM geo_locations WHERE id = ?`, id).Scan(&city); err != nil {
		t.Fatal(err)
	}
	if city != "Columbus" {
		t.Errorf("city = %q, want %q", city, "Columbus")
	}
}

func TestGetOrCreateReturnsSameIDForSameCoordinates(t *testing.T) {
	db := testDB(t)
	d := New()

	tx, err := db.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()

	rec := geoip.Record{CountryCode: "US", CountryName: "United States"}
	id1, err := d.GetOrCreate(context.Background(), tx, 39.9612, -82.9988, rec)
	if err != nil {
		t.Fatal(err)
	}

	id2, err := d.GetOrCreate(context.Background(), tx, 39.9612, -82.9988, rec)
	if err != nil {
		t.Fatal(err)
	}

	if id1 != id2 {
		t.Errorf("expected the same location id on repeat lookup, got %d and %d", id1, id2)
	}

	var count int
	if err := tx.QueryRow(`SELECT COUNT(*) FROM geo_locations`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("expected exactly 1 geo_locations row, got %d", count)
	}
}

func TestGetOrCreateHitsInProcessCacheAfterRowDeleted(t *testing.T) {
	db := testDB(t)
	d := New()

	tx, err := db.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()

	rec := geoip.Record{CountryCode: "GB", CountryName: "United Kingdom"}
	id, err := d.GetOrCreate(context.Background(), tx, 51.5072, -0.1276, rec)
	if err != nil {
		t.Fatal(err)
	}

	gh := geohash.EncodeWithPrecision(51.5072, -0.1276, precision)
	if _, ok := d.cache[gh]; !ok {
		t.Fatal("expected the coordinate's geohash to be cached after the first lookup")
	}

	if _, err := tx.Exec(`DELETE FROM geo_locations WHERE id = ?`, id); err != nil {
		t.Fatal(err)
	}

	cachedID, err := d.GetOrCreate(context.Background(), tx, 51.5072, -0.1276, rec)
	if err != nil {
		t.Fatalf("GetOrCreate after underlying row deletion should still hit the cache: %v", err)
	}
	if cachedID != id {
		t.Errorf("expected cached id %d, got %d", id, cachedID)
	}
}

func TestGetOrCreateDistinctCoordinatesGetDistinctLocations(t *testing.T) {
	db := testDB(t)
	d := New()

	tx, err := db.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()

	rec := geoip.Record{CountryCode: "US", CountryName: "United States"}
	id1, err := d.GetOrCreate(context.Background(), tx, 39.9612, -82.9988, rec)
	if err != nil {
		t.Fatal(err)
	}
	id2, err := d.GetOrCreate(context.Background(), tx, 40.7128, -74.0060, rec)
	if err != nil {
		t.Fatal(err)
	}

	if id1 == id2 {
		t.Error("expected distinct coordinates to resolve to distinct location ids")
	}
}

func TestRememberEvictsOldestWhenFull(t *testing.T) {
	d := New()
	for i := 0; i < maxCacheSize; i++ {
		d.remember(testKey(i), int64(i))
	}
	if len(d.cache) != maxCacheSize {
		t.Fatalf("expected cache size %d, got %d", maxCacheSize, len(d.cache))
	}

	d.remember(testKey(maxCacheSize), int64(maxCacheSize))
	if len(d.cache) != maxCacheSize {
		t.Fatalf("expected cache size to stay at %d after eviction, got %d", maxCacheSize, len(d.cache))
	}
	if _, ok := d.cache[testKey(0)]; ok {
		t.Error("expected the oldest entry to be evicted")
	}
	if _, ok := d.cache[testKey(maxCacheSize)]; !ok {
		t.Error("expected the newest entry to be present")
	}
}

// testKey generates distinct cache keys without relying on time or randomness.
func testKey(i int) string {
	return strconv.FormatInt(int64(i), 36)
}
