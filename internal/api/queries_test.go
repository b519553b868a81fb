package api

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	traildb "github.com/trailwatch/geotrail/internal/db"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	database, err := traildb.Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	return database
}

func seedHour(t *testing.T, db *sql.DB, hour string, requests, uniqueIPs int64, avg float64) {
	t.Helper()
	_, err := db.Exec(`
		INSERT INTO hourly_stats (hour, total_requests, unique_ips, total_bytes_sent, avg_request_time, max_request_time, status_2xx)
		VALUES (?, ?, ?, 2048, ?, 1.0, ?)
	`, hour, requests, uniqueIPs, avg, requests)
	require.NoError(t, err)
}

func TestSummaryAggregatesAcrossHours(t *testing.T) {
	db := testDB(t)
	q := NewQueries(db)

	seedHour(t, db, "2024-11-23T09:00:00Z", 10, 3, 0.1)
	seedHour(t, db, "2024-11-23T10:00:00Z", 20, 5, 0.2)

	result, err := q.Summary(context.Background(), "2024-11-23T09:00:00Z", "2024-11-23T11:00:00Z", false)
	require.NoError(t, err)
	require.Equal(t, int64(30), result.Current.TotalRequests)
	require.Equal(t, int64(8), result.Current.UniqueIPs)
	require.Nil(t, result.Previous)
}

func TestSummaryComparesPreviousPeriod(t *testing.T) {
	db := testDB(t)
	q := NewQueries(db)

	seedHour(t, db, "2024-11-23T08:00:00Z", 5, 1, 0.1)
	seedHour(t, db, "2024-11-23T09:00:00Z", 10, 2, 0.1)

	result, err := q.Summary(context.Background(), "2024-11-23T09:00:00Z", "2024-11-23T10:00:00Z", true)
	require.NoError(t, err)
	require.NotNil(t, result.Previous)
	require.Equal(t, int64(10), result.Current.TotalRequests)
	require.Equal(t, int64(5), result.Previous.TotalRequests)

	change, ok := result.Changes["total_requests"]
	require.True(t, ok)
	require.NotNil(t, change.PctDelta)
	require.InDelta(t, 100.0, *change.PctDelta, 1e-9)
}

func TestTimeSeriesHourly(t *testing.T) {
	db := testDB(t)
	q := NewQueries(db)

	seedHour(t, db, "2024-11-23T09:00:00Z", 1, 1, 0.1)
	seedHour(t, db, "2024-11-23T10:00:00Z", 2, 1, 0.1)

	points, err := q.TimeSeries(context.Background(), "2024-11-23T00:00:00Z", "2024-11-24T00:00:00Z", "hourly")
	require.NoError(t, err)
	require.Len(t, points, 2)
	require.Equal(t, "2024-11-23T09:00:00Z", points[0].Label)
	require.Equal(t, int64(1), points[0].TotalRequests)
}

func TestExactUniqueIPsCountsDistinct(t *testing.T) {
	db := testDB(t)
	q := NewQueries(db)

	_, err := db.Exec(`INSERT INTO geo_locations (id, geohash, latitude, longitude) VALUES (1, 'abc', 1.0, 2.0)`)
	require.NoError(t, err)
	for _, ip := range []string{"1.1.1.1", "1.1.1.1", "2.2.2.2"} {
		_, err := db.Exec(`INSERT INTO geo_events (timestamp, ip_address, hostname, location_id) VALUES ('2024-11-23T09:30:00Z', ?, 'host', 1)`, ip)
		require.NoError(t, err)
	}

	count, err := q.ExactUniqueIPs(context.Background(), "2024-11-23T00:00:00Z", "2024-11-24T00:00:00Z")
	require.NoError(t, err)
	require.Equal(t, int64(2), count)
}
