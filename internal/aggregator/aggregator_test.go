package aggregator

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	traildb "github.com/trailwatch/geotrail/internal/db"
	"github.com/trailwatch/geotrail/internal/parser"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	database, err := traildb.Open(dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestBatchMetricsHourRebase(t *testing.T) {
	b := NewBatchMetrics()
	ts := time.Date(2024, 11, 23, 10, 59, 59, 0, time.UTC)
	b.EnsureHour(parser.HourBucket(ts))

	later := time.Date(2024, 11, 23, 11, 0, 0, 0, time.UTC)
	if !b.IsAfterHour(later) {
		t.Fatalf("expected 11:00:00 to be after 10:00 hour bucket")
	}

	earlier := time.Date(2024, 11, 23, 10, 0, 0, 0, time.UTC)
	if b.IsAfterHour(earlier) {
		t.Fatalf("expected earlier timestamp within the same hour to not be after")
	}
}

func TestMergeFirstRowAvoidsDivideByZero(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	b := NewBatchMetrics()
	b.EnsureHour("2024-11-23T10:00:00Z")
	b.AddAccessLog(&parser.AccessLog{StatusCode: 200, BytesSent: 512, RequestTime: 0.05, IP: "1.1.1.1"})

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := b.Merge(ctx, tx); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	var requests int
	var avg float64
	if err := db.QueryRow(`SELECT total_requests, avg_request_time FROM hourly_stats WHERE hour = ?`, "2024-11-23T10:00:00Z").
		Scan(&requests, &avg); err != nil {
		t.Fatalf("query: %v", err)
	}
	if requests != 1 {
		t.Fatalf("expected total_requests=1, got %d", requests)
	}
	if avg != 0.05 {
		t.Fatalf("expected avg_request_time=0.05, got %v", avg)
	}
}

func TestMergeWeightedAverageAcrossCommits(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	hour := "2024-11-23T10:00:00Z"

	commit := func(reqs int, totalTime float64) {
		b := NewBatchMetrics()
		b.EnsureHour(hour)
		for i := 0; i < reqs; i++ {
			b.AddAccessLog(&parser.AccessLog{StatusCode: 200, RequestTime: totalTime / float64(reqs)})
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		if err := b.Merge(ctx, tx); err != nil {
			t.Fatalf("merge: %v", err)
		}
		if err := tx.Commit(); err != nil {
			t.Fatalf("commit: %v", err)
		}
	}

	commit(2, 0.2) // avg 0.1 over 2 requests
	commit(2, 0.6) // avg 0.3 over 2 requests

	var requests int
	var avg float64
	if err := db.QueryRow(`SELECT total_requests, avg_request_time FROM hourly_stats WHERE hour = ?`, hour).
		Scan(&requests, &avg); err != nil {
		t.Fatalf("query: %v", err)
	}
	if requests != 4 {
		t.Fatalf("expected total_requests=4, got %d", requests)
	}
	wantAvg := (0.2 + 0.6) / 4.0
	if diff := avg - wantAvg; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("expected avg_request_time=%v, got %v", wantAvg, avg)
	}
}

func TestMergeSkipsEmptyBatch(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	b := NewBatchMetrics()
	b.EnsureHour("2024-11-23T10:00:00Z")

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := b.Merge(ctx, tx); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM hourly_stats`).Scan(&count); err != nil {
		t.Fatalf("query: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no row for an empty batch, got %d rows", count)
	}
}
