// Package aggregator accumulates per-hour metrics for the records in the
// current batch and, at commit time, atomically merges them into the
// hourly_stats bucket row.
package aggregator

import (
	"context"
	"database/sql"
	"time"

	"github.com/trailwatch/geotrail/internal/parser"
)

// BatchMetrics is the in-batch accumulator scoped to a single UTC hour. It
// is reset after every commit.
type BatchMetrics struct {
	Hour             string
	Requests         int
	GeoEvents        int
	BytesSent        int64
	Status2xx        int
	Status3xx        int
	Status4xx        int
	Status5xx        int
	TotalRequestTime float64
	MaxRequestTime   float64
	Malformed        int
	SeenIPs          map[string]struct{}
	SeenCountries    map[string]struct{}
}

// NewBatchMetrics returns an empty accumulator with no hour assigned yet;
// the first record processed establishes the hour via EnsureHour.
func NewBatchMetrics() *BatchMetrics {
	return &BatchMetrics{
		SeenIPs:       make(map[string]struct{}),
		SeenCountries: make(map[string]struct{}),
	}
}

// IsEmpty reports whether the batch holds no well-formed requests, no
// malformed requests and no geo events, the condition under which a commit
// skips the hourly merge entirely.
func (b *BatchMetrics) IsEmpty() bool {
	return b.Requests == 0 && b.GeoEvents == 0 && b.Malformed == 0
}

// IsAfterHour reports whether ts falls in a UTC hour strictly later than
// the batch's current hour. An empty batch (no hour assigned yet) is never
// "after" anything.
func (b *BatchMetrics) IsAfterHour(ts time.Time) bool {
	if b.Hour == "" {
		return false
	}
	return parser.HourBucket(ts) > b.Hour
}

// Rebase resets the accumulator to a fresh, empty state for the given hour.
func (b *BatchMetrics) Rebase(hour string) {
	*b = *NewBatchMetrics()
	b.Hour = hour
}

// EnsureHour assigns the batch's hour on first use without resetting
// anything (used the very first time a record is accumulated).
func (b *BatchMetrics) EnsureHour(hour string) {
	if b.Hour == "" {
		b.Hour = hour
	}
}

// AddAccessLog folds one well-formed request's access-log fields into the
// batch.
func (b *BatchMetrics) AddAccessLog(al *parser.AccessLog) {
	b.Requests++
	b.BytesSent += al.BytesSent
	b.TotalRequestTime += al.RequestTime
	if al.RequestTime > b.MaxRequestTime {
		b.MaxRequestTime = al.RequestTime
	}
	switch al.StatusCode / 100 {
	case 2:
		b.Status2xx++
	case 3:
		b.Status3xx++
	case 4:
		b.Status4xx++
	case 5:
		b.Status5xx++
	}
	if al.IP != "" {
		b.SeenIPs[al.IP] = struct{}{}
	}
}

// AddGeoEvent folds one enriched observation into the batch's approximate
// unique-IP / unique-country sets.
func (b *BatchMetrics) AddGeoEvent(ip, countryCode string) {
	b.GeoEvents++
	if ip != "" {
		b.SeenIPs[ip] = struct{}{}
	}
	if countryCode != "" {
		b.SeenCountries[countryCode] = struct{}{}
	}
}

// AddMalformed records one line that was classified malformed.
func (b *BatchMetrics) AddMalformed() {
	b.Malformed++
}

// Merge performs the single upsert against hourly_stats for b.Hour, combining
// with any existing row. Combiners: additive totals/status/malformed,
// additive-over-set-sizes unique counters (approximate, overestimating), max
// for max_request_time, and a nullif/coalesce-guarded weighted mean for
// avg_request_time that never divides by zero even on the first row for an
// hour.
func (b *BatchMetrics) Merge(ctx context.Context, tx *sql.Tx) error {
	if b.IsEmpty() {
		return nil
	}

	var batchAvg float64
	if b.Requests > 0 {
		batchAvg = b.TotalRequestTime / float64(b.Requests)
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO hourly_stats
			(hour, total_requests, total_geo_events, unique_ips, unique_countries,
			 total_bytes_sent, status_2xx, status_3xx, status_4xx, status_5xx,
			 avg_request_time, max_request_time, malformed_requests)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hour) DO UPDATE SET
			total_requests     = hourly_stats.total_requests + excluded.total_requests,
			total_geo_events   = hourly_stats.total_geo_events + excluded.total_geo_events,
			unique_ips         = hourly_stats.unique_ips + excluded.unique_ips,
			unique_countries   = hourly_stats.unique_countries + excluded.unique_countries,
			total_bytes_sent   = hourly_stats.total_bytes_sent + excluded.total_bytes_sent,
			status_2xx         = hourly_stats.status_2xx + excluded.status_2xx,
			status_3xx         = hourly_stats.status_3xx + excluded.status_3xx,
			status_4xx         = hourly_stats.status_4xx + excluded.status_4xx,
			status_5xx         = hourly_stats.status_5xx + excluded.status_5xx,
			max_request_time   = max(hourly_stats.max_request_time, excluded.max_request_time),
			malformed_requests = hourly_stats.malformed_requests + excluded.malformed_requests,
			avg_request_time   = COALESCE(
				((hourly_stats.avg_request_time * hourly_stats.total_requests) +
				 (excluded.avg_request_time * excluded.total_requests))
				/ NULLIF(hourly_stats.total_requests + excluded.total_requests, 0),
				0.0)
	`,
		b.Hour, b.Requests, b.GeoEvents, len(b.SeenIPs), len(b.SeenCountries),
		b.BytesSent, b.Status2xx, b.Status3xx, b.Status4xx, b.Status5xx,
		batchAvg, b.MaxRequestTime, b.Malformed,
	)
	return err
}
