package api

import (
	"context"
	"database/sql"
)

// Queries wraps read-only aggregate access against hourly_stats/daily_stats
// and the exact-counting fallback against geo_events/access_logs.
type Queries struct {
	db *sql.DB
}

// NewQueries creates a Queries handle.
func NewQueries(db *sql.DB) *Queries {
	return &Queries{db: db}
}

// Summary is the pre-aggregated, approximate-unique summary for one
// half-open hour-aligned period.
type Summary struct {
	TotalRequests     int64
	UniqueIPs         int64
	MalformedRequests int64
	TotalBytesSent    int64
	AvgRequestTime    float64
	MaxRequestTime    float64
	Status2xx         int64
	Status3xx         int64
	Status4xx         int64
	Status5xx         int64
}

// PercentChange is one metric's current value, previous value, and the
// percent change between them (nil when the previous period had no data).
type PercentChange struct {
	Current  float64
	Previous float64
	PctDelta *float64
}

// SummaryResult bundles a current period with an optional comparison
// against the immediately preceding period of the same length.
type SummaryResult struct {
	Current  Summary
	Previous *Summary
	Changes  map[string]PercentChange
}

// summaryFor sums hourly_stats rows in [startHour, endHour).
func (q *Queries) summaryFor(ctx context.Context, startHour, endHour string) (Summary, error) {
	var s Summary
	var avgWeighted sql.NullFloat64
	row := q.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(total_requests), 0),
			COALESCE(SUM(unique_ips), 0),
			COALESCE(SUM(malformed_requests), 0),
			COALESCE(SUM(total_bytes_sent), 0),
			COALESCE(SUM(avg_request_time * total_requests) / NULLIF(SUM(total_requests), 0), 0.0),
			COALESCE(MAX(max_request_time), 0.0),
			COALESCE(SUM(status_2xx), 0),
			COALESCE(SUM(status_3xx), 0),
			COALESCE(SUM(status_4xx), 0),
			COALESCE(SUM(status_5xx), 0)
		FROM hourly_stats
		WHERE hour >= ? AND hour < ?
	`, startHour, endHour)
	if err := row.Scan(
		&s.TotalRequests, &s.UniqueIPs, &s.MalformedRequests, &s.TotalBytesSent,
		&avgWeighted, &s.MaxRequestTime, &s.Status2xx, &s.Status3xx, &s.Status4xx, &s.Status5xx,
	); err != nil {
		return Summary{}, err
	}
	s.AvgRequestTime = avgWeighted.Float64
	return s, nil
}

// Summary computes the current period and, if comparePrevious is true, the
// immediately preceding period of identical length, plus per-metric percent
// changes.
func (q *Queries) Summary(ctx context.Context, startHour, endHour string, comparePrevious bool) (SummaryResult, error) {
	current, err := q.summaryFor(ctx, startHour, endHour)
	if err != nil {
		return SummaryResult{}, err
	}

	result := SummaryResult{Current: current}
	if !comparePrevious {
		return result, nil
	}

	prevStart, prevEnd, err := shiftPeriodBack(startHour, endHour)
	if err != nil {
		return SummaryResult{}, err
	}
	previous, err := q.summaryFor(ctx, prevStart, prevEnd)
	if err != nil {
		return SummaryResult{}, err
	}
	result.Previous = &previous
	result.Changes = map[string]PercentChange{
		"total_requests":     pctChange(float64(current.TotalRequests), float64(previous.TotalRequests)),
		"unique_ips":         pctChange(float64(current.UniqueIPs), float64(previous.UniqueIPs)),
		"malformed_requests": pctChange(float64(current.MalformedRequests), float64(previous.MalformedRequests)),
		"total_bytes_sent":   pctChange(float64(current.TotalBytesSent), float64(previous.TotalBytesSent)),
		"avg_request_time":   pctChange(current.AvgRequestTime, previous.AvgRequestTime),
	}
	return result, nil
}

// TimeSeriesPoint is one bucket (hour or day) of a time-series response.
type TimeSeriesPoint struct {
	Label         string
	TotalRequests int64
	UniqueIPs     int64
	TotalBytes    int64
}

// TimeSeries returns hourly_stats or daily_stats rows in [start, end)
// (end excluded), ordered by bucket.
func (q *Queries) TimeSeries(ctx context.Context, start, end, granularity string) ([]TimeSeriesPoint, error) {
	table, key := "hourly_stats", "hour"
	if granularity == "daily" {
		table, key = "daily_stats", "date"
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT `+key+`, total_requests, unique_ips, total_bytes_sent
		FROM `+table+`
		WHERE `+key+` >= ? AND `+key+` < ?
		ORDER BY `+key+` ASC
	`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var points []TimeSeriesPoint
	for rows.Next() {
		var p TimeSeriesPoint
		if err := rows.Scan(&p.Label, &p.TotalRequests, &p.UniqueIPs, &p.TotalBytes); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// ExactUniqueIPs counts distinct IPs directly from geo_events, bypassing
// the additive-over-batches approximation hourly_stats carries.
func (q *Queries) ExactUniqueIPs(ctx context.Context, startTS, endTS string) (int64, error) {
	var count int64
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT ip_address) FROM geo_events WHERE timestamp >= ? AND timestamp < ?
	`, startTS, endTS).Scan(&count)
	return count, err
}

func pctChange(current, previous float64) PercentChange {
	pc := PercentChange{Current: current, Previous: previous}
	if previous == 0 {
		return pc
	}
	delta := ((current - previous) / previous) * 100.0
	pc.PctDelta = &delta
	return pc
}
