// Package scheduler runs the periodic housekeeping jobs that sit outside
// the hot ingestion path: the daily rollup, the hourly_stats retention
// sweep, and the location last-seen refresh.
package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/trailwatch/geotrail/internal/clock"
)

// Config holds the scheduler's tunables, sourced from config.Config.
type Config struct {
	RetentionDays             int
	RollupHour                int
	RollupMinute              int
	LocationRefreshIntervalHr int
}

// Scheduler drives the daily rollup, retention sweep, and location refresh
// jobs on their own clock-driven loops.
type Scheduler struct {
	db  *sql.DB
	cfg Config
}

// New creates a Scheduler with defaults applied for zero-valued fields.
func New(db *sql.DB, cfg Config) *Scheduler {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	if cfg.LocationRefreshIntervalHr <= 0 {
		cfg.LocationRefreshIntervalHr = 1
	}
	return &Scheduler{db: db, cfg: cfg}
}

// Run blocks, driving all three jobs until ctx is cancelled. The retention
// sweep runs right after the daily rollup, on the same once-a-day check; the
// location refresh has its own tick. All jobs run inline on the scheduler's
// single goroutine — none of them is expensive enough to warrant its own
// worker.
func (s *Scheduler) Run(ctx context.Context) error {
	c := clock.Get()
	locationTicker := c.NewTicker(time.Duration(s.cfg.LocationRefreshIntervalHr) * time.Hour)
	defer locationTicker.Stop()
	rollupTicker := c.NewTicker(time.Minute)
	defer rollupTicker.Stop()

	lastRollupDay := ""

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-locationTicker.Chan():
			if err := s.refreshLocations(ctx); err != nil {
				log.Printf("scheduler: location refresh failed: %v", err)
			}
		case <-rollupTicker.Chan():
			now := c.Now().UTC()
			if now.Hour() == s.cfg.RollupHour && now.Minute() == s.cfg.RollupMinute {
				today := now.Format("2006-01-02")
				if today != lastRollupDay {
					yesterday := now.AddDate(0, 0, -1)
					if err := s.RollupDay(ctx, yesterday); err != nil {
						log.Printf("scheduler: daily rollup for %s failed: %v", yesterday.Format("2006-01-02"), err)
					} else {
						lastRollupDay = today
					}
					if err := s.sweepRetention(ctx); err != nil {
						log.Printf("scheduler: retention sweep failed: %v", err)
					}
				}
			}
		}
	}
}

// RollupDay folds every hourly_stats row whose hour falls on day (in UTC)
// into a single daily_stats row: additive combiners for totals/status/
// malformed/bytes, max for max_request_time and unique_countries (an
// hourly-approximate count can't be summed across hours without
// overcounting repeats), the simple mean of the hourly averages for
// avg_request_time, and a peak hour of day picked by max total_requests.
func (s *Scheduler) RollupDay(ctx context.Context, day time.Time) error {
	dateKey := day.UTC().Format("2006-01-02")
	dayStart := dateKey + "T00:00:00Z"
	dayEnd := day.UTC().AddDate(0, 0, 1).Format("2006-01-02") + "T00:00:00Z"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var totalRequests sql.NullInt64
	row := tx.QueryRowContext(ctx, `SELECT SUM(total_requests) FROM hourly_stats WHERE hour >= ? AND hour < ?`, dayStart, dayEnd)
	if err := row.Scan(&totalRequests); err != nil {
		return fmt.Errorf("sum total_requests: %w", err)
	}
	if !totalRequests.Valid || totalRequests.Int64 == 0 {
		return tx.Commit()
	}

	var peakHourBucket string
	var peakHourRequests int64
	if err := tx.QueryRowContext(ctx, `
		SELECT hour, total_requests FROM hourly_stats
		WHERE hour >= ? AND hour < ?
		ORDER BY total_requests DESC, hour ASC
		LIMIT 1
	`, dayStart, dayEnd).Scan(&peakHourBucket, &peakHourRequests); err != nil {
		return fmt.Errorf("find peak hour: %w", err)
	}
	peakHourTS, err := time.Parse(time.RFC3339, peakHourBucket)
	if err != nil {
		return fmt.Errorf("parse peak hour bucket: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO daily_stats (
			date, total_requests, total_geo_events, unique_ips, unique_countries,
			total_bytes_sent, status_2xx, status_3xx, status_4xx, status_5xx,
			avg_request_time, max_request_time, malformed_requests,
			peak_hour, peak_hour_requests
		)
		SELECT
			?,
			SUM(total_requests),
			SUM(total_geo_events),
			SUM(unique_ips),
			MAX(unique_countries),
			SUM(total_bytes_sent),
			SUM(status_2xx),
			SUM(status_3xx),
			SUM(status_4xx),
			SUM(status_5xx),
			COALESCE(AVG(avg_request_time), 0.0),
			MAX(max_request_time),
			SUM(malformed_requests),
			?,
			?
		FROM hourly_stats
		WHERE hour >= ? AND hour < ?
		ON CONFLICT(date) DO UPDATE SET
			total_requests      = excluded.total_requests,
			total_geo_events    = excluded.total_geo_events,
			unique_ips          = excluded.unique_ips,
			unique_countries    = excluded.unique_countries,
			total_bytes_sent    = excluded.total_bytes_sent,
			status_2xx          = excluded.status_2xx,
			status_3xx          = excluded.status_3xx,
			status_4xx          = excluded.status_4xx,
			status_5xx          = excluded.status_5xx,
			avg_request_time    = excluded.avg_request_time,
			max_request_time    = excluded.max_request_time,
			malformed_requests  = excluded.malformed_requests,
			peak_hour           = excluded.peak_hour,
			peak_hour_requests  = excluded.peak_hour_requests
	`, dateKey, peakHourTS.UTC().Hour(), peakHourRequests, dayStart, dayEnd)
	if err != nil {
		return fmt.Errorf("upsert daily_stats: %w", err)
	}

	return tx.Commit()
}

// sweepRetention deletes hourly_stats rows older than the configured
// retention window. daily_stats rows are never deleted by this sweep:
// they are the long-lived rollup the hourly detail feeds.
func (s *Scheduler) sweepRetention(ctx context.Context) error {
	cutoff := clock.Get().Now().UTC().AddDate(0, 0, -s.cfg.RetentionDays).Truncate(time.Hour).Format(time.RFC3339)

	res, err := s.db.ExecContext(ctx, `DELETE FROM hourly_stats WHERE hour < ?`, cutoff)
	if err != nil {
		return fmt.Errorf("delete hourly_stats: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		log.Printf("scheduler: retention sweep removed %d hourly_stats row(s) older than %s", n, cutoff)
	}
	return nil
}

// refreshLocations advances each geo_locations row's last_hit to the latest
// geo_events timestamp for that location in one set-based UPDATE, avoiding a
// per-row round trip. A row is only written when last_hit is NULL or older
// than that timestamp, so last_hit never moves backwards.
func (s *Scheduler) refreshLocations(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE geo_locations
		SET last_hit = (
			SELECT MAX(timestamp) FROM geo_events WHERE geo_events.location_id = geo_locations.id
		)
		WHERE id IN (SELECT DISTINCT location_id FROM geo_events)
		  AND (last_hit IS NULL OR last_hit < (
			SELECT MAX(timestamp) FROM geo_events WHERE geo_events.location_id = geo_locations.id
		  ))
	`)
	if err != nil {
		return fmt.Errorf("refresh last_hit: %w", err)
	}
	return nil
}

// Backfill re-runs RollupDay for every day in [start, end], inclusive,
// for administrative recovery after a gap in the scheduled rollup.
func (s *Scheduler) Backfill(ctx context.Context, start, end time.Time) error {
	start = start.UTC().Truncate(24 * time.Hour)
	end = end.UTC().Truncate(24 * time.Hour)
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		if err := s.RollupDay(ctx, d); err != nil {
			return fmt.Errorf("rollup %s: %w", d.Format("2006-01-02"), err)
		}
	}
	return nil
}
