// Package persister consumes parsed records and writes geo events, access
// logs, and debug rows transactionally, flushing on a size or time
// threshold and driving the hourly aggregator's commit-time merge.
package persister

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/trailwatch/geotrail/internal/aggregator"
	"github.com/trailwatch/geotrail/internal/clock"
	"github.com/trailwatch/geotrail/internal/geoip"
	"github.com/trailwatch/geotrail/internal/location"
	"github.com/trailwatch/geotrail/internal/metrics"
	"github.com/trailwatch/geotrail/internal/parser"
)

// Config holds the batching knobs from spec.md §6.
type Config struct {
	BatchSize       int
	CommitInterval  time.Duration
	StoreDebugLines bool
	SendLogs        bool
	Hostname        string
}

type pendingGeoEvent struct {
	timestamp  time.Time
	ip         string
	locationID int64
}

type pendingAccessLog struct {
	al *parser.AccessLog
}

type pendingDebug struct {
	accessLogIdx int // index into this batch's access logs, -1 if none
	rawLine      string
	malformed    bool
	parseError   string
}

// Persister accumulates parsed records in memory and flushes them in one
// transaction on size or time threshold.
type Persister struct {
	db       *sql.DB
	enricher *geoip.Enricher
	dedup    *location.Deduper
	cfg      Config
	m        *metrics.Metrics

	metricsAcc *aggregator.BatchMetrics
	geoEvents  []pendingGeoEvent
	accessLogs []pendingAccessLog
	debugRows  []pendingDebug

	lastCommit time.Time
}

// New creates a Persister. enricher may be nil, in which case no record is
// ever geo-resolved (the geo pipeline is disabled).
func New(db *sql.DB, enricher *geoip.Enricher, cfg Config, m *metrics.Metrics) *Persister {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.CommitInterval <= 0 {
		cfg.CommitInterval = 5 * time.Second
	}
	return &Persister{
		db:         db,
		enricher:   enricher,
		dedup:      location.New(),
		cfg:        cfg,
		m:          m,
		metricsAcc: aggregator.NewBatchMetrics(),
		lastCommit: clock.Get().Now(),
	}
}

// Process folds one parsed record into the pending batch, committing first
// if the record's timestamp crosses into a later hour than the batch
// currently holds (the hour-rebase rule), and again afterward if the
// batch/time thresholds are reached.
func (p *Persister) Process(ctx context.Context, rec *parser.Record) error {
	ts := recordTimestamp(rec)
	hour := parser.HourBucket(ts)

	if p.metricsAcc.IsAfterHour(ts) {
		if err := p.Commit(ctx); err != nil {
			return err
		}
	}
	p.metricsAcc.EnsureHour(hour)

	var geoRec geoip.Record
	var locationID int64
	var hasLocation bool

	if rec.HasIP && p.enricher != nil {
		if g, ok := p.enricher.Resolve(rec.IP); ok {
			geoRec = g
			hasLocation = true
			id, err := p.withinLocationLookup(ctx, geoRec)
			if err != nil {
				log.Printf("persister: location lookup deferred: %v", err)
				hasLocation = false
			} else {
				locationID = id
			}
		}
	}

	if hasLocation {
		p.geoEvents = append(p.geoEvents, pendingGeoEvent{timestamp: ts, ip: rec.IP, locationID: locationID})
		p.metricsAcc.AddGeoEvent(rec.IP, geoRec.CountryCode)
	}

	accessLogIdx := -1
	eligible := rec.HasIP && geoip.Eligible(rec.IP)
	if p.cfg.SendLogs && rec.Matched && rec.AccessLog != nil && eligible && !rec.Malformed {
		al := *rec.AccessLog
		if hasLocation {
			al.CountryCodeHint, al.CountryNameHint, al.CityHint = geoRec.CountryCode, geoRec.CountryName, geoRec.City
		}
		p.accessLogs = append(p.accessLogs, pendingAccessLog{al: &al})
		accessLogIdx = len(p.accessLogs) - 1
		p.metricsAcc.AddAccessLog(&al)
	}

	if rec.Malformed {
		p.metricsAcc.AddMalformed()
	}

	if p.cfg.StoreDebugLines || rec.Malformed {
		p.debugRows = append(p.debugRows, pendingDebug{
			accessLogIdx: accessLogIdx,
			rawLine:      rec.Raw,
			malformed:    rec.Malformed,
			parseError:   rec.ParseError,
		})
	}

	if p.pendingCount() >= p.cfg.BatchSize || clock.Get().Since(p.lastCommit) >= p.cfg.CommitInterval {
		return p.Commit(ctx)
	}
	return nil
}

// Tick is called on an idle tick from the tailer: it adds no records but
// still evaluates the time-based commit trigger.
func (p *Persister) Tick(ctx context.Context) error {
	if p.pendingCount() > 0 && clock.Get().Since(p.lastCommit) >= p.cfg.CommitInterval {
		return p.Commit(ctx)
	}
	return nil
}

func (p *Persister) pendingCount() int {
	return len(p.geoEvents) + len(p.accessLogs) + len(p.debugRows)
}

// withinLocationLookup opens its own short transaction for the location
// dedup step so a batch's later commit failure cannot orphan a location
// insert from an earlier, already-settled record.
func (p *Persister) withinLocationLookup(ctx context.Context, geoRec geoip.Record) (int64, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	id, err := p.dedup.GetOrCreate(ctx, tx, geoRec.Latitude, geoRec.Longitude, geoRec)
	if err != nil {
		tx.Rollback()
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

// Commit flushes the pending batch in one transaction: geo events, access
// logs, debug rows (with a pre-commit flush for FK ids), then the hourly
// aggregator merge. A commit failure is logged and the batch dropped; the
// in-batch metrics are discarded along with it to stay consistent with the
// store.
func (p *Persister) Commit(ctx context.Context) error {
	if p.pendingCount() == 0 && p.metricsAcc.IsEmpty() {
		p.lastCommit = clock.Get().Now()
		return nil
	}

	geoEvents, accessLogs, debugRows := p.geoEvents, p.accessLogs, p.debugRows
	metricsAcc := p.metricsAcc
	p.resetBatch()

	if err := p.commitTx(ctx, geoEvents, accessLogs, debugRows, metricsAcc); err != nil {
		log.Printf("persister: commit failed, dropping batch of %d records: %v",
			len(geoEvents)+len(accessLogs)+len(debugRows), err)
		if p.m != nil {
			p.m.BatchesDropped.Inc()
		}
		return nil
	}

	if p.m != nil {
		p.m.BatchesCommitted.Inc()
		p.m.GeoEventsWritten.Add(float64(len(geoEvents)))
	}
	return nil
}

func (p *Persister) resetBatch() {
	p.geoEvents = nil
	p.accessLogs = nil
	p.debugRows = nil
	p.metricsAcc = aggregator.NewBatchMetrics()
	p.lastCommit = clock.Get().Now()
}

func (p *Persister) commitTx(ctx context.Context, geoEvents []pendingGeoEvent, accessLogs []pendingAccessLog, debugRows []pendingDebug, metricsAcc *aggregator.BatchMetrics) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertGeoEvents(ctx, tx, geoEvents, p.cfg.Hostname); err != nil {
		return err
	}

	accessLogIDs, err := insertAccessLogs(ctx, tx, accessLogs)
	if err != nil {
		return err
	}

	if err := insertDebugRows(ctx, tx, debugRows, accessLogIDs); err != nil {
		return err
	}

	mergeStart := time.Now()
	if err := metricsAcc.Merge(ctx, tx); err != nil {
		return fmt.Errorf("hourly merge failed: %w", err)
	}
	if p.m != nil {
		p.m.HourlyMergeLatency.Observe(time.Since(mergeStart).Seconds())
	}

	return tx.Commit()
}

func insertGeoEvents(ctx context.Context, tx *sql.Tx, events []pendingGeoEvent, hostname string) error {
	if len(events) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO geo_events (timestamp, ip_address, hostname, location_id) VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, ev := range events {
		if _, err := stmt.ExecContext(ctx, ev.timestamp.UTC().Format(time.RFC3339Nano), ev.ip, hostname, ev.locationID); err != nil {
			return fmt.Errorf("insert geo_event failed: %w", err)
		}
	}
	return nil
}

// insertAccessLogs writes each access log row and flushes immediately after
// (LastInsertId) so a same-batch debug row can reference it.
func insertAccessLogs(ctx context.Context, tx *sql.Tx, logs []pendingAccessLog) ([]int64, error) {
	if len(logs) == 0 {
		return nil, nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO access_logs
			(timestamp, ip_address, remote_user, method, url, http_version, status_code,
			 bytes_sent, referrer, user_agent, request_time, connect_time, host,
			 country_code, country_name, city)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	ids := make([]int64, len(logs))
	for i, entry := range logs {
		al := entry.al
		res, err := stmt.ExecContext(ctx,
			al.Timestamp.UTC().Format(time.RFC3339Nano), al.IP, nullableStr(al.RemoteUser),
			nullableStr(al.Method), nullableStr(al.URL), nullableStr(al.HTTPVersion), al.StatusCode,
			al.BytesSent, nullableStr(al.Referrer), nullableStr(al.UserAgent), al.RequestTime,
			al.ConnectTime, nullableStr(al.Host), nullableStr(al.CountryCodeHint),
			nullableStr(al.CountryNameHint), nullableStr(al.CityHint),
		)
		if err != nil {
			return nil, fmt.Errorf("insert access_log failed: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

func insertDebugRows(ctx context.Context, tx *sql.Tx, rows []pendingDebug, accessLogIDs []int64) error {
	if len(rows) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO access_log_debug (access_log_id, raw_line, is_malformed, parse_error)
		VALUES (?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, row := range rows {
		var accessLogID any
		if row.accessLogIdx >= 0 && row.accessLogIdx < len(accessLogIDs) {
			accessLogID = accessLogIDs[row.accessLogIdx]
		}
		if _, err := stmt.ExecContext(ctx, accessLogID, row.rawLine, row.malformed, nullableStr(row.parseError)); err != nil {
			return fmt.Errorf("insert access_log_debug failed: %w", err)
		}
	}
	return nil
}

func nullableStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func recordTimestamp(rec *parser.Record) time.Time {
	if !rec.GeoTimestamp.IsZero() {
		return rec.GeoTimestamp
	}
	return clock.Get().Now().UTC()
}
