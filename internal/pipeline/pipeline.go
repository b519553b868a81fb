// Package pipeline wires the tailer, parser, and persister into a single
// supervised ingestion task, and owns the startup checks and degraded-mode
// database probe that gate it.
package pipeline

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/trailwatch/geotrail/internal/clock"
	"github.com/trailwatch/geotrail/internal/config"
	"github.com/trailwatch/geotrail/internal/geoip"
	"github.com/trailwatch/geotrail/internal/metrics"
	"github.com/trailwatch/geotrail/internal/parser"
	"github.com/trailwatch/geotrail/internal/persister"
	"github.com/trailwatch/geotrail/internal/tailer"
)

// logWaitTimeout bounds how long Start waits for the configured log file to
// appear before giving up.
const logWaitTimeout = 60 * time.Second

// dbProbeTimeout bounds the degraded-mode database ping.
const dbProbeTimeout = 10 * time.Second

// stopGracePeriod bounds how long Stop waits for the ingestion task to drain.
const stopGracePeriod = 10 * time.Second

// Pipeline supervises one ingestion run: tailer -> parser -> persister.
type Pipeline struct {
	cfg      *config.Config
	db       *sql.DB
	enricher *geoip.Enricher
	m        *metrics.Metrics

	tail *tailer.Tailer
	pers *persister.Persister
	p    *parser.Parser

	cancel context.CancelFunc
	done   chan error
}

// New validates preconditions (log file reachable, GeoIP database loadable,
// store reachable) and constructs a Pipeline ready to Start. cfg.GeoIPPath
// may be empty, in which case the geo pipeline is disabled and only
// access-log capture runs.
func New(ctx context.Context, cfg *config.Config, db *sql.DB, m *metrics.Metrics) (*Pipeline, error) {
	if err := waitForLogFile(ctx, cfg.LogFile, logWaitTimeout); err != nil {
		return nil, err
	}

	var enricher *geoip.Enricher
	if cfg.GeoIPPath != "" {
		var err error
		enricher, err = geoip.New(cfg.GeoIPPath, cfg.GeoIPLocales)
		if err != nil {
			return nil, fmt.Errorf("geoip database failed to load: %w", err)
		}
	} else {
		log.Printf("pipeline: no GeoIP database configured, geo enrichment disabled")
	}

	if err := probeDB(ctx, db); err != nil {
		return nil, fmt.Errorf("database not reachable at startup: %w", err)
	}

	pollInterval := time.Duration(cfg.PollInterval * float64(time.Second))
	commitInterval := time.Duration(cfg.CommitInterval * float64(time.Second))

	return &Pipeline{
		cfg:      cfg,
		db:       db,
		enricher: enricher,
		m:        m,
		tail:     tailer.New(cfg.LogFile, db, pollInterval),
		p:        parser.New(cfg.SendLogs),
		pers: persister.New(db, enricher, persister.Config{
			BatchSize:       cfg.BatchSize,
			CommitInterval:  commitInterval,
			StoreDebugLines: cfg.StoreDebugLines,
			SendLogs:        cfg.SendLogs,
			Hostname:        cfg.Hostname,
		}, m),
	}, nil
}

// Start launches the tailer and the ingestion loop in a background
// goroutine. Call Stop to request a graceful drain and shutdown.
func (p *Pipeline) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan error, 1)

	events := make(chan tailer.Event, 1000)

	go func() {
		if err := p.tail.Run(runCtx, events); err != nil && err != context.Canceled {
			log.Printf("pipeline: tailer stopped: %v", err)
		}
		close(events)
	}()

	if p.m != nil {
		p.m.IngestionRunning.Set(1)
	}

	go func() {
		p.done <- p.ingest(runCtx, events)
		if p.m != nil {
			p.m.IngestionRunning.Set(0)
		}
	}()
}

// ingest drains events until the channel closes (tailer stopped) or the
// context is cancelled, parsing each line and folding it into the persister,
// and finishes with a final commit so nothing buffered is lost on shutdown.
func (p *Pipeline) ingest(ctx context.Context, events <-chan tailer.Event) error {
	for ev := range events {
		if ev.Idle {
			if err := p.pers.Tick(ctx); err != nil {
				log.Printf("pipeline: tick commit failed: %v", err)
			}
			continue
		}

		if p.m != nil {
			p.m.LinesRead.Inc()
		}

		rec := p.p.ParseLine(ev.Line)
		if rec.Malformed && p.m != nil {
			p.m.LinesMalformed.Inc()
		}
		if !rec.Matched && p.m != nil {
			p.m.LinesSkipped.Inc()
		}
		if !rec.Matched {
			continue
		}

		if err := p.pers.Process(ctx, rec); err != nil {
			log.Printf("pipeline: process failed: %v", err)
		}
	}

	if err := p.pers.Commit(context.Background()); err != nil {
		log.Printf("pipeline: final commit failed: %v", err)
	}
	return nil
}

// Stop cancels the ingestion task and waits up to stopGracePeriod for it to
// drain; after that it returns without waiting further.
func (p *Pipeline) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	select {
	case <-p.done:
	case <-time.After(stopGracePeriod):
		log.Printf("pipeline: ingestion did not drain within %s", stopGracePeriod)
	}
	if p.enricher != nil {
		if err := p.enricher.Close(); err != nil {
			log.Printf("pipeline: geoip close failed: %v", err)
		}
	}
}

// waitForLogFile polls for the log file's existence, retrying for up to
// timeout before giving up; the file is commonly created by the web server
// container slightly after this process starts.
func waitForLogFile(ctx context.Context, path string, timeout time.Duration) error {
	deadline := clock.Get().Now().Add(timeout)
	for {
		if _, err := os.Stat(path); err == nil {
			return nil
		} else if !os.IsNotExist(err) {
			return fmt.Errorf("stat %s: %w", path, err)
		}

		if clock.Get().Now().After(deadline) {
			return fmt.Errorf("log file %s did not appear within %s", path, timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clock.Get().After(time.Second):
		}
	}
}

// probeDB issues a bounded ping so startup fails fast if the store is
// unreachable rather than wedging the ingestion goroutine on its first write.
func probeDB(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, dbProbeTimeout)
	defer cancel()
	return db.PingContext(ctx)
}
