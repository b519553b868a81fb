package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/trailwatch/geotrail/internal/backfill"
	"github.com/trailwatch/geotrail/internal/config"
	"github.com/trailwatch/geotrail/internal/db"
	"github.com/trailwatch/geotrail/internal/geoip"
	"github.com/trailwatch/geotrail/internal/metrics"
	"github.com/trailwatch/geotrail/internal/parser"
	"github.com/trailwatch/geotrail/internal/persister"
	"github.com/trailwatch/geotrail/internal/pipeline"
	"github.com/trailwatch/geotrail/internal/scheduler"

	"github.com/trailwatch/geotrail/internal/api"
)

func main() {
	runBackfill := flag.Bool("backfill", false, "import rotated log files and exit, without starting the tailer or API")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	database, err := db.Open(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	if *runBackfill {
		runStandaloneBackfill(cfg, database)
		return
	}

	m := metrics.NewMetrics()

	// A store-unreachable failure here must not take down the read API: per
	// the degraded-mode contract, ingestion/scheduling are skipped and the
	// API keeps serving (zeros) until an operator restarts the process.
	pipe, pipeErr := pipeline.New(context.Background(), cfg, database, m)
	if pipeErr != nil {
		log.Printf("Failed to start ingestion pipeline, running in degraded mode: %v", pipeErr)
	}

	sched := scheduler.New(database, scheduler.Config{
		RetentionDays:             cfg.HourlyRetentionDays,
		RollupHour:                cfg.DailyRollupHour,
		RollupMinute:              cfg.DailyRollupMinute,
		LocationRefreshIntervalHr: cfg.LocationRefreshIntervalHr,
	})

	srv := api.New(cfg, database)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	if pipeErr == nil {
		pipe.Start(ctx)

		go func() {
			if err := sched.Run(ctx); err != nil && err != context.Canceled {
				log.Printf("Scheduler error: %v", err)
			}
		}()
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Printf("geotrail starting - listening on %s, watching %s", cfg.Listen, cfg.LogFile)
		if err := srv.Start(); err != nil {
			serverErrors <- err
		}
	}()

	select {
	case <-sigCh:
		log.Println("Shutting down...")
	case err := <-serverErrors:
		log.Printf("API server failed to start: %v", err)
	}

	cancel()
	if pipeErr == nil {
		pipe.Stop()
	}

	if err := srv.Shutdown(); err != nil {
		log.Printf("API shutdown error: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	log.Println("Shutdown complete")
}

// runStandaloneBackfill imports rotated log files through a dedicated
// persister and exits, without starting the tailer or API.
func runStandaloneBackfill(cfg *config.Config, database *sql.DB) {
	var enricher *geoip.Enricher
	if cfg.GeoIPPath != "" {
		var err error
		enricher, err = geoip.New(cfg.GeoIPPath, cfg.GeoIPLocales)
		if err != nil {
			log.Fatalf("Failed to load GeoIP database: %v", err)
		}
		defer enricher.Close()
	}

	p := parser.New(cfg.SendLogs)
	pcfg := persister.Config{
		BatchSize:       cfg.BatchSize,
		CommitInterval:  time.Duration(cfg.CommitInterval * float64(time.Second)),
		StoreDebugLines: cfg.StoreDebugLines,
		SendLogs:        cfg.SendLogs,
		Hostname:        cfg.Hostname,
	}

	if err := backfill.Run(context.Background(), database, cfg.LogFile, p, enricher, pcfg); err != nil {
		log.Fatalf("Backfill failed: %v", err)
	}
}
