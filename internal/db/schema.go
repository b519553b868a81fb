package db

import (
	"database/sql"
	"fmt"
)

const (
	createGeoLocationsTable = `
CREATE TABLE IF NOT EXISTS geo_locations (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    latitude      REAL    NOT NULL,
    longitude     REAL    NOT NULL,
    geohash       TEXT    NOT NULL UNIQUE,
    country_code  TEXT,
    country_name  TEXT,
    state         TEXT,
    state_code    TEXT,
    city          TEXT,
    postal_code   TEXT,
    timezone      TEXT,
    last_hit      TEXT,
    created_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
)`

	createGeoEventsTable = `
CREATE TABLE IF NOT EXISTS geo_events (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp   TEXT    NOT NULL,
    ip_address  TEXT    NOT NULL,
    hostname    TEXT    NOT NULL,
    location_id INTEGER NOT NULL REFERENCES geo_locations(id) ON DELETE CASCADE
)`

	createAccessLogsTable = `
CREATE TABLE IF NOT EXISTS access_logs (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp     TEXT    NOT NULL,
    ip_address    TEXT    NOT NULL,
    remote_user   TEXT,
    method        TEXT,
    url           TEXT,
    http_version  TEXT,
    status_code   INTEGER NOT NULL,
    bytes_sent    INTEGER NOT NULL DEFAULT 0,
    referrer      TEXT,
    user_agent    TEXT,
    request_time  REAL    NOT NULL DEFAULT 0,
    connect_time  REAL,
    host          TEXT,
    country_code  TEXT,
    country_name  TEXT,
    city          TEXT
)`

	createAccessLogDebugTable = `
CREATE TABLE IF NOT EXISTS access_log_debug (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    access_log_id INTEGER UNIQUE REFERENCES access_logs(id) ON DELETE SET NULL,
    created_at    TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    raw_line      TEXT NOT NULL,
    is_malformed  INTEGER NOT NULL DEFAULT 0,
    parse_error   TEXT
)`

	createHourlyStatsTable = `
CREATE TABLE IF NOT EXISTS hourly_stats (
    id                 INTEGER PRIMARY KEY AUTOINCREMENT,
    hour               TEXT    NOT NULL UNIQUE,
    total_requests     INTEGER NOT NULL DEFAULT 0,
    total_geo_events   INTEGER NOT NULL DEFAULT 0,
    unique_ips         INTEGER NOT NULL DEFAULT 0,
    unique_countries   INTEGER NOT NULL DEFAULT 0,
    total_bytes_sent   INTEGER NOT NULL DEFAULT 0,
    status_2xx         INTEGER NOT NULL DEFAULT 0,
    status_3xx         INTEGER NOT NULL DEFAULT 0,
    status_4xx         INTEGER NOT NULL DEFAULT 0,
    status_5xx         INTEGER NOT NULL DEFAULT 0,
    avg_request_time   REAL    NOT NULL DEFAULT 0,
    max_request_time   REAL    NOT NULL DEFAULT 0,
    malformed_requests INTEGER NOT NULL DEFAULT 0
)`

	createDailyStatsTable = `
CREATE TABLE IF NOT EXISTS daily_stats (
    id                  INTEGER PRIMARY KEY AUTOINCREMENT,
    date                TEXT    NOT NULL UNIQUE,
    total_requests      INTEGER NOT NULL DEFAULT 0,
    total_geo_events    INTEGER NOT NULL DEFAULT 0,
    unique_ips          INTEGER NOT NULL DEFAULT 0,
    unique_countries    INTEGER NOT NULL DEFAULT 0,
    total_bytes_sent    INTEGER NOT NULL DEFAULT 0,
    status_2xx          INTEGER NOT NULL DEFAULT 0,
    status_3xx          INTEGER NOT NULL DEFAULT 0,
    status_4xx          INTEGER NOT NULL DEFAULT 0,
    status_5xx          INTEGER NOT NULL DEFAULT 0,
    avg_request_time    REAL    NOT NULL DEFAULT 0,
    max_request_time    REAL    NOT NULL DEFAULT 0,
    malformed_requests  INTEGER NOT NULL DEFAULT 0,
    peak_hour           INTEGER NOT NULL DEFAULT 0,
    peak_hour_requests  INTEGER NOT NULL DEFAULT 0
)`

	createLogPositionTable = `
CREATE TABLE IF NOT EXISTS log_position (
    file   TEXT    PRIMARY KEY,
    offset INTEGER NOT NULL DEFAULT 0,
    inode  INTEGER NOT NULL DEFAULT 0,
    size   INTEGER NOT NULL DEFAULT 0
)`

	createGeoEventsTimestampIndex = `CREATE INDEX IF NOT EXISTS idx_geo_events_timestamp ON geo_events(timestamp)`
	createGeoEventsLocationIndex  = `CREATE INDEX IF NOT EXISTS idx_geo_events_location ON geo_events(location_id, timestamp)`
	createGeoEventsIPIndex        = `CREATE INDEX IF NOT EXISTS idx_geo_events_ip ON geo_events(ip_address, timestamp)`
	createAccessLogsTimestampIdx  = `CREATE INDEX IF NOT EXISTS idx_access_logs_timestamp ON access_logs(timestamp)`
	createAccessLogsIPIndex       = `CREATE INDEX IF NOT EXISTS idx_access_logs_ip ON access_logs(ip_address)`
	createAccessLogsStatusIndex   = `CREATE INDEX IF NOT EXISTS idx_access_logs_status ON access_logs(status_code)`
	createHourlyStatsHourIndex    = `CREATE INDEX IF NOT EXISTS idx_hourly_stats_hour ON hourly_stats(hour)`
	createDailyStatsDateIndex     = `CREATE INDEX IF NOT EXISTS idx_daily_stats_date ON daily_stats(date)`
	createGeoLocationsCountryIdx  = `CREATE INDEX IF NOT EXISTS idx_geo_locations_country ON geo_locations(country_code)`
)

// Migrate creates all tables and indexes if they don't exist.
func Migrate(db *sql.DB) error {
	statements := []string{
		createGeoLocationsTable,
		createGeoEventsTable,
		createAccessLogsTable,
		createAccessLogDebugTable,
		createHourlyStatsTable,
		createDailyStatsTable,
		createLogPositionTable,
		createGeoEventsTimestampIndex,
		createGeoEventsLocationIndex,
		createGeoEventsIPIndex,
		createAccessLogsTimestampIdx,
		createAccessLogsIPIndex,
		createAccessLogsStatusIndex,
		createHourlyStatsHourIndex,
		createDailyStatsDateIndex,
		createGeoLocationsCountryIdx,
	}

	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}
