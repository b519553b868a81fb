// Package parser turns raw access log lines into structured records and
// separates well-formed HTTP requests from scanner/probe traffic.
package parser

import (
	"time"
)

// accessTimeLayout is the nginx/Apache combined-log timestamp layout:
// [23/Nov/2024:10:05:01 +0000].
const accessTimeLayout = "02/Jan/2006:15:04:05 -0700"

// AccessLog carries the fields captured by the full combined-format
// recogniser. Pointer fields are absent (nil) when the source line used "-".
type AccessLog struct {
	Timestamp   time.Time
	IP          string
	RemoteUser  string
	Method      string
	URL         string
	HTTPVersion string
	StatusCode  int
	BytesSent   int64
	Referrer    string
	UserAgent   string
	RequestTime float64
	ConnectTime *float64
	Host        string

	// Denormalised geo snapshot, filled in by the persister from the same
	// record's GeoIP resolution (not populated by the parser itself).
	CountryCodeHint string
	CountryNameHint string
	CityHint        string
}

// Record is the outcome of parsing one raw line: an optional IP, optional
// full access-log fields, a geo-observation timestamp, and a malformed flag
// with its classification tag. Matched is true whenever a recogniser matched
// the line, regardless of whether the match was later classified malformed.
type Record struct {
	Raw            string
	Matched        bool
	IP             string
	HasIP          bool
	GeoTimestamp   time.Time
	AccessLog      *AccessLog
	Malformed      bool
	ParseError     string
}

// Parser recognises access log lines. When sendLogs is false only the
// IP-only recogniser runs (full access-log capture disabled, geo pipeline
// only); when true the full combined-format recogniser runs and malformed
// classification is evaluated against it.
type Parser struct {
	sendLogs bool
}

// New creates a Parser. sendLogs mirrors the send_logs configuration option.
func New(sendLogs bool) *Parser {
	return &Parser{sendLogs: sendLogs}
}

// ParseLine parses a single raw line using the configured recogniser.
func (p *Parser) ParseLine(line string) *Record {
	if !p.sendLogs {
		return parseIPOnly(line)
	}
	return parseCombined(line)
}

// HourBucket truncates a time to the UTC hour and formats it as the unique
// key used by hourly_stats.
func HourBucket(t time.Time) string {
	return t.UTC().Truncate(time.Hour).Format(time.RFC3339)
}

// DayBucket truncates a time to the UTC calendar date used by daily_stats.
func DayBucket(t time.Time) string {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Format("2006-01-02")
}

func unquote(s string) string {
	if s == "-" {
		return ""
	}
	return s
}
