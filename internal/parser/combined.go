package parser

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// combinedRegex matches the nginx/Apache combined-format superset captured
// by the full recogniser: IP, remote user, timestamp, request line, status,
// bytes, referrer, user agent, request time, connect time, and an optional
// trailing quoted host.
var combinedRegex = regexp.MustCompile(
	`^(\S+)\s+\S+\s+(\S+)\s+\[([^\]]+)\]\s+` + // ip, ident, user, timestamp
		`"([^"]*)"\s+` + // request line (method path version, or probe garbage)
		`(\d+)\s+(\S+)\s+` + // status, bytes
		`"([^"]*)"\s+"([^"]*)"\s+` + // referrer, user agent
		`"([^"]*)"\s+"([^"]*)"` + // request time, connect time
		`(?:\s+"([^"]*)")?\s*$`, // host (optional)
)

// ipOnlyRegex extracts just the leading client address used when full
// access-log capture is disabled.
var ipOnlyRegex = regexp.MustCompile(`^(\S+)`)

var validMethods = map[string]bool{
	"GET": true, "POST": true, "PUT": true, "DELETE": true, "PATCH": true,
	"HEAD": true, "OPTIONS": true, "CONNECT": true, "TRACE": true,
}

func parseIPOnly(line string) *Record {
	rec := &Record{Raw: line, GeoTimestamp: time.Now().UTC()}
	m := ipOnlyRegex.FindStringSubmatch(line)
	if m == nil {
		return rec
	}
	rec.Matched = true
	rec.IP = m[1]
	rec.HasIP = true
	return rec
}

func parseCombined(line string) *Record {
	m := combinedRegex.FindStringSubmatch(line)
	if m == nil {
		return &Record{
			Raw:        line,
			GeoTimestamp: time.Now().UTC(),
			Malformed:  true,
			ParseError: "line did not match expected log format",
		}
	}

	ip := m[1]
	remoteUser := unquote(m[2])
	ts, err := time.Parse(accessTimeLayout, m[3])
	if err != nil {
		ts = time.Now().UTC()
	}
	request := m[4]

	status, err := strconv.Atoi(m[5])
	if err != nil {
		status = 0
	}

	var bytesSent int64
	if m[6] != "-" {
		if v, err := strconv.ParseInt(m[6], 10, 64); err == nil {
			bytesSent = v
		}
	}

	referrer := unquote(m[7])
	userAgent := unquote(m[8])

	var requestTime float64
	if m[9] != "-" && m[9] != "" {
		if v, err := strconv.ParseFloat(m[9], 64); err == nil {
			requestTime = v
		}
	}

	var connectTime *float64
	if m[10] != "-" && m[10] != "" {
		if v, err := strconv.ParseFloat(m[10], 64); err == nil {
			connectTime = &v
		}
	}

	method, url, version := splitRequestLine(request)

	malformed, tag := classifyMalformed(request, method, status)

	return &Record{
		Raw:          line,
		Matched:      true,
		IP:           ip,
		HasIP:        ip != "" && ip != "-",
		GeoTimestamp: ts,
		AccessLog: &AccessLog{
			Timestamp:   ts,
			IP:          ip,
			RemoteUser:  remoteUser,
			Method:      method,
			URL:         url,
			HTTPVersion: version,
			StatusCode:  status,
			BytesSent:   bytesSent,
			Referrer:    referrer,
			UserAgent:   userAgent,
			RequestTime: requestTime,
			ConnectTime: connectTime,
			Host:        unquote(m[11]),
		},
		Malformed:  malformed,
		ParseError: tag,
	}
}

// splitRequestLine splits a "METHOD URL VERSION" request field. Probe
// traffic rarely has that shape: a single token is kept as the URL with
// method and version absent, and any other non-3-token split leaves all
// three absent, so the malformed classifier can use the raw request text.
func splitRequestLine(request string) (method, url, version string) {
	parts := strings.Fields(request)
	if len(parts) == 3 {
		return parts[0], parts[1], parts[2]
	}
	if len(parts) == 1 {
		return "", parts[0], ""
	}
	return "", "", ""
}
