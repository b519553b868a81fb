package api

import (
	"fmt"
	"time"
)

// shiftPeriodBack computes the immediately preceding period of identical
// length, given [start, end) as RFC3339 hour buckets.
func shiftPeriodBack(start, end string) (prevStart, prevEnd string, err error) {
	s, err := time.Parse(time.RFC3339, start)
	if err != nil {
		return "", "", fmt.Errorf("invalid start %q: %w", start, err)
	}
	e, err := time.Parse(time.RFC3339, end)
	if err != nil {
		return "", "", fmt.Errorf("invalid end %q: %w", end, err)
	}
	length := e.Sub(s)
	if length <= 0 {
		return "", "", fmt.Errorf("end must be after start")
	}
	return s.Add(-length).Format(time.RFC3339), s.Format(time.RFC3339), nil
}
