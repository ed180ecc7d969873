package models

import (
	"fmt"
	"strings"
	"time"
)

// timestampFormats are tried in order. SIRI producers emit RFC3339 with a
// UTC designator; some add fractional seconds or a numeric offset.
var timestampFormats = []string{
	"2006-01-02T15:04:05Z",
	time.RFC3339,
	time.RFC3339Nano,
}

// ParseTimestamp converts a SIRI date-time string into a UTC time.
// Offsets are folded in so the result does not depend on the host zone.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}

	var parseErr error
	for _, format := range timestampFormats {
		t, err := time.Parse(format, s)
		if err == nil {
			return t.UTC(), nil
		}
		parseErr = err
	}

	return time.Time{}, fmt.Errorf("unable to parse time %q: %w", s, parseErr)
}

// FormatTimestamp renders t the way SIRI producers do
func FormatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
