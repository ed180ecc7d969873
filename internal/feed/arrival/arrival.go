// Package arrival holds the record types shared by the parser, the
// aggregator and the engine.
package arrival

import (
	"sort"
	"time"
)

// Source is one configured feed endpoint. It is not modified after startup.
type Source struct {
	Name string
	URL  string
}

// Style is display metadata attached to a record from configuration.
// The feed engine never interprets it.
type Style struct {
	RouteColor     string `json:"route_color,omitempty"`
	DirectionColor string `json:"direction_color,omitempty"`
	Rail           bool   `json:"rail"`
}

// Record is one predicted arrival of a line/direction at a monitored stop.
type Record struct {
	Reference         string    `json:"reference"`
	Line              string    `json:"line"`
	Direction         string    `json:"direction"`
	RecordedAt        time.Time `json:"recorded_at"`
	ExpectedArrival   time.Time `json:"expected_arrival"`
	ResponseTimestamp time.Time `json:"response_timestamp"`
	Live              bool      `json:"live"`
	Style             Style     `json:"style"`
}

// Until returns the time left before the vehicle is expected
func (r *Record) Until(now time.Time) time.Duration {
	return r.ExpectedArrival.Sub(now)
}

// Expired reports whether the expected arrival is already in the past
func (r *Record) Expired(now time.Time) bool {
	return r.ExpectedArrival.Before(now)
}

// SortByArrival orders records by expected arrival. Equal arrivals keep
// their input order.
func SortByArrival(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].ExpectedArrival.Before(records[j].ExpectedArrival)
	})
}

// SortRefsByArrival is SortByArrival for slices of pointers
func SortRefsByArrival(records []*Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].ExpectedArrival.Before(records[j].ExpectedArrival)
	})
}
