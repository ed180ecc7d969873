package parser

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/transitboard-data/internal/common/logger"
	"github.com/transitboard-data/internal/feed/arrival"
	"github.com/transitboard-data/pkg/siri/models"
)

var (
	ErrEmptyBody        = errors.New("empty response body")
	ErrBodyTooLarge     = errors.New("response body exceeds size limit")
	ErrNoJSONObject     = errors.New("no JSON object in response body")
	ErrMalformedJSON    = errors.New("malformed JSON")
	ErrMissingTimestamp = errors.New("ResponseTimestamp missing or invalid")
	ErrLowMemory        = errors.New("available memory below threshold")
)

type Config struct {
	// MaxBodyBytes rejects larger payloads outright; 0 disables the check
	MaxBodyBytes int
	// MaxRecords caps the records returned from one response; 0 disables the cap
	MaxRecords int
	// MaxETA drops arrivals further than this past the response timestamp; 0 keeps all
	MaxETA time.Duration
	// MinFreeMemory aborts parsing when the host has less available memory; 0 disables the check
	MinFreeMemory uint64

	RouteFilter RouteFilter
	Styles      *arrival.StyleTable
	Memory      MemoryGuard
}

// Result carries the outcome of one parse in detail
type Result struct {
	Records           []arrival.Record
	ResponseTimestamp time.Time
	// Skipped counts entries rejected by validation
	Skipped int
	// Filtered counts valid entries excluded by the route filter or the ETA horizon
	Filtered int
	// Dropped counts valid entries beyond MaxRecords
	Dropped int
	Err     error
}

// OK reports whether the response as a whole was usable
func (r *Result) OK() bool {
	return r.Err == nil
}

type Parser struct {
	cfg    Config
	logger logger.Logger
}

func NewParser(cfg Config, log logger.Logger) *Parser {
	if cfg.Memory == nil {
		cfg.Memory = SystemMemory{}
	}
	return &Parser{cfg: cfg, logger: log}
}

// Parse converts one StopMonitoring body into arrival records. ok is false
// only when the response as a whole cannot be used.
func (p *Parser) Parse(body []byte) ([]arrival.Record, bool) {
	res := p.ParseDetailed(body)
	return res.Records, res.OK()
}

func (p *Parser) ParseDetailed(body []byte) *Result {
	res := &Result{}

	if len(body) == 0 {
		res.Err = ErrEmptyBody
		return res
	}
	if p.cfg.MaxBodyBytes > 0 && len(body) > p.cfg.MaxBodyBytes {
		res.Err = fmt.Errorf("%w: %d > %d bytes", ErrBodyTooLarge, len(body), p.cfg.MaxBodyBytes)
		return res
	}
	if err := p.checkMemory(); err != nil {
		res.Err = err
		return res
	}

	// some producers prefix the payload with a BOM or stray bytes
	start := bytes.IndexByte(body, '{')
	if start < 0 {
		res.Err = ErrNoJSONObject
		return res
	}

	var envelope models.StopMonitoringResponse
	if err := json.NewDecoder(bytes.NewReader(body[start:])).Decode(&envelope); err != nil {
		res.Err = fmt.Errorf("%w: %v", ErrMalformedJSON, err)
		return res
	}

	delivery := envelope.ServiceDelivery.StopMonitoringDelivery
	tsStr := delivery.ResponseTimestamp
	if tsStr == "" {
		tsStr = envelope.ServiceDelivery.ResponseTimestamp
	}
	responseTs, err := models.ParseTimestamp(tsStr)
	if err != nil {
		res.Err = fmt.Errorf("%w: %v", ErrMissingTimestamp, err)
		return res
	}
	res.ResponseTimestamp = responseTs

	for i, raw := range delivery.MonitoredStopVisit {
		if p.cfg.MaxRecords > 0 && len(res.Records) >= p.cfg.MaxRecords {
			res.Dropped = len(delivery.MonitoredStopVisit) - i
			p.logger.Warn("Record limit reached, dropping remaining entries",
				"max_records", p.cfg.MaxRecords,
				"dropped", res.Dropped)
			break
		}

		rec, err := p.parseVisit(raw, responseTs)
		if err != nil {
			res.Skipped++
			p.logger.Warn("Skipping stop visit", "index", i, "error", err)
			continue
		}
		if !p.cfg.RouteFilter.Allows(rec.Line) {
			res.Filtered++
			continue
		}
		if p.cfg.MaxETA > 0 && rec.ExpectedArrival.Sub(responseTs) > p.cfg.MaxETA {
			res.Filtered++
			continue
		}
		res.Records = append(res.Records, rec)
	}

	if len(res.Records) == 0 {
		p.logger.Warn("Response contained no usable arrivals",
			"visits", len(delivery.MonitoredStopVisit),
			"skipped", res.Skipped,
			"filtered", res.Filtered)
	}

	return res
}

func (p *Parser) parseVisit(raw json.RawMessage, responseTs time.Time) (arrival.Record, error) {
	var visit models.MonitoredStopVisit
	if err := json.Unmarshal(raw, &visit); err != nil {
		return arrival.Record{}, fmt.Errorf("decoding visit: %w", err)
	}

	journey := visit.MonitoredVehicleJourney
	switch {
	case journey.LineRef == "":
		return arrival.Record{}, fmt.Errorf("LineRef missing")
	case journey.DirectionRef == "":
		return arrival.Record{}, fmt.Errorf("DirectionRef missing")
	case visit.MonitoringRef == "":
		return arrival.Record{}, fmt.Errorf("MonitoringRef missing")
	case journey.MonitoredCall.ExpectedArrivalTime == "":
		return arrival.Record{}, fmt.Errorf("ExpectedArrivalTime missing")
	case visit.RecordedAtTime == "":
		return arrival.Record{}, fmt.Errorf("RecordedAtTime missing")
	}

	recordedAt, err := models.ParseTimestamp(visit.RecordedAtTime)
	if err != nil {
		return arrival.Record{}, fmt.Errorf("RecordedAtTime: %w", err)
	}
	eta, err := models.ParseTimestamp(journey.MonitoredCall.ExpectedArrivalTime)
	if err != nil {
		return arrival.Record{}, fmt.Errorf("ExpectedArrivalTime: %w", err)
	}

	return arrival.Record{
		Reference:         visit.MonitoringRef,
		Line:              journey.LineRef,
		Direction:         journey.DirectionRef,
		RecordedAt:        recordedAt,
		ExpectedArrival:   eta,
		ResponseTimestamp: responseTs,
		// an epoch-zero sample time marks a scheduled, untracked vehicle
		Live:  recordedAt.Unix() > 0,
		Style: p.cfg.Styles.Lookup(journey.LineRef, journey.DirectionRef),
	}, nil
}

func (p *Parser) checkMemory() error {
	if p.cfg.MinFreeMemory == 0 {
		return nil
	}
	available, err := p.cfg.Memory.Available()
	if err != nil {
		// an unreadable meminfo is not a reason to stop parsing
		p.logger.Debug("Unable to read available memory", "error", err)
		return nil
	}
	if available < p.cfg.MinFreeMemory {
		return fmt.Errorf("%w: %d < %d bytes", ErrLowMemory, available, p.cfg.MinFreeMemory)
	}
	return nil
}
