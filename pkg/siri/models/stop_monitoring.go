package models

import "github.com/goccy/go-json"

// StopMonitoringResponse is the envelope returned by SIRI StopMonitoring endpoints
type StopMonitoringResponse struct {
	ServiceDelivery ServiceDelivery `json:"ServiceDelivery"`
}

type ServiceDelivery struct {
	ResponseTimestamp      string                 `json:"ResponseTimestamp,omitempty"`
	ProducerRef            string                 `json:"ProducerRef,omitempty"`
	StopMonitoringDelivery StopMonitoringDelivery `json:"StopMonitoringDelivery"`
}

// StopMonitoringDelivery keeps each visit undecoded so that a malformed
// visit can be rejected without failing its siblings.
type StopMonitoringDelivery struct {
	Version            string            `json:"version,omitempty"`
	ResponseTimestamp  string            `json:"ResponseTimestamp"`
	Status             *bool             `json:"Status,omitempty"`
	MonitoredStopVisit []json.RawMessage `json:"MonitoredStopVisit"`
}

type MonitoredStopVisit struct {
	RecordedAtTime          string                  `json:"RecordedAtTime"`
	MonitoringRef           string                  `json:"MonitoringRef"`
	MonitoredVehicleJourney MonitoredVehicleJourney `json:"MonitoredVehicleJourney"`
}

type MonitoredVehicleJourney struct {
	LineRef           string        `json:"LineRef"`
	DirectionRef      string        `json:"DirectionRef"`
	PublishedLineName string        `json:"PublishedLineName,omitempty"`
	OperatorRef       string        `json:"OperatorRef,omitempty"`
	DestinationName   string        `json:"DestinationName,omitempty"`
	MonitoredCall     MonitoredCall `json:"MonitoredCall"`
}

type MonitoredCall struct {
	StopPointRef          string `json:"StopPointRef,omitempty"`
	StopPointName         string `json:"StopPointName,omitempty"`
	AimedArrivalTime      string `json:"AimedArrivalTime,omitempty"`
	ExpectedArrivalTime   string `json:"ExpectedArrivalTime"`
	ExpectedDepartureTime string `json:"ExpectedDepartureTime,omitempty"`
}
