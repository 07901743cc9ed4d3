package domain

import (
	"strings"
	"time"
)

// IncomingEvent is one telemetry event as submitted by a reporter.
// eventTime and receivedTime are ISO-8601 instants and are parsed by Validate.
type IncomingEvent struct {
	EventID      string `json:"eventId"`
	EventTime    string `json:"eventTime"`
	ReceivedTime string `json:"receivedTime"`
	MachineID    string `json:"machineId"`
	FactoryID    string `json:"factoryId"`
	LineID       string `json:"lineId"`
	DurationMs   int64  `json:"durationMs"`
	DefectCount  int    `json:"defectCount"`

	// Malformed marks a batch element that could not be decoded.
	Malformed bool `json:"-"`
}

// Record is the persisted form of an event, keyed by EventID.
type Record struct {
	EventID      string    `json:"eventId"`
	EventTime    time.Time `json:"eventTime"`
	ReceivedTime time.Time `json:"receivedTime"`
	MachineID    string    `json:"machineId"`
	FactoryID    string    `json:"factoryId"`
	LineID       string    `json:"lineId"`
	DurationMs   int64     `json:"durationMs"`
	DefectCount  int       `json:"defectCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

const (
	MaxDurationMs   = int64(6 * time.Hour / time.Millisecond)
	FutureTolerance = 15 * time.Minute
)

// Precision is the finest instant granularity kept by every store.
const Precision = time.Microsecond

// ParseInstant parses an ISO-8601 instant (RFC 3339 with optional fraction)
// and normalises it to UTC at store precision.
func ParseInstant(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC().Truncate(Precision), nil
}
