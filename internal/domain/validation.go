package domain

import (
	"fmt"
	"time"
)

// FieldError represents a single field's validation error.
type FieldError struct {
	Field string `json:"field"`
	Msg   string `json:"message"`
}

func (e FieldError) Error() string { return fmt.Sprintf("%s: %s", e.Field, e.Msg) }

// ValidatedEvent is an admissible event with its instants parsed.
// ReceivedTime is zero when the submitted value could not be parsed.
type ValidatedEvent struct {
	EventID      string
	EventTime    time.Time
	ReceivedTime time.Time
	MachineID    string
	FactoryID    string
	LineID       string
	DurationMs   int64
	DefectCount  int
}

// Validate performs the admissibility checks on one incoming event.
// now: reference time (injectable for tests)
// The returned ValidatedEvent is only meaningful when no errors are returned.
func Validate(in IncomingEvent, now time.Time) (ValidatedEvent, []FieldError) {
	if in.Malformed {
		return ValidatedEvent{}, []FieldError{{"event", "malformed payload"}}
	}

	var errs []FieldError

	if in.EventID == "" {
		errs = append(errs, FieldError{"eventId", "required"})
	}

	eventTime, err := ParseInstant(in.EventTime)
	if err != nil {
		errs = append(errs, FieldError{"eventTime", "must be an ISO-8601 instant"})
	} else if eventTime.After(now.Add(FutureTolerance)) {
		errs = append(errs, FieldError{"eventTime", "must not be more than 15m in the future"})
	}

	if in.DurationMs < 0 || in.DurationMs > MaxDurationMs {
		errs = append(errs, FieldError{"durationMs", fmt.Sprintf("must be within [0, %d]", MaxDurationMs)})
	}

	if len(errs) > 0 {
		return ValidatedEvent{}, errs
	}

	// unparsable receivedTime falls back to now during reconciliation
	receivedTime, _ := ParseInstant(in.ReceivedTime)

	return ValidatedEvent{
		EventID:      in.EventID,
		EventTime:    eventTime,
		ReceivedTime: receivedTime,
		MachineID:    in.MachineID,
		FactoryID:    in.FactoryID,
		LineID:       in.LineID,
		DurationMs:   in.DurationMs,
		DefectCount:  in.DefectCount,
	}, nil
}

// Admissible reports whether the event passes validation.
func Admissible(in IncomingEvent, now time.Time) bool {
	_, errs := Validate(in, now)
	return len(errs) == 0
}
