package domain

import "time"

// Outcome is the reconciliation verdict for one validated event.
type Outcome int

const (
	Accept Outcome = iota + 1
	Dedupe
	Update
)

func (o Outcome) String() string {
	switch o {
	case Accept:
		return "accepted"
	case Dedupe:
		return "deduped"
	case Update:
		return "updated"
	default:
		return "unknown"
	}
}

// Decision carries the outcome and, for Accept and Update, the record to persist.
type Decision struct {
	Outcome Outcome
	Record  Record
}

// Reconcile decides what an incoming event does to the stored state.
// existing is nil when no record with the event's id is stored.
//
// Conflicts are resolved last-writer-wins on receivedTime: a differing
// payload replaces the stored one only when it was reported strictly later.
// Stale or identical resends are absorbed as Dedupe, never rejected.
func Reconcile(existing *Record, in ValidatedEvent, now time.Time) Decision {
	received := in.ReceivedTime
	if received.IsZero() {
		received = now
	}

	if existing == nil {
		return Decision{Outcome: Accept, Record: Record{
			EventID:      in.EventID,
			EventTime:    in.EventTime,
			ReceivedTime: received,
			MachineID:    in.MachineID,
			FactoryID:    in.FactoryID,
			LineID:       in.LineID,
			DurationMs:   in.DurationMs,
			DefectCount:  in.DefectCount,
			CreatedAt:    now,
			UpdatedAt:    now,
		}}
	}

	if SamePayload(*existing, in) || !received.After(existing.ReceivedTime) {
		return Decision{Outcome: Dedupe}
	}

	rec := *existing
	rec.EventTime = in.EventTime
	rec.ReceivedTime = received
	rec.MachineID = in.MachineID
	rec.FactoryID = in.FactoryID
	rec.LineID = in.LineID
	rec.DurationMs = in.DurationMs
	rec.DefectCount = in.DefectCount
	rec.UpdatedAt = now
	return Decision{Outcome: Update, Record: rec}
}

// SamePayload compares the fields that describe the physical event.
// receivedTime is not part of it. eventTime is compared at Precision, see
// ParseInstant: instants differing below a microsecond are the same event.
func SamePayload(r Record, in ValidatedEvent) bool {
	return r.MachineID == in.MachineID &&
		r.FactoryID == in.FactoryID &&
		r.LineID == in.LineID &&
		r.DurationMs == in.DurationMs &&
		r.DefectCount == in.DefectCount &&
		r.EventTime.Equal(in.EventTime)
}
