// Package storage defines the persistence contract for event records.
package storage

import (
	"context"
	"errors"
	"time"

	"example.com/machineTelemetry/internal/domain"
)

// ErrNotFound is returned by FindByID when no record has the requested id.
var ErrNotFound = errors.New("record not found")

// Store persists records keyed by event id. Range queries match on eventTime
// with both bounds inclusive.
type Store interface {
	FindByID(ctx context.Context, eventID string) (domain.Record, error)
	Save(ctx context.Context, rec domain.Record) error
	FindByMachineAndTimeRange(ctx context.Context, machineID string, start, end time.Time) ([]domain.Record, error)
	FindByFactoryAndTimeRange(ctx context.Context, factoryID string, start, end time.Time) ([]domain.Record, error)
}

// ConditionalSaver is implemented by stores that can write atomically.
//
// SaveIf stores rec only if the stored state still matches prev: with prev
// nil no record for rec.EventID may exist yet, otherwise the stored record
// must still carry prev's receivedTime and updatedAt. It reports false when
// the condition did not hold.
type ConditionalSaver interface {
	SaveIf(ctx context.Context, rec domain.Record, prev *domain.Record) (bool, error)
}

// Pinger is implemented by stores that can report readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}
