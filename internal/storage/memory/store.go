// Package memory provides an in-process Store, used for local runs and tests.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"example.com/machineTelemetry/internal/domain"
	"example.com/machineTelemetry/internal/storage"
)

type Store struct {
	mu      sync.RWMutex
	records map[string]domain.Record
}

func New() *Store {
	return &Store{records: make(map[string]domain.Record)}
}

func (s *Store) FindByID(ctx context.Context, eventID string) (domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return domain.Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[eventID]
	if !ok {
		return domain.Record{}, storage.ErrNotFound
	}
	return rec, nil
}

func (s *Store) Save(ctx context.Context, rec domain.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.EventID] = rec
	return nil
}

func (s *Store) SaveIf(ctx context.Context, rec domain.Record, prev *domain.Record) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[rec.EventID]
	switch {
	case prev == nil && ok:
		return false, nil
	case prev != nil && (!ok || !cur.ReceivedTime.Equal(prev.ReceivedTime) || !cur.UpdatedAt.Equal(prev.UpdatedAt)):
		return false, nil
	}
	s.records[rec.EventID] = rec
	return true, nil
}

func (s *Store) FindByMachineAndTimeRange(ctx context.Context, machineID string, start, end time.Time) ([]domain.Record, error) {
	return s.scan(ctx, start, end, func(r domain.Record) bool { return r.MachineID == machineID })
}

func (s *Store) FindByFactoryAndTimeRange(ctx context.Context, factoryID string, start, end time.Time) ([]domain.Record, error) {
	return s.scan(ctx, start, end, func(r domain.Record) bool { return r.FactoryID == factoryID })
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *Store) scan(ctx context.Context, start, end time.Time, match func(domain.Record) bool) ([]domain.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	var out []domain.Record
	for _, r := range s.records {
		if !match(r) || r.EventTime.Before(start) || r.EventTime.After(end) {
			continue
		}
		out = append(out, r)
	}
	s.mu.RUnlock()
	// map order is random; keep results stable like the SQL stores
	slices.SortFunc(out, func(a, b domain.Record) int {
		if c := a.EventTime.Compare(b.EventTime); c != 0 {
			return c
		}
		return strings.Compare(a.EventID, b.EventID)
	})
	return out, nil
}
