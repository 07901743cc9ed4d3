package stats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"example.com/machineTelemetry/internal/domain"
	"example.com/machineTelemetry/internal/metrics"
	"example.com/machineTelemetry/internal/storage"
)

var (
	ErrInvalidRange = errors.New("invalid time range")
	ErrInvalidLimit = errors.New("limit must not be negative")
)

// Service answers the aggregate queries from a Store snapshot.
type Service struct {
	store   storage.Store
	metrics *metrics.Metrics
}

// NewService wires a query service; m may be nil.
func NewService(store storage.Store, m *metrics.Metrics) *Service {
	return &Service{store: store, metrics: m}
}

func parseBound(name, v string) (time.Time, error) {
	t, err := domain.ParseInstant(v)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s %q is not an ISO-8601 instant", ErrInvalidRange, name, v)
	}
	return t, nil
}

// MachineStats reports event and defect totals of one machine in [start, end].
func (s *Service) MachineStats(ctx context.Context, machineID, startISO, endISO string) (MachineStats, error) {
	defer s.observe("machine_stats", time.Now())

	start, err := parseBound("start", startISO)
	if err != nil {
		return MachineStats{}, err
	}
	end, err := parseBound("end", endISO)
	if err != nil {
		return MachineStats{}, err
	}

	records, err := s.store.FindByMachineAndTimeRange(ctx, machineID, start, end)
	if err != nil {
		return MachineStats{}, fmt.Errorf("query machine %s: %w", machineID, err)
	}
	res := ComputeMachineStats(records, start, end)
	res.MachineID = machineID
	res.Start = startISO
	res.End = endISO
	return res, nil
}

// TopDefectLines ranks the lines of one factory in [from, to] by defects.
func (s *Service) TopDefectLines(ctx context.Context, factoryID, fromISO, toISO string, limit int) ([]LineDefects, error) {
	defer s.observe("top_defect_lines", time.Now())

	if limit < 0 {
		return nil, ErrInvalidLimit
	}
	from, err := parseBound("from", fromISO)
	if err != nil {
		return nil, err
	}
	to, err := parseBound("to", toISO)
	if err != nil {
		return nil, err
	}

	records, err := s.store.FindByFactoryAndTimeRange(ctx, factoryID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query factory %s: %w", factoryID, err)
	}
	return RankDefectLines(records, limit), nil
}

func (s *Service) observe(query string, started time.Time) {
	s.metrics.ObserveQuery(query, time.Since(started).Seconds())
}
