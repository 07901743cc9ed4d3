package stats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"example.com/machineTelemetry/internal/domain"
	"example.com/machineTelemetry/internal/metrics"
	"example.com/machineTelemetry/internal/storage/memory"
)

func seed(t *testing.T, recs ...domain.Record) *memory.Store {
	t.Helper()
	s := memory.New()
	for _, r := range recs {
		if err := s.Save(context.Background(), r); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	return s
}

func TestMachineStatsWindowIsInclusive(t *testing.T) {
	atStart := record("E-1", "L01", 1)
	atStart.EventTime = dayStart
	atEnd := record("E-2", "L01", 1)
	atEnd.EventTime = dayStart.Add(24 * time.Hour)
	outside := record("E-3", "L01", 1)
	outside.EventTime = dayStart.Add(25 * time.Hour)
	other := record("E-4", "L01", 1)
	other.MachineID = "M-002"

	svc := NewService(seed(t, atStart, atEnd, outside, other), nil)
	got, err := svc.MachineStats(context.Background(), "M-001", "2026-01-15T00:00:00Z", "2026-01-16T00:00:00Z")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if got.EventsCount != 2 || got.DefectsCount != 2 {
		t.Fatalf("counts = %d/%d, want 2/2", got.EventsCount, got.DefectsCount)
	}
	if got.MachineID != "M-001" || got.Start != "2026-01-15T00:00:00Z" || got.End != "2026-01-16T00:00:00Z" {
		t.Fatalf("echoed request fields = %+v", got)
	}
	if got.Status != StatusHealthy {
		t.Fatalf("status = %s, want Healthy", got.Status)
	}
}

func TestMachineStatsSingleRecordDay(t *testing.T) {
	svc := NewService(seed(t, record("E-1", "L01", 1)), nil)
	got, err := svc.MachineStats(context.Background(), "M-001", "2026-01-15T00:00:00Z", "2026-01-16T00:00:00Z")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if got.EventsCount != 1 || got.DefectsCount != 1 || got.AvgDefectRate != 1.0/24 || got.Status != StatusHealthy {
		t.Fatalf("stats = %+v", got)
	}
}

func TestMachineStatsRejectsBadBounds(t *testing.T) {
	svc := NewService(memory.New(), nil)
	for _, tc := range [][2]string{
		{"yesterday", "2026-01-16T00:00:00Z"},
		{"2026-01-15T00:00:00Z", ""},
	} {
		if _, err := svc.MachineStats(context.Background(), "M-001", tc[0], tc[1]); !errors.Is(err, ErrInvalidRange) {
			t.Errorf("bounds %q..%q: err = %v, want ErrInvalidRange", tc[0], tc[1], err)
		}
	}
}

func TestTopDefectLines(t *testing.T) {
	otherFactory := record("x", "L99", 100)
	otherFactory.FactoryID = "F02"
	m := metrics.New()
	svc := NewService(seed(t,
		record("a", "L01", 6), record("b", "L01", 4),
		record("c", "L02", 5),
		otherFactory,
	), m)

	got, err := svc.TopDefectLines(context.Background(), "F01", "2026-01-15T00:00:00Z", "2026-01-16T00:00:00Z", 1)
	if err != nil {
		t.Fatalf("top lines: %v", err)
	}
	if len(got) != 1 || got[0].LineID != "L01" || got[0].TotalDefects != 10 {
		t.Fatalf("top lines = %+v, want only L01 with 10", got)
	}
	if n := testutil.CollectAndCount(m.QueryDuration, "events_query_duration_seconds"); n != 1 {
		t.Fatalf("query duration series = %d, want 1", n)
	}
}

func TestTopDefectLinesInputErrors(t *testing.T) {
	svc := NewService(memory.New(), nil)
	ctx := context.Background()
	if _, err := svc.TopDefectLines(ctx, "F01", "2026-01-15T00:00:00Z", "2026-01-16T00:00:00Z", -1); !errors.Is(err, ErrInvalidLimit) {
		t.Fatalf("err = %v, want ErrInvalidLimit", err)
	}
	if _, err := svc.TopDefectLines(ctx, "F01", "2026-01-15", "2026-01-16T00:00:00Z", 10); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("err = %v, want ErrInvalidRange", err)
	}
	got, err := svc.TopDefectLines(ctx, "F01", "2026-01-15T00:00:00Z", "2026-01-16T00:00:00Z", 10)
	if err != nil || len(got) != 0 {
		t.Fatalf("empty factory = %v, %v", got, err)
	}
}
