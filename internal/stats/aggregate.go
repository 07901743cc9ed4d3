// Package stats computes read-only aggregates over stored events.
package stats

import (
	"cmp"
	"math"
	"slices"
	"time"

	"example.com/machineTelemetry/internal/domain"
)

const (
	StatusHealthy = "Healthy"
	StatusWarning = "Warning"

	// WarningRate is the defects-per-hour rate at which a machine stops being healthy.
	WarningRate = 2.0

	DefaultTopLinesLimit = 10
)

type MachineStats struct {
	MachineID     string  `json:"machineId"`
	Start         string  `json:"start"`
	End           string  `json:"end"`
	EventsCount   int64   `json:"eventsCount"`
	DefectsCount  int64   `json:"defectsCount"`
	AvgDefectRate float64 `json:"avgDefectRate"`
	Status        string  `json:"status"`
}

type LineDefects struct {
	LineID         string  `json:"lineId"`
	EventCount     int64   `json:"eventCount"`
	TotalDefects   int64   `json:"totalDefects"`
	DefectsPercent float64 `json:"defectsPercent"`
}

// countedDefects is the contribution of one record to defect sums;
// negative counts mean "unknown" and add nothing.
func countedDefects(r domain.Record) int64 {
	if r.DefectCount < 0 {
		return 0
	}
	return int64(r.DefectCount)
}

// ComputeMachineStats aggregates the records of one machine over [start, end].
// Only the counts and the rate are filled in.
func ComputeMachineStats(records []domain.Record, start, end time.Time) MachineStats {
	var s MachineStats
	s.EventsCount = int64(len(records))
	for _, r := range records {
		s.DefectsCount += countedDefects(r)
	}
	if hours := end.Sub(start).Hours(); hours > 0 {
		s.AvgDefectRate = float64(s.DefectsCount) / hours
	}
	s.Status = StatusHealthy
	if s.AvgDefectRate >= WarningRate {
		s.Status = StatusWarning
	}
	return s
}

// RankDefectLines groups records by line and returns at most limit lines,
// most defects first, ties by line id.
func RankDefectLines(records []domain.Record, limit int) []LineDefects {
	byLine := make(map[string]*LineDefects)
	for _, r := range records {
		l, ok := byLine[r.LineID]
		if !ok {
			l = &LineDefects{LineID: r.LineID}
			byLine[r.LineID] = l
		}
		l.EventCount++
		l.TotalDefects += countedDefects(r)
	}

	out := make([]LineDefects, 0, len(byLine))
	for _, l := range byLine {
		if l.EventCount > 0 {
			l.DefectsPercent = roundHalfUp(float64(l.TotalDefects)*100/float64(l.EventCount), 2)
		}
		out = append(out, *l)
	}
	slices.SortFunc(out, func(a, b LineDefects) int {
		if c := cmp.Compare(b.TotalDefects, a.TotalDefects); c != 0 {
			return c
		}
		return cmp.Compare(a.LineID, b.LineID)
	})
	if limit < len(out) {
		out = out[:max(limit, 0)]
	}
	return out
}

func roundHalfUp(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	// the explicit conversion keeps v*p from being fused into an FMA
	return math.Floor(float64(v*p)+0.5) / p
}
