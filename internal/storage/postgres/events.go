package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"example.com/machineTelemetry/internal/domain"
	"example.com/machineTelemetry/internal/storage"
)

// EventStore implements storage.Store on the events table.
type EventStore struct {
	db *DB
}

func NewEventStore(db *DB) *EventStore { return &EventStore{db: db} }

const selectCols = `event_id, event_time, received_time, machine_id, factory_id, line_id,
  duration_ms, defect_count, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (domain.Record, error) {
	var r domain.Record
	err := row.Scan(&r.EventID, &r.EventTime, &r.ReceivedTime, &r.MachineID, &r.FactoryID, &r.LineID,
		&r.DurationMs, &r.DefectCount, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return r, err
	}
	r.EventTime = r.EventTime.UTC()
	r.ReceivedTime = r.ReceivedTime.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

func recordArgs(r domain.Record) []any {
	return []any{r.EventID, r.EventTime, r.ReceivedTime, r.MachineID, r.FactoryID, r.LineID,
		r.DurationMs, r.DefectCount, r.CreatedAt, r.UpdatedAt}
}

func (s *EventStore) FindByID(ctx context.Context, eventID string) (domain.Record, error) {
	row := s.db.Pool.QueryRow(ctx, "SELECT "+selectCols+" FROM events WHERE event_id=$1", eventID)
	r, err := scanRecord(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Record{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.Record{}, fmt.Errorf("find event %s: %w", eventID, err)
	}
	return r, nil
}

const insertSQL = `INSERT INTO events (` + selectCols + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`

// Save upserts the record; created_at is kept from the first insert.
func (s *EventStore) Save(ctx context.Context, rec domain.Record) error {
	sql := insertSQL + `
ON CONFLICT (event_id) DO UPDATE SET
  event_time=EXCLUDED.event_time,
  received_time=EXCLUDED.received_time,
  machine_id=EXCLUDED.machine_id,
  factory_id=EXCLUDED.factory_id,
  line_id=EXCLUDED.line_id,
  duration_ms=EXCLUDED.duration_ms,
  defect_count=EXCLUDED.defect_count,
  updated_at=EXCLUDED.updated_at`
	if _, err := s.db.Pool.Exec(ctx, sql, recordArgs(rec)...); err != nil {
		return fmt.Errorf("save event %s: %w", rec.EventID, err)
	}
	return nil
}

// SaveIf writes rec only if the row still matches prev (see storage.ConditionalSaver).
func (s *EventStore) SaveIf(ctx context.Context, rec domain.Record, prev *domain.Record) (bool, error) {
	if prev == nil {
		ct, err := s.db.Pool.Exec(ctx, insertSQL+" ON CONFLICT (event_id) DO NOTHING", recordArgs(rec)...)
		if err != nil {
			return false, fmt.Errorf("insert event %s: %w", rec.EventID, err)
		}
		return ct.RowsAffected() == 1, nil
	}

	sql := `UPDATE events SET
  event_time=$2, received_time=$3, machine_id=$4, factory_id=$5, line_id=$6,
  duration_ms=$7, defect_count=$8, updated_at=$9
WHERE event_id=$1 AND received_time=$10 AND updated_at=$11`
	ct, err := s.db.Pool.Exec(ctx, sql,
		rec.EventID, rec.EventTime, rec.ReceivedTime, rec.MachineID, rec.FactoryID, rec.LineID,
		rec.DurationMs, rec.DefectCount, rec.UpdatedAt,
		prev.ReceivedTime, prev.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("update event %s: %w", rec.EventID, err)
	}
	return ct.RowsAffected() == 1, nil
}

func (s *EventStore) FindByMachineAndTimeRange(ctx context.Context, machineID string, start, end time.Time) ([]domain.Record, error) {
	return s.queryRange(ctx, "machine_id", machineID, start, end)
}

func (s *EventStore) FindByFactoryAndTimeRange(ctx context.Context, factoryID string, start, end time.Time) ([]domain.Record, error) {
	return s.queryRange(ctx, "factory_id", factoryID, start, end)
}

func (s *EventStore) Ping(ctx context.Context) error { return s.db.Ping(ctx) }

// column is one of the two fixed key columns, never caller input.
func (s *EventStore) queryRange(ctx context.Context, column, key string, start, end time.Time) ([]domain.Record, error) {
	sql := fmt.Sprintf(`SELECT %s FROM events
WHERE %s=$1 AND event_time >= $2 AND event_time <= $3
ORDER BY event_time ASC, event_id ASC`, selectCols, column)

	rows, err := s.db.Pool.Query(ctx, sql, key, start, end)
	if err != nil {
		return nil, fmt.Errorf("query %s range: %w", column, err)
	}
	defer rows.Close()

	var out []domain.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
