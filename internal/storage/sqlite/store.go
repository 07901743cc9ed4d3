// Package sqlite provides a SQLite-backed event store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"example.com/machineTelemetry/internal/domain"
	"example.com/machineTelemetry/internal/storage"
	"example.com/machineTelemetry/internal/storage/sqlite/migrations"
)

// Store persists event records in SQLite. Instants are stored as unix
// microseconds.
type Store struct {
	sqlDB *sql.DB
}

func toMicros(value time.Time) int64 {
	return value.UTC().UnixMicro()
}

func fromMicros(value int64) time.Time {
	return time.UnixMicro(value).UTC()
}

// Open opens a SQLite event store and applies embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := "file:" + filepath.Clean(path) +
		"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// one writer at a time; SQLite serialises writes anyway
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(context.Background(), sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) Ping(ctx context.Context) error { return s.sqlDB.PingContext(ctx) }

const selectCols = `event_id, event_time, received_time, machine_id, factory_id, line_id,
  duration_ms, defect_count, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (domain.Record, error) {
	var r domain.Record
	var eventTime, receivedTime, created, updated int64
	if err := row.Scan(&r.EventID, &eventTime, &receivedTime, &r.MachineID, &r.FactoryID, &r.LineID,
		&r.DurationMs, &r.DefectCount, &created, &updated); err != nil {
		return r, err
	}
	r.EventTime = fromMicros(eventTime)
	r.ReceivedTime = fromMicros(receivedTime)
	r.CreatedAt = fromMicros(created)
	r.UpdatedAt = fromMicros(updated)
	return r, nil
}

func recordArgs(r domain.Record) []any {
	return []any{r.EventID, toMicros(r.EventTime), toMicros(r.ReceivedTime), r.MachineID, r.FactoryID, r.LineID,
		r.DurationMs, r.DefectCount, toMicros(r.CreatedAt), toMicros(r.UpdatedAt)}
}

// FindByID returns one record by event id.
func (s *Store) FindByID(ctx context.Context, eventID string) (domain.Record, error) {
	row := s.sqlDB.QueryRowContext(ctx, "SELECT "+selectCols+" FROM events WHERE event_id = ?", eventID)
	r, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Record{}, storage.ErrNotFound
	}
	if err != nil {
		return domain.Record{}, fmt.Errorf("get event %s: %w", eventID, err)
	}
	return r, nil
}

const insertSQL = `INSERT INTO events (` + selectCols + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// Save inserts or overwrites the record; created_at is kept from the first insert.
func (s *Store) Save(ctx context.Context, rec domain.Record) error {
	_, err := s.sqlDB.ExecContext(ctx, insertSQL+`
ON CONFLICT(event_id) DO UPDATE SET
  event_time = excluded.event_time,
  received_time = excluded.received_time,
  machine_id = excluded.machine_id,
  factory_id = excluded.factory_id,
  line_id = excluded.line_id,
  duration_ms = excluded.duration_ms,
  defect_count = excluded.defect_count,
  updated_at = excluded.updated_at`, recordArgs(rec)...)
	if err != nil {
		return fmt.Errorf("save event %s: %w", rec.EventID, err)
	}
	return nil
}

// SaveIf writes rec only if the row still matches prev (see storage.ConditionalSaver).
func (s *Store) SaveIf(ctx context.Context, rec domain.Record, prev *domain.Record) (bool, error) {
	if prev == nil {
		_, err := s.sqlDB.ExecContext(ctx, insertSQL, recordArgs(rec)...)
		if isUniqueViolation(err) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("insert event %s: %w", rec.EventID, err)
		}
		return true, nil
	}

	res, err := s.sqlDB.ExecContext(ctx, `UPDATE events SET
  event_time = ?, received_time = ?, machine_id = ?, factory_id = ?, line_id = ?,
  duration_ms = ?, defect_count = ?, updated_at = ?
WHERE event_id = ? AND received_time = ? AND updated_at = ?`,
		toMicros(rec.EventTime), toMicros(rec.ReceivedTime), rec.MachineID, rec.FactoryID, rec.LineID,
		rec.DurationMs, rec.DefectCount, toMicros(rec.UpdatedAt),
		rec.EventID, toMicros(prev.ReceivedTime), toMicros(prev.UpdatedAt))
	if err != nil {
		return false, fmt.Errorf("update event %s: %w", rec.EventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update event %s: %w", rec.EventID, err)
	}
	return n == 1, nil
}

func (s *Store) FindByMachineAndTimeRange(ctx context.Context, machineID string, start, end time.Time) ([]domain.Record, error) {
	return s.queryRange(ctx, "machine_id", machineID, start, end)
}

func (s *Store) FindByFactoryAndTimeRange(ctx context.Context, factoryID string, start, end time.Time) ([]domain.Record, error) {
	return s.queryRange(ctx, "factory_id", factoryID, start, end)
}

func (s *Store) queryRange(ctx context.Context, column, key string, start, end time.Time) ([]domain.Record, error) {
	rows, err := s.sqlDB.QueryContext(ctx, "SELECT "+selectCols+" FROM events WHERE "+column+
		" = ? AND event_time >= ? AND event_time <= ? ORDER BY event_time ASC, event_id ASC",
		key, toMicros(start), toMicros(end))
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

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}
