package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"
)

const migrationTable = "schema_migrations"

// applyMigrations executes each embedded .sql file at most once, recording
// applied names in schema_migrations.
func applyMigrations(ctx context.Context, db *sql.DB, migrationFS fs.FS) error {
	entries, err := fs.ReadDir(migrationFS, ".")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	createSQL := `CREATE TABLE IF NOT EXISTS ` + migrationTable + ` (
    name TEXT PRIMARY KEY,
    applied_at INTEGER NOT NULL
)`
	if _, err := db.ExecContext(ctx, createSQL); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	for _, file := range files {
		applied, err := isApplied(ctx, db, file)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", file, err)
		}
		if applied {
			continue
		}
		content, err := fs.ReadFile(migrationFS, file)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file, err)
		}
		upSQL := upSection(string(content))
		if strings.TrimSpace(upSQL) == "" {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", file, err)
		}
		if _, err := tx.ExecContext(ctx, upSQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", file, err)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO "+migrationTable+" (name, applied_at) VALUES (?, ?)",
			file, time.Now().UTC().UnixMilli(),
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file, err)
		}
	}
	return nil
}

// upSection returns the SQL between "-- +migrate Up" and "-- +migrate Down".
func upSection(content string) string {
	const up, down = "-- +migrate Up", "-- +migrate Down"
	upIdx := strings.Index(content, up)
	if upIdx == -1 {
		return content
	}
	rest := content[upIdx+len(up):]
	if downIdx := strings.Index(rest, down); downIdx != -1 {
		return rest[:downIdx]
	}
	return rest
}

func isApplied(ctx context.Context, db *sql.DB, name string) (bool, error) {
	var found int
	err := db.QueryRowContext(ctx, "SELECT 1 FROM "+migrationTable+" WHERE name = ?", name).Scan(&found)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
