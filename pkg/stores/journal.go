package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// JournalFile is the journal database name inside the store root.
const JournalFile = "journal.db"

// Journal records every apply attempt, including dry runs and failures,
// in a SQLite database beside the revisions.
type Journal struct {
	db   *sql.DB
	path string
}

// OpenJournal opens (creating if needed) the journal at path and runs
// its migrations.
func OpenJournal(ctx context.Context, path string) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path is required")
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	// One writer; concurrent applies serialize on the busy timeout.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping journal: %w", err)
	}

	j := &Journal{db: db, path: path}
	if err := j.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

// Close closes the database connection
func (j *Journal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

func (j *Journal) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(j.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Start records a running apply.
func (j *Journal) Start(ctx context.Context, id, script string, dryRun bool, startedAt time.Time) error {
	query := `
		INSERT INTO applies (id, script, dry_run, status, started_at)
		VALUES (?, ?, ?, ?, ?)
	`
	if _, err := j.db.ExecContext(ctx, query, id, script, dryRun, ApplyStatusRunning, startedAt.UnixMilli()); err != nil {
		return fmt.Errorf("failed to record apply: %w", err)
	}
	return nil
}

// Finish records the outcome of apply id.
func (j *Journal) Finish(ctx context.Context, id string, out ApplyOutcome, completedAt time.Time) error {
	var errText *string
	if out.Err != nil {
		s := out.Err.Error()
		errText = &s
	}

	query := `
		UPDATE applies
		SET status = ?, revision_id = ?, references_n = ?, generated_n = ?, error = ?, completed_at = ?
		WHERE id = ?
	`
	res, err := j.db.ExecContext(ctx, query,
		out.Status,
		out.RevisionID,
		out.References,
		out.Generated,
		errText,
		completedAt.UnixMilli(),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish apply: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("apply not found: %s", id)
	}
	return nil
}

// Get retrieves an apply by ID
func (j *Journal) Get(ctx context.Context, id string) (*ApplyRecord, error) {
	query := `
		SELECT id, script, dry_run, status, revision_id, references_n, generated_n, error, started_at, completed_at
		FROM applies
		WHERE id = ?
	`
	rec, err := scanApply(j.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("apply not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get apply: %w", err)
	}
	return rec, nil
}

// List returns the most recent applies, newest first.
func (j *Journal) List(ctx context.Context, limit int) ([]*ApplyRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, script, dry_run, status, revision_id, references_n, generated_n, error, started_at, completed_at
		FROM applies
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`
	rows, err := j.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list applies: %w", err)
	}
	defer rows.Close()

	var out []*ApplyRecord
	for rows.Next() {
		rec, err := scanApply(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan apply: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating applies: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanApply(row scanner) (*ApplyRecord, error) {
	var (
		rec       ApplyRecord
		revision  sql.NullInt64
		errText   sql.NullString
		started   int64
		completed sql.NullInt64
	)
	if err := row.Scan(
		&rec.ID,
		&rec.Script,
		&rec.DryRun,
		&rec.Status,
		&revision,
		&rec.References,
		&rec.Generated,
		&errText,
		&started,
		&completed,
	); err != nil {
		return nil, err
	}

	rec.StartedAt = time.UnixMilli(started)
	if revision.Valid {
		id := int(revision.Int64)
		rec.RevisionID = &id
	}
	if errText.Valid {
		rec.Error = &errText.String
	}
	if completed.Valid {
		t := time.UnixMilli(completed.Int64)
		rec.CompletedAt = &t
	}
	return &rec, nil
}
