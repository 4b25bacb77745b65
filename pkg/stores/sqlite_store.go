package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/vcrhonek/rebase-helper/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const memoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	// Every connection to :memory: opens its own empty database.
	if cfg.Path == memoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database and enables WAL mode and foreign keys.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_txlock=immediate",
		s.cfg.Path, s.cfg.BusyTimeout.Milliseconds())
	if s.cfg.Path != memoryPath {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// SaveRun inserts or replaces a run with its patch outcomes and failures.
func (s *SQLiteStore) SaveRun(ctx context.Context, run *engine.RunSummary) error {
	if run.ID == "" {
		return fmt.Errorf("run ID is required")
	}
	if err := run.Status.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
		INSERT INTO runs (id, package, old_version, new_version, status, started_at, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			package = excluded.package,
			old_version = excluded.old_version,
			new_version = excluded.new_version,
			status = excluded.status,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at
	`
	_, err = tx.ExecContext(ctx, query,
		run.ID,
		run.Package,
		run.OldVersion,
		run.NewVersion,
		run.Status,
		run.StartedAt.UnixNano(),
		nullTime(run.CompletedAt),
		time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}

	for _, table := range []string{"patch_outcomes", "build_failures"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table+" WHERE run_id = ?", run.ID); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	for _, p := range run.Patches {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO patch_outcomes (run_id, patch_index, path, status) VALUES (?, ?, ?, ?)`,
			run.ID, p.Index, p.Path, p.Status)
		if err != nil {
			return fmt.Errorf("failed to save patch %s: %w", p.Name(), err)
		}
	}

	for _, f := range run.Failures {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO build_failures (run_id, version, category, section) VALUES (?, ?, ?, ?)`,
			run.ID, f.Version, f.Category, f.Section)
		if err != nil {
			return fmt.Errorf("failed to save failure of %s version: %w", f.Version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*engine.RunSummary, error) {
	query := `
		SELECT id, package, old_version, new_version, status, started_at, completed_at
		FROM runs WHERE id = ?
	`
	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	if err := s.loadDetails(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// ListRuns lists runs, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, opts ListOptions) ([]*engine.RunSummary, error) {
	var (
		where []string
		args  []any
	)
	if opts.Package != "" {
		where = append(where, "package = ?")
		args = append(args, opts.Package)
	}
	if opts.Status != "" {
		where = append(where, "status = ?")
		args = append(args, opts.Status)
	}

	query := `SELECT id, package, old_version, new_version, status, started_at, completed_at FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id"

	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " LIMIT ? OFFSET ?"
	args = append(args, limit, opts.Offset)

	runs, err := s.queryRuns(ctx, query, args...)
	if err != nil {
		return nil, err
	}

	// Details are loaded after the run rows are closed so a single
	// connection is enough.
	for _, run := range runs {
		if err := s.loadDetails(ctx, run); err != nil {
			return nil, err
		}
	}
	return runs, nil
}

func (s *SQLiteStore) queryRuns(ctx context.Context, query string, args ...any) ([]*engine.RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*engine.RunSummary{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// DeleteRun removes a run; patch outcomes and failures cascade.
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM runs WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// FailureStats counts failures per category and section, most frequent
// first.
func (s *SQLiteStore) FailureStats(ctx context.Context) ([]FailureStat, error) {
	query := `
		SELECT category, section, COUNT(*) AS n
		FROM build_failures
		GROUP BY category, section
		ORDER BY n DESC, category, section
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query failure stats: %w", err)
	}
	defer rows.Close()

	stats := []FailureStat{}
	for rows.Next() {
		var st FailureStat
		if err := rows.Scan(&st.Category, &st.Section, &st.Count); err != nil {
			return nil, fmt.Errorf("failed to scan failure stat: %w", err)
		}
		stats = append(stats, st)
	}
	return stats, rows.Err()
}

func (s *SQLiteStore) loadDetails(ctx context.Context, run *engine.RunSummary) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT patch_index, path, status FROM patch_outcomes WHERE run_id = ? ORDER BY patch_index`, run.ID)
	if err != nil {
		return fmt.Errorf("failed to load patches: %w", err)
	}
	for rows.Next() {
		var p engine.Patch
		if err := rows.Scan(&p.Index, &p.Path, &p.Status); err != nil {
			_ = rows.Close()
			return fmt.Errorf("failed to scan patch: %w", err)
		}
		run.Patches = append(run.Patches, p)
	}
	if err := rows.Close(); err != nil {
		return err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT version, category, section FROM build_failures WHERE run_id = ?
		 ORDER BY CASE version WHEN 'old' THEN 0 ELSE 1 END`, run.ID)
	if err != nil {
		return fmt.Errorf("failed to load failures: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var f engine.FailureRecord
		if err := rows.Scan(&f.Version, &f.Category, &f.Section); err != nil {
			return fmt.Errorf("failed to scan failure: %w", err)
		}
		run.Failures = append(run.Failures, f)
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*engine.RunSummary, error) {
	var (
		run       engine.RunSummary
		started   int64
		completed sql.NullInt64
	)
	if err := row.Scan(&run.ID, &run.Package, &run.OldVersion, &run.NewVersion, &run.Status, &started, &completed); err != nil {
		return nil, err
	}
	run.StartedAt = time.Unix(0, started).UTC()
	if completed.Valid {
		run.CompletedAt = time.Unix(0, completed.Int64).UTC()
	}
	return &run, nil
}

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}
