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

	"github.com/planforge/planforge/pkg/cache"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// SQLiteStore persists the compilation cache index and deployment history
// in a single SQLite database.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// Config holds SQLite store configuration.
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance.
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	return &SQLiteStore{path: cfg.Path}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_txlock=immediate", s.path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	// Foreign keys are a connection-level setting.
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	s.db = db
	return nil
}

// HealthCheck verifies the database connection is usable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations from the embedded sources.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
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

// PutEntry inserts or replaces a cache entry.
func (s *SQLiteStore) PutEntry(ctx context.Context, e *cache.Entry) error {
	query := `
		INSERT INTO cache_entries (fingerprint, path, checksum, size, triple, created_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(fingerprint) DO UPDATE SET
			path = excluded.path,
			checksum = excluded.checksum,
			size = excluded.size,
			triple = excluded.triple,
			last_used_at = excluded.last_used_at
	`
	_, err := s.db.ExecContext(ctx, query,
		e.Fingerprint, e.Path, e.Checksum, e.Size, e.Triple, e.CreatedAt, e.LastUsedAt)
	if err != nil {
		return fmt.Errorf("failed to put cache entry: %w", err)
	}
	return nil
}

// GetEntry returns the cache entry for a fingerprint, or nil when absent.
func (s *SQLiteStore) GetEntry(ctx context.Context, fingerprint string) (*cache.Entry, error) {
	query := `
		SELECT fingerprint, path, checksum, size, triple, created_at, last_used_at
		FROM cache_entries
		WHERE fingerprint = ?
	`
	e := &cache.Entry{}
	err := s.db.QueryRowContext(ctx, query, fingerprint).Scan(
		&e.Fingerprint, &e.Path, &e.Checksum, &e.Size, &e.Triple, &e.CreatedAt, &e.LastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	return e, nil
}

// TouchEntry updates a cache entry's last-used time.
func (s *SQLiteStore) TouchEntry(ctx context.Context, fingerprint string, usedAt time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE cache_entries SET last_used_at = ? WHERE fingerprint = ?`, usedAt, fingerprint)
	if err != nil {
		return fmt.Errorf("failed to touch cache entry: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("cache entry %s: %w", fingerprint, ErrNotFound)
	}
	return nil
}

// DeleteEntry removes a cache entry.
func (s *SQLiteStore) DeleteEntry(ctx context.Context, fingerprint string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE fingerprint = ?`, fingerprint); err != nil {
		return fmt.Errorf("failed to delete cache entry: %w", err)
	}
	return nil
}

// ListEntries returns all cache entries ordered by last-used time, oldest
// first.
func (s *SQLiteStore) ListEntries(ctx context.Context) ([]*cache.Entry, error) {
	query := `
		SELECT fingerprint, path, checksum, size, triple, created_at, last_used_at
		FROM cache_entries
		ORDER BY last_used_at ASC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache entries: %w", err)
	}
	defer rows.Close()

	entries := []*cache.Entry{}
	for rows.Next() {
		e := &cache.Entry{}
		if err := rows.Scan(&e.Fingerprint, &e.Path, &e.Checksum, &e.Size, &e.Triple,
			&e.CreatedAt, &e.LastUsedAt); err != nil {
			return nil, fmt.Errorf("failed to scan cache entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CreateDeployment inserts a new deployment record.
func (s *SQLiteStore) CreateDeployment(ctx context.Context, d *DeploymentRecord) error {
	query := `
		INSERT INTO deployments (id, host_id, fingerprint, checksum, remote_path, previous_id,
			status, error, attempts, started_at, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		d.ID, d.HostID, d.Fingerprint, d.Checksum, d.RemotePath, d.PreviousID,
		d.Status, d.Error, d.Attempts, d.StartedAt, d.CompletedAt, d.CreatedAt, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create deployment: %w", err)
	}
	return nil
}

// UpdateDeployment updates a deployment's status, error, and attempt count.
func (s *SQLiteStore) UpdateDeployment(ctx context.Context, id string, status DeploymentStatus, errMsg *string, attempts int) error {
	var completedAt *time.Time
	switch status {
	case DeploymentActive, DeploymentFailed, DeploymentRolledBack, DeploymentCancelled:
		now := time.Now().UTC()
		completedAt = &now
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE deployments
		SET status = ?, error = ?, attempts = ?, completed_at = ?, updated_at = ?
		WHERE id = ?
	`, status, errMsg, attempts, completedAt, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to update deployment: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("deployment %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetDeployment retrieves a deployment record by id.
func (s *SQLiteStore) GetDeployment(ctx context.Context, id string) (*DeploymentRecord, error) {
	row := s.db.QueryRowContext(ctx, deploymentSelect+` WHERE id = ?`, id)
	return scanDeployment(row)
}

// ActiveDeployment returns the host's currently active deployment, or
// ErrNotFound when the host has never had one.
func (s *SQLiteStore) ActiveDeployment(ctx context.Context, hostID string) (*DeploymentRecord, error) {
	row := s.db.QueryRowContext(ctx, deploymentSelect+`
		WHERE host_id = ? AND status = ?
		ORDER BY created_at DESC
		LIMIT 1
	`, hostID, DeploymentActive)
	return scanDeployment(row)
}

// ListDeployments returns a host's deployments, newest first. An empty
// hostID lists every host.
func (s *SQLiteStore) ListDeployments(ctx context.Context, hostID string, limit int) ([]*DeploymentRecord, error) {
	query := deploymentSelect
	args := []interface{}{}
	if hostID != "" {
		query += ` WHERE host_id = ?`
		args = append(args, hostID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer rows.Close()

	records := []*DeploymentRecord{}
	for rows.Next() {
		d := &DeploymentRecord{}
		if err := rows.Scan(&d.ID, &d.HostID, &d.Fingerprint, &d.Checksum, &d.RemotePath,
			&d.PreviousID, &d.Status, &d.Error, &d.Attempts,
			&d.StartedAt, &d.CompletedAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}
		records = append(records, d)
	}
	return records, rows.Err()
}

const deploymentSelect = `
	SELECT id, host_id, fingerprint, checksum, remote_path, previous_id,
		status, error, attempts, started_at, completed_at, created_at, updated_at
	FROM deployments`

func scanDeployment(row *sql.Row) (*DeploymentRecord, error) {
	d := &DeploymentRecord{}
	err := row.Scan(&d.ID, &d.HostID, &d.Fingerprint, &d.Checksum, &d.RemotePath,
		&d.PreviousID, &d.Status, &d.Error, &d.Attempts,
		&d.StartedAt, &d.CompletedAt, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}
	return d, nil
}
