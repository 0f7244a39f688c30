// Package store keeps inventory observations in a relational database:
// SQLite by default, PostgreSQL when the DSN says so.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/schaermu/cloudinv/internal/inventory"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when an observation id does not exist
var ErrNotFound = errors.New("observation not found")

const timeLayout = time.RFC3339Nano

type dialect string

const (
	dialectSQLite   dialect = "sqlite"
	dialectPostgres dialect = "postgres"
)

// Store wraps the database handle
type Store struct {
	db      *sql.DB
	dialect dialect
	now     func() time.Time
}

// Observation summarizes one recorded inventory
type Observation struct {
	ID          int64
	RunID       string
	TakenAt     time.Time
	Remark      string
	Directories int
	Files       int
}

// Open connects to dsn and applies pending migrations. DSNs starting with
// postgres:// or postgresql:// use PostgreSQL; anything else is a SQLite
// file path (":memory:" included).
func Open(dsn string) (*Store, error) {
	d := dialectSQLite
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		d = dialectPostgres
	}

	if d == dialectSQLite && dsn != ":memory:" && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open(string(d), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	switch d {
	case dialectSQLite:
		// A single connection keeps ":memory:" databases alive and
		// serializes writers.
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA foreign_keys=ON"} {
			if _, err := db.Exec(pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("failed to apply %s: %w", pragma, err)
			}
		}
	case dialectPostgres:
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(2)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.Ping(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to ping database: %w", err)
		}
	}

	s := &Store{db: db, dialect: d, now: time.Now}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the database
func (s *Store) Close() error {
	return s.db.Close()
}

// rebind rewrites ? placeholders for PostgreSQL
func (s *Store) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	dir := "migrations/" + string(s.dialect)
	entries, err := migrationsFS.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read migrations: %w", err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		if err := s.db.QueryRowContext(ctx, s.rebind("SELECT COUNT(*) FROM schema_migrations WHERE version = ?"), f).Scan(&applied); err != nil {
			return fmt.Errorf("failed to check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile(dir + "/" + f)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", f, err)
		}

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("failed to begin migration %s: %w", f, err)
		}
		if _, err := tx.ExecContext(ctx, string(content)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to apply migration %s: %w", f, err)
		}
		if _, err := tx.ExecContext(ctx, s.rebind("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)"),
			f, s.now().UTC().Format(timeLayout)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %s: %w", f, err)
		}
	}
	return nil
}

// Rebuild drops every table and recreates the schema. All observations are lost.
func (s *Store) Rebuild(ctx context.Context) error {
	for _, table := range []string{"files", "directories", "observations", "schema_migrations"} {
		if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
			return fmt.Errorf("failed to drop %s: %w", table, err)
		}
	}
	return s.migrate(ctx)
}

// RecordObservation stores every entry of m as one observation and returns
// its id. An empty runID gets a fresh one.
func (s *Store) RecordObservation(ctx context.Context, runID, remark string, m inventory.Mapping) (int64, error) {
	if runID == "" {
		runID = uuid.NewString()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin observation: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var id int64
	err = tx.QueryRowContext(ctx,
		s.rebind("INSERT INTO observations (run_id, taken_at, remark) VALUES (?, ?, ?) RETURNING id"),
		runID, s.now().UTC().Format(timeLayout), remark,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert observation: %w", err)
	}

	dirStmt, err := tx.PrepareContext(ctx, s.rebind(
		"INSERT INTO directories (observation_id, path, name, pcloud_id, created, modified) VALUES (?, ?, ?, ?, ?, ?)"))
	if err != nil {
		return 0, fmt.Errorf("failed to prepare directory insert: %w", err)
	}
	defer func() {
		_ = dirStmt.Close()
	}()

	fileStmt, err := tx.PrepareContext(ctx, s.rebind(
		"INSERT INTO files (observation_id, path, directory_path, name, size, hash, pcloud_id, contenttype, created, modified) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"))
	if err != nil {
		return 0, fmt.Errorf("failed to prepare file insert: %w", err)
	}
	defer func() {
		_ = fileStmt.Close()
	}()

	for _, key := range m.Keys() {
		e, _ := m.Get(key)
		dir, name := splitKey(key)
		if e.IsFolder {
			_, err = dirStmt.ExecContext(ctx, id, key, name, e.SourceID, formatTime(e.Created), formatTime(e.Modified))
		} else {
			_, err = fileStmt.ExecContext(ctx, id, key, dir, name, e.Size, e.Hash, e.SourceID, e.ContentType,
				formatTime(e.Created), formatTime(e.Modified))
		}
		if err != nil {
			return 0, fmt.Errorf("failed to insert %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit observation: %w", err)
	}
	return id, nil
}

// ListObservations returns all observations, newest first
func (s *Store) ListObservations(ctx context.Context) ([]Observation, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT o.id, o.run_id, o.taken_at, o.remark,
		(SELECT COUNT(*) FROM directories d WHERE d.observation_id = o.id),
		(SELECT COUNT(*) FROM files f WHERE f.observation_id = o.id)
		FROM observations o ORDER BY o.id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list observations: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []Observation
	for rows.Next() {
		var o Observation
		var takenAt string
		if err := rows.Scan(&o.ID, &o.RunID, &takenAt, &o.Remark, &o.Directories, &o.Files); err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}
		o.TakenAt = parseTime(takenAt)
		out = append(out, o)
	}
	return out, rows.Err()
}

// LoadObservation rebuilds the mapping recorded under id
func (s *Store) LoadObservation(ctx context.Context, id int64) (inventory.Mapping, error) {
	var exists int
	if err := s.db.QueryRowContext(ctx, s.rebind("SELECT COUNT(*) FROM observations WHERE id = ?"), id).Scan(&exists); err != nil {
		return inventory.Mapping{}, fmt.Errorf("failed to look up observation %d: %w", id, err)
	}
	if exists == 0 {
		return inventory.Mapping{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}

	entries := make(map[string]inventory.Entry)

	dirs, err := s.db.QueryContext(ctx, s.rebind(
		"SELECT path, pcloud_id, created, modified FROM directories WHERE observation_id = ?"), id)
	if err != nil {
		return inventory.Mapping{}, fmt.Errorf("failed to load directories: %w", err)
	}
	for dirs.Next() {
		var key, sourceID, created, modified string
		if err := dirs.Scan(&key, &sourceID, &created, &modified); err != nil {
			_ = dirs.Close()
			return inventory.Mapping{}, fmt.Errorf("failed to scan directory: %w", err)
		}
		entries[key] = inventory.Entry{
			IsFolder: true,
			SourceID: sourceID,
			Created:  parseTime(created),
			Modified: parseTime(modified),
		}
	}
	if err := dirs.Err(); err != nil {
		_ = dirs.Close()
		return inventory.Mapping{}, err
	}
	if err := dirs.Close(); err != nil {
		return inventory.Mapping{}, err
	}

	files, err := s.db.QueryContext(ctx, s.rebind(
		"SELECT path, size, hash, pcloud_id, contenttype, created, modified FROM files WHERE observation_id = ?"), id)
	if err != nil {
		return inventory.Mapping{}, fmt.Errorf("failed to load files: %w", err)
	}
	defer func() {
		_ = files.Close()
	}()
	for files.Next() {
		var key, created, modified string
		var e inventory.Entry
		if err := files.Scan(&key, &e.Size, &e.Hash, &e.SourceID, &e.ContentType, &created, &modified); err != nil {
			return inventory.Mapping{}, fmt.Errorf("failed to scan file: %w", err)
		}
		e.Created = parseTime(created)
		e.Modified = parseTime(modified)
		entries[key] = e
	}
	if err := files.Err(); err != nil {
		return inventory.Mapping{}, err
	}

	return inventory.NewMapping(entries), nil
}

// splitKey separates the parent directory from the base name. Keys use
// either separator, depending on where they were taken.
func splitKey(key string) (dir, name string) {
	i := strings.LastIndexAny(key, `/\`)
	if i < 0 {
		return "", key
	}
	if i == 0 {
		return key[:1], key[1:]
	}
	return key[:i], key[i+1:]
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
