// Package store keeps the application registry (hash to package name) and
// the persisted analysis findings in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"dynamon/internal/analysis"
	"dynamon/internal/target"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no row exists for the requested hash.
var ErrNotFound = errors.New("store: not found")

// App is one registered application.
type App struct {
	Hash      string    `json:"hash"`
	Package   string    `json:"package"`
	CreatedAt time.Time `json:"created_at"`
}

// Findings is the persisted outcome of analysing one app's captures.
type Findings struct {
	Hash         string          `json:"hash"`
	Package      string          `json:"package"`
	APIMonitor   analysis.Result `json:"api_monitor"`
	Dependencies []string        `json:"dependencies"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Store is a SQLite-backed registry.
type Store struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// NewStore opens (creating if needed) the database at path. ":memory:"
// gives a private in-memory database.
func NewStore(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, dbPath: path}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	appsTable := `
	CREATE TABLE IF NOT EXISTS apps (
		hash TEXT PRIMARY KEY,
		package TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_apps_package ON apps(package);
	`

	findingsTable := `
	CREATE TABLE IF NOT EXISTS findings (
		hash TEXT PRIMARY KEY,
		report TEXT NOT NULL,
		updated_at DATETIME NOT NULL
	);
	`

	for _, stmt := range []string{appsTable, findingsTable} {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database location.
func (s *Store) Path() string {
	return s.dbPath
}

// RegisterApp records (or updates) the package name of an app.
func (s *Store) RegisterApp(ctx context.Context, hash, pkg string) error {
	if err := (target.Target{Hash: hash, Package: pkg}).Validate(); err != nil {
		return err
	}
	if pkg == "" {
		return fmt.Errorf("%w: empty", target.ErrInvalidPackage)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO apps (hash, package, created_at) VALUES (?, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET package = excluded.package`,
		hash, pkg, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to register app: %w", err)
	}
	return nil
}

// PackageName returns the package registered for hash.
func (s *Store) PackageName(ctx context.Context, hash string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var pkg string
	err := s.db.QueryRowContext(ctx, `SELECT package FROM apps WHERE hash = ?`, hash).Scan(&pkg)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up app: %w", err)
	}
	return pkg, nil
}

// Apps lists registered apps, oldest first.
func (s *Store) Apps(ctx context.Context) ([]App, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT hash, package, created_at FROM apps ORDER BY created_at, hash`)
	if err != nil {
		return nil, fmt.Errorf("failed to list apps: %w", err)
	}
	defer rows.Close()

	var apps []App
	for rows.Next() {
		var a App
		if err := rows.Scan(&a.Hash, &a.Package, &a.CreatedAt); err != nil {
			return nil, err
		}
		apps = append(apps, a)
	}
	return apps, rows.Err()
}

// SaveFindings replaces the findings stored for f.Hash.
func (s *Store) SaveFindings(ctx context.Context, f Findings) error {
	if !target.IsMD5(f.Hash) {
		return fmt.Errorf("%w: %q", target.ErrInvalidHash, f.Hash)
	}
	if f.UpdatedAt.IsZero() {
		f.UpdatedAt = time.Now().UTC()
	}
	report, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("failed to encode findings: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO findings (hash, report, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET report = excluded.report, updated_at = excluded.updated_at`,
		f.Hash, string(report), f.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save findings: %w", err)
	}
	return nil
}

// Findings returns the stored findings for hash.
func (s *Store) Findings(ctx context.Context, hash string) (*Findings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var report string
	err := s.db.QueryRowContext(ctx, `SELECT report FROM findings WHERE hash = ?`, hash).Scan(&report)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load findings: %w", err)
	}

	var f Findings
	if err := json.Unmarshal([]byte(report), &f); err != nil {
		return nil, fmt.Errorf("failed to decode findings: %w", err)
	}
	return &f, nil
}
