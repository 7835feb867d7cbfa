package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - catalog_scripts table
const currentSchemaVersion = 1

// MemoryDSN opens a private in-memory database.
const MemoryDSN = ":memory:"

// Store is the catalog lookup cache.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at dsn.
// Applies required pragmas and the schema automatically.
//
// This function is idempotent - safe to call multiple times on a file path.
func Open(dsn string) (*Store, error) {
	if dsn == "" {
		dsn = MemoryDSN
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// One connection: a single writer, and an in-memory database lives and
	// dies with its connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// LookupScriptURL returns the cached script URL for sceneID if it was
// fetched no earlier than now-maxAge. A maxAge of zero or less disables
// expiry.
func (s *Store) LookupScriptURL(ctx context.Context, sceneID string, maxAge time.Duration, now time.Time) (string, bool, error) {
	var (
		url       string
		fetchedAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT script_url, fetched_at FROM catalog_scripts WHERE scene_id = ?`,
		sceneID,
	).Scan(&url, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup scene %s: %w", sceneID, err)
	}

	if maxAge > 0 && now.Sub(time.UnixMilli(fetchedAt)) > maxAge {
		return "", false, nil
	}
	return url, true, nil
}

// PutScriptURL records url as the script of sceneID, fetched at at.
func (s *Store) PutScriptURL(ctx context.Context, sceneID, url string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO catalog_scripts (scene_id, script_url, fetched_at)
		VALUES (?, ?, ?)
		ON CONFLICT(scene_id) DO UPDATE SET
			script_url = excluded.script_url,
			fetched_at = excluded.fetched_at
	`, sceneID, url, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("store scene %s: %w", sceneID, err)
	}
	return nil
}

// Forget drops the cached URL for sceneID, if any.
func (s *Store) Forget(ctx context.Context, sceneID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM catalog_scripts WHERE scene_id = ?`, sceneID); err != nil {
		return fmt.Errorf("forget scene %s: %w", sceneID, err)
	}
	return nil
}

// Purge deletes entries fetched before cutoff and returns how many went.
func (s *Store) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM catalog_scripts WHERE fetched_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("purge catalog cache: %w", err)
	}
	return res.RowsAffected()
}

// Count returns the number of cached scenes.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM catalog_scripts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count catalog cache: %w", err)
	}
	return n, nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema creates tables if they don't exist and stamps the version.
// This function is idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}
	if version > currentSchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported %d", version, currentSchemaVersion)
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *Store) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
