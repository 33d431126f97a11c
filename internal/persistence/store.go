// Package persistence provides the durable document store behind rule and
// knowledge snapshots.
//
// Records are versioned JSON documents keyed by (collection, id) in a local
// SQLite database. The version field enables forward migration: a store
// never refuses to load older records, only newer ones it cannot understand.
package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// SchemaVersion is written into every saved record.
const SchemaVersion = 1

var (
	// ErrNotFound indicates the record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrUnsupportedVersion indicates a record written by a newer schema.
	ErrUnsupportedVersion = errors.New("unsupported record version")
)

// Record is one stored document as returned by List.
type Record struct {
	ID      string          `json:"id"`
	Version int             `json:"version"`
	Payload json.RawMessage `json:"payload"`
}

// Store is a SQLite-backed collection/id document store.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewStore opens (or creates) the database at path and prepares the schema.
func NewStore(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := enablePragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling pragmas: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db, logger: logger}, nil
}

func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("executing %s: %w", pragma, err)
		}
	}
	return nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS records (
			collection TEXT NOT NULL,
			id         TEXT NOT NULL,
			version    INTEGER NOT NULL,
			payload    BLOB NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (collection, id)
		)`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save upserts a record under (collection, id).
func (s *Store) Save(ctx context.Context, collection, id string, record any) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding record %s/%s: %w", collection, id, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO records (collection, id, version, payload, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (collection, id) DO UPDATE SET
			version = excluded.version,
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		collection, id, SchemaVersion, payload, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("saving record %s/%s: %w", collection, id, err)
	}
	return nil
}

// Load decodes the record under (collection, id) into out.
func (s *Store) Load(ctx context.Context, collection, id string, out any) error {
	var version int
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT version, payload FROM records WHERE collection = ? AND id = ?`,
		collection, id).Scan(&version, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, id)
	}
	if err != nil {
		return fmt.Errorf("loading record %s/%s: %w", collection, id, err)
	}
	if version > SchemaVersion {
		return fmt.Errorf("%w: %s/%s has version %d, supported up to %d",
			ErrUnsupportedVersion, collection, id, version, SchemaVersion)
	}

	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decoding record %s/%s: %w", collection, id, err)
	}
	return nil
}

// List returns all records in a collection, ordered by id.
func (s *Store) List(ctx context.Context, collection string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, version, payload FROM records WHERE collection = ? ORDER BY id`,
		collection)
	if err != nil {
		return nil, fmt.Errorf("listing collection %s: %w", collection, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.ID, &r.Version, &r.Payload); err != nil {
			return nil, fmt.Errorf("scanning record in %s: %w", collection, err)
		}
		if r.Version > SchemaVersion {
			return nil, fmt.Errorf("%w: %s/%s has version %d, supported up to %d",
				ErrUnsupportedVersion, collection, r.ID, r.Version, SchemaVersion)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating collection %s: %w", collection, err)
	}
	return out, nil
}

// Delete removes the record under (collection, id). Deleting a missing
// record is not an error.
func (s *Store) Delete(ctx context.Context, collection, id string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return fmt.Errorf("deleting record %s/%s: %w", collection, id, err)
	}
	return nil
}

// ReplaceCollection atomically replaces a collection's contents with the
// given records. Snapshots use this so a crash mid-write never leaves a
// half-old, half-new collection.
func (s *Store) ReplaceCollection(ctx context.Context, collection string, records map[string]any) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction for %s: %w", collection, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM records WHERE collection = ?`, collection); err != nil {
		return fmt.Errorf("clearing collection %s: %w", collection, err)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for id, record := range records {
		payload, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("encoding record %s/%s: %w", collection, id, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO records (collection, id, version, payload, updated_at)
			VALUES (?, ?, ?, ?, ?)`,
			collection, id, SchemaVersion, payload, now); err != nil {
			return fmt.Errorf("inserting record %s/%s: %w", collection, id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing collection %s: %w", collection, err)
	}
	return nil
}
