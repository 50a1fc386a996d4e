package relay

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/slate/internal/canvas"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added seq index and board_meta table
const currentSchemaVersion = 1

const metaSeqKey = "seq"

// BoardStore persists board objects in SQLite so a restarted relay resumes
// with the same state and a sequence counter that never moves backwards.
// Uses WAL mode for concurrent read access.
type BoardStore struct {
	db *sql.DB
}

// OpenBoardStore creates or opens the board database at path. Pragmas and
// migrations apply automatically; the call is idempotent.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//   - Foreign key enforcement
func OpenBoardStore(path string) (*BoardStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &BoardStore{db: db}, nil
}

// Close closes the database connection.
func (s *BoardStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// UpsertObject writes the object document and its sequence, and advances
// the persisted sequence high-water mark in the same transaction.
func (s *BoardStore) UpsertObject(ctx context.Context, o canvas.Object) error {
	data, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("upsert object %s: marshal: %w", o.ID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert object %s: begin tx: %w", o.ID, err)
	}
	defer tx.Rollback() // No-op if committed

	_, err = tx.ExecContext(ctx, `
		INSERT INTO objects (id, data, seq, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			data = excluded.data,
			seq = excluded.seq,
			updated_at = excluded.updated_at
	`, o.ID, string(data), o.Seq, o.UpdatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("upsert object %s: %w", o.ID, err)
	}

	if err := writeSeqLocked(ctx, tx, o.Seq); err != nil {
		return fmt.Errorf("upsert object %s: %w", o.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("upsert object %s: commit: %w", o.ID, err)
	}
	return nil
}

// DeleteObject removes the object row and advances the persisted sequence.
// Deleting an absent row is a no-op.
func (s *BoardStore) DeleteObject(ctx context.Context, id string, seq int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete object %s: begin tx: %w", id, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM objects WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete object %s: %w", id, err)
	}
	if err := writeSeqLocked(ctx, tx, seq); err != nil {
		return fmt.Errorf("delete object %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete object %s: commit: %w", id, err)
	}
	return nil
}

// LoadAll returns every stored object and the persisted sequence high-water
// mark.
func (s *BoardStore) LoadAll(ctx context.Context) ([]canvas.Object, int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM objects ORDER BY id`)
	if err != nil {
		return nil, 0, fmt.Errorf("load objects: %w", err)
	}
	defer rows.Close()

	var out []canvas.Object
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, 0, fmt.Errorf("load objects: scan: %w", err)
		}
		var o canvas.Object
		if err := json.Unmarshal([]byte(data), &o); err != nil {
			return nil, 0, fmt.Errorf("load objects: unmarshal: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("load objects: %w", err)
	}

	seq, err := s.loadSeq(ctx)
	if err != nil {
		return nil, 0, err
	}
	return out, seq, nil
}

func (s *BoardStore) loadSeq(ctx context.Context) (int64, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM board_meta WHERE key = ?`, metaSeqKey).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load seq: %w", err)
	}
	seq, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("load seq: parse %q: %w", value, err)
	}
	return seq, nil
}

func writeSeqLocked(ctx context.Context, tx *sql.Tx, seq int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO board_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, metaSeqKey, strconv.FormatInt(seq, 10))
	if err != nil {
		return fmt.Errorf("write seq: %w", err)
	}
	return nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// applySchema creates tables if they don't exist and runs migrations.
// Idempotent.
func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return runMigrations(db)
}

// runMigrations applies incremental schema migrations based on user_version.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	if version < 1 {
		// New databases get the index and meta table from schema.sql; the
		// statements are IF NOT EXISTS so re-running is safe.
		version = 1
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}
