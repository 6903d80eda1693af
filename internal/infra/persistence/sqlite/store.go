// Package sqlite persists derived tables in a single SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"nanolab/internal/infra/persistence/memory"
	"nanolab/internal/persistence/core"
)

var _ core.Store = (*Store)(nil)

// Store keeps every table in memory and writes each committed change
// through to SQLite as a JSON payload.
type Store struct {
	*memory.Store
	db   *sql.DB
	path string
}

// NewStore opens (creating if needed) the database at path and loads its tables.
func NewStore(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = "nanolab.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS derived_tables (
		name TEXT PRIMARY KEY,
		payload BLOB NOT NULL,
		updated_at INTEGER NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create derived_tables: %w", err)
	}
	s := &Store{Store: memory.NewStore(), db: db, path: path}
	if err := s.load(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.OnCommit(s.persist)
	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `SELECT name, payload, updated_at FROM derived_tables`)
	if err != nil {
		return fmt.Errorf("select derived_tables: %w", err)
	}
	defer func() { _ = rows.Close() }()
	snapshot := memory.Snapshot{Tables: map[string]core.Record{}}
	for rows.Next() {
		var (
			name    string
			payload []byte
			updated int64
		)
		if err := rows.Scan(&name, &payload, &updated); err != nil {
			return fmt.Errorf("scan: %w", err)
		}
		rec := core.Record{Name: name, UpdatedAt: time.Unix(0, updated).UTC()}
		if err := json.Unmarshal(payload, &rec.Table); err != nil {
			return fmt.Errorf("decode %s: %w", name, err)
		}
		snapshot.Tables[name] = rec
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate derived_tables: %w", err)
	}
	s.ImportState(snapshot)
	return nil
}

func (s *Store) persist(ctx context.Context, changes []memory.Change) (retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	for _, c := range changes {
		switch c.Action {
		case core.ActionSave:
			data, err := json.Marshal(c.Record.Table)
			if err != nil {
				return fmt.Errorf("encode %s: %w", c.Name, err)
			}
			if _, err := tx.ExecContext(ctx, `INSERT INTO derived_tables(name,payload,updated_at) VALUES(?,?,?) ON CONFLICT(name) DO UPDATE SET payload=excluded.payload, updated_at=excluded.updated_at`,
				c.Name, data, c.Record.UpdatedAt.UnixNano()); err != nil {
				return fmt.Errorf("upsert %s: %w", c.Name, err)
			}
		case core.ActionDelete:
			if _, err := tx.ExecContext(ctx, `DELETE FROM derived_tables WHERE name=?`, c.Name); err != nil {
				return fmt.Errorf("delete %s: %w", c.Name, err)
			}
		}
	}
	return tx.Commit()
}

// Driver reports core.DriverSQLite.
func (s *Store) Driver() core.Driver { return core.DriverSQLite }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }
