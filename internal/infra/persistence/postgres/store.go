// Package postgres provides a Postgres-backed derived table store that mirrors
// the in-memory semantics and writes every committed change through.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"nanolab/internal/infra/persistence/memory"
	"nanolab/internal/persistence/core"
)

var _ core.Store = (*Store)(nil)

const (
	defaultDriver = "pgx"
	defaultDSN    = "postgres://localhost/nanolab?sslmode=disable"
)

var (
	sqlOpen = sql.Open
	openMu  sync.Mutex
)

// Store persists tables to Postgres while serving reads from memory.
type Store struct {
	*memory.Store
	db *sql.DB
}

// NewStore opens a Postgres-backed store using dsn, falling back to a local
// default. It ensures the table exists and hydrates memory from it.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = defaultDSN
	}
	openMu.Lock()
	db, err := sqlOpen(defaultDriver, dsn)
	openMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if err := ensureTable(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	snapshot, err := loadSnapshot(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	mem := memory.NewStore()
	mem.ImportState(snapshot)
	s := &Store{Store: mem, db: db}
	mem.OnCommit(s.persist)
	return s, nil
}

func ensureTable(ctx context.Context, db *sql.DB) error {
	ddl := `CREATE TABLE IF NOT EXISTS derived_tables (
		name TEXT PRIMARY KEY,
		payload JSONB NOT NULL,
		updated_at BIGINT NOT NULL
	)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure derived_tables: %w", err)
	}
	return nil
}

func loadSnapshot(ctx context.Context, db *sql.DB) (memory.Snapshot, error) {
	rows, err := db.QueryContext(ctx, `SELECT name, payload, updated_at FROM derived_tables`)
	if err != nil {
		return memory.Snapshot{}, fmt.Errorf("select derived_tables: %w", err)
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
			return memory.Snapshot{}, fmt.Errorf("scan derived_tables: %w", err)
		}
		if len(payload) == 0 {
			continue
		}
		rec := core.Record{Name: name, UpdatedAt: time.Unix(0, updated).UTC()}
		if err := json.Unmarshal(payload, &rec.Table); err != nil {
			return memory.Snapshot{}, fmt.Errorf("decode %s: %w", name, err)
		}
		snapshot.Tables[name] = rec
	}
	if err := rows.Err(); err != nil {
		return memory.Snapshot{}, fmt.Errorf("iterate derived_tables: %w", err)
	}
	return snapshot, nil
}

func (s *Store) persist(ctx context.Context, changes []memory.Change) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
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
			if _, err := tx.ExecContext(ctx, `INSERT INTO derived_tables(name,payload,updated_at) VALUES($1,$2,$3) ON CONFLICT(name) DO UPDATE SET payload=EXCLUDED.payload, updated_at=EXCLUDED.updated_at`,
				c.Name, data, c.Record.UpdatedAt.UnixNano()); err != nil {
				return fmt.Errorf("upsert %s: %w", c.Name, err)
			}
		case core.ActionDelete:
			if _, err := tx.ExecContext(ctx, `DELETE FROM derived_tables WHERE name=$1`, c.Name); err != nil {
				return fmt.Errorf("delete %s: %w", c.Name, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

// Driver reports core.DriverPostgres.
func (s *Store) Driver() core.Driver { return core.DriverPostgres }

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// OverrideSQLOpen swaps the sqlOpen function for tests and returns a restore function.
func OverrideSQLOpen(fn func(driverName, dataSourceName string) (*sql.DB, error)) func() {
	openMu.Lock()
	defer openMu.Unlock()
	prev := sqlOpen
	sqlOpen = fn
	return func() {
		openMu.Lock()
		defer openMu.Unlock()
		sqlOpen = prev
	}
}
