// Package memory provides an in-memory implementation of the derived table
// store used for tests and ephemeral runs. The durable stores wrap it as
// their read cache.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"nanolab/internal/persistence/core"
	"nanolab/pkg/datasetapi"
)

var _ core.Store = (*Store)(nil)

type (
	// Record aliases core.Record.
	Record = core.Record
	// Info aliases core.Info.
	Info = core.Info
	// Change aliases core.Change captured in transactions.
	Change = core.Change
	// Transaction aliases core.Transaction.
	Transaction = core.Transaction
	// TransactionView aliases core.TransactionView.
	TransactionView = core.TransactionView
)

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Tables map[string]Record `json:"tables"`
}

type memoryState struct {
	tables map[string]Record
}

func newMemoryState() memoryState {
	return memoryState{tables: make(map[string]Record)}
}

func (s memoryState) clone() memoryState {
	out := memoryState{tables: make(map[string]Record, len(s.tables))}
	for k, v := range s.tables {
		out.tables[k] = cloneRecord(v)
	}
	return out
}

func cloneRecord(r Record) Record {
	r.Table = r.Table.Clone()
	return r
}

func (s memoryState) list(prefix string) []Info {
	out := make([]Info, 0, len(s.tables))
	for name, r := range s.tables {
		if strings.HasPrefix(name, prefix) {
			out = append(out, r.Summary())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// CommitFunc persists the changes of a transaction before they become
// visible. An error aborts the transaction.
type CommitFunc func(ctx context.Context, changes []Change) error

// Store provides an in-memory transactional table store.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	now    func() time.Time
	commit CommitFunc
}

// NewStore constructs an empty store.
func NewStore() *Store {
	return &Store{state: newMemoryState(), now: func() time.Time { return time.Now().UTC() }}
}

// ExportState returns a deep copy of the current state.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{Tables: s.state.clone().tables}
}

// ImportState replaces the current state with snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	state := newMemoryState()
	for k, v := range snapshot.Tables {
		state.tables[k] = cloneRecord(v)
	}
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// OnCommit installs fn as the write-through hook.
func (s *Store) OnCommit(fn CommitFunc) {
	s.mu.Lock()
	s.commit = fn
	s.mu.Unlock()
}

// NowFunc exposes the clock used to stamp records.
func (s *Store) NowFunc() func() time.Time { return s.now }

// SetNowFunc replaces the clock; tests use it for deterministic timestamps.
func (s *Store) SetNowFunc(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

type transaction struct {
	state   *memoryState
	now     time.Time
	changes []Change
}

func (tx *transaction) Find(name string) (Record, bool) {
	r, ok := tx.state.tables[name]
	if !ok {
		return Record{}, false
	}
	return cloneRecord(r), true
}

func (tx *transaction) List(prefix string) []Info { return tx.state.list(prefix) }

func (tx *transaction) Save(name string, t datasetapi.Table) (Record, error) {
	if err := core.ValidateName(name); err != nil {
		return Record{}, err
	}
	r := Record{Name: name, Table: t.Clone(), UpdatedAt: tx.now}
	tx.state.tables[name] = r
	tx.changes = append(tx.changes, Change{Name: name, Action: core.ActionSave, Record: cloneRecord(r)})
	return cloneRecord(r), nil
}

func (tx *transaction) Delete(name string) bool {
	r, ok := tx.state.tables[name]
	if !ok {
		return false
	}
	delete(tx.state.tables, name)
	tx.changes = append(tx.changes, Change{Name: name, Action: core.ActionDelete, Record: r})
	return true
}

type transactionView struct {
	state *memoryState
}

func (v transactionView) Find(name string) (Record, bool) {
	r, ok := v.state.tables[name]
	if !ok {
		return Record{}, false
	}
	return cloneRecord(r), true
}

func (v transactionView) List(prefix string) []Info { return v.state.list(prefix) }

// RunInTransaction applies fn to a working copy and swaps it in when fn
// succeeds. The committed changes are returned in application order.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) ([]Change, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	working := s.state.clone()
	tx := &transaction{state: &working, now: s.now()}
	if err := fn(tx); err != nil {
		return nil, err
	}
	if s.commit != nil && len(tx.changes) > 0 {
		if err := s.commit(ctx, tx.changes); err != nil {
			return nil, err
		}
	}
	s.state = working
	return tx.changes, nil
}

// View runs fn against a read-only view of the current state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(transactionView{state: &s.state})
}

// Save stores t under name, replacing any previous table.
func (s *Store) Save(ctx context.Context, name string, t datasetapi.Table) (Record, error) {
	var rec Record
	_, err := s.RunInTransaction(ctx, func(tx Transaction) error {
		var err error
		rec, err = tx.Save(name, t)
		return err
	})
	return rec, err
}

// Load returns the table stored under name.
func (s *Store) Load(ctx context.Context, name string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.state.tables[name]
	if !ok {
		return Record{}, core.NameError{Name: name, Err: core.ErrNotFound}
	}
	return cloneRecord(r), nil
}

// List summarises the tables whose names start with prefix, ordered by name.
func (s *Store) List(ctx context.Context, prefix string) ([]Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.list(prefix), nil
}

// Delete removes name and reports whether it existed.
func (s *Store) Delete(ctx context.Context, name string) (bool, error) {
	var existed bool
	_, err := s.RunInTransaction(ctx, func(tx Transaction) error {
		existed = tx.Delete(name)
		return nil
	})
	return existed, err
}

// Driver reports core.DriverMemory.
func (s *Store) Driver() core.Driver { return core.DriverMemory }

// Close is a no-op.
func (s *Store) Close() error { return nil }
