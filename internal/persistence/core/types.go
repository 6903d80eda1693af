// Package core defines the contract for storing derived tables.
package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"nanolab/pkg/datasetapi"
)

// Driver identifies a table store backend.
type Driver string

const (
	DriverMemory   Driver = "memory"
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// ParseDriver validates a configured driver name. An empty name selects sqlite.
func ParseDriver(name string) (Driver, error) {
	switch d := Driver(strings.ToLower(strings.TrimSpace(name))); d {
	case "":
		return DriverSQLite, nil
	case DriverMemory, DriverSQLite, DriverPostgres:
		return d, nil
	}
	return "", fmt.Errorf("unknown store driver %q", name)
}

// Pipeline stage names used as the second half of a table name.
const (
	StageProperties  = "properties"
	StageWithCNPs    = "with_cnps"
	StageAfterStress = "after_stress"
)

// TableName joins a sample and a stage into "<sample>/<stage>".
func TableName(sample, stage string) string { return sample + "/" + stage }

// Record is one stored table.
type Record struct {
	Name      string           `json:"name"`
	Table     datasetapi.Table `json:"table"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Info summarises a record without its rows.
type Info struct {
	Name      string    `json:"name"`
	Rows      int       `json:"rows"`
	Columns   int       `json:"columns"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Summary returns the Info for r.
func (r Record) Summary() Info {
	return Info{Name: r.Name, Rows: r.Table.Len(), Columns: len(r.Table.Schema), UpdatedAt: r.UpdatedAt}
}

// Action describes a change applied in a transaction.
type Action string

const (
	ActionSave   Action = "save"
	ActionDelete Action = "delete"
)

// Change is one mutation committed by a transaction. Record is the new
// value for saves and the removed value for deletes.
type Change struct {
	Name   string
	Action Action
	Record Record
}

// TransactionView is the read side of a transaction.
type TransactionView interface {
	Find(name string) (Record, bool)
	List(prefix string) []Info
}

// Transaction mutates a store atomically.
type Transaction interface {
	TransactionView
	Save(name string, t datasetapi.Table) (Record, error)
	Delete(name string) bool
}

// Store persists derived tables by name.
type Store interface {
	RunInTransaction(ctx context.Context, fn func(tx Transaction) error) ([]Change, error)
	View(ctx context.Context, fn func(TransactionView) error) error
	Save(ctx context.Context, name string, t datasetapi.Table) (Record, error)
	Load(ctx context.Context, name string) (Record, error)
	List(ctx context.Context, prefix string) ([]Info, error)
	Delete(ctx context.Context, name string) (bool, error)
	Driver() Driver
	Close() error
}

var (
	// ErrNotFound is returned by Load for absent tables.
	ErrNotFound = errors.New("table store: not found")
	// ErrInvalidName is returned for names that are empty or not slash separated paths.
	ErrInvalidName = errors.New("table store: invalid name")
)

// NameError attaches a table name to a store error.
type NameError struct {
	Name string
	Err  error
}

func (e NameError) Error() string { return fmt.Sprintf("table %q: %v", e.Name, e.Err) }

func (e NameError) Unwrap() error { return e.Err }

// ValidateName rejects empty names, empty segments and relative segments.
func ValidateName(name string) error {
	if name == "" {
		return NameError{Name: name, Err: ErrInvalidName}
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return NameError{Name: name, Err: ErrInvalidName}
		}
	}
	return nil
}
