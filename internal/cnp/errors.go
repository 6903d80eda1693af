package cnp

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientData   = errors.New("cnp: insufficient data for quadratic fit")
	ErrDegenerateFit      = errors.New("cnp: degenerate quadratic fit")
	ErrMissingPropertyRow = errors.New("cnp: experiment has no properties row")
	ErrMissingColumn      = errors.New("cnp: required column missing")
	ErrInvalidColumn      = errors.New("cnp: column holds unreadable values")
	ErrEmptyTable         = errors.New("cnp: empty properties table")
	ErrDuplicateKey       = errors.New("cnp: duplicate data_key")
)

// InsufficientDataError reports a segment too small to fit a parabola.
type InsufficientDataError struct {
	Rows     int
	Required int
}

func (e InsufficientDataError) Error() string {
	return fmt.Sprintf("cnp: segment has %d usable rows, need at least %d", e.Rows, e.Required)
}

func (e InsufficientDataError) Is(target error) bool { return target == ErrInsufficientData }

// DegenerateFitError reports a fit with no unique vertex.
type DegenerateFitError struct {
	A      float64
	Reason string
}

func (e DegenerateFitError) Error() string {
	return fmt.Sprintf("cnp: degenerate fit (a=%g): %s", e.A, e.Reason)
}

func (e DegenerateFitError) Is(target error) bool { return target == ErrDegenerateFit }

// MissingPropertyRowError reports an experiment key absent from the properties table.
type MissingPropertyRowError struct {
	Key string
}

func (e MissingPropertyRowError) Error() string {
	return fmt.Sprintf("cnp: no properties row for experiment %q", e.Key)
}

func (e MissingPropertyRowError) Is(target error) bool { return target == ErrMissingPropertyRow }

// MissingColumnError reports a table lacking a column a stage depends on.
type MissingColumnError struct {
	Stage  string
	Column string
}

func (e MissingColumnError) Error() string {
	return fmt.Sprintf("cnp: %s requires column %q", e.Stage, e.Column)
}

func (e MissingColumnError) Is(target error) bool { return target == ErrMissingColumn }

// InvalidColumnError reports a present cell a stage cannot interpret, such
// as a start time that is not a timestamp.
type InvalidColumnError struct {
	Stage    string
	Column   string
	Position int
	Value    any
}

func (e InvalidColumnError) Error() string {
	return fmt.Sprintf("cnp: %s cannot read column %q at row %d: %v", e.Stage, e.Column, e.Position, e.Value)
}

func (e InvalidColumnError) Is(target error) bool { return target == ErrInvalidColumn }

// LoadError wraps a supplier failure for one experiment.
type LoadError struct {
	Key string
	Err error
}

func (e LoadError) Error() string {
	return fmt.Sprintf("cnp: load experiment %q: %v", e.Key, e.Err)
}

func (e LoadError) Unwrap() error { return e.Err }

// FitError attaches the experiment and sweep direction to an extraction failure.
type FitError struct {
	Key       string
	Direction Direction
	Err       error
}

func (e FitError) Error() string {
	return fmt.Sprintf("cnp: %s %s fit: %v", e.Key, e.Direction, e.Err)
}

func (e FitError) Unwrap() error { return e.Err }
