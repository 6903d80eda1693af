package cnp

import (
	"context"
	"sync"

	"nanolab/pkg/datasetapi"
)

// Supplier produces the raw sweep of one experiment. datasetapi.Sweep is
// itself a Supplier returning its own value.
type Supplier interface {
	Produce(ctx context.Context) (datasetapi.Sweep, error)
}

// SupplierFunc adapts a function to Supplier.
type SupplierFunc func(ctx context.Context) (datasetapi.Sweep, error)

// Produce calls f.
func (f SupplierFunc) Produce(ctx context.Context) (datasetapi.Sweep, error) { return f(ctx) }

// Memoize wraps s so the underlying load runs at most once; later calls
// return the first outcome.
func Memoize(s Supplier) Supplier {
	return &memoSupplier{inner: s}
}

type memoSupplier struct {
	inner Supplier
	once  sync.Once
	sweep datasetapi.Sweep
	err   error
}

func (m *memoSupplier) Produce(ctx context.Context) (datasetapi.Sweep, error) {
	m.once.Do(func() {
		m.sweep, m.err = m.inner.Produce(ctx)
	})
	return m.sweep, m.err
}
