package ingest

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"nanolab/internal/blob"
)

// DefaultPattern selects raw measurement files below a sample prefix.
const DefaultPattern = "**/*.csv"

// Loader reads and parses one experiment.
type Loader interface {
	Load(ctx context.Context) (Experiment, error)
}

// LoaderFunc adapts a function to Loader.
type LoaderFunc func(ctx context.Context) (Experiment, error)

// Load calls f.
func (f LoaderFunc) Load(ctx context.Context) (Experiment, error) { return f(ctx) }

// Dataset exposes the raw files of a sample stored in a blob store as lazy,
// key addressed loaders.
type Dataset struct {
	store     blob.Store
	catalogue Catalogue
	pattern   string
	logger    *slog.Logger
}

// DatasetOption configures a Dataset.
type DatasetOption func(*Dataset)

// WithPattern overrides DefaultPattern. The pattern is matched against the
// blob key relative to the sample prefix.
func WithPattern(p string) DatasetOption {
	return func(d *Dataset) {
		if p != "" {
			d.pattern = p
		}
	}
}

// WithDatasetLogger sets the dataset logger.
func WithDatasetLogger(l *slog.Logger) DatasetOption {
	return func(d *Dataset) {
		if l != nil {
			d.logger = l
		}
	}
}

// NewDataset returns a dataset over store. The pattern is validated here so
// a bad configuration fails before any listing.
func NewDataset(store blob.Store, catalogue Catalogue, opts ...DatasetOption) (*Dataset, error) {
	d := &Dataset{store: store, catalogue: catalogue, pattern: DefaultPattern, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	if !doublestar.ValidatePattern(d.pattern) {
		return nil, fmt.Errorf("ingest: invalid file pattern %q", d.pattern)
	}
	return d, nil
}

// Partition lists the files of sample and returns one loader per data key.
// Nothing is read until a loader runs; each loader reads its blob at most once.
func (d *Dataset) Partition(ctx context.Context, sample string) (map[string]Loader, error) {
	prefix := strings.TrimSuffix(sample, "/") + "/"
	infos, err := d.store.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}
	out := make(map[string]Loader, len(infos))
	for _, info := range infos {
		rel := strings.TrimPrefix(info.Key, prefix)
		ok, err := doublestar.Match(d.pattern, rel)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		key := DataKey(info.Key)
		if _, dup := out[key]; dup {
			d.logger.Warn("data key produced by more than one file, keeping first",
				slog.String("key", key), slog.String("blob", info.Key))
			continue
		}
		out[key] = d.loader(info.Key)
	}
	d.logger.Debug("partitioned sample", slog.String("sample", sample), slog.Int("files", len(out)))
	return out, nil
}

func (d *Dataset) loader(blobKey string) Loader {
	var (
		once sync.Once
		exp  Experiment
		err  error
	)
	return LoaderFunc(func(ctx context.Context) (Experiment, error) {
		once.Do(func() {
			var raw []byte
			raw, err = blob.ReadAll(ctx, d.store, blobKey)
			if err != nil {
				return
			}
			exp, err = Parse(blobKey, bytes.NewReader(raw), d.catalogue)
		})
		return exp, err
	})
}
