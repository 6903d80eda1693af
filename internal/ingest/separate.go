package ingest

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"nanolab/internal/cnp"
	"nanolab/pkg/datasetapi"
)

// Separation is the consolidated view of one sample: a properties row per
// experiment plus the raw sweep of each experiment.
type Separation struct {
	Properties datasetapi.Table
	Sweeps     map[string]cnp.Supplier
	Failed     map[string]error
}

// Separator loads experiments and splits them into properties and sweeps.
type Separator struct {
	logger  *slog.Logger
	workers int
}

// NewSeparator returns a separator loading up to workers experiments at a time.
func NewSeparator(logger *slog.Logger, workers int) *Separator {
	if logger == nil {
		logger = slog.Default()
	}
	if workers < 1 {
		workers = 1
	}
	return &Separator{logger: logger, workers: workers}
}

// Separate loads every experiment. Experiments that fail to load are logged
// and left out; only a cancelled context fails the call. Properties rows are
// stably sorted by start time, ties kept in key order.
func (s *Separator) Separate(ctx context.Context, loaders map[string]Loader) (Separation, error) {
	keys := make([]string, 0, len(loaders))
	for k := range loaders {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	results := make([]Experiment, len(keys))
	errs := make([]error, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i, k := range keys {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i], errs[i] = loaders[k].Load(gctx)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Separation{}, err
	}
	if err := ctx.Err(); err != nil {
		return Separation{}, err
	}

	out := Separation{Sweeps: make(map[string]cnp.Supplier), Failed: make(map[string]error)}
	var rows []datasetapi.Row
	var loaded []Experiment
	for i, k := range keys {
		if errs[i] != nil {
			out.Failed[k] = errs[i]
			s.logger.Warn("experiment skipped", slog.String("key", k), slog.Any("error", errs[i]))
			continue
		}
		exp := results[i]
		loaded = append(loaded, exp)
		rows = append(rows, exp.Props)
		out.Sweeps[exp.Key] = sweepSupplier(exp)
	}
	props := datasetapi.NewTable(PropertiesSchema(loaded), rows...)
	out.Properties = props.SortStableBy(datasetapi.TimeLess(cnp.ColStartTime))
	s.logger.Info("separated sample",
		slog.Int("experiments", len(loaded)),
		slog.Int("skipped", len(out.Failed)))
	return out, nil
}

// PropertiesSchema unions the header columns of exps. The identity columns
// lead, the rest follow in first-seen order with their header units.
func PropertiesSchema(exps []Experiment) []datasetapi.Column {
	schema := []datasetapi.Column{
		{Name: cnp.ColDataKey, Type: datasetapi.TypeString},
		{Name: cnp.ColProcedureType, Type: datasetapi.TypeString},
		{Name: cnp.ColStartTime, Type: datasetapi.TypeTime},
	}
	seen := map[string]struct{}{}
	for _, c := range schema {
		seen[c.Name] = struct{}{}
	}
	for _, exp := range exps {
		names := make([]string, 0, len(exp.Props))
		for k := range exp.Props {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, name := range names {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			schema = append(schema, datasetapi.Column{
				Name: name,
				Type: cellType(exp.Props[name]),
				Unit: exp.Units[name],
			})
		}
	}
	return schema
}

func cellType(v any) string {
	switch v.(type) {
	case float64:
		return datasetapi.TypeFloat
	case int64:
		return datasetapi.TypeInt
	case bool:
		return datasetapi.TypeBool
	case time.Time:
		return datasetapi.TypeTime
	}
	return datasetapi.TypeString
}

// sweepSupplier defers the column mapping until the annotator asks for it.
func sweepSupplier(exp Experiment) cnp.Supplier {
	return cnp.Memoize(cnp.SupplierFunc(func(context.Context) (datasetapi.Sweep, error) { return exp.Sweep() }))
}

// SeparateSample partitions and separates one sample of ds.
func SeparateSample(ctx context.Context, ds *Dataset, sample string, workers int) (Separation, error) {
	loaders, err := ds.Partition(ctx, sample)
	if err != nil {
		return Separation{}, err
	}
	return NewSeparator(ds.logger, workers).Separate(ctx, loaders)
}
