package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/kkwann/midoproject2/budget/pkg/cache"
	"github.com/kkwann/midoproject2/budget/pkg/dataset"
	"github.com/kkwann/midoproject2/budget/pkg/metrics"
	"github.com/kkwann/midoproject2/budget/pkg/normalize"
	"golang.org/x/sync/errgroup"
)

// maxConcurrentWarmups limits parallel fetches during Warm.
const maxConcurrentWarmups = 2

// Fetcher is the read side of the warehouse.
type Fetcher interface {
	FetchAll(ctx context.Context, ref dataset.TableRef) (*dataset.Dataset, error)
	FetchByDateRange(ctx context.Context, ref dataset.TableRef, dateColumn string, start, end time.Time) (*dataset.Dataset, error)
}

type Config struct {
	Logger    *slog.Logger
	Registry  *dataset.Registry
	Warehouse Fetcher
	// Regions is optional.
	Regions  normalize.RegionLookup
	Clock    clockwork.Clock
	Location *time.Location
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Registry == nil {
		return errors.New("registry is required")
	}
	if cfg.Warehouse == nil {
		return errors.New("warehouse is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Location == nil {
		loc, err := time.LoadLocation("Asia/Seoul")
		if err != nil {
			return fmt.Errorf("failed to load Asia/Seoul location: %w", err)
		}
		cfg.Location = loc
	}
	return nil
}

// Loader serves normalized datasets, memoized per key with the TTL of each
// definition. Returned datasets are shared and must not be mutated.
type Loader struct {
	log   *slog.Logger
	cfg   Config
	cache *cache.Cache[*dataset.Dataset]
	ready atomic.Bool
}

func New(cfg Config) (*Loader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate config: %w", err)
	}
	return &Loader{
		log:   cfg.Logger,
		cfg:   cfg,
		cache: cache.New[*dataset.Dataset](cfg.Clock),
	}, nil
}

func (l *Loader) Registry() *dataset.Registry {
	return l.cfg.Registry
}

// Today returns the current calendar date in the configured location.
func (l *Loader) Today() time.Time {
	return dataset.Date(l.cfg.Clock.Now().In(l.cfg.Location))
}

func (l *Loader) Load(ctx context.Context, key string) (*dataset.Dataset, error) {
	def, err := l.cfg.Registry.Get(key)
	if err != nil {
		return nil, err
	}

	ttl := def.Cache.TTL
	if def.Cache.Forever {
		ttl = cache.Forever
	}
	ds, hit, err := l.cache.Get(ctx, key, ttl, func(ctx context.Context) (*dataset.Dataset, error) {
		return l.fetch(ctx, def)
	})
	switch {
	case err != nil:
		metrics.RecordDatasetLoad(key, "error")
		return nil, err
	case hit:
		metrics.RecordDatasetLoad(key, "hit")
	default:
		metrics.RecordDatasetLoad(key, "miss")
	}
	return ds, nil
}

func (l *Loader) fetch(ctx context.Context, def *dataset.Definition) (*dataset.Dataset, error) {
	start := time.Now()

	var raw *dataset.Dataset
	var err error
	switch def.Source.Mode {
	case dataset.SourceDateWindow:
		end := l.Today()
		begin := end.AddDate(0, 0, -def.Source.WindowDays)
		raw, err = l.cfg.Warehouse.FetchByDateRange(ctx, def.Ref(), def.Source.DateColumn, begin, end)
	default:
		raw, err = l.cfg.Warehouse.FetchAll(ctx, def.Ref())
	}
	if err != nil {
		l.log.Error("loader: failed to fetch dataset", "dataset", def.Key, "table", def.Ref().String(), "error", err)
		return nil, fmt.Errorf("failed to fetch %s: %w", def.Key, err)
	}

	ds, err := normalize.Apply(raw, def, normalize.Options{
		Regions: l.cfg.Regions,
		Now:     l.cfg.Clock.Now().In(l.cfg.Location),
	})
	if err != nil {
		l.log.Error("loader: failed to normalize dataset", "dataset", def.Key, "error", err)
		return nil, fmt.Errorf("failed to normalize %s: %w", def.Key, err)
	}
	ds.EnsureIDs()

	metrics.RecordDatasetFetch(def.Key, time.Since(start), ds.Len())
	l.log.Info("loader: loaded dataset", "dataset", def.Key, "rows", ds.Len(), "cache", def.Cache.String(), "duration", time.Since(start))
	return ds, nil
}

// Invalidate drops the cached copy of key so the next Load refetches.
func (l *Loader) Invalidate(key string) {
	l.cache.Invalidate(key)
	l.log.Debug("loader: invalidated dataset", "dataset", key)
}

// Warm loads every registered dataset and marks the loader ready. A
// dataset that fails to load is logged and skipped.
func (l *Loader) Warm(ctx context.Context) {
	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrentWarmups)

	var failed atomic.Int32
	for _, def := range l.cfg.Registry.All() {
		g.Go(func() error {
			if _, err := l.Load(gctx, def.Key); err != nil {
				failed.Add(1)
				l.log.Warn("loader: warm-up failed", "dataset", def.Key, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	l.ready.Store(true)
	l.log.Info("loader: warm-up complete", "datasets", len(l.cfg.Registry.All()), "failed", failed.Load(), "duration", time.Since(start))
}

func (l *Loader) Ready() bool {
	return l.ready.Load()
}
