// Package tiered serves tournament lists from the cheapest tier that has
// them: memory, then the persistent store, then the mirror database, then
// the origin API. A hit in a slower tier is copied into every faster tier.
//
// Memory back-fill happens before the result is returned so the next
// identical request is a memory hit. Storage back-fill runs on a worker
// pool and its failures are only logged and counted.
package tiered

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ecologicaleaving/startapp-sub002/cachekey"
	"github.com/ecologicaleaving/startapp-sub002/errors"
	"github.com/ecologicaleaving/startapp-sub002/metric"
	"github.com/ecologicaleaving/startapp-sub002/model"
	"github.com/ecologicaleaving/startapp-sub002/pkg/cache"
	"github.com/ecologicaleaving/startapp-sub002/pkg/timestamp"
	"github.com/ecologicaleaving/startapp-sub002/pkg/worker"
	"github.com/ecologicaleaving/startapp-sub002/storage"
)

// Mirror is the remote mirror database.
type Mirror interface {
	QueryTournaments(ctx context.Context, preds []model.Predicate) ([]model.Tournament, error)
}

// Origin is the authoritative API. It receives the caller's filters unchanged.
type Origin interface {
	GetTournamentListWithDetails(ctx context.Context, f *model.FilterOptions) ([]model.Tournament, error)
}

// Lookup results recorded per tier.
const (
	resultHit   = "hit"
	resultMiss  = "miss"
	resultStale = "stale"
	resultError = "error"
)

// Config tunes the orchestrator.
type Config struct {
	Namespace       string        `json:"namespace" yaml:"namespace"`
	Memory          cache.Config  `json:"memory" yaml:"memory"`
	StorageTTL      time.Duration `json:"storage_ttl" yaml:"storage_ttl"`
	Coalesce        bool          `json:"coalesce" yaml:"coalesce"`
	BackfillWorkers int           `json:"backfill_workers" yaml:"backfill_workers"`
	BackfillQueue   int           `json:"backfill_queue" yaml:"backfill_queue"`
	BackfillTimeout time.Duration `json:"backfill_timeout" yaml:"backfill_timeout"`
}

// DefaultConfig returns memory TTL 5m, storage TTL 1h and coalescing on.
func DefaultConfig() Config {
	return Config{
		Namespace:       "tournaments",
		Memory:          cache.DefaultConfig(),
		StorageTTL:      time.Hour,
		Coalesce:        true,
		BackfillWorkers: 2,
		BackfillQueue:   128,
		BackfillTimeout: 5 * time.Second,
	}
}

// Result is a tournament list and the tier that supplied it.
type Result struct {
	Data      []model.Tournament `json:"data"`
	Source    model.Source       `json:"source"`
	FetchedAt time.Time          `json:"fetchedAt"`
	Key       string             `json:"key"`
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithStore enables the persistent tier.
func WithStore(s storage.Store) Option {
	return func(o *Orchestrator) {
		o.store = s
	}
}

// WithMirror enables the mirror tier.
func WithMirror(m Mirror) Option {
	return func(o *Orchestrator) {
		o.mirror = m
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics records tier lookups and back-fill errors.
func WithMetrics(m *metric.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithMetricsRegistry exports memory cache and back-fill pool metrics.
func WithMetricsRegistry(r *metric.MetricsRegistry) Option {
	return func(o *Orchestrator) {
		o.registry = r
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

type backfillOp int

const (
	opPut backfillOp = iota
	opDelete
)

type backfillJob struct {
	op        backfillOp
	key       string
	gen       generation
	data      []model.Tournament
	fetchedAt time.Time
}

// generation changes whenever a key is invalidated. A back-fill carries the
// generation seen when its lookup started and is dropped if it has moved.
type generation struct {
	epoch uint64
	key   uint64
}

// sensitivity marks keys whose membership can change without the cached
// list containing the tournament that changed.
type sensitivity uint8

const (
	sensitiveToStatus sensitivity = 1 << iota
	sensitiveToDates
)

func sensitivityOf(f *model.FilterOptions) sensitivity {
	if f == nil {
		return 0
	}
	var s sensitivity
	if f.CurrentlyActive != nil && *f.CurrentlyActive {
		s |= sensitiveToStatus
	}
	if f.RecentOnly != nil && *f.RecentOnly {
		s |= sensitiveToStatus | sensitiveToDates
	}
	if f.Year != nil {
		s |= sensitiveToDates
	}
	return s
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	cfg      Config
	origin   Origin
	store    storage.Store
	mirror   Mirror
	logger   *slog.Logger
	metrics  *metric.Metrics
	registry *metric.MetricsRegistry
	now      func() time.Time

	memory cache.Cache[model.CacheEntry]
	pool   *worker.Pool[backfillJob]
	group  singleflight.Group

	mu        sync.Mutex
	written   map[string]struct{}
	epoch     uint64
	gens      map[string]uint64
	sensitive map[string]sensitivity
}

// New creates an orchestrator and starts its back-fill workers. origin is required.
func New(origin Origin, cfg Config, opts ...Option) (*Orchestrator, error) {
	if origin == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Orchestrator", "New", "origin is nil")
	}
	if cfg.Namespace == "" {
		cfg.Namespace = DefaultConfig().Namespace
	}
	if cfg.BackfillTimeout <= 0 {
		cfg.BackfillTimeout = DefaultConfig().BackfillTimeout
	}

	o := &Orchestrator{
		cfg:     cfg,
		origin:  origin,
		logger:  slog.Default(),
		now:     time.Now,
		written:   make(map[string]struct{}),
		gens:      make(map[string]uint64),
		sensitive: make(map[string]sensitivity),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.logger = o.logger.With("component", "tiered-cache", "namespace", cfg.Namespace)

	cacheOpts := []cache.Option[model.CacheEntry]{
		cache.WithClock[model.CacheEntry](o.now),
		cache.WithMetrics[model.CacheEntry](o.registry, cfg.Namespace),
	}
	memory, err := cache.New[model.CacheEntry](cfg.Memory, cacheOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "Orchestrator", "New", "create memory tier")
	}
	o.memory = memory

	if o.store != nil {
		poolOpts := []worker.Option[backfillJob]{
			worker.WithLogger[backfillJob](o.logger),
			worker.WithErrorHandler(o.onBackfillError),
		}
		if o.registry != nil {
			poolOpts = append(poolOpts, worker.WithMetricsRegistry[backfillJob](o.registry))
		}
		pool, err := worker.NewPool(cfg.Namespace+"_backfill", cfg.BackfillWorkers, cfg.BackfillQueue, o.runBackfill, poolOpts...)
		if err != nil {
			_ = memory.Close()
			return nil, errors.Wrap(err, "Orchestrator", "New", "create back-fill pool")
		}
		if err := pool.Start(context.Background()); err != nil {
			_ = memory.Close()
			return nil, errors.Wrap(err, "Orchestrator", "New", "start back-fill pool")
		}
		o.pool = pool
	}
	return o, nil
}

// Close waits up to timeout for pending back-fill writes and releases the
// memory tier.
func (o *Orchestrator) Close(timeout time.Duration) error {
	var errs []error
	if o.pool != nil {
		if err := o.pool.Stop(timeout); err != nil {
			errs = append(errs, err)
		}
	}
	if err := o.memory.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// GetTournaments returns the tournaments matching f from the cheapest tier
// that has any. Only a failure of the origin API, or an origin answer with
// no records, is an error.
func (o *Orchestrator) GetTournaments(ctx context.Context, f *model.FilterOptions) (Result, error) {
	key := cachekey.ForFilters(o.cfg.Namespace, f)
	o.track(key, f)
	if !o.cfg.Coalesce {
		res, err := o.lookup(ctx, key, f)
		return res.clone(), err
	}

	// The shared lookup outlives an impatient caller so its result still
	// back-fills the faster tiers.
	ch := o.group.DoChan(key, func() (any, error) {
		return o.lookup(context.WithoutCancel(ctx), key, f)
	})
	select {
	case r := <-ch:
		res, _ := r.Val.(Result)
		return res.clone(), r.Err
	case <-ctx.Done():
		return Result{}, errors.WrapTransient(ctx.Err(), "Orchestrator", "GetTournaments", "wait for lookup")
	}
}

func (o *Orchestrator) lookup(ctx context.Context, key string, f *model.FilterOptions) (Result, error) {
	if res, ok := o.fromMemory(key); ok {
		return res, nil
	}
	gen := o.generation(key)

	expired := false
	if o.store != nil {
		var res Result
		var ok bool
		if res, ok, expired = o.fromStorage(ctx, key); ok {
			o.fillMemory(res, gen)
			return res, nil
		}
	}

	if o.mirror != nil {
		if res, ok := o.fromMirror(ctx, key, f); ok {
			o.fillMemory(res, gen)
			o.fillStorage(res, gen)
			return res, nil
		}
	}

	start := o.now()
	data, err := o.origin.GetTournamentListWithDetails(ctx, f)
	if (err != nil || len(data) == 0) && expired {
		// nothing will overwrite the expired entry
		o.removeStorage(key)
	}
	if err != nil {
		o.metrics.RecordTierLookup(string(model.SourceAPI), resultError, o.now().Sub(start))
		o.logger.Error("Origin API failed", "key", key, "error", err)
		if errors.IsInvalid(err) {
			return Result{}, errors.Wrap(err, "Orchestrator", "GetTournaments", "fetch from origin")
		}
		return Result{}, errors.WrapTransient(err, "Orchestrator", "GetTournaments", "fetch from origin")
	}
	if len(data) == 0 {
		o.metrics.RecordTierLookup(string(model.SourceAPI), resultMiss, o.now().Sub(start))
		return Result{}, errors.WrapInvalid(errors.ErrDataUnavailable, "Orchestrator", "GetTournaments", key)
	}
	o.metrics.RecordTierLookup(string(model.SourceAPI), resultHit, o.now().Sub(start))

	res := Result{Data: data, Source: model.SourceAPI, FetchedAt: o.now(), Key: key}
	o.fillMemory(res, gen)
	o.fillStorage(res, gen)
	return res, nil
}

func (o *Orchestrator) fromMemory(key string) (Result, bool) {
	start := o.now()
	entry, ok := o.memory.Get(key)
	if !ok {
		o.metrics.RecordTierLookup(string(model.SourceMemory), resultMiss, o.now().Sub(start))
		return Result{}, false
	}
	o.metrics.RecordTierLookup(string(model.SourceMemory), resultHit, o.now().Sub(start))
	return Result{Data: entry.Payload, Source: model.SourceMemory, FetchedAt: entry.FetchedAt, Key: key}, true
}

// fromStorage reports expired when the stored entry is stale or unreadable.
// Its removal is left to the caller so a delete never races the back-fill
// that replaces it.
func (o *Orchestrator) fromStorage(ctx context.Context, key string) (res Result, ok, expired bool) {
	tier := string(model.SourceStorage)
	start := o.now()

	raw, err := o.store.Get(ctx, key)
	if err != nil {
		if errors.Is(err, errors.ErrKeyNotFound) {
			o.metrics.RecordTierLookup(tier, resultMiss, o.now().Sub(start))
		} else {
			o.metrics.RecordTierLookup(tier, resultError, o.now().Sub(start))
			o.logger.Warn("Storage tier failed, falling back", "key", key, "error", err)
		}
		return Result{}, false, false
	}

	env, err := storage.Decode[[]model.Tournament](raw)
	if err != nil {
		o.metrics.RecordTierLookup(tier, resultError, o.now().Sub(start))
		o.logger.Warn("Discarding unreadable storage entry", "key", key, "error", err)
		return Result{}, false, true
	}
	if env.Stale(o.cfg.StorageTTL, o.now()) || len(env.Data) == 0 {
		o.metrics.RecordTierLookup(tier, resultStale, o.now().Sub(start))
		return Result{}, false, true
	}

	o.metrics.RecordTierLookup(tier, resultHit, o.now().Sub(start))
	res = Result{Data: env.Data, Source: model.SourceStorage, FetchedAt: timestamp.FromUnixMs(env.Timestamp), Key: key}
	return res, true, false
}

func (o *Orchestrator) fromMirror(ctx context.Context, key string, f *model.FilterOptions) (Result, bool) {
	tier := string(model.SourceDatabase)
	start := o.now()

	rows, err := o.mirror.QueryTournaments(ctx, TranslateFilters(f, o.now()))
	if err != nil {
		o.metrics.RecordTierLookup(tier, resultError, o.now().Sub(start))
		o.logger.Warn("Mirror tier failed, falling back", "key", key, "error", err)
		return Result{}, false
	}
	if len(rows) == 0 {
		o.metrics.RecordTierLookup(tier, resultMiss, o.now().Sub(start))
		return Result{}, false
	}
	o.metrics.RecordTierLookup(tier, resultHit, o.now().Sub(start))
	return Result{Data: rows, Source: model.SourceDatabase, FetchedAt: o.now(), Key: key}, true
}

// fillMemory holds mu so an invalidation either sees the entry and removes
// it or moves the generation first.
func (o *Orchestrator) fillMemory(res Result, gen generation) {
	entry := model.CacheEntry{Key: res.Key, Payload: slices.Clone(res.Data), Tier: res.Source, FetchedAt: res.FetchedAt}
	o.mu.Lock()
	if o.generationLocked(res.Key) != gen {
		o.mu.Unlock()
		o.logger.Debug("Skipping memory back-fill of invalidated key", "key", res.Key)
		return
	}
	_, err := o.memory.Set(res.Key, entry)
	o.mu.Unlock()
	if err != nil {
		o.metrics.RecordBackfillError(string(model.SourceMemory))
		o.logger.Warn("Memory back-fill failed", "key", res.Key, "error", err)
	}
}

func (o *Orchestrator) fillStorage(res Result, gen generation) {
	if o.pool == nil {
		return
	}
	o.submit(backfillJob{op: opPut, key: res.Key, gen: gen, data: slices.Clone(res.Data), fetchedAt: res.FetchedAt})
}

func (o *Orchestrator) removeStorage(key string) {
	if o.pool == nil {
		return
	}
	o.submit(backfillJob{op: opDelete, key: key})
}

func (o *Orchestrator) submit(job backfillJob) {
	if err := o.pool.Submit(job); err != nil {
		o.onBackfillError(job, err)
	}
}

func (o *Orchestrator) runBackfill(ctx context.Context, job backfillJob) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.BackfillTimeout)
	defer cancel()

	switch job.op {
	case opDelete:
		return o.store.Delete(ctx, job.key)
	default:
		if o.generation(job.key) != job.gen {
			o.logger.Debug("Skipping storage back-fill of invalidated key", "key", job.key)
			return nil
		}
		data, err := storage.NewEnvelope(job.data, job.fetchedAt).Encode()
		if err != nil {
			return err
		}
		if err := o.store.Put(ctx, job.key, data); err != nil {
			return err
		}

		o.mu.Lock()
		current := o.generationLocked(job.key) == job.gen
		if current {
			o.written[job.key] = struct{}{}
		}
		o.mu.Unlock()
		if !current {
			// invalidated while the put was in flight
			return o.store.Delete(ctx, job.key)
		}
		return nil
	}
}

func (o *Orchestrator) track(key string, f *model.FilterOptions) {
	s := sensitivityOf(f)
	if s == 0 {
		return
	}
	o.mu.Lock()
	o.sensitive[key] = s
	o.mu.Unlock()
}

func (o *Orchestrator) generation(key string) generation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.generationLocked(key)
}

func (o *Orchestrator) generationLocked(key string) generation {
	return generation{epoch: o.epoch, key: o.gens[key]}
}

// bump moves the generation of keys so pending back-fills for them are dropped.
func (o *Orchestrator) bump(keys ...string) {
	o.mu.Lock()
	for _, k := range keys {
		o.gens[k]++
	}
	o.mu.Unlock()
}

func (o *Orchestrator) bumpAll() {
	o.mu.Lock()
	o.epoch++
	clear(o.gens)
	o.mu.Unlock()
}

func (o *Orchestrator) onBackfillError(job backfillJob, err error) {
	o.metrics.RecordBackfillError(string(model.SourceStorage))
	o.logger.Warn("Storage back-fill failed", "key", job.key, "error", err)
}

// Stats describes the memory tier and the back-fill queue.
type Stats struct {
	Memory   cache.StatsSummary `json:"memory"`
	Backfill *worker.PoolStats  `json:"backfill,omitempty"`
}

// Stats returns current statistics.
func (o *Orchestrator) Stats() Stats {
	s := Stats{Memory: o.memory.Stats().Summary()}
	if o.pool != nil {
		ps := o.pool.Stats()
		s.Backfill = &ps
	}
	return s
}

func (r Result) clone() Result {
	r.Data = slices.Clone(r.Data)
	return r
}
