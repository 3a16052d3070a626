// Package registry implements the asset registry: it maps datum ids to the
// resource metadata and runtime handler instances that materialize external
// data, hiding storage-backend differences behind store.AssetStore. It owns
// three bounded caches, a handler table with scoped overlays, the root
// relocation operations and their audit trail.
package registry

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/runbroker/runbroker/internal/document"
	"github.com/runbroker/runbroker/internal/errdefs"
	"github.com/runbroker/runbroker/internal/history"
	"github.com/runbroker/runbroker/internal/ids"
	"github.com/runbroker/runbroker/internal/metrics"
	"github.com/runbroker/runbroker/internal/store"
)

// Default cache bounds. The datum cache is sized for high cardinality (one
// entry per retrieved frame); resources and handler instances are few.
const (
	DefaultDatumCacheSize    = 1_000_000
	DefaultResourceCacheSize = 1_000
	DefaultHandlerCacheSize  = 1_000
)

// Cache labels used in metrics.
const (
	cacheDatum    = "datum"
	cacheResource = "resource"
	cacheHandler  = "handler"
)

// Config carries construction-time options. Zero values select defaults.
type Config struct {
	DatumCacheSize    int
	ResourceCacheSize int
	HandlerCacheSize  int
	// RootMap substitutes a resource's recorded root with a currently
	// accessible prefix inside GetSpecHandler. Keys are recorded roots.
	RootMap map[string]string
	Logger  *slog.Logger
}

// handlerKey identifies a cached handler instance. The factory component is
// a type name, not a value, so re-registering the same factory type finds
// the same entries.
type handlerKey struct {
	resource string
	factory  string
}

// Registry resolves datum ids to data. All state is owned by the instance;
// nothing is package-level. Lookups are safe for concurrent use; callers
// that mutate registrations concurrently must serialize their own calls.
type Registry struct {
	mu       sync.Mutex
	handlers map[string]Factory
	overlays []*overlay
	rootMap  map[string]string
	fileOps  FileOps
	sinks    history.Fanout

	st  store.AssetStore
	log *slog.Logger

	datums    *lru.Cache[string, document.Datum]
	resources *lru.Cache[string, document.Resource]
	instances *lru.Cache[handlerKey, Handler]
}

type overlay struct {
	handlers map[string]Factory
}

// New builds a Registry over an asset store.
func New(st store.AssetStore, cfg Config) (*Registry, error) {
	if st == nil {
		return nil, fmt.Errorf("%w: registry requires an asset store", errdefs.ErrInvalidConfiguration)
	}
	dc, err := lru.New[string, document.Datum](sizeOr(cfg.DatumCacheSize, DefaultDatumCacheSize))
	if err != nil {
		return nil, fmt.Errorf("%w: datum cache: %v", errdefs.ErrInvalidConfiguration, err)
	}
	rc, err := lru.New[string, document.Resource](sizeOr(cfg.ResourceCacheSize, DefaultResourceCacheSize))
	if err != nil {
		return nil, fmt.Errorf("%w: resource cache: %v", errdefs.ErrInvalidConfiguration, err)
	}
	hc, err := lru.New[handlerKey, Handler](sizeOr(cfg.HandlerCacheSize, DefaultHandlerCacheSize))
	if err != nil {
		return nil, fmt.Errorf("%w: handler cache: %v", errdefs.ErrInvalidConfiguration, err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handlers:  make(map[string]Factory),
		rootMap:   maps.Clone(cfg.RootMap),
		st:        st,
		log:       logger,
		datums:    dc,
		resources: rc,
		instances: hc,
	}, nil
}

func sizeOr(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

// SetHistorySinks configures external audit sinks (sqlite, ClickHouse,
// OpenSearch, ...). The store's history table remains authoritative; sink
// failures are logged, never fatal. Passing no sinks clears the list.
func (r *Registry) SetHistorySinks(sinks ...history.Sink) {
	r.mu.Lock()
	r.sinks = append(history.Fanout(nil), sinks...)
	r.mu.Unlock()
}

// SetFileOps installs the filesystem capability required by CopyFiles and
// MoveFiles. A registry without one is read-only with respect to disk.
func (r *Registry) SetFileOps(ops FileOps) {
	r.mu.Lock()
	r.fileOps = ops
	r.mu.Unlock()
}

// SetRootMap replaces the root-substitution table.
func (r *Registry) SetRootMap(m map[string]string) {
	r.mu.Lock()
	r.rootMap = maps.Clone(m)
	r.mu.Unlock()
}

// RegisterHandler binds a factory to a spec. Re-registering the same
// factory type is idempotent; binding a different type to a bound spec
// requires overwrite and evicts every handler instance built from the
// displaced type.
func (r *Registry) RegisterHandler(spec string, f Factory, overwrite bool) error {
	if f == nil {
		return fmt.Errorf("%w: nil handler factory for spec %q", errdefs.ErrInvalidConfiguration, spec)
	}
	name := factoryName(f)
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.handlers[spec]; ok {
		exName := factoryName(existing)
		if exName == name {
			r.handlers[spec] = f
			return nil
		}
		if !overwrite {
			return &errdefs.DuplicateHandlerError{Spec: spec, Existing: exName, Proposed: name}
		}
		r.evictByFactoryLocked(exName)
	}
	r.handlers[spec] = f
	return nil
}

// DeregisterHandler unbinds a spec and evicts every handler instance built
// from its factory type. Unknown specs are a no-op.
func (r *Registry) DeregisterHandler(spec string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.handlers[spec]
	if !ok {
		return
	}
	delete(r.handlers, spec)
	r.evictByFactoryLocked(factoryName(existing))
}

// HandlerSpecs lists the currently resolvable spec names, overlays
// included, sorted.
func (r *Registry) HandlerSpecs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := make(map[string]bool, len(r.handlers))
	for s := range r.handlers {
		set[s] = true
	}
	for _, ov := range r.overlays {
		for s := range ov.handlers {
			set[s] = true
		}
	}
	return slices.Sorted(maps.Keys(set))
}

// PushHandlers overlays temporary registrations on top of the current
// table. Lookups consult the newest overlay first. The returned pop is
// idempotent, removes exactly this overlay, and evicts handler instances
// built from the overlay's factory types; callers defer it so the overlay
// cannot outlive its scope.
func (r *Registry) PushHandlers(overrides map[string]Factory) (pop func()) {
	ov := &overlay{handlers: maps.Clone(overrides)}
	r.mu.Lock()
	r.overlays = append(r.overlays, ov)
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			for i := len(r.overlays) - 1; i >= 0; i-- {
				if r.overlays[i] == ov {
					r.overlays = append(r.overlays[:i], r.overlays[i+1:]...)
					break
				}
			}
			for _, f := range ov.handlers {
				r.evictByFactoryLocked(factoryName(f))
			}
		})
	}
}

// WithHandlers runs fn under a temporary overlay, popping it when fn
// returns or panics.
func (r *Registry) WithHandlers(overrides map[string]Factory, fn func() error) error {
	pop := r.PushHandlers(overrides)
	defer pop()
	return fn()
}

func (r *Registry) lookupFactoryLocked(spec string) (Factory, bool) {
	for i := len(r.overlays) - 1; i >= 0; i-- {
		if f, ok := r.overlays[i].handlers[spec]; ok {
			return f, true
		}
	}
	f, ok := r.handlers[spec]
	return f, ok
}

func (r *Registry) evictByFactoryLocked(factory string) {
	for _, k := range r.instances.Keys() {
		if k.factory == factory {
			r.instances.Remove(k)
		}
	}
	metrics.SetCacheEntries(cacheHandler, r.instances.Len())
}

func (r *Registry) evictByResource(uid string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, k := range r.instances.Keys() {
		if k.resource == uid {
			r.instances.Remove(k)
		}
	}
	metrics.SetCacheEntries(cacheHandler, r.instances.Len())
}

// RegisterResource records a new resource and returns the completed
// document. An empty UID is generated; a caller-supplied UID that collides
// fails with ErrDuplicateKey. PathSemantics defaults to "posix".
func (r *Registry) RegisterResource(ctx context.Context, res document.Resource) (document.Resource, error) {
	if res.Spec == "" {
		return document.Resource{}, fmt.Errorf("%w: resource requires a spec", errdefs.ErrInvalidConfiguration)
	}
	if res.UID == "" {
		res.UID = ids.NewUID()
	}
	if res.PathSemantics == "" {
		res.PathSemantics = "posix"
	}
	if res.ResourceKwargs == nil {
		res.ResourceKwargs = map[string]any{}
	}
	if err := r.st.InsertResource(ctx, res); err != nil {
		return document.Resource{}, err
	}
	r.log.Debug("registered resource", "uid", res.UID, "spec", res.Spec, "root", res.Root)
	return res, nil
}

// RegisterDatum records one datum against an existing resource. Generated
// ids follow the "{resource_uid}/{n}" convention, n continuing from the
// resource's current datum count.
func (r *Registry) RegisterDatum(ctx context.Context, resourceUID string, datumKwargs map[string]any) (document.Datum, error) {
	ds, err := r.BulkRegisterDatumList(ctx, resourceUID, []map[string]any{datumKwargs})
	if err != nil {
		return document.Datum{}, err
	}
	return ds[0], nil
}

// BulkRegisterDatumList registers one datum per kwargs row, in order.
func (r *Registry) BulkRegisterDatumList(ctx context.Context, resourceUID string, kwargsList []map[string]any) ([]document.Datum, error) {
	if _, err := r.Resource(ctx, resourceUID); err != nil {
		return nil, err
	}
	if len(kwargsList) == 0 {
		return nil, nil
	}
	next, err := r.st.CountDatums(ctx, resourceUID)
	if err != nil {
		return nil, err
	}
	ds := make([]document.Datum, len(kwargsList))
	for i, kw := range kwargsList {
		if kw == nil {
			kw = map[string]any{}
		}
		ds[i] = document.Datum{
			DatumID:     fmt.Sprintf("%s/%d", resourceUID, next+i),
			Resource:    resourceUID,
			DatumKwargs: kw,
		}
	}
	if err := r.st.InsertDatums(ctx, ds); err != nil {
		return nil, err
	}
	return ds, nil
}

// BulkRegisterDatumTable registers one datum per row of a columnar kwargs
// table. Columns must be equal length. It produces exactly the datums
// BulkRegisterDatumList would for the row-wise form of the same table.
func (r *Registry) BulkRegisterDatumTable(ctx context.Context, resourceUID string, table map[string][]any) ([]document.Datum, error) {
	n := -1
	for col, vals := range table {
		if n == -1 {
			n = len(vals)
			continue
		}
		if len(vals) != n {
			return nil, &errdefs.InvariantError{
				Op:       "bulk_register_datum_table",
				Got:      fmt.Sprintf("column %q has %d rows", col, len(vals)),
				Expected: n,
				Msg:      "columns must have equal length",
			}
		}
	}
	if n <= 0 {
		return nil, nil
	}
	rows := make([]map[string]any, n)
	for i := range rows {
		rows[i] = make(map[string]any, len(table))
	}
	for col, vals := range table {
		for i, v := range vals {
			rows[i][col] = v
		}
	}
	return r.BulkRegisterDatumList(ctx, resourceUID, rows)
}

// Resource returns the resource for uid through the bounded resource cache,
// populating it from the store on miss.
func (r *Registry) Resource(ctx context.Context, uid string) (document.Resource, error) {
	if res, ok := r.resources.Get(uid); ok {
		metrics.IncCacheHit(cacheResource)
		return res, nil
	}
	metrics.IncCacheMiss(cacheResource)
	res, err := r.st.GetResource(ctx, uid)
	if err != nil {
		return document.Resource{}, err
	}
	r.resources.Add(uid, res)
	metrics.SetCacheEntries(cacheResource, r.resources.Len())
	return res, nil
}

// Datum returns the datum for id through the bounded datum cache.
func (r *Registry) Datum(ctx context.Context, datumID string) (document.Datum, error) {
	if d, ok := r.datums.Get(datumID); ok {
		metrics.IncCacheHit(cacheDatum)
		return d, nil
	}
	metrics.IncCacheMiss(cacheDatum)
	d, err := r.st.GetDatum(ctx, datumID)
	if err != nil {
		return document.Datum{}, err
	}
	r.datums.Add(datumID, d)
	metrics.SetCacheEntries(cacheDatum, r.datums.Len())
	return d, nil
}

// Retrieve resolves a datum id to concrete data: datum, owning resource,
// handler instance, handler call with the datum's kwargs. Unknown ids fail
// with ErrDatumNotFound.
func (r *Registry) Retrieve(ctx context.Context, datumID string) (any, error) {
	started := time.Now()
	d, err := r.Datum(ctx, datumID)
	if err != nil {
		return nil, err
	}
	res, err := r.Resource(ctx, d.Resource)
	if err != nil {
		return nil, err
	}
	h, err := r.GetSpecHandler(res)
	if err != nil {
		return nil, err
	}
	data, err := h.Retrieve(d.DatumKwargs)
	if err != nil {
		return nil, fmt.Errorf("retrieving %q via spec %q: %w", datumID, res.Spec, err)
	}
	metrics.IncRetrieve(res.Spec)
	metrics.ObserveRetrieveDuration(res.Spec, time.Since(started).Seconds())
	return data, nil
}

// GetSpecHandler returns the handler instance for a resource, building and
// caching it on first use. The resource's root passes through the root map
// before construction. A spec with no registered factory is a hard failure.
func (r *Registry) GetSpecHandler(res document.Resource) (Handler, error) {
	r.mu.Lock()
	f, ok := r.lookupFactoryLocked(res.Spec)
	if !ok {
		r.mu.Unlock()
		return nil, &errdefs.SpecNotRegisteredError{Spec: res.Spec}
	}
	name := factoryName(f)
	root := res.Root
	if mapped, ok := r.rootMap[root]; ok {
		root = mapped
	}
	r.mu.Unlock()

	key := handlerKey{resource: res.UID, factory: name}
	if h, ok := r.instances.Get(key); ok {
		metrics.IncCacheHit(cacheHandler)
		return h, nil
	}
	metrics.IncCacheMiss(cacheHandler)
	h, err := f.New(root, res.ResourcePath, res.ResourceKwargs)
	if err != nil {
		return nil, fmt.Errorf("building %q handler for resource %s: %w", res.Spec, res.UID, err)
	}
	r.instances.Add(key, h)
	metrics.SetCacheEntries(cacheHandler, r.instances.Len())
	metrics.IncHandlerBuild(res.Spec)
	r.log.Debug("built handler", "spec", res.Spec, "resource", res.UID, "factory", name)
	return h, nil
}

// History returns the audit records of a resource in insertion order. The
// sequence is lazy and restartable: each range re-queries the store, so
// later appends are visible to later walks.
func (r *Registry) History(ctx context.Context, resourceUID string) iter.Seq2[document.ResourceUpdate, error] {
	return func(yield func(document.ResourceUpdate, error) bool) {
		upds, err := r.st.History(ctx, resourceUID)
		if err != nil {
			yield(document.ResourceUpdate{}, err)
			return
		}
		for _, u := range upds {
			if !yield(u, nil) {
				return
			}
		}
	}
}

// ClearProcessCache drops all three caches. Intended for tests and for
// reattaching to a store whose contents changed out of band.
func (r *Registry) ClearProcessCache() {
	r.datums.Purge()
	r.resources.Purge()
	r.instances.Purge()
	metrics.SetCacheEntries(cacheDatum, 0)
	metrics.SetCacheEntries(cacheResource, 0)
	metrics.SetCacheEntries(cacheHandler, 0)
}

// Store exposes the backing asset store for collaborators that page over
// datums directly (filler, partitioner).
func (r *Registry) Store() store.AssetStore { return r.st }

// applyRevision persists an audit record, keeps the resource cache coherent
// with the write, and fans the record out to the configured sinks.
func (r *Registry) applyRevision(ctx context.Context, upd document.ResourceUpdate) error {
	if err := r.st.ReviseResource(ctx, upd); err != nil {
		return err
	}
	r.resources.Add(upd.Resource, upd.New)
	r.mu.Lock()
	sinks := r.sinks
	r.mu.Unlock()
	if len(sinks) > 0 {
		if err := sinks.Send(ctx, history.FromUpdate(upd)); err != nil {
			r.log.Warn("history sink send failed", "resource", upd.Resource, "cmd", upd.Cmd, "error", err)
		}
	}
	r.log.Info("revised resource", "uid", upd.Resource, "cmd", upd.Cmd)
	return nil
}
