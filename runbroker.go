// Package runbroker is a run-centric data access layer for experiment
// documents. It resolves run keys to document streams, fills external
// references through pluggable asset handlers, interlaces streams in time
// order and repartitions runs into fixed-size pages.
package runbroker

import (
	"context"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/runbroker/runbroker/internal/catalog"
	cfg "github.com/runbroker/runbroker/internal/config"
	"github.com/runbroker/runbroker/internal/document"
	"github.com/runbroker/runbroker/internal/errdefs"
	"github.com/runbroker/runbroker/internal/filler"
	"github.com/runbroker/runbroker/internal/history"
	historyfactory "github.com/runbroker/runbroker/internal/history/factory"
	"github.com/runbroker/runbroker/internal/interlace"
	"github.com/runbroker/runbroker/internal/logger"
	"github.com/runbroker/runbroker/internal/metrics"
	"github.com/runbroker/runbroker/internal/registry"
	iapi "github.com/runbroker/runbroker/internal/server"
	"github.com/runbroker/runbroker/internal/store"
	storefactory "github.com/runbroker/runbroker/internal/store/factory"
	"github.com/runbroker/runbroker/internal/store/memory"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type (
	Document       = document.Document
	Kind           = document.Kind
	Pair           = document.Pair
	RunStart       = document.RunStart
	RunStop        = document.RunStop
	Descriptor     = document.Descriptor
	DataKey        = document.DataKey
	Event          = document.Event
	EventPage      = document.EventPage
	Resource       = document.Resource
	ResourceUpdate = document.ResourceUpdate
	Datum          = document.Datum
	DatumPage      = document.DatumPage
	FillState      = document.FillState
)

const (
	KindStart      = document.KindStart
	KindStop       = document.KindStop
	KindDescriptor = document.KindDescriptor
	KindEvent      = document.KindEvent
	KindEventPage  = document.KindEventPage
	KindResource   = document.KindResource
	KindDatum      = document.KindDatum
	KindDatumPage  = document.KindDatumPage
)

// Run keys.

type (
	Key           = catalog.Key
	ScanID        = catalog.ScanID
	RelativeIndex = catalog.RelativeIndex
	UID           = catalog.UID
	PartialUID    = catalog.PartialUID
	Range         = catalog.Range
	List          = catalog.List
)

// ParseKey interprets a CLI-style run key: a non-negative integer is a scan
// id, a negative one a relative index, anything else a (partial) run uid.
func ParseKey(s string) Key { return catalog.ParseKey(s) }

// Asset registry surface.

type (
	Registry       = registry.Registry
	RegistryConfig = registry.Config
	Handler        = registry.Handler
	Factory        = registry.Factory
	FactoryFunc    = registry.FactoryFunc
	FileLister     = registry.FileLister
	FileOps        = registry.FileOps
	OSFileOps      = registry.OSFileOps
	RenameHook     = registry.RenameHook
	FilePair       = registry.FilePair
)

// NewRegistry builds an asset registry over an asset store.
func NewRegistry(st AssetStore, rc RegistryConfig) (*Registry, error) {
	return registry.New(st, rc)
}

// Stores.

type (
	AssetStore  = store.AssetStore
	RunStore    = store.RunStore
	MemoryStore = memory.Store
)

// NewMemoryStore returns the in-process backend, the only one that holds
// run documents as well as assets.
func NewMemoryStore(ignoreDuplicates bool) *MemoryStore { return memory.New(ignoreDuplicates) }

// NewAssetStore selects an asset store backend from a DSN: "mem://",
// "sqlite://<path>" (or a bare path), "postgres://...".
func NewAssetStore(dsn string, ignoreDuplicates bool) (AssetStore, error) {
	return storefactory.NewAssetFromDSN(dsn, ignoreDuplicates)
}

// History sinks.

type HistorySink = history.Sink

// NewHistorySink builds an audit sink from a DSN (sqlite, postgres,
// clickhouse, opensearch).
func NewHistorySink(dsn string) (HistorySink, error) {
	return historyfactory.NewSinkFromDSN(dsn)
}

// Catalog surface.

type (
	Catalog       = catalog.Catalog
	Run           = catalog.Run
	CatalogConfig = catalog.Config
)

// NewCatalog wires run and asset stores (and an optional registry for
// fills) into a catalog.
func NewCatalog(assets AssetStore, runs RunStore, reg *Registry, c CatalogConfig) (*Catalog, error) {
	return catalog.New(assets, runs, reg, c)
}

// Filler surface.

type Filler = filler.Filler

// NewFiller builds a filler backed by reg's handlers. With a non-nil asset
// store it resolves references the stream has not carried; with nil it
// fills strictly from consumed documents.
func NewFiller(reg *Registry, assets AssetStore) *Filler {
	var provider filler.HandlerProvider
	if reg != nil {
		provider = reg
	}
	var src filler.Source
	if assets != nil {
		src = filler.StoreSource{Store: assets}
	}
	return filler.New(provider, src)
}

// Interlace merges document streams in time order, keeping shared
// resources, datums and descriptors deduplicated. Pages order by their
// first event.
func Interlace(streams ...iter.Seq[Pair]) iter.Seq[Pair] {
	return interlace.Merge(streams...)
}

// InterlaceStrict is Interlace with event pages exploded so single events
// order exactly, at the cost of one-event pages on output.
func InterlaceStrict(streams ...iter.Seq[Pair]) iter.Seq[Pair] {
	return interlace.MergeStrict(streams...)
}

// Errors, re-exported for errors.Is / errors.As at the boundary.

var (
	ErrRunNotFound          = errdefs.ErrRunNotFound
	ErrResourceNotFound     = errdefs.ErrResourceNotFound
	ErrDatumNotFound        = errdefs.ErrDatumNotFound
	ErrEventNotFound        = errdefs.ErrEventNotFound
	ErrDuplicateKey         = errdefs.ErrDuplicateKey
	ErrAmbiguousKey         = errdefs.ErrAmbiguousKey
	ErrInvalidConfiguration = errdefs.ErrInvalidConfiguration
	ErrPartitionOutOfRange  = errdefs.ErrPartitionOutOfRange
)

type (
	UnresolvableForeignKeyError = errdefs.UnresolvableForeignKeyError
	DuplicateHandlerError       = errdefs.DuplicateHandlerError
	InvariantError              = errdefs.InvariantError
)

// Configuration.

type Config = cfg.FileConfig

// LoadConfig reads and validates a TOML config file.
func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

type LogConfig = logger.Config

// NewLogger builds a slog logger from a log config; the closer is non-nil
// when logging to a rotated file.
func NewLogger(c LogConfig) (*slog.Logger, io.Closer) { return c.New() }

// Broker bundles the objects assembled from one configuration: the asset
// store, a registry over it, the run store and the catalog across both.
type Broker struct {
	Assets   AssetStore
	Runs     *MemoryStore
	Registry *Registry
	Catalog  *Catalog
	Log      *slog.Logger

	logCloser io.Closer
}

// OpenFromConfig assembles a Broker: DSN-selected asset store with its
// schema ensured, registry with the configured caches, root map and history
// sinks, and an in-memory run store loaded from the configured run files.
// A "mem://" store DSN shares one memory store between assets and runs, so
// run-file resources keep their run linkage.
func OpenFromConfig(ctx context.Context, fc *Config) (*Broker, error) {
	log, closer := fc.Logger()
	fail := func(err error) (*Broker, error) {
		if closer != nil {
			_ = closer.Close()
		}
		return nil, err
	}

	var assets AssetStore
	runs := memory.New(fc.Store.IgnoreDuplicates)
	if d := strings.ToLower(strings.TrimSpace(fc.Store.DSN)); d == "mem://" || d == "mem" {
		assets = runs
	} else {
		var err error
		if assets, err = NewAssetStore(fc.Store.DSN, fc.Store.IgnoreDuplicates); err != nil {
			return fail(err)
		}
		if err = assets.EnsureSchema(ctx); err != nil {
			_ = assets.Close()
			return fail(err)
		}
	}

	reg, err := registry.New(assets, fc.Registry.RegistryConfig(log))
	if err != nil {
		_ = assets.Close()
		return fail(err)
	}
	sinks, err := fc.History.BuildSinks()
	if err != nil {
		_ = assets.Close()
		return fail(err)
	}
	reg.SetHistorySinks(sinks...)
	reg.SetFileOps(registry.OSFileOps{})

	if err := fc.Runs.LoadInto(ctx, runs); err != nil {
		_ = assets.Close()
		return fail(err)
	}

	cat, err := catalog.New(assets, runs, reg, catalog.Config{
		PartitionSize: fc.Partition.Size,
		Logger:        log,
	})
	if err != nil {
		_ = assets.Close()
		return fail(err)
	}
	for spec, note := range fc.Registry.Specs {
		log.Info("handler spec expects external registration", "spec", spec, "note", note)
	}
	return &Broker{
		Assets:    assets,
		Runs:      runs,
		Registry:  reg,
		Catalog:   cat,
		Log:       log,
		logCloser: closer,
	}, nil
}

// Close releases the broker's store and log file handles.
func (b *Broker) Close() error {
	err := b.Assets.Close()
	if b.logCloser != nil {
		if cerr := b.logCloser.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Get resolves a run key against the broker's catalog.
func (b *Broker) Get(ctx context.Context, key Key) (*Run, error) {
	return b.Catalog.Get(ctx, key)
}

// NewHTTPServer starts an HTTP server exposing the read-only document API
// over the given catalog.
func NewHTTPServer(addr, basePath string, cat *Catalog) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, cat)
}

// NewHTTPHandler returns the document API as a plain http.Handler for
// mounting inside an existing server or framework.
func NewHTTPHandler(basePath string, cat *Catalog) http.Handler {
	return iapi.NewRouter(cat, basePath).Handler()
}

// Metrics helpers (public facade).

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics starts an HTTP server on addr exposing /metrics using the
// default registry. It returns any immediate listen error; otherwise it
// runs the server in the caller goroutine.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}
