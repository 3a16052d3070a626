// Package catalog looks experiment runs up by key and provides ordered,
// optionally filled, access to their documents.
package catalog

import (
	"context"
	"fmt"
	"iter"
	"log/slog"

	"github.com/runbroker/runbroker/internal/document"
	"github.com/runbroker/runbroker/internal/errdefs"
	"github.com/runbroker/runbroker/internal/filler"
	"github.com/runbroker/runbroker/internal/interlace"
	"github.com/runbroker/runbroker/internal/partition"
	"github.com/runbroker/runbroker/internal/registry"
	"github.com/runbroker/runbroker/internal/store"
)

// Config tunes catalog behavior.
type Config struct {
	// PartitionSize is the events/datums per partition for partitioned
	// access; 0 means partition.DefaultSize.
	PartitionSize int
	Logger        *slog.Logger
}

// Catalog resolves run keys against a run store and opens runs for
// document access. The registry backs fill requests and may be nil for a
// raw-only catalog.
type Catalog struct {
	assets store.AssetStore
	runs   store.RunStore
	reg    *registry.Registry
	size   int
	log    *slog.Logger
}

// New returns a catalog over the given stores.
func New(assets store.AssetStore, runs store.RunStore, reg *registry.Registry, cfg Config) (*Catalog, error) {
	if assets == nil || runs == nil {
		return nil, fmt.Errorf("%w: catalog requires asset and run stores", errdefs.ErrInvalidConfiguration)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Catalog{assets: assets, runs: runs, reg: reg, size: cfg.PartitionSize, log: log}, nil
}

// Get resolves a key naming exactly one run and opens it.
func (c *Catalog) Get(ctx context.Context, key Key) (*Run, error) {
	start, err := ResolveOne(ctx, c.runs, key)
	if err != nil {
		return nil, err
	}
	return c.Open(start), nil
}

// Open wraps an already-resolved run start.
func (c *Catalog) Open(start document.RunStart) *Run {
	return &Run{cat: c, start: start}
}

// Registry exposes the asset registry backing fills; nil for raw-only
// catalogs.
func (c *Catalog) Registry() *registry.Registry { return c.reg }

// Runs lists every run start, ordered by start time ascending.
func (c *Catalog) Runs(ctx context.Context) ([]document.RunStart, error) {
	return c.runs.RunStarts(ctx)
}

// Run is one experiment run opened for document access.
type Run struct {
	cat   *Catalog
	start document.RunStart
}

// Start returns the run-start document.
func (r *Run) Start() document.RunStart { return r.start }

// Stop returns the run-stop document, or nil for a run without one.
func (r *Run) Stop(ctx context.Context) (*document.RunStop, error) {
	return r.cat.runs.GetRunStop(ctx, r.start.UID)
}

func (r *Run) Descriptors(ctx context.Context) ([]document.Descriptor, error) {
	return r.cat.runs.Descriptors(ctx, r.start.UID)
}

// Streams lists the run's stream names in first-seen order.
func (r *Run) Streams(ctx context.Context) ([]string, error) {
	descs, err := r.Descriptors(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(descs))
	var out []string
	for _, d := range descs {
		if !seen[d.Name] {
			seen[d.Name] = true
			out = append(out, d.Name)
		}
	}
	return out, nil
}

// Resources lists the resources linked to the run, in registration order.
// Resources registered out of band carry no run linkage and are discovered
// only during fills.
func (r *Run) Resources(ctx context.Context) ([]document.Resource, error) {
	return r.cat.assets.ResourcesForRun(ctx, r.start.UID)
}

func (r *Run) storeSource() partition.StoreSource {
	return partition.StoreSource{
		Assets:    r.cat.assets,
		Runs:      r.cat.runs,
		Run:       r.start.UID,
		FetchSize: r.cat.size,
	}
}

// Documents yields the run's canonical document sequence: start first,
// then the interlaced stream documents (descriptors, each shared resource
// and its datum pages exactly once and ahead of the first event page, event
// pages in time order), and the stop pair last with a nil doc when the run
// has no stop. With fill set, event data is materialized through the
// catalog's registry.
func (r *Run) Documents(ctx context.Context, fill bool) iter.Seq2[document.Pair, error] {
	return func(yield func(document.Pair, error) bool) {
		if fill && r.cat.reg == nil {
			yield(document.Pair{}, fmt.Errorf("%w: catalog has no registry for fill", errdefs.ErrInvalidConfiguration))
			return
		}
		descs, err := r.Descriptors(ctx)
		if err != nil {
			yield(document.Pair{}, err)
			return
		}
		resources, err := r.Resources(ctx)
		if err != nil {
			yield(document.Pair{}, err)
			return
		}

		if !yield(document.Pair{Name: document.KindStart, Doc: r.start}, nil) {
			return
		}

		fe := &firstErr{}
		streams := make([]iter.Seq[document.Pair], len(descs))
		for i, d := range descs {
			streams[i] = r.streamSeq(ctx, d, resources, fe)
		}

		var f *filler.Filler
		if fill {
			f = filler.New(r.cat.reg, filler.StoreSource{Store: r.cat.assets})
		}
		for pr := range interlace.Merge(streams...) {
			if f != nil {
				f.Consume(pr)
				var ferr error
				switch doc := pr.Doc.(type) {
				case document.Event:
					var filled document.Event
					if filled, ferr = f.FillEvent(ctx, doc); ferr == nil {
						pr = document.Pair{Name: document.KindEvent, Doc: filled}
					}
				case document.EventPage:
					var filled document.EventPage
					if filled, ferr = f.FillEventPage(ctx, doc); ferr == nil {
						pr = document.Pair{Name: document.KindEventPage, Doc: filled}
					}
				}
				if ferr != nil {
					yield(document.Pair{}, ferr)
					return
				}
			}
			if !yield(pr, nil) {
				return
			}
		}
		if fe.err != nil {
			yield(document.Pair{}, fe.err)
			return
		}

		stop, err := r.Stop(ctx)
		if err != nil {
			yield(document.Pair{}, err)
			return
		}
		var doc document.Document
		if stop != nil {
			doc = *stop
		}
		yield(document.Pair{Name: document.KindStop, Doc: doc}, nil)
	}
}

// streamSeq yields one stream: its descriptor, the run's resources each
// followed by their datum pages, then the stream's event pages. Resources
// repeat across streams and are deduplicated by the interlacer.
func (r *Run) streamSeq(ctx context.Context, desc document.Descriptor, resources []document.Resource, fe *firstErr) iter.Seq[document.Pair] {
	return func(yield func(document.Pair) bool) {
		if !yield(document.Pair{Name: document.KindDescriptor, Doc: desc}) {
			return
		}
		datums := filler.StoreSource{Store: r.cat.assets, PageSize: r.cat.size}
		for _, res := range resources {
			if !yield(document.Pair{Name: document.KindResource, Doc: res}) {
				return
			}
			for page, err := range datums.DatumPages(ctx, res.UID) {
				if err != nil {
					fe.set(err)
					return
				}
				if !yield(document.Pair{Name: document.KindDatumPage, Doc: page}) {
					return
				}
			}
		}
		for page, err := range r.storeSource().EventPages(ctx, desc.UID) {
			if err != nil {
				fe.set(err)
				return
			}
			if !yield(document.Pair{Name: document.KindEventPage, Doc: page}) {
				return
			}
		}
	}
}

// Partitioner returns a fresh partitioner over this run.
func (r *Run) Partitioner() *partition.Partitioner {
	var provider filler.HandlerProvider
	if r.cat.reg != nil {
		provider = r.cat.reg
	}
	return partition.New(r.storeSource(), provider, r.cat.size, r.cat.log)
}

// PartitionedDocuments walks the run's partitions in order, filling when
// requested.
func (r *Run) PartitionedDocuments(ctx context.Context, fill bool) iter.Seq2[[]document.Pair, error] {
	return r.Partitioner().Partitions(ctx, fill)
}

type firstErr struct{ err error }

func (f *firstErr) set(err error) {
	if f.err == nil {
		f.err = err
	}
}
