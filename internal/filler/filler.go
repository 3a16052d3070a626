// Package filler resolves external-data placeholders in events. A Filler
// owns the per-descriptor fill-key tables plus the resources and datums it
// has seen so far, feeds on a run's document stream, and replaces datum ids
// in event data with the concrete payloads the asset registry's handlers
// produce. Inputs are never mutated; filling returns copies.
package filler

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/runbroker/runbroker/internal/document"
	"github.com/runbroker/runbroker/internal/errdefs"
	"github.com/runbroker/runbroker/internal/metrics"
	"github.com/runbroker/runbroker/internal/registry"
	"github.com/runbroker/runbroker/internal/store"
)

// HandlerProvider builds or returns the handler instance for a resource.
// *registry.Registry satisfies it.
type HandlerProvider interface {
	GetSpecHandler(res document.Resource) (registry.Handler, error)
}

// Source fetches resource metadata and datum pages for references the
// document stream has not surfaced yet. A Filler without one (nil) fills
// strictly from consumed documents and propagates anything missing.
type Source interface {
	GetResource(ctx context.Context, uid string) (document.Resource, error)
	// LookupResourceForDatum is the slow-path datum->resource lookup, used
	// when the "{resource}/{n}" fast path does not apply or does not land.
	LookupResourceForDatum(ctx context.Context, datumID string) (string, error)
	DatumPages(ctx context.Context, resourceUID string) iter.Seq2[document.DatumPage, error]
}

// Filler fills events from owned state. It is an ordinary object driven by
// method calls; suspension happens in the caller's iteration, not here.
type Filler struct {
	provider HandlerProvider
	source   Source

	fillKeys  map[string][]string // descriptor uid -> external field names
	resources map[string]document.Resource
	datums    map[string]document.Datum
}

// New builds a Filler. src may be nil for stream-fed filling, where every
// resource and datum must arrive through Consume before the events that
// reference them are filled.
func New(provider HandlerProvider, src Source) *Filler {
	return &Filler{
		provider:  provider,
		source:    src,
		fillKeys:  make(map[string][]string),
		resources: make(map[string]document.Resource),
		datums:    make(map[string]document.Datum),
	}
}

// Consume feeds one stream document into the filler's tables. Descriptors,
// resources, datums and datum pages update fill state; everything else
// passes through untouched.
func (f *Filler) Consume(p document.Pair) {
	switch doc := p.Doc.(type) {
	case document.Descriptor:
		f.fillKeys[doc.UID] = doc.FillKeys()
	case document.Resource:
		f.resources[doc.UID] = doc
	case document.Datum:
		f.datums[doc.DatumID] = doc
	case document.DatumPage:
		for _, d := range doc.Unpack() {
			f.datums[d.DatumID] = d
		}
	}
}

// KnowsResource reports whether the filler has seen the resource.
func (f *Filler) KnowsResource(uid string) bool {
	_, ok := f.resources[uid]
	return ok
}

// FillEvent returns a filled copy of ev. A reference to a datum the filler
// has not seen triggers one resolve-and-retry round per missing resource:
// the owning resource is fetched and all of its datum pages registered, so
// events sharing that resource fill without further round trips. The same
// datum id missing twice in a row means the reference is unresolvable and
// the error propagates.
func (f *Filler) FillEvent(ctx context.Context, ev document.Event) (document.Event, error) {
	out := ev.Clone()
	var lastMissing string
	for {
		err := f.fillEventData(&out)
		if err == nil {
			return out, nil
		}
		var ufk *errdefs.UnresolvableForeignKeyError
		if !errors.As(err, &ufk) {
			return document.Event{}, err
		}
		if f.source == nil || ufk.Key == lastMissing {
			return document.Event{}, err
		}
		lastMissing = ufk.Key
		if err := f.resolve(ctx, ufk.Key); err != nil {
			return document.Event{}, err
		}
	}
}

// FillEventPage returns a filled copy of a page, filling event by event.
func (f *Filler) FillEventPage(ctx context.Context, page document.EventPage) (document.EventPage, error) {
	events := page.Unpack()
	for i, ev := range events {
		filled, err := f.FillEvent(ctx, ev)
		if err != nil {
			return document.EventPage{}, err
		}
		events[i] = filled
	}
	out, err := document.PackEvents(events)
	if err != nil {
		return document.EventPage{}, err
	}
	out.Descriptor = page.Descriptor
	return out, nil
}

func (f *Filler) fillEventData(ev *document.Event) error {
	keys, ok := f.fillKeys[ev.Descriptor]
	if !ok {
		return fmt.Errorf("filler has not seen descriptor %q for event %q", ev.Descriptor, ev.UID)
	}
	for _, k := range keys {
		if fs, ok := ev.Filled[k]; ok && fs.Filled {
			continue
		}
		raw, ok := ev.Data[k]
		if !ok {
			return fmt.Errorf("event %q has no data for external field %q", ev.UID, k)
		}
		datumID, ok := raw.(string)
		if !ok {
			return fmt.Errorf("event %q field %q is flagged external but holds %T, not a datum id", ev.UID, k, raw)
		}
		d, ok := f.datums[datumID]
		if !ok {
			return &errdefs.UnresolvableForeignKeyError{Key: datumID, Detail: "datum not seen yet"}
		}
		res, ok := f.resources[d.Resource]
		if !ok {
			return &errdefs.UnresolvableForeignKeyError{
				Key:    datumID,
				Detail: fmt.Sprintf("resource %q not seen yet", d.Resource),
			}
		}
		h, err := f.provider.GetSpecHandler(res)
		if err != nil {
			return err
		}
		data, err := h.Retrieve(d.DatumKwargs)
		if err != nil {
			return fmt.Errorf("filling %q from datum %q: %w", k, datumID, err)
		}
		if ev.Filled == nil {
			ev.Filled = make(map[string]document.FillState, len(keys))
		}
		ev.Data[k] = data
		ev.Filled[k] = document.FilledBy(datumID)
		metrics.IncFill()
	}
	return nil
}

// resolve locates the resource owning datumID and registers it plus every
// one of its datum pages. The "{resource}/{n}" id convention is tried
// first as a fast path; a miss there falls back to the store's
// datum->resource lookup, so an id whose "/" carries no meaning still
// resolves correctly.
func (f *Filler) resolve(ctx context.Context, datumID string) error {
	metrics.IncFillRetry()

	var res document.Resource
	found := false
	if d, ok := f.datums[datumID]; ok {
		// Datum already known; only its resource is missing.
		r, err := f.source.GetResource(ctx, d.Resource)
		if err != nil {
			return err
		}
		res, found = r, true
	}
	if !found {
		if i := strings.IndexByte(datumID, '/'); i > 0 {
			if r, err := f.source.GetResource(ctx, datumID[:i]); err == nil {
				res, found = r, true
			}
		}
	}
	if !found {
		uid, err := f.source.LookupResourceForDatum(ctx, datumID)
		if err != nil {
			return err
		}
		r, err := f.source.GetResource(ctx, uid)
		if err != nil {
			return err
		}
		res = r
	}

	f.resources[res.UID] = res
	for page, err := range f.source.DatumPages(ctx, res.UID) {
		if err != nil {
			return err
		}
		for _, d := range page.Unpack() {
			f.datums[d.DatumID] = d
		}
	}
	return nil
}

// StoreSource adapts an asset store to Source, paging datums in fixed-size
// chunks.
type StoreSource struct {
	Store    store.AssetStore
	PageSize int // chunk size for datum paging; default 1000
}

func (s StoreSource) GetResource(ctx context.Context, uid string) (document.Resource, error) {
	return s.Store.GetResource(ctx, uid)
}

func (s StoreSource) LookupResourceForDatum(ctx context.Context, datumID string) (string, error) {
	return s.Store.ResourceForDatum(ctx, datumID)
}

func (s StoreSource) DatumPages(ctx context.Context, resourceUID string) iter.Seq2[document.DatumPage, error] {
	size := s.PageSize
	if size <= 0 {
		size = 1000
	}
	return func(yield func(document.DatumPage, error) bool) {
		for skip := 0; ; skip += size {
			page, err := s.Store.DatumPage(ctx, resourceUID, skip, size)
			if err != nil {
				yield(document.DatumPage{}, err)
				return
			}
			if page.Len() == 0 {
				return
			}
			if !yield(page, nil) {
				return
			}
			if page.Len() < size {
				return
			}
		}
	}
}
