// Package partition carves a run's document sequence into fixed-size,
// independently fetchable partitions: a header partition (start,
// descriptors, resources), one partition per chunk of each resource's
// datum pages, one partition per chunk of the interlaced event sequence,
// and the stop pair on the final partition.
package partition

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"slices"

	"github.com/runbroker/runbroker/internal/document"
	"github.com/runbroker/runbroker/internal/errdefs"
	"github.com/runbroker/runbroker/internal/filler"
	"github.com/runbroker/runbroker/internal/interlace"
	"github.com/runbroker/runbroker/internal/metrics"
)

// DefaultSize is the number of events (or datums) per partition when the
// caller does not configure one.
const DefaultSize = 100

type entryKind int

const (
	entryHeader entryKind = iota
	entryDatums
	entryEvents
)

// entry describes one partition of the plan. Event entries address a range
// of the interlaced event sequence by event offset; datum entries address
// one chunk of one resource's datums.
type entry struct {
	kind          entryKind
	resource      document.Resource // entryDatums: the owning resource
	carryResource bool              // spliced: first chunk carries the resource document
	skip, limit   int
	withStop      bool // entryEvents: the run's stop pair follows the events
}

// Partitioner lays out one run as an ordered list of partitions. It is
// pull-based and not safe for concurrent use; callers serialize access.
type Partitioner struct {
	src     Source
	filler  *filler.Filler
	canFill bool
	log     *slog.Logger
	size    int

	built     bool
	start     document.RunStart
	stop      *document.RunStop
	descs     []document.Descriptor
	resources []document.Resource
	plan      []*entry
	planned   map[string]bool // resource uids whose datum pages are in the plan
}

// New returns a partitioner over one run. provider supplies handlers for
// fill requests and may be nil for raw-only access; size <= 0 selects
// DefaultSize.
func New(src Source, provider filler.HandlerProvider, size int, log *slog.Logger) *Partitioner {
	if size <= 0 {
		size = DefaultSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Partitioner{
		src:     src,
		filler:  filler.New(provider, nil),
		canFill: provider != nil,
		log:     log,
		size:    size,
		planned: make(map[string]bool),
	}
}

// Build computes the partition plan. It is idempotent; after Build the plan
// grows only through late-resource splicing during fills.
func (p *Partitioner) Build(ctx context.Context) error {
	if p.built {
		return nil
	}
	start, err := p.src.RunStart(ctx)
	if err != nil {
		return fmt.Errorf("partition: load run start: %w", err)
	}
	stop, err := p.src.RunStop(ctx)
	if err != nil {
		return fmt.Errorf("partition: load run stop: %w", err)
	}
	descs, err := p.src.Descriptors(ctx)
	if err != nil {
		return fmt.Errorf("partition: load descriptors: %w", err)
	}
	resources, err := p.src.Resources(ctx)
	if err != nil {
		return fmt.Errorf("partition: load resources: %w", err)
	}

	plan := []*entry{{kind: entryHeader}}
	for _, res := range resources {
		n, err := p.src.CountDatums(ctx, res.UID)
		if err != nil {
			return fmt.Errorf("partition: count datums of %s: %w", res.UID, err)
		}
		for skip := 0; skip < n; skip += p.size {
			plan = append(plan, &entry{kind: entryDatums, resource: res, skip: skip, limit: p.size})
		}
		p.planned[res.UID] = true
	}

	events := 0
	for _, d := range descs {
		n, err := p.src.CountEvents(ctx, d.UID)
		if err != nil {
			return fmt.Errorf("partition: count events of %s: %w", d.UID, err)
		}
		events += n
	}
	nparts := (events + p.size - 1) / p.size
	if nparts == 0 {
		// no events: the stop pair forms the final partition on its own
		plan = append(plan, &entry{kind: entryEvents, withStop: true})
	} else {
		for i := 0; i < nparts; i++ {
			plan = append(plan, &entry{kind: entryEvents, skip: i * p.size, limit: p.size})
		}
		plan[len(plan)-1].withStop = true
	}

	p.start, p.stop, p.descs, p.resources, p.plan = start, stop, descs, resources, plan
	p.built = true

	// seed the filler with the header documents so a fill of any index can
	// resolve descriptors without having fetched partition 0 first
	for _, pr := range p.headerPairs() {
		p.filler.Consume(pr)
	}
	return nil
}

// Count reports the number of partitions in the current plan: zero before
// Build, and growing when fills discover late resources.
func (p *Partitioner) Count() int { return len(p.plan) }

// Partition fetches partition i of the current plan, filling events when
// fill is set. A fill hitting a datum whose resource is absent from the
// plan splices that resource's datum partitions in immediately before this
// one, growing the plan; the requested partition is still the one returned,
// sitting after the spliced ones in the new layout.
func (p *Partitioner) Partition(ctx context.Context, i int, fill bool) ([]document.Pair, error) {
	if err := p.Build(ctx); err != nil {
		return nil, err
	}
	if i < 0 || i >= len(p.plan) {
		return nil, fmt.Errorf("%w: %d of %d", errdefs.ErrPartitionOutOfRange, i, len(p.plan))
	}
	return p.fetch(ctx, p.plan[i], fill)
}

// Partitions walks the plan in order. Partitions spliced in by a fill are
// yielded before the partition whose fill discovered them, so sequential
// consumers always see datum pages ahead of the events referencing them.
func (p *Partitioner) Partitions(ctx context.Context, fill bool) iter.Seq2[[]document.Pair, error] {
	return func(yield func([]document.Pair, error) bool) {
		if err := p.Build(ctx); err != nil {
			yield(nil, err)
			return
		}
		for i := 0; i < len(p.plan); i++ {
			e := p.plan[i]
			pairs, err := p.fetch(ctx, e, fill)
			if err != nil {
				yield(nil, err)
				return
			}
			j := slices.Index(p.plan, e)
			for k := i; k < j; k++ {
				spliced, err := p.fetch(ctx, p.plan[k], false)
				if err != nil {
					yield(nil, err)
					return
				}
				if !yield(spliced, nil) {
					return
				}
			}
			if !yield(pairs, nil) {
				return
			}
			i = j
		}
	}
}

func (p *Partitioner) fetch(ctx context.Context, e *entry, fill bool) ([]document.Pair, error) {
	pairs, err := p.assemble(ctx, e)
	if err != nil {
		return nil, err
	}
	for _, pr := range pairs {
		p.filler.Consume(pr)
	}
	if fill {
		if !p.canFill {
			return nil, fmt.Errorf("%w: partitioner has no handler provider for fill", errdefs.ErrInvalidConfiguration)
		}
		if pairs, err = p.fillPairs(ctx, e, pairs); err != nil {
			return nil, err
		}
	}
	metrics.IncPartitionBuilt()
	return pairs, nil
}

func (p *Partitioner) assemble(ctx context.Context, e *entry) ([]document.Pair, error) {
	switch e.kind {
	case entryHeader:
		return p.headerPairs(), nil
	case entryDatums:
		page, err := p.src.DatumPage(ctx, e.resource.UID, e.skip, e.limit)
		if err != nil {
			return nil, fmt.Errorf("partition: datum page %s[%d:%d]: %w", e.resource.UID, e.skip, e.skip+e.limit, err)
		}
		pairs := make([]document.Pair, 0, 2)
		if e.carryResource {
			pairs = append(pairs, document.Pair{Name: document.KindResource, Doc: e.resource})
		}
		return append(pairs, document.Pair{Name: document.KindDatumPage, Doc: page}), nil
	case entryEvents:
		pairs, err := p.eventChunk(ctx, e.skip, e.limit)
		if err != nil {
			return nil, err
		}
		if e.withStop {
			var doc document.Document
			if p.stop != nil {
				doc = *p.stop
			}
			pairs = append(pairs, document.Pair{Name: document.KindStop, Doc: doc})
		}
		return pairs, nil
	}
	return nil, fmt.Errorf("partition: unknown entry kind %d", e.kind)
}

func (p *Partitioner) headerPairs() []document.Pair {
	pairs := make([]document.Pair, 0, 1+len(p.descs)+len(p.resources))
	pairs = append(pairs, document.Pair{Name: document.KindStart, Doc: p.start})
	for _, d := range p.descs {
		pairs = append(pairs, document.Pair{Name: document.KindDescriptor, Doc: d})
	}
	for _, r := range p.resources {
		pairs = append(pairs, document.Pair{Name: document.KindResource, Doc: r})
	}
	return pairs
}

// eventChunk replays the interlaced event sequence and returns events
// [skip, skip+limit) as pages, one per run of consecutive same-descriptor
// events. The strict merge keeps the chunk boundaries independent of the
// store's fetch paging.
func (p *Partitioner) eventChunk(ctx context.Context, skip, limit int) ([]document.Pair, error) {
	if limit <= 0 {
		return nil, nil
	}
	fe := &firstErr{}
	streams := make([]iter.Seq[document.Pair], len(p.descs))
	for i, d := range p.descs {
		streams[i] = p.pageStream(ctx, d.UID, fe)
	}
	var events []document.Event
	pos := 0
	end := skip + limit
	for pr := range interlace.MergeStrict(streams...) {
		pg, ok := pr.Doc.(document.EventPage)
		if !ok {
			continue
		}
		for _, ev := range pg.Unpack() {
			if pos >= skip {
				events = append(events, ev)
			}
			pos++
		}
		if pos >= end {
			break
		}
	}
	if fe.err != nil {
		return nil, fmt.Errorf("partition: stream events: %w", fe.err)
	}
	return packConsecutive(events), nil
}

func (p *Partitioner) pageStream(ctx context.Context, descriptorUID string, fe *firstErr) iter.Seq[document.Pair] {
	return func(yield func(document.Pair) bool) {
		for page, err := range p.src.EventPages(ctx, descriptorUID) {
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

type firstErr struct{ err error }

func (f *firstErr) set(err error) {
	if f.err == nil {
		f.err = err
	}
}

// packConsecutive packs stretches of same-descriptor events into pages.
func packConsecutive(events []document.Event) []document.Pair {
	var out []document.Pair
	for i := 0; i < len(events); {
		j := i + 1
		for j < len(events) && events[j].Descriptor == events[i].Descriptor {
			j++
		}
		// events of one run share a descriptor, so packing cannot fail
		pg, _ := document.PackEvents(events[i:j])
		out = append(out, document.Pair{Name: document.KindEventPage, Doc: pg})
		i = j
	}
	return out
}

func (p *Partitioner) fillPairs(ctx context.Context, e *entry, pairs []document.Pair) ([]document.Pair, error) {
	out := make([]document.Pair, len(pairs))
	for i, pr := range pairs {
		switch doc := pr.Doc.(type) {
		case document.Event:
			filled, err := fillRetry(ctx, p, e, doc, p.filler.FillEvent)
			if err != nil {
				return nil, err
			}
			out[i] = document.Pair{Name: document.KindEvent, Doc: filled}
		case document.EventPage:
			filled, err := fillRetry(ctx, p, e, doc, p.filler.FillEventPage)
			if err != nil {
				return nil, err
			}
			out[i] = document.Pair{Name: document.KindEventPage, Doc: filled}
		default:
			out[i] = pr
		}
	}
	return out, nil
}

// fillRetry runs one fill, splicing in the datum pages of late-discovered
// resources and retrying. A datum id still missing after its resource was
// spliced propagates the error that named it, rather than looping.
func fillRetry[T any](ctx context.Context, p *Partitioner, e *entry, doc T, fill func(context.Context, T) (T, error)) (T, error) {
	var zero T
	lastKey := ""
	for {
		filled, err := fill(ctx, doc)
		if err == nil {
			return filled, nil
		}
		var ufk *errdefs.UnresolvableForeignKeyError
		if !errors.As(err, &ufk) {
			return zero, err
		}
		if ufk.Key == lastKey {
			return zero, err
		}
		lastKey = ufk.Key
		if serr := p.splice(ctx, e, ufk.Key); serr != nil {
			return zero, fmt.Errorf("partition: resolving %q: %w", ufk.Key, serr)
		}
	}
}

// splice feeds the resource owning datumID (and all its datum pages) to the
// filler and, when those pages are not already in the plan, inserts them as
// new partitions immediately before e.
func (p *Partitioner) splice(ctx context.Context, e *entry, datumID string) error {
	res, err := p.src.ResourceForDatum(ctx, datumID)
	if err != nil {
		return err
	}
	p.filler.Consume(document.Pair{Name: document.KindResource, Doc: res})
	n, err := p.src.CountDatums(ctx, res.UID)
	if err != nil {
		return err
	}
	grow := !p.planned[res.UID]
	p.planned[res.UID] = true

	var spliced []*entry
	for skip := 0; skip < n; skip += p.size {
		page, err := p.src.DatumPage(ctx, res.UID, skip, p.size)
		if err != nil {
			return err
		}
		p.filler.Consume(document.Pair{Name: document.KindDatumPage, Doc: page})
		if grow {
			spliced = append(spliced, &entry{
				kind:          entryDatums,
				resource:      res,
				carryResource: skip == 0,
				skip:          skip,
				limit:         p.size,
			})
		}
	}
	if len(spliced) > 0 {
		pos := slices.Index(p.plan, e)
		p.plan = slices.Insert(p.plan, pos, spliced...)
		p.log.Info("spliced late resource into partition plan",
			"resource", res.UID, "partitions", len(spliced), "before", pos)
	}
	return nil
}
