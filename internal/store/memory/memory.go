// Package memory implements store.AssetStore and store.RunStore in process
// memory. It is the only backend that holds run documents as well as assets,
// which makes it the default for embedding, examples and tests. Documents
// handed in are cloned; documents handed out are shared and must be treated
// as read-only.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"strings"
	"sync"

	"github.com/runbroker/runbroker/internal/document"
	"github.com/runbroker/runbroker/internal/errdefs"
	"github.com/runbroker/runbroker/internal/store"
)

type Store struct {
	mu         sync.RWMutex
	ignoreDups bool

	resources     map[string]document.Resource
	resourceOrder []string
	datums        map[string]document.Datum
	datumOrder    map[string][]string // resource uid -> datum ids in insertion order
	updates       map[string][]document.ResourceUpdate

	runs     map[string]document.RunStart
	runOrder []string
	stops    map[string]document.RunStop
	descents map[string][]string // run uid -> descriptor uids in insertion order
	descs    map[string]document.Descriptor
	events   map[string][]document.Event // descriptor uid -> events in time order
}

var (
	_ store.AssetStore = (*Store)(nil)
	_ store.RunStore   = (*Store)(nil)
)

// New returns an empty in-memory store. ignoreDuplicates has the same
// meaning as for the sql backends.
func New(ignoreDuplicates bool) *Store {
	return &Store{
		ignoreDups: ignoreDuplicates,
		resources:  make(map[string]document.Resource),
		datums:     make(map[string]document.Datum),
		datumOrder: make(map[string][]string),
		updates:    make(map[string][]document.ResourceUpdate),
		runs:       make(map[string]document.RunStart),
		stops:      make(map[string]document.RunStop),
		descents:   make(map[string][]string),
		descs:      make(map[string]document.Descriptor),
		events:     make(map[string][]document.Event),
	}
}

func (s *Store) EnsureSchema(ctx context.Context) error { return nil }

func (s *Store) Close() error { return nil }

func (s *Store) InsertResource(ctx context.Context, res document.Resource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.resources[res.UID]; ok {
		if s.ignoreDups && reflect.DeepEqual(prev, res) {
			return nil
		}
		return errdefs.DuplicateKey("resource", res.UID)
	}
	s.resources[res.UID] = res.Clone()
	s.resourceOrder = append(s.resourceOrder, res.UID)
	return nil
}

func (s *Store) InsertDatum(ctx context.Context, d document.Datum) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertDatumLocked(d)
}

func (s *Store) InsertDatums(ctx context.Context, ds []document.Datum) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range ds {
		if err := s.insertDatumLocked(d); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) insertDatumLocked(d document.Datum) error {
	if prev, ok := s.datums[d.DatumID]; ok {
		if s.ignoreDups && reflect.DeepEqual(prev, d) {
			return nil
		}
		return errdefs.DuplicateKey("datum", d.DatumID)
	}
	s.datums[d.DatumID] = d.Clone()
	s.datumOrder[d.Resource] = append(s.datumOrder[d.Resource], d.DatumID)
	return nil
}

func (s *Store) GetResource(ctx context.Context, uid string) (document.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.resources[uid]
	if !ok {
		return document.Resource{}, errdefs.ResourceNotFound(uid)
	}
	return res, nil
}

func (s *Store) GetDatum(ctx context.Context, datumID string) (document.Datum, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.datums[datumID]
	if !ok {
		return document.Datum{}, errdefs.DatumNotFound(datumID)
	}
	return d, nil
}

func (s *Store) ResourceForDatum(ctx context.Context, datumID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.datums[datumID]
	if !ok {
		return "", errdefs.DatumNotFound(datumID)
	}
	return d.Resource, nil
}

func (s *Store) CountDatums(ctx context.Context, resourceUID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.datumOrder[resourceUID]), nil
}

func (s *Store) DatumPage(ctx context.Context, resourceUID string, skip, limit int) (document.DatumPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.datumOrder[resourceUID]
	lo := min(max(skip, 0), len(ids))
	hi := len(ids)
	if limit > 0 {
		hi = min(lo+limit, len(ids))
	}
	datums := make([]document.Datum, 0, hi-lo)
	for _, id := range ids[lo:hi] {
		datums = append(datums, s.datums[id])
	}
	page, err := document.PackDatums(datums)
	if err != nil {
		return document.DatumPage{}, err
	}
	page.Resource = resourceUID
	return page, nil
}

func (s *Store) ResourcesForRun(ctx context.Context, runStartUID string) ([]document.Resource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]document.Resource, 0)
	for _, uid := range s.resourceOrder {
		if res := s.resources[uid]; res.RunStart == runStartUID {
			out = append(out, res)
		}
	}
	return out, nil
}

func (s *Store) ReviseResource(ctx context.Context, upd document.ResourceUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.resources[upd.Resource]; !ok {
		return errdefs.ResourceNotFound(upd.Resource)
	}
	s.resources[upd.Resource] = upd.New.Clone()
	s.updates[upd.Resource] = append(s.updates[upd.Resource], upd)
	return nil
}

func (s *Store) History(ctx context.Context, resourceUID string) ([]document.ResourceUpdate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.updates[resourceUID]), nil
}

// InsertRunStart records a new run. It is part of the intake surface rather
// than store.RunStore: run documents arrive through these builders in tests,
// examples and embedded use.
func (s *Store) InsertRunStart(ctx context.Context, doc document.RunStart) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[doc.UID]; ok {
		return errdefs.DuplicateKey("run_start", doc.UID)
	}
	s.runs[doc.UID] = doc.Clone()
	s.runOrder = append(s.runOrder, doc.UID)
	return nil
}

func (s *Store) InsertRunStop(ctx context.Context, doc document.RunStop) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[doc.RunStart]; !ok {
		return fmt.Errorf("%w: %q", errdefs.ErrRunNotFound, doc.RunStart)
	}
	if _, ok := s.stops[doc.RunStart]; ok {
		return errdefs.DuplicateKey("run_stop", doc.RunStart)
	}
	s.stops[doc.RunStart] = doc
	return nil
}

func (s *Store) InsertDescriptor(ctx context.Context, doc document.Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[doc.RunStart]; !ok {
		return fmt.Errorf("%w: %q", errdefs.ErrRunNotFound, doc.RunStart)
	}
	if _, ok := s.descs[doc.UID]; ok {
		return errdefs.DuplicateKey("descriptor", doc.UID)
	}
	copied := doc
	copied.DataKeys = maps.Clone(doc.DataKeys)
	s.descs[doc.UID] = copied
	s.descents[doc.RunStart] = append(s.descents[doc.RunStart], doc.UID)
	return nil
}

func (s *Store) InsertEvent(ctx context.Context, ev document.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertEventLocked(ev)
}

func (s *Store) InsertEvents(ctx context.Context, evs []document.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range evs {
		if err := s.insertEventLocked(ev); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) insertEventLocked(ev document.Event) error {
	if _, ok := s.descs[ev.Descriptor]; !ok {
		return fmt.Errorf("memory: unknown descriptor %q for event %q", ev.Descriptor, ev.UID)
	}
	s.events[ev.Descriptor] = append(s.events[ev.Descriptor], ev.Clone())
	return nil
}

// InsertPair dispatches one named pair to the matching typed insert. Pages
// unpack into their scalar rows. A stop pair with no document is the valid
// "run never completed" form and stores nothing.
func (s *Store) InsertPair(ctx context.Context, p document.Pair) error {
	switch doc := p.Doc.(type) {
	case document.RunStart:
		return s.InsertRunStart(ctx, doc)
	case document.RunStop:
		return s.InsertRunStop(ctx, doc)
	case document.Descriptor:
		return s.InsertDescriptor(ctx, doc)
	case document.Event:
		return s.InsertEvent(ctx, doc)
	case document.EventPage:
		return s.InsertEvents(ctx, doc.Unpack())
	case document.Resource:
		return s.InsertResource(ctx, doc)
	case document.Datum:
		return s.InsertDatum(ctx, doc)
	case document.DatumPage:
		return s.InsertDatums(ctx, doc.Unpack())
	case nil:
		if p.Name == document.KindStop {
			return nil
		}
		return fmt.Errorf("memory: nil document for kind %q", p.Name)
	default:
		return fmt.Errorf("memory: unhandled document kind %q", p.Name)
	}
}

func (s *Store) GetRunStart(ctx context.Context, uid string) (document.RunStart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[uid]
	if !ok {
		return document.RunStart{}, fmt.Errorf("%w: %q", errdefs.ErrRunNotFound, uid)
	}
	return run, nil
}

func (s *Store) GetRunStartByScanID(ctx context.Context, scanID int64) (document.RunStart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best document.RunStart
	found := false
	for _, uid := range s.runOrder {
		run := s.runs[uid]
		if run.ScanID != scanID {
			continue
		}
		if !found || run.Time >= best.Time {
			best = run
			found = true
		}
	}
	if !found {
		return document.RunStart{}, fmt.Errorf("%w: scan_id %d", errdefs.ErrRunNotFound, scanID)
	}
	return best, nil
}

func (s *Store) FindRunStartByPrefix(ctx context.Context, prefix string) (document.RunStart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matches []document.RunStart
	for _, uid := range s.runOrder {
		if strings.HasPrefix(uid, prefix) {
			matches = append(matches, s.runs[uid])
		}
	}
	switch len(matches) {
	case 0:
		return document.RunStart{}, fmt.Errorf("%w: prefix %q", errdefs.ErrRunNotFound, prefix)
	case 1:
		return matches[0], nil
	default:
		return document.RunStart{}, fmt.Errorf("%w: prefix %q matches %d runs", errdefs.ErrAmbiguousKey, prefix, len(matches))
	}
}

func (s *Store) RunStarts(ctx context.Context) ([]document.RunStart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]document.RunStart, 0, len(s.runOrder))
	for _, uid := range s.runOrder {
		out = append(out, s.runs[uid])
	}
	slices.SortStableFunc(out, func(a, b document.RunStart) int {
		if c := cmp.Compare(a.Time, b.Time); c != 0 {
			return c
		}
		return cmp.Compare(a.UID, b.UID)
	})
	return out, nil
}

func (s *Store) GetRunStop(ctx context.Context, runStartUID string) (*document.RunStop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.runs[runStartUID]; !ok {
		return nil, fmt.Errorf("%w: %q", errdefs.ErrRunNotFound, runStartUID)
	}
	stop, ok := s.stops[runStartUID]
	if !ok {
		return nil, nil
	}
	return &stop, nil
}

func (s *Store) Descriptors(ctx context.Context, runStartUID string) ([]document.Descriptor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.runs[runStartUID]; !ok {
		return nil, fmt.Errorf("%w: %q", errdefs.ErrRunNotFound, runStartUID)
	}
	uids := s.descents[runStartUID]
	out := make([]document.Descriptor, 0, len(uids))
	for _, uid := range uids {
		out = append(out, s.descs[uid])
	}
	return out, nil
}

func (s *Store) CountEvents(ctx context.Context, descriptorUID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events[descriptorUID]), nil
}

func (s *Store) EventPage(ctx context.Context, descriptorUID string, skip, limit int) (document.EventPage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evs := s.events[descriptorUID]
	lo := min(max(skip, 0), len(evs))
	hi := len(evs)
	if limit > 0 {
		hi = min(lo+limit, len(evs))
	}
	page, err := document.PackEvents(evs[lo:hi])
	if err != nil {
		return document.EventPage{}, err
	}
	page.Descriptor = descriptorUID
	return page, nil
}
