// Package interlace merges the per-stream document sequences of one run
// into a single time-ordered sequence. Documents shared between streams
// (resources, datums) are emitted exactly once.
package interlace

import (
	"container/heap"
	"iter"
	"strings"

	"github.com/runbroker/runbroker/internal/document"
	"github.com/runbroker/runbroker/internal/metrics"
)

// Merge interleaves the given streams ordered by (time, uid). Event pages
// are ordered by their first element only; events inside a page are never
// reordered against pages from other streams. Start and stop documents are
// skipped (the caller supplies exactly one of each out of band), and
// resource/datum documents seen by more than one stream are dropped after
// the first occurrence.
func Merge(streams ...iter.Seq[document.Pair]) iter.Seq[document.Pair] {
	return merge(false, streams)
}

// MergeStrict is Merge with event pages exploded into single-event pages
// before ordering, so cross-stream interleaving is correct down to
// individual events. It yields more, smaller pages than Merge.
func MergeStrict(streams ...iter.Seq[document.Pair]) iter.Seq[document.Pair] {
	return merge(true, streams)
}

type cursor struct {
	next    func() (document.Pair, bool)
	stop    func()
	idx     int
	pending []document.Pair // exploded single-event pages not yet on the heap
}

type heapItem struct {
	time float64
	uid  string
	idx  int
	pair document.Pair
}

type docHeap []heapItem

func (h docHeap) Len() int { return len(h) }
func (h docHeap) Less(i, j int) bool {
	if h[i].time != h[j].time {
		return h[i].time < h[j].time
	}
	if h[i].uid != h[j].uid {
		return h[i].uid < h[j].uid
	}
	return h[i].idx < h[j].idx
}
func (h docHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *docHeap) Push(x any)   { *h = append(*h, x.(heapItem)) }

func (h *docHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// seen tracks the dedup keys already yielded. Resources are keyed by uid,
// datums by datum_id and datum pages by their full id tuple; the three key
// spaces are independent.
type seen struct {
	resources map[string]bool
	datums    map[string]bool
	pages     map[string]bool
}

// drop reports whether the document is a duplicate of one already yielded,
// recording it otherwise.
func (s *seen) drop(p document.Pair) bool {
	switch doc := p.Doc.(type) {
	case document.Resource:
		if s.resources[doc.UID] {
			return true
		}
		s.resources[doc.UID] = true
	case document.Datum:
		if s.datums[doc.DatumID] {
			return true
		}
		s.datums[doc.DatumID] = true
	case document.DatumPage:
		key := strings.Join(doc.DatumID, "\x1f")
		if s.pages[key] {
			return true
		}
		s.pages[key] = true
	}
	return false
}

// sortKey extracts the heap key of an event or event page. Empty pages
// carry no time and report ok=false.
func sortKey(doc document.Document) (t float64, uid string, ok bool) {
	switch d := doc.(type) {
	case document.Event:
		return d.Time, d.UID, true
	case document.EventPage:
		if d.Len() == 0 {
			return 0, "", false
		}
		return d.Time[0], d.UID[0], true
	}
	return 0, "", false
}

func merge(strict bool, streams []iter.Seq[document.Pair]) iter.Seq[document.Pair] {
	return func(yield func(document.Pair) bool) {
		h := &docHeap{}
		var fifo []document.Pair
		dedup := &seen{
			resources: make(map[string]bool),
			datums:    make(map[string]bool),
			pages:     make(map[string]bool),
		}

		push := func(idx int, p document.Pair) bool {
			t, uid, ok := sortKey(p.Doc)
			if !ok {
				return false
			}
			heap.Push(h, heapItem{time: t, uid: uid, idx: idx, pair: p})
			return true
		}

		// advance pulls one cursor forward to its next event or event page,
		// queueing everything else it passes as an aside.
		advance := func(c *cursor) {
			if len(c.pending) > 0 {
				p := c.pending[0]
				c.pending = c.pending[1:]
				push(c.idx, p)
				return
			}
			for {
				p, ok := c.next()
				if !ok {
					return
				}
				switch p.Doc.(type) {
				case document.RunStart, document.RunStop:
					continue
				case document.Event:
					if push(c.idx, p) {
						return
					}
				case document.EventPage:
					if strict {
						c.pending = explode(p.Doc.(document.EventPage))
						if len(c.pending) > 0 {
							p := c.pending[0]
							c.pending = c.pending[1:]
							push(c.idx, p)
							return
						}
						continue
					}
					if push(c.idx, p) {
						return
					}
				default:
					if p.Doc == nil && p.Name == document.KindStop {
						continue
					}
					fifo = append(fifo, p)
				}
			}
		}

		cursors := make([]*cursor, len(streams))
		for i, s := range streams {
			next, stop := iter.Pull(s)
			cursors[i] = &cursor{next: next, stop: stop, idx: i}
			defer cursors[i].stop()
		}
		for _, c := range cursors {
			advance(c)
		}

		emit := func(p document.Pair) bool {
			if dedup.drop(p) {
				return true
			}
			metrics.IncInterlaced(string(p.Name))
			return yield(p)
		}

		for h.Len() > 0 {
			for len(fifo) > 0 {
				p := fifo[0]
				fifo = fifo[1:]
				if !emit(p) {
					return
				}
			}
			it := heap.Pop(h).(heapItem)
			if !emit(it.pair) {
				return
			}
			advance(cursors[it.idx])
		}
		for _, p := range fifo {
			if !emit(p) {
				return
			}
		}
	}
}

// explode splits an event page into single-event pages, preserving order.
func explode(page document.EventPage) []document.Pair {
	events := page.Unpack()
	out := make([]document.Pair, 0, len(events))
	for _, ev := range events {
		// a one-event pack cannot mix descriptors
		pg, _ := document.PackEvents([]document.Event{ev})
		out = append(out, document.Pair{Name: document.KindEventPage, Doc: pg})
	}
	return out
}
