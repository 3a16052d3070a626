package document

import "errors"

// EventPage is the batched form of N events of one stream: parallel arrays
// for time, uid and seq_num plus per-field arrays for data, timestamps and
// filled. It converts losslessly to and from a slice of events.
type EventPage struct {
	Descriptor string                 `json:"descriptor"`
	UID        []string               `json:"uid"`
	Time       []float64              `json:"time"`
	SeqNum     []int                  `json:"seq_num"`
	Data       map[string][]any       `json:"data"`
	Timestamps map[string][]float64   `json:"timestamps,omitempty"`
	Filled     map[string][]FillState `json:"filled,omitempty"`
}

func (EventPage) Kind() Kind { return KindEventPage }

// Len reports the number of events in the page.
func (p EventPage) Len() int { return len(p.UID) }

// DatumPage is the batched form of N datums sharing one resource: a parallel
// datum_id array plus per-kwarg arrays.
type DatumPage struct {
	Resource    string           `json:"resource"`
	DatumID     []string         `json:"datum_id"`
	DatumKwargs map[string][]any `json:"datum_kwargs"`
}

func (DatumPage) Kind() Kind { return KindDatumPage }

// Len reports the number of datums in the page.
func (p DatumPage) Len() int { return len(p.DatumID) }

var errMixedDescriptors = errors.New("runbroker: events in one page must share a descriptor")

// PackEvents batches events into a page. All events must reference the same
// descriptor. Fields absent from an individual event appear as nil entries
// in the corresponding column.
func PackEvents(events []Event) (EventPage, error) {
	page := EventPage{
		UID:    make([]string, len(events)),
		Time:   make([]float64, len(events)),
		SeqNum: make([]int, len(events)),
		Data:   make(map[string][]any),
	}
	if len(events) == 0 {
		return page, nil
	}
	page.Descriptor = events[0].Descriptor

	dataKeys := make(map[string]bool)
	tsKeys := make(map[string]bool)
	fillKeys := make(map[string]bool)
	for i, ev := range events {
		if ev.Descriptor != page.Descriptor {
			return EventPage{}, errMixedDescriptors
		}
		page.UID[i] = ev.UID
		page.Time[i] = ev.Time
		page.SeqNum[i] = ev.SeqNum
		for k := range ev.Data {
			dataKeys[k] = true
		}
		for k := range ev.Timestamps {
			tsKeys[k] = true
		}
		for k := range ev.Filled {
			fillKeys[k] = true
		}
	}
	for k := range dataKeys {
		col := make([]any, len(events))
		for i, ev := range events {
			col[i] = ev.Data[k]
		}
		page.Data[k] = col
	}
	if len(tsKeys) > 0 {
		page.Timestamps = make(map[string][]float64, len(tsKeys))
		for k := range tsKeys {
			col := make([]float64, len(events))
			for i, ev := range events {
				col[i] = ev.Timestamps[k]
			}
			page.Timestamps[k] = col
		}
	}
	if len(fillKeys) > 0 {
		page.Filled = make(map[string][]FillState, len(fillKeys))
		for k := range fillKeys {
			col := make([]FillState, len(events))
			for i, ev := range events {
				col[i] = ev.Filled[k]
			}
			page.Filled[k] = col
		}
	}
	return page, nil
}

// Unpack converts the page back into individual events.
func (p EventPage) Unpack() []Event {
	events := make([]Event, p.Len())
	for i := range events {
		ev := Event{
			UID:        p.UID[i],
			Descriptor: p.Descriptor,
			Time:       p.Time[i],
			SeqNum:     p.SeqNum[i],
			Data:       make(map[string]any, len(p.Data)),
		}
		for k, col := range p.Data {
			ev.Data[k] = col[i]
		}
		if len(p.Timestamps) > 0 {
			ev.Timestamps = make(map[string]float64, len(p.Timestamps))
			for k, col := range p.Timestamps {
				ev.Timestamps[k] = col[i]
			}
		}
		if len(p.Filled) > 0 {
			ev.Filled = make(map[string]FillState, len(p.Filled))
			for k, col := range p.Filled {
				ev.Filled[k] = col[i]
			}
		}
		events[i] = ev
	}
	return events
}

var errMixedResources = errors.New("runbroker: datums in one page must share a resource")

// PackDatums batches datums into a page. All datums must reference the same
// resource.
func PackDatums(datums []Datum) (DatumPage, error) {
	page := DatumPage{
		DatumID:     make([]string, len(datums)),
		DatumKwargs: make(map[string][]any),
	}
	if len(datums) == 0 {
		return page, nil
	}
	page.Resource = datums[0].Resource

	kwargKeys := make(map[string]bool)
	for i, d := range datums {
		if d.Resource != page.Resource {
			return DatumPage{}, errMixedResources
		}
		page.DatumID[i] = d.DatumID
		for k := range d.DatumKwargs {
			kwargKeys[k] = true
		}
	}
	for k := range kwargKeys {
		col := make([]any, len(datums))
		for i, d := range datums {
			col[i] = d.DatumKwargs[k]
		}
		page.DatumKwargs[k] = col
	}
	return page, nil
}

// Unpack converts the page back into individual datums.
func (p DatumPage) Unpack() []Datum {
	datums := make([]Datum, p.Len())
	for i := range datums {
		d := Datum{
			DatumID:     p.DatumID[i],
			Resource:    p.Resource,
			DatumKwargs: make(map[string]any, len(p.DatumKwargs)),
		}
		for k, col := range p.DatumKwargs {
			d.DatumKwargs[k] = col[i]
		}
		datums[i] = d
	}
	return datums
}
