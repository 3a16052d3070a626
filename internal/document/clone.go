package document

// Deep-copy helpers. Documents are treated as immutable; components that
// need to rewrite one (the filler, root relocation) operate on a clone.

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneAnyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []float64:
		out := make([]float64, len(t))
		copy(out, t)
		return out
	case []int:
		out := make([]int, len(t))
		copy(out, t)
		return out
	case []string:
		out := make([]string, len(t))
		copy(out, t)
		return out
	default:
		return v
	}
}

func cloneAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

// Clone returns a deep copy of the event.
func (e Event) Clone() Event {
	out := e
	out.Data = cloneAnyMap(e.Data)
	if e.Timestamps != nil {
		out.Timestamps = make(map[string]float64, len(e.Timestamps))
		for k, v := range e.Timestamps {
			out.Timestamps[k] = v
		}
	}
	if e.Filled != nil {
		out.Filled = make(map[string]FillState, len(e.Filled))
		for k, v := range e.Filled {
			out.Filled[k] = v
		}
	}
	return out
}

// Clone returns a deep copy of the page.
func (p EventPage) Clone() EventPage {
	out := p
	out.UID = append([]string(nil), p.UID...)
	out.Time = append([]float64(nil), p.Time...)
	out.SeqNum = append([]int(nil), p.SeqNum...)
	out.Data = make(map[string][]any, len(p.Data))
	for k, col := range p.Data {
		c := make([]any, len(col))
		for i, v := range col {
			c[i] = cloneValue(v)
		}
		out.Data[k] = c
	}
	if p.Timestamps != nil {
		out.Timestamps = make(map[string][]float64, len(p.Timestamps))
		for k, col := range p.Timestamps {
			out.Timestamps[k] = append([]float64(nil), col...)
		}
	}
	if p.Filled != nil {
		out.Filled = make(map[string][]FillState, len(p.Filled))
		for k, col := range p.Filled {
			out.Filled[k] = append([]FillState(nil), col...)
		}
	}
	return out
}

// Clone returns a deep copy of the resource.
func (r Resource) Clone() Resource {
	out := r
	out.ResourceKwargs = cloneAnyMap(r.ResourceKwargs)
	return out
}

// Clone returns a deep copy of the datum.
func (d Datum) Clone() Datum {
	out := d
	out.DatumKwargs = cloneAnyMap(d.DatumKwargs)
	return out
}

// Clone returns a deep copy of the run-start document.
func (d RunStart) Clone() RunStart {
	out := d
	out.Extra = cloneAnyMap(d.Extra)
	return out
}
