// Package document defines the immutable document kinds that make up a run:
// run-start, run-stop, descriptor, event, resource, datum, and the paged
// variants of event/datum. Documents are value records; nothing in this
// module mutates one after construction. Callers that want a mutable copy
// use the Clone helpers.
package document

import (
	"fmt"

	"github.com/runbroker/runbroker/internal/jsoncodec"
)

// Kind names a document type on the wire. The strings match the names used
// by the upstream document stores, so they appear verbatim in stored and
// streamed payloads.
type Kind string

const (
	KindStart      Kind = "start"
	KindStop       Kind = "stop"
	KindDescriptor Kind = "descriptor"
	KindEvent      Kind = "event"
	KindEventPage  Kind = "event_page"
	KindResource   Kind = "resource"
	KindDatum      Kind = "datum"
	KindDatumPage  Kind = "datum_page"
)

// Document is implemented by every document type.
type Document interface {
	Kind() Kind
}

// Pair is the (name, document) unit yielded by run streams. A run that has
// not (or never will) come to an orderly end is represented by a stop Pair
// whose Doc is nil; absence of a stop is a valid state, not an error.
type Pair struct {
	Name Kind
	Doc  Document
}

// RunStart opens a run. Exactly one exists per run. Free-form metadata
// supplied at run initiation lives in Extra and is folded into the top
// level of the JSON form.
type RunStart struct {
	UID    string
	Time   float64
	ScanID int64
	Extra  map[string]any
}

func (RunStart) Kind() Kind { return KindStart }

func (d RunStart) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(d.Extra)+3)
	for k, v := range d.Extra {
		m[k] = v
	}
	m["uid"] = d.UID
	m["time"] = d.Time
	if d.ScanID != 0 {
		m["scan_id"] = d.ScanID
	}
	return jsoncodec.Marshal(m)
}

func (d *RunStart) UnmarshalJSON(b []byte) error {
	var m map[string]any
	if err := jsoncodec.Unmarshal(b, &m); err != nil {
		return err
	}
	if v, ok := m["uid"].(string); ok {
		d.UID = v
	}
	if v, ok := m["time"].(float64); ok {
		d.Time = v
	}
	if v, ok := m["scan_id"].(float64); ok {
		d.ScanID = int64(v)
	}
	delete(m, "uid")
	delete(m, "time")
	delete(m, "scan_id")
	if len(m) > 0 {
		d.Extra = m
	} else {
		d.Extra = nil
	}
	return nil
}

// RunStop closes a run. Zero or one exists per run: a run still in progress,
// or one that died before completing, has no stop document.
type RunStop struct {
	UID        string  `json:"uid"`
	RunStart   string  `json:"run_start"`
	Time       float64 `json:"time"`
	ExitStatus string  `json:"exit_status"`
	Reason     string  `json:"reason,omitempty"`
}

func (RunStop) Kind() Kind { return KindStop }

// DataKey describes one field of an event stream. A non-empty External
// marks the field as externally stored: its event data holds a datum id
// until filled.
type DataKey struct {
	Dtype    string `json:"dtype"`
	Shape    []int  `json:"shape"`
	Source   string `json:"source,omitempty"`
	External string `json:"external,omitempty"`
}

// Descriptor declares the schema of one event stream of a run. A run has
// one or more descriptors; a stream gets an additional descriptor if its
// configuration changes mid-run.
type Descriptor struct {
	UID      string             `json:"uid"`
	RunStart string             `json:"run_start"`
	Name     string             `json:"name"`
	Time     float64            `json:"time"`
	DataKeys map[string]DataKey `json:"data_keys"`
}

func (Descriptor) Kind() Kind { return KindDescriptor }

// FillKeys returns the field names flagged external, in map order.
func (d Descriptor) FillKeys() []string {
	keys := make([]string, 0)
	for k, dk := range d.DataKeys {
		if dk.External != "" {
			keys = append(keys, k)
		}
	}
	return keys
}

// FillState is the bool-or-datum-id union stored per external field of an
// event. Unfilled fields carry false; once filled, the datum id that
// produced the data is recorded so the event can be unfilled again.
type FillState struct {
	Filled  bool
	DatumID string
}

// FilledBy marks a field as filled from the given datum id.
func FilledBy(datumID string) FillState { return FillState{Filled: true, DatumID: datumID} }

func (f FillState) MarshalJSON() ([]byte, error) {
	if f.Filled && f.DatumID != "" {
		return jsoncodec.Marshal(f.DatumID)
	}
	return jsoncodec.Marshal(f.Filled)
}

func (f *FillState) UnmarshalJSON(b []byte) error {
	var v bool
	if err := jsoncodec.Unmarshal(b, &v); err == nil {
		*f = FillState{Filled: v}
		return nil
	}
	var s string
	if err := jsoncodec.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("fill state must be bool or datum id: %w", err)
	}
	*f = FillState{Filled: true, DatumID: s}
	return nil
}

// Event is one row of one stream. Data fields flagged external in the
// stream's descriptor hold a datum id string until filled.
type Event struct {
	UID        string               `json:"uid"`
	Descriptor string               `json:"descriptor"`
	Time       float64              `json:"time"`
	SeqNum     int                  `json:"seq_num"`
	Data       map[string]any       `json:"data"`
	Timestamps map[string]float64   `json:"timestamps,omitempty"`
	Filled     map[string]FillState `json:"filled,omitempty"`
}

func (Event) Kind() Kind { return KindEvent }

// Resource locates one externally-stored container of data, e.g. one file.
// Root is the relocatable part of the location: Root joined with
// ResourcePath is the absolute location. RunStart back-references the run
// when known; resources registered out of band ("old style") leave it
// empty.
type Resource struct {
	UID            string         `json:"uid"`
	Spec           string         `json:"spec"`
	Root           string         `json:"root"`
	ResourcePath   string         `json:"resource_path"`
	ResourceKwargs map[string]any `json:"resource_kwargs"`
	PathSemantics  string         `json:"path_semantics,omitempty"`
	RunStart       string         `json:"run_start,omitempty"`
}

func (Resource) Kind() Kind { return KindResource }

// Datum names one retrievable unit inside a Resource, e.g. one frame of a
// file. DatumID conventionally, but not necessarily, begins with
// "{resource_uid}/".
type Datum struct {
	DatumID     string         `json:"datum_id"`
	Resource    string         `json:"resource"`
	DatumKwargs map[string]any `json:"datum_kwargs"`
}

func (Datum) Kind() Kind { return KindDatum }

// ResourceUpdate is one audit record of a resource revision: the old and
// new snapshots plus the command that produced the change. The history is
// append-only and ordered per resource.
type ResourceUpdate struct {
	Resource  string         `json:"resource"`
	Old       Resource       `json:"old"`
	New       Resource       `json:"new"`
	Time      float64        `json:"time"`
	Cmd       string         `json:"cmd"`
	CmdKwargs map[string]any `json:"cmd_kwargs"`
}
