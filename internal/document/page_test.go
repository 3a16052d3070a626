package document

import (
	"reflect"
	"testing"
)

func sampleEvents() []Event {
	return []Event{
		{
			UID: "e0", Descriptor: "d1", Time: 1.0, SeqNum: 1,
			Data:       map[string]any{"image": "r1/0", "temp": 20.5},
			Timestamps: map[string]float64{"image": 1.0, "temp": 1.0},
			Filled:     map[string]FillState{"image": {}},
		},
		{
			UID: "e1", Descriptor: "d1", Time: 2.0, SeqNum: 2,
			Data:       map[string]any{"image": "r1/1", "temp": 21.0},
			Timestamps: map[string]float64{"image": 2.0, "temp": 2.0},
			Filled:     map[string]FillState{"image": {}},
		},
		{
			UID: "e2", Descriptor: "d1", Time: 3.0, SeqNum: 3,
			Data:       map[string]any{"image": "r1/2", "temp": 21.5},
			Timestamps: map[string]float64{"image": 3.0, "temp": 3.0},
			Filled:     map[string]FillState{"image": {}},
		},
	}
}

func TestPackUnpackEventsLossless(t *testing.T) {
	events := sampleEvents()
	page, err := PackEvents(events)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	if page.Len() != 3 || page.Descriptor != "d1" {
		t.Fatalf("unexpected page shape: len=%d desc=%s", page.Len(), page.Descriptor)
	}
	back := page.Unpack()
	if !reflect.DeepEqual(events, back) {
		t.Fatalf("round trip mismatch:\n in: %#v\nout: %#v", events, back)
	}
}

func TestPackEventsRejectsMixedDescriptors(t *testing.T) {
	events := sampleEvents()
	events[1].Descriptor = "other"
	if _, err := PackEvents(events); err == nil {
		t.Fatal("mixed descriptors must be rejected")
	}
}

func TestPackEventsEmpty(t *testing.T) {
	page, err := PackEvents(nil)
	if err != nil {
		t.Fatalf("pack empty: %v", err)
	}
	if page.Len() != 0 {
		t.Fatalf("empty page should have zero length, got %d", page.Len())
	}
	if got := page.Unpack(); len(got) != 0 {
		t.Fatalf("unpacking empty page should give no events, got %d", len(got))
	}
}

func TestPackUnpackDatumsLossless(t *testing.T) {
	datums := []Datum{
		{DatumID: "r1/0", Resource: "r1", DatumKwargs: map[string]any{"frame": float64(0)}},
		{DatumID: "r1/1", Resource: "r1", DatumKwargs: map[string]any{"frame": float64(1)}},
	}
	page, err := PackDatums(datums)
	if err != nil {
		t.Fatalf("pack: %v", err)
	}
	if page.Resource != "r1" || page.Len() != 2 {
		t.Fatalf("unexpected page shape: %+v", page)
	}
	back := page.Unpack()
	if !reflect.DeepEqual(datums, back) {
		t.Fatalf("round trip mismatch:\n in: %#v\nout: %#v", datums, back)
	}
}

func TestPackDatumsRejectsMixedResources(t *testing.T) {
	datums := []Datum{
		{DatumID: "r1/0", Resource: "r1", DatumKwargs: map[string]any{}},
		{DatumID: "r2/0", Resource: "r2", DatumKwargs: map[string]any{}},
	}
	if _, err := PackDatums(datums); err == nil {
		t.Fatal("mixed resources must be rejected")
	}
}
