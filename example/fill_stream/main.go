package main

import (
	"context"
	"fmt"

	"github.com/runbroker/runbroker"
)

// fill_stream: resolve external references in an event stream using only the
// documents the stream itself carries. No asset database is consulted; the
// filler learns resources and datums as they flow past.

type imageFactory struct{}

func (imageFactory) New(root, resourcePath string, _ map[string]any) (runbroker.Handler, error) {
	return imageHandler{abs: root + "/" + resourcePath}, nil
}

type imageHandler struct{ abs string }

func (h imageHandler) Retrieve(kwargs map[string]any) (any, error) {
	return fmt.Sprintf("pixels[%v] from %s", kwargs["index"], h.abs), nil
}

func main() {
	ctx := context.Background()

	st := runbroker.NewMemoryStore(false)
	reg, err := runbroker.NewRegistry(st, runbroker.RegistryConfig{})
	if err != nil {
		panic(err)
	}
	if err := reg.RegisterHandler("image", imageFactory{}, false); err != nil {
		panic(err)
	}

	// nil source: strictly stream-fed
	f := runbroker.NewFiller(reg, nil)

	stream := []runbroker.Pair{
		{Name: runbroker.KindStart, Doc: runbroker.RunStart{UID: "run-1", Time: 1000}},
		{Name: runbroker.KindDescriptor, Doc: runbroker.Descriptor{
			UID: "desc-1", RunStart: "run-1", Name: "primary", Time: 1001,
			DataKeys: map[string]runbroker.DataKey{
				"image": {Dtype: "array", Shape: []int{512, 512}, External: "FILESTORE:"},
				"temp":  {Dtype: "number", Shape: []int{}},
			},
		}},
		{Name: runbroker.KindResource, Doc: runbroker.Resource{
			UID: "res-1", Spec: "image", Root: "/detectors", ResourcePath: "run-1.tiff",
		}},
		{Name: runbroker.KindDatum, Doc: runbroker.Datum{
			DatumID: "res-1/0", Resource: "res-1", DatumKwargs: map[string]any{"index": 0},
		}},
		{Name: runbroker.KindEvent, Doc: runbroker.Event{
			UID: "ev-1", Descriptor: "desc-1", Time: 1002, SeqNum: 1,
			Data:   map[string]any{"image": "res-1/0", "temp": 21.5},
			Filled: map[string]runbroker.FillState{"image": {}},
		}},
	}

	for _, pr := range stream {
		f.Consume(pr)
		ev, ok := pr.Doc.(runbroker.Event)
		if !ok {
			continue
		}
		filled, err := f.FillEvent(ctx, ev)
		if err != nil {
			panic(err)
		}
		fmt.Printf("event %s image: %v\n", filled.UID, filled.Data["image"])
		fmt.Printf("event %s filled from datum %s\n", filled.UID, filled.Filled["image"].DatumID)
	}
}
