package main

import (
	"context"
	"fmt"

	"github.com/runbroker/runbroker"
)

// embedded_registry: register a handler spec against an in-memory store,
// record a resource and its datums, retrieve payloads through the registry
// caches, then shift the resource root and show the audit trail.

type textFactory struct{}

func (textFactory) New(root, resourcePath string, _ map[string]any) (runbroker.Handler, error) {
	return textHandler{abs: root + "/" + resourcePath}, nil
}

type textHandler struct{ abs string }

func (h textHandler) Retrieve(kwargs map[string]any) (any, error) {
	return fmt.Sprintf("frame %v of %s", kwargs["frame"], h.abs), nil
}

func main() {
	ctx := context.Background()

	st := runbroker.NewMemoryStore(false)
	reg, err := runbroker.NewRegistry(st, runbroker.RegistryConfig{})
	if err != nil {
		panic(err)
	}
	if err := reg.RegisterHandler("text", textFactory{}, false); err != nil {
		panic(err)
	}

	res, err := reg.RegisterResource(ctx, runbroker.Resource{
		Spec:         "text",
		Root:         "/data/2026",
		ResourcePath: "night1/scan.txt",
	})
	if err != nil {
		panic(err)
	}
	fmt.Println("registered resource", res.UID)

	for frame := 0; frame < 3; frame++ {
		d, err := reg.RegisterDatum(ctx, res.UID, map[string]any{"frame": frame})
		if err != nil {
			panic(err)
		}
		payload, err := reg.Retrieve(ctx, d.DatumID)
		if err != nil {
			panic(err)
		}
		fmt.Printf("  %s -> %v\n", d.DatumID, payload)
	}

	// The night1 directory moved under the yearly root; record that without
	// changing the joined absolute path.
	shifted, err := reg.ShiftRoot(ctx, res, 1)
	if err != nil {
		panic(err)
	}
	fmt.Printf("shifted root: %s (path %s)\n", shifted.Root, shifted.ResourcePath)

	for upd, err := range reg.History(ctx, res.UID) {
		if err != nil {
			panic(err)
		}
		fmt.Printf("revision %s: root %q -> %q\n", upd.Cmd, upd.Old.Root, upd.New.Root)
	}
}
