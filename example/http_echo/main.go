package main

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/runbroker/runbroker"
)

// http_echo: mount the document API inside an existing echo application.
// Programs that already run echo for their own routes can expose runs from
// the same listener instead of starting the standalone server.

func main() {
	ctx := context.Background()

	st := runbroker.NewMemoryStore(false)
	seed(ctx, st)

	cat, err := runbroker.NewCatalog(st, st, nil, runbroker.CatalogConfig{})
	if err != nil {
		panic(err)
	}

	e := echo.New()
	e.GET("/", func(c echo.Context) error {
		return c.String(http.StatusOK, "embedding app; runs are under /api/runs\n")
	})

	docs := runbroker.NewHTTPHandler("/api", cat)
	e.Any("/api/*", echo.WrapHandler(docs))

	e.Logger.Fatal(e.Start(":8089"))
}

func seed(ctx context.Context, st *runbroker.MemoryStore) {
	insert := func(name runbroker.Kind, doc runbroker.Document) {
		if err := st.InsertPair(ctx, runbroker.Pair{Name: name, Doc: doc}); err != nil {
			panic(err)
		}
	}
	insert(runbroker.KindStart, runbroker.RunStart{UID: "run-1", Time: 1000, ScanID: 7})
	insert(runbroker.KindDescriptor, runbroker.Descriptor{
		UID: "desc-1", RunStart: "run-1", Name: "primary", Time: 1001,
		DataKeys: map[string]runbroker.DataKey{"temp": {Dtype: "number", Shape: []int{}}},
	})
	insert(runbroker.KindEvent, runbroker.Event{
		UID: "ev-1", Descriptor: "desc-1", Time: 1002, SeqNum: 1,
		Data: map[string]any{"temp": 21.5},
	})
	insert(runbroker.KindStop, runbroker.RunStop{
		UID: "stop-1", RunStart: "run-1", Time: 1100, ExitStatus: "success",
	})
}
