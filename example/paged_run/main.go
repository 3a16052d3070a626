package main

import (
	"context"
	"fmt"

	"github.com/runbroker/runbroker"
)

// paged_run: split one run into fixed-size partitions and walk them in
// order. Partition boundaries count events and datums; header documents ride
// along with the first partition and the stop document with the last.

func main() {
	ctx := context.Background()

	st := runbroker.NewMemoryStore(false)
	seed(ctx, st)

	cat, err := runbroker.NewCatalog(st, st, nil, runbroker.CatalogConfig{PartitionSize: 4})
	if err != nil {
		panic(err)
	}
	run, err := cat.Get(ctx, runbroker.RelativeIndex(-1))
	if err != nil {
		panic(err)
	}

	pt := run.Partitioner()
	if err := pt.Build(ctx); err != nil {
		panic(err)
	}
	fmt.Printf("run %s splits into %d partitions of size 4\n", run.Start().UID, pt.Count())

	i := 0
	for part, err := range pt.Partitions(ctx, false) {
		if err != nil {
			panic(err)
		}
		fmt.Printf("partition %d: %d documents, first %q last %q\n",
			i, len(part), part[0].Name, part[len(part)-1].Name)
		i++
	}
}

func seed(ctx context.Context, st *runbroker.MemoryStore) {
	insert := func(name runbroker.Kind, doc runbroker.Document) {
		if err := st.InsertPair(ctx, runbroker.Pair{Name: name, Doc: doc}); err != nil {
			panic(err)
		}
	}
	insert(runbroker.KindStart, runbroker.RunStart{UID: "run-1", Time: 1000, ScanID: 1})
	insert(runbroker.KindDescriptor, runbroker.Descriptor{
		UID: "desc-1", RunStart: "run-1", Name: "primary", Time: 1001,
		DataKeys: map[string]runbroker.DataKey{"temp": {Dtype: "number", Shape: []int{}}},
	})
	for i := 0; i < 10; i++ {
		insert(runbroker.KindEvent, runbroker.Event{
			UID:        fmt.Sprintf("ev-%d", i),
			Descriptor: "desc-1",
			Time:       float64(1002 + i),
			SeqNum:     i + 1,
			Data:       map[string]any{"temp": 20.0 + float64(i)},
		})
	}
	insert(runbroker.KindStop, runbroker.RunStop{
		UID: "stop-1", RunStart: "run-1", Time: 2000, ExitStatus: "success",
	})
}
