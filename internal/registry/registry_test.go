package registry

import (
	"context"
	"errors"
	"fmt"
	"path"
	"reflect"
	"testing"

	"github.com/runbroker/runbroker/internal/document"
	"github.com/runbroker/runbroker/internal/errdefs"
	"github.com/runbroker/runbroker/internal/history"
	"github.com/runbroker/runbroker/internal/store/memory"
)

// npyFactory builds handlers that serve one synthetic frame per index.
// Frames depend only on the absolute location, like a real file reader.
type npyFactory struct{}

func (npyFactory) New(root, rpath string, _ map[string]any) (Handler, error) {
	return &npyHandler{abs: path.Join(root, rpath)}, nil
}

type npyHandler struct{ abs string }

func (h *npyHandler) Retrieve(kw map[string]any) (any, error) {
	idx, err := indexKwarg(kw)
	if err != nil {
		return nil, err
	}
	return []float64{float64(len(h.abs)), float64(idx)}, nil
}

// altFactory is a second, distinct factory type for conflict tests.
type altFactory struct{}

func (altFactory) New(root, rpath string, _ map[string]any) (Handler, error) {
	return altHandler{}, nil
}

type altHandler struct{}

func (altHandler) Retrieve(kw map[string]any) (any, error) { return "alt", nil }

// indexKwarg tolerates JSON decoding turning ints into float64.
func indexKwarg(kw map[string]any) (int, error) {
	switch v := kw["index"].(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("datum kwargs missing index, got %v", kw)
	}
}

func newTestRegistry(t *testing.T) (*Registry, *memory.Store) {
	t.Helper()
	st := memory.New(false)
	r, err := New(st, Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := r.RegisterHandler("npy", npyFactory{}, false); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}
	return r, st
}

func TestRetrieveAndShiftRootKeepsData(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)

	res, err := r.RegisterResource(ctx, document.Resource{
		UID: "R1", Spec: "npy", Root: "/data", ResourcePath: "run1",
	})
	if err != nil {
		t.Fatalf("RegisterResource: %v", err)
	}
	if res.PathSemantics != "posix" {
		t.Fatalf("default path semantics = %q", res.PathSemantics)
	}
	d, err := r.RegisterDatum(ctx, "R1", map[string]any{"index": 0})
	if err != nil {
		t.Fatalf("RegisterDatum: %v", err)
	}
	if d.DatumID != "R1/0" {
		t.Fatalf("datum id = %q, want R1/0", d.DatumID)
	}

	first, err := r.Retrieve(ctx, "R1/0")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	again, err := r.Retrieve(ctx, "R1/0")
	if err != nil {
		t.Fatalf("Retrieve again: %v", err)
	}
	if !reflect.DeepEqual(first, again) {
		t.Fatalf("repeated retrieval differs: %v vs %v", first, again)
	}

	shifted, err := r.ShiftRoot(ctx, res, 1)
	if err != nil {
		t.Fatalf("ShiftRoot: %v", err)
	}
	if shifted.Root != "/data/run1" || shifted.ResourcePath != "" {
		t.Fatalf("after shift: root=%q path=%q", shifted.Root, shifted.ResourcePath)
	}
	moved, err := r.Retrieve(ctx, "R1/0")
	if err != nil {
		t.Fatalf("Retrieve after shift: %v", err)
	}
	if !reflect.DeepEqual(first, moved) {
		t.Fatalf("shift changed retrieved data: %v vs %v", first, moved)
	}

	// unshift restores the original split
	back, err := r.ShiftRoot(ctx, shifted, -1)
	if err != nil {
		t.Fatalf("ShiftRoot back: %v", err)
	}
	if back.Root != "/data" || back.ResourcePath != "run1" {
		t.Fatalf("round trip: root=%q path=%q", back.Root, back.ResourcePath)
	}
}

func TestRetrieveUnknownDatum(t *testing.T) {
	r, _ := newTestRegistry(t)
	if _, err := r.Retrieve(context.Background(), "nope/0"); !errors.Is(err, errdefs.ErrDatumNotFound) {
		t.Fatalf("want ErrDatumNotFound, got %v", err)
	}
}

func TestRetrieveUnregisteredSpec(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)
	if _, err := r.RegisterResource(ctx, document.Resource{UID: "X", Spec: "hdf5", Root: "/d", ResourcePath: "f"}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.RegisterDatum(ctx, "X", map[string]any{"index": 1}); err != nil {
		t.Fatal(err)
	}
	_, err := r.Retrieve(ctx, "X/0")
	var snr *errdefs.SpecNotRegisteredError
	if !errors.As(err, &snr) || snr.Spec != "hdf5" {
		t.Fatalf("want SpecNotRegisteredError for hdf5, got %v", err)
	}
}

func TestRegisterResourceExplicitUIDCollision(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)
	if _, err := r.RegisterResource(ctx, document.Resource{UID: "dup", Spec: "npy", Root: "/a", ResourcePath: "p"}); err != nil {
		t.Fatal(err)
	}
	_, err := r.RegisterResource(ctx, document.Resource{UID: "dup", Spec: "npy", Root: "/b", ResourcePath: "q"})
	if !errors.Is(err, errdefs.ErrDuplicateKey) {
		t.Fatalf("want ErrDuplicateKey, got %v", err)
	}
}

func TestRegisterResourceGeneratesUID(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)
	res, err := r.RegisterResource(ctx, document.Resource{Spec: "npy", Root: "/a", ResourcePath: "p"})
	if err != nil {
		t.Fatal(err)
	}
	if res.UID == "" {
		t.Fatal("expected generated uid")
	}
}

func TestBulkRegisterEquivalence(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)
	for _, uid := range []string{"tab", "list"} {
		if _, err := r.RegisterResource(ctx, document.Resource{UID: uid, Spec: "npy", Root: "/data", ResourcePath: "x"}); err != nil {
			t.Fatal(err)
		}
	}

	fromTable, err := r.BulkRegisterDatumTable(ctx, "tab", map[string][]any{
		"index": {0, 1, 2},
		"gain":  {"low", "mid", "high"},
	})
	if err != nil {
		t.Fatalf("BulkRegisterDatumTable: %v", err)
	}
	fromList, err := r.BulkRegisterDatumList(ctx, "list", []map[string]any{
		{"index": 0, "gain": "low"},
		{"index": 1, "gain": "mid"},
		{"index": 2, "gain": "high"},
	})
	if err != nil {
		t.Fatalf("BulkRegisterDatumList: %v", err)
	}
	if len(fromTable) != 3 || len(fromList) != 3 {
		t.Fatalf("lengths: table=%d list=%d", len(fromTable), len(fromList))
	}
	for i := range fromTable {
		if !reflect.DeepEqual(fromTable[i].DatumKwargs, fromList[i].DatumKwargs) {
			t.Fatalf("row %d kwargs differ: %v vs %v", i, fromTable[i].DatumKwargs, fromList[i].DatumKwargs)
		}
		a, err := r.Retrieve(ctx, fromTable[i].DatumID)
		if err != nil {
			t.Fatal(err)
		}
		b, err := r.Retrieve(ctx, fromList[i].DatumID)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(a, b) {
			t.Fatalf("row %d retrieved values differ: %v vs %v", i, a, b)
		}
	}
}

func TestBulkRegisterTableRaggedColumns(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)
	if _, err := r.RegisterResource(ctx, document.Resource{UID: "rag", Spec: "npy", Root: "/d", ResourcePath: "x"}); err != nil {
		t.Fatal(err)
	}
	_, err := r.BulkRegisterDatumTable(ctx, "rag", map[string][]any{
		"index": {0, 1},
		"gain":  {"low"},
	})
	var inv *errdefs.InvariantError
	if !errors.As(err, &inv) {
		t.Fatalf("want InvariantError, got %v", err)
	}
}

func TestRegisterDatumIDsContinueFromCount(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)
	if _, err := r.RegisterResource(ctx, document.Resource{UID: "seq", Spec: "npy", Root: "/d", ResourcePath: "x"}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.RegisterDatum(ctx, "seq", map[string]any{"index": 0}); err != nil {
		t.Fatal(err)
	}
	ds, err := r.BulkRegisterDatumList(ctx, "seq", []map[string]any{{"index": 1}, {"index": 2}})
	if err != nil {
		t.Fatal(err)
	}
	if ds[0].DatumID != "seq/1" || ds[1].DatumID != "seq/2" {
		t.Fatalf("ids = %q, %q", ds[0].DatumID, ds[1].DatumID)
	}
}

func TestDuplicateHandlerRegistration(t *testing.T) {
	r, _ := newTestRegistry(t)

	// same factory type again is idempotent
	if err := r.RegisterHandler("npy", npyFactory{}, false); err != nil {
		t.Fatalf("re-registering same type: %v", err)
	}
	// different type without overwrite fails
	err := r.RegisterHandler("npy", altFactory{}, false)
	var dup *errdefs.DuplicateHandlerError
	if !errors.As(err, &dup) || dup.Spec != "npy" {
		t.Fatalf("want DuplicateHandlerError, got %v", err)
	}
	// with overwrite it succeeds
	if err := r.RegisterHandler("npy", altFactory{}, true); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
}

func TestDeregisterEvictsCachedHandlers(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)
	res, err := r.RegisterResource(ctx, document.Resource{UID: "ev", Spec: "npy", Root: "/d", ResourcePath: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.GetSpecHandler(res); err != nil {
		t.Fatal(err)
	}
	if r.instances.Len() != 1 {
		t.Fatalf("handler cache len = %d", r.instances.Len())
	}

	r.DeregisterHandler("npy")
	if r.instances.Len() != 0 {
		t.Fatalf("deregister left %d cached handlers", r.instances.Len())
	}
	if _, err := r.GetSpecHandler(res); err == nil {
		t.Fatal("expected missing-spec failure after deregister")
	}

	// a fresh value of the same factory type must hit the same cache slots
	if err := r.RegisterHandler("npy", npyFactory{}, false); err != nil {
		t.Fatal(err)
	}
	if _, err := r.GetSpecHandler(res); err != nil {
		t.Fatal(err)
	}
	if err := r.RegisterHandler("npy", altFactory{}, true); err != nil {
		t.Fatal(err)
	}
	if r.instances.Len() != 0 {
		t.Fatalf("overwrite left %d cached handlers", r.instances.Len())
	}
}

func TestHandlerOverlay(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)
	_, err := r.RegisterResource(ctx, document.Resource{UID: "ov", Spec: "npy", Root: "/d", ResourcePath: "x"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.RegisterDatum(ctx, "ov", map[string]any{"index": 0}); err != nil {
		t.Fatal(err)
	}

	base, err := r.Retrieve(ctx, "ov/0")
	if err != nil {
		t.Fatal(err)
	}

	err = r.WithHandlers(map[string]Factory{"npy": altFactory{}}, func() error {
		v, err := r.Retrieve(ctx, "ov/0")
		if err != nil {
			return err
		}
		if v != "alt" {
			return fmt.Errorf("overlay handler not used: %v", v)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("WithHandlers: %v", err)
	}

	// popped: base handler rules again, overlay instances evicted
	after, err := r.Retrieve(ctx, "ov/0")
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(base, after) {
		t.Fatalf("after pop: %v, want %v", after, base)
	}
	for _, k := range r.instances.Keys() {
		if k.factory == factoryName(altFactory{}) {
			t.Fatal("overlay handler instance survived pop")
		}
	}
}

func TestHandlerOverlayPopIdempotent(t *testing.T) {
	r, _ := newTestRegistry(t)
	pop := r.PushHandlers(map[string]Factory{"tmp": altFactory{}})
	pop()
	pop() // second call must be a no-op
	if _, err := r.GetSpecHandler(document.Resource{UID: "u", Spec: "tmp"}); err == nil {
		t.Fatal("overlay spec survived pop")
	}
}

func TestRootMapSubstitution(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)
	res, err := r.RegisterResource(ctx, document.Resource{UID: "rm", Spec: "npy", Root: "/old/mount", ResourcePath: "f"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.RegisterDatum(ctx, "rm", map[string]any{"index": 0}); err != nil {
		t.Fatal(err)
	}
	r.SetRootMap(map[string]string{"/old/mount": "/new/location/mount"})

	h, err := r.GetSpecHandler(res)
	if err != nil {
		t.Fatal(err)
	}
	nh, ok := h.(*npyHandler)
	if !ok {
		t.Fatalf("unexpected handler %T", h)
	}
	if nh.abs != "/new/location/mount/f" {
		t.Fatalf("root map not applied: %q", nh.abs)
	}
}

func TestHistoryOrderingAndRestart(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)
	res, err := r.RegisterResource(ctx, document.Resource{UID: "h", Spec: "npy", Root: "/a/b/c", ResourcePath: "d/e"})
	if err != nil {
		t.Fatal(err)
	}

	cur := res
	for _, delta := range []int{1, 1, -2} {
		cur, err = r.ShiftRoot(ctx, cur, delta)
		if err != nil {
			t.Fatalf("shift %d: %v", delta, err)
		}
	}

	collect := func() []document.ResourceUpdate {
		var out []document.ResourceUpdate
		for upd, err := range r.History(ctx, "h") {
			if err != nil {
				t.Fatalf("history: %v", err)
			}
			out = append(out, upd)
		}
		return out
	}

	hist := collect()
	if len(hist) != 3 {
		t.Fatalf("history len = %d, want 3", len(hist))
	}
	for i := 1; i < len(hist); i++ {
		if hist[i].Time < hist[i-1].Time {
			t.Fatalf("history times out of order at %d", i)
		}
		if !reflect.DeepEqual(hist[i].Old, hist[i-1].New) {
			t.Fatalf("record %d old does not chain to previous new", i)
		}
	}
	if hist[0].Cmd != "shift_root" {
		t.Fatalf("cmd = %q", hist[0].Cmd)
	}

	// restartable: a second walk re-reads the log, including later appends
	if _, err := r.ShiftRoot(ctx, cur, 1); err != nil {
		t.Fatal(err)
	}
	if got := len(collect()); got != 4 {
		t.Fatalf("second walk len = %d, want 4", got)
	}
}

func TestHistorySinkFanOut(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)
	var got []history.Record
	r.SetHistorySinks(sinkFunc(func(_ context.Context, rec history.Record) error {
		got = append(got, rec)
		return nil
	}))

	res, err := r.RegisterResource(ctx, document.Resource{UID: "sk", Spec: "npy", Root: "/a", ResourcePath: "b"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.ShiftRoot(ctx, res, 1); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("sink received %d records", len(got))
	}
	if got[0].Resource != "sk" || got[0].Cmd != "shift_root" {
		t.Fatalf("sink record = %+v", got[0])
	}
}

type sinkFunc func(ctx context.Context, r history.Record) error

func (f sinkFunc) Send(ctx context.Context, r history.Record) error { return f(ctx, r) }

func TestShiftRootStaleCopyRejected(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)
	res, err := r.RegisterResource(ctx, document.Resource{UID: "st", Spec: "npy", Root: "/a/b", ResourcePath: "c"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.ShiftRoot(ctx, res, 1); err != nil {
		t.Fatal(err)
	}
	// res is now stale
	_, err = r.ShiftRoot(ctx, res, -1)
	var inv *errdefs.InvariantError
	if !errors.As(err, &inv) {
		t.Fatalf("want InvariantError for stale copy, got %v", err)
	}
}

func TestShiftRootOutOfBounds(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)
	res, err := r.RegisterResource(ctx, document.Resource{UID: "ob", Spec: "npy", Root: "/a", ResourcePath: "b/c"})
	if err != nil {
		t.Fatal(err)
	}
	var inv *errdefs.InvariantError
	if _, err := r.ShiftRoot(ctx, res, 3); !errors.As(err, &inv) {
		t.Fatalf("shift past resource_path: %v", err)
	}
	if _, err := r.ShiftRoot(ctx, res, -2); !errors.As(err, &inv) {
		t.Fatalf("shift past root: %v", err)
	}
	// failed shifts leave no history
	for upd, err := range r.History(ctx, "ob") {
		if err != nil {
			t.Fatal(err)
		}
		t.Fatalf("unexpected history record %+v", upd)
	}
}

func TestClearProcessCache(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)
	if _, err := r.RegisterResource(ctx, document.Resource{UID: "cc", Spec: "npy", Root: "/d", ResourcePath: "x"}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.RegisterDatum(ctx, "cc", map[string]any{"index": 0}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Retrieve(ctx, "cc/0"); err != nil {
		t.Fatal(err)
	}
	if r.datums.Len() == 0 || r.resources.Len() == 0 || r.instances.Len() == 0 {
		t.Fatal("caches should be populated after a retrieve")
	}
	r.ClearProcessCache()
	if r.datums.Len() != 0 || r.resources.Len() != 0 || r.instances.Len() != 0 {
		t.Fatal("caches should be empty after ClearProcessCache")
	}
	if _, err := r.Retrieve(ctx, "cc/0"); err != nil {
		t.Fatalf("retrieve after clear: %v", err)
	}
}

func TestNewRequiresStore(t *testing.T) {
	if _, err := New(nil, Config{}); !errors.Is(err, errdefs.ErrInvalidConfiguration) {
		t.Fatalf("want ErrInvalidConfiguration, got %v", err)
	}
}
