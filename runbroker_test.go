package runbroker

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

// demoFactory builds handlers that join the resource location and format one
// string per datum, standing in for a real file reader.
type demoFactory struct{}

func (demoFactory) New(root, resourcePath string, _ map[string]any) (Handler, error) {
	return demoHandler{abs: root + "/" + resourcePath}, nil
}

type demoHandler struct{ abs string }

func (h demoHandler) Retrieve(kwargs map[string]any) (any, error) {
	return fmt.Sprintf("%s#%v", h.abs, kwargs["i"]), nil
}

const runFixture = `{"name":"start","doc":{"uid":"run-x","time":100,"scan_id":42}}
{"name":"descriptor","doc":{"uid":"dx","run_start":"run-x","name":"primary","time":101,"data_keys":{"img":{"dtype":"array","shape":[16],"external":"FILESTORE:"},"n":{"dtype":"number","shape":[]}}}}
{"name":"resource","doc":{"uid":"rx","spec":"demo","root":"/data","resource_path":"run-x","resource_kwargs":{},"run_start":"run-x"}}
{"name":"datum","doc":{"datum_id":"rx/0","resource":"rx","datum_kwargs":{"i":0}}}
{"name":"event","doc":{"uid":"ex","descriptor":"dx","time":102,"seq_num":1,"data":{"img":"rx/0","n":7},"timestamps":{"img":102,"n":102},"filled":{"img":false}}}
{"name":"stop","doc":{"uid":"sx","run_start":"run-x","time":110,"exit_status":"success"}}
`

func writeBrokerConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runs := filepath.Join(dir, "night.jsonl")
	if err := os.WriteFile(runs, []byte(runFixture), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg := fmt.Sprintf(`
[store]
dsn = "mem://"

[runs]
files = [%q]

[registry]
datum_cache = 100
resource_cache = 10
handler_cache = 10

[partition]
size = 50

[log]
level = "error"
`, runs)
	p := filepath.Join(dir, "runbroker.toml")
	if err := os.WriteFile(p, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestOpenFromConfigEndToEnd(t *testing.T) {
	ctx := context.Background()
	fc, err := LoadConfig(writeBrokerConfig(t))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	b, err := OpenFromConfig(ctx, fc)
	if err != nil {
		t.Fatalf("OpenFromConfig: %v", err)
	}
	defer func() { _ = b.Close() }()

	if err := b.Registry.RegisterHandler("demo", demoFactory{}, false); err != nil {
		t.Fatalf("register handler: %v", err)
	}

	run, err := b.Get(ctx, ParseKey("42"))
	if err != nil {
		t.Fatalf("get by scan id: %v", err)
	}
	if run.Start().UID != "run-x" {
		t.Fatalf("resolved wrong run: %q", run.Start().UID)
	}
	stop, err := run.Stop(ctx)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if stop == nil || stop.ExitStatus != "success" {
		t.Fatalf("unexpected stop: %+v", stop)
	}
	streams, err := run.Streams(ctx)
	if err != nil {
		t.Fatalf("streams: %v", err)
	}
	if !slices.Equal(streams, []string{"primary"}) {
		t.Fatalf("streams: %v", streams)
	}
	res, err := run.Resources(ctx)
	if err != nil {
		t.Fatalf("resources: %v", err)
	}
	if len(res) != 1 || res[0].UID != "rx" {
		t.Fatalf("resources: %+v", res)
	}

	var img any
	for pr, err := range run.Documents(ctx, true) {
		if err != nil {
			t.Fatalf("documents: %v", err)
		}
		if pr.Name != KindEventPage {
			continue
		}
		page := pr.Doc.(EventPage)
		img = page.Data["img"][0]
	}
	if img != "/data/run-x#0" {
		t.Fatalf("filled value: %v", img)
	}
}

func TestBrokerByPartialUID(t *testing.T) {
	ctx := context.Background()
	fc, err := LoadConfig(writeBrokerConfig(t))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	b, err := OpenFromConfig(ctx, fc)
	if err != nil {
		t.Fatalf("OpenFromConfig: %v", err)
	}
	defer func() { _ = b.Close() }()

	run, err := b.Get(ctx, ParseKey("run-"))
	if err != nil {
		t.Fatalf("get by prefix: %v", err)
	}
	if run.Start().ScanID != 42 {
		t.Fatalf("scan id: %d", run.Start().ScanID)
	}
	if _, err := b.Get(ctx, ParseKey("nope")); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestLoadConfigMissingDSN(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "bad.toml")
	if err := os.WriteFile(p, []byte("[partition]\nsize = 5\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(p); !errors.Is(err, ErrInvalidConfiguration) {
		t.Fatalf("expected ErrInvalidConfiguration, got %v", err)
	}
}

func TestInterlaceFacade(t *testing.T) {
	seq := func(ps []Pair) iter.Seq[Pair] {
		return func(yield func(Pair) bool) {
			for _, p := range ps {
				if !yield(p) {
					return
				}
			}
		}
	}
	a := seq([]Pair{
		{Name: KindStart, Doc: RunStart{UID: "r", Time: 1}},
		{Name: KindEvent, Doc: Event{UID: "e1", Descriptor: "d1", Time: 5}},
	})
	b := seq([]Pair{
		{Name: KindEvent, Doc: Event{UID: "e2", Descriptor: "d2", Time: 3}},
	})
	var uids []string
	for p := range Interlace(a, b) {
		ev, ok := p.Doc.(Event)
		if !ok {
			t.Fatalf("unexpected document kind %q", p.Name)
		}
		uids = append(uids, ev.UID)
	}
	if !slices.Equal(uids, []string{"e2", "e1"}) {
		t.Fatalf("merge order: %v", uids)
	}
}

func TestNewFillerStreamFed(t *testing.T) {
	st := NewMemoryStore(false)
	reg, err := NewRegistry(st, RegistryConfig{})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if err := reg.RegisterHandler("demo", demoFactory{}, false); err != nil {
		t.Fatalf("register handler: %v", err)
	}
	f := NewFiller(reg, nil)
	f.Consume(Pair{Name: KindDescriptor, Doc: Descriptor{
		UID: "d1", RunStart: "r", Name: "primary",
		DataKeys: map[string]DataKey{"img": {Dtype: "array", External: "FILESTORE:"}},
	}})
	f.Consume(Pair{Name: KindResource, Doc: Resource{
		UID: "rs", Spec: "demo", Root: "/a", ResourcePath: "b",
	}})
	f.Consume(Pair{Name: KindDatum, Doc: Datum{
		DatumID: "rs/0", Resource: "rs", DatumKwargs: map[string]any{"i": 9},
	}})
	ev, err := f.FillEvent(context.Background(), Event{
		UID: "e1", Descriptor: "d1", Time: 1,
		Data:   map[string]any{"img": "rs/0"},
		Filled: map[string]FillState{"img": {}},
	})
	if err != nil {
		t.Fatalf("FillEvent: %v", err)
	}
	if ev.Data["img"] != "/a/b#9" {
		t.Fatalf("filled data: %v", ev.Data["img"])
	}
	if !ev.Filled["img"].Filled || ev.Filled["img"].DatumID != "rs/0" {
		t.Fatalf("fill state: %+v", ev.Filled["img"])
	}
}

func TestMetricsHelpers(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := RegisterMetrics(reg); err != nil {
		t.Fatalf("RegisterMetrics: %v", err)
	}
	if err := RegisterMetricsDefault(); err != nil {
		t.Fatalf("RegisterMetricsDefault: %v", err)
	}
}
