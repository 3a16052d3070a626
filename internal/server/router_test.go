package server

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/runbroker/runbroker/internal/catalog"
	"github.com/runbroker/runbroker/internal/document"
	"github.com/runbroker/runbroker/internal/jsoncodec"
	"github.com/runbroker/runbroker/internal/registry"
	"github.com/runbroker/runbroker/internal/store/memory"
)

func newTestRouter(t *testing.T) (*Router, *memory.Store, *registry.Registry) {
	t.Helper()
	ctx := context.Background()
	st := memory.New(false)
	seed := []error{
		st.InsertRunStart(ctx, document.RunStart{UID: "run-alpha", ScanID: 11, Time: 100}),
		st.InsertRunStart(ctx, document.RunStart{UID: "run-beta", ScanID: 12, Time: 200}),
		st.InsertDescriptor(ctx, document.Descriptor{
			UID: "da", RunStart: "run-alpha", Name: "primary", Time: 100.5,
			DataKeys: map[string]document.DataKey{"x": {Dtype: "number"}},
		}),
		st.InsertEvent(ctx, document.Event{
			UID: "ev1", Descriptor: "da", Time: 101, SeqNum: 1, Data: map[string]any{"x": 1.0},
		}),
		st.InsertEvent(ctx, document.Event{
			UID: "ev2", Descriptor: "da", Time: 102, SeqNum: 2, Data: map[string]any{"x": 2.0},
		}),
		st.InsertRunStop(ctx, document.RunStop{UID: "stop-alpha", RunStart: "run-alpha", Time: 103, ExitStatus: "success"}),
	}
	for _, err := range seed {
		if err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	reg, err := registry.New(st, registry.Config{})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}
	cat, err := catalog.New(st, st, reg, catalog.Config{})
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}
	return NewRouter(cat, "/api"), st, reg
}

func doGET(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	r, _, _ := newTestRouter(t)
	w := doGET(t, r.Handler(), "/api/healthz")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", w.Code)
	}
}

func TestRunsList(t *testing.T) {
	r, _, _ := newTestRouter(t)
	w := doGET(t, r.Handler(), "/api/runs")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200: %s", w.Code, w.Body.String())
	}
	var runs []document.RunStart
	if err := jsoncodec.Unmarshal(w.Body.Bytes(), &runs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(runs) != 2 || runs[0].UID != "run-alpha" {
		t.Fatalf("runs = %+v", runs)
	}
}

func TestRunSummaryByKey(t *testing.T) {
	r, _, _ := newTestRouter(t)
	h := r.Handler()
	for _, key := range []string{"11", "run-alpha", "run-a", "-2"} {
		w := doGET(t, h, "/api/runs/"+key)
		if w.Code != http.StatusOK {
			t.Fatalf("key %q: code = %d: %s", key, w.Code, w.Body.String())
		}
		var sum struct {
			Start   document.RunStart `json:"start"`
			Stop    *document.RunStop `json:"stop"`
			Streams []string          `json:"streams"`
		}
		if err := jsoncodec.Unmarshal(w.Body.Bytes(), &sum); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if sum.Start.UID != "run-alpha" {
			t.Fatalf("key %q resolved to %q", key, sum.Start.UID)
		}
		if sum.Stop == nil || sum.Stop.ExitStatus != "success" {
			t.Fatalf("stop = %+v", sum.Stop)
		}
		if len(sum.Streams) != 1 || sum.Streams[0] != "primary" {
			t.Fatalf("streams = %v", sum.Streams)
		}
	}
}

func TestRunKeyErrors(t *testing.T) {
	r, _, _ := newTestRouter(t)
	h := r.Handler()
	if w := doGET(t, h, "/api/runs/ghost"); w.Code != http.StatusNotFound {
		t.Fatalf("unknown run: code = %d, want 404", w.Code)
	}
	if w := doGET(t, h, "/api/runs/run-"); w.Code != http.StatusBadRequest {
		t.Fatalf("ambiguous prefix: code = %d, want 400", w.Code)
	}
}

func TestDocumentsStream(t *testing.T) {
	r, _, _ := newTestRouter(t)
	w := doGET(t, r.Handler(), "/api/runs/run-alpha/documents")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "ndjson") {
		t.Fatalf("content type = %q", ct)
	}
	var names []document.Kind
	sc := bufio.NewScanner(w.Body)
	for sc.Scan() {
		var pr document.Pair
		if err := jsoncodec.Unmarshal(sc.Bytes(), &pr); err != nil {
			t.Fatalf("line %q: %v", sc.Text(), err)
		}
		names = append(names, pr.Name)
	}
	if len(names) < 3 {
		t.Fatalf("names = %v", names)
	}
	if names[0] != document.KindStart || names[len(names)-1] != document.KindStop {
		t.Fatalf("names = %v", names)
	}
}

func TestPartitionEndpoints(t *testing.T) {
	r, _, _ := newTestRouter(t)
	h := r.Handler()

	w := doGET(t, h, "/api/runs/run-alpha/partitions")
	if w.Code != http.StatusOK {
		t.Fatalf("count: code = %d: %s", w.Code, w.Body.String())
	}
	var count struct {
		Count int `json:"count"`
	}
	if err := jsoncodec.Unmarshal(w.Body.Bytes(), &count); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if count.Count < 2 {
		t.Fatalf("count = %d", count.Count)
	}

	w = doGET(t, h, "/api/runs/run-alpha/partitions/0")
	if w.Code != http.StatusOK {
		t.Fatalf("partition 0: code = %d: %s", w.Code, w.Body.String())
	}
	var pairs []document.Pair
	if err := jsoncodec.Unmarshal(w.Body.Bytes(), &pairs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(pairs) == 0 || pairs[0].Name != document.KindStart {
		t.Fatalf("pairs = %+v", pairs)
	}

	if w = doGET(t, h, "/api/runs/run-alpha/partitions/99"); w.Code != http.StatusBadRequest {
		t.Fatalf("out of range: code = %d, want 400", w.Code)
	}
	if w = doGET(t, h, "/api/runs/run-alpha/partitions/x"); w.Code != http.StatusBadRequest {
		t.Fatalf("non-integer: code = %d, want 400", w.Code)
	}
}

func TestResourceHistory(t *testing.T) {
	r, st, reg := newTestRouter(t)
	ctx := context.Background()
	res := document.Resource{UID: "res-1", Spec: "spec", Root: "/a/b", ResourcePath: "c/d.h5", PathSemantics: "posix"}
	if err := st.InsertResource(ctx, res); err != nil {
		t.Fatalf("insert resource: %v", err)
	}
	if _, err := reg.ShiftRoot(ctx, res, 1); err != nil {
		t.Fatalf("shift root: %v", err)
	}

	w := doGET(t, r.Handler(), "/api/resources/res-1/history")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d: %s", w.Code, w.Body.String())
	}
	var updates []document.ResourceUpdate
	if err := jsoncodec.Unmarshal(w.Body.Bytes(), &updates); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(updates) != 1 || updates[0].Cmd != "shift_root" {
		t.Fatalf("updates = %+v", updates)
	}
	if updates[0].New.Root != "/a/b/c" {
		t.Fatalf("new root = %q", updates[0].New.Root)
	}
}

func TestSanitizeBase(t *testing.T) {
	cases := map[string]string{
		"":      "",
		"/":     "",
		"api":   "/api",
		"/api/": "/api",
	}
	for in, want := range cases {
		if got := sanitizeBase(in); got != want {
			t.Fatalf("sanitizeBase(%q) = %q, want %q", in, got, want)
		}
	}
}
