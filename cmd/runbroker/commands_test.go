package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/runbroker/runbroker"
)

const testRunDocs = `{"name":"start","doc":{"uid":"run-x","time":100,"scan_id":42}}
{"name":"descriptor","doc":{"uid":"dx","run_start":"run-x","name":"primary","time":101,"data_keys":{"n":{"dtype":"number","shape":[]}}}}
{"name":"event","doc":{"uid":"e1","descriptor":"dx","time":102,"seq_num":1,"data":{"n":7},"timestamps":{"n":102}}}
{"name":"event","doc":{"uid":"e2","descriptor":"dx","time":103,"seq_num":2,"data":{"n":8},"timestamps":{"n":103}}}
{"name":"stop","doc":{"uid":"sx","run_start":"run-x","time":110,"exit_status":"success"}}
`

func writeMemConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	runs := filepath.Join(dir, "run.jsonl")
	if err := os.WriteFile(runs, []byte(testRunDocs), 0o644); err != nil {
		t.Fatalf("write runs: %v", err)
	}
	cfg := fmt.Sprintf(`
[store]
dsn = "mem://"

[runs]
files = [%q]

[partition]
size = 1

[log]
level = "error"
`, runs)
	p := filepath.Join(dir, "runbroker.toml")
	if err := os.WriteFile(p, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestCmdInfo(t *testing.T) {
	cfg := writeMemConfig(t)
	var out bytes.Buffer
	c := command{out: &out}
	if err := c.Info(InfoFlags{Run: "42"}, cfg); err != nil {
		t.Fatalf("info: %v", err)
	}
	var got struct {
		Start struct {
			UID string `json:"uid"`
		} `json:"start"`
		Stop struct {
			ExitStatus string `json:"exit_status"`
		} `json:"stop"`
		Streams []string `json:"streams"`
	}
	if err := json.Unmarshal(out.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal info output: %v\n%s", err, out.String())
	}
	if got.Start.UID != "run-x" {
		t.Fatalf("start uid: %q", got.Start.UID)
	}
	if got.Stop.ExitStatus != "success" {
		t.Fatalf("stop status: %q", got.Stop.ExitStatus)
	}
	if len(got.Streams) != 1 || got.Streams[0] != "primary" {
		t.Fatalf("streams: %v", got.Streams)
	}
}

func TestCmdInfoNoConfig(t *testing.T) {
	c := command{out: &bytes.Buffer{}}
	if err := c.Info(InfoFlags{Run: "42"}, ""); err == nil {
		t.Fatal("expected error without config")
	}
}

func TestCmdInfoUnknownRun(t *testing.T) {
	cfg := writeMemConfig(t)
	c := command{out: &bytes.Buffer{}}
	err := c.Info(InfoFlags{Run: "999"}, cfg)
	if !errors.Is(err, runbroker.ErrRunNotFound) {
		t.Fatalf("expected ErrRunNotFound, got %v", err)
	}
}

func TestCmdDocuments(t *testing.T) {
	cfg := writeMemConfig(t)
	var out bytes.Buffer
	c := command{out: &out}
	if err := c.Documents(DocumentsFlags{Run: "-1"}, cfg); err != nil {
		t.Fatalf("documents: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	var names []string
	for _, ln := range lines {
		var pr struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal([]byte(ln), &pr); err != nil {
			t.Fatalf("bad line %q: %v", ln, err)
		}
		names = append(names, pr.Name)
	}
	if names[0] != "start" || names[len(names)-1] != "stop" {
		t.Fatalf("document order: %v", names)
	}
}

func TestCmdPartitions(t *testing.T) {
	cfg := writeMemConfig(t)
	var out bytes.Buffer
	c := command{out: &out}

	if err := c.Partitions(PartitionsFlags{Run: "run-x", Index: -1}, cfg); err != nil {
		t.Fatalf("partitions count: %v", err)
	}
	var count struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(out.Bytes(), &count); err != nil {
		t.Fatalf("unmarshal count: %v\n%s", err, out.String())
	}
	// size 1 with two events forces at least header + 2 event partitions
	if count.Count < 3 {
		t.Fatalf("partition count: %d", count.Count)
	}

	out.Reset()
	if err := c.Partitions(PartitionsFlags{Run: "run-x", Index: 0}, cfg); err != nil {
		t.Fatalf("partition 0: %v", err)
	}
	var part []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(out.Bytes(), &part); err != nil {
		t.Fatalf("unmarshal partition: %v\n%s", err, out.String())
	}
	if len(part) == 0 || part[0].Name != "start" {
		t.Fatalf("partition 0 contents: %+v", part)
	}

	if err := c.Partitions(PartitionsFlags{Run: "run-x", Index: 99}, cfg); !errors.Is(err, runbroker.ErrPartitionOutOfRange) {
		t.Fatalf("expected ErrPartitionOutOfRange, got %v", err)
	}
}

func writeSqliteConfig(t *testing.T, dsn string) string {
	t.Helper()
	dir := t.TempDir()
	cfg := fmt.Sprintf(`
[store]
dsn = %q

[log]
level = "error"
`, dsn)
	p := filepath.Join(dir, "runbroker.toml")
	if err := os.WriteFile(p, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestCmdRootRelocation(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dsn := "sqlite://" + filepath.Join(dir, "assets.db")

	st, err := runbroker.NewAssetStore(dsn, false)
	if err != nil {
		t.Fatalf("NewAssetStore: %v", err)
	}
	if err := st.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if err := st.InsertResource(ctx, runbroker.Resource{
		UID:            "res-1",
		Spec:           "demo",
		Root:           "/a/b",
		ResourcePath:   "c/d.h5",
		ResourceKwargs: map[string]any{},
		PathSemantics:  "posix",
	}); err != nil {
		t.Fatalf("InsertResource: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	cfg := writeSqliteConfig(t, dsn)
	var out bytes.Buffer
	c := command{out: &out}

	if err := c.ShiftRoot(ShiftRootFlags{UID: "res-1", Shift: 1}, cfg); err != nil {
		t.Fatalf("shift-root: %v", err)
	}
	var shifted runbroker.Resource
	if err := json.Unmarshal(out.Bytes(), &shifted); err != nil {
		t.Fatalf("unmarshal shifted: %v\n%s", err, out.String())
	}
	if shifted.Root != "/a/b/c" || shifted.ResourcePath != "d.h5" {
		t.Fatalf("shifted resource: %+v", shifted)
	}

	out.Reset()
	if err := c.CorrectRoot(CorrectRootFlags{UID: "res-1", Root: "/archive"}, cfg); err != nil {
		t.Fatalf("correct-root: %v", err)
	}
	var corrected runbroker.Resource
	if err := json.Unmarshal(out.Bytes(), &corrected); err != nil {
		t.Fatalf("unmarshal corrected: %v\n%s", err, out.String())
	}
	if corrected.Root != "/archive" {
		t.Fatalf("corrected resource: %+v", corrected)
	}

	out.Reset()
	if err := c.History(HistoryFlags{UID: "res-1"}, cfg); err != nil {
		t.Fatalf("history: %v", err)
	}
	var updates []runbroker.ResourceUpdate
	if err := json.Unmarshal(out.Bytes(), &updates); err != nil {
		t.Fatalf("unmarshal history: %v\n%s", err, out.String())
	}
	if len(updates) != 2 {
		t.Fatalf("history length: %d", len(updates))
	}
	if updates[0].Cmd != "shift_root" || updates[1].Cmd != "correct_root" {
		t.Fatalf("history commands: %s, %s", updates[0].Cmd, updates[1].Cmd)
	}
	if updates[1].New.Root != "/archive" {
		t.Fatalf("final root: %q", updates[1].New.Root)
	}
}

func TestCmdMoveFilesNeedsHandler(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	dsn := "sqlite://" + filepath.Join(dir, "assets.db")

	st, err := runbroker.NewAssetStore(dsn, false)
	if err != nil {
		t.Fatalf("NewAssetStore: %v", err)
	}
	if err := st.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	if err := st.InsertResource(ctx, runbroker.Resource{
		UID: "res-1", Spec: "demo", Root: "/a", ResourcePath: "b",
	}); err != nil {
		t.Fatalf("InsertResource: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	cfg := writeSqliteConfig(t, dsn)
	c := command{out: &bytes.Buffer{}}
	// no handler registered in the CLI process, so listing files must fail
	if err := c.MoveFiles(MoveFilesFlags{UID: "res-1", Dest: "/new"}, cfg); err == nil {
		t.Fatal("expected error without a registered handler")
	}
}
