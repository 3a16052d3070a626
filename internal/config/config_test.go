package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runbroker/runbroker/internal/document"
	"github.com/runbroker/runbroker/internal/errdefs"
	"github.com/runbroker/runbroker/internal/jsoncodec"
	"github.com/runbroker/runbroker/internal/store/memory"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "runbroker.toml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadFullConfig(t *testing.T) {
	p := writeConfig(t, `
[store]
dsn = "sqlite://assets.db"
ignore_duplicates = true

[runs]
files = ["night1.jsonl"]

[registry]
datum_cache = 500
resource_cache = 50
handler_cache = 5

[registry.root_map]
"/nfs/archive" = "/mnt/archive"

[registry.specs]
"AD_HDF5" = "area detector files"

[history]
sinks = ["sqlite://history.db"]

[partition]
size = 25

[log]
level = "debug"
format = "json"

[server]
listen = ":8089"
`)
	fc, err := Load(p)
	require.NoError(t, err)

	assert.Equal(t, "sqlite://assets.db", fc.Store.DSN)
	assert.True(t, fc.Store.IgnoreDuplicates)
	assert.Equal(t, []string{"night1.jsonl"}, fc.Runs.Files)
	assert.Equal(t, 500, fc.Registry.DatumCache)
	assert.Equal(t, map[string]string{"/nfs/archive": "/mnt/archive"}, fc.Registry.RootMap)
	assert.Equal(t, "area detector files", fc.Registry.Specs["AD_HDF5"])
	assert.Equal(t, []string{"sqlite://history.db"}, fc.History.Sinks)
	assert.Equal(t, 25, fc.Partition.Size)
	require.NotNil(t, fc.Log)
	assert.Equal(t, "debug", fc.Log.Level)
	assert.Equal(t, ":8089", fc.Server.Listen)

	rc := fc.Registry.RegistryConfig(nil)
	assert.Equal(t, 500, rc.DatumCacheSize)
	assert.Equal(t, 50, rc.ResourceCacheSize)
	assert.Equal(t, "/mnt/archive", rc.RootMap["/nfs/archive"])
}

func TestLoadDefaultsToZeroValues(t *testing.T) {
	fc, err := Load(writeConfig(t, "[store]\ndsn = \"mem://\"\n"))
	require.NoError(t, err)
	assert.Zero(t, fc.Partition.Size)
	assert.Nil(t, fc.Log)
	assert.Empty(t, fc.History.Sinks)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing dsn", "[partition]\nsize = 10\n"},
		{"negative partition size", "[store]\ndsn = \"mem://\"\n[partition]\nsize = -1\n"},
		{"negative cache", "[store]\ndsn = \"mem://\"\n[registry]\ndatum_cache = -5\n"},
		{"blank sink", "[store]\ndsn = \"mem://\"\n[history]\nsinks = [\" \"]\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			assert.ErrorIs(t, err, errdefs.ErrInvalidConfiguration)
		})
	}
}

func TestBuildSinks(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	sinks, err := HistoryConfig{Sinks: []string{dbPath}}.BuildSinks()
	require.NoError(t, err)
	require.Len(t, sinks, 1)

	_, err = HistoryConfig{Sinks: []string{"amqp://nope"}}.BuildSinks()
	assert.ErrorIs(t, err, errdefs.ErrInvalidConfiguration)
}

func TestRunsLoadInto(t *testing.T) {
	pairs := []document.Pair{
		{Name: document.KindStart, Doc: document.RunStart{UID: "r1", ScanID: 3, Time: 1}},
		{Name: document.KindDescriptor, Doc: document.Descriptor{
			UID: "d1", RunStart: "r1", Name: "primary", Time: 1.5,
			DataKeys: map[string]document.DataKey{"x": {Dtype: "number"}},
		}},
		{Name: document.KindEvent, Doc: document.Event{
			UID: "e1", Descriptor: "d1", Time: 2, SeqNum: 1, Data: map[string]any{"x": 1.0},
		}},
		{Name: document.KindStop, Doc: nil}, // run that never completed
	}
	var buf []byte
	for _, pr := range pairs {
		b, err := jsoncodec.Marshal(pr)
		require.NoError(t, err)
		buf = append(buf, b...)
		buf = append(buf, '\n')
	}
	p := filepath.Join(t.TempDir(), "run.jsonl")
	require.NoError(t, os.WriteFile(p, buf, 0o644))

	st := memory.New(false)
	require.NoError(t, RunsConfig{Files: []string{p}}.LoadInto(context.Background(), st))

	run, err := st.GetRunStart(context.Background(), "r1")
	require.NoError(t, err)
	assert.EqualValues(t, 3, run.ScanID)
	n, err := st.CountEvents(context.Background(), "d1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	stop, err := st.GetRunStop(context.Background(), "r1")
	require.NoError(t, err)
	assert.Nil(t, stop)
}

func TestRunsLoadIntoBadLine(t *testing.T) {
	p := filepath.Join(t.TempDir(), "bad.jsonl")
	require.NoError(t, os.WriteFile(p, []byte("{\"name\":\"event\"}\n"), 0o644))
	err := RunsConfig{Files: []string{p}}.LoadInto(context.Background(), memory.New(false))
	assert.Error(t, err)
}
