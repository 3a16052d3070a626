package store

import (
	"context"

	"github.com/runbroker/runbroker/internal/document"
)

// AssetStore is the persistence boundary for resource/datum metadata and
// the append-only resource revision history. Implementations live in the
// sqlite, postgres and memory subpackages behind the factory.
//
// Stores are append-only under normal operation: resources and datums are
// inserted once and never mutated in place. The single exception is
// ReviseResource, which overwrites the current resource row (last writer
// wins) while recording the old and new snapshots in the history log.
type AssetStore interface {
	// EnsureSchema initializes a fresh database and validates an existing
	// one. A database holding tables that do not match the expected set is
	// an ErrInvalidConfiguration, not something to silently migrate.
	EnsureSchema(ctx context.Context) error

	InsertResource(ctx context.Context, res document.Resource) error
	InsertDatum(ctx context.Context, d document.Datum) error
	// InsertDatums inserts a batch; ids within the batch are expected to be
	// fresh, so the whole batch fails on the first collision.
	InsertDatums(ctx context.Context, ds []document.Datum) error

	GetResource(ctx context.Context, uid string) (document.Resource, error)
	GetDatum(ctx context.Context, datumID string) (document.Datum, error)
	// ResourceForDatum is the slow-path datum->resource lookup used when a
	// datum id does not carry its resource uid as a "/"-prefix.
	ResourceForDatum(ctx context.Context, datumID string) (string, error)

	CountDatums(ctx context.Context, resourceUID string) (int, error)
	// DatumPage returns datums [skip, skip+limit) of a resource in
	// insertion order, packed columnar.
	DatumPage(ctx context.Context, resourceUID string, skip, limit int) (document.DatumPage, error)

	// ResourcesForRun lists resources that back-reference the given run, in
	// registration order. Backends whose schema has no run linkage (the
	// sqlite/postgres asset schema) return an empty list; such "old style"
	// resources are discovered lazily through ResourceForDatum.
	ResourcesForRun(ctx context.Context, runStartUID string) ([]document.Resource, error)

	// ReviseResource overwrites the stored resource identified by
	// upd.Resource with upd.New and appends upd to the revision history.
	ReviseResource(ctx context.Context, upd document.ResourceUpdate) error
	// History returns all revision records of a resource in insertion
	// order. Callers re-query to observe later appends.
	History(ctx context.Context, resourceUID string) ([]document.ResourceUpdate, error)

	Close() error
}

// RunStore is the persistence boundary for run documents: run-start,
// run-stop, descriptors and events. The query surface is what the catalog
// needs for key resolution and paged event access.
type RunStore interface {
	GetRunStart(ctx context.Context, uid string) (document.RunStart, error)
	// GetRunStartByScanID returns the most recent run with the given scan
	// id (scan ids may repeat across runs).
	GetRunStartByScanID(ctx context.Context, scanID int64) (document.RunStart, error)
	// FindRunStartByPrefix resolves a partial uid. Matching more than one
	// run is ErrAmbiguousKey; matching none is ErrRunNotFound.
	FindRunStartByPrefix(ctx context.Context, prefix string) (document.RunStart, error)
	// RunStarts lists all runs ordered by start time ascending, for
	// relative indexing.
	RunStarts(ctx context.Context) ([]document.RunStart, error)

	// GetRunStop returns nil without error when the run has no stop
	// document: a run in progress, or one that died before completing, is
	// a valid state.
	GetRunStop(ctx context.Context, runStartUID string) (*document.RunStop, error)

	Descriptors(ctx context.Context, runStartUID string) ([]document.Descriptor, error)
	CountEvents(ctx context.Context, descriptorUID string) (int, error)
	// EventPage returns events [skip, skip+limit) of a descriptor in time
	// order, packed columnar.
	EventPage(ctx context.Context, descriptorUID string, skip, limit int) (document.EventPage, error)

	Close() error
}
