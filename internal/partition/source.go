package partition

import (
	"context"
	"iter"

	"github.com/runbroker/runbroker/internal/document"
	"github.com/runbroker/runbroker/internal/store"
)

// Source supplies the documents of one run to the partitioner. All listing
// methods observe the run as stored at call time; partitions are fetched
// independently, so two fetches of the same index see the same store reads.
type Source interface {
	RunStart(ctx context.Context) (document.RunStart, error)
	// RunStop returns nil without error for a run that has no stop document.
	RunStop(ctx context.Context) (*document.RunStop, error)
	Descriptors(ctx context.Context) ([]document.Descriptor, error)
	// Resources lists the run's resources in registration order.
	Resources(ctx context.Context) ([]document.Resource, error)
	CountDatums(ctx context.Context, resourceUID string) (int, error)
	DatumPage(ctx context.Context, resourceUID string, skip, limit int) (document.DatumPage, error)
	CountEvents(ctx context.Context, descriptorUID string) (int, error)
	// EventPages streams one descriptor's events in time order.
	EventPages(ctx context.Context, descriptorUID string) iter.Seq2[document.EventPage, error]
	// ResourceForDatum locates the resource owning a datum id, including
	// resources with no back-reference to the run.
	ResourceForDatum(ctx context.Context, datumID string) (document.Resource, error)
}

// StoreSource adapts the split store interfaces to the Source of one run.
type StoreSource struct {
	Assets store.AssetStore
	Runs   store.RunStore
	Run    string // run-start uid
	// FetchSize is the events-per-round-trip page size when streaming;
	// 0 means DefaultSize.
	FetchSize int
}

func (s StoreSource) fetchSize() int {
	if s.FetchSize <= 0 {
		return DefaultSize
	}
	return s.FetchSize
}

func (s StoreSource) RunStart(ctx context.Context) (document.RunStart, error) {
	return s.Runs.GetRunStart(ctx, s.Run)
}

func (s StoreSource) RunStop(ctx context.Context) (*document.RunStop, error) {
	return s.Runs.GetRunStop(ctx, s.Run)
}

func (s StoreSource) Descriptors(ctx context.Context) ([]document.Descriptor, error) {
	return s.Runs.Descriptors(ctx, s.Run)
}

func (s StoreSource) Resources(ctx context.Context) ([]document.Resource, error) {
	return s.Assets.ResourcesForRun(ctx, s.Run)
}

func (s StoreSource) CountDatums(ctx context.Context, resourceUID string) (int, error) {
	return s.Assets.CountDatums(ctx, resourceUID)
}

func (s StoreSource) DatumPage(ctx context.Context, resourceUID string, skip, limit int) (document.DatumPage, error) {
	return s.Assets.DatumPage(ctx, resourceUID, skip, limit)
}

func (s StoreSource) CountEvents(ctx context.Context, descriptorUID string) (int, error) {
	return s.Runs.CountEvents(ctx, descriptorUID)
}

func (s StoreSource) EventPages(ctx context.Context, descriptorUID string) iter.Seq2[document.EventPage, error] {
	return func(yield func(document.EventPage, error) bool) {
		size := s.fetchSize()
		for skip := 0; ; skip += size {
			page, err := s.Runs.EventPage(ctx, descriptorUID, skip, size)
			if err != nil {
				yield(document.EventPage{}, err)
				return
			}
			if page.Len() == 0 {
				return
			}
			if !yield(page, nil) {
				return
			}
			if page.Len() < size {
				return
			}
		}
	}
}

func (s StoreSource) ResourceForDatum(ctx context.Context, datumID string) (document.Resource, error) {
	uid, err := s.Assets.ResourceForDatum(ctx, datumID)
	if err != nil {
		return document.Resource{}, err
	}
	return s.Assets.GetResource(ctx, uid)
}
