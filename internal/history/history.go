package history

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/runbroker/runbroker/internal/document"
)

// Record represents one resource revision to be exported to external
// systems. The authoritative history lives in the asset store; sinks are a
// fan-out for audit and analytics.
type Record struct {
	Resource   string                  `json:"resource"`
	Cmd        string                  `json:"cmd"`
	OccurredAt time.Time               `json:"occurred_at"`
	Update     document.ResourceUpdate `json:"update"`
}

// FromUpdate builds a Record from a revision, converting the epoch-seconds
// revision time into a wall-clock timestamp.
func FromUpdate(upd document.ResourceUpdate) Record {
	sec, frac := math.Modf(upd.Time)
	return Record{
		Resource:   upd.Resource,
		Cmd:        upd.Cmd,
		OccurredAt: time.Unix(int64(sec), int64(frac*1e9)).UTC(),
		Update:     upd,
	}
}

// Sink is a destination for audit records (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, r Record) error
}

// Fanout sends each record to every sink. All sinks are attempted; errors
// are joined.
type Fanout []Sink

func (f Fanout) Send(ctx context.Context, r Record) error {
	var errs []error
	for _, s := range f {
		if err := s.Send(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
