package catalog

import (
	"context"
	"fmt"
	"strconv"

	"github.com/runbroker/runbroker/internal/document"
	"github.com/runbroker/runbroker/internal/errdefs"
	"github.com/runbroker/runbroker/internal/store"
)

// Key identifies one or more runs. The variants form a closed set: a scan
// id, a relative index counted from the most recent run, a relative range,
// a full or partial uid, or a list of keys.
type Key interface {
	isKey()
}

// ScanID selects the most recent run with the given scan id. Scan ids may
// repeat across runs; later runs shadow earlier ones.
type ScanID int64

// RelativeIndex selects a run counted back from the most recent: -1 is the
// latest run, -2 the one before it. Non-negative values are invalid.
type RelativeIndex int64

// UID selects a run by its exact run-start uid.
type UID string

// PartialUID selects a run whose uid starts with the given prefix. A prefix
// matching more than one run is ambiguous and fails.
type PartialUID string

// Range selects runs by relative index, half-open [Start, Stop), counting
// from the end like RelativeIndex. Stop 0 extends through the most recent
// run; Step 0 means 1. Runs resolve in chronological order.
type Range struct {
	Start, Stop, Step int64
}

// List concatenates the resolutions of its element keys, in order.
type List []Key

func (ScanID) isKey()        {}
func (RelativeIndex) isKey() {}
func (UID) isKey()           {}
func (PartialUID) isKey()    {}
func (Range) isKey()         {}
func (List) isKey()          {}

// ParseKey maps a command-line or URL token to a Key: integers become scan
// ids (positive) or relative indexes (negative), anything else a partial
// uid. An exact uid is a prefix of itself, so full uids resolve too.
func ParseKey(s string) Key {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return RelativeIndex(n)
		}
		return ScanID(n)
	}
	return PartialUID(s)
}

// Resolve maps a key to the run-start documents it identifies. Scalar keys
// resolve to exactly one element.
func Resolve(ctx context.Context, st store.RunStore, key Key) ([]document.RunStart, error) {
	switch k := key.(type) {
	case ScanID:
		run, err := st.GetRunStartByScanID(ctx, int64(k))
		if err != nil {
			return nil, err
		}
		return []document.RunStart{run}, nil

	case RelativeIndex:
		if k >= 0 {
			return nil, fmt.Errorf("catalog: relative index must be negative, got %d", int64(k))
		}
		runs, err := st.RunStarts(ctx)
		if err != nil {
			return nil, err
		}
		i := int64(len(runs)) + int64(k)
		if i < 0 {
			return nil, fmt.Errorf("%w: only %d runs recorded, index %d", errdefs.ErrRunNotFound, len(runs), int64(k))
		}
		return []document.RunStart{runs[i]}, nil

	case UID:
		run, err := st.GetRunStart(ctx, string(k))
		if err != nil {
			return nil, err
		}
		return []document.RunStart{run}, nil

	case PartialUID:
		run, err := st.FindRunStartByPrefix(ctx, string(k))
		if err != nil {
			return nil, err
		}
		return []document.RunStart{run}, nil

	case Range:
		runs, err := st.RunStarts(ctx)
		if err != nil {
			return nil, err
		}
		return sliceRuns(runs, k)

	case List:
		var out []document.RunStart
		for _, sub := range k {
			runs, err := Resolve(ctx, st, sub)
			if err != nil {
				return nil, err
			}
			out = append(out, runs...)
		}
		return out, nil
	}
	return nil, fmt.Errorf("catalog: unknown key type %T", key)
}

// ResolveOne resolves a key expected to name exactly one run.
func ResolveOne(ctx context.Context, st store.RunStore, key Key) (document.RunStart, error) {
	runs, err := Resolve(ctx, st, key)
	if err != nil {
		return document.RunStart{}, err
	}
	if len(runs) != 1 {
		return document.RunStart{}, fmt.Errorf("%w: key resolves to %d runs", errdefs.ErrAmbiguousKey, len(runs))
	}
	return runs[0], nil
}

func sliceRuns(runs []document.RunStart, r Range) ([]document.RunStart, error) {
	n := int64(len(runs))
	idx := func(i int64) int64 {
		if i < 0 {
			return n + i
		}
		return i
	}
	lo := max(idx(r.Start), 0)
	hi := n
	if r.Stop != 0 {
		hi = min(idx(r.Stop), n)
	}
	step := r.Step
	if step == 0 {
		step = 1
	}
	if step < 0 {
		return nil, fmt.Errorf("catalog: range step must be positive, got %d", step)
	}
	var out []document.RunStart
	for i := lo; i < hi; i += step {
		out = append(out, runs[i])
	}
	return out, nil
}
