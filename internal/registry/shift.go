package registry

import (
	"bytes"
	"context"
	"strings"
	"time"

	"github.com/runbroker/runbroker/internal/document"
	"github.com/runbroker/runbroker/internal/errdefs"
	"github.com/runbroker/runbroker/internal/jsoncodec"
)

// ShiftRoot moves delta path segments between a resource's root and its
// resource_path without changing the absolute location they compose to.
// delta > 0 moves leading resource_path segments into root; delta < 0 moves
// trailing root segments back. Shifting past the available segments on the
// shrinking side fails with an InvariantError. Each successful shift
// appends old and new snapshots plus the command to the resource's history.
func (r *Registry) ShiftRoot(ctx context.Context, res document.Resource, delta int) (document.Resource, error) {
	if err := r.checkCurrentRevision(ctx, "shift_root", res); err != nil {
		return document.Resource{}, err
	}
	if res.PathSemantics != "" && res.PathSemantics != "posix" {
		return document.Resource{}, &errdefs.InvariantError{
			Op:       "shift_root",
			Got:      res.PathSemantics,
			Expected: "posix",
			Msg:      "only posix path semantics can be shifted",
		}
	}
	newRoot, newPath, err := shiftSegments(res.Root, res.ResourcePath, delta)
	if err != nil {
		return document.Resource{}, err
	}
	next := res
	next.Root = newRoot
	next.ResourcePath = newPath
	upd := document.ResourceUpdate{
		Resource:  res.UID,
		Old:       res,
		New:       next,
		Time:      nowEpoch(),
		Cmd:       "shift_root",
		CmdKwargs: map[string]any{"shift": delta},
	}
	if err := r.applyRevision(ctx, upd); err != nil {
		return document.Resource{}, err
	}
	return next, nil
}

// CorrectRoot overwrites a resource's root outright, for files that were
// moved out of band. The revision is recorded like any other; handler
// instances for the resource are evicted because they were built against
// the old location.
func (r *Registry) CorrectRoot(ctx context.Context, res document.Resource, newRoot string) (document.Resource, error) {
	return r.rewriteRoot(ctx, res, newRoot, "correct_root", map[string]any{"root": newRoot})
}

func (r *Registry) rewriteRoot(ctx context.Context, res document.Resource, newRoot, cmd string, kwargs map[string]any) (document.Resource, error) {
	if err := r.checkCurrentRevision(ctx, cmd, res); err != nil {
		return document.Resource{}, err
	}
	next := res
	next.Root = newRoot
	upd := document.ResourceUpdate{
		Resource:  res.UID,
		Old:       res,
		New:       next,
		Time:      nowEpoch(),
		Cmd:       cmd,
		CmdKwargs: kwargs,
	}
	if err := r.applyRevision(ctx, upd); err != nil {
		return document.Resource{}, err
	}
	r.evictByResource(res.UID)
	return next, nil
}

// checkCurrentRevision verifies the caller's copy of a resource still
// matches the stored revision; revising from a stale copy would silently
// resurrect the overwritten fields.
func (r *Registry) checkCurrentRevision(ctx context.Context, op string, res document.Resource) error {
	cur, err := r.st.GetResource(ctx, res.UID)
	if err != nil {
		return err
	}
	a, err := jsoncodec.Marshal(cur)
	if err != nil {
		return err
	}
	b, err := jsoncodec.Marshal(res)
	if err != nil {
		return err
	}
	if !bytes.Equal(a, b) {
		return &errdefs.InvariantError{
			Op:       op,
			Got:      string(b),
			Expected: string(a),
			Msg:      "resource does not match the stored revision",
		}
	}
	return nil
}

func nowEpoch() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

// shiftSegments rebalances path segments between root and rpath. The
// invariant is that joining the outputs reproduces the same absolute
// location as joining the inputs.
func shiftSegments(root, rpath string, delta int) (string, string, error) {
	abs := strings.HasPrefix(root, "/")
	rootSegs := segments(root)
	pathSegs := segments(rpath)
	switch {
	case delta > 0:
		if delta > len(pathSegs) {
			return "", "", &errdefs.InvariantError{
				Op:       "shift_root",
				Got:      delta,
				Expected: len(pathSegs),
				Msg:      "shift exceeds resource_path segments",
			}
		}
		rootSegs = append(rootSegs, pathSegs[:delta]...)
		pathSegs = pathSegs[delta:]
	case delta < 0:
		k := -delta
		if k > len(rootSegs) {
			return "", "", &errdefs.InvariantError{
				Op:       "shift_root",
				Got:      delta,
				Expected: -len(rootSegs),
				Msg:      "shift exceeds root segments",
			}
		}
		moved := append([]string(nil), rootSegs[len(rootSegs)-k:]...)
		rootSegs = rootSegs[:len(rootSegs)-k]
		pathSegs = append(moved, pathSegs...)
	}
	return joinSegments(abs, rootSegs), strings.Join(pathSegs, "/"), nil
}

// segments splits a posix path into its non-empty components.
func segments(p string) []string {
	parts := strings.Split(p, "/")
	out := make([]string, 0, len(parts))
	for _, s := range parts {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func joinSegments(abs bool, segs []string) string {
	joined := strings.Join(segs, "/")
	if abs {
		return "/" + joined
	}
	return joined
}
