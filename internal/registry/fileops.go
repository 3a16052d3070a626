package registry

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/runbroker/runbroker/internal/document"
	"github.com/runbroker/runbroker/internal/errdefs"
)

// FileOps is the filesystem capability behind CopyFiles and MoveFiles. It
// is installed explicitly (SetFileOps), so a registry without it cannot
// touch disk; tests substitute a recording fake.
type FileOps interface {
	Copy(src, dst string) error
	Remove(path string) error
}

// OSFileOps implements FileOps on the local filesystem. Copy creates
// destination directories as needed.
type OSFileOps struct{}

func (OSFileOps) Copy(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func (OSFileOps) Remove(p string) error { return os.Remove(p) }

// RenameHook observes each impending copy: index, total count, source and
// destination. Hook errors are swallowed; the hook exists for progress
// reporting, not control flow.
type RenameHook func(i, total int, oldPath, newPath string) error

// FilePair records one copied file: where it was and where it went.
type FilePair struct {
	Old string `json:"old"`
	New string `json:"new"`
}

// CopyFiles copies every file referenced by a resource's datums to the
// analogous path under newRoot, leaving the registry's metadata untouched.
// Every source file must share the resource's root as a path prefix; the
// check covers the whole list before the first copy, so a violation leaves
// the destination empty rather than half-written.
func (r *Registry) CopyFiles(ctx context.Context, res document.Resource, newRoot string, hook RenameHook) ([]FilePair, error) {
	ops, err := r.fileOpsOrErr()
	if err != nil {
		return nil, err
	}
	if err := r.checkCurrentRevision(ctx, "copy_files", res); err != nil {
		return nil, err
	}
	files, err := r.resourceFiles(ctx, res)
	if err != nil {
		return nil, err
	}
	pairs := make([]FilePair, 0, len(files))
	for _, f := range files {
		rel, err := relativeTo(res.Root, f)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, FilePair{Old: f, New: path.Join(newRoot, rel)})
	}
	for i, p := range pairs {
		if hook != nil {
			if err := hook(i, len(pairs), p.Old, p.New); err != nil {
				r.log.Debug("rename hook failed", "old", p.Old, "new", p.New, "error", err)
			}
		}
		if err := ops.Copy(p.Old, p.New); err != nil {
			return nil, fmt.Errorf("copying %s: %w", p.Old, err)
		}
	}
	return pairs, nil
}

// MoveFiles relocates a resource's files under newRoot: copy, rewrite the
// stored root, then optionally delete the originals. Handler instances for
// the resource are evicted afterwards since they hold the stale root.
func (r *Registry) MoveFiles(ctx context.Context, res document.Resource, newRoot string, hook RenameHook, removeOrigin bool) ([]FilePair, error) {
	pairs, err := r.CopyFiles(ctx, res, newRoot, hook)
	if err != nil {
		return nil, err
	}
	kwargs := map[string]any{"root": newRoot, "remove_origin": removeOrigin}
	if _, err := r.rewriteRoot(ctx, res, newRoot, "move_files", kwargs); err != nil {
		return pairs, err
	}
	if removeOrigin {
		ops, err := r.fileOpsOrErr()
		if err != nil {
			return pairs, err
		}
		for _, p := range pairs {
			if err := ops.Remove(p.Old); err != nil {
				return pairs, fmt.Errorf("removing origin %s: %w", p.Old, err)
			}
		}
	}
	return pairs, nil
}

func (r *Registry) fileOpsOrErr() (FileOps, error) {
	r.mu.Lock()
	ops := r.fileOps
	r.mu.Unlock()
	if ops == nil {
		return nil, fmt.Errorf("%w: registry has no file operations capability", errdefs.ErrInvalidConfiguration)
	}
	return ops, nil
}

// resourceFiles asks the resource's handler for the files backing every
// datum. The handler must implement FileLister.
func (r *Registry) resourceFiles(ctx context.Context, res document.Resource) ([]string, error) {
	h, err := r.GetSpecHandler(res)
	if err != nil {
		return nil, err
	}
	lister, ok := h.(FileLister)
	if !ok {
		return nil, fmt.Errorf("spec %q handler cannot list files", res.Spec)
	}
	page, err := r.st.DatumPage(ctx, res.UID, 0, 0)
	if err != nil {
		return nil, err
	}
	datums := page.Unpack()
	kwargs := make([]map[string]any, len(datums))
	for i, d := range datums {
		kwargs[i] = d.DatumKwargs
	}
	return lister.FileList(kwargs)
}

// relativeTo strips root from f, requiring that f actually lives under it.
func relativeTo(root, f string) (string, error) {
	base := strings.TrimSuffix(root, "/")
	if f == base {
		return "", nil
	}
	if base == "" || strings.HasPrefix(f, base+"/") {
		return strings.TrimPrefix(f, base+"/"), nil
	}
	return "", &errdefs.InvariantError{
		Op:       "copy_files",
		Got:      f,
		Expected: root,
		Msg:      "file does not share the resource root",
	}
}
