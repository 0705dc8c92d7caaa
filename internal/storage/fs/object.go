package fs

import (
	"context"
	stderr "errors"
	"fmt"
	"io"
	iofs "io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/flowstore/flowstore/pkg/errors"
	"github.com/flowstore/flowstore/pkg/types"
	"github.com/flowstore/flowstore/pkg/utils"
	"github.com/flowstore/flowstore/pkg/wildcard"
)

// Object is a file or directory on the filesystem
type Object struct {
	backend *Backend
	query   string
	path    string
}

var (
	_ types.Reader            = (*Object)(nil)
	_ types.Writer            = (*Object)(nil)
	_ types.Globber           = (*Object)(nil)
	_ types.Toucher           = (*Object)(nil)
	_ types.FootprintReporter = (*Object)(nil)
	_ types.Inventorier       = (*Object)(nil)
	_ types.Cloner            = (*Object)(nil)
)

func (o *Object) Query() string { return o.query }

// LocalSuffix is the path without leading slashes
func (o *Object) LocalSuffix() string {
	suffix, err := utils.LocalSuffix(o.path)
	if err != nil {
		return filepath.ToSlash(filepath.Clean(o.path))
	}
	return suffix
}

func (o *Object) Clone() types.StorageObject {
	cp := *o
	return &cp
}

func (o *Object) Exists(context.Context) (bool, error) {
	_, err := os.Lstat(o.path)
	if err == nil {
		return true, nil
	}
	if stderr.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (o *Object) Mtime(context.Context) (float64, error) {
	info, err := os.Stat(o.path)
	if err != nil {
		return 0, o.notFound(err)
	}
	return toSeconds(info.ModTime()), nil
}

func (o *Object) Size(context.Context) (int64, error) {
	info, err := os.Stat(o.path)
	if err != nil {
		return 0, o.notFound(err)
	}
	if info.IsDir() {
		return 0, nil
	}
	return info.Size(), nil
}

// LocalFootprint is the recursive size of a directory, else its size
func (o *Object) LocalFootprint(ctx context.Context) (int64, error) {
	var total int64
	err := filepath.WalkDir(o.path, func(_ string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, o.notFound(err)
	}
	return total, nil
}

// RetrieveObject copies the file or directory to localPath. On-demand
// eligible objects are symlinked when the backend is configured to.
func (o *Object) RetrieveObject(ctx context.Context, localPath string, onDemand bool) error {
	if onDemand && o.backend.settings.SymlinkOnDemand {
		src, err := filepath.Abs(o.path)
		if err != nil {
			return err
		}
		return os.Symlink(src, localPath)
	}
	if _, err := os.Stat(o.path); err != nil {
		return o.notFound(err)
	}
	return copyTree(ctx, o.path, localPath)
}

// Cleanup has nothing to remove beyond the local copy
func (o *Object) Cleanup(string) error { return nil }

// StoreObject copies localPath to the object's path
func (o *Object) StoreObject(ctx context.Context, localPath string) error {
	if err := os.MkdirAll(filepath.Dir(o.path), 0o755); err != nil {
		return err
	}
	if err := os.RemoveAll(o.path); err != nil {
		return err
	}
	return copyTree(ctx, localPath, o.path)
}

func (o *Object) Remove(context.Context) error {
	return os.RemoveAll(o.path)
}

// Touch sets the modification time to now, creating an empty file if needed
func (o *Object) Touch(context.Context) error {
	now := time.Now()
	err := os.Chtimes(o.path, now, now)
	if stderr.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(o.path), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(o.path, os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return err
		}
		return f.Close()
	}
	return err
}

// ListCandidateMatches walks the directory below the constant prefix of the query
func (o *Object) ListCandidateMatches(ctx context.Context) ([]string, error) {
	root := wildcard.WalkRoot(o.path)
	paths, err := wildcard.Walk(ctx, root, o.backend.settings.FollowSymlinks)
	if err != nil {
		return nil, err
	}
	if o.path == o.query {
		return paths, nil
	}
	queries := make([]string, len(paths))
	for i, p := range paths {
		queries[i] = protocol + p
	}
	return queries, nil
}

// InventoryParent is the directory holding the object
func (o *Object) InventoryParent() string {
	return filepath.Dir(filepath.Clean(o.path))
}

// Inventory records existence, size and mtime of every entry of the parent directory
func (o *Object) Inventory(_ context.Context, cache types.IOCache) error {
	parent := o.InventoryParent()
	if cache.Inventoried(parent) {
		return nil
	}

	entries, err := os.ReadDir(parent)
	if err != nil && !stderr.Is(err, os.ErrNotExist) {
		return err
	}
	defer cache.MarkInventoried(parent)

	cache.SetExistsRemote(o.query, false)
	prefix := ""
	if o.path != o.query {
		prefix = protocol
	}
	base := filepath.Base(o.path)
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		size := info.Size()
		if info.IsDir() {
			size = 0
		}
		queries := []string{prefix + filepath.Join(parent, e.Name())}
		if e.Name() == base {
			queries = append(queries, o.query)
		}
		for _, q := range queries {
			cache.SetExistsRemote(q, true)
			cache.SetSize(q, size)
			cache.SetMtime(q, types.Mtime{}.WithRemote(toSeconds(info.ModTime())))
		}
	}
	o.backend.logger.Debug().Str("dir", parent).Int("entries", len(entries)).Msg("Inventoried directory")
	return nil
}

func (o *Object) notFound(err error) error {
	if stderr.Is(err, os.ErrNotExist) {
		return errors.NewObjectNotFoundError(Name, o.query).WithCause(err)
	}
	return err
}

func toSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// copyTree copies a file, or a directory recursively, preserving modes and mtimes.
func copyTree(ctx context.Context, src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(src, dst, info)
	}

	return filepath.WalkDir(src, func(path string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm()|0o700)
		}
		return copyFile(path, target, info)
	})
}

func copyFile(src, dst string, info os.FileInfo) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("copy %s: %w", src, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chtimes(dst, info.ModTime(), info.ModTime())
}
