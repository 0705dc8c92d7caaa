package blob

import (
	"context"
	stderr "errors"
	iofs "io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/flowstore/flowstore/pkg/errors"
	"github.com/flowstore/flowstore/pkg/types"
	"github.com/flowstore/flowstore/pkg/utils"
	"github.com/flowstore/flowstore/pkg/wildcard"
)

// Object is a blob, or a directory of blobs sharing the prefix key/
type Object struct {
	backend *Backend
	query   string
	bucket  string
	key     string
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

func (o *Object) LocalSuffix() string {
	suffix, err := utils.LocalSuffix(o.bucket, o.key)
	if err != nil {
		return o.bucket + "/" + o.key
	}
	return suffix
}

func (o *Object) Clone() types.StorageObject {
	cp := *o
	return &cp
}

func (o *Object) client() Client { return o.backend.client }

func (o *Object) notFound(cause error) error {
	err := errors.NewObjectNotFoundError(o.backend.Name(), o.backend.SafePrint(o.query))
	if cause != nil {
		err = err.WithCause(cause)
	}
	return err
}

// children lists the blobs of the directory named by the key, without folder markers
func (o *Object) children(ctx context.Context) ([]Attrs, error) {
	all, err := o.client().List(ctx, o.bucket, o.key+"/", "")
	if err != nil {
		if stderr.Is(err, ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	objs := all[:0]
	for _, a := range all {
		if !a.Dir && !strings.HasSuffix(a.Key, "/") {
			objs = append(objs, a)
		}
	}
	return objs, nil
}

// stat returns the attributes of the blob, or of the directory aggregated
// over its children. Directories report the summed size of their blobs.
func (o *Object) stat(ctx context.Context) (Attrs, []Attrs, error) {
	a, err := o.client().Stat(ctx, o.bucket, o.key)
	if err == nil {
		return a, nil, nil
	}
	if !stderr.Is(err, ErrNotExist) {
		return Attrs{}, nil, err
	}
	objs, err := o.children(ctx)
	if err != nil {
		return Attrs{}, nil, err
	}
	if len(objs) == 0 {
		return Attrs{}, nil, o.notFound(nil)
	}
	dir := Attrs{Key: o.key, Dir: true}
	for _, c := range objs {
		dir.Size += c.Size
		if c.Modified.After(dir.Modified) {
			dir.Modified = c.Modified
		}
	}
	return dir, objs, nil
}

func (o *Object) Exists(ctx context.Context) (bool, error) {
	_, _, err := o.stat(ctx)
	if errors.IsCode(err, errors.ErrCodeObjectNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (o *Object) Mtime(ctx context.Context) (float64, error) {
	a, _, err := o.stat(ctx)
	if err != nil {
		return 0, err
	}
	return toSeconds(a.Modified), nil
}

// Size is 0 for directories
func (o *Object) Size(ctx context.Context) (int64, error) {
	a, _, err := o.stat(ctx)
	if err != nil || a.Dir {
		return 0, err
	}
	return a.Size, nil
}

func (o *Object) LocalFootprint(ctx context.Context) (int64, error) {
	a, _, err := o.stat(ctx)
	if err != nil {
		return 0, err
	}
	return a.Size, nil
}

// RetrieveObject downloads the blob, or the blobs of a directory, to
// localPath. Content is always transferred; onDemand is ignored.
func (o *Object) RetrieveObject(ctx context.Context, localPath string, _ bool) error {
	a, objs, err := o.stat(ctx)
	if err != nil {
		return err
	}
	if !a.Dir {
		return o.download(ctx, o.key, localPath, a.Modified)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.backend.concurrency)
	for _, c := range objs {
		g.Go(func() error {
			target, err := utils.SecureJoin(localPath, filepath.FromSlash(strings.TrimPrefix(c.Key, o.key+"/")))
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			return o.download(ctx, c.Key, target, c.Modified)
		})
	}
	return g.Wait()
}

func (o *Object) download(ctx context.Context, key, target string, mtime time.Time) error {
	f, err := os.Create(target)
	if err != nil {
		return err
	}
	if err := o.client().Download(ctx, o.bucket, key, f); err != nil {
		_ = f.Close()
		if stderr.Is(err, ErrNotExist) {
			return o.notFound(err)
		}
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if mtime.IsZero() {
		return nil
	}
	return os.Chtimes(target, mtime, mtime)
}

func (o *Object) Cleanup(string) error { return nil }

// StoreObject uploads a file to the key, or the files of a directory below key/
func (o *Object) StoreObject(ctx context.Context, localPath string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return o.upload(ctx, localPath, o.key)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.backend.concurrency)
	walkErr := filepath.WalkDir(localPath, func(p string, d iofs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if gctx.Err() != nil {
			return gctx.Err()
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(localPath, p)
		if err != nil {
			return err
		}
		key := o.key + "/" + filepath.ToSlash(rel)
		g.Go(func() error { return o.upload(gctx, p, key) })
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	return walkErr
}

func (o *Object) upload(ctx context.Context, localPath, key string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	return o.client().Upload(ctx, o.bucket, key, f, info.Size())
}

// Remove deletes the blob and everything below key/. Missing blobs are ignored.
func (o *Object) Remove(ctx context.Context) error {
	objs, err := o.client().List(ctx, o.bucket, o.key+"/", "")
	if err != nil && !stderr.Is(err, ErrNotExist) {
		return err
	}
	keys := []string{o.key}
	for _, c := range objs {
		keys = append(keys, c.Key)
	}
	for _, key := range keys {
		if err := o.client().Delete(ctx, o.bucket, key); err != nil && !stderr.Is(err, ErrNotExist) {
			return err
		}
	}
	return nil
}

// Touch refreshes the modification time, creating an empty blob if missing
func (o *Object) Touch(ctx context.Context) error {
	err := o.client().Touch(ctx, o.bucket, o.key)
	if stderr.Is(err, ErrNotExist) {
		return o.client().Upload(ctx, o.bucket, o.key, strings.NewReader(""), 0)
	}
	return err
}

// ListCandidateMatches lists every blob below the constant prefix of the key
func (o *Object) ListCandidateMatches(ctx context.Context) ([]string, error) {
	if wildcard.FirstWildcard(o.bucket) >= 0 {
		return nil, errors.NewValidationError(o.backend.Name(), o.backend.SafePrint(o.query),
			"wildcards are not allowed in the bucket name")
	}
	all, err := o.client().List(ctx, o.bucket, wildcard.ConstantPrefix(o.key, false), "")
	if err != nil {
		if stderr.Is(err, ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	queries := make([]string, 0, len(all))
	for _, a := range all {
		if a.Dir || strings.HasSuffix(a.Key, "/") {
			continue
		}
		queries = append(queries, o.queryFor(a.Key))
	}
	return queries, nil
}

func (o *Object) queryFor(key string) string {
	return o.backend.scheme.Protocol + o.bucket + "/" + key
}

func (o *Object) InventoryParent() string {
	return o.queryFor(o.parentPrefix())
}

func (o *Object) parentPrefix() string {
	dir := path.Dir(o.key)
	if dir == "." || dir == "/" {
		return ""
	}
	return dir + "/"
}

// Inventory records the blobs and subdirectories directly below the parent.
// Nothing is recorded unless the listing succeeds.
func (o *Object) Inventory(ctx context.Context, cache types.IOCache) error {
	parent := o.InventoryParent()
	if cache.Inventoried(parent) {
		return nil
	}

	entries, err := o.client().List(ctx, o.bucket, o.parentPrefix(), "/")
	if err != nil && !stderr.Is(err, ErrNotExist) {
		return err
	}

	cache.SetExistsRemote(o.query, false)
	for _, a := range entries {
		if a.Key == o.parentPrefix() {
			continue
		}
		q := o.queryFor(strings.TrimSuffix(a.Key, "/"))
		cache.SetExistsRemote(q, true)
		if a.Dir {
			cache.SetSize(q, 0)
			continue
		}
		cache.SetSize(q, a.Size)
		cache.SetMtime(q, types.Mtime{}.WithRemote(toSeconds(a.Modified)))
	}
	cache.MarkInventoried(parent)
	o.backend.logger.Debug().Str("parent", parent).Int("entries", len(entries)).Msg("Inventoried prefix")
	return nil
}

func toSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
