package s3

import (
	"context"
	"fmt"
	iofs "io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"golang.org/x/sync/errgroup"

	"github.com/flowstore/flowstore/pkg/errors"
	"github.com/flowstore/flowstore/pkg/types"
	"github.com/flowstore/flowstore/pkg/utils"
	"github.com/flowstore/flowstore/pkg/wildcard"
)

// Object is an S3 object, or a directory of objects sharing a key prefix
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

// LocalSuffix is bucket/key
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

func (o *Object) printQuery() string { return o.backend.SafePrint(o.query) }

func (o *Object) head(ctx context.Context) (*s3.HeadObjectOutput, error) {
	return o.backend.api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(o.bucket),
		Key:    aws.String(o.key),
	})
}

// list calls fn for every object below prefix, skipping folder markers
func (o *Object) list(ctx context.Context, prefix string, fn func(s3types.Object) error) error {
	pages := s3.NewListObjectsV2Paginator(o.backend.api, &s3.ListObjectsV2Input{
		Bucket: aws.String(o.bucket),
		Prefix: aws.String(prefix),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return translateError(err, o.printQuery())
		}
		for _, obj := range page.Contents {
			if strings.HasSuffix(aws.ToString(obj.Key), "/") {
				continue
			}
			if err := fn(obj); err != nil {
				return err
			}
		}
	}
	return nil
}

// children lists the objects of the directory named by the key
func (o *Object) children(ctx context.Context) ([]s3types.Object, error) {
	var objs []s3types.Object
	err := o.list(ctx, o.key+"/", func(obj s3types.Object) error {
		objs = append(objs, obj)
		return nil
	})
	return objs, err
}

func (o *Object) Exists(ctx context.Context) (bool, error) {
	_, err := o.head(ctx)
	if err == nil {
		return true, nil
	}
	if !isNotFound(err) {
		return false, translateError(err, o.printQuery())
	}

	out, err := o.backend.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(o.bucket),
		Prefix:  aws.String(o.key + "/"),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, translateError(err, o.printQuery())
	}
	return len(out.Contents) > 0, nil
}

// Mtime of a directory is the newest mtime of its objects
func (o *Object) Mtime(ctx context.Context) (float64, error) {
	out, err := o.head(ctx)
	if err == nil {
		return toSeconds(aws.ToTime(out.LastModified)), nil
	}
	if !isNotFound(err) {
		return 0, translateError(err, o.printQuery())
	}

	objs, err := o.children(ctx)
	if err != nil {
		return 0, err
	}
	if len(objs) == 0 {
		return 0, errors.NewObjectNotFoundError(Name, o.printQuery())
	}
	var newest time.Time
	for _, obj := range objs {
		if t := aws.ToTime(obj.LastModified); t.After(newest) {
			newest = t
		}
	}
	return toSeconds(newest), nil
}

func (o *Object) Size(ctx context.Context) (int64, error) {
	out, err := o.head(ctx)
	if err == nil {
		return aws.ToInt64(out.ContentLength), nil
	}
	if !isNotFound(err) {
		return 0, translateError(err, o.printQuery())
	}
	objs, err := o.children(ctx)
	if err != nil {
		return 0, err
	}
	if len(objs) == 0 {
		return 0, errors.NewObjectNotFoundError(Name, o.printQuery())
	}
	return 0, nil
}

// LocalFootprint is the summed size of a directory's objects, else the object size
func (o *Object) LocalFootprint(ctx context.Context) (int64, error) {
	out, err := o.head(ctx)
	if err == nil {
		return aws.ToInt64(out.ContentLength), nil
	}
	if !isNotFound(err) {
		return 0, translateError(err, o.printQuery())
	}
	objs, err := o.children(ctx)
	if err != nil {
		return 0, err
	}
	if len(objs) == 0 {
		return 0, errors.NewObjectNotFoundError(Name, o.printQuery())
	}
	var total int64
	for _, obj := range objs {
		total += aws.ToInt64(obj.Size)
	}
	return total, nil
}

// RetrieveObject downloads the object, or every object of a directory, to
// localPath. S3 content cannot be exposed lazily, so onDemand is ignored.
func (o *Object) RetrieveObject(ctx context.Context, localPath string, _ bool) error {
	out, err := o.head(ctx)
	if err == nil {
		if archived(out.StorageClass) && !restored(out.Restore) {
			return errors.NewError(errors.ErrCodeOperationFailed,
				fmt.Sprintf("object %s is archived in %s and must be restored first", o.printQuery(), out.StorageClass)).
				WithComponent(Name)
		}
		return o.download(ctx, o.key, localPath, aws.ToTime(out.LastModified))
	}
	if !isNotFound(err) {
		return translateError(err, o.printQuery())
	}

	objs, err := o.children(ctx)
	if err != nil {
		return err
	}
	if len(objs) == 0 {
		return errors.NewObjectNotFoundError(Name, o.printQuery())
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.backend.settings.Concurrency)
	for _, obj := range objs {
		key := aws.ToString(obj.Key)
		mtime := aws.ToTime(obj.LastModified)
		g.Go(func() error {
			target, err := utils.SecureJoin(localPath, filepath.FromSlash(strings.TrimPrefix(key, o.key+"/")))
			if err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			return o.download(ctx, key, target, mtime)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	o.backend.logger.Debug().Str("query", o.printQuery()).Int("objects", len(objs)).Msg("Retrieved directory")
	return nil
}

// download writes one object to target and sets its mtime to the remote one
func (o *Object) download(ctx context.Context, key, target string, mtime time.Time) error {
	f, err := os.Create(target)
	if err != nil {
		return err
	}
	if _, err := o.backend.transfer.Download(ctx, f, o.bucket, key); err != nil {
		_ = f.Close()
		return translateError(err, o.printQuery())
	}
	if err := f.Close(); err != nil {
		return err
	}
	if mtime.IsZero() {
		return nil
	}
	return os.Chtimes(target, mtime, mtime)
}

// Cleanup has nothing to remove beyond the local copy
func (o *Object) Cleanup(string) error { return nil }

// StoreObject uploads a file to the key, or every file of a directory below key/
func (o *Object) StoreObject(ctx context.Context, localPath string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return o.upload(ctx, localPath, o.key)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.backend.settings.Concurrency)
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
	if err := o.backend.transfer.Upload(ctx, o.bucket, key, f, info.Size()); err != nil {
		return translateError(err, o.printQuery())
	}
	return nil
}

// Remove deletes the object and every object below key/. Missing objects are not an error.
func (o *Object) Remove(ctx context.Context) error {
	keys := []string{o.key}
	err := o.list(ctx, o.key+"/", func(obj s3types.Object) error {
		keys = append(keys, aws.ToString(obj.Key))
		return nil
	})
	if err != nil && !errors.IsCode(err, errors.ErrCodeObjectNotFound) {
		return err
	}
	for _, key := range keys {
		_, err := o.backend.api.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(o.bucket),
			Key:    aws.String(key),
		})
		if err != nil && !isNotFound(err) {
			return translateError(err, o.printQuery())
		}
	}
	return nil
}

// Touch refreshes the modification time by copying the object onto itself,
// creating an empty object if it does not exist.
func (o *Object) Touch(ctx context.Context) error {
	out, err := o.head(ctx)
	if isNotFound(err) {
		return translateError(o.backend.transfer.Upload(ctx, o.bucket, o.key, strings.NewReader(""), 0), o.printQuery())
	}
	if err != nil {
		return translateError(err, o.printQuery())
	}

	metadata := make(map[string]string, len(out.Metadata)+1)
	for k, v := range out.Metadata {
		metadata[k] = v
	}
	metadata["flowstore-touched"] = time.Now().UTC().Format(time.RFC3339Nano)

	_, err = o.backend.api.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:            aws.String(o.bucket),
		Key:               aws.String(o.key),
		CopySource:        aws.String(copySource(o.bucket, o.key)),
		MetadataDirective: s3types.MetadataDirectiveReplace,
		Metadata:          metadata,
		ContentType:       out.ContentType,
		StorageClass:      out.StorageClass,
	})
	return translateError(err, o.printQuery())
}

// ListCandidateMatches lists every object below the constant prefix of the key
func (o *Object) ListCandidateMatches(ctx context.Context) ([]string, error) {
	if wildcard.FirstWildcard(o.bucket) >= 0 {
		return nil, errors.NewValidationError(Name, o.printQuery(), "wildcards are not allowed in the bucket name")
	}
	prefix := wildcard.ConstantPrefix(o.key, false)
	var queries []string
	err := o.list(ctx, prefix, func(obj s3types.Object) error {
		queries = append(queries, protocol+o.bucket+"/"+aws.ToString(obj.Key))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return queries, nil
}

// InventoryParent is the bucket and directory holding the object
func (o *Object) InventoryParent() string {
	return protocol + o.bucket + "/" + o.parentPrefix()
}

func (o *Object) parentPrefix() string {
	dir := path.Dir(o.key)
	if dir == "." || dir == "/" {
		return ""
	}
	return dir + "/"
}

// Inventory records the objects and subdirectories directly below the parent.
// Nothing is recorded unless the whole listing succeeds.
func (o *Object) Inventory(ctx context.Context, cache types.IOCache) error {
	parent := o.InventoryParent()
	if cache.Inventoried(parent) {
		return nil
	}

	type entry struct {
		query string
		size  int64
		mtime *time.Time
	}
	var entries []entry
	pages := s3.NewListObjectsV2Paginator(o.backend.api, &s3.ListObjectsV2Input{
		Bucket:    aws.String(o.bucket),
		Prefix:    aws.String(o.parentPrefix()),
		Delimiter: aws.String("/"),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			if isNotFound(err) {
				entries = nil
				break
			}
			return translateError(err, o.printQuery())
		}
		for _, obj := range page.Contents {
			entries = append(entries, entry{
				query: protocol + o.bucket + "/" + aws.ToString(obj.Key),
				size:  aws.ToInt64(obj.Size),
				mtime: obj.LastModified,
			})
		}
		for _, cp := range page.CommonPrefixes {
			entries = append(entries, entry{
				query: protocol + o.bucket + "/" + strings.TrimSuffix(aws.ToString(cp.Prefix), "/"),
			})
		}
	}

	cache.SetExistsRemote(o.query, false)
	for _, e := range entries {
		cache.SetExistsRemote(e.query, true)
		cache.SetSize(e.query, e.size)
		if e.mtime != nil {
			cache.SetMtime(e.query, types.Mtime{}.WithRemote(toSeconds(*e.mtime)))
		}
	}
	cache.MarkInventoried(parent)
	o.backend.logger.Debug().Str("parent", parent).Int("entries", len(entries)).Msg("Inventoried prefix")
	return nil
}

// restored reports whether a restore of an archived object has completed
func restored(restore *string) bool {
	return restore != nil && strings.Contains(*restore, `ongoing-request="false"`)
}

func copySource(bucket, key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return bucket + "/" + strings.Join(parts, "/")
}

func toSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
