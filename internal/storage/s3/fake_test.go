package s3

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"
)

type fakeEntry struct {
	data     []byte
	mtime    time.Time
	class    s3types.StorageClass
	restore  *string
	metadata map[string]string
}

// fakeS3 is an in-memory bucket store implementing API and transfer
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string]*fakeEntry // bucket/key
	pageSize int32
	listErr  error
	copies   []*s3.CopyObjectInput
	heads    int
}

func newFake() *fakeS3 {
	return &fakeS3{objects: make(map[string]*fakeEntry), pageSize: 2}
}

func (f *fakeS3) put(bucket, key, data string, mtime time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[bucket+"/"+key] = &fakeEntry{data: []byte(data), mtime: mtime, class: s3types.StorageClassStandard}
}

func (f *fakeS3) get(bucket, key string) (*fakeEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.objects[bucket+"/"+key]
	return e, ok
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	f.heads++
	f.mu.Unlock()
	e, ok := f.get(aws.ToString(in.Bucket), aws.ToString(in.Key))
	if !ok {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadObjectOutput{
		ContentLength: aws.Int64(int64(len(e.data))),
		LastModified:  aws.Time(e.mtime),
		StorageClass:  e.class,
		Restore:       e.restore,
		Metadata:      e.metadata,
		ContentType:   aws.String("text/plain"),
	}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	bucket := aws.ToString(in.Bucket) + "/"
	prefix := aws.ToString(in.Prefix)
	delim := aws.ToString(in.Delimiter)

	var keys []string
	seen := map[string]bool{}
	for k := range f.objects {
		key, ok := strings.CutPrefix(k, bucket)
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		if delim != "" {
			if i := strings.Index(key[len(prefix):], delim); i >= 0 {
				cp := key[:len(prefix)+i+len(delim)]
				if !seen[cp] {
					seen[cp] = true
					keys = append(keys, cp)
				}
				continue
			}
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	start := 0
	if tok := aws.ToString(in.ContinuationToken); tok != "" {
		start = sort.SearchStrings(keys, tok)
	}
	limit := f.pageSize
	if in.MaxKeys != nil && *in.MaxKeys < limit {
		limit = *in.MaxKeys
	}
	end := min(start+int(limit), len(keys))

	out := &s3.ListObjectsV2Output{}
	for _, key := range keys[start:end] {
		if seen[key] {
			out.CommonPrefixes = append(out.CommonPrefixes, s3types.CommonPrefix{Prefix: aws.String(key)})
			continue
		}
		e := f.objects[bucket+key]
		out.Contents = append(out.Contents, s3types.Object{
			Key:          aws.String(key),
			Size:         aws.Int64(int64(len(e.data))),
			LastModified: aws.Time(e.mtime),
		})
	}
	if end < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(keys[end])
	}
	return out, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) CopyObject(_ context.Context, in *s3.CopyObjectInput, _ ...func(*s3.Options)) (*s3.CopyObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.copies = append(f.copies, in)
	e, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	e.mtime = time.Now()
	e.metadata = in.Metadata
	return &s3.CopyObjectOutput{}, nil
}

func (f *fakeS3) Download(_ context.Context, w io.WriterAt, bucket, key string) (int64, error) {
	e, ok := f.get(bucket, key)
	if !ok {
		return 0, &s3types.NoSuchKey{}
	}
	n, err := w.WriteAt(e.data, 0)
	return int64(n), err
}

func (f *fakeS3) Upload(_ context.Context, bucket, key string, body io.ReadSeeker, _ int64) error {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, body); err != nil {
		return err
	}
	f.put(bucket, key, buf.String(), time.Now())
	return nil
}

func newTestBackend(f *fakeS3) *Backend {
	return newBackend(Settings{Concurrency: 2}, f, f, zerolog.Nop())
}

var throttled error = &smithy.GenericAPIError{Code: "SlowDown", Message: "reduce your request rate"}
