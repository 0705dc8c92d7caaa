package http

import (
	"context"
	stderr "errors"
	"fmt"
	"io"
	nethttp "net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/flowstore/flowstore/pkg/errors"
	"github.com/flowstore/flowstore/pkg/retry"
	"github.com/flowstore/flowstore/pkg/types"
	"github.com/flowstore/flowstore/pkg/utils"
)

// Object is a file served at a URL
type Object struct {
	backend *Backend
	query   string
	url     *url.URL
}

var (
	_ types.Reader = (*Object)(nil)
	_ types.Cloner = (*Object)(nil)
)

func (o *Object) Query() string { return o.query }

// LocalSuffix is host/path. Query parameters are not part of the local path.
func (o *Object) LocalSuffix() string {
	suffix, err := utils.LocalSuffix(o.url.Host, o.url.Path)
	if err != nil {
		return utils.RedactURL(o.url.Host)
	}
	return suffix
}

func (o *Object) Clone() types.StorageObject {
	cp := *o
	u := *o.url
	cp.url = &u
	return &cp
}

func (o *Object) printQuery() string { return o.backend.SafePrint(o.query) }

// head describes the resource
type head struct {
	exists   bool
	size     int64
	modified time.Time
}

func (o *Object) newRequest(ctx context.Context, method string) (*nethttp.Request, error) {
	req, err := nethttp.NewRequestWithContext(ctx, method, o.url.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("invalid request for %s", o.printQuery())
	}
	for k, v := range o.backend.settings.Headers {
		req.Header.Set(k, v)
	}
	if s := o.backend.settings; s.Username != "" {
		req.SetBasicAuth(s.Username, s.Password)
	}
	return req, nil
}

// send performs one request and classifies transport failures and error
// statuses. A 404 or 410 is returned as a response, not an error.
func (o *Object) send(ctx context.Context, method string) (*nethttp.Response, error) {
	req, err := o.newRequest(ctx, method)
	if err != nil {
		return nil, err
	}
	resp, err := o.backend.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.NewError(errors.ErrCodeNetworkError, fmt.Sprintf("%s %s failed", method, o.printQuery())).
			WithComponent(Name).
			WithCause(scrub(err, o.query, o.printQuery())).
			WithRetryable(true)
	}
	switch {
	case resp.StatusCode < 400, resp.StatusCode == nethttp.StatusNotFound, resp.StatusCode == nethttp.StatusGone:
		return resp, nil
	}
	_ = resp.Body.Close()
	code := errors.ErrCodeOperationFailed
	if resp.StatusCode == nethttp.StatusTooManyRequests || resp.StatusCode >= 500 {
		code = errors.ErrCodeNetworkError
	}
	return nil, errors.NewError(code, fmt.Sprintf("%s %s: %s", method, o.printQuery(), resp.Status)).
		WithComponent(Name).
		WithDetail("status", resp.StatusCode)
}

func (o *Object) head(ctx context.Context) (head, error) {
	return retry.Do(ctx, o.backend.policy, func(ctx context.Context) (head, error) {
		resp, err := o.send(ctx, nethttp.MethodHead)
		if errors.IsCode(err, errors.ErrCodeOperationFailed) && statusOf(err) == nethttp.StatusMethodNotAllowed {
			resp, err = o.send(ctx, nethttp.MethodGet)
		}
		if err != nil {
			return head{}, err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode == nethttp.StatusNotFound || resp.StatusCode == nethttp.StatusGone {
			return head{}, nil
		}
		h := head{exists: true, size: resp.ContentLength}
		if h.size < 0 {
			h.size = 0
		}
		if lm := resp.Header.Get("Last-Modified"); lm != "" {
			if t, err := nethttp.ParseTime(lm); err == nil {
				h.modified = t
			}
		}
		return h, nil
	})
}

func (o *Object) Exists(ctx context.Context) (bool, error) {
	h, err := o.head(ctx)
	return h.exists, err
}

// Mtime is the Last-Modified time, or 0 when the server does not send one
func (o *Object) Mtime(ctx context.Context) (float64, error) {
	h, err := o.head(ctx)
	if err != nil {
		return 0, err
	}
	if !h.exists {
		return 0, errors.NewObjectNotFoundError(Name, o.printQuery())
	}
	if h.modified.IsZero() {
		return 0, nil
	}
	return float64(h.modified.UnixNano()) / float64(time.Second), nil
}

// Size is the Content-Length, or 0 when unknown
func (o *Object) Size(ctx context.Context) (int64, error) {
	h, err := o.head(ctx)
	if err != nil {
		return 0, err
	}
	if !h.exists {
		return 0, errors.NewObjectNotFoundError(Name, o.printQuery())
	}
	return h.size, nil
}

// RetrieveObject streams the response body to localPath, restarting the
// download on retryable failures.
func (o *Object) RetrieveObject(ctx context.Context, localPath string, _ bool) error {
	modified, err := retry.Do(ctx, o.backend.policy, func(ctx context.Context) (time.Time, error) {
		return o.download(ctx, localPath)
	})
	if err != nil {
		return err
	}
	if modified.IsZero() {
		return nil
	}
	return os.Chtimes(localPath, modified, modified)
}

func (o *Object) download(ctx context.Context, localPath string) (time.Time, error) {
	resp, err := o.send(ctx, nethttp.MethodGet)
	if err != nil {
		return time.Time{}, err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == nethttp.StatusNotFound || resp.StatusCode == nethttp.StatusGone {
		return time.Time{}, errors.NewObjectNotFoundError(Name, o.printQuery())
	}

	f, err := os.Create(localPath)
	if err != nil {
		return time.Time{}, err
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && resp.ContentLength >= 0 && n != resp.ContentLength {
		err = fmt.Errorf("short body: got %d of %d bytes", n, resp.ContentLength)
	}
	if err != nil {
		if ctx.Err() != nil {
			return time.Time{}, ctx.Err()
		}
		return time.Time{}, errors.NewError(errors.ErrCodeNetworkError, "download of "+o.printQuery()+" interrupted").
			WithComponent(Name).
			WithCause(err).
			WithRetryable(true)
	}

	var modified time.Time
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		modified, _ = nethttp.ParseTime(lm)
	}
	o.backend.logger.Debug().Str("url", o.printQuery()).Int64("bytes", n).Msg("Downloaded")
	return modified, nil
}

func (o *Object) Cleanup(string) error { return nil }

func statusOf(err error) int {
	var se *errors.StorageError
	if !stderr.As(err, &se) {
		return 0
	}
	status, _ := se.Details["status"].(int)
	return status
}

// scrub replaces the raw URL in transport errors, which embed it
func scrub(err error, raw, safe string) error {
	if raw == safe {
		return err
	}
	return fmt.Errorf("%s", strings.ReplaceAll(err.Error(), raw, safe))
}
