package s3

import (
	stderr "errors"
	"net/http"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/flowstore/flowstore/pkg/errors"
)

// isNotFound reports whether err is a missing key or bucket. HeadObject
// answers with a bare 404, GetObject with NoSuchKey.
func isNotFound(err error) bool {
	var noSuchKey *s3types.NoSuchKey
	var notFound *s3types.NotFound
	if stderr.As(err, &noSuchKey) || stderr.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if stderr.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	var respErr *awshttp.ResponseError
	return stderr.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound
}

// translateError maps SDK errors onto storage error codes
func translateError(err error, printQuery string) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return errors.NewObjectNotFoundError(Name, printQuery).WithCause(err)
	}

	var apiErr smithy.APIError
	if stderr.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "Throttling", "ThrottlingException", "RequestTimeout", "InternalError", "ServiceUnavailable":
			return errors.NewError(errors.ErrCodeNetworkError, apiErr.ErrorMessage()).
				WithComponent(Name).
				WithContext("query", printQuery).
				WithCause(err)
		case "NoSuchBucket":
			return errors.NewObjectNotFoundError(Name, printQuery).WithCause(err)
		}
	}
	return err
}
