package s3

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	awsconfig "github.com/scttfrdmn/cargoship/pkg/aws/config"
	cargoships3 "github.com/scttfrdmn/cargoship/pkg/aws/s3"
)

const mib = 1024 * 1024

// API is the subset of the S3 client used for metadata requests
type API interface {
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	CopyObject(ctx context.Context, in *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
}

// transfer moves object content between S3 and local files
type transfer interface {
	Download(ctx context.Context, w io.WriterAt, bucket, key string) (int64, error)
	Upload(ctx context.Context, bucket, key string, body io.ReadSeeker, size int64) error
}

// newClient builds an S3 client from the settings, using the default AWS
// credential chain unless static keys are configured.
func newClient(ctx context.Context, s Settings) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(s.Region),
	}
	if s.MaxRetries > 0 {
		opts = append(opts, config.WithRetryMaxAttempts(s.MaxRetries))
	}
	if s.AccessKeyID != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s.AccessKeyID, s.SecretAccessKey, s.SessionToken)))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if s.Endpoint != "" {
			o.BaseEndpoint = aws.String(s.Endpoint)
		}
		o.UsePathStyle = s.ForcePathStyle
		o.UseAccelerate = s.UseAccelerate
	}), nil
}

// sdkTransfer downloads with the SDK transfer manager and uploads through
// CargoShip when enabled, falling back to the transfer manager.
type sdkTransfer struct {
	client     *s3.Client
	downloader *manager.Downloader
	uploader   *manager.Uploader
	settings   Settings
	logger     zerolog.Logger

	mu           sync.Mutex
	transporters map[string]*cargoships3.Transporter
}

func newTransfer(client *s3.Client, s Settings, logger zerolog.Logger) *sdkTransfer {
	return &sdkTransfer{
		client: client,
		downloader: manager.NewDownloader(client, func(d *manager.Downloader) {
			d.PartSize = s.PartSizeMB * mib
			d.Concurrency = s.Concurrency
		}),
		uploader: manager.NewUploader(client, func(u *manager.Uploader) {
			u.PartSize = s.PartSizeMB * mib
			u.Concurrency = s.Concurrency
		}),
		settings:     s,
		logger:       logger,
		transporters: make(map[string]*cargoships3.Transporter),
	}
}

func (t *sdkTransfer) Download(ctx context.Context, w io.WriterAt, bucket, key string) (int64, error) {
	return t.downloader.Download(ctx, w, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
}

func (t *sdkTransfer) Upload(ctx context.Context, bucket, key string, body io.ReadSeeker, size int64) error {
	if t.settings.EnableCargoShip {
		result, err := t.transporter(bucket).Upload(ctx, cargoships3.Archive{
			Key:          key,
			Reader:       body,
			Size:         size,
			StorageClass: toCargoShipStorageClass(t.settings.StorageClass),
			Metadata:     map[string]string{"flowstore-upload": "true"},
		})
		if err == nil {
			t.logger.Debug().
				Str("bucket", bucket).
				Str("key", key).
				Int64("size", size).
				Interface("throughput", result.Throughput).
				Interface("duration", result.Duration).
				Msg("CargoShip upload completed")
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		t.logger.Warn().Err(err).Str("key", key).Msg("CargoShip upload failed, falling back to transfer manager")
		if _, err := body.Seek(0, io.SeekStart); err != nil {
			return err
		}
	}

	_, err := t.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket:       aws.String(bucket),
		Key:          aws.String(key),
		Body:         body,
		StorageClass: toStorageClass(t.settings.StorageClass),
	})
	return err
}

// transporter returns the CargoShip transporter of a bucket, creating it on first use
func (t *sdkTransfer) transporter(bucket string) *cargoships3.Transporter {
	t.mu.Lock()
	defer t.mu.Unlock()

	if tr, ok := t.transporters[bucket]; ok {
		return tr
	}
	tr := cargoships3.NewTransporter(t.client, awsconfig.S3Config{
		Bucket:             bucket,
		StorageClass:       toCargoShipStorageClass(t.settings.StorageClass),
		MultipartThreshold: t.settings.MultipartThresholdMB * mib,
		MultipartChunkSize: t.settings.PartSizeMB * mib,
		Concurrency:        t.settings.Concurrency,
	})
	t.transporters[bucket] = tr
	return tr
}
