package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/aws/aws-sdk-go-v2/aws"

	"github.com/tickerflow-io/tickerflow/internal/config"
	"github.com/tickerflow-io/tickerflow/internal/ingestion"
)

// Compile-time check that S3Store satisfies the interface.
var _ ObjectStore = (*S3Store)(nil)

// S3Store is an ObjectStore backed by AWS S3 or any S3-compatible endpoint.
//
// Errors are classified into the pipeline taxonomy: credential problems are
// fatal, missing buckets are fatal, transport failures are retryable.
type S3Store struct {
	client *s3.Client
	logger *slog.Logger
}

// NewS3Store builds the S3 client from the given configuration. An explicit
// endpoint switches to path-style addressing for MinIO-like stores.
func NewS3Store(ctx context.Context, cfg *Config) (*S3Store, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}

	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	})).With("component", "objectstore")

	return &S3Store{client: client, logger: logger}, nil
}

// Put uploads a blob, overwriting any existing object at the key.
func (s *S3Store) Put(ctx context.Context, bucket, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		s.logger.Error("object upload failed", "bucket", bucket, "key", key, "error", err)

		return classifyS3Error(err, ingestion.CodeStorageUpload)
	}

	s.logger.Debug("object uploaded", "bucket", bucket, "key", key, "bytes", len(data))

	return nil
}

// Get downloads a blob into memory.
func (s *S3Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	body, err := s.GetReader(ctx, bucket, key)
	if err != nil {
		return nil, err
	}

	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, classifyS3Error(err, ingestion.CodeStorageConnection)
	}

	return data, nil
}

// GetReader opens a streaming reader for a blob. The caller owns the close.
func (s *S3Store) GetReader(ctx context.Context, bucket, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, classifyS3Error(err, ingestion.CodeStorageConnection)
	}

	return out.Body, nil
}

// List returns every key under the prefix, following pagination.
func (s *S3Store) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	var keys []string

	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(bucket),
		Prefix: aws.String(prefix),
	})

	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, classifyS3Error(err, ingestion.CodeStorageConnection)
		}

		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}

	return keys, nil
}

// Delete removes a blob. Deleting a missing key is not an error, matching S3
// semantics.
func (s *S3Store) Delete(ctx context.Context, bucket, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return classifyS3Error(err, ingestion.CodeStorageConnection)
	}

	return nil
}

// classifyS3Error maps an SDK error onto the pipeline taxonomy. fallbackCode
// is used for transport-level failures where the SDK gives no API error code;
// it is always a retryable code.
func classifyS3Error(err error, fallbackCode string) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return fmt.Errorf("%w: %w", ErrObjectNotFound, err)
		case "NoSuchBucket":
			return ingestion.Fatal(ingestion.CodeStorageBucketNotFound, "bucket does not exist", err)
		case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
			return ingestion.Fatal(ingestion.CodeStorageAuthentication, "storage credentials rejected", err)
		case "SlowDown", "RequestTimeout":
			return ingestion.Retryable(ingestion.CodeStorageConnection, "storage backpressure", err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return ingestion.Retryable(ingestion.CodeStorageConnection, "storage connection failed", err)
	}

	return ingestion.Retryable(fallbackCode, "storage operation failed", err)
}
