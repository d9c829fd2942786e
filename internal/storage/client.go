package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"

	"github.com/kenneth/media-storage-gateway/internal/config"
	"github.com/kenneth/media-storage-gateway/internal/metrics"
)

var (
	// ErrNotFound is returned when an object does not exist.
	ErrNotFound = errors.New("object not found")
	// ErrAlreadyExists is returned by a create-only put when the object exists.
	ErrAlreadyExists = errors.New("object already exists")
)

// Existence is the three-valued result of a HEAD request.
type Existence int

const (
	// ExistenceUnknown means the check was inconclusive (access denied, network error).
	ExistenceUnknown Existence = iota
	// Exists means the object was confirmed present.
	Exists
	// NotExists means the object was confirmed absent.
	NotExists
)

func (e Existence) String() string {
	switch e {
	case Exists:
		return "exists"
	case NotExists:
		return "missing"
	default:
		return "unknown"
	}
}

// PutOptions controls object creation.
type PutOptions struct {
	ContentType string
	// IfNotExists makes the put fail with ErrAlreadyExists instead of overwriting.
	IfNotExists bool
}

// BlobStore is the blob storage contract used by key provisioning and upload validation.
type BlobStore interface {
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
	PutObject(ctx context.Context, bucket, key string, data []byte, opts PutOptions) error
	HeadObject(ctx context.Context, bucket, key string) (Existence, error)
	DeleteObject(ctx context.Context, bucket, key string) error
}

// Presigner issues time-limited URLs for direct client access.
type Presigner interface {
	PresignPut(ctx context.Context, bucket, key, contentType string, expiry time.Duration) (string, error)
	PresignGet(ctx context.Context, bucket, key string, expiry time.Duration) (string, error)
}

// Client is the full S3 backend client.
type Client interface {
	BlobStore
	Presigner
}

// s3Client implements the Client interface using AWS SDK v2.
type s3Client struct {
	client    *s3.Client
	presigner *s3.PresignClient
	metrics   *metrics.Metrics
}

// NewClient creates a new S3 backend client.
func NewClient(ctx context.Context, cfg *config.StorageConfig, m *metrics.Metrics) (Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKey,
			cfg.SecretKey,
			"",
		)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// Configure endpoint for non-AWS providers
	var s3Options []func(*s3.Options)
	if cfg.Endpoint != "" && cfg.Provider != "aws" {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Options = append(s3Options, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	client := s3.NewFromConfig(awsCfg, s3Options...)

	return &s3Client{
		client:    client,
		presigner: s3.NewPresignClient(client),
		metrics:   m,
	}, nil
}

func (c *s3Client) observe(operation, bucket string, start time.Time, err error) {
	c.metrics.RecordS3Operation(operation, bucket, time.Since(start))
	if err != nil && !errors.Is(err, ErrNotFound) {
		c.metrics.RecordS3Error(operation, bucket)
	}
}

// GetObject reads a whole object.
func (c *s3Client) GetObject(ctx context.Context, bucket, key string) (data []byte, err error) {
	defer func(start time.Time) { c.observe("GetObject", bucket, start, err) }(time.Now())

	result, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get object %s/%s: %w", bucket, key, err)
	}
	defer result.Body.Close()

	data, err = io.ReadAll(result.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read object %s/%s: %w", bucket, key, err)
	}
	return data, nil
}

// PutObject uploads an object.
func (c *s3Client) PutObject(ctx context.Context, bucket, key string, data []byte, opts PutOptions) (err error) {
	defer func(start time.Time) { c.observe("PutObject", bucket, start, err) }(time.Now())

	input := &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	}
	if opts.ContentType != "" {
		input.ContentType = aws.String(opts.ContentType)
	}
	if opts.IfNotExists {
		input.IfNoneMatch = aws.String("*")
	}

	if _, err := c.client.PutObject(ctx, input); err != nil {
		if opts.IfNotExists && isPreconditionFailed(err) {
			return fmt.Errorf("%s/%s: %w", bucket, key, ErrAlreadyExists)
		}
		return fmt.Errorf("failed to put object %s/%s: %w", bucket, key, err)
	}
	return nil
}

// HeadObject checks for existence. Errors other than a confirmed 404 yield ExistenceUnknown.
func (c *s3Client) HeadObject(ctx context.Context, bucket, key string) (existence Existence, err error) {
	defer func(start time.Time) { c.observe("HeadObject", bucket, start, err) }(time.Now())

	_, err = c.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return Exists, nil
	}
	if isNotFound(err) {
		return NotExists, nil
	}
	return ExistenceUnknown, fmt.Errorf("failed to head object %s/%s: %w", bucket, key, err)
}

// DeleteObject deletes an object.
func (c *s3Client) DeleteObject(ctx context.Context, bucket, key string) (err error) {
	defer func(start time.Time) { c.observe("DeleteObject", bucket, start, err) }(time.Now())

	if _, err := c.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}); err != nil {
		return fmt.Errorf("failed to delete object %s/%s: %w", bucket, key, err)
	}
	return nil
}

// PresignPut returns a URL the client can PUT the object to directly.
func (c *s3Client) PresignPut(ctx context.Context, bucket, key, contentType string, expiry time.Duration) (string, error) {
	input := &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	req, err := c.presigner.PresignPutObject(ctx, input, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("failed to presign put %s/%s: %w", bucket, key, err)
	}
	return req.URL, nil
}

// PresignGet returns a URL the client can GET the object from directly.
func (c *s3Client) PresignGet(ctx context.Context, bucket, key string, expiry time.Duration) (string, error) {
	req, err := c.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(expiry))
	if err != nil {
		return "", fmt.Errorf("failed to presign get %s/%s: %w", bucket, key, err)
	}
	return req.URL, nil
}

// isNotFound reports whether err is a confirmed missing object or bucket.
func isNotFound(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	return false
}

// isPreconditionFailed reports whether a conditional write lost to an existing object.
func isPreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return true
		}
	}
	return false
}
