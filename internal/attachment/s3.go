package attachment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Opts configures an S3Blobstore.
type S3Opts struct {
	Bucket    string
	Region    string
	Endpoint  string // custom endpoint for S3-compatible stores such as MinIO
	PathStyle bool
}

// S3Option configures an S3Blobstore.
type S3Option func(*S3Opts)

// WithRegion sets the AWS region.
func WithRegion(region string) S3Option {
	return func(o *S3Opts) { o.Region = region }
}

// WithEndpoint points the client at an S3-compatible endpoint and enables path-style
// addressing.
func WithEndpoint(endpoint string) S3Option {
	return func(o *S3Opts) {
		o.Endpoint = endpoint
		o.PathStyle = true
	}
}

// s3API is the subset of *s3.Client the blobstore needs.
type s3API interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3Blobstore stores blobs in an S3 bucket.
type S3Blobstore struct {
	client s3API
	bucket string
}

// Compile-time check that S3Blobstore implements Blobstore.
var _ Blobstore = (*S3Blobstore)(nil)

// NewS3Blobstore loads the default AWS credential chain and builds a client for bucket.
func NewS3Blobstore(ctx context.Context, bucket string, opts ...S3Option) (*S3Blobstore, error) {
	cfg := S3Opts{Bucket: bucket, Region: "us-east-1"}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket not set")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	slog.Debug("NewS3Blobstore: client ready", "bucket", cfg.Bucket, "region", cfg.Region, "endpoint", cfg.Endpoint)
	return &S3Blobstore{client: client, bucket: cfg.Bucket}, nil
}

func (b *S3Blobstore) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error {
	clean, err := sanitizeKey(key)
	if err != nil {
		return err
	}
	in := &s3.PutObjectInput{
		Bucket:        aws.String(b.bucket),
		Key:           aws.String(clean),
		Body:          body,
		ContentLength: aws.Int64(size),
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := b.client.PutObject(ctx, in); err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

func (b *S3Blobstore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	clean, err := sanitizeKey(key)
	if err != nil {
		return nil, err
	}
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(clean),
	})
	if err != nil {
		var missing *types.NoSuchKey
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("get object: %w", err)
	}
	return out.Body, nil
}
