package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/richardartoul/imgcacheproxy/pkg/cacheerr"
)

const bucketWaitTimeout = 10 * time.Second

// S3Config holds the connection settings for S3Store.
type S3Config struct {
	Endpoint  string // empty for AWS itself
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

// s3API is the subset of *s3.Client used by S3Store.
type s3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(ctx context.Context, in *s3.CreateBucketInput, optFns ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
}

// S3Store stores objects using the AWS SDK. It works against AWS and any
// S3-compatible service reachable through a custom endpoint.
type S3Store struct {
	client s3API
	bucket string
	logger *slog.Logger
}

// NewS3Store builds an S3 client from cfg.
func NewS3Store(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, cacheerr.InvalidConfig("bucket is required")
	}

	opts := []func(*config.LoadOptions) error{
		config.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			// S3-compatible services rarely support virtual-hosted buckets.
			o.UsePathStyle = true
		}
	})

	return newS3Store(client, cfg.Bucket, logger), nil
}

func newS3Store(client s3API, bucket string, logger *slog.Logger) *S3Store {
	return &S3Store{
		client: client,
		bucket: bucket,
		logger: logger,
	}
}

// Get downloads key and reconstructs its transform flags from metadata.
func (s *S3Store) Get(ctx context.Context, key string) (Object, bool, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(key)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return Object{}, false, nil
		}
		return Object{}, false, cacheerr.Unavailable(err, "s3 get failed")
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return Object{}, false, cacheerr.Unavailable(err, "failed to read s3 object body")
	}

	obj := Object{
		Payload:     transformPayload(data, out.Metadata),
		ContentType: aws.ToString(out.ContentType),
	}
	return obj, true, nil
}

// Put uploads obj with its flags as user metadata.
func (s *S3Store) Put(ctx context.Context, key string, obj Object) error {
	in := &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objectKey(key)),
		Body:          bytes.NewReader(obj.Payload.Data),
		ContentLength: aws.Int64(int64(len(obj.Payload.Data))),
		Metadata:      encodeFlags(obj.Payload),
	}
	if obj.ContentType != "" {
		in.ContentType = aws.String(obj.ContentType)
	}
	if _, err := s.client.PutObject(ctx, in); err != nil {
		return cacheerr.Unavailable(err, "s3 put failed")
	}
	return nil
}

// Delete removes key.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(key)),
	})
	if err != nil && !isS3NotFound(err) {
		return cacheerr.Unavailable(err, "s3 delete failed")
	}
	return nil
}

// EnsureBucket creates the bucket when HeadBucket reports it missing.
func (s *S3Store) EnsureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		s.logger.Debug("s3 bucket exists", "bucket", s.bucket)
		return nil
	}
	if !isS3NotFound(err) {
		s.logger.Warn("failed to check s3 bucket, attempting to create it",
			"bucket", s.bucket,
			"error", err)
	}

	s.logger.Info("creating s3 bucket", "bucket", s.bucket)
	_, err = s.client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(s.bucket)})
	if err == nil {
		return s3.NewBucketExistsWaiter(s.client).Wait(ctx,
			&s3.HeadBucketInput{Bucket: aws.String(s.bucket)}, bucketWaitTimeout)
	}
	var owned *s3types.BucketAlreadyOwnedByYou
	var exists *s3types.BucketAlreadyExists
	if errors.As(err, &owned) || errors.As(err, &exists) {
		return nil
	}
	return cacheerr.Unavailable(err, fmt.Sprintf("failed to create bucket %q", s.bucket))
}

// isS3NotFound reports whether err means the key is absent. A missing
// bucket is an outage, not a miss.
func isS3NotFound(err error) bool {
	var nsb *s3types.NoSuchBucket
	if errors.As(err, &nsb) {
		return false
	}
	var nsk *s3types.NoSuchKey
	var nf *s3types.NotFound
	if errors.As(err, &nsk) || errors.As(err, &nf) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		case "NoSuchBucket":
			return false
		}
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == http.StatusNotFound {
		return true
	}
	return false
}
