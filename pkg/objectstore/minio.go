package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/richardartoul/imgcacheproxy/pkg/cacheerr"
)

// MinioConfig holds the connection settings for MinioStore.
type MinioConfig struct {
	Endpoint  string // host:port, no scheme
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
	UseSSL    bool

	// Client is an optional pre-configured client. If set, the connection
	// fields above except Bucket and Region are ignored.
	Client *minio.Client
}

func (c *MinioConfig) validate() error {
	if c.Bucket == "" {
		return cacheerr.InvalidConfig("bucket is required")
	}
	if c.Client == nil && c.Endpoint == "" {
		return cacheerr.InvalidConfig("endpoint is required when client is not provided")
	}
	return nil
}

// MinioStore stores objects through the MinIO client.
type MinioStore struct {
	client *minio.Client
	bucket string
	region string
	logger *slog.Logger
}

// NewMinioStore connects to the MinIO server described by cfg.
func NewMinioStore(cfg MinioConfig, logger *slog.Logger) (*MinioStore, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	client := cfg.Client
	if client == nil {
		var err error
		client, err = minio.New(cfg.Endpoint, &minio.Options{
			Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
			Secure: cfg.UseSSL,
			Region: cfg.Region,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create minio client: %w", err)
		}
	}

	return &MinioStore{
		client: client,
		bucket: cfg.Bucket,
		region: cfg.Region,
		logger: logger,
	}, nil
}

// Get downloads key. GetObject is lazy, so the Stat that follows it is the
// first call to reach the server; a missing key surfaces there as a miss
// before any body is read.
func (m *MinioStore) Get(ctx context.Context, key string) (Object, bool, error) {
	obj, err := m.client.GetObject(ctx, m.bucket, objectKey(key), minio.GetObjectOptions{})
	if err != nil {
		if isMinioNotFound(err) {
			return Object{}, false, nil
		}
		return Object{}, false, cacheerr.Unavailable(err, "minio get failed")
	}
	defer obj.Close()

	info, err := obj.Stat()
	if err != nil {
		if isMinioNotFound(err) {
			return Object{}, false, nil
		}
		return Object{}, false, cacheerr.Unavailable(err, "minio stat failed")
	}

	data, err := io.ReadAll(obj)
	if err != nil {
		return Object{}, false, cacheerr.Unavailable(err, "failed to read minio object body")
	}

	return Object{
		Payload:     transformPayload(data, info.UserMetadata),
		ContentType: info.ContentType,
	}, true, nil
}

// Put uploads obj with its flags as user metadata.
func (m *MinioStore) Put(ctx context.Context, key string, obj Object) error {
	opts := minio.PutObjectOptions{
		ContentType:  obj.ContentType,
		UserMetadata: encodeFlags(obj.Payload),
	}
	data := obj.Payload.Data
	_, err := m.client.PutObject(ctx, m.bucket, objectKey(key), bytes.NewReader(data), int64(len(data)), opts)
	if err != nil {
		return cacheerr.Unavailable(err, "minio put failed")
	}
	return nil
}

// Delete removes key.
func (m *MinioStore) Delete(ctx context.Context, key string) error {
	err := m.client.RemoveObject(ctx, m.bucket, objectKey(key), minio.RemoveObjectOptions{})
	if err != nil && !isMinioNotFound(err) {
		return cacheerr.Unavailable(err, "minio delete failed")
	}
	return nil
}

// EnsureBucket creates the bucket if it does not exist.
func (m *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return cacheerr.Unavailable(err, fmt.Sprintf("failed to check bucket %q", m.bucket))
	}
	if exists {
		m.logger.Debug("minio bucket exists", "bucket", m.bucket)
		return nil
	}

	m.logger.Info("creating minio bucket", "bucket", m.bucket)
	err = m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{Region: m.region})
	if err != nil {
		code := minio.ToErrorResponse(err).Code
		if code == "BucketAlreadyOwnedByYou" || code == "BucketAlreadyExists" {
			return nil
		}
		return cacheerr.Unavailable(err, fmt.Sprintf("failed to create bucket %q", m.bucket))
	}
	return nil
}

func isMinioNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || (resp.StatusCode == http.StatusNotFound && resp.Code != "NoSuchBucket")
}
