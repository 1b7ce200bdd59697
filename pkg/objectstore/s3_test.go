package objectstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richardartoul/imgcacheproxy/pkg/cacheerr"
	"github.com/richardartoul/imgcacheproxy/pkg/transform"
)

type fakeS3Object struct {
	body        []byte
	contentType string
	metadata    map[string]string
}

// fakeS3 is an in-memory s3API. S3 returns user metadata keys lowercased,
// so the fake capitalises them on put to exercise case-insensitive reads.
type fakeS3 struct {
	mu            sync.Mutex
	bucketCreated bool
	objects       map[string]fakeS3Object
	err           error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string]fakeS3Object)}
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	obj, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:        io.NopCloser(bytes.NewReader(obj.body)),
		ContentType: aws.String(obj.contentType),
		Metadata:    obj.metadata,
	}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	meta := make(map[string]string, len(in.Metadata))
	for k, v := range in.Metadata {
		meta[strings.ToUpper(k[:1])+k[1:]] = v
	}
	f.objects[aws.ToString(in.Key)] = fakeS3Object{
		body:        body,
		contentType: aws.ToString(in.ContentType),
		metadata:    meta,
	}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	delete(f.objects, aws.ToString(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.bucketCreated {
		return nil, &s3types.NotFound{}
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeS3) CreateBucket(context.Context, *s3.CreateBucketInput, ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bucketCreated {
		return nil, &s3types.BucketAlreadyOwnedByYou{}
	}
	f.bucketCreated = true
	return &s3.CreateBucketOutput{}, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestS3StoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	store := newS3Store(fake, "images", discardLogger())

	_, ok, err := store.Get(ctx, "/artwork/1.jpg")
	require.NoError(t, err)
	assert.False(t, ok)

	want := Object{
		Payload:     transform.Payload{Data: []byte("sealed"), Compressed: true, Encrypted: true},
		ContentType: "image/jpeg",
	}
	require.NoError(t, store.Put(ctx, "/artwork/1.jpg", want))

	// Stored without the leading slash.
	_, stored := fake.objects["artwork/1.jpg"]
	assert.True(t, stored)

	got, ok, err := store.Get(ctx, "/artwork/1.jpg")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want, got)

	require.NoError(t, store.Delete(ctx, "/artwork/1.jpg"))
	_, ok, err = store.Get(ctx, "/artwork/1.jpg")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestS3StoreFlagsDefaultToFalse(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	fake.objects["legacy.png"] = fakeS3Object{body: []byte("raw")}
	store := newS3Store(fake, "images", discardLogger())

	got, ok, err := store.Get(ctx, "/legacy.png")
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, got.Payload.Compressed)
	assert.False(t, got.Payload.Encrypted)
}

func TestS3StoreUnavailable(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	fake.err = errors.New("connection refused")
	store := newS3Store(fake, "images", discardLogger())

	_, _, err := store.Get(ctx, "/a.jpg")
	assert.True(t, cacheerr.IsUnavailable(err), "got %v", err)
	assert.True(t, cacheerr.IsUnavailable(store.Put(ctx, "/a.jpg", Object{})))
	assert.True(t, cacheerr.IsUnavailable(store.Delete(ctx, "/a.jpg")))
}

func TestS3StoreEnsureBucket(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	store := newS3Store(fake, "images", discardLogger())

	require.NoError(t, store.EnsureBucket(ctx))
	assert.True(t, fake.bucketCreated)

	// Second call sees the bucket and does nothing.
	require.NoError(t, store.EnsureBucket(ctx))
}

func TestNewS3StoreRequiresBucket(t *testing.T) {
	_, err := NewS3Store(context.Background(), S3Config{Region: "us-east-1"}, discardLogger())
	assert.Error(t, err)
}

func responseError(status int, err error) error {
	return &awshttp.ResponseError{
		ResponseError: &smithyhttp.ResponseError{
			Response: &smithyhttp.Response{Response: &http.Response{StatusCode: status}},
			Err:      err,
		},
	}
}

func TestIsS3NotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"no such key", &s3types.NoSuchKey{}, true},
		{"not found", &s3types.NotFound{}, true},
		{"api code", &smithy.GenericAPIError{Code: "NoSuchKey"}, true},
		{"bare 404", responseError(http.StatusNotFound, errors.New("not found")), true},
		{"no such bucket", &s3types.NoSuchBucket{}, false},
		{"no such bucket 404", responseError(http.StatusNotFound, &s3types.NoSuchBucket{}), false},
		{"no such bucket api code", responseError(http.StatusNotFound, &smithy.GenericAPIError{Code: "NoSuchBucket"}), false},
		{"forbidden", responseError(http.StatusForbidden, errors.New("denied")), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, isS3NotFound(tt.err), tt.name)
	}
}

func TestS3StoreMissingBucketIsUnavailable(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	fake.err = responseError(http.StatusNotFound, &s3types.NoSuchBucket{})
	store := newS3Store(fake, "deleted", discardLogger())

	_, ok, err := store.Get(ctx, "/a.jpg")
	assert.False(t, ok)
	assert.True(t, cacheerr.IsUnavailable(err), "got %v", err)
	assert.True(t, cacheerr.IsUnavailable(store.Delete(ctx, "/a.jpg")))
}
