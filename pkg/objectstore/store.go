// Package objectstore persists transformed image bytes in S3-compatible
// storage, recording the transform flags as object metadata so that any
// reader can invert them without consulting the writer's configuration.
package objectstore

import (
	"context"
	"strconv"
	"strings"

	"github.com/richardartoul/imgcacheproxy/pkg/transform"
)

// Metadata keys stored with every object.
const (
	MetaCompressed = "compressed"
	MetaEncrypted  = "encrypted"
)

// Object is a stored payload plus the content type the origin reported.
type Object struct {
	Payload     transform.Payload
	ContentType string
}

// Store defines the interface for object storage backends.
// Implementations must be safe for concurrent use. Concurrent puts of the
// same key are last-write-wins.
type Store interface {
	// Get returns the object for key. ok is false on a clean miss.
	// Transport and auth failures are BackendUnavailable errors.
	Get(ctx context.Context, key string) (obj Object, ok bool, err error)

	// Put uploads obj under key, overwriting any existing object.
	Put(ctx context.Context, key string, obj Object) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// EnsureBucket creates the bucket if it does not exist.
	EnsureBucket(ctx context.Context) error
}

// objectKey strips the leading slash of a request path; S3 keys are
// relative to the bucket.
func objectKey(key string) string {
	return strings.TrimPrefix(key, "/")
}

func transformPayload(data []byte, meta map[string]string) transform.Payload {
	p := transform.Payload{Data: data}
	decodeFlags(meta, &p)
	return p
}

func encodeFlags(p transform.Payload) map[string]string {
	return map[string]string{
		MetaCompressed: strconv.FormatBool(p.Compressed),
		MetaEncrypted:  strconv.FormatBool(p.Encrypted),
	}
}

// decodeFlags reads the transform flags from user metadata. Keys are
// matched case-insensitively since S3 implementations differ in how they
// canonicalise x-amz-meta-* headers. Missing flags mean the step was not
// applied.
func decodeFlags(meta map[string]string, p *transform.Payload) {
	for k, v := range meta {
		switch strings.ToLower(k) {
		case MetaCompressed:
			p.Compressed, _ = strconv.ParseBool(v)
		case MetaEncrypted:
			p.Encrypted, _ = strconv.ParseBool(v)
		}
	}
}
