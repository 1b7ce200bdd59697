// Package cacheerr defines the error taxonomy shared by the cache backends
// and the request orchestrator.
//
// Backend failures are never fatal to a request: callers check
// IsUnavailable and IsCorrupt to decide whether to fall through to the next
// tier instead of surfacing the error to the client.
package cacheerr

import (
	"github.com/jmgilman/go/errors"
)

// CodeCorruptPayload marks a stored object that could not be decoded.
const CodeCorruptPayload errors.ErrorCode = "CORRUPT_PAYLOAD"

// Unavailable wraps err as a BackendUnavailable failure of an external
// cache service. A nil err returns nil.
func Unavailable(err error, message string) error {
	if err == nil {
		return nil
	}
	return errors.Wrap(err, errors.CodeUnavailable, message)
}

// Corrupt wraps err as a CorruptPayload failure.
func Corrupt(err error, message string) error {
	if err == nil {
		return errors.New(CodeCorruptPayload, message)
	}
	return errors.Wrap(err, CodeCorruptPayload, message)
}

// InvalidConfig returns a configuration error.
func InvalidConfig(format string, args ...interface{}) error {
	return errors.Newf(errors.CodeInvalidConfig, format, args...)
}

// InvalidInput returns an invalid argument error.
func InvalidInput(format string, args ...interface{}) error {
	return errors.Newf(errors.CodeInvalidInput, format, args...)
}

// IsUnavailable reports whether err is a BackendUnavailable failure.
func IsUnavailable(err error) bool {
	return errors.GetCode(err) == errors.CodeUnavailable
}

// IsCorrupt reports whether err is a CorruptPayload failure.
func IsCorrupt(err error) bool {
	return errors.GetCode(err) == CodeCorruptPayload
}

// IsInvalidConfig reports whether err is a configuration error.
func IsInvalidConfig(err error) bool {
	return errors.GetCode(err) == errors.CodeInvalidConfig
}
