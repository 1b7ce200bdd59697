package objectstore

import (
	"context"
	"log/slog"
)

// Debug wraps any Store and adds debug logging.
// This allows any store implementation to have debug logging without
// coupling the debug logic to the store implementation.
type Debug struct {
	store  Store
	logger *slog.Logger
}

// NewDebug creates a new debug wrapper around an existing store.
func NewDebug(store Store, logger *slog.Logger) *Debug {
	return &Debug{
		store:  store,
		logger: logger.With("component", "objectstore"),
	}
}

// Get retrieves an object with debug logging.
func (d *Debug) Get(ctx context.Context, key string) (Object, bool, error) {
	d.logger.Debug("get", "key", key)

	obj, ok, err := d.store.Get(ctx, key)

	switch {
	case err != nil:
		d.logger.Debug("get failed", "key", key, "error", err)
	case !ok:
		d.logger.Debug("get miss", "key", key)
	default:
		d.logger.Debug("get hit",
			"key", key,
			"size", len(obj.Payload.Data),
			"compressed", obj.Payload.Compressed,
			"encrypted", obj.Payload.Encrypted)
	}

	return obj, ok, err
}

// Put stores an object with debug logging.
func (d *Debug) Put(ctx context.Context, key string, obj Object) error {
	d.logger.Debug("put",
		"key", key,
		"size", len(obj.Payload.Data),
		"compressed", obj.Payload.Compressed,
		"encrypted", obj.Payload.Encrypted)

	err := d.store.Put(ctx, key, obj)

	if err != nil {
		d.logger.Debug("put failed", "key", key, "error", err)
		return err
	}

	d.logger.Debug("put stored", "key", key)
	return nil
}

// Delete removes an object with debug logging.
func (d *Debug) Delete(ctx context.Context, key string) error {
	d.logger.Debug("delete", "key", key)

	err := d.store.Delete(ctx, key)

	if err != nil {
		d.logger.Debug("delete failed", "key", key, "error", err)
	}

	return err
}

// EnsureBucket checks the bucket with debug logging.
func (d *Debug) EnsureBucket(ctx context.Context) error {
	d.logger.Debug("ensuring bucket")

	err := d.store.EnsureBucket(ctx)

	if err != nil {
		d.logger.Debug("ensure bucket failed", "error", err)
		return err
	}

	d.logger.Debug("bucket ready")
	return nil
}
