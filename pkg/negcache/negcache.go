// Package negcache records "do not retry" upstream outcomes (404 and 5xx)
// in Redis with a TTL so repeat requests for missing or failing images are
// answered without touching the origin.
package negcache

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/richardartoul/imgcacheproxy/pkg/cacheerr"
)

// DefaultKeyPrefix namespaces negative entries inside a shared Redis.
const DefaultKeyPrefix = "cache:"

// Entry is a recorded negative outcome.
type Entry struct {
	Status int
	TTL    time.Duration // remaining lifetime at lookup time
}

// Policy maps a recordable status to its TTL.
type Policy struct {
	NotFoundTTL    time.Duration
	ServerErrorTTL time.Duration
}

// DefaultPolicy keeps absent images for a day and server errors for twenty
// minutes.
func DefaultPolicy() Policy {
	return Policy{
		NotFoundTTL:    24 * time.Hour,
		ServerErrorTTL: 20 * time.Minute,
	}
}

// Recordable reports whether status may be stored as a negative entry.
func Recordable(status int) bool {
	return status == http.StatusNotFound || (status >= 500 && status <= 599)
}

// TTLFor returns the TTL for status, or zero if it is not recordable.
func (p Policy) TTLFor(status int) time.Duration {
	switch {
	case status == http.StatusNotFound:
		return p.NotFoundTTL
	case status >= 500 && status <= 599:
		return p.ServerErrorTTL
	default:
		return 0
	}
}

// Redis is the negative cache backed by a Redis client. The client pools
// its own connections and is safe for concurrent use.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
	logger *slog.Logger
}

// New wraps an existing client.
func New(rdb redis.UniversalClient, logger *slog.Logger) *Redis {
	return &Redis{
		rdb:    rdb,
		prefix: DefaultKeyPrefix,
		logger: logger,
	}
}

// NewFromURL parses a redis:// URL and builds a client for it.
func NewFromURL(url string, logger *slog.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, cacheerr.InvalidConfig("invalid redis url: %v", err)
	}
	return New(redis.NewClient(opts), logger), nil
}

func (r *Redis) key(path string) string {
	return r.prefix + path
}

// Ping checks connectivity.
func (r *Redis) Ping(ctx context.Context) error {
	return cacheerr.Unavailable(r.rdb.Ping(ctx).Err(), "redis ping failed")
}

// Lookup returns the recorded entry for key, if any.
func (r *Redis) Lookup(ctx context.Context, key string) (Entry, bool, error) {
	pipe := r.rdb.Pipeline()
	get := pipe.Get(ctx, r.key(key))
	ttl := pipe.PTTL(ctx, r.key(key))
	_, err := pipe.Exec(ctx)
	if err == redis.Nil {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, cacheerr.Unavailable(err, "negative cache lookup failed")
	}

	status, ok := parseStatus(get.Val())
	if !ok {
		r.logger.Warn("ignoring malformed negative cache entry",
			"key", key,
			"value", get.Val())
		return Entry{}, false, nil
	}

	return Entry{Status: status, TTL: ttl.Val()}, true, nil
}

// legacyStatuses maps the JSON-encoded values written by earlier
// deployments under the same key prefix.
var legacyStatuses = map[string]int{
	`"NotFound"`:    http.StatusNotFound,
	`"ServerError"`: http.StatusInternalServerError,
}

func parseStatus(value string) (int, bool) {
	if status, ok := legacyStatuses[value]; ok {
		return status, true
	}
	status, err := strconv.Atoi(value)
	if err != nil || !Recordable(status) {
		return 0, false
	}
	return status, true
}

// RecordError stores status for key with the given TTL. Recording an
// existing key overwrites it and resets the TTL.
func (r *Redis) RecordError(ctx context.Context, key string, status int, ttl time.Duration) error {
	if !Recordable(status) {
		return cacheerr.InvalidInput("status %d cannot be recorded as a negative entry", status)
	}
	if ttl <= 0 {
		return cacheerr.InvalidInput("negative entry ttl must be positive, got %s", ttl)
	}
	if err := r.rdb.Set(ctx, r.key(key), strconv.Itoa(status), ttl).Err(); err != nil {
		return cacheerr.Unavailable(err, fmt.Sprintf("failed to record status %d", status))
	}
	return nil
}

// Clear deletes the entry for key. Missing keys are not an error.
func (r *Redis) Clear(ctx context.Context, key string) error {
	return cacheerr.Unavailable(r.rdb.Del(ctx, r.key(key)).Err(), "negative cache clear failed")
}

// Close releases the client's connections.
func (r *Redis) Close() error {
	return r.rdb.Close()
}
