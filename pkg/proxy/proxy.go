// Package proxy decides, for each requested image path, whether to answer
// from the negative cache, the object store or the origin, and persists
// fresh origin responses in the background.
//
// The negative cache and object store are advisory: any failure talking to
// them is logged and treated as a miss so the request degrades to an
// origin fetch. Only an unreachable origin is reported to the client.
package proxy

import (
	"context"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/richardartoul/imgcacheproxy/pkg/metrics"
	"github.com/richardartoul/imgcacheproxy/pkg/negcache"
	"github.com/richardartoul/imgcacheproxy/pkg/objectstore"
	"github.com/richardartoul/imgcacheproxy/pkg/transform"
	"github.com/richardartoul/imgcacheproxy/pkg/upstream"
)

const (
	DefaultBackendTimeout   = 5 * time.Second
	DefaultWriteBackWorkers = 4
	DefaultWriteBackQueue   = 256
)

// NegativeCache stores "do not retry" outcomes.
type NegativeCache interface {
	Lookup(ctx context.Context, key string) (negcache.Entry, bool, error)
	RecordError(ctx context.Context, key string, status int, ttl time.Duration) error
	Clear(ctx context.Context, key string) error
}

// Fetcher retrieves a key from the origin.
type Fetcher interface {
	Fetch(ctx context.Context, key string) upstream.Outcome
}

// Source says which tier produced a response.
type Source string

const (
	SourceNegative Source = "negative"
	SourceStore    Source = "store"
	SourceUpstream Source = "upstream"
)

// Response is what the HTTP layer writes back to the client.
type Response struct {
	Status      int
	Body        []byte
	ContentType string
	Location    string
	Source      Source
}

// Config tunes the orchestrator.
type Config struct {
	Policy negcache.Policy

	// BackendTimeout bounds every negative cache and object store call.
	BackendTimeout time.Duration

	WriteBackWorkers int
	WriteBackQueue   int // per worker

	// EvictCorrupt deletes stored objects that fail to decode.
	EvictCorrupt bool
}

func (c *Config) setDefaults() {
	if c.Policy == (negcache.Policy{}) {
		c.Policy = negcache.DefaultPolicy()
	}
	if c.BackendTimeout <= 0 {
		c.BackendTimeout = DefaultBackendTimeout
	}
	if c.WriteBackWorkers <= 0 {
		c.WriteBackWorkers = DefaultWriteBackWorkers
	}
	if c.WriteBackQueue <= 0 {
		c.WriteBackQueue = DefaultWriteBackQueue
	}
}

// Options are the collaborators of an Orchestrator. All are required.
type Options struct {
	NegativeCache NegativeCache
	Store         objectstore.Store
	Fetcher       Fetcher
	Pipeline      *transform.Pipeline
	Metrics       *metrics.Recorder
	Logger        *slog.Logger
}

// Orchestrator implements the per-request retrieval policy. It is safe for
// concurrent use; Close must be called to drain pending write-backs.
type Orchestrator struct {
	cfg       Config
	negative  NegativeCache
	store     objectstore.Store
	fetcher   Fetcher
	pipeline  *transform.Pipeline
	metrics   *metrics.Recorder
	logger    *slog.Logger
	writeBack *writeBackPool
}

// New creates an orchestrator and starts its write-back workers.
func New(cfg Config, opts Options) *Orchestrator {
	cfg.setDefaults()
	o := &Orchestrator{
		cfg:      cfg,
		negative: opts.NegativeCache,
		store:    opts.Store,
		fetcher:  opts.Fetcher,
		pipeline: opts.Pipeline,
		metrics:  opts.Metrics,
		logger:   opts.Logger,
	}
	o.writeBack = newWriteBackPool(o, cfg.WriteBackWorkers, cfg.WriteBackQueue)
	return o
}

// Handle resolves key. It never fails: backend problems degrade to the next
// tier and an unreachable origin becomes a 502.
func (o *Orchestrator) Handle(ctx context.Context, key string) Response {
	resp := o.handle(ctx, key)
	o.metrics.Request(string(resp.Source), strconv.Itoa(resp.Status))
	return resp
}

func (o *Orchestrator) handle(ctx context.Context, key string) Response {
	if entry, ok := o.checkNegative(ctx, key); ok {
		o.logger.Info("rejecting request due to cached upstream status",
			"key", key,
			"status", entry.Status,
			"ttl", entry.TTL)
		return Response{
			Status:      entry.Status,
			Body:        []byte("Cached as unavailable"),
			ContentType: "text/plain; charset=utf-8",
			Source:      SourceNegative,
		}
	}

	if resp, ok := o.checkStore(ctx, key); ok {
		return resp
	}

	return o.fetch(ctx, key)
}

func (o *Orchestrator) checkNegative(ctx context.Context, key string) (negcache.Entry, bool) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.BackendTimeout)
	defer cancel()

	start := time.Now()
	entry, ok, err := o.negative.Lookup(ctx, key)
	o.metrics.ObserveOp(metrics.OpNegativeLookup, start)
	if err != nil {
		o.metrics.BackendError(metrics.BackendNegativeCache)
		o.logger.Warn("negative cache lookup failed, continuing",
			"key", key,
			"error", err)
		return negcache.Entry{}, false
	}
	return entry, ok
}

func (o *Orchestrator) checkStore(ctx context.Context, key string) (Response, bool) {
	getCtx, cancel := context.WithTimeout(ctx, o.cfg.BackendTimeout)
	defer cancel()

	start := time.Now()
	obj, ok, err := o.store.Get(getCtx, key)
	o.metrics.ObserveOp(metrics.OpStoreGet, start)
	if err != nil {
		o.metrics.BackendError(metrics.BackendObjectStore)
		o.logger.Warn("object store get failed, falling back to upstream",
			"key", key,
			"error", err)
		return Response{}, false
	}
	if !ok {
		o.logger.Debug("object store miss", "key", key)
		return Response{}, false
	}

	data, err := o.pipeline.Decode(obj.Payload)
	if err != nil {
		o.metrics.CorruptObject()
		o.logger.Error("stored object is unusable, falling back to upstream",
			"key", key,
			"compressed", obj.Payload.Compressed,
			"encrypted", obj.Payload.Encrypted,
			"error", err)
		if o.cfg.EvictCorrupt {
			o.enqueue(job{kind: jobEvict, key: key})
		}
		return Response{}, false
	}

	o.logger.Debug("serving from object store", "key", key, "size", len(data))
	return Response{
		Status:      http.StatusOK,
		Body:        data,
		ContentType: ContentTypeFor(key, obj.ContentType),
		Source:      SourceStore,
	}, true
}

func (o *Orchestrator) fetch(ctx context.Context, key string) Response {
	start := time.Now()
	out := o.fetcher.Fetch(ctx, key)
	o.metrics.ObserveOp(metrics.OpUpstreamFetch, start)

	// Cache side effects must complete even if the client goes away.
	detached := context.WithoutCancel(ctx)

	switch out.Kind {
	case upstream.Success:
		o.logger.Info("fetched from upstream", "key", key, "size", len(out.Body))
		o.enqueue(job{kind: jobPut, key: key, data: out.Body, contentType: out.ContentType})
		o.clearNegative(detached, key)
		return Response{
			Status:      http.StatusOK,
			Body:        out.Body,
			ContentType: ContentTypeFor(key, out.ContentType),
			Source:      SourceUpstream,
		}

	case upstream.NotFound, upstream.ServerError:
		o.logger.Info("upstream returned cacheable error", "key", key, "status", out.Status)
		o.recordNegative(detached, key, out.Status)
		return Response{
			Status:      out.Status,
			Body:        out.Body,
			ContentType: out.ContentType,
			Source:      SourceUpstream,
		}

	case upstream.PassThrough:
		o.logger.Warn("upstream returned unclassified status, passing through",
			"key", key,
			"status", out.Status)
		return Response{
			Status:      out.Status,
			Body:        out.Body,
			ContentType: out.ContentType,
			Location:    out.Location,
			Source:      SourceUpstream,
		}

	default:
		o.metrics.BackendError(metrics.BackendUpstream)
		o.logger.Error("failed to fetch from upstream", "key", key, "error", out.Err)
		return Response{
			Status:      http.StatusBadGateway,
			Body:        []byte("Failed to fetch from upstream"),
			ContentType: "text/plain; charset=utf-8",
			Source:      SourceUpstream,
		}
	}
}

func (o *Orchestrator) recordNegative(ctx context.Context, key string, status int) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.BackendTimeout)
	defer cancel()

	ttl := o.cfg.Policy.TTLFor(status)
	start := time.Now()
	err := o.negative.RecordError(ctx, key, status, ttl)
	o.metrics.ObserveOp(metrics.OpNegativeRecord, start)
	if err != nil {
		o.metrics.BackendError(metrics.BackendNegativeCache)
		o.logger.Warn("failed to record negative cache entry",
			"key", key,
			"status", status,
			"error", err)
		return
	}
	o.logger.Info("cached upstream status", "key", key, "status", status, "ttl", ttl)
}

func (o *Orchestrator) clearNegative(ctx context.Context, key string) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.BackendTimeout)
	defer cancel()

	start := time.Now()
	err := o.negative.Clear(ctx, key)
	o.metrics.ObserveOp(metrics.OpNegativeClear, start)
	if err != nil {
		o.metrics.BackendError(metrics.BackendNegativeCache)
		o.logger.Warn("failed to clear negative cache entry", "key", key, "error", err)
	}
}

func (o *Orchestrator) enqueue(j job) {
	if !o.writeBack.enqueue(j) {
		o.metrics.WriteBack(metrics.WriteBackDropped)
		o.logger.Warn("write-back queue full, dropping job",
			"key", j.key,
			"job", j.kind.String())
	}
}

// Close stops accepting write-back jobs and waits for queued ones to
// finish or for ctx to expire.
func (o *Orchestrator) Close(ctx context.Context) error {
	return o.writeBack.close(ctx)
}

var extensionContentTypes = map[string]string{
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".webp": "image/webp",
	".svg":  "image/svg+xml",
}

// ContentTypeFor returns reported if set, otherwise a type guessed from
// the key's file extension.
func ContentTypeFor(key, reported string) string {
	if reported != "" {
		return reported
	}
	if ct, ok := extensionContentTypes[strings.ToLower(path.Ext(key))]; ok {
		return ct
	}
	return "application/octet-stream"
}
