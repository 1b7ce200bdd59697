package proxy

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/richardartoul/imgcacheproxy/pkg/metrics"
	"github.com/richardartoul/imgcacheproxy/pkg/objectstore"
)

type jobKind int

const (
	jobPut jobKind = iota
	jobEvict
)

func (k jobKind) String() string {
	switch k {
	case jobPut:
		return "put"
	case jobEvict:
		return "evict"
	default:
		return "unknown"
	}
}

type job struct {
	kind        jobKind
	key         string
	data        []byte
	contentType string
}

// writeBackPool runs object store writes off the request path. Jobs for the
// same key always land on the same worker, so an eviction queued before a
// re-store of that key is applied first.
type writeBackPool struct {
	o      *Orchestrator
	queues []chan job

	mu     sync.RWMutex
	closed bool

	group errgroup.Group
}

func newWriteBackPool(o *Orchestrator, workers, queueSize int) *writeBackPool {
	p := &writeBackPool{
		o:      o,
		queues: make([]chan job, workers),
	}
	for i := range p.queues {
		q := make(chan job, queueSize)
		p.queues[i] = q
		p.group.Go(func() error {
			for j := range q {
				p.process(j)
			}
			return nil
		})
	}
	return p
}

// enqueue never blocks. It returns false if the job was dropped because the
// target queue is full or the pool is closed.
func (p *writeBackPool) enqueue(j job) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.queues[p.shard(j.key)] <- j:
		return true
	default:
		return false
	}
}

func (p *writeBackPool) shard(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % uint32(len(p.queues)))
}

func (p *writeBackPool) process(j job) {
	o := p.o
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.BackendTimeout)
	defer cancel()

	start := time.Now()
	defer o.metrics.ObserveOp(metrics.OpWriteBack, start)

	switch j.kind {
	case jobEvict:
		delStart := time.Now()
		err := o.store.Delete(ctx, j.key)
		o.metrics.ObserveOp(metrics.OpStoreDelete, delStart)
		if err != nil {
			o.metrics.BackendError(metrics.BackendObjectStore)
			o.metrics.WriteBack(metrics.WriteBackFailed)
			o.logger.Warn("failed to evict corrupt object", "key", j.key, "error", err)
			return
		}
		o.metrics.WriteBack(metrics.WriteBackEvicted)
		o.logger.Info("evicted corrupt object", "key", j.key)

	case jobPut:
		payload, err := o.pipeline.Encode(j.data)
		if err != nil {
			o.metrics.WriteBack(metrics.WriteBackFailed)
			o.logger.Error("failed to encode object for storage", "key", j.key, "error", err)
			return
		}

		putStart := time.Now()
		err = o.store.Put(ctx, j.key, objectstore.Object{Payload: payload, ContentType: j.contentType})
		o.metrics.ObserveOp(metrics.OpStorePut, putStart)
		if err != nil {
			o.metrics.BackendError(metrics.BackendObjectStore)
			o.metrics.WriteBack(metrics.WriteBackFailed)
			o.logger.Warn("failed to write object to store", "key", j.key, "error", err)
			return
		}
		o.metrics.WriteBack(metrics.WriteBackStored)
		o.logger.Debug("stored object",
			"key", j.key,
			"size", len(j.data),
			"stored_size", len(payload.Data),
			"compressed", payload.Compressed,
			"encrypted", payload.Encrypted)
	}
}

// close stops intake, lets workers drain what is queued and waits for them
// until ctx is done. Calling it more than once is safe.
func (p *writeBackPool) close(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		for _, q := range p.queues {
			close(q)
		}
	}
	p.mu.Unlock()

	done := make(chan error, 1)
	go func() { done <- p.group.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
