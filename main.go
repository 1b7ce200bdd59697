// Command imgcacheproxy is a caching reverse proxy for an image origin.
//
// Requests are answered from a Redis negative cache, an S3-compatible
// object store or the origin itself. Fresh origin responses are written
// back to the store in the background, optionally compressed and
// encrypted. Configuration comes from the environment; run with
// -generate-key to print a new encryption key.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/richardartoul/imgcacheproxy/pkg/metrics"
	"github.com/richardartoul/imgcacheproxy/pkg/negcache"
	"github.com/richardartoul/imgcacheproxy/pkg/objectstore"
	"github.com/richardartoul/imgcacheproxy/pkg/proxy"
	"github.com/richardartoul/imgcacheproxy/pkg/transform"
	"github.com/richardartoul/imgcacheproxy/pkg/upstream"
)

const (
	shutdownTimeout       = 30 * time.Second
	startupTimeout        = 30 * time.Second
	readHeaderTimeout     = 10 * time.Second
	latencySketchAccuracy = 0.01
)

func main() {
	generateKey := flag.Bool("generate-key", false, "print a new base64 encryption key for S3_ENCRYPTION_KEY and exit")
	flag.Parse()

	if *generateKey {
		key, err := transform.GenerateKey()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(key)
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(os.Stderr, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pipeline, err := transform.NewPipeline(cfg.Transform)
	if err != nil {
		return err
	}

	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	store, err := newStore(startCtx, cfg, logger)
	if err != nil {
		return err
	}
	if err := store.EnsureBucket(startCtx); err != nil {
		return fmt.Errorf("failed to prepare bucket: %w", err)
	}

	neg, err := negcache.NewFromURL(cfg.RedisURL, logger)
	if err != nil {
		return err
	}
	defer neg.Close()
	if err := neg.Ping(startCtx); err != nil {
		logger.Warn("redis is not reachable, negative cache disabled until it recovers", "error", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	recorder := metrics.NewRecorder(reg, latencySketchAccuracy)

	orch := proxy.New(cfg.Proxy, proxy.Options{
		NegativeCache: neg,
		Store:         store,
		Fetcher:       upstream.New(cfg.Upstream, nil),
		Pipeline:      pipeline,
		Metrics:       recorder,
		Logger:        logger,
	})

	servers := []*http.Server{{
		Addr:              cfg.Addr,
		Handler:           NewServer(orch, logger),
		ReadHeaderTimeout: readHeaderTimeout,
	}}
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		servers = append(servers, &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           mux,
			ReadHeaderTimeout: readHeaderTimeout,
		})
	}

	logger.Info("starting imgcacheproxy",
		"addr", cfg.Addr,
		"tls", cfg.TLSEnabled(),
		"upstream", cfg.Upstream.BaseURL,
		"store", cfg.Driver,
		"compression", cfg.Transform.CompressionEnabled,
		"encryption", cfg.Transform.EncryptionEnabled,
		"metrics_addr", cfg.MetricsAddr)

	g, gctx := errgroup.WithContext(ctx)
	for i, srv := range servers {
		tls := i == 0 && cfg.TLSEnabled()
		g.Go(func() error {
			var err error
			if tls {
				err = srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
			} else {
				err = srv.ListenAndServe()
			}
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("server on %s failed: %w", srv.Addr, err)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("http server shutdown failed", "addr", srv.Addr, "error", err)
			}
		}
		if err := orch.Close(shutdownCtx); err != nil {
			logger.Warn("write-back queue not fully drained", "error", err)
		}
		return nil
	})

	err = g.Wait()
	logLatencyStats(logger, recorder.Latency())
	return err
}

func newLogger(w io.Writer, cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func newStore(ctx context.Context, cfg Config, logger *slog.Logger) (objectstore.Store, error) {
	var (
		store objectstore.Store
		err   error
	)
	switch cfg.Driver {
	case DriverAWS:
		store, err = objectstore.NewS3Store(ctx, cfg.S3, logger)
	case DriverMinio:
		store, err = objectstore.NewMinioStore(cfg.Minio, logger)
	case DriverMemory:
		logger.Warn("using in-memory object store, cached objects are lost on restart")
		store = objectstore.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if cfg.DebugStore {
		store = objectstore.NewDebug(store, logger)
	}
	return store, nil
}

func logLatencyStats(logger *slog.Logger, tracker *metrics.LatencyTracker) {
	for _, s := range tracker.Snapshots() {
		logger.Info("operation latency", "stats", s)
	}
}
