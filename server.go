package main

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/richardartoul/imgcacheproxy/pkg/proxy"
)

const (
	cacheControl = "public, max-age=604800"

	headerCacheStatus = "X-Cache-Status"
)

// Resolver answers a request key.
type Resolver interface {
	Handle(ctx context.Context, key string) proxy.Response
}

// Server exposes a Resolver over HTTP. The escaped request path is the
// cache key.
type Server struct {
	resolver Resolver
	logger   *slog.Logger
}

// NewServer creates the HTTP front end.
func NewServer(resolver Resolver, logger *slog.Logger) *Server {
	return &Server{
		resolver: resolver,
		logger:   logger,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
		return
	}

	start := time.Now()
	// The escaped path keeps %2F, %3F and %23 distinct from /, ? and #.
	key := r.URL.EscapedPath()
	resp := s.resolver.Handle(r.Context(), key)

	h := w.Header()
	if resp.ContentType != "" {
		h.Set("Content-Type", resp.ContentType)
	}
	if resp.Location != "" {
		h.Set("Location", resp.Location)
	}
	if resp.Status == http.StatusOK {
		h.Set("Cache-Control", cacheControl)
	}
	h.Set(headerCacheStatus, cacheStatus(resp.Source))
	h.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(resp.Status)

	if r.Method != http.MethodHead {
		if _, err := w.Write(resp.Body); err != nil {
			s.logger.Debug("client went away", "key", key, "error", err)
		}
	}

	s.logger.Debug("served request",
		"method", r.Method,
		"key", key,
		"status", resp.Status,
		"source", string(resp.Source),
		"size", len(resp.Body),
		"duration", time.Since(start))
}

func cacheStatus(src proxy.Source) string {
	switch src {
	case proxy.SourceStore:
		return "HIT"
	case proxy.SourceNegative:
		return "NEGATIVE"
	default:
		return "MISS"
	}
}
