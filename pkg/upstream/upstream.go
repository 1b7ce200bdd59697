// Package upstream fetches images from the origin host and classifies the
// response into the outcomes the proxy caches on.
package upstream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultUserAgent    = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
	DefaultTimeout      = 30 * time.Second
	DefaultMaxBodyBytes = 64 << 20
)

// Kind classifies an upstream response.
type Kind int

const (
	// TransportFailure means no usable response was received.
	TransportFailure Kind = iota
	// Success is a 200.
	Success
	// NotFound is a 404.
	NotFound
	// ServerError is any 5xx.
	ServerError
	// PassThrough is any other status; it is forwarded but never cached.
	PassThrough
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "success"
	case NotFound:
		return "not_found"
	case ServerError:
		return "server_error"
	case PassThrough:
		return "pass_through"
	default:
		return "transport_failure"
	}
}

// Outcome is the classified result of a fetch.
type Outcome struct {
	Kind        Kind
	Status      int // zero for TransportFailure
	Body        []byte
	ContentType string
	Location    string // set on redirects
	Err         error  // set for TransportFailure
}

// Classify maps an HTTP status code to a Kind.
func Classify(status int) Kind {
	switch {
	case status == http.StatusOK:
		return Success
	case status == http.StatusNotFound:
		return NotFound
	case status >= 500 && status <= 599:
		return ServerError
	default:
		return PassThrough
	}
}

// Config describes the origin.
type Config struct {
	BaseURL      string // scheme and host, e.g. https://i.pximg.net
	Referer      string
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int64
}

// Fetcher issues GET requests to the origin. It is safe for concurrent use.
type Fetcher struct {
	cfg    Config
	client *http.Client
}

// New creates a fetcher. If client is nil a dedicated client is built that
// does not follow redirects, so 3xx responses reach the caller.
func New(cfg Config, client *http.Client) *Fetcher {
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if client == nil {
		client = &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
	return &Fetcher{cfg: cfg, client: client}
}

// URL returns the origin URL for key. Key is an escaped path and is sent
// as-is: existing percent-escapes are kept and nothing in it is read as a
// query or fragment.
func (f *Fetcher) URL(key string) string {
	if !strings.HasPrefix(key, "/") {
		key = "/" + key
	}
	return f.cfg.BaseURL + escapePath(key)
}

var pathTerminators = strings.NewReplacer("?", "%3F", "#", "%23")

func escapePath(key string) string {
	if _, err := url.PathUnescape(key); err != nil {
		// Not a valid escaped path; treat it as a literal one.
		return (&url.URL{Path: key}).EscapedPath()
	}
	return pathTerminators.Replace(key)
}

// Fetch requests key from the origin. It never returns an error; transport
// problems are reported as a TransportFailure outcome.
func (f *Fetcher) Fetch(ctx context.Context, key string) Outcome {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL(key), nil)
	if err != nil {
		return failure(fmt.Errorf("failed to build request: %w", err))
	}
	if f.cfg.Referer != "" {
		req.Header.Set("Referer", f.cfg.Referer)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		return failure(fmt.Errorf("upstream request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBodyBytes+1))
	if err != nil {
		return failure(fmt.Errorf("failed to read upstream body: %w", err))
	}
	if int64(len(body)) > f.cfg.MaxBodyBytes {
		return failure(fmt.Errorf("upstream body exceeds %d bytes", f.cfg.MaxBodyBytes))
	}

	return Outcome{
		Kind:        Classify(resp.StatusCode),
		Status:      resp.StatusCode,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		Location:    resp.Header.Get("Location"),
	}
}

func failure(err error) Outcome {
	return Outcome{Kind: TransportFailure, Err: err}
}
