package main

import (
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/richardartoul/imgcacheproxy/pkg/cacheerr"
	"github.com/richardartoul/imgcacheproxy/pkg/negcache"
	"github.com/richardartoul/imgcacheproxy/pkg/objectstore"
	"github.com/richardartoul/imgcacheproxy/pkg/proxy"
	"github.com/richardartoul/imgcacheproxy/pkg/transform"
	"github.com/richardartoul/imgcacheproxy/pkg/upstream"
)

const (
	DriverAWS    = "aws"
	DriverMinio  = "minio"
	DriverMemory = "memory"
)

// rawConfig mirrors the process environment.
type rawConfig struct {
	ServerHost  string `env:"SERVER_HOST"   envDefault:"0.0.0.0"`
	ServerPort  int    `env:"SERVER_PORT"   envDefault:"443"`
	SSLCertPath string `env:"SSL_CERT_PATH"`
	SSLKeyPath  string `env:"SSL_KEY_PATH"`

	UpstreamHost         string        `env:"UPSTREAM_HOST"           envDefault:"https://i.pximg.net"`
	UpstreamReferer      string        `env:"UPSTREAM_REFERER"        envDefault:"https://www.pixiv.net/"`
	UpstreamUserAgent    string        `env:"UPSTREAM_USER_AGENT"`
	UpstreamTimeout      time.Duration `env:"UPSTREAM_TIMEOUT"        envDefault:"30s"`
	UpstreamMaxBodyBytes int64         `env:"UPSTREAM_MAX_BODY_BYTES" envDefault:"67108864"`

	S3Driver    string `env:"S3_DRIVER"     envDefault:"aws"`
	S3Endpoint  string `env:"S3_ENDPOINT"`
	S3Bucket    string `env:"S3_BUCKET"`
	S3Region    string `env:"S3_REGION"     envDefault:"us-east-1"`
	S3AccessKey string `env:"S3_ACCESS_KEY"`
	S3SecretKey string `env:"S3_SECRET_KEY"`
	S3UseSSL    bool   `env:"S3_USE_SSL"    envDefault:"true"`

	CompressionEnabled   bool   `env:"S3_COMPRESSION_ENABLED"`
	CompressionAlgorithm string `env:"S3_COMPRESSION_ALGORITHM" envDefault:"gzip"`
	CompressionLevel     int    `env:"S3_COMPRESSION_LEVEL"     envDefault:"6"`
	EncryptionEnabled    bool   `env:"S3_ENCRYPTION_ENABLED"`
	EncryptionAlgorithm  string `env:"S3_ENCRYPTION_ALGORITHM"  envDefault:"AES-256-GCM"`
	EncryptionKey        string `env:"S3_ENCRYPTION_KEY"`

	RedisURL      string `env:"REDIS_URL,required,notEmpty"`
	Cache404TTL   int64  `env:"CACHE_404_TTL"   envDefault:"86400"`
	CacheErrorTTL int64  `env:"CACHE_ERROR_TTL" envDefault:"1200"`

	BackendTimeout   time.Duration `env:"BACKEND_TIMEOUT"       envDefault:"5s"`
	WriteBackWorkers int           `env:"WRITEBACK_WORKERS"     envDefault:"4"`
	WriteBackQueue   int           `env:"WRITEBACK_QUEUE"       envDefault:"256"`
	EvictCorrupt     bool          `env:"EVICT_CORRUPT_OBJECTS" envDefault:"true"`

	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"text"`
	DebugStore  bool   `env:"DEBUG_STORE"`
	MetricsAddr string `env:"METRICS_ADDR"`
}

// Config is the validated process configuration.
type Config struct {
	Addr    string
	TLSCert string
	TLSKey  string

	Upstream  upstream.Config
	Driver    string
	S3        objectstore.S3Config
	Minio     objectstore.MinioConfig
	Transform transform.Config
	RedisURL  string
	Proxy     proxy.Config

	LogLevel    slog.Level
	LogFormat   string
	DebugStore  bool
	MetricsAddr string
}

// TLSEnabled reports whether both a certificate and key were configured.
func (c Config) TLSEnabled() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// LoadConfig reads and validates the configuration from the environment.
func LoadConfig() (Config, error) {
	var raw rawConfig
	if err := env.Parse(&raw); err != nil {
		return Config{}, fmt.Errorf("failed to parse environment: %w", err)
	}
	return raw.validate()
}

func (r rawConfig) validate() (Config, error) {
	cfg := Config{
		Addr:    net.JoinHostPort(r.ServerHost, strconv.Itoa(r.ServerPort)),
		TLSCert: r.SSLCertPath,
		TLSKey:  r.SSLKeyPath,
		Upstream: upstream.Config{
			BaseURL:      r.UpstreamHost,
			Referer:      r.UpstreamReferer,
			UserAgent:    r.UpstreamUserAgent,
			Timeout:      r.UpstreamTimeout,
			MaxBodyBytes: r.UpstreamMaxBodyBytes,
		},
		Driver:   strings.ToLower(r.S3Driver),
		RedisURL: r.RedisURL,
		Proxy: proxy.Config{
			Policy: negcache.Policy{
				NotFoundTTL:    time.Duration(r.Cache404TTL) * time.Second,
				ServerErrorTTL: time.Duration(r.CacheErrorTTL) * time.Second,
			},
			BackendTimeout:   r.BackendTimeout,
			WriteBackWorkers: r.WriteBackWorkers,
			WriteBackQueue:   r.WriteBackQueue,
			EvictCorrupt:     r.EvictCorrupt,
		},
		LogFormat:   strings.ToLower(r.LogFormat),
		DebugStore:  r.DebugStore,
		MetricsAddr: r.MetricsAddr,
	}

	if (r.SSLCertPath == "") != (r.SSLKeyPath == "") {
		return Config{}, cacheerr.InvalidConfig("SSL_CERT_PATH and SSL_KEY_PATH must be set together")
	}
	if r.ServerPort <= 0 || r.ServerPort > 65535 {
		return Config{}, cacheerr.InvalidConfig("invalid SERVER_PORT %d", r.ServerPort)
	}
	if u, err := url.Parse(r.UpstreamHost); err != nil || u.Scheme == "" || u.Host == "" {
		return Config{}, cacheerr.InvalidConfig("UPSTREAM_HOST must be an absolute URL, got %q", r.UpstreamHost)
	}
	if r.Cache404TTL <= 0 || r.CacheErrorTTL <= 0 {
		return Config{}, cacheerr.InvalidConfig("CACHE_404_TTL and CACHE_ERROR_TTL must be positive")
	}
	if r.BackendTimeout <= 0 || r.UpstreamTimeout <= 0 {
		return Config{}, cacheerr.InvalidConfig("timeouts must be positive")
	}
	if r.WriteBackWorkers <= 0 || r.WriteBackQueue <= 0 {
		return Config{}, cacheerr.InvalidConfig("WRITEBACK_WORKERS and WRITEBACK_QUEUE must be positive")
	}

	switch cfg.Driver {
	case DriverAWS:
		if r.S3Bucket == "" {
			return Config{}, cacheerr.InvalidConfig("S3_BUCKET is required for the %s driver", cfg.Driver)
		}
		cfg.S3 = objectstore.S3Config{
			Endpoint:  r.S3Endpoint,
			Bucket:    r.S3Bucket,
			Region:    r.S3Region,
			AccessKey: r.S3AccessKey,
			SecretKey: r.S3SecretKey,
		}
	case DriverMinio:
		if r.S3Bucket == "" || r.S3Endpoint == "" {
			return Config{}, cacheerr.InvalidConfig("S3_BUCKET and S3_ENDPOINT are required for the %s driver", cfg.Driver)
		}
		endpoint, useSSL := minioEndpoint(r.S3Endpoint, r.S3UseSSL)
		cfg.Minio = objectstore.MinioConfig{
			Endpoint:  endpoint,
			Bucket:    r.S3Bucket,
			Region:    r.S3Region,
			AccessKey: r.S3AccessKey,
			SecretKey: r.S3SecretKey,
			UseSSL:    useSSL,
		}
	case DriverMemory:
	default:
		return Config{}, cacheerr.InvalidConfig("unknown S3_DRIVER %q", r.S3Driver)
	}

	if r.CompressionEnabled && !strings.EqualFold(r.CompressionAlgorithm, transform.AlgorithmGzip) {
		return Config{}, cacheerr.InvalidConfig("unsupported compression algorithm %q", r.CompressionAlgorithm)
	}
	if r.EncryptionEnabled && !strings.EqualFold(r.EncryptionAlgorithm, transform.AlgorithmAES256GCM) {
		return Config{}, cacheerr.InvalidConfig("unsupported encryption algorithm %q", r.EncryptionAlgorithm)
	}
	cfg.Transform = transform.Config{
		CompressionEnabled: r.CompressionEnabled,
		CompressionLevel:   r.CompressionLevel,
		EncryptionEnabled:  r.EncryptionEnabled,
	}
	if r.EncryptionKey != "" {
		key, err := transform.ParseKey(r.EncryptionKey)
		if err != nil {
			return Config{}, err
		}
		cfg.Transform.EncryptionKey = key
	} else if r.EncryptionEnabled {
		return Config{}, cacheerr.InvalidConfig("S3_ENCRYPTION_KEY is required when encryption is enabled")
	}
	if err := cfg.Transform.Validate(); err != nil {
		return Config{}, err
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(r.LogLevel)); err != nil {
		return Config{}, cacheerr.InvalidConfig("invalid LOG_LEVEL %q", r.LogLevel)
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return Config{}, cacheerr.InvalidConfig("LOG_FORMAT must be text or json, got %q", r.LogFormat)
	}

	return cfg, nil
}

// minioEndpoint accepts either host:port or a URL. A URL scheme overrides
// the S3_USE_SSL setting.
func minioEndpoint(endpoint string, useSSL bool) (string, bool) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return endpoint, useSSL
	}
	return u.Host, u.Scheme == "https"
}
