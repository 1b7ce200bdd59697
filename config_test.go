package main

import (
	"bytes"
	"encoding/base64"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/richardartoul/imgcacheproxy/pkg/cacheerr"
	"github.com/richardartoul/imgcacheproxy/pkg/transform"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("S3_BUCKET", "images")
}

func TestLoadConfigDefaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:443", cfg.Addr)
	assert.False(t, cfg.TLSEnabled())
	assert.Equal(t, "https://i.pximg.net", cfg.Upstream.BaseURL)
	assert.Equal(t, "https://www.pixiv.net/", cfg.Upstream.Referer)
	assert.Equal(t, 30*time.Second, cfg.Upstream.Timeout)
	assert.EqualValues(t, 64<<20, cfg.Upstream.MaxBodyBytes)

	assert.Equal(t, DriverAWS, cfg.Driver)
	assert.Equal(t, "images", cfg.S3.Bucket)
	assert.Equal(t, "us-east-1", cfg.S3.Region)

	assert.False(t, cfg.Transform.CompressionEnabled)
	assert.Equal(t, 6, cfg.Transform.CompressionLevel)
	assert.False(t, cfg.Transform.EncryptionEnabled)

	assert.Equal(t, 24*time.Hour, cfg.Proxy.Policy.NotFoundTTL)
	assert.Equal(t, 20*time.Minute, cfg.Proxy.Policy.ServerErrorTTL)
	assert.Equal(t, 5*time.Second, cfg.Proxy.BackendTimeout)
	assert.Equal(t, 4, cfg.Proxy.WriteBackWorkers)
	assert.Equal(t, 256, cfg.Proxy.WriteBackQueue)
	assert.True(t, cfg.Proxy.EvictCorrupt)

	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Empty(t, cfg.MetricsAddr)
}

func TestLoadConfigRequiresRedis(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	t.Setenv("S3_BUCKET", "images")

	_, err := LoadConfig()
	assert.Error(t, err)
}

func TestLoadConfigFull(t *testing.T) {
	setBaseEnv(t)
	key, err := transform.GenerateKey()
	require.NoError(t, err)

	t.Setenv("SERVER_HOST", "127.0.0.1")
	t.Setenv("SERVER_PORT", "8443")
	t.Setenv("SSL_CERT_PATH", "/etc/tls/cert.pem")
	t.Setenv("SSL_KEY_PATH", "/etc/tls/key.pem")
	t.Setenv("S3_DRIVER", "minio")
	t.Setenv("S3_ENDPOINT", "http://minio:9000")
	t.Setenv("S3_ACCESS_KEY", "access")
	t.Setenv("S3_SECRET_KEY", "secret")
	t.Setenv("S3_COMPRESSION_ENABLED", "true")
	t.Setenv("S3_COMPRESSION_LEVEL", "9")
	t.Setenv("S3_ENCRYPTION_ENABLED", "true")
	t.Setenv("S3_ENCRYPTION_KEY", key)
	t.Setenv("CACHE_404_TTL", "60")
	t.Setenv("CACHE_ERROR_TTL", "30")
	t.Setenv("WRITEBACK_WORKERS", "2")
	t.Setenv("EVICT_CORRUPT_OBJECTS", "false")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "JSON")
	t.Setenv("METRICS_ADDR", ":9090")

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8443", cfg.Addr)
	assert.True(t, cfg.TLSEnabled())
	assert.Equal(t, DriverMinio, cfg.Driver)
	assert.Equal(t, "minio:9000", cfg.Minio.Endpoint)
	assert.False(t, cfg.Minio.UseSSL)
	assert.Equal(t, "images", cfg.Minio.Bucket)
	assert.Equal(t, "access", cfg.Minio.AccessKey)

	assert.True(t, cfg.Transform.CompressionEnabled)
	assert.Equal(t, 9, cfg.Transform.CompressionLevel)
	assert.True(t, cfg.Transform.EncryptionEnabled)
	assert.Len(t, cfg.Transform.EncryptionKey, transform.KeySize)

	assert.Equal(t, time.Minute, cfg.Proxy.Policy.NotFoundTTL)
	assert.Equal(t, 30*time.Second, cfg.Proxy.Policy.ServerErrorTTL)
	assert.Equal(t, 2, cfg.Proxy.WriteBackWorkers)
	assert.False(t, cfg.Proxy.EvictCorrupt)

	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
}

func TestLoadConfigInvalid(t *testing.T) {
	shortKey := base64.StdEncoding.EncodeToString(bytes.Repeat([]byte{1}, 16))

	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown driver", map[string]string{"S3_DRIVER": "gcs"}},
		{"aws without bucket", map[string]string{"S3_BUCKET": ""}},
		{"minio without endpoint", map[string]string{"S3_DRIVER": "minio"}},
		{"cert without key", map[string]string{"SSL_CERT_PATH": "/cert.pem"}},
		{"bad port", map[string]string{"SERVER_PORT": "70000"}},
		{"relative upstream", map[string]string{"UPSTREAM_HOST": "i.pximg.net"}},
		{"zero ttl", map[string]string{"CACHE_404_TTL": "0"}},
		{"zero workers", map[string]string{"WRITEBACK_WORKERS": "0"}},
		{"compression level", map[string]string{"S3_COMPRESSION_ENABLED": "true", "S3_COMPRESSION_LEVEL": "12"}},
		{"compression algorithm", map[string]string{"S3_COMPRESSION_ENABLED": "true", "S3_COMPRESSION_ALGORITHM": "zstd"}},
		{"encryption algorithm", map[string]string{"S3_ENCRYPTION_ENABLED": "true", "S3_ENCRYPTION_ALGORITHM": "ChaCha20"}},
		{"encryption without key", map[string]string{"S3_ENCRYPTION_ENABLED": "true"}},
		{"short key", map[string]string{"S3_ENCRYPTION_ENABLED": "true", "S3_ENCRYPTION_KEY": shortKey}},
		{"bad log level", map[string]string{"LOG_LEVEL": "loud"}},
		{"bad log format", map[string]string{"LOG_FORMAT": "xml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setBaseEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := LoadConfig()
			require.Error(t, err)
			assert.True(t, cacheerr.IsInvalidConfig(err), "unexpected error type: %v", err)
		})
	}
}

func TestLoadConfigKeyWithoutEncryption(t *testing.T) {
	setBaseEnv(t)
	key, err := transform.GenerateKey()
	require.NoError(t, err)
	t.Setenv("S3_ENCRYPTION_KEY", key)

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.False(t, cfg.Transform.EncryptionEnabled)
	assert.Len(t, cfg.Transform.EncryptionKey, transform.KeySize)
}

func TestMinioEndpoint(t *testing.T) {
	host, ssl := minioEndpoint("minio:9000", true)
	assert.Equal(t, "minio:9000", host)
	assert.True(t, ssl)

	host, ssl = minioEndpoint("https://s3.example.com", false)
	assert.Equal(t, "s3.example.com", host)
	assert.True(t, ssl)

	host, ssl = minioEndpoint("http://localhost:9000", true)
	assert.Equal(t, "localhost:9000", host)
	assert.False(t, ssl)
}
