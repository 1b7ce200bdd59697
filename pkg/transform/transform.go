// Package transform implements the reversible storage transform applied to
// image bytes before they are written to the object store: gzip compression
// followed by AES-256-GCM encryption, and the inverse on the way back.
package transform

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/richardartoul/imgcacheproxy/pkg/cacheerr"
)

const (
	// KeySize is the AES-256 key length in bytes.
	KeySize = 32

	// DefaultCompressionLevel matches gzip's default trade-off.
	DefaultCompressionLevel = 6

	AlgorithmGzip      = "gzip"
	AlgorithmAES256GCM = "AES-256-GCM"
)

// Config controls which transform steps are applied on write.
// It is loaded once at startup and never mutated.
type Config struct {
	CompressionEnabled bool
	CompressionLevel   int // 1 (fastest) .. 9 (smallest)
	EncryptionEnabled  bool
	EncryptionKey      []byte
}

// Validate checks the level and key constraints of enabled steps.
func (c Config) Validate() error {
	if c.CompressionEnabled && (c.CompressionLevel < gzip.BestSpeed || c.CompressionLevel > gzip.BestCompression) {
		return cacheerr.InvalidConfig("compression level must be between %d and %d, got %d",
			gzip.BestSpeed, gzip.BestCompression, c.CompressionLevel)
	}
	if c.EncryptionEnabled && len(c.EncryptionKey) != KeySize {
		return cacheerr.InvalidConfig("encryption key must be %d bytes, got %d", KeySize, len(c.EncryptionKey))
	}
	return nil
}

// Payload is the stored form of an object together with the steps that
// produced it. Decoding is driven by these flags, not by the live Config.
type Payload struct {
	Data       []byte
	Compressed bool
	Encrypted  bool
}

// Pipeline applies a fixed Config. It holds no mutable state and is safe
// for concurrent use.
type Pipeline struct {
	cfg  Config
	aead cipher.AEAD // nil when no key is configured
}

// NewPipeline validates cfg and prepares the cipher.
// A key may be supplied with encryption disabled so that objects written
// while encryption was on can still be read.
func NewPipeline(cfg Config) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Pipeline{cfg: cfg}
	if len(cfg.EncryptionKey) > 0 {
		if len(cfg.EncryptionKey) != KeySize {
			return nil, cacheerr.InvalidConfig("encryption key must be %d bytes, got %d", KeySize, len(cfg.EncryptionKey))
		}
		block, err := aes.NewCipher(cfg.EncryptionKey)
		if err != nil {
			return nil, fmt.Errorf("failed to create cipher: %w", err)
		}
		aead, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("failed to create GCM: %w", err)
		}
		p.aead = aead
	}
	return p, nil
}

// Config returns the configuration the pipeline was built with.
func (p *Pipeline) Config() Config {
	return p.cfg
}

// Encode compresses then encrypts plaintext according to the config.
func (p *Pipeline) Encode(plaintext []byte) (Payload, error) {
	out := Payload{Data: plaintext}

	if p.cfg.CompressionEnabled {
		compressed, err := compress(plaintext, p.cfg.CompressionLevel)
		if err != nil {
			return Payload{}, fmt.Errorf("failed to compress: %w", err)
		}
		out.Data = compressed
		out.Compressed = true
	}

	if p.cfg.EncryptionEnabled {
		sealed, err := p.seal(out.Data)
		if err != nil {
			return Payload{}, fmt.Errorf("failed to encrypt: %w", err)
		}
		out.Data = sealed
		out.Encrypted = true
	}

	return out, nil
}

// Decode inverts Encode: decrypt first, then decompress. Any failure is a
// CorruptPayload error.
func (p *Pipeline) Decode(in Payload) ([]byte, error) {
	data := in.Data

	if in.Encrypted {
		if p.aead == nil {
			return nil, cacheerr.Corrupt(nil, "object is encrypted but no encryption key is configured")
		}
		opened, err := p.open(data)
		if err != nil {
			return nil, err
		}
		data = opened
	}

	if in.Compressed {
		plain, err := decompress(data)
		if err != nil {
			return nil, cacheerr.Corrupt(err, "failed to decompress")
		}
		data = plain
	}

	return data, nil
}

// seal prepends a fresh random nonce to the ciphertext.
func (p *Pipeline) seal(plaintext []byte) ([]byte, error) {
	nonceSize := p.aead.NonceSize()
	out := make([]byte, nonceSize, nonceSize+len(plaintext)+p.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return p.aead.Seal(out, out, plaintext, nil), nil
}

func (p *Pipeline) open(data []byte) ([]byte, error) {
	nonceSize := p.aead.NonceSize()
	if len(data) < nonceSize+p.aead.Overhead() {
		return nil, cacheerr.Corrupt(nil, "encrypted payload too short")
	}
	plain, err := p.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, cacheerr.Corrupt(err, "failed to decrypt")
	}
	return plain, nil
}

func compress(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	zw, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := zw.Write(data); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// GenerateKey returns a new random key, base64 encoded.
func GenerateKey() (string, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// ParseKey decodes a base64 key and checks its length.
func ParseKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, cacheerr.InvalidConfig("failed to decode encryption key: %v", err)
	}
	if len(key) != KeySize {
		return nil, cacheerr.InvalidConfig("encryption key must be %d bytes, got %d", KeySize, len(key))
	}
	return key, nil
}
