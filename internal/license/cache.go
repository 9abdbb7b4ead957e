package license

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"hostelpro/internal/machineid"
)

const (
	cacheFormatVersion = 1
	cacheKeySize       = 32 // AES-256
	cacheNonceSize     = 12
	cacheTagSize       = 16

	// DefaultCacheIterations is the PBKDF2 work factor for the cache key
	DefaultCacheIterations = 100000
)

// cacheKDFSalt is fixed so the key can be re-derived from the machine identity alone
var cacheKDFSalt = []byte("hostelpro-license-cache-v1")

// CacheEntry is the locally remembered activation
type CacheEntry struct {
	LicenseKey    string     `json:"license_key"`
	HostelName    string     `json:"hostel_name"`
	CustomerName  string     `json:"customer_name"`
	ActivatedAt   *time.Time `json:"activated_at,omitempty"`
	ExpiryDate    *time.Time `json:"expiry_date,omitempty"`
	MachineIDHash string     `json:"machine_id_hash"`
}

func cacheEntryFor(rec Record) CacheEntry {
	return CacheEntry{
		LicenseKey:    rec.LicenseKey,
		HostelName:    rec.HostelName,
		CustomerName:  rec.CustomerName,
		ActivatedAt:   rec.ActivatedAt,
		ExpiryDate:    rec.ExpiryDate,
		MachineIDHash: rec.MachineIDHash,
	}
}

// cachePayload is the on-disk format; all byte fields are hex encoded
type cachePayload struct {
	Version    int    `json:"version"`
	Nonce      string `json:"nonce"`
	AuthTag    string `json:"auth_tag"`
	Ciphertext string `json:"ciphertext"`
}

// EncryptedCache stores one CacheEntry encrypted with a key derived from the
// machine identity, so a copied file cannot be read on another host.
type EncryptedCache struct {
	path       string
	iterations int
	logger     *slog.Logger

	mu       sync.Mutex
	keyFor   string
	keyBytes []byte
}

// CacheOption configures an EncryptedCache
type CacheOption func(*EncryptedCache)

// WithCacheIterations overrides the PBKDF2 iteration count
func WithCacheIterations(n int) CacheOption {
	return func(c *EncryptedCache) {
		if n > 0 {
			c.iterations = n
		}
	}
}

// WithCacheLogger sets the logger
func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(c *EncryptedCache) {
		c.logger = logger
	}
}

// NewEncryptedCache creates a cache backed by the file at path
func NewEncryptedCache(path string, opts ...CacheOption) *EncryptedCache {
	c := &EncryptedCache{
		path:       path,
		iterations: DefaultCacheIterations,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "license_cache")
	return c
}

// Path returns the cache file location
func (c *EncryptedCache) Path() string {
	return c.path
}

// Write encrypts entry under the key derived from identity and atomically
// replaces the cache file.
func (c *EncryptedCache) Write(ctx context.Context, entry CacheEntry, identity string) error {
	plaintext, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode cache entry: %w", err)
	}

	gcm, err := c.aead(identity)
	if err != nil {
		return err
	}

	nonce := make([]byte, cacheNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	ciphertext := sealed[:len(sealed)-cacheTagSize]
	authTag := sealed[len(sealed)-cacheTagSize:]

	data, err := json.Marshal(cachePayload{
		Version:    cacheFormatVersion,
		Nonce:      hex.EncodeToString(nonce),
		AuthTag:    hex.EncodeToString(authTag),
		Ciphertext: hex.EncodeToString(ciphertext),
	})
	if err != nil {
		return fmt.Errorf("failed to encode cache payload: %w", err)
	}

	if err := writeFileAtomic(c.path, data); err != nil {
		return err
	}

	c.logger.DebugContext(ctx, "License cache written", slog.String("license_key", MaskKey(entry.LicenseKey)))
	return nil
}

// Read decrypts the cache with the key derived from identity. Any failure
// yields ok=false.
func (c *EncryptedCache) Read(ctx context.Context, identity string) (CacheEntry, bool) {
	entry, err := c.read(identity)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			c.logger.DebugContext(ctx, "License cache unreadable", slog.String("error", err.Error()))
		}
		return CacheEntry{}, false
	}
	return entry, true
}

func (c *EncryptedCache) read(identity string) (CacheEntry, error) {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return CacheEntry{}, err
	}

	var payload cachePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return CacheEntry{}, fmt.Errorf("malformed cache file: %w", err)
	}
	if payload.Version != cacheFormatVersion {
		return CacheEntry{}, fmt.Errorf("unsupported cache version %d", payload.Version)
	}

	nonce, err := hex.DecodeString(payload.Nonce)
	if err != nil || len(nonce) != cacheNonceSize {
		return CacheEntry{}, errors.New("invalid nonce")
	}
	authTag, err := hex.DecodeString(payload.AuthTag)
	if err != nil || len(authTag) != cacheTagSize {
		return CacheEntry{}, errors.New("invalid auth tag")
	}
	ciphertext, err := hex.DecodeString(payload.Ciphertext)
	if err != nil {
		return CacheEntry{}, errors.New("invalid ciphertext")
	}

	gcm, err := c.aead(identity)
	if err != nil {
		return CacheEntry{}, err
	}

	plaintext, err := gcm.Open(nil, nonce, append(ciphertext, authTag...), nil)
	if err != nil {
		return CacheEntry{}, fmt.Errorf("decrypt: %w", err)
	}

	var entry CacheEntry
	if err := json.Unmarshal(plaintext, &entry); err != nil {
		return CacheEntry{}, fmt.Errorf("malformed cache entry: %w", err)
	}
	return entry, nil
}

// Clear removes the cache file. Removing a missing file is not an error.
func (c *EncryptedCache) Clear(ctx context.Context) error {
	if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to clear license cache: %w", err)
	}
	c.logger.DebugContext(ctx, "License cache cleared")
	return nil
}

// Exists reports whether a cache file is present, without decrypting it
func (c *EncryptedCache) Exists() bool {
	_, err := os.Stat(c.path)
	return err == nil
}

func (c *EncryptedCache) aead(identity string) (cipher.AEAD, error) {
	key := c.deriveKey(identity)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm, nil
}

// deriveKey runs PBKDF2 once per distinct identity
func (c *EncryptedCache) deriveKey(identity string) []byte {
	normalized := machineid.Normalize(identity)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.keyBytes != nil && c.keyFor == normalized {
		return c.keyBytes
	}
	c.keyBytes = pbkdf2.Key([]byte(normalized), cacheKDFSalt, c.iterations, cacheKeySize, sha256.New)
	c.keyFor = normalized
	return c.keyBytes
}

// writeFileAtomic writes data to a temp file in the target directory, syncs
// it and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".license-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write cache: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close cache: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return fmt.Errorf("failed to set cache permissions: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to replace cache: %w", err)
	}
	return nil
}
