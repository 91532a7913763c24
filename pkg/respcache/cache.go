// Package respcache provides an on-disk cache for idempotent HTTP responses,
// keyed by method, path and sorted query, with per-entry TTL and a sidecar
// ETag map for conditional requests.
package respcache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultTTL is the entry freshness window when none is configured.
const DefaultTTL = 5 * time.Minute

// etagsFilename is the sidecar map at the cache directory root.
const etagsFilename = "etags.json"

// Directory and file permissions for cache contents.
const (
	dirPerm  = 0o750
	filePerm = 0o600
)

// ErrClosed is returned on use after Close.
var ErrClosed = errors.New("response cache is closed")

// entry is the on-disk envelope for one cached body.
type entry struct {
	StoredAt time.Time       `json:"stored_at"`
	TTL      time.Duration   `json:"ttl"`
	Body     json.RawMessage `json:"body"`
}

// Cache stores one JSON body file per key under a directory, plus an ETag map
// loaded at open and flushed on Close. Corrupt entries behave as misses.
type Cache struct {
	mu sync.Mutex

	dir    string
	ttl    time.Duration
	logger *slog.Logger

	etags  map[string]string
	closed bool
}

// Open creates the cache directory if needed and loads the ETag sidecar.
func Open(dir string, ttl time.Duration, logger *slog.Logger) (*Cache, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	if logger == nil {
		logger = slog.Default()
	}

	err := os.MkdirAll(dir, dirPerm)
	if err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	c := &Cache{
		dir:    dir,
		ttl:    ttl,
		logger: logger,
		etags:  make(map[string]string),
	}

	c.loadETags()

	return c, nil
}

// Key computes the stable cache key for a request: sha256 over the method,
// path and the query sorted by parameter name.
func Key(method, path string, query url.Values) string {
	var b strings.Builder

	b.WriteString(strings.ToUpper(method))
	b.WriteByte(' ')
	b.WriteString(path)

	if len(query) > 0 {
		names := make([]string, 0, len(query))
		for name := range query {
			names = append(names, name)
		}

		sort.Strings(names)

		b.WriteByte('?')

		for i, name := range names {
			if i > 0 {
				b.WriteByte('&')
			}

			b.WriteString(name)
			b.WriteByte('=')
			b.WriteString(strings.Join(query[name], ","))
		}
	}

	sum := sha256.Sum256([]byte(b.String()))

	return hex.EncodeToString(sum[:])
}

// Get returns the cached body for key when the entry is still fresh.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, false
	}

	data, err := os.ReadFile(c.bodyPath(key))
	if err != nil {
		return nil, false
	}

	var e entry

	unmarshalErr := json.Unmarshal(data, &e)
	if unmarshalErr != nil {
		// Corrupt entries are misses, never fatal.
		c.logger.Warn("corrupt cache entry", slog.String("key", key))

		return nil, false
	}

	if time.Since(e.StoredAt) > e.TTL {
		return nil, false
	}

	return e.Body, true
}

// Put atomically writes the body for key and records its ETag, when present.
func (c *Cache) Put(key string, body []byte, etag string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	e := entry{
		StoredAt: time.Now(),
		TTL:      c.ttl,
		Body:     json.RawMessage(body),
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}

	writeErr := atomicWrite(c.bodyPath(key), data)
	if writeErr != nil {
		return writeErr
	}

	if etag != "" {
		c.etags[key] = etag
	}

	return nil
}

// ETag returns the recorded ETag for key, if any.
func (c *Cache) ETag(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	etag, ok := c.etags[key]

	return etag, ok
}

// Touch refreshes the stored-at time of an entry after a 304 revalidation.
func (c *Cache) Touch(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	data, err := os.ReadFile(c.bodyPath(key))
	if err != nil {
		return
	}

	var e entry

	if json.Unmarshal(data, &e) != nil {
		return
	}

	e.StoredAt = time.Now()

	refreshed, marshalErr := json.Marshal(e)
	if marshalErr != nil {
		return
	}

	_ = atomicWrite(c.bodyPath(key), refreshed)
}

// Close flushes the ETag sidecar. The cache must not be used afterwards.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true

	data, err := json.MarshalIndent(c.etags, "", "  ")
	if err != nil {
		return fmt.Errorf("encode etag map: %w", err)
	}

	writeErr := atomicWrite(filepath.Join(c.dir, etagsFilename), data)
	if writeErr != nil {
		return writeErr
	}

	return nil
}

// loadETags reads the sidecar map; a missing or corrupt sidecar starts empty.
func (c *Cache) loadETags() {
	data, err := os.ReadFile(filepath.Join(c.dir, etagsFilename))
	if err != nil {
		return
	}

	unmarshalErr := json.Unmarshal(data, &c.etags)
	if unmarshalErr != nil {
		c.logger.Warn("corrupt etag sidecar, starting empty")
		c.etags = make(map[string]string)
	}
}

func (c *Cache) bodyPath(key string) string {
	return filepath.Join(c.dir, key+".json")
}

// atomicWrite writes data via a temp file and rename so readers never observe
// a partial entry.
func atomicWrite(path string, data []byte) error {
	tmp := path + ".tmp"

	err := os.WriteFile(tmp, data, filePerm)
	if err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	renameErr := os.Rename(tmp, path)
	if renameErr != nil {
		return fmt.Errorf("rename cache file: %w", renameErr)
	}

	return nil
}
