// Package store provides the persistence collaborator for mining tasks and
// collected records: named collections of JSON documents, file-backed with
// atomic writes.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/TeamWiseflow/wiseflow-go/pkg/persist"
)

// Well-known collection names.
const (
	CollectionMiningTasks      = "mining_tasks"
	CollectionInterconnections = "mining_interconnections"
	CollectionInfos            = "infos"
	CollectionResourceAlerts   = "resource_alerts"
	CollectionShutdownEvents   = "shutdown_events"
)

// Store is the document persistence surface the managers depend on.
type Store interface {
	Read(collection string, filter map[string]any) ([]map[string]any, error)
	ReadOne(collection, id string) (map[string]any, error)
	Add(collection, id string, record map[string]any) error
	Update(collection, id string, record map[string]any) error
	Delete(collection, id string) error
}

// Store errors.
var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
)

// collection is one id -> document map.
type collection map[string]map[string]any

// FileStore keeps every collection in memory and mirrors each mutation to
// one JSON file per collection under its directory.
type FileStore struct {
	dir    string
	codec  persist.Codec
	logger *slog.Logger

	mu          sync.Mutex
	collections map[string]collection
}

// Option configures a FileStore.
type Option func(*FileStore)

// WithCodec replaces the default pretty-JSON codec, e.g. with the LZ4 codec
// for large archives.
func WithCodec(codec persist.Codec) Option {
	return func(s *FileStore) { s.codec = codec }
}

// WithLogger sets the store logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *FileStore) { s.logger = logger }
}

// Open loads (or creates) a file store rooted at dir.
func Open(dir string, opts ...Option) (*FileStore, error) {
	s := &FileStore{
		dir:         dir,
		codec:       persist.NewJSONCodec(),
		logger:      slog.Default(),
		collections: make(map[string]collection),
	}

	for _, opt := range opts {
		opt(s)
	}

	mkErr := os.MkdirAll(dir, 0o755)
	if mkErr != nil {
		return nil, fmt.Errorf("create store dir: %w", mkErr)
	}

	loadErr := s.loadAll()
	if loadErr != nil {
		return nil, loadErr
	}

	return s, nil
}

// loadAll reads every collection file under the store directory. Corrupt
// files are skipped with a warning, not fatal.
func (s *FileStore) loadAll() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("scan store dir: %w", err)
	}

	ext := s.codec.Extension()

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ext) {
			continue
		}

		name := strings.TrimSuffix(entry.Name(), ext)

		var docs collection

		loadErr := persist.LoadState(s.dir, name, s.codec, &docs)
		if loadErr != nil {
			s.logger.Warn("skipping unreadable collection",
				slog.String("collection", name),
				slog.String("error", loadErr.Error()),
			)

			continue
		}

		s.collections[name] = docs
	}

	return nil
}

// Read returns the documents of a collection matching the filter. A nil or
// empty filter matches everything; otherwise every filter key must equal the
// document's top-level value.
func (s *FileStore) Read(name string, filter map[string]any) ([]map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []map[string]any

	for _, doc := range s.collections[name] {
		if matches(doc, filter) {
			out = append(out, cloneDoc(doc))
		}
	}

	return out, nil
}

// ReadOne returns one document by id.
func (s *FileStore) ReadOne(name, id string) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.collections[name][id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, name, id)
	}

	return cloneDoc(doc), nil
}

// Add inserts a new document.
func (s *FileStore) Add(name, id string, record map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs, ok := s.collections[name]
	if !ok {
		docs = make(collection)
		s.collections[name] = docs
	}

	if _, exists := docs[id]; exists {
		return fmt.Errorf("%w: %s/%s", ErrDuplicate, name, id)
	}

	docs[id] = cloneDoc(record)

	return s.flushLocked(name)
}

// Update replaces an existing document.
func (s *FileStore) Update(name, id string, record map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := s.collections[name]
	if _, exists := docs[id]; !exists {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, name, id)
	}

	docs[id] = cloneDoc(record)

	return s.flushLocked(name)
}

// Delete removes a document.
func (s *FileStore) Delete(name, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	docs := s.collections[name]
	if _, exists := docs[id]; !exists {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, name, id)
	}

	delete(docs, id)

	return s.flushLocked(name)
}

// flushLocked persists one collection. Caller holds mu.
func (s *FileStore) flushLocked(name string) error {
	err := persist.SaveState(s.dir, name, s.codec, s.collections[name])
	if err != nil {
		return fmt.Errorf("flush collection %s: %w", name, err)
	}

	return nil
}

// Path returns the file backing one collection.
func (s *FileStore) Path(name string) string {
	return filepath.Join(s.dir, name+s.codec.Extension())
}

// matches reports whether every filter key equals the document value.
// Values compare through their JSON form so numeric types do not matter.
func matches(doc, filter map[string]any) bool {
	for key, want := range filter {
		got, ok := doc[key]
		if !ok {
			return false
		}

		wantJSON, _ := json.Marshal(want)
		gotJSON, _ := json.Marshal(got)

		if string(wantJSON) != string(gotJSON) {
			return false
		}
	}

	return true
}

// cloneDoc deep-copies a document through JSON so callers cannot alias
// store-internal state.
func cloneDoc(doc map[string]any) map[string]any {
	raw, err := json.Marshal(doc)
	if err != nil {
		out := make(map[string]any, len(doc))
		for k, v := range doc {
			out[k] = v
		}

		return out
	}

	var out map[string]any

	_ = json.Unmarshal(raw, &out)

	return out
}
