// Package vectorstore implements the semantic memory backend: named
// collections of embedding vectors with flat (brute-force) cosine
// search, scalar metadata filtering, and JSON file persistence.
//
// Flat search is deliberate. The store holds one user's facts and
// conversation segments, thousands of vectors at most, where exact
// scoring beats approximate-index complexity.
package vectorstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

var (
	// ErrDimensionMismatch reports a vector whose length differs from
	// the collection's established dimensionality.
	ErrDimensionMismatch = errors.New("vectorstore: vector dimension mismatch")

	// ErrNonScalarMetadata reports metadata containing nested values.
	// Lists belong in "<name>_json" string fields, see EncodeListField.
	ErrNonScalarMetadata = errors.New("vectorstore: metadata values must be scalar")

	// ErrNotFound reports a missing record ID.
	ErrNotFound = errors.New("vectorstore: record not found")
)

// Record is one stored vector with its metadata.
type Record struct {
	ID       string                 `json:"id"`
	Vector   []float32              `json:"vector"`
	Metadata map[string]interface{} `json:"metadata"`
}

// SearchResult is one ranked hit. Score is raw cosine similarity in
// [-1, 1]; callers that need [0, 1] normalize it themselves.
type SearchResult struct {
	ID       string                 `json:"id"`
	Score    float32                `json:"score"`
	Metadata map[string]interface{} `json:"metadata"`
}

// Store manages collections persisted as one JSON file each under a
// directory. Safe for concurrent use.
type Store struct {
	dir   string
	debug bool

	mux         sync.Mutex
	collections map[string]*Collection
}

// Open loads every collection file under dir, creating the directory
// when missing.
func Open(dir string, debug bool) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("vectorstore: create %s: %w", dir, err)
	}

	s := &Store{dir: dir, debug: debug, collections: make(map[string]*Collection)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: read %s: %w", dir, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".json")
		c := newCollection(name, filepath.Join(dir, entry.Name()), debug)
		if err := c.load(); err != nil {
			return nil, err
		}
		s.collections[name] = c
		if debug {
			log.Printf("vectorstore: loaded collection %s (%d records)", name, c.Size())
		}
	}
	return s, nil
}

// Collection returns the named collection, creating it empty on first
// use.
func (s *Store) Collection(name string) *Collection {
	s.mux.Lock()
	defer s.mux.Unlock()

	c, ok := s.collections[name]
	if !ok {
		c = newCollection(name, filepath.Join(s.dir, name+".json"), s.debug)
		s.collections[name] = c
	}
	return c
}

// Collection is a flat cosine index over one record family.
type Collection struct {
	name  string
	path  string
	debug bool

	mux        sync.RWMutex
	dimensions int // fixed by the first insert
	vectors    map[string][]float32
	metadata   map[string]map[string]interface{}
}

func newCollection(name, path string, debug bool) *Collection {
	return &Collection{
		name:     name,
		path:     path,
		debug:    debug,
		vectors:  make(map[string][]float32),
		metadata: make(map[string]map[string]interface{}),
	}
}

// Insert stores or replaces a record and persists the collection.
func (c *Collection) Insert(id string, vector []float32, metadata map[string]interface{}) error {
	if len(vector) == 0 {
		return fmt.Errorf("%w: empty vector for %s", ErrDimensionMismatch, id)
	}
	if err := validateScalar(metadata); err != nil {
		return err
	}

	c.mux.Lock()
	defer c.mux.Unlock()

	if c.dimensions == 0 {
		c.dimensions = len(vector)
	} else if len(vector) != c.dimensions {
		return fmt.Errorf("%w: collection %s expects %d, got %d", ErrDimensionMismatch, c.name, c.dimensions, len(vector))
	}

	c.vectors[id] = vector
	c.metadata[id] = metadata
	return c.saveLocked()
}

// Search returns up to k records matching the filter, ranked by cosine
// similarity to query, best first.
func (c *Collection) Search(query []float32, k int, filter map[string]interface{}) ([]SearchResult, error) {
	c.mux.RLock()
	defer c.mux.RUnlock()

	if c.dimensions != 0 && len(query) != c.dimensions {
		return nil, fmt.Errorf("%w: collection %s expects %d, got %d", ErrDimensionMismatch, c.name, c.dimensions, len(query))
	}

	type scored struct {
		id    string
		score float32
	}
	var hits []scored
	for id, vector := range c.vectors {
		if !matchesFilter(c.metadata[id], filter) {
			continue
		}
		hits = append(hits, scored{id: id, score: cosineSimilarity(query, vector)})
	}

	sort.Slice(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if k > len(hits) {
		k = len(hits)
	}

	results := make([]SearchResult, k)
	for i := 0; i < k; i++ {
		results[i] = SearchResult{
			ID:       hits[i].id,
			Score:    hits[i].score,
			Metadata: c.metadata[hits[i].id],
		}
	}
	return results, nil
}

// Get returns one record by ID.
func (c *Collection) Get(id string) (*Record, error) {
	c.mux.RLock()
	defer c.mux.RUnlock()

	vector, ok := c.vectors[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, c.name, id)
	}
	return &Record{ID: id, Vector: vector, Metadata: c.metadata[id]}, nil
}

// UpdateMetadata replaces a record's metadata without touching its
// vector.
func (c *Collection) UpdateMetadata(id string, metadata map[string]interface{}) error {
	if err := validateScalar(metadata); err != nil {
		return err
	}

	c.mux.Lock()
	defer c.mux.Unlock()

	if _, ok := c.vectors[id]; !ok {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, c.name, id)
	}
	c.metadata[id] = metadata
	return c.saveLocked()
}

// Delete removes one record. Deleting a missing ID is a no-op.
func (c *Collection) Delete(id string) error {
	c.mux.Lock()
	defer c.mux.Unlock()

	if _, ok := c.vectors[id]; !ok {
		return nil
	}
	delete(c.vectors, id)
	delete(c.metadata, id)
	return c.saveLocked()
}

// DeleteWhere removes every record matching the filter and returns the
// count.
func (c *Collection) DeleteWhere(filter map[string]interface{}) (int, error) {
	c.mux.Lock()
	defer c.mux.Unlock()

	var doomed []string
	for id := range c.vectors {
		if matchesFilter(c.metadata[id], filter) {
			doomed = append(doomed, id)
		}
	}
	for _, id := range doomed {
		delete(c.vectors, id)
		delete(c.metadata, id)
	}
	if len(doomed) == 0 {
		return 0, nil
	}
	return len(doomed), c.saveLocked()
}

// List returns every record matching the filter, unordered.
func (c *Collection) List(filter map[string]interface{}) []Record {
	c.mux.RLock()
	defer c.mux.RUnlock()

	var records []Record
	for id, vector := range c.vectors {
		if matchesFilter(c.metadata[id], filter) {
			records = append(records, Record{ID: id, Vector: vector, Metadata: c.metadata[id]})
		}
	}
	return records
}

// Size returns the record count.
func (c *Collection) Size() int {
	c.mux.RLock()
	defer c.mux.RUnlock()
	return len(c.vectors)
}

type collectionFile struct {
	Dimensions int                               `json:"dimensions"`
	Vectors    map[string][]float32              `json:"vectors"`
	Metadata   map[string]map[string]interface{} `json:"metadata"`
}

// saveLocked persists via temp file + rename so a crash never leaves a
// truncated collection.
func (c *Collection) saveLocked() error {
	data, err := json.Marshal(collectionFile{
		Dimensions: c.dimensions,
		Vectors:    c.vectors,
		Metadata:   c.metadata,
	})
	if err != nil {
		return fmt.Errorf("vectorstore: marshal %s: %w", c.name, err)
	}

	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("vectorstore: write %s: %w", c.name, err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		return fmt.Errorf("vectorstore: rename %s: %w", c.name, err)
	}
	return nil
}

func (c *Collection) load() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("vectorstore: read %s: %w", c.name, err)
	}

	var loaded collectionFile
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("vectorstore: parse %s: %w", c.name, err)
	}

	c.mux.Lock()
	defer c.mux.Unlock()
	c.dimensions = loaded.Dimensions
	if loaded.Vectors != nil {
		c.vectors = loaded.Vectors
	}
	if loaded.Metadata != nil {
		c.metadata = loaded.Metadata
	}
	return nil
}

// matchesFilter applies equality on every filter key. Numbers compare
// by value so int filters match JSON-roundtripped float64s.
func matchesFilter(meta, filter map[string]interface{}) bool {
	if len(filter) == 0 {
		return true
	}
	if meta == nil {
		return false
	}
	for key, want := range filter {
		got, ok := meta[key]
		if !ok || !scalarEqual(got, want) {
			return false
		}
	}
	return true
}

func scalarEqual(a, b interface{}) bool {
	if af, aok := asFloat(a); aok {
		bf, bok := asFloat(b)
		return bok && af == bf
	}
	return a == b
}

func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func validateScalar(meta map[string]interface{}) error {
	for key, value := range meta {
		switch value.(type) {
		case nil, string, bool, float64, float32, int, int32, int64, json.Number:
		default:
			return fmt.Errorf("%w: key %q holds %T", ErrNonScalarMetadata, key, value)
		}
	}
	return nil
}

func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
