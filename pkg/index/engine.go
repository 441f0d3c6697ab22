package index

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Engine is the search-engine boundary. Both operations are idempotent:
// upserting the same record twice or deleting an id that was never
// indexed must succeed.
type Engine interface {
	BulkUpsert(ctx context.Context, records []Record) error
	Delete(ctx context.Context, id string) error
	Close() error
}

// Config selects and tunes the engine backend.
type Config struct {
	// Type is "memory" (default) or "http".
	Type string

	// URL is the base address of the remote search service. Required for
	// the http backend.
	URL string

	// Timeout bounds a single HTTP call.
	Timeout time.Duration

	// RatePerSec and Burst throttle outgoing calls so reconcile passes
	// cannot stampede the engine.
	RatePerSec float64
	Burst      int

	// MaxRetries bounds retransmissions of one logical call.
	MaxRetries int

	// BreakerThreshold consecutive failed calls open the circuit;
	// BreakerReset is how long it stays open before probing again.
	BreakerThreshold int
	BreakerReset     time.Duration
}

// NewEngine builds the configured engine backend.
func NewEngine(cfg Config, logger *slog.Logger) (Engine, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryEngine(), nil
	case "http":
		return NewHTTPEngine(cfg, logger)
	default:
		return nil, fmt.Errorf("index: unknown engine type %q", cfg.Type)
	}
}

// MemoryEngine keeps the projection in a map. It backs the embedded
// deployment and the tests.
type MemoryEngine struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryEngine returns an empty in-process engine.
func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{records: make(map[string]Record)}
}

func (e *MemoryEngine) BulkUpsert(_ context.Context, records []Record) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, rec := range records {
		e.records[rec.ID] = rec
	}
	return nil
}

func (e *MemoryEngine) Delete(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.records, id)
	return nil
}

func (e *MemoryEngine) Close() error { return nil }

// Get returns the indexed record for id.
func (e *MemoryEngine) Get(id string) (Record, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rec, ok := e.records[id]
	return rec, ok
}

// Len returns the number of indexed records.
func (e *MemoryEngine) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.records)
}

// Search returns the ids of records whose title or text contains term,
// case-insensitively, in lexical order. The embedded engine offers only
// this minimal query surface.
func (e *MemoryEngine) Search(term string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	term = strings.ToLower(term)
	var ids []string
	for id, rec := range e.records {
		if strings.Contains(strings.ToLower(rec.Title), term) ||
			strings.Contains(strings.ToLower(rec.Text), term) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
