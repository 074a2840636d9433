// Package vectorstore provides the vector store driver registry and
// drivers used by the Dual-Write Store (C7) and Semantic Retriever
// (C8). Adapted from the teacher's internal/vectorstore package: same
// registry shape, drivers repurposed from kitchen-scoped VectorDoc
// records to project-scoped MemoryUnit vectors.
package vectorstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/jetgogoing/memoryd/pkg/models"
)

// Driver is a vector storage and similarity search backend.
// OSS ships: embedded (in-memory brute-force), pgvector.
type Driver interface {
	Kind() string
	Upsert(ctx context.Context, records []models.VectorRecord) error
	Search(ctx context.Context, vector []float32, topK int, filter Filter) ([]Match, error)
	Delete(ctx context.Context, ids []string) error
	Count(ctx context.Context) (int, error)
	HealthCheck(ctx context.Context) error
}

// Filter scopes a vector search. ProjectID narrows to one project when set.
type Filter struct {
	ProjectID string
}

// Match is one similarity search hit.
type Match struct {
	ID      string
	Score   float64
	Payload models.VectorPayload
}

// Registry holds named vector store drivers. Thread-safe.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

func (r *Registry) Register(name string, driver Driver) {
	r.mu.Lock()
	r.drivers[name] = driver
	r.mu.Unlock()
	log.Info().Str("name", name).Str("kind", driver.Kind()).Msg("🗂️  vector store driver registered")
}

func (r *Registry) Get(name string) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[name]
	if !ok {
		return nil, fmt.Errorf("vector store driver not found: %s", name)
	}
	return d, nil
}

func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	return names
}

func (r *Registry) HealthCheckAll(ctx context.Context) map[string]error {
	r.mu.RLock()
	snapshot := make(map[string]Driver, len(r.drivers))
	for k, v := range r.drivers {
		snapshot[k] = v
	}
	r.mu.RUnlock()

	results := make(map[string]error, len(snapshot))
	for name, driver := range snapshot {
		results[name] = driver.HealthCheck(ctx)
	}
	return results
}
