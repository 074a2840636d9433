package vectorstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jetgogoing/memoryd/pkg/models"
)

// DefaultMaxVectors is the default cap for the embedded store (50K).
// Passing 90% of it logs a warning; an upsert that would exceed it fails
// with an error nudging deployments to pgvector.
const DefaultMaxVectors = 50_000

// EmbeddedStore is a lightweight in-memory vector store using
// brute-force cosine similarity search. Adapted from the teacher's
// EmbeddedStore: kitchen-scoped VectorDoc replaced by project-scoped
// models.VectorRecord.
type EmbeddedStore struct {
	mu         sync.RWMutex
	records    map[string]*models.VectorRecord
	maxVectors int
}

type EmbeddedOption func(*EmbeddedStore)

func WithMaxVectors(max int) EmbeddedOption {
	return func(s *EmbeddedStore) { s.maxVectors = max }
}

func NewEmbeddedStore(opts ...EmbeddedOption) *EmbeddedStore {
	s := &EmbeddedStore{
		records:    make(map[string]*models.VectorRecord),
		maxVectors: DefaultMaxVectors,
	}
	for _, opt := range opts {
		opt(s)
	}
	log.Info().Int("max_vectors", s.maxVectors).Msg("🧮 embedded vector store initialized")
	return s
}

func (s *EmbeddedStore) Kind() string { return "embedded" }

func (s *EmbeddedStore) Upsert(_ context.Context, recs []models.VectorRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	newCount := 0
	for _, r := range recs {
		if _, exists := s.records[r.ID]; !exists {
			newCount++
		}
	}
	total := len(s.records) + newCount
	if total > s.maxVectors {
		return fmt.Errorf("embedded vector store capacity exceeded: %d > %d (use pgvector for larger collections)", total, s.maxVectors)
	}
	if total > int(float64(s.maxVectors)*0.9) {
		log.Warn().Int("count", total).Int("max", s.maxVectors).Msg("embedded vector store nearing capacity")
	}

	now := time.Now()
	for _, r := range recs {
		cp := r
		if cp.Payload.CreatedAt.IsZero() {
			cp.Payload.CreatedAt = now
		}
		s.records[cp.ID] = &cp
	}
	return nil
}

func (s *EmbeddedStore) Search(_ context.Context, vector []float32, topK int, filter Filter) ([]Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		rec   *models.VectorRecord
		score float64
	}
	var candidates []scored
	for _, r := range s.records {
		if filter.ProjectID != "" && r.Payload.ProjectID != filter.ProjectID {
			continue
		}
		if len(r.Vector) != len(vector) {
			continue
		}
		candidates = append(candidates, scored{rec: r, score: cosineSimilarity(vector, r.Vector)})
	}

	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	if topK > len(candidates) {
		topK = len(candidates)
	}
	results := make([]Match, topK)
	for i := 0; i < topK; i++ {
		results[i] = Match{ID: candidates[i].rec.ID, Score: candidates[i].score, Payload: candidates[i].rec.Payload}
	}
	return results, nil
}

func (s *EmbeddedStore) Delete(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.records, id)
	}
	return nil
}

func (s *EmbeddedStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records), nil
}

func (s *EmbeddedStore) HealthCheck(_ context.Context) error {
	return nil
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
