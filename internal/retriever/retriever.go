// Package retriever implements the Semantic Retriever (C8): hybrid
// vector + keyword search, merge-by-id, rerank, hydrate, tie-break.
// Merge/dedupe/sort shape grounded on internal/rag/pipeline.go's
// agenticQuery sub-query merge; cache-key digest grounded on
// original_source's concurrent_memory_manager.py search_memories_concurrent.
package retriever

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/jetgogoing/memoryd/internal/cache"
	"github.com/jetgogoing/memoryd/internal/gateway"
	"github.com/jetgogoing/memoryd/internal/store"
	"github.com/jetgogoing/memoryd/internal/vectorstore"
	"github.com/jetgogoing/memoryd/pkg/models"
)

// keywordArmScore is the fixed score assigned to keyword-only hits
// before merge, per spec §4.8 step 3.
const keywordArmScore = 0.5

// Query carries the parameters of one Retrieve call (spec §4.8).
type Query struct {
	Text      string
	ProjectID string
	Limit     int
	MinScore  float64
	Hybrid    bool
	Rerank    bool
	// UnitTypes restricts results to this set of unit types when
	// non-empty (spec §4.9 step 1's "unit_types filter"). Empty means
	// no restriction.
	UnitTypes []models.UnitType
}

type Retriever struct {
	store      *store.DualWriteStore
	vectors    vectorstore.Driver
	gw         *gateway.Gateway
	cache      *cache.Cache
	group      singleflight.Group
	embedModel string
	rerankModel string
	dimensions int
	cacheTTL   time.Duration
}

type Option func(*Retriever)

func WithCacheTTL(ttl time.Duration) Option {
	return func(r *Retriever) { r.cacheTTL = ttl }
}

func New(st *store.DualWriteStore, vectors vectorstore.Driver, gw *gateway.Gateway, c *cache.Cache, embedModel, rerankModel string, dimensions int, opts ...Option) *Retriever {
	r := &Retriever{
		store:       st,
		vectors:     vectors,
		gw:          gw,
		cache:       c,
		embedModel:  embedModel,
		rerankModel: rerankModel,
		dimensions:  dimensions,
		cacheTTL:    30 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// cacheKey mirrors the teacher-adjacent original_source's
// `search:{md5(query:limit:project_filter)}` digest pattern, extended
// with min_score since that also changes the result set.
func cacheKey(q Query) string {
	types := make([]string, len(q.UnitTypes))
	for i, t := range q.UnitTypes {
		types[i] = string(t)
	}
	raw := fmt.Sprintf("%s:%d:%s:%.4f:%s", q.Text, q.Limit, q.ProjectID, q.MinScore, strings.Join(types, ","))
	sum := md5.Sum([]byte(raw))
	return "retrieve:" + hex.EncodeToString(sum[:])
}

// Retrieve implements spec §4.8's seven-step hybrid retrieval algorithm.
// Concurrent identical queries are collapsed via singleflight to avoid
// a cache-stampede on a cold C2 entry.
func (r *Retriever) Retrieve(ctx context.Context, q Query) ([]models.RetrievalResult, error) {
	key := cacheKey(q)
	if r.cache != nil {
		if v, ok := r.cache.Get(key); ok {
			if cached, ok := v.([]models.RetrievalResult); ok {
				return cached, nil
			}
		}
	}

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		return r.retrieveUncached(ctx, q)
	})
	if err != nil {
		return nil, err
	}
	results := v.([]models.RetrievalResult)

	if r.cache != nil {
		r.cache.Set(key, results)
	}
	return results, nil
}

func (r *Retriever) retrieveUncached(ctx context.Context, q Query) ([]models.RetrievalResult, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}

	qVec, err := r.gw.Embed(ctx, r.embedModel, q.Text, r.dimensions)
	if err != nil {
		return nil, err
	}

	vecMatches, err := r.vectors.Search(ctx, qVec, limit*2, vectorstore.Filter{ProjectID: q.ProjectID})
	if err != nil {
		return nil, err
	}

	merged := make(map[string]models.RetrievalResult, len(vecMatches))
	for _, m := range vecMatches {
		merged[m.ID] = models.RetrievalResult{
			Unit: models.MemoryUnit{
				ID:             m.ID,
				ConversationID: m.Payload.ConversationID,
				ProjectID:      m.Payload.ProjectID,
				UnitType:       m.Payload.UnitType,
				Title:          m.Payload.Title,
				Keywords:       m.Payload.Keywords,
				CreatedAt:      m.Payload.CreatedAt,
			},
			Score:       m.Score,
			VectorScore: m.Score,
			Source:      models.MatchVector,
		}
	}

	if q.Hybrid {
		kwHits, err := r.store.SearchMessagesLike(ctx, q.Text, q.ProjectID, limit*2)
		if err != nil {
			log.Warn().Err(err).Msg("🔎 keyword arm failed, continuing with vector-only results")
		}
		// The keyword arm matches messages, but retrieval ranks memory
		// units; conversation_id bridges the two. Each hit conversation's
		// units are resolved and merged by id (spec §4.8 steps 3-4):
		// an id already present from the vector arm is promoted/max-scored
		// and relabeled MatchBoth, and an id with no vector hit at all
		// becomes a new provisional row so keyword-only units aren't lost.
		seenConversations := make(map[string]bool, len(kwHits))
		for _, msg := range kwHits {
			if seenConversations[msg.ConversationID] {
				continue
			}
			seenConversations[msg.ConversationID] = true

			units, err := r.store.MemoryUnitsByConversation(ctx, msg.ConversationID)
			if err != nil {
				log.Warn().Err(err).Str("conversation_id", msg.ConversationID).Msg("🔎 keyword arm unit lookup failed")
				continue
			}
			for _, unit := range units {
				r.mergeKeywordHit(merged, unit, msg.Content)
			}
		}
	}

	typeFilter := unitTypeSet(q.UnitTypes)
	results := make([]models.RetrievalResult, 0, len(merged))
	for _, res := range merged {
		if res.Score < q.MinScore {
			continue
		}
		if len(typeFilter) > 0 && !typeFilter[res.Unit.UnitType] {
			continue
		}
		results = append(results, res)
	}

	if q.Rerank && len(results) > 1 {
		if err := r.rerankResults(ctx, q.Text, limit, results); err != nil {
			log.Warn().Err(err).Msg("🔎 rerank failed, falling back to vector/keyword ranking")
		}
	}

	ids := make([]string, len(results))
	for i, res := range results {
		ids[i] = res.Unit.ID
	}
	units, err := r.store.HydrateUnits(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]models.MemoryUnit, len(units))
	for _, u := range units {
		byID[u.ID] = u
	}

	hydrated := make([]models.RetrievalResult, 0, len(results))
	for _, res := range results {
		u, ok := byID[res.Unit.ID]
		if !ok {
			continue // missing or inactive row: self-heal by dropping
		}
		res.Unit = u
		hydrated = append(hydrated, res)
	}

	models.SortResults(hydrated)
	if len(hydrated) > limit {
		hydrated = hydrated[:limit]
	}
	return hydrated, nil
}

// mergeKeywordHit merges one keyword-arm memory unit into merged by id
// (spec §4.8 steps 3-4): an id already present from the vector arm is
// promoted to the max of its vector score and the fixed keyword-arm
// score and relabeled MatchBoth; an id with no vector hit at all becomes
// a new provisional MatchKeyword row.
func (r *Retriever) mergeKeywordHit(merged map[string]models.RetrievalResult, unit models.MemoryUnit, matchedText string) {
	res, ok := merged[unit.ID]
	if !ok {
		res = models.RetrievalResult{Unit: unit, Score: keywordArmScore, Source: models.MatchKeyword}
		res.MatchedKeywords = append(res.MatchedKeywords, matchedText)
		merged[unit.ID] = res
		return
	}

	if keywordArmScore > res.Score {
		res.Score = keywordArmScore
	}
	if res.Source == models.MatchVector {
		res.Source = models.MatchBoth
	}
	res.MatchedKeywords = append(res.MatchedKeywords, matchedText)
	merged[unit.ID] = res
}

func unitTypeSet(types []models.UnitType) map[models.UnitType]bool {
	if len(types) == 0 {
		return nil
	}
	set := make(map[models.UnitType]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return set
}

func (r *Retriever) rerankResults(ctx context.Context, query string, limit int, results []models.RetrievalResult) error {
	docs := make([]string, len(results))
	for i, res := range results {
		doc := res.Unit.Summary
		if doc == "" {
			doc = res.Unit.Content
		}
		docs[i] = doc
	}
	scores, err := r.gw.Rerank(ctx, r.rerankModel, query, docs, limit)
	if err != nil {
		return err
	}
	for i := range results {
		s := scores[i]
		results[i].RerankScore = &s
	}
	sort.SliceStable(results, func(i, j int) bool {
		return *results[i].RerankScore > *results[j].RerankScore
	})
	return nil
}
