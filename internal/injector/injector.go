// Package injector implements the Context Injector (C9): selects,
// diversifies, templates, and token-budgets retrieved memories into an
// enhanced prompt. Near-direct translation of original_source's
// claude_memory/injectors/context_injector.py ContextInjector into the
// teacher's idiom (functional options, zerolog, bounded cache).
package injector

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jetgogoing/memoryd/internal/retriever"
	"github.com/jetgogoing/memoryd/pkg/models"
)

// Strategy mirrors the Python InjectionStrategy: one named preset of
// selection/budget knobs.
type Strategy struct {
	Name                string
	MaxMemories         int
	TokenBudget         int
	RelevanceThreshold  float64
	IncludeTypes        []models.UnitType
	Template            string
}

// DefaultStrategies reproduces the three presets from
// context_injector.py's __init__: conservative, balanced, comprehensive.
func DefaultStrategies() map[string]Strategy {
	return map[string]Strategy{
		"conservative": {
			Name: "conservative", MaxMemories: 3, TokenBudget: 1000, RelevanceThreshold: 0.8,
			IncludeTypes: []models.UnitType{models.UnitGlobal}, Template: "minimal",
		},
		"balanced": {
			Name: "balanced", MaxMemories: 5, TokenBudget: 2000, RelevanceThreshold: 0.6,
			IncludeTypes: []models.UnitType{models.UnitGlobal, models.UnitConversation}, Template: "standard",
		},
		"comprehensive": {
			Name: "comprehensive", MaxMemories: 10, TokenBudget: 4000, RelevanceThreshold: 0.4,
			IncludeTypes: []models.UnitType{models.UnitGlobal, models.UnitConversation, models.UnitArchive}, Template: "detailed",
		},
	}
}

// Request carries the injection call's inputs (spec §4.9).
type Request struct {
	OriginalPrompt string
	QueryText      string
	ContextHint    string
	ProjectID      string
	// InjectionMode names a strategy explicitly; empty selects
	// automatically by query length, per _select_injection_strategy.
	InjectionMode string
}

// typePriority mirrors the Python type_priority map: Global > Conversation > Archive.
var typePriority = map[models.UnitType]int{
	models.UnitGlobal:       3,
	models.UnitConversation: 2,
	models.UnitArchive:      1,
	models.UnitDecision:     2,
}

const keywordOverlapThreshold = 0.7

// Injector is the C9 component. Holds a bounded injection-result cache,
// matching the Python's max_cache_size=200 evict-oldest-half behavior.
type Injector struct {
	retriever  *retriever.Retriever
	strategies map[string]Strategy

	mu        sync.Mutex
	cache     map[string]models.InjectionResult
	cacheOrder []string
	maxCache  int
}

type Option func(*Injector)

func WithMaxCacheSize(n int) Option {
	return func(i *Injector) { i.maxCache = n }
}

func WithStrategies(s map[string]Strategy) Option {
	return func(i *Injector) { i.strategies = s }
}

func New(r *retriever.Retriever, opts ...Option) *Injector {
	i := &Injector{
		retriever:  r,
		strategies: DefaultStrategies(),
		cache:      make(map[string]models.InjectionResult),
		maxCache:   200,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// InjectContext implements spec §4.9's full pipeline: cache check,
// strategy selection, hybrid-reranked retrieval, diversity-filtered
// selection, templating, and token-budget compression.
func (i *Injector) InjectContext(ctx context.Context, req Request) (models.InjectionResult, error) {
	start := time.Now()
	key := cacheKey(req)

	if cached, ok := i.getCached(key); ok {
		cached.ProcessingTimeMs = time.Since(start).Milliseconds()
		return cached, nil
	}

	strategy := i.selectStrategy(req)

	candidates, err := i.retriever.Retrieve(ctx, retriever.Query{
		Text:      firstNonEmpty(req.QueryText, req.OriginalPrompt),
		ProjectID: req.ProjectID,
		Limit:     strategy.MaxMemories * 2,
		MinScore:  strategy.RelevanceThreshold,
		Hybrid:    true,
		Rerank:    true,
		UnitTypes: strategy.IncludeTypes,
	})
	if err != nil {
		return models.InjectionResult{}, err
	}
	if len(candidates) == 0 {
		log.Info().Str("strategy", strategy.Name).Msg("🧵 no relevant memories found for injection")
		return models.InjectionResult{EnhancedPrompt: req.OriginalPrompt, TokensUsed: 0, ProcessingTimeMs: time.Since(start).Milliseconds()}, nil
	}

	selected := i.optimizeSelection(candidates, strategy)
	result := i.generateInjectionContext(selected, strategy, req)

	if result.TokensUsed > strategy.TokenBudget {
		log.Warn().Int("used", result.TokensUsed).Int("budget", strategy.TokenBudget).Msg("🧵 token budget exceeded, compressing")
		result = i.compressInjectionContext(result, strategy.TokenBudget)
	}

	enhanced := req.OriginalPrompt
	enhancedText := renderedText(result)
	if enhancedText != "" {
		enhanced = enhanced + "\n\n" + enhancedText
	}

	final := models.InjectionResult{
		EnhancedPrompt:   enhanced,
		InjectedMemories: result.InjectedMemories,
		TokensUsed:       result.TokensUsed,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	}
	i.setCached(key, final)
	return final, nil
}

// selectStrategy implements _select_injection_strategy: explicit mode
// wins, else auto-selected by query length, else balanced default.
func (i *Injector) selectStrategy(req Request) Strategy {
	if req.InjectionMode != "" {
		if s, ok := i.strategies[req.InjectionMode]; ok {
			return s
		}
	}
	q := firstNonEmpty(req.QueryText, "")
	switch {
	case q == "":
		return i.strategies["balanced"]
	case len(q) < 50:
		return i.strategies["conservative"]
	case len(q) < 200:
		return i.strategies["balanced"]
	default:
		return i.strategies["comprehensive"]
	}
}

// optimizeSelection implements _optimize_memory_selection: sort by
// relevance, greedily apply token-budget + 70%-keyword-overlap diversity
// filtering, then reorder selected memories by (unit_type priority, score).
func (i *Injector) optimizeSelection(candidates []models.RetrievalResult, strategy Strategy) []models.RetrievalResult {
	sorted := append([]models.RetrievalResult(nil), candidates...)
	models.SortResults(sorted)

	selected := make([]models.RetrievalResult, 0, strategy.MaxMemories)
	usedKeywords := make(map[string]struct{})
	tokenCount := 0

	for _, c := range sorted {
		if len(selected) >= strategy.MaxMemories {
			break
		}
		memTokens := c.Unit.TokenCount
		if tokenCount+memTokens > strategy.TokenBudget {
			if len(selected) == 0 {
				selected = append(selected, c)
				tokenCount += memTokens
			}
			break
		}

		overlap := keywordOverlap(c.Unit.Keywords, usedKeywords)
		if overlap < keywordOverlapThreshold {
			selected = append(selected, c)
			for _, k := range c.Unit.Keywords {
				usedKeywords[k] = struct{}{}
			}
			tokenCount += memTokens
		}
	}

	sortByTypePriority(selected)
	return selected
}

func keywordOverlap(keywords []string, used map[string]struct{}) float64 {
	if len(keywords) == 0 {
		return 0
	}
	overlap := 0
	for _, k := range keywords {
		if _, ok := used[k]; ok {
			overlap++
		}
	}
	return float64(overlap) / float64(len(keywords))
}

func sortByTypePriority(results []models.RetrievalResult) {
	for i := 1; i < len(results); i++ {
		j := i
		for j > 0 && less(results[j-1], results[j]) {
			results[j-1], results[j] = results[j], results[j-1]
			j--
		}
	}
}

func less(a, b models.RetrievalResult) bool {
	pa, pb := typePriority[a.Unit.UnitType], typePriority[b.Unit.UnitType]
	if pa != pb {
		return pa < pb
	}
	return a.Score < b.Score
}

// injectionContent is the intermediate shape mirroring the Python
// InjectionResult (injected_context, memories_used, tokens, etc.) before
// it is collapsed into the public models.InjectionResult.
type injectionContent struct {
	Text             string
	InjectedMemories []models.MemoryUnit
	TokensUsed       int
}

func (i *Injector) generateInjectionContext(memories []models.RetrievalResult, strategy Strategy, req Request) injectionContent {
	if len(memories) == 0 {
		return injectionContent{}
	}
	text := renderTemplate(strategy.Template, memories, req)
	return injectionContent{
		Text:             text,
		InjectedMemories: unitsOf(memories),
		TokensUsed:       countTokens(text),
	}
}

func renderedText(c injectionContent) string { return c.Text }

func unitsOf(results []models.RetrievalResult) []models.MemoryUnit {
	out := make([]models.MemoryUnit, len(results))
	for i, r := range results {
		out[i] = r.Unit
	}
	return out
}

// countTokens estimates token count from word count, matching the
// teacher's text_processor-free approach elsewhere in this codebase
// (no tokenizer dependency is wired for the OSS tier).
func countTokens(text string) int {
	return int(float64(len(strings.Fields(text))) * 1.3)
}

func renderTemplate(template string, memories []models.RetrievalResult, req Request) string {
	switch template {
	case "minimal":
		return minimalTemplate(memories)
	case "detailed":
		return detailedTemplate(memories, req)
	default:
		return standardTemplate(memories)
	}
}

// minimalTemplate mirrors _minimal_template: up to 3 memories, title + 200-char summary.
func minimalTemplate(memories []models.RetrievalResult) string {
	if len(memories) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Related memories:\n")
	limit := len(memories)
	if limit > 3 {
		limit = 3
	}
	for idx, m := range memories[:limit] {
		summary := m.Unit.Summary
		if len(summary) > 200 {
			summary = summary[:200] + "..."
		}
		fmt.Fprintf(&sb, "%d. %s: %s\n", idx+1, m.Unit.Title, summary)
	}
	return sb.String()
}

// standardTemplate mirrors _standard_template.
func standardTemplate(memories []models.RetrievalResult) string {
	if len(memories) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("=== Relevant memories ===\n")
	fmt.Fprintf(&sb, "Found %d relevant memories based on the query:\n\n", len(memories))
	for idx, m := range memories {
		fmt.Fprintf(&sb, "Memory %d [relevance: %.2f]\n", idx+1, m.Score)
		fmt.Fprintf(&sb, "Title: %s\n", m.Unit.Title)
		fmt.Fprintf(&sb, "Summary: %s\n", m.Unit.Summary)
		if len(m.Unit.Keywords) > 0 {
			kw := m.Unit.Keywords
			if len(kw) > 5 {
				kw = kw[:5]
			}
			fmt.Fprintf(&sb, "Keywords: %s\n", strings.Join(kw, ", "))
		}
		fmt.Fprintf(&sb, "Time: %s\n\n", m.Unit.CreatedAt.Format("2006-01-02 15:04"))
	}
	sb.WriteString("=== End of memories ===")
	return sb.String()
}

// detailedTemplate mirrors _detailed_template: grouped by unit_type,
// priority order Global > Conversation > Archive.
func detailedTemplate(memories []models.RetrievalResult, req Request) string {
	if len(memories) == 0 {
		return ""
	}
	grouped := make(map[models.UnitType][]models.RetrievalResult)
	for _, m := range memories {
		grouped[m.Unit.UnitType] = append(grouped[m.Unit.UnitType], m)
	}

	typeNames := map[models.UnitType]string{
		models.UnitGlobal:       "Important global memories",
		models.UnitConversation: "Recent conversation memories",
		models.UnitArchive:      "Archived memories",
		models.UnitDecision:     "Recorded decisions",
	}

	var sb strings.Builder
	sb.WriteString("=== Detailed memory context ===\n")
	fmt.Fprintf(&sb, "Query: %s\n", firstNonEmpty(req.QueryText, "(implicit query)"))
	fmt.Fprintf(&sb, "Found %d highly relevant memories:\n\n", len(memories))

	order := []models.UnitType{models.UnitGlobal, models.UnitConversation, models.UnitDecision, models.UnitArchive}
	for _, t := range order {
		group, ok := grouped[t]
		if !ok {
			continue
		}
		fmt.Fprintf(&sb, "## %s\n", typeNames[t])
		for idx, m := range group {
			fmt.Fprintf(&sb, "### Memory %d [relevance: %.2f]\n", idx+1, m.Score)
			fmt.Fprintf(&sb, "**Title**: %s\n", m.Unit.Title)
			fmt.Fprintf(&sb, "**Summary**: %s\n", m.Unit.Summary)
			if m.Unit.Content != "" && m.Unit.Content != m.Unit.Summary {
				content := m.Unit.Content
				if len(content) > 500 {
					content = content[:500] + "..."
				}
				fmt.Fprintf(&sb, "**Detail**: %s\n", content)
			}
			if len(m.Unit.Keywords) > 0 {
				fmt.Fprintf(&sb, "**Keywords**: %s\n", strings.Join(m.Unit.Keywords, ", "))
			}
			fmt.Fprintf(&sb, "**Time**: %s\n", m.Unit.CreatedAt.Format("2006-01-02 15:04"))
			if len(m.MatchedKeywords) > 0 {
				fmt.Fprintf(&sb, "**Matched keywords**: %s\n", strings.Join(m.MatchedKeywords, ", "))
			}
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}
	sb.WriteString("=== End of context ===")
	return sb.String()
}

// compressInjectionContext implements _compress_injection_context:
// first halve the memory count and re-render with the minimal template,
// falling back to word-count truncation if that's still over budget.
func (i *Injector) compressInjectionContext(content injectionContent, targetBudget int) injectionContent {
	if content.TokensUsed <= targetBudget {
		return content
	}

	if len(content.InjectedMemories) > 1 {
		keep := len(content.InjectedMemories) / 2
		if keep < 1 {
			keep = 1
		}
		top := content.InjectedMemories[:keep]
		compressed := minimalTemplateFromUnits(top)
		compressedTokens := countTokens(compressed)
		if compressedTokens <= targetBudget {
			return injectionContent{Text: compressed, InjectedMemories: top, TokensUsed: compressedTokens}
		}
	}

	words := strings.Fields(content.Text)
	ratio := float64(targetBudget) / float64(content.TokensUsed)
	targetWords := int(float64(len(words)) * ratio)
	if targetWords > len(words) {
		targetWords = len(words)
	}
	truncated := strings.Join(words[:targetWords], " ") + "..."
	return injectionContent{Text: truncated, InjectedMemories: content.InjectedMemories, TokensUsed: countTokens(truncated)}
}

func minimalTemplateFromUnits(units []models.MemoryUnit) string {
	var sb strings.Builder
	sb.WriteString("Related memories:\n")
	for idx, u := range units {
		summary := u.Summary
		if len(summary) > 200 {
			summary = summary[:200] + "..."
		}
		fmt.Fprintf(&sb, "%d. %s: %s\n", idx+1, u.Title, summary)
	}
	return sb.String()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// cacheKey mirrors _generate_cache_key's md5 digest of
// (original_prompt + query_text + context_hint + injection_mode).
func cacheKey(req Request) string {
	mode := req.InjectionMode
	if mode == "" {
		mode = "auto"
	}
	raw := req.OriginalPrompt + req.QueryText + req.ContextHint + mode
	sum := md5.Sum([]byte(raw))
	return "injection_" + hex.EncodeToString(sum[:])
}

func (i *Injector) getCached(key string) (models.InjectionResult, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	r, ok := i.cache[key]
	return r, ok
}

// setCached mirrors _cache_injection_result: evict the oldest half once
// at capacity, insertion-ordered.
func (i *Injector) setCached(key string, result models.InjectionResult) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, exists := i.cache[key]; !exists && len(i.cache) >= i.maxCache {
		half := i.maxCache / 2
		for _, k := range i.cacheOrder[:half] {
			delete(i.cache, k)
		}
		i.cacheOrder = i.cacheOrder[half:]
	}
	if _, exists := i.cache[key]; !exists {
		i.cacheOrder = append(i.cacheOrder, key)
	}
	i.cache[key] = result
}
