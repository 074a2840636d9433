// Package gateway implements the Model Gateway (C1): a uniform
// Embed/Rerank/Complete surface over a registry of named providers, a
// task router that picks a provider per task from a priority list, and
// a per-provider health state machine with retry/backoff for transient
// failures.
package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/jetgogoing/memoryd/internal/errs"
	"github.com/jetgogoing/memoryd/pkg/models"
)

// Driver is the common capability set every provider implements.
// Spec §9: "a registry of named providers implementing a common
// capability set {Embed, Rerank, Complete, IsAvailable}".
type Driver interface {
	Kind() string
	IsAvailable(ctx context.Context) bool
	Embed(ctx context.Context, model string, texts []string) ([][]float32, error)
	Complete(ctx context.Context, model string, messages []Message, params CompletionParams) (string, error)
}

// RerankCapableDriver is an optional capability, checked via type
// assertion the way the teacher checks EmbeddingCapableDriver /
// StreamingProviderDriver — not every provider can rerank.
type RerankCapableDriver interface {
	Rerank(ctx context.Context, model, query string, docs []string, topK int) ([]float64, error)
}

// Message is one role-tagged chat turn passed to Complete.
type Message struct {
	Role    models.Role
	Content string
}

// CompletionParams carries generation controls for Complete.
type CompletionParams struct {
	Temperature float64
	MaxTokens   int
}

// CallStats is fed to C4 after every Gateway operation.
type CallStats struct {
	Provider  string
	Operation string
	LatencyMs int64
	CostUSD   float64
	Success   bool
}

// Registry holds named providers. Thread-safe, mirrors the teacher's
// embeddings.Registry / vectorstore.Registry shape.
type Registry struct {
	mu      sync.RWMutex
	drivers map[string]Driver
}

func NewRegistry() *Registry {
	return &Registry{drivers: make(map[string]Driver)}
}

func (r *Registry) Register(name string, d Driver) {
	r.mu.Lock()
	r.drivers[name] = d
	r.mu.Unlock()
	log.Info().Str("name", name).Str("kind", d.Kind()).Msg("🧠 model provider registered")
}

func (r *Registry) Get(name string) (Driver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.drivers[name]
	return d, ok
}

func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.drivers))
	for n := range r.drivers {
		names = append(names, n)
	}
	return names
}

// providerHealth tracks the state machine of spec §4.13: ok → degraded
// (consecutive failures ≥ threshold) → skipped_by_router; a timed probe
// moves degraded → ok.
type providerHealth struct {
	mu                  sync.Mutex
	state               models.ProviderHealth
	consecutiveFailures int
	lastProbe           time.Time
}

const (
	degradeThreshold = 3
	probeInterval    = 30 * time.Second
)

// Gateway is the C1 Model Gateway: registry + task router + retry policy
// + health tracking, statted via an injected meter callback.
type Gateway struct {
	registry *Registry

	mu       sync.Mutex
	priority []string // provider names, ordered by priority
	health   map[string]*providerHealth

	maxRetries    int
	retryBaseMs   int
	onCall        func(CallStats)
}

// Option configures a Gateway, following the teacher's functional
// options idiom (WithOpenAIEndpoint, WithOllamaBatchSize, etc.).
type Option func(*Gateway)

func WithPriority(names ...string) Option {
	return func(g *Gateway) { g.priority = names }
}

func WithRetryPolicy(maxRetries, retryBaseMs int) Option {
	return func(g *Gateway) {
		g.maxRetries = maxRetries
		g.retryBaseMs = retryBaseMs
	}
}

func WithCallObserver(fn func(CallStats)) Option {
	return func(g *Gateway) { g.onCall = fn }
}

func New(registry *Registry, opts ...Option) *Gateway {
	g := &Gateway{
		registry:    registry,
		health:      make(map[string]*providerHealth),
		maxRetries:  3,
		retryBaseMs: 200,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gateway) healthFor(name string) *providerHealth {
	g.mu.Lock()
	defer g.mu.Unlock()
	h, ok := g.health[name]
	if !ok {
		h = &providerHealth{state: models.ProviderOK}
		g.health[name] = h
	}
	return h
}

// ProviderStatus returns the current health state machine value for
// every provider seen so far, for the §6.4 health object.
func (g *Gateway) ProviderStatus() map[string]models.ProviderHealth {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]models.ProviderHealth, len(g.health))
	for name, h := range g.health {
		h.mu.Lock()
		out[name] = h.state
		h.mu.Unlock()
	}
	return out
}

func (h *providerHealth) recordFailure() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveFailures++
	if h.consecutiveFailures >= degradeThreshold {
		h.state = models.ProviderDegraded
		h.lastProbe = time.Now()
	}
}

func (h *providerHealth) recordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.consecutiveFailures = 0
	h.state = models.ProviderOK
}

// available reports whether the provider should currently be tried:
// ok providers are always tried; degraded and skipped_by_router
// providers are skipped except for one probe per probeInterval, and a
// successful probe returns them to ok.
func (h *providerHealth) available() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	switch h.state {
	case models.ProviderOK:
		return true
	case models.ProviderDegraded, models.ProviderSkippedByRouter:
		if time.Since(h.lastProbe) >= probeInterval {
			h.lastProbe = time.Now()
			return true
		}
		return false
	default:
		return true
	}
}

// orderedCandidates returns the configured priority list filtered to
// providers present in the registry and currently available, falling
// back to every registered provider if no priority list was configured.
func (g *Gateway) orderedCandidates() []string {
	g.mu.Lock()
	priority := append([]string(nil), g.priority...)
	g.mu.Unlock()

	if len(priority) == 0 {
		priority = g.registry.List()
	}
	out := make([]string, 0, len(priority))
	for _, name := range priority {
		if _, ok := g.registry.Get(name); !ok {
			continue
		}
		if !g.healthFor(name).available() {
			continue
		}
		out = append(out, name)
	}
	return out
}

func isRetryable(err error) bool {
	return errs.Is(err, errs.KindProviderTransient)
}

// callWithRetry wraps a provider call with exponential backoff + jitter
// (spec §4.1) and folds the result into the provider health state
// machine and the meter observer.
func (g *Gateway) callWithRetry(ctx context.Context, provider, op string, fn func() error) error {
	start := time.Now()
	h := g.healthFor(provider)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(g.retryBaseMs) * time.Millisecond
	bctx := backoff.WithContext(backoff.WithMaxRetries(b, uint64(g.maxRetries)), ctx)

	err := backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, bctx)

	latency := time.Since(start).Milliseconds()
	success := err == nil
	if success {
		h.recordSuccess()
	} else if !isRetryable(err) {
		// ProviderFatal or similar: treat as an immediate failure signal too.
		h.recordFailure()
	} else {
		h.recordFailure()
	}
	if g.onCall != nil {
		g.onCall(CallStats{Provider: provider, Operation: op, LatencyMs: latency, Success: success})
	}
	return err
}

// Embed returns exactly D floats for text, matching the vector store's
// configured dimension. Dimension mismatch is fatal, not retried.
func (g *Gateway) Embed(ctx context.Context, model, text string, dim int) ([]float32, error) {
	vecs, err := g.EmbedBatch(ctx, model, []string{text}, dim)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds multiple texts in one provider call where possible.
func (g *Gateway) EmbedBatch(ctx context.Context, model string, texts []string, dim int) ([][]float32, error) {
	candidates := g.orderedCandidates()
	if len(candidates) == 0 {
		return nil, errs.ProviderFatal("no available embedding provider", nil)
	}

	var lastErr error
	for _, name := range candidates {
		driver, _ := g.registry.Get(name)
		var result [][]float32
		err := g.callWithRetry(ctx, name, "embed", func() error {
			vecs, err := driver.Embed(ctx, model, texts)
			if err != nil {
				return err
			}
			for _, v := range vecs {
				if dim > 0 && len(v) != dim {
					return errs.ProviderFatal("embedding dimension mismatch", nil)
				}
			}
			result = vecs
			return nil
		})
		if err == nil {
			return result, nil
		}
		lastErr = err
		if errs.Is(err, errs.KindProviderFatal) {
			// fatal on this provider: try the next one, but don't retry this one again
			continue
		}
	}
	return nil, errs.ProviderFatal("all embedding providers failed", lastErr)
}

// Complete routes a chat completion request to the first available
// provider in priority order.
func (g *Gateway) Complete(ctx context.Context, model string, messages []Message, params CompletionParams) (string, error) {
	candidates := g.orderedCandidates()
	if len(candidates) == 0 {
		return "", errs.ProviderFatal("no available chat provider", nil)
	}

	var lastErr error
	for _, name := range candidates {
		driver, _ := g.registry.Get(name)
		var out string
		err := g.callWithRetry(ctx, name, "complete", func() error {
			text, err := driver.Complete(ctx, model, messages, params)
			if err != nil {
				return err
			}
			out = text
			return nil
		})
		if err == nil {
			return out, nil
		}
		lastErr = err
	}
	return "", errs.ProviderFatal("all chat providers failed", lastErr)
}

// Rerank scores docs against query using the first provider that
// implements RerankCapableDriver. Scores are returned aligned to the
// input docs order; callers sort.
func (g *Gateway) Rerank(ctx context.Context, model, query string, docs []string, topK int) ([]float64, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	candidates := g.orderedCandidates()
	var lastErr error
	for _, name := range candidates {
		driver, _ := g.registry.Get(name)
		rr, ok := driver.(RerankCapableDriver)
		if !ok {
			continue
		}
		var scores []float64
		err := g.callWithRetry(ctx, name, "rerank", func() error {
			s, err := rr.Rerank(ctx, model, query, docs, topK)
			if err != nil {
				return err
			}
			if len(s) != len(docs) {
				return errs.ProviderFatal("rerank scores misaligned with docs", nil)
			}
			scores = s
			return nil
		})
		if err == nil {
			return scores, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		return nil, errs.ProviderFatal("no rerank-capable provider available", nil)
	}
	return nil, errs.ProviderFatal("all rerank providers failed", lastErr)
}
