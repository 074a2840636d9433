// Package service implements the Service Orchestrator (C10): it wires
// C1-C9, C11, and C12 into one façade, owns their lifecycle, and
// brackets every façade operation with the Request Meter (C4) and the
// Permission Gate (C12). Grounded on pkg/server/server.go's
// New/NewWithConfig/buildServer/Shutdown wiring pattern — provider-first
// auto-discovery, conditional pgvector registration, context-cancel
// background task lifecycle — retargeted from the teacher's kitchen/agent
// graph to the memory service's component graph.
package service

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jetgogoing/memoryd/internal/batch"
	"github.com/jetgogoing/memoryd/internal/cache"
	"github.com/jetgogoing/memoryd/internal/compressor"
	"github.com/jetgogoing/memoryd/internal/config"
	"github.com/jetgogoing/memoryd/internal/errs"
	"github.com/jetgogoing/memoryd/internal/gateway"
	"github.com/jetgogoing/memoryd/internal/injector"
	"github.com/jetgogoing/memoryd/internal/meter"
	"github.com/jetgogoing/memoryd/internal/perfmon"
	"github.com/jetgogoing/memoryd/internal/permissions"
	"github.com/jetgogoing/memoryd/internal/pool"
	"github.com/jetgogoing/memoryd/internal/retriever"
	"github.com/jetgogoing/memoryd/internal/store"
	"github.com/jetgogoing/memoryd/internal/vectorstore"
	"github.com/jetgogoing/memoryd/pkg/models"
)

// Service is the C10 orchestrator: the single object transport layers
// (internal/rpcserver, internal/api) depend on.
type Service struct {
	cfg *config.Config

	providers   *gateway.Registry
	gw          *gateway.Gateway
	cacheStore  *cache.Cache
	connPool    *pool.Pool
	requests    *meter.Meter
	repairQueue *batch.Queue
	compress    *compressor.Compressor
	relational  store.RelationalStore
	vectors     *vectorstore.Registry
	vectorKind  string
	dual        *store.DualWriteStore
	retrieve    *retriever.Retriever
	inject      *injector.Injector
	monitor     *perfmon.Monitor
	scaler      *perfmon.AutoScaler
	optimizer   *perfmon.Optimizer
	gate        *permissions.Gate
	janitor     *store.Janitor

	cancel context.CancelFunc
	done   chan struct{}
}

// poolConn is the Conn the in-memory relational store hands to C3: the
// embedded store needs no real handle, but the pool is still exercised
// so its Snapshot feeds the §6.4 health object's performance.pool field,
// same as a Postgres-backed deployment would.
type poolConn struct{}

func (poolConn) Configure(context.Context) error { return nil }
func (poolConn) Close() error                    { return nil }

// New builds every component (background tasks begin in Start), failing fast the way spec
// §4.10 requires: an unresolvable provider key or a non-positive vector
// dimension aborts construction before anything is wired.
func New(ctx context.Context, cfg *config.Config) (*Service, error) {
	providers, err := buildProviders(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.VectorStore.VectorSize <= 0 {
		return nil, fmt.Errorf("vector store dimension must be positive, got %d", cfg.VectorStore.VectorSize)
	}

	gw := gateway.New(providers,
		gateway.WithPriority(cfg.Models.ProviderPriority...),
		gateway.WithRetryPolicy(cfg.Resilience.MaxRetries, cfg.Resilience.RetryDelayBaseMs),
		gateway.WithCallObserver(func(stats gateway.CallStats) {
			if !stats.Success {
				log.Warn().Str("provider", stats.Provider).Str("op", stats.Operation).
					Int64("latency_ms", stats.LatencyMs).Msg("🧠 model call failed")
			}
		}),
	)

	c := cache.New(cfg.Concurrency.CacheSize, time.Duration(cfg.Concurrency.CacheTTLSeconds)*time.Second)

	connPool := pool.New(func(ctx context.Context) (pool.Conn, error) {
		return poolConn{}, nil
	}, cfg.Concurrency.MaxConnections, cfg.Concurrency.MaxConnections*2)
	if err := connPool.Warm(ctx); err != nil {
		return nil, fmt.Errorf("warm connection pool: %w", err)
	}

	relational, err := buildRelationalStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := relational.Migrate(ctx); err != nil {
		return nil, fmt.Errorf("initialize relational schema: %w", err)
	}

	vectors, vectorKind, err := buildVectorStores(ctx, cfg)
	if err != nil {
		return nil, err
	}
	vectorDriver, err := vectors.Get(vectorKind)
	if err != nil {
		return nil, err
	}

	// The repair queue's handler closes over dual, assigned just below:
	// it is only invoked once Run(ctx) starts draining, which happens
	// after Start wires everything up.
	var dual *store.DualWriteStore
	repairQueue := batch.New(256, 16, 2*time.Second, func(items []any) {
		for _, item := range items {
			task, ok := item.(store.RepairTask)
			if !ok || dual == nil {
				continue
			}
			if err := dual.RepairMemoryUnit(context.Background(), task.MemoryUnitID); err != nil {
				log.Error().Err(err).Str("unit_id", task.MemoryUnitID).Msg("🧩 memory unit repair failed")
			}
		}
	})

	dual = store.NewDualWriteStore(relational, vectorDriver, gw, repairQueue, cfg.Models.DefaultEmbeddingModel, cfg.VectorStore.VectorSize)

	compress := compressor.New(gw, compressor.WithModels(cfg.Models.DefaultLightModel, cfg.Models.DefaultHeavyModel))

	retrieve := retriever.New(dual, vectorDriver, gw, c, cfg.Models.DefaultEmbeddingModel, cfg.Models.DefaultRerankModel, cfg.VectorStore.VectorSize)
	inject := injector.New(retrieve)

	requests := meter.New()
	monitor := perfmon.NewMonitor(360, perfmon.DefaultThresholds())
	scaler := perfmon.NewAutoScaler(2, cfg.Concurrency.MaxConnections)
	optimizer := perfmon.NewOptimizer(monitor, scaler, func() perfmon.Sample {
		reqStats := requests.Snapshot()
		cacheStats := c.Snapshot()
		poolStats := connPool.Snapshot()
		return perfmon.Sample{
			Timestamp:         time.Now(),
			AvgResponseTimeMs: reqStats.AvgLatencyMs,
			ErrorRate:         reqStats.ErrorRate,
			CacheHitRate:      cacheStats.HitRate,
			ActiveConnections: poolStats.Size,
			QueueLength:       repairQueue.Depth(),
		}
	}, connPool.Resize, 10*time.Second)

	isolation := permissions.IsolationPermissive
	if cfg.Project.IsolationMode == "strict" {
		isolation = permissions.IsolationStrict
	}
	gate := permissions.New(
		permissions.WithSystemUserID(cfg.Project.SystemUserID),
		permissions.WithIsolation(isolation, cfg.Project.EnableCrossProjectSearch),
	)

	janitor := store.NewJanitor(dual, time.Duration(cfg.Memory.RetentionIntervalSeconds)*time.Second)

	return &Service{
		cfg:         cfg,
		providers:   providers,
		gw:          gw,
		cacheStore:  c,
		connPool:    connPool,
		requests:    requests,
		repairQueue: repairQueue,
		compress:    compress,
		relational:  relational,
		vectors:     vectors,
		vectorKind:  vectorKind,
		dual:        dual,
		retrieve:    retrieve,
		inject:      inject,
		monitor:     monitor,
		scaler:      scaler,
		optimizer:   optimizer,
		gate:        gate,
		janitor:     janitor,
	}, nil
}

// buildProviders registers a driver per configured provider name,
// failing fast when the required credential is absent (spec §4.10).
func buildProviders(cfg *config.Config) (*gateway.Registry, error) {
	registry := gateway.NewRegistry()
	for _, name := range cfg.Models.ProviderPriority {
		switch name {
		case "openai":
			apiKey := os.Getenv("OPENAI_API_KEY")
			if apiKey == "" {
				return nil, fmt.Errorf("provider %q is in MEMORY_PROVIDER_PRIORITY but OPENAI_API_KEY is not set", name)
			}
			registry.Register(name, gateway.NewOpenAIDriver(apiKey))
		case "ollama":
			endpoint := os.Getenv("OLLAMA_URL")
			if endpoint == "" {
				endpoint = os.Getenv("OLLAMA_HOST")
			}
			registry.Register(name, gateway.NewOllamaDriver(endpoint))
		default:
			return nil, fmt.Errorf("unknown provider %q in MEMORY_PROVIDER_PRIORITY", name)
		}
	}
	return registry, nil
}

// buildVectorStores registers the embedded driver unconditionally and
// pgvector when a URL is configured, matching buildServer's conditional
// registration. The primary driver is pgvector when available, else embedded.
func buildVectorStores(ctx context.Context, cfg *config.Config) (*vectorstore.Registry, string, error) {
	registry := vectorstore.NewRegistry()
	registry.Register("embedded", vectorstore.NewEmbeddedStore())
	primary := "embedded"

	if cfg.VectorStore.URL != "" {
		pgvs, err := vectorstore.NewPgvectorStore(ctx, cfg.VectorStore.URL, cfg.VectorStore.VectorSize)
		if err != nil {
			log.Warn().Err(err).Msg("⚠️  pgvector store init failed, using embedded only")
		} else {
			registry.Register("pgvector", pgvs)
			primary = "pgvector"
		}
	}
	return registry, primary, nil
}

// buildRelationalStore connects to Postgres when MEMORY_DATABASE_URL is
// reachable, falling back to the in-memory store otherwise — same
// conditional-registration shape as buildVectorStores, so a single-node
// deployment with no database configured still starts cleanly.
func buildRelationalStore(ctx context.Context, cfg *config.Config) (store.RelationalStore, error) {
	if cfg.Database.URL == "" {
		return store.NewMemoryStore(), nil
	}
	pg, err := store.NewPostgresStore(ctx, cfg.Database.URL, cfg.Database.MigrationsPath)
	if err != nil {
		log.Warn().Err(err).Msg("⚠️  postgres relational store unavailable, using in-memory store")
		return store.NewMemoryStore(), nil
	}
	return pg, nil
}

// Start begins the background lifecycle: the repair queue consumer,
// C11's periodic sampling task, and the retention janitor. All three run
// until Stop cancels them.
func (s *Service) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		var wg doneWaiter
		wg.add(func() { s.repairQueue.Run(runCtx) })
		wg.add(func() { s.optimizer.Run(runCtx) })
		wg.add(func() { s.janitor.Start(runCtx) })
		wg.wait()
	}()

	log.Info().Msg("🚀 memory service started")
}

// doneWaiter runs a set of blocking functions concurrently and joins them.
type doneWaiter struct {
	fns []func()
}

func (w *doneWaiter) add(fn func()) { w.fns = append(w.fns, fn) }

func (w *doneWaiter) wait() {
	done := make(chan struct{}, len(w.fns))
	for _, fn := range w.fns {
		fn := fn
		go func() { fn(); done <- struct{}{} }()
	}
	for range w.fns {
		<-done
	}
}

// Stop cancels C11 and the C5 consumer, drains them under a short
// deadline, and closes C3 (spec §4.10).
func (s *Service) Stop(ctx context.Context) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	s.cancel = nil

	deadline := 5 * time.Second
	select {
	case <-s.done:
	case <-time.After(deadline):
		log.Warn().Dur("deadline", deadline).Msg("🛑 shutdown deadline exceeded, closing pool anyway")
	case <-ctx.Done():
	}

	s.connPool.Close()
	if err := s.relational.Close(); err != nil {
		log.Warn().Err(err).Msg("⚠️  error closing relational store")
	}
	log.Info().Msg("🛑 memory service stopped")
	return nil
}

// authorize brackets a façade operation with C4 (via the returned
// bracket, which the caller must End) and C12, returning errs.PermissionDenied
// when the check fails.
func (s *Service) authorize(ctx context.Context, userID string, projectIDs []string, required models.PermissionLevel, action string) (*meter.Bracket, error) {
	bracket := s.requests.Start()
	decision, err := s.gate.CheckPermissions(ctx, permissions.Request{
		UserID: userID, ProjectIDs: projectIDs, Required: required, Action: action,
	})
	if err != nil {
		bracket.End(false)
		return nil, errs.Internal("permission check failed", err)
	}
	if !decision.Allowed {
		bracket.End(false)
		return nil, errs.PermissionDenied(decision.Reason)
	}
	return bracket, nil
}

// HandleNewConversation implements spec §4.10's "handle new conversation":
// persist the conversation + messages via C7's batch write, invoke C6 to
// compress it, then store the resulting memory unit via C7. Returns the
// memory unit when compression clears the quality gate, or nil if it did not
// (not an error — spec §4.6 treats a below-threshold compression as "no unit produced").
func (s *Service) HandleNewConversation(ctx context.Context, userID string, conv models.Conversation, messages []models.Message, unitType models.UnitType, qualityThreshold float64) (*models.MemoryUnit, error) {
	bracket, err := s.authorize(ctx, userID, []string{conv.ProjectID}, models.PermissionWrite, "create")
	if err != nil {
		return nil, err
	}
	success := false
	defer func() { bracket.End(success) }()

	if err := s.dual.StoreConversationBatch(ctx, []models.Conversation{conv}, messages); err != nil {
		return nil, err
	}

	unit, err := s.compress.Compress(ctx, conv, messages, unitType, qualityThreshold)
	if err != nil {
		return nil, err
	}
	if unit == nil {
		success = true
		return nil, nil
	}

	if err := s.dual.StoreMemoryUnit(ctx, unit); err != nil {
		if errs.Is(err, errs.KindStorePartial) {
			// Row committed, vector repair queued: not a caller-visible
			// failure of the façade operation itself.
			success = true
			return unit, nil
		}
		return nil, err
	}
	success = true
	return unit, nil
}

// SearchMemories implements spec §4.10's "search memories": delegate to C8
// after a C12 read check.
func (s *Service) SearchMemories(ctx context.Context, userID string, q retriever.Query) ([]models.RetrievalResult, error) {
	var projectIDs []string
	if q.ProjectID != "" {
		projectIDs = []string{q.ProjectID}
	}
	bracket, err := s.authorize(ctx, userID, projectIDs, models.PermissionRead, "search")
	if err != nil {
		return nil, err
	}
	results, err := s.retrieve.Retrieve(ctx, q)
	bracket.End(err == nil)
	return results, err
}

// InjectContext implements spec §4.10's "inject context": delegate to C9
// after a C12 read check.
func (s *Service) InjectContext(ctx context.Context, userID string, req injector.Request) (models.InjectionResult, error) {
	var projectIDs []string
	if req.ProjectID != "" {
		projectIDs = []string{req.ProjectID}
	}
	bracket, err := s.authorize(ctx, userID, projectIDs, models.PermissionRead, "read")
	if err != nil {
		return models.InjectionResult{}, err
	}
	result, err := s.inject.InjectContext(ctx, req)
	bracket.End(err == nil)
	return result, err
}

// GetRecentConversations is the read-side façade behind get_recent_conversations.
func (s *Service) GetRecentConversations(ctx context.Context, userID, projectID string, limit int) ([]models.Conversation, error) {
	var projectIDs []string
	if projectID != "" {
		projectIDs = []string{projectID}
	}
	bracket, err := s.authorize(ctx, userID, projectIDs, models.PermissionRead, "read")
	if err != nil {
		return nil, err
	}
	convs, err := s.dual.GetRecentConversations(ctx, projectID, limit)
	bracket.End(err == nil)
	return convs, err
}

// ConversationSummary is the get_recent_conversations row shape (spec
// §6.1): a Conversation hydrated with its project's name and the text of
// its most recent message, grounded on original_source's
// demo_cross_project_search.get_recent_conversations query.
type ConversationSummary struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	ProjectName    string    `json:"project_name"`
	LastActivityAt time.Time `json:"last_activity"`
	MessageCount   int       `json:"message_count"`
	LastMessage    string    `json:"last_message"`
}

// GetRecentConversationSummaries backs the JSON-RPC get_recent_conversations
// method, hydrating each conversation with its project name and last
// message content.
func (s *Service) GetRecentConversationSummaries(ctx context.Context, userID, projectID string, limit int) ([]ConversationSummary, error) {
	convs, err := s.GetRecentConversations(ctx, userID, projectID, limit)
	if err != nil {
		return nil, err
	}

	projectNames := make(map[string]string, len(convs))
	summaries := make([]ConversationSummary, 0, len(convs))
	for _, conv := range convs {
		name, ok := projectNames[conv.ProjectID]
		if !ok {
			if project, err := s.relational.GetProject(ctx, conv.ProjectID); err == nil {
				name = project.Name
			} else {
				name = conv.ProjectID
			}
			projectNames[conv.ProjectID] = name
		}

		lastMessage := ""
		if msg, err := s.relational.LastMessage(ctx, conv.ID); err == nil && msg != nil {
			lastMessage = msg.Content
		}

		summaries = append(summaries, ConversationSummary{
			ID: conv.ID, Title: conv.Title, ProjectName: name,
			LastActivityAt: conv.LastActivityAt, MessageCount: conv.MessageCount, LastMessage: lastMessage,
		})
	}
	return summaries, nil
}

// GetConversationMessages is the read-side façade behind get_conversation_messages.
func (s *Service) GetConversationMessages(ctx context.Context, userID, conversationID string, limit int) (models.Conversation, []models.Message, error) {
	bracket := s.requests.Start()
	conv, err := s.relational.GetConversation(ctx, conversationID)
	if err != nil {
		bracket.End(false)
		return models.Conversation{}, nil, err
	}
	decision, err := s.gate.CheckPermissions(ctx, permissions.Request{
		UserID: userID, ProjectIDs: []string{conv.ProjectID}, Required: models.PermissionRead, Action: "read",
	})
	if err != nil || !decision.Allowed {
		bracket.End(false)
		if err != nil {
			return models.Conversation{}, nil, errs.Internal("permission check failed", err)
		}
		return models.Conversation{}, nil, errs.PermissionDenied(decision.Reason)
	}
	messages, err := s.dual.GetConversationMessages(ctx, conversationID, limit)
	bracket.End(err == nil)
	return *conv, messages, err
}

// ListProjects and CreateProject back the /projects HTTP routes. They
// take no caller identity and are bracketed by C4 only: C12 is not
// consulted, so any caller can list or create projects.
func (s *Service) ListProjects(ctx context.Context) ([]models.Project, error) {
	bracket := s.requests.Start()
	projects, err := s.relational.ListProjects(ctx)
	bracket.End(err == nil)
	return projects, err
}

func (s *Service) CreateProject(ctx context.Context, project *models.Project) error {
	bracket := s.requests.Start()
	err := s.relational.CreateProject(ctx, project)
	bracket.End(err == nil)
	return err
}

// Health builds the §6.4 health object from every component's live stats.
func (s *Service) Health(ctx context.Context) models.Health {
	reqStats := s.requests.Snapshot()
	cacheStats := s.cacheStore.Snapshot()
	poolStats := s.connPool.Snapshot()

	relStatus := "ok"
	if err := s.relational.Ping(ctx); err != nil {
		relStatus = "error"
	}

	vecStatus := "ok"
	vectorErrs := s.vectors.HealthCheckAll(ctx)
	for _, err := range vectorErrs {
		if err != nil {
			vecStatus = "error"
			break
		}
	}

	status := models.HealthHealthy
	if relStatus == "error" || vecStatus == "error" {
		status = models.HealthUnhealthy
	} else if reqStats.ErrorRate > 0.05 {
		status = models.HealthDegraded
	}

	return models.Health{
		Service:   "memoryd",
		Version:   s.cfg.Version,
		Status:    status,
		Timestamp: time.Now(),
		Checks: models.HealthChecks{
			Relational:  relStatus,
			VectorStore: vecStatus,
			Providers:   s.gw.ProviderStatus(),
		},
		Performance: models.HealthPerformance{
			InFlight:     reqStats.InFlight,
			AvgLatencyMs: reqStats.AvgLatencyMs,
			ErrorRate:    reqStats.ErrorRate,
			CacheHitRate: cacheStats.HitRate,
			Pool:         models.PoolStats{Size: poolStats.Size, Cap: poolStats.Cap, Queue: poolStats.Queue},
			Suggestions:  s.optimizer.AnalyzePerformance(5 * time.Minute),
		},
	}
}
