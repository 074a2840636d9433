package service_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/jetgogoing/memoryd/internal/config"
	"github.com/jetgogoing/memoryd/internal/injector"
	"github.com/jetgogoing/memoryd/internal/retriever"
	"github.com/jetgogoing/memoryd/internal/service"
	"github.com/jetgogoing/memoryd/pkg/models"
)

// newOllamaStub serves /api/embed with a fixed vector and /api/chat with a
// well-formed compression JSON payload, so Service can be built end to end
// against a real (local) HTTP provider without a network dependency.
func newOllamaStub(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/embed", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{1, 0, 0}})
	})
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		content := `{"title":"t","summary":"s","content":"deploy the rocket to orbit","keywords":["deploy","rocket"],"quality_score":0.9}`
		json.NewEncoder(w).Encode(map[string]any{"message": map[string]string{"role": "assistant", "content": content}})
	})
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, ollamaURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	os.Setenv("MEMORY_DATA_DIR", dir)
	os.Setenv("OLLAMA_URL", ollamaURL)
	t.Cleanup(func() {
		os.Unsetenv("MEMORY_DATA_DIR")
		os.Unsetenv("OLLAMA_URL")
	})

	cfg := config.Load()
	cfg.Models.ProviderPriority = []string{"ollama"}
	cfg.Models.DefaultEmbeddingModel = "embed-model"
	cfg.Models.DefaultLightModel = "chat-model"
	cfg.Models.DefaultHeavyModel = "chat-model"
	cfg.VectorStore.VectorSize = 3
	cfg.Concurrency.MaxConnections = 4
	cfg.Project.SystemUserID = "system"
	cfg.Project.IsolationMode = "strict"
	return cfg
}

func TestNewFailsOnMissingProviderKey(t *testing.T) {
	os.Unsetenv("OPENAI_API_KEY")
	cfg := config.Load()
	cfg.Models.ProviderPriority = []string{"openai"}
	if _, err := service.New(context.Background(), cfg); err == nil {
		t.Error("New() error = nil, want error for missing OPENAI_API_KEY")
	}
}

func TestNewFailsOnNonPositiveDimension(t *testing.T) {
	cfg := config.Load()
	cfg.Models.ProviderPriority = nil
	cfg.VectorStore.VectorSize = 0
	if _, err := service.New(context.Background(), cfg); err == nil {
		t.Error("New() error = nil, want error for non-positive vector dimension")
	}
}

func TestHandleNewConversationStoresAndCompresses(t *testing.T) {
	srv := newOllamaStub(t)
	cfg := testConfig(t, srv.URL)

	ctx := context.Background()
	svc, err := service.New(ctx, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	svc.Start(ctx)
	t.Cleanup(func() { svc.Stop(context.Background()) })

	if err := svc.CreateProject(ctx, &models.Project{ID: "proj-1", Name: "p"}); err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}

	conv := models.Conversation{ID: "conv-1", ProjectID: "proj-1", Title: "chat"}
	messages := []models.Message{
		{ID: "m1", ConversationID: "conv-1", SequenceNumber: 0, Role: models.RoleHuman, Content: "how do I deploy the rocket?"},
	}

	unit, err := svc.HandleNewConversation(ctx, "system", conv, messages, models.UnitConversation, 0.5)
	if err != nil {
		t.Fatalf("HandleNewConversation() error = %v", err)
	}
	if unit == nil {
		t.Fatal("HandleNewConversation() unit = nil, want a stored memory unit")
	}
	if unit.ProjectID != "proj-1" {
		t.Errorf("unit.ProjectID = %q, want %q", unit.ProjectID, "proj-1")
	}

	results, err := svc.SearchMemories(ctx, "system", retriever.Query{Text: "deploy", ProjectID: "proj-1", Limit: 5})
	if err != nil {
		t.Fatalf("SearchMemories() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("SearchMemories() len = %d, want 1", len(results))
	}

	injResult, err := svc.InjectContext(ctx, "system", injector.Request{
		OriginalPrompt: "help me", QueryText: "deploy", ProjectID: "proj-1",
	})
	if err != nil {
		t.Fatalf("InjectContext() error = %v", err)
	}
	if injResult.EnhancedPrompt == "" {
		t.Error("InjectContext().EnhancedPrompt is empty, want the original prompt at minimum")
	}

	health := svc.Health(ctx)
	if health.Status != models.HealthHealthy {
		t.Errorf("Health().Status = %q, want %q", health.Status, models.HealthHealthy)
	}
	if health.Checks.Relational != "ok" {
		t.Errorf("Health().Checks.Relational = %q, want ok", health.Checks.Relational)
	}
}

func TestFacadeOperationsDenyInsufficientPermission(t *testing.T) {
	srv := newOllamaStub(t)
	cfg := testConfig(t, srv.URL)

	ctx := context.Background()
	svc, err := service.New(ctx, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	svc.Start(ctx)
	t.Cleanup(func() { svc.Stop(context.Background()) })

	conv := models.Conversation{ID: "conv-2", ProjectID: "proj-2", Title: "chat"}
	messages := []models.Message{{ID: "m2", ConversationID: "conv-2", Role: models.RoleHuman, Content: "hello"}}

	_, err = svc.HandleNewConversation(ctx, "stranger", conv, messages, models.UnitConversation, 0.5)
	if err == nil {
		t.Error("HandleNewConversation() by an ungranted user succeeded, want PermissionDenied")
	}
}

// TestSearchMemoriesDeniesUnscopedRequestUnderStrictIsolation covers spec
// §8 scenario S4: a non-system caller omitting project_id must be denied
// under strict isolation, not silently searched across every project
// because an empty ProjectIDs slice skips the per-project permission loop.
func TestSearchMemoriesDeniesUnscopedRequestUnderStrictIsolation(t *testing.T) {
	srv := newOllamaStub(t)
	cfg := testConfig(t, srv.URL)

	ctx := context.Background()
	svc, err := service.New(ctx, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	svc.Start(ctx)
	t.Cleanup(func() { svc.Stop(context.Background()) })

	if err := svc.CreateProject(ctx, &models.Project{ID: "proj-1", Name: "p"}); err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}
	conv := models.Conversation{ID: "conv-3", ProjectID: "proj-1", Title: "chat"}
	messages := []models.Message{
		{ID: "m3", ConversationID: "conv-3", SequenceNumber: 0, Role: models.RoleHuman, Content: "how do I deploy the rocket?"},
	}
	if _, err := svc.HandleNewConversation(ctx, "system", conv, messages, models.UnitConversation, 0.5); err != nil {
		t.Fatalf("HandleNewConversation() error = %v", err)
	}

	if _, err := svc.SearchMemories(ctx, "alice", retriever.Query{Text: "deploy", Limit: 5}); err == nil {
		t.Error("SearchMemories() with no project_id under strict isolation succeeded, want PermissionDenied")
	}
	if _, err := svc.InjectContext(ctx, "alice", injector.Request{OriginalPrompt: "help", QueryText: "deploy"}); err == nil {
		t.Error("InjectContext() with no project_id under strict isolation succeeded, want PermissionDenied")
	}
}

func TestStopIsIdempotentAndRespectsDeadline(t *testing.T) {
	srv := newOllamaStub(t)
	cfg := testConfig(t, srv.URL)

	ctx := context.Background()
	svc, err := service.New(ctx, cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	svc.Start(ctx)

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := svc.Stop(stopCtx); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := svc.Stop(stopCtx); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
}
