package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/jetgogoing/memoryd/internal/api"
	"github.com/jetgogoing/memoryd/internal/api/handlers"
	"github.com/jetgogoing/memoryd/internal/config"
	"github.com/jetgogoing/memoryd/internal/service"
)

func newOllamaStub(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/embed", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"embedding": []float32{1, 0, 0}})
	})
	mux.HandleFunc("/api/chat", func(w http.ResponseWriter, r *http.Request) {
		content := `{"title":"t","summary":"s","content":"launch the satellite into orbit","keywords":["launch","satellite"],"quality_score":0.9}`
		json.NewEncoder(w).Encode(map[string]any{"message": map[string]string{"role": "assistant", "content": content}})
	})
	mux.HandleFunc("/api/tags", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	ollama := newOllamaStub(t)
	dir := t.TempDir()
	os.Setenv("MEMORY_DATA_DIR", dir)
	os.Setenv("OLLAMA_URL", ollama.URL)
	t.Cleanup(func() {
		os.Unsetenv("MEMORY_DATA_DIR")
		os.Unsetenv("OLLAMA_URL")
	})

	cfg := config.Load()
	cfg.Database.URL = ""
	cfg.Models.ProviderPriority = []string{"ollama"}
	cfg.Models.DefaultEmbeddingModel = "embed-model"
	cfg.Models.DefaultLightModel = "chat-model"
	cfg.Models.DefaultHeavyModel = "chat-model"
	cfg.VectorStore.VectorSize = 3
	cfg.Concurrency.MaxConnections = 4
	cfg.Project.SystemUserID = "system"
	cfg.Project.IsolationMode = "permissive"

	ctx := context.Background()
	svc, err := service.New(ctx, cfg)
	if err != nil {
		t.Fatalf("service.New() error = %v", err)
	}
	svc.Start(ctx)
	t.Cleanup(func() { svc.Stop(context.Background()) })

	return api.NewRouter(cfg, handlers.New(svc))
}

func doJSON(t *testing.T, r http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	r := newTestRouter(t)
	rec := doJSON(t, r, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /health status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var health map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health["status"] != "healthy" {
		t.Errorf("health.status = %v, want healthy", health["status"])
	}
}

func TestCreateAndListProjects(t *testing.T) {
	r := newTestRouter(t)

	rec := doJSON(t, r, http.MethodPost, "/projects", map[string]string{"project_id": "proj-1", "name": "Project One"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("POST /projects status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, r, http.MethodGet, "/projects", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET /projects status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var listed struct {
		Projects []struct{ ID string `json:"id"` } `json:"projects"`
		Count    int                                `json:"count"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &listed); err != nil {
		t.Fatalf("decode projects: %v", err)
	}
	if listed.Count != 1 || listed.Projects[0].ID != "proj-1" {
		t.Errorf("ListProjects = %+v, want one project proj-1", listed)
	}
}

func TestCreateProjectRejectsMissingID(t *testing.T) {
	r := newTestRouter(t)
	rec := doJSON(t, r, http.MethodPost, "/projects", map[string]string{"name": "no id"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("POST /projects without project_id status = %d, want 400", rec.Code)
	}
}

func TestMemoryStoreAndSearch(t *testing.T) {
	r := newTestRouter(t)
	doJSON(t, r, http.MethodPost, "/projects", map[string]string{"project_id": "proj-1"})

	storeRec := doJSON(t, r, http.MethodPost, "/memory/store", map[string]string{
		"content": "we decided to launch the satellite into orbit next week",
		"project_id": "proj-1",
	})
	if storeRec.Code != http.StatusOK {
		t.Fatalf("POST /memory/store status = %d, body = %s", storeRec.Code, storeRec.Body.String())
	}

	searchRec := doJSON(t, r, http.MethodPost, "/memory/search", map[string]any{
		"query": "satellite", "project_id": "proj-1", "limit": 5,
	})
	if searchRec.Code != http.StatusOK {
		t.Fatalf("POST /memory/search status = %d, body = %s", searchRec.Code, searchRec.Body.String())
	}
	var result struct {
		Count int `json:"count"`
	}
	if err := json.Unmarshal(searchRec.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode search response: %v", err)
	}
	if result.Count == 0 {
		t.Errorf("MemorySearch count = 0, want at least one hit for a keyword match")
	}
}

func TestMemorySearchRejectsEmptyQuery(t *testing.T) {
	r := newTestRouter(t)
	rec := doJSON(t, r, http.MethodPost, "/memory/search", map[string]string{"project_id": "proj-1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("POST /memory/search with empty query status = %d, want 400", rec.Code)
	}
}

func TestConversationStoreAndRecent(t *testing.T) {
	r := newTestRouter(t)
	doJSON(t, r, http.MethodPost, "/projects", map[string]string{"project_id": "proj-1"})

	rec := doJSON(t, r, http.MethodPost, "/conversation/store", map[string]any{
		"project_id": "proj-1",
		"title":      "planning session",
		"messages": []map[string]string{
			{"role": "human", "content": "what's our launch plan?"},
			{"role": "assistant", "content": "we'll launch the satellite into orbit next week"},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("POST /conversation/store status = %d, body = %s", rec.Code, rec.Body.String())
	}

	listRec := doJSON(t, r, http.MethodGet, "/projects/proj-1/conversations?limit=5", nil)
	if listRec.Code != http.StatusOK {
		t.Fatalf("GET /projects/{id}/conversations status = %d, body = %s", listRec.Code, listRec.Body.String())
	}
	var convs []map[string]any
	if err := json.Unmarshal(listRec.Body.Bytes(), &convs); err != nil {
		t.Fatalf("decode conversations: %v", err)
	}
	if len(convs) != 1 {
		t.Fatalf("GetRecentConversations returned %d conversations, want 1", len(convs))
	}
}

func TestMemoryInjectRejectsMissingPrompt(t *testing.T) {
	r := newTestRouter(t)
	rec := doJSON(t, r, http.MethodPost, "/memory/inject", map[string]string{"project_id": "proj-1"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("POST /memory/inject without original_prompt status = %d, want 400", rec.Code)
	}
}
