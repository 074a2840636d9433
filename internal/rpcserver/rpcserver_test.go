package rpcserver_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/jetgogoing/memoryd/internal/config"
	"github.com/jetgogoing/memoryd/internal/rpcserver"
	"github.com/jetgogoing/memoryd/internal/service"
	"github.com/jetgogoing/memoryd/pkg/models"
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

func newTestServer(t *testing.T) *rpcserver.Server {
	t.Helper()
	srv := newOllamaStub(t)
	dir := t.TempDir()
	os.Setenv("MEMORY_DATA_DIR", dir)
	os.Setenv("OLLAMA_URL", srv.URL)
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
	cfg.Project.IsolationMode = "permissive"

	ctx := context.Background()
	svc, err := service.New(ctx, cfg)
	if err != nil {
		t.Fatalf("service.New() error = %v", err)
	}
	svc.Start(ctx)
	t.Cleanup(func() { svc.Stop(context.Background()) })

	if err := svc.CreateProject(ctx, &models.Project{ID: "proj-1", Name: "p"}); err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}

	return rpcserver.New(svc, "system")
}

func TestPing(t *testing.T) {
	s := newTestServer(t)
	resp := s.Dispatch(context.Background(), &rpcserver.Request{Jsonrpc: "2.0", ID: json.RawMessage("1"), Method: "ping"})
	if resp.Error != nil {
		t.Fatalf("Dispatch(ping) error = %v", resp.Error)
	}
	if resp.Result != "pong" {
		t.Errorf("Dispatch(ping).Result = %v, want pong", resp.Result)
	}
}

func TestInitializeAndToolsList(t *testing.T) {
	s := newTestServer(t)

	initResp := s.Dispatch(context.Background(), &rpcserver.Request{Jsonrpc: "2.0", ID: json.RawMessage("1"), Method: "initialize"})
	if initResp.Error != nil {
		t.Fatalf("Dispatch(initialize) error = %v", initResp.Error)
	}

	listResp := s.Dispatch(context.Background(), &rpcserver.Request{Jsonrpc: "2.0", ID: json.RawMessage("2"), Method: "tools/list"})
	if listResp.Error != nil {
		t.Fatalf("Dispatch(tools/list) error = %v", listResp.Error)
	}
	encoded, _ := json.Marshal(listResp.Result)
	var decoded struct {
		Tools []struct{ Name string } `json:"tools"`
	}
	json.Unmarshal(encoded, &decoded)
	if len(decoded.Tools) != 8 {
		t.Errorf("tools/list returned %d tools, want 8", len(decoded.Tools))
	}
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	s := newTestServer(t)
	resp := s.Dispatch(context.Background(), &rpcserver.Request{Jsonrpc: "2.0", ID: json.RawMessage("1"), Method: "does_not_exist"})
	if resp.Error == nil {
		t.Fatal("Dispatch(unknown method) error = nil, want method-not-found")
	}
	if resp.Error.Code != -32601 {
		t.Errorf("Dispatch(unknown method).Error.Code = %d, want -32601", resp.Error.Code)
	}
}

func TestMemoryStoreAndSearchRoundTrip(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	storeParams, _ := json.Marshal(map[string]any{"content": "remember the launch sequence", "project_id": "proj-1"})
	storeResp := s.Dispatch(ctx, &rpcserver.Request{Jsonrpc: "2.0", ID: json.RawMessage("1"), Method: "memory_store", Params: storeParams})
	if storeResp.Error != nil {
		t.Fatalf("Dispatch(memory_store) error = %v", storeResp.Error)
	}

	searchParams, _ := json.Marshal(map[string]any{"query": "launch", "project_filter": "proj-1"})
	searchResp := s.Dispatch(ctx, &rpcserver.Request{Jsonrpc: "2.0", ID: json.RawMessage("2"), Method: "memory_search", Params: searchParams})
	if searchResp.Error != nil {
		t.Fatalf("Dispatch(memory_search) error = %v", searchResp.Error)
	}
	encoded, _ := json.Marshal(searchResp.Result)
	var results []map[string]any
	json.Unmarshal(encoded, &results)
	if len(results) == 0 {
		t.Error("Dispatch(memory_search) returned no results, want at least one")
	}
}

func TestToolsCallDelegatesToNamedTool(t *testing.T) {
	s := newTestServer(t)
	args, _ := json.Marshal(map[string]any{"content": "a fact worth keeping", "project_id": "proj-1"})
	params, _ := json.Marshal(map[string]any{"name": "memory_store", "arguments": json.RawMessage(args)})

	resp := s.Dispatch(context.Background(), &rpcserver.Request{Jsonrpc: "2.0", ID: json.RawMessage("1"), Method: "tools/call", Params: params})
	if resp.Error != nil {
		t.Fatalf("Dispatch(tools/call) error = %v", resp.Error)
	}
}

func TestRunProcessesLineDelimitedRequests(t *testing.T) {
	s := newTestServer(t)
	input := bytes.NewBufferString(`{"jsonrpc":"2.0","id":1,"method":"ping"}` + "\n")
	var output bytes.Buffer

	if err := s.Run(context.Background(), input, &output); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	scanner := bufio.NewScanner(&output)
	if !scanner.Scan() {
		t.Fatal("Run() wrote no output line")
	}
	var resp rpcserver.Response
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Result != "pong" {
		t.Errorf("Run() ping result = %v, want pong", resp.Result)
	}
}
