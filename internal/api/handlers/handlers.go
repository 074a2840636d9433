// Package handlers implements the HTTP handlers for the memory service's
// REST surface (spec §6.2). Grounded on the teacher's internal/api/handlers
// package: a Handlers struct holding its dependencies, a New constructor,
// and the same respondJSON/respondError/errorStatus response-shaping idiom
// — retargeted from the teacher's agent/recipe/session CRUD surface to the
// memory domain's six routes.
package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/jetgogoing/memoryd/internal/errs"
	"github.com/jetgogoing/memoryd/internal/injector"
	"github.com/jetgogoing/memoryd/internal/retriever"
	"github.com/jetgogoing/memoryd/internal/service"
	"github.com/jetgogoing/memoryd/pkg/models"
)

// systemUserID is the principal HTTP requests authenticate as until a
// Non-goal-scoped auth layer exists (spec §3's Non-goals excludes
// authentication from this surface; requests are trusted callers).
const systemUserID = "system"

// Handlers holds the service façade the HTTP routes delegate to.
type Handlers struct {
	svc *service.Service
}

func New(svc *service.Service) *Handlers {
	return &Handlers{svc: svc}
}

// Health backs GET /health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health := h.svc.Health(r.Context())
	status := http.StatusOK
	if health.Status == models.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, health)
}

type memoryStoreRequest struct {
	Content   string         `json:"content"`
	ProjectID string         `json:"project_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type memoryStoreResponse struct {
	Success        bool   `json:"success"`
	ConversationID string `json:"conversation_id"`
	ProjectID      string `json:"project_id"`
}

// MemoryStore backs POST /memory/store: a single piece of standalone
// content is wrapped in a one-message conversation and handed to the
// orchestrator the same way conversation/store is, per
// original_source's api_server.py store_memory handler.
func (h *Handlers) MemoryStore(w http.ResponseWriter, r *http.Request) {
	var req memoryStoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Content == "" || req.ProjectID == "" {
		respondError(w, http.StatusBadRequest, "content and project_id are required")
		return
	}

	now := time.Now().UTC()
	conv := models.Conversation{
		ID: uuid.NewString(), ProjectID: req.ProjectID, Title: "memory_store",
		StartedAt: now, LastActivityAt: now, Status: models.ConversationPending,
	}
	message := models.Message{
		ID: uuid.NewString(), ConversationID: conv.ID, SequenceNumber: 0,
		Role: models.RoleHuman, Content: req.Content, CreatedAt: now, Metadata: req.Metadata,
	}

	if _, err := h.svc.HandleNewConversation(r.Context(), systemUserID, conv, []models.Message{message}, models.UnitConversation, 0.3); err != nil {
		respondTypedError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, memoryStoreResponse{Success: true, ConversationID: conv.ID, ProjectID: conv.ProjectID})
}

type memorySearchRequest struct {
	Query     string  `json:"query"`
	ProjectID string  `json:"project_id,omitempty"`
	Limit     int     `json:"limit,omitempty"`
	MinScore  float64 `json:"min_score,omitempty"`
}

type memorySearchResponse struct {
	Query        string                    `json:"query"`
	Results      []models.RetrievalResult  `json:"results"`
	Count        int                       `json:"count"`
	SearchTimeMs int64                     `json:"search_time_ms"`
}

// MemorySearch backs POST /memory/search.
func (h *Handlers) MemorySearch(w http.ResponseWriter, r *http.Request) {
	var req memorySearchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Query == "" {
		respondError(w, http.StatusBadRequest, "query is required")
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}

	start := time.Now()
	results, err := h.svc.SearchMemories(r.Context(), systemUserID, retriever.Query{
		Text: req.Query, ProjectID: req.ProjectID, Limit: limit, MinScore: req.MinScore,
		Hybrid: true, Rerank: true,
	})
	if err != nil {
		respondTypedError(w, err)
		return
	}
	if results == nil {
		results = []models.RetrievalResult{}
	}
	respondJSON(w, http.StatusOK, memorySearchResponse{
		Query: req.Query, Results: results, Count: len(results),
		SearchTimeMs: time.Since(start).Milliseconds(),
	})
}

type memoryInjectRequest struct {
	OriginalPrompt string `json:"original_prompt"`
	QueryText      string `json:"query_text,omitempty"`
	ContextHint    string `json:"context_hint,omitempty"`
	InjectionMode  string `json:"injection_mode,omitempty"`
	MaxTokens      int    `json:"max_tokens,omitempty"`
	ProjectID      string `json:"project_id,omitempty"`
}

// MemoryInject backs POST /memory/inject.
func (h *Handlers) MemoryInject(w http.ResponseWriter, r *http.Request) {
	var req memoryInjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.OriginalPrompt == "" {
		respondError(w, http.StatusBadRequest, "original_prompt is required")
		return
	}

	result, err := h.svc.InjectContext(r.Context(), systemUserID, injector.Request{
		OriginalPrompt: req.OriginalPrompt,
		QueryText:      req.QueryText,
		ContextHint:    req.ContextHint,
		ProjectID:      req.ProjectID,
		InjectionMode:  req.InjectionMode,
	})
	if err != nil {
		respondTypedError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

type conversationMessageInput struct {
	Role     models.Role    `json:"role"`
	Content  string         `json:"content"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

type conversationStoreRequest struct {
	Messages  []conversationMessageInput `json:"messages"`
	ProjectID string                     `json:"project_id"`
	Title     string                     `json:"title,omitempty"`
}

type conversationStoreResponse struct {
	Success        bool   `json:"success"`
	ConversationID string `json:"conversation_id"`
	ProjectID      string `json:"project_id"`
}

// ConversationStore backs POST /conversation/store.
func (h *Handlers) ConversationStore(w http.ResponseWriter, r *http.Request) {
	var req conversationStoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.Messages) == 0 || req.ProjectID == "" {
		respondError(w, http.StatusBadRequest, "messages and project_id are required")
		return
	}

	now := time.Now().UTC()
	title := req.Title
	if title == "" {
		title = "untitled conversation"
	}
	conv := models.Conversation{
		ID: uuid.NewString(), ProjectID: req.ProjectID, Title: title,
		StartedAt: now, LastActivityAt: now, Status: models.ConversationPending,
	}
	messages := make([]models.Message, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = models.Message{
			ID: uuid.NewString(), ConversationID: conv.ID, SequenceNumber: i,
			Role: m.Role, Content: m.Content, CreatedAt: now, Metadata: m.Metadata,
		}
	}

	if _, err := h.svc.HandleNewConversation(r.Context(), systemUserID, conv, messages, models.UnitConversation, 0.3); err != nil {
		respondTypedError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, conversationStoreResponse{Success: true, ConversationID: conv.ID, ProjectID: conv.ProjectID})
}

type listProjectsResponse struct {
	Projects []models.Project `json:"projects"`
	Count    int              `json:"count"`
}

// ListProjects backs GET /projects.
func (h *Handlers) ListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := h.svc.ListProjects(r.Context())
	if err != nil {
		respondTypedError(w, err)
		return
	}
	if projects == nil {
		projects = []models.Project{}
	}
	respondJSON(w, http.StatusOK, listProjectsResponse{Projects: projects, Count: len(projects)})
}

type createProjectRequest struct {
	ProjectID   string `json:"project_id"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
}

type createProjectResponse struct {
	Success bool           `json:"success"`
	Project models.Project `json:"project"`
}

// CreateProject backs POST /projects.
func (h *Handlers) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ProjectID == "" {
		respondError(w, http.StatusBadRequest, "project_id is required")
		return
	}
	name := req.Name
	if name == "" {
		name = req.ProjectID
	}

	project := models.Project{
		ID: req.ProjectID, Name: name, CreatedAt: time.Now().UTC(),
	}
	if req.Description != "" {
		project.Metadata = map[string]any{"description": req.Description}
	}
	if err := h.svc.CreateProject(r.Context(), &project); err != nil {
		respondTypedError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, createProjectResponse{Success: true, Project: project})
}

// GetRecentConversations is reachable over the same façade the JSON-RPC
// server's get_recent_conversations method uses; the REST surface exposes
// it under /projects/{projectID}/conversations for parity with the
// tool-server method pair.
func (h *Handlers) GetRecentConversations(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	limit := 20
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil && n > 0 {
			limit = n
		}
	}
	convs, err := h.svc.GetRecentConversations(r.Context(), systemUserID, projectID, limit)
	if err != nil {
		respondTypedError(w, err)
		return
	}
	if convs == nil {
		convs = []models.Conversation{}
	}
	respondJSON(w, http.StatusOK, convs)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondTypedError maps the errs taxonomy onto HTTP status codes.
func respondTypedError(w http.ResponseWriter, err error) {
	respondError(w, errorStatus(err), err.Error())
}

func errorStatus(err error) int {
	switch {
	case errs.Is(err, errs.KindInputInvalid):
		return http.StatusBadRequest
	case errs.Is(err, errs.KindPermissionDenied):
		return http.StatusForbidden
	case errs.Is(err, errs.KindParentMissing):
		return http.StatusNotFound
	case errs.Is(err, errs.KindDeadlineExceeded):
		return http.StatusGatewayTimeout
	case errs.Is(err, errs.KindProviderTransient), errs.Is(err, errs.KindProviderFatal):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
