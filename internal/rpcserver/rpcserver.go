// Package rpcserver implements the JSON-RPC 2.0 stdio tool server (spec
// §6.1): a line-delimited request/response loop exposing the memory
// service's operations as callable tools. Grounded on
// internal/mcpgw/gateway.go's HandleJSONRPC dispatch-loop shape and
// method-table pattern (initialize / tools/list / tools/call / ping),
// retargeted from the teacher's per-kitchen HTTP/SSE tool gateway to a
// stdin/stdout transport over the memory domain's own method surface.
package rpcserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jetgogoing/memoryd/internal/injector"
	"github.com/jetgogoing/memoryd/internal/retriever"
	"github.com/jetgogoing/memoryd/internal/service"
	"github.com/jetgogoing/memoryd/pkg/models"
)

// Request is one JSON-RPC 2.0 call.
type Request struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is one JSON-RPC 2.0 reply. Result and Error are mutually
// exclusive per the protocol.
type Response struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError mirrors the spec's {code,message} error envelope.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

const (
	codeParseError     = -32700
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternal       = -32603
)

// toolInfo describes one callable tool for tools/list.
type toolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

var tools = []toolInfo{
	{Name: "memory_search", Description: "Search stored memories by hybrid vector+keyword relevance."},
	{Name: "memory_inject", Description: "Inject relevant memories into a prompt under a token budget."},
	{Name: "memory_store", Description: "Store a standalone piece of content as a memory."},
	{Name: "conversation_store", Description: "Store a full conversation transcript and compress it into a memory."},
	{Name: "get_recent_conversations", Description: "List the most recently active conversations."},
	{Name: "get_conversation_messages", Description: "Fetch a conversation and its messages."},
	{Name: "memory_health", Description: "Report service health and performance."},
	{Name: "ping", Description: "Liveness check."},
}

// Server is the stdio JSON-RPC tool server: one Service façade, one
// request/response loop.
type Server struct {
	svc    *service.Service
	userID string
}

// New builds a Server bound to svc. userID is the principal tool calls
// authenticate as, matching handlers.systemUserID's trusted-caller model
// (spec §3 Non-goals excludes authentication from this surface).
func New(svc *service.Service, userID string) *Server {
	return &Server{svc: svc, userID: userID}
}

// Run reads newline-delimited JSON-RPC requests from r and writes
// newline-delimited responses to w until r is exhausted or ctx is
// cancelled. Each line is handled independently; a malformed line
// produces a parse-error response rather than aborting the loop.
func (s *Server) Run(ctx context.Context, r io.Reader, w io.Writer) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		resp := s.handleLine(ctx, line)
		if resp == nil {
			continue
		}
		if err := writeResponse(w, resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
	return scanner.Err()
}

func writeResponse(w io.Writer, resp *Response) error {
	encoded, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	encoded = append(encoded, '\n')
	_, err = w.Write(encoded)
	return err
}

func (s *Server) handleLine(ctx context.Context, line []byte) *Response {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return &Response{Jsonrpc: "2.0", Error: &RPCError{Code: codeParseError, Message: "parse error: " + err.Error()}}
	}
	return s.Dispatch(ctx, &req)
}

// Dispatch handles a single decoded Request and returns its Response.
// Exported so the HTTP transport or tests can drive it without going
// through the line-oriented stdio framing.
func (s *Server) Dispatch(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	case "ping":
		return &Response{Jsonrpc: "2.0", ID: req.ID, Result: "pong"}
	case "memory_search", "memory_inject", "memory_store", "conversation_store",
		"get_recent_conversations", "get_conversation_messages", "memory_health":
		return s.invoke(ctx, req.ID, req.Method, req.Params)
	default:
		return &Response{Jsonrpc: "2.0", ID: req.ID, Error: &RPCError{Code: codeMethodNotFound, Message: "method not found: " + req.Method}}
	}
}

func (s *Server) handleInitialize(req *Request) *Response {
	return &Response{
		Jsonrpc: "2.0", ID: req.ID,
		Result: map[string]any{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]any{"tools": map[string]bool{"listChanged": false}},
			"serverInfo":      map[string]string{"name": "memoryd", "version": "1.0.0"},
		},
	}
}

func (s *Server) handleToolsList(req *Request) *Response {
	return &Response{Jsonrpc: "2.0", ID: req.ID, Result: map[string]any{"tools": tools}}
}

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

func (s *Server) handleToolsCall(ctx context.Context, req *Request) *Response {
	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return &Response{Jsonrpc: "2.0", ID: req.ID, Error: &RPCError{Code: codeInvalidParams, Message: "invalid params: " + err.Error()}}
	}
	return s.invoke(ctx, req.ID, params.Name, params.Arguments)
}

// invoke dispatches one named method/tool against its argument payload.
func (s *Server) invoke(ctx context.Context, id json.RawMessage, name string, args json.RawMessage) *Response {
	result, err := s.call(ctx, name, args)
	if err != nil {
		log.Warn().Str("method", name).Err(err).Msg("📡 rpc call failed")
		return &Response{Jsonrpc: "2.0", ID: id, Error: &RPCError{Code: codeInternal, Message: err.Error()}}
	}
	return &Response{Jsonrpc: "2.0", ID: id, Result: result}
}

func (s *Server) call(ctx context.Context, name string, args json.RawMessage) (any, error) {
	switch name {
	case "memory_search":
		return s.memorySearch(ctx, args)
	case "memory_inject":
		return s.memoryInject(ctx, args)
	case "memory_store":
		return s.memoryStore(ctx, args)
	case "conversation_store":
		return s.conversationStore(ctx, args)
	case "get_recent_conversations":
		return s.getRecentConversations(ctx, args)
	case "get_conversation_messages":
		return s.getConversationMessages(ctx, args)
	case "memory_health":
		return s.svc.Health(ctx), nil
	case "ping":
		return "pong", nil
	default:
		return nil, fmt.Errorf("method not found: %s", name)
	}
}

type memorySearchArgs struct {
	Query         string `json:"query"`
	Limit         int    `json:"limit,omitempty"`
	ProjectFilter string `json:"project_filter,omitempty"`
}

func (s *Server) memorySearch(ctx context.Context, raw json.RawMessage) (any, error) {
	var a memorySearchArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	limit := a.Limit
	if limit <= 0 {
		limit = 10
	}
	results, err := s.svc.SearchMemories(ctx, s.userID, retriever.Query{
		Text: a.Query, ProjectID: a.ProjectFilter, Limit: limit, Hybrid: true, Rerank: true,
	})
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []models.RetrievalResult{}
	}
	return results, nil
}

type memoryInjectArgs struct {
	OriginalPrompt string `json:"original_prompt"`
	QueryText      string `json:"query_text,omitempty"`
	Mode           string `json:"mode,omitempty"`
	MaxTokens      int    `json:"max_tokens,omitempty"`
}

func (s *Server) memoryInject(ctx context.Context, raw json.RawMessage) (any, error) {
	var a memoryInjectArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	return s.svc.InjectContext(ctx, s.userID, injector.Request{
		OriginalPrompt: a.OriginalPrompt, QueryText: a.QueryText, InjectionMode: a.Mode,
	})
}

type memoryStoreArgs struct {
	Content   string         `json:"content"`
	ProjectID string         `json:"project_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (s *Server) memoryStore(ctx context.Context, raw json.RawMessage) (any, error) {
	var a memoryStoreArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	conv := models.Conversation{
		ID: newID(), ProjectID: a.ProjectID, Title: "memory_store",
		StartedAt: now, LastActivityAt: now, Status: models.ConversationPending,
	}
	message := models.Message{
		ID: newID(), ConversationID: conv.ID, SequenceNumber: 0,
		Role: models.RoleHuman, Content: a.Content, CreatedAt: now, Metadata: a.Metadata,
	}
	if _, err := s.svc.HandleNewConversation(ctx, s.userID, conv, []models.Message{message}, models.UnitConversation, 0.3); err != nil {
		return nil, err
	}
	return map[string]string{"conversation_id": conv.ID, "project_id": conv.ProjectID}, nil
}

type conversationStoreArgs struct {
	Messages []struct {
		Role     models.Role    `json:"role"`
		Content  string         `json:"content"`
		Metadata map[string]any `json:"metadata,omitempty"`
	} `json:"messages"`
	ProjectID string `json:"project_id"`
	Title     string `json:"title,omitempty"`
}

func (s *Server) conversationStore(ctx context.Context, raw json.RawMessage) (any, error) {
	var a conversationStoreArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	title := a.Title
	if title == "" {
		title = "untitled conversation"
	}
	conv := models.Conversation{
		ID: newID(), ProjectID: a.ProjectID, Title: title,
		StartedAt: now, LastActivityAt: now, Status: models.ConversationPending,
	}
	messages := make([]models.Message, len(a.Messages))
	for i, m := range a.Messages {
		messages[i] = models.Message{
			ID: newID(), ConversationID: conv.ID, SequenceNumber: i,
			Role: m.Role, Content: m.Content, CreatedAt: now, Metadata: m.Metadata,
		}
	}
	if _, err := s.svc.HandleNewConversation(ctx, s.userID, conv, messages, models.UnitConversation, 0.3); err != nil {
		return nil, err
	}
	return map[string]string{"conversation_id": conv.ID, "project_id": conv.ProjectID}, nil
}

type getRecentConversationsArgs struct {
	Limit     int    `json:"limit,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
}

func (s *Server) getRecentConversations(ctx context.Context, raw json.RawMessage) (any, error) {
	var a getRecentConversationsArgs
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, err
		}
	}
	limit := a.Limit
	if limit <= 0 {
		limit = 10
	}
	summaries, err := s.svc.GetRecentConversationSummaries(ctx, s.userID, a.ProjectID, limit)
	if err != nil {
		return nil, err
	}
	return summaries, nil
}

type getConversationMessagesArgs struct {
	ConversationID string `json:"conversation_id"`
	Limit          int    `json:"limit,omitempty"`
}

func (s *Server) getConversationMessages(ctx context.Context, raw json.RawMessage) (any, error) {
	var a getConversationMessagesArgs
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, err
	}
	limit := a.Limit
	if limit <= 0 {
		limit = 100
	}
	conv, messages, err := s.svc.GetConversationMessages(ctx, s.userID, a.ConversationID, limit)
	if err != nil {
		return nil, err
	}
	if messages == nil {
		messages = []models.Message{}
	}
	return map[string]any{"conversation": conv, "messages": messages}, nil
}

func newID() string {
	return uuid.NewString()
}
