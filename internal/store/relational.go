// Package store implements the relational half of the Dual-Write Store
// (C7): the canonical record for Projects, Conversations, Messages, and
// MemoryUnits. Interface composition style adapted from the teacher's
// internal/store/store.go (one narrow interface per entity, composed
// into a single Store).
package store

import (
	"context"
	"time"

	"github.com/jetgogoing/memoryd/pkg/models"
)

// RelationalStore is the canonical-record storage interface. All
// components depend on this interface, not a concrete backend —
// MemoryStore (in-memory, tests and single-node deployments) and
// PostgresStore (postgres.go) both satisfy it.
type RelationalStore interface {
	ProjectStore
	ConversationStore
	MessageStore
	MemoryUnitStore

	Ping(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
}

// ProjectStore covers the logical-namespace entity.
type ProjectStore interface {
	ListProjects(ctx context.Context) ([]models.Project, error)
	GetProject(ctx context.Context, id string) (*models.Project, error)
	CreateProject(ctx context.Context, project *models.Project) error
}

// ConversationStore covers Conversation rows and their status machine.
type ConversationStore interface {
	CreateConversation(ctx context.Context, conv *models.Conversation) error
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	UpdateConversationStatus(ctx context.Context, id string, status models.ConversationStatus) error
	// ListRecentConversations returns the `limit` most recently active
	// conversations (spec §4.7.3 GetRecentConversations).
	ListRecentConversations(ctx context.Context, limit int) ([]models.Conversation, error)
	// ListRecentConversationsByProject scopes the above to one project,
	// for C12-gated multi-project isolation.
	ListRecentConversationsByProject(ctx context.Context, projectID string, limit int) ([]models.Conversation, error)
}

// MessageStore covers immutable Message rows.
type MessageStore interface {
	// CreateMessages inserts a batch of messages in a single call,
	// preserving sequence_number order (spec §4.7.2 step 2).
	CreateMessages(ctx context.Context, messages []models.Message) error
	// ListMessages returns ordered messages for a conversation, up to limit.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
	// LastMessage returns the most recent message in a conversation, used
	// by Service.GetRecentConversationSummaries to hydrate `last_message`.
	LastMessage(ctx context.Context, conversationID string) (*models.Message, error)
	// SearchMessagesLike is the keyword arm of hybrid retrieval: a
	// substring match on content, optionally scoped to a project.
	SearchMessagesLike(ctx context.Context, pattern, projectID string, limit int) ([]models.Message, error)
}

// MemoryUnitStore covers MemoryUnit rows — the relational half of the
// dual-write contract. Vector-side operations live in vectorstore.Driver;
// DualWriteStore (dualwrite.go) is what actually enforces the ordering.
type MemoryUnitStore interface {
	CreateMemoryUnit(ctx context.Context, unit *models.MemoryUnit) error
	GetMemoryUnit(ctx context.Context, id string) (*models.MemoryUnit, error)
	// GetMemoryUnits batch-hydrates ids, silently omitting any that are
	// missing or inactive (spec §4.8 step 6's "consistency self-heal").
	GetMemoryUnits(ctx context.Context, ids []string) ([]models.MemoryUnit, error)
	// ListMemoryUnitsByConversation returns the active memory units derived
	// from one conversation, used by the retriever to turn a keyword-arm
	// message hit into a provisional result row (spec §4.8 step 3).
	ListMemoryUnitsByConversation(ctx context.Context, conversationID string) ([]models.MemoryUnit, error)
	DeactivateMemoryUnit(ctx context.Context, id string) error
	// ListExpiredMemoryUnits returns active units whose expires_at has
	// passed, for the retention janitor.
	ListExpiredMemoryUnits(ctx context.Context, asOf time.Time, limit int) ([]models.MemoryUnit, error)
	PurgeMemoryUnit(ctx context.Context, id string) error
}

// ErrNotFound mirrors the teacher's store.ErrNotFound shape.
type ErrNotFound struct {
	Entity string
	Key    string
}

func (e *ErrNotFound) Error() string {
	return e.Entity + " not found: " + e.Key
}
