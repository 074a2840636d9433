// postgres.go implements RelationalStore against PostgreSQL (spec §6.3's
// canonical-record persistence), the production counterpart to the
// in-memory MemoryStore. Query style (pgxpool, inline SQL, manual
// rows.Scan) matches internal/vectorstore/pgvector.go; schema migration
// uses golang-migrate instead of that file's ad-hoc CREATE TABLE IF NOT
// EXISTS, since a relational schema with foreign keys across four
// tables benefits from real versioned migrations rather than one
// rerunnable DDL blob.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/jetgogoing/memoryd/pkg/models"
)

// PostgresStore is the Postgres-backed RelationalStore.
type PostgresStore struct {
	pool           *pgxpool.Pool
	connURL        string
	migrationsPath string
}

// NewPostgresStore connects to connURL and prepares the store for use.
// Callers must invoke Migrate before relying on the schema existing.
func NewPostgresStore(ctx context.Context, connURL, migrationsPath string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	log.Info().Msg("🗄️  postgres relational store connected")
	return &PostgresStore{pool: pool, connURL: connURL, migrationsPath: migrationsPath}, nil
}

// Migrate applies any pending golang-migrate migrations from
// migrationsPath (internal/store/migrations by default), over a
// database/sql handle opened through the pgx stdlib adapter — the
// migrate postgres driver expects *sql.DB, not a pgxpool.Pool. A
// database already at the latest version is left untouched (ErrNoChange).
func (s *PostgresStore) Migrate(ctx context.Context) error {
	db, err := sql.Open("pgx", s.connURL)
	if err != nil {
		return fmt.Errorf("migrate open: %w", err)
	}
	defer db.Close()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("migrate ping: %w", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("migrate driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+s.migrationsPath, "postgres", driver)
	if err != nil {
		return fmt.Errorf("migrate init: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migrate up: %w", err)
	}
	log.Info().Str("path", s.migrationsPath).Msg("🗄️  schema migrations applied")
	return nil
}

// --- ProjectStore ---

func (s *PostgresStore) ListProjects(ctx context.Context) ([]models.Project, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, name, created_at, metadata FROM projects ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Project
	for rows.Next() {
		var p models.Project
		var metaJSON []byte
		if err := rows.Scan(&p.ID, &p.Name, &p.CreatedAt, &metaJSON); err != nil {
			return nil, err
		}
		unmarshalMeta(metaJSON, &p.Metadata)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetProject(ctx context.Context, id string) (*models.Project, error) {
	var p models.Project
	var metaJSON []byte
	err := s.pool.QueryRow(ctx, `SELECT id, name, created_at, metadata FROM projects WHERE id = $1`, id).
		Scan(&p.ID, &p.Name, &p.CreatedAt, &metaJSON)
	if err == pgx.ErrNoRows {
		return nil, &ErrNotFound{Entity: "project", Key: id}
	}
	if err != nil {
		return nil, err
	}
	unmarshalMeta(metaJSON, &p.Metadata)
	return &p, nil
}

func (s *PostgresStore) CreateProject(ctx context.Context, project *models.Project) error {
	if project.CreatedAt.IsZero() {
		project.CreatedAt = time.Now()
	}
	metaJSON, _ := json.Marshal(project.Metadata)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO projects (id, name, created_at, metadata) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name, metadata = EXCLUDED.metadata`,
		project.ID, project.Name, project.CreatedAt, metaJSON)
	return err
}

// --- ConversationStore ---

func (s *PostgresStore) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv.StartedAt.IsZero() {
		conv.StartedAt = time.Now()
	}
	if conv.LastActivityAt.IsZero() {
		conv.LastActivityAt = conv.StartedAt
	}
	if conv.Status == "" {
		conv.Status = models.ConversationPending
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations
			(id, project_id, title, started_at, last_activity_at, message_count, token_count, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		conv.ID, conv.ProjectID, conv.Title, conv.StartedAt, conv.LastActivityAt,
		conv.MessageCount, conv.TokenCount, string(conv.Status))
	return err
}

func (s *PostgresStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	var c models.Conversation
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT id, project_id, title, started_at, last_activity_at, message_count, token_count, status
		FROM conversations WHERE id = $1`, id).
		Scan(&c.ID, &c.ProjectID, &c.Title, &c.StartedAt, &c.LastActivityAt, &c.MessageCount, &c.TokenCount, &status)
	if err == pgx.ErrNoRows {
		return nil, &ErrNotFound{Entity: "conversation", Key: id}
	}
	if err != nil {
		return nil, err
	}
	c.Status = models.ConversationStatus(status)
	return &c, nil
}

func (s *PostgresStore) UpdateConversationStatus(ctx context.Context, id string, status models.ConversationStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE conversations SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "conversation", Key: id}
	}
	return nil
}

func (s *PostgresStore) ListRecentConversations(ctx context.Context, limit int) ([]models.Conversation, error) {
	return s.listRecent(ctx, "", limit)
}

func (s *PostgresStore) ListRecentConversationsByProject(ctx context.Context, projectID string, limit int) ([]models.Conversation, error) {
	return s.listRecent(ctx, projectID, limit)
}

func (s *PostgresStore) listRecent(ctx context.Context, projectID string, limit int) ([]models.Conversation, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, project_id, title, started_at, last_activity_at, message_count, token_count, status
		FROM conversations`
	args := []interface{}{}
	if projectID != "" {
		query += " WHERE project_id = $1"
		args = append(args, projectID)
	}
	query += fmt.Sprintf(" ORDER BY last_activity_at DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Conversation
	for rows.Next() {
		var c models.Conversation
		var status string
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.Title, &c.StartedAt, &c.LastActivityAt, &c.MessageCount, &c.TokenCount, &status); err != nil {
			return nil, err
		}
		c.Status = models.ConversationStatus(status)
		out = append(out, c)
	}
	return out, rows.Err()
}

// --- MessageStore ---

func (s *PostgresStore) CreateMessages(ctx context.Context, messages []models.Message) error {
	if len(messages) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	now := time.Now()
	for _, m := range messages {
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		if m.ContentHash == "" {
			m.ContentHash = models.ContentHash(m.Content)
		}
		metaJSON, _ := json.Marshal(m.Metadata)
		batch.Queue(`
			INSERT INTO messages (id, conversation_id, sequence_number, role, content, content_hash, token_count, created_at, metadata)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			m.ID, m.ConversationID, m.SequenceNumber, string(m.Role), m.Content, m.ContentHash, m.TokenCount, m.CreatedAt, metaJSON)
		batch.Queue(`
			UPDATE conversations SET message_count = message_count + 1, token_count = token_count + $2, last_activity_at = $3
			WHERE id = $1`, m.ConversationID, m.TokenCount, m.CreatedAt)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range messages {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("update conversation counters: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, sequence_number, role, content, content_hash, token_count, created_at, metadata
		FROM messages WHERE conversation_id = $1 ORDER BY sequence_number ASC LIMIT $2`, conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func (s *PostgresStore) LastMessage(ctx context.Context, conversationID string) (*models.Message, error) {
	var m models.Message
	var role string
	var metaJSON []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, conversation_id, sequence_number, role, content, content_hash, token_count, created_at, metadata
		FROM messages WHERE conversation_id = $1 ORDER BY sequence_number DESC LIMIT 1`, conversationID).
		Scan(&m.ID, &m.ConversationID, &m.SequenceNumber, &role, &m.Content, &m.ContentHash, &m.TokenCount, &m.CreatedAt, &metaJSON)
	if err == pgx.ErrNoRows {
		return nil, &ErrNotFound{Entity: "message", Key: conversationID}
	}
	if err != nil {
		return nil, err
	}
	m.Role = models.Role(role)
	unmarshalMeta(metaJSON, &m.Metadata)
	return &m, nil
}

func (s *PostgresStore) SearchMessagesLike(ctx context.Context, pattern, projectID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT m.id, m.conversation_id, m.sequence_number, m.role, m.content, m.content_hash, m.token_count, m.created_at, m.metadata
		FROM messages m`
	args := []interface{}{"%" + pattern + "%"}
	where := "m.content ILIKE $1"
	if projectID != "" {
		query += " JOIN conversations c ON c.id = m.conversation_id"
		where += " AND c.project_id = $2"
		args = append(args, projectID)
	}
	query += " WHERE " + where + fmt.Sprintf(" ORDER BY m.created_at DESC LIMIT $%d", len(args)+1)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows pgx.Rows) ([]models.Message, error) {
	var out []models.Message
	for rows.Next() {
		var m models.Message
		var role string
		var metaJSON []byte
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SequenceNumber, &role, &m.Content, &m.ContentHash, &m.TokenCount, &m.CreatedAt, &metaJSON); err != nil {
			return nil, err
		}
		m.Role = models.Role(role)
		unmarshalMeta(metaJSON, &m.Metadata)
		out = append(out, m)
	}
	return out, rows.Err()
}

// --- MemoryUnitStore ---

func (s *PostgresStore) CreateMemoryUnit(ctx context.Context, unit *models.MemoryUnit) error {
	if unit.CreatedAt.IsZero() {
		unit.CreatedAt = time.Now()
	}
	unit.IsActive = true
	unit.Keywords = models.NormalizeKeywords(unit.Keywords)
	keywordsJSON, _ := json.Marshal(unit.Keywords)
	metaJSON, _ := json.Marshal(unit.Metadata)

	_, err := s.pool.Exec(ctx, `
		INSERT INTO memory_units
			(id, conversation_id, project_id, unit_type, title, summary, content, keywords,
			 relevance_score, quality_score, token_count, created_at, expires_at, is_active, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			is_active = EXCLUDED.is_active, expires_at = EXCLUDED.expires_at`,
		unit.ID, unit.ConversationID, unit.ProjectID, string(unit.UnitType), unit.Title, unit.Summary, unit.Content,
		keywordsJSON, unit.RelevanceScore, unit.QualityScore, unit.TokenCount, unit.CreatedAt,
		unit.ExpiresAt, unit.IsActive, metaJSON)
	return err
}

func (s *PostgresStore) GetMemoryUnit(ctx context.Context, id string) (*models.MemoryUnit, error) {
	units, err := s.scanMemoryUnits(ctx, `WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(units) == 0 {
		return nil, &ErrNotFound{Entity: "memory_unit", Key: id}
	}
	return &units[0], nil
}

func (s *PostgresStore) GetMemoryUnits(ctx context.Context, ids []string) ([]models.MemoryUnit, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.scanMemoryUnits(ctx, `WHERE id = ANY($1) AND is_active = true`, ids)
}

func (s *PostgresStore) ListMemoryUnitsByConversation(ctx context.Context, conversationID string) ([]models.MemoryUnit, error) {
	return s.scanMemoryUnits(ctx, `WHERE conversation_id = $1 AND is_active = true`, conversationID)
}

func (s *PostgresStore) DeactivateMemoryUnit(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE memory_units SET is_active = false WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ErrNotFound{Entity: "memory_unit", Key: id}
	}
	return nil
}

func (s *PostgresStore) ListExpiredMemoryUnits(ctx context.Context, asOf time.Time, limit int) ([]models.MemoryUnit, error) {
	if limit <= 0 {
		limit = 1000
	}
	units, err := s.scanMemoryUnits(ctx,
		fmt.Sprintf(`WHERE is_active = true AND expires_at IS NOT NULL AND expires_at <= $1 ORDER BY expires_at ASC LIMIT %d`, limit),
		asOf)
	return units, err
}

func (s *PostgresStore) PurgeMemoryUnit(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM memory_units WHERE id = $1`, id)
	return err
}

func (s *PostgresStore) scanMemoryUnits(ctx context.Context, whereClause string, args ...interface{}) ([]models.MemoryUnit, error) {
	query := `
		SELECT id, conversation_id, project_id, unit_type, title, summary, content, keywords,
			relevance_score, quality_score, token_count, created_at, expires_at, is_active, metadata
		FROM memory_units ` + whereClause

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.MemoryUnit
	for rows.Next() {
		var u models.MemoryUnit
		var unitType string
		var keywordsJSON, metaJSON []byte
		if err := rows.Scan(&u.ID, &u.ConversationID, &u.ProjectID, &unitType, &u.Title, &u.Summary, &u.Content,
			&keywordsJSON, &u.RelevanceScore, &u.QualityScore, &u.TokenCount, &u.CreatedAt, &u.ExpiresAt,
			&u.IsActive, &metaJSON); err != nil {
			return nil, err
		}
		u.UnitType = models.UnitType(unitType)
		_ = json.Unmarshal(keywordsJSON, &u.Keywords)
		unmarshalMeta(metaJSON, &u.Metadata)
		out = append(out, u)
	}
	return out, rows.Err()
}

// --- lifecycle ---

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func unmarshalMeta(raw []byte, out *map[string]any) {
	if len(raw) == 0 {
		return
	}
	_ = json.Unmarshal(raw, out)
}

var _ RelationalStore = (*PostgresStore)(nil)
