package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/jetgogoing/memoryd/pkg/models"
)

// PgvectorStore implements Driver using PostgreSQL with the pgvector
// extension. Adapted from the teacher's PgvectorStore: table schema
// retargeted from kitchen-scoped docs to project-scoped memory unit
// vectors, matching spec §6.3's payload schema.
type PgvectorStore struct {
	pool       *pgxpool.Pool
	dimensions int
}

func NewPgvectorStore(ctx context.Context, connURL string, dimensions int) (*PgvectorStore, error) {
	pool, err := pgxpool.New(ctx, connURL)
	if err != nil {
		return nil, fmt.Errorf("pgvector connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector ping: %w", err)
	}

	s := &PgvectorStore{pool: pool, dimensions: dimensions}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgvector migrate: %w", err)
	}

	log.Info().Int("dims", dimensions).Msg("🧮 pgvector store initialized")
	return s, nil
}

func (s *PgvectorStore) migrate(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;

		CREATE TABLE IF NOT EXISTS memory_vectors (
			id              TEXT PRIMARY KEY,
			project_id      TEXT NOT NULL,
			unit_type       TEXT NOT NULL,
			conversation_id TEXT NOT NULL DEFAULT '',
			title           TEXT NOT NULL DEFAULT '',
			keywords        JSONB NOT NULL DEFAULT '[]',
			vector          vector(%d) NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_memory_vectors_project ON memory_vectors (project_id);
	`, s.dimensions)

	_, err := s.pool.Exec(ctx, ddl)
	return err
}

func (s *PgvectorStore) Kind() string { return "pgvector" }

func (s *PgvectorStore) Upsert(ctx context.Context, recs []models.VectorRecord) error {
	if len(recs) == 0 {
		return nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO memory_vectors
		(id, project_id, unit_type, conversation_id, title, keywords, vector, created_at)
		VALUES `)

	args := make([]interface{}, 0, len(recs)*8)
	for i, r := range recs {
		if i > 0 {
			sb.WriteString(", ")
		}
		base := i*8 + 1
		sb.WriteString(fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base, base+1, base+2, base+3, base+4, base+5, base+6, base+7))

		createdAt := r.Payload.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		keywordsJSON, _ := json.Marshal(r.Payload.Keywords)
		args = append(args,
			r.ID, r.Payload.ProjectID, string(r.Payload.UnitType), r.Payload.ConversationID,
			r.Payload.Title, keywordsJSON, pgvectorArray(r.Vector), createdAt)
	}

	sb.WriteString(` ON CONFLICT (id) DO UPDATE SET
		project_id = EXCLUDED.project_id,
		unit_type = EXCLUDED.unit_type,
		conversation_id = EXCLUDED.conversation_id,
		title = EXCLUDED.title,
		keywords = EXCLUDED.keywords,
		vector = EXCLUDED.vector`)

	_, err := s.pool.Exec(ctx, sb.String(), args...)
	return err
}

func (s *PgvectorStore) Search(ctx context.Context, vector []float32, topK int, filter Filter) ([]Match, error) {
	query := `SELECT id, project_id, unit_type, conversation_id, title, keywords, created_at,
		1 - (vector <=> $1) AS score
		FROM memory_vectors`
	args := []interface{}{pgvectorArray(vector)}
	argIdx := 2

	if filter.ProjectID != "" {
		query += fmt.Sprintf(" WHERE project_id = $%d", argIdx)
		args = append(args, filter.ProjectID)
		argIdx++
	}

	query += fmt.Sprintf(" ORDER BY vector <=> $1 LIMIT $%d", argIdx)
	args = append(args, topK)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgvector search: %w", err)
	}
	defer rows.Close()

	var results []Match
	for rows.Next() {
		var m Match
		var keywordsJSON []byte
		if err := rows.Scan(&m.ID, &m.Payload.ProjectID, &m.Payload.UnitType, &m.Payload.ConversationID,
			&m.Payload.Title, &keywordsJSON, &m.Payload.CreatedAt, &m.Score); err != nil {
			return nil, fmt.Errorf("pgvector scan: %w", err)
		}
		_ = json.Unmarshal(keywordsJSON, &m.Payload.Keywords)
		results = append(results, m)
	}
	return results, rows.Err()
}

func (s *PgvectorStore) Delete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, "DELETE FROM memory_vectors WHERE id = ANY($1)", ids)
	return err
}

func (s *PgvectorStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM memory_vectors").Scan(&count)
	return count, err
}

func (s *PgvectorStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PgvectorStore) Close() {
	s.pool.Close()
}

// pgvectorArray converts a float32 slice to pgvector's text format: [1,2,3]
func pgvectorArray(v []float32) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(fmt.Sprintf("%g", f))
	}
	sb.WriteByte(']')
	return sb.String()
}
