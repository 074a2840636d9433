// Package compressor implements the Semantic Compressor (C6): turns a
// conversation's messages into a MemoryUnit value object via the Model
// Gateway's Complete operation. It never writes — the Dual-Write Store
// owns persistence. Grounded on internal/rag/ingest.go's chunk→embed→
// upsert orchestration, retargeted from document ingestion to
// conversation compression.
package compressor

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jetgogoing/memoryd/internal/errs"
	"github.com/jetgogoing/memoryd/internal/gateway"
	"github.com/jetgogoing/memoryd/pkg/models"
)

// Compressor drives the flatten → Complete → parse → score-gate pipeline.
type Compressor struct {
	gw             *gateway.Gateway
	lightModel     string
	heavyModel     string
	tokensPerWord  float64
	promptTemplate string
}

type Option func(*Compressor)

func WithModels(light, heavy string) Option {
	return func(c *Compressor) { c.lightModel, c.heavyModel = light, heavy }
}

// WithTokensPerWord overrides the token-estimation ratio used when the
// gateway doesn't report a token count directly (spec §4.6 step 5).
func WithTokensPerWord(ratio float64) Option {
	return func(c *Compressor) { c.tokensPerWord = ratio }
}

func New(gw *gateway.Gateway, opts ...Option) *Compressor {
	c := &Compressor{
		gw:            gw,
		lightModel:    "default-light",
		heavyModel:    "default-heavy",
		tokensPerWord: 1.3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// compressionOutput is the structured shape the LLM is instructed to
// produce. Spec §4.6 step 3: missing or malformed fields are a failure,
// not a best-effort partial result.
type compressionOutput struct {
	Title        string   `json:"title"`
	Summary      string   `json:"summary"`
	Content      string   `json:"content"`
	Keywords     []string `json:"keywords"`
	QualityScore float64  `json:"quality_score"`
}

// Compress implements spec §4.6. Returns (nil, nil) when the model's own
// quality_score falls below qualityThreshold — a deliberate discard, not
// an error.
func (c *Compressor) Compress(ctx context.Context, conv models.Conversation, messages []models.Message, unitType models.UnitType, qualityThreshold float64) (*models.MemoryUnit, error) {
	if !models.ValidUnitType(unitType) {
		return nil, errs.InputInvalid(fmt.Sprintf("invalid unit_type %q", unitType))
	}

	prompt := flattenMessages(conv, messages)
	model := c.modelFor(unitType)

	raw, err := c.gw.Complete(ctx, model, []gateway.Message{
		{Role: models.RoleSystem, Content: compressionSystemPrompt},
		{Role: models.RoleHuman, Content: prompt},
	}, gateway.CompletionParams{Temperature: 0.2, MaxTokens: 1024})
	if err != nil {
		return nil, err
	}

	out, err := parseCompressionOutput(raw)
	if err != nil {
		return nil, errs.ProviderFatal("compressor model returned malformed output", err)
	}

	if out.QualityScore < qualityThreshold {
		log.Info().
			Str("conversation_id", conv.ID).
			Float64("quality_score", out.QualityScore).
			Float64("threshold", qualityThreshold).
			Msg("🗜️  memory unit discarded below quality threshold")
		return nil, nil
	}

	unit := &models.MemoryUnit{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		ProjectID:      conv.ProjectID,
		UnitType:       unitType,
		Title:          out.Title,
		Summary:        out.Summary,
		Content:        out.Content,
		Keywords:       models.NormalizeKeywords(out.Keywords),
		QualityScore:   out.QualityScore,
		TokenCount:     c.estimateTokens(out.Content),
		CreatedAt:      time.Now(),
		IsActive:       true,
	}
	return unit, nil
}

func (c *Compressor) modelFor(unitType models.UnitType) string {
	switch unitType {
	case models.UnitGlobal, models.UnitDecision:
		return c.heavyModel
	default:
		return c.lightModel
	}
}

func (c *Compressor) estimateTokens(content string) int {
	words := len(strings.Fields(content))
	return int(float64(words) * c.tokensPerWord)
}

// flattenMessages builds the role-tagged prompt described in spec §4.6
// step 1.
func flattenMessages(conv models.Conversation, messages []models.Message) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Conversation %q (project %q):\n\n", conv.Title, conv.ProjectID)
	for _, m := range messages {
		fmt.Fprintf(&sb, "[%s] %s\n", m.Role, m.Content)
	}
	return sb.String()
}

const compressionSystemPrompt = `You compress a conversation transcript into a durable memory unit.
Respond with a single JSON object with exactly these fields:
{"title": string, "summary": string, "content": string, "keywords": [string], "quality_score": number between 0 and 1}
Do not include any other text.`

// parseCompressionOutput requires every field to be present and
// non-empty (except keywords, which may legitimately be sparse); a
// missing title/summary/content/quality_score or an out-of-range
// quality_score is
// treated as malformed output per spec §4.6 step 3.
func parseCompressionOutput(raw string) (*compressionOutput, error) {
	trimmed := strings.TrimSpace(raw)
	start := strings.IndexByte(trimmed, '{')
	end := strings.LastIndexByte(trimmed, '}')
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON object found in model output")
	}

	var out compressionOutput
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("unmarshal compression output: %w", err)
	}
	var presence struct {
		QualityScore *float64 `json:"quality_score"`
	}
	_ = json.Unmarshal([]byte(trimmed[start:end+1]), &presence)
	if out.Title == "" || out.Summary == "" || out.Content == "" || presence.QualityScore == nil {
		return nil, fmt.Errorf("missing required field in compression output")
	}
	if out.QualityScore < 0 || out.QualityScore > 1 {
		return nil, fmt.Errorf("quality_score %v out of range [0,1]", out.QualityScore)
	}
	return &out, nil
}
