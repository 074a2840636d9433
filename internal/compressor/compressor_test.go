package compressor_test

import (
	"context"
	"testing"

	"github.com/jetgogoing/memoryd/internal/compressor"
	"github.com/jetgogoing/memoryd/internal/gateway"
	"github.com/jetgogoing/memoryd/pkg/models"
)

// fakeDriver returns a fixed Complete response, letting tests control
// the compressor's model output without a real provider.
type fakeDriver struct {
	completeResp string
	completeErr  error
	lastModel    string
}

func (f *fakeDriver) Kind() string                          { return "fake" }
func (f *fakeDriver) IsAvailable(context.Context) bool       { return true }
func (f *fakeDriver) Embed(context.Context, string, []string) ([][]float32, error) {
	return nil, nil
}
func (f *fakeDriver) Complete(_ context.Context, model string, _ []gateway.Message, _ gateway.CompletionParams) (string, error) {
	f.lastModel = model
	return f.completeResp, f.completeErr
}

func newTestCompressor(t *testing.T, resp string) (*compressor.Compressor, *fakeDriver) {
	t.Helper()
	driver := &fakeDriver{completeResp: resp}
	reg := gateway.NewRegistry()
	reg.Register("fake", driver)
	gw := gateway.New(reg, gateway.WithPriority("fake"))
	return compressor.New(gw, compressor.WithModels("light-model", "heavy-model")), driver
}

func TestCompressProducesMemoryUnit(t *testing.T) {
	resp := `{"title": "Deploy discussion", "summary": "Talked about deploying the service", "content": "Full detail here", "keywords": ["deploy", "service"], "quality_score": 0.8}`
	c, driver := newTestCompressor(t, resp)

	conv := models.Conversation{ID: "conv-1", ProjectID: "proj-1"}
	msgs := []models.Message{{Role: models.RoleHuman, Content: "how do we deploy?"}}

	unit, err := c.Compress(context.Background(), conv, msgs, models.UnitConversation, 0.5)
	if err != nil {
		t.Fatalf("Compress() error = %v", err)
	}
	if unit == nil {
		t.Fatalf("Compress() = nil, want a memory unit")
	}
	if unit.Title != "Deploy discussion" {
		t.Errorf("Compress().Title = %q, want %q", unit.Title, "Deploy discussion")
	}
	if unit.ConversationID != "conv-1" || unit.ProjectID != "proj-1" {
		t.Errorf("Compress() did not carry conversation/project id through")
	}
	if unit.TokenCount <= 0 {
		t.Errorf("Compress().TokenCount = %d, want > 0", unit.TokenCount)
	}
	if driver.lastModel != "light-model" {
		t.Errorf("Compress() used model %q, want light model for unit_type=conversation", driver.lastModel)
	}
}

func TestCompressUsesHeavyModelForGlobalAndDecision(t *testing.T) {
	resp := `{"title": "t", "summary": "s", "content": "c", "keywords": [], "quality_score": 0.9}`
	c, driver := newTestCompressor(t, resp)
	conv := models.Conversation{ID: "conv-1", ProjectID: "proj-1"}

	if _, err := c.Compress(context.Background(), conv, nil, models.UnitGlobal, 0.0); err != nil {
		t.Fatalf("Compress() error = %v", err)
	}
	if driver.lastModel != "heavy-model" {
		t.Errorf("Compress() used model %q, want heavy model for unit_type=global", driver.lastModel)
	}

	if _, err := c.Compress(context.Background(), conv, nil, models.UnitDecision, 0.0); err != nil {
		t.Fatalf("Compress() error = %v", err)
	}
	if driver.lastModel != "heavy-model" {
		t.Errorf("Compress() used model %q, want heavy model for unit_type=decision", driver.lastModel)
	}
}

func TestCompressDiscardsBelowQualityThreshold(t *testing.T) {
	resp := `{"title": "t", "summary": "s", "content": "c", "keywords": [], "quality_score": 0.2}`
	c, _ := newTestCompressor(t, resp)
	conv := models.Conversation{ID: "conv-1", ProjectID: "proj-1"}

	unit, err := c.Compress(context.Background(), conv, nil, models.UnitConversation, 0.5)
	if err != nil {
		t.Fatalf("Compress() error = %v", err)
	}
	if unit != nil {
		t.Errorf("Compress() = %+v, want nil when quality_score below threshold", unit)
	}
}

func TestCompressRejectsMalformedOutput(t *testing.T) {
	c, _ := newTestCompressor(t, "not json at all")

	conv := models.Conversation{ID: "conv-1", ProjectID: "proj-1"}
	if _, err := c.Compress(context.Background(), conv, nil, models.UnitConversation, 0.0); err == nil {
		t.Fatalf("Compress() want error for malformed model output")
	}
}

func TestCompressRejectsInvalidUnitType(t *testing.T) {
	c, _ := newTestCompressor(t, `{}`)
	conv := models.Conversation{ID: "conv-1", ProjectID: "proj-1"}
	if _, err := c.Compress(context.Background(), conv, nil, models.UnitType("quick"), 0.0); err == nil {
		t.Fatalf("Compress() want error for invalid unit_type")
	}
}
