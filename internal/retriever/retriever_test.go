package retriever_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jetgogoing/memoryd/internal/batch"
	"github.com/jetgogoing/memoryd/internal/cache"
	"github.com/jetgogoing/memoryd/internal/gateway"
	"github.com/jetgogoing/memoryd/internal/retriever"
	"github.com/jetgogoing/memoryd/internal/store"
	"github.com/jetgogoing/memoryd/internal/vectorstore"
	"github.com/jetgogoing/memoryd/pkg/models"
)

// fakeDriver returns a deterministic embedding so tests can control
// vector search ordering precisely.
type fakeDriver struct {
	vector []float32
}

func (f *fakeDriver) Kind() string                    { return "fake" }
func (f *fakeDriver) IsAvailable(context.Context) bool { return true }
func (f *fakeDriver) Embed(_ context.Context, _ string, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vector
	}
	return out, nil
}
func (f *fakeDriver) Complete(context.Context, string, []gateway.Message, gateway.CompletionParams) (string, error) {
	return "", nil
}

func newTestStore(t *testing.T) *store.DualWriteStore {
	t.Helper()
	dir := t.TempDir()
	os.Setenv("MEMORY_DATA_DIR", dir)
	defer os.Unsetenv("MEMORY_DATA_DIR")
	rel := store.NewMemoryStore()
	t.Cleanup(func() { rel.Close() })

	vectors := vectorstore.NewEmbeddedStore()
	driver := &fakeDriver{vector: []float32{1, 0, 0}}
	reg := gateway.NewRegistry()
	reg.Register("fake", driver)
	gw := gateway.New(reg, gateway.WithPriority("fake"))
	repair := batch.New(10, 5, time.Second, func([]any) {})

	return store.NewDualWriteStore(rel, vectors, gw, repair, "embed-model", 3)
}

func TestRetrieveReturnsStoredUnit(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	conv := models.Conversation{ID: "conv-1", ProjectID: "proj-1"}
	if err := st.Relational().CreateConversation(ctx, &conv); err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
	unit := &models.MemoryUnit{ID: "unit-1", ConversationID: "conv-1", ProjectID: "proj-1", UnitType: models.UnitConversation, Content: "deploy the rocket"}
	if err := st.StoreMemoryUnit(ctx, unit); err != nil {
		t.Fatalf("StoreMemoryUnit() error = %v", err)
	}

	reg := gateway.NewRegistry()
	reg.Register("fake", &fakeDriver{vector: []float32{1, 0, 0}})
	gw := gateway.New(reg, gateway.WithPriority("fake"))
	c := cache.New(100, time.Minute)

	r := retriever.New(st, st.Vectors(), gw, c, "embed-model", "rerank-model", 3)

	results, err := r.Retrieve(ctx, retriever.Query{Text: "deploy", ProjectID: "proj-1", Limit: 5})
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Retrieve() len = %d, want 1", len(results))
	}
	if results[0].Unit.ID != "unit-1" {
		t.Errorf("Retrieve()[0].Unit.ID = %q, want %q", results[0].Unit.ID, "unit-1")
	}
}

// TestRetrieveSurfacesKeywordOnlyHit covers spec §4.8 steps 3-4: a memory
// unit whose vector was never indexed (e.g. present in the relational
// store only) must still surface as a provisional MatchKeyword row when
// its conversation's messages match the keyword arm, not be silently
// dropped because it has no vector-arm counterpart to promote.
func TestRetrieveSurfacesKeywordOnlyHit(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	conv := models.Conversation{ID: "conv-1", ProjectID: "proj-1"}
	if err := st.Relational().CreateConversation(ctx, &conv); err != nil {
		t.Fatalf("CreateConversation() error = %v", err)
	}
	msg := models.Message{ID: "msg-1", ConversationID: "conv-1", Role: models.RoleHuman, Content: "launch the satellite tomorrow"}
	if err := st.Relational().CreateMessages(ctx, []models.Message{msg}); err != nil {
		t.Fatalf("CreateMessages() error = %v", err)
	}
	// Written directly to the relational store, bypassing StoreMemoryUnit,
	// so no vector record exists for it at all.
	unit := &models.MemoryUnit{ID: "unit-kw", ConversationID: "conv-1", ProjectID: "proj-1", UnitType: models.UnitConversation, Content: "satellite launch plan"}
	if err := st.Relational().CreateMemoryUnit(ctx, unit); err != nil {
		t.Fatalf("CreateMemoryUnit() error = %v", err)
	}

	reg := gateway.NewRegistry()
	reg.Register("fake", &fakeDriver{vector: []float32{1, 0, 0}})
	gw := gateway.New(reg, gateway.WithPriority("fake"))
	c := cache.New(100, time.Minute)
	r := retriever.New(st, st.Vectors(), gw, c, "embed-model", "rerank-model", 3)

	results, err := r.Retrieve(ctx, retriever.Query{Text: "satellite", ProjectID: "proj-1", Limit: 5, Hybrid: true})
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Retrieve() len = %d, want 1 (keyword-only hit)", len(results))
	}
	if results[0].Unit.ID != "unit-kw" {
		t.Errorf("Retrieve()[0].Unit.ID = %q, want %q", results[0].Unit.ID, "unit-kw")
	}
	if results[0].Source != models.MatchKeyword {
		t.Errorf("Retrieve()[0].Source = %q, want %q", results[0].Source, models.MatchKeyword)
	}
}

// TestRetrieveKeywordHitOnlyPromotesOwnConversation covers the merge bug
// where a keyword hit in one conversation must not promote or relabel a
// vector match belonging to a different conversation (spec §4.8's "merge
// vector and keyword results by memory_unit.id").
func TestRetrieveKeywordHitOnlyPromotesOwnConversation(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	convA := models.Conversation{ID: "conv-a", ProjectID: "proj-1"}
	convB := models.Conversation{ID: "conv-b", ProjectID: "proj-1"}
	if err := st.Relational().CreateConversation(ctx, &convA); err != nil {
		t.Fatalf("CreateConversation(A) error = %v", err)
	}
	if err := st.Relational().CreateConversation(ctx, &convB); err != nil {
		t.Fatalf("CreateConversation(B) error = %v", err)
	}

	unitA := &models.MemoryUnit{ID: "unit-a", ConversationID: "conv-a", ProjectID: "proj-1", UnitType: models.UnitConversation, Content: "deploy the rocket"}
	unitB := &models.MemoryUnit{ID: "unit-b", ConversationID: "conv-b", ProjectID: "proj-1", UnitType: models.UnitConversation, Content: "deploy the rocket"}
	if err := st.StoreMemoryUnit(ctx, unitA); err != nil {
		t.Fatalf("StoreMemoryUnit(A) error = %v", err)
	}
	if err := st.StoreMemoryUnit(ctx, unitB); err != nil {
		t.Fatalf("StoreMemoryUnit(B) error = %v", err)
	}

	// Only conversation A's message matches the keyword arm's query text.
	msg := models.Message{ID: "msg-a", ConversationID: "conv-a", Role: models.RoleHuman, Content: "rocket launch window confirmed"}
	if err := st.Relational().CreateMessages(ctx, []models.Message{msg}); err != nil {
		t.Fatalf("CreateMessages() error = %v", err)
	}

	reg := gateway.NewRegistry()
	reg.Register("fake", &fakeDriver{vector: []float32{1, 0, 0}})
	gw := gateway.New(reg, gateway.WithPriority("fake"))
	c := cache.New(100, time.Minute)
	r := retriever.New(st, st.Vectors(), gw, c, "embed-model", "rerank-model", 3)

	results, err := r.Retrieve(ctx, retriever.Query{Text: "launch window", ProjectID: "proj-1", Limit: 5, Hybrid: true})
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}

	byID := make(map[string]models.RetrievalResult, len(results))
	for _, res := range results {
		byID[res.Unit.ID] = res
	}
	if byID["unit-a"].Source != models.MatchBoth {
		t.Errorf("unit-a Source = %q, want %q (vector + keyword)", byID["unit-a"].Source, models.MatchBoth)
	}
	if byID["unit-b"].Source != models.MatchVector {
		t.Errorf("unit-b Source = %q, want %q (vector-only, not promoted by conv-a's keyword hit)", byID["unit-b"].Source, models.MatchVector)
	}
}

func TestRetrieveDropsInactiveUnits(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	conv := models.Conversation{ID: "conv-1", ProjectID: "proj-1"}
	_ = st.Relational().CreateConversation(ctx, &conv)
	unit := &models.MemoryUnit{ID: "unit-1", ConversationID: "conv-1", ProjectID: "proj-1", UnitType: models.UnitConversation, Content: "deploy the rocket"}
	if err := st.StoreMemoryUnit(ctx, unit); err != nil {
		t.Fatalf("StoreMemoryUnit() error = %v", err)
	}
	if err := st.Relational().DeactivateMemoryUnit(ctx, "unit-1"); err != nil {
		t.Fatalf("DeactivateMemoryUnit() error = %v", err)
	}

	reg := gateway.NewRegistry()
	reg.Register("fake", &fakeDriver{vector: []float32{1, 0, 0}})
	gw := gateway.New(reg, gateway.WithPriority("fake"))
	c := cache.New(100, time.Minute)
	r := retriever.New(st, st.Vectors(), gw, c, "embed-model", "rerank-model", 3)

	results, err := r.Retrieve(ctx, retriever.Query{Text: "deploy", ProjectID: "proj-1", Limit: 5})
	if err != nil {
		t.Fatalf("Retrieve() error = %v", err)
	}
	if len(results) != 0 {
		t.Errorf("Retrieve() = %+v, want empty after deactivation (self-heal)", results)
	}
}
