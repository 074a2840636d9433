package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jetgogoing/memoryd/internal/batch"
	"github.com/jetgogoing/memoryd/internal/errs"
	"github.com/jetgogoing/memoryd/internal/gateway"
	"github.com/jetgogoing/memoryd/internal/vectorstore"
	"github.com/jetgogoing/memoryd/pkg/models"
)

// DualWriteStore writes memory units to the relational store and the
// vector store in order. embedModel names the model passed to the
// gateway when embedding a memory unit for the vector store; it is set
// at construction, not hardcoded, since deployments swap providers.
type DualWriteStore struct {
	relational RelationalStore
	vectors    vectorstore.Driver
	gw         *gateway.Gateway
	repair     *batch.Queue

	embedModel string
	dimensions int
}

// RepairTask is enqueued on the Batch Queue (C5) whenever a MemoryUnit's
// vector write fails after its relational row committed (spec §4.7.1
// step 5). The batch consumer retries the embed+upsert out of band.
type RepairTask struct {
	MemoryUnitID string
	Attempt      int
}

func NewDualWriteStore(relational RelationalStore, vectors vectorstore.Driver, gw *gateway.Gateway, repair *batch.Queue, embedModel string, dimensions int) *DualWriteStore {
	return &DualWriteStore{
		relational: relational,
		vectors:    vectors,
		gw:         gw,
		repair:     repair,
		embedModel: embedModel,
		dimensions: dimensions,
	}
}

// StoreMemoryUnit implements spec §4.7.1: write the canonical row first,
// commit it, then embed and upsert the vector. A vector failure never
// rolls back the row — it deactivates it and schedules a repair task,
// returning StorePartial so the caller knows the unit is not yet
// retrievable.
func (d *DualWriteStore) StoreMemoryUnit(ctx context.Context, unit *models.MemoryUnit) error {
	if _, err := d.relational.GetConversation(ctx, unit.ConversationID); err != nil {
		return errs.ParentMissing("memory unit references a conversation that does not exist")
	}
	if !models.ValidUnitType(unit.UnitType) {
		return errs.InputInvalid(fmt.Sprintf("invalid unit_type %q", unit.UnitType))
	}
	if unit.ID == "" {
		unit.ID = uuid.NewString()
	}

	// Row write + commit (the in-memory store commits synchronously;
	// a SQL-backed implementation would wrap this in a transaction).
	if err := d.relational.CreateMemoryUnit(ctx, unit); err != nil {
		return errs.Internal("failed to write memory unit row", err)
	}

	if err := d.embedAndUpsert(ctx, *unit); err != nil {
		log.Warn().Err(err).Str("unit_id", unit.ID).Msg("🧩 vector write failed, deactivating row and scheduling repair")
		if deactivateErr := d.relational.DeactivateMemoryUnit(ctx, unit.ID); deactivateErr != nil {
			log.Error().Err(deactivateErr).Str("unit_id", unit.ID).Msg("🧩 failed to deactivate row after vector failure")
		}
		if d.repair != nil {
			if enqueueErr := d.repair.Enqueue(ctx, RepairTask{MemoryUnitID: unit.ID}); enqueueErr != nil {
				log.Error().Err(enqueueErr).Str("unit_id", unit.ID).Msg("🧩 failed to enqueue repair task")
			}
		}
		return errs.StorePartial("memory unit row committed but vector write failed", err)
	}

	if err := d.relational.UpdateConversationStatus(ctx, unit.ConversationID, models.ConversationCompressed); err != nil {
		log.Warn().Err(err).Str("conversation_id", unit.ConversationID).Msg("🧩 failed to advance conversation status")
	}
	return nil
}

func (d *DualWriteStore) embedAndUpsert(ctx context.Context, unit models.MemoryUnit) error {
	vec, err := d.gw.Embed(ctx, d.embedModel, unit.Content, d.dimensions)
	if err != nil {
		return err
	}
	record := models.VectorRecord{
		ID:     unit.ID,
		Vector: vec,
		Payload: models.VectorPayload{
			ProjectID:      unit.ProjectID,
			UnitType:       unit.UnitType,
			Keywords:       unit.Keywords,
			CreatedAt:      unit.CreatedAt,
			ConversationID: unit.ConversationID,
			Title:          unit.Title,
		},
	}
	return d.vectors.Upsert(ctx, []models.VectorRecord{record})
}

// RepairMemoryUnit retries the vector half of a previously failed
// dual-write. Called by the repair task's batch handler. On success the
// row is reactivated.
func (d *DualWriteStore) RepairMemoryUnit(ctx context.Context, unitID string) error {
	unit, err := d.relational.GetMemoryUnit(ctx, unitID)
	if err != nil {
		return err
	}
	if err := d.embedAndUpsert(ctx, *unit); err != nil {
		return err
	}
	unit.IsActive = true
	return d.relational.CreateMemoryUnit(ctx, unit)
}

// StoreConversationBatch implements spec §4.7.2: insert the conversation
// rows and all their messages as one relational write, preserving
// sequence_number order. Vector writes for any derived memory units are
// the caller's responsibility via StoreMemoryUnit, outside this batch.
func (d *DualWriteStore) StoreConversationBatch(ctx context.Context, conversations []models.Conversation, messages []models.Message) error {
	for i := range conversations {
		if err := d.relational.CreateConversation(ctx, &conversations[i]); err != nil {
			return errs.Internal("failed to write conversation row", err)
		}
	}
	if err := d.relational.CreateMessages(ctx, messages); err != nil {
		return errs.Internal("failed to write message batch", err)
	}
	return nil
}

// GetRecentConversations implements the read side of spec §4.7.3,
// returning the conversation rows only; it does not load any messages.
// Callers typically wrap this behind a short-TTL C2 cache entry.
func (d *DualWriteStore) GetRecentConversations(ctx context.Context, projectID string, limit int) ([]models.Conversation, error) {
	if projectID != "" {
		return d.relational.ListRecentConversationsByProject(ctx, projectID, limit)
	}
	return d.relational.ListRecentConversations(ctx, limit)
}

func (d *DualWriteStore) GetConversationMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	return d.relational.ListMessages(ctx, conversationID, limit)
}

// SearchMessagesLike exposes the keyword arm of hybrid retrieval (spec §4.8).
func (d *DualWriteStore) SearchMessagesLike(ctx context.Context, pattern, projectID string, limit int) ([]models.Message, error) {
	return d.relational.SearchMessagesLike(ctx, pattern, projectID, limit)
}

// MemoryUnitsByConversation exposes the lookup the keyword arm of hybrid
// retrieval needs to turn a message hit into a provisional result row
// (spec §4.8 step 3): a message hit only carries a conversation_id, not a
// memory_unit.id, so the retriever must resolve the units derived from
// that conversation itself.
func (d *DualWriteStore) MemoryUnitsByConversation(ctx context.Context, conversationID string) ([]models.MemoryUnit, error) {
	return d.relational.ListMemoryUnitsByConversation(ctx, conversationID)
}

// HydrateUnits batch-loads MemoryUnit rows for a set of ids, silently
// dropping ids that are missing or inactive — the self-healing behavior
// spec §4.8 step 6 requires of the retriever's hydration step.
func (d *DualWriteStore) HydrateUnits(ctx context.Context, ids []string) ([]models.MemoryUnit, error) {
	return d.relational.GetMemoryUnits(ctx, ids)
}

// PurgeExpired implements the retention sweep referenced by spec §9's
// expiry discussion: an active unit whose expires_at has passed has its
// vector deleted and then its row physically removed.
func (d *DualWriteStore) PurgeExpired(ctx context.Context, asOf time.Time, limit int) (int, error) {
	expired, err := d.relational.ListExpiredMemoryUnits(ctx, asOf, limit)
	if err != nil {
		return 0, err
	}
	purged := 0
	for _, u := range expired {
		if err := d.vectors.Delete(ctx, []string{u.ID}); err != nil {
			log.Error().Err(err).Str("unit_id", u.ID).Msg("🧩 vector delete failed during retention sweep")
			continue
		}
		if err := d.relational.PurgeMemoryUnit(ctx, u.ID); err != nil {
			log.Error().Err(err).Str("unit_id", u.ID).Msg("🧩 row purge failed during retention sweep")
			continue
		}
		purged++
	}
	return purged, nil
}

func (d *DualWriteStore) Relational() RelationalStore { return d.relational }
func (d *DualWriteStore) Vectors() vectorstore.Driver { return d.vectors }
