package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jetgogoing/memoryd/pkg/models"
)

// snapshot is the JSON-serializable shape persisted to disk. Adapted
// from the teacher's internal/store/memory.go snapshot struct: same
// map-of-all-entities layout, re-keyed to this domain's four entities.
type snapshot struct {
	Projects      map[string]models.Project      `json:"projects"`
	Conversations map[string]models.Conversation `json:"conversations"`
	Messages      map[string]models.Message      `json:"messages"`
	MemoryUnits   map[string]models.MemoryUnit   `json:"memory_units"`
}

// MemoryStore is an in-memory RelationalStore with debounced snapshot
// persistence to disk, adapted from the teacher's MemoryStore. Suitable
// for tests and single-node deployments without Postgres.
type MemoryStore struct {
	mu sync.RWMutex

	projects      map[string]models.Project
	conversations map[string]models.Conversation
	messages      map[string]models.Message
	memoryUnits   map[string]models.MemoryUnit

	snapshotPath string
	saveMu       sync.Mutex
	saveCh       chan struct{}
	doneCh       chan struct{}
}

// NewMemoryStore builds a MemoryStore, loading any existing snapshot
// from MEMORY_DATA_DIR (default ~/.memoryd/data.json) and starting the
// debounced background save loop.
func NewMemoryStore() *MemoryStore {
	dataDir := os.Getenv("MEMORY_DATA_DIR")
	if dataDir == "" {
		home, _ := os.UserHomeDir()
		dataDir = filepath.Join(home, ".memoryd")
	}
	_ = os.MkdirAll(dataDir, 0o755)

	s := &MemoryStore{
		projects:      make(map[string]models.Project),
		conversations: make(map[string]models.Conversation),
		messages:      make(map[string]models.Message),
		memoryUnits:   make(map[string]models.MemoryUnit),
		snapshotPath:  filepath.Join(dataDir, "data.json"),
		saveCh:        make(chan struct{}, 1),
		doneCh:        make(chan struct{}),
	}

	if err := s.loadSnapshot(); err != nil {
		log.Warn().Err(err).Msg("🗄️  no prior snapshot loaded")
	}
	go s.saveLoop()

	log.Info().Str("path", s.snapshotPath).Msg("🗄️  in-memory relational store ready")
	return s
}

func (s *MemoryStore) requestSave() {
	select {
	case s.saveCh <- struct{}{}:
	default:
	}
}

// saveLoop debounces bursty writes: it waits 500ms after the first
// pending signal before actually writing the snapshot, coalescing
// rapid-fire mutations into a single disk write.
func (s *MemoryStore) saveLoop() {
	for {
		select {
		case <-s.doneCh:
			return
		case <-s.saveCh:
			time.Sleep(500 * time.Millisecond)
			if err := s.saveSnapshot(); err != nil {
				log.Error().Err(err).Msg("🗄️  snapshot save failed")
			}
		}
	}
}

func (s *MemoryStore) saveSnapshot() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.RLock()
	snap := snapshot{
		Projects:      copyProjects(s.projects),
		Conversations: copyConversations(s.conversations),
		Messages:      copyMessages(s.messages),
		MemoryUnits:   copyMemoryUnits(s.memoryUnits),
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.snapshotPath)
}

func (s *MemoryStore) loadSnapshot() error {
	data, err := os.ReadFile(s.snapshotPath)
	if err != nil {
		return err
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if snap.Projects != nil {
		s.projects = snap.Projects
	}
	if snap.Conversations != nil {
		s.conversations = snap.Conversations
	}
	if snap.Messages != nil {
		s.messages = snap.Messages
	}
	if snap.MemoryUnits != nil {
		s.memoryUnits = snap.MemoryUnits
	}
	return nil
}

func copyProjects(in map[string]models.Project) map[string]models.Project {
	out := make(map[string]models.Project, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyConversations(in map[string]models.Conversation) map[string]models.Conversation {
	out := make(map[string]models.Conversation, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyMessages(in map[string]models.Message) map[string]models.Message {
	out := make(map[string]models.Message, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyMemoryUnits(in map[string]models.MemoryUnit) map[string]models.MemoryUnit {
	out := make(map[string]models.MemoryUnit, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// --- ProjectStore ---

func (s *MemoryStore) ListProjects(_ context.Context) ([]models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetProject(_ context.Context, id string) (*models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "project", Key: id}
	}
	return &p, nil
}

func (s *MemoryStore) CreateProject(_ context.Context, project *models.Project) error {
	s.mu.Lock()
	if project.CreatedAt.IsZero() {
		project.CreatedAt = time.Now()
	}
	s.projects[project.ID] = *project
	s.mu.Unlock()
	s.requestSave()
	return nil
}

// --- ConversationStore ---

func (s *MemoryStore) CreateConversation(_ context.Context, conv *models.Conversation) error {
	s.mu.Lock()
	if conv.StartedAt.IsZero() {
		conv.StartedAt = time.Now()
	}
	if conv.LastActivityAt.IsZero() {
		conv.LastActivityAt = conv.StartedAt
	}
	if conv.Status == "" {
		conv.Status = models.ConversationPending
	}
	s.conversations[conv.ID] = *conv
	s.mu.Unlock()
	s.requestSave()
	return nil
}

func (s *MemoryStore) GetConversation(_ context.Context, id string) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.conversations[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "conversation", Key: id}
	}
	return &c, nil
}

func (s *MemoryStore) UpdateConversationStatus(_ context.Context, id string, status models.ConversationStatus) error {
	s.mu.Lock()
	c, ok := s.conversations[id]
	if !ok {
		s.mu.Unlock()
		return &ErrNotFound{Entity: "conversation", Key: id}
	}
	c.Status = status
	s.conversations[id] = c
	s.mu.Unlock()
	s.requestSave()
	return nil
}

func (s *MemoryStore) ListRecentConversations(_ context.Context, limit int) ([]models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mostRecentLocked("", limit), nil
}

func (s *MemoryStore) ListRecentConversationsByProject(_ context.Context, projectID string, limit int) ([]models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mostRecentLocked(projectID, limit), nil
}

func (s *MemoryStore) mostRecentLocked(projectID string, limit int) []models.Conversation {
	out := make([]models.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		if projectID != "" && c.ProjectID != projectID {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastActivityAt.After(out[j].LastActivityAt)
	})
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// --- MessageStore ---

func (s *MemoryStore) CreateMessages(_ context.Context, messages []models.Message) error {
	s.mu.Lock()
	now := time.Now()
	for _, m := range messages {
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		if m.ContentHash == "" {
			m.ContentHash = models.ContentHash(m.Content)
		}
		s.messages[m.ID] = m
		if c, ok := s.conversations[m.ConversationID]; ok {
			c.MessageCount++
			c.TokenCount += m.TokenCount
			c.LastActivityAt = m.CreatedAt
			s.conversations[m.ConversationID] = c
		}
	}
	s.mu.Unlock()
	s.requestSave()
	return nil
}

func (s *MemoryStore) ListMessages(_ context.Context, conversationID string, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Message, 0)
	for _, m := range s.messages {
		if m.ConversationID == conversationID {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) LastMessage(_ context.Context, conversationID string) (*models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var last *models.Message
	for _, m := range s.messages {
		if m.ConversationID != conversationID {
			continue
		}
		mm := m
		if last == nil || mm.SequenceNumber > last.SequenceNumber {
			last = &mm
		}
	}
	if last == nil {
		return nil, &ErrNotFound{Entity: "message", Key: conversationID}
	}
	return last, nil
}

// SearchMessagesLike implements the keyword arm with a case-insensitive
// substring match, mirroring the LIKE '%pattern%' semantics of
// original_source's search_memories_concurrent.
func (s *MemoryStore) SearchMessagesLike(_ context.Context, pattern, projectID string, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	needle := strings.ToLower(pattern)
	out := make([]models.Message, 0)
	for _, m := range s.messages {
		if !strings.Contains(strings.ToLower(m.Content), needle) {
			continue
		}
		if projectID != "" {
			c, ok := s.conversations[m.ConversationID]
			if !ok || c.ProjectID != projectID {
				continue
			}
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// --- MemoryUnitStore ---

func (s *MemoryStore) CreateMemoryUnit(_ context.Context, unit *models.MemoryUnit) error {
	s.mu.Lock()
	if unit.CreatedAt.IsZero() {
		unit.CreatedAt = time.Now()
	}
	unit.IsActive = true
	unit.Keywords = models.NormalizeKeywords(unit.Keywords)
	s.memoryUnits[unit.ID] = *unit
	s.mu.Unlock()
	s.requestSave()
	return nil
}

func (s *MemoryStore) GetMemoryUnit(_ context.Context, id string) (*models.MemoryUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.memoryUnits[id]
	if !ok {
		return nil, &ErrNotFound{Entity: "memory_unit", Key: id}
	}
	return &u, nil
}

func (s *MemoryStore) GetMemoryUnits(_ context.Context, ids []string) ([]models.MemoryUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.MemoryUnit, 0, len(ids))
	for _, id := range ids {
		u, ok := s.memoryUnits[id]
		if !ok || !u.IsActive {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

func (s *MemoryStore) ListMemoryUnitsByConversation(_ context.Context, conversationID string) ([]models.MemoryUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.MemoryUnit, 0)
	for _, u := range s.memoryUnits {
		if !u.IsActive || u.ConversationID != conversationID {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

func (s *MemoryStore) DeactivateMemoryUnit(_ context.Context, id string) error {
	s.mu.Lock()
	u, ok := s.memoryUnits[id]
	if !ok {
		s.mu.Unlock()
		return &ErrNotFound{Entity: "memory_unit", Key: id}
	}
	u.IsActive = false
	s.memoryUnits[id] = u
	s.mu.Unlock()
	s.requestSave()
	return nil
}

func (s *MemoryStore) ListExpiredMemoryUnits(_ context.Context, asOf time.Time, limit int) ([]models.MemoryUnit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.MemoryUnit, 0)
	for _, u := range s.memoryUnits {
		if !u.IsActive || u.ExpiresAt == nil {
			continue
		}
		if u.ExpiresAt.After(asOf) {
			continue
		}
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) PurgeMemoryUnit(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.memoryUnits, id)
	s.mu.Unlock()
	s.requestSave()
	return nil
}

// --- lifecycle ---

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

func (s *MemoryStore) Close() error {
	close(s.doneCh)
	return s.saveSnapshot()
}

func (s *MemoryStore) Migrate(_ context.Context) error { return nil }

var _ RelationalStore = (*MemoryStore)(nil)
