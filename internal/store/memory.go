package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/FormFlow/internal/models"
	"github.com/BTreeMap/FormFlow/internal/util"
)

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// InMemoryStore is a mutex-guarded in-memory Store used in tests and for
// throwaway local runs. It honors the same atomicity contract as the SQL
// backends: a commit admits the update and mutates the conversation under one
// lock acquisition.
type InMemoryStore struct {
	mu            sync.Mutex
	conversations map[string]*models.Conversation
	admitted      map[string]admission
	jobs          map[string]*models.RenderJob
	artifacts     map[string]*models.DocumentArtifact // keyed by conversation ID
}

type admission struct {
	conversationID string
	admittedAt     time.Time
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		conversations: make(map[string]*models.Conversation),
		admitted:      make(map[string]admission),
		jobs:          make(map[string]*models.RenderJob),
		artifacts:     make(map[string]*models.DocumentArtifact),
	}
}

func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.conversations[id]
	if !ok {
		return nil, nil
	}
	return conv.Clone(), nil
}

func (s *InMemoryStore) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	convs := make([]models.Conversation, 0, len(s.conversations))
	for _, c := range s.conversations {
		convs = append(convs, *c.Clone())
	}
	sort.Slice(convs, func(i, j int) bool { return convs[i].CreatedAt.After(convs[j].CreatedAt) })
	return convs, nil
}

func (s *InMemoryStore) CommitConversation(ctx context.Context, conv *models.Conversation, expectedVersion int64, updateID string) (CommitOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, seen := s.admitted[updateID]; seen {
		return CommitDuplicate, nil
	}

	existing, exists := s.conversations[conv.ID]
	if expectedVersion == 0 {
		if exists {
			return CommitConflict, nil
		}
	} else {
		if !exists || existing.Version != expectedVersion {
			return CommitConflict, nil
		}
	}

	s.admitted[updateID] = admission{conversationID: conv.ID, admittedAt: time.Now()}
	s.conversations[conv.ID] = conv.Clone()

	if conv.CurrentStep == models.StepCompleted {
		s.enqueueLocked(conv.ID)
	}
	return CommitOK, nil
}

func (s *InMemoryStore) AdmitUpdate(ctx context.Context, updateID, conversationID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.admitted[updateID]; seen {
		return false, nil
	}
	s.admitted[updateID] = admission{conversationID: conversationID, admittedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) SeenUpdate(ctx context.Context, updateID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, seen := s.admitted[updateID]
	return seen, nil
}

func (s *InMemoryStore) PruneLedger(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, a := range s.admitted {
		if a.admittedAt.Before(before) {
			delete(s.admitted, id)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) SaveArtifactIfAbsent(ctx context.Context, artifact models.DocumentArtifact) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.artifacts[artifact.ConversationID]; exists {
		return false, nil
	}
	cp := artifact
	cp.Content = append([]byte(nil), artifact.Content...)
	s.artifacts[artifact.ConversationID] = &cp
	return true, nil
}

func (s *InMemoryStore) GetArtifact(ctx context.Context, conversationID string) (*models.DocumentArtifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.artifacts[conversationID]
	if !ok {
		return nil, nil
	}
	cp := *a
	cp.Content = append([]byte(nil), a.Content...)
	return &cp, nil
}

func (s *InMemoryStore) EnqueueRenderJob(ctx context.Context, conversationID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueLocked(conversationID), nil
}

// enqueueLocked inserts a render job unless a pending one exists. Must be
// called with mu held.
func (s *InMemoryStore) enqueueLocked(conversationID string) string {
	for _, j := range s.jobs {
		if j.ConversationID == conversationID && j.Status != models.RenderJobStatusDone {
			return j.ID
		}
	}
	id := util.GenerateRandomID("rj_", 32)
	now := time.Now()
	s.jobs[id] = &models.RenderJob{
		ID:             id,
		ConversationID: conversationID,
		Status:         models.RenderJobStatusQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return id
}

func (s *InMemoryStore) ClaimDueRenderJobs(ctx context.Context, now time.Time, limit int) ([]models.RenderJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*models.RenderJob
	for _, j := range s.jobs {
		if j.Status == models.RenderJobStatusQueued && (j.NextAttemptAt == nil || !j.NextAttemptAt.After(now)) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]models.RenderJob, 0, len(due))
	for _, j := range due {
		j.Status = models.RenderJobStatusRendering
		lockedAt := now
		j.LockedAt = &lockedAt
		j.UpdatedAt = now
		claimed = append(claimed, *j)
	}
	return claimed, nil
}

func (s *InMemoryStore) MarkRenderJobDone(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.Status = models.RenderJobStatusDone
		j.UpdatedAt = time.Now()
	}
	return nil
}

func (s *InMemoryStore) FailRenderJob(ctx context.Context, id, errMsg string, nextAttemptAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j, ok := s.jobs[id]; ok {
		j.Status = models.RenderJobStatusQueued
		j.Attempts++
		j.LastError = errMsg
		j.NextAttemptAt = &nextAttemptAt
		j.LockedAt = nil
		j.UpdatedAt = time.Now()
	}
	return nil
}

func (s *InMemoryStore) RequeueStaleRenderJobs(ctx context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.Status == models.RenderJobStatusRendering && j.LockedAt != nil && j.LockedAt.Before(staleBefore) {
			j.Status = models.RenderJobStatusQueued
			j.LockedAt = nil
			j.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) ListCompletedWithoutArtifact(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pending := make(map[string]bool)
	for _, j := range s.jobs {
		if j.Status != models.RenderJobStatusDone {
			pending[j.ConversationID] = true
		}
	}

	var ids []string
	for id, c := range s.conversations {
		if c.CurrentStep != models.StepCompleted {
			continue
		}
		if _, has := s.artifacts[id]; has {
			continue
		}
		if pending[id] {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
