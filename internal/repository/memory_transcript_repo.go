package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"chatrelay-backend/internal/models"
)

type memorySession struct {
	turns        []models.Turn
	lastActivity time.Time
}

// MemoryTranscriptRepo keeps transcripts in process memory. Contents are lost
// when the process exits.
type MemoryTranscriptRepo struct {
	mu       sync.RWMutex
	sessions map[string]*memorySession
	now      func() time.Time
}

func NewMemoryTranscriptRepo() *MemoryTranscriptRepo {
	return &MemoryTranscriptRepo{
		sessions: make(map[string]*memorySession),
		now:      time.Now,
	}
}

func (r *MemoryTranscriptRepo) Append(ctx context.Context, sessionID string, turn models.Turn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		s = &memorySession{}
		r.sessions[sessionID] = s
	}
	s.turns = append(s.turns, turn)
	s.lastActivity = r.now()
	return nil
}

// Turns returns a copy of the session transcript; unknown sessions are empty.
func (r *MemoryTranscriptRepo) Turns(ctx context.Context, sessionID string) ([]models.Turn, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return []models.Turn{}, nil
	}
	out := make([]models.Turn, len(s.turns))
	copy(out, s.turns)
	return out, nil
}

func (r *MemoryTranscriptRepo) Reset(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.sessions, sessionID)
	return nil
}

func (r *MemoryTranscriptRepo) Sessions(ctx context.Context) ([]models.SessionInfo, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]models.SessionInfo, 0, len(r.sessions))
	for id, s := range r.sessions {
		out = append(out, models.SessionInfo{
			ID:           id,
			TurnCount:    len(s.turns),
			LastActivity: s.lastActivity,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *MemoryTranscriptRepo) PruneIdle(ctx context.Context, before time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pruned := 0
	for id, s := range r.sessions {
		if s.lastActivity.Before(before) {
			delete(r.sessions, id)
			pruned++
		}
	}
	return pruned, nil
}
