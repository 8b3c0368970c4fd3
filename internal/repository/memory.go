package repository

import (
	"context"
	"sync"
	"time"

	"convobot/internal/domain"
	"convobot/internal/models"
)

// MemoryStorage keeps conversations in process memory.
type MemoryStorage struct {
	mu      sync.Mutex
	states  map[models.ConversationKey]*models.StateContext
	initial models.StateID
	now     func() time.Time
}

func NewMemoryStorage(initial models.StateID) *MemoryStorage {
	if initial == "" {
		initial = models.DefaultInitialState
	}
	return &MemoryStorage{
		states:  make(map[models.ConversationKey]*models.StateContext),
		initial: initial,
		now:     time.Now,
	}
}

func (r *MemoryStorage) GetOrCreate(ctx context.Context, key models.ConversationKey) (*models.StateContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sc, ok := r.states[key]; ok {
		return sc.Clone(), nil
	}
	sc := models.NewStateContext(key, r.initial, r.now())
	r.states[key] = sc
	return sc.Clone(), nil
}

func (r *MemoryStorage) Get(ctx context.Context, key models.ConversationKey) (*models.StateContext, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sc, ok := r.states[key]
	if !ok {
		return nil, nil
	}
	return sc.Clone(), nil
}

func (r *MemoryStorage) Commit(ctx context.Context, sc *models.StateContext, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.states[sc.Key]; ok && cur.Version != expectedVersion {
		return domain.ErrConflict
	}

	now := r.now()
	next := sc.Clone()
	next.Version = expectedVersion + 1
	next.UpdatedAt = now
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	r.states[sc.Key] = next

	sc.Version = next.Version
	sc.UpdatedAt = now
	return nil
}

func (r *MemoryStorage) Remove(ctx context.Context, key models.ConversationKey) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.states, key)
	return nil
}

func (r *MemoryStorage) Discard(ctx context.Context, key models.ConversationKey, expectedVersion int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.states[key]
	if !ok {
		return nil
	}
	if cur.Version != expectedVersion {
		return domain.ErrConflict
	}
	delete(r.states, key)
	return nil
}

func (r *MemoryStorage) SweepIdle(ctx context.Context, maxAge time.Duration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for key, sc := range r.states {
		if sc.IdleFor(now) > maxAge {
			delete(r.states, key)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of live contexts.
func (r *MemoryStorage) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.states)
}

func (r *MemoryStorage) Close() error {
	return nil
}
