package database

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"convobot/internal/domain"
	"convobot/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorage_GetOrCreate(t *testing.T) {
	s := NewStorage(setupTestDB(t), "")
	ctx := context.Background()
	key := models.NewConversationKey(-1001, 42)

	missing, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, missing)

	sc, err := s.GetOrCreate(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, key, sc.Key)
	assert.Equal(t, models.DefaultInitialState, sc.State)
	assert.Equal(t, int64(0), sc.Version)
	assert.Equal(t, 0, sc.Form.Len())
	assert.False(t, sc.CreatedAt.IsZero())
}

func TestStorage_CreateStorm(t *testing.T) {
	s := NewStorage(setupTestDB(t), "start")
	ctx := context.Background()
	key := models.NewConversationKey(7, 7)

	const workers = 16
	var wg sync.WaitGroup
	results := make(chan *models.StateContext, workers)
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			sc, err := s.GetOrCreate(ctx, key)
			assert.NoError(t, err)
			results <- sc
		}()
	}
	wg.Wait()
	close(results)

	var first *models.StateContext
	for sc := range results {
		require.NotNil(t, sc)
		if first == nil {
			first = sc
			continue
		}
		assert.True(t, first.CreatedAt.Equal(sc.CreatedAt))
		assert.Equal(t, first.Version, sc.Version)
	}

	counts, err := s.db.CountByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts["start"])
}

func TestStorage_CommitAndConflict(t *testing.T) {
	s := NewStorage(setupTestDB(t), "start")
	ctx := context.Background()
	key := models.NewConversationKey(1, 2)

	a, err := s.GetOrCreate(ctx, key)
	require.NoError(t, err)
	b, err := s.GetOrCreate(ctx, key)
	require.NoError(t, err)

	a.State = "ask_age"
	require.NoError(t, a.Form.Set("name", "Alice"))
	require.NoError(t, s.Commit(ctx, a, 0))
	assert.Equal(t, int64(1), a.Version)

	b.State = "stale"
	assert.ErrorIs(t, s.Commit(ctx, b, 0), domain.ErrConflict)

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.StateID("ask_age"), got.State)
	assert.Equal(t, int64(1), got.Version)
	name, err := got.Form.String("name")
	require.NoError(t, err)
	assert.Equal(t, "Alice", name)
	assert.Equal(t, []string{"name"}, got.Form.Fields())
}

func TestStorage_FormTypesSurvive(t *testing.T) {
	s := NewStorage(setupTestDB(t), "start")
	ctx := context.Background()
	key := models.NewConversationKey(3, 3)

	sc, err := s.GetOrCreate(ctx, key)
	require.NoError(t, err)
	require.NoError(t, sc.Form.Set("age", 30))
	require.NoError(t, sc.Form.Set("score", 4.5))
	require.NoError(t, sc.Form.Set("ratio", 2.0))
	require.NoError(t, sc.Form.Set("name", "Alice"))
	require.NoError(t, sc.Form.Set("agreed", true))
	require.NoError(t, s.Commit(ctx, sc, 0))

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	age, err := got.Form.Int64("age")
	require.NoError(t, err)
	assert.Equal(t, int64(30), age)
	score, err := got.Form.Float64("score")
	require.NoError(t, err)
	assert.Equal(t, 4.5, score)
	ratio, err := got.Form.Float64("ratio")
	require.NoError(t, err)
	assert.Equal(t, 2.0, ratio)
	name, err := got.Form.String("name")
	require.NoError(t, err)
	assert.Equal(t, "Alice", name)
	agreed, err := got.Form.Bool("agreed")
	require.NoError(t, err)
	assert.True(t, agreed)
}

func TestStorage_CommitRecreatesRemoved(t *testing.T) {
	s := NewStorage(setupTestDB(t), "start")
	ctx := context.Background()
	key := models.NewConversationKey(4, 4)

	sc, err := s.GetOrCreate(ctx, key)
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, sc, 0))
	require.NoError(t, s.Remove(ctx, key))
	require.NoError(t, s.Remove(ctx, key))

	sc.State = "ask_name"
	require.NoError(t, s.Commit(ctx, sc, sc.Version))
	assert.Equal(t, int64(2), sc.Version)

	got, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, models.StateID("ask_name"), got.State)
}

func TestStorage_Discard(t *testing.T) {
	s := NewStorage(setupTestDB(t), "start")
	ctx := context.Background()
	key := models.NewConversationKey(5, 5)

	sc, err := s.GetOrCreate(ctx, key)
	require.NoError(t, err)
	require.NoError(t, s.Commit(ctx, sc, 0))

	assert.ErrorIs(t, s.Discard(ctx, key, 0), domain.ErrConflict)
	require.NoError(t, s.Discard(ctx, key, 1))
	require.NoError(t, s.Discard(ctx, key, 1))

	fresh, err := s.GetOrCreate(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, models.StateID("start"), fresh.State)
	assert.Equal(t, int64(0), fresh.Version)
}

func TestStorage_SweepIdle(t *testing.T) {
	s := NewStorage(setupTestDB(t), "start")
	ctx := context.Background()
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	_, err := s.GetOrCreate(ctx, models.NewConversationKey(1, 1))
	require.NoError(t, err)

	now = now.Add(3 * time.Hour)
	_, err = s.GetOrCreate(ctx, models.NewConversationKey(2, 2))
	require.NoError(t, err)

	removed, err := s.SweepIdle(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	gone, err := s.Get(ctx, models.NewConversationKey(1, 1))
	require.NoError(t, err)
	assert.Nil(t, gone)
	kept, err := s.Get(ctx, models.NewConversationKey(2, 2))
	require.NoError(t, err)
	assert.NotNil(t, kept)
}

func TestStorage_ClosedDB(t *testing.T) {
	logger := zerolog.New(io.Discard)
	db, err := NewDB(":memory:", &logger)
	require.NoError(t, err)
	s := NewStorage(db, "start")
	require.NoError(t, s.Close())

	ctx := context.Background()
	key := models.NewConversationKey(1, 1)

	_, err = s.GetOrCreate(ctx, key)
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)

	err = s.Commit(ctx, models.NewStateContext(key, "start", time.Now()), 0)
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)

	assert.ErrorIs(t, s.Remove(ctx, key), domain.ErrStorageUnavailable)

	_, err = s.SweepIdle(ctx, time.Hour)
	assert.ErrorIs(t, err, domain.ErrStorageUnavailable)
}
