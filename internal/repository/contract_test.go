package repository

import (
	"context"
	"sync"
	"testing"

	"convobot/internal/domain"
	"convobot/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runStorageContract checks the behaviour every domain.Storage must share.
func runStorageContract(t *testing.T, newStorage func(t *testing.T) domain.Storage) {
	ctx := context.Background()

	t.Run("GetOrCreateDefaultsToInitial", func(t *testing.T) {
		s := newStorage(t)
		key := models.NewConversationKey(1, 2)

		sc, err := s.GetOrCreate(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, key, sc.Key)
		assert.Equal(t, models.StateID("start"), sc.State)
		assert.Equal(t, int64(0), sc.Version)
		assert.Equal(t, 0, sc.Form.Len())
	})

	t.Run("GetMissing", func(t *testing.T) {
		s := newStorage(t)
		sc, err := s.Get(ctx, models.NewConversationKey(404, 404))
		require.NoError(t, err)
		assert.Nil(t, sc)
	})

	t.Run("CreateStormYieldsOneContext", func(t *testing.T) {
		s := newStorage(t)
		key := models.NewConversationKey(10, 20)

		const workers = 32
		var wg sync.WaitGroup
		results := make([]*models.StateContext, workers)
		errs := make([]error, workers)
		wg.Add(workers)
		for i := 0; i < workers; i++ {
			go func(i int) {
				defer wg.Done()
				results[i], errs[i] = s.GetOrCreate(ctx, key)
			}(i)
		}
		wg.Wait()

		for i := 0; i < workers; i++ {
			require.NoError(t, errs[i])
			assert.True(t, results[0].CreatedAt.Equal(results[i].CreatedAt), "worker %d saw a different context", i)
		}

		// exactly one of the racing first commits wins
		var committed int
		for i := 0; i < workers; i++ {
			sc := results[i]
			sc.State = "ask_name"
			if err := s.Commit(ctx, sc, 0); err == nil {
				committed++
			} else {
				assert.ErrorIs(t, err, domain.ErrConflict)
			}
		}
		assert.Equal(t, 1, committed)
	})

	t.Run("CommitBumpsVersion", func(t *testing.T) {
		s := newStorage(t)
		key := models.NewConversationKey(3, 4)

		sc, err := s.GetOrCreate(ctx, key)
		require.NoError(t, err)
		sc.State = "ask_name"
		require.NoError(t, sc.Form.Set("lang", "en"))
		require.NoError(t, s.Commit(ctx, sc, 0))
		assert.Equal(t, int64(1), sc.Version)

		got, err := s.GetOrCreate(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, models.StateID("ask_name"), got.State)
		assert.Equal(t, int64(1), got.Version)
		lang, err := got.Form.String("lang")
		require.NoError(t, err)
		assert.Equal(t, "en", lang)
	})

	t.Run("StaleCommitConflicts", func(t *testing.T) {
		s := newStorage(t)
		key := models.NewConversationKey(5, 6)

		first, err := s.GetOrCreate(ctx, key)
		require.NoError(t, err)
		stale, err := s.GetOrCreate(ctx, key)
		require.NoError(t, err)

		first.State = "ask_name"
		require.NoError(t, s.Commit(ctx, first, 0))

		stale.State = "somewhere_else"
		err = s.Commit(ctx, stale, 0)
		assert.ErrorIs(t, err, domain.ErrConflict)

		got, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, models.StateID("ask_name"), got.State, "newer value must survive")
		assert.Equal(t, int64(1), got.Version)
	})

	t.Run("ReturnedContextIsPrivate", func(t *testing.T) {
		s := newStorage(t)
		key := models.NewConversationKey(7, 8)

		sc, err := s.GetOrCreate(ctx, key)
		require.NoError(t, err)
		sc.State = "mutated"
		require.NoError(t, sc.Form.Set("x", "y"))

		again, err := s.GetOrCreate(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, models.StateID("start"), again.State)
		assert.False(t, again.Form.Has("x"))
	})

	t.Run("CommitAfterRemoveIsFreshCreate", func(t *testing.T) {
		s := newStorage(t)
		key := models.NewConversationKey(9, 10)

		sc, err := s.GetOrCreate(ctx, key)
		require.NoError(t, err)
		require.NoError(t, s.Commit(ctx, sc, 0))
		require.NoError(t, s.Remove(ctx, key))

		sc.State = "ask_age"
		require.NoError(t, s.Commit(ctx, sc, sc.Version))
		got, err := s.Get(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, models.StateID("ask_age"), got.State)
	})

	t.Run("FormTypesSurviveCommit", func(t *testing.T) {
		s := newStorage(t)
		key := models.NewConversationKey(13, 14)

		sc, err := s.GetOrCreate(ctx, key)
		require.NoError(t, err)
		require.NoError(t, sc.Form.Set("name", "Alice"))
		require.NoError(t, sc.Form.Set("age", 30))
		require.NoError(t, sc.Form.Set("ratio", 2.0))
		require.NoError(t, sc.Form.Set("score", 4.5))
		require.NoError(t, sc.Form.Set("agreed", true))
		require.NoError(t, s.Commit(ctx, sc, 0))

		got, err := s.Get(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, []string{"name", "age", "ratio", "score", "agreed"}, got.Form.Fields())

		name, err := got.Form.String("name")
		require.NoError(t, err)
		assert.Equal(t, "Alice", name)
		age, err := got.Form.Int64("age")
		require.NoError(t, err)
		assert.Equal(t, int64(30), age)
		ratio, err := got.Form.Float64("ratio")
		require.NoError(t, err)
		assert.Equal(t, 2.0, ratio)
		score, err := got.Form.Float64("score")
		require.NoError(t, err)
		assert.Equal(t, 4.5, score)
		agreed, err := got.Form.Bool("agreed")
		require.NoError(t, err)
		assert.True(t, agreed)
	})

	t.Run("StaleCommitAfterDiscardRecreates", func(t *testing.T) {
		s := newStorage(t)
		key := models.NewConversationKey(15, 16)

		sc, err := s.GetOrCreate(ctx, key)
		require.NoError(t, err)
		require.NoError(t, s.Commit(ctx, sc, 0))

		stale, err := s.GetOrCreate(ctx, key)
		require.NoError(t, err)
		require.NoError(t, s.Discard(ctx, key, 1))

		// an absent key cannot be told apart from an evicted one
		stale.State = "ask_age"
		require.NoError(t, s.Commit(ctx, stale, 1))
		got, err := s.Get(ctx, key)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, models.StateID("ask_age"), got.State)
		assert.Equal(t, int64(2), got.Version)
	})

	t.Run("Discard", func(t *testing.T) {
		s := newStorage(t)
		key := models.NewConversationKey(11, 12)

		sc, err := s.GetOrCreate(ctx, key)
		require.NoError(t, err)
		require.NoError(t, s.Commit(ctx, sc, 0))

		assert.ErrorIs(t, s.Discard(ctx, key, 0), domain.ErrConflict)
		require.NoError(t, s.Discard(ctx, key, 1))

		got, err := s.Get(ctx, key)
		require.NoError(t, err)
		assert.Nil(t, got)

		// absent key is a no-op
		require.NoError(t, s.Discard(ctx, key, 5))

		fresh, err := s.GetOrCreate(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, models.StateID("start"), fresh.State)
		assert.Equal(t, int64(0), fresh.Version)
	})

	t.Run("KeysAreIndependent", func(t *testing.T) {
		s := newStorage(t)
		a := models.NewConversationKey(1, 2)
		b := models.NewConversationKey(2, 1)

		scA, err := s.GetOrCreate(ctx, a)
		require.NoError(t, err)
		scA.State = "a_state"
		require.NoError(t, s.Commit(ctx, scA, 0))

		scB, err := s.GetOrCreate(ctx, b)
		require.NoError(t, err)
		assert.Equal(t, models.StateID("start"), scB.State)
		assert.Equal(t, int64(0), scB.Version)
	})

	t.Run("RemoveMissing", func(t *testing.T) {
		s := newStorage(t)
		assert.NoError(t, s.Remove(ctx, models.NewConversationKey(77, 77)))
	})
}
