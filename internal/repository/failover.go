package repository

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"convobot/internal/domain"
	"convobot/internal/models"

	"github.com/rs/zerolog"
)

// recoveryInterval is how long the primary stays bypassed after a failure.
const recoveryInterval = time.Minute

// FailoverStorage serves from primary and switches to fallback while primary
// reports ErrStorageUnavailable. Version conflicts are passed through as-is.
type FailoverStorage struct {
	primary   domain.Storage
	fallback  domain.Storage
	logger    *zerolog.Logger
	isDown    atomic.Bool
	lastCheck atomic.Int64
	now       func() time.Time
}

func NewFailoverStorage(primary, fallback domain.Storage, logger *zerolog.Logger) *FailoverStorage {
	return &FailoverStorage{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		now:      time.Now,
	}
}

func (r *FailoverStorage) markDown(err error) {
	if !r.isDown.Swap(true) {
		r.logger.Error().Err(err).Msg("Primary storage failed, falling back")
	}
	r.lastCheck.Store(r.now().UnixNano())
}

// usePrimary reports whether the next call should try the primary backend.
func (r *FailoverStorage) usePrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	return r.now().Sub(time.Unix(0, r.lastCheck.Load())) > recoveryInterval
}

func (r *FailoverStorage) recovered() {
	if r.isDown.Swap(false) {
		r.logger.Info().Msg("Primary storage recovered")
	}
}

// call runs op against primary when healthy and against fallback otherwise.
func (r *FailoverStorage) call(op func(domain.Storage) error) error {
	if r.usePrimary() {
		err := op(r.primary)
		if err == nil || !errors.Is(err, domain.ErrStorageUnavailable) {
			r.recovered()
			return err
		}
		r.markDown(err)
	}
	return op(r.fallback)
}

func (r *FailoverStorage) GetOrCreate(ctx context.Context, key models.ConversationKey) (*models.StateContext, error) {
	var sc *models.StateContext
	err := r.call(func(s domain.Storage) error {
		var err error
		sc, err = s.GetOrCreate(ctx, key)
		return err
	})
	return sc, err
}

func (r *FailoverStorage) Get(ctx context.Context, key models.ConversationKey) (*models.StateContext, error) {
	var sc *models.StateContext
	err := r.call(func(s domain.Storage) error {
		var err error
		sc, err = s.Get(ctx, key)
		return err
	})
	return sc, err
}

func (r *FailoverStorage) Commit(ctx context.Context, sc *models.StateContext, expectedVersion int64) error {
	return r.call(func(s domain.Storage) error {
		return s.Commit(ctx, sc, expectedVersion)
	})
}

func (r *FailoverStorage) Remove(ctx context.Context, key models.ConversationKey) error {
	return r.call(func(s domain.Storage) error {
		return s.Remove(ctx, key)
	})
}

func (r *FailoverStorage) Discard(ctx context.Context, key models.ConversationKey, expectedVersion int64) error {
	return r.call(func(s domain.Storage) error {
		return s.Discard(ctx, key, expectedVersion)
	})
}

// SweepIdle sweeps both backends; the fallback may hold conversations started
// while the primary was down.
func (r *FailoverStorage) SweepIdle(ctx context.Context, maxAge time.Duration) (int, error) {
	fromFallback, err := r.fallback.SweepIdle(ctx, maxAge)
	if err != nil {
		return fromFallback, err
	}
	if !r.usePrimary() {
		return fromFallback, nil
	}
	fromPrimary, err := r.primary.SweepIdle(ctx, maxAge)
	if err != nil && errors.Is(err, domain.ErrStorageUnavailable) {
		r.markDown(err)
		return fromFallback, nil
	}
	return fromFallback + fromPrimary, err
}

func (r *FailoverStorage) Close() error {
	return errors.Join(r.primary.Close(), r.fallback.Close())
}
