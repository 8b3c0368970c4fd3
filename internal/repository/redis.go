package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"convobot/internal/config"
	"convobot/internal/domain"
	"convobot/internal/models"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "convo:state:"

// RedisStorage stores each conversation as a JSON value whose TTL is the idle
// timeout, so idle eviction is done by redis itself.
type RedisStorage struct {
	client  *redis.Client
	ttl     time.Duration
	initial models.StateID
}

// NewRedisClient создает новый клиент Redis на основе конфигурации
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	options := &redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}

	return redis.NewClient(options)
}

func NewRedisStorage(client *redis.Client, ttl time.Duration, initial models.StateID) *RedisStorage {
	if initial == "" {
		initial = models.DefaultInitialState
	}
	return &RedisStorage{
		client:  client,
		ttl:     ttl,
		initial: initial,
	}
}

func redisKey(key models.ConversationKey) string {
	return redisKeyPrefix + key.String()
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStorageUnavailable, err)
}

func decodeContext(data []byte) (*models.StateContext, error) {
	var sc models.StateContext
	if err := json.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	if sc.Form == nil {
		sc.Form = models.NewStatesForm()
	}
	return &sc, nil
}

func (r *RedisStorage) checkClient() error {
	if r.client == nil {
		return fmt.Errorf("%w: redis client is nil", domain.ErrStorageUnavailable)
	}
	return nil
}

func (r *RedisStorage) Get(ctx context.Context, key models.ConversationKey) (*models.StateContext, error) {
	if err := r.checkClient(); err != nil {
		return nil, err
	}
	data, err := r.client.Get(ctx, redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("failed to get state from redis", err)
	}
	return decodeContext(data)
}

func (r *RedisStorage) GetOrCreate(ctx context.Context, key models.ConversationKey) (*models.StateContext, error) {
	sc, err := r.Get(ctx, key)
	if err != nil || sc != nil {
		return sc, err
	}

	fresh := models.NewStateContext(key, r.initial, time.Now())
	data, err := json.Marshal(fresh)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}

	created, err := r.client.SetNX(ctx, redisKey(key), data, r.ttl).Result()
	if err != nil {
		return nil, unavailable("failed to create state in redis", err)
	}
	if created {
		return fresh, nil
	}

	// lost the creation race, read the winner's context
	sc, err = r.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if sc == nil {
		return fresh, nil
	}
	return sc, nil
}

func (r *RedisStorage) Commit(ctx context.Context, sc *models.StateContext, expectedVersion int64) error {
	if err := r.checkClient(); err != nil {
		return err
	}
	key := redisKey(sc.Key)
	now := time.Now()

	next := sc.Clone()
	next.Version = expectedVersion + 1
	next.UpdatedAt = now
	if next.CreatedAt.IsZero() {
		next.CreatedAt = now
	}
	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		if err := r.checkVersion(ctx, tx, key, expectedVersion); err != nil {
			return err
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, r.ttl)
			return nil
		})
		return err
	}, key)
	if err != nil {
		return mapTxError("failed to commit state to redis", err)
	}

	sc.Version = next.Version
	sc.UpdatedAt = now
	return nil
}

func (r *RedisStorage) Discard(ctx context.Context, key models.ConversationKey, expectedVersion int64) error {
	if err := r.checkClient(); err != nil {
		return err
	}
	rk := redisKey(key)

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		if err := r.checkVersion(ctx, tx, rk, expectedVersion); err != nil {
			return err
		}
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, rk)
			return nil
		})
		return err
	}, rk)
	if err != nil {
		return mapTxError("failed to discard state in redis", err)
	}
	return nil
}

// checkVersion runs inside WATCH; an absent key always passes.
func (r *RedisStorage) checkVersion(ctx context.Context, tx *redis.Tx, key string, expected int64) error {
	data, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return unavailable("failed to read state version", err)
	}
	cur, err := decodeContext(data)
	if err != nil {
		return err
	}
	if cur.Version != expected {
		return domain.ErrConflict
	}
	return nil
}

func mapTxError(op string, err error) error {
	switch {
	case errors.Is(err, redis.TxFailedErr), errors.Is(err, domain.ErrConflict):
		return domain.ErrConflict
	case errors.Is(err, domain.ErrStorageUnavailable):
		return err
	default:
		return unavailable(op, err)
	}
}

func (r *RedisStorage) Remove(ctx context.Context, key models.ConversationKey) error {
	if err := r.checkClient(); err != nil {
		return err
	}
	if err := r.client.Del(ctx, redisKey(key)).Err(); err != nil {
		return unavailable("failed to delete state from redis", err)
	}
	return nil
}

// SweepIdle is a no-op: every write refreshes the key TTL, so redis expires idle
// conversations on its own.
func (r *RedisStorage) SweepIdle(ctx context.Context, maxAge time.Duration) (int, error) {
	return 0, nil
}

func (r *RedisStorage) Close() error {
	return Close(r.client)
}

// Ping проверяет соединение с Redis
func Ping(ctx context.Context, client *redis.Client) error {
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close закрывает соединение с Redis
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
