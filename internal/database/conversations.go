package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"convobot/internal/domain"
	"convobot/internal/models"
)

// Storage keeps conversations in the sqlite conversations table. Each row
// carries a version column used for optimistic commits.
type Storage struct {
	db      *DB
	initial models.StateID
	now     func() time.Time
}

func NewStorage(db *DB, initial models.StateID) *Storage {
	if initial == "" {
		initial = models.DefaultInitialState
	}
	return &Storage{db: db, initial: initial, now: time.Now}
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, domain.ErrStorageUnavailable, err)
}

const selectConversation = `
        SELECT state, form, version, created_at, updated_at
        FROM conversations
        WHERE chat_id = ? AND user_id = ?`

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanConversation(ctx context.Context, q querier, key models.ConversationKey) (*models.StateContext, error) {
	var (
		sc   = &models.StateContext{Key: key, Form: models.NewStatesForm()}
		form string
	)
	err := q.QueryRowContext(ctx, selectConversation, key.ChatID, key.UserID).
		Scan(&sc.State, &form, &sc.Version, &sc.CreatedAt, &sc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, unavailable("failed to get conversation", err)
	}
	if err := json.Unmarshal([]byte(form), sc.Form); err != nil {
		return nil, fmt.Errorf("failed to decode form of %s: %w", key, err)
	}
	return sc, nil
}

func (s *Storage) Get(ctx context.Context, key models.ConversationKey) (*models.StateContext, error) {
	return scanConversation(ctx, s.db, key)
}

func (s *Storage) GetOrCreate(ctx context.Context, key models.ConversationKey) (*models.StateContext, error) {
	now := s.now().UTC()
	query := `
        INSERT INTO conversations (chat_id, user_id, state, form, version, created_at, updated_at)
        VALUES (?, ?, ?, '{}', 0, ?, ?)
        ON CONFLICT(chat_id, user_id) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, query, key.ChatID, key.UserID, string(s.initial), now, now); err != nil {
		return nil, unavailable("failed to create conversation", err)
	}

	sc, err := scanConversation(ctx, s.db, key)
	if err != nil {
		return nil, err
	}
	if sc == nil {
		// removed between insert and select
		return models.NewStateContext(key, s.initial, now), nil
	}
	return sc, nil
}

func (s *Storage) Commit(ctx context.Context, sc *models.StateContext, expectedVersion int64) error {
	form, err := json.Marshal(sc.Form)
	if err != nil {
		return fmt.Errorf("failed to encode form: %w", err)
	}
	now := s.now().UTC()
	next := expectedVersion + 1

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("failed to begin transaction", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
        UPDATE conversations SET state = ?, form = ?, version = ?, updated_at = ?
        WHERE chat_id = ? AND user_id = ? AND version = ?`,
		string(sc.State), string(form), next, now, sc.Key.ChatID, sc.Key.UserID, expectedVersion)
	if err != nil {
		return unavailable("failed to update conversation", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return unavailable("failed to update conversation", err)
	}

	if rows == 0 {
		created := sc.CreatedAt.UTC()
		if sc.CreatedAt.IsZero() {
			created = now
		}
		result, err = tx.ExecContext(ctx, `
            INSERT INTO conversations (chat_id, user_id, state, form, version, created_at, updated_at)
            VALUES (?, ?, ?, ?, ?, ?, ?)
            ON CONFLICT(chat_id, user_id) DO NOTHING`,
			sc.Key.ChatID, sc.Key.UserID, string(sc.State), string(form), next, created, now)
		if err != nil {
			return unavailable("failed to insert conversation", err)
		}
		if rows, err = result.RowsAffected(); err != nil {
			return unavailable("failed to insert conversation", err)
		}
		if rows == 0 {
			// the row exists with another version
			return domain.ErrConflict
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("failed to commit transaction", err)
	}
	sc.Version = next
	sc.UpdatedAt = now
	return nil
}

func (s *Storage) Remove(ctx context.Context, key models.ConversationKey) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE chat_id = ? AND user_id = ?`, key.ChatID, key.UserID)
	if err != nil {
		return unavailable("failed to delete conversation", err)
	}
	return nil
}

func (s *Storage) Discard(ctx context.Context, key models.ConversationKey, expectedVersion int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("failed to begin transaction", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE chat_id = ? AND user_id = ? AND version = ?`,
		key.ChatID, key.UserID, expectedVersion)
	if err != nil {
		return unavailable("failed to discard conversation", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return unavailable("failed to discard conversation", err)
	}
	if rows == 0 {
		cur, err := scanConversation(ctx, tx, key)
		if err != nil {
			return err
		}
		if cur != nil {
			return domain.ErrConflict
		}
	}
	if err := tx.Commit(); err != nil {
		return unavailable("failed to commit transaction", err)
	}
	return nil
}

func (s *Storage) SweepIdle(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := s.now().UTC().Add(-maxAge)
	result, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, unavailable("failed to sweep conversations", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, unavailable("failed to sweep conversations", err)
	}
	return int(n), nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}
