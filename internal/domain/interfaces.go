package domain

import (
	"context"
	"errors"
	"time"

	"convobot/internal/models"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

var (
	// ErrConflict is returned by Commit and Discard when the stored version no
	// longer matches the expected one.
	ErrConflict = errors.New("storage: version conflict")

	// ErrStorageUnavailable wraps failures of the backing store itself.
	ErrStorageUnavailable = errors.New("storage: unavailable")
)

// Storage is the single source of truth for conversation state. Every
// implementation must keep GetOrCreate atomic per key and Commit optimistic.
type Storage interface {
	// GetOrCreate returns a private copy of the context for key, creating it at
	// the initial state (Version 0) when absent.
	GetOrCreate(ctx context.Context, key models.ConversationKey) (*models.StateContext, error)
	// Get reads a context without creating it; (nil, nil) when absent.
	Get(ctx context.Context, key models.ConversationKey) (*models.StateContext, error)
	// Commit stores sc if the stored version equals expectedVersion or the key
	// is absent; sc.Version is set to expectedVersion+1.
	Commit(ctx context.Context, sc *models.StateContext, expectedVersion int64) error
	// Remove deletes the context unconditionally.
	Remove(ctx context.Context, key models.ConversationKey) error
	// Discard deletes the context only if the stored version equals expectedVersion.
	Discard(ctx context.Context, key models.ConversationKey, expectedVersion int64) error
	// SweepIdle removes contexts untouched for longer than maxAge.
	SweepIdle(ctx context.Context, maxAge time.Duration) (int, error)
	Close() error
}

// ReplySink delivers outbound messages to the chat platform.
type ReplySink interface {
	Send(ctx context.Context, msg *models.OutboundMessage) error
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}

type TelegramSender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	GetSelf() tgbotapi.User
	StopReceivingUpdates()
}
