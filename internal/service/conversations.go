package service

import (
	"context"
	"errors"
	"time"

	"convobot/internal/models"

	"github.com/rs/zerolog"
)

var ErrConversationNotFound = errors.New("conversation not found")

// ConversationMachine is the part of the state machine used for administration.
type ConversationMachine interface {
	Snapshot(ctx context.Context, key models.ConversationKey) (*models.StateContext, error)
	Reset(ctx context.Context, key models.ConversationKey) error
}

// StateCounter is implemented by backends able to aggregate by state.
type StateCounter interface {
	CountByState(ctx context.Context) (map[string]int, error)
}

// ConversationView is the read model exposed over the API.
type ConversationView struct {
	ChatID    int64          `json:"chat_id"`
	UserID    int64          `json:"user_id"`
	State     string         `json:"state"`
	Form      map[string]any `json:"form"`
	Fields    []string       `json:"fields"`
	Version   int64          `json:"version"`
	CreatedAt string         `json:"created_at"`
	UpdatedAt string         `json:"updated_at"`
}

type ConversationService struct {
	machine ConversationMachine
	counter StateCounter
	logger  *zerolog.Logger
}

// NewConversationService builds the service; counter may be nil.
func NewConversationService(machine ConversationMachine, counter StateCounter, logger *zerolog.Logger) *ConversationService {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &ConversationService{
		machine: machine,
		counter: counter,
		logger:  logger,
	}
}

func (s *ConversationService) Get(ctx context.Context, key models.ConversationKey) (*ConversationView, error) {
	sc, err := s.machine.Snapshot(ctx, key)
	if err != nil {
		s.logger.Error().Err(err).Str("conversation", key.String()).Msg("failed to load conversation")
		return nil, err
	}
	if sc == nil {
		return nil, ErrConversationNotFound
	}

	return &ConversationView{
		ChatID:    sc.Key.ChatID,
		UserID:    sc.Key.UserID,
		State:     string(sc.State),
		Form:      sc.Form.Map(),
		Fields:    sc.Form.Fields(),
		Version:   sc.Version,
		CreatedAt: sc.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt: sc.UpdatedAt.UTC().Format(time.RFC3339),
	}, nil
}

// Reset drops the conversation so the next update starts at the initial state.
func (s *ConversationService) Reset(ctx context.Context, key models.ConversationKey) error {
	if err := s.machine.Reset(ctx, key); err != nil {
		s.logger.Error().Err(err).Str("conversation", key.String()).Msg("failed to reset conversation")
		return err
	}
	s.logger.Info().Str("conversation", key.String()).Msg("conversation reset via api")
	return nil
}

// Stats returns the number of live conversations per state. ok is false when
// the backend cannot aggregate.
func (s *ConversationService) Stats(ctx context.Context) (counts map[string]int, ok bool, err error) {
	if s.counter == nil {
		return nil, false, nil
	}
	counts, err = s.counter.CountByState(ctx)
	if err != nil {
		return nil, true, err
	}
	return counts, true, nil
}
