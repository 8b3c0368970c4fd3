package fsm

import (
	"context"

	"convobot/internal/models"
)

// State is one step of a conversation flow.
//
// Handle gets a private copy of the conversation form. Changes made to it are
// kept when the returned transition is Stay or Goto. Handle must not block: it
// runs on the worker that owns the conversation.
type State interface {
	ID() models.StateID
	Handle(ctx context.Context, upd models.Update, form *models.StatesForm) (models.Transition, *models.OutboundMessage, error)
}

// RejectPolicy decides what happens to a conversation whose state rejected the input.
type RejectPolicy int

const (
	// RejectStay keeps the conversation where it is; the user is re-prompted.
	RejectStay RejectPolicy = iota
	// RejectFinish ends the conversation.
	RejectFinish
)

func (p RejectPolicy) String() string {
	if p == RejectFinish {
		return "finish"
	}
	return "stay"
}

type HandlerFunc func(ctx context.Context, upd models.Update, form *models.StatesForm) (models.Transition, *models.OutboundMessage, error)

// EnterFunc builds the prompt sent when a conversation enters a state.
type EnterFunc func(ctx context.Context, key models.ConversationKey, form *models.StatesForm) *models.OutboundMessage

// policyState and enterState are optional State extensions the Machine looks for.
type policyState interface {
	RejectPolicy() RejectPolicy
}

type enterState interface {
	Enter(ctx context.Context, key models.ConversationKey, form *models.StatesForm) *models.OutboundMessage
}

// FuncState adapts a HandlerFunc to State.
type FuncState struct {
	id      models.StateID
	fn      HandlerFunc
	policy  RejectPolicy
	onEnter EnterFunc
}

type Option func(*FuncState)

func WithRejectPolicy(p RejectPolicy) Option {
	return func(s *FuncState) {
		s.policy = p
	}
}

func WithOnEnter(fn EnterFunc) Option {
	return func(s *FuncState) {
		s.onEnter = fn
	}
}

// WithPrompt is WithOnEnter for a fixed text prompt.
func WithPrompt(text string) Option {
	return WithOnEnter(func(_ context.Context, key models.ConversationKey, _ *models.StatesForm) *models.OutboundMessage {
		return models.NewReply(key.ChatID, text)
	})
}

func NewState(id models.StateID, fn HandlerFunc, opts ...Option) *FuncState {
	s := &FuncState{id: id, fn: fn}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *FuncState) ID() models.StateID {
	return s.id
}

func (s *FuncState) Handle(ctx context.Context, upd models.Update, form *models.StatesForm) (models.Transition, *models.OutboundMessage, error) {
	return s.fn(ctx, upd, form)
}

func (s *FuncState) RejectPolicy() RejectPolicy {
	return s.policy
}

func (s *FuncState) Enter(ctx context.Context, key models.ConversationKey, form *models.StatesForm) *models.OutboundMessage {
	if s.onEnter == nil {
		return nil
	}
	return s.onEnter(ctx, key, form)
}

func rejectPolicyOf(s State) RejectPolicy {
	if p, ok := s.(policyState); ok {
		return p.RejectPolicy()
	}
	return RejectStay
}

func enterPrompt(ctx context.Context, s State, key models.ConversationKey, form *models.StatesForm) *models.OutboundMessage {
	if e, ok := s.(enterState); ok {
		return e.Enter(ctx, key, form)
	}
	return nil
}
