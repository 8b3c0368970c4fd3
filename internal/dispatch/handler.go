package dispatch

import (
	"context"

	"convobot/internal/models"
)

// Action tells the router what to do after a table handler ran.
type Action int

const (
	// Consume stops routing; the state machine never sees the update.
	Consume Action = iota
	// Continue hands the update to the state machine as well.
	Continue
	// Jump moves the conversation to Target through the state machine.
	Jump
	// Reset removes the conversation.
	Reset
)

func (a Action) String() string {
	switch a {
	case Consume:
		return "consume"
	case Continue:
		return "continue"
	case Jump:
		return "jump"
	case Reset:
		return "reset"
	default:
		return "unknown"
	}
}

type HandlerResult struct {
	Reply  *models.OutboundMessage
	Action Action
	Target models.StateID
	// Form replaces the conversation form on Jump when non-nil.
	Form *models.StatesForm
}

type HandlerFunc func(ctx context.Context, upd models.Update) (HandlerResult, error)

// Predicate selects updates for HandleFunc routes.
type Predicate func(upd models.Update) bool

func Reply(msg *models.OutboundMessage) HandlerResult {
	return HandlerResult{Reply: msg, Action: Consume}
}

func JumpTo(target models.StateID, form *models.StatesForm, msg *models.OutboundMessage) HandlerResult {
	return HandlerResult{Reply: msg, Action: Jump, Target: target, Form: form}
}

func ResetWith(msg *models.OutboundMessage) HandlerResult {
	return HandlerResult{Reply: msg, Action: Reset}
}

func Pass() HandlerResult {
	return HandlerResult{Action: Continue}
}
