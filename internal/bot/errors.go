package bot

import (
	"context"
	"errors"

	"convobot/internal/domain"
	"convobot/internal/fsm"
	"convobot/internal/worker"
)

const (
	msgRateLimited = "⚠️ You are sending messages too often. Please wait a little."
	msgBusy        = "⚠️ Still working on your previous messages. Please try again in a moment."
)

// userMessage picks the text shown to the user when an update failed. An
// empty string means the user is not notified.
func userMessage(err error) string {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, context.Canceled):
		return ""
	case errors.Is(err, fsm.ErrDropped):
		return "⚠️ Your message collided with another one and was not saved. Please send it again."
	case errors.Is(err, domain.ErrStorageUnavailable):
		return "⚠️ The bot is temporarily unavailable. Please try again later."
	case errors.Is(err, fsm.ErrUnknownState):
		return "⚠️ This conversation can not be continued. Send /start to begin again."
	case errors.Is(err, worker.ErrQueueFull):
		return msgBusy
	case errors.Is(err, context.DeadlineExceeded):
		return "⌛ Processing took too long. Please try again."
	}

	return "❌ Something went wrong while processing your message. Please try again later."
}
