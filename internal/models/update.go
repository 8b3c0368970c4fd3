package models

import (
	"strings"
	"time"
)

type UpdateKind int

const (
	UpdateUnknown UpdateKind = iota
	UpdateText
	UpdateCallback
)

func (k UpdateKind) String() string {
	switch k {
	case UpdateText:
		return "text"
	case UpdateCallback:
		return "callback"
	default:
		return "unknown"
	}
}

// Update is one inbound event addressed to a conversation. It is produced by the
// transport layer and treated as immutable afterwards.
type Update struct {
	ID       int64
	Kind     UpdateKind
	ChatID   int64
	UserID   int64
	Username string
	Received time.Time

	// Text messages
	MessageID int
	Text      string

	// Callback queries
	CallbackID   string
	CallbackData string
}

func NewTextUpdate(id, chatID, userID int64, text string) Update {
	return Update{ID: id, Kind: UpdateText, ChatID: chatID, UserID: userID, Text: text, Received: time.Now()}
}

func NewCallbackUpdate(id, chatID, userID int64, callbackID, data string) Update {
	return Update{
		ID:           id,
		Kind:         UpdateCallback,
		ChatID:       chatID,
		UserID:       userID,
		CallbackID:   callbackID,
		CallbackData: data,
		Received:     time.Now(),
	}
}

func (u Update) Key() ConversationKey {
	return ConversationKey{ChatID: u.ChatID, UserID: u.UserID}
}

// Command returns the leading "/command" of a text update without the
// "@botname" suffix, or "" when the update is not a command.
func (u Update) Command() string {
	if u.Kind != UpdateText || !strings.HasPrefix(u.Text, "/") {
		return ""
	}
	cmd := strings.Fields(u.Text)[0]
	if at := strings.IndexByte(cmd, '@'); at > 0 {
		cmd = cmd[:at]
	}
	return cmd
}

// Payload returns the text for messages and the button data for callbacks.
func (u Update) Payload() string {
	if u.Kind == UpdateCallback {
		return u.CallbackData
	}
	return u.Text
}
