package models

// Button is an inline button attached to an outbound message.
type Button struct {
	Text string `json:"text"`
	Data string `json:"data,omitempty"`
	URL  string `json:"url,omitempty"`
}

// OutboundMessage is the reply payload handed to the transport layer.
type OutboundMessage struct {
	ChatID           int64      `json:"chat_id"`
	Text             string     `json:"text"`
	ParseMode        string     `json:"parse_mode,omitempty"`
	Buttons          [][]Button `json:"buttons,omitempty"`
	ReplyToMessageID int        `json:"reply_to_message_id,omitempty"`

	// CallbackID/CallbackAnswer acknowledge the callback query that produced the reply.
	CallbackID     string `json:"callback_id,omitempty"`
	CallbackAnswer string `json:"callback_answer,omitempty"`
}

func NewReply(chatID int64, text string) *OutboundMessage {
	return &OutboundMessage{ChatID: chatID, Text: text}
}

// WithButtons appends one row of buttons.
func (m *OutboundMessage) WithButtons(row ...Button) *OutboundMessage {
	m.Buttons = append(m.Buttons, row)
	return m
}

// HasText reports whether a chat message has to be sent, as opposed to a bare
// callback acknowledgement.
func (m *OutboundMessage) HasText() bool {
	return m != nil && m.Text != ""
}
