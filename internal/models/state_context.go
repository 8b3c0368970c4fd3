package models

import "time"

// StateID names a registered state. It is stored as-is by persistent backends.
type StateID string

// StateContext binds a conversation to its current state and collected form.
// Version grows by one with every committed transition; zero means the context
// was created but never committed.
type StateContext struct {
	Key       ConversationKey `json:"key"`
	State     StateID         `json:"state"`
	Form      *StatesForm     `json:"form"`
	Version   int64           `json:"version"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func NewStateContext(key ConversationKey, initial StateID, now time.Time) *StateContext {
	return &StateContext{
		Key:       key,
		State:     initial,
		Form:      NewStatesForm(),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy, so callers can mutate it without touching storage.
func (c *StateContext) Clone() *StateContext {
	if c == nil {
		return nil
	}
	out := *c
	out.Form = c.Form.Clone()
	return &out
}

// IdleFor reports how long the context has not been touched.
func (c *StateContext) IdleFor(now time.Time) time.Duration {
	return now.Sub(c.UpdatedAt)
}
