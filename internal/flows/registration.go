// Package flows holds the conversations shipped with the example bot.
package flows

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"

	"convobot/internal/fsm"
	"convobot/internal/models"
)

const (
	StateStart   models.StateID = "start"
	StateAskName models.StateID = "ask_name"
	StateAskAge  models.StateID = "ask_age"
	StateConfirm models.StateID = "confirm"
)

const (
	FieldName = "name"
	FieldAge  = "age"

	CallbackConfirmYes = "confirm:yes"
	CallbackConfirmNo  = "confirm:no"

	maxNameLen = 64
	minAge     = 1
	maxAge     = 120
)

const (
	msgWelcome  = "👋 Hi! Send /register to sign up or /help to see what I can do."
	msgAskName  = "What is your name?"
	msgAskAge   = "How old are you?"
	msgUseKeys  = "Please use the buttons below."
	msgRestart  = "OK, let's start over."
	msgComplete = "✅ Thanks, %s! You are registered (age %d)."
)

// Registration returns the states of the sign-up conversation:
// start → ask_name → ask_age → confirm → finish.
func Registration() []fsm.State {
	return []fsm.State{
		fsm.NewState(StateStart, handleStart),
		fsm.NewState(StateAskName, handleName, fsm.WithPrompt(msgAskName)),
		fsm.NewState(StateAskAge, handleAge, fsm.WithPrompt(msgAskAge)),
		fsm.NewState(StateConfirm, handleConfirm, fsm.WithOnEnter(confirmPrompt)),
	}
}

func handleStart(_ context.Context, upd models.Update, _ *models.StatesForm) (models.Transition, *models.OutboundMessage, error) {
	switch upd.Command() {
	case "/start", "/register":
		return models.Goto(StateAskName).ClearForm(), nil, nil
	}
	return models.Stay(), models.NewReply(upd.ChatID, msgWelcome), nil
}

func handleName(_ context.Context, upd models.Update, _ *models.StatesForm) (models.Transition, *models.OutboundMessage, error) {
	if upd.Kind != models.UpdateText {
		return models.Stay(), nil, fsm.Reject(msgAskName)
	}
	name := strings.TrimSpace(upd.Text)
	switch {
	case name == "" || strings.HasPrefix(name, "/"):
		return models.Stay(), nil, fsm.Reject("Name cannot be empty. " + msgAskName)
	case utf8.RuneCountInString(name) > maxNameLen:
		return models.Stay(), nil, fsm.Rejectf("Name must be at most %d characters.", maxNameLen)
	}
	return models.Goto(StateAskAge).With(FieldName, name), nil, nil
}

func handleAge(_ context.Context, upd models.Update, _ *models.StatesForm) (models.Transition, *models.OutboundMessage, error) {
	age, err := strconv.Atoi(strings.TrimSpace(upd.Text))
	if err != nil {
		return models.Stay(), nil, fsm.Rejectf("%q is not a number. %s", upd.Text, msgAskAge)
	}
	if age < minAge || age > maxAge {
		return models.Stay(), nil, fsm.Rejectf("Age must be between %d and %d.", minAge, maxAge)
	}
	return models.Goto(StateConfirm).With(FieldAge, age), nil, nil
}

func confirmPrompt(_ context.Context, key models.ConversationKey, form *models.StatesForm) *models.OutboundMessage {
	name, _ := form.String(FieldName)
	age, _ := form.Int64(FieldAge)

	msg := models.NewReply(key.ChatID, fmt.Sprintf("Please confirm:\n*Name:* %s\n*Age:* %d", name, age))
	msg.ParseMode = models.ParseModeMarkdown
	return msg.WithButtons(
		models.Button{Text: "✅ Confirm", Data: CallbackConfirmYes},
		models.Button{Text: "✏️ Edit", Data: CallbackConfirmNo},
	)
}

func handleConfirm(_ context.Context, upd models.Update, form *models.StatesForm) (models.Transition, *models.OutboundMessage, error) {
	if upd.Kind != models.UpdateCallback {
		return models.Stay(), nil, fsm.Reject(msgUseKeys)
	}

	switch upd.CallbackData {
	case CallbackConfirmYes:
		name, err := form.String(FieldName)
		if err != nil {
			return models.Stay(), nil, err
		}
		age, err := form.Int64(FieldAge)
		if err != nil {
			return models.Stay(), nil, err
		}
		reply := models.NewReply(upd.ChatID, fmt.Sprintf(msgComplete, name, age))
		reply.CallbackAnswer = "Saved"
		return models.Finish(), reply, nil

	case CallbackConfirmNo:
		reply := models.NewReply(upd.ChatID, msgRestart)
		return models.Goto(StateAskName).ClearForm(), reply, nil
	}

	return models.Stay(), nil, fsm.Reject(msgUseKeys)
}
