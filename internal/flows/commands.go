package flows

import (
	"context"
	"strings"
	"unicode/utf8"

	"convobot/internal/dispatch"
	"convobot/internal/models"
)

const (
	CallbackHelpPrefix = "help:"

	maxTextLen = 4096

	msgHelp = "Commands:\n" +
		"/register - sign up\n" +
		"/back - change your name while asked for age\n" +
		"/cancel - abort the current conversation\n" +
		"/help - this message"
	msgCancelled = "Cancelled. Send /register to begin again."
	msgTooLong   = "⚠️ Message is too long."
)

// RegisterCommands installs the global handlers that run before the state machine.
func RegisterCommands(t *dispatch.Table) error {
	routes := []struct {
		kind  models.UpdateKind
		value string
		fn    dispatch.HandlerFunc
	}{
		{models.UpdateText, "/help", help},
		{models.UpdateText, "/cancel", cancel},
	}
	for _, r := range routes {
		if err := t.Handle(r.kind, r.value, r.fn); err != nil {
			return err
		}
	}

	if err := t.HandleInState(models.UpdateText, "/back", StateAskAge, back); err != nil {
		return err
	}
	if err := t.HandlePrefix(models.UpdateCallback, CallbackHelpPrefix, helpTopic); err != nil {
		return err
	}
	return t.HandleFunc(tooLong, rejectTooLong)
}

func help(_ context.Context, upd models.Update) (dispatch.HandlerResult, error) {
	msg := models.NewReply(upd.ChatID, msgHelp).WithButtons(
		models.Button{Text: "How do I register?", Data: CallbackHelpPrefix + "register"},
	)
	return dispatch.Reply(msg), nil
}

func helpTopic(_ context.Context, upd models.Update) (dispatch.HandlerResult, error) {
	topic := strings.TrimPrefix(upd.CallbackData, CallbackHelpPrefix)
	msg := &models.OutboundMessage{ChatID: upd.ChatID, CallbackID: upd.CallbackID}
	switch topic {
	case "register":
		msg.Text = "Send /register and answer two questions."
	default:
		msg.CallbackAnswer = "Unknown topic"
	}
	return dispatch.Reply(msg), nil
}

func cancel(_ context.Context, upd models.Update) (dispatch.HandlerResult, error) {
	return dispatch.ResetWith(models.NewReply(upd.ChatID, msgCancelled)), nil
}

// back returns to the name question keeping the collected form.
func back(_ context.Context, _ models.Update) (dispatch.HandlerResult, error) {
	return dispatch.JumpTo(StateAskName, nil, nil), nil
}

func tooLong(upd models.Update) bool {
	return upd.Kind == models.UpdateText && utf8.RuneCountInString(upd.Text) > maxTextLen
}

func rejectTooLong(_ context.Context, upd models.Update) (dispatch.HandlerResult, error) {
	return dispatch.Reply(models.NewReply(upd.ChatID, msgTooLong)), nil
}
